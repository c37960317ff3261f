// redis.go -- go-redis client setup and session caching.
//
// Stores session data with TTL matching session expiry.
// Fast path for session validation; Postgres stays the source of truth.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses redisURL, connects, and pings before returning.
// The client is shared by the session cache and the state store.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	// Parse redisURL to get option values
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)

	// Test client to ensure it works correctly
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// RedisStore wraps a Redis client for session cache operations.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an already-connected client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Close shuts down the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// CheckHealth pings Redis.
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// SetSession caches a session in Redis under its token hash with the given TTL.
func (s *RedisStore) SetSession(ctx context.Context, tokenHash string, sess Session, ttl time.Duration) error {
	if ttl <= 0 {
		// SET with zero TTL would never expire
		return nil
	}
	cacheOut, err := json.Marshal(CachedSession{
		ID:               sess.ID,
		AccountID:        sess.AccountID,
		AccessToken:      sess.AccessToken,
		RefreshToken:     sess.RefreshToken,
		IDToken:          sess.IDToken,
		TokenType:        sess.TokenType,
		TokenExpiresAt:   sess.TokenExpiresAt,
		RefreshExpiresAt: sess.RefreshExpiresAt,
		ExpiresAt:        sess.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	if err := s.rdb.Set(ctx, sessionKey(tokenHash), cacheOut, ttl).Err(); err != nil {
		return fmt.Errorf("caching session: %w", err)
	}
	return nil
}

// GetSession retrieves a cached session by its token hash.
// Returns ErrCacheMiss when the key does not exist.
func (s *RedisStore) GetSession(ctx context.Context, tokenHash string) (*CachedSession, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}

	var cached CachedSession
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, fmt.Errorf("parsing session: %w", err)
	}
	return &cached, nil
}

// DeleteSession removes a single session from cache by its token hash.
func (s *RedisStore) DeleteSession(ctx context.Context, tokenHash string) error {
	if err := s.rdb.Del(ctx, sessionKey(tokenHash)).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func sessionKey(tokenHash string) string {
	return fmt.Sprintf("session:%s", tokenHash)
}
