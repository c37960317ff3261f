// sessions.go -- Session repository: Postgres source of truth with Redis cache-aside.
//
// Reads check Redis first, fall back to Postgres and repopulate the cache.
// Cache failures are logged and never fail the request.
package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Sessions combines the durable session table with the Redis cache.
// Cache may be nil, in which case every read goes to Postgres.
type Sessions struct {
	PG    *PostgresStore
	Cache *RedisStore
}

// CreateSession writes the row, then warms the cache.
func (s *Sessions) CreateSession(ctx context.Context, sess Session) error {
	if err := s.PG.CreateSession(ctx, sess); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	s.cache(ctx, sess)
	return nil
}

// GetSessionByTokenHash returns the live session for tokenHash or ErrNotFound.
func (s *Sessions) GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*Session, error) {
	key := cacheKey(tokenHash)

	// Redis fast path, TTL expiry already handles stale keys
	if s.Cache != nil {
		cached, err := s.Cache.GetSession(ctx, key)
		if err == nil && cached.ExpiresAt.After(time.Now()) {
			return &Session{
				ID:               cached.ID,
				AccountID:        cached.AccountID,
				TokenHash:        tokenHash,
				AccessToken:      cached.AccessToken,
				RefreshToken:     cached.RefreshToken,
				IDToken:          cached.IDToken,
				TokenType:        cached.TokenType,
				TokenExpiresAt:   cached.TokenExpiresAt,
				RefreshExpiresAt: cached.RefreshExpiresAt,
				ExpiresAt:        cached.ExpiresAt,
			}, nil
		}
		if err != nil && !errors.Is(err, ErrCacheMiss) {
			slog.Error("redis session lookup failed, falling back to postgres", "error", err)
		}
	}

	sess, err := s.PG.GetSessionByTokenHash(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, *sess)
	return sess, nil
}

// UpdateSessionTokens persists a refreshed token set and rewrites the cache entry.
func (s *Sessions) UpdateSessionTokens(ctx context.Context, sess Session) error {
	if err := s.PG.UpdateSessionTokens(ctx, sess); err != nil {
		return fmt.Errorf("updating session tokens: %w", err)
	}
	s.cache(ctx, sess)
	return nil
}

// DeleteSession removes the session from both stores.
func (s *Sessions) DeleteSession(ctx context.Context, tokenHash []byte) error {
	if s.Cache != nil {
		if err := s.Cache.DeleteSession(ctx, cacheKey(tokenHash)); err != nil {
			slog.Warn("failed to evict cached session", "error", err)
		}
	}
	if err := s.PG.DeleteSession(ctx, tokenHash); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (s *Sessions) cache(ctx context.Context, sess Session) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.SetSession(ctx, cacheKey(sess.TokenHash), sess, time.Until(sess.ExpiresAt)); err != nil {
		slog.Warn("failed to cache session", "error", err)
	}
}

func cacheKey(tokenHash []byte) string {
	return base64.RawURLEncoding.EncodeToString(tokenHash)
}
