// state.go -- Single-use login state records in Redis.
//
// Each record lives under its own key with a native Redis TTL, and is also
// indexed in a sorted set scored by expiry (unix ms). Consume uses GETDEL so
// exactly one caller can ever read a given record, across processes.
// GarbageCollect walks the index and evicts only records already past expiry.
package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultStatePrefix = "oidc:state:"
	stateIndexSuffix   = "index"
	gcBatchSize        = 500
)

// StateStore persists short-lived login state keyed by an opaque token.
// Safe for concurrent use by multiple processes sharing the same Redis.
type StateStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// StateOption customizes a StateStore.
type StateOption func(*StateStore)

// WithStatePrefix overrides the key prefix ("oidc:state:" by default).
func WithStatePrefix(prefix string) StateOption {
	return func(s *StateStore) { s.prefix = prefix }
}

// WithStateClock overrides the clock used for expiry checks.
func WithStateClock(now func() time.Time) StateOption {
	return func(s *StateStore) { s.now = now }
}

// NewStateStore wraps an existing Redis client.
func NewStateStore(rdb *redis.Client, opts ...StateOption) *StateStore {
	s := &StateStore{rdb: rdb, prefix: defaultStatePrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores payload under a fresh random token and returns the token.
// The token is 32 random bytes, base64url encoded. Only its SHA-256 hash
// appears in Redis.
func (s *StateStore) Create(ctx context.Context, payload []byte, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("state ttl must be positive, got %s", ttl)
	}

	// Generate token
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generating state token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw[:])
	id := stateID(token)

	rec := StateRecord{
		CreatedAt: s.now(),
		TTL:       ttl,
		Payload:   payload,
	}
	out, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshaling state record: %w", err)
	}

	// Record + index entry go in together
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key(id), out, ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(rec.ExpiresAt().UnixMilli()),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("storing state: %w", err)
	}
	return token, nil
}

// Consume atomically fetches and deletes the record for token.
// Returns ErrStateNotFound for unknown or already-used tokens and ErrStateExpired
// when the record outlived its TTL. A successful call returns the payload exactly once.
func (s *StateStore) Consume(ctx context.Context, token string) ([]byte, error) {
	if token == "" {
		return nil, ErrStateNotFound
	}
	id := stateID(token)

	raw, err := s.rdb.GetDel(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("consuming state: %w", err)
	}

	// Index entry is now stale, drop it. GC would catch it later anyway.
	if err := s.rdb.ZRem(ctx, s.indexKey(), id).Err(); err != nil {
		slog.Warn("failed to remove state index entry", "error", err)
	}

	var rec StateRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("parsing state record: %w", err)
	}

	// Redis TTL and the app clock can disagree by a little; the app clock wins.
	if rec.Expired(s.now()) {
		return nil, ErrStateExpired
	}
	return rec.Payload, nil
}

// GarbageCollect evicts every indexed record whose expiry is strictly before now.
// Records that have not expired are never touched. Returns the number of
// index entries evicted.
func (s *StateStore) GarbageCollect(ctx context.Context) (int, error) {
	cutoff := s.now().UnixMilli()
	evicted := 0

	for {
		ids, err := s.rdb.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   "(" + strconv.FormatInt(cutoff, 10),
			Count: gcBatchSize,
		}).Result()
		if err != nil {
			return evicted, fmt.Errorf("scanning state index: %w", err)
		}
		if len(ids) == 0 {
			return evicted, nil
		}

		pipe := s.rdb.TxPipeline()
		members := make([]any, len(ids))
		for i, id := range ids {
			pipe.Del(ctx, s.key(id))
			members[i] = id
		}
		pipe.ZRem(ctx, s.indexKey(), members...)
		if _, err := pipe.Exec(ctx); err != nil {
			return evicted, fmt.Errorf("evicting expired state: %w", err)
		}
		evicted += len(ids)

		if len(ids) < gcBatchSize {
			return evicted, nil
		}
	}
}

// Pending returns the number of indexed records, expired or not.
func (s *StateStore) Pending(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("counting state index: %w", err)
	}
	return n, nil
}

func (s *StateStore) key(id string) string {
	return s.prefix + id
}

func (s *StateStore) indexKey() string {
	return s.prefix + stateIndexSuffix
}

// stateID hashes the token so a Redis dump never reveals live state values.
func stateID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
