// models.go -- Shared domain types for the store package.
// Used by both Postgres (durable store) and Redis (state + cache layer).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrCacheMiss is returned by GetSession when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// ErrStateNotFound is returned by Consume when the state token was never issued,
// was already consumed, or was evicted.
var ErrStateNotFound = errors.New("state not found")

// ErrStateExpired is returned by Consume when the record existed but its TTL had passed.
// The record is removed either way.
var ErrStateExpired = errors.New("state expired")

// ErrNotFound is returned by Postgres lookups that match no row.
var ErrNotFound = errors.New("not found")

// Account represents a row in the accounts table.
// Nullable columns are pointers — nil means SQL NULL.
type Account struct {
	ID          uuid.UUID
	Username    string
	Email       *string
	Nickname    *string
	DisplayName *string
	DisabledAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewAccount is the input to CreateAccountWithIdentity.
// Username is a base; the store appends a numeric suffix if it is taken.
type NewAccount struct {
	Username    string
	Email       string
	Nickname    string
	DisplayName string
}

// Session represents a row in the sessions table.
// TokenExpiresAt is zero when the provider did not report an access-token lifetime.
type Session struct {
	ID               uuid.UUID
	AccountID        uuid.UUID
	TokenHash        []byte
	AccessToken      string
	RefreshToken     string
	IDToken          string
	TokenType        string
	TokenExpiresAt   time.Time
	RefreshExpiresAt *time.Time
	ExpiresAt        time.Time
	CreatedAt        time.Time
}

// CachedSession is the JSON shape stored in Redis for cached sessions.
// Carries the token set so refresh checks don't need Postgres.
type CachedSession struct {
	ID               uuid.UUID  `json:"id"`
	AccountID        uuid.UUID  `json:"account_id"`
	AccessToken      string     `json:"access_token"`
	RefreshToken     string     `json:"refresh_token,omitempty"`
	IDToken          string     `json:"id_token,omitempty"`
	TokenType        string     `json:"token_type"`
	TokenExpiresAt   time.Time  `json:"token_expires_at"`
	RefreshExpiresAt *time.Time `json:"refresh_expires_at,omitempty"`
	ExpiresAt        time.Time  `json:"expires_at"`
}

// AuditEntry represents a row in the audit_logs table.
// AccountID is nil for failures before an account is known.
// Metadata holds optional event context as a raw JSON blob (e.g. error_code, outcome detail).
type AuditEntry struct {
	AccountID *uuid.UUID
	Action    string
	Outcome   string
	Stage     string
	Metadata  []byte
}

// StateRecord is the JSON shape stored under each state key.
// Payload is opaque to the store and travels base64 encoded.
type StateRecord struct {
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
	Payload   []byte        `json:"payload"`
}

// ExpiresAt is CreatedAt plus TTL.
func (r StateRecord) ExpiresAt() time.Time {
	return r.CreatedAt.Add(r.TTL)
}

// Expired reports whether now is strictly past the record's expiry.
func (r StateRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt())
}
