// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxUsernameSuffix bounds the search for a free username ("alice", "alice1", ...).
const maxUsernameSuffix = 1000

// maxCreateAttempts bounds retries when a concurrent create takes the chosen username.
const maxCreateAttempts = 5

// Constraint names from migrations/001_init.sql.
const (
	usernameConstraint = "accounts_username_lower_idx"
	identityConstraint = "identities_pkey"
)

// PostgresStore is the durable store for accounts, identities, sessions and audit rows.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates and returns a verified connection pool
// to PostgreSQL wrapped in a store.
// Call once at startup from main.go...the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Ping db to make sure connection works
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// IsIdentityConflict reports whether err means (issuer, subject) is already bound.
func IsIdentityConflict(err error) bool {
	return isConstraintViolation(err, identityConstraint)
}

// IsUsernameConflict reports whether err means the username was taken between check and insert.
func IsUsernameConflict(err error) bool {
	return isConstraintViolation(err, usernameConstraint)
}

// isConstraintViolation reports whether err is a unique_violation (23505) on constraint.
func isConstraintViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

// --- Accounts + identities ---

const accountColumns = "a.id, a.username, a.email, a.nickname, a.display_name, a.disabled_at, a.created_at, a.updated_at"

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Username, &a.Email, &a.Nickname, &a.DisplayName, &a.DisabledAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) queryAccounts(ctx context.Context, sql string, args ...any) ([]Account, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// GetAccountByID fetches one account. Returns ErrNotFound if absent.
func (s *PostgresStore) GetAccountByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts a WHERE a.id = $1", id))
}

// GetAccountByIdentity returns the account bound to (issuer, subject).
// Returns ErrNotFound if no binding exists.
func (s *PostgresStore) GetAccountByIdentity(ctx context.Context, issuer, subject string) (*Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		"SELECT "+accountColumns+` FROM accounts a
		 JOIN identities i ON i.account_id = a.id
		 WHERE i.issuer = $1 AND i.subject = $2`,
		issuer, subject))
}

// FindAccountsByUsername returns accounts whose username matches case-insensitively.
// Usernames are unique so this returns at most one row, but callers get a slice for symmetry with email.
func (s *PostgresStore) FindAccountsByUsername(ctx context.Context, username string) ([]Account, error) {
	return s.queryAccounts(ctx,
		"SELECT "+accountColumns+" FROM accounts a WHERE lower(a.username) = lower($1)", username)
}

// FindAccountsByEmail returns every account whose email matches case-insensitively.
// More than one result means the email alone can't pick an account.
func (s *PostgresStore) FindAccountsByEmail(ctx context.Context, email string) ([]Account, error) {
	return s.queryAccounts(ctx,
		"SELECT "+accountColumns+" FROM accounts a WHERE lower(a.email) = lower($1) ORDER BY a.created_at", email)
}

// LinkIdentity binds (issuer, subject) to an existing account.
// Returns raw pgx error; callers check IsIdentityConflict for an already-bound identity.
func (s *PostgresStore) LinkIdentity(ctx context.Context, accountID uuid.UUID, issuer, subject string) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO identities (issuer, subject, account_id) VALUES ($1, $2, $3)",
		issuer, subject, accountID)
	return err
}

// CreateAccountWithIdentity inserts a new account and its identity binding in one transaction.
// If the base username is taken, a numeric suffix is appended. A username lost to a
// concurrent create restarts the transaction, so the next free suffix is picked.
// Nothing is left behind on failure. An already-bound identity fails with an error
// for which IsIdentityConflict is true.
func (s *PostgresStore) CreateAccountWithIdentity(ctx context.Context, na NewAccount, issuer, subject string) (*Account, error) {
	var err error
	for range maxCreateAttempts {
		var acct *Account
		acct, err = s.createAccountWithIdentity(ctx, na, issuer, subject)
		if !IsUsernameConflict(err) {
			return acct, err
		}
	}
	return nil, fmt.Errorf("no free username for %q after %d attempts: %w", na.Username, maxCreateAttempts, err)
}

func (s *PostgresStore) createAccountWithIdentity(ctx context.Context, na NewAccount, issuer, subject string) (*Account, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating account id: %w", err)
	}

	var acct *Account
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		username, err := freeUsername(ctx, tx, na.Username)
		if err != nil {
			return err
		}

		// A concurrent create can take username after the check; caller retries
		acct, err = scanAccount(tx.QueryRow(ctx,
			`INSERT INTO accounts AS a (id, username, email, nickname, display_name)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING `+accountColumns,
			id, username, nullable(na.Email), nullable(na.Nickname), nullable(na.DisplayName)))
		if err != nil {
			return fmt.Errorf("inserting account: %w", err)
		}

		// Identity conflict here means a concurrent callback bound the identity first
		if _, err := tx.Exec(ctx,
			"INSERT INTO identities (issuer, subject, account_id) VALUES ($1, $2, $3)",
			issuer, subject, id); err != nil {
			return fmt.Errorf("inserting identity: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// freeUsername returns base, or base with the smallest numeric suffix not yet taken.
func freeUsername(ctx context.Context, tx pgx.Tx, base string) (string, error) {
	candidate := base
	for i := 1; i <= maxUsernameSuffix; i++ {
		var taken bool
		err := tx.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM accounts WHERE lower(username) = lower($1))",
			candidate).Scan(&taken)
		if err != nil {
			return "", fmt.Errorf("checking username: %w", err)
		}
		if !taken {
			return candidate, nil
		}
		candidate = base + strconv.Itoa(i)
	}
	return "", fmt.Errorf("no free username for %q", base)
}

// --- Sessions ---

const sessionColumns = `id, account_id, token_hash, access_token, COALESCE(refresh_token, ''), COALESCE(id_token, ''),
	token_type, COALESCE(token_expires_at, 'epoch'::timestamptz), refresh_expires_at, expires_at, created_at`

// CreateSession inserts a new session row.
func (s *PostgresStore) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, account_id, token_hash, access_token, refresh_token, id_token,
		   token_type, token_expires_at, refresh_expires_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.AccountID, sess.TokenHash, sess.AccessToken,
		nullable(sess.RefreshToken), nullable(sess.IDToken), sess.TokenType,
		nullableTime(sess.TokenExpiresAt), sess.RefreshExpiresAt, sess.ExpiresAt)
	return err
}

// GetSessionByTokenHash fetches a live session by token hash.
// Expired rows are treated as absent (ErrNotFound).
func (s *PostgresStore) GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE token_hash = $1 AND expires_at > now()",
		tokenHash).Scan(
		&sess.ID, &sess.AccountID, &sess.TokenHash, &sess.AccessToken, &sess.RefreshToken, &sess.IDToken,
		&sess.TokenType, &sess.TokenExpiresAt, &sess.RefreshExpiresAt, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	// 'epoch' stands in for NULL so Scan has a non-pointer target
	if sess.TokenExpiresAt.Unix() == 0 {
		sess.TokenExpiresAt = time.Time{}
	}
	return &sess, nil
}

// UpdateSessionTokens replaces the token set of an existing session after a refresh.
func (s *PostgresStore) UpdateSessionTokens(ctx context.Context, sess Session) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET access_token = $2, refresh_token = $3, id_token = $4, token_type = $5,
		   token_expires_at = $6, refresh_expires_at = $7
		 WHERE id = $1`,
		sess.ID, sess.AccessToken, nullable(sess.RefreshToken), nullable(sess.IDToken), sess.TokenType,
		nullableTime(sess.TokenExpiresAt), sess.RefreshExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session by token hash. Deleting a missing session is not an error.
func (s *PostgresStore) DeleteSession(ctx context.Context, tokenHash []byte) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE token_hash = $1", tokenHash)
	return err
}

// CleanupExpiredSessions deletes sessions that expired more than retention ago.
// Returns the number of rows removed.
func (s *PostgresStore) CleanupExpiredSessions(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM sessions WHERE expires_at < $1",
		time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Audit ---

// InsertAuditLog writes one audit_logs row.
func (s *PostgresStore) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO audit_logs (account_id, action, outcome, stage, metadata) VALUES ($1, $2, $3, $4, $5)",
		entry.AccountID, entry.Action, entry.Outcome, nullable(entry.Stage), entry.Metadata)
	return err
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
