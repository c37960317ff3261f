// stores.go
//
// Shared in-memory implementations of the account, session and audit stores.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MGallo-Code/oidc-rp/internal/store"
)

// uniqueViolation mimics the error Postgres returns for a duplicate key on constraint.
func uniqueViolation(constraint string) error {
	return &pgconn.PgError{
		Code:           "23505",
		Message:        "duplicate key value violates unique constraint",
		ConstraintName: constraint,
	}
}

// IdentityConflict is the error the Postgres store returns for an already-bound identity.
func IdentityConflict() error { return uniqueViolation("identities_pkey") }

// UsernameConflict is the error the Postgres store returns when it runs out of
// attempts to claim a username.
func UsernameConflict() error { return uniqueViolation("accounts_username_lower_idx") }

// --- Accounts ---

// MockAccountStore implements identity.Store and the auth account reader.
// Always stateful...accounts and bindings are maps, like a real store.
// Use *Err fields to inject errors for specific operations.
type MockAccountStore struct {
	// Error injection...zero value means no error
	GetByIdentityErr error
	FindErr          error
	LinkErr          error
	CreateErr        error

	Accounts   map[uuid.UUID]*store.Account
	Identities map[string]uuid.UUID // keyed by issuer + "|" + subject

	Links   int
	Creates int

	mu sync.Mutex
}

// NewMockAccountStore returns a store seeded with accts (no bindings).
func NewMockAccountStore(accts ...*store.Account) *MockAccountStore {
	m := &MockAccountStore{
		Accounts:   make(map[uuid.UUID]*store.Account),
		Identities: make(map[string]uuid.UUID),
	}
	for _, a := range accts {
		m.Accounts[a.ID] = a
	}
	return m
}

// NewAccount builds an account with a fresh id.
func NewAccount(username, email string) *store.Account {
	id, _ := uuid.NewV7()
	a := &store.Account{ID: id, Username: username, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if email != "" {
		a.Email = &email
	}
	return a
}

// Bind records an identity binding directly.
func (m *MockAccountStore) Bind(issuer, subject string, accountID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Identities[issuer+"|"+subject] = accountID
}

func (m *MockAccountStore) GetAccountByID(_ context.Context, id uuid.UUID) (*store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (m *MockAccountStore) GetAccountByIdentity(_ context.Context, issuer, subject string) (*store.Account, error) {
	if m.GetByIdentityErr != nil {
		return nil, m.GetByIdentityErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.Identities[issuer+"|"+subject]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m.Accounts[id], nil
}

func (m *MockAccountStore) FindAccountsByUsername(_ context.Context, username string) ([]store.Account, error) {
	if m.FindErr != nil {
		return nil, m.FindErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Account
	for _, a := range m.Accounts {
		if strings.EqualFold(a.Username, username) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *MockAccountStore) FindAccountsByEmail(_ context.Context, email string) ([]store.Account, error) {
	if m.FindErr != nil {
		return nil, m.FindErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Account
	for _, a := range m.Accounts {
		if a.Email != nil && strings.EqualFold(*a.Email, email) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *MockAccountStore) LinkIdentity(_ context.Context, accountID uuid.UUID, issuer, subject string) error {
	if m.LinkErr != nil {
		return m.LinkErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := issuer + "|" + subject
	if _, ok := m.Identities[key]; ok {
		return IdentityConflict()
	}
	m.Identities[key] = accountID
	m.Links++
	return nil
}

func (m *MockAccountStore) CreateAccountWithIdentity(_ context.Context, na store.NewAccount, issuer, subject string) (*store.Account, error) {
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := issuer + "|" + subject
	if _, ok := m.Identities[key]; ok {
		return nil, IdentityConflict()
	}

	// Same suffixing rule as the Postgres store
	username := na.Username
	for i := 1; m.usernameTaken(username); i++ {
		username = na.Username + strconv.Itoa(i)
	}

	a := NewAccount(username, na.Email)
	if na.Nickname != "" {
		a.Nickname = &na.Nickname
	}
	if na.DisplayName != "" {
		a.DisplayName = &na.DisplayName
	}
	m.Accounts[a.ID] = a
	m.Identities[key] = a.ID
	m.Creates++
	return a, nil
}

func (m *MockAccountStore) usernameTaken(username string) bool {
	for _, a := range m.Accounts {
		if strings.EqualFold(a.Username, username) {
			return true
		}
	}
	return false
}

// --- Sessions ---

// MockSessionStore implements the auth session store in memory.
type MockSessionStore struct {
	CreateErr error
	GetErr    error
	UpdateErr error
	DeleteErr error

	Sessions map[string]*store.Session // keyed by string(tokenHash)
	Updates  int

	mu sync.Mutex
}

// NewMockSessionStore returns an empty store.
func NewMockSessionStore() *MockSessionStore {
	return &MockSessionStore{Sessions: make(map[string]*store.Session)}
}

func (m *MockSessionStore) CreateSession(_ context.Context, sess store.Session) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := sess
	m.Sessions[string(sess.TokenHash)] = &s
	return nil
}

func (m *MockSessionStore) GetSessionByTokenHash(_ context.Context, tokenHash []byte) (*store.Session, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[string(tokenHash)]
	if !ok || !s.ExpiresAt.After(time.Now()) {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MockSessionStore) UpdateSessionTokens(_ context.Context, sess store.Session) error {
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.Sessions {
		if s.ID == sess.ID {
			cp := sess
			cp.TokenHash = s.TokenHash
			m.Sessions[k] = &cp
			m.Updates++
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *MockSessionStore) DeleteSession(_ context.Context, tokenHash []byte) error {
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Sessions, string(tokenHash))
	return nil
}

// Count returns the number of stored sessions.
func (m *MockSessionStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sessions)
}

// --- Audit ---

// MockAuditStore records audit rows.
type MockAuditStore struct {
	InsertErr error
	Entries   []store.AuditEntry

	mu sync.Mutex
}

func (m *MockAuditStore) InsertAuditLog(_ context.Context, entry store.AuditEntry) error {
	if m.InsertErr != nil {
		return m.InsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Entries = append(m.Entries, entry)
	return nil
}

// Actions returns recorded action names in order.
func (m *MockAuditStore) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		out[i] = e.Action
	}
	return out
}
