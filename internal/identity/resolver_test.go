package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MGallo-Code/oidc-rp/internal/config"
	"github.com/MGallo-Code/oidc-rp/internal/oidc"
	"github.com/MGallo-Code/oidc-rp/internal/store"
	"github.com/MGallo-Code/oidc-rp/internal/testutil"
)

const issuer = "https://idp.example.com"

func defaultPolicy() Policy {
	p := PolicyFromSettings(config.DefaultSettings())
	p.Issuer = issuer
	return p
}

func aliceClaims() oidc.Claims {
	return oidc.Claims{
		"iss":                issuer,
		"sub":                "sub-alice",
		"preferred_username": "alice",
		"email":              "alice@example.com",
		"name":               "Alice Liddell",
	}
}

// --- Matched ---

func TestResolveMatched(t *testing.T) {
	ctx := context.Background()

	t.Run("existing binding wins", func(t *testing.T) {
		acct := testutil.NewAccount("alice", "alice@example.com")
		ms := testutil.NewMockAccountStore(acct)
		ms.Bind(issuer, "sub-alice", acct.ID)

		res, err := NewResolver(ms).Resolve(ctx, aliceClaims(), defaultPolicy())
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if res.Outcome != OutcomeMatched {
			t.Errorf("Outcome: expected %q, got %q", OutcomeMatched, res.Outcome)
		}
		if res.Account.ID != acct.ID {
			t.Errorf("Account: expected %v, got %v", acct.ID, res.Account.ID)
		}
		if ms.Creates != 0 || ms.Links != 0 {
			t.Errorf("expected no writes, got creates=%d links=%d", ms.Creates, ms.Links)
		}
	})

	t.Run("binding by identity value when identifying with username", func(t *testing.T) {
		acct := testutil.NewAccount("alice", "")
		ms := testutil.NewMockAccountStore(acct)
		ms.Bind(issuer, "alice", acct.ID)

		p := defaultPolicy()
		p.IdentifyWithUsername = true
		res, err := NewResolver(ms).Resolve(ctx, aliceClaims(), p)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if res.Account.ID != acct.ID || res.Subject != "alice" {
			t.Errorf("expected binding on identity value, got %+v", res)
		}
	})

	t.Run("disabled account fails", func(t *testing.T) {
		acct := testutil.NewAccount("alice", "")
		now := time.Now()
		acct.DisabledAt = &now
		ms := testutil.NewMockAccountStore(acct)
		ms.Bind(issuer, "sub-alice", acct.ID)

		_, err := NewResolver(ms).Resolve(ctx, aliceClaims(), defaultPolicy())
		if !errors.Is(err, ErrResolutionFailed) {
			t.Errorf("expected ErrResolutionFailed, got %v", err)
		}
	})

	t.Run("missing issuer claim falls back to configured issuer", func(t *testing.T) {
		acct := testutil.NewAccount("alice", "")
		ms := testutil.NewMockAccountStore(acct)
		ms.Bind(issuer, "sub-alice", acct.ID)

		claims := aliceClaims()
		delete(claims, "iss")
		res, err := NewResolver(ms).Resolve(ctx, claims, defaultPolicy())
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if res.Issuer != issuer {
			t.Errorf("Issuer: expected %q, got %q", issuer, res.Issuer)
		}
	})
}

// --- Linked ---

func TestResolveLinked(t *testing.T) {
	ctx := context.Background()

	t.Run("links by email", func(t *testing.T) {
		acct := testutil.NewAccount("alice_local", "Alice@Example.com")
		ms := testutil.NewMockAccountStore(acct)

		p := defaultPolicy()
		p.LinkExistingUsers = true
		res, err := NewResolver(ms).Resolve(ctx, aliceClaims(), p)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if res.Outcome != OutcomeLinked || res.Account.ID != acct.ID {
			t.Errorf("expected link to %v, got %+v", acct.ID, res)
		}

		// Second login is a plain match
		res, err = NewResolver(ms).Resolve(ctx, aliceClaims(), p)
		if err != nil {
			t.Fatalf("second Resolve failed: %v", err)
		}
		if res.Outcome != OutcomeMatched {
			t.Errorf("second Outcome: expected %q, got %q", OutcomeMatched, res.Outcome)
		}
	})

	t.Run("links by username when identifying with username", func(t *testing.T) {
		acct := testutil.NewAccount("alice", "")
		ms := testutil.NewMockAccountStore(acct)

		p := defaultPolicy()
		p.LinkExistingUsers = true
		p.IdentifyWithUsername = true
		res, err := NewResolver(ms).Resolve(ctx, aliceClaims(), p)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if res.Outcome != OutcomeLinked {
			t.Errorf("Outcome: expected %q, got %q", OutcomeLinked, res.Outcome)
		}
	})

	t.Run("two matching accounts is ambiguous", func(t *testing.T) {
		ms := testutil.NewMockAccountStore(
			testutil.NewAccount("a1", "alice@example.com"),
			testutil.NewAccount("a2", "alice@example.com"),
		)

		p := defaultPolicy()
		p.LinkExistingUsers = true
		_, err := NewResolver(ms).Resolve(ctx, aliceClaims(), p)
		if !errors.Is(err, ErrAmbiguous) {
			t.Fatalf("expected ErrAmbiguous, got %v", err)
		}
		if ms.Links != 0 || ms.Creates != 0 {
			t.Errorf("ambiguous match must not write, got links=%d creates=%d", ms.Links, ms.Creates)
		}
	})

	t.Run("linking disabled skips to create", func(t *testing.T) {
		ms := testutil.NewMockAccountStore(testutil.NewAccount("alice", "alice@example.com"))

		res, err := NewResolver(ms).Resolve(ctx, aliceClaims(), defaultPolicy())
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if res.Outcome != OutcomeCreated {
			t.Errorf("Outcome: expected %q, got %q", OutcomeCreated, res.Outcome)
		}
		if res.Account.Username != "alice1" {
			t.Errorf("Username: expected %q, got %q", "alice1", res.Account.Username)
		}
	})
}

// --- Created ---

func TestResolveCreated(t *testing.T) {
	ctx := context.Background()

	t.Run("maps profile fields", func(t *testing.T) {
		ms := testutil.NewMockAccountStore()
		p := defaultPolicy()
		p.DisplayNameFormat = "{name}"
		p.EmailFormat = "{preferred_username}@corp.example.com"

		res, err := NewResolver(ms).Resolve(ctx, aliceClaims(), p)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		a := res.Account
		if a.Username != "alice" {
			t.Errorf("Username: expected %q, got %q", "alice", a.Username)
		}
		if a.Email == nil || *a.Email != "alice@corp.example.com" {
			t.Errorf("Email: got %v", a.Email)
		}
		if a.DisplayName == nil || *a.DisplayName != "Alice Liddell" {
			t.Errorf("DisplayName: got %v", a.DisplayName)
		}
	})

	t.Run("claims without sub bind to the identity value", func(t *testing.T) {
		ms := testutil.NewMockAccountStore()
		p := defaultPolicy()
		p.CreateIfDoesNotExist = true
		p.LinkExistingUsers = false
		claims := oidc.Claims{"preferred_username": "alice", "email": "alice@x.com"}

		res, err := NewResolver(ms).Resolve(ctx, claims, p)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if res.Outcome != OutcomeCreated {
			t.Errorf("Outcome: expected %q, got %q", OutcomeCreated, res.Outcome)
		}
		if ms.Creates != 1 {
			t.Errorf("Creates: expected 1, got %d", ms.Creates)
		}
		if res.Subject != "alice" {
			t.Errorf("Subject: expected %q, got %q", "alice", res.Subject)
		}
		if res.Account.Username != "alice" {
			t.Errorf("Username: expected %q, got %q", "alice", res.Account.Username)
		}

		// Same claims again match the binding instead of creating a second account
		again, err := NewResolver(ms).Resolve(ctx, claims, p)
		if err != nil {
			t.Fatalf("second Resolve failed: %v", err)
		}
		if again.Outcome != OutcomeMatched || again.Account.ID != res.Account.ID {
			t.Errorf("second Resolve: expected matched %v, got %s %v", res.Account.ID, again.Outcome, again.Account.ID)
		}
		if ms.Creates != 1 {
			t.Errorf("Creates after second Resolve: expected 1, got %d", ms.Creates)
		}
	})

	t.Run("creation disabled fails", func(t *testing.T) {
		ms := testutil.NewMockAccountStore()
		p := defaultPolicy()
		p.CreateIfDoesNotExist = false

		_, err := NewResolver(ms).Resolve(ctx, aliceClaims(), p)
		if !errors.Is(err, ErrResolutionFailed) {
			t.Errorf("expected ErrResolutionFailed, got %v", err)
		}
	})

	t.Run("missing identity claim fails", func(t *testing.T) {
		ms := testutil.NewMockAccountStore()
		claims := aliceClaims()
		delete(claims, "preferred_username")

		_, err := NewResolver(ms).Resolve(ctx, claims, defaultPolicy())
		if !errors.Is(err, ErrResolutionFailed) {
			t.Errorf("expected ErrResolutionFailed, got %v", err)
		}
	})

	t.Run("store failure is not a resolution failure", func(t *testing.T) {
		ms := testutil.NewMockAccountStore()
		ms.CreateErr = errors.New("db down")

		_, err := NewResolver(ms).Resolve(ctx, aliceClaims(), defaultPolicy())
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		if errors.Is(err, ErrResolutionFailed) || errors.Is(err, ErrAmbiguous) {
			t.Errorf("infra error should not be classified, got %v", err)
		}
	})

	t.Run("username conflict is not mistaken for a bound identity", func(t *testing.T) {
		ms := testutil.NewMockAccountStore()
		ms.CreateErr = testutil.UsernameConflict()

		_, err := NewResolver(ms).Resolve(ctx, aliceClaims(), defaultPolicy())
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		if errors.Is(err, ErrResolutionFailed) {
			t.Errorf("expected store error, got resolution failure %v", err)
		}
		if !store.IsUsernameConflict(err) {
			t.Errorf("expected username conflict to be preserved, got %v", err)
		}
	})

	t.Run("identity conflict returns the concurrent winner", func(t *testing.T) {
		winner := testutil.NewAccount("alice", "")
		ms := &racingStore{MockAccountStore: testutil.NewMockAccountStore(winner), winner: winner}

		res, err := NewResolver(ms).Resolve(ctx, aliceClaims(), defaultPolicy())
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if res.Account.ID != winner.ID {
			t.Errorf("Account: expected %v, got %v", winner.ID, res.Account.ID)
		}
	})

	t.Run("whitespace in identity becomes underscore", func(t *testing.T) {
		ms := testutil.NewMockAccountStore()
		claims := aliceClaims()
		claims["preferred_username"] = "alice smith"

		res, err := NewResolver(ms).Resolve(ctx, claims, defaultPolicy())
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if res.Account.Username != "alice_smith" {
			t.Errorf("Username: expected %q, got %q", "alice_smith", res.Account.Username)
		}
	})
}

// racingStore binds the identity to winner just before reporting a conflicting create.
type racingStore struct {
	*testutil.MockAccountStore
	winner *store.Account
}

func (r *racingStore) CreateAccountWithIdentity(_ context.Context, _ store.NewAccount, issuer, subject string) (*store.Account, error) {
	r.Bind(issuer, subject, r.winner.ID)
	return nil, testutil.IdentityConflict()
}

// --- RequiredClaims ---

func TestRequiredClaims(t *testing.T) {
	p := defaultPolicy()
	p.DisplayNameFormat = "{given_name} {family_name}"
	got := p.RequiredClaims()
	want := []string{"preferred_username", "preferred_username", "email", "given_name", "family_name"}
	if len(got) != len(want) {
		t.Fatalf("RequiredClaims: expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("RequiredClaims[%d]: expected %q, got %q", i, want[i], got[i])
		}
	}
}
