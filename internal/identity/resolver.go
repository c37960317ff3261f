// Package identity maps provider claims onto local accounts.
//
// Resolution order: an existing binding for the external identity, then
// (if enabled) linking to an existing account, then (if enabled) creating one.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/oidc-rp/internal/config"
	"github.com/MGallo-Code/oidc-rp/internal/oidc"
	"github.com/MGallo-Code/oidc-rp/internal/store"
)

var (
	// ErrResolutionFailed means no account could be matched, linked or created.
	ErrResolutionFailed = errors.New("identity resolution failed")
	// ErrAmbiguous means more than one local account matched the link criteria.
	ErrAmbiguous = errors.New("ambiguous identity")
)

// Store is the account persistence the resolver needs.
// Satisfied by *store.PostgresStore — defined here (at consumer) per Go convention.
type Store interface {
	GetAccountByIdentity(ctx context.Context, issuer, subject string) (*store.Account, error)
	FindAccountsByUsername(ctx context.Context, username string) ([]store.Account, error)
	FindAccountsByEmail(ctx context.Context, email string) ([]store.Account, error)
	LinkIdentity(ctx context.Context, accountID uuid.UUID, issuer, subject string) error
	CreateAccountWithIdentity(ctx context.Context, na store.NewAccount, issuer, subject string) (*store.Account, error)
}

// Policy is the slice of settings that drives resolution.
type Policy struct {
	Issuer               string
	IdentityKey          string
	NicknameKey          string
	EmailFormat          string
	DisplayNameFormat    string
	IdentifyWithUsername bool
	LinkExistingUsers    bool
	CreateIfDoesNotExist bool
}

// PolicyFromSettings copies the relevant fields out of a snapshot.
func PolicyFromSettings(s config.Settings) Policy {
	return Policy{
		Issuer:               s.Issuer,
		IdentityKey:          s.IdentityKey,
		NicknameKey:          s.NicknameKey,
		EmailFormat:          s.EmailFormat,
		DisplayNameFormat:    s.DisplayNameFormat,
		IdentifyWithUsername: s.IdentifyWithUsername,
		LinkExistingUsers:    s.LinkExistingUsers,
		CreateIfDoesNotExist: s.CreateIfDoesNotExist,
	}
}

// RequiredClaims lists claim names the policy reads. Used to decide whether
// ID-token claims alone are enough.
func (p Policy) RequiredClaims() []string {
	keys := []string{p.IdentityKey}
	if p.NicknameKey != "" {
		keys = append(keys, p.NicknameKey)
	}
	keys = append(keys, TemplateKeys(p.EmailFormat)...)
	keys = append(keys, TemplateKeys(p.DisplayNameFormat)...)
	return keys
}

// Outcome records which branch produced the account.
type Outcome string

const (
	OutcomeMatched Outcome = "matched"
	OutcomeLinked  Outcome = "linked"
	OutcomeCreated Outcome = "created"
)

// Result is a resolved account plus how it was found.
type Result struct {
	Account *store.Account
	Outcome Outcome
	Issuer  string
	Subject string
}

// Resolver implements the match/link/create sequence against a Store.
type Resolver struct {
	Store Store
}

// NewResolver wraps s.
func NewResolver(s Store) *Resolver {
	return &Resolver{Store: s}
}

// profile holds the mapped claim values for one resolution.
type profile struct {
	issuer      string
	subject     string
	identity    string
	email       string
	nickname    string
	displayName string
}

// Resolve maps claims onto exactly one local account.
// Errors wrap ErrResolutionFailed or ErrAmbiguous; store failures are wrapped as-is.
func (r *Resolver) Resolve(ctx context.Context, claims oidc.Claims, p Policy) (*Result, error) {
	prof, err := mapProfile(claims, p)
	if err != nil {
		return nil, err
	}

	// (a) existing binding
	acct, err := r.bound(ctx, prof)
	if err != nil {
		return nil, err
	}
	if acct != nil {
		return prof.result(acct, OutcomeMatched), nil
	}

	// (b) link to an existing account
	if p.LinkExistingUsers {
		acct, err := r.link(ctx, prof, p)
		if err != nil {
			return nil, err
		}
		if acct != nil {
			return prof.result(acct, OutcomeLinked), nil
		}
	}

	// (c) create
	if p.CreateIfDoesNotExist {
		acct, err := r.create(ctx, prof)
		if err != nil {
			return nil, err
		}
		return prof.result(acct, OutcomeCreated), nil
	}

	return nil, fmt.Errorf("%w: no account for identity and creation disabled", ErrResolutionFailed)
}

// bound returns the account already bound to the identity, or nil.
func (r *Resolver) bound(ctx context.Context, prof profile) (*store.Account, error) {
	acct, err := r.Store.GetAccountByIdentity(ctx, prof.issuer, prof.subject)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up identity binding: %w", err)
	}
	if acct.DisabledAt != nil {
		return nil, fmt.Errorf("%w: account disabled", ErrResolutionFailed)
	}
	return acct, nil
}

func (r *Resolver) link(ctx context.Context, prof profile, p Policy) (*store.Account, error) {
	var (
		candidates []store.Account
		err        error
	)
	switch {
	case p.IdentifyWithUsername:
		candidates, err = r.Store.FindAccountsByUsername(ctx, prof.identity)
	case prof.email != "":
		candidates, err = r.Store.FindAccountsByEmail(ctx, prof.email)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding link candidates: %w", err)
	}

	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, fmt.Errorf("%w: %d local accounts match", ErrAmbiguous, len(candidates))
	}

	acct := &candidates[0]
	if acct.DisabledAt != nil {
		return nil, fmt.Errorf("%w: account disabled", ErrResolutionFailed)
	}
	if err := r.Store.LinkIdentity(ctx, acct.ID, prof.issuer, prof.subject); err != nil {
		if store.IsIdentityConflict(err) {
			// Bound concurrently; whatever won is the answer
			return r.rebound(ctx, prof)
		}
		return nil, fmt.Errorf("linking identity: %w", err)
	}
	slog.Info("identity linked to existing account", "account_id", acct.ID, "issuer", prof.issuer)
	return acct, nil
}

func (r *Resolver) create(ctx context.Context, prof profile) (*store.Account, error) {
	acct, err := r.Store.CreateAccountWithIdentity(ctx, store.NewAccount{
		Username:    usernameFrom(prof.identity),
		Email:       prof.email,
		Nickname:    prof.nickname,
		DisplayName: prof.displayName,
	}, prof.issuer, prof.subject)
	if err != nil {
		if store.IsIdentityConflict(err) {
			return r.rebound(ctx, prof)
		}
		return nil, fmt.Errorf("creating account: %w", err)
	}
	slog.Info("account created for identity", "account_id", acct.ID, "issuer", prof.issuer)
	return acct, nil
}

// rebound re-reads the binding after losing a race to bind the same identity.
func (r *Resolver) rebound(ctx context.Context, prof profile) (*store.Account, error) {
	acct, err := r.bound(ctx, prof)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: identity binding conflict", ErrResolutionFailed)
	}
	return acct, nil
}

func mapProfile(claims oidc.Claims, p Policy) (profile, error) {
	identity := strings.TrimSpace(claims.String(p.IdentityKey))
	if identity == "" {
		return profile{}, fmt.Errorf("%w: claim %q missing", ErrResolutionFailed, p.IdentityKey)
	}

	// Without a sub claim the identity value is the binding subject
	subject := strings.TrimSpace(claims.Subject())
	if p.IdentifyWithUsername || subject == "" {
		subject = identity
	}

	issuer := claims.Issuer()
	if issuer == "" {
		issuer = p.Issuer
	}

	nickname := ""
	if p.NicknameKey != "" {
		nickname = claims.String(p.NicknameKey)
	}
	if nickname == "" {
		nickname = identity
	}
	displayName := Interpolate(p.DisplayNameFormat, claims)
	if displayName == "" {
		displayName = nickname
	}

	return profile{
		issuer:      issuer,
		subject:     subject,
		identity:    identity,
		email:       Interpolate(p.EmailFormat, claims),
		nickname:    nickname,
		displayName: displayName,
	}, nil
}

func (prof profile) result(acct *store.Account, o Outcome) *Result {
	return &Result{Account: acct, Outcome: o, Issuer: prof.issuer, Subject: prof.subject}
}

// usernameFrom strips whitespace and control characters from the identity value.
func usernameFrom(identity string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return '_'
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, identity)
}
