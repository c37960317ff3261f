// controller.go -- AuthFlowController: drives login, callback, refresh and logout.
//
// Each public method reads one settings snapshot up front and uses it for the
// whole call. Cross-request state lives only in the state and session stores.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/oauth2"

	"github.com/MGallo-Code/oidc-rp/internal/config"
	"github.com/MGallo-Code/oidc-rp/internal/identity"
	"github.com/MGallo-Code/oidc-rp/internal/oidc"
	"github.com/MGallo-Code/oidc-rp/internal/store"
)

// LoginPath is the login entry point users are sent back to.
const LoginPath = "/login"

// SettingsSource supplies settings snapshots.
// Satisfied by *config.Facade and config.Static.
type SettingsSource interface {
	Current() config.Settings
}

// StateStore holds single-use login state.
// Satisfied by *store.StateStore — defined here (at consumer) per Go convention.
type StateStore interface {
	Create(ctx context.Context, payload []byte, ttl time.Duration) (string, error)
	Consume(ctx context.Context, token string) ([]byte, error)
	GarbageCollect(ctx context.Context) (int, error)
}

// TokenClient talks to the provider. Satisfied by *oidc.Client.
type TokenClient interface {
	AuthCodeURL(req oidc.AuthRequest) string
	ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*oidc.TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (*oidc.TokenSet, error)
	FetchUserinfo(ctx context.Context, accessToken string) (oidc.Claims, error)
	IDTokenClaims(ctx context.Context, rawIDToken string) (oidc.Claims, error)
}

// IdentityResolver maps claims to a local account. Satisfied by *identity.Resolver.
type IdentityResolver interface {
	Resolve(ctx context.Context, claims oidc.Claims, p identity.Policy) (*identity.Result, error)
}

// SessionStore persists local sessions.
// Satisfied by *store.Sessions — defined here (at consumer) per Go convention.
type SessionStore interface {
	CreateSession(ctx context.Context, sess store.Session) error
	GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*store.Session, error)
	UpdateSessionTokens(ctx context.Context, sess store.Session) error
	DeleteSession(ctx context.Context, tokenHash []byte) error
}

// DefaultTokenClient builds an *oidc.Client for one settings snapshot.
func DefaultTokenClient(s config.Settings) TokenClient {
	return oidc.NewClient(oidc.OptionsFromSettings(s))
}

// Controller is the only component that decides user-visible behaviour.
// All fields are set once at startup and never mutated.
type Controller struct {
	Settings   SettingsSource
	States     StateStore
	Tokens     func(config.Settings) TokenClient
	Identities IdentityResolver
	Sessions   SessionStore
	Audit      AuditSink

	// SessionTTL is the local session lifetime.
	SessionTTL time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// statePayload travels through the state store between login and callback.
type statePayload struct {
	OriginURL    string `json:"origin_url,omitempty"`
	RedirectURI  string `json:"redirect_uri"`
	Nonce        string `json:"nonce,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
}

// CallbackParams is what the IdP sends back to the redirect URI.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// SessionResult is a successfully established session.
type SessionResult struct {
	Session *store.Session
	Account *store.Account
	Outcome identity.Outcome
	// RawToken is the cookie value; only its hash is stored.
	RawToken string
	// RedirectURL is where the browser goes next.
	RedirectURL string
}

// LogoutResult says where to send the browser after logout.
type LogoutResult struct {
	RedirectURL string
	// ToLogin is set when the session had already expired and redirect_on_logout is on.
	ToLogin bool
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Controller) ttl() time.Duration {
	if c.SessionTTL > 0 {
		return c.SessionTTL
	}
	return 24 * time.Hour
}

// AuthenticationURL returns the IdP authorization URL for a new login attempt.
func (c *Controller) AuthenticationURL(ctx context.Context, originURL string) (string, error) {
	return c.StartLogin(ctx, originURL)
}

// StartLogin mints state and returns the authorization URL (Idle -> AwaitingCallback).
// Fails fast with Misconfigured when required settings are missing.
func (c *Controller) StartLogin(ctx context.Context, originURL string) (string, error) {
	s := c.Settings.Current()
	if err := s.Validate(); err != nil {
		return "", c.fail(ctx, flowErr(KindMisconfigured, StageIdle, err), nil)
	}

	payload := statePayload{
		OriginURL:   SanitizeOrigin(originURL, s.BaseURL),
		RedirectURI: s.RedirectURI(),
	}
	if s.EnableNonce {
		nonce, err := GenerateNonce()
		if err != nil {
			return "", c.fail(ctx, flowErr(KindInternal, StageIdle, err), nil)
		}
		payload.Nonce = nonce
	}
	if s.EnablePKCE {
		payload.CodeVerifier = oauth2.GenerateVerifier()
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", c.fail(ctx, flowErr(KindInternal, StageIdle, err), nil)
	}
	state, err := c.States.Create(ctx, raw, s.StateTTL())
	if err != nil {
		return "", c.fail(ctx, flowErr(KindInternal, StageIdle, err), nil)
	}

	authURL := c.Tokens(s).AuthCodeURL(oidc.AuthRequest{
		State:        state,
		RedirectURI:  payload.RedirectURI,
		Nonce:        payload.Nonce,
		CodeVerifier: payload.CodeVerifier,
		ACRValues:    s.ACRValues,
	})

	c.Audit.Record(ctx, Event{
		Name:    EventLoginStarted,
		Outcome: OutcomeSuccess,
		Stage:   StageAwaitingCallback,
		Attrs:   map[string]any{"pkce": s.EnablePKCE, "redirect_uri_mode": string(s.RedirectURIMode)},
		Time:    c.now(),
	})
	return authURL, nil
}

// HandleCallback validates state, exchanges the code, resolves the identity
// and establishes a local session. Every failure is terminal for the attempt.
func (c *Controller) HandleCallback(ctx context.Context, p CallbackParams) (*SessionResult, error) {
	s := c.Settings.Current()
	c.Audit.Record(ctx, Event{Name: EventCallbackReceived, Outcome: OutcomeSuccess, Stage: StageAwaitingCallback, Time: c.now()})

	// State is consumed first, even for provider errors, so it can never be replayed
	payload, ferr := c.consumeState(ctx, p.State)
	if ferr != nil {
		return nil, c.fail(ctx, ferr, nil)
	}

	if p.Error != "" {
		return nil, c.fail(ctx, flowErr(KindAuthorizationDenied, StageAwaitingCallback, &oidc.Error{
			Op: "authorize", Kind: oidc.KindRejected, Code: p.Error, Description: p.ErrorDescription,
		}), nil)
	}

	// Exchanging
	tc := c.Tokens(s)
	ts, err := tc.ExchangeCode(ctx, p.Code, payload.RedirectURI, payload.CodeVerifier)
	if err != nil {
		return nil, c.fail(ctx, flowErr(KindTokenExchangeFailed, StageExchanging, err), nil)
	}
	c.Audit.Record(ctx, Event{
		Name: EventTokenExchanged, Outcome: OutcomeSuccess, Stage: StageExchanging,
		Attrs: map[string]any{"id_token": ts.IDToken != "", "refresh_token": ts.RefreshToken != ""},
		Time:  c.now(),
	})

	claims, ferr := c.collectClaims(ctx, s, tc, ts, payload.Nonce)
	if ferr != nil {
		return nil, c.fail(ctx, ferr, nil)
	}

	// ResolvingIdentity
	res, err := c.Identities.Resolve(ctx, claims, identity.PolicyFromSettings(s))
	if err != nil {
		kind := KindIdentityResolutionFailed
		switch {
		case errors.Is(err, identity.ErrAmbiguous):
			kind = KindAmbiguousIdentity
		case !errors.Is(err, identity.ErrResolutionFailed):
			kind = KindInternal
		}
		return nil, c.fail(ctx, flowErr(kind, StageResolvingIdentity, err), nil)
	}
	acctID := res.Account.ID
	c.Audit.Record(ctx, Event{
		Name: EventIdentityResolved, Outcome: OutcomeSuccess, Stage: StageResolvingIdentity,
		AccountID: &acctID, Attrs: map[string]any{"resolution": string(res.Outcome)},
		Time: c.now(),
	})

	sess, rawToken, err := c.newSession(res.Account.ID, ts)
	if err != nil {
		return nil, c.fail(ctx, flowErr(KindInternal, StageResolvingIdentity, err), &acctID)
	}
	if err := c.Sessions.CreateSession(ctx, *sess); err != nil {
		return nil, c.fail(ctx, flowErr(KindInternal, StageResolvingIdentity, err), &acctID)
	}

	redirect := "/"
	if s.RedirectUserBack && payload.OriginURL != "" {
		redirect = payload.OriginURL
	}

	c.Audit.Record(ctx, Event{
		Name: EventSessionEstablished, Outcome: OutcomeSuccess, Stage: StageSessionEstablished,
		AccountID: &acctID, Attrs: map[string]any{"session_id": sess.ID.String()},
		Time: c.now(),
	})
	return &SessionResult{
		Session:     sess,
		Account:     res.Account,
		Outcome:     res.Outcome,
		RawToken:    rawToken,
		RedirectURL: redirect,
	}, nil
}

// consumeState validates and burns the state token.
func (c *Controller) consumeState(ctx context.Context, state string) (*statePayload, *FlowError) {
	raw, err := c.States.Consume(ctx, state)
	if err != nil {
		if errors.Is(err, store.ErrStateNotFound) || errors.Is(err, store.ErrStateExpired) {
			c.Audit.Record(ctx, Event{
				Name: EventStateInvalid, Outcome: OutcomeFailure, Stage: StageAwaitingCallback,
				Kind: KindInvalidState, Attrs: map[string]any{"reason": err.Error()}, Time: c.now(),
			})
			return nil, flowErr(KindInvalidState, StageAwaitingCallback, err)
		}
		return nil, flowErr(KindInternal, StageAwaitingCallback, err)
	}

	var payload statePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, flowErr(KindInvalidState, StageAwaitingCallback, fmt.Errorf("unreadable state payload: %w", err))
	}
	if payload.RedirectURI == "" {
		return nil, flowErr(KindInvalidState, StageAwaitingCallback, errors.New("state payload has no redirect uri"))
	}
	return &payload, nil
}

// collectClaims decodes the ID token and fetches userinfo if those claims
// don't cover what identity resolution needs.
func (c *Controller) collectClaims(ctx context.Context, s config.Settings, tc TokenClient, ts *oidc.TokenSet, nonce string) (oidc.Claims, *FlowError) {
	claims := oidc.Claims{}
	if ts.IDToken != "" {
		idClaims, err := tc.IDTokenClaims(ctx, ts.IDToken)
		if err != nil {
			return nil, flowErr(KindTokenExchangeFailed, StageExchanging, err)
		}
		if nonce != "" && idClaims.String("nonce") != nonce {
			return nil, flowErr(KindTokenExchangeFailed, StageExchanging, errors.New("id token nonce mismatch"))
		}
		claims = idClaims
	}

	if s.EndpointUserinfo == "" || !insufficient(claims, identity.PolicyFromSettings(s)) {
		return claims, nil
	}

	info, err := tc.FetchUserinfo(ctx, ts.AccessToken)
	if err != nil {
		return nil, flowErr(KindUserinfoFailed, StageExchanging, err)
	}
	if sub := claims.Subject(); sub != "" && info.Subject() != "" && info.Subject() != sub {
		return nil, flowErr(KindUserinfoFailed, StageExchanging, errors.New("userinfo subject does not match id token"))
	}
	c.Audit.Record(ctx, Event{Name: EventUserinfoFetched, Outcome: OutcomeSuccess, Stage: StageExchanging, Time: c.now()})
	return claims.Merge(info), nil
}

// insufficient reports whether any claim the policy reads is missing.
func insufficient(claims oidc.Claims, p identity.Policy) bool {
	if !claims.Has("sub") {
		return true
	}
	for _, k := range p.RequiredClaims() {
		if !claims.Has(k) {
			return true
		}
	}
	return false
}

func (c *Controller) newSession(accountID uuid.UUID, ts *oidc.TokenSet) (*store.Session, string, error) {
	token, hash, err := GenerateToken()
	if err != nil {
		return nil, "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, "", fmt.Errorf("generating session id: %w", err)
	}
	now := c.now()
	sess := &store.Session{
		ID:               id,
		AccountID:        accountID,
		TokenHash:        hash[:],
		AccessToken:      ts.AccessToken,
		RefreshToken:     ts.RefreshToken,
		IDToken:          ts.IDToken,
		TokenType:        ts.TokenType,
		TokenExpiresAt:   ts.ExpiresAt,
		RefreshExpiresAt: ts.RefreshExpiresAt,
		ExpiresAt:        now.Add(c.ttl()),
		CreatedAt:        now,
	}
	return sess, base64.RawURLEncoding.EncodeToString(token[:]), nil
}

// Session looks up the live session for a cookie value.
// Unknown, expired or undecodable tokens are SessionExpired.
func (c *Controller) Session(ctx context.Context, rawToken string) (*store.Session, error) {
	hash, ok := hashCookie(rawToken)
	if !ok {
		return nil, flowErr(KindSessionExpired, StageIdle, errors.New("invalid session token"))
	}
	sess, err := c.Sessions.GetSessionByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, flowErr(KindSessionExpired, StageIdle, err)
		}
		return nil, flowErr(KindInternal, StageIdle, err)
	}
	return sess, nil
}

// MaybeRefresh returns sess unchanged while its access token is valid. Once
// expired it refreshes if enabled and possible; otherwise, or on a refresh
// failure, it returns SessionExpired and the caller must end the session.
// A failed refresh wraps ErrRefreshFailed. It is not a failure when a
// concurrent request already stored a newer valid token set.
func (c *Controller) MaybeRefresh(ctx context.Context, sess *store.Session) (*store.Session, error) {
	now := c.now()
	if sess.TokenExpiresAt.IsZero() || now.Before(sess.TokenExpiresAt) {
		return sess, nil
	}

	s := c.Settings.Current()
	acctID := sess.AccountID
	expired := func(reason string, cause error) error {
		if cause == nil {
			cause = errors.New(reason)
		}
		return c.fail(ctx, flowErr(KindSessionExpired, StageIdle, cause), &acctID)
	}

	if !s.TokenRefreshEnable {
		return nil, expired("token refresh disabled", nil)
	}
	if sess.RefreshToken == "" {
		return nil, expired("no refresh token", nil)
	}
	if sess.RefreshExpiresAt != nil && !now.Before(*sess.RefreshExpiresAt) {
		return nil, expired("refresh token expired", nil)
	}

	ts, err := c.Tokens(s).Refresh(ctx, sess.RefreshToken)
	if err != nil {
		// A concurrent request may have spent a rotating refresh token first
		if cur, ok := c.refreshedElsewhere(ctx, sess, now); ok {
			return cur, nil
		}
		// Recorded as a refresh failure, surfaced as an expired session
		refreshErr := flowErr(KindRefreshFailed, StageIdle, err)
		c.recordFailure(ctx, refreshErr, &acctID)
		return nil, flowErr(KindSessionExpired, StageIdle, refreshErr)
	}

	updated := *sess
	updated.AccessToken = ts.AccessToken
	updated.TokenType = ts.TokenType
	updated.TokenExpiresAt = ts.ExpiresAt
	if ts.RefreshToken != "" {
		updated.RefreshToken = ts.RefreshToken
	}
	if ts.RefreshExpiresAt != nil {
		updated.RefreshExpiresAt = ts.RefreshExpiresAt
	}
	if ts.IDToken != "" {
		updated.IDToken = ts.IDToken
	}
	if err := c.Sessions.UpdateSessionTokens(ctx, updated); err != nil {
		return nil, c.fail(ctx, flowErr(KindInternal, StageIdle, err), &acctID)
	}

	c.Audit.Record(ctx, Event{Name: EventTokenRefreshed, Outcome: OutcomeSuccess, AccountID: &acctID, Time: now})
	return &updated, nil
}

// refreshedElsewhere re-reads sess and reports whether another request has
// already replaced its token set with one that is still valid.
func (c *Controller) refreshedElsewhere(ctx context.Context, sess *store.Session, now time.Time) (*store.Session, bool) {
	cur, err := c.Sessions.GetSessionByTokenHash(ctx, sess.TokenHash)
	if err != nil {
		return nil, false
	}
	if !cur.TokenExpiresAt.After(sess.TokenExpiresAt) || !now.Before(cur.TokenExpiresAt) {
		return nil, false
	}
	slog.DebugContext(ctx, "session refreshed by a concurrent request", "session_id", cur.ID)
	return cur, true
}

// Logout ends the local session for rawToken and says where to go next.
// An already-expired session goes to the login entry point when
// redirect_on_logout is on, and is a SessionExpired error otherwise.
func (c *Controller) Logout(ctx context.Context, rawToken string) (*LogoutResult, error) {
	s := c.Settings.Current()

	var sess *store.Session
	if hash, ok := hashCookie(rawToken); ok {
		found, err := c.Sessions.GetSessionByTokenHash(ctx, hash)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, c.fail(ctx, flowErr(KindInternal, StageIdle, err), nil)
		}
		sess = found
		// Delete regardless; an expired row is still garbage
		if err := c.Sessions.DeleteSession(ctx, hash); err != nil {
			return nil, c.fail(ctx, flowErr(KindInternal, StageIdle, err), nil)
		}
	}

	if sess == nil {
		c.Audit.Record(ctx, Event{Name: EventLogout, Outcome: OutcomeFailure, Kind: KindSessionExpired, Time: c.now()})
		if s.RedirectOnLogout {
			return &LogoutResult{RedirectURL: LoginPath, ToLogin: true}, nil
		}
		return nil, flowErr(KindSessionExpired, StageIdle, errors.New("no active session"))
	}

	acctID := sess.AccountID
	c.Audit.Record(ctx, Event{Name: EventLogout, Outcome: OutcomeSuccess, AccountID: &acctID, Time: c.now()})

	if s.EndpointEndSession == "" {
		return &LogoutResult{RedirectURL: "/"}, nil
	}
	u, err := url.Parse(s.EndpointEndSession)
	if err != nil {
		return nil, c.fail(ctx, flowErr(KindMisconfigured, StageIdle, err), &acctID)
	}
	q := u.Query()
	if sess.IDToken != "" {
		q.Set("id_token_hint", sess.IDToken)
	}
	q.Set("client_id", s.ClientID)
	q.Set("post_logout_redirect_uri", s.BaseURL)
	u.RawQuery = q.Encode()
	return &LogoutResult{RedirectURL: u.String()}, nil
}

// GarbageCollect evicts expired login state. Safe to skip or delay.
func (c *Controller) GarbageCollect(ctx context.Context) (int, error) {
	n, err := c.States.GarbageCollect(ctx)
	if err != nil {
		c.Audit.Record(ctx, Event{Name: EventStateGC, Outcome: OutcomeFailure, Attrs: map[string]any{"evicted": n}, Time: c.now()})
		return n, fmt.Errorf("state garbage collection: %w", err)
	}
	c.Audit.Record(ctx, Event{Name: EventStateGC, Outcome: OutcomeSuccess, Attrs: map[string]any{"evicted": n}, Time: c.now()})
	return n, nil
}

// fail records ferr through the audit sink and returns it.
func (c *Controller) fail(ctx context.Context, ferr *FlowError, accountID *uuid.UUID) *FlowError {
	c.recordFailure(ctx, ferr, accountID)
	return ferr
}

func (c *Controller) recordFailure(ctx context.Context, ferr *FlowError, accountID *uuid.UUID) {
	code, desc := ferr.providerDetail()
	attrs := map[string]any{"action": string(ferr.Action()), "next_stage": string(StageFailed)}
	if ferr.Err != nil {
		attrs["error"] = ferr.Err.Error()
	}
	if k := oidc.KindOf(ferr.Err); k != "" {
		attrs["provider_error_kind"] = string(k)
	}
	name := EventFlowFailed
	if ferr.Kind == KindSessionExpired {
		name = EventSessionExpired
	}
	c.Audit.Record(ctx, Event{
		Name:                name,
		Outcome:             OutcomeFailure,
		Stage:               ferr.Stage,
		Kind:                ferr.Kind,
		AccountID:           accountID,
		ProviderCode:        code,
		ProviderDescription: desc,
		Attrs:               attrs,
		Time:                c.now(),
	})
	if ferr.Kind == KindInternal || ferr.Kind == KindMisconfigured {
		slog.Error("auth flow error", "kind", ferr.Kind, "stage", ferr.Stage, "error", ferr.Err)
	}
}

// hashCookie decodes a cookie value and returns its SHA-256.
func hashCookie(raw string) ([]byte, bool) {
	if raw == "" {
		return nil, false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(decoded) != 32 {
		return nil, false
	}
	sum := sha256.Sum256(decoded)
	return sum[:], true
}

// EndSession deletes the session behind rawToken after it could not be kept
// alive. Unknown tokens are ignored.
func (c *Controller) EndSession(ctx context.Context, rawToken string) error {
	hash, ok := hashCookie(rawToken)
	if !ok {
		return nil
	}
	if err := c.Sessions.DeleteSession(ctx, hash); err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	return nil
}
