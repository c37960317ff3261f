// handler.go -- HTTP handlers for login, callback, logout and the current session.
package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/oidc-rp/internal/store"
)

// AccountReader loads the account behind a session.
// Satisfied by *store.PostgresStore — defined here (at consumer) per Go convention.
type AccountReader interface {
	GetAccountByID(ctx context.Context, id uuid.UUID) (*store.Account, error)
}

// HealthChecker pings one backing service.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// AuthHandler holds dependencies for the HTTP surface of the relying party.
type AuthHandler struct {
	Flow     *Controller
	Accounts AccountReader
	Postgres HealthChecker
	Redis    HealthChecker
}

// CheckHealth handles GET /health — pings Postgres and Redis, returns per-dependency status.
// Returns 200 if both are healthy, 503 if either is down.
func (h *AuthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"postgres": "ok", "redis": "ok"}
	code := http.StatusOK
	if err := h.Postgres.CheckHealth(r.Context()); err != nil {
		logError(r, "postgres health check failed", "error", err)
		status["postgres"] = "error"
		code = http.StatusServiceUnavailable
	}
	if err := h.Redis.CheckHealth(r.Context()); err != nil {
		logError(r, "redis health check failed", "error", err)
		status["redis"] = "error"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// Login handles GET /login — starts a login and redirects to the IdP.
// redirect_to is kept only if it passes origin sanitization.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	authURL, err := h.Flow.StartLogin(r.Context(), r.URL.Query().Get("redirect_to"))
	if err != nil {
		FlowErrorResponse(w, r, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// AuthURL handles GET /auth/url — same as Login but returns the URL as JSON
// for clients that navigate themselves.
func (h *AuthHandler) AuthURL(w http.ResponseWriter, r *http.Request) {
	authURL, err := h.Flow.AuthenticationURL(r.Context(), r.URL.Query().Get("redirect_to"))
	if err != nil {
		FlowErrorResponse(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": authURL})
}

// Callback handles the redirect URI (both default and alternate paths).
// Success sets the session cookie and redirects; an invalid or replayed state
// restarts the login; anything else is a JSON error.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.Flow.HandleCallback(r.Context(), CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			logInfo(r, "callback with invalid state, restarting login")
			http.Redirect(w, r, LoginPath, http.StatusFound)
			return
		}
		if errors.Is(err, ErrAuthorizationDenied) {
			logInfo(r, "provider denied authorization", "error", err)
		}
		FlowErrorResponse(w, r, err)
		return
	}

	SetSessionCookie(w, res.RawToken, res.Session.ExpiresAt)
	logInfo(r, "session established", "account_id", res.Account.ID, "resolution", res.Outcome)
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

// Logout handles POST /logout — ends the local session and redirects to the
// IdP end-session endpoint when one is configured.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	res, err := h.Flow.Logout(r.Context(), sessionCookie(r))
	ClearSessionCookie(w)
	if err != nil {
		FlowErrorResponse(w, r, err)
		return
	}
	http.Redirect(w, r, res.RedirectURL, http.StatusSeeOther)
}

// Me handles GET /me — returns the account behind the current session.
// Must run behind RequireSession.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		Unauthorized(w, r, "unauthorized")
		return
	}
	acct, err := h.Accounts.GetAccountByID(r.Context(), sess.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Unauthorized(w, r, "unauthorized")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	resp := map[string]any{
		"account_id": acct.ID.String(),
		"username":   acct.Username,
		"expires_at": sess.ExpiresAt,
	}
	if acct.Email != nil {
		resp["email"] = *acct.Email
	}
	if acct.Nickname != nil {
		resp["nickname"] = *acct.Nickname
	}
	if acct.DisplayName != nil {
		resp["display_name"] = *acct.DisplayName
	}
	writeJSON(w, http.StatusOK, resp)
}
