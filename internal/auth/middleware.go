// middleware.go

// Session authentication middleware.
package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/MGallo-Code/oidc-rp/internal/config"
	"github.com/MGallo-Code/oidc-rp/internal/store"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const sessionKey contextKey = "session"

// SessionFromContext returns the session RequireSession injected.
func SessionFromContext(ctx context.Context) (*store.Session, bool) {
	sess, ok := ctx.Value(sessionKey).(*store.Session)
	return sess, ok
}

// RequireSession validates the session cookie and keeps its tokens fresh.
// An expired session is ended; the user is then sent to the login entry point
// if redirect_on_logout is set, otherwise gets a 401.
func (h *AuthHandler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := sessionCookie(r)
		if raw == "" {
			logWarn(r, "require session failed", "reason", "missing_session_cookie")
			Unauthorized(w, r, "unauthorized")
			return
		}

		sess, err := h.Flow.Session(r.Context(), raw)
		if err == nil {
			sess, err = h.Flow.MaybeRefresh(r.Context(), sess)
		}
		if err != nil {
			if !errors.Is(err, ErrSessionExpired) {
				InternalServerError(w, r, err)
				return
			}
			if endErr := h.Flow.EndSession(r.Context(), raw); endErr != nil {
				logError(r, "failed to end expired session", "error", endErr)
			}
			ClearSessionCookie(w)
			if errors.Is(err, ErrRefreshFailed) {
				logWarn(r, "session expired after failed token refresh", "error", err)
			} else {
				logInfo(r, "session expired")
			}
			if h.Flow.Settings.Current().RedirectOnLogout {
				http.Redirect(w, r, loginURL(r), http.StatusFound)
				return
			}
			Unauthorized(w, r, "session expired")
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// EnforcePrivacy sends anonymous GET requests to the login entry point while
// enforce_privacy is on. Login, callback and health paths are always reachable.
func (h *AuthHandler) EnforcePrivacy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.Flow.Settings.Current().EnforcePrivacy || publicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if raw := sessionCookie(r); raw != "" {
			if _, err := h.Flow.Session(r.Context(), raw); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			http.Redirect(w, r, loginURL(r), http.StatusFound)
			return
		}
		Unauthorized(w, r, "unauthorized")
	})
}

func publicPath(p string) bool {
	switch p {
	case LoginPath, "/auth/url", "/health", "/logout", config.DefaultCallbackPath, config.AlternateCallbackPath:
		return true
	}
	return false
}

// loginURL points at the login entry point with the current path as redirect_to.
func loginURL(r *http.Request) string {
	if r.Method != http.MethodGet {
		return LoginPath
	}
	return LoginPath + "?redirect_to=" + url.QueryEscape(r.URL.RequestURI())
}
