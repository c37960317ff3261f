// handler_test.go

// HTTP tests for login, callback, logout, /me and the session middleware.

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/MGallo-Code/oidc-rp/internal/config"
	"github.com/MGallo-Code/oidc-rp/internal/testutil"
)

// --- Helper Functions ---

// stubHealth reports a fixed health result.
type stubHealth struct{ err error }

func (s stubHealth) CheckHealth(context.Context) error { return s.err }

func newTestHandler(h *harness) *AuthHandler {
	return &AuthHandler{
		Flow:     h.flow,
		Accounts: h.accounts,
		Postgres: stubHealth{},
		Redis:    stubHealth{},
	}
}

// doCallback drives login through the fake IdP and hits the callback handler.
func doCallback(t *testing.T, h *harness, ah *AuthHandler) *httptest.ResponseRecorder {
	t.Helper()
	authURL, err := h.flow.StartLogin(context.Background(), "")
	if err != nil {
		t.Fatalf("StartLogin failed: %v", err)
	}
	cb := h.idp.Authorize(t, authURL)
	u, err := url.Parse(cb)
	if err != nil {
		t.Fatalf("parsing callback: %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, u.RequestURI(), nil)
	w := httptest.NewRecorder()
	ah.Callback(w, r)
	return w
}

// sessionFrom pulls the session cookie out of a response.
func sessionFrom(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	t.Fatal("response set no session cookie")
	return nil
}

// decodeBody decodes a JSON response into a map.
func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	return body
}

// --- Login ---

func TestLoginHandler(t *testing.T) {
	t.Run("redirects to the authorization endpoint", func(t *testing.T) {
		h := newHarness(t)
		w := httptest.NewRecorder()
		newTestHandler(h).Login(w, httptest.NewRequest(http.MethodGet, "/login?redirect_to=/docs", nil))

		if w.Code != http.StatusFound {
			t.Fatalf("status: expected 302, got %d", w.Code)
		}
		if loc := w.Header().Get("Location"); !strings.HasPrefix(loc, h.idp.URL("/authorize")) {
			t.Errorf("Location: expected authorize endpoint, got %q", loc)
		}
	})

	t.Run("misconfigured returns error json", func(t *testing.T) {
		h := newHarness(t, func(s *config.Settings) { s.ClientID = "" })
		w := httptest.NewRecorder()
		newTestHandler(h).Login(w, httptest.NewRequest(http.MethodGet, "/login", nil))

		if w.Code != http.StatusInternalServerError {
			t.Errorf("status: expected 500, got %d", w.Code)
		}
		if body := decodeBody(t, w); body["error"] != string(KindMisconfigured) {
			t.Errorf("error: expected %s, got %v", KindMisconfigured, body["error"])
		}
	})

	t.Run("auth url is returned as json", func(t *testing.T) {
		h := newHarness(t)
		w := httptest.NewRecorder()
		newTestHandler(h).AuthURL(w, httptest.NewRequest(http.MethodGet, "/auth/url", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d", w.Code)
		}
		body := decodeBody(t, w)
		if u, _ := body["url"].(string); !strings.HasPrefix(u, h.idp.URL("/authorize")) {
			t.Errorf("url: expected authorize endpoint, got %v", body["url"])
		}
	})
}

// --- Callback ---

func TestCallbackHandler(t *testing.T) {
	t.Run("success sets cookie and redirects", func(t *testing.T) {
		h := newHarness(t)
		w := doCallback(t, h, newTestHandler(h))

		if w.Code != http.StatusFound {
			t.Fatalf("status: expected 302, got %d", w.Code)
		}
		if loc := w.Header().Get("Location"); loc != "/" {
			t.Errorf("Location: expected /, got %q", loc)
		}
		c := sessionFrom(t, w)
		if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteLaxMode {
			t.Errorf("cookie flags: expected HttpOnly Secure Lax, got %+v", c)
		}
	})

	t.Run("invalid state restarts login", func(t *testing.T) {
		h := newHarness(t)
		w := httptest.NewRecorder()
		newTestHandler(h).Callback(w, httptest.NewRequest(http.MethodGet, "/oidc/callback?code=x&state=bogus", nil))

		if w.Code != http.StatusFound {
			t.Fatalf("status: expected 302, got %d", w.Code)
		}
		if loc := w.Header().Get("Location"); loc != LoginPath {
			t.Errorf("Location: expected %s, got %q", LoginPath, loc)
		}
	})

	t.Run("provider denial is 400 with restart_login", func(t *testing.T) {
		h := newHarness(t)
		params := h.login(t, "")
		target := "/oidc/callback?error=access_denied&state=" + url.QueryEscape(params.State)
		w := httptest.NewRecorder()
		newTestHandler(h).Callback(w, httptest.NewRequest(http.MethodGet, target, nil))

		if w.Code != http.StatusBadRequest {
			t.Fatalf("status: expected 400, got %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["error"] != string(KindAuthorizationDenied) {
			t.Errorf("error: expected %s, got %v", KindAuthorizationDenied, body["error"])
		}
		if body["action"] != string(ActionRestartLogin) {
			t.Errorf("action: expected %s, got %v", ActionRestartLogin, body["action"])
		}
	})

	t.Run("provider outage is 503 with show_error", func(t *testing.T) {
		h := newHarness(t)
		h.idp.TokenStatus = 500
		w := doCallback(t, h, newTestHandler(h))

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status: expected 503, got %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["error"] != string(KindTokenExchangeFailed) {
			t.Errorf("error: expected %s, got %v", KindTokenExchangeFailed, body["error"])
		}
		if body["action"] != string(ActionShowError) {
			t.Errorf("action: expected %s, got %v", ActionShowError, body["action"])
		}
		if strings.Contains(w.Body.String(), "forced failure") {
			t.Error("body: provider error description leaked")
		}
	})

	t.Run("ambiguous identity is 403", func(t *testing.T) {
		h := newHarness(t, func(s *config.Settings) { s.LinkExistingUsers = true })
		for _, name := range []string{"a1", "a2"} {
			a := testutil.NewAccount(name, "alice@example.com")
			h.accounts.Accounts[a.ID] = a
		}
		w := doCallback(t, h, newTestHandler(h))
		if w.Code != http.StatusForbidden {
			t.Errorf("status: expected 403, got %d", w.Code)
		}
	})
}

// --- Logout ---

func TestLogoutHandler(t *testing.T) {
	t.Run("ends session and clears cookie", func(t *testing.T) {
		h := newHarness(t)
		ah := newTestHandler(h)
		cookie := sessionFrom(t, doCallback(t, h, ah))

		r := httptest.NewRequest(http.MethodPost, "/logout", nil)
		r.AddCookie(cookie)
		w := httptest.NewRecorder()
		ah.Logout(w, r)

		if w.Code != http.StatusSeeOther {
			t.Errorf("status: expected 303, got %d", w.Code)
		}
		if c := sessionFrom(t, w); c.MaxAge >= 0 {
			t.Errorf("cookie MaxAge: expected negative, got %d", c.MaxAge)
		}
		if h.sessions.Count() != 0 {
			t.Errorf("sessions: expected 0, got %d", h.sessions.Count())
		}
	})

	t.Run("no session without redirect_on_logout is 401", func(t *testing.T) {
		h := newHarness(t, func(s *config.Settings) { s.RedirectOnLogout = false })
		w := httptest.NewRecorder()
		newTestHandler(h).Logout(w, httptest.NewRequest(http.MethodPost, "/logout", nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status: expected 401, got %d", w.Code)
		}
	})

	t.Run("no session with redirect_on_logout goes to login", func(t *testing.T) {
		h := newHarness(t)
		w := httptest.NewRecorder()
		newTestHandler(h).Logout(w, httptest.NewRequest(http.MethodPost, "/logout", nil))
		if loc := w.Header().Get("Location"); loc != LoginPath {
			t.Errorf("Location: expected %s, got %q", LoginPath, loc)
		}
	})
}

// --- RequireSession + Me ---

func serveMe(ah *AuthHandler, cookie *http.Cookie) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "/me", nil)
	if cookie != nil {
		r.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	ah.RequireSession(http.HandlerFunc(ah.Me)).ServeHTTP(w, r)
	return w
}

func TestRequireSession(t *testing.T) {
	t.Run("valid session reaches handler", func(t *testing.T) {
		h := newHarness(t)
		ah := newTestHandler(h)
		cookie := sessionFrom(t, doCallback(t, h, ah))

		w := serveMe(ah, cookie)
		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d", w.Code)
		}
		if body := decodeBody(t, w); body["username"] != "alice" {
			t.Errorf("username: expected alice, got %v", body["username"])
		}
	})

	t.Run("missing cookie is 401", func(t *testing.T) {
		h := newHarness(t)
		if w := serveMe(newTestHandler(h), nil); w.Code != http.StatusUnauthorized {
			t.Errorf("status: expected 401, got %d", w.Code)
		}
	})

	t.Run("expired token is refreshed transparently", func(t *testing.T) {
		h := newHarness(t)
		_, raw := seedSession(t, h, "rt-1")
		w := serveMe(newTestHandler(h), &http.Cookie{Name: SessionCookie, Value: raw})
		if w.Code != http.StatusOK {
			t.Errorf("status: expected 200, got %d", w.Code)
		}
		if h.idp.Refreshes != 1 {
			t.Errorf("refreshes: expected 1, got %d", h.idp.Refreshes)
		}
	})

	t.Run("unrefreshable session ends and redirects to login", func(t *testing.T) {
		h := newHarness(t, func(s *config.Settings) { s.TokenRefreshEnable = false })
		_, raw := seedSession(t, h, "rt-1")
		w := serveMe(newTestHandler(h), &http.Cookie{Name: SessionCookie, Value: raw})

		if w.Code != http.StatusFound {
			t.Fatalf("status: expected 302, got %d", w.Code)
		}
		if loc := w.Header().Get("Location"); loc != LoginPath+"?redirect_to=%2Fme" {
			t.Errorf("Location: expected login with redirect_to, got %q", loc)
		}
		if h.sessions.Count() != 0 {
			t.Errorf("sessions: expected 0, got %d", h.sessions.Count())
		}
	})

	t.Run("unrefreshable session is 401 without redirect_on_logout", func(t *testing.T) {
		h := newHarness(t, func(s *config.Settings) {
			s.TokenRefreshEnable = false
			s.RedirectOnLogout = false
		})
		_, raw := seedSession(t, h, "rt-1")
		w := serveMe(newTestHandler(h), &http.Cookie{Name: SessionCookie, Value: raw})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status: expected 401, got %d", w.Code)
		}
	})

	t.Run("store failure is 500", func(t *testing.T) {
		h := newHarness(t)
		_, raw := seedSession(t, h, "rt-1")
		h.sessions.GetErr = errors.New("connection refused")
		w := serveMe(newTestHandler(h), &http.Cookie{Name: SessionCookie, Value: raw})
		if w.Code != http.StatusInternalServerError {
			t.Errorf("status: expected 500, got %d", w.Code)
		}
	})
}

// --- EnforcePrivacy ---

func TestEnforcePrivacy(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })

	serve := func(ah *AuthHandler, method, path string, cookie *http.Cookie) *httptest.ResponseRecorder {
		r := httptest.NewRequest(method, path, nil)
		if cookie != nil {
			r.AddCookie(cookie)
		}
		w := httptest.NewRecorder()
		ah.EnforcePrivacy(ok).ServeHTTP(w, r)
		return w
	}

	t.Run("off lets anonymous through", func(t *testing.T) {
		h := newHarness(t)
		if w := serve(newTestHandler(h), http.MethodGet, "/wiki", nil); w.Code != http.StatusTeapot {
			t.Errorf("status: expected 418, got %d", w.Code)
		}
	})

	t.Run("on redirects anonymous GET to login", func(t *testing.T) {
		h := newHarness(t, func(s *config.Settings) { s.EnforcePrivacy = true })
		w := serve(newTestHandler(h), http.MethodGet, "/wiki", nil)
		if w.Code != http.StatusFound {
			t.Fatalf("status: expected 302, got %d", w.Code)
		}
		if loc := w.Header().Get("Location"); loc != LoginPath+"?redirect_to=%2Fwiki" {
			t.Errorf("Location: expected login with redirect_to, got %q", loc)
		}
	})

	t.Run("on rejects anonymous POST", func(t *testing.T) {
		h := newHarness(t, func(s *config.Settings) { s.EnforcePrivacy = true })
		if w := serve(newTestHandler(h), http.MethodPost, "/wiki", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("status: expected 401, got %d", w.Code)
		}
	})

	t.Run("on keeps login and callback reachable", func(t *testing.T) {
		h := newHarness(t, func(s *config.Settings) { s.EnforcePrivacy = true })
		ah := newTestHandler(h)
		for _, p := range []string{LoginPath, config.DefaultCallbackPath, config.AlternateCallbackPath, "/health"} {
			if w := serve(ah, http.MethodGet, p, nil); w.Code != http.StatusTeapot {
				t.Errorf("%s: expected 418, got %d", p, w.Code)
			}
		}
	})

	t.Run("on lets a session through", func(t *testing.T) {
		h := newHarness(t, func(s *config.Settings) { s.EnforcePrivacy = true })
		ah := newTestHandler(h)
		cookie := sessionFrom(t, doCallback(t, h, ah))
		if w := serve(ah, http.MethodGet, "/wiki", cookie); w.Code != http.StatusTeapot {
			t.Errorf("status: expected 418, got %d", w.Code)
		}
	})
}

// --- Health ---

func TestCheckHealth(t *testing.T) {
	h := newHarness(t)

	t.Run("all healthy", func(t *testing.T) {
		w := httptest.NewRecorder()
		newTestHandler(h).CheckHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusOK {
			t.Errorf("status: expected 200, got %d", w.Code)
		}
	})

	t.Run("redis down is 503", func(t *testing.T) {
		ah := newTestHandler(h)
		ah.Redis = stubHealth{err: errors.New("down")}
		w := httptest.NewRecorder()
		ah.CheckHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status: expected 503, got %d", w.Code)
		}
		if body := decodeBody(t, w); body["redis"] != "error" {
			t.Errorf("redis: expected error, got %v", body["redis"])
		}
	})
}
