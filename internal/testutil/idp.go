// idp.go
//
// FakeIdP is an in-process OIDC provider on httptest: authorize, token, userinfo and JWKS.
// ID tokens are RS256-signed with a per-process key and served under kid "test".
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKID = "test"

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey() *rsa.PrivateKey {
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

// grant is what the IdP remembers between authorize and token.
type grant struct {
	nonce       string
	challenge   string
	redirectURI string
}

// FakeIdP serves the endpoints a relying party talks to.
// Exported fields are read on every request; set them before driving a flow.
type FakeIdP struct {
	Server   *httptest.Server
	ClientID string

	// Claims go into every ID token and userinfo response (sub is required).
	Claims map[string]any
	// UserinfoClaims, when set, replaces Claims for userinfo responses.
	UserinfoClaims map[string]any

	ExpiresIn      int // seconds; 0 omits expires_in
	OmitIDToken    bool
	OmitRefresh    bool
	UserinfoJWT    bool
	TokenStatus    int // non-zero forces an error response from /token
	RefreshStatus  int // non-zero forces an error response for refresh grants
	UserinfoStatus int // non-zero forces an error response from /userinfo
	TokenDelay     time.Duration

	mu            sync.Mutex
	grants        map[string]grant
	Exchanges     int
	Refreshes     int
	UserinfoCalls int
}

// NewFakeIdP starts the server and registers cleanup.
func NewFakeIdP(t *testing.T) *FakeIdP {
	t.Helper()
	idp := &FakeIdP{
		ClientID:  "test-client",
		Claims:    map[string]any{"sub": "user-1", "preferred_username": "alice", "email": "alice@example.com"},
		ExpiresIn: 300,
		grants:    make(map[string]grant),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", idp.token)
	mux.HandleFunc("/userinfo", idp.userinfo)
	mux.HandleFunc("/jwks", idp.jwks)
	mux.HandleFunc("/end_session", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	idp.Server = httptest.NewServer(mux)
	t.Cleanup(idp.Server.Close)
	return idp
}

// Issuer is the server's base URL.
func (idp *FakeIdP) Issuer() string { return idp.Server.URL }

// URL returns an endpoint URL on the server.
func (idp *FakeIdP) URL(path string) string { return idp.Server.URL + path }

// Authorize plays the user consenting at authURL. It records nonce and PKCE challenge
// and returns the callback URL carrying code and state.
func (idp *FakeIdP) Authorize(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parsing auth url: %v", err)
	}
	q := u.Query()
	if q.Get("response_type") != "code" {
		t.Fatalf("response_type: expected code, got %q", q.Get("response_type"))
	}
	if q.Get("client_id") != idp.ClientID {
		t.Fatalf("client_id: expected %q, got %q", idp.ClientID, q.Get("client_id"))
	}

	code := randomString()
	idp.mu.Lock()
	idp.grants[code] = grant{
		nonce:       q.Get("nonce"),
		challenge:   q.Get("code_challenge"),
		redirectURI: q.Get("redirect_uri"),
	}
	idp.mu.Unlock()

	cb, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		t.Fatalf("parsing redirect_uri: %v", err)
	}
	cq := cb.Query()
	cq.Set("code", code)
	cq.Set("state", q.Get("state"))
	cb.RawQuery = cq.Encode()
	return cb.String()
}

// MintIDToken signs claims (plus iss/aud/iat/exp defaults) with the test key.
func (idp *FakeIdP) MintIDToken(extra map[string]any) string {
	now := time.Now()
	mc := jwt.MapClaims{
		"iss": idp.Issuer(),
		"aud": idp.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	for k, v := range idp.Claims {
		mc[k] = v
	}
	for k, v := range extra {
		mc[k] = v
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, mc)
	tok.Header["kid"] = testKID
	signed, err := tok.SignedString(signingKey())
	if err != nil {
		panic(err)
	}
	return signed
}

func (idp *FakeIdP) token(w http.ResponseWriter, r *http.Request) {
	if idp.TokenDelay > 0 {
		time.Sleep(idp.TokenDelay)
	}
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "bad form")
		return
	}
	if r.PostForm.Get("client_id") != idp.ClientID {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		idp.mu.Lock()
		idp.Exchanges++
		g, ok := idp.grants[r.PostForm.Get("code")]
		delete(idp.grants, r.PostForm.Get("code"))
		idp.mu.Unlock()

		if idp.TokenStatus != 0 {
			oauthError(w, idp.TokenStatus, "server_error", "forced failure")
			return
		}
		if !ok {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "unknown or used code")
			return
		}
		if g.redirectURI != r.PostForm.Get("redirect_uri") {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
			return
		}
		if g.challenge != "" {
			sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
			if base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
				oauthError(w, http.StatusBadRequest, "invalid_grant", "pkce verification failed")
				return
			}
		}
		idp.writeTokens(w, g.nonce)

	case "refresh_token":
		idp.mu.Lock()
		idp.Refreshes++
		idp.mu.Unlock()
		if idp.RefreshStatus != 0 {
			oauthError(w, idp.RefreshStatus, "invalid_grant", "refresh token revoked")
			return
		}
		if r.PostForm.Get("refresh_token") == "" {
			oauthError(w, http.StatusBadRequest, "invalid_request", "missing refresh_token")
			return
		}
		idp.writeTokens(w, "")

	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (idp *FakeIdP) writeTokens(w http.ResponseWriter, nonce string) {
	resp := map[string]any{
		"access_token": "at-" + randomString(),
		"token_type":   "Bearer",
	}
	if idp.ExpiresIn > 0 {
		resp["expires_in"] = idp.ExpiresIn
	}
	if !idp.OmitRefresh {
		resp["refresh_token"] = "rt-" + randomString()
	}
	if !idp.OmitIDToken {
		extra := map[string]any{}
		if nonce != "" {
			extra["nonce"] = nonce
		}
		resp["id_token"] = idp.MintIDToken(extra)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (idp *FakeIdP) userinfo(w http.ResponseWriter, r *http.Request) {
	idp.mu.Lock()
	idp.UserinfoCalls++
	idp.mu.Unlock()

	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer at-") {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="bad token"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if idp.UserinfoStatus != 0 {
		oauthError(w, idp.UserinfoStatus, "server_error", "forced failure")
		return
	}

	claims := idp.Claims
	if idp.UserinfoClaims != nil {
		claims = idp.UserinfoClaims
	}
	if idp.UserinfoJWT {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims(claims))
		tok.Header["kid"] = testKID
		signed, _ := tok.SignedString(signingKey())
		w.Header().Set("Content-Type", "application/jwt")
		w.Write([]byte(signed))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(claims)
}

func (idp *FakeIdP) jwks(w http.ResponseWriter, r *http.Request) {
	pub := signingKey().PublicKey
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": testKID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func oauthError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"error_description":%q}`, code, desc)
}

func randomString() string {
	return rand.Text()
}
