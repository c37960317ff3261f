// Package oidc talks to the identity provider's token and userinfo endpoints.
//
// client.go -- x/oauth2 backed token client with bounded timeouts and classified errors.
package oidc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/MGallo-Code/oidc-rp/internal/config"
)

// maxBodyBytes caps userinfo responses.
const maxBodyBytes = 1 << 20

// clockSkew is tolerated on exp checks of unverified ID tokens.
const clockSkew = time.Minute

var tracer = otel.Tracer("github.com/MGallo-Code/oidc-rp/internal/oidc")

// Shared transports so per-flow clients still reuse connections.
var (
	secureTransport   = http.DefaultTransport.(*http.Transport).Clone()
	insecureTransport = func() *http.Transport {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via no_sslverify
		return t
	}()
)

// keySets caches remote JWKS so key fetches survive across flows. Entries are
// keyed by everything that shapes the fetch, so a settings reload that changes
// timeout or TLS verification gets a fresh key set.
var keySets sync.Map // map[keySetKey]*gooidc.RemoteKeySet

type keySetKey struct {
	url      string
	timeout  time.Duration
	insecure bool
}

// Options configures a Client. Build from settings with OptionsFromSettings.
type Options struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserinfoURL  string
	Scopes       []string

	// Timeout bounds every outbound request. Zero means 5s.
	Timeout time.Duration
	// InsecureSkipVerify disables TLS verification. Never on by default.
	InsecureSkipVerify bool

	// Issuer and JWKSURL enable ID-token signature verification when JWKSURL is set.
	Issuer  string
	JWKSURL string

	// Now overrides the clock for exp checks.
	Now func() time.Time
}

// OptionsFromSettings maps one settings snapshot onto client options.
func OptionsFromSettings(s config.Settings) Options {
	return Options{
		ClientID:           s.ClientID,
		ClientSecret:       s.ClientSecret,
		AuthURL:            s.EndpointLogin,
		TokenURL:           s.EndpointToken,
		UserinfoURL:        s.EndpointUserinfo,
		Scopes:             s.Scopes(),
		Timeout:            s.RequestTimeout(),
		InsecureSkipVerify: s.NoSSLVerify,
		Issuer:             s.Issuer,
		JWKSURL:            s.EndpointJWKS,
	}
}

// Client performs the token-endpoint and userinfo exchanges.
// Safe for concurrent use; holds no per-flow state.
type Client struct {
	opts       Options
	oauth      oauth2.Config
	httpClient *http.Client
	verifier   *gooidc.IDTokenVerifier
}

// NewClient builds a client from opts.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	transport := secureTransport
	if opts.InsecureSkipVerify {
		transport = insecureTransport
	}
	hc := &http.Client{Transport: transport, Timeout: opts.Timeout}

	c := &Client{
		opts: opts,
		oauth: oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   opts.AuthURL,
				TokenURL:  opts.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: opts.Scopes,
		},
		httpClient: hc,
	}

	if opts.JWKSURL != "" {
		ks := keySet(keySetKey{url: opts.JWKSURL, timeout: opts.Timeout, insecure: opts.InsecureSkipVerify}, hc)
		c.verifier = gooidc.NewVerifier(opts.Issuer, ks, &gooidc.Config{
			ClientID:        opts.ClientID,
			SkipIssuerCheck: opts.Issuer == "",
			Now:             opts.Now,
		})
	}
	return c
}

func keySet(key keySetKey, hc *http.Client) *gooidc.RemoteKeySet {
	if ks, ok := keySets.Load(key); ok {
		return ks.(*gooidc.RemoteKeySet)
	}
	ks := gooidc.NewRemoteKeySet(gooidc.ClientContext(context.Background(), hc), key.url)
	actual, _ := keySets.LoadOrStore(key, ks)
	return actual.(*gooidc.RemoteKeySet)
}

// AuthRequest holds the per-attempt values embedded in the authorization URL.
type AuthRequest struct {
	State       string
	RedirectURI string
	Nonce       string
	// CodeVerifier, when set, adds an S256 code_challenge.
	CodeVerifier string
	ACRValues    string
}

// AuthCodeURL builds the authorization endpoint URL with response_type=code,
// client_id, redirect_uri, scope and state, plus nonce/PKCE/acr_values when set.
func (c *Client) AuthCodeURL(req AuthRequest) string {
	cfg := c.oauth
	cfg.RedirectURL = req.RedirectURI

	var opts []oauth2.AuthCodeOption
	if req.Nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", req.Nonce))
	}
	if req.CodeVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(req.CodeVerifier))
	}
	if req.ACRValues != "" {
		opts = append(opts, oauth2.SetAuthURLParam("acr_values", req.ACRValues))
	}
	return cfg.AuthCodeURL(req.State, opts...)
}

// ExchangeCode trades an authorization code for a token set (grant_type=authorization_code).
// Never retried: codes are single-use.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*TokenSet, error) {
	ctx, span := tracer.Start(ctx, "oidc.exchange_code")
	defer span.End()

	if code == "" {
		return nil, fail(span, &Error{Op: "exchange", Kind: KindRejected, Code: "invalid_request", Description: "missing code"})
	}

	cfg := c.oauth
	cfg.RedirectURL = redirectURI
	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	tok, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fail(span, classify("exchange", err))
	}
	ts, err := tokenSetFrom(tok, c.opts.Now())
	if err != nil {
		return nil, fail(span, &Error{Op: "exchange", Kind: KindMalformed, Err: err})
	}
	span.SetAttributes(attribute.Bool("oidc.id_token", ts.IDToken != ""), attribute.Bool("oidc.refresh_token", ts.RefreshToken != ""))
	return ts, nil
}

// Refresh obtains a new token set with grant_type=refresh_token.
// If the provider omits a new refresh token the old one is carried over.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	ctx, span := tracer.Start(ctx, "oidc.refresh")
	defer span.End()

	if refreshToken == "" {
		return nil, fail(span, &Error{Op: "refresh", Kind: KindRejected, Code: "invalid_request", Description: "missing refresh token"})
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	// An already-expired token forces the refresh grant
	src := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return nil, fail(span, classify("refresh", err))
	}
	ts, err := tokenSetFrom(tok, c.opts.Now())
	if err != nil {
		return nil, fail(span, &Error{Op: "refresh", Kind: KindMalformed, Err: err})
	}
	if ts.RefreshToken == "" {
		ts.RefreshToken = refreshToken
	}
	return ts, nil
}

// FetchUserinfo GETs the userinfo endpoint with the access token as a bearer credential.
// Accepts application/json and application/jwt bodies.
func (c *Client) FetchUserinfo(ctx context.Context, accessToken string) (Claims, error) {
	ctx, span := tracer.Start(ctx, "oidc.userinfo")
	defer span.End()

	if c.opts.UserinfoURL == "" {
		return nil, fail(span, &Error{Op: "userinfo", Kind: KindMalformed, Err: errors.New("no userinfo endpoint configured")})
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.UserinfoURL, nil)
	if err != nil {
		return nil, fail(span, &Error{Op: "userinfo", Kind: KindMalformed, Err: err})
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json, application/jwt")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fail(span, classify("userinfo", err))
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fail(span, classify("userinfo", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := &Error{Op: "userinfo", Kind: kindForStatus(resp.StatusCode), StatusCode: resp.StatusCode}
		e.Code, e.Description = providerError(resp.Header, body)
		return nil, fail(span, e)
	}

	claims, err := decodeUserinfo(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, fail(span, &Error{Op: "userinfo", Kind: KindMalformed, StatusCode: resp.StatusCode, Err: err})
	}
	return claims, nil
}

// IDTokenClaims decodes a raw ID token. With a JWKS endpoint configured the
// signature, issuer, audience and expiry are verified; otherwise the token
// came straight from the token endpoint over TLS and only aud/exp are checked.
func (c *Client) IDTokenClaims(ctx context.Context, rawIDToken string) (Claims, error) {
	ctx, span := tracer.Start(ctx, "oidc.id_token")
	defer span.End()

	if c.verifier != nil {
		ctx, cancel := c.bound(gooidc.ClientContext(ctx, c.httpClient))
		defer cancel()
		tok, err := c.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, fail(span, &Error{Op: "id_token", Kind: KindMalformed, Err: err})
		}
		var claims Claims
		if err := tok.Claims(&claims); err != nil {
			return nil, fail(span, &Error{Op: "id_token", Kind: KindMalformed, Err: err})
		}
		return claims, nil
	}

	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawIDToken, mc); err != nil {
		return nil, fail(span, &Error{Op: "id_token", Kind: KindMalformed, Err: err})
	}
	if err := c.checkUnverified(mc); err != nil {
		return nil, fail(span, &Error{Op: "id_token", Kind: KindMalformed, Err: err})
	}
	return Claims(mc), nil
}

func (c *Client) checkUnverified(mc jwt.MapClaims) error {
	aud, err := mc.GetAudience()
	if err != nil {
		return fmt.Errorf("reading aud: %w", err)
	}
	if len(aud) > 0 && !slices.Contains(aud, c.opts.ClientID) {
		return errors.New("id token audience does not include client_id")
	}
	exp, err := mc.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("reading exp: %w", err)
	}
	if exp != nil && c.opts.Now().After(exp.Add(clockSkew)) {
		return errors.New("id token expired")
	}
	if c.opts.Issuer != "" {
		if iss, _ := mc.GetIssuer(); iss != "" && iss != c.opts.Issuer {
			return fmt.Errorf("id token issuer %q does not match", iss)
		}
	}
	return nil
}

// bound applies the request timeout and injects the configured HTTP client for x/oauth2.
func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient), cancel
}

func fail(span trace.Span, e *Error) *Error {
	span.SetAttributes(attribute.String("oidc.error_kind", string(e.Kind)))
	if e.Code != "" {
		span.SetAttributes(attribute.String("oidc.error_code", e.Code))
	}
	span.SetStatus(codes.Error, string(e.Kind))
	return e
}

func tokenSetFrom(tok *oauth2.Token, now time.Time) (*TokenSet, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		ExpiresAt:    tok.Expiry,
	}
	if raw, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = raw
	}
	if secs, ok := numberExtra(tok.Extra("refresh_expires_in")); ok && secs > 0 {
		t := now.Add(time.Duration(secs) * time.Second)
		ts.RefreshExpiresAt = &t
	}
	return ts, nil
}

// numberExtra reads a numeric token-response field from JSON or form-encoded bodies.
func numberExtra(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func decodeUserinfo(contentType string, body []byte) (Claims, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/jwt" {
		mc := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(string(body)), mc); err != nil {
			return nil, fmt.Errorf("decoding userinfo jwt: %w", err)
		}
		return Claims(mc), nil
	}

	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("decoding userinfo: %w", err)
	}
	if claims == nil {
		return nil, errors.New("empty userinfo response")
	}
	return claims, nil
}

// providerError extracts OAuth error fields from a JSON body or a Bearer WWW-Authenticate header.
func providerError(h http.Header, body []byte) (code, description string) {
	var e struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error, e.ErrorDescription
	}
	www := h.Get("WWW-Authenticate")
	if !strings.HasPrefix(strings.ToLower(www), "bearer") {
		return "", ""
	}
	for _, part := range strings.Split(www[len("bearer"):], ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"`)
		switch k {
		case "error":
			code = v
		case "error_description":
			description = v
		}
	}
	return code, description
}
