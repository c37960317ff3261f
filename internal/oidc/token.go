package oidc

import "time"

// TokenSet is the provider's response to a code exchange or refresh.
// ExpiresAt is zero when the provider sent no expires_in.
type TokenSet struct {
	AccessToken      string
	RefreshToken     string
	IDToken          string
	TokenType        string
	ExpiresAt        time.Time
	RefreshExpiresAt *time.Time
}

// Expired reports whether the access token is past its expiry at now.
// Tokens without an expiry never expire.
func (t TokenSet) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}
