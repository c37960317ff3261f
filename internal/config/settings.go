// settings.go -- Relying-party settings: endpoints, credentials and policy flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RedirectURIMode selects which callback path is advertised to the IdP.
type RedirectURIMode string

const (
	RedirectURIDefault   RedirectURIMode = "default"
	RedirectURIAlternate RedirectURIMode = "alternate"
)

// Callback paths for each redirect URI mode. Both are always routed.
const (
	DefaultCallbackPath   = "/oidc/callback"
	AlternateCallbackPath = "/openid-connect-authorize"
)

// Settings is one immutable snapshot of relying-party configuration.
// Values are copied, never shared, so a snapshot stays consistent for a whole flow.
type Settings struct {
	ClientID     string `mapstructure:"client_id" validate:"required"`
	ClientSecret string `mapstructure:"client_secret"`
	Scope        string `mapstructure:"scope"`

	EndpointLogin      string `mapstructure:"endpoint_login" validate:"required,url"`
	EndpointToken      string `mapstructure:"endpoint_token" validate:"required,url"`
	EndpointUserinfo   string `mapstructure:"endpoint_userinfo" validate:"omitempty,url"`
	EndpointEndSession string `mapstructure:"endpoint_end_session" validate:"omitempty,url"`
	EndpointJWKS       string `mapstructure:"endpoint_jwks" validate:"omitempty,url"`
	Issuer             string `mapstructure:"issuer"`

	// BaseURL is this application's external origin, e.g. https://app.example.com.
	BaseURL         string          `mapstructure:"base_url" validate:"required,url"`
	RedirectURIMode RedirectURIMode `mapstructure:"redirect_uri_mode" validate:"oneof=default alternate"`

	// Seconds.
	StateTimeLimit     int `mapstructure:"state_time_limit" validate:"gte=1"`
	HTTPRequestTimeout int `mapstructure:"http_request_timeout" validate:"gte=1"`

	IdentityKey       string `mapstructure:"identity_key" validate:"required"`
	NicknameKey       string `mapstructure:"nickname_key"`
	EmailFormat       string `mapstructure:"email_format"`
	DisplayNameFormat string `mapstructure:"displayname_format"`

	IdentifyWithUsername bool `mapstructure:"identify_with_username"`
	NoSSLVerify          bool `mapstructure:"no_sslverify"`
	EnforcePrivacy       bool `mapstructure:"enforce_privacy"`
	TokenRefreshEnable   bool `mapstructure:"token_refresh_enable"`
	LinkExistingUsers    bool `mapstructure:"link_existing_users"`
	CreateIfDoesNotExist bool `mapstructure:"create_if_does_not_exist"`
	RedirectUserBack     bool `mapstructure:"redirect_user_back"`
	RedirectOnLogout     bool `mapstructure:"redirect_on_logout"`

	EnablePKCE  bool   `mapstructure:"enable_pkce"`
	EnableNonce bool   `mapstructure:"enable_nonce"`
	ACRValues   string `mapstructure:"acr_values"`
}

// settingDefaults mirror the defaults an unconfigured installation starts with.
var settingDefaults = map[string]any{
	"scope":                    "openid email profile",
	"redirect_uri_mode":        string(RedirectURIDefault),
	"state_time_limit":         180,
	"http_request_timeout":     5,
	"identity_key":             "preferred_username",
	"nickname_key":             "preferred_username",
	"email_format":             "{email}",
	"displayname_format":       "",
	"identify_with_username":   false,
	"no_sslverify":             false,
	"enforce_privacy":          false,
	"token_refresh_enable":     true,
	"link_existing_users":      false,
	"create_if_does_not_exist": true,
	"redirect_user_back":       false,
	"redirect_on_logout":       true,
	"enable_pkce":              true,
	"enable_nonce":             true,
}

// DefaultSettings returns a snapshot with every default applied and no endpoints set.
func DefaultSettings() Settings {
	return Settings{
		Scope:                "openid email profile",
		RedirectURIMode:      RedirectURIDefault,
		StateTimeLimit:       180,
		HTTPRequestTimeout:   5,
		IdentityKey:          "preferred_username",
		NicknameKey:          "preferred_username",
		EmailFormat:          "{email}",
		TokenRefreshEnable:   true,
		CreateIfDoesNotExist: true,
		RedirectOnLogout:     true,
		EnablePKCE:           true,
		EnableNonce:          true,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks required fields and value ranges.
// The returned error names every offending setting key.
func (s Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", settingKey(fe.StructField()), fe.Tag()))
	}
	return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
}

// StateTTL is StateTimeLimit as a duration.
func (s Settings) StateTTL() time.Duration {
	return time.Duration(s.StateTimeLimit) * time.Second
}

// RequestTimeout is HTTPRequestTimeout as a duration.
func (s Settings) RequestTimeout() time.Duration {
	return time.Duration(s.HTTPRequestTimeout) * time.Second
}

// RedirectURI is the callback URL registered at the IdP for the configured mode.
// It must match the IdP registration exactly.
func (s Settings) RedirectURI() string {
	base := strings.TrimRight(s.BaseURL, "/")
	if s.RedirectURIMode == RedirectURIAlternate {
		return base + AlternateCallbackPath
	}
	return base + DefaultCallbackPath
}

// Scopes splits Scope on whitespace.
func (s Settings) Scopes() []string {
	return strings.Fields(s.Scope)
}

// settingKey maps a struct field name back to its settings key for error messages.
func settingKey(field string) string {
	for k, v := range fieldKeys {
		if v == field {
			return k
		}
	}
	return field
}

var fieldKeys = map[string]string{
	"client_id":            "ClientID",
	"endpoint_login":       "EndpointLogin",
	"endpoint_token":       "EndpointToken",
	"endpoint_userinfo":    "EndpointUserinfo",
	"endpoint_end_session": "EndpointEndSession",
	"endpoint_jwks":        "EndpointJWKS",
	"base_url":             "BaseURL",
	"redirect_uri_mode":    "RedirectURIMode",
	"state_time_limit":     "StateTimeLimit",
	"http_request_timeout": "HTTPRequestTimeout",
	"identity_key":         "IdentityKey",
}
