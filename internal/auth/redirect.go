// redirect.go -- Post-login redirect target validation.
package auth

import (
	"net/url"
	"strings"
)

// SanitizeOrigin returns origin if it is safe to redirect to after login,
// otherwise "". Accepted: a local absolute path ("/x", not "//x" or "/\x"),
// or an absolute URL with the same scheme and host as baseURL.
func SanitizeOrigin(origin, baseURL string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" || strings.ContainsAny(origin, "\r\n\t") {
		return ""
	}

	if strings.HasPrefix(origin, "/") {
		if strings.HasPrefix(origin, "//") || strings.HasPrefix(origin, `/\`) {
			return ""
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host != "" || u.Scheme != "" {
			return ""
		}
		return origin
	}

	u, err := url.Parse(origin)
	if err != nil || u.User != nil {
		return ""
	}
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return ""
	}
	if !strings.EqualFold(u.Scheme, base.Scheme) || !strings.EqualFold(u.Host, base.Host) {
		return ""
	}
	return u.String()
}
