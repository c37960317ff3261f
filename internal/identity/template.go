package identity

import (
	"regexp"
	"strings"

	"github.com/MGallo-Code/oidc-rp/internal/oidc"
)

// placeholder matches {claim} references in email_format / displayname_format.
var placeholder = regexp.MustCompile(`\{([A-Za-z0-9_.:\-]+)\}`)

// Interpolate replaces every {claim} in format with the claim's string value.
// Missing claims become "". The result is trimmed.
func Interpolate(format string, claims oidc.Claims) string {
	out := placeholder.ReplaceAllStringFunc(format, func(m string) string {
		return claims.String(m[1 : len(m)-1])
	})
	return strings.TrimSpace(out)
}

// TemplateKeys lists the claim names referenced by format, in order, without duplicates.
func TemplateKeys(format string) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, m := range placeholder.FindAllStringSubmatch(format, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	return keys
}
