// claims.go -- Claims set helpers.
package oidc

import (
	"fmt"
	"strconv"
)

// Claims maps claim names to decoded JSON values.
type Claims map[string]any

// String returns the claim as a string. Numbers and booleans are formatted;
// objects, arrays and missing claims yield "".
func (c Claims) String(key string) string {
	switch v := c[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

// Has reports whether key is present with a non-empty scalar value.
func (c Claims) Has(key string) bool {
	return c.String(key) != ""
}

// Subject is the "sub" claim.
func (c Claims) Subject() string { return c.String("sub") }

// Issuer is the "iss" claim.
func (c Claims) Issuer() string { return c.String("iss") }

// Merge returns a new set holding c, with keys from other filled in where c lacks them.
func (c Claims) Merge(other Claims) Claims {
	out := make(Claims, len(c)+len(other))
	for k, v := range other {
		out[k] = v
	}
	for k, v := range c {
		if v != nil {
			out[k] = v
		}
	}
	return out
}
