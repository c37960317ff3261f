package identity

import (
	"testing"

	"github.com/MGallo-Code/oidc-rp/internal/oidc"
)

func TestInterpolate(t *testing.T) {
	claims := oidc.Claims{"given_name": "Ada", "family_name": "Lovelace", "email": "ada@example.com"}

	cases := []struct {
		name   string
		format string
		want   string
	}{
		{"single claim", "{email}", "ada@example.com"},
		{"two claims", "{given_name} {family_name}", "Ada Lovelace"},
		{"literal text kept", "user-{given_name}", "user-Ada"},
		{"missing claim is empty", "{nickname}", ""},
		{"missing claim trimmed", "{given_name} {middle_name}", "Ada"},
		{"no placeholders", "static", "static"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Interpolate(tc.format, claims); got != tc.want {
				t.Errorf("Interpolate(%q): expected %q, got %q", tc.format, tc.want, got)
			}
		})
	}
}

func TestTemplateKeys(t *testing.T) {
	got := TemplateKeys("{a} and {b} and {a}")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("TemplateKeys: expected [a b], got %v", got)
	}
}
