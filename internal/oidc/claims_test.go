package oidc

import (
	"testing"
)

func TestClaims(t *testing.T) {
	c := Claims{"sub": "abc", "age": float64(42), "admin": true, "groups": []any{"a"}}

	t.Run("scalar formatting", func(t *testing.T) {
		if c.String("age") != "42" {
			t.Errorf("age: expected %q, got %q", "42", c.String("age"))
		}
		if c.String("admin") != "true" {
			t.Errorf("admin: expected %q, got %q", "true", c.String("admin"))
		}
		if c.String("groups") != "" {
			t.Errorf("groups: expected empty, got %q", c.String("groups"))
		}
		if c.Has("missing") {
			t.Error("Has(missing): expected false")
		}
	})

	t.Run("merge keeps receiver values", func(t *testing.T) {
		merged := Claims{"sub": "abc", "email": nil}.Merge(Claims{"sub": "other", "email": "a@b.c"})
		if merged.Subject() != "abc" {
			t.Errorf("sub: expected %q, got %q", "abc", merged.Subject())
		}
		if merged.String("email") != "a@b.c" {
			t.Errorf("email: expected %q, got %q", "a@b.c", merged.String("email"))
		}
	})
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{400, KindRejected},
		{401, KindRejected},
		{429, KindTransient},
		{500, KindTransient},
		{503, KindTransient},
	}
	for _, tc := range cases {
		if got := kindForStatus(tc.status); got != tc.want {
			t.Errorf("status %d: expected %s, got %s", tc.status, tc.want, got)
		}
	}
}
