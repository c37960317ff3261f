// errors.go -- Classified provider errors.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/oauth2"
)

// Kind classifies a provider failure so callers can decide on retry policy.
type Kind string

const (
	// KindTransient covers timeouts, network failures, 5xx and 429. Safe for a caller to retry,
	// except an authorization-code exchange, which must never be retried with the same code.
	KindTransient Kind = "transient"
	// KindRejected is a definitive 4xx answer from the provider.
	KindRejected Kind = "provider_rejected"
	// KindMalformed is a success status with a body we can't use.
	KindMalformed Kind = "malformed"
)

// Error is returned by every Client operation.
// Code and Description carry the provider's OAuth error fields when present.
type Error struct {
	Op          string
	Kind        Kind
	StatusCode  int
	Code        string
	Description string
	Err         error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("oidc %s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += ": " + e.Code
		if e.Description != "" {
			msg += " - " + e.Description
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// KindOf returns the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// kindForStatus maps a non-2xx status to a Kind.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return KindTransient
	case status >= 400:
		return KindRejected
	default:
		return KindMalformed
	}
}

// classify wraps an error from x/oauth2 or net/http into *Error.
func classify(op string, err error) *Error {
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}

	e := &Error{Op: op, Err: err}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil {
			e.StatusCode = re.Response.StatusCode
		}
		e.Code = re.ErrorCode
		e.Description = re.ErrorDescription
		e.Kind = kindForStatus(e.StatusCode)
		// Provider body is not echoed in messages
		e.Err = nil
		return e
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		e.Kind = KindTransient
	case errors.As(err, &netErr):
		e.Kind = KindTransient
	default:
		e.Kind = KindMalformed
	}
	return e
}
