// errors.go -- Flow error taxonomy and the user-facing action each kind maps to.
package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/MGallo-Code/oidc-rp/internal/oidc"
)

// Kind classifies a flow failure.
type Kind string

const (
	KindInvalidState             Kind = "InvalidState"
	KindAuthorizationDenied      Kind = "AuthorizationDenied"
	KindTokenExchangeFailed      Kind = "TokenExchangeFailed"
	KindRefreshFailed            Kind = "RefreshFailed"
	KindUserinfoFailed           Kind = "UserinfoFailed"
	KindIdentityResolutionFailed Kind = "IdentityResolutionFailed"
	KindAmbiguousIdentity        Kind = "AmbiguousIdentity"
	KindSessionExpired           Kind = "SessionExpired"
	KindMisconfigured            Kind = "Misconfigured"
	KindInternal                 Kind = "Internal"
)

// Sentinels for errors.Is against a *FlowError of the same kind.
var (
	ErrInvalidState             = &FlowError{Kind: KindInvalidState}
	ErrAuthorizationDenied      = &FlowError{Kind: KindAuthorizationDenied}
	ErrTokenExchangeFailed      = &FlowError{Kind: KindTokenExchangeFailed}
	ErrRefreshFailed            = &FlowError{Kind: KindRefreshFailed}
	ErrUserinfoFailed           = &FlowError{Kind: KindUserinfoFailed}
	ErrIdentityResolutionFailed = &FlowError{Kind: KindIdentityResolutionFailed}
	ErrAmbiguousIdentity        = &FlowError{Kind: KindAmbiguousIdentity}
	ErrSessionExpired           = &FlowError{Kind: KindSessionExpired}
	ErrMisconfigured            = &FlowError{Kind: KindMisconfigured}
)

// Stage is a point in the login state machine.
type Stage string

const (
	StageIdle               Stage = "idle"
	StageAwaitingCallback   Stage = "awaiting_callback"
	StageExchanging         Stage = "exchanging"
	StageResolvingIdentity  Stage = "resolving_identity"
	StageSessionEstablished Stage = "session_established"
	// StageFailed is terminal. Failure events carry it as next_stage.
	StageFailed Stage = "failed"
)

// Action is what the user should see after a failure.
type Action string

const (
	// ActionRestartLogin sends the user back to the login entry point.
	ActionRestartLogin Action = "restart_login"
	// ActionShowError renders an error; retrying would not help.
	ActionShowError Action = "show_error"
	// ActionReauthenticate silently starts a new login.
	ActionReauthenticate Action = "reauthenticate"
)

// FlowError is the only error type the Controller returns.
// Stage is where the attempt was when it failed; Err carries the cause
// (often an *oidc.Error with provider code and description).
type FlowError struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e *FlowError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *FlowError) Unwrap() error { return e.Err }

// Is matches any *FlowError of the same Kind, so errors.Is(err, ErrInvalidState) works.
func (e *FlowError) Is(target error) bool {
	t, ok := target.(*FlowError)
	return ok && t.Kind == e.Kind
}

// Action maps the kind onto user-visible behaviour.
func (e *FlowError) Action() Action {
	switch e.Kind {
	case KindInvalidState, KindAuthorizationDenied:
		return ActionRestartLogin
	case KindSessionExpired:
		return ActionReauthenticate
	default:
		return ActionShowError
	}
}

// Transient reports whether the underlying provider failure was transient.
func (e *FlowError) Transient() bool {
	return oidc.KindOf(e.Err) == oidc.KindTransient
}

// HTTPStatus is the status a JSON error response should carry.
func (e *FlowError) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidState, KindAuthorizationDenied:
		return http.StatusBadRequest
	case KindSessionExpired:
		return http.StatusUnauthorized
	case KindIdentityResolutionFailed, KindAmbiguousIdentity:
		return http.StatusForbidden
	case KindTokenExchangeFailed, KindRefreshFailed, KindUserinfoFailed:
		if e.Transient() {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// providerDetail pulls provider error code/description out of the cause, if any.
func (e *FlowError) providerDetail() (code, description string) {
	var oe *oidc.Error
	if errors.As(e.Err, &oe) {
		return oe.Code, oe.Description
	}
	return "", ""
}

func flowErr(kind Kind, stage Stage, err error) *FlowError {
	return &FlowError{Kind: kind, Stage: stage, Err: err}
}
