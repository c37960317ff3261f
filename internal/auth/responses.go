// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. Fixed messages only; provider error
// text never reaches the response body.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"
)

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte(`{"message":"internal server error"}`))
}

// Unauthorized returns a 401 JSON response with the given message.
func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"message": message})
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// flowMessages are the user-facing texts per failure kind.
var flowMessages = map[Kind]string{
	KindInvalidState:             "login attempt expired or invalid, please sign in again",
	KindAuthorizationDenied:      "sign-in was cancelled or denied at the identity provider",
	KindTokenExchangeFailed:      "could not complete sign-in with the identity provider",
	KindRefreshFailed:            "could not refresh your session",
	KindUserinfoFailed:           "could not read your profile from the identity provider",
	KindIdentityResolutionFailed: "no local account is available for this identity",
	KindAmbiguousIdentity:        "more than one local account matches this identity",
	KindSessionExpired:           "session expired",
	KindMisconfigured:            "sign-in is not configured",
}

// FlowErrorResponse writes a FlowError as JSON: kind, action and a fixed message.
// Anything that is not a FlowError is a 500.
func FlowErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	var fe *FlowError
	if !errors.As(err, &fe) || fe.Kind == KindInternal {
		InternalServerError(w, r, err)
		return
	}
	msg, ok := flowMessages[fe.Kind]
	if !ok {
		msg = "sign-in failed"
	}
	logWarn(r, "auth flow failed", "kind", fe.Kind, "stage", fe.Stage, "action", fe.Action())
	writeJSON(w, fe.HTTPStatus(), map[string]string{
		"error":   string(fe.Kind),
		"action":  string(fe.Action()),
		"message": msg,
	})
}
