// audit.go -- AuditSink: structured record of every flow transition and failure.
//
// Events never carry raw tokens, codes or state values.
package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/oidc-rp/internal/store"
)

// Event names.
const (
	EventLoginStarted       = "login_started"
	EventCallbackReceived   = "callback_received"
	EventStateInvalid       = "state_invalid"
	EventTokenExchanged     = "token_exchanged"
	EventUserinfoFetched    = "userinfo_fetched"
	EventIdentityResolved   = "identity_resolved"
	EventSessionEstablished = "session_established"
	EventTokenRefreshed     = "token_refreshed"
	EventSessionExpired     = "session_expired"
	EventLogout             = "logout"
	EventFlowFailed         = "flow_failed"
	EventStateGC            = "state_gc"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is one audit record.
type Event struct {
	Name      string
	Outcome   string
	Stage     Stage
	Kind      Kind
	AccountID *uuid.UUID
	// ProviderCode and ProviderDescription are the IdP's OAuth error fields.
	ProviderCode        string
	ProviderDescription string
	// Attrs holds extra non-secret context.
	Attrs map[string]any
	Time  time.Time
}

// AuditSink receives flow events. Record must not block the flow on failure.
type AuditSink interface {
	Record(ctx context.Context, ev Event)
}

// SlogSink writes events to the default slog logger.
type SlogSink struct{}

// Record logs at info for success and warn for failure.
func (SlogSink) Record(ctx context.Context, ev Event) {
	args := []any{"event", ev.Name, "outcome", ev.Outcome}
	if ev.Stage != "" {
		args = append(args, "stage", ev.Stage)
	}
	if ev.Kind != "" {
		args = append(args, "kind", ev.Kind)
	}
	if ev.AccountID != nil {
		args = append(args, "account_id", *ev.AccountID)
	}
	if ev.ProviderCode != "" {
		args = append(args, "provider_error", ev.ProviderCode, "provider_error_description", ev.ProviderDescription)
	}
	for k, v := range ev.Attrs {
		args = append(args, k, v)
	}

	level := slog.LevelInfo
	if ev.Outcome == OutcomeFailure {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "auth audit", args...)
}

// AuditStore persists audit rows.
// Satisfied by *store.PostgresStore — defined here (at consumer) per Go convention.
type AuditStore interface {
	InsertAuditLog(ctx context.Context, entry store.AuditEntry) error
}

// StoreSink writes events to the audit_logs table. Write failures are logged and dropped.
type StoreSink struct {
	Store AuditStore
}

// Record inserts one audit row.
func (s StoreSink) Record(ctx context.Context, ev Event) {
	meta := map[string]any{}
	if ev.Kind != "" {
		meta["kind"] = ev.Kind
	}
	if ev.ProviderCode != "" {
		meta["provider_error"] = ev.ProviderCode
		meta["provider_error_description"] = ev.ProviderDescription
	}
	for k, v := range ev.Attrs {
		meta[k] = v
	}

	var raw []byte
	if len(meta) > 0 {
		var err error
		if raw, err = json.Marshal(meta); err != nil {
			slog.Warn("failed to marshal audit metadata", "event", ev.Name, "error", err)
			raw = nil
		}
	}

	// Audit rows outlive the request; don't let a cancelled request drop them
	ctx = context.WithoutCancel(ctx)
	if err := s.Store.InsertAuditLog(ctx, store.AuditEntry{
		AccountID: ev.AccountID,
		Action:    ev.Name,
		Outcome:   ev.Outcome,
		Stage:     string(ev.Stage),
		Metadata:  raw,
	}); err != nil {
		slog.Warn("failed to write audit log", "event", ev.Name, "error", err)
	}
}

// MultiSink fans an event out to every sink in order.
type MultiSink []AuditSink

// Record forwards ev to each sink.
func (m MultiSink) Record(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Record(ctx, ev)
	}
}
