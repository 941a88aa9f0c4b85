// Package logging provides log/slog helpers for imgpub: correlation IDs and a
// context-scoped logger, a secret-redaction ReplaceAttr function, and stage
// timings. Log level and sink setup are not done here; cmd/imgpub and
// internal/config use logi for that.
package logging

import (
	"context"
	"log/slog"

	"github.com/oklog/ulid/v2"
)

// redactedKeys lists config/log field names that must never appear with
// their real value in a log line, regardless of which package emits it.
var redactedKeys = map[string]bool{
	"password":          true,
	"web_session_secret": true,
	"admin_password":     true,
	"client_secret":      true,
	"credentials_ref":    true,
	"refresh_token":      true,
	"api_key":            true,
	"bot_token":          true,
	"smtp_password":      true,
}

// Redact returns "[redacted]" for any attribute whose key is a known
// sensitive field name, and the value unchanged otherwise. Intended for use
// as a slog.HandlerOptions.ReplaceAttr function.
func Redact(_ []string, a slog.Attr) slog.Attr {
	if redactedKeys[a.Key] {
		a.Value = slog.StringValue("[redacted]")
	}

	return a
}

// NewCorrelationID generates a lexically sortable correlation ID, used to
// tie together every log line and *_ms timing emitted during one workflow
// execution or HTTP request.
func NewCorrelationID() string {
	return ulid.Make().String()
}

type correlationIDKey struct{}

// WithCorrelationID attaches a correlation ID to ctx for retrieval by
// downstream log calls and the X-Correlation-ID response header.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationID returns the correlation ID attached to ctx, or "" if none.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// FromContext returns a logger enriched with the request's correlation ID,
// falling back to the default logger if ctx carries none.
func FromContext(ctx context.Context) *slog.Logger {
	id := CorrelationID(ctx)
	if id == "" {
		return slog.Default()
	}

	return slog.Default().With("correlation_id", id)
}

// StageTimer accumulates millisecond timings for the orchestrator's
// select/analyze/caption/sidecar/publish/archive pipeline stages, to be
// logged as a single structured event once the workflow finishes.
type StageTimer struct {
	stages map[string]int64
	order  []string
}

// NewStageTimer returns an empty timer.
func NewStageTimer() *StageTimer {
	return &StageTimer{stages: make(map[string]int64)}
}

// Record stores a stage's duration in milliseconds under "<name>_ms".
func (s *StageTimer) Record(name string, ms int64) {
	key := name + "_ms"
	if _, seen := s.stages[key]; !seen {
		s.order = append(s.order, key)
	}
	s.stages[key] = ms
}

// Attrs returns the recorded stage timings as slog attributes, in the order
// stages were recorded, suitable for a single slog.Info call.
func (s *StageTimer) Attrs() []any {
	attrs := make([]any, 0, len(s.order)*2)
	for _, k := range s.order {
		attrs = append(attrs, k, s.stages[k])
	}

	return attrs
}

// Snapshot returns a copy of the recorded stage timings keyed by "<name>_ms",
// suitable for attaching to a WorkflowResult once a run finishes.
func (s *StageTimer) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(s.stages))
	for k, v := range s.stages {
		out[k] = v
	}

	return out
}
