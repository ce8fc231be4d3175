// Package audit provides the append-only event sink for authentication
// attempts, authorization denials, role changes and token revocations.
package audit

import (
	"context"
	"strings"
	"time"

	"sentra.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Entry is one structured audit event.
type Entry struct {
	ID         string
	OccurredAt time.Time
	EventType  string
	UserID     string
	OrgID      string
	Permission string
	Outcome    string
	Fields     map[string]any
	RequestID  string
}

// Sink accepts audit entries. Implementations must be append-only; failures
// are logged, never propagated into request handling.
type Sink interface {
	Event(ctx context.Context, e Entry)
}

// Store persists audit entries durably.
type Store interface {
	Append(ctx context.Context, e *Entry) error
}

// Log is a Sink that emits one JSON line per event via the shared logger,
// optionally persisting each entry to a Store.
type Log struct {
	store Store
}

// NewLog builds a sink. store may be nil; events then only hit the log.
func NewLog(store Store) *Log {
	return &Log{store: store}
}

// Event records the entry. Timestamps and request ids are filled in here so
// call sites stay terse.
func (l *Log) Event(ctx context.Context, e Entry) {
	if e.EventType == "" {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}

	line := map[string]any{
		"ts":    e.OccurredAt.Format(time.RFC3339Nano),
		"type":  "audit",
		"event": e.EventType,
	}
	if e.RequestID != "" {
		line["request_id"] = e.RequestID
	}
	if e.UserID != "" {
		line["user_id"] = e.UserID
	}
	if e.OrgID != "" {
		line["org_id"] = e.OrgID
	}
	if e.Permission != "" {
		line["permission"] = e.Permission
	}
	if e.Outcome != "" {
		line["outcome"] = e.Outcome
	}
	if len(e.Fields) > 0 {
		fields := make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			fields[k] = v
		}
		line["fields"] = fields
	}
	obs.LogRequest(line)

	if l.store != nil {
		if err := l.store.Append(ctx, &e); err != nil {
			obs.LogError("audit append failed", map[string]any{
				"event": e.EventType,
				"error": err.Error(),
			})
		}
	}
}

var _ Sink = (*Log)(nil)
