package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"sentra.org/internal/obs"
)

type captureStore struct {
	entries []*Entry
	err     error
}

func (s *captureStore) Append(_ context.Context, e *Entry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestLogEventEmitsJSONAndPersists(t *testing.T) {
	buf := captureLog(t)
	store := &captureStore{}
	sink := NewLog(store)

	ctx := WithRequestID(context.Background(), "req-123")
	sink.Event(ctx, Entry{
		EventType:  "authz.denied",
		UserID:     "user-42",
		OrgID:      "org-7",
		Permission: "project:create",
		Outcome:    "deny",
		Fields:     map[string]any{"reason": "missing_permission"},
	})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log not valid JSON: %v (%q)", err, buf.String())
	}
	if line["type"] != "audit" || line["event"] != "authz.denied" {
		t.Fatalf("unexpected line: %v", line)
	}
	if line["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", line["request_id"])
	}
	if line["user_id"] != "user-42" || line["org_id"] != "org-7" {
		t.Fatalf("identity fields missing: %v", line)
	}
	if line["permission"] != "project:create" || line["outcome"] != "deny" {
		t.Fatalf("decision fields missing: %v", line)
	}

	if len(store.entries) != 1 {
		t.Fatalf("expected 1 persisted entry, got %d", len(store.entries))
	}
	if store.entries[0].RequestID != "req-123" {
		t.Fatalf("request id not carried to store: %v", store.entries[0])
	}
	if store.entries[0].OccurredAt.IsZero() {
		t.Fatal("timestamp not filled in")
	}
}

func TestLogEventSurvivesStoreFailure(t *testing.T) {
	buf := captureLog(t)
	sink := NewLog(&captureStore{err: errors.New("db down")})

	sink.Event(context.Background(), Entry{EventType: "auth.login", Outcome: "ok"})

	if !bytes.Contains(buf.Bytes(), []byte("auth.login")) {
		t.Fatal("event line missing")
	}
	if !bytes.Contains(buf.Bytes(), []byte("audit append failed")) {
		t.Fatal("store failure not surfaced in log")
	}
}

func TestLogEventIgnoresEmptyEventType(t *testing.T) {
	buf := captureLog(t)
	sink := NewLog(nil)
	sink.Event(context.Background(), Entry{})
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
}
