package security

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func auditWithBuffer(enabled bool) (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewAuditor(logger, enabled), &buf
}

func TestLogEventHashesSubject(t *testing.T) {
	auditor, buf := auditWithBuffer(true)

	auditor.LogEvent(Event{
		Type:     EventTokenIssued,
		Subject:  "user@example.com",
		ClientID: "client-1",
	})

	out := buf.String()
	if out == "" {
		t.Fatal("nothing logged")
	}
	if strings.Contains(out, "user@example.com") {
		t.Error("raw subject leaked into the audit log")
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log entry is not JSON: %v", err)
	}
	if entry["event_type"] != EventTokenIssued {
		t.Errorf("event_type = %v", entry["event_type"])
	}
	hash, _ := entry["subject_hash"].(string)
	if hash == "" || hash == "user@example.com" {
		t.Errorf("subject_hash = %q", hash)
	}
}

func TestDisabledAuditorIsSilent(t *testing.T) {
	auditor, buf := auditWithBuffer(false)
	auditor.LogAuthFailure("user", "client-1", "10.0.0.1", "bad_secret")
	if buf.Len() != 0 {
		t.Errorf("disabled auditor logged: %s", buf.String())
	}
}

func TestNilAuditorIsSafe(t *testing.T) {
	var auditor *Auditor
	auditor.LogEvent(Event{Type: EventAuthFailure})
	auditor.LogAuthFailure("", "", "", "")
	auditor.LogTokenIssued("", "", "")
	auditor.LogTokenRefreshed("", "", false)
	auditor.LogClientRegistered("", "", "")
}

func TestHashForLoggingStability(t *testing.T) {
	if hashForLogging("") != "" {
		t.Error("empty input should stay empty")
	}
	first := hashForLogging("subject")
	if first != hashForLogging("subject") {
		t.Error("hash is not stable, events cannot be correlated")
	}
	if first == hashForLogging("other") {
		t.Error("distinct subjects collide")
	}
}
