package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dmmdekkd/yunkit/internal/persistence"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := DenyCount()
	Record(Event{Decision: Deny, Action: "ws.connect", Reason: "token_invalid", Remote: "10.0.0.2:5555"})
	Record(Event{Decision: Allow, Action: "token.issue", Reason: "chat", Subject: "admin"})

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["decision"] != "deny" || first["action"] != "ws.connect" {
		t.Fatalf("first entry = %#v", first)
	}
	if first["remote"] != "10.0.0.2:5555" {
		t.Fatalf("expected remote address, got %#v", first["remote"])
	}
	if DenyCount()-before != 1 {
		t.Fatalf("deny count grew by %d, want 1", DenyCount()-before)
	}
}

func TestRecordRedactsReason(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(Event{Decision: Deny, Action: "history.read", Reason: "bad header Bearer 0123456789abcdef0123456789"})

	raw, _ := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if strings.Contains(string(raw), "0123456789abcdef0123456789") {
		t.Fatalf("token leaked into audit log: %s", raw)
	}
}

func TestRecordWritesStore(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "yunkit.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	SetStore(store)
	t.Cleanup(func() { SetStore(nil) })

	Record(Event{Decision: Allow, Action: "token.issue", Reason: "http", Subject: "admin"})

	entries, err := store.ListAudit(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "token.issue" || entries[0].Subject != "admin" {
		t.Fatalf("entries = %#v", entries)
	}
}

func TestRecordWithoutInit(t *testing.T) {
	Record(Event{Decision: Allow, Action: "token.verify"})
}
