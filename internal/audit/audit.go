// Package audit records authentication decisions to logs/audit.jsonl and,
// when a store is attached, to the audit_log table.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmmdekkd/yunkit/internal/persistence"
	"github.com/dmmdekkd/yunkit/internal/shared"
)

// Decisions.
const (
	Allow = "allow"
	Deny  = "deny"
)

// Event is one auth decision.
type Event struct {
	Decision string // Allow or Deny
	Action   string // token.issue, token.verify, ws.connect, history.read
	Reason   string
	Subject  string // username when known
	Remote   string
	TraceID  string
}

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
	Remote    string `json:"remote,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	store     *persistence.Store
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetStore attaches the sqlite store for audit_log writes. nil detaches.
func SetStore(s *persistence.Store) {
	mu.Lock()
	defer mu.Unlock()
	store = s
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	store = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record writes ev. Secrets in Reason and Subject are redacted first.
func Record(ev Event) {
	if ev.Decision == Deny {
		denyCount.Add(1)
	}
	ev.Reason = shared.Redact(ev.Reason)
	ev.Subject = shared.Redact(ev.Subject)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		b, err := json.Marshal(entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Decision:  ev.Decision,
			Action:    ev.Action,
			Reason:    ev.Reason,
			Subject:   ev.Subject,
			Remote:    ev.Remote,
			TraceID:   ev.TraceID,
		})
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if store != nil {
		_ = store.InsertAudit(context.Background(), persistence.AuditEntry{
			TraceID:  ev.TraceID,
			Subject:  ev.Subject,
			Action:   ev.Action,
			Decision: ev.Decision,
			Reason:   ev.Reason,
			Remote:   ev.Remote,
		})
	}
}
