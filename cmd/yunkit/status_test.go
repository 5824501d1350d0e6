package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	code := runStatusCommand(context.Background(), []string{"extra"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	code := runStatusCommand(context.Background(), nil)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unhealthy"}`))
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	code := runStatusCommand(context.Background(), nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")

	code := runStatusCommand(context.Background(), nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestRunStatusCommand_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	setTestConfig(t, "127.0.0.1:8000")

	code := runStatusCommand(ctx, nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for cancelled context", code)
	}
}

func TestHealthProvider(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok", "records": 7, "capacity": 500, "clients": 2,
			"tokens": 1, "public_issuance": true, "audit_deny_count": 3,
			"activity": map[string]any{"tokens_issued": 4, "commands_relayed": 2, "commands_failed": 1, "last_command": "admin sendMsg"},
		})
	}))
	provider := healthProvider(context.Background(), ts.URL)

	snap := provider()
	if !snap.Reachable || snap.Records != 7 || snap.Capacity != 500 || snap.Clients != 2 || !snap.PublicIssuance || snap.AuditDenies != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Issued != 4 || snap.Relayed != 2 || snap.RelayFailures != 1 || snap.LastCommand != "admin sendMsg" {
		t.Fatalf("activity not carried into snapshot: %+v", snap)
	}

	ts.Close()
	snap = provider()
	if snap.Reachable || snap.LastError == "" {
		t.Fatalf("expected unreachable snapshot, got %+v", snap)
	}
}

func TestLocalBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "http://127.0.0.1:8000"},
		{"127.0.0.1:9000", "http://127.0.0.1:9000"},
		{"0.0.0.0:8000", "http://127.0.0.1:8000"},
		{":8000", "http://127.0.0.1:8000"},
		{"[::]:8000", "http://127.0.0.1:8000"},
		{"[::1]:8000", "http://[::1]:8000"},
		{"https://logs.example.com/", "https://logs.example.com"},
	}
	for _, tt := range tests {
		if got := localBaseURL(tt.in); got != tt.want {
			t.Errorf("localBaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// setTestConfig writes a minimal config.yaml to a temp dir and sets YUNKIT_HOME.
func setTestConfig(t *testing.T, addr string, extra ...string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("YUNKIT_HOME", home)
	t.Setenv("YUNKIT_BIND_ADDR", "")
	t.Setenv("YUNKIT_PUBLIC_URL", "")
	yaml := `bind_addr: "` + addr + `"` + "\n" + strings.Join(extra, "\n")
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}
