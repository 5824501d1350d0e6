package smoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// waitHealthy polls "yunkit status" until it succeeds and returns its output.
func waitHealthy(t *testing.T, bin, home, addr string) string {
	t.Helper()
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		s := exec.Command(bin, "status")
		s.Env = daemonEnv(home, addr)
		var buf bytes.Buffer
		s.Stdout = &buf
		if err := s.Run(); err == nil {
			return buf.String()
		}
		time.Sleep(150 * time.Millisecond)
	}
	t.Fatalf("status did not become ready in time")
	return ""
}

func TestSmoke_CLIStatusOutputsHealthzJSON(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	addr := pickFreeAddr(t)
	startDaemon(t, bin, home, addr)

	statusOut := waitHealthy(t, bin, home, addr)

	var body map[string]any
	if err := json.Unmarshal([]byte(statusOut), &body); err != nil {
		t.Fatalf("status output not JSON: %v\nout=%s", err, statusOut)
	}
	if body["status"] != "ok" {
		t.Fatalf("status = %v, want ok: %#v", body["status"], body)
	}
	if _, ok := body["capacity"]; !ok {
		t.Fatalf("expected capacity field in status output: %#v", body)
	}
}

// lockedBuffer lets the test read output while the child is still writing.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSmoke_OfflineTokenThenPlainTail(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	addr := pickFreeAddr(t)
	startDaemon(t, bin, home, addr)
	waitHealthy(t, bin, home, addr)

	// The daemon is already running; it must pick up a token written by
	// another process.
	tok := exec.Command(bin, "token", "admin")
	tok.Env = daemonEnv(home, addr)
	out, err := tok.Output()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	link, _, _ := strings.Cut(string(out), "\n")
	prefix := "http://" + addr + "/?token="
	if !strings.HasPrefix(link, prefix) {
		t.Fatalf("login link = %q, want prefix %q", link, prefix)
	}
	token := strings.TrimPrefix(link, prefix)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tail := exec.CommandContext(ctx, bin, "tail", "-url", "http://"+addr, "-token", token)
	tail.Env = daemonEnv(home, addr)
	var tailOut lockedBuffer
	tail.Stdout = &tailOut
	tail.Stderr = &tailOut
	if err := tail.Start(); err != nil {
		t.Fatalf("start tail: %v", err)
	}
	defer func() {
		_ = tail.Process.Signal(os.Interrupt)
		_ = tail.Wait()
	}()

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		got := tailOut.String()
		if strings.Contains(got, "日志网关已启动") && strings.Contains(got, "WebSocket 已连接") {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("tail never showed history and connect note\noutput=%s", tailOut.String())
}

func TestSmoke_TailRejectsBadToken(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	addr := pickFreeAddr(t)
	startDaemon(t, bin, home, addr)
	waitHealthy(t, bin, home, addr)

	tail := exec.Command(bin, "tail", "-url", "http://"+addr, "-token", "not-a-token")
	tail.Env = daemonEnv(home, addr)
	var out bytes.Buffer
	tail.Stdout = &out
	tail.Stderr = &out
	err := tail.Run()
	var exitErr *exec.ExitError
	if err == nil || !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		t.Fatalf("tail exit = %v, want exit status 1\noutput=%s", err, out.String())
	}
	if !strings.Contains(out.String(), "token missing or rejected") {
		t.Fatalf("missing rejection message\noutput=%s", out.String())
	}
}

func TestSmoke_ComponentLogsReachHistory(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	addr := pickFreeAddr(t)
	logs := filepath.Join(home, "logs")
	if err := os.MkdirAll(logs, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(logs, "bot-2000-01-01.log")
	if err := os.WriteFile(stale, []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	startDaemon(t, bin, home, addr)
	waitHealthy(t, bin, home, addr)

	tok := exec.Command(bin, "token", "admin")
	tok.Env = daemonEnv(home, addr)
	out, err := tok.Output()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	link, _, _ := strings.Cut(string(out), "\n")
	token := strings.TrimPrefix(link, "http://"+addr+"/?token=")

	// The retention sweep runs at start and logs through the process
	// default logger, which the daemon taps into the stream.
	var raws []string
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		req, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/history", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		var records []struct {
			Raw string `json:"raw"`
		}
		err = json.NewDecoder(resp.Body).Decode(&records)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode history: %v", err)
		}
		raws = raws[:0]
		for _, r := range records {
			raws = append(raws, r.Raw)
			if strings.HasPrefix(r.Raw, "expired logs removed") {
				if _, err := os.Stat(stale); !os.IsNotExist(err) {
					t.Fatalf("stale log still present: %v", err)
				}
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("retention sweep never reached history\nrecords=%q", raws)
}
