package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dmmdekkd/yunkit/internal/bus"
	"github.com/dmmdekkd/yunkit/internal/gateway"
	"github.com/dmmdekkd/yunkit/internal/logstream"
	"github.com/dmmdekkd/yunkit/internal/persistence"
	"github.com/dmmdekkd/yunkit/internal/relay"
	"github.com/dmmdekkd/yunkit/internal/tokens"
)

type recordingAdapter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (a *recordingAdapter) add(call string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
	return a.err
}

func (a *recordingAdapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *recordingAdapter) Message(_ context.Context, content string) error {
	return a.add("message:" + content)
}

func (a *recordingAdapter) SendMsg(_ context.Context, segs []relay.Segment) error {
	return a.add(fmt.Sprintf("sendMsg:%d", len(segs)))
}

func (a *recordingAdapter) SendFile(_ context.Context, data []byte, name string) error {
	return a.add(fmt.Sprintf("sendFile:%s:%d", name, len(data)))
}

func (a *recordingAdapter) RecallMsg(_ context.Context, id string) error {
	return a.add("recallMsg:" + id)
}

func (a *recordingAdapter) PickFriend(context.Context) error {
	return a.add("pickFriend")
}

type harness struct {
	srv     *httptest.Server
	gw      *gateway.Server
	ingest  *logstream.Service
	tokens  *tokens.Store
	adapter *recordingAdapter
	store   *persistence.Store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, mutate func(*gateway.Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	logger := quietLogger()

	ingest := logstream.New(logstream.Options{Bus: bus.New(), Logger: logger})
	t.Cleanup(func() { _ = ingest.Close() })

	store, err := persistence.Open(filepath.Join(dir, "yunkit.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tok := tokens.Open(tokens.Config{Path: filepath.Join(dir, "tokens.json"), Logger: logger})

	adapter := &recordingAdapter{}
	holder := &relay.Holder{}
	holder.Set(adapter)
	rl, err := relay.New(relay.Config{Adapters: holder, Log: logstream.TapLogger(logstream.SlogLogger{L: logger}, ingest), Store: store, Logger: logger})
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}

	cfg := gateway.Config{
		Ingest:              ingest,
		Tokens:              tok,
		Relay:               rl,
		Store:               store,
		Logger:              logger,
		Users:               []string{"admin"},
		BaseURL:             "http://viewer.test/",
		PublicTokenIssuance: true,
		Assets: fstest.MapFS{
			"index.html": {Data: []byte("<title>index</title>")},
			"login.html": {Data: []byte("<title>login</title>")},
			"main.js":    {Data: []byte("// viewer")},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	gw, err := gateway.New(cfg)
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	return &harness{srv: srv, gw: gw, ingest: ingest, tokens: tok, adapter: adapter, store: store}
}

func (h *harness) token(t *testing.T) string {
	t.Helper()
	tok, _, err := h.tokens.Issue("admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func (h *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

type wireFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Level   string `json:"level"`
	Raw     string `json:"raw"`
	Content string `json:"content"`
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var f wireFrame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

// readUntil reads frames until match returns true, failing on a repeated
// record id. It returns every frame read, the matching one last.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wireFrame) bool) []wireFrame {
	t.Helper()
	seen := map[string]bool{}
	var frames []wireFrame
	for i := 0; i < 100; i++ {
		f := readFrame(t, conn)
		if f.ID != "" {
			if seen[f.ID] {
				t.Fatalf("record %s (%q) delivered twice", f.ID, f.Raw)
			}
			seen[f.ID] = true
		}
		frames = append(frames, f)
		if match(f) {
			return frames
		}
	}
	t.Fatal("no matching frame after 100 reads")
	return nil
}

func rawIs(s string) func(wireFrame) bool {
	return func(f wireFrame) bool { return f.Type == gateway.FrameLogger && f.Raw == s }
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func snapshotHas(svc *logstream.Service, level logstream.Level, prefix string) bool {
	for _, rec := range svc.Snapshot() {
		if rec.Level == level && strings.HasPrefix(rec.Raw, prefix) {
			return true
		}
	}
	return false
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestHistory_RequiresToken(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest.Ingest(logstream.LevelInfo, "first")
	h.ingest.Ingest(logstream.LevelWarn, "second")

	resp, err := http.Get(h.srv.URL + "/history")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["error"] != "token 无效或已过期" {
		t.Fatalf("error body = %v", body)
	}

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/history", nil)
	req.Header.Set("Authorization", "Bearer "+h.token(t))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var records []logstream.Record
	decodeBody(t, resp, &records)
	if len(records) != 2 || records[0].Raw != "first" || records[1].Raw != "second" {
		t.Fatalf("history = %+v, want [first second]", records)
	}
	if records[1].Level != logstream.LevelWarn {
		t.Fatalf("level = %q, want warn", records[1].Level)
	}
}

func TestHistory_QueryTokenAndEmptyBuffer(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.srv.URL + "/history?token=" + h.token(t))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if strings.TrimSpace(string(data)) != "[]" {
		t.Fatalf("body = %q, want []", data)
	}
}

func TestIndex_RedirectsWithoutValidToken(t *testing.T) {
	h := newHarness(t, nil)
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	for _, path := range []string{"/", "/?token=bogus"} {
		resp, err := client.Get(h.srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusFound {
			t.Fatalf("%s: status = %d, want 302", path, resp.StatusCode)
		}
		if loc := resp.Header.Get("Location"); loc != "/login.html" {
			t.Fatalf("%s: location = %q", path, loc)
		}
	}

	resp, err := client.Get(h.srv.URL + "/?token=" + h.token(t))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), "<title>index</title>") {
		t.Fatalf("status = %d body = %q, want index.html", resp.StatusCode, data)
	}
}

func TestStaticAssets(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.srv.URL + "/login.html")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), "login") {
		t.Fatalf("status = %d body = %q", resp.StatusCode, data)
	}

	resp, err = http.Get(h.srv.URL + "/missing.js")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing asset status = %d, want 404", resp.StatusCode)
	}
}

func TestLogin_PublicIssuanceToggle(t *testing.T) {
	h := newHarness(t, func(c *gateway.Config) { c.PublicTokenIssuance = false })

	resp, err := http.Get(h.srv.URL + "/login/admin")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("disabled: status = %d, want 403", resp.StatusCode)
	}
	if h.tokens.Len() != 0 {
		t.Fatal("token issued while public issuance disabled")
	}

	h.gw.SetPublicIssuance(true)

	resp, err = http.Get(h.srv.URL + "/login/nobody")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown user: status = %d, want 401", resp.StatusCode)
	}

	var first, second struct {
		OK       bool   `json:"ok"`
		Msg      string `json:"msg"`
		Token    string `json:"token"`
		LoginURL string `json:"loginUrl"`
	}
	resp, err = http.Get(h.srv.URL + "/login/admin")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	decodeBody(t, resp, &first)
	if !first.OK || first.Token == "" {
		t.Fatalf("response = %+v", first)
	}
	if first.Msg != "请在 30 分钟内使用 token 登录" {
		t.Fatalf("msg = %q", first.Msg)
	}
	if first.LoginURL != "http://viewer.test/?token="+first.Token {
		t.Fatalf("loginUrl = %q", first.LoginURL)
	}
	if !snapshotHas(h.ingest, logstream.LevelInfo, "[登录生成 token] 用户:admin") {
		t.Fatal("issuance note not ingested")
	}

	resp, err = http.Get(h.srv.URL + "/login/admin")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	decodeBody(t, resp, &second)
	if second.Token != first.Token {
		t.Fatalf("live token not reused: %q then %q", first.Token, second.Token)
	}
}

func TestVerifyToken(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.token(t)

	tests := []struct {
		name   string
		body   string
		status int
		valid  bool
	}{
		{"missing", `{}`, http.StatusBadRequest, false},
		{"not json", `nope`, http.StatusBadRequest, false},
		{"invalid", `{"token":"bogus"}`, http.StatusUnauthorized, false},
		{"valid", `{"token":"` + tok + `"}`, http.StatusOK, true},
		{"oversized", `{"token":"` + strings.Repeat("x", 70<<10) + `"}`, http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(h.srv.URL+"/verify-token", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			var out struct {
				Valid    bool   `json:"valid"`
				Username string `json:"username"`
			}
			decodeBody(t, resp, &out)
			if out.Valid != tt.valid {
				t.Fatalf("valid = %v, want %v", out.Valid, tt.valid)
			}
			if tt.valid && out.Username != "admin" {
				t.Fatalf("username = %q, want admin", out.Username)
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest.Ingest(logstream.LevelInfo, "one")
	h.token(t)

	resp, err := http.Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var out map[string]any
	decodeBody(t, resp, &out)
	if out["status"] != "ok" {
		t.Fatalf("status field = %v", out["status"])
	}
	if out["records"] != float64(1) || out["tokens"] != float64(1) || out["clients"] != float64(0) {
		t.Fatalf("healthz = %v", out)
	}
	if out["capacity"] != float64(logstream.DefaultCapacity) {
		t.Fatalf("capacity = %v", out["capacity"])
	}
}

func TestHealthz_ReportsBusActivity(t *testing.T) {
	b := bus.New()
	h := newHarness(t, func(c *gateway.Config) { c.Bus = b })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.gw.WatchEvents(ctx)
	waitFor(t, "event subscriptions", func() bool { return b.SubscriberCount() == 3 })

	if _, err := h.gw.Issue(ctx, "admin", "http", "127.0.0.1"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	resp, err := http.Get(h.srv.URL + "/history?token=bogus")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	resp.Body.Close()
	b.Publish(bus.TopicRelayDispatched, bus.RelayEvent{Username: "admin", Method: "sendMsg", OK: false})
	b.Publish(bus.TopicConfigReloaded, "abc123")

	waitFor(t, "activity tally", func() bool {
		a := h.gw.Activity()
		return a.TokensIssued == 1 && a.AuthRejected == 1 && a.CommandsRelayed == 1 && a.ConfigFingerprint == "abc123"
	})

	resp, err = http.Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	var out struct {
		Activity gateway.Activity `json:"activity"`
	}
	decodeBody(t, resp, &out)
	a := out.Activity
	if a.CommandsFailed != 1 || a.LastCommand != "admin sendMsg" || a.ConfigReloadedAt.IsZero() {
		t.Fatalf("healthz activity = %+v", a)
	}
}

func TestPush_InvalidTokenGetsAuthErrorAndClose(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest.Ingest(logstream.LevelInfo, "secret backlog")

	conn := h.dial(t, "bogus")
	f := readFrame(t, conn)
	if f.Type != gateway.FrameAuthError || f.Content != "token 无效或已过期" {
		t.Fatalf("first frame = %+v, want auth_error", f)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("second read err = %v, want policy violation close", err)
	}
	if n := h.gw.ClientCount(); n != 0 {
		t.Fatalf("ClientCount = %d, want 0", n)
	}
}

func TestPush_BacklogThenLiveExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest.Ingest(logstream.LevelInfo, "a")
	h.ingest.Ingest(logstream.LevelInfo, "b")

	conn := h.dial(t, h.token(t))
	backlog := readUntil(t, conn, rawIs("[WS 已连接] 用户:admin"))
	if len(backlog) != 3 || backlog[0].Raw != "a" || backlog[1].Raw != "b" {
		t.Fatalf("backlog = %+v, want a, b, connect note", backlog)
	}
	waitFor(t, "client registration", func() bool { return h.gw.ClientCount() == 1 })

	h.ingest.Ingest(logstream.LevelWarn, "c")
	live := readUntil(t, conn, rawIs("c"))
	if len(live) != 1 {
		t.Fatalf("frames before live record = %+v, want only c", live)
	}
	if live[0].Level != "warn" || live[0].ID == "" {
		t.Fatalf("live frame = %+v", live[0])
	}
}

func TestPush_BurstBeyondSendBufferDeliveredOnceInOrder(t *testing.T) {
	h := newHarness(t, func(c *gateway.Config) { c.SendBuffer = 4 })
	conn := h.dial(t, h.token(t))
	readUntil(t, conn, rawIs("[WS 已连接] 用户:admin"))
	waitFor(t, "client registration", func() bool { return h.gw.ClientCount() == 1 })

	const burst = 300
	for i := 0; i < burst; i++ {
		h.ingest.Ingest(logstream.LevelInfo, fmt.Sprintf("burst-%d", i))
	}

	seen := map[string]bool{}
	next := 0
	for next < burst {
		f := readFrame(t, conn)
		if f.Type != gateway.FrameLogger {
			continue
		}
		if seen[f.ID] {
			t.Fatalf("record %q delivered twice", f.Raw)
		}
		seen[f.ID] = true
		if want := fmt.Sprintf("burst-%d", next); f.Raw != want {
			t.Fatalf("frame %d = %q, want %q", next, f.Raw, want)
		}
		next++
	}
}

func TestPush_TwoConnectionsEachGetBacklog(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest.Ingest(logstream.LevelInfo, "shared line")
	tok := h.token(t)

	c1 := h.dial(t, tok)
	c2 := h.dial(t, tok)
	for i, conn := range []*websocket.Conn{c1, c2} {
		frames := readUntil(t, conn, rawIs("shared line"))
		if frames[0].Raw != "shared line" {
			t.Fatalf("conn %d first frame = %+v", i+1, frames[0])
		}
	}
	waitFor(t, "two clients", func() bool { return h.gw.ClientCount() == 2 })

	h.ingest.Ingest(logstream.LevelError, "broadcast")
	readUntil(t, c1, rawIs("broadcast"))
	readUntil(t, c2, rawIs("broadcast"))
}

func TestPush_CallMessageRelaysOnce(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, h.token(t))
	readUntil(t, conn, rawIs("[WS 已连接] 用户:admin"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, map[string]any{"action": "call", "method": "message", "content": "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frames := readUntil(t, conn, func(f wireFrame) bool { return f.Type == relay.ReplyResult })
	if got := frames[len(frames)-1].Content; got != "message ok" {
		t.Fatalf("result content = %q", got)
	}

	if calls := h.adapter.Calls(); len(calls) != 1 || calls[0] != "message:hello" {
		t.Fatalf("adapter calls = %v, want [message:hello]", calls)
	}
	marks := 0
	for _, rec := range h.ingest.Snapshot() {
		if rec.Level == logstream.LevelMark && strings.HasPrefix(rec.Raw, "[admin 执行命令] message") {
			marks++
			if !strings.Contains(rec.Raw, "hello") {
				t.Fatalf("mark record %q does not name the content", rec.Raw)
			}
		}
	}
	if marks != 1 {
		t.Fatalf("mark records = %d, want 1", marks)
	}

	cmds, err := h.store.ListCommands(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListCommands: %v", err)
	}
	if len(cmds) != 1 || cmds[0].Method != "message" || !cmds[0].OK || cmds[0].Username != "admin" {
		t.Fatalf("command history = %+v", cmds)
	}
}

func TestPush_AdapterErrorIsReported(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.err = errors.New("bot offline")
	conn := h.dial(t, h.token(t))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, map[string]any{"action": "command", "method": "sendMsg", "content": []map[string]string{{"type": "text", "text": "x"}}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frames := readUntil(t, conn, func(f wireFrame) bool { return f.Type == relay.ReplyError })
	if got := frames[len(frames)-1].Content; got != "bot offline" {
		t.Fatalf("error content = %q", got)
	}
	if !snapshotHas(h.ingest, logstream.LevelError, "执行失败: bot offline") {
		t.Fatal("failure not ingested at error level")
	}
}

func TestPush_MalformedAndUnknownFramesIgnored(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, h.token(t))
	readUntil(t, conn, rawIs("[WS 已连接] 用户:admin"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, msg := range []string{
		"not json",
		`[1,2,3]`,
		`{"action":"hello","method":"message","content":"skip"}`,
		`{"action":"call","method":"message","content":"kept"}`,
	} {
		if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			t.Fatalf("write %q: %v", msg, err)
		}
	}
	readUntil(t, conn, func(f wireFrame) bool { return f.Type == relay.ReplyResult })
	if calls := h.adapter.Calls(); len(calls) != 1 || calls[0] != "message:kept" {
		t.Fatalf("adapter calls = %v, want [message:kept]", calls)
	}
}

func TestPush_CloseDeregisters(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, h.token(t))
	readUntil(t, conn, rawIs("[WS 已连接] 用户:admin"))
	waitFor(t, "registration", func() bool { return h.gw.ClientCount() == 1 })

	if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, "deregistration", func() bool { return h.gw.ClientCount() == 0 })
	waitFor(t, "close note", func() bool {
		return snapshotHas(h.ingest, logstream.LevelInfo, "[WS 已关闭] 用户:admin")
	})
	if snapshotHas(h.ingest, logstream.LevelWarn, "[WS 错误]") {
		t.Fatal("normal close reported as an error")
	}
}

func TestCommands_RequiresTokenAndLists(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.srv.URL + "/api/commands")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	tok := h.token(t)
	conn := h.dial(t, tok)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, map[string]any{"action": "call", "method": "message", "content": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, conn, func(f wireFrame) bool { return f.Type == relay.ReplyResult })

	resp, err = http.Get(h.srv.URL + "/api/commands?limit=5&token=" + tok)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var cmds []persistence.Command
	decodeBody(t, resp, &cmds)
	if len(cmds) != 1 || cmds[0].Method != "message" {
		t.Fatalf("commands = %+v", cmds)
	}
}

func TestRateLimit_GuardsLoginEndpoint(t *testing.T) {
	h := newHarness(t, func(c *gateway.Config) {
		c.RateLimit.Enabled = true
		c.RateLimit.RequestsPerMinute = 1
		c.RateLimit.BurstSize = 2
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(h.srv.URL + "/login/admin")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("status codes = %v, want [200 200 429]", codes)
	}

	// Unguarded routes are not limited.
	for i := 0; i < 5; i++ {
		resp, err := http.Get(h.srv.URL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("healthz status = %d", resp.StatusCode)
		}
	}
}

func TestLoginLink(t *testing.T) {
	h := newHarness(t, func(c *gateway.Config) { c.PublicTokenIssuance = false })

	link, err := h.gw.LoginLink(context.Background(), "admin", "chat")
	if err != nil {
		t.Fatalf("LoginLink: %v", err)
	}
	tok := strings.TrimPrefix(link, "http://viewer.test/?token=")
	if tok == link || tok == "" {
		t.Fatalf("link = %q", link)
	}
	if user, err := h.tokens.Verify(tok); err != nil || user != "admin" {
		t.Fatalf("Verify = %q, %v", user, err)
	}
	if _, err := h.gw.LoginLink(context.Background(), "ghost", "chat"); err == nil {
		t.Fatal("LoginLink accepted an unknown user")
	}
}
