// Package gateway serves the log viewer: token issuance, history, static
// assets and the WebSocket push channel.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/dmmdekkd/yunkit/internal/audit"
	"github.com/dmmdekkd/yunkit/internal/bus"
	"github.com/dmmdekkd/yunkit/internal/config"
	"github.com/dmmdekkd/yunkit/internal/logstream"
	"github.com/dmmdekkd/yunkit/internal/otel"
	"github.com/dmmdekkd/yunkit/internal/persistence"
	"github.com/dmmdekkd/yunkit/internal/relay"
	"github.com/dmmdekkd/yunkit/internal/shared"
	"github.com/dmmdekkd/yunkit/internal/tokens"
	"github.com/dmmdekkd/yunkit/web"
)

const (
	defaultSendBuffer   = 256
	defaultCommandLimit = 100
	maxCommandLimit     = 500
	maxRequestBytes     = 64 << 10
)

type Config struct {
	Ingest *logstream.Service
	Tokens *tokens.Store
	// Relay handles inbound command frames. nil ignores them.
	Relay   *relay.Relay
	Store   *persistence.Store
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger

	Users    []string
	BaseURL  string
	TokenTTL time.Duration
	// PublicTokenIssuance enables GET /login/{username}. It can be
	// changed at runtime with SetPublicIssuance.
	PublicTokenIssuance bool

	// FrontendDir overrides Assets with files on disk.
	FrontendDir string
	Assets      fs.FS

	AllowOrigins []string
	RateLimit    config.RateLimitConfig
	CORS         config.CORSConfig
	// SendBuffer is the per-connection live record queue. On overflow the
	// connection catches up from the ingest buffer.
	SendBuffer int
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	assets  fs.FS
	limiter *RateLimiter

	public  atomic.Bool
	usersMu sync.RWMutex
	users   []string

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
	nextID    atomic.Int64

	activity activityLog
}

func New(cfg Config) (*Server, error) {
	if cfg.Ingest == nil {
		return nil, fmt.Errorf("gateway: ingest service is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("gateway: token store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = tokens.DefaultTTL
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	assets := cfg.Assets
	if cfg.FrontendDir != "" {
		info, err := os.Stat(cfg.FrontendDir)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("gateway: frontend_dir %q is not a directory", cfg.FrontendDir)
		}
		assets = os.DirFS(cfg.FrontendDir)
	}
	if assets == nil {
		assets = web.Assets()
	}

	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		assets:  assets,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.Metrics, "/login/", "/verify-token"),
		clients: make(map[*client]struct{}),
	}
	s.public.Store(cfg.PublicTokenIssuance)
	s.SetUsers(cfg.Users)
	return s, nil
}

// SetPublicIssuance toggles GET /login/{username} without a restart.
func (s *Server) SetPublicIssuance(on bool) {
	if s.public.Swap(on) != on {
		s.logger.Info("public token issuance changed", "enabled", on)
	}
}

func (s *Server) PublicIssuance() bool {
	return s.public.Load()
}

// SetUsers replaces the set of usernames tokens may be issued for.
func (s *Server) SetUsers(users []string) {
	cp := append([]string(nil), users...)
	s.usersMu.Lock()
	s.users = cp
	s.usersMu.Unlock()
}

func (s *Server) hasUser(username string) bool {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	for _, u := range s.users {
		if u == username {
			return true
		}
	}
	return false
}

// Limiter exposes the token endpoint rate limiter so the daemon can run
// its eviction loop.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /history", s.requireToken("history.read", s.handleHistory))
	s.route(mux, "GET /api/commands", s.requireToken("commands.read", s.handleCommands))
	s.route(mux, "GET /login/{username}", s.handleLogin)
	s.route(mux, "POST /verify-token", s.handleVerify)
	s.route(mux, "GET /healthz", s.handleHealthz)
	s.route(mux, "GET /ws", s.handlePush)
	s.route(mux, "GET /{$}", s.handleIndex)
	mux.Handle("GET /", http.FileServerFS(s.assets))

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(maxRequestBytes)(h)
	h = s.limiter.Wrap(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return h
}

// route registers fn under pattern with a server span and a duration
// metric. Upgraded push connections are not timed.
func (s *Server) route(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	_, path, _ := strings.Cut(pattern, " ")
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		if isUpgrade(r) {
			fn(w, r.WithContext(ctx))
			return
		}
		ctx, span := otel.StartServerSpan(ctx, s.tracer, "http "+pattern, otel.AttrRoute.String(path))
		defer span.End()
		start := time.Now()
		fn(w, r.WithContext(ctx))
		s.cfg.Metrics.RecordRequest(ctx, path, time.Since(start))
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if isUpgrade(r) {
		s.handlePush(w, r)
		return
	}
	if _, err := s.cfg.Tokens.Verify(r.URL.Query().Get("token")); err != nil {
		http.Redirect(w, r, "/login.html", http.StatusFound)
		return
	}
	data, err := fs.ReadFile(s.assets, "index.html")
	if err != nil {
		http.Error(w, "index.html not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records := s.cfg.Ingest.Snapshot()
	if records == nil {
		records = []logstream.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

type loginResponse struct {
	OK       bool   `json:"ok"`
	Msg      string `json:"msg"`
	Token    string `json:"token,omitempty"`
	LoginURL string `json:"loginUrl,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	if !s.public.Load() {
		audit.Record(audit.Event{Decision: audit.Deny, Action: "token.issue", Reason: "public_issuance_disabled", Subject: username, Remote: clientIP(r), TraceID: shared.TraceID(r.Context())})
		writeJSON(w, http.StatusForbidden, loginResponse{Msg: "公开登录已关闭，请在聊天中发送 #登录链接"})
		return
	}
	if !s.hasUser(username) {
		s.cfg.Metrics.RecordAuthFailure(r.Context(), "unknown_user")
		audit.Record(audit.Event{Decision: audit.Deny, Action: "token.issue", Reason: "unknown_user", Subject: username, Remote: clientIP(r), TraceID: shared.TraceID(r.Context())})
		writeJSON(w, http.StatusUnauthorized, loginResponse{Msg: "用户不存在"})
		return
	}
	token, err := s.Issue(r.Context(), username, "http", clientIP(r))
	if err != nil {
		s.logger.Error("issue token failed", "username", username, "error", err)
		writeJSON(w, http.StatusInternalServerError, loginResponse{Msg: "生成 token 失败"})
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		OK:       true,
		Msg:      fmt.Sprintf("请在 %d 分钟内使用 token 登录", int(s.cfg.TokenTTL/time.Minute)),
		Token:    token,
		LoginURL: LoginURL(s.cfg.BaseURL, token),
	})
}

// Issue mints or reuses a token for username and records the issuance.
// via names the channel that asked: http, chat or cli.
func (s *Server) Issue(ctx context.Context, username, via, remote string) (string, error) {
	token, _, err := s.cfg.Tokens.Issue(username)
	if err != nil {
		return "", err
	}
	s.cfg.Ingest.Ingest(logstream.LevelInfo, fmt.Sprintf("[登录生成 token] 用户:%s token:%s", username, token))
	s.cfg.Metrics.RecordIssued(ctx, via)
	audit.Record(audit.Event{Decision: audit.Allow, Action: "token.issue", Reason: via, Subject: username, Remote: remote, TraceID: shared.TraceID(ctx)})
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicAuthIssued, bus.AuthEvent{Username: username, Via: via, Remote: remote})
	}
	return token, nil
}

// LoginLink issues a token for username and returns its viewer URL.
func (s *Server) LoginLink(ctx context.Context, username, via string) (string, error) {
	if !s.hasUser(username) {
		return "", fmt.Errorf("unknown user %q", username)
	}
	token, err := s.Issue(ctx, username, via, "")
	if err != nil {
		return "", err
	}
	return LoginURL(s.cfg.BaseURL, token), nil
}

// LoginURL is the viewer address that signs in with token.
func LoginURL(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/?token=" + token
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]bool{"valid": false})
		return
	}
	username, err := s.cfg.Tokens.Verify(body.Token)
	if err != nil {
		s.reject(r, "token.verify", err)
		writeJSON(w, http.StatusUnauthorized, map[string]bool{"valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "username": username})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"records":          s.cfg.Ingest.Len(),
		"capacity":         s.cfg.Ingest.Capacity(),
		"clients":          s.ClientCount(),
		"tokens":           s.cfg.Tokens.Len(),
		"public_issuance":  s.public.Load(),
		"audit_deny_count": audit.DenyCount(),
		"activity":         s.Activity(),
	})
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	limit := defaultCommandLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = min(v, maxCommandLimit)
		}
	}
	if s.cfg.Store == nil {
		writeJSON(w, http.StatusOK, []persistence.Command{})
		return
	}
	cmds, err := s.cfg.Store.ListCommands(r.Context(), limit)
	if err != nil {
		s.logger.Error("list commands failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
		return
	}
	if cmds == nil {
		cmds = []persistence.Command{}
	}
	writeJSON(w, http.StatusOK, cmds)
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
