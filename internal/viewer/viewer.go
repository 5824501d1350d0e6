// Package viewer is the Go client for the push channel: it fetches the
// history backlog, streams live records, keeps a bounded deduplicated tail
// and sends relay commands. The terminal UI renders from it.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dmmdekkd/yunkit/internal/logstream"
	"github.com/dmmdekkd/yunkit/internal/relay"
)

const (
	DefaultMaxLines       = 100
	DefaultReconnectDelay = 3 * time.Second

	writeTimeout  = 10 * time.Second
	maxFrameBytes = 16 << 20
)

var (
	// ErrUnauthenticated means the server rejected the token. The client
	// has cleared it and will not reconnect.
	ErrUnauthenticated = errors.New("viewer: token rejected")
	ErrNotConnected    = errors.New("viewer: not connected")
)

// State is the connection state of a Client.
type State int32

const (
	Unauthenticated State = iota
	Authenticating
	Streaming
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

type Options struct {
	// BaseURL is the gateway root, e.g. http://127.0.0.1:8080.
	BaseURL        string
	Token          string
	MaxLines       int
	ReconnectDelay time.Duration
	MinLevel       logstream.Level
	HTTPClient     *http.Client
	Logger         *slog.Logger
	Now            func() time.Time
}

// Client holds one viewer session. It is safe for concurrent use.
type Client struct {
	base   *url.URL
	opts   Options
	http   *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	token    string
	minLevel logstream.Level
	records  []logstream.Record
	seen     map[string]struct{}
	localSeq int

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	updates chan struct{}
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("viewer: base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("viewer: base url %q: scheme must be http or https", opts.BaseURL)
	}
	if opts.MaxLines <= 0 {
		opts.MaxLines = DefaultMaxLines
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MinLevel == "" {
		opts.MinLevel = logstream.LevelTrace
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		base:     base,
		opts:     opts,
		http:     opts.HTTPClient,
		logger:   opts.Logger,
		token:    opts.Token,
		minLevel: opts.MinLevel,
		seen:     make(map[string]struct{}),
		updates:  make(chan struct{}, 1),
	}, nil
}

// Updates signals after any change to the state or the retained records.
// Signals coalesce; readers should re-read Records and State.
func (c *Client) Updates() <-chan struct{} {
	return c.updates
}

func (c *Client) changed() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.changed()
}

// Token returns the current token, empty once the server rejected it.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) unauthenticated() error {
	c.mu.Lock()
	c.token = ""
	c.state = Unauthenticated
	c.mu.Unlock()
	c.changed()
	return ErrUnauthenticated
}

// Run loads the history and streams until ctx ends or the token is
// rejected. Dropped connections are retried after ReconnectDelay.
func (c *Client) Run(ctx context.Context) error {
	if c.Token() == "" {
		return c.unauthenticated()
	}
	c.setState(Authenticating)
	if err := c.loadHistory(ctx); err != nil {
		if errors.Is(err, ErrUnauthenticated) || ctx.Err() != nil {
			return err
		}
		c.note(logstream.LevelError, "[系统] 获取历史日志失败: "+err.Error())
	}

	for {
		err := c.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrUnauthenticated) {
			return err
		}
		c.logger.Debug("viewer: stream ended", "error", err)
		c.note(logstream.LevelWarn, fmt.Sprintf("[系统] WebSocket 已断开，%d秒后重连...", int(c.opts.ReconnectDelay/time.Second)))
		c.setState(Reconnecting)

		timer := time.NewTimer(c.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) loadHistory(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.JoinPath("history").String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token())
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return c.unauthenticated()
	default:
		return fmt.Errorf("history: %s", resp.Status)
	}

	var history []logstream.Record
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if len(history) > c.opts.MaxLines {
		history = history[len(history)-c.opts.MaxLines:]
	}
	for _, rec := range history {
		c.Add(rec)
	}
	return nil
}

func (c *Client) pushURL() string {
	u := *c.base.JoinPath("ws")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"token": {c.Token()}}.Encode()
	return u.String()
}

// inbound is any server frame. Result and error frames carry their text
// in the promoted Content field.
type inbound struct {
	Type string `json:"type"`
	logstream.Record
}

func (c *Client) stream(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.pushURL(), &websocket.DialOptions{HTTPClient: c.http})
	if err != nil {
		return err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameBytes)

	c.setConn(conn)
	defer c.setConn(nil)
	c.setState(Streaming)
	c.note(logstream.LevelMark, "[系统] WebSocket 已连接")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var f inbound
		if err := json.Unmarshal(data, &f); err != nil {
			c.note(logstream.LevelDebug, "[系统] 收到非 JSON 消息")
			continue
		}
		switch f.Type {
		case "auth_error":
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return c.unauthenticated()
		case "logger":
			c.Add(f.Record)
		case relay.ReplyResult:
			c.note(logstream.LevelMark, "[调用结果] "+f.Content)
		case relay.ReplyError:
			c.note(logstream.LevelError, "[调用失败] "+f.Content)
		default:
			c.note(logstream.LevelDebug, "[未知消息] "+string(data))
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conn = conn
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

// Add retains rec unless its id is already held. Records with no visible
// text are dropped; records without an id get a local one.
func (c *Client) Add(rec logstream.Record) bool {
	text := rec.Text()
	if strings.TrimSpace(ansi.Strip(text)) == "" {
		return false
	}

	c.mu.Lock()
	if rec.ID == "" {
		c.localSeq++
		rec.ID = "local-" + strconv.Itoa(c.localSeq)
	}
	if _, ok := c.seen[rec.ID]; ok {
		c.mu.Unlock()
		return false
	}
	if lvl, ok := logstream.ParseLevel(string(rec.Level)); ok {
		rec.Level = lvl
	} else {
		rec.Level = logstream.LevelInfo
	}
	if rec.Timestamp == "" {
		rec.Timestamp = c.opts.Now().Format(logstream.TimestampLayout)
	}
	c.seen[rec.ID] = struct{}{}
	c.records = append(c.records, rec)
	if over := len(c.records) - c.opts.MaxLines; over > 0 {
		for _, old := range c.records[:over] {
			delete(c.seen, old.ID)
		}
		c.records = append(c.records[:0:0], c.records[over:]...)
	}
	c.mu.Unlock()
	c.changed()
	return true
}

func (c *Client) note(level logstream.Level, content string) {
	c.Add(logstream.Record{Level: level, Content: content})
}

// Records returns the retained records at or above the severity floor.
func (c *Client) Records() []logstream.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	floor := c.minLevel.Rank()
	out := make([]logstream.Record, 0, len(c.records))
	for _, rec := range c.records {
		if rec.Level.Rank() >= floor {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of retained records regardless of the filter.
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *Client) MinLevel() logstream.Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minLevel
}

// SetMinLevel changes the severity floor. Records already retained are
// re-filtered; nothing is fetched again.
func (c *Client) SetMinLevel(l logstream.Level) {
	if l.Rank() < 0 {
		return
	}
	c.mu.Lock()
	c.minLevel = l
	c.mu.Unlock()
	c.changed()
}

// Send composes a command frame from method and input and writes it to
// the open connection, then echoes it locally as a mark record.
func (c *Client) Send(ctx context.Context, method, input string) error {
	f, echo, err := Compose(method, input)
	if err != nil {
		c.note(logstream.LevelWarn, "[系统] "+err.Error())
		return err
	}
	conn := c.currentConn()
	if conn == nil {
		c.note(logstream.LevelWarn, "[系统] WebSocket 未连接")
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, f); err != nil {
		return fmt.Errorf("viewer: send %s: %w", f.Method, err)
	}
	c.note(logstream.LevelMark, echo)
	return nil
}
