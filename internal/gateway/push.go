package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dmmdekkd/yunkit/internal/audit"
	"github.com/dmmdekkd/yunkit/internal/bus"
	"github.com/dmmdekkd/yunkit/internal/logstream"
	"github.com/dmmdekkd/yunkit/internal/otel"
	"github.com/dmmdekkd/yunkit/internal/shared"
)

const (
	// Frame types sent to viewers.
	FrameLogger    = "logger"
	FrameAuthError = "auth_error"

	writeTimeout = 10 * time.Second
	// maxFrameBytes bounds inbound frames; sendFile carries base64 payloads.
	maxFrameBytes = 16 << 20
)

// logFrame is a record on the wire: {type:"logger", id, level, ...}.
type logFrame struct {
	Type string `json:"type"`
	logstream.Record
}

type textFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type client struct {
	id       string
	username string
	conn     *websocket.Conn
	mu       sync.Mutex

	// sent and resyncs are owned by the pump goroutine.
	sent    map[string]struct{}
	resyncs int
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, payload)
}

// send writes rec unless this connection already received its id.
func (c *client) send(ctx context.Context, rec logstream.Record) error {
	if _, ok := c.sent[rec.ID]; ok {
		return nil
	}
	c.sent[rec.ID] = struct{}{}
	return c.write(ctx, logFrame{Type: FrameLogger, Record: rec})
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

// ClientCount returns the number of registered push connections.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// handlePush runs one push connection: handshake, backlog, live records
// and inbound command frames.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("ws: accept failed", "error", err)
		return
	}

	username, err := s.cfg.Tokens.Verify(r.URL.Query().Get("token"))
	if err != nil {
		s.reject(r, "ws.connect", err)
		ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
		_ = wsjson.Write(ctx, conn, textFrame{Type: FrameAuthError, Content: authErrorText})
		cancel()
		_ = conn.Close(websocket.StatusPolicyViolation, "auth_error")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	c := &client{
		id:       "ws-" + strconv.FormatInt(s.nextID.Add(1), 10),
		username: username,
		conn:     conn,
		sent:     make(map[string]struct{}),
	}
	ctx, cancel := context.WithCancel(shared.WithUsername(r.Context(), username))
	defer cancel()

	// Subscribe before the snapshot so nothing falls between backlog and live.
	sub := s.cfg.Ingest.Subscribe(s.cfg.SendBuffer)
	s.addClient(c)
	s.cfg.Metrics.ClientConnected(ctx, 1)
	audit.Record(audit.Event{Decision: audit.Allow, Action: "ws.connect", Subject: username, Remote: clientIP(r), TraceID: shared.TraceID(ctx)})
	s.logger.Info("ws: client connected", "client", c.id, "username", username)
	s.cfg.Ingest.Ingest(logstream.LevelInfo, "[WS 已连接] 用户:"+username)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		if err := s.pump(ctx, c, sub); err != nil && ctx.Err() == nil {
			s.logger.Debug("ws: write failed", "client", c.id, "error", err)
			_ = conn.Close(websocket.StatusInternalError, "write failed")
		}
	}()

	readErr := s.readLoop(ctx, c)

	cancel()
	s.cfg.Ingest.Unsubscribe(sub)
	<-pumpDone
	s.removeClient(c)
	s.cfg.Metrics.ClientConnected(context.WithoutCancel(ctx), -1)
	if sub != nil && sub.Dropped() > 0 {
		s.cfg.Metrics.RecordDropped(context.WithoutCancel(ctx), sub.Dropped())
		s.logger.Warn("ws: slow client caught up from buffer", "client", c.id, "dropped", sub.Dropped(), "resyncs", c.resyncs)
	}

	if !closedNormally(readErr) {
		s.logger.Warn("ws: connection error", "client", c.id, "error", readErr)
		s.cfg.Ingest.Ingest(logstream.LevelWarn, "[WS 错误] 用户:"+username)
	}
	s.logger.Info("ws: client disconnected", "client", c.id)
	s.cfg.Ingest.Ingest(logstream.LevelInfo, "[WS 已关闭] 用户:"+username)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// resync sends every buffered record this connection has not received.
func (s *Server) resync(ctx context.Context, c *client) error {
	for _, rec := range s.cfg.Ingest.Snapshot() {
		if err := c.send(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// pump sends the backlog then live records until ctx ends or the
// subscription closes. When the live queue overflows it catches up from the
// buffer, so only records already evicted from the buffer can be missed.
func (s *Server) pump(ctx context.Context, c *client, sub *bus.Subscription) error {
	if err := s.resync(ctx, c); err != nil {
		return err
	}
	if sub == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Lost():
			c.resyncs++
			if err := s.resync(ctx, c); err != nil {
				return err
			}
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			rec, ok := ev.Payload.(logstream.Record)
			if !ok {
				continue
			}
			if err := c.send(ctx, rec); err != nil {
				return err
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, c *client) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		if s.cfg.Relay == nil {
			s.logger.Debug("ws: no relay configured, frame ignored", "client", c.id)
			continue
		}
		f, err := s.cfg.Relay.Decode(data)
		if err != nil {
			s.logger.Debug("ws: dropping malformed frame", "client", c.id, "error", err)
			continue
		}
		if !f.IsCommand() {
			s.logger.Debug("ws: ignoring frame", "client", c.id, "action", f.Action)
			continue
		}
		fctx := shared.WithTraceID(ctx, shared.NewTraceID())
		fctx, span := otel.StartSpan(fctx, s.tracer, "ws.frame",
			otel.AttrClientID.String(c.id),
			otel.AttrUsername.String(c.username),
		)
		reply, ok := s.cfg.Relay.Dispatch(fctx, c.username, f)
		span.End()
		if !ok {
			continue
		}
		if err := c.write(ctx, reply); err != nil {
			return err
		}
	}
}

func closedNormally(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return false
}
