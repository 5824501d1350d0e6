// Package relay turns authenticated push-channel command frames into bot
// adapter calls.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/dmmdekkd/yunkit/internal/bus"
	"github.com/dmmdekkd/yunkit/internal/logstream"
	"github.com/dmmdekkd/yunkit/internal/otel"
	"github.com/dmmdekkd/yunkit/internal/persistence"
	"github.com/dmmdekkd/yunkit/internal/shared"
)

// Reply frame types.
const (
	ReplyError  = "error"
	ReplyResult = "result"
)

// Reply is a server-to-client frame produced by a dispatch.
type Reply struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type Config struct {
	Adapters *Holder
	// Log receives the mark, warn and error records of each dispatch.
	Log logstream.Logger
	// Store records each dispatch when set.
	Store   *persistence.Store
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	// Timeout bounds awaited adapter calls. Zero waits until the adapter
	// returns or the connection context ends.
	Timeout time.Duration
	Logger  *slog.Logger
}

type Relay struct {
	adapters *Holder
	log      logstream.Logger
	store    *persistence.Store
	bus      *bus.Bus
	metrics  *otel.Metrics
	tracer   trace.Tracer
	timeout  time.Duration
	logger   *slog.Logger
	dec      *decoder
}

func New(cfg Config) (*Relay, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("relay: plugin logger is required")
	}
	if cfg.Adapters == nil {
		cfg.Adapters = &Holder{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	dec, err := newDecoder()
	if err != nil {
		return nil, err
	}
	return &Relay{
		adapters: cfg.Adapters,
		log:      cfg.Log,
		store:    cfg.Store,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		dec:      dec,
	}, nil
}

// Decode parses and validates an inbound frame. Errors wrap ErrMalformed.
func (r *Relay) Decode(data []byte) (Frame, error) {
	return r.dec.decode(data)
}

// Dispatch runs f for username. It never panics and never returns an
// error; the returned reply, when ok, should be sent to the originating
// connection.
func (r *Relay) Dispatch(ctx context.Context, username string, f Frame) (Reply, bool) {
	adapter, err := r.adapters.Get()
	if err != nil {
		r.unavailable(f.Method)
		return Reply{}, false
	}

	ctx, span := otel.StartServerSpan(ctx, r.tracer, "relay."+methodName(f.Method),
		otel.AttrUsername.String(username),
		otel.AttrMethod.String(f.Method),
	)
	defer span.End()

	start := time.Now()
	err = r.call(ctx, adapter, f)
	elapsed := time.Since(start)
	if errors.Is(err, ErrAdapterUnavailable) {
		// The adapter is registered but not connected; nothing was sent.
		r.unavailable(f.Method)
		return Reply{}, false
	}

	r.metrics.RecordRelay(ctx, methodName(f.Method), elapsed, err)
	r.record(ctx, username, f, elapsed, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Error("执行失败: " + err.Error())
		return Reply{Type: ReplyError, Content: err.Error()}, true
	}
	r.log.Mark(fmt.Sprintf("[%s 执行命令] %s %s", username, f.Method, f.Summary()))
	return Reply{Type: ReplyResult, Content: methodName(f.Method) + " ok"}, true
}

func (r *Relay) call(ctx context.Context, a Adapter, f Frame) error {
	switch f.Method {
	case MethodRecallMsg:
		id := string(f.MessageID)
		if id == "" {
			id = f.Content.Plain()
		}
		r.detach(ctx, f.Method, func(ctx context.Context) error { return a.RecallMsg(ctx, id) })
		return nil
	case MethodPickFriend:
		r.detach(ctx, f.Method, a.PickFriend)
		return nil
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	switch f.Method {
	case MethodMessage:
		return a.Message(ctx, f.Content.Plain())
	case MethodSendMsg:
		return a.SendMsg(ctx, f.Content.AsSegments())
	case MethodSendFile:
		data, err := DecodeFile(f.File)
		if err != nil {
			return err
		}
		return a.SendFile(ctx, data, f.Name)
	default:
		return a.Message(ctx, f.Content.Plain())
	}
}

// detach runs a fire-and-forget adapter call. Its failure is logged but
// never reported to the caller.
func (r *Relay) detach(ctx context.Context, method string, fn func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		err := fn(ctx)
		switch {
		case errors.Is(err, ErrAdapterUnavailable):
			r.unavailable(method)
		case err != nil:
			r.log.Error("执行失败: " + method + ": " + err.Error())
		}
	}()
}

func (r *Relay) unavailable(method string) {
	r.log.Warn("[relay] 适配器未初始化，无法发送命令", method)
}

func (r *Relay) record(ctx context.Context, username string, f Frame, elapsed time.Duration, callErr error) {
	ev := bus.RelayEvent{
		Username: username,
		Method:   f.Method,
		OK:       callErr == nil,
		Duration: elapsed,
	}
	if callErr != nil {
		ev.Error = callErr.Error()
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicRelayDispatched, ev)
	}
	if r.store == nil {
		return
	}
	if _, err := r.store.RecordCommand(context.WithoutCancel(ctx), persistence.Command{
		TraceID:    shared.TraceID(ctx),
		Username:   username,
		Method:     f.Method,
		Frame:      f.Summary(),
		OK:         ev.OK,
		Error:      ev.Error,
		DurationMS: elapsed.Milliseconds(),
	}); err != nil {
		r.logger.Warn("record command failed", "error", err)
	}
}

func methodName(m string) string {
	switch m {
	case MethodMessage, MethodSendMsg, MethodSendFile, MethodRecallMsg, MethodPickFriend:
		return m
	default:
		return MethodMessage
	}
}
