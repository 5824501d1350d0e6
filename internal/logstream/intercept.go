package logstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Logger is the seven-severity logging capability the host hands to
// plugins. Fatal records a severity; it does not exit.
type Logger interface {
	Trace(args ...any)
	Debug(args ...any)
	Info(args ...any)
	Warn(args ...any)
	Error(args ...any)
	Fatal(args ...any)
	Mark(args ...any)
}

// Console is the five-method console capability.
type Console interface {
	Log(args ...any)
	Info(args ...any)
	Warn(args ...any)
	Error(args ...any)
	Debug(args ...any)
}

type tappedLogger struct {
	next Logger
	svc  *Service
}

// TapLogger returns a Logger that ingests every call into svc and then
// forwards it to next.
func TapLogger(next Logger, svc *Service) Logger {
	return &tappedLogger{next: next, svc: svc}
}

func (t *tappedLogger) Trace(args ...any) { t.svc.Ingest(LevelTrace, args...); t.next.Trace(args...) }
func (t *tappedLogger) Debug(args ...any) { t.svc.Ingest(LevelDebug, args...); t.next.Debug(args...) }
func (t *tappedLogger) Info(args ...any)  { t.svc.Ingest(LevelInfo, args...); t.next.Info(args...) }
func (t *tappedLogger) Warn(args ...any)  { t.svc.Ingest(LevelWarn, args...); t.next.Warn(args...) }
func (t *tappedLogger) Error(args ...any) { t.svc.Ingest(LevelError, args...); t.next.Error(args...) }
func (t *tappedLogger) Fatal(args ...any) { t.svc.Ingest(LevelFatal, args...); t.next.Fatal(args...) }
func (t *tappedLogger) Mark(args ...any)  { t.svc.Ingest(LevelMark, args...); t.next.Mark(args...) }

type tappedConsole struct {
	next Console
	svc  *Service
}

// TapConsole returns a Console that ingests every call into svc and then
// forwards it to next. Log maps to info.
func TapConsole(next Console, svc *Service) Console {
	return &tappedConsole{next: next, svc: svc}
}

func (t *tappedConsole) Log(args ...any)   { t.svc.Ingest(LevelInfo, args...); t.next.Log(args...) }
func (t *tappedConsole) Info(args ...any)  { t.svc.Ingest(LevelInfo, args...); t.next.Info(args...) }
func (t *tappedConsole) Warn(args ...any)  { t.svc.Ingest(LevelWarn, args...); t.next.Warn(args...) }
func (t *tappedConsole) Error(args ...any) { t.svc.Ingest(LevelError, args...); t.next.Error(args...) }
func (t *tappedConsole) Debug(args ...any) { t.svc.Ingest(LevelDebug, args...); t.next.Debug(args...) }

// SlogLogger adapts an *slog.Logger to Logger.
type SlogLogger struct {
	L *slog.Logger
}

func (s SlogLogger) log(level Level, args []any) {
	s.L.Log(context.Background(), level.Slog(), joinParts(args))
}

func (s SlogLogger) Trace(args ...any) { s.log(LevelTrace, args) }
func (s SlogLogger) Debug(args ...any) { s.log(LevelDebug, args) }
func (s SlogLogger) Info(args ...any)  { s.log(LevelInfo, args) }
func (s SlogLogger) Warn(args ...any)  { s.log(LevelWarn, args) }
func (s SlogLogger) Error(args ...any) { s.log(LevelError, args) }
func (s SlogLogger) Fatal(args ...any) { s.log(LevelFatal, args) }
func (s SlogLogger) Mark(args ...any)  { s.log(LevelMark, args) }

// StdConsole writes console calls to Out, or Err for warnings and errors.
type StdConsole struct {
	Out io.Writer
	Err io.Writer
}

// NewStdConsole returns a console on the process's stdout and stderr.
func NewStdConsole() StdConsole {
	return StdConsole{Out: os.Stdout, Err: os.Stderr}
}

func (c StdConsole) Log(args ...any)   { fmt.Fprintln(c.Out, joinParts(args)) }
func (c StdConsole) Info(args ...any)  { fmt.Fprintln(c.Out, joinParts(args)) }
func (c StdConsole) Debug(args ...any) { fmt.Fprintln(c.Out, joinParts(args)) }
func (c StdConsole) Warn(args ...any)  { fmt.Fprintln(c.Err, joinParts(args)) }
func (c StdConsole) Error(args ...any) { fmt.Fprintln(c.Err, joinParts(args)) }

// Handler is an slog.Handler decorator that ingests each record before
// passing it on. Records below the wrapped handler's level are still
// ingested when they reach min.
type Handler struct {
	next   slog.Handler
	svc    *Service
	min    slog.Level
	prefix string
	attrs  []string
}

// NewHandler wraps next. Every level from trace upward is ingested.
func NewHandler(next slog.Handler, svc *Service) *Handler {
	return &Handler{next: next, svc: svc, min: SlogTrace}
}

func (h *Handler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.min || h.next.Enabled(ctx, l)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.min {
		var b strings.Builder
		b.WriteString(r.Message)
		for _, a := range h.attrs {
			b.WriteByte(' ')
			b.WriteString(a)
		}
		r.Attrs(func(a slog.Attr) bool {
			writeAttr(&b, h.prefix, a)
			return true
		})
		h.svc.Ingest(FromSlog(r.Level), b.String())
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		var b strings.Builder
		writeAttr(&b, h.prefix, a)
		if s := strings.TrimPrefix(b.String(), " "); s != "" {
			clone.attrs = append(clone.attrs, s)
		}
	}
	clone.next = h.next.WithAttrs(attrs)
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	clone.next = h.next.WithGroup(name)
	return &clone
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			writeAttr(b, p, ga)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(a.Value.String())
}

// Writer is an io.Writer tee: each complete line written is ingested at a
// fixed level and the bytes are forwarded to the wrapped writer.
type Writer struct {
	svc   *Service
	level Level
	next  io.Writer

	mu      sync.Mutex
	pending []byte
}

// NewWriter returns a tee in front of next. A nil next discards.
func NewWriter(svc *Service, level Level, next io.Writer) *Writer {
	if next == nil {
		next = io.Discard
	}
	return &Writer{svc: svc, level: level, next: next}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.pending[:i]), "\r")
		w.pending = w.pending[i+1:]
		if strings.TrimSpace(line) != "" {
			w.svc.Ingest(w.level, line)
		}
	}
	w.mu.Unlock()
	return w.next.Write(p)
}

// Interceptor installs the slog decorator as the process default. While
// installed, the std log package is routed through it as well.
type Interceptor struct {
	svc  *Service
	base slog.Handler

	mu        sync.Mutex
	installed bool
	prev      *slog.Logger
	prevOut   io.Writer
	prevFlags int
}

// NewInterceptor returns an interceptor forwarding to base. base must not
// write through the std log package.
func NewInterceptor(svc *Service, base slog.Handler) *Interceptor {
	if base == nil {
		base = slog.NewTextHandler(os.Stderr, nil)
	}
	return &Interceptor{svc: svc, base: base}
}

// Install replaces slog.Default. Calling it twice is a no-op.
func (i *Interceptor) Install() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.installed {
		return
	}
	i.prev = slog.Default()
	i.prevOut = log.Writer()
	i.prevFlags = log.Flags()
	slog.SetDefault(slog.New(NewHandler(i.base, i.svc)))
	i.installed = true
}

// Uninstall restores the slog default and the std log output captured by
// Install.
func (i *Interceptor) Uninstall() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.installed {
		return
	}
	slog.SetDefault(i.prev)
	log.SetOutput(i.prevOut)
	log.SetFlags(i.prevFlags)
	i.installed = false
}

// Logger returns a seven-severity Logger that ingests once and writes to
// the base handler.
func (i *Interceptor) Logger() Logger {
	return TapLogger(SlogLogger{L: slog.New(i.base)}, i.svc)
}

// Console returns a tapped console on stdout and stderr.
func (i *Interceptor) Console() Console {
	return TapConsole(NewStdConsole(), i.svc)
}
