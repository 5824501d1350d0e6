package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/dmmdekkd/yunkit/internal/logstream"
)

// ErrAdapterUnavailable is returned by Holder.Get before an adapter is set.
var ErrAdapterUnavailable = errors.New("bot adapter not initialized")

// Segment is one part of a structured message.
type Segment struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextMessage returns a single text segment.
func TextMessage(text string) []Segment {
	return []Segment{{Type: "text", Text: text}}
}

// Adapter is the bot capability the relay drives.
type Adapter interface {
	Message(ctx context.Context, content string) error
	SendMsg(ctx context.Context, segments []Segment) error
	SendFile(ctx context.Context, data []byte, name string) error
	RecallMsg(ctx context.Context, messageID string) error
	PickFriend(ctx context.Context) error
}

type adapterBox struct{ a Adapter }

// Holder is the late-bound slot for the bot adapter. The zero value holds
// nothing; the adapter may come and go while the gateway runs.
type Holder struct {
	v atomic.Pointer[adapterBox]
}

// Set installs a. A nil a clears the slot.
func (h *Holder) Set(a Adapter) {
	if a == nil {
		h.v.Store(nil)
		return
	}
	h.v.Store(&adapterBox{a: a})
}

func (h *Holder) Get() (Adapter, error) {
	if h == nil {
		return nil, ErrAdapterUnavailable
	}
	b := h.v.Load()
	if b == nil {
		return nil, ErrAdapterUnavailable
	}
	return b.a, nil
}

type tapped struct {
	next Adapter
	log  logstream.Logger
	name string
}

// marshalPlain is json.Marshal without HTML escaping, for log text.
func marshalPlain(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Tap wraps next so every call first logs a mark record
// "[name] method [args...]".
func Tap(next Adapter, log logstream.Logger, name string) Adapter {
	return &tapped{next: next, log: log, name: name}
}

func (t *tapped) mark(method string, args ...any) {
	t.log.Mark(fmt.Sprintf("[%s] %s %s", t.name, method, marshalPlain(args)))
}

func (t *tapped) Message(ctx context.Context, content string) error {
	t.mark("message", content)
	return t.next.Message(ctx, content)
}

func (t *tapped) SendMsg(ctx context.Context, segments []Segment) error {
	t.mark("sendMsg", segments)
	return t.next.SendMsg(ctx, segments)
}

func (t *tapped) SendFile(ctx context.Context, data []byte, name string) error {
	t.mark("sendFile", fmt.Sprintf("<%d bytes>", len(data)), name)
	return t.next.SendFile(ctx, data, name)
}

func (t *tapped) RecallMsg(ctx context.Context, messageID string) error {
	t.mark("recallMsg", messageID)
	return t.next.RecallMsg(ctx, messageID)
}

func (t *tapped) PickFriend(ctx context.Context) error {
	t.mark("pickFriend")
	return t.next.PickFriend(ctx)
}
