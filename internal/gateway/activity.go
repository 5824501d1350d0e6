package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/dmmdekkd/yunkit/internal/bus"
)

// Activity is the running tally of bus events reported by /healthz.
type Activity struct {
	TokensIssued      int64     `json:"tokens_issued"`
	AuthRejected      int64     `json:"auth_rejected"`
	CommandsRelayed   int64     `json:"commands_relayed"`
	CommandsFailed    int64     `json:"commands_failed"`
	LastCommand       string    `json:"last_command,omitempty"`
	ConfigFingerprint string    `json:"config_fingerprint,omitempty"`
	ConfigReloadedAt  time.Time `json:"config_reloaded_at,omitzero"`
}

type activityLog struct {
	mu sync.Mutex
	a  Activity
}

func (l *activityLog) apply(ev bus.Event, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch p := ev.Payload.(type) {
	case bus.AuthEvent:
		switch ev.Topic {
		case bus.TopicAuthIssued:
			l.a.TokensIssued++
		case bus.TopicAuthRejected:
			l.a.AuthRejected++
		}
	case bus.RelayEvent:
		l.a.CommandsRelayed++
		if !p.OK {
			l.a.CommandsFailed++
		}
		l.a.LastCommand = p.Username + " " + p.Method
	case string:
		if ev.Topic == bus.TopicConfigReloaded {
			l.a.ConfigFingerprint = p
			l.a.ConfigReloadedAt = now.UTC()
		}
	}
}

func (l *activityLog) snapshot() Activity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.a
}

// Activity returns the event tally collected by WatchEvents.
func (s *Server) Activity() Activity {
	return s.activity.snapshot()
}

// WatchEvents tallies auth, relay and config events from the bus until ctx
// ends. It returns immediately when the gateway has no bus.
func (s *Server) WatchEvents(ctx context.Context) {
	b := s.cfg.Bus
	if b == nil {
		return
	}
	auth := b.Subscribe("auth.")
	relayed := b.Subscribe(bus.TopicRelayDispatched)
	reloads := b.Subscribe(bus.TopicConfigReloaded)
	defer b.Unsubscribe(auth)
	defer b.Unsubscribe(relayed)
	defer b.Unsubscribe(reloads)

	for {
		var ev bus.Event
		select {
		case <-ctx.Done():
			return
		case ev = <-auth.Ch():
		case ev = <-relayed.Ch():
		case ev = <-reloads.Ch():
		}
		s.activity.apply(ev, time.Now())
	}
}
