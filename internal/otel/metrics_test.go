package otel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.RecordsIngested == nil {
		t.Error("RecordsIngested is nil")
	}
	if m.RecordsDuplicated == nil {
		t.Error("RecordsDuplicated is nil")
	}
	if m.WSClients == nil {
		t.Error("WSClients is nil")
	}
	if m.WSDropped == nil {
		t.Error("WSDropped is nil")
	}
	if m.RelayDuration == nil {
		t.Error("RelayDuration is nil")
	}
	if m.RelayErrors == nil {
		t.Error("RelayErrors is nil")
	}
	if m.AuthFailures == nil {
		t.Error("AuthFailures is nil")
	}
	if m.TokensIssued == nil {
		t.Error("TokensIssued is nil")
	}
	if m.RateLimitRejects == nil {
		t.Error("RateLimitRejects is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	ctx := context.Background()
	m.RecordIngest(ctx, "info")
	m.RecordRelay(ctx, "sendMsg", time.Millisecond, errors.New("boom"))
	m.ClientConnected(ctx, 1)
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordIngest(ctx, "info")
	m.RecordDuplicate(ctx)
	m.ClientConnected(ctx, -1)
	m.RecordDropped(ctx, 3)
	m.RecordRelay(ctx, "recallMsg", time.Second, nil)
	m.RecordAuthFailure(ctx, "expired")
	m.RecordIssued(ctx, "http")
	m.RecordRequest(ctx, "/history", time.Millisecond)
	m.RecordRateLimited(ctx)
}
