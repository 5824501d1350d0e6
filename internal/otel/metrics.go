package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the yunkit metric instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	RecordsIngested   metric.Int64Counter
	RecordsDuplicated metric.Int64Counter
	WSClients         metric.Int64UpDownCounter
	WSDropped         metric.Int64Counter
	RelayDuration     metric.Float64Histogram
	RelayErrors       metric.Int64Counter
	AuthFailures      metric.Int64Counter
	TokensIssued      metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("yunkit.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RecordsIngested, err = meter.Int64Counter("yunkit.log.ingested",
		metric.WithDescription("Log records accepted into the buffer"),
	)
	if err != nil {
		return nil, err
	}

	m.RecordsDuplicated, err = meter.Int64Counter("yunkit.log.duplicates",
		metric.WithDescription("Log records dropped as duplicates"),
	)
	if err != nil {
		return nil, err
	}

	m.WSClients, err = meter.Int64UpDownCounter("yunkit.ws.clients",
		metric.WithDescription("Open viewer connections"),
	)
	if err != nil {
		return nil, err
	}

	m.WSDropped, err = meter.Int64Counter("yunkit.ws.dropped",
		metric.WithDescription("Log records a slow viewer connection missed"),
	)
	if err != nil {
		return nil, err
	}

	m.RelayDuration, err = meter.Float64Histogram("yunkit.relay.duration",
		metric.WithDescription("Relayed adapter call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RelayErrors, err = meter.Int64Counter("yunkit.relay.errors",
		metric.WithDescription("Relayed adapter calls that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.AuthFailures, err = meter.Int64Counter("yunkit.auth.failures",
		metric.WithDescription("Rejected token verifications"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensIssued, err = meter.Int64Counter("yunkit.auth.issued",
		metric.WithDescription("Access tokens issued"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("yunkit.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordIngest(ctx context.Context, level string) {
	if m == nil {
		return
	}
	m.RecordsIngested.Add(ctx, 1, metric.WithAttributes(AttrLevel.String(level)))
}

func (m *Metrics) RecordDuplicate(ctx context.Context) {
	if m == nil {
		return
	}
	m.RecordsDuplicated.Add(ctx, 1)
}

// ClientConnected adjusts the open connection gauge by delta.
func (m *Metrics) ClientConnected(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.WSClients.Add(ctx, delta)
}

func (m *Metrics) RecordDropped(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.WSDropped.Add(ctx, n)
}

// RecordRelay records one adapter call and, when err is non-nil, an error.
func (m *Metrics) RecordRelay(ctx context.Context, method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrMethod.String(method))
	m.RelayDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.RelayErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordAuthFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordIssued(ctx context.Context, via string) {
	if m == nil {
		return
	}
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("via", via)))
}

func (m *Metrics) RecordRequest(ctx context.Context, route string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrRoute.String(route)))
}

func (m *Metrics) RecordRateLimited(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}
