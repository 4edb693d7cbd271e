package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the daemon's OTel instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	JobDuration      metric.Float64Histogram
	SweepDuration    metric.Float64Histogram
	SyncDuration     metric.Float64Histogram
	TokensIssued     metric.Int64Counter
	Recoveries       metric.Int64Counter
	Spawns           metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("lobwife.request.duration",
		metric.WithDescription("API request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram("lobwife.job.duration",
		metric.WithDescription("Scheduled job run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("lobwife.monitor.sweep.duration",
		metric.WithDescription("Lifecycle sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncDuration, err = meter.Float64Histogram("lobwife.vault.sync.duration",
		metric.WithDescription("Vault sync cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensIssued, err = meter.Int64Counter("lobwife.broker.tokens",
		metric.WithDescription("Installation tokens minted"),
	)
	if err != nil {
		return nil, err
	}

	m.Recoveries, err = meter.Int64Counter("lobwife.monitor.recoveries",
		metric.WithDescription("Orphan and timeout actions taken, by action"),
	)
	if err != nil {
		return nil, err
	}

	m.Spawns, err = meter.Int64Counter("lobwife.dispatcher.spawns",
		metric.WithDescription("Workers spawned for queued tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("lobwife.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordJob(ctx context.Context, name, status string, seconds float64) {
	if m == nil {
		return
	}
	m.JobDuration.Record(ctx, seconds, metric.WithAttributes(AttrJobName.String(name), AttrJobStatus.String(status)))
}

func (m *Metrics) RecordSweep(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.SweepDuration.Record(ctx, seconds)
}

func (m *Metrics) RecordSync(ctx context.Context, seconds float64, files int) {
	if m == nil {
		return
	}
	m.SyncDuration.Record(ctx, seconds, metric.WithAttributes(AttrSyncFiles.Int(files)))
}

func (m *Metrics) RecordRequest(ctx context.Context, route string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, seconds, metric.WithAttributes(AttrHTTPRoute.String(route)))
}

func (m *Metrics) AddTokenIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokensIssued.Add(ctx, 1)
}

// AddRecovery counts one monitor action (requeued, failed, fallback_pr, ...).
func (m *Metrics) AddRecovery(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.Recoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func (m *Metrics) AddSpawn(ctx context.Context) {
	if m == nil {
		return
	}
	m.Spawns.Add(ctx, 1)
}

func (m *Metrics) AddRateLimitReject(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}
