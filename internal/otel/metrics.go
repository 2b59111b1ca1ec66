package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all pipeline metric instruments.
type Metrics struct {
	IngestedMessages  metric.Int64Counter
	IngestRejects     metric.Int64Counter
	OutboxDepth       metric.Int64UpDownCounter
	AnalysisDuration  metric.Float64Histogram
	VerdictsTotal     metric.Int64Counter
	DangerEscalations metric.Int64Counter
	AlertsSent        metric.Int64Counter
	AlertFailures     metric.Int64Counter
	UsersBlocked      metric.Int64Counter
	RetentionPurged   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.IngestedMessages, err = meter.Int64Counter("msgguard.ingest.messages",
		metric.WithDescription("Messages accepted from the feeds"),
	)
	if err != nil {
		return nil, err
	}

	m.IngestRejects, err = meter.Int64Counter("msgguard.ingest.rejects",
		metric.WithDescription("Feed events rejected by validation"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxDepth, err = meter.Int64UpDownCounter("msgguard.outbox.depth",
		metric.WithDescription("Events parked for disabled sources"),
	)
	if err != nil {
		return nil, err
	}

	m.AnalysisDuration, err = meter.Float64Histogram("msgguard.analysis.duration",
		metric.WithDescription("Per-field analysis duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.VerdictsTotal, err = meter.Int64Counter("msgguard.analysis.verdicts",
		metric.WithDescription("Committed analyzer verdicts"),
	)
	if err != nil {
		return nil, err
	}

	m.DangerEscalations, err = meter.Int64Counter("msgguard.danger.escalations",
		metric.WithDescription("Messages whose danger level rose"),
	)
	if err != nil {
		return nil, err
	}

	m.AlertsSent, err = meter.Int64Counter("msgguard.alerts.sent",
		metric.WithDescription("Alerts delivered across all tracks"),
	)
	if err != nil {
		return nil, err
	}

	m.AlertFailures, err = meter.Int64Counter("msgguard.alerts.failures",
		metric.WithDescription("Alert deliveries that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.UsersBlocked, err = meter.Int64Counter("msgguard.users.blocked",
		metric.WithDescription("Senders blocked automatically or manually"),
	)
	if err != nil {
		return nil, err
	}

	m.RetentionPurged, err = meter.Int64Counter("msgguard.retention.purged",
		metric.WithDescription("Rows removed by retention sweeps"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
