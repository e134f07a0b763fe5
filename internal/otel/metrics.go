package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all cue metrics instruments.
type Metrics struct {
	TickDuration     metric.Float64Histogram
	QueueSent        metric.Int64Counter
	QueueRescheduled metric.Int64Counter
	QueueFailed      metric.Int64Counter
	SweepCancelled   metric.Int64Counter
	LeaseDenied      metric.Int64Counter
	RendezvousWait   metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TickDuration, err = meter.Float64Histogram("gocue.queue.tick.duration",
		metric.WithDescription("Queue tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueSent, err = meter.Int64Counter("gocue.queue.sent",
		metric.WithDescription("Queue items delivered and removed"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueRescheduled, err = meter.Int64Counter("gocue.queue.rescheduled",
		metric.WithDescription("Queue items released without a deliverable target"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueFailed, err = meter.Int64Counter("gocue.queue.failed",
		metric.WithDescription("Queue delivery attempts that errored"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepCancelled, err = meter.Int64Counter("gocue.sweep.cancelled",
		metric.WithDescription("Stale pending requests auto-cancelled by the sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseDenied, err = meter.Int64Counter("gocue.lease.denied",
		metric.WithDescription("Worker lease acquisitions lost to another holder"),
	)
	if err != nil {
		return nil, err
	}

	m.RendezvousWait, err = meter.Float64Histogram("gocue.rendezvous.wait",
		metric.WithDescription("Time an agent spent blocked waiting for a reply"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
