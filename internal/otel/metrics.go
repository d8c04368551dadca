package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all boardsync metric instruments. A nil *Metrics is valid and
// records nothing, so components can take one optionally.
type Metrics struct {
	Merges           metric.Int64Counter
	StreamReconnects metric.Int64Counter
	StreamDuplicates metric.Int64Counter
	StreamMalformed  metric.Int64Counter
	PollFailures     metric.Int64Counter
	PollRemoved      metric.Int64Counter
	Commits          metric.Int64Counter
	Rollbacks        metric.Int64Counter
	MutationDuration metric.Float64Histogram
	ConnTransitions  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Merges, err = meter.Int64Counter("boardsync.store.merges",
		metric.WithDescription("Store merge attempts by kind and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamReconnects, err = meter.Int64Counter("boardsync.stream.reconnects",
		metric.WithDescription("Push stream reconnect attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamDuplicates, err = meter.Int64Counter("boardsync.stream.duplicates",
		metric.WithDescription("Push messages dropped as duplicates"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamMalformed, err = meter.Int64Counter("boardsync.stream.malformed",
		metric.WithDescription("Push messages dropped as malformed"),
	)
	if err != nil {
		return nil, err
	}

	m.PollFailures, err = meter.Int64Counter("boardsync.poll.failures",
		metric.WithDescription("Failed poll ticks by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.PollRemoved, err = meter.Int64Counter("boardsync.poll.removed",
		metric.WithDescription("Entities removed because a full poll no longer listed them"),
	)
	if err != nil {
		return nil, err
	}

	m.Commits, err = meter.Int64Counter("boardsync.optimistic.commits",
		metric.WithDescription("Optimistic mutations confirmed by the server"),
	)
	if err != nil {
		return nil, err
	}

	m.Rollbacks, err = meter.Int64Counter("boardsync.optimistic.rollbacks",
		metric.WithDescription("Optimistic mutations rolled back"),
	)
	if err != nil {
		return nil, err
	}

	m.MutationDuration, err = meter.Float64Histogram("boardsync.mutation.duration",
		metric.WithDescription("Mutation round-trip duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ConnTransitions, err = meter.Int64Counter("boardsync.connectivity.transitions",
		metric.WithDescription("Online/offline flag flips"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordMerge(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.Merges.Add(ctx, 1, metric.WithAttributes(AttrKind.String(kind), AttrOutcome.String(outcome)))
}

func (m *Metrics) RecordReconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.StreamReconnects.Add(ctx, 1)
}

func (m *Metrics) RecordDuplicate(ctx context.Context) {
	if m == nil {
		return
	}
	m.StreamDuplicates.Add(ctx, 1)
}

func (m *Metrics) RecordMalformed(ctx context.Context) {
	if m == nil {
		return
	}
	m.StreamMalformed.Add(ctx, 1)
}

func (m *Metrics) RecordPollFailure(ctx context.Context, kind, class string) {
	if m == nil {
		return
	}
	m.PollFailures.Add(ctx, 1, metric.WithAttributes(AttrKind.String(kind), AttrClass.String(class)))
}

func (m *Metrics) RecordPollRemoved(ctx context.Context, kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.PollRemoved.Add(ctx, int64(n), metric.WithAttributes(AttrKind.String(kind)))
}

// RecordMutation records the outcome and duration of one optimistic mutation.
func (m *Metrics) RecordMutation(ctx context.Context, kind string, committed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrKind.String(kind))
	if committed {
		m.Commits.Add(ctx, 1, attrs)
	} else {
		m.Rollbacks.Add(ctx, 1, attrs)
	}
	m.MutationDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) RecordConnTransition(ctx context.Context, online bool) {
	if m == nil {
		return
	}
	m.ConnTransitions.Add(ctx, 1, metric.WithAttributes(AttrOnline.Bool(online)))
}
