package otel

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
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

	if m.Merges == nil {
		t.Error("Merges is nil")
	}
	if m.StreamReconnects == nil {
		t.Error("StreamReconnects is nil")
	}
	if m.StreamDuplicates == nil {
		t.Error("StreamDuplicates is nil")
	}
	if m.StreamMalformed == nil {
		t.Error("StreamMalformed is nil")
	}
	if m.PollFailures == nil {
		t.Error("PollFailures is nil")
	}
	if m.PollRemoved == nil {
		t.Error("PollRemoved is nil")
	}
	if m.Commits == nil || m.Rollbacks == nil {
		t.Error("optimistic counters are nil")
	}
	if m.MutationDuration == nil {
		t.Error("MutationDuration is nil")
	}
	if m.ConnTransitions == nil {
		t.Error("ConnTransitions is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter; instruments still create.
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
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordMerge(ctx, "task", "inserted")
	m.RecordReconnect(ctx)
	m.RecordDuplicate(ctx)
	m.RecordMalformed(ctx)
	m.RecordPollFailure(ctx, "task", "TRANSIENT")
	m.RecordPollRemoved(ctx, "task", 2)
	m.RecordMutation(ctx, "task", true, time.Second)
	m.RecordConnTransition(ctx, true)
}

func TestMetrics_RecordedValues(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"}, sdkmetric.WithReader(reader))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m := p.Metrics
	ctx := context.Background()
	m.RecordMerge(ctx, "task", "inserted")
	m.RecordMerge(ctx, "task", "inserted")
	m.RecordMutation(ctx, "task", false, 20*time.Millisecond)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			if sum, ok := mt.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					got[mt.Name] += dp.Value
				}
			}
		}
	}
	if got["boardsync.store.merges"] != 2 {
		t.Fatalf("merges = %d, want 2", got["boardsync.store.merges"])
	}
	if got["boardsync.optimistic.rollbacks"] != 1 {
		t.Fatalf("rollbacks = %d, want 1", got["boardsync.optimistic.rollbacks"])
	}
	if got["boardsync.optimistic.commits"] != 0 {
		t.Fatalf("commits = %d, want 0", got["boardsync.optimistic.commits"])
	}
}

func TestMetrics_MutationDurationBuckets(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone, Workspace: "default"}, sdkmetric.WithReader(reader))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	p.Metrics.RecordMutation(ctx, "task", true, 40*time.Millisecond)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if v, ok := rm.Resource.Set().Value("boardsync.workspace"); !ok || v.AsString() != "default" {
		t.Fatalf("workspace resource attribute = %v, %v", v, ok)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			if mt.Name != "boardsync.mutation.duration" {
				continue
			}
			h := mt.Data.(metricdata.Histogram[float64])
			if diff := cmp.Diff(mutationBuckets, h.DataPoints[0].Bounds); diff != "" {
				t.Fatalf("bounds (-want +got):\n%s", diff)
			}
			return
		}
	}
	t.Fatal("mutation duration not recorded")
}
