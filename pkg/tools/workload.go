package tools

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"optiq/pkg/cache"
	"optiq/pkg/run"
	"optiq/pkg/store"
)

// Built-in tool names.
const (
	ToolWorkloadMetrics       = "workload.metrics"
	ToolWorkloadCostBreakdown = "workload.cost_breakdown"
	ToolWorkloadBaseline      = "workload.baseline"
)

// Snapshot is a point-in-time view of a workload's resource usage.
type Snapshot struct {
	WorkloadID string            `json:"workload_id"`
	Metrics    []run.MetricPoint `json:"metrics"`
	CapturedAt time.Time         `json:"captured_at"`
}

// MetricsSource supplies workload telemetry. Production wires a real
// telemetry backend; tests inject a stub.
type MetricsSource interface {
	Snapshot(ctx context.Context, workloadID string) (*Snapshot, error)
	CostBreakdown(ctx context.Context, workloadID string) (map[string]float64, error)
}

// WorkloadTools bundles the built-in data tools: a cache-through metric
// fetch, a cost breakdown, and a baseline lookup against past runs.
type WorkloadTools struct {
	source MetricsSource
	cache  *cache.Cache
	store  *store.Store
}

// NewWorkloadTools creates the built-in tool set. cache may be nil
// (cache-through degrades to direct fetch); st may be nil (baseline falls
// back to defaults).
func NewWorkloadTools(source MetricsSource, c *cache.Cache, st *store.Store) *WorkloadTools {
	return &WorkloadTools{source: source, cache: c, store: st}
}

// RegisterAll registers every built-in tool on d.
func (w *WorkloadTools) RegisterAll(d *Dispatcher) {
	d.Register(ToolWorkloadMetrics, w.Metrics)
	d.Register(ToolWorkloadCostBreakdown, w.CostBreakdown)
	d.Register(ToolWorkloadBaseline, w.Baseline)
}

func workloadID(params map[string]any) (string, error) {
	id, ok := params["workload_id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("workload_id parameter is required")
	}
	return id, nil
}

// Metrics fetches the current metric snapshot, serving from cache when a
// fresh entry exists.
func (w *WorkloadTools) Metrics(ctx context.Context, params map[string]any) (any, error) {
	id, err := workloadID(params)
	if err != nil {
		return nil, err
	}

	key := "metrics:" + id
	var cached Snapshot
	if err := w.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		return nil, err
	}

	snap, err := w.source.Snapshot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metrics for %s: %w", id, err)
	}
	_ = w.cache.Set(ctx, key, snap)
	return snap, nil
}

// CostBreakdown returns per-component cost for the workload.
func (w *WorkloadTools) CostBreakdown(ctx context.Context, params map[string]any) (any, error) {
	id, err := workloadID(params)
	if err != nil {
		return nil, err
	}
	breakdown, err := w.source.CostBreakdown(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch cost breakdown for %s: %w", id, err)
	}
	return breakdown, nil
}

// Baseline returns the workload's reference baseline, preferring the data
// stage of the most recent persisted run for that workload.
func (w *WorkloadTools) Baseline(ctx context.Context, params map[string]any) (any, error) {
	id, err := workloadID(params)
	if err != nil {
		return nil, err
	}

	if w.store != nil {
		states, err := w.store.ListRuns(ctx, id, 10)
		if err == nil {
			for _, s := range states {
				if s.Data != nil && len(s.Data.Baseline) > 0 {
					return s.Data.Baseline, nil
				}
			}
		}
	}

	// No history yet: derive a stable default from the synthetic source.
	snap, err := w.source.Snapshot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to derive baseline for %s: %w", id, err)
	}
	baseline := make(map[string]float64, len(snap.Metrics))
	for _, m := range snap.Metrics {
		baseline[m.Name] = m.Value
	}
	return baseline, nil
}

// SyntheticSource generates deterministic pseudo-telemetry keyed off the
// workload ID. It stands in for a telemetry backend in development and
// tests.
type SyntheticSource struct{}

func seed(workloadID string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(workloadID))
	return float64(h.Sum32()%1000) / 1000.0
}

// Snapshot implements MetricsSource.
func (SyntheticSource) Snapshot(_ context.Context, workloadID string) (*Snapshot, error) {
	s := seed(workloadID)
	return &Snapshot{
		WorkloadID: workloadID,
		CapturedAt: time.Now().UTC(),
		Metrics: []run.MetricPoint{
			{Name: "gpu_utilization", Value: math.Round((0.35+0.6*s)*100) / 100, Unit: "ratio"},
			{Name: "cpu_utilization", Value: math.Round((0.20+0.5*s)*100) / 100, Unit: "ratio"},
			{Name: "memory_used", Value: math.Round(8+56*s), Unit: "GiB"},
			{Name: "requests_per_second", Value: math.Round(50 + 900*s), Unit: "req/s"},
			{Name: "p95_latency", Value: math.Round(120 + 800*s), Unit: "ms"},
		},
	}, nil
}

// CostBreakdown implements MetricsSource.
func (SyntheticSource) CostBreakdown(_ context.Context, workloadID string) (map[string]float64, error) {
	s := seed(workloadID)
	return map[string]float64{
		"compute_usd_per_day": math.Round((120+400*s)*100) / 100,
		"storage_usd_per_day": math.Round((15+40*s)*100) / 100,
		"network_usd_per_day": math.Round((8+25*s)*100) / 100,
	}, nil
}
