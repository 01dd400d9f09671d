// Package metrics provides services for querying aggregated invocation
// metrics from Prometheus.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// UnitMetrics represents aggregated invocation metrics for one execution
// unit over the Prometheus retention window.
type UnitMetrics struct {
	Unit        string  `json:"unit"`
	Invocations int64   `json:"invocations"`
	Degrades    int64   `json:"degrades"`
	Failures    int64   `json:"failures"`
	P95Latency  float64 `json:"p95_latency_seconds"`
}

// QueryService queries a Prometheus server that scrapes the controller's
// exported metrics.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetUnitMetrics aggregates invocation counts, degrades, failures and tail
// latency for one unit.
func (q *QueryService) GetUnitMetrics(ctx context.Context, unitName string) (*UnitMetrics, error) {
	metrics := &UnitMetrics{
		Unit: unitName,
	}

	invocationsQuery := fmt.Sprintf(`sum(conductor_invocations_total{unit=%q})`, unitName)
	metrics.Invocations = q.scalar(ctx, invocationsQuery)

	degradesQuery := fmt.Sprintf(`sum(conductor_degrades_total{unit=%q})`, unitName)
	metrics.Degrades = q.scalar(ctx, degradesQuery)

	failuresQuery := fmt.Sprintf(`sum(conductor_invocations_total{unit=%q, status="failed"})`, unitName)
	metrics.Failures = q.scalar(ctx, failuresQuery)

	latencyQuery := `histogram_quantile(0.95, sum(rate(conductor_invoke_duration_seconds_bucket[5m])) by (le))`
	result, _, err := q.queryAPI.Query(ctx, latencyQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query latency: %w", err)
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		metrics.P95Latency = float64(vector[0].Value)
	}

	return metrics, nil
}

// GetDegradesByKind breaks degrade counts down by failure kind across all
// units.
func (q *QueryService) GetDegradesByKind(ctx context.Context) (map[string]int64, error) {
	query := `sum by (failure_kind) (conductor_degrades_total)`
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query degrades by kind: %w", err)
	}

	counts := make(map[string]int64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			kind := string(sample.Metric["failure_kind"])
			counts[kind] = int64(sample.Value)
		}
	}
	return counts, nil
}

// scalar runs a sum query and returns the single vector value, zero when
// the query fails or matches nothing.
func (q *QueryService) scalar(ctx context.Context, query string) int64 {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value)
	}
	return 0
}
