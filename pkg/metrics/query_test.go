package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vectorBody(samples ...string) string {
	return fmt.Sprintf(
		`{"status":"success","data":{"resultType":"vector","result":[%s]}}`,
		strings.Join(samples, ","),
	)
}

func sample(labels map[string]string, value string) string {
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, fmt.Sprintf("%q:%q", k, v))
	}
	return fmt.Sprintf(`{"metric":{%s},"value":[1756530000,%q]}`, strings.Join(parts, ","), value)
}

func TestNewQueryServiceRejectsBadURL(t *testing.T) {
	_, err := NewQueryService("://not-a-url")
	assert.Error(t, err)
}

func TestGetUnitMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.FormValue("query")
		value := "0"
		switch {
		case strings.Contains(q, "histogram_quantile"):
			value = "0.25"
		case strings.Contains(q, `status="failed"`):
			value = "2"
		case strings.Contains(q, "conductor_degrades_total"):
			value = "3"
		case strings.Contains(q, "conductor_invocations_total"):
			value = "7"
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, vectorBody(sample(nil, value)))
	}))
	defer srv.Close()

	qs, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	um, err := qs.GetUnitMetrics(context.Background(), "planner")
	require.NoError(t, err)
	assert.Equal(t, "planner", um.Unit)
	assert.Equal(t, int64(7), um.Invocations)
	assert.Equal(t, int64(3), um.Degrades)
	assert.Equal(t, int64(2), um.Failures)
	assert.InDelta(t, 0.25, um.P95Latency, 1e-9)
}

func TestGetDegradesByKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, vectorBody(
			sample(map[string]string{"failure_kind": "network_failure"}, "4"),
			sample(map[string]string{"failure_kind": "rate_limited"}, "1"),
		))
	}))
	defer srv.Close()

	qs, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	counts, err := qs.GetDegradesByKind(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		"network_failure": 4,
		"rate_limited":    1,
	}, counts)
}
