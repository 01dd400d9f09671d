package invoker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exports invocation outcomes to Prometheus. One recorder per
// controller; pass a dedicated Registerer when running several controllers
// in one process.
type Recorder struct {
	invocations *prometheus.CounterVec
	degrades    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewRecorder registers the invoker metric set on reg. A nil reg falls back
// to the default registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Recorder{
		invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_invocations_total",
			Help: "Invocations through the controller, by unit, backend and outcome.",
		}, []string{"unit", "backend", "status"}),
		degrades: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_degrades_total",
			Help: "Primary failures that fell back to the secondary, by unit and failure kind.",
		}, []string{"unit", "failure_kind"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_invoke_duration_seconds",
			Help:    "End to end invocation latency, by backend.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"backend"}),
	}
}

func (r *Recorder) observe(rec InvocationRecord, status string) {
	if r == nil {
		return
	}
	r.invocations.WithLabelValues(rec.Unit, rec.BackendAttempted, status).Inc()
	if rec.Degraded {
		r.degrades.WithLabelValues(rec.Unit, rec.FailureKind).Inc()
	}
	r.duration.WithLabelValues(rec.BackendAttempted).Observe(float64(rec.Duration) / float64(time.Second))
}
