// Package metrics exports CRUD operation counts and latencies to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rpattn/crudql/internal/crud"
	"github.com/rpattn/crudql/internal/session"
)

// Recorder implements crud.Observer.
type Recorder struct {
	operations *prometheus.CounterVec   // By model, op and outcome
	duration   *prometheus.HistogramVec // By model and op
}

// NewRecorder creates the CRUD metrics and registers them with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crudql",
			Subsystem: "crud",
			Name:      "operations_total",
			Help:      "Total number of CRUD operations by outcome",
		}, []string{"model", "op", "outcome"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crudql",
			Subsystem: "crud",
			Name:      "operation_duration_seconds",
			Help:      "CRUD operation duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"model", "op"}),
	}

	for _, c := range []prometheus.Collector{r.operations, r.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ObserveOperation records one finished operation.
func (r *Recorder) ObserveOperation(model, op string, elapsed time.Duration, err error) {
	r.operations.WithLabelValues(model, op, Outcome(err)).Inc()
	r.duration.WithLabelValues(model, op).Observe(elapsed.Seconds())
}

// Outcome names the error class of an operation result.
func Outcome(err error) string {
	var ce *session.ConstraintError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, crud.ErrNotFound):
		return "not_found"
	case errors.Is(err, crud.ErrMultipleMatches):
		return "multiple_matches"
	case errors.Is(err, crud.ErrInvalidField):
		return "invalid_field"
	case errors.Is(err, crud.ErrValueConflict):
		return "value_conflict"
	case errors.Is(err, crud.ErrConstraintViolation):
		return "constraint_violation"
	case errors.As(err, &ce) && ce.Kind == session.Unique:
		return "value_conflict"
	case errors.As(err, &ce):
		return "constraint_violation"
	}
	return "error"
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
