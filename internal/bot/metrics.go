package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "memerybot"

// Metrics are the Prometheus collectors of the scheduler.
type Metrics struct {
	// PollsTotal counts poll cycles by result (empty, ok, error).
	PollsTotal *prometheus.CounterVec
	// MentionsTotal counts evaluated mentions by outcome (claimed, duplicate).
	MentionsTotal *prometheus.CounterVec
	// UnitsTotal counts finished units by status (completed, failed).
	UnitsTotal *prometheus.CounterVec
	// UnitFailures counts failed units by the stage that failed.
	UnitFailures *prometheus.CounterVec
	// UnitsInFlight tracks running units, including those waiting for a slot.
	UnitsInFlight prometheus.Gauge
	// GenerationDuration measures backend calls in seconds.
	GenerationDuration prometheus.Histogram
}

// NewMetrics registers the scheduler collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "polls_total",
				Help:      "Total number of poll cycles",
			},
			[]string{"result"},
		),
		MentionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "mentions_total",
				Help:      "Total number of mentions evaluated",
			},
			[]string{"outcome"},
		),
		UnitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "units_total",
				Help:      "Total number of finished generation units",
			},
			[]string{"status"},
		),
		UnitFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "unit_failures_total",
				Help:      "Total number of failed generation units by stage",
			},
			[]string{"stage"},
		),
		UnitsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "units_in_flight",
				Help:      "Generation units currently running or waiting for a slot",
			},
		),
		GenerationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "generation_duration_seconds",
				Help:      "Duration of generation backend calls in seconds",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 900},
			},
		),
	}
}
