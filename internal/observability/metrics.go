package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SolveCollector bundles Prometheus metrics for the online solve surface and
// provides helpers to record solve outcomes and expose a /metrics handler.
type SolveCollector struct {
	gatherer prometheus.Gatherer

	Solves         *prometheus.CounterVec
	SolveDurations prometheus.Histogram

	BasisSize      prometheus.Gauge
	LastErrorBound prometheus.Gauge
}

// NewSolveCollector registers solve Prometheus metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSolveCollector(reg prometheus.Registerer) (*SolveCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	solves := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rb_solves_total",
		Help: "Total number of online reduced basis solves, labeled by outcome status.",
	}, []string{"status"})
	solves, err := registerCounterVec(reg, solves, "rb_solves_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rb_solve_duration_seconds",
		Help:    "Online solve latency in seconds, including the error bound evaluation.",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	}), "rb_solve_duration_seconds")
	if err != nil {
		return nil, err
	}

	basisSize, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rb_basis_size",
		Help: "Number of basis functions used by the most recent solve.",
	}), "rb_basis_size")
	if err != nil {
		return nil, err
	}
	lastBound, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rb_last_error_bound",
		Help: "Certified error bound at the final time level of the most recent solve.",
	}), "rb_last_error_bound")
	if err != nil {
		return nil, err
	}

	return &SolveCollector{
		gatherer:       gatherer,
		Solves:         solves,
		SolveDurations: durations,
		BasisSize:      basisSize,
		LastErrorBound: lastBound,
	}, nil
}

// ObserveSolve records one solve outcome: its duration, the basis size it
// used, and the certified bound it produced. Failed solves only count toward
// the status counter.
func (c *SolveCollector) ObserveSolve(n int, bound float64, d time.Duration, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	if c.Solves != nil {
		c.Solves.WithLabelValues(status).Inc()
	}
	if err != nil {
		return
	}
	if c.SolveDurations != nil {
		c.SolveDurations.Observe(d.Seconds())
	}
	if c.BasisSize != nil {
		c.BasisSize.Set(float64(n))
	}
	if c.LastErrorBound != nil {
		c.LastErrorBound.Set(bound)
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SolveCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
