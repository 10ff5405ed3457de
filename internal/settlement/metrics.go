package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports settlement counters. A nil *Metrics records nothing.
type Metrics struct {
	goals          *prometheus.CounterVec
	chargeDuration *prometheus.HistogramVec
	runDuration    prometheus.Histogram
}

func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = "fscreentime"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	goals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "goals_total",
		Help:      "Goals handled by the settlement and retry sweeps, by outcome.",
	}, []string{"outcome"})
	chargeDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "charge_seconds",
		Help:      "Latency of payment provider charge calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"result"})
	runDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "run_seconds",
		Help:      "Duration of a full settlement run.",
		Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
	})

	m := &Metrics{}
	var err error
	if m.goals, err = register(reg, goals); err != nil {
		return nil, err
	}
	if m.chargeDuration, err = register(reg, chargeDuration); err != nil {
		return nil, err
	}
	if m.runDuration, err = register(reg, runDuration); err != nil {
		return nil, err
	}
	return m, nil
}

// register reuses an identical collector that is already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register settlement metric: %w", err)
	}
	return c, nil
}

func (m *Metrics) outcome(name string) {
	if m == nil {
		return
	}
	m.goals.WithLabelValues(name).Inc()
}

func (m *Metrics) charge(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.chargeDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) run(d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.Observe(d.Seconds())
}
