// Package metrics exports mutation loop state to Prometheus.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"embryo/internal/evo"
)

const namespace = "embryo"

// Recorder implements evo.Observer on top of a caller-supplied registry.
type Recorder struct {
	cycles         *prometheus.CounterVec
	ledgerErrors   prometheus.Counter
	fitness        prometheus.Gauge
	stagnant       prometheus.Gauge
	strategyWeight *prometheus.GaugeVec
	changes        prometheus.Histogram
}

var _ evo.Observer = (*Recorder)(nil)

// NewRecorder registers the loop metrics on reg. Registering twice on the
// same registry reuses the existing collectors.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Recorder{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Mutation cycles by result (improved, stagnant, failed).",
		}, []string{"result"}),
		ledgerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_write_errors_total",
			Help:      "Mutation records the ledger failed to persist.",
		}),
		fitness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fitness_score",
			Help:      "Fitness score after the last completed cycle.",
		}),
		stagnant: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stagnant_cycles",
			Help:      "Consecutive cycles without fitness improvement.",
		}),
		strategyWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "strategy_weight",
			Help:      "Current selection weight per strategy.",
		}, []string{"strategy"}),
		changes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_changes",
			Help:      "Parameters changed per cycle.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		}),
	}

	var err error
	r.cycles = register(reg, r.cycles, &err)
	r.ledgerErrors = register(reg, r.ledgerErrors, &err)
	r.fitness = register(reg, r.fitness, &err)
	r.stagnant = register(reg, r.stagnant, &err)
	r.strategyWeight = register(reg, r.strategyWeight, &err)
	r.changes = register(reg, r.changes, &err)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, errp *error) C {
	if *errp != nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		*errp = err
	}
	return c
}

func (r *Recorder) CycleCompleted(result evo.CycleResult, weights evo.Weights) {
	label := "stagnant"
	if result.Improved {
		label = "improved"
	}
	r.cycles.WithLabelValues(label).Inc()
	r.fitness.Set(result.Score)
	r.stagnant.Set(float64(result.StagnantCycles))
	r.changes.Observe(float64(len(result.Changes)))
	for name, w := range weights {
		r.strategyWeight.WithLabelValues(name).Set(w)
	}
}

func (r *Recorder) CycleFailed(error) {
	r.cycles.WithLabelValues("failed").Inc()
}

func (r *Recorder) LedgerError(error) {
	r.ledgerErrors.Inc()
}
