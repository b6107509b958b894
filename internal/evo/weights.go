package evo

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	DefaultWeightGrowth  = 1.10
	DefaultWeightDecay   = 0.95
	DefaultWeightFloor   = 0.01
	// DefaultWeightCeiling caps a weight grown by repeated improvements.
	DefaultWeightCeiling = 100.0
)

// Weights maps strategy name to a non-negative relative likelihood. The
// caller owns it across cycles; the controller updates it in place.
type Weights map[string]float64

func UniformWeights(names []string) Weights {
	w := make(Weights, len(names))
	for _, name := range names {
		w[name] = 1.0
	}
	return w
}

func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

func (w Weights) Names() []string {
	names := make([]string, 0, len(w))
	for name := range w {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (w Weights) Validate() error {
	positive := false
	for name, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("strategy weight must be finite: " + name)
		}
		if v < 0 {
			return errors.New("strategy weight must be >= 0: " + name)
		}
		if v > 0 {
			positive = true
		}
	}
	if !positive {
		return errors.New("at least one strategy weight must be > 0")
	}
	return nil
}

// ValidateFor checks w and requires at least one of the registered names to
// carry a weight > 0. Unregistered names are reported since PickStrategy
// would never select them.
func (w Weights) ValidateFor(registered []string) error {
	if err := w.Validate(); err != nil {
		return err
	}
	known := make(map[string]bool, len(registered))
	selectable := false
	for _, name := range registered {
		known[name] = true
		if w[name] > 0 {
			selectable = true
		}
	}
	var unknown []string
	for _, name := range w.Names() {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %s", ErrStrategyNotFound, strings.Join(unknown, ", "))
	}
	if !selectable {
		return ErrNoStrategy
	}
	return nil
}

// WeightPolicy is the multiplicative update applied to the chosen strategy
// after each cycle. A zero Ceiling means DefaultWeightCeiling.
type WeightPolicy struct {
	Growth  float64
	Decay   float64
	Floor   float64
	Ceiling float64
}

func DefaultWeightPolicy() WeightPolicy {
	return WeightPolicy{
		Growth:  DefaultWeightGrowth,
		Decay:   DefaultWeightDecay,
		Floor:   DefaultWeightFloor,
		Ceiling: DefaultWeightCeiling,
	}
}

func (p WeightPolicy) ceiling() float64 {
	if p.Ceiling <= 0 {
		return DefaultWeightCeiling
	}
	return p.Ceiling
}

func (p WeightPolicy) Validate() error {
	if p.Growth <= 1 {
		return errors.New("weight growth must be > 1")
	}
	if p.Decay <= 0 || p.Decay > 1 {
		return errors.New("weight decay must be in (0, 1]")
	}
	if p.Floor <= 0 {
		return errors.New("weight floor must be > 0")
	}
	if p.Ceiling < 0 || math.IsInf(p.Ceiling, 0) || math.IsNaN(p.Ceiling) {
		return errors.New("weight ceiling must be finite and >= 0")
	}
	if p.ceiling() <= p.Floor {
		return errors.New("weight ceiling must be above the floor")
	}
	return nil
}

// Update rewards name on improvement and decays it otherwise. A rewarded
// weight is capped at the ceiling but never lowered. A decayed weight never
// drops below Floor and never rises above its previous value.
func (p WeightPolicy) Update(weights Weights, name string, improved bool) float64 {
	w := weights[name]
	if w < 0 {
		w = 0
	}
	var next float64
	if improved {
		if w == 0 {
			w = p.Floor
		}
		next = math.Min(w*p.Growth, p.ceiling())
		if next < w {
			next = w
		}
	} else {
		next = w * p.Decay
		if next < p.Floor {
			next = p.Floor
		}
		if next > w {
			next = w
		}
	}
	weights[name] = next
	return next
}
