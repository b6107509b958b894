package evo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"embryo/internal/model"
)

var ErrUnknownParam = errors.New("unknown parameter")

// MutationSink receives one record per parameter changed in a cycle.
type MutationSink interface {
	RecordMutation(ctx context.Context, record model.MutationRecord) error
}

// CycleSink is implemented by ledgers that also keep per-cycle summaries.
type CycleSink interface {
	RecordCycle(ctx context.Context, record model.CycleRecord) error
}

// Organism is the mutable entity under optimisation. The controller mutates
// it in place; callers must serialise cycles per organism.
type Organism struct {
	ID       string
	Params   map[string]float64
	Bounds   map[string]model.Bounds
	Registry *Registry
	Ledger   MutationSink
}

func NewOrganism(id string, registry *Registry, ledger MutationSink) *Organism {
	return &Organism{
		ID:       id,
		Params:   make(map[string]float64),
		Bounds:   make(map[string]model.Bounds),
		Registry: registry,
		Ledger:   ledger,
	}
}

// Define declares a bounded parameter. The initial value is clamped.
func (o *Organism) Define(param string, value float64, bounds model.Bounds) error {
	if param == "" {
		return errors.New("parameter name is required")
	}
	if math.IsNaN(bounds.Low) || math.IsNaN(bounds.High) || bounds.Low > bounds.High {
		return fmt.Errorf("invalid bounds for %s: low=%v high=%v", param, bounds.Low, bounds.High)
	}
	o.ensureMaps()
	o.Bounds[param] = bounds
	o.Params[param] = bounds.Clamp(value)
	return nil
}

// ApplyParamBounds clamps value into the parameter's declared bounds.
// Parameters without declared bounds pass through unchanged.
func (o *Organism) ApplyParamBounds(param string, value float64) float64 {
	bounds, ok := o.Bounds[param]
	if !ok {
		return value
	}
	return bounds.Clamp(value)
}

func (o *Organism) Param(name string) (float64, bool) {
	v, ok := o.Params[name]
	return v, ok
}

// SetParam commits a clamped value and returns what was stored.
func (o *Organism) SetParam(name string, value float64) float64 {
	o.ensureMaps()
	committed := o.ApplyParamBounds(name, value)
	o.Params[name] = committed
	return committed
}

func (o *Organism) ParamNames() []string {
	names := make([]string, 0, len(o.Params))
	for name := range o.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (o *Organism) BoundedParamNames() []string {
	names := make([]string, 0, len(o.Bounds))
	for name := range o.Bounds {
		if _, ok := o.Params[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (o *Organism) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(o.Params))
	for k, v := range o.Params {
		out[k] = v
	}
	return out
}

// Clone deep-copies parameters and bounds. Registry and ledger are shared.
func (o *Organism) Clone() *Organism {
	clone := &Organism{
		ID:       o.ID,
		Params:   o.Snapshot(),
		Bounds:   make(map[string]model.Bounds, len(o.Bounds)),
		Registry: o.Registry,
		Ledger:   o.Ledger,
	}
	for k, v := range o.Bounds {
		clone.Bounds[k] = v
	}
	return clone
}

// Validate reports the first parameter found outside its bounds.
func (o *Organism) Validate() error {
	for _, name := range o.BoundedParamNames() {
		bounds := o.Bounds[name]
		v := o.Params[name]
		if math.IsNaN(v) || v < bounds.Low || v > bounds.High {
			return fmt.Errorf("parameter %s=%v outside [%v, %v]", name, v, bounds.Low, bounds.High)
		}
	}
	return nil
}

func (o *Organism) ensureMaps() {
	if o.Params == nil {
		o.Params = make(map[string]float64)
	}
	if o.Bounds == nil {
		o.Bounds = make(map[string]model.Bounds)
	}
}
