package evo

import (
	"context"
	"errors"
	"math/rand"

	"embryo/internal/model"
)

const (
	DefaultSigma      = 0.10
	DefaultGeneCount  = 2
	unboundedSigmaUse = 1.0
)

var errRandomSource = errors.New("random source is required")

// Gaussian perturbs one random parameter by a normal draw whose standard
// deviation is Sigma times the parameter's range (Sigma itself for unbounded
// parameters).
type Gaussian struct {
	Rand  *rand.Rand
	Sigma float64
}

func (s *Gaussian) Name() string { return "gaussian" }

func (s *Gaussian) Apply(ctx context.Context, organism *Organism) (string, model.Detail, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	if s == nil || s.Rand == nil {
		return "", nil, errRandomSource
	}
	names := organism.ParamNames()
	if len(names) == 0 {
		return "noop", model.ParamChanges{}, nil
	}
	param := names[s.Rand.Intn(len(names))]
	return "gaussian", perturb(organism, param, s.Rand, sigmaOrDefault(s.Sigma)), nil
}

// Creep nudges one random parameter up or down by a fixed Step.
type Creep struct {
	Rand *rand.Rand
	Step float64
}

func (s *Creep) Name() string { return "creep" }

func (s *Creep) Apply(ctx context.Context, organism *Organism) (string, model.Detail, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	if s == nil || s.Rand == nil {
		return "", nil, errRandomSource
	}
	if s.Step <= 0 {
		return "", nil, errors.New("creep step must be > 0")
	}
	names := organism.ParamNames()
	if len(names) == 0 {
		return "noop", model.ParamChanges{}, nil
	}
	param := names[s.Rand.Intn(len(names))]
	old := organism.Params[param]
	delta := s.Step
	tag := "creep_up"
	if s.Rand.Intn(2) == 0 {
		delta = -delta
		tag = "creep_down"
	}
	return tag, model.ParamChange{
		Param: param,
		Old:   old,
		New:   organism.ApplyParamBounds(param, old+delta),
	}, nil
}

// Reset redraws one bounded parameter uniformly from its bounds. It is the
// exploration strategy favoured when the organism stagnates.
type Reset struct {
	Rand *rand.Rand
}

func (s *Reset) Name() string { return "reset" }

func (s *Reset) Exploratory() bool { return true }

func (s *Reset) Apply(ctx context.Context, organism *Organism) (string, model.Detail, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	if s == nil || s.Rand == nil {
		return "", nil, errRandomSource
	}
	names := organism.BoundedParamNames()
	if len(names) == 0 {
		return "noop", model.ParamChanges{}, nil
	}
	param := names[s.Rand.Intn(len(names))]
	bounds := organism.Bounds[param]
	return "reset", model.ParamChange{
		Param: param,
		Old:   organism.Params[param],
		New:   bounds.Low + s.Rand.Float64()*bounds.Span(),
	}, nil
}

// MultiGene perturbs Count distinct parameters at once.
type MultiGene struct {
	Rand  *rand.Rand
	Count int
	Sigma float64
}

func (s *MultiGene) Name() string { return "multi_gene" }

func (s *MultiGene) Apply(ctx context.Context, organism *Organism) (string, model.Detail, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	if s == nil || s.Rand == nil {
		return "", nil, errRandomSource
	}
	names := organism.ParamNames()
	count := s.Count
	if count <= 0 {
		count = DefaultGeneCount
	}
	if count > len(names) {
		count = len(names)
	}
	sigma := sigmaOrDefault(s.Sigma)
	changes := make(model.ParamChanges, 0, count)
	for _, idx := range s.Rand.Perm(len(names))[:count] {
		changes = append(changes, perturb(organism, names[idx], s.Rand, sigma))
	}
	return "multi_gene", changes, nil
}

func perturb(organism *Organism, param string, rng *rand.Rand, sigma float64) model.ParamChange {
	old := organism.Params[param]
	spread := unboundedSigmaUse
	if bounds, ok := organism.Bounds[param]; ok && bounds.Span() > 0 {
		spread = bounds.Span()
	}
	return model.ParamChange{
		Param: param,
		Old:   old,
		New:   organism.ApplyParamBounds(param, old+rng.NormFloat64()*sigma*spread),
	}
}

func sigmaOrDefault(sigma float64) float64 {
	if sigma <= 0 {
		return DefaultSigma
	}
	return sigma
}

// DefaultStrategies registers the built-in strategies on registry, all drawing
// from rng.
func DefaultStrategies(registry *Registry, rng *rand.Rand, creepStep float64) error {
	if creepStep <= 0 {
		creepStep = 0.05
	}
	for _, s := range []Strategy{
		&Gaussian{Rand: rng, Sigma: DefaultSigma},
		&Creep{Rand: rng, Step: creepStep},
		&Reset{Rand: rng},
		&MultiGene{Rand: rng, Count: DefaultGeneCount, Sigma: DefaultSigma},
	} {
		if err := registry.Register(s.Name(), s); err != nil {
			return err
		}
	}
	return nil
}

// DefaultStrategyNames lists the names DefaultStrategies registers, sorted.
func DefaultStrategyNames() []string {
	registry := NewRegistry(nil, SelectionPolicy{})
	_ = DefaultStrategies(registry, nil, 0)
	return registry.Names()
}
