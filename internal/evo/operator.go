package evo

import (
	"context"

	"embryo/internal/model"
)

// Strategy proposes a change to one or more organism parameters. The
// controller commits the proposal, so implementations should not write to the
// organism themselves.
type Strategy interface {
	Name() string
	Apply(ctx context.Context, organism *Organism) (tag string, detail model.Detail, err error)
}

// Exploratory marks high-variance strategies the selector favours while the
// organism is stuck.
type Exploratory interface {
	Exploratory() bool
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc struct {
	StrategyName string
	Fn           func(ctx context.Context, organism *Organism) (string, model.Detail, error)
}

func (s StrategyFunc) Name() string { return s.StrategyName }

func (s StrategyFunc) Apply(ctx context.Context, organism *Organism) (string, model.Detail, error) {
	return s.Fn(ctx, organism)
}

func isExploratory(s Strategy) bool {
	e, ok := s.(Exploratory)
	return ok && e.Exploratory()
}
