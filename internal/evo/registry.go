package evo

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
)

const DefaultStuckBoost = 3.0

var (
	ErrStrategyExists   = errors.New("strategy already registered")
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrNoStrategy       = errors.New("no strategy with positive weight")
)

// SelectionPolicy tunes how weights turn into selection probabilities.
type SelectionPolicy struct {
	// StuckBoost multiplies the weight of exploratory strategies while the
	// organism is stuck. Values below 1 disable the bias.
	StuckBoost float64
}

func DefaultSelectionPolicy() SelectionPolicy {
	return SelectionPolicy{StuckBoost: DefaultStuckBoost}
}

// Registry holds the named strategies available to one organism and draws
// from them by weight.
type Registry struct {
	mu         sync.Mutex
	strategies map[string]Strategy
	rng        *rand.Rand
	policy     SelectionPolicy
}

// NewRegistry builds an empty registry. A nil rng is replaced with a source
// seeded at 1 so selection stays reproducible.
func NewRegistry(rng *rand.Rand, policy SelectionPolicy) *Registry {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Registry{
		strategies: make(map[string]Strategy),
		rng:        rng,
		policy:     policy,
	}
}

func (r *Registry) Register(name string, strategy Strategy) error {
	if name == "" {
		return errors.New("strategy name is required")
	}
	if strategy == nil {
		return errors.New("strategy is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.strategies[name]; exists {
		return fmt.Errorf("%w: %s", ErrStrategyExists, name)
	}
	r.strategies[name] = strategy
	return nil
}

func (r *Registry) MustRegister(name string, strategy Strategy) {
	if err := r.Register(name, strategy); err != nil {
		panic(err)
	}
}

func (r *Registry) Resolve(name string) (Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	strategy, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, name)
	}
	return strategy, nil
}

func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedNames()
}

// PickStrategy draws one registered strategy with probability proportional
// to its weight. Only strategies with weight > 0 are candidates; names in
// weights that are not registered are ignored. Candidates are walked in
// lexicographic order and the first whose cumulative weight exceeds a uniform
// draw in [0, total) wins, so a seeded source gives a reproducible sequence.
func (r *Registry) PickStrategy(weights Weights, isStuck bool) (string, Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	type candidate struct {
		name   string
		weight float64
	}
	candidates := make([]candidate, 0, len(r.strategies))
	total := 0.0
	for _, name := range r.sortedNames() {
		w := weights[name]
		if !(w > 0) {
			continue
		}
		if isStuck && r.policy.StuckBoost > 1 && isExploratory(r.strategies[name]) {
			w *= r.policy.StuckBoost
		}
		candidates = append(candidates, candidate{name: name, weight: w})
		total += w
	}
	if len(candidates) == 0 || total <= 0 {
		return "", nil, ErrNoStrategy
	}

	pick := r.rng.Float64() * total
	acc := 0.0
	for _, c := range candidates {
		acc += c.weight
		if pick < acc {
			return c.name, r.strategies[c.name], nil
		}
	}
	last := candidates[len(candidates)-1]
	return last.name, r.strategies[last.name], nil
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
