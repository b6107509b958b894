package evo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"embryo/internal/health"
	"embryo/internal/model"
)

const DefaultStagnationThreshold = 3

var (
	ErrSample = errors.New("health sample failed")
	ErrScore  = errors.New("fitness score failed")
	ErrSelect = errors.New("strategy selection failed")
	ErrApply  = errors.New("strategy apply failed")
)

// Observer is told about every cycle outcome. Implementations must not block.
type Observer interface {
	CycleCompleted(result CycleResult, weights Weights)
	CycleFailed(err error)
	LedgerError(err error)
}

type nopObserver struct{}

func (nopObserver) CycleCompleted(CycleResult, Weights) {}
func (nopObserver) CycleFailed(error)                   {}
func (nopObserver) LedgerError(error)                   {}

type ControllerConfig struct {
	Sampler             health.Sampler
	Scorer              health.Scorer
	StagnationThreshold int
	Policy              WeightPolicy
	Observer            Observer
	Logger              *zap.Logger
	RunID               string
	Now                 func() time.Time
}

// CycleResult is what one mutation cycle produced. Strategy is empty unless
// the caller asked for it.
type CycleResult struct {
	Score          float64
	ScoreBefore    float64
	StagnantCycles int
	Strategy       string
	Tag            string
	Improved       bool
	Stuck          bool
	Changes        []model.ParamChange
}

// Controller runs single mutation cycles. It holds configuration only; the
// organism, weights and stagnation count are passed in on every call.
type Controller struct {
	sampler   health.Sampler
	scorer    health.Scorer
	threshold int
	policy    WeightPolicy
	observer  Observer
	logger    *zap.Logger
	runID     string
	now       func() time.Time
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Sampler == nil {
		return nil, errors.New("health sampler is required")
	}
	if cfg.Scorer == nil {
		cfg.Scorer = health.DefaultScorer()
	}
	if cfg.StagnationThreshold <= 0 {
		cfg.StagnationThreshold = DefaultStagnationThreshold
	}
	if cfg.Policy == (WeightPolicy{}) {
		cfg.Policy = DefaultWeightPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		sampler:   cfg.Sampler,
		scorer:    cfg.Scorer,
		threshold: cfg.StagnationThreshold,
		policy:    cfg.Policy,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		runID:     cfg.RunID,
		now:       cfg.Now,
	}, nil
}

func (c *Controller) StagnationThreshold() int { return c.threshold }

func (c *Controller) IsStuck(stagnantCycles int) bool {
	return stagnantCycles >= c.threshold
}

// Fitness samples health once and scores it.
func (c *Controller) Fitness(ctx context.Context) (float64, error) {
	snapshot, err := c.sampler.Sample(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSample, err)
	}
	score, err := c.scorer.Score(snapshot)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrScore, err)
	}
	return score, nil
}

// MutationCycle samples fitness, applies one weighted-random strategy to
// organism, samples again and learns from the difference. weights is updated
// in place. Failures while sampling, scoring, selecting or applying abort the
// cycle and are returned; ledger failures are logged and never returned.
func (c *Controller) MutationCycle(ctx context.Context, organism *Organism, weights Weights, stagnantCycles int, emitStrategy bool) (CycleResult, error) {
	result, err := c.mutationCycle(ctx, organism, weights, stagnantCycles)
	if err != nil {
		c.observer.CycleFailed(err)
		return CycleResult{}, err
	}
	c.observer.CycleCompleted(result, weights)
	if !emitStrategy {
		result.Strategy = ""
	}
	return result, nil
}

func (c *Controller) mutationCycle(ctx context.Context, organism *Organism, weights Weights, stagnantCycles int) (CycleResult, error) {
	if organism == nil {
		return CycleResult{}, errors.New("organism is required")
	}
	if organism.Registry == nil {
		return CycleResult{}, fmt.Errorf("%w: organism %q has no strategy registry", ErrSelect, organism.ID)
	}
	if weights == nil {
		return CycleResult{}, fmt.Errorf("%w: weights are required", ErrSelect)
	}
	if stagnantCycles < 0 {
		stagnantCycles = 0
	}

	before, err := c.Fitness(ctx)
	if err != nil {
		return CycleResult{}, err
	}

	stuck := c.IsStuck(stagnantCycles)
	name, strategy, err := organism.Registry.PickStrategy(weights, stuck)
	if err != nil {
		return CycleResult{}, fmt.Errorf("%w: %v", ErrSelect, err)
	}

	tag, detail, err := strategy.Apply(ctx, organism)
	if err != nil {
		return CycleResult{}, fmt.Errorf("%w: %s: %w", ErrApply, name, err)
	}
	changes, err := c.commit(organism, detail)
	if err != nil {
		return CycleResult{}, fmt.Errorf("%w: %s: %w", ErrApply, name, err)
	}

	after, err := c.Fitness(ctx)
	if err != nil {
		return CycleResult{}, err
	}

	improved := after > before
	c.policy.Update(weights, name, improved)
	nextStagnant := stagnantCycles + 1
	if improved {
		nextStagnant = 0
	}

	c.record(ctx, organism, name, changes, after, nextStagnant)

	c.logger.Debug("mutation cycle",
		zap.String("organism", organism.ID),
		zap.String("strategy", name),
		zap.String("tag", tag),
		zap.Float64("score_before", before),
		zap.Float64("score_after", after),
		zap.Bool("stuck", stuck),
		zap.Int("changes", len(changes)),
		zap.Int("stagnant_cycles", nextStagnant),
	)

	return CycleResult{
		Score:          after,
		ScoreBefore:    before,
		StagnantCycles: nextStagnant,
		Strategy:       name,
		Tag:            tag,
		Improved:       improved,
		Stuck:          stuck,
		Changes:        changes,
	}, nil
}

// commit flattens detail and writes every change to organism clamped to its
// bounds. All parameters are checked before anything is written so an
// unknown name leaves the organism untouched.
func (c *Controller) commit(organism *Organism, detail model.Detail) ([]model.ParamChange, error) {
	if detail == nil {
		return nil, nil
	}
	proposed := detail.Flatten()
	for _, change := range proposed {
		if _, ok := organism.Param(change.Param); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParam, change.Param)
		}
	}
	committed := make([]model.ParamChange, 0, len(proposed))
	for _, change := range proposed {
		old := organism.Params[change.Param]
		committed = append(committed, model.ParamChange{
			Param: change.Param,
			Old:   old,
			New:   organism.SetParam(change.Param, change.New),
		})
	}
	return committed, nil
}

func (c *Controller) record(ctx context.Context, organism *Organism, strategy string, changes []model.ParamChange, score float64, stagnant int) {
	if organism.Ledger == nil || len(changes) == 0 {
		return
	}
	at := c.now().UTC()
	for _, change := range changes {
		err := organism.Ledger.RecordMutation(ctx, model.MutationRecord{
			RunID:          c.runID,
			OrganismID:     organism.ID,
			Strategy:       strategy,
			Param:          change.Param,
			Old:            change.Old,
			New:            change.New,
			Score:          score,
			StagnantCycles: stagnant,
			RecordedAt:     at,
		})
		if err != nil {
			c.logger.Warn("ledger write failed",
				zap.String("strategy", strategy),
				zap.String("param", change.Param),
				zap.Error(err),
			)
			c.observer.LedgerError(err)
		}
	}
}
