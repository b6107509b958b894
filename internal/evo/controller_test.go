package evo

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"embryo/internal/health"
	"embryo/internal/model"
)

type recordingLedger struct {
	mu      sync.Mutex
	records []model.MutationRecord
	err     error
}

func (l *recordingLedger) RecordMutation(_ context.Context, record model.MutationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.records = append(l.records, record)
	return nil
}

type countingObserver struct {
	completed int
	failed    int
	ledger    int
}

func (o *countingObserver) CycleCompleted(CycleResult, Weights) { o.completed++ }
func (o *countingObserver) CycleFailed(error)                   { o.failed++ }
func (o *countingObserver) LedgerError(error)                   { o.ledger++ }

// scriptedScores returns a sampler and scorer pair that yields scores in
// order. The last score repeats once the script runs out.
func scriptedScores(scores ...float64) (health.Sampler, health.Scorer) {
	var mu sync.Mutex
	next := 0
	sampler := health.SamplerFunc(func(context.Context) (model.MetricsSnapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		idx := next
		if idx >= len(scores) {
			idx = len(scores) - 1
		}
		next++
		return model.MetricsSnapshot{CPU: (1 - scores[idx]) * 100}, nil
	})
	scorer := health.ScorerFunc(func(s model.MetricsSnapshot) (float64, error) {
		return 1 - s.CPU/100, nil
	})
	return sampler, scorer
}

func incrementBy(name, param string, delta float64) Strategy {
	return StrategyFunc{
		StrategyName: name,
		Fn: func(_ context.Context, organism *Organism) (string, model.Detail, error) {
			old := organism.Params[param]
			return "increment", model.ParamChange{Param: param, Old: old, New: old + delta}, nil
		},
	}
}

func newTestController(t *testing.T, sampler health.Sampler, scorer health.Scorer, observer Observer) *Controller {
	t.Helper()
	controller, err := NewController(ControllerConfig{
		Sampler:  sampler,
		Scorer:   scorer,
		Observer: observer,
		RunID:    "test-run",
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return controller
}

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestMutationCycleImprovingScenario(t *testing.T) {
	ledger := &recordingLedger{}
	registry := NewRegistry(rand.New(rand.NewSource(7)), DefaultSelectionPolicy())
	registry.MustRegister("gaussian", incrementBy("gaussian", "x", 1))
	registry.MustRegister("reset", &Reset{Rand: rand.New(rand.NewSource(1))})

	organism := NewOrganism("org-1", registry, ledger)
	if err := organism.Define("x", 5, model.Bounds{Low: 0, High: 100}); err != nil {
		t.Fatalf("define: %v", err)
	}

	sampler, scorer := scriptedScores(0.5, 0.6)
	controller := newTestController(t, sampler, scorer, nil)
	weights := Weights{"gaussian": 1.0, "reset": 0.0}

	result, err := controller.MutationCycle(context.Background(), organism, weights, 0, true)
	if err != nil {
		t.Fatalf("mutation cycle: %v", err)
	}
	if !nearlyEqual(result.Score, 0.6) {
		t.Fatalf("expected score 0.6, got %f", result.Score)
	}
	if result.StagnantCycles != 0 {
		t.Fatalf("expected stagnant cycles 0, got %d", result.StagnantCycles)
	}
	if result.Strategy != "gaussian" {
		t.Fatalf("expected gaussian, got %q", result.Strategy)
	}
	if organism.Params["x"] != 6 {
		t.Fatalf("expected x=6, got %f", organism.Params["x"])
	}
	if weights["gaussian"] <= 1.0 {
		t.Fatalf("expected gaussian weight to grow, got %f", weights["gaussian"])
	}
	if weights["reset"] != 0 {
		t.Fatalf("unchosen weight changed: %f", weights["reset"])
	}

	if len(ledger.records) != 1 {
		t.Fatalf("expected 1 ledger record, got %d", len(ledger.records))
	}
	rec := ledger.records[0]
	if rec.Strategy != "gaussian" || rec.Param != "x" || rec.Old != 5 || rec.New != 6 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !nearlyEqual(rec.Score, 0.6) || rec.StagnantCycles != 0 {
		t.Fatalf("unexpected record score/stagnation: %+v", rec)
	}
	if rec.RunID != "test-run" || rec.OrganismID != "org-1" {
		t.Fatalf("unexpected record identity: %+v", rec)
	}
}

func TestMutationCycleOmitsStrategyUnlessRequested(t *testing.T) {
	registry := NewRegistry(rand.New(rand.NewSource(1)), DefaultSelectionPolicy())
	registry.MustRegister("inc", incrementBy("inc", "x", 1))
	organism := NewOrganism("org", registry, nil)
	_ = organism.Define("x", 0, model.Bounds{Low: 0, High: 10})

	sampler, scorer := scriptedScores(0.5)
	controller := newTestController(t, sampler, scorer, nil)

	result, err := controller.MutationCycle(context.Background(), organism, Weights{"inc": 1}, 0, false)
	if err != nil {
		t.Fatalf("mutation cycle: %v", err)
	}
	if result.Strategy != "" {
		t.Fatalf("expected strategy to be omitted, got %q", result.Strategy)
	}
}

func TestMutationCycleFansOutMultiParamChanges(t *testing.T) {
	ledger := &recordingLedger{}
	registry := NewRegistry(rand.New(rand.NewSource(3)), DefaultSelectionPolicy())
	registry.MustRegister("multi_gene", &MultiGene{Rand: rand.New(rand.NewSource(11)), Count: 2})

	organism := NewOrganism("org", registry, ledger)
	for _, name := range []string{"a", "b", "c"} {
		if err := organism.Define(name, 0.5, model.Bounds{Low: 0, High: 1}); err != nil {
			t.Fatalf("define %s: %v", name, err)
		}
	}

	sampler, scorer := scriptedScores(0.5, 0.4)
	controller := newTestController(t, sampler, scorer, nil)
	result, err := controller.MutationCycle(context.Background(), organism, Weights{"multi_gene": 1}, 2, true)
	if err != nil {
		t.Fatalf("mutation cycle: %v", err)
	}
	if len(result.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(result.Changes))
	}
	if len(ledger.records) != 2 {
		t.Fatalf("expected 2 ledger records, got %d", len(ledger.records))
	}
	seen := map[string]bool{}
	for _, rec := range ledger.records {
		if _, ok := organism.Params[rec.Param]; !ok {
			t.Fatalf("record param is not a single parameter: %q", rec.Param)
		}
		if seen[rec.Param] {
			t.Fatalf("duplicate param record: %q", rec.Param)
		}
		seen[rec.Param] = true
		if rec.StagnantCycles != 3 {
			t.Fatalf("expected stagnant count 3 on record, got %d", rec.StagnantCycles)
		}
	}
}

func TestMutationCycleZeroChangesEmitsNoRecords(t *testing.T) {
	ledger := &recordingLedger{}
	registry := NewRegistry(nil, DefaultSelectionPolicy())
	registry.MustRegister("noop", StrategyFunc{
		StrategyName: "noop",
		Fn: func(context.Context, *Organism) (string, model.Detail, error) {
			return "noop", model.ParamChanges{}, nil
		},
	})
	organism := NewOrganism("org", registry, ledger)
	_ = organism.Define("x", 1, model.Bounds{Low: 0, High: 2})

	sampler, scorer := scriptedScores(0.7, 0.7)
	controller := newTestController(t, sampler, scorer, nil)
	weights := Weights{"noop": 1}
	result, err := controller.MutationCycle(context.Background(), organism, weights, 4, true)
	if err != nil {
		t.Fatalf("mutation cycle: %v", err)
	}
	if len(ledger.records) != 0 {
		t.Fatalf("expected no records, got %d", len(ledger.records))
	}
	if result.StagnantCycles != 5 {
		t.Fatalf("expected stagnant 5, got %d", result.StagnantCycles)
	}
	if !result.Stuck {
		t.Fatal("expected cycle to run stuck at stagnant=4")
	}
	if weights["noop"] >= 1 {
		t.Fatalf("expected no-op weight to decay, got %f", weights["noop"])
	}
}

func TestMutationCycleRecordsClampedNoOp(t *testing.T) {
	ledger := &recordingLedger{}
	registry := NewRegistry(nil, DefaultSelectionPolicy())
	registry.MustRegister("push", incrementBy("push", "x", 5))
	organism := NewOrganism("org", registry, ledger)
	_ = organism.Define("x", 10, model.Bounds{Low: 0, High: 10})

	sampler, scorer := scriptedScores(0.5, 0.5)
	controller := newTestController(t, sampler, scorer, nil)
	if _, err := controller.MutationCycle(context.Background(), organism, Weights{"push": 1}, 0, false); err != nil {
		t.Fatalf("mutation cycle: %v", err)
	}
	if organism.Params["x"] != 10 {
		t.Fatalf("expected x clamped to 10, got %f", organism.Params["x"])
	}
	if len(ledger.records) != 1 {
		t.Fatalf("expected clamped no-op to be recorded, got %d records", len(ledger.records))
	}
	if ledger.records[0].Old != 10 || ledger.records[0].New != 10 {
		t.Fatalf("unexpected record: %+v", ledger.records[0])
	}
}

func TestMutationCycleSampleFailureAborts(t *testing.T) {
	ledger := &recordingLedger{}
	registry := NewRegistry(nil, DefaultSelectionPolicy())
	registry.MustRegister("inc", incrementBy("inc", "x", 1))
	organism := NewOrganism("org", registry, ledger)
	_ = organism.Define("x", 1, model.Bounds{Low: 0, High: 10})

	boom := errors.New("telemetry offline")
	sampler := health.SamplerFunc(func(context.Context) (model.MetricsSnapshot, error) {
		return model.MetricsSnapshot{}, boom
	})
	observer := &countingObserver{}
	controller := newTestController(t, sampler, health.DefaultScorer(), observer)
	weights := Weights{"inc": 1}

	_, err := controller.MutationCycle(context.Background(), organism, weights, 0, true)
	if !errors.Is(err, ErrSample) {
		t.Fatalf("expected ErrSample, got %v", err)
	}
	if organism.Params["x"] != 1 {
		t.Fatalf("organism mutated on aborted cycle: %f", organism.Params["x"])
	}
	if weights["inc"] != 1 {
		t.Fatalf("weights changed on aborted cycle: %f", weights["inc"])
	}
	if len(ledger.records) != 0 {
		t.Fatalf("records written on aborted cycle: %d", len(ledger.records))
	}
	if observer.failed != 1 || observer.completed != 0 {
		t.Fatalf("unexpected observer counts: %+v", observer)
	}
}

func TestMutationCycleScoreFailureAborts(t *testing.T) {
	registry := NewRegistry(nil, DefaultSelectionPolicy())
	registry.MustRegister("inc", incrementBy("inc", "x", 1))
	organism := NewOrganism("org", registry, nil)
	_ = organism.Define("x", 1, model.Bounds{Low: 0, High: 10})

	sampler, _ := scriptedScores(0.5)
	scorer := health.ScorerFunc(func(model.MetricsSnapshot) (float64, error) {
		return 0, errors.New("bad snapshot")
	})
	controller := newTestController(t, sampler, scorer, nil)
	if _, err := controller.MutationCycle(context.Background(), organism, Weights{"inc": 1}, 0, true); !errors.Is(err, ErrScore) {
		t.Fatalf("expected ErrScore, got %v", err)
	}
}

func TestMutationCycleApplyFailurePropagates(t *testing.T) {
	boom := errors.New("corrupted state")
	registry := NewRegistry(nil, DefaultSelectionPolicy())
	registry.MustRegister("broken", StrategyFunc{
		StrategyName: "broken",
		Fn: func(context.Context, *Organism) (string, model.Detail, error) {
			return "", nil, boom
		},
	})
	organism := NewOrganism("org", registry, nil)
	_ = organism.Define("x", 1, model.Bounds{Low: 0, High: 10})

	sampler, scorer := scriptedScores(0.5)
	controller := newTestController(t, sampler, scorer, nil)
	_, err := controller.MutationCycle(context.Background(), organism, Weights{"broken": 1}, 0, true)
	if !errors.Is(err, ErrApply) || !errors.Is(err, boom) {
		t.Fatalf("expected ErrApply wrapping cause, got %v", err)
	}
}

func TestMutationCycleUnknownParamLeavesOrganismUntouched(t *testing.T) {
	registry := NewRegistry(nil, DefaultSelectionPolicy())
	registry.MustRegister("stray", StrategyFunc{
		StrategyName: "stray",
		Fn: func(context.Context, *Organism) (string, model.Detail, error) {
			return "stray", model.ParamChanges{
				{Param: "x", Old: 1, New: 2},
				{Param: "ghost", Old: 0, New: 1},
			}, nil
		},
	})
	organism := NewOrganism("org", registry, nil)
	_ = organism.Define("x", 1, model.Bounds{Low: 0, High: 10})

	sampler, scorer := scriptedScores(0.5)
	controller := newTestController(t, sampler, scorer, nil)
	_, err := controller.MutationCycle(context.Background(), organism, Weights{"stray": 1}, 0, true)
	if !errors.Is(err, ErrUnknownParam) {
		t.Fatalf("expected ErrUnknownParam, got %v", err)
	}
	if organism.Params["x"] != 1 {
		t.Fatalf("expected x untouched, got %f", organism.Params["x"])
	}
}

func TestMutationCycleNoPositiveWeight(t *testing.T) {
	registry := NewRegistry(nil, DefaultSelectionPolicy())
	registry.MustRegister("inc", incrementBy("inc", "x", 1))
	organism := NewOrganism("org", registry, nil)
	_ = organism.Define("x", 1, model.Bounds{Low: 0, High: 10})

	sampler, scorer := scriptedScores(0.5)
	controller := newTestController(t, sampler, scorer, nil)
	_, err := controller.MutationCycle(context.Background(), organism, Weights{"inc": 0}, 0, true)
	if !errors.Is(err, ErrSelect) {
		t.Fatalf("expected ErrSelect, got %v", err)
	}
}

func TestMutationCycleStagnationCounter(t *testing.T) {
	cases := []struct {
		name     string
		scores   []float64
		start    int
		expected int
	}{
		{name: "improved resets", scores: []float64{0.4, 0.5}, start: 9, expected: 0},
		{name: "equal increments", scores: []float64{0.5, 0.5}, start: 0, expected: 1},
		{name: "worse increments", scores: []float64{0.5, 0.3}, start: 6, expected: 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			registry := NewRegistry(nil, DefaultSelectionPolicy())
			registry.MustRegister("inc", incrementBy("inc", "x", 1))
			organism := NewOrganism("org", registry, nil)
			_ = organism.Define("x", 0, model.Bounds{Low: 0, High: 100})

			sampler, scorer := scriptedScores(tc.scores...)
			controller := newTestController(t, sampler, scorer, nil)
			weights := Weights{"inc": 2}
			result, err := controller.MutationCycle(context.Background(), organism, weights, tc.start, true)
			if err != nil {
				t.Fatalf("mutation cycle: %v", err)
			}
			if result.StagnantCycles != tc.expected {
				t.Fatalf("expected stagnant %d, got %d", tc.expected, result.StagnantCycles)
			}
			if result.Improved && weights["inc"] <= 2 {
				t.Fatalf("expected weight growth on improvement, got %f", weights["inc"])
			}
			if !result.Improved && weights["inc"] > 2 {
				t.Fatalf("weight grew without improvement: %f", weights["inc"])
			}
		})
	}
}

func TestMutationCycleLedgerErrorIsNonFatal(t *testing.T) {
	ledger := &recordingLedger{err: errors.New("disk full")}
	registry := NewRegistry(nil, DefaultSelectionPolicy())
	registry.MustRegister("inc", incrementBy("inc", "x", 1))
	organism := NewOrganism("org", registry, ledger)
	_ = organism.Define("x", 0, model.Bounds{Low: 0, High: 10})

	observer := &countingObserver{}
	sampler, scorer := scriptedScores(0.5, 0.6)
	controller := newTestController(t, sampler, scorer, observer)
	result, err := controller.MutationCycle(context.Background(), organism, Weights{"inc": 1}, 0, true)
	if err != nil {
		t.Fatalf("ledger failure should not fail cycle: %v", err)
	}
	if result.Score <= result.ScoreBefore {
		t.Fatalf("unexpected scores: %+v", result)
	}
	if observer.ledger != 1 || observer.completed != 1 {
		t.Fatalf("unexpected observer counts: %+v", observer)
	}
}

func TestMutationCycleKeepsParamsWithinBounds(t *testing.T) {
	registry := NewRegistry(rand.New(rand.NewSource(21)), DefaultSelectionPolicy())
	if err := DefaultStrategies(registry, rand.New(rand.NewSource(22)), 0.5); err != nil {
		t.Fatalf("default strategies: %v", err)
	}
	registry.MustRegister("rogue", StrategyFunc{
		StrategyName: "rogue",
		Fn: func(_ context.Context, organism *Organism) (string, model.Detail, error) {
			changes := model.ParamChanges{}
			for _, name := range organism.ParamNames() {
				changes = append(changes, model.ParamChange{Param: name, Old: organism.Params[name], New: math.Inf(1)})
			}
			changes = append(changes, model.ParamChange{Param: "a", Old: 0, New: -1e9})
			return "rogue", changes, nil
		},
	})

	organism := NewOrganism("org", registry, &recordingLedger{})
	_ = organism.Define("a", 0.2, model.Bounds{Low: 0, High: 1})
	_ = organism.Define("b", -3, model.Bounds{Low: -5, High: 5})
	_ = organism.Define("c", 40, model.Bounds{Low: 10, High: 50})

	scores := rand.New(rand.NewSource(23))
	sampler := health.SamplerFunc(func(context.Context) (model.MetricsSnapshot, error) {
		return model.MetricsSnapshot{CPU: scores.Float64() * 100}, nil
	})
	controller := newTestController(t, sampler, health.DefaultScorer(), nil)

	weights := UniformWeights(registry.Names())
	stagnant := 0
	for i := 0; i < 300; i++ {
		result, err := controller.MutationCycle(context.Background(), organism, weights, stagnant, true)
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		stagnant = result.StagnantCycles
		if err := organism.Validate(); err != nil {
			t.Fatalf("cycle %d (%s): %v", i, result.Strategy, err)
		}
		for name, w := range weights {
			if w < 0 {
				t.Fatalf("negative weight for %s: %f", name, w)
			}
		}
	}
}

func TestNewControllerValidation(t *testing.T) {
	if _, err := NewController(ControllerConfig{}); err == nil {
		t.Fatal("expected error without sampler")
	}
	sampler, _ := scriptedScores(0.5)
	_, err := NewController(ControllerConfig{
		Sampler: sampler,
		Policy:  WeightPolicy{Growth: 0.5, Decay: 0.9, Floor: 0.01},
	})
	if err == nil {
		t.Fatal("expected invalid weight policy error")
	}
	controller, err := NewController(ControllerConfig{Sampler: sampler, StagnationThreshold: 5})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	if controller.IsStuck(4) || !controller.IsStuck(5) {
		t.Fatalf("unexpected stuck threshold %d", controller.StagnationThreshold())
	}
}
