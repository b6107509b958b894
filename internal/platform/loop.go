// Package platform drives repeated mutation cycles against one organism.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"embryo/internal/evo"
	"embryo/internal/model"
)

const (
	DefaultCrashGoal          = "mutation_cycle"
	DefaultRepeatedCrashLimit = 3
)

// CrashLog is the part of the crash tracker the loop needs.
type CrashLog interface {
	RecordCrash(goal, phase string, context map[string]any) model.CrashEvent
	RecentCrashesForGoal(goal, phase string, limit int) []model.CrashEvent
}

// Loop runs mutation cycles until its context ends or MaxCycles attempts
// have been made. Stop requests are only honoured between cycles.
type Loop struct {
	RunID      string
	Controller *evo.Controller
	Organism   *evo.Organism
	Weights    evo.Weights
	Crashes    CrashLog
	// Interval is the minimum spacing between cycle starts; zero runs back
	// to back.
	Interval  time.Duration
	MaxCycles int
	CrashGoal string
	// RepeatedCrashLimit is how many crashes of this run in the same phase
	// make the next cycle run stuck. Zero disables the bias.
	RepeatedCrashLimit int
	StopOnError        bool
	Logger             *zap.Logger

	cycleMu   sync.Mutex
	stagnant  int
	cycle     int
	lastPhase string

	statusMu sync.RWMutex
	status   Status
}

type LoopResult struct {
	Cycles         int            `json:"cycles"`
	Failures       int            `json:"failures"`
	BestScore      float64        `json:"best_score"`
	LastScore      float64        `json:"last_score"`
	ScoreHistory   []float64      `json:"score_history"`
	StagnantCycles int            `json:"stagnant_cycles"`
	StrategyCounts map[string]int `json:"strategy_counts"`
}

type Status struct {
	RunID          string             `json:"run_id"`
	Running        bool               `json:"running"`
	Cycles         int                `json:"cycles"`
	Failures       int                `json:"failures"`
	StagnantCycles int                `json:"stagnant_cycles"`
	LastScore      float64            `json:"last_score"`
	BestScore      float64            `json:"best_score"`
	LastStrategy   string             `json:"last_strategy,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
	Weights        map[string]float64 `json:"weights"`
	Params         map[string]float64 `json:"params"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func (l *Loop) validate() error {
	if l.Controller == nil {
		return errors.New("controller is required")
	}
	if l.Organism == nil {
		return errors.New("organism is required")
	}
	if l.Organism.Registry == nil {
		return fmt.Errorf("organism %q has no strategy registry", l.Organism.ID)
	}
	return nil
}

// validateWeights must be called with cycleMu held.
func (l *Loop) validateWeights() error {
	if err := l.Weights.ValidateFor(l.Organism.Registry.Names()); err != nil {
		return fmt.Errorf("strategy weights: %w", err)
	}
	return nil
}

func (l *Loop) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

func (l *Loop) crashGoal() string {
	if l.CrashGoal == "" {
		return DefaultCrashGoal
	}
	return l.CrashGoal
}

// Run loops until ctx is done or MaxCycles attempts (successful or not)
// complete. Cancellation is not an error. A failed cycle is logged and
// recorded as a crash; Run only returns it when StopOnError is set.
func (l *Loop) Run(ctx context.Context) (LoopResult, error) {
	if err := l.validate(); err != nil {
		return LoopResult{}, err
	}
	limit := rate.Inf
	if l.Interval > 0 {
		limit = rate.Every(l.Interval)
	}
	limiter := rate.NewLimiter(limit, 1)

	result := LoopResult{StrategyCounts: map[string]int{}}
	l.cycleMu.Lock()
	if err := l.validateWeights(); err != nil {
		l.cycleMu.Unlock()
		return LoopResult{}, err
	}
	params, weights := l.snapshot()
	l.cycleMu.Unlock()
	l.updateStatus(func(s *Status) {
		s.Running = true
		s.Params = params
		s.Weights = weights
	})
	defer l.updateStatus(func(s *Status) { s.Running = false })

	logger := l.logger()
	logger.Info("mutation loop started",
		zap.String("run_id", l.RunID),
		zap.String("organism", l.Organism.ID),
		zap.Int("max_cycles", l.MaxCycles),
		zap.Duration("interval", l.Interval),
	)

	for l.MaxCycles <= 0 || result.Cycles+result.Failures < l.MaxCycles {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		if ctx.Err() != nil {
			break
		}

		cycle, err := l.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			result.Failures++
			if l.StopOnError {
				l.finish(&result)
				return result, err
			}
			continue
		}
		if result.Cycles == 0 || cycle.Score > result.BestScore {
			result.BestScore = cycle.Score
		}
		result.Cycles++
		result.LastScore = cycle.Score
		result.ScoreHistory = append(result.ScoreHistory, cycle.Score)
		result.StrategyCounts[cycle.Strategy]++
	}

	l.finish(&result)
	logger.Info("mutation loop stopped",
		zap.String("run_id", l.RunID),
		zap.Int("cycles", result.Cycles),
		zap.Int("failures", result.Failures),
		zap.Float64("best_score", result.BestScore),
	)
	return result, nil
}

func (l *Loop) finish(result *LoopResult) {
	l.cycleMu.Lock()
	result.StagnantCycles = l.stagnant
	l.cycleMu.Unlock()
}

// Step runs exactly one cycle. Concurrent calls are serialised.
func (l *Loop) Step(ctx context.Context) (evo.CycleResult, error) {
	if err := l.validate(); err != nil {
		return evo.CycleResult{}, err
	}
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	if err := l.validateWeights(); err != nil {
		return evo.CycleResult{}, err
	}

	l.cycle++
	stagnant := l.stagnant
	if l.repeatedCrashes() && stagnant < l.Controller.StagnationThreshold() {
		l.logger().Warn("repeated crashes, forcing exploration",
			zap.String("goal", l.crashGoal()),
			zap.String("phase", l.lastPhase),
		)
		stagnant = l.Controller.StagnationThreshold()
	}

	result, err := l.Controller.MutationCycle(ctx, l.Organism, l.Weights, stagnant, true)
	if err != nil && ctx.Err() != nil {
		l.cycle--
		return evo.CycleResult{}, err
	}
	if err != nil {
		phase := cyclePhase(err)
		l.lastPhase = phase
		l.logger().Error("mutation cycle failed",
			zap.Int("cycle", l.cycle),
			zap.String("phase", phase),
			zap.Error(err),
		)
		if l.Crashes != nil {
			l.Crashes.RecordCrash(l.crashGoal(), phase, map[string]any{
				"run_id":          l.RunID,
				"organism":        l.Organism.ID,
				"cycle":           l.cycle,
				"stagnant_cycles": stagnant,
				"error":           err.Error(),
			})
		}
		l.updateStatus(func(s *Status) {
			s.Failures++
			s.LastError = err.Error()
		})
		return evo.CycleResult{}, err
	}

	l.lastPhase = ""
	l.stagnant = result.StagnantCycles
	l.recordCycle(ctx, result)

	params, weights := l.snapshot()
	l.updateStatus(func(s *Status) {
		s.Cycles++
		s.StagnantCycles = result.StagnantCycles
		if s.Cycles == 1 || result.Score > s.BestScore {
			s.BestScore = result.Score
		}
		s.LastScore = result.Score
		s.LastStrategy = result.Strategy
		s.LastError = ""
		s.Weights = weights
		s.Params = params
	})
	return result, nil
}

// repeatedCrashes reports whether the previous cycle failed and this run has
// at least RepeatedCrashLimit recent crashes in that phase.
func (l *Loop) repeatedCrashes() bool {
	if l.Crashes == nil || l.RepeatedCrashLimit <= 0 || l.lastPhase == "" {
		return false
	}
	recent := l.Crashes.RecentCrashesForGoal(l.crashGoal(), l.lastPhase, l.RepeatedCrashLimit)
	count := 0
	for _, c := range recent {
		if run, _ := c.Context["run_id"].(string); run == l.RunID {
			count++
		}
	}
	return count >= l.RepeatedCrashLimit
}

func (l *Loop) recordCycle(ctx context.Context, result evo.CycleResult) {
	sink, ok := l.Organism.Ledger.(evo.CycleSink)
	if !ok {
		return
	}
	err := sink.RecordCycle(ctx, model.CycleRecord{
		RunID:          l.RunID,
		OrganismID:     l.Organism.ID,
		Cycle:          l.cycle,
		Strategy:       result.Strategy,
		Tag:            result.Tag,
		ScoreBefore:    result.ScoreBefore,
		ScoreAfter:     result.Score,
		Improved:       result.Improved,
		StagnantCycles: result.StagnantCycles,
		Changes:        result.Changes,
		RecordedAt:     time.Now().UTC(),
	})
	if err != nil {
		l.logger().Warn("cycle record write failed", zap.Int("cycle", l.cycle), zap.Error(err))
	}
}

func (l *Loop) Status() Status {
	l.statusMu.RLock()
	defer l.statusMu.RUnlock()

	s := l.status
	s.Weights = copyFloats(l.status.Weights)
	s.Params = copyFloats(l.status.Params)
	return s
}

func (l *Loop) snapshot() (params, weights map[string]float64) {
	return l.Organism.Snapshot(), copyFloats(l.Weights)
}

func (l *Loop) updateStatus(fn func(s *Status)) {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()

	l.status.RunID = l.RunID
	fn(&l.status)
	l.status.UpdatedAt = time.Now().UTC()
}

func cyclePhase(err error) string {
	switch {
	case errors.Is(err, evo.ErrSample):
		return "sample"
	case errors.Is(err, evo.ErrScore):
		return "score"
	case errors.Is(err, evo.ErrSelect):
		return "select"
	case errors.Is(err, evo.ErrApply):
		return "apply"
	default:
		return "cycle"
	}
}

func copyFloats(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s Status) String() string {
	return fmt.Sprintf("run=%s cycles=%d failures=%d score=%.4f best=%.4f stagnant=%d",
		s.RunID, s.Cycles, s.Failures, s.LastScore, s.BestScore, s.StagnantCycles)
}
