// Package embryo is the public facade over the mutation loop, its ledger and
// its crash history.
package embryo

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"embryo/internal/config"
	"embryo/internal/crash"
	"embryo/internal/evo"
	"embryo/internal/health"
	"embryo/internal/ledger"
	"embryo/internal/merge"
	"embryo/internal/metrics"
	"embryo/internal/model"
	"embryo/internal/platform"
	"embryo/internal/pressure"
	"embryo/internal/server"
	"embryo/internal/stats"
)

const defaultExportsDir = "exports"

type Options struct {
	Config config.Config
	Logger *zap.Logger
	// Sampler replaces the procfs sampler.
	Sampler    health.Sampler
	Registry   *prometheus.Registry
	ExportsDir string
}

type Client struct {
	cfg        config.Config
	logger     *zap.Logger
	ledger     ledger.Ledger
	crashes    *crash.Tracker
	sampler    health.Sampler
	registry   *prometheus.Registry
	recorder   *metrics.Recorder
	exportsDir string

	mu   sync.Mutex
	loop *platform.Loop
}

type RunRequest struct {
	// RunID defaults to a new UUID.
	RunID string
	// MaxCycles overrides the configured limit when > 0.
	MaxCycles int
	// NoPressure skips the configured pressure generators.
	NoPressure bool
}

type RunSummary struct {
	RunID          string             `json:"run_id"`
	ArtifactsDir   string             `json:"artifacts_dir"`
	Cycles         int                `json:"cycles"`
	Failures       int                `json:"failures"`
	BestScore      float64            `json:"best_score"`
	LastScore      float64            `json:"last_score"`
	StagnantCycles int                `json:"stagnant_cycles"`
	StrategyCounts map[string]int     `json:"strategy_counts"`
	Weights        map[string]float64 `json:"weights"`
	Params         map[string]float64 `json:"params"`
}

type SampleResult struct {
	Snapshot model.MetricsSnapshot `json:"snapshot"`
	Score    float64               `json:"score"`
}

type CrashesRequest struct {
	Goal  string
	Phase string
	// Limit < 0 returns everything.
	Limit int
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string `json:"run_id"`
	Directory string `json:"directory"`
}

func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		return nil, err
	}

	store, err := ledger.NewLedger(cfg.Ledger.Kind, cfg.Ledger.Path, logger.Named("ledger"))
	if err != nil {
		return nil, err
	}
	if err := store.Init(context.Background()); err != nil {
		return nil, fmt.Errorf("init %s ledger: %w", cfg.Ledger.Kind, err)
	}

	crashPath := cfg.Crash.Path
	if crashPath == "" {
		crashPath = crash.DefaultPath()
	}

	sampler := opts.Sampler
	if sampler == nil {
		sampler = health.NewProcSampler(health.ProcSamplerOptions{
			ProcMount:    cfg.Health.ProcMount,
			DiskPath:     cfg.Health.DiskPath,
			LinkCapacity: cfg.Health.LinkCapacity,
			Logger:       logger.Named("health"),
		})
	}

	return &Client{
		cfg:        cfg,
		logger:     logger,
		ledger:     store,
		crashes:    crash.Open(crashPath, logger),
		sampler:    sampler,
		registry:   registry,
		recorder:   recorder,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return ledger.CloseIfSupported(c.ledger)
}

func (c *Client) Config() config.Config { return c.cfg }

// Run drives the mutation loop until ctx ends or the cycle limit is reached,
// then writes the run artifacts and index entry.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	cfg := c.cfg
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	maxCycles := cfg.Controller.MaxCycles
	if req.MaxCycles > 0 {
		maxCycles = req.MaxCycles
	}

	rng := rand.New(rand.NewSource(cfg.Strategies.Seed))
	registry := evo.NewRegistry(rng, evo.SelectionPolicy{StuckBoost: cfg.Controller.StuckBoost})
	if err := evo.DefaultStrategies(registry, rng, cfg.Strategies.CreepStep); err != nil {
		return RunSummary{}, err
	}

	organism := evo.NewOrganism(cfg.OrganismID, registry, c.ledger)
	for _, name := range cfg.ParamNames() {
		p := cfg.Params[name]
		if err := organism.Define(name, p.Value, model.Bounds{Low: p.Low, High: p.High}); err != nil {
			return RunSummary{}, err
		}
	}

	weights := evo.Weights(cfg.Strategies.Weights).Clone()
	if len(weights) == 0 {
		weights = evo.UniformWeights(registry.Names())
	}
	initialWeights := weights.Clone()

	controller, err := evo.NewController(evo.ControllerConfig{
		Sampler:             c.sampler,
		Scorer:              cfg.Scorer(),
		StagnationThreshold: cfg.Controller.StagnationThreshold,
		Policy:              cfg.WeightPolicy(),
		Observer:            c.recorder,
		Logger:              c.logger.Named("evo"),
		RunID:               runID,
	})
	if err != nil {
		return RunSummary{}, err
	}

	loop := &platform.Loop{
		RunID:              runID,
		Controller:         controller,
		Organism:           organism,
		Weights:            weights,
		Crashes:            c.crashes,
		Interval:           cfg.Controller.Interval,
		MaxCycles:          maxCycles,
		CrashGoal:          cfg.Crash.Goal,
		RepeatedCrashLimit: cfg.Crash.RepeatedLimit,
		StopOnError:        cfg.Controller.StopOnError,
		Logger:             c.logger.Named("loop"),
	}
	c.mu.Lock()
	c.loop = loop
	c.mu.Unlock()

	if !req.NoPressure {
		generators, err := pressure.Spawn(cfg.Pressure.CPU, cfg.Pressure.RAM, c.logger.Named("pressure"))
		if err != nil {
			return RunSummary{}, err
		}
		defer pressure.StopAll(generators)
	}

	started := time.Now().UTC()
	result, runErr := loop.Run(ctx)
	status := loop.Status()

	runConfig := stats.RunConfig{
		RunID:               runID,
		OrganismID:          cfg.OrganismID,
		Seed:                cfg.Strategies.Seed,
		StagnationThreshold: cfg.Controller.StagnationThreshold,
		WeightGrowth:        cfg.Controller.WeightGrowth,
		WeightDecay:         cfg.Controller.WeightDecay,
		WeightFloor:         cfg.Controller.WeightFloor,
		WeightCeiling:       cfg.Controller.WeightCeiling,
		StuckBoost:          cfg.Controller.StuckBoost,
		IntervalMS:          cfg.Controller.Interval.Milliseconds(),
		MaxCycles:           maxCycles,
		LedgerBackend:       cfg.Ledger.Kind,
		Params:              make(map[string]stats.ParamSpec, len(cfg.Params)),
		InitialWeights:      initialWeights,
	}
	if !req.NoPressure {
		runConfig.CPUPressure = cfg.Pressure.CPU
		runConfig.RAMPressure = cfg.Pressure.RAM
	}
	for name, p := range cfg.Params {
		runConfig.Params[name] = stats.ParamSpec{Value: p.Value, Low: p.Low, High: p.High}
	}

	runDir, err := stats.WriteRunArtifacts(cfg.ArtifactsDir, stats.RunArtifacts{
		Config:         runConfig,
		ScoreHistory:   result.ScoreHistory,
		FinalBestScore: result.BestScore,
		Final: stats.FinalState{
			Params:         status.Params,
			Weights:        status.Weights,
			StrategyCounts: result.StrategyCounts,
			StagnantCycles: result.StagnantCycles,
			Cycles:         result.Cycles,
			Failures:       result.Failures,
		},
		Crashes: c.runCrashes(runID),
	})
	if err != nil {
		return RunSummary{}, errors.Join(runErr, err)
	}
	if err := stats.AppendRunIndex(cfg.ArtifactsDir, stats.RunIndexEntry{
		RunID:          runID,
		OrganismID:     cfg.OrganismID,
		Seed:           cfg.Strategies.Seed,
		Cycles:         result.Cycles,
		Failures:       result.Failures,
		FinalBestScore: result.BestScore,
		LedgerBackend:  cfg.Ledger.Kind,
		CreatedAtUTC:   started.Format(time.RFC3339Nano),
	}); err != nil {
		return RunSummary{}, errors.Join(runErr, err)
	}

	return RunSummary{
		RunID:          runID,
		ArtifactsDir:   filepath.Clean(runDir),
		Cycles:         result.Cycles,
		Failures:       result.Failures,
		BestScore:      result.BestScore,
		LastScore:      result.LastScore,
		StagnantCycles: result.StagnantCycles,
		StrategyCounts: result.StrategyCounts,
		Weights:        status.Weights,
		Params:         status.Params,
	}, runErr
}

func (c *Client) runCrashes(runID string) []model.CrashEvent {
	out := []model.CrashEvent{}
	for _, event := range c.crashes.RecentCrashes(-1) {
		if id, _ := event.Context["run_id"].(string); id == runID {
			out = append(out, event)
		}
	}
	return out
}

// Status reports the most recent run. It is the zero Status before any run.
func (c *Client) Status() platform.Status {
	c.mu.Lock()
	loop := c.loop
	c.mu.Unlock()
	if loop == nil {
		return platform.Status{}
	}
	return loop.Status()
}

// Router serves status, ledger, crash and metrics endpoints for this client.
func (c *Client) Router() *gin.Engine {
	return server.NewRouter(server.Deps{
		Status:   c,
		Ledger:   c.ledger,
		Crashes:  c.crashes,
		Gatherer: c.registry,
		Logger:   c.logger.Named("http"),
	})
}

func (c *Client) Sample(ctx context.Context) (SampleResult, error) {
	snapshot, err := c.sampler.Sample(ctx)
	if err != nil {
		return SampleResult{}, err
	}
	score, err := c.cfg.Scorer().Score(snapshot)
	if err != nil {
		return SampleResult{}, err
	}
	return SampleResult{Snapshot: snapshot, Score: score}, nil
}

func (c *Client) Mutations(ctx context.Context, query ledger.Query) ([]model.MutationRecord, error) {
	return c.ledger.Mutations(ctx, query)
}

func (c *Client) Cycles(ctx context.Context, runID string, limit int) ([]model.CycleRecord, error) {
	return c.ledger.Cycles(ctx, runID, limit)
}

func (c *Client) Crashes(req CrashesRequest) []model.CrashEvent {
	if req.Goal == "" {
		events := c.crashes.RecentCrashes(req.Limit)
		// newest first, like the goal query
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
		return events
	}
	return c.crashes.RecentCrashesForGoal(req.Goal, req.Phase, req.Limit)
}

func (c *Client) CrashCount() int {
	return c.crashes.CrashCount()
}

func (c *Client) ClearCrashes() {
	c.crashes.Clear()
}

func (c *Client) ExportCrashes(path string) (int, error) {
	data, err := c.crashes.ToJSON()
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, err
	}
	return c.crashes.CrashCount(), nil
}

// ImportCrashes appends the events in the JSON file at path that are not
// already known and returns how many were added.
func (c *Client) ImportCrashes(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	source, err := crash.FromJSON(data, c.logger)
	if err != nil {
		return 0, err
	}
	return c.crashes.Import(source.RecentCrashes(-1)), nil
}

func (c *Client) Merge(ctx context.Context, opts merge.Options) (merge.Report, error) {
	if opts.Logger == nil {
		opts.Logger = c.logger.Named("merge")
	}
	return merge.Merge(ctx, opts)
}

func (c *Client) Runs(limit int) ([]stats.RunIndexEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	entries, err := stats.ListRunIndex(c.cfg.ArtifactsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (c *Client) Export(req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		entries, err := stats.ListRunIndex(c.cfg.ArtifactsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = entries[0].RunID
	}

	dir, err := stats.ExportRunArtifacts(c.cfg.ArtifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(dir)}, nil
}
