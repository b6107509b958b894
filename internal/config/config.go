// Package config loads the embryo run configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"embryo/internal/evo"
	"embryo/internal/health"
)

var ErrInvalid = errors.New("invalid config")

var validate = validator.New()

type Config struct {
	OrganismID   string                 `yaml:"organism_id" validate:"required"`
	Controller   ControllerConfig       `yaml:"controller"`
	Strategies   StrategiesConfig       `yaml:"strategies"`
	Params       map[string]ParamConfig `yaml:"params" validate:"required,min=1,dive"`
	Health       HealthConfig           `yaml:"health"`
	Ledger       LedgerConfig           `yaml:"ledger"`
	Crash        CrashConfig            `yaml:"crash"`
	Pressure     PressureConfig         `yaml:"pressure"`
	Server       ServerConfig           `yaml:"server"`
	ArtifactsDir string                 `yaml:"artifacts_dir"`
	Log          LogConfig              `yaml:"log"`
}

type ControllerConfig struct {
	StagnationThreshold int           `yaml:"stagnation_threshold" validate:"gte=1"`
	WeightGrowth        float64       `yaml:"weight_growth" validate:"gt=1"`
	WeightDecay         float64       `yaml:"weight_decay" validate:"gt=0,lte=1"`
	WeightFloor         float64       `yaml:"weight_floor" validate:"gt=0"`
	WeightCeiling       float64       `yaml:"weight_ceiling" validate:"gtfield=WeightFloor"`
	StuckBoost          float64       `yaml:"stuck_boost" validate:"gte=0"`
	Interval            time.Duration `yaml:"interval" validate:"gte=0"`
	MaxCycles           int           `yaml:"max_cycles" validate:"gte=0"`
	StopOnError         bool          `yaml:"stop_on_error"`
}

type StrategiesConfig struct {
	Seed      int64              `yaml:"seed"`
	CreepStep float64            `yaml:"creep_step" validate:"gt=0"`
	Weights   map[string]float64 `yaml:"weights,omitempty" validate:"dive,gte=0"`
}

type ParamConfig struct {
	Value float64 `yaml:"value"`
	Low   float64 `yaml:"low"`
	High  float64 `yaml:"high"`
}

type HealthConfig struct {
	ProcMount    string        `yaml:"proc_mount"`
	DiskPath     string        `yaml:"disk_path"`
	LinkCapacity float64       `yaml:"link_capacity" validate:"gt=0"`
	Weights      ScorerWeights `yaml:"weights"`
}

type ScorerWeights struct {
	CPU     float64 `yaml:"cpu" validate:"gte=0"`
	Memory  float64 `yaml:"memory" validate:"gte=0"`
	Disk    float64 `yaml:"disk" validate:"gte=0"`
	Network float64 `yaml:"network" validate:"gte=0"`
}

type LedgerConfig struct {
	Kind string `yaml:"kind" validate:"oneof=memory sqlite badger"`
	Path string `yaml:"path"`
}

type CrashConfig struct {
	Path          string `yaml:"path"`
	Goal          string `yaml:"goal" validate:"required"`
	RepeatedLimit int    `yaml:"repeated_limit" validate:"gte=0"`
}

type PressureConfig struct {
	CPU float64 `yaml:"cpu" validate:"gte=0,lte=100"`
	RAM float64 `yaml:"ram" validate:"gte=0,lte=100"`
}

type ServerConfig struct {
	// Addr is empty when the status API is disabled.
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto json console"`
}

func Default() Config {
	policy := evo.DefaultWeightPolicy()
	scorer := health.DefaultScorer()
	return Config{
		OrganismID: "embryo",
		Controller: ControllerConfig{
			StagnationThreshold: evo.DefaultStagnationThreshold,
			WeightGrowth:        policy.Growth,
			WeightDecay:         policy.Decay,
			WeightFloor:         policy.Floor,
			WeightCeiling:       policy.Ceiling,
			StuckBoost:          evo.DefaultStuckBoost,
			Interval:            time.Second,
		},
		Strategies: StrategiesConfig{
			Seed:      1,
			CreepStep: 0.05,
		},
		Params: map[string]ParamConfig{
			"learning_rate": {Value: 0.01, Low: 0.0001, High: 1},
			"dropout":       {Value: 0.1, Low: 0, High: 0.9},
			"batch_size":    {Value: 32, Low: 1, High: 512},
		},
		Health: HealthConfig{
			DiskPath:     health.DefaultDiskPath,
			LinkCapacity: health.DefaultLinkCapacity,
			Weights: ScorerWeights{
				CPU:     scorer.CPU,
				Memory:  scorer.Memory,
				Disk:    scorer.Disk,
				Network: scorer.Network,
			},
		},
		Ledger: LedgerConfig{
			Kind: "sqlite",
			Path: "embryo.db",
		},
		Crash: CrashConfig{
			Goal:          "mutation_cycle",
			RepeatedLimit: 3,
		},
		ArtifactsDir: "runs",
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := Parse(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping fields the document leaves out, then
// validates the result. A params section replaces the default params.
func Parse(data []byte, cfg *Config) error {
	var probe struct {
		Params map[string]ParamConfig `yaml:"params"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if probe.Params != nil {
		cfg.Params = nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg.Validate()
}

func Save(path string, cfg Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var problems []string
	for _, name := range c.ParamNames() {
		p := c.Params[name]
		if strings.TrimSpace(name) == "" {
			problems = append(problems, "param name must not be empty")
			continue
		}
		if p.Low > p.High {
			problems = append(problems, fmt.Sprintf("param %s: low %g > high %g", name, p.Low, p.High))
		} else if p.Value < p.Low || p.Value > p.High {
			problems = append(problems, fmt.Sprintf("param %s: value %g outside [%g, %g]", name, p.Value, p.Low, p.High))
		}
	}
	w := c.Health.Weights
	if w.CPU+w.Memory+w.Disk+w.Network <= 0 {
		problems = append(problems, "health weights must sum to > 0")
	}
	if c.Ledger.Kind != "memory" && strings.TrimSpace(c.Ledger.Path) == "" {
		problems = append(problems, fmt.Sprintf("ledger %s requires a path", c.Ledger.Kind))
	}
	if len(c.Strategies.Weights) > 0 {
		if err := evo.Weights(c.Strategies.Weights).ValidateFor(evo.DefaultStrategyNames()); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) ParamNames() []string {
	names := make([]string, 0, len(c.Params))
	for name := range c.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c Config) WeightPolicy() evo.WeightPolicy {
	return evo.WeightPolicy{
		Growth:  c.Controller.WeightGrowth,
		Decay:   c.Controller.WeightDecay,
		Floor:   c.Controller.WeightFloor,
		Ceiling: c.Controller.WeightCeiling,
	}
}

func (c Config) Scorer() health.WeightedScorer {
	w := c.Health.Weights
	return health.WeightedScorer{CPU: w.CPU, Memory: w.Memory, Disk: w.Disk, Network: w.Network}
}
