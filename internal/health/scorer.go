package health

import (
	"errors"
	"fmt"

	"embryo/internal/model"
)

var ErrInvalidSnapshot = errors.New("invalid metrics snapshot")

// Scorer reduces a snapshot to a fitness score. Implementations must be pure.
type Scorer interface {
	Score(snapshot model.MetricsSnapshot) (float64, error)
}

type ScorerFunc func(snapshot model.MetricsSnapshot) (float64, error)

func (f ScorerFunc) Score(snapshot model.MetricsSnapshot) (float64, error) {
	return f(snapshot)
}

// WeightedScorer scores a snapshot as one minus the weighted mean
// utilisation, so the result is in [0, 1] and never rises when any dimension
// gets busier.
type WeightedScorer struct {
	CPU     float64 `json:"cpu" yaml:"cpu"`
	Memory  float64 `json:"memory" yaml:"memory"`
	Disk    float64 `json:"disk" yaml:"disk"`
	Network float64 `json:"network" yaml:"network"`
}

func DefaultScorer() WeightedScorer {
	return WeightedScorer{CPU: 0.40, Memory: 0.30, Disk: 0.15, Network: 0.15}
}

func (w WeightedScorer) Validate() error {
	if w.CPU < 0 || w.Memory < 0 || w.Disk < 0 || w.Network < 0 {
		return errors.New("scorer weights must be >= 0")
	}
	if w.CPU+w.Memory+w.Disk+w.Network <= 0 {
		return errors.New("scorer weights must sum to > 0")
	}
	return nil
}

func (w WeightedScorer) Score(snapshot model.MetricsSnapshot) (float64, error) {
	if err := w.Validate(); err != nil {
		return 0, err
	}
	if !snapshot.Valid() {
		return 0, fmt.Errorf("%w: %+v", ErrInvalidSnapshot, snapshot)
	}
	s := snapshot.Clamp()
	total := w.CPU + w.Memory + w.Disk + w.Network
	pressure := (w.CPU*s.CPU + w.Memory*s.Memory + w.Disk*s.Disk + w.Network*s.Network) / total
	return 1 - pressure/100, nil
}
