package model

import (
	"math"
	"time"
)

// MetricsSnapshot is one reading of system utilisation, every dimension in
// percent.
type MetricsSnapshot struct {
	CPU     float64 `json:"cpu"`
	Memory  float64 `json:"memory"`
	Disk    float64 `json:"disk"`
	Network float64 `json:"network"`
}

// Clamp forces every dimension into [0, 100].
func (s MetricsSnapshot) Clamp() MetricsSnapshot {
	return MetricsSnapshot{
		CPU:     clampPercent(s.CPU),
		Memory:  clampPercent(s.Memory),
		Disk:    clampPercent(s.Disk),
		Network: clampPercent(s.Network),
	}
}

func (s MetricsSnapshot) Valid() bool {
	for _, v := range []float64{s.CPU, s.Memory, s.Disk, s.Network} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

type Bounds struct {
	Low  float64 `json:"low" yaml:"low"`
	High float64 `json:"high" yaml:"high"`
}

func (b Bounds) Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return b.Low
	}
	if v < b.Low {
		return b.Low
	}
	if v > b.High {
		return b.High
	}
	return v
}

func (b Bounds) Span() float64 {
	return b.High - b.Low
}

// Detail is what a strategy reports about the parameters it touched. It is
// either a single ParamChange or a ParamChanges sequence.
type Detail interface {
	Flatten() []ParamChange
}

type ParamChange struct {
	Param string  `json:"param"`
	Old   float64 `json:"old"`
	New   float64 `json:"new"`
}

func (c ParamChange) Flatten() []ParamChange {
	return []ParamChange{c}
}

type ParamChanges []ParamChange

func (c ParamChanges) Flatten() []ParamChange {
	return append([]ParamChange(nil), c...)
}

// MutationRecord is one ledger entry per individual parameter changed in a
// cycle.
type MutationRecord struct {
	RunID          string    `json:"run_id,omitempty"`
	OrganismID     string    `json:"organism_id,omitempty"`
	Strategy       string    `json:"strategy"`
	Param          string    `json:"param"`
	Old            float64   `json:"old"`
	New            float64   `json:"new"`
	Score          float64   `json:"score"`
	StagnantCycles int       `json:"stagnant_cycles"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// CycleRecord summarises one completed mutation cycle.
type CycleRecord struct {
	RunID          string        `json:"run_id,omitempty"`
	OrganismID     string        `json:"organism_id,omitempty"`
	Cycle          int           `json:"cycle"`
	Strategy       string        `json:"strategy"`
	Tag            string        `json:"tag"`
	ScoreBefore    float64       `json:"score_before"`
	ScoreAfter     float64       `json:"score_after"`
	Improved       bool          `json:"improved"`
	StagnantCycles int           `json:"stagnant_cycles"`
	Changes        []ParamChange `json:"changes,omitempty"`
	RecordedAt     time.Time     `json:"recorded_at"`
}

const CrashTimestampLayout = "2006-01-02 15:04:05"

type CrashEvent struct {
	ID        string         `json:"id,omitempty"`
	Timestamp string         `json:"timestamp"`
	Goal      string         `json:"goal"`
	Phase     string         `json:"phase"`
	Context   map[string]any `json:"context"`
}
