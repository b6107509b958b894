package ledger

import (
	"context"
	"errors"

	"embryo/internal/model"
)

var ErrNotInitialized = errors.New("ledger is not initialized")

// Query filters mutation history. Zero fields match everything.
type Query struct {
	RunID    string
	Strategy string
	Param    string
	Limit    int
}

func (q Query) matches(record model.MutationRecord) bool {
	if q.RunID != "" && record.RunID != q.RunID {
		return false
	}
	if q.Strategy != "" && record.Strategy != q.Strategy {
		return false
	}
	if q.Param != "" && record.Param != q.Param {
		return false
	}
	return true
}

// Ledger is the append-only record of parameter changes and cycle summaries.
// Reads return newest entries first.
type Ledger interface {
	Init(ctx context.Context) error
	RecordMutation(ctx context.Context, record model.MutationRecord) error
	RecordCycle(ctx context.Context, record model.CycleRecord) error
	Mutations(ctx context.Context, query Query) ([]model.MutationRecord, error)
	Cycles(ctx context.Context, runID string, limit int) ([]model.CycleRecord, error)
}
