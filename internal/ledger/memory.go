package ledger

import (
	"context"
	"sync"

	"embryo/internal/model"
)

type MemoryLedger struct {
	mu          sync.RWMutex
	initialized bool
	mutations   []model.MutationRecord
	cycles      []model.CycleRecord
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) Init(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.initialized {
		return nil
	}
	l.initialized = true
	l.mutations = nil
	l.cycles = nil
	return nil
}

func (l *MemoryLedger) RecordMutation(_ context.Context, record model.MutationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.initialized {
		return ErrNotInitialized
	}
	l.mutations = append(l.mutations, record)
	return nil
}

func (l *MemoryLedger) RecordCycle(_ context.Context, record model.CycleRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.initialized {
		return ErrNotInitialized
	}
	record.Changes = append([]model.ParamChange(nil), record.Changes...)
	l.cycles = append(l.cycles, record)
	return nil
}

func (l *MemoryLedger) Mutations(_ context.Context, query Query) ([]model.MutationRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.initialized {
		return nil, ErrNotInitialized
	}
	out := make([]model.MutationRecord, 0)
	for i := len(l.mutations) - 1; i >= 0; i-- {
		if !query.matches(l.mutations[i]) {
			continue
		}
		out = append(out, l.mutations[i])
		if query.Limit > 0 && len(out) == query.Limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLedger) Cycles(_ context.Context, runID string, limit int) ([]model.CycleRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.initialized {
		return nil, ErrNotInitialized
	}
	out := make([]model.CycleRecord, 0)
	for i := len(l.cycles) - 1; i >= 0; i-- {
		if runID != "" && l.cycles[i].RunID != runID {
			continue
		}
		record := l.cycles[i]
		record.Changes = append([]model.ParamChange(nil), record.Changes...)
		out = append(out, record)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
