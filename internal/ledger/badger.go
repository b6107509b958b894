package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"embryo/internal/model"
)

var (
	mutationPrefix = []byte("mut/")
	cyclePrefix    = []byte("cyc/")
	sequenceKey    = []byte("seq/ledger")
)

const sequenceBandwidth = 128

type BadgerOptions struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *zap.Logger
}

// BadgerLedger keeps records under mut/<seq> and cyc/<seq> keys with a
// shared big-endian sequence, so a reverse prefix scan yields newest first.
type BadgerLedger struct {
	opts BadgerOptions

	mu  sync.RWMutex
	db  *badger.DB
	seq *badger.Sequence
}

func NewBadgerLedger(opts BadgerOptions) *BadgerLedger {
	return &BadgerLedger{opts: opts}
}

func (l *BadgerLedger) Init(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db != nil {
		return nil
	}
	if !l.opts.InMemory && l.opts.Path == "" {
		return errors.New("badger path is required")
	}

	var opts badger.Options
	if l.opts.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(l.opts.Path, 0o750); err != nil {
			return fmt.Errorf("create ledger directory %s: %w", l.opts.Path, err)
		}
		opts = badger.DefaultOptions(l.opts.Path)
	}
	opts = opts.WithSyncWrites(l.opts.SyncWrites).WithNumVersionsToKeep(1)
	if l.opts.Logger != nil {
		opts = opts.WithLogger(badgerLogger{l.opts.Logger.Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("open badger ledger: %w", err)
	}
	seq, err := db.GetSequence(sequenceKey, sequenceBandwidth)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("ledger sequence: %w", err)
	}
	l.db = db
	l.seq = seq
	return nil
}

func (l *BadgerLedger) RecordMutation(_ context.Context, record model.MutationRecord) error {
	payload, err := EncodeMutation(record)
	if err != nil {
		return err
	}
	return l.put(mutationPrefix, payload)
}

func (l *BadgerLedger) RecordCycle(_ context.Context, record model.CycleRecord) error {
	payload, err := EncodeCycle(record)
	if err != nil {
		return err
	}
	return l.put(cyclePrefix, payload)
}

func (l *BadgerLedger) Mutations(ctx context.Context, query Query) ([]model.MutationRecord, error) {
	out := make([]model.MutationRecord, 0)
	err := l.scanNewest(ctx, mutationPrefix, func(value []byte) (bool, error) {
		record, err := DecodeMutation(value)
		if err != nil {
			return false, err
		}
		if !query.matches(record) {
			return true, nil
		}
		out = append(out, record)
		return query.Limit <= 0 || len(out) < query.Limit, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *BadgerLedger) Cycles(ctx context.Context, runID string, limit int) ([]model.CycleRecord, error) {
	out := make([]model.CycleRecord, 0)
	err := l.scanNewest(ctx, cyclePrefix, func(value []byte) (bool, error) {
		record, err := DecodeCycle(value)
		if err != nil {
			return false, err
		}
		if runID != "" && record.RunID != runID {
			return true, nil
		}
		out = append(out, record)
		return limit <= 0 || len(out) < limit, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *BadgerLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return nil
	}
	var errs []error
	if l.seq != nil {
		errs = append(errs, l.seq.Release())
	}
	errs = append(errs, l.db.Close())
	l.db = nil
	l.seq = nil
	return errors.Join(errs...)
}

func (l *BadgerLedger) put(prefix, payload []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.db == nil {
		return ErrNotInitialized
	}
	id, err := l.seq.Next()
	if err != nil {
		return err
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(prefix, id), payload)
	})
}

// scanNewest walks prefix in descending key order until visit returns false.
func (l *BadgerLedger) scanNewest(ctx context.Context, prefix []byte, visit func(value []byte) (bool, error)) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.db == nil {
		return ErrNotInitialized
	}
	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte(nil), prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			more, err := visit(value)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		return nil
	})
}

func recordKey(prefix []byte, id uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...any)   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...any) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...any)    { l.s.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.s.Debugf(format, args...) }
