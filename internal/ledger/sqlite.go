package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"embryo/internal/model"

	_ "modernc.org/sqlite"
)

// SQLiteLedger keeps mutation history in a local SQLite file. The
// mutation_context table is what the offline merge job unions across runs.
type SQLiteLedger struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteLedger(path string) *SQLiteLedger {
	return &SQLiteLedger{path: path}
}

func (l *SQLiteLedger) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.path == "" {
		return errors.New("sqlite path is required")
	}
	if l.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", l.path)
	if err != nil {
		return err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	l.db = db
	return nil
}

func (l *SQLiteLedger) RecordMutation(ctx context.Context, record model.MutationRecord) error {
	db, err := l.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO mutation_context
			(run_id, organism_id, strategy, param, old_value, new_value, score, stagnant_cycles, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, record.RunID, record.OrganismID, record.Strategy, record.Param, record.Old, record.New,
		record.Score, record.StagnantCycles, formatTime(record.RecordedAt))
	return err
}

func (l *SQLiteLedger) RecordCycle(ctx context.Context, record model.CycleRecord) error {
	db, err := l.getDB()
	if err != nil {
		return err
	}

	changes, err := encodeChanges(record.Changes)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO cycles
			(run_id, organism_id, cycle, strategy, tag, score_before, score_after, improved, stagnant_cycles, changes, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, record.RunID, record.OrganismID, record.Cycle, record.Strategy, record.Tag, record.ScoreBefore,
		record.ScoreAfter, record.Improved, record.StagnantCycles, changes, formatTime(record.RecordedAt))
	return err
}

func (l *SQLiteLedger) Mutations(ctx context.Context, query Query) ([]model.MutationRecord, error) {
	db, err := l.getDB()
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if query.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, query.RunID)
	}
	if query.Strategy != "" {
		where = append(where, "strategy = ?")
		args = append(args, query.Strategy)
	}
	if query.Param != "" {
		where = append(where, "param = ?")
		args = append(args, query.Param)
	}
	stmt := `SELECT run_id, organism_id, strategy, param, old_value, new_value, score, stagnant_cycles, recorded_at
		FROM mutation_context`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY id DESC"
	if query.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, query.Limit)
	}

	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.MutationRecord, 0)
	for rows.Next() {
		var (
			record     model.MutationRecord
			recordedAt string
		)
		if err := rows.Scan(&record.RunID, &record.OrganismID, &record.Strategy, &record.Param,
			&record.Old, &record.New, &record.Score, &record.StagnantCycles, &recordedAt); err != nil {
			return nil, err
		}
		record.RecordedAt = parseTime(recordedAt)
		out = append(out, record)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) Cycles(ctx context.Context, runID string, limit int) ([]model.CycleRecord, error) {
	db, err := l.getDB()
	if err != nil {
		return nil, err
	}

	stmt := `SELECT run_id, organism_id, cycle, strategy, tag, score_before, score_after, improved, stagnant_cycles, changes, recorded_at
		FROM cycles`
	var args []any
	if runID != "" {
		stmt += " WHERE run_id = ?"
		args = append(args, runID)
	}
	stmt += " ORDER BY id DESC"
	if limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.CycleRecord, 0)
	for rows.Next() {
		var (
			record     model.CycleRecord
			changes    []byte
			recordedAt string
		)
		if err := rows.Scan(&record.RunID, &record.OrganismID, &record.Cycle, &record.Strategy, &record.Tag,
			&record.ScoreBefore, &record.ScoreAfter, &record.Improved, &record.StagnantCycles,
			&changes, &recordedAt); err != nil {
			return nil, err
		}
		if record.Changes, err = decodeChanges(changes); err != nil {
			return nil, fmt.Errorf("decode cycle %d changes: %w", record.Cycle, err)
		}
		record.RecordedAt = parseTime(recordedAt)
		out = append(out, record)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

func (l *SQLiteLedger) getDB() (*sql.DB, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.db == nil {
		return nil, ErrNotInitialized
	}
	return l.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS mutation_context (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL DEFAULT '',
			organism_id TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL,
			param TEXT NOT NULL,
			old_value REAL NOT NULL,
			new_value REAL NOT NULL,
			score REAL NOT NULL,
			stagnant_cycles INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS mutation_context_run ON mutation_context (run_id);
		CREATE TABLE IF NOT EXISTS cycles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL DEFAULT '',
			organism_id TEXT NOT NULL DEFAULT '',
			cycle INTEGER NOT NULL,
			strategy TEXT NOT NULL,
			tag TEXT NOT NULL,
			score_before REAL NOT NULL,
			score_after REAL NOT NULL,
			improved INTEGER NOT NULL,
			stagnant_cycles INTEGER NOT NULL,
			changes BLOB NOT NULL,
			recorded_at TEXT NOT NULL
		);
	`)
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
