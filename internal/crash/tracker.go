// Package crash keeps an append-only JSON log of fatal events so a driver can
// ask whether a goal keeps failing in the same phase.
package crash

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"embryo/internal/model"
)

const (
	DefaultFileName = ".embryo_crash_log.json"
	Unknown         = "unknown"
)

// DefaultPath is the crash log in the user's home directory, falling back to
// the working directory when home cannot be resolved.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return DefaultFileName
	}
	return filepath.Join(home, DefaultFileName)
}

type Tracker struct {
	mu      sync.Mutex
	path    string
	crashes []model.CrashEvent
	logger  *zap.Logger
	now     func() time.Time
}

// Open loads the log at path. It never fails: a missing file starts empty, a
// corrupt file is moved to path+".bak" and replaced with an empty array, and
// any other read failure is warned about and ignored.
func Open(path string, logger *zap.Logger) *Tracker {
	t := newTracker(path, logger)
	t.load()
	return t
}

// FromJSON rebuilds a tracker from ToJSON output without touching disk. The
// result has no backing file, so later writes stay in memory.
func FromJSON(data []byte, logger *zap.Logger) (*Tracker, error) {
	var crashes []model.CrashEvent
	if err := json.Unmarshal(data, &crashes); err != nil {
		return nil, fmt.Errorf("decode crash history: %w", err)
	}
	t := newTracker("", logger)
	t.crashes = crashes
	if t.crashes == nil {
		t.crashes = []model.CrashEvent{}
	}
	return t, nil
}

func newTracker(path string, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		path:    path,
		crashes: []model.CrashEvent{},
		logger:  logger.Named("crash"),
		now:     time.Now,
	}
}

func (t *Tracker) Path() string { return t.path }

func (t *Tracker) RecordCrash(goal, phase string, context map[string]any) model.CrashEvent {
	if context == nil {
		context = map[string]any{}
	}
	t.mu.Lock()
	event := model.CrashEvent{
		ID:        uuid.NewString(),
		Timestamp: t.now().Format(model.CrashTimestampLayout),
		Goal:      goal,
		Phase:     phase,
		Context:   context,
	}
	t.crashes = append(t.crashes, event)
	t.saveLocked()
	t.mu.Unlock()

	t.logger.Error("fatal event recorded",
		zap.String("goal", goal),
		zap.String("phase", phase),
		zap.Any("context", context),
	)
	return event
}

// LogCrash records a crash whose goal and phase are carried in context.
func (t *Tracker) LogCrash(context map[string]any) model.CrashEvent {
	return t.RecordCrash(stringField(context, "goal"), stringField(context, "phase"), context)
}

// RecentCrashes returns the last limit events in log order. A limit of zero
// or less returns the whole log.
func (t *Tracker) RecentCrashes(limit int) []model.CrashEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := 0
	if limit > 0 && limit < len(t.crashes) {
		start = len(t.crashes) - limit
	}
	return append([]model.CrashEvent{}, t.crashes[start:]...)
}

// RecentCrashesForGoal returns up to limit events for goal, newest first. An
// empty phase matches every phase.
func (t *Tracker) RecentCrashesForGoal(goal, phase string, limit int) []model.CrashEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := []model.CrashEvent{}
	for i := len(t.crashes) - 1; i >= 0; i-- {
		if limit >= 0 && len(out) >= limit {
			break
		}
		c := t.crashes[i]
		if c.Goal != goal || (phase != "" && c.Phase != phase) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Import appends events whose IDs are not already in the log and returns how
// many were added. Events without an ID are always appended.
func (t *Tracker) Import(events []model.CrashEvent) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]struct{}, len(t.crashes))
	for _, c := range t.crashes {
		if c.ID != "" {
			seen[c.ID] = struct{}{}
		}
	}
	added := 0
	for _, e := range events {
		if e.ID != "" {
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
		}
		if e.Context == nil {
			e.Context = map[string]any{}
		}
		t.crashes = append(t.crashes, e)
		added++
	}
	if added > 0 {
		t.saveLocked()
	}
	return added
}

func (t *Tracker) CrashCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.crashes)
}

func (t *Tracker) Clear() {
	t.mu.Lock()
	t.crashes = []model.CrashEvent{}
	t.saveLocked()
	t.mu.Unlock()

	t.logger.Warn("crash history cleared", zap.String("path", t.path))
}

func (t *Tracker) ToJSON() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return json.Marshal(t.crashes)
}

func (t *Tracker) load() {
	if t.path == "" {
		return
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			t.logger.Warn("failed to load crash log", zap.String("path", t.path), zap.Error(err))
		}
		return
	}

	var crashes []model.CrashEvent
	if err := json.Unmarshal(data, &crashes); err != nil {
		t.recoverCorrupt(err)
		return
	}
	if crashes != nil {
		t.crashes = crashes
	}
}

func (t *Tracker) recoverCorrupt(cause error) {
	backup := t.path + ".bak"
	if err := os.Rename(t.path, backup); err != nil {
		t.logger.Warn("failed to back up corrupt crash log", zap.String("path", t.path), zap.Error(err))
		return
	}
	t.logger.Warn("corrupt crash log backed up",
		zap.String("path", t.path),
		zap.String("backup", backup),
		zap.Error(cause),
	)
	if err := writeFile(t.path, []byte("[]")); err != nil {
		t.logger.Warn("failed to write fresh crash log", zap.String("path", t.path), zap.Error(err))
	}
}

func (t *Tracker) saveLocked() {
	if t.path == "" {
		return
	}
	data, err := json.MarshalIndent(t.crashes, "", "  ")
	if err != nil {
		t.logger.Warn("failed to encode crash log", zap.Error(err))
		return
	}
	if err := writeFile(t.path, data); err != nil {
		t.logger.Warn("failed to save crash log", zap.String("path", t.path), zap.Error(err))
	}
}

// writeFile replaces path via a temp file in the same directory.
func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return Unknown
}
