package stats

import (
	"os"
	"path/filepath"
	"testing"

	"embryo/internal/model"
)

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := t.TempDir()
	runID := "run-abc"

	runDir, err := WriteRunArtifacts(baseDir, RunArtifacts{
		Config: RunConfig{
			RunID:               runID,
			OrganismID:          "org-1",
			Seed:                7,
			StagnationThreshold: 3,
			WeightGrowth:        1.1,
			WeightDecay:         0.95,
			WeightFloor:         0.01,
			StuckBoost:          3,
			MaxCycles:           4,
			LedgerBackend:       "sqlite",
			Params: map[string]ParamSpec{
				"rate": {Value: 0.5, Low: 0, High: 1},
			},
			InitialWeights: map[string]float64{"gaussian": 1, "reset": 1},
		},
		ScoreHistory:   []float64{0.4, 0.55, 0.5, 0.6},
		FinalBestScore: 0.6,
		Final: FinalState{
			Params:         map[string]float64{"rate": 0.61},
			Weights:        map[string]float64{"gaussian": 1.21, "reset": 0.95},
			StrategyCounts: map[string]int{"gaussian": 3, "reset": 1},
			Cycles:         4,
		},
		Crashes: []model.CrashEvent{{ID: "c1", Timestamp: "2026-03-04 05:06:07", Goal: "mutation_cycle", Phase: "sample"}},
	})
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	for _, name := range []string{"config.json", "fitness_history.json", "final_state.json", "crashes.json", "score_series.csv"} {
		if _, err := os.Stat(filepath.Join(runDir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}

	cfg, ok, err := ReadRunConfig(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read config: ok=%t err=%v", ok, err)
	}
	if cfg.OrganismID != "org-1" || cfg.Params["rate"].High != 1 || cfg.InitialWeights["reset"] != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	state, ok, err := ReadFinalState(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read final state: ok=%t err=%v", ok, err)
	}
	if state.StrategyCounts["gaussian"] != 3 || state.Params["rate"] != 0.61 {
		t.Fatalf("unexpected final state: %+v", state)
	}

	series, ok, err := ReadScoreSeries(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read series: ok=%t err=%v", ok, err)
	}
	if len(series) != 4 || series[1] != 0.55 || series[3] != 0.6 {
		t.Fatalf("unexpected series: %v", series)
	}

	exportedDir, err := ExportRunArtifacts(baseDir, runID, outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, name := range []string{"config.json", "fitness_history.json", "final_state.json", "crashes.json", "score_series.csv"} {
		if _, err := os.Stat(filepath.Join(exportedDir, name)); err != nil {
			t.Fatalf("expected exported %s: %v", name, err)
		}
	}
}

func TestExportSkipsMissingOptionalFiles(t *testing.T) {
	baseDir := t.TempDir()
	runDir, err := WriteRunArtifacts(baseDir, RunArtifacts{Config: RunConfig{RunID: "run-x"}})
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}
	if err := os.Remove(filepath.Join(runDir, "crashes.json")); err != nil {
		t.Fatalf("remove crashes: %v", err)
	}

	exportedDir, err := ExportRunArtifacts(baseDir, "run-x", t.TempDir())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := os.Stat(filepath.Join(exportedDir, "crashes.json")); !os.IsNotExist(err) {
		t.Fatalf("expected crashes.json to be skipped, got %v", err)
	}
}

func TestExportUnknownRunFails(t *testing.T) {
	if _, err := ExportRunArtifacts(t.TempDir(), "missing", t.TempDir()); err == nil {
		t.Fatal("expected error for unknown run")
	}
	if _, err := ExportRunArtifacts(t.TempDir(), "", t.TempDir()); err == nil {
		t.Fatal("expected error for empty run id")
	}
}

func TestWriteRunArtifactsRequiresRunID(t *testing.T) {
	if _, err := WriteRunArtifacts(t.TempDir(), RunArtifacts{}); err == nil {
		t.Fatal("expected error for empty run id")
	}
}

func TestEmptyScoreHistoryWritesHeaderOnly(t *testing.T) {
	baseDir := t.TempDir()
	if _, err := WriteRunArtifacts(baseDir, RunArtifacts{Config: RunConfig{RunID: "run-empty"}}); err != nil {
		t.Fatalf("write artifacts: %v", err)
	}
	series, ok, err := ReadScoreSeries(baseDir, "run-empty")
	if err != nil || !ok {
		t.Fatalf("read series: ok=%t err=%v", ok, err)
	}
	if len(series) != 0 {
		t.Fatalf("expected empty series, got %v", series)
	}
}

func TestReadMissingArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	if _, ok, err := ReadRunConfig(baseDir, "none"); ok || err != nil {
		t.Fatalf("expected missing config, ok=%t err=%v", ok, err)
	}
	if _, ok, err := ReadScoreSeries(baseDir, "none"); ok || err != nil {
		t.Fatalf("expected missing series, ok=%t err=%v", ok, err)
	}
	if _, ok, err := ReadFinalState(baseDir, "none"); ok || err != nil {
		t.Fatalf("expected missing final state, ok=%t err=%v", ok, err)
	}
}

func TestWriteRunConfigRunIDHandling(t *testing.T) {
	baseDir := t.TempDir()
	if err := WriteRunConfig(baseDir, "run-1", RunConfig{Seed: 3}); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, ok, err := ReadRunConfig(baseDir, "run-1")
	if err != nil || !ok {
		t.Fatalf("read config: ok=%t err=%v", ok, err)
	}
	if cfg.RunID != "run-1" || cfg.Seed != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if err := WriteRunConfig(baseDir, "run-1", RunConfig{RunID: "run-2"}); err == nil {
		t.Fatal("expected run id mismatch error")
	}
	if err := WriteRunConfig(baseDir, " ", RunConfig{}); err == nil {
		t.Fatal("expected error for blank run id")
	}
}

func TestRunIndexAppendListAndUpsert(t *testing.T) {
	baseDir := t.TempDir()

	err := AppendRunIndex(baseDir, RunIndexEntry{
		RunID:          "run-1",
		OrganismID:     "org",
		Seed:           1,
		Cycles:         10,
		FinalBestScore: 0.80,
		LedgerBackend:  "memory",
		CreatedAtUTC:   "2026-02-10T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("append run-1: %v", err)
	}

	err = AppendRunIndex(baseDir, RunIndexEntry{
		RunID:          "run-2",
		OrganismID:     "org",
		Seed:           2,
		Cycles:         10,
		FinalBestScore: 0.82,
		LedgerBackend:  "memory",
		CreatedAtUTC:   "2026-02-10T11:00:00Z",
	})
	if err != nil {
		t.Fatalf("append run-2: %v", err)
	}

	entries, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].RunID != "run-2" || entries[1].RunID != "run-1" {
		t.Fatalf("unexpected order: %+v", entries)
	}

	err = AppendRunIndex(baseDir, RunIndexEntry{
		RunID:          "run-1",
		OrganismID:     "org",
		Seed:           1,
		Cycles:         20,
		FinalBestScore: 0.90,
		CreatedAtUTC:   "2026-02-10T12:00:00Z",
	})
	if err != nil {
		t.Fatalf("upsert run-1: %v", err)
	}

	entries, err = ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list after upsert: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after upsert, got %d", len(entries))
	}
	if entries[0].RunID != "run-1" || entries[0].FinalBestScore != 0.90 {
		t.Fatalf("unexpected upsert result: %+v", entries[0])
	}
}

func TestRunIndexEqualTimestampPrefersLaterAppend(t *testing.T) {
	baseDir := t.TempDir()
	ts := "2026-02-10T12:00:00Z"

	if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: "run-a", CreatedAtUTC: ts}); err != nil {
		t.Fatalf("append run-a: %v", err)
	}
	if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: "run-b", CreatedAtUTC: ts}); err != nil {
		t.Fatalf("append run-b: %v", err)
	}

	entries, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].RunID != "run-b" {
		t.Fatalf("expected latest appended run-b first, got %+v", entries)
	}
}

func TestListRunIndexMissingIsEmpty(t *testing.T) {
	entries, err := ListRunIndex(t.TempDir())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty index, got %+v", entries)
	}
}
