package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"embryo/internal/model"
)

const (
	runIndexFile     = "run_index.json"
	configFile       = "config.json"
	historyFile      = "fitness_history.json"
	finalStateFile   = "final_state.json"
	crashesFile      = "crashes.json"
	scoreSeriesFile  = "score_series.csv"
	scoreSeriesLabel = "score"
)

type ParamSpec struct {
	Value float64 `json:"value"`
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
}

type RunConfig struct {
	RunID               string               `json:"run_id"`
	OrganismID          string               `json:"organism_id"`
	Seed                int64                `json:"seed"`
	StagnationThreshold int                  `json:"stagnation_threshold"`
	WeightGrowth        float64              `json:"weight_growth"`
	WeightDecay         float64              `json:"weight_decay"`
	WeightFloor         float64              `json:"weight_floor"`
	WeightCeiling       float64              `json:"weight_ceiling"`
	StuckBoost          float64              `json:"stuck_boost"`
	IntervalMS          int64                `json:"interval_ms"`
	MaxCycles           int                  `json:"max_cycles"`
	LedgerBackend       string               `json:"ledger_backend"`
	CPUPressure         float64              `json:"cpu_pressure,omitempty"`
	RAMPressure         float64              `json:"ram_pressure,omitempty"`
	Params              map[string]ParamSpec `json:"params"`
	InitialWeights      map[string]float64   `json:"initial_weights"`
}

type FinalState struct {
	Params         map[string]float64 `json:"params"`
	Weights        map[string]float64 `json:"weights"`
	StrategyCounts map[string]int     `json:"strategy_counts"`
	StagnantCycles int                `json:"stagnant_cycles"`
	Cycles         int                `json:"cycles"`
	Failures       int                `json:"failures"`
}

type RunArtifacts struct {
	Config         RunConfig          `json:"config"`
	ScoreHistory   []float64          `json:"score_history"`
	FinalBestScore float64            `json:"final_best_score"`
	Final          FinalState         `json:"final"`
	Crashes        []model.CrashEvent `json:"crashes,omitempty"`
}

type RunIndexEntry struct {
	RunID          string  `json:"run_id"`
	OrganismID     string  `json:"organism_id"`
	Seed           int64   `json:"seed"`
	Cycles         int     `json:"cycles"`
	Failures       int     `json:"failures"`
	FinalBestScore float64 `json:"final_best_score"`
	LedgerBackend  string  `json:"ledger_backend"`
	CreatedAtUTC   string  `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	history := artifacts.ScoreHistory
	if history == nil {
		history = []float64{}
	}
	if err := writeJSON(filepath.Join(runDir, historyFile), map[string]any{"score_history": history, "final_best_score": artifacts.FinalBestScore}); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, finalStateFile), artifacts.Final); err != nil {
		return "", err
	}
	crashes := artifacts.Crashes
	if crashes == nil {
		crashes = []model.CrashEvent{}
	}
	if err := writeJSON(filepath.Join(runDir, crashesFile), crashes); err != nil {
		return "", err
	}
	if err := WriteScoreSeries(runDir, history); err != nil {
		return "", err
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns runs newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, historyFile, finalStateFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	for _, file := range []string{crashesFile, scoreSeriesFile} {
		path := filepath.Join(src, file)
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, filepath.Join(dst, file)); err != nil {
				return "", err
			}
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}

	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func ReadFinalState(baseDir, runID string) (FinalState, bool, error) {
	var state FinalState
	ok, err := readJSON(filepath.Join(baseDir, runID, finalStateFile), &state)
	return state, ok, err
}

func WriteRunConfig(baseDir, runID string, cfg RunConfig) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = strings.TrimSpace(runID)
	}
	if cfg.RunID != strings.TrimSpace(runID) {
		return fmt.Errorf("run config run id mismatch: got=%s want=%s", cfg.RunID, strings.TrimSpace(runID))
	}
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(runDir, configFile), cfg)
}

// WriteScoreSeries writes one row per completed cycle.
func WriteScoreSeries(runDir string, scores []float64) error {
	path := filepath.Join(runDir, scoreSeriesFile)
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"cycle", scoreSeriesLabel}); err != nil {
		return err
	}
	for i, score := range scores {
		if err := writer.Write([]string{
			strconv.Itoa(i + 1),
			strconv.FormatFloat(score, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadScoreSeries(baseDir, runID string) ([]float64, bool, error) {
	path := filepath.Join(baseDir, runID, scoreSeriesFile)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 {
		return nil, false, fmt.Errorf("score series header must have at least 2 columns")
	}

	series := make([]float64, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) < 2 {
			return nil, false, fmt.Errorf("score series row must have at least 2 columns")
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
