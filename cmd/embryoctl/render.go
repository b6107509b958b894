package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"embryo/internal/model"
	"embryo/internal/stats"
)

var (
	colorAccent  = lipgloss.Color("#20B9B4")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#2C4A54")

	styleHeader  = lipgloss.NewStyle().Bold(true).Foreground(colorAccent).Padding(0, 1)
	styleCell    = lipgloss.NewStyle().Padding(0, 1)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)
	styleError   = lipgloss.NewStyle().Foreground(colorError).Padding(0, 1)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
	styleTitle   = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
)

func renderTable(headers []string, rows [][]string, highlight func(row, col int) bool) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(styleMuted).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styleHeader
			}
			if highlight != nil && highlight(row, col) {
				return styleError
			}
			return styleCell
		})
	return t.String()
}

func printMutations(w io.Writer, records []model.MutationRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, styleMuted.Render("no mutations recorded"))
		return
	}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.RecordedAt.Local().Format("2006-01-02 15:04:05"),
			r.RunID,
			r.Strategy,
			r.Param,
			formatFloat(r.Old),
			formatFloat(r.New),
			formatFloat(r.Score),
			strconv.Itoa(r.StagnantCycles),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"recorded", "run", "strategy", "param", "old", "new", "score", "stagnant"},
		rows,
		nil,
	))
}

func printCycles(w io.Writer, records []model.CycleRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, styleMuted.Render("no cycles recorded"))
		return
	}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			strconv.Itoa(r.Cycle),
			r.RunID,
			r.Strategy,
			r.Tag,
			formatFloat(r.ScoreBefore),
			formatFloat(r.ScoreAfter),
			strconv.FormatBool(r.Improved),
			strconv.Itoa(r.StagnantCycles),
			strconv.Itoa(len(r.Changes)),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"cycle", "run", "strategy", "tag", "before", "after", "improved", "stagnant", "changes"},
		rows,
		nil,
	))
}

// printCrashes expects events newest first; the phase column of repeated
// goal/phase pairs is highlighted.
func printCrashes(w io.Writer, events []model.CrashEvent, total int) {
	if len(events) == 0 {
		fmt.Fprintln(w, styleMuted.Render("no crashes recorded"))
		return
	}
	seen := map[string]int{}
	for _, e := range events {
		seen[e.Goal+"/"+e.Phase]++
	}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{e.Timestamp, e.Goal, e.Phase, contextSummary(e.Context)})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"timestamp", "goal", "phase", "context"},
		rows,
		func(row, col int) bool {
			e := events[row]
			return col == 2 && seen[e.Goal+"/"+e.Phase] > 1
		},
	))
	fmt.Fprintln(w, styleWarning.Render(fmt.Sprintf("%d of %d crashes shown", len(events), total)))
}

func printRuns(w io.Writer, entries []stats.RunIndexEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, styleMuted.Render("no runs recorded"))
		return
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.RunID,
			e.CreatedAtUTC,
			e.OrganismID,
			strconv.Itoa(e.Cycles),
			strconv.Itoa(e.Failures),
			formatFloat(e.FinalBestScore),
			e.LedgerBackend,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"run", "created", "organism", "cycles", "failures", "best", "ledger"},
		rows,
		func(row, col int) bool { return col == 4 && entries[row].Failures > 0 },
	))
}

func contextSummary(ctx map[string]any) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, ctx[k]))
	}
	return strings.Join(parts, " ")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func formatWeights(weights map[string]float64) string {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%.4f", name, weights[name]))
	}
	return strings.Join(parts, " ")
}
