// Package merge unions the tables of several SQLite telemetry databases that
// share a schema into one training database.
package merge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// maxAttach stays under SQLite's default limit of 10 attached databases.
const maxAttach = 8

var ErrNoTables = errors.New("no tables found in first source")

type Options struct {
	Sources []string
	Target  string
	Vacuum  bool
	Logger  *zap.Logger
}

type TableReport struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

type Report struct {
	Target  string        `json:"target"`
	Sources int           `json:"sources"`
	Tables  []TableReport `json:"tables"`
	Bytes   int64         `json:"bytes"`
}

// Merge writes Target as the row-wise UNION ALL of every table found in the
// first source across all sources. An existing Target is removed first.
func Merge(ctx context.Context, opts Options) (Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts.Sources) == 0 {
		return Report{}, errors.New("at least one source database is required")
	}
	if opts.Target == "" {
		return Report{}, errors.New("target database is required")
	}
	targetAbs, err := filepath.Abs(opts.Target)
	if err != nil {
		return Report{}, err
	}
	for _, src := range opts.Sources {
		srcAbs, err := filepath.Abs(src)
		if err != nil {
			return Report{}, err
		}
		if srcAbs == targetAbs {
			return Report{}, fmt.Errorf("target %s is also a source", opts.Target)
		}
		if _, err := os.Stat(src); err != nil {
			return Report{}, fmt.Errorf("source %s: %w", src, err)
		}
	}

	if err := os.Remove(opts.Target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Report{}, fmt.Errorf("remove existing target: %w", err)
	}

	tables, err := discoverTables(ctx, opts.Sources[0])
	if err != nil {
		return Report{}, err
	}
	if len(tables) == 0 {
		return Report{}, fmt.Errorf("%w: %s", ErrNoTables, opts.Sources[0])
	}
	logger.Info("merging telemetry databases",
		zap.Int("sources", len(opts.Sources)),
		zap.Strings("tables", tables),
		zap.String("target", opts.Target),
	)

	db, err := sql.Open("sqlite", opts.Target)
	if err != nil {
		return Report{}, err
	}
	defer db.Close()

	// ATTACH is per connection, so every statement runs on one.
	conn, err := db.Conn(ctx)
	if err != nil {
		return Report{}, err
	}
	defer conn.Close()

	for start := 0; start < len(opts.Sources); start += maxAttach {
		end := min(start+maxAttach, len(opts.Sources))
		if err := mergeBatch(ctx, conn, opts.Sources[start:end], tables, start == 0); err != nil {
			return Report{}, err
		}
		logger.Debug("merged source batch", zap.Int("from", start), zap.Int("to", end))
	}

	report := Report{Target: opts.Target, Sources: len(opts.Sources)}
	for _, table := range tables {
		var rows int64
		if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(table)).Scan(&rows); err != nil {
			return Report{}, fmt.Errorf("count %s: %w", table, err)
		}
		report.Tables = append(report.Tables, TableReport{Name: table, Rows: rows})
		logger.Info("merged table", zap.String("table", table), zap.Int64("rows", rows))
	}

	if opts.Vacuum {
		if _, err := conn.ExecContext(ctx, "VACUUM"); err != nil {
			return Report{}, fmt.Errorf("vacuum: %w", err)
		}
	}
	if err := conn.Close(); err != nil {
		return Report{}, err
	}
	if err := db.Close(); err != nil {
		return Report{}, err
	}

	if info, err := os.Stat(opts.Target); err == nil {
		report.Bytes = info.Size()
	}
	return report, nil
}

func mergeBatch(ctx context.Context, conn *sql.Conn, sources, tables []string, create bool) (err error) {
	schemas := make([]string, 0, len(sources))
	defer func() {
		for _, schema := range schemas {
			if _, detachErr := conn.ExecContext(context.Background(), "DETACH DATABASE "+schema); detachErr != nil && err == nil {
				err = fmt.Errorf("detach %s: %w", schema, detachErr)
			}
		}
	}()

	for i, src := range sources {
		schema := fmt.Sprintf("src%d", i)
		if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS "+schema, src); err != nil {
			return fmt.Errorf("attach %s: %w", src, err)
		}
		schemas = append(schemas, schema)
	}

	for _, table := range tables {
		selects := make([]string, 0, len(schemas))
		for _, schema := range schemas {
			selects = append(selects, "SELECT * FROM "+schema+"."+quoteIdent(table))
		}
		union := strings.Join(selects, " UNION ALL ")
		stmt := "INSERT INTO " + quoteIdent(table) + " " + union
		if create {
			stmt = "CREATE TABLE " + quoteIdent(table) + " AS " + union
		}
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("merge table %s: %w", table, err)
		}
	}
	return nil
}

func discoverTables(ctx context.Context, path string) ([]string, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("discover tables in %s: %w", path, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
