// Package ledger persists suite results in a SQL database so runs can be
// compared over time. SQLite is the default; PostgreSQL and MySQL are
// supported through their database/sql drivers.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/lattice-substrate/xlate-check/harnesserr"
	"github.com/lattice-substrate/xlate-check/progress"
	"github.com/lattice-substrate/xlate-check/testcase"
)

const timeLayout = time.RFC3339Nano

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id VARCHAR(255) NOT NULL PRIMARY KEY,
		manifest_path TEXT NOT NULL,
		manifest_sha256 VARCHAR(64) NOT NULL,
		started_at VARCHAR(64) NOT NULL,
		finished_at VARCHAR(64) NOT NULL DEFAULT '',
		passed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		expected_failures INTEGER NOT NULL DEFAULT 0,
		unexpected_passes INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS cases (
		run_id VARCHAR(255) NOT NULL,
		name VARCHAR(512) NOT NULL,
		variant VARCHAR(64) NOT NULL,
		status VARCHAR(32) NOT NULL,
		failure_class VARCHAR(64) NOT NULL,
		message TEXT NOT NULL,
		steps INTEGER NOT NULL,
		duration_ns BIGINT NOT NULL,
		PRIMARY KEY (run_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS progress (
		run_id VARCHAR(255) NOT NULL,
		name VARCHAR(512) NOT NULL,
		step INTEGER NOT NULL,
		recorded_at VARCHAR(64) NOT NULL
	)`,
}

// Ledger is a result store. It implements suite.Recorder.
type Ledger struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// Run is one stored suite run.
type Run struct {
	ID             string
	ManifestPath   string
	ManifestSHA256 string
	StartedAt      time.Time
	FinishedAt     time.Time
	Tally          progress.Tally
}

// Case is one stored case outcome.
type Case struct {
	Name         string
	Variant      testcase.Variant
	Status       testcase.Status
	FailureClass harnesserr.FailureClass
	Message      string
	Steps        int
	Duration     time.Duration
}

// DriverName maps a ledger kind to its database/sql driver name.
func DriverName(kind string) (string, error) {
	switch kind {
	case "", "sqlite", "sqlite3":
		return "sqlite", nil
	case "postgres", "postgresql":
		return "postgres", nil
	case "mysql":
		return "mysql", nil
	default:
		return "", harnesserr.New(harnesserr.ConfigInvalid, fmt.Sprintf("unsupported ledger driver %q", kind))
	}
}

// Open connects to the ledger database and creates missing tables.
func Open(ctx context.Context, kind, dsn string) (*Ledger, error) {
	driver, err := DriverName(kind)
	if err != nil {
		return nil, err
	}
	if dsn == "" {
		return nil, harnesserr.New(harnesserr.ConfigInvalid, "ledger dsn is required")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.InternalIO, "open ledger", err)
	}
	if driver == "sqlite" {
		// SQLite serialises writers; one connection avoids SQLITE_BUSY under
		// parallel cases.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, harnesserr.Wrap(harnesserr.InternalIO, "ping ledger", err)
	}
	l := &Ledger{db: db, dialect: driver, now: time.Now}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, harnesserr.Wrap(harnesserr.InternalIO, "create ledger schema", err)
		}
	}
	return l, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// BeginRun stores a new run row.
func (l *Ledger) BeginRun(ctx context.Context, runID, manifestPath, manifestSHA256 string) error {
	return l.exec(ctx, "begin run",
		`INSERT INTO runs (id, manifest_path, manifest_sha256, started_at) VALUES (?, ?, ?, ?)`,
		runID, manifestPath, manifestSHA256, l.stamp())
}

// RecordProgress stores one progress hook call.
func (l *Ledger) RecordProgress(ctx context.Context, runID, caseName string, step int) error {
	return l.exec(ctx, "record progress",
		`INSERT INTO progress (run_id, name, step, recorded_at) VALUES (?, ?, ?, ?)`,
		runID, caseName, step, l.stamp())
}

// RecordCase stores the classified outcome of a case.
func (l *Ledger) RecordCase(ctx context.Context, runID string, res testcase.Result, steps int) error {
	message := ""
	if res.Err != nil {
		message = res.Err.Error()
	}
	return l.exec(ctx, "record case",
		`INSERT INTO cases (run_id, name, variant, status, failure_class, message, steps, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, res.Name, string(res.Variant), string(res.Status),
		string(harnesserr.ClassOf(res.Err)), message, steps, res.Duration.Nanoseconds())
}

// FinishRun stores the run totals.
func (l *Ledger) FinishRun(ctx context.Context, runID string, t progress.Tally) error {
	return l.exec(ctx, "finish run",
		`UPDATE runs SET finished_at = ?, passed = ?, failed = ?, expected_failures = ?, unexpected_passes = ?
		WHERE id = ?`,
		l.stamp(), t.Passed, t.Failed, t.ExpectedFailure, t.UnexpectedPass, runID)
}

// Run loads one run row.
func (l *Ledger) Run(ctx context.Context, runID string) (Run, error) {
	var (
		r                 Run
		started, finished string
	)
	row := l.db.QueryRowContext(ctx, l.rebind(
		`SELECT id, manifest_path, manifest_sha256, started_at, finished_at,
			passed, failed, expected_failures, unexpected_passes
		FROM runs WHERE id = ?`), runID)
	err := row.Scan(&r.ID, &r.ManifestPath, &r.ManifestSHA256, &started, &finished,
		&r.Tally.Passed, &r.Tally.Failed, &r.Tally.ExpectedFailure, &r.Tally.UnexpectedPass)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, harnesserr.New(harnesserr.ConfigInvalid, fmt.Sprintf("unknown run %q", runID))
	}
	if err != nil {
		return Run{}, harnesserr.Wrap(harnesserr.InternalIO, "load run", err)
	}
	if r.StartedAt, err = parseStamp(started); err != nil {
		return Run{}, err
	}
	if r.FinishedAt, err = parseStamp(finished); err != nil {
		return Run{}, err
	}
	if !r.FinishedAt.IsZero() {
		r.Tally.Elapsed = r.FinishedAt.Sub(r.StartedAt)
	}
	return r, nil
}

// Cases returns the stored case outcomes of a run ordered by name.
func (l *Ledger) Cases(ctx context.Context, runID string) ([]Case, error) {
	rows, err := l.db.QueryContext(ctx, l.rebind(
		`SELECT name, variant, status, failure_class, message, steps, duration_ns
		FROM cases WHERE run_id = ? ORDER BY name`), runID)
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.InternalIO, "query cases", err)
	}
	defer rows.Close()

	var out []Case
	for rows.Next() {
		var (
			c                      Case
			variant, status, class string
			nanos                  int64
		)
		if err := rows.Scan(&c.Name, &variant, &status, &class, &c.Message, &c.Steps, &nanos); err != nil {
			return nil, harnesserr.Wrap(harnesserr.InternalIO, "scan case", err)
		}
		c.Variant = testcase.Variant(variant)
		c.Status = testcase.Status(status)
		c.FailureClass = harnesserr.FailureClass(class)
		c.Duration = time.Duration(nanos)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, harnesserr.Wrap(harnesserr.InternalIO, "iterate cases", err)
	}
	return out, nil
}

// Steps returns the number of progress hook calls stored for a case.
func (l *Ledger) Steps(ctx context.Context, runID, caseName string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, l.rebind(
		`SELECT COUNT(*) FROM progress WHERE run_id = ? AND name = ?`), runID, caseName).Scan(&n)
	if err != nil {
		return 0, harnesserr.Wrap(harnesserr.InternalIO, "count progress", err)
	}
	return n, nil
}

func (l *Ledger) exec(ctx context.Context, what, query string, args ...any) error {
	if _, err := l.db.ExecContext(ctx, l.rebind(query), args...); err != nil {
		return harnesserr.Wrap(harnesserr.InternalIO, what, err)
	}
	return nil
}

func (l *Ledger) stamp() string {
	return l.now().UTC().Format(timeLayout)
}

// rebind rewrites '?' placeholders for drivers that use numbered ones.
func (l *Ledger) rebind(query string) string {
	return rebind(l.dialect, query)
}

func rebind(dialect, query string) string {
	if dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseStamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, harnesserr.Wrap(harnesserr.InternalIO, "parse ledger timestamp", err)
	}
	return t, nil
}
