package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/uselemma/lemma-go/internal/model"
)

// sqliteTime is fixed width so stored timestamps order lexically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLite is the single-file run archive.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the archive at path and applies
// pending migrations. ":memory:" gives a private in-memory archive.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: sqlite path is required")
	}

	dsn := "file:" + path
	params := []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)"}
	if path != ":memory:" {
		params = append(params, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	dsn += "?" + strings.Join(params, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}

	if err := runSQLiteMigrations(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db, logger: logger}, nil
}

// SaveRun appends a batch to the archived run inside one transaction.
func (s *SQLite) SaveRun(ctx context.Context, batch model.RunBatch) error {
	if batch.RunID == "" {
		return errNoRunID
	}
	sum := batch.Summary()
	rows, err := encodeSpans(batch.Spans)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin save run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, agent_name, trace_id, span_count, status, experiment, started_at, ended_at, exported_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET
		   agent_name  = CASE WHEN excluded.agent_name <> '' THEN excluded.agent_name ELSE runs.agent_name END,
		   trace_id    = CASE WHEN runs.trace_id = '' THEN excluded.trace_id ELSE runs.trace_id END,
		   span_count  = runs.span_count + excluded.span_count,
		   status      = CASE
		                   WHEN runs.status = 'error' OR excluded.status = 'error' THEN 'error'
		                   WHEN runs.status = 'ok' OR excluded.status = 'ok' THEN 'ok'
		                   ELSE 'unset' END,
		   experiment  = MAX(runs.experiment, excluded.experiment),
		   started_at  = MIN(runs.started_at, excluded.started_at),
		   ended_at    = MAX(runs.ended_at, excluded.ended_at),
		   exported_at = excluded.exported_at`,
		sum.RunID, sum.AgentName, sum.TraceID, sum.SpanCount, string(sum.Status), sum.Experiment,
		formatTime(sum.StartedAt), formatTime(sum.EndedAt), formatTime(sum.ExportedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert run: %w", err)
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM run_spans WHERE run_id = ?`, batch.RunID,
	).Scan(&next); err != nil {
		return fmt.Errorf("storage: next span seq: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_spans (run_id, seq, span_id, data) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("storage: prepare span insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // closed with the transaction
	for i, r := range rows {
		if _, err := stmt.ExecContext(ctx, batch.RunID, next+i, r.spanID, string(r.data)); err != nil {
			return fmt.Errorf("storage: insert run span: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit save run: %w", err)
	}
	return nil
}

// GetRun returns an archived run with its spans in delivery order.
func (s *SQLite) GetRun(ctx context.Context, runID string) (model.RunBatch, error) {
	batch := model.RunBatch{RunID: runID}
	var exportedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT exported_at FROM runs WHERE run_id = ?`, runID,
	).Scan(&exportedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunBatch{}, fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
		}
		return model.RunBatch{}, fmt.Errorf("storage: get run: %w", err)
	}
	if batch.ExportedAt, err = parseTime(exportedAt); err != nil {
		return model.RunBatch{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM run_spans WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return model.RunBatch{}, fmt.Errorf("storage: get run spans: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return model.RunBatch{}, fmt.Errorf("storage: scan run span: %w", err)
		}
		var sp model.Span
		if err := json.Unmarshal([]byte(data), &sp); err != nil {
			return model.RunBatch{}, fmt.Errorf("storage: decode run span: %w", err)
		}
		batch.Spans = append(batch.Spans, sp)
	}
	return batch, rows.Err()
}

// ListRuns returns archived runs ordered by started_at DESC.
func (s *SQLite) ListRuns(ctx context.Context, limit, offset int) ([]model.RunSummary, int, error) {
	limit = normalizeLimit(limit)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, agent_name, trace_id, span_count, status, experiment, started_at, ended_at, exported_at
		 FROM runs
		 ORDER BY started_at DESC, run_id
		 LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	var runs []model.RunSummary
	for rows.Next() {
		var (
			r                        model.RunSummary
			status                   string
			started, ended, exported string
		)
		if err := rows.Scan(
			&r.RunID, &r.AgentName, &r.TraceID, &r.SpanCount, &status, &r.Experiment,
			&started, &ended, &exported,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		r.Status = model.SpanStatus(status)
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, 0, err
		}
		if r.EndedAt, err = parseTime(ended); err != nil {
			return nil, 0, err
		}
		if r.ExportedAt, err = parseTime(exported); err != nil {
			return nil, 0, err
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// DeleteRun removes a run and its spans.
func (s *SQLite) DeleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("storage: delete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: delete run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: parse time %q: %w", v, err)
	}
	return t, nil
}
