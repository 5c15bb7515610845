package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/uselemma/lemma-go/internal/model"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 20 * time.Millisecond
)

// SaveRun appends a batch to the archived run inside one transaction. The
// run's summary row is merged with the batch's summary.
func (db *DB) SaveRun(ctx context.Context, batch model.RunBatch) error {
	if batch.RunID == "" {
		return errNoRunID
	}
	sum := batch.Summary()
	rows, err := encodeSpans(batch.Spans)
	if err != nil {
		return err
	}

	return WithRetry(ctx, retryAttempts, retryBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin save run: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		_, err = tx.Exec(ctx,
			`INSERT INTO runs (run_id, agent_name, trace_id, span_count, status, experiment, started_at, ended_at, exported_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (run_id) DO UPDATE SET
			   agent_name  = CASE WHEN EXCLUDED.agent_name <> '' THEN EXCLUDED.agent_name ELSE runs.agent_name END,
			   trace_id    = CASE WHEN runs.trace_id = '' THEN EXCLUDED.trace_id ELSE runs.trace_id END,
			   span_count  = runs.span_count + EXCLUDED.span_count,
			   status      = CASE
			                   WHEN runs.status = 'error' OR EXCLUDED.status = 'error' THEN 'error'
			                   WHEN runs.status = 'ok' OR EXCLUDED.status = 'ok' THEN 'ok'
			                   ELSE 'unset' END,
			   experiment  = runs.experiment OR EXCLUDED.experiment,
			   started_at  = LEAST(runs.started_at, EXCLUDED.started_at),
			   ended_at    = GREATEST(runs.ended_at, EXCLUDED.ended_at),
			   exported_at = EXCLUDED.exported_at`,
			sum.RunID, sum.AgentName, sum.TraceID, sum.SpanCount, string(sum.Status), sum.Experiment,
			sum.StartedAt, sum.EndedAt, sum.ExportedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: upsert run: %w", err)
		}

		var next int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq) + 1, 0) FROM run_spans WHERE run_id = $1`, batch.RunID,
		).Scan(&next); err != nil {
			return fmt.Errorf("storage: next span seq: %w", err)
		}

		copyRows := make([][]any, len(rows))
		for i, r := range rows {
			copyRows[i] = []any{batch.RunID, next + i, r.spanID, r.data}
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"run_spans"},
			[]string{"run_id", "seq", "span_id", "data"},
			pgx.CopyFromRows(copyRows),
		); err != nil {
			return fmt.Errorf("storage: copy run spans: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit save run: %w", err)
		}
		return nil
	})
}

// GetRun returns an archived run with its spans in delivery order.
func (db *DB) GetRun(ctx context.Context, runID string) (model.RunBatch, error) {
	batch := model.RunBatch{RunID: runID}
	err := db.pool.QueryRow(ctx,
		`SELECT exported_at FROM runs WHERE run_id = $1`, runID,
	).Scan(&batch.ExportedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RunBatch{}, fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
		}
		return model.RunBatch{}, fmt.Errorf("storage: get run: %w", err)
	}
	batch.ExportedAt = batch.ExportedAt.UTC()

	rows, err := db.pool.Query(ctx,
		`SELECT data FROM run_spans WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return model.RunBatch{}, fmt.Errorf("storage: get run spans: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return model.RunBatch{}, fmt.Errorf("storage: scan run span: %w", err)
		}
		var s model.Span
		if err := json.Unmarshal(data, &s); err != nil {
			return model.RunBatch{}, fmt.Errorf("storage: decode run span: %w", err)
		}
		batch.Spans = append(batch.Spans, s)
	}
	return batch, rows.Err()
}

// ListRuns returns archived runs ordered by started_at DESC.
func (db *DB) ListRuns(ctx context.Context, limit, offset int) ([]model.RunSummary, int, error) {
	limit = normalizeLimit(limit)

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT run_id, agent_name, trace_id, span_count, status, experiment, started_at, ended_at, exported_at
		 FROM runs
		 ORDER BY started_at DESC, run_id
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		var r model.RunSummary
		var status string
		if err := rows.Scan(
			&r.RunID, &r.AgentName, &r.TraceID, &r.SpanCount, &status, &r.Experiment,
			&r.StartedAt, &r.EndedAt, &r.ExportedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		r.Status = model.SpanStatus(status)
		r.StartedAt, r.EndedAt, r.ExportedAt = r.StartedAt.UTC(), r.EndedAt.UTC(), r.ExportedAt.UTC()
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// DeleteRun removes a run and its spans.
func (db *DB) DeleteRun(ctx context.Context, runID string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM runs WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("storage: delete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
	}
	return nil
}

type spanRow struct {
	spanID string
	data   []byte
}

func encodeSpans(spans []model.Span) ([]spanRow, error) {
	rows := make([]spanRow, len(spans))
	for i, s := range spans {
		data, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("storage: encode span %s: %w", s.SpanID, err)
		}
		rows[i] = spanRow{spanID: s.SpanID, data: data}
	}
	return rows, nil
}
