// Package storage provides the local run archive: every exported run batch is
// kept as one archived run that can be listed, inspected, and replayed.
//
// Two backends implement Store: SQLite (database/sql with the pure-Go
// modernc.org/sqlite driver) for single-process use, and PostgreSQL (pgxpool)
// for shared archives. A run exported in several batches (a forced flush
// followed by its final export) accumulates into one archived run, spans
// appended in delivery order.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/uselemma/lemma-go/internal/config"
	"github.com/uselemma/lemma-go/internal/model"
)

// Store persists archived runs.
type Store interface {
	// SaveRun appends the batch's spans to the archived run, creating it on
	// first use.
	SaveRun(ctx context.Context, batch model.RunBatch) error
	// GetRun returns every archived span of a run, in delivery order.
	GetRun(ctx context.Context, runID string) (model.RunBatch, error)
	// ListRuns returns run summaries, most recently started first, and the
	// total number of archived runs.
	ListRuns(ctx context.Context, limit, offset int) ([]model.RunSummary, int, error)
	DeleteRun(ctx context.Context, runID string) error
	Close() error
}

const defaultListLimit = 50

// Open connects to the archive backend selected by cfg and applies pending
// migrations. It returns nil when archiving is disabled.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.ArchiveBackend {
	case config.ArchiveSQLite:
		s, err := OpenSQLite(ctx, cfg.ArchivePath, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.ArchivePostgres:
		db, err := New(ctx, cfg.ArchiveDSN, logger)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	case config.ArchiveNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("storage: unknown archive backend %q", cfg.ArchiveBackend)
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
