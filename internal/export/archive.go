package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/uselemma/lemma-go/internal/model"
	"github.com/uselemma/lemma-go/internal/storage"
)

// Archive is a span exporter that keeps every delivered batch in a run
// archive. The run-batch processor never merges runs, so one call is one run.
type Archive struct {
	store  storage.Store
	owned  bool
	logger *slog.Logger
	now    func() time.Time
}

var _ sdktrace.SpanExporter = (*Archive)(nil)

// NewArchive wraps store. When owned is true, Shutdown closes the store.
func NewArchive(store storage.Store, owned bool, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{store: store, owned: owned, logger: logger, now: time.Now}
}

// ExportSpans archives spans as one run batch. Spans without a run id are
// grouped by the id they do carry; a batch of uncorrelated spans is rejected.
func (a *Archive) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}
	for _, b := range groupByRun(spans, a.now()) {
		if b.RunID == "" {
			a.logger.Warn("export: archive skipped spans without a run id", "spans", len(b.Spans))
			continue
		}
		if err := a.store.SaveRun(ctx, b); err != nil {
			return fmt.Errorf("export: archive run %s: %w", b.RunID, err)
		}
	}
	return nil
}

func (a *Archive) Shutdown(context.Context) error {
	if a.owned {
		if err := a.store.Close(); err != nil {
			return fmt.Errorf("export: close archive: %w", err)
		}
	}
	return nil
}

// groupByRun splits spans by lemma.run_id, preserving order within each run
// and the order in which runs first appear.
func groupByRun(spans []sdktrace.ReadOnlySpan, exportedAt time.Time) []model.RunBatch {
	var (
		order []string
		byRun = make(map[string][]sdktrace.ReadOnlySpan)
	)
	for _, s := range spans {
		id := model.RunIDOf(s)
		if _, ok := byRun[id]; !ok {
			order = append(order, id)
		}
		byRun[id] = append(byRun[id], s)
	}
	out := make([]model.RunBatch, 0, len(order))
	for _, id := range order {
		b := model.NewRunBatch(byRun[id], exportedAt)
		b.RunID = id
		out = append(out, b)
	}
	return out
}
