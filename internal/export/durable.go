package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/uselemma/lemma-go/internal/model"
)

// DurableConfig tunes delivery retries.
type DurableConfig struct {
	MaxRetries      int           // Retries after the first attempt. Default: 0.
	InitialInterval time.Duration // Default: 500ms.
	MaxInterval     time.Duration // Default: 30s.
}

// Durable writes every batch to a spool before handing it to the delegate,
// retrying delivery with exponential backoff. A batch that still fails stays
// in the spool until Replay delivers it.
type Durable struct {
	delegate sdktrace.SpanExporter
	spool    *Spool
	cfg      DurableConfig
	logger   *slog.Logger
	now      func() time.Time
}

var _ sdktrace.SpanExporter = (*Durable)(nil)

// NewDurable wraps delegate. The Durable owns spool and closes it on Shutdown.
func NewDurable(delegate sdktrace.SpanExporter, spool *Spool, logger *slog.Logger, cfg DurableConfig) *Durable {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	return &Durable{delegate: delegate, spool: spool, cfg: cfg, logger: logger, now: time.Now}
}

func (d *Durable) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}
	batch := model.NewRunBatch(spans, d.now())
	lsn, err := d.spool.Write(batch)
	if err != nil {
		return fmt.Errorf("export: spool run %s: %w", batch.RunID, err)
	}
	if err := d.deliver(ctx, batch.RunID, spans); err != nil {
		return fmt.Errorf("export: deliver run %s (kept in spool at lsn %d): %w", batch.RunID, lsn, err)
	}
	if err := d.spool.Ack(lsn); err != nil {
		d.logger.Warn("export: spool ack failed", "run_id", batch.RunID, "lsn", lsn, "error", err)
	}
	return nil
}

// Replay redelivers every batch still in the spool, oldest first, and
// returns how many were delivered. It stops at the first batch that cannot
// be delivered. Call it before new batches are exported: a batch whose
// delivery is in flight is also still in the spool.
func (d *Durable) Replay(ctx context.Context) (int, error) {
	records, err := d.spool.Recover()
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, rec := range records {
		spans, err := rec.Batch.Snapshots()
		if err != nil {
			// Never deliverable; dropping it keeps the checkpoint moving.
			d.logger.Error("export: dropping unreadable spool record",
				"run_id", rec.Batch.RunID, "lsn", rec.LSN, "error", err)
			if err := d.spool.Ack(rec.LSN); err != nil {
				return delivered, err
			}
			continue
		}
		if err := d.deliver(ctx, rec.Batch.RunID, spans); err != nil {
			return delivered, fmt.Errorf("export: replay run %s (lsn %d): %w", rec.Batch.RunID, rec.LSN, err)
		}
		if err := d.spool.Ack(rec.LSN); err != nil {
			return delivered, err
		}
		delivered++
		d.logger.Info("export: replayed spooled run", "run_id", rec.Batch.RunID, "spans", len(spans))
	}
	return delivered, nil
}

// Pending returns the number of batches waiting in the spool.
func (d *Durable) Pending() int { return d.spool.Outstanding() }

func (d *Durable) deliver(ctx context.Context, runID string, spans []sdktrace.ReadOnlySpan) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.InitialInterval
	bo.MaxInterval = d.cfg.MaxInterval
	bo.MaxElapsedTime = 0
	return backoff.RetryNotify(
		func() error { return d.delegate.ExportSpans(ctx, spans) },
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(d.cfg.MaxRetries)), ctx), //nolint:gosec // clamped to >= 0 in NewDurable
		func(err error, next time.Duration) {
			d.logger.Warn("export: retrying run delivery", "run_id", runID, "error", err, "backoff", next)
		},
	)
}

func (d *Durable) ForceFlush(ctx context.Context) error {
	if fl, ok := d.delegate.(interface{ ForceFlush(context.Context) error }); ok {
		return fl.ForceFlush(ctx)
	}
	return nil
}

func (d *Durable) Shutdown(ctx context.Context) error {
	return errors.Join(d.delegate.Shutdown(ctx), d.spool.Close())
}
