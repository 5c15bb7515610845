package runbatch

import (
	"context"
	"fmt"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// batch is the spans of one run handed to the exporter in a single call.
// Runs are never merged.
type batch struct {
	runID  string
	spans  []sdktrace.ReadOnlySpan
	forced bool
}

// flusher is implemented by exporters that buffer internally.
type flusher interface {
	ForceFlush(ctx context.Context) error
}

// enqueue appends an eligible span to the run's pending batch in end order.
func (r *runState) enqueue(s sdktrace.ReadOnlySpan) {
	r.pending = append(r.pending, s)
}

func (p *Processor) exportBatch(ctx context.Context, b batch) error {
	if len(b.spans) == 0 {
		return nil
	}
	p.exportedBatches.Add(1)
	p.exportedSpans.Add(int64(len(b.spans)))
	if err := p.exporter.ExportSpans(ctx, b.spans); err != nil {
		p.failedBatches.Add(1)
		return fmt.Errorf("runbatch: export run %s (%d spans): %w", b.runID, len(b.spans), err)
	}
	return nil
}

// inflightExport is a background export registered in p.inflight.
type inflightExport struct {
	id   uint64
	done chan struct{}
	b    batch
}

// track registers b as in flight. p.mu must be held, so that a concurrent
// ForceFlush or Shutdown either sees the export or runs before the batch was
// taken.
func (p *Processor) track(b batch) *inflightExport {
	if len(b.spans) == 0 {
		return nil
	}
	p.seq++
	e := &inflightExport{id: p.seq, done: make(chan struct{}), b: b}
	p.inflight[e.id] = e.done
	return e
}

// exportAsync hands a tracked batch to the exporter without blocking the
// caller. A failure is only logged since no caller is waiting.
func (p *Processor) exportAsync(e *inflightExport) {
	if e == nil {
		return
	}
	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.inflight, e.id)
			p.mu.Unlock()
			close(e.done)
		}()
		b := e.b
		ctx, cancel := context.WithTimeout(context.Background(), p.exportTimeout)
		defer cancel()
		if err := p.exportBatch(ctx, b); err != nil {
			p.logger.Error("runbatch: background export failed",
				"run_id", b.runID, "spans", len(b.spans), "forced", b.forced, "error", err)
			return
		}
		p.logger.Debug("runbatch: run exported", "run_id", b.runID, "spans", len(b.spans), "forced", b.forced)
	}()
}

// waitInflight blocks until every export that was in flight on entry has
// finished, or ctx is done.
func (p *Processor) waitInflight(ctx context.Context) error {
	p.mu.Lock()
	pending := make([]chan struct{}, 0, len(p.inflight))
	for _, ch := range p.inflight {
		pending = append(pending, ch)
	}
	p.mu.Unlock()

	for _, ch := range pending {
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("runbatch: wait for in-flight exports: %w", ctx.Err())
		}
	}
	return nil
}
