// Package runbatch implements an OpenTelemetry span processor that groups
// spans by agent run and exports each run as one batch once the run has
// finished.
//
// A run starts at a span named "ai.agent.run" with no parent. Every span
// whose parent chain reaches that root is attributed to the run and tagged
// with lemma.run_id. The run is exported when its root has ended and all of
// the root's direct children have ended. Deeper descendants are attributed
// but not waited on.
package runbatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/uselemma/lemma-go/internal/model"
)

const defaultExportTimeout = 30 * time.Second

// Processor is an sdktrace.SpanProcessor that batches spans per run.
// All state is guarded by mu. The exporter is never called with mu held.
type Processor struct {
	exporter      sdktrace.SpanExporter
	logger        *slog.Logger
	filter        scopeFilter
	exportTimeout time.Duration
	maxParallel   int
	generateID    func() string

	mu       sync.Mutex
	corr     *correlation
	flushing int
	inflight map[uint64]chan struct{}
	seq      uint64

	stopped      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error

	exportedBatches atomic.Int64
	exportedSpans   atomic.Int64
	failedBatches   atomic.Int64
	droppedSpans    atomic.Int64

	meterProvider metric.MeterProvider
	metrics       metric.Registration
}

var _ sdktrace.SpanProcessor = (*Processor)(nil)

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger used for background export failures.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithExcludedScope replaces the instrumentation scope whose spans are kept
// out of exported batches. An empty scope disables filtering.
func WithExcludedScope(scope string) Option {
	return func(p *Processor) { p.filter.excluded = scope }
}

// WithExportTimeout bounds each background export call.
func WithExportTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.exportTimeout = d
		}
	}
}

// WithMaxConcurrentExports limits how many runs ForceFlush exports at once.
// Zero means unlimited.
func WithMaxConcurrentExports(n int) Option {
	return func(p *Processor) { p.maxParallel = n }
}

// WithMeterProvider reports the processor's instruments to mp instead of
// the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Processor) { p.meterProvider = mp }
}

// WithRunIDGenerator replaces the UUIDv4 generator used for roots without a
// preset run id.
func WithRunIDGenerator(fn func() string) Option {
	return func(p *Processor) {
		if fn != nil {
			p.generateID = fn
		}
	}
}

// New creates a Processor exporting through exporter.
func New(exporter sdktrace.SpanExporter, opts ...Option) *Processor {
	p := &Processor{
		exporter:      exporter,
		logger:        slog.Default(),
		filter:        scopeFilter{excluded: DefaultExcludedScope},
		exportTimeout: defaultExportTimeout,
		generateID:    newRunID,
		corr:          newCorrelation(),
		inflight:      make(map[uint64]chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.registerMetrics()
	return p
}

// OnStart attributes s to a run and tags it with the run id. Spans whose
// parent is not tracked are left alone.
func (p *Processor) OnStart(_ context.Context, s sdktrace.ReadWriteSpan) {
	if p.stopped.Load() {
		return
	}
	v := viewOf(s)

	if v.isRunRoot() {
		runID := resolveRunID(s.Attributes(), p.generateID)
		p.mu.Lock()
		p.corr.startRoot(v, runID)
		p.mu.Unlock()
		s.SetAttributes(attribute.String(model.AttrRunID, runID))
		return
	}

	p.mu.Lock()
	run := p.corr.startChild(v)
	var runID string
	if run != nil {
		runID = run.id
	}
	p.mu.Unlock()
	if runID != "" {
		s.SetAttributes(attribute.String(model.AttrRunID, runID))
	}
}

// OnEnd updates completion state for the span's run, queues the span when it
// is eligible, and starts an export once the run is resolved or while a
// force flush is in progress.
func (p *Processor) OnEnd(s sdktrace.ReadOnlySpan) {
	if p.stopped.Load() {
		p.droppedSpans.Add(1)
		return
	}
	v := viewOf(s)

	p.mu.Lock()
	// Shutdown sets stopped before its flush takes mu. Seeing false here
	// means the flush cannot have collected in-flight exports yet.
	if p.stopped.Load() {
		p.mu.Unlock()
		p.droppedSpans.Add(1)
		return
	}
	run := p.corr.runFor(v)
	if run == nil {
		p.mu.Unlock()
		return
	}
	run.markEnded(v)
	if p.filter.shouldExport(v) {
		run.enqueue(s)
	}
	p.corr.ended(run, v.id)

	var b batch
	switch {
	case run.resolved():
		b = batch{runID: run.id, spans: run.takePending()}
		p.corr.forget(run)
	case p.flushing > 0:
		b = batch{runID: run.id, spans: run.takePending(), forced: true}
		p.corr.release(run)
	default:
		p.corr.release(run)
	}
	e := p.track(b)
	p.mu.Unlock()

	p.exportAsync(e)
}

// ForceFlush exports every run with pending spans, one exporter call per run,
// regardless of whether the run has resolved. Unresolved runs keep their
// bookkeeping. It then waits for background exports and asks the exporter to
// flush. Exporter errors are joined and returned.
func (p *Processor) ForceFlush(ctx context.Context) error {
	if p.stopped.Load() {
		return nil
	}
	return p.flush(ctx)
}

func (p *Processor) flush(ctx context.Context) error {
	p.mu.Lock()
	p.flushing++
	batches := make([]batch, 0, len(p.corr.runs))
	for _, run := range p.corr.runs {
		if len(run.pending) == 0 {
			continue
		}
		batches = append(batches, batch{runID: run.id, spans: run.takePending(), forced: true})
		p.corr.release(run)
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.flushing--
		p.mu.Unlock()
	}()

	errs := make([]error, len(batches)+2)
	var g errgroup.Group
	if p.maxParallel > 0 {
		g.SetLimit(p.maxParallel)
	}
	for i, b := range batches {
		g.Go(func() error {
			errs[i] = p.exportBatch(ctx, b)
			return nil
		})
	}
	_ = g.Wait()

	errs[len(batches)] = p.waitInflight(ctx)
	if f, ok := p.exporter.(flusher); ok {
		if err := f.ForceFlush(ctx); err != nil {
			errs[len(batches)+1] = fmt.Errorf("runbatch: exporter flush: %w", err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown force-flushes pending runs and shuts the exporter down. Only the
// first call has any effect; later calls return nil. Spans ending after
// Shutdown has begun are dropped.
func (p *Processor) Shutdown(ctx context.Context) error {
	first := false
	p.shutdownOnce.Do(func() {
		first = true
		p.stopped.Store(true)
		flushErr := p.flush(ctx)
		var shutErr error
		if err := p.exporter.Shutdown(ctx); err != nil {
			shutErr = fmt.Errorf("runbatch: exporter shutdown: %w", err)
		}
		p.shutdownErr = errors.Join(flushErr, shutErr)
		p.unregisterMetrics()
	})
	if !first {
		return nil
	}
	return p.shutdownErr
}

// Stats is a point-in-time view of the processor's bookkeeping.
type Stats struct {
	PendingRuns     int
	PendingSpans    int
	TrackedSpans    int
	ExportedBatches int64
	ExportedSpans   int64
	FailedBatches   int64
	DroppedSpans    int64
}

// Stats returns current counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	st := Stats{TrackedSpans: p.corr.trackedSpans()}
	for _, run := range p.corr.runs {
		if n := len(run.pending); n > 0 {
			st.PendingRuns++
			st.PendingSpans += n
		}
	}
	p.mu.Unlock()
	st.ExportedBatches = p.exportedBatches.Load()
	st.ExportedSpans = p.exportedSpans.Load()
	st.FailedBatches = p.failedBatches.Load()
	st.DroppedSpans = p.droppedSpans.Load()
	return st
}

// wait blocks until every background export has finished. Used by tests.
func (p *Processor) wait() {
	_ = p.waitInflight(context.Background())
}
