package runbatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/uselemma/lemma-go/internal/model"
)

type recordingExporter struct {
	mu        sync.Mutex
	batches   [][]sdktrace.ReadOnlySpan
	flushes   int
	shutdowns int
	exportErr error
}

func (e *recordingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batches = append(e.batches, append([]sdktrace.ReadOnlySpan(nil), spans...))
	return e.exportErr
}

func (e *recordingExporter) ForceFlush(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushes++
	return nil
}

func (e *recordingExporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdowns++
	return nil
}

func (e *recordingExporter) exported() [][]sdktrace.ReadOnlySpan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]sdktrace.ReadOnlySpan(nil), e.batches...)
}

type harness struct {
	p   *Processor
	exp *recordingExporter
	tp  *sdktrace.TracerProvider
	tr  trace.Tracer
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	exp := &recordingExporter{}
	p := New(exp, opts...)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(p))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return &harness{p: p, exp: exp, tp: tp, tr: tp.Tracer("test")}
}

func (h *harness) root(ctx context.Context, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return h.tr.Start(ctx, model.RunSpanName, trace.WithAttributes(attrs...))
}

func names(spans []sdktrace.ReadOnlySpan) []string {
	out := make([]string, len(spans))
	for i, s := range spans {
		out[i] = s.Name()
	}
	return out
}

func runIDOf(s sdktrace.ReadOnlySpan) string {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == model.AttrRunID {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestRunExportedWhenRootAndDirectChildrenEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ctx, root := h.root(ctx)
	_, c1 := h.tr.Start(ctx, "C1")

	root.End()
	h.p.wait()
	assert.Empty(t, h.exp.exported(), "root ended with an open direct child")

	c1.End()
	h.p.wait()
	batches := h.exp.exported()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{model.RunSpanName, "C1"}, names(batches[0]))

	runID := runIDOf(batches[0][0])
	_, err := uuid.Parse(runID)
	require.NoError(t, err, "generated run id should be a UUID")
	assert.Equal(t, runID, runIDOf(batches[0][1]))

	st := h.p.Stats()
	assert.Zero(t, st.TrackedSpans)
	assert.Zero(t, st.PendingRuns)
	assert.EqualValues(t, 1, st.ExportedBatches)
}

func TestPresetRunIDIsReused(t *testing.T) {
	h := newHarness(t)
	_, root := h.root(context.Background(), attribute.String(model.AttrRunID, "abc"))
	root.End()
	h.p.wait()

	batches := h.exp.exported()
	require.Len(t, batches, 1)
	assert.Equal(t, "abc", runIDOf(batches[0][0]))
}

func TestInvalidPresetRunIDIsReplaced(t *testing.T) {
	tests := []struct {
		name string
		attr attribute.KeyValue
	}{
		{"empty string", attribute.String(model.AttrRunID, "")},
		{"non-string", attribute.Int(model.AttrRunID, 42)},
		{"unrelated attribute", attribute.String("other", "x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, WithRunIDGenerator(func() string { return "generated" }))
			_, root := h.root(context.Background(), tt.attr)
			root.End()
			h.p.wait()

			batches := h.exp.exported()
			require.Len(t, batches, 1)
			assert.Equal(t, "generated", runIDOf(batches[0][0]))
		})
	}
}

func TestBatchOrderIsEndOrder(t *testing.T) {
	h := newHarness(t)
	ctx, root := h.root(context.Background())
	_, a := h.tr.Start(ctx, "A")
	_, b := h.tr.Start(ctx, "B")
	b.End()
	a.End()
	root.End()
	h.p.wait()

	batches := h.exp.exported()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"B", "A", model.RunSpanName}, names(batches[0]))
}

func TestGrandchildDoesNotBlockExport(t *testing.T) {
	h := newHarness(t)
	ctx, root := h.root(context.Background())
	cctx, c1 := h.tr.Start(ctx, "C1")
	_, g := h.tr.Start(cctx, "G")

	c1.End()
	root.End()
	h.p.wait()

	batches := h.exp.exported()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"C1", model.RunSpanName}, names(batches[0]))
	runID := runIDOf(batches[0][0])

	// The lingering grandchild is queued, not exported, when it ends.
	g.End()
	h.p.wait()
	assert.Len(t, h.exp.exported(), 1)
	assert.Equal(t, 1, h.p.Stats().PendingSpans)

	require.NoError(t, h.p.ForceFlush(context.Background()))
	batches = h.exp.exported()
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"G"}, names(batches[1]))
	assert.Equal(t, runID, runIDOf(batches[1][0]))

	st := h.p.Stats()
	assert.Zero(t, st.TrackedSpans)
	assert.Zero(t, st.PendingRuns)
}

func TestChildOfLingeringSpanIsAttributed(t *testing.T) {
	h := newHarness(t)
	ctx, root := h.root(context.Background())
	cctx, c1 := h.tr.Start(ctx, "C1")
	gctx, g := h.tr.Start(cctx, "G")
	c1.End()
	root.End()
	h.p.wait()
	require.Len(t, h.exp.exported(), 1)

	_, gg := h.tr.Start(gctx, "GG")
	gg.End()
	g.End()
	require.NoError(t, h.p.ForceFlush(context.Background()))

	batches := h.exp.exported()
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"GG", "G"}, names(batches[1]))
	assert.Equal(t, runIDOf(batches[0][0]), runIDOf(batches[1][0]))
}

func TestSpanAfterRunForgottenIsExcluded(t *testing.T) {
	h := newHarness(t)
	ctx, root := h.root(context.Background())
	root.End()
	h.p.wait()
	require.Len(t, h.exp.exported(), 1)

	_, lateSpan := h.tr.Start(ctx, "late")
	lateSpan.End()
	require.NoError(t, h.p.ForceFlush(context.Background()))

	assert.Len(t, h.exp.exported(), 1)
	assert.Zero(t, h.p.Stats().TrackedSpans)
}

func TestUnknownParentIsNotCorrelated(t *testing.T) {
	h := newHarness(t)
	ctx, other := h.tr.Start(context.Background(), "http.request")
	_, child := h.tr.Start(ctx, "db.query")

	ro, ok := child.(sdktrace.ReadOnlySpan)
	require.True(t, ok)
	assert.Empty(t, runIDOf(ro))

	child.End()
	other.End()
	require.NoError(t, h.p.ForceFlush(context.Background()))
	assert.Empty(t, h.exp.exported())
	assert.Zero(t, h.p.Stats().TrackedSpans)
}

func TestNamedRootWithParentIsNotARun(t *testing.T) {
	h := newHarness(t)
	ctx, outer := h.tr.Start(context.Background(), "outer")
	_, nested := h.tr.Start(ctx, model.RunSpanName)
	nested.End()
	outer.End()
	require.NoError(t, h.p.ForceFlush(context.Background()))
	assert.Empty(t, h.exp.exported())
}

func TestForceFlushWithNothingPending(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.p.ForceFlush(context.Background()))
	assert.Empty(t, h.exp.exported())
	assert.Equal(t, 1, h.exp.flushes)
}

func TestForcedExportKeepsRunOpen(t *testing.T) {
	h := newHarness(t)
	ctx, root := h.root(context.Background())
	_, c1 := h.tr.Start(ctx, "C1")
	_, c2 := h.tr.Start(ctx, "C2")
	c1.End()

	require.NoError(t, h.p.ForceFlush(context.Background()))
	batches := h.exp.exported()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"C1"}, names(batches[0]))

	// Counters survive the forced export: the root still waits for C2.
	root.End()
	h.p.wait()
	assert.Len(t, h.exp.exported(), 1)

	c2.End()
	h.p.wait()
	batches = h.exp.exported()
	require.Len(t, batches, 2)
	assert.Equal(t, []string{model.RunSpanName, "C2"}, names(batches[1]))
	assert.Equal(t, runIDOf(batches[0][0]), runIDOf(batches[1][0]))
}

func TestForceFlushExportsRunsSeparately(t *testing.T) {
	h := newHarness(t)
	for i := range 3 {
		ctx, root := h.root(context.Background())
		_, c := h.tr.Start(ctx, fmt.Sprintf("child-%d", i))
		c.End()
		_ = root // left open
	}
	require.NoError(t, h.p.ForceFlush(context.Background()))

	batches := h.exp.exported()
	require.Len(t, batches, 3)
	seen := map[string]bool{}
	for _, b := range batches {
		require.Len(t, b, 1)
		seen[runIDOf(b[0])] = true
	}
	assert.Len(t, seen, 3)
}

func TestExcludedScopeCountsButIsNotExported(t *testing.T) {
	h := newHarness(t)
	ctx, root := h.root(context.Background())
	_, host := h.tp.Tracer(model.ScopeNextJS).Start(ctx, "render")
	_, c := h.tr.Start(ctx, "C")

	c.End()
	root.End()
	h.p.wait()
	assert.Empty(t, h.exp.exported(), "excluded direct child still holds the run open")

	host.End()
	h.p.wait()
	batches := h.exp.exported()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"C", model.RunSpanName}, names(batches[0]))
}

func TestCustomExcludedScope(t *testing.T) {
	h := newHarness(t, WithExcludedScope("internal-noise"))
	ctx, root := h.root(context.Background())
	_, noisy := h.tp.Tracer("internal-noise").Start(ctx, "noise")
	_, next := h.tp.Tracer(model.ScopeNextJS).Start(ctx, "render")
	noisy.End()
	next.End()
	root.End()
	h.p.wait()

	batches := h.exp.exported()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"render", model.RunSpanName}, names(batches[0]))
}

func TestRunOfOnlyExcludedSpansExportsNothing(t *testing.T) {
	h := newHarness(t)
	_, root := h.tp.Tracer(model.ScopeNextJS).Start(context.Background(), model.RunSpanName)
	root.End()
	h.p.wait()

	assert.Empty(t, h.exp.exported())
	assert.Zero(t, h.p.Stats().TrackedSpans)
}

func TestShutdownIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx, root := h.root(context.Background())
	_, c := h.tr.Start(ctx, "C")
	c.End()

	require.NoError(t, h.p.Shutdown(context.Background()))
	require.NoError(t, h.p.Shutdown(context.Background()))
	require.NoError(t, h.tp.Shutdown(context.Background()))

	assert.Equal(t, 1, h.exp.shutdowns)
	batches := h.exp.exported()
	require.Len(t, batches, 1, "pending spans are flushed on shutdown")
	assert.Equal(t, []string{"C"}, names(batches[0]))

	root.End()
	assert.Len(t, h.exp.exported(), 1)
	assert.NoError(t, h.p.ForceFlush(context.Background()))
}

func TestSpansAfterShutdownAreDropped(t *testing.T) {
	exp := &recordingExporter{}
	p := New(exp)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(p))
	tr := tp.Tracer("test")
	ctx, root := tr.Start(context.Background(), model.RunSpanName)

	require.NoError(t, p.Shutdown(context.Background()))

	_, c := tr.Start(ctx, "after")
	c.End()
	root.End()

	assert.Empty(t, exp.exported())
	assert.EqualValues(t, 2, p.Stats().DroppedSpans)
	_ = tp.Shutdown(context.Background())
}

func TestExporterErrorSurfacesFromForceFlush(t *testing.T) {
	h := newHarness(t)
	h.exp.exportErr = errors.New("backend unavailable")

	ctx, root := h.root(context.Background())
	_, c := h.tr.Start(ctx, "C")
	c.End()

	err := h.p.ForceFlush(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "backend unavailable")
	assert.EqualValues(t, 1, h.p.Stats().FailedBatches)

	// Background failures are logged, not returned.
	root.End()
	h.p.wait()
	assert.Len(t, h.exp.exported(), 2)
}

func TestForceFlushHonorsContext(t *testing.T) {
	block := make(chan struct{})
	exp := &blockingExporter{release: block}
	p := New(exp)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(p))
	defer func() {
		close(block)
		_ = tp.Shutdown(context.Background())
	}()

	_, root := tp.Tracer("test").Start(context.Background(), model.RunSpanName)
	root.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.ForceFlush(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

type blockingExporter struct {
	release chan struct{}
}

func (e *blockingExporter) ExportSpans(ctx context.Context, _ []sdktrace.ReadOnlySpan) error {
	select {
	case <-e.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *blockingExporter) Shutdown(context.Context) error { return nil }

func TestConcurrentRunsExportOneBatchEach(t *testing.T) {
	h := newHarness(t)
	const runs = 64

	var wg sync.WaitGroup
	for i := range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, root := h.root(context.Background(), attribute.String(model.AttrRunID, fmt.Sprintf("run-%d", i)))
			var children []trace.Span
			for j := range 3 {
				cctx, c := h.tr.Start(ctx, fmt.Sprintf("child-%d", j))
				_, g := h.tr.Start(cctx, "grandchild")
				g.End()
				children = append(children, c)
			}
			root.End()
			for _, c := range children {
				c.End()
			}
		}()
	}
	wg.Wait()
	h.p.wait()

	batches := h.exp.exported()
	require.Len(t, batches, runs)
	seen := map[string]bool{}
	for _, b := range batches {
		require.Len(t, b, 7)
		id := runIDOf(b[0])
		for _, s := range b {
			assert.Equal(t, id, runIDOf(s))
		}
		assert.False(t, seen[id], "run %s exported twice", id)
		seen[id] = true
	}
	st := h.p.Stats()
	assert.Zero(t, st.TrackedSpans)
	assert.Zero(t, st.PendingRuns)
}

func TestProcessorsAreIndependent(t *testing.T) {
	h1 := newHarness(t)
	h2 := newHarness(t)

	ctx, root := h1.root(context.Background())
	// A span from another pipeline whose parent lives in h1 is unknown to h2.
	_, foreign := h2.tr.Start(ctx, "foreign")
	foreign.End()
	root.End()
	h1.p.wait()
	require.NoError(t, h2.p.ForceFlush(context.Background()))

	assert.Len(t, h1.exp.exported(), 1)
	assert.Empty(t, h2.exp.exported())
}

// closingExporter counts exports that arrive after Shutdown.
type closingExporter struct {
	closed   atomic.Bool
	exports  atomic.Int64
	tooLate  atomic.Int64
	shutdown atomic.Int64
}

func (e *closingExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error {
	if e.closed.Load() {
		e.tooLate.Add(1)
	}
	e.exports.Add(1)
	return nil
}

func (e *closingExporter) Shutdown(context.Context) error {
	e.closed.Store(true)
	e.shutdown.Add(1)
	return nil
}

func TestRunEndingDuringShutdownIsExportedOrDropped(t *testing.T) {
	for i := 0; i < 200; i++ {
		exp := &closingExporter{}
		p := New(exp)
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(p))
		_, root := tp.Tracer("test").Start(context.Background(), model.RunSpanName)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			root.End()
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Shutdown(context.Background()))
		}()
		wg.Wait()
		_ = tp.Shutdown(context.Background())

		require.Zero(t, exp.tooLate.Load(), "iteration %d: export after exporter shutdown", i)
		require.EqualValues(t, 1, exp.exports.Load()+p.Stats().DroppedSpans,
			"iteration %d: root must be exported or dropped", i)
	}
}

func TestShutdownUnregistersMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	h := newHarness(t, WithMeterProvider(mp))
	ctx, root := h.root(context.Background())
	_, c := h.tr.Start(ctx, "C")
	c.End()

	value, ok := gaugeValue(t, reader, "lemma.runbatch.pending_runs")
	require.True(t, ok)
	assert.EqualValues(t, 1, value)

	require.NoError(t, h.p.Shutdown(context.Background()))
	root.End()

	_, ok = gaugeValue(t, reader, "lemma.runbatch.pending_runs")
	assert.False(t, ok, "no observations after shutdown")
}

func gaugeValue(t *testing.T, reader *sdkmetric.ManualReader, name string) (int64, bool) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			g, ok := m.Data.(metricdata.Gauge[int64])
			if !ok || len(g.DataPoints) == 0 {
				return 0, false
			}
			return g.DataPoints[0].Value, true
		}
	}
	return 0, false
}
