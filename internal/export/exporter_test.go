package export

import (
	"bytes"
	"context"
	"errors"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/uselemma/lemma-go/internal/model"
)

// fakeExporter records every batch and fails the first failures calls.
type fakeExporter struct {
	mu       sync.Mutex
	failures int
	calls    int
	batches  [][]sdktrace.ReadOnlySpan
	flushed  int
	shutdown bool
}

var errUnavailable = errors.New("backend unavailable")

func (f *fakeExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errUnavailable
	}
	f.batches = append(f.batches, spans)
	return nil
}

func (f *fakeExporter) ForceFlush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
	return nil
}

func (f *fakeExporter) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	return nil
}

func (f *fakeExporter) runIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.batches))
	for _, b := range f.batches {
		ids = append(ids, model.RunIDOf(b[0]))
	}
	return ids
}

func (f *fakeExporter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// lockedBuffer is a bytes.Buffer safe for the console exporter's writer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
