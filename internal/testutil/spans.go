package testutil

import (
	"context"
	"fmt"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/uselemma/lemma-go/internal/model"
)

// RunSpans records a finished run: a root carrying runID and agent, followed
// by children direct children. Spans are returned in end order (children
// first, then the root).
func RunSpans(t testing.TB, runID, agent string, children int) []sdktrace.ReadOnlySpan {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tr := tp.Tracer("testutil")
	ctx, root := tr.Start(context.Background(), model.RunSpanName, trace.WithAttributes(
		attribute.String(model.AttrRunID, runID),
		attribute.String(model.AttrAgentName, agent),
	))
	for i := range children {
		_, c := tr.Start(ctx, fmt.Sprintf("step-%d", i), trace.WithAttributes(
			attribute.String(model.AttrRunID, runID),
			attribute.Int("step", i),
		))
		c.End()
	}
	root.End()
	return rec.Ended()
}

// RunBatch is RunSpans captured as a model.RunBatch.
func RunBatch(t testing.TB, runID, agent string, children int) model.RunBatch {
	t.Helper()
	spans := RunSpans(t, runID, agent, children)
	return model.NewRunBatch(spans, spans[len(spans)-1].EndTime())
}
