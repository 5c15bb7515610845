package runbatch

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/uselemma/lemma-go/internal/model"
)

// spanView is the part of an SDK span the engine reads.
type spanView struct {
	id        trace.SpanID
	parent    trace.SpanID
	hasParent bool
	name      string
	scope     string
}

func viewOf(s sdktrace.ReadOnlySpan) spanView {
	v := spanView{
		id:    s.SpanContext().SpanID(),
		name:  s.Name(),
		scope: s.InstrumentationScope().Name,
	}
	if p := s.Parent(); p.IsValid() {
		v.parent = p.SpanID()
		v.hasParent = true
	}
	return v
}

// isRunRoot reports whether the span opens a new run: it carries the run
// span name and has no parent.
func (v spanView) isRunRoot() bool {
	return v.name == model.RunSpanName && !v.hasParent
}
