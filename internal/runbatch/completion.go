package runbatch

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// runState is the bookkeeping of one run: completion counters, the members
// still open, and the pending batch.
type runState struct {
	id     string
	rootID trace.SpanID

	rootEnded    bool
	openChildren int

	// members holds every span attributed to the run; open the subset that
	// has not ended yet.
	members map[trace.SpanID]struct{}
	open    map[trace.SpanID]struct{}

	pending []sdktrace.ReadOnlySpan

	// lingering is set once the run has been exported through the resolved
	// path while some members were still open. Those members keep their
	// entries, and their spans accumulate here until a force flush.
	lingering bool
}

func newRunState(id string, root trace.SpanID) *runState {
	return &runState{
		id:      id,
		rootID:  root,
		members: make(map[trace.SpanID]struct{}),
		open:    make(map[trace.SpanID]struct{}),
	}
}

// markEnded applies an end event to the completion counters. Only the root
// and its direct children take part; deeper descendants do not.
func (r *runState) markEnded(v spanView) {
	switch {
	case v.id == r.rootID:
		r.rootEnded = true
	case v.hasParent && v.parent == r.rootID:
		if r.openChildren > 0 {
			r.openChildren--
		}
	}
}

// resolved reports whether the root has ended and none of its direct children
// is still open.
func (r *runState) resolved() bool {
	return !r.lingering && r.rootEnded && r.openChildren == 0
}

// takePending detaches the pending batch.
func (r *runState) takePending() []sdktrace.ReadOnlySpan {
	b := r.pending
	r.pending = nil
	return b
}
