package runbatch

import "go.opentelemetry.io/otel/trace"

// correlation maps span ids to runs. It is not safe for concurrent use; the
// processor serializes access.
type correlation struct {
	spans map[trace.SpanID]string
	runs  map[string]*runState
}

func newCorrelation() *correlation {
	return &correlation{
		spans: make(map[trace.SpanID]string),
		runs:  make(map[string]*runState),
	}
}

// startRoot registers a new run rooted at v. A second start for the same span
// id returns the run already registered and false.
func (c *correlation) startRoot(v spanView, runID string) (*runState, bool) {
	if existing, ok := c.spans[v.id]; ok {
		return c.runs[existing], false
	}
	run, ok := c.runs[runID]
	if !ok || run.rootID != v.id {
		run = newRunState(runID, v.id)
		c.runs[runID] = run
	}
	c.join(run, v.id)
	return run, true
}

// startChild attributes v to its parent's run. It returns nil when the
// parent is not tracked, in which case nothing is recorded.
func (c *correlation) startChild(v spanView) *runState {
	if !v.hasParent {
		return nil
	}
	if _, ok := c.spans[v.id]; ok {
		return c.runs[c.spans[v.id]]
	}
	runID, ok := c.spans[v.parent]
	if !ok {
		return nil
	}
	run, ok := c.runs[runID]
	if !ok {
		return nil
	}
	c.join(run, v.id)
	if v.parent == run.rootID && !run.lingering {
		run.openChildren++
	}
	return run
}

func (c *correlation) join(run *runState, id trace.SpanID) {
	c.spans[id] = run.id
	run.members[id] = struct{}{}
	run.open[id] = struct{}{}
}

// runFor resolves the run of an ended span by its own entry, falling back to
// the parent's entry.
func (c *correlation) runFor(v spanView) *runState {
	runID, ok := c.spans[v.id]
	if !ok && v.hasParent {
		runID, ok = c.spans[v.parent]
	}
	if !ok {
		return nil
	}
	return c.runs[runID]
}

// ended records that a member has ended. Members of a lingering run are
// dropped from the map immediately since the run itself is already gone.
func (c *correlation) ended(run *runState, id trace.SpanID) {
	delete(run.open, id)
	if run.lingering {
		delete(run.members, id)
		delete(c.spans, id)
	}
}

// forget discards the run's bookkeeping. Entries of members that are still
// open survive so their eventual end is still attributed; the run is then
// kept in lingering state until they all end and nothing is pending.
func (c *correlation) forget(run *runState) {
	for id := range run.members {
		if _, open := run.open[id]; open {
			continue
		}
		delete(run.members, id)
		delete(c.spans, id)
	}
	run.openChildren = 0
	if len(run.open) == 0 {
		delete(c.runs, run.id)
		return
	}
	run.lingering = true
}

// release drops a lingering run once nothing of it remains.
func (c *correlation) release(run *runState) {
	if run.lingering && len(run.open) == 0 && len(run.pending) == 0 {
		delete(c.runs, run.id)
	}
}

func (c *correlation) trackedSpans() int {
	return len(c.spans)
}
