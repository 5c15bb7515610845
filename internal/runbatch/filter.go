package runbatch

import "github.com/uselemma/lemma-go/internal/model"

// DefaultExcludedScope is the instrumentation scope whose spans are tracked
// but never exported.
const DefaultExcludedScope = model.ScopeNextJS

// scopeFilter decides export eligibility. It never affects correlation or
// completion accounting. An empty excluded scope disables filtering.
type scopeFilter struct {
	excluded string
}

func (f scopeFilter) shouldExport(v spanView) bool {
	return f.excluded == "" || v.scope != f.excluded
}
