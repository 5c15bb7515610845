package model

// Reserved span names and attribute keys shared with the Lemma backend.
const (
	// RunSpanName marks a run-root span when the span also has no parent.
	RunSpanName = "ai.agent.run"

	AttrRunID             = "lemma.run_id"
	AttrAutoEndRoot       = "lemma.auto_end_root"
	AttrIsExperiment      = "lemma.is_experiment"
	AttrAgentName         = "ai.agent.name"
	AttrAgentInput        = "ai.agent.input"
	AttrAgentOutput       = "ai.agent.output"
	AttrGenerationResults = "ai.agent.generation_results"

	// ScopeNextJS is the instrumentation scope of spans emitted by an embedding
	// Next.js host. They are correlated but never exported.
	ScopeNextJS = "next.js"
)

// ValidateRunID checks that a run ID conforms to the allowed format.
// Run IDs must be 1-255 printable ASCII characters without whitespace.
func ValidateRunID(id string) error {
	if len(id) == 0 {
		return errRunIDRequired
	}
	if len(id) > 255 {
		return errRunIDTooLong
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c <= ' ' || c > '~' {
			return &InvalidRunIDError{Position: i, Char: c}
		}
	}
	return nil
}
