// Package model defines the records shared by the run-batch engine, the
// exporters, the run archive and the spool.
package model

import (
	"fmt"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// RunBatch is the ordered set of spans of one run, handed to an exporter in a
// single call. Spans are in end order.
type RunBatch struct {
	RunID      string    `json:"run_id"`
	Spans      []Span    `json:"spans"`
	ExportedAt time.Time `json:"exported_at"`
}

// RunSummary is the listing view of an archived run.
type RunSummary struct {
	RunID      string     `json:"run_id"`
	AgentName  string     `json:"agent_name,omitempty"`
	TraceID    string     `json:"trace_id,omitempty"`
	SpanCount  int        `json:"span_count"`
	Status     SpanStatus `json:"status"`
	Experiment bool       `json:"experiment"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    time.Time  `json:"ended_at"`
	ExportedAt time.Time  `json:"exported_at"`
}

// NewRunBatch captures a batch of SDK spans. The run id is taken from the
// first span carrying lemma.run_id.
func NewRunBatch(spans []sdktrace.ReadOnlySpan, exportedAt time.Time) RunBatch {
	b := RunBatch{
		Spans:      make([]Span, 0, len(spans)),
		ExportedAt: exportedAt.UTC(),
	}
	for _, s := range spans {
		rec := FromReadOnly(s)
		if b.RunID == "" {
			b.RunID = rec.RunID()
		}
		b.Spans = append(b.Spans, rec)
	}
	return b
}

// Snapshots rebuilds the SDK spans of the batch, preserving order.
func (b RunBatch) Snapshots() ([]sdktrace.ReadOnlySpan, error) {
	out := make([]sdktrace.ReadOnlySpan, 0, len(b.Spans))
	for i, s := range b.Spans {
		ro, err := s.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("model: run %s span %d: %w", b.RunID, i, err)
		}
		out = append(out, ro)
	}
	return out, nil
}

// Root returns the run-root span of the batch, if it was captured.
func (b RunBatch) Root() (Span, bool) {
	for _, s := range b.Spans {
		if s.Name == RunSpanName && s.ParentSpanID == "" {
			return s, true
		}
	}
	return Span{}, false
}

// Summary derives the listing view of the batch. Times span the earliest
// start to the latest end. Status is error if any span failed.
func (b RunBatch) Summary() RunSummary {
	sum := RunSummary{
		RunID:      b.RunID,
		SpanCount:  len(b.Spans),
		Status:     SpanStatusUnset,
		ExportedAt: b.ExportedAt,
	}
	for _, s := range b.Spans {
		if sum.TraceID == "" {
			sum.TraceID = s.TraceID
		}
		if sum.StartedAt.IsZero() || s.StartedAt.Before(sum.StartedAt) {
			sum.StartedAt = s.StartedAt
		}
		if s.EndedAt.After(sum.EndedAt) {
			sum.EndedAt = s.EndedAt
		}
		switch s.Status {
		case SpanStatusError:
			sum.Status = SpanStatusError
		case SpanStatusOK:
			if sum.Status == SpanStatusUnset {
				sum.Status = SpanStatusOK
			}
		}
	}
	if root, ok := b.Root(); ok {
		sum.TraceID = root.TraceID
		if v, ok := root.Attributes[AttrAgentName]; ok {
			sum.AgentName = v.String()
		}
		if v, ok := root.Attributes[AttrIsExperiment]; ok && v.Kind == KindBool {
			sum.Experiment = v.Bool
		}
	}
	return sum
}
