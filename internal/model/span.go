package model

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// SpanKind represents the OTEL span kind.
type SpanKind string

const (
	SpanKindInternal SpanKind = "internal"
	SpanKindClient   SpanKind = "client"
	SpanKindServer   SpanKind = "server"
	SpanKindProducer SpanKind = "producer"
	SpanKindConsumer SpanKind = "consumer"
)

// SpanStatus represents the OTEL span status.
type SpanStatus string

const (
	SpanStatusOK    SpanStatus = "ok"
	SpanStatusError SpanStatus = "error"
	SpanStatusUnset SpanStatus = "unset"
)

// Span is the serializable record of an ended span. Immutable.
type Span struct {
	TraceID       string           `json:"trace_id"`
	SpanID        string           `json:"span_id"`
	ParentSpanID  string           `json:"parent_span_id,omitempty"`
	Name          string           `json:"name"`
	Scope         string           `json:"scope,omitempty"`
	ScopeVersion  string           `json:"scope_version,omitempty"`
	Kind          SpanKind         `json:"kind"`
	StartedAt     time.Time        `json:"started_at"`
	EndedAt       time.Time        `json:"ended_at"`
	Status        SpanStatus       `json:"status"`
	StatusMessage string           `json:"status_message,omitempty"`
	Attributes    map[string]Value `json:"attributes"`
	Events        []Event          `json:"events,omitempty"`
	Resource      map[string]Value `json:"resource,omitempty"`
}

// Event is a timestamped annotation recorded on a span.
type Event struct {
	Name       string           `json:"name"`
	Time       time.Time        `json:"time"`
	Attributes map[string]Value `json:"attributes,omitempty"`
}

// FromReadOnly captures an SDK span as a Span record.
func FromReadOnly(s sdktrace.ReadOnlySpan) Span {
	out := Span{
		TraceID:       s.SpanContext().TraceID().String(),
		SpanID:        s.SpanContext().SpanID().String(),
		Name:          s.Name(),
		Scope:         s.InstrumentationScope().Name,
		ScopeVersion:  s.InstrumentationScope().Version,
		Kind:          kindFromOTel(s.SpanKind()),
		StartedAt:     s.StartTime(),
		EndedAt:       s.EndTime(),
		Status:        statusFromOTel(s.Status().Code),
		StatusMessage: s.Status().Description,
		Attributes:    Attributes(s.Attributes()),
	}
	if s.Parent().IsValid() {
		out.ParentSpanID = s.Parent().SpanID().String()
	}
	for _, e := range s.Events() {
		ev := Event{Name: e.Name, Time: e.Time}
		if len(e.Attributes) > 0 {
			ev.Attributes = Attributes(e.Attributes)
		}
		out.Events = append(out.Events, ev)
	}
	if r := s.Resource(); r != nil && r.Len() > 0 {
		out.Resource = Attributes(r.Attributes())
	}
	return out
}

// Snapshot rebuilds an SDK read-only span from the record so it can be handed
// to any span exporter.
func (s Span) Snapshot() (sdktrace.ReadOnlySpan, error) {
	traceID, err := trace.TraceIDFromHex(s.TraceID)
	if err != nil {
		return nil, fmt.Errorf("model: span %s: trace id: %w", s.SpanID, err)
	}
	spanID, err := trace.SpanIDFromHex(s.SpanID)
	if err != nil {
		return nil, fmt.Errorf("model: span %s: span id: %w", s.SpanID, err)
	}
	stub := tracetest.SpanStub{
		Name: s.Name,
		SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: trace.FlagsSampled,
		}),
		SpanKind:   kindToOTel(s.Kind),
		StartTime:  s.StartedAt,
		EndTime:    s.EndedAt,
		Attributes: KeyValues(s.Attributes),
		Status:     sdktrace.Status{Code: statusToOTel(s.Status), Description: s.StatusMessage},
		InstrumentationScope: instrumentation.Scope{
			Name:    s.Scope,
			Version: s.ScopeVersion,
		},
	}
	if s.ParentSpanID != "" {
		parentID, err := trace.SpanIDFromHex(s.ParentSpanID)
		if err != nil {
			return nil, fmt.Errorf("model: span %s: parent span id: %w", s.SpanID, err)
		}
		stub.Parent = trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     parentID,
			TraceFlags: trace.FlagsSampled,
		})
	}
	for _, e := range s.Events {
		stub.Events = append(stub.Events, sdktrace.Event{
			Name:       e.Name,
			Time:       e.Time,
			Attributes: KeyValues(e.Attributes),
		})
	}
	if len(s.Resource) > 0 {
		stub.Resource = resource.NewSchemaless(KeyValues(s.Resource)...)
	}
	return stub.Snapshot(), nil
}

// RunID returns the span's lemma.run_id attribute, or "" if it has none.
func (s Span) RunID() string {
	if v, ok := s.Attributes[AttrRunID]; ok && v.Kind == KindString {
		return v.Str
	}
	return ""
}

func kindFromOTel(k trace.SpanKind) SpanKind {
	switch k {
	case trace.SpanKindClient:
		return SpanKindClient
	case trace.SpanKindServer:
		return SpanKindServer
	case trace.SpanKindProducer:
		return SpanKindProducer
	case trace.SpanKindConsumer:
		return SpanKindConsumer
	default:
		return SpanKindInternal
	}
}

func kindToOTel(k SpanKind) trace.SpanKind {
	switch k {
	case SpanKindClient:
		return trace.SpanKindClient
	case SpanKindServer:
		return trace.SpanKindServer
	case SpanKindProducer:
		return trace.SpanKindProducer
	case SpanKindConsumer:
		return trace.SpanKindConsumer
	default:
		return trace.SpanKindInternal
	}
}

func statusFromOTel(c codes.Code) SpanStatus {
	switch c {
	case codes.Ok:
		return SpanStatusOK
	case codes.Error:
		return SpanStatusError
	default:
		return SpanStatusUnset
	}
}

func statusToOTel(s SpanStatus) codes.Code {
	switch s {
	case SpanStatusOK:
		return codes.Ok
	case SpanStatusError:
		return codes.Error
	default:
		return codes.Unset
	}
}

// RunIDOf returns the lemma.run_id attribute of an SDK span, or "".
func RunIDOf(s sdktrace.ReadOnlySpan) string {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == AttrRunID && kv.Value.Type() == attribute.STRING {
			return kv.Value.AsString()
		}
	}
	return ""
}
