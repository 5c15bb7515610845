package lemma

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/uselemma/lemma-go/internal/model"
)

// tracerName is the instrumentation scope of agent run spans.
const tracerName = "lemma"

// TraceContext is handed to a wrapped agent. It exposes the run's root span.
type TraceContext struct {
	span  trace.Span
	runID string
}

// Span returns the agent's root span.
func (t *TraceContext) Span() trace.Span { return t.span }

// RunID returns the id shared by every span of this run.
func (t *TraceContext) RunID() string { return t.runID }

// OnComplete records the agent's output on the root span.
func (t *TraceContext) OnComplete(result any) {
	t.span.SetAttributes(attribute.String(model.AttrAgentOutput, model.EncodeJSON(result)))
}

// OnError records err on the root span and marks the run failed.
func (t *TraceContext) OnError(err error) {
	t.span.RecordError(err)
	t.span.SetStatus(codes.Error, err.Error())
}

// RecordGenerationResults attaches named generation outputs to the root span.
func (t *TraceContext) RecordGenerationResults(results map[string]string) {
	t.span.SetAttributes(attribute.String(model.AttrGenerationResults, model.EncodeJSON(results)))
}

// End ends the root span. Only needed with EndOnExit(false).
func (t *TraceContext) End() { t.span.End() }

// AgentFunc is the body of an agent. ctx carries the run's root span, so
// spans started from it belong to the run.
type AgentFunc[In, Out any] func(ctx context.Context, tc *TraceContext, input In) (Out, error)

// Result is what a wrapped agent returns alongside its error.
type Result[Out any] struct {
	Output Out
	RunID  string
	Span   trace.Span
}

// AgentOption configures WrapAgent.
type AgentOption func(*agentOptions)

type agentOptions struct {
	experiment bool
	endOnExit  bool
	provider   trace.TracerProvider
}

// AsExperiment marks every run of the agent as an experiment run, whether or
// not experiment mode is enabled.
func AsExperiment() AgentOption {
	return func(o *agentOptions) { o.experiment = true }
}

// EndOnExit controls whether the root span ends when the agent returns.
// Defaults to true. With false, the agent must call TraceContext.End.
func EndOnExit(end bool) AgentOption {
	return func(o *agentOptions) { o.endOnExit = end }
}

// WithTracerProvider starts agent spans from tp instead of the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) AgentOption {
	return func(o *agentOptions) { o.provider = tp }
}

// WrapAgent traces fn as an agent run. Each call starts a new root
// "ai.agent.run" span with a fresh run id, records the input, and runs fn
// under it. An error or panic from fn is recorded on the span before it is
// returned or re-raised.
func WrapAgent[In, Out any](name string, fn AgentFunc[In, Out], opts ...AgentOption) func(context.Context, In) (Result[Out], error) {
	o := agentOptions{endOnExit: true}
	for _, opt := range opts {
		opt(&o)
	}

	return func(ctx context.Context, input In) (res Result[Out], err error) {
		tp := o.provider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		runID := uuid.NewString()

		ctx, span := tp.Tracer(tracerName).Start(ctx, model.RunSpanName,
			trace.WithNewRoot(),
			trace.WithAttributes(
				attribute.String(model.AttrAgentName, name),
				attribute.String(model.AttrRunID, runID),
				attribute.String(model.AttrAgentInput, model.EncodeJSON(input)),
				attribute.Bool(model.AttrIsExperiment, IsExperimentModeEnabled() || o.experiment),
				attribute.String(model.AttrAutoEndRoot, strconv.FormatBool(o.endOnExit)),
			),
		)
		tc := &TraceContext{span: span, runID: runID}
		res = Result[Out]{RunID: runID, Span: span}

		defer func() {
			if p := recover(); p != nil {
				tc.OnError(fmt.Errorf("panic: %v", p))
				if o.endOnExit {
					span.End()
				}
				panic(p)
			}
		}()

		out, err := fn(ctx, tc, input)
		if err != nil {
			tc.OnError(err)
		}
		if o.endOnExit {
			span.End()
		}
		res.Output = out
		return res, err
	}
}
