package runbatch

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/uselemma/lemma-go/internal/telemetry"
)

// registerMetrics registers observable instruments for the processor's
// bookkeeping. Instruments bind to the global meter provider, so they start
// reporting once telemetry.Init has installed one. The callback is dropped
// again by Shutdown.
func (p *Processor) registerMetrics() {
	meter := telemetry.Meter("lemma/runbatch")
	if p.meterProvider != nil {
		meter = p.meterProvider.Meter("lemma/runbatch")
	}

	pendingRuns, _ := meter.Int64ObservableGauge("lemma.runbatch.pending_runs",
		metric.WithDescription("Runs holding spans not yet handed to the exporter"))
	pendingSpans, _ := meter.Int64ObservableGauge("lemma.runbatch.pending_spans",
		metric.WithDescription("Ended spans waiting in pending run batches"))
	trackedSpans, _ := meter.Int64ObservableGauge("lemma.runbatch.tracked_spans",
		metric.WithDescription("Span ids currently attributed to a run"))
	exported, _ := meter.Int64ObservableCounter("lemma.runbatch.exported_batches",
		metric.WithDescription("Run batches handed to the exporter"))
	failed, _ := meter.Int64ObservableCounter("lemma.runbatch.failed_batches",
		metric.WithDescription("Run batches the exporter rejected"))
	dropped, _ := meter.Int64ObservableCounter("lemma.runbatch.dropped_spans",
		metric.WithDescription("Spans that ended after shutdown began"))

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := p.Stats()
		o.ObserveInt64(pendingRuns, int64(st.PendingRuns))
		o.ObserveInt64(pendingSpans, int64(st.PendingSpans))
		o.ObserveInt64(trackedSpans, int64(st.TrackedSpans))
		o.ObserveInt64(exported, st.ExportedBatches)
		o.ObserveInt64(failed, st.FailedBatches)
		o.ObserveInt64(dropped, st.DroppedSpans)
		return nil
	}, pendingRuns, pendingSpans, trackedSpans, exported, failed, dropped)
	if err != nil {
		p.logger.Warn("runbatch: register metrics", "error", err)
		return
	}
	p.metrics = reg
}

func (p *Processor) unregisterMetrics() {
	if p.metrics == nil {
		return
	}
	if err := p.metrics.Unregister(); err != nil {
		p.logger.Warn("runbatch: unregister metrics", "error", err)
	}
	p.metrics = nil
}
