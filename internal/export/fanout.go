package export

import (
	"context"
	"errors"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Fanout delivers every batch to each of its exporters in order. One
// exporter failing does not stop delivery to the rest.
type Fanout struct {
	exporters []sdktrace.SpanExporter
}

var _ sdktrace.SpanExporter = (*Fanout)(nil)

// NewFanout combines exporters. Nil entries are skipped.
func NewFanout(exporters ...sdktrace.SpanExporter) *Fanout {
	f := &Fanout{}
	for _, e := range exporters {
		if e != nil {
			f.exporters = append(f.exporters, e)
		}
	}
	return f
}

// Len returns the number of wrapped exporters.
func (f *Fanout) Len() int { return len(f.exporters) }

func (f *Fanout) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	var errs []error
	for _, e := range f.exporters {
		if err := e.ExportSpans(ctx, spans); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ForceFlush flushes every wrapped exporter that supports it.
func (f *Fanout) ForceFlush(ctx context.Context) error {
	var errs []error
	for _, e := range f.exporters {
		if fl, ok := e.(interface{ ForceFlush(context.Context) error }); ok {
			if err := fl.ForceFlush(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Shutdown(ctx context.Context) error {
	var errs []error
	for _, e := range f.exporters {
		if err := e.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
