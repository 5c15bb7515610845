// Package export builds the span exporters that run batches are delivered to:
// the Lemma OTLP endpoint, generic OTLP collectors, the console, a local run
// archive and a durable on-disk spool in front of any of them.
package export

import (
	"context"
	"fmt"
	"log/slog"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/uselemma/lemma-go/internal/config"
	"github.com/uselemma/lemma-go/internal/storage"
)

// Pipeline is the exporter chain described by a config.Config.
type Pipeline struct {
	// Exporter receives every run batch. Never nil.
	Exporter sdktrace.SpanExporter

	// Primary is the configured backend exporter before spooling and
	// archiving are layered on. Nil for the "none" exporter.
	Primary sdktrace.SpanExporter

	// Durable is set when a spool directory is configured.
	Durable *Durable

	// Store is the run archive, when one is configured. Exporter owns it.
	Store storage.Store
}

// New builds the exporter pipeline for cfg:
//
//	primary (lemma | otlp | otlp-grpc | console) → Durable (if spooled) ─┐
//	                                                Archive (if any)  ─┴→ Fanout
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	primary, err := newPrimary(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{Primary: primary}

	cleanup := func() {
		if primary != nil {
			_ = primary.Shutdown(context.Background())
		}
	}

	delivered := primary
	if primary != nil && cfg.SpoolDir != "" {
		spool, err := NewSpool(logger, SpoolConfig{Dir: cfg.SpoolDir, SyncMode: cfg.SpoolSyncMode})
		if err != nil {
			cleanup()
			return nil, err
		}
		p.Durable = NewDurable(primary, spool, logger, DurableConfig{MaxRetries: cfg.ExportMaxRetries})
		delivered = p.Durable
		cleanup = func() { _ = p.Durable.Shutdown(context.Background()) }
	}

	store, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("export: open archive: %w", err)
	}
	p.Store = store

	var archive sdktrace.SpanExporter
	if store != nil {
		archive = NewArchive(store, true, logger)
	}
	p.Exporter = NewFanout(delivered, archive)

	logger.Info("export: pipeline ready",
		"exporter", cfg.Exporter,
		"spool", cfg.SpoolDir != "" && primary != nil,
		"archive", cfg.ArchiveBackend)
	return p, nil
}

func newPrimary(ctx context.Context, cfg config.Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case config.ExporterLemma, "":
		return NewLemma(ctx, LemmaConfig{
			APIKey:    cfg.APIKey,
			ProjectID: cfg.ProjectID,
			BaseURL:   cfg.BaseURL,
			Timeout:   cfg.ExportTimeout,
		})
	case config.ExporterOTLP:
		return NewOTLPHTTP(ctx, OTLPConfig{
			Endpoint: cfg.OTLPEndpoint,
			Insecure: cfg.OTLPInsecure,
			Timeout:  cfg.ExportTimeout,
		})
	case config.ExporterOTLPGRPC:
		return NewOTLPGRPC(ctx, OTLPConfig{
			Endpoint: cfg.OTLPEndpoint,
			Insecure: cfg.OTLPInsecure,
			Timeout:  cfg.ExportTimeout,
		})
	case config.ExporterConsole:
		return NewConsole(ConsoleConfig{PrettyPrint: true})
	case config.ExporterNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("export: unknown exporter %q", cfg.Exporter)
	}
}

// Replay redelivers spooled batches, if the pipeline has a spool.
func (p *Pipeline) Replay(ctx context.Context) (int, error) {
	if p.Durable == nil {
		return 0, nil
	}
	return p.Durable.Replay(ctx)
}

// Shutdown shuts down every exporter in the pipeline and closes the archive.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	return p.Exporter.Shutdown(ctx)
}
