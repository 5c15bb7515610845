// Package lemma sends agent traces to Lemma, one batch per agent run.
//
// Register wires a run-batching span processor into an OpenTelemetry tracer
// provider that exports to the Lemma ingest endpoint:
//
//	provider, err := lemma.Register(ctx)
//	if err != nil { ... }
//	defer provider.Shutdown(context.Background())
//
//	agent := lemma.WrapAgent("support-agent", handle)
//	res, err := agent(ctx, question)
//
// Every span started under a wrapped agent carries the run's lemma.run_id,
// and the whole run is exported once the agent span and its direct children
// have ended.
//
// The import graph is one-way: lemma (root) imports internal/*, and
// internal/* never imports lemma.
package lemma

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/uselemma/lemma-go/internal/config"
	"github.com/uselemma/lemma-go/internal/export"
	"github.com/uselemma/lemma-go/internal/runbatch"
	"github.com/uselemma/lemma-go/internal/telemetry"
)

// ErrMissingCredentials is returned by Register when no API key or project
// id is configured.
var ErrMissingCredentials = errors.New("lemma: missing API key and/or project ID (set LEMMA_API_KEY and LEMMA_PROJECT_ID)")

// SpanProcessor groups spans by agent run and exports each run as one batch.
type SpanProcessor = runbatch.Processor

// ProcessorOption configures a SpanProcessor.
type ProcessorOption = runbatch.Option

// ProcessorStats is a point-in-time view of a SpanProcessor.
type ProcessorStats = runbatch.Stats

// Processor options, re-exported for NewSpanProcessor.
var (
	ProcessorLogger               = runbatch.WithLogger
	ProcessorExcludedScope        = runbatch.WithExcludedScope
	ProcessorExportTimeout        = runbatch.WithExportTimeout
	ProcessorMaxConcurrentExports = runbatch.WithMaxConcurrentExports
	ProcessorRunIDGenerator       = runbatch.WithRunIDGenerator
)

// NewSpanProcessor returns a run-batching processor in front of exporter,
// for callers that build their own tracer provider.
func NewSpanProcessor(exporter sdktrace.SpanExporter, opts ...ProcessorOption) *SpanProcessor {
	return runbatch.New(exporter, opts...)
}

// Provider is the tracer provider built by Register.
type Provider struct {
	tp           *sdktrace.TracerProvider
	processor    *runbatch.Processor
	pipeline     *export.Pipeline
	cfg          config.Config
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
}

// Register builds a tracer provider that exports agent runs to Lemma.
// Credentials come from options, then LEMMA_API_KEY / LEMMA_PROJECT_ID.
// Unless WithoutGlobal is given, the provider becomes the global tracer
// provider. Runs left in the spool by a previous process are redelivered
// before Register returns.
func Register(ctx context.Context, opts ...Option) (*Provider, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("lemma: load config: %w", err)
	}
	applyOptions(&cfg, o)
	if cfg.APIKey == "" || cfg.ProjectID == "" {
		return nil, ErrMissingCredentials
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("lemma: %w", err)
	}

	pipeline, err := export.New(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("lemma: %w", err)
	}
	if n, err := pipeline.Replay(ctx); err != nil {
		logger.Warn("lemma: spool replay incomplete", "replayed", n, "error", err)
	} else if n > 0 {
		logger.Info("lemma: replayed spooled runs", "runs", n)
	}

	exporter := pipeline.Exporter
	extra := o.exporters
	if o.console != nil {
		console, err := export.NewConsole(export.ConsoleConfig{Writer: o.console, PrettyPrint: true})
		if err != nil {
			_ = pipeline.Shutdown(ctx)
			return nil, fmt.Errorf("lemma: %w", err)
		}
		extra = append(extra, console)
	}
	if len(extra) > 0 {
		exporter = export.NewFanout(append([]sdktrace.SpanExporter{exporter}, extra...)...)
	}

	processor := runbatch.New(exporter,
		runbatch.WithLogger(logger),
		runbatch.WithExcludedScope(cfg.ExcludedScope),
		runbatch.WithExportTimeout(cfg.ExportTimeout),
	)

	res, err := telemetry.Resource(ctx, cfg.ServiceName, version)
	if err != nil {
		_ = processor.Shutdown(ctx)
		return nil, fmt.Errorf("lemma: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(processor),
		sdktrace.WithResource(res),
	)

	p := &Provider{tp: tp, processor: processor, pipeline: pipeline, cfg: cfg, logger: logger}
	if !o.noGlobal {
		otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
			Endpoint:    cfg.MetricsEndpoint,
			ServiceName: cfg.ServiceName,
			Version:     version,
		})
		if err != nil {
			_ = tp.Shutdown(ctx)
			return nil, fmt.Errorf("lemma: %w", err)
		}
		p.otelShutdown = otelShutdown
		otel.SetTracerProvider(tp)
	}

	logger.Info("lemma: tracing registered",
		"endpoint", export.LemmaConfig{BaseURL: cfg.BaseURL}.URL(),
		"project_id", cfg.ProjectID,
		"global", !o.noGlobal)
	return p, nil
}

// applyOptions layers explicit options over the environment.
func applyOptions(cfg *config.Config, o resolvedOptions) {
	cfg.Exporter = config.ExporterLemma
	if o.apiKey != "" {
		cfg.APIKey = o.apiKey
	}
	if o.projectID != "" {
		cfg.ProjectID = o.projectID
	}
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	if o.excludedScope != nil {
		cfg.ExcludedScope = *o.excludedScope
	}
	if o.exportTimeout > 0 {
		cfg.ExportTimeout = o.exportTimeout
	}
	if o.spoolDir != "" {
		cfg.SpoolDir = o.spoolDir
	}
	switch {
	case o.archivePath != "":
		cfg.ArchiveBackend = config.ArchiveSQLite
		cfg.ArchivePath = o.archivePath
	case o.archiveDSN != "":
		cfg.ArchiveBackend = config.ArchivePostgres
		cfg.ArchiveDSN = o.archiveDSN
	}
}

// Tracer returns a tracer from this provider.
func (p *Provider) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return p.tp.Tracer(name, opts...)
}

// TracerProvider returns the underlying SDK provider.
func (p *Provider) TracerProvider() *sdktrace.TracerProvider { return p.tp }

// Processor returns the run-batching processor.
func (p *Provider) Processor() *SpanProcessor { return p.processor }

// Stats reports the processor's counters.
func (p *Provider) Stats() ProcessorStats { return p.processor.Stats() }

// ForceFlush exports every run that has spans waiting, finished or not.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return p.tp.ForceFlush(ctx)
}

// Shutdown flushes pending runs and releases every exporter. Safe to call
// more than once.
func (p *Provider) Shutdown(ctx context.Context) error {
	err := p.tp.Shutdown(ctx)
	if p.otelShutdown != nil {
		err = errors.Join(err, p.otelShutdown(ctx))
		p.otelShutdown = nil
	}
	return err
}
