package lemma

import (
	"io"
	"log/slog"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Option configures Register.
type Option func(*resolvedOptions)

// resolvedOptions holds every Register setting after options are applied.
// Unset fields fall back to the environment (see internal/config).
type resolvedOptions struct {
	apiKey        string
	projectID     string
	baseURL       string
	logger        *slog.Logger
	version       string
	noGlobal      bool
	excludedScope *string
	exportTimeout time.Duration
	console       io.Writer
	spoolDir      string
	archivePath   string
	archiveDSN    string
	exporters     []sdktrace.SpanExporter
}

// WithAPIKey overrides LEMMA_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *resolvedOptions) { o.apiKey = key }
}

// WithProjectID overrides LEMMA_PROJECT_ID.
func WithProjectID(id string) Option {
	return func(o *resolvedOptions) { o.projectID = id }
}

// WithBaseURL overrides LEMMA_BASE_URL. Traces are posted to
// {baseURL}/otel/v1/traces.
func WithBaseURL(url string) Option {
	return func(o *resolvedOptions) { o.baseURL = url }
}

// WithLogger sets the structured logger for the processor and exporters.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets service.version on the trace resource.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithoutGlobal keeps Register from installing the provider as the global
// tracer provider and propagator.
func WithoutGlobal() Option {
	return func(o *resolvedOptions) { o.noGlobal = true }
}

// WithExcludedScope overrides LEMMA_EXCLUDED_SCOPE. Spans from this
// instrumentation scope are tracked but never exported. An empty scope
// exports everything.
func WithExcludedScope(scope string) Option {
	return func(o *resolvedOptions) { o.excludedScope = &scope }
}

// WithExportTimeout bounds each run export.
func WithExportTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.exportTimeout = d }
}

// WithConsole also prints every exported run to w as indented JSON.
func WithConsole(w io.Writer) Option {
	return func(o *resolvedOptions) { o.console = w }
}

// WithSpoolDir writes each run to an on-disk spool before it is sent, so runs
// that cannot be delivered survive a restart and are replayed by the next
// Register.
func WithSpoolDir(dir string) Option {
	return func(o *resolvedOptions) { o.spoolDir = dir }
}

// WithSQLiteArchive keeps a copy of every exported run in a SQLite file.
func WithSQLiteArchive(path string) Option {
	return func(o *resolvedOptions) { o.archivePath = path; o.archiveDSN = "" }
}

// WithPostgresArchive keeps a copy of every exported run in Postgres.
func WithPostgresArchive(dsn string) Option {
	return func(o *resolvedOptions) { o.archiveDSN = dsn; o.archivePath = "" }
}

// WithExporter delivers every run batch to exp as well. Register's provider
// owns exp and shuts it down.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *resolvedOptions) { o.exporters = append(o.exporters, exp) }
}
