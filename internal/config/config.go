// Package config loads and validates lemma configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the Lemma API used when no base URL is configured.
const DefaultBaseURL = "https://api.uselemma.ai"

// Exporter kinds accepted by LEMMA_EXPORTER.
const (
	ExporterLemma    = "lemma"
	ExporterOTLP     = "otlp"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterConsole  = "console"
	ExporterNone     = "none"
)

// Archive backends accepted by LEMMA_ARCHIVE_BACKEND.
const (
	ArchiveNone     = "none"
	ArchiveSQLite   = "sqlite"
	ArchivePostgres = "postgres"
)

// Spool sync modes accepted by LEMMA_SPOOL_SYNC_MODE.
const (
	SyncFull  = "full"
	SyncBatch = "batch"
	SyncNone  = "none"
)

// Config holds all lemma configuration.
type Config struct {
	// Lemma backend.
	APIKey    string
	ProjectID string
	BaseURL   string

	// Export pipeline.
	Exporter         string // "lemma", "otlp", "otlp-grpc", "console", or "none"
	OTLPEndpoint     string // Endpoint for the otlp and otlp-grpc exporters.
	OTLPInsecure     bool
	ExportTimeout    time.Duration
	ExportMaxRetries int
	ExcludedScope    string

	// Local run archive.
	ArchiveBackend string // "none", "sqlite", or "postgres"
	ArchivePath    string // SQLite database file.
	ArchiveDSN     string // Postgres connection string.

	// Durable spool. Disabled when SpoolDir is empty.
	SpoolDir      string
	SpoolSyncMode string

	// Self-telemetry.
	MetricsEndpoint string
	ServiceName     string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Config{
		APIKey:          envStr("LEMMA_API_KEY", ""),
		ProjectID:       envStr("LEMMA_PROJECT_ID", ""),
		BaseURL:         envStr("LEMMA_BASE_URL", envStr("LEMMA_API_URL", DefaultBaseURL)),
		Exporter:        strings.ToLower(envStr("LEMMA_EXPORTER", ExporterLemma)),
		OTLPEndpoint:    envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ExcludedScope:   envStr("LEMMA_EXCLUDED_SCOPE", "next.js"),
		ArchiveBackend:  strings.ToLower(envStr("LEMMA_ARCHIVE_BACKEND", ArchiveNone)),
		ArchivePath:     envStr("LEMMA_ARCHIVE_PATH", "lemma-runs.db"),
		ArchiveDSN:      envStr("LEMMA_ARCHIVE_DSN", ""),
		SpoolDir:        envStr("LEMMA_SPOOL_DIR", ""),
		SpoolSyncMode:   strings.ToLower(envStr("LEMMA_SPOOL_SYNC_MODE", SyncBatch)),
		MetricsEndpoint: envStr("LEMMA_METRICS_ENDPOINT", ""),
		ServiceName:     envStr("OTEL_SERVICE_NAME", "lemma"),
		LogLevel:        envStr("LEMMA_LOG_LEVEL", "info"),
	}

	var err error
	cfg.OTLPInsecure, err = envBool("OTEL_EXPORTER_OTLP_INSECURE", false)
	collect(err)
	cfg.ExportTimeout, err = envDuration("LEMMA_EXPORT_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.ExportMaxRetries, err = envInt("LEMMA_EXPORT_MAX_RETRIES", 5)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
// Credentials are not required here; see RequireCredentials.
func (c Config) Validate() error {
	switch c.Exporter {
	case ExporterLemma, ExporterOTLP, ExporterOTLPGRPC, ExporterConsole, ExporterNone:
	default:
		return fmt.Errorf("config: LEMMA_EXPORTER %q is not one of lemma, otlp, otlp-grpc, console, none", c.Exporter)
	}
	switch c.ArchiveBackend {
	case ArchiveNone, ArchiveSQLite, ArchivePostgres:
	default:
		return fmt.Errorf("config: LEMMA_ARCHIVE_BACKEND %q is not one of none, sqlite, postgres", c.ArchiveBackend)
	}
	if c.ArchiveBackend == ArchivePostgres && c.ArchiveDSN == "" {
		return fmt.Errorf("config: LEMMA_ARCHIVE_DSN is required for the postgres archive")
	}
	if c.ArchiveBackend == ArchiveSQLite && c.ArchivePath == "" {
		return fmt.Errorf("config: LEMMA_ARCHIVE_PATH is required for the sqlite archive")
	}
	switch c.SpoolSyncMode {
	case SyncFull, SyncBatch, SyncNone:
	default:
		return fmt.Errorf("config: LEMMA_SPOOL_SYNC_MODE %q is not one of full, batch, none", c.SpoolSyncMode)
	}
	if c.ExportTimeout <= 0 {
		return fmt.Errorf("config: LEMMA_EXPORT_TIMEOUT must be positive")
	}
	if c.ExportMaxRetries < 0 {
		return fmt.Errorf("config: LEMMA_EXPORT_MAX_RETRIES must not be negative")
	}
	return nil
}

// RequireCredentials reports an error when the Lemma exporter is selected but
// the API key or project id is missing.
func (c Config) RequireCredentials() error {
	if c.Exporter != ExporterLemma {
		return nil
	}
	var missing []string
	if c.APIKey == "" {
		missing = append(missing, "LEMMA_API_KEY")
	}
	if c.ProjectID == "" {
		missing = append(missing, "LEMMA_PROJECT_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: %s required for the lemma exporter", strings.Join(missing, " and "))
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
