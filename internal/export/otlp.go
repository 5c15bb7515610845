package export

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const defaultTracesPath = "/v1/traces"

// LemmaTracesPath is appended to the Lemma base URL to form the ingest URL.
const LemmaTracesPath = "/otel/v1/traces"

// OTLPConfig holds configuration for the OTLP exporters.
type OTLPConfig struct {
	// Endpoint is host:port, or a full URL for the HTTP exporter.
	Endpoint string

	// URLPath overrides the default "/v1/traces" path (HTTP only).
	URLPath string

	// Insecure disables TLS (for development only).
	Insecure bool

	// Headers are sent with each export request.
	Headers map[string]string

	// Timeout bounds a single export request. Zero keeps the exporter default.
	Timeout time.Duration
}

// NewOTLPHTTP creates an OTLP/HTTP trace exporter.
func NewOTLPHTTP(ctx context.Context, cfg OTLPConfig) (sdktrace.SpanExporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("export: otlp http: endpoint is required")
	}
	var opts []otlptracehttp.Option
	if strings.Contains(cfg.Endpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		// A bare collector URL gets the standard signal path.
		if u, err := url.Parse(cfg.Endpoint); err == nil && cfg.URLPath == "" && strings.Trim(u.Path, "/") == "" {
			cfg.URLPath = defaultTracesPath
		}
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(cfg.URLPath))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	} else {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(cfg.Timeout))
	}

	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("export: create otlp http exporter: %w", err)
	}
	return exp, nil
}

// NewOTLPGRPC creates an OTLP/gRPC trace exporter.
func NewOTLPGRPC(ctx context.Context, cfg OTLPConfig) (sdktrace.SpanExporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("export: otlp grpc: endpoint is required")
	}
	var opts []otlptracegrpc.Option
	if strings.Contains(cfg.Endpoint, "://") {
		opts = append(opts, otlptracegrpc.WithEndpointURL(cfg.Endpoint))
	} else {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(cfg.Timeout))
	}

	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("export: create otlp grpc exporter: %w", err)
	}
	return exp, nil
}

// LemmaConfig identifies a Lemma project.
type LemmaConfig struct {
	APIKey    string
	ProjectID string
	BaseURL   string
	Timeout   time.Duration
}

// URL returns the trace ingest URL for the configured base.
func (c LemmaConfig) URL() string {
	return strings.TrimRight(c.BaseURL, "/") + LemmaTracesPath
}

// Headers returns the authentication headers Lemma expects on every export.
func (c LemmaConfig) Headers() map[string]string {
	return map[string]string{
		"Authorization":      "Bearer " + c.APIKey,
		"X-Lemma-Project-ID": c.ProjectID,
	}
}

// NewLemma creates an OTLP/HTTP exporter that ships to the Lemma backend.
func NewLemma(ctx context.Context, cfg LemmaConfig) (sdktrace.SpanExporter, error) {
	if cfg.APIKey == "" || cfg.ProjectID == "" {
		return nil, fmt.Errorf("export: lemma exporter requires an API key and a project id")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("export: lemma exporter requires a base URL")
	}
	return NewOTLPHTTP(ctx, OTLPConfig{
		Endpoint: cfg.URL(),
		Insecure: strings.HasPrefix(cfg.BaseURL, "http://"),
		Headers:  cfg.Headers(),
		Timeout:  cfg.Timeout,
	})
}
