// Package experiments runs an agent over the test cases of a Lemma
// experiment and records which run answered each case.
package experiments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/uselemma/lemma-go/internal/config"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// APIKey authenticates every request. Falls back to LEMMA_API_KEY.
	APIKey string

	// BaseURL is the root URL of the Lemma API. Falls back to
	// LEMMA_BASE_URL, then LEMMA_API_URL, then the public API.
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client talks to the Lemma experiments API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("LEMMA_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("experiments: missing API key (set LEMMA_API_KEY or Config.APIKey)")
	}

	baseURL := cfg.BaseURL
	for _, key := range []string{"LEMMA_BASE_URL", "LEMMA_API_URL"} {
		if baseURL == "" {
			baseURL = os.Getenv(key)
		}
	}
	if baseURL == "" {
		baseURL = config.DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  httpClient,
	}, nil
}

// GetTestCases fetches the test cases of an experiment.
func (c *Client) GetTestCases(ctx context.Context, experimentID string) ([]TestCase, error) {
	var cases []TestCase
	if err := c.get(ctx, "/experiments/"+url.PathEscape(experimentID)+"/test-cases", &cases); err != nil {
		return nil, err
	}
	return cases, nil
}

// RecordResults stores the runs a strategy produced for an experiment.
func (c *Client) RecordResults(ctx context.Context, experimentID, strategy string, results []Result) error {
	if results == nil {
		results = []Result{}
	}
	body := recordResultsRequest{StrategyName: strategy, Results: results}
	return c.post(ctx, "/experiments/"+url.PathEscape(experimentID)+"/results", body, nil)
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("experiments: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("experiments: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("experiments: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("experiments: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("experiments: read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil || len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil
	}

	// Unwrap a { "data": ... } envelope when the server sends one.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err == nil && envelope.Data != nil {
		bodyBytes = envelope.Data
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("experiments: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = strings.TrimSpace(string(body))
	}

	return apiErr
}
