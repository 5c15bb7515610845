package experiments

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Agent runs one test case and returns the id of the run it produced.
type Agent func(ctx context.Context, input map[string]any) (runID string, err error)

// Flusher pushes buffered traces to the backend. Satisfied by the run-batch
// processor and by sdktrace.TracerProvider.
type Flusher interface {
	ForceFlush(ctx context.Context) error
}

// RunOptions tunes one experiment run.
type RunOptions struct {
	// Concurrency caps the test cases in flight. Zero means unbounded.
	Concurrency int

	// Quiet suppresses the per-case progress log.
	Quiet bool
}

// Runner fetches test cases, runs the agent on each, flushes traces and
// records the results.
type Runner struct {
	client  *Client
	flusher Flusher
	logger  *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the logger used for progress and failures.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a Runner. flusher may be nil when traces are not buffered.
func NewRunner(client *Client, flusher Flusher, opts ...RunnerOption) *Runner {
	r := &Runner{client: client, flusher: flusher, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes agent on every test case of the experiment. A case succeeds
// when the agent returns no error and a non-empty run id; failed cases are
// left out of the recorded results. Traces are flushed before the results
// are recorded so the backend can resolve every run id; a failed flush is
// logged and the results are recorded anyway.
func (r *Runner) Run(ctx context.Context, experimentID, strategy string, agent Agent, opts RunOptions) (Summary, error) {
	cases, err := r.client.GetTestCases(ctx, experimentID)
	if err != nil {
		return Summary{}, err
	}
	total := len(cases)

	outcomes := make([]*Result, total)
	var done atomic.Int64

	var g errgroup.Group
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}
	for i, tc := range cases {
		g.Go(func() error {
			outcomes[i] = r.runOne(ctx, agent, tc)
			n := done.Add(1)
			if !opts.Quiet {
				r.logger.Info("experiments: progress",
					"experiment_id", experimentID, "done", n, "total", total)
			}
			return nil
		})
	}
	_ = g.Wait()

	results := make([]Result, 0, total)
	for _, o := range outcomes {
		if o != nil {
			results = append(results, *o)
		}
	}

	if r.flusher != nil {
		if err := r.flusher.ForceFlush(ctx); err != nil {
			r.logger.Warn("experiments: flush traces before recording results",
				"experiment_id", experimentID, "error", err)
		}
	}
	if err := r.client.RecordResults(ctx, experimentID, strategy, results); err != nil {
		return Summary{}, err
	}

	summary := Summary{Successful: len(results), Total: total}
	r.logger.Info("experiments: run recorded",
		"experiment_id", experimentID, "strategy", strategy,
		"successful", summary.Successful, "total", summary.Total)
	return summary, nil
}

func (r *Runner) runOne(ctx context.Context, agent Agent, tc TestCase) (result *Result) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("experiments: agent panicked", "test_case_id", tc.ID, "panic", p)
			result = nil
		}
	}()

	runID, err := agent(ctx, tc.InputData)
	if err != nil {
		r.logger.Warn("experiments: test case failed", "test_case_id", tc.ID, "error", err)
		return nil
	}
	if runID == "" {
		r.logger.Warn("experiments: agent returned no run id", "test_case_id", tc.ID)
		return nil
	}
	return &Result{RunID: runID, TestCaseID: tc.ID}
}
