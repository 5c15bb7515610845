package lemma

import (
	"context"
	"sync/atomic"

	"github.com/uselemma/lemma-go/internal/experiments"
)

var experimentMode atomic.Bool

// EnableExperimentMode marks every run started by WrapAgent as an
// experiment run.
func EnableExperimentMode() { experimentMode.Store(true) }

// DisableExperimentMode turns experiment mode off.
func DisableExperimentMode() { experimentMode.Store(false) }

// IsExperimentModeEnabled reports whether experiment mode is on.
func IsExperimentModeEnabled() bool { return experimentMode.Load() }

type (
	// TestCase is one input of an experiment.
	TestCase = experiments.TestCase
	// ExperimentSummary reports how many test cases produced a run.
	ExperimentSummary = experiments.Summary
	// ExperimentOptions tunes one experiment run.
	ExperimentOptions = experiments.RunOptions
	// ExperimentAgent runs one test case and returns its run id.
	ExperimentAgent = experiments.Agent
)

// ExperimentRunner runs an agent over an experiment's test cases and
// records the resulting runs in Lemma.
type ExperimentRunner struct {
	runner *experiments.Runner
}

// NewExperimentRunner builds a runner that uses p's credentials and flushes
// p's traces before recording results. It turns experiment mode on.
func NewExperimentRunner(p *Provider) (*ExperimentRunner, error) {
	client, err := experiments.NewClient(experiments.Config{
		APIKey:  p.cfg.APIKey,
		BaseURL: p.cfg.BaseURL,
		Timeout: p.cfg.ExportTimeout,
	})
	if err != nil {
		return nil, err
	}
	EnableExperimentMode()
	return &ExperimentRunner{
		runner: experiments.NewRunner(client, p, experiments.WithLogger(p.logger)),
	}, nil
}

// Run executes agent on every test case and records the runs under strategy.
func (r *ExperimentRunner) Run(ctx context.Context, experimentID, strategy string, agent ExperimentAgent, opts ExperimentOptions) (ExperimentSummary, error) {
	return r.runner.Run(ctx, experimentID, strategy, agent, opts)
}

// ExperimentAgentOf adapts an agent built by WrapAgent to an experiment
// runner: the test case input is passed as the agent's input.
func ExperimentAgentOf[Out any](agent func(context.Context, map[string]any) (Result[Out], error)) ExperimentAgent {
	return func(ctx context.Context, input map[string]any) (string, error) {
		res, err := agent(ctx, input)
		if err != nil {
			return "", err
		}
		return res.RunID, nil
	}
}
