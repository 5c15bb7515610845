package experiments

import "encoding/json"

// TestCase is one input of an experiment.
type TestCase struct {
	ID        string         `json:"id"`
	InputData map[string]any `json:"inputData"`
}

// Result links a test case to the agent run that answered it.
type Result struct {
	RunID      string `json:"runId"`
	TestCaseID string `json:"testCaseId"`
}

// Summary reports how many test cases produced a run.
type Summary struct {
	Successful int `json:"successful"`
	Total      int `json:"total"`
}

type recordResultsRequest struct {
	StrategyName string   `json:"strategyName"`
	Results      []Result `json:"results"`
}

// apiEnvelope is the optional {"data": ...} wrapper around responses.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
