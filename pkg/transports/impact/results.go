package impact

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/openfroyo/impactsim/pkg/execution"
)

// RunInfo is the outcome of one case run.
type RunInfo struct {
	Status     string `json:"status"`
	Consistent bool   `json:"consistent"`
}

// CaseResult is one case of an executed experiment.
type CaseResult struct {
	ID      string          `json:"id"`
	RunInfo RunInfo         `json:"run_info"`
	Input   json.RawMessage `json:"input,omitempty"`
}

type trajectoriesRequest struct {
	VariableNames []string `json:"variable_names"`
}

// Cases lists the cases of an experiment.
func (w *Workspace) Cases(ctx context.Context, id execution.ExecutionID) ([]CaseResult, error) {
	var resp itemsEnvelope[CaseResult]
	if err := w.client.call(ctx, request{
		method: http.MethodGet,
		path:   w.path("experiments", string(id), "cases"),
	}, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Items, nil
}

// CaseLog returns the simulation log of one case.
func (w *Workspace) CaseLog(ctx context.Context, id execution.ExecutionID, caseID string) (string, error) {
	data, err := w.client.callRaw(ctx, request{
		method: http.MethodGet,
		path:   w.path("experiments", string(id), "cases", caseID, "log"),
		accept: "text/plain",
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CaseTrajectories returns one series per requested variable, in request order.
func (w *Workspace) CaseTrajectories(ctx context.Context, id execution.ExecutionID, caseID string, variables []string) ([][]float64, error) {
	var resp itemsEnvelope[[]float64]
	if err := w.client.call(ctx, request{
		method: http.MethodPost,
		path:   w.path("experiments", string(id), "cases", caseID, "trajectories"),
		body:   trajectoriesRequest{VariableNames: variables},
		accept: mediaTypeTrajectoriesV2,
	}, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Items, nil
}

// ExperimentTrajectories returns, per requested variable, one series per case.
func (w *Workspace) ExperimentTrajectories(ctx context.Context, id execution.ExecutionID, variables []string) ([][][]float64, error) {
	var resp itemsEnvelope[[][]float64]
	if err := w.client.call(ctx, request{
		method: http.MethodPost,
		path:   w.path("experiments", string(id), "trajectories"),
		body:   trajectoriesRequest{VariableNames: variables},
		accept: mediaTypeTrajectoriesV2,
	}, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Items, nil
}

// Variables returns the result variables of an experiment keyed by name.
func (w *Workspace) Variables(ctx context.Context, id execution.ExecutionID) (map[string]any, error) {
	var vars map[string]any
	if err := w.client.call(ctx, request{
		method: http.MethodGet,
		path:   w.path("experiments", string(id), "variables"),
	}, &vars); err != nil {
		return nil, err
	}
	return vars, nil
}
