package impact

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/openfroyo/impactsim/pkg/engine"
	"github.com/openfroyo/impactsim/pkg/execution"
	"github.com/openfroyo/impactsim/pkg/experiment"
)

// Workspace is the API of one workspace. It implements execution.Service,
// execution.SpecificationSource and experiment.DefaultsSource.
type Workspace struct {
	client *Client
	id     string
}

var (
	_ execution.Service             = (*Workspace)(nil)
	_ execution.SpecificationSource = (*Workspace)(nil)
	_ experiment.DefaultsSource     = (*Workspace)(nil)
)

// ID returns the workspace id.
func (w *Workspace) ID() string { return w.id }

func (w *Workspace) path(elems ...string) string {
	p := "/workspaces/" + url.PathEscape(w.id)
	for _, e := range elems {
		p += "/" + url.PathEscape(e)
	}
	return p
}

type createExperimentRequest struct {
	Experiment experiment.Document `json:"experiment"`
}

type createExperimentResponse struct {
	ExperimentID string `json:"experiment_id"`
}

type runRequest struct {
	IncludeCases struct {
		IDs []string `json:"ids"`
	} `json:"includeCases"`
	Options struct {
		ForceCompilation bool `json:"forceCompilation"`
	} `json:"options"`
}

// SubmitExperiment creates an experiment from doc and starts its cases.
func (w *Workspace) SubmitExperiment(ctx context.Context, doc experiment.Document, caseIDs []string) (execution.ExecutionID, error) {
	id, err := w.CreateExperiment(ctx, doc)
	if err != nil {
		return "", err
	}
	if err := w.RunExperiment(ctx, id, caseIDs); err != nil {
		return "", err
	}
	return id, nil
}

// CreateExperiment stores doc without running it.
func (w *Workspace) CreateExperiment(ctx context.Context, doc experiment.Document) (execution.ExecutionID, error) {
	var resp createExperimentResponse
	err := w.client.call(ctx, request{
		method: http.MethodPost,
		path:   w.path("experiments"),
		body:   createExperimentRequest{Experiment: doc},
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ExperimentID == "" {
		return "", engine.NewTransportError("service returned no experiment id", nil).
			WithCode(engine.ErrCodeDecode).
			WithOperation("create experiment")
	}
	return execution.ExecutionID(resp.ExperimentID), nil
}

// RunExperiment starts the given cases of a stored experiment, forcing
// compilation.
func (w *Workspace) RunExperiment(ctx context.Context, id execution.ExecutionID, caseIDs []string) error {
	var body runRequest
	body.IncludeCases.IDs = caseIDs
	body.Options.ForceCompilation = true
	return w.client.call(ctx, request{
		method: http.MethodPost,
		path:   w.path("experiments", string(id), "execution"),
		body:   body,
	}, nil)
}

// PollExecution returns the current execution status of an experiment.
func (w *Workspace) PollExecution(ctx context.Context, id execution.ExecutionID) (*engine.ExecutionStatus, error) {
	data, err := w.client.callRaw(ctx, request{
		method: http.MethodGet,
		path:   w.path("experiments", string(id), "execution"),
	})
	if err != nil {
		return nil, err
	}

	var status engine.ExecutionStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, engine.NewTransportError("failed to decode execution status", err).
			WithCode(engine.ErrCodeDecode).
			WithResource(string(id))
	}
	status.Raw = append(json.RawMessage(nil), data...)
	return &status, nil
}

// RequestCancellation asks the service to stop an execution.
func (w *Workspace) RequestCancellation(ctx context.Context, id execution.ExecutionID) error {
	return w.client.call(ctx, request{
		method: http.MethodDelete,
		path:   w.path("experiments", string(id), "execution"),
	}, nil)
}

// ExperimentRecord is a stored experiment with its service metadata.
type ExperimentRecord struct {
	Document experiment.Document `json:"experiment"`
	MetaData json.RawMessage     `json:"meta_data,omitempty"`
}

// Experiment fetches a stored experiment.
func (w *Workspace) Experiment(ctx context.Context, id execution.ExecutionID) (*ExperimentRecord, error) {
	var rec ExperimentRecord
	err := w.client.call(ctx, request{
		method: http.MethodGet,
		path:   w.path("experiments", string(id)),
		accept: mediaTypeExperimentV2,
	}, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FetchSpecification returns the wire document an experiment was created from.
func (w *Workspace) FetchSpecification(ctx context.Context, id execution.ExecutionID) (experiment.Document, error) {
	rec, err := w.Experiment(ctx, id)
	if err != nil {
		return experiment.Document{}, err
	}
	return rec.Document, nil
}

// CustomFunction describes an analysis routine available on the service.
type CustomFunction struct {
	Name              string          `json:"name"`
	Version           string          `json:"version,omitempty"`
	Description       string          `json:"description,omitempty"`
	CanInitializeFrom bool            `json:"can_initialize_from,omitempty"`
	Parameters        json.RawMessage `json:"parameters,omitempty"`
}

type itemsEnvelope[T any] struct {
	Data struct {
		Items []T `json:"items"`
	} `json:"data"`
}

// CustomFunctions lists the analysis routines of the workspace.
func (w *Workspace) CustomFunctions(ctx context.Context) ([]CustomFunction, error) {
	var resp itemsEnvelope[CustomFunction]
	if err := w.client.call(ctx, request{
		method: http.MethodGet,
		path:   w.path("custom-functions"),
	}, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Items, nil
}

// CustomFunctionDefaults fetches the default options of the named routine.
func (w *Workspace) CustomFunctionDefaults(ctx context.Context, name string) (*experiment.CustomFunctionDefaults, error) {
	var defaults experiment.CustomFunctionDefaults
	if err := w.client.call(ctx, request{
		method: http.MethodGet,
		path:   w.path("custom-functions", name, "options"),
	}, &defaults); err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			return nil, ee.WithResource(name)
		}
		return nil, err
	}
	return &defaults, nil
}
