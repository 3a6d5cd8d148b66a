package execution

import (
	"context"

	"github.com/openfroyo/impactsim/pkg/engine"
	"github.com/openfroyo/impactsim/pkg/experiment"
)

// ExecutionID identifies one submitted execution on the service.
type ExecutionID string

// String implements fmt.Stringer.
func (id ExecutionID) String() string { return string(id) }

// Service is the remote side of an execution. Implementations make no
// retries: every error is returned to the caller as is.
type Service interface {
	// SubmitExperiment creates an experiment from doc and starts running the
	// given cases. It does not wait for the execution to progress.
	SubmitExperiment(ctx context.Context, doc experiment.Document, caseIDs []string) (ExecutionID, error)

	// PollExecution returns the current status of an execution.
	PollExecution(ctx context.Context, id ExecutionID) (*engine.ExecutionStatus, error)

	// RequestCancellation asks the service to stop an execution.
	RequestCancellation(ctx context.Context, id ExecutionID) error
}

// SpecificationSource fetches the wire document an execution was created from.
type SpecificationSource interface {
	FetchSpecification(ctx context.Context, id ExecutionID) (experiment.Document, error)
}

// Journal records submissions and observations. Journal failures are logged
// and never interrupt a wait.
type Journal interface {
	RecordSubmission(ctx context.Context, executionID string, document []byte, caseIDs []string) error
	RecordObservation(ctx context.Context, executionID string, status *engine.ExecutionStatus) error
}
