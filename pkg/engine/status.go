package engine

import (
	"encoding/json"
	"fmt"
)

// ExecutionState represents the state of one submitted execution as reported
// by the service. It belongs to an execution ID, never to a specification.
type ExecutionState string

const (
	// ExecutionStateNotStarted indicates the execution is accepted but not yet running.
	ExecutionStateNotStarted ExecutionState = "not_started"

	// ExecutionStateRunning indicates the execution is compiling or simulating.
	ExecutionStateRunning ExecutionState = "running"

	// ExecutionStateDone indicates every case finished.
	ExecutionStateDone ExecutionState = "done"

	// ExecutionStateCancelled indicates the execution was cancelled.
	ExecutionStateCancelled ExecutionState = "cancelled"

	// ExecutionStateFailed indicates the service gave up on the execution.
	ExecutionStateFailed ExecutionState = "failed"
)

// IsTerminal returns true if no further transition is expected.
func (s ExecutionState) IsTerminal() bool {
	return s == ExecutionStateDone || s == ExecutionStateCancelled ||
		s == ExecutionStateFailed
}

// IsActive returns true if the execution has not reached a terminal state.
func (s ExecutionState) IsActive() bool {
	return s == ExecutionStateNotStarted || s == ExecutionStateRunning
}

// Validate checks if the execution state is valid.
func (s ExecutionState) Validate() error {
	switch s {
	case ExecutionStateNotStarted, ExecutionStateRunning, ExecutionStateDone,
		ExecutionStateCancelled, ExecutionStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid execution state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ExecutionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ExecutionState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ExecutionState(str)
	return s.Validate()
}

// Stage is the phase a single case is in.
type Stage string

const (
	// StageCompilation indicates the case's model is being built.
	StageCompilation Stage = "compilation"

	// StageSimulation indicates the case is being simulated.
	StageSimulation Stage = "simulation"
)

// Validate checks if the stage is valid.
func (s Stage) Validate() error {
	switch s {
	case StageCompilation, StageSimulation:
		return nil
	default:
		return fmt.Errorf("invalid stage: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Stage) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Stage) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Stage(str)
	return s.Validate()
}

// CaseProgress is the progress entry of one case in a status payload.
type CaseProgress struct {
	// Stage is the phase the case is in.
	Stage Stage `json:"stage"`

	// Done is true once the case finished its current stage.
	Done bool `json:"done"`
}

// ExecutionStatus is the payload of one status poll.
type ExecutionStatus struct {
	// Status is the execution state.
	Status ExecutionState `json:"status"`

	// Progresses holds one entry per case, in case order.
	Progresses []CaseProgress `json:"progresses"`

	// Raw is the undecoded payload, kept as diagnostics for failed executions.
	Raw json.RawMessage `json:"-"`
}

// Report derives the progress report of this payload.
func (s *ExecutionStatus) Report() ProgressReport {
	if s == nil {
		return NewProgressReport(nil)
	}
	return NewProgressReport(s.Progresses)
}
