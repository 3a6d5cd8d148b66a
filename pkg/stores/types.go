package stores

import (
	"errors"
	"time"

	"github.com/openfroyo/impactsim/pkg/engine"
)

// ErrNotFound is wrapped by lookups of unknown executions.
var ErrNotFound = errors.New("not found")

// ExecutionRecord is the journal entry of one execution.
type ExecutionRecord struct {
	// ID is the execution id assigned by the service.
	ID string `json:"id"`

	// JournalID identifies the entry locally.
	JournalID string `json:"journal_id"`

	// Document is the submitted wire document. Empty when the execution was
	// first seen through a status poll.
	Document string `json:"document,omitempty"`

	CaseIDs   []string              `json:"case_ids"`
	LastState engine.ExecutionState `json:"last_state"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Observation is one distinct status seen while polling an execution.
// Consecutive identical polls are stored once.
type Observation struct {
	ID          string                `json:"id"`
	ExecutionID string                `json:"execution_id"`
	State       engine.ExecutionState `json:"state"`

	TotalCases      int `json:"total_cases"`
	CompilationDone int `json:"compilation_done"`
	SimulationDone  int `json:"simulation_done"`

	// Raw is the status body as returned by the service.
	Raw string `json:"raw,omitempty"`

	ObservedAt time.Time `json:"observed_at"`
}

// ListOptions filters ListExecutions.
type ListOptions struct {
	// State keeps only executions whose last observed state matches.
	State engine.ExecutionState

	Limit  int
	Offset int
}
