package policy

import (
	"time"

	"github.com/openfroyo/impactsim/pkg/experiment"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but never blocks a submission.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the submission.
	SeverityError Severity = "error"

	// SeverityCritical blocks the submission.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects a submission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. The module's deny set
// rejects submissions; its warn set is reported only.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity of deny results.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the client. They survive reloads.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Violation is one deny or warn result.
type Violation struct {
	// Policy is the name of the policy that produced the result.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Path locates the offending part of the document, e.g. "extensions[3]".
	Path string `json:"path,omitempty"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Blocking returns the first blocking violation, or nil.
func (r *Result) Blocking() *Violation {
	for i := range r.Violations {
		if r.Violations[i].Severity.Blocking() {
			return &r.Violations[i]
		}
	}
	return nil
}

// Input is the document policies see as input.
type Input struct {
	// Experiment is the wire document about to be submitted.
	Experiment experiment.Document `json:"experiment"`

	Context InputContext `json:"context"`
}

// InputContext describes the submission being checked.
type InputContext struct {
	// Workspace is the target workspace, when known.
	Workspace string `json:"workspace,omitempty"`

	// Operation is the operation being performed, e.g. "submit".
	Operation string `json:"operation"`

	Timestamp time.Time `json:"timestamp"`
}
