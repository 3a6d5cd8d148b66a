package config

import (
	"time"

	"github.com/openfroyo/impactsim/pkg/experiment"
)

// ParsedExperiment is an experiment definition read from CUE sources.
type ParsedExperiment struct {
	// Definition is the decoded definition. It is zero when Errors is not empty.
	Definition experiment.Definition `json:"-"`

	// Generated is the number of extensions produced by the sweep script.
	Generated int `json:"generated"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the definition was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "experiment.model").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output holds the exported globals of the script.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}

// experimentFile mirrors #Experiment for decoding.
type experimentFile struct {
	Model struct {
		Modelica *struct {
			ClassName        string         `json:"className"`
			CompilerOptions  map[string]any `json:"compilerOptions"`
			RuntimeOptions   map[string]any `json:"runtimeOptions"`
			CompilerLogLevel string         `json:"compilerLogLevel"`
			FMITarget        string         `json:"fmiTarget"`
			FMIVersion       string         `json:"fmiVersion"`
			Platform         string         `json:"platform"`
		} `json:"modelica"`
		FMU *struct {
			ID string `json:"id"`
		} `json:"fmu"`
	} `json:"model"`
	Analysis     *analysisFile   `json:"analysis"`
	Modifiers    map[string]any  `json:"modifiers"`
	Extensions   []extensionFile `json:"extensions"`
	DefaultsFrom string          `json:"defaultsFrom"`
	Sweep        *sweepFile      `json:"sweep"`
}

type analysisFile struct {
	Type               string         `json:"type"`
	Parameters         map[string]any `json:"parameters"`
	SimulationOptions  map[string]any `json:"simulationOptions"`
	SolverOptions      map[string]any `json:"solverOptions"`
	SimulationLogLevel string         `json:"simulationLogLevel"`
}

type extensionFile struct {
	Analysis  *analysisFile  `json:"analysis"`
	Modifiers map[string]any `json:"modifiers"`
}

type sweepFile struct {
	Script string         `json:"script"`
	File   string         `json:"file"`
	Input  map[string]any `json:"input"`
}
