package experiment

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/impactsim/pkg/options"
)

// LogLevel is the simulation log level.
type LogLevel string

const (
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelVerbose LogLevel = "VERBOSE"
	LogLevelDebug   LogLevel = "DEBUG"
)

// Validate checks if the log level is valid. The empty level means "not set".
func (l LogLevel) Validate() error {
	switch l {
	case "", LogLevelWarning, LogLevelError, LogLevelInfo, LogLevelVerbose, LogLevelDebug:
		return nil
	default:
		return fmt.Errorf("invalid simulation log level: %s", l)
	}
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (l *LogLevel) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*l = LogLevel(str)
	return l.Validate()
}

// AnalysisConfiguration selects how a model is run. On input any field may
// be left zero; after resolution every field is set.
type AnalysisConfiguration struct {
	// FunctionName selects the server-side analysis routine, e.g. "dynamic".
	FunctionName string

	// Parameters holds routine parameters such as start_time and final_time.
	Parameters options.Set

	SimulationOptions options.Set
	SolverOptions     options.Set

	SimulationLogLevel LogLevel
}

// IsZero reports whether nothing is set.
func (a AnalysisConfiguration) IsZero() bool {
	return a.FunctionName == "" && a.Parameters.IsEmpty() &&
		a.SimulationOptions.IsEmpty() && a.SolverOptions.IsEmpty() &&
		a.SimulationLogLevel == ""
}

// DefaultFunctionName is the analysis routine used when none is given.
const DefaultFunctionName = "dynamic"

// DefaultAnalysis returns the built-in analysis template. Every call returns
// a fresh value.
func DefaultAnalysis() AnalysisConfiguration {
	return AnalysisConfiguration{
		FunctionName:       DefaultFunctionName,
		Parameters:         options.Of("start_time", 0, "final_time", 1),
		SimulationOptions:  options.Of("ncp", 100, "dynamic_diagnostics", false),
		SolverOptions:      options.Empty(),
		SimulationLogLevel: LogLevelWarning,
	}
}
