package experiment

import (
	"github.com/openfroyo/impactsim/pkg/options"
)

// ModelKind discriminates the two kinds of model configuration.
type ModelKind string

const (
	// ModelKindSource is a model compiled from a qualified class name.
	ModelKindSource ModelKind = "modelica"

	// ModelKindPrecompiled is an already built unit referenced by ID.
	ModelKindPrecompiled ModelKind = "fmu"
)

// ModelConfiguration selects what is simulated. It is implemented only by
// SourceModel and PrecompiledUnit.
type ModelConfiguration interface {
	// Kind returns the model kind.
	Kind() ModelKind

	isModelConfiguration()
}

// SourceModel references a model by class name together with the options
// used to build it. Empty strings and empty sets mean "not set" on input.
type SourceModel struct {
	ClassName        string
	CompilerOptions  options.Set
	RuntimeOptions   options.Set
	CompilerLogLevel string
	FMITarget        string
	FMIVersion       string
	Platform         string
}

// Kind implements ModelConfiguration.
func (SourceModel) Kind() ModelKind { return ModelKindSource }

func (SourceModel) isModelConfiguration() {}

// PrecompiledUnit references a unit that has already been built. It carries
// no option facets.
type PrecompiledUnit struct {
	ID string
}

// Kind implements ModelConfiguration.
func (PrecompiledUnit) Kind() ModelKind { return ModelKindPrecompiled }

func (PrecompiledUnit) isModelConfiguration() {}

// DefaultSourceModel returns the built-in model template. Every call returns
// a fresh value.
func DefaultSourceModel() SourceModel {
	return SourceModel{
		CompilerOptions:  options.Of("c_compiler", "gcc"),
		RuntimeOptions:   options.Empty(),
		CompilerLogLevel: "warning",
		FMITarget:        "me",
		FMIVersion:       "2.0",
		Platform:         "auto",
	}
}
