package experiment

import (
	"context"
	"fmt"

	"github.com/openfroyo/impactsim/pkg/engine"
	"github.com/openfroyo/impactsim/pkg/options"
)

// CustomFunctionDefaults holds the default option facets the service
// publishes for one analysis routine.
type CustomFunctionDefaults struct {
	Compiler   options.Set `json:"compiler"`
	Runtime    options.Set `json:"runtime"`
	Simulation options.Set `json:"simulation"`
	Solver     options.Set `json:"solver"`
}

// Facet returns the option set of the given facet.
func (d *CustomFunctionDefaults) Facet(f options.Facet) options.Set {
	if d == nil {
		return options.Empty()
	}
	switch f {
	case options.FacetCompiler:
		return d.Compiler
	case options.FacetRuntime:
		return d.Runtime
	case options.FacetSimulation:
		return d.Simulation
	case options.FacetSolver:
		return d.Solver
	default:
		return options.Empty()
	}
}

// DefaultsSource fetches custom function defaults by routine name.
type DefaultsSource interface {
	CustomFunctionDefaults(ctx context.Context, name string) (*CustomFunctionDefaults, error)
}

// ResolveModel merges the built-in model template, the compiler and runtime
// facets of defaults and the explicit model, in that order of precedence.
// A precompiled unit is returned unchanged.
func ResolveModel(explicit ModelConfiguration, defaults *CustomFunctionDefaults) (ModelConfiguration, error) {
	switch m := explicit.(type) {
	case PrecompiledUnit:
		if m.ID == "" {
			return nil, engine.NewConfigurationError("precompiled unit requires an id", nil)
		}
		return m, nil
	case *PrecompiledUnit:
		if m == nil {
			return nil, engine.NewConfigurationError("model configuration is required", nil)
		}
		return ResolveModel(*m, defaults)
	case SourceModel:
		if m.ClassName == "" {
			return nil, engine.NewConfigurationError("source model requires a class name", nil)
		}
		return resolveSourceModel(m, defaults), nil
	case *SourceModel:
		if m == nil {
			return nil, engine.NewConfigurationError("model configuration is required", nil)
		}
		return ResolveModel(*m, defaults)
	case nil:
		return nil, engine.NewConfigurationError("model configuration is required", nil)
	default:
		return nil, engine.NewConfigurationError(fmt.Sprintf("unsupported model configuration %T", explicit), nil)
	}
}

func resolveSourceModel(explicit SourceModel, defaults *CustomFunctionDefaults) SourceModel {
	out := DefaultSourceModel()
	out.ClassName = explicit.ClassName

	out.CompilerOptions = out.CompilerOptions.
		Merge(defaults.Facet(options.FacetCompiler)).
		Merge(explicit.CompilerOptions)
	out.RuntimeOptions = out.RuntimeOptions.
		Merge(defaults.Facet(options.FacetRuntime)).
		Merge(explicit.RuntimeOptions)

	if explicit.CompilerLogLevel != "" {
		out.CompilerLogLevel = explicit.CompilerLogLevel
	}
	if explicit.FMITarget != "" {
		out.FMITarget = explicit.FMITarget
	}
	if explicit.FMIVersion != "" {
		out.FMIVersion = explicit.FMIVersion
	}
	if explicit.Platform != "" {
		out.Platform = explicit.Platform
	}
	return out
}

// ResolveAnalysis merges the built-in analysis template, the simulation and
// solver facets of defaults and the explicit analysis, key by key inside
// each facet. Parameters take no custom function defaults.
func ResolveAnalysis(explicit AnalysisConfiguration, defaults *CustomFunctionDefaults) AnalysisConfiguration {
	out := DefaultAnalysis()

	if explicit.FunctionName != "" {
		out.FunctionName = explicit.FunctionName
	}
	out.Parameters = out.Parameters.Merge(explicit.Parameters)
	out.SimulationOptions = out.SimulationOptions.
		Merge(defaults.Facet(options.FacetSimulation)).
		Merge(explicit.SimulationOptions)
	out.SolverOptions = out.SolverOptions.
		Merge(defaults.Facet(options.FacetSolver)).
		Merge(explicit.SolverOptions)
	if explicit.SimulationLogLevel != "" {
		out.SimulationLogLevel = explicit.SimulationLogLevel
	}
	return out
}

// Definition is the caller's partial description of an experiment.
type Definition struct {
	Model      ModelConfiguration
	Analysis   AnalysisConfiguration
	Modifiers  Modifiers
	Extensions []CaseExtension

	// DefaultsFrom names the custom function whose defaults are merged in.
	// It also becomes the analysis function when Analysis names none.
	// Empty skips the lookup entirely.
	DefaultsFrom string
}

// Resolver turns definitions into complete specifications.
type Resolver struct {
	source DefaultsSource
}

// NewResolver creates a resolver. source may be nil when no definition
// requests custom function defaults.
func NewResolver(source DefaultsSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve fills every gap of def and returns the resulting specification.
// A failed custom function lookup is returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, def Definition) (*Specification, error) {
	var defaults *CustomFunctionDefaults
	if def.DefaultsFrom != "" {
		if r.source == nil {
			return nil, engine.NewConfigurationError("no source for custom function defaults", nil).
				WithResource(def.DefaultsFrom)
		}
		d, err := r.source.CustomFunctionDefaults(ctx, def.DefaultsFrom)
		if err != nil {
			return nil, err
		}
		defaults = d
	}

	model, err := ResolveModel(def.Model, defaults)
	if err != nil {
		return nil, err
	}

	explicit := def.Analysis
	if explicit.FunctionName == "" {
		explicit.FunctionName = def.DefaultsFrom
	}
	return NewSpecification(model, ResolveAnalysis(explicit, defaults), def.Modifiers, def.Extensions)
}
