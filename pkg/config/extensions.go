package config

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/impactsim/pkg/engine"
	"github.com/openfroyo/impactsim/pkg/experiment"
	"github.com/openfroyo/impactsim/pkg/options"
)

// ExtensionsGlobal is the global a sweep script must define.
const ExtensionsGlobal = "extensions"

// ExtensionGenerator runs Starlark sweep scripts. A script defines a global
// list named extensions; each element is a dict with optional "modifiers"
// and "analysis" entries:
//
//	extensions = [
//	    {"modifiers": {"PI.k": k}}
//	    for k in linspace(10, 100, 4)
//	]
//
// Analysis entries accept the keys type, parameters, simulationOptions,
// solverOptions and simulationLogLevel.
type ExtensionGenerator struct {
	evaluator *StarlarkEvaluator
}

// NewExtensionGenerator creates a generator bounding each script by timeout.
func NewExtensionGenerator(timeout time.Duration) *ExtensionGenerator {
	return &ExtensionGenerator{evaluator: NewStarlarkEvaluator(timeout)}
}

// Generate runs script with input as predeclared globals.
func (g *ExtensionGenerator) Generate(ctx context.Context, script string, input map[string]interface{}) ([]experiment.CaseExtension, error) {
	return g.GenerateNamed(ctx, "sweep.star", script, input)
}

// GenerateNamed is Generate with a file name used in error positions.
func (g *ExtensionGenerator) GenerateNamed(ctx context.Context, name, script string, input map[string]interface{}) ([]experiment.CaseExtension, error) {
	result, err := g.evaluator.evaluate(ctx, name, script, input)
	if err != nil {
		return nil, engine.NewConfigurationError("sweep script failed", err).WithResource(name)
	}

	raw, ok := result.Output[ExtensionsGlobal]
	if !ok {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("sweep script does not define %q", ExtensionsGlobal), nil).WithResource(name)
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("%s must be a list, got %T", ExtensionsGlobal, raw), nil).WithResource(name)
	}

	exts := make([]experiment.CaseExtension, 0, len(items))
	for i, item := range items {
		ext, err := toExtension(item)
		if err != nil {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("%s[%d]: %v", ExtensionsGlobal, i, err), nil).WithResource(name)
		}
		exts = append(exts, ext)
	}
	return exts, nil
}

func toExtension(item interface{}) (experiment.CaseExtension, error) {
	var ext experiment.CaseExtension

	m, ok := item.(map[string]interface{})
	if !ok {
		return ext, fmt.Errorf("expected a dict, got %T", item)
	}
	for key := range m {
		if key != "modifiers" && key != "analysis" {
			return ext, fmt.Errorf("unknown key %q", key)
		}
	}

	if raw, ok := m["modifiers"]; ok && raw != nil {
		mods, ok := raw.(map[string]interface{})
		if !ok {
			return ext, fmt.Errorf("modifiers must be a dict, got %T", raw)
		}
		ext.Modifiers = experiment.NewModifiers(mods)
	}

	if raw, ok := m["analysis"]; ok && raw != nil {
		a, ok := raw.(map[string]interface{})
		if !ok {
			return ext, fmt.Errorf("analysis must be a dict, got %T", raw)
		}
		analysis, err := toAnalysis(a)
		if err != nil {
			return ext, err
		}
		ext.Analysis = analysis
	}
	return ext, nil
}

func toAnalysis(m map[string]interface{}) (experiment.AnalysisConfiguration, error) {
	var a experiment.AnalysisConfiguration
	for key, raw := range m {
		switch key {
		case "type":
			s, ok := raw.(string)
			if !ok {
				return a, fmt.Errorf("analysis.type must be a string, got %T", raw)
			}
			a.FunctionName = s
		case "simulationLogLevel":
			s, ok := raw.(string)
			if !ok {
				return a, fmt.Errorf("analysis.simulationLogLevel must be a string, got %T", raw)
			}
			a.SimulationLogLevel = experiment.LogLevel(s)
			if err := a.SimulationLogLevel.Validate(); err != nil {
				return a, err
			}
		case "parameters", "simulationOptions", "solverOptions":
			set, ok := raw.(map[string]interface{})
			if !ok {
				return a, fmt.Errorf("analysis.%s must be a dict, got %T", key, raw)
			}
			switch key {
			case "parameters":
				a.Parameters = options.New(set)
			case "simulationOptions":
				a.SimulationOptions = options.New(set)
			default:
				a.SolverOptions = options.New(set)
			}
		default:
			return a, fmt.Errorf("unknown analysis key %q", key)
		}
	}
	return a, nil
}
