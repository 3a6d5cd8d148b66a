package experiment

import (
	"bytes"
	"fmt"

	"github.com/openfroyo/impactsim/pkg/engine"
)

// Specification is a fully resolved experiment: one model, one analysis,
// base modifiers and an ordered list of case extensions. It is immutable;
// accessors return copies.
type Specification struct {
	model      ModelConfiguration
	analysis   AnalysisConfiguration
	modifiers  Modifiers
	extensions []CaseExtension
}

// Case is the per-case definition derived from one extension.
type Case struct {
	ID        string
	Analysis  AnalysisConfiguration
	Modifiers Modifiers
}

// NewSpecification builds a specification from already resolved parts.
// The model must not be nil.
func NewSpecification(model ModelConfiguration, analysis AnalysisConfiguration, modifiers Modifiers, extensions []CaseExtension) (*Specification, error) {
	switch m := model.(type) {
	case nil:
		return nil, engine.NewConfigurationError("model configuration is required", nil)
	case *SourceModel:
		if m == nil {
			return nil, engine.NewConfigurationError("model configuration is required", nil)
		}
		model = *m
	case *PrecompiledUnit:
		if m == nil {
			return nil, engine.NewConfigurationError("model configuration is required", nil)
		}
		model = *m
	}
	if err := analysis.SimulationLogLevel.Validate(); err != nil {
		return nil, engine.NewConfigurationError("invalid analysis", err)
	}
	for i, ext := range extensions {
		if err := ext.Analysis.SimulationLogLevel.Validate(); err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("invalid analysis in extension %d", i+1), err)
		}
	}

	var exts []CaseExtension
	if len(extensions) > 0 {
		exts = make([]CaseExtension, len(extensions))
		copy(exts, extensions)
	}

	return &Specification{
		model:      model,
		analysis:   analysis,
		modifiers:  modifiers,
		extensions: exts,
	}, nil
}

// Model returns the model configuration.
func (s *Specification) Model() ModelConfiguration { return s.model }

// Analysis returns the base analysis.
func (s *Specification) Analysis() AnalysisConfiguration { return s.analysis }

// Modifiers returns the base modifiers.
func (s *Specification) Modifiers() Modifiers { return s.modifiers }

// Extensions returns a copy of the case extensions.
func (s *Specification) Extensions() []CaseExtension {
	if len(s.extensions) == 0 {
		return nil
	}
	out := make([]CaseExtension, len(s.extensions))
	copy(out, s.extensions)
	return out
}

// CaseIDs returns the identifiers of the cases this specification runs:
// case_1..case_n for n extensions, or case_1 alone when there are none.
func (s *Specification) CaseIDs() []string {
	n := len(s.extensions)
	if n == 0 {
		n = 1
	}
	ids := make([]string, n)
	for i := range ids {
		ids[i] = CaseID(i + 1)
	}
	return ids
}

// Cases returns the per-case definitions in extension order. Without
// extensions the base runs as the single case case_1.
func (s *Specification) Cases() []Case {
	if len(s.extensions) == 0 {
		return []Case{{ID: CaseID(1)}}
	}
	cases := make([]Case, len(s.extensions))
	for i, ext := range s.extensions {
		cases[i] = Case{
			ID:        CaseID(i + 1),
			Analysis:  ext.Analysis,
			Modifiers: ext.Modifiers,
		}
	}
	return cases
}

// Equal reports whether two specifications produce the same wire document.
func (s *Specification) Equal(other *Specification) bool {
	if s == nil || other == nil {
		return s == other
	}
	a, err := s.ToWire().JSON()
	if err != nil {
		return false
	}
	b, err := other.ToWire().JSON()
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// CaseID returns the identifier of the case at the given 1-based position.
func CaseID(position int) string {
	return fmt.Sprintf("case_%d", position)
}
