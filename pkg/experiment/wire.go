package experiment

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/impactsim/pkg/engine"
	"github.com/openfroyo/impactsim/pkg/options"
)

// DocumentVersion is the experiment definition format the service accepts.
const DocumentVersion = 2

// Document is the wire form of a specification.
type Document struct {
	Version    int                 `json:"version" validate:"eq=2"`
	Base       BaseDocument        `json:"base"`
	Extensions []ExtensionDocument `json:"extensions" validate:"dive"`
}

// BaseDocument holds the parts shared by every case.
type BaseDocument struct {
	Model     ModelDocument     `json:"model"`
	Analysis  AnalysisDocument  `json:"analysis"`
	Modifiers ModifiersDocument `json:"modifiers"`
}

// ModelDocument carries exactly one of the two model kinds.
type ModelDocument struct {
	Modelica *ModelicaDocument `json:"modelica,omitempty" validate:"required_without=FMU,excluded_with=FMU"`
	FMU      *FMUDocument      `json:"fmu,omitempty" validate:"required_without=Modelica"`
}

// ModelicaDocument is the wire form of a SourceModel.
type ModelicaDocument struct {
	ClassName        string      `json:"className" validate:"required"`
	CompilerOptions  options.Set `json:"compilerOptions"`
	RuntimeOptions   options.Set `json:"runtimeOptions"`
	CompilerLogLevel string      `json:"compilerLogLevel,omitempty"`
	FMITarget        string      `json:"fmiTarget,omitempty" validate:"omitempty,oneof=me cs"`
	FMIVersion       string      `json:"fmiVersion,omitempty"`
	Platform         string      `json:"platform,omitempty"`
}

// FMUDocument is the wire form of a PrecompiledUnit.
type FMUDocument struct {
	ID string `json:"id" validate:"required"`
}

// AnalysisDocument is the wire form of a base analysis.
type AnalysisDocument struct {
	Type               string      `json:"type,omitempty"`
	Parameters         options.Set `json:"parameters"`
	SimulationOptions  options.Set `json:"simulationOptions"`
	SolverOptions      options.Set `json:"solverOptions"`
	SimulationLogLevel LogLevel    `json:"simulationLogLevel,omitempty" validate:"omitempty,oneof=WARNING ERROR INFO VERBOSE DEBUG"`
}

// ExtensionDocument is the wire form of one case extension.
type ExtensionDocument struct {
	Analysis  *ExtensionAnalysisDocument `json:"analysis,omitempty"`
	Modifiers *ModifiersDocument         `json:"modifiers,omitempty"`
}

// ExtensionAnalysisDocument is a partial analysis; absent fields inherit
// from the base.
type ExtensionAnalysisDocument struct {
	Type               string       `json:"type,omitempty"`
	Parameters         *options.Set `json:"parameters,omitempty"`
	SimulationOptions  *options.Set `json:"simulationOptions,omitempty"`
	SolverOptions      *options.Set `json:"solverOptions,omitempty"`
	SimulationLogLevel LogLevel     `json:"simulationLogLevel,omitempty" validate:"omitempty,oneof=WARNING ERROR INFO VERBOSE DEBUG"`
}

// ModifiersDocument is the wire form of Modifiers.
type ModifiersDocument struct {
	Variables options.Set `json:"variables"`
}

var documentValidator = validator.New()

// Validate checks the structural constraints of the document.
func (d Document) Validate() error {
	if err := documentValidator.Struct(d); err != nil {
		return engine.NewConfigurationError("invalid experiment document", err)
	}
	return nil
}

// JSON encodes the document.
func (d Document) JSON() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode experiment document: %w", err)
	}
	return data, nil
}

// ParseDocument decodes and validates a wire document.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, engine.NewConfigurationError("failed to decode experiment document", err).
			WithCode(engine.ErrCodeDecode)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// ToWire returns the wire form of the specification.
func (s *Specification) ToWire() Document {
	doc := Document{
		Version: DocumentVersion,
		Base: BaseDocument{
			Model:     modelToWire(s.model),
			Analysis:  analysisToWire(s.analysis),
			Modifiers: ModifiersDocument{Variables: s.modifiers.Variables},
		},
		Extensions: make([]ExtensionDocument, 0, len(s.extensions)),
	}
	for _, ext := range s.extensions {
		doc.Extensions = append(doc.Extensions, extensionToWire(ext))
	}
	return doc
}

// FromWire rebuilds a specification from its wire form. No defaults are
// applied: absent facets become empty sets.
func FromWire(doc Document) (*Specification, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	var model ModelConfiguration
	if doc.Base.Model.Modelica != nil {
		m := doc.Base.Model.Modelica
		model = SourceModel{
			ClassName:        m.ClassName,
			CompilerOptions:  m.CompilerOptions,
			RuntimeOptions:   m.RuntimeOptions,
			CompilerLogLevel: m.CompilerLogLevel,
			FMITarget:        m.FMITarget,
			FMIVersion:       m.FMIVersion,
			Platform:         m.Platform,
		}
	} else {
		model = PrecompiledUnit{ID: doc.Base.Model.FMU.ID}
	}

	a := doc.Base.Analysis
	analysis := AnalysisConfiguration{
		FunctionName:       a.Type,
		Parameters:         a.Parameters,
		SimulationOptions:  a.SimulationOptions,
		SolverOptions:      a.SolverOptions,
		SimulationLogLevel: a.SimulationLogLevel,
	}

	exts := make([]CaseExtension, 0, len(doc.Extensions))
	for _, e := range doc.Extensions {
		exts = append(exts, extensionFromWire(e))
	}

	return NewSpecification(model, analysis, Modifiers{Variables: doc.Base.Modifiers.Variables}, exts)
}

func modelToWire(model ModelConfiguration) ModelDocument {
	switch m := model.(type) {
	case SourceModel:
		return ModelDocument{Modelica: &ModelicaDocument{
			ClassName:        m.ClassName,
			CompilerOptions:  m.CompilerOptions,
			RuntimeOptions:   m.RuntimeOptions,
			CompilerLogLevel: m.CompilerLogLevel,
			FMITarget:        m.FMITarget,
			FMIVersion:       m.FMIVersion,
			Platform:         m.Platform,
		}}
	case PrecompiledUnit:
		return ModelDocument{FMU: &FMUDocument{ID: m.ID}}
	default:
		return ModelDocument{}
	}
}

func analysisToWire(a AnalysisConfiguration) AnalysisDocument {
	return AnalysisDocument{
		Type:               a.FunctionName,
		Parameters:         a.Parameters,
		SimulationOptions:  a.SimulationOptions,
		SolverOptions:      a.SolverOptions,
		SimulationLogLevel: a.SimulationLogLevel,
	}
}

func extensionToWire(ext CaseExtension) ExtensionDocument {
	var doc ExtensionDocument
	if !ext.Analysis.IsZero() {
		a := ext.Analysis
		doc.Analysis = &ExtensionAnalysisDocument{
			Type:               a.FunctionName,
			Parameters:         optionalSet(a.Parameters),
			SimulationOptions:  optionalSet(a.SimulationOptions),
			SolverOptions:      optionalSet(a.SolverOptions),
			SimulationLogLevel: a.SimulationLogLevel,
		}
	}
	if !ext.Modifiers.IsZero() {
		doc.Modifiers = &ModifiersDocument{Variables: ext.Modifiers.Variables}
	}
	return doc
}

func extensionFromWire(doc ExtensionDocument) CaseExtension {
	var ext CaseExtension
	if a := doc.Analysis; a != nil {
		ext.Analysis = AnalysisConfiguration{
			FunctionName:       a.Type,
			Parameters:         derefSet(a.Parameters),
			SimulationOptions:  derefSet(a.SimulationOptions),
			SolverOptions:      derefSet(a.SolverOptions),
			SimulationLogLevel: a.SimulationLogLevel,
		}
	}
	if doc.Modifiers != nil {
		ext.Modifiers = Modifiers{Variables: doc.Modifiers.Variables}
	}
	return ext
}

func optionalSet(s options.Set) *options.Set {
	if s.IsEmpty() {
		return nil
	}
	return &s
}

func derefSet(s *options.Set) options.Set {
	if s == nil {
		return options.Empty()
	}
	return *s
}
