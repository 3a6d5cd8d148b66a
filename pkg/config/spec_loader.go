package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"github.com/rs/zerolog"

	"github.com/openfroyo/impactsim/pkg/engine"
	"github.com/openfroyo/impactsim/pkg/experiment"
	"github.com/openfroyo/impactsim/pkg/options"
)

// ExperimentPath is the top-level field holding the definition in CUE sources.
const ExperimentPath = "experiment"

// SpecLoader reads experiment definitions from CUE files. Sources are
// unified with each other and with the built-in #Experiment schema.
type SpecLoader struct {
	registry  *SchemaRegistry
	generator *ExtensionGenerator
	logger    zerolog.Logger
}

// LoaderOption configures a SpecLoader.
type LoaderOption func(*SpecLoader)

// WithLoaderLogger sets the logger.
func WithLoaderLogger(logger zerolog.Logger) LoaderOption {
	return func(sl *SpecLoader) { sl.logger = logger.With().Str("component", "spec_loader").Logger() }
}

// WithGenerator sets the generator running sweep scripts.
func WithGenerator(g *ExtensionGenerator) LoaderOption {
	return func(sl *SpecLoader) {
		if g != nil {
			sl.generator = g
		}
	}
}

// NewSpecLoader creates a new loader.
func NewSpecLoader(opts ...LoaderOption) *SpecLoader {
	sl := &SpecLoader{
		registry:  NewSchemaRegistry(),
		generator: NewExtensionGenerator(30 * time.Second),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(sl)
	}
	return sl
}

// SchemaRegistry returns the schema registry.
func (sl *SpecLoader) SchemaRegistry() *SchemaRegistry {
	return sl.registry
}

// Load parses sources and returns the definition, folding validation errors
// into a single configuration error.
func (sl *SpecLoader) Load(ctx context.Context, sources ...string) (experiment.Definition, error) {
	parsed, err := sl.Parse(ctx, sources)
	if err != nil {
		return experiment.Definition{}, err
	}
	if err := parsed.Err(); err != nil {
		return experiment.Definition{}, err
	}
	return parsed.Definition, nil
}

// Parse parses CUE files or directories. Validation problems are reported in
// the result's Errors; the returned error is reserved for unreadable sources
// and failed sweep scripts.
func (sl *SpecLoader) Parse(ctx context.Context, sources []string) (*ParsedExperiment, error) {
	if len(sources) == 0 {
		return nil, engine.NewConfigurationError("no sources provided", nil)
	}

	var (
		value       cue.Value
		sourceFiles []string
		parseErrors []ValidationError
	)

	for _, source := range sources {
		files, err := cueFiles(source)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			val, errs := sl.loadFile(file)
			parseErrors = append(parseErrors, errs...)
			if val.Exists() {
				if value.Exists() {
					value = value.Unify(val)
				} else {
					value = val
				}
			}
			sourceFiles = append(sourceFiles, file)
		}
	}

	baseDir := sources[0]
	if info, err := os.Stat(baseDir); err == nil && !info.IsDir() {
		baseDir = filepath.Dir(baseDir)
	}

	if len(parseErrors) > 0 {
		return &ParsedExperiment{SourceFiles: sourceFiles, ParsedAt: time.Now(), Errors: parseErrors}, nil
	}
	return sl.extract(ctx, value, sourceFiles, baseDir)
}

// ParseInline parses inline CUE content. Sweep files resolve against the
// working directory.
func (sl *SpecLoader) ParseInline(ctx context.Context, content string) (*ParsedExperiment, error) {
	val := sl.registry.Context().CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &ParsedExperiment{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      convertCUEErrors(err),
		}, nil
	}
	return sl.extract(ctx, val, []string{"inline"}, ".")
}

func (sl *SpecLoader) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := sl.registry.Context().CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

func (sl *SpecLoader) extract(ctx context.Context, val cue.Value, sourceFiles []string, baseDir string) (*ParsedExperiment, error) {
	parsed := &ParsedExperiment{SourceFiles: sourceFiles, ParsedAt: time.Now()}

	if err := val.Err(); err != nil {
		parsed.Errors = convertCUEErrors(err)
		return parsed, nil
	}

	expVal := val.LookupPath(cue.ParsePath(ExperimentPath))
	if !expVal.Exists() {
		parsed.Errors = []ValidationError{{
			Path:     ExperimentPath,
			Message:  "no experiment definition found",
			Severity: "error",
		}}
		return parsed, nil
	}

	schema, _ := sl.registry.GetSchema(ExperimentSchema)
	unified := schema.Unify(expVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		parsed.Errors = convertCUEErrors(err)
		return parsed, nil
	}

	var file experimentFile
	if err := unified.Decode(&file); err != nil {
		parsed.Errors = []ValidationError{{
			Path:     ExperimentPath,
			Message:  fmt.Sprintf("failed to decode experiment: %v", err),
			Severity: "error",
		}}
		return parsed, nil
	}

	def := file.definition()
	if file.Sweep != nil {
		generated, err := sl.sweep(ctx, file.Sweep, baseDir)
		if err != nil {
			return nil, err
		}
		def.Extensions = append(def.Extensions, generated...)
		parsed.Generated = len(generated)
	}
	parsed.Definition = def

	sl.logger.Debug().
		Strs("sources", sourceFiles).
		Int("extensions", len(def.Extensions)).
		Int("generated", parsed.Generated).
		Msg("Loaded experiment definition")

	return parsed, nil
}

func (sl *SpecLoader) sweep(ctx context.Context, s *sweepFile, baseDir string) ([]experiment.CaseExtension, error) {
	script := s.Script
	name := "sweep.star"
	if s.File != "" {
		path := s.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, engine.NewConfigurationError("failed to read sweep script", err).WithResource(path)
		}
		script = string(data)
		name = filepath.Base(path)
	}
	if script == "" {
		return nil, engine.NewConfigurationError("sweep needs a script or a file", nil)
	}
	return sl.generator.GenerateNamed(ctx, name, script, s.Input)
}

// Err folds the validation errors into one configuration error.
func (p *ParsedExperiment) Err() error {
	if len(p.Errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(p.Errors))
	for _, e := range p.Errors {
		msgs = append(msgs, e.String())
	}
	return engine.NewConfigurationError("invalid experiment definition", fmt.Errorf("%s", strings.Join(msgs, "; "))).
		WithDetail("errors", p.Errors)
}

// String formats the error with its location.
func (e ValidationError) String() string {
	var loc string
	switch {
	case e.File != "" && e.Line > 0:
		loc = fmt.Sprintf("%s:%d:%d: ", e.File, e.Line, e.Column)
	case e.Path != "":
		loc = e.Path + ": "
	}
	return loc + e.Message
}

func (f *experimentFile) definition() experiment.Definition {
	var def experiment.Definition

	if m := f.Model.Modelica; m != nil {
		def.Model = experiment.SourceModel{
			ClassName:        m.ClassName,
			CompilerOptions:  options.New(m.CompilerOptions),
			RuntimeOptions:   options.New(m.RuntimeOptions),
			CompilerLogLevel: m.CompilerLogLevel,
			FMITarget:        m.FMITarget,
			FMIVersion:       m.FMIVersion,
			Platform:         m.Platform,
		}
	} else if f.Model.FMU != nil {
		def.Model = experiment.PrecompiledUnit{ID: f.Model.FMU.ID}
	}

	if f.Analysis != nil {
		def.Analysis = f.Analysis.configuration()
	}
	def.Modifiers = experiment.NewModifiers(f.Modifiers)
	def.DefaultsFrom = f.DefaultsFrom

	for _, ext := range f.Extensions {
		ce := experiment.CaseExtension{Modifiers: experiment.NewModifiers(ext.Modifiers)}
		if ext.Analysis != nil {
			ce.Analysis = ext.Analysis.configuration()
		}
		def.Extensions = append(def.Extensions, ce)
	}
	return def
}

func (a *analysisFile) configuration() experiment.AnalysisConfiguration {
	return experiment.AnalysisConfiguration{
		FunctionName:       a.Type,
		Parameters:         options.New(a.Parameters),
		SimulationOptions:  options.New(a.SimulationOptions),
		SolverOptions:      options.New(a.SolverOptions),
		SimulationLogLevel: experiment.LogLevel(a.SimulationLogLevel),
	}
}

// cueFiles expands a source into the CUE files it names, in sorted order.
func cueFiles(source string) ([]string, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to stat source", err).WithResource(source)
	}
	if !info.IsDir() {
		return []string{source}, nil
	}

	var files []string
	err = filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, engine.NewConfigurationError("failed to walk directory", err).WithResource(source)
	}
	if len(files) == 0 {
		return nil, engine.NewConfigurationError("no CUE files found", nil).WithResource(source)
	}
	sort.Strings(files)
	return files, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}
