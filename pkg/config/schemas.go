package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// ExperimentSchema names the built-in experiment definition schema.
const ExperimentSchema = "experiment"

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(ExperimentSchema, builtinExperimentSchema, "#Experiment"); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles schema and registers the definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	val = val.LookupPath(cue.ParsePath(def))
	if !val.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Context returns the CUE context schemas are compiled in. Values unified
// with a schema must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinExperimentSchema = `
#Options: {[string]: _}

#LogLevel: "WARNING" | "ERROR" | "INFO" | "VERBOSE" | "DEBUG"

#Modelica: {
	className:         string & !=""
	compilerOptions?:  #Options
	runtimeOptions?:   #Options
	compilerLogLevel?: string
	fmiTarget?:        "me" | "cs"
	fmiVersion?:       string
	platform?:         string
}

#FMU: {
	id: string & !=""
}

#Model: {modelica: #Modelica} | {fmu: #FMU}

#Analysis: {
	type?:               string & !=""
	parameters?:         #Options
	simulationOptions?:  #Options
	solverOptions?:      #Options
	simulationLogLevel?: #LogLevel
}

#Extension: {
	analysis?:  #Analysis
	modifiers?: #Options
}

// Sweep generates extensions with a Starlark script given inline or as a
// file path relative to the definition file.
#Sweep: {
	script?: string
	file?:   string
	input?:  #Options
}

#Experiment: {
	model:         #Model
	analysis?:     #Analysis
	modifiers?:    #Options
	extensions?:   [...#Extension]
	defaultsFrom?: string
	sweep?:        #Sweep
}
`
