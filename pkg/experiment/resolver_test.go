package experiment

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/openfroyo/impactsim/pkg/engine"
	"github.com/openfroyo/impactsim/pkg/options"
)

type fakeDefaultsSource struct {
	mu       sync.Mutex
	calls    []string
	defaults *CustomFunctionDefaults
	err      error
}

func (f *fakeDefaultsSource) CustomFunctionDefaults(_ context.Context, name string) (*CustomFunctionDefaults, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.err != nil {
		return nil, f.err
	}
	return f.defaults, nil
}

func (f *fakeDefaultsSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestResolveAnalysis_Precedence(t *testing.T) {
	custom := &CustomFunctionDefaults{
		Simulation: options.Of("ncp", 500, "interval", 0.1),
		Solver:     options.Of("rtol", 1e-6),
	}

	tests := []struct {
		name     string
		explicit AnalysisConfiguration
		defaults *CustomFunctionDefaults
		wantSim  options.Set
		wantSol  options.Set
	}{
		{
			name:    "built-in only",
			wantSim: options.Of("ncp", 100, "dynamic_diagnostics", false),
			wantSol: options.Empty(),
		},
		{
			name:     "custom overrides built-in",
			defaults: custom,
			wantSim:  options.Of("ncp", 500, "dynamic_diagnostics", false, "interval", 0.1),
			wantSol:  options.Of("rtol", 1e-6),
		},
		{
			name:     "explicit overrides custom",
			explicit: AnalysisConfiguration{SimulationOptions: options.Of("ncp", 250)},
			defaults: custom,
			wantSim:  options.Of("ncp", 250, "dynamic_diagnostics", false, "interval", 0.1),
			wantSol:  options.Of("rtol", 1e-6),
		},
		{
			name:     "explicit solver only keeps simulation defaults",
			explicit: AnalysisConfiguration{SolverOptions: options.Of("key", "value")},
			wantSim:  options.Of("ncp", 100, "dynamic_diagnostics", false),
			wantSol:  options.Of("key", "value"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveAnalysis(tt.explicit, tt.defaults)
			if diff := cmp.Diff(tt.wantSim, got.SimulationOptions); diff != "" {
				t.Errorf("simulation options mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantSol, got.SolverOptions); diff != "" {
				t.Errorf("solver options mismatch (-want +got):\n%s", diff)
			}
			if got.FunctionName != DefaultFunctionName {
				t.Errorf("FunctionName = %q, want %q", got.FunctionName, DefaultFunctionName)
			}
			if got.SimulationLogLevel != LogLevelWarning {
				t.Errorf("SimulationLogLevel = %q, want WARNING", got.SimulationLogLevel)
			}
		})
	}
}

func TestResolveAnalysis_ExplicitScalars(t *testing.T) {
	got := ResolveAnalysis(AnalysisConfiguration{
		FunctionName:       "steady state",
		Parameters:         options.Of("final_time", 10),
		SimulationLogLevel: LogLevelDebug,
	}, nil)

	if got.FunctionName != "steady state" {
		t.Errorf("FunctionName = %q", got.FunctionName)
	}
	if got.SimulationLogLevel != LogLevelDebug {
		t.Errorf("SimulationLogLevel = %q", got.SimulationLogLevel)
	}
	want := options.Of("start_time", 0, "final_time", 10)
	if diff := cmp.Diff(want, got.Parameters); diff != "" {
		t.Errorf("parameters mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveAnalysis_FacetIndependence(t *testing.T) {
	base := ResolveAnalysis(AnalysisConfiguration{}, nil)
	withSolver := ResolveAnalysis(AnalysisConfiguration{SolverOptions: options.Of("rtol", 1e-8)}, nil)

	if !base.SimulationOptions.Equal(withSolver.SimulationOptions) {
		t.Error("solver override changed simulation options")
	}
	if !base.Parameters.Equal(withSolver.Parameters) {
		t.Error("solver override changed parameters")
	}
}

func TestResolveAnalysis_DoesNotMutateTemplate(t *testing.T) {
	before := DefaultAnalysis()
	_ = ResolveAnalysis(AnalysisConfiguration{
		SimulationOptions: options.Of("ncp", 1),
		Parameters:        options.Of("start_time", 5),
	}, &CustomFunctionDefaults{Solver: options.Of("x", 1)})
	after := DefaultAnalysis()

	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("default analysis changed (-before +after):\n%s", diff)
	}
}

func TestResolveModel_SourceModel(t *testing.T) {
	custom := &CustomFunctionDefaults{
		Compiler: options.Of("c_compiler", "clang"),
		Runtime:  options.Of("key", "customValue"),
	}

	got, err := ResolveModel(SourceModel{ClassName: "Modelica.Blocks.Examples.PID_Controller"}, custom)
	if err != nil {
		t.Fatalf("ResolveModel() error = %v", err)
	}
	m, ok := got.(SourceModel)
	if !ok {
		t.Fatalf("ResolveModel() returned %T", got)
	}

	want := SourceModel{
		ClassName:        "Modelica.Blocks.Examples.PID_Controller",
		CompilerOptions:  options.Of("c_compiler", "clang"),
		RuntimeOptions:   options.Of("key", "customValue"),
		CompilerLogLevel: "warning",
		FMITarget:        "me",
		FMIVersion:       "2.0",
		Platform:         "auto",
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("model mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveModel_ExplicitBeatsCustom(t *testing.T) {
	custom := &CustomFunctionDefaults{Compiler: options.Of("c_compiler", "clang", "generate_html_diagnostics", true)}
	explicit := SourceModel{
		ClassName:       "A.B",
		CompilerOptions: options.Of("c_compiler", "msvc"),
		FMITarget:       "cs",
	}

	got, err := ResolveModel(explicit, custom)
	if err != nil {
		t.Fatalf("ResolveModel() error = %v", err)
	}
	m := got.(SourceModel)
	want := options.Of("c_compiler", "msvc", "generate_html_diagnostics", true)
	if diff := cmp.Diff(want, m.CompilerOptions); diff != "" {
		t.Errorf("compiler options mismatch (-want +got):\n%s", diff)
	}
	if m.FMITarget != "cs" || m.FMIVersion != "2.0" {
		t.Errorf("metadata = %q/%q, want cs/2.0", m.FMITarget, m.FMIVersion)
	}
}

func TestResolveModel_PrecompiledUnitIsIdentity(t *testing.T) {
	unit := PrecompiledUnit{ID: "fmu-42"}
	got, err := ResolveModel(unit, &CustomFunctionDefaults{Compiler: options.Of("c_compiler", "clang")})
	if err != nil {
		t.Fatalf("ResolveModel() error = %v", err)
	}
	if got != unit {
		t.Errorf("ResolveModel() = %v, want %v", got, unit)
	}

	ptr, err := ResolveModel(&unit, nil)
	if err != nil || ptr != unit {
		t.Errorf("ResolveModel(&unit) = %v, %v", ptr, err)
	}
}

func TestResolveModel_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		model ModelConfiguration
	}{
		{"nil", nil},
		{"nil source pointer", (*SourceModel)(nil)},
		{"missing class name", SourceModel{}},
		{"missing unit id", PrecompiledUnit{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveModel(tt.model, nil)
			if !engine.IsConfiguration(err) {
				t.Errorf("ResolveModel() error = %v, want configuration error", err)
			}
		})
	}
}

func TestResolver_Resolve_NoDefaultsNoCall(t *testing.T) {
	source := &fakeDefaultsSource{}
	r := NewResolver(source)

	spec, err := r.Resolve(context.Background(), Definition{
		Model:    SourceModel{ClassName: "A.B"},
		Analysis: AnalysisConfiguration{SolverOptions: options.Of("key", "value")},
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if source.callCount() != 0 {
		t.Errorf("defaults source called %d times, want 0", source.callCount())
	}

	ncp, _ := spec.Analysis().SimulationOptions.Get("ncp")
	if ncp != float64(100) {
		t.Errorf("ncp = %v, want 100", ncp)
	}
	key, _ := spec.Analysis().SolverOptions.Get("key")
	if key != "value" {
		t.Errorf("solver key = %v, want value", key)
	}
}

func TestResolver_Resolve_CustomDefaults(t *testing.T) {
	source := &fakeDefaultsSource{defaults: &CustomFunctionDefaults{
		Simulation: options.Of("ncp", 500),
		Solver:     options.Of("key", "customFunctionValue"),
	}}
	r := NewResolver(source)

	tests := []struct {
		name     string
		analysis AnalysisConfiguration
		wantNCP  float64
	}{
		{"custom only", AnalysisConfiguration{}, 500},
		{"explicit wins", AnalysisConfiguration{SimulationOptions: options.Of("ncp", 250)}, 250},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := r.Resolve(context.Background(), Definition{
				Model:        SourceModel{ClassName: "A.B"},
				Analysis:     tt.analysis,
				DefaultsFrom: "dynamic",
			})
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			ncp, _ := spec.Analysis().SimulationOptions.Get("ncp")
			if ncp != tt.wantNCP {
				t.Errorf("ncp = %v, want %v", ncp, tt.wantNCP)
			}
			key, _ := spec.Analysis().SolverOptions.Get("key")
			if key != "customFunctionValue" {
				t.Errorf("solver key = %v, want customFunctionValue", key)
			}
		})
	}

	if source.callCount() != 2 {
		t.Errorf("defaults source called %d times, want 2", source.callCount())
	}
}

func TestResolver_Resolve_FunctionName(t *testing.T) {
	r := NewResolver(&fakeDefaultsSource{defaults: &CustomFunctionDefaults{}})

	tests := []struct {
		name         string
		analysis     AnalysisConfiguration
		defaultsFrom string
		want         string
	}{
		{"built-in", AnalysisConfiguration{}, "", "dynamic"},
		{"from custom function", AnalysisConfiguration{}, "steady state", "steady state"},
		{"explicit wins", AnalysisConfiguration{FunctionName: "dynamic"}, "steady state", "dynamic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := r.Resolve(context.Background(), Definition{
				Model:        SourceModel{ClassName: "A.B"},
				Analysis:     tt.analysis,
				DefaultsFrom: tt.defaultsFrom,
			})
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got := spec.Analysis().FunctionName; got != tt.want {
				t.Errorf("function name = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolver_Resolve_LookupFailureUnchanged(t *testing.T) {
	lookupErr := engine.NewTransportError("custom function not found", nil).WithCode(engine.ErrCodeNotFound)
	r := NewResolver(&fakeDefaultsSource{err: lookupErr})

	_, err := r.Resolve(context.Background(), Definition{
		Model:        SourceModel{ClassName: "A.B"},
		DefaultsFrom: "missing",
	})
	if !errors.Is(err, lookupErr) {
		t.Errorf("Resolve() error = %v, want %v", err, lookupErr)
	}
}

func TestResolver_Resolve_NoSource(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.Resolve(context.Background(), Definition{
		Model:        SourceModel{ClassName: "A.B"},
		DefaultsFrom: "dynamic",
	})
	if !engine.IsConfiguration(err) {
		t.Errorf("Resolve() error = %v, want configuration error", err)
	}
}
