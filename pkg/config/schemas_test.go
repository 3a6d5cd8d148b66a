package config

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Library: {
	name:    string & !=""
	version: string
}
`

	if err := sr.RegisterSchema("library", customSchema, "#Library"); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("library")
	if !ok {
		t.Fatal("expected to find library schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	if diff := cmp.Diff([]string{ExperimentSchema, "library"}, sr.ListSchemas()); diff != "" {
		t.Errorf("schema list mismatch (-want +got):\n%s", diff)
	}
}

func TestSchemaRegistry_RegisterErrors(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("broken", `#A: {`, "#A"); err == nil {
		t.Error("expected compile error")
	}
	if err := sr.RegisterSchema("missing", `#A: {x: int}`, "#B"); err == nil {
		t.Error("expected missing definition error")
	}
	if _, ok := sr.GetSchema("broken"); ok {
		t.Error("failed schema must not be registered")
	}
}

func TestSchemaRegistry_ValidateExperiment(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		data    map[string]interface{}
		wantErr bool
	}{
		{
			name: "source model",
			data: map[string]interface{}{
				"model": map[string]interface{}{
					"modelica": map[string]interface{}{"className": "A.B"},
				},
				"analysis": map[string]interface{}{"type": "dynamic"},
			},
		},
		{
			name: "precompiled unit with extensions",
			data: map[string]interface{}{
				"model": map[string]interface{}{
					"fmu": map[string]interface{}{"id": "fmu-1"},
				},
				"extensions": []interface{}{
					map[string]interface{}{"modifiers": map[string]interface{}{"PI.k": 2}},
				},
			},
		},
		{
			name:    "missing model",
			data:    map[string]interface{}{"defaultsFrom": "dynamic"},
			wantErr: true,
		},
		{
			name: "invalid fmi target",
			data: map[string]interface{}{
				"model": map[string]interface{}{
					"modelica": map[string]interface{}{"className": "A", "fmiTarget": "xx"},
				},
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			data: map[string]interface{}{
				"model":    map[string]interface{}{"fmu": map[string]interface{}{"id": "x"}},
				"analysis": map[string]interface{}{"simulationLogLevel": "TRACE"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(ctx, ExperimentSchema, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAgainstSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_UnknownSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.ValidateAgainstSchema(context.Background(), "nonexistent", map[string]interface{}{}); err == nil {
		t.Error("expected error for unknown schema")
	}
}
