package config

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name:   "simple arithmetic",
			script: "result = 2 + 2\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != int64(4) {
					t.Errorf("expected result=4, got %v", sr.Output["result"])
				}
			},
		},
		{
			name:   "use input variables",
			script: "doubled = count * 2\n",
			input:  map[string]interface{}{"count": 5},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["doubled"] != int64(10) {
					t.Errorf("expected doubled=10, got %v", sr.Output["doubled"])
				}
			},
		},
		{
			name: "functions are not exported",
			script: `
def gains(n):
    return [k * 10 for k in range(1, n + 1)]

output = gains(3)
_hidden = 1
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				want := map[string]interface{}{"output": []interface{}{int64(10), int64(20), int64(30)}}
				if diff := cmp.Diff(want, sr.Output); diff != "" {
					t.Errorf("output mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name:   "tuples become lists",
			script: "pairs = list(enumerate([\"a\", \"b\"]))\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				want := []interface{}{
					[]interface{}{int64(0), "a"},
					[]interface{}{int64(1), "b"},
				}
				if diff := cmp.Diff(want, sr.Output["pairs"]); diff != "" {
					t.Errorf("pairs mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name:   "struct values become dicts",
			script: "s = struct(k = 1, name = \"PI\")\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				want := map[string]interface{}{"k": int64(1), "name": "PI"}
				if diff := cmp.Diff(want, sr.Output["s"]); diff != "" {
					t.Errorf("struct mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name:   "linspace",
			script: "xs = linspace(0, 1, 5)\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				want := []interface{}{0.0, 0.25, 0.5, 0.75, 1.0}
				if diff := cmp.Diff(want, sr.Output["xs"]); diff != "" {
					t.Errorf("linspace mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name:   "sweep_range",
			script: "r = sweep_range(0.1, 0.5, 3)\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["r"] != "range(0.1,0.5,3)" {
					t.Errorf("expected range(0.1,0.5,3), got %v", sr.Output["r"])
				}
			},
		},
		{
			name:    "linspace rejects non-positive count",
			script:  "xs = linspace(0, 1, 0)\n",
			wantErr: true,
		},
		{
			name:    "syntax error",
			script:  "invalid syntax here\n",
			wantErr: true,
		},
		{
			name:    "runtime error",
			script:  "result = undefined_variable\n",
			wantErr: true,
		},
		{
			name:    "non-string dict keys",
			script:  "result = {1: 2}\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)

			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got none")
				}
				if result == nil || result.Error == "" {
					t.Errorf("expected error in result")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(50 * time.Millisecond)
	evaluator.maxSteps = 0

	script := `
def spin():
    n = 0
    for i in range(1000000000):
        n = n + i
    return n

output = spin()
`

	result, err := evaluator.Evaluate(context.Background(), script, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if result == nil || result.Error == "" {
		t.Error("expected timeout error in result")
	}
}

func TestStarlarkEvaluator_ContextCancelled(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	script := `
def spin():
    n = 0
    for i in range(1000000000):
        n = n + i
    return n

output = spin()
`
	if _, err := evaluator.Evaluate(ctx, script, nil); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestStarlarkEvaluator_PrintSuppressed(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)

	result, err := evaluator.Evaluate(context.Background(), "print(\"ignored\")\nresult = \"done\"\n", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output["result"] != "done" {
		t.Errorf("expected result='done', got %v", result.Output["result"])
	}
}
