package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/impactsim/pkg/engine"
	"github.com/openfroyo/impactsim/pkg/experiment"
	"github.com/openfroyo/impactsim/pkg/telemetry"
)

// Engine evaluates Rego policies against experiment documents before they
// are submitted. It satisfies the workspace submission gate.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer

	workspace string
	maxCases  int
	loader    *Loader
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records denials on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithWorkspace sets input.context.workspace.
func WithWorkspace(id string) Option {
	return func(e *Engine) { e.workspace = id }
}

// WithMaxCases sets data.impactsim.limits.max_cases.
func WithMaxCases(n int) Option {
	return func(e *Engine) { e.maxCases = n }
}

// NewEngine creates a policy engine loaded with the built-in policies.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		tracer:   telemetry.NopTracer(),
		maxCases: DefaultMaxCases,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxCases <= 0 {
		return nil, engine.NewConfigurationError(fmt.Sprintf("max cases must be positive, got %d", e.maxCases), nil)
	}

	e.store = inmem.NewFromObject(map[string]interface{}{
		"impactsim": map[string]interface{}{
			"limits": map[string]interface{}{
				"max_cases": e.maxCases,
			},
		},
	})
	e.loader = NewLoader(logger)

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Check evaluates doc and returns a policy error naming the first blocking
// violation. Policies that fail to evaluate are logged and skipped.
func (e *Engine) Check(ctx context.Context, doc experiment.Document) error {
	result, err := e.Evaluate(ctx, doc)
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().Str("policy", w.Policy).Str("path", w.Path).Msg(w.Message)
	}
	if result.Allowed {
		return nil
	}

	for _, v := range result.Violations {
		if v.Severity.Blocking() {
			e.metrics.RecordPolicyDenial(v.Policy, string(v.Severity))
		}
	}
	first := result.Blocking()
	return engine.NewPolicyError(first.Message, nil).
		WithResource(first.Policy).
		WithOperation("submit").
		WithDetail("path", first.Path).
		WithDetail("violations", result.Violations)
}

// Evaluate evaluates every enabled policy against doc.
func (e *Engine) Evaluate(ctx context.Context, doc experiment.Document) (*Result, error) {
	startTime := time.Now()
	ctx, span := e.tracer.StartSpan(ctx, "policy.evaluate", attribute.Int("policy.cases", len(doc.Extensions)))
	defer span.End()

	input, err := toInputValue(Input{
		Experiment: doc,
		Context: InputContext{
			Workspace: e.workspace,
			Operation: "submit",
			Timestamp: startTime,
		},
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, warnings, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			continue
		}
		result.Violations = append(result.Violations, violations...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	result.Allowed = result.Blocking() == nil
	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)

	span.SetAttributes(attribute.Bool("policy.allowed", result.Allowed))
	telemetry.RecordSuccess(span)
	e.logger.Debug().
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// toInputValue converts input to plain JSON values for the evaluator.
func toInputValue(input Input) (interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to encode policy input", err)
	}
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, engine.NewConfigurationError("failed to decode policy input", err)
	}
	return value, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input interface{}) ([]Violation, []Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations, warnings []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		doc, ok := result.Expressions[0].Value.(map[string]interface{})
		if !ok {
			continue
		}
		if deny, ok := doc["deny"].([]interface{}); ok {
			for _, d := range deny {
				violations = append(violations, createViolation(cp.policy, cp.policy.Severity, d))
			}
		}
		if warn, ok := doc["warn"].([]interface{}); ok {
			for _, w := range warn {
				v := createViolation(cp.policy, SeverityWarning, w)
				v.Severity = SeverityWarning
				warnings = append(warnings, v)
			}
		}
	}

	// Set iteration order is not stable across evaluations.
	sort.SliceStable(violations, func(i, j int) bool { return violations[i].Path < violations[j].Path })
	sort.SliceStable(warnings, func(i, j int) bool { return warnings[i].Path < warnings[j].Path })

	return violations, warnings, nil
}

// createViolation creates a Violation from a deny or warn result.
func createViolation(policy *Policy, severity Severity, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if path, ok := v["path"].(string); ok {
			violation.Path = path
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy compiles a policy and stores it. The caller holds mu.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy: policy,
		query:  query,
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies. The caller holds mu or
// owns the engine exclusively.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// LoadPolicies loads policy files and directories next to the built-ins.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplacePolicies(ctx, policies)
}

// ReplacePolicies swaps every non-built-in policy for policies. On a compile
// failure the previous set stays in place.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.policies
	e.policies = make(map[string]*compiledPolicy, len(previous)+len(policies))
	for name, cp := range previous {
		if cp.policy.Builtin {
			e.policies[name] = cp
		}
	}

	for i := range policies {
		p := policies[i]
		if existing, ok := e.policies[p.Name]; ok && existing.policy.Builtin {
			e.policies = previous
			return fmt.Errorf("policy %s shadows a built-in policy", p.Name)
		}
		if err := e.compileAndStorePolicy(ctx, &p); err != nil {
			e.policies = previous
			e.logger.Error().Err(err).Str("policy", p.Name).Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// Watch loads paths and reloads them whenever a policy file changes, until
// ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	if err := e.LoadPolicies(ctx, paths); err != nil {
		return err
	}
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
}

// Close stops watching policy files.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewConfigurationError("policy not found", nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// ReloadPolicies drops every loaded policy and recompiles the built-ins.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)
	e.loader.ClearCache()
	return e.loadBuiltinPolicies(ctx)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return engine.NewConfigurationError("policy not found", nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}

// sortedNames returns the policy names in order. The caller holds mu.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
