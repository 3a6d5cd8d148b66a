// Package workspace ties resolution, submission policy, execution tracking
// and the journal together for one remote workspace.
package workspace

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/openfroyo/impactsim/pkg/engine"
	"github.com/openfroyo/impactsim/pkg/execution"
	"github.com/openfroyo/impactsim/pkg/experiment"
	"github.com/openfroyo/impactsim/pkg/telemetry"
)

// Remote is the service side of a workspace.
type Remote interface {
	execution.Service
	execution.SpecificationSource
	experiment.DefaultsSource
}

// Gate decides whether a document may be submitted. A rejection is returned
// as a policy error.
type Gate interface {
	Check(ctx context.Context, doc experiment.Document) error
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithGate sets the submission gate.
func WithGate(g Gate) Option {
	return func(w *Workspace) { w.gate = g }
}

// WithJournal sets the journal handed to the lifecycle.
func WithJournal(j execution.Journal) Option {
	return func(w *Workspace) { w.journal = j }
}

// WithTelemetry wires logger, metrics, tracer and events from t.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(w *Workspace) {
		if t == nil {
			return
		}
		if t.Logger != nil {
			w.logger = t.Logger.Zerolog()
		}
		w.metrics = t.Metrics
		if t.Tracer != nil {
			w.tracer = t.Tracer
		}
		w.events = t.Events
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Workspace) { w.logger = logger }
}

// Workspace submits experiments to one remote workspace.
type Workspace struct {
	id     string
	remote Remote

	defaults  *memoDefaults
	resolver  *experiment.Resolver
	lifecycle *execution.Lifecycle
	gate      Gate
	journal   execution.Journal

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher
}

// New creates a workspace over remote.
func New(id string, remote Remote, cfg execution.Config, opts ...Option) (*Workspace, error) {
	if id == "" {
		return nil, engine.NewConfigurationError("workspace id is required", nil)
	}
	if remote == nil {
		return nil, engine.NewConfigurationError("workspace remote is required", nil).WithResource(id)
	}

	w := &Workspace{
		id:     id,
		remote: remote,
		logger: zerolog.Nop(),
		tracer: telemetry.NopTracer(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With().Str("component", "workspace").Str("workspace_id", id).Logger()

	w.defaults = newMemoDefaults(remote)
	w.resolver = experiment.NewResolver(w.defaults)

	lcOpts := []execution.Option{
		execution.WithLogger(w.logger),
		execution.WithMetrics(w.metrics),
		execution.WithTracer(w.tracer),
		execution.WithEvents(w.events),
	}
	if w.journal != nil {
		lcOpts = append(lcOpts, execution.WithJournal(w.journal))
	}
	lc, err := execution.NewLifecycle(remote, cfg, lcOpts...)
	if err != nil {
		return nil, err
	}
	w.lifecycle = lc

	return w, nil
}

// ID returns the workspace id.
func (w *Workspace) ID() string { return w.id }

// Lifecycle returns the execution lifecycle of the workspace.
func (w *Workspace) Lifecycle() *execution.Lifecycle { return w.lifecycle }

// ForgetDefaults drops memoised custom function defaults.
func (w *Workspace) ForgetDefaults() { w.defaults.forget() }

// Resolve completes def. Custom function defaults are fetched at most once
// per function name for the life of the workspace.
func (w *Workspace) Resolve(ctx context.Context, def experiment.Definition) (*experiment.Specification, error) {
	ctx, span := w.tracer.StartResolveSpan(ctx, def.DefaultsFrom)
	defer span.End()

	withDefaults := def.DefaultsFrom != ""
	spec, err := w.resolver.Resolve(ctx, def)
	if err != nil {
		telemetry.RecordError(span, err)
		w.metrics.RecordResolution(withDefaults, "error")
		w.logger.Error().Err(err).Str("custom_function", def.DefaultsFrom).Msg("Resolution failed")
		return nil, err
	}
	telemetry.RecordSuccess(span)
	w.metrics.RecordResolution(withDefaults, "success")
	return spec, nil
}

// Execution is one submitted experiment.
type Execution struct {
	ID            execution.ExecutionID
	Specification *experiment.Specification

	ws *Workspace
}

// Execute resolves def, checks it against the gate and submits it.
func (w *Workspace) Execute(ctx context.Context, def experiment.Definition) (*Execution, error) {
	spec, err := w.Resolve(ctx, def)
	if err != nil {
		return nil, err
	}
	return w.Submit(ctx, spec)
}

// Submit checks spec against the gate and submits it.
func (w *Workspace) Submit(ctx context.Context, spec *experiment.Specification) (*Execution, error) {
	if spec == nil {
		return nil, engine.NewConfigurationError("specification is required", nil).WithOperation("submit")
	}

	if w.gate != nil {
		if err := w.gate.Check(ctx, spec.ToWire()); err != nil {
			if engine.IsPolicyDenied(err) {
				var ee *engine.EngineError
				if errors.As(err, &ee) {
					_ = w.events.PublishPolicyViolation(w.id, ee.Resource, ee.Message)
				}
				w.logger.Warn().Err(err).Msg("Submission rejected by policy")
			}
			return nil, err
		}
	}

	id, err := w.lifecycle.Submit(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &Execution{ID: id, Specification: spec, ws: w}, nil
}

// ExecuteUntilDone executes def and waits for a terminal state.
func (w *Workspace) ExecuteUntilDone(ctx context.Context, def experiment.Definition, opts ...execution.WaitOption) (*Execution, *execution.Snapshot, error) {
	exec, err := w.Execute(ctx, def)
	if err != nil {
		return nil, nil, err
	}
	snap, err := exec.Wait(ctx, opts...)
	return exec, snap, err
}

// Experiment reconstructs the specification of a submitted experiment.
func (w *Workspace) Experiment(ctx context.Context, id execution.ExecutionID) (*Execution, error) {
	doc, err := w.remote.FetchSpecification(ctx, id)
	if err != nil {
		return nil, err
	}
	spec, err := experiment.FromWire(doc)
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			return nil, ee.WithResource(string(id))
		}
		return nil, err
	}
	return &Execution{ID: id, Specification: spec, ws: w}, nil
}

// State polls an execution once.
func (w *Workspace) State(ctx context.Context, id execution.ExecutionID) (*execution.Snapshot, error) {
	return w.lifecycle.GetState(ctx, id)
}

// Cancel requests cancellation of an execution.
func (w *Workspace) Cancel(ctx context.Context, id execution.ExecutionID) error {
	return w.lifecycle.Cancel(ctx, id)
}

// Wait blocks until the execution is terminal.
func (e *Execution) Wait(ctx context.Context, opts ...execution.WaitOption) (*execution.Snapshot, error) {
	return e.ws.lifecycle.WaitUntilDone(ctx, e.ID, opts...)
}

// State polls the execution once.
func (e *Execution) State(ctx context.Context) (*execution.Snapshot, error) {
	return e.ws.State(ctx, e.ID)
}

// Cancel requests cancellation and waits until the service reports it.
func (e *Execution) Cancel(ctx context.Context) (*execution.Snapshot, error) {
	if err := e.ws.Cancel(ctx, e.ID); err != nil {
		return nil, err
	}
	return e.ws.lifecycle.AwaitCancellation(ctx, e.ID, 0)
}

// Cases returns the case list of the execution.
func (e *Execution) Cases() []experiment.Case {
	return e.Specification.Cases()
}
