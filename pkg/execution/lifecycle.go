package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/impactsim/pkg/engine"
	"github.com/openfroyo/impactsim/pkg/experiment"
	"github.com/openfroyo/impactsim/pkg/telemetry"
)

// Config controls polling.
type Config struct {
	// PollInterval is the pause between two polls of one execution.
	PollInterval time.Duration

	// WaitTimeout is the observation deadline used when WaitUntilDone gets
	// no WithTimeout option. Zero waits without deadline.
	WaitTimeout time.Duration

	// CancellationPolls bounds AwaitCancellation when it is given no bound.
	CancellationPolls int
}

// DefaultConfig returns the default polling configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:      time.Second,
		CancellationPolls: 10,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got: %s", c.PollInterval)
	}
	if c.WaitTimeout < 0 {
		return fmt.Errorf("wait timeout must not be negative, got: %s", c.WaitTimeout)
	}
	if c.CancellationPolls <= 0 {
		return fmt.Errorf("cancellation polls must be positive, got: %d", c.CancellationPolls)
	}
	return nil
}

// Snapshot is the result of one poll.
type Snapshot struct {
	ID         ExecutionID
	State      engine.ExecutionState
	Status     *engine.ExecutionStatus
	Progress   engine.ProgressReport
	ObservedAt time.Time
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Lifecycle) { l.logger = logger.With().Str("component", "lifecycle").Logger() }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Lifecycle) { l.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(l *Lifecycle) {
		if t != nil {
			l.tracer = t
		}
	}
}

// WithEvents sets the event publisher.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(l *Lifecycle) { l.events = ep }
}

// WithJournal sets the journal.
func WithJournal(j Journal) Option {
	return func(l *Lifecycle) { l.journal = j }
}

// Lifecycle submits experiments and observes their executions. It is safe
// for concurrent use. Polls of one execution are serialized; different
// executions share nothing.
type Lifecycle struct {
	service Service
	config  Config

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher
	journal Journal

	mu      sync.Mutex
	locks   map[ExecutionID]*pollLock
	waiting map[ExecutionID]struct{}
}

type pollLock struct {
	sem  chan struct{}
	refs int
}

// NewLifecycle creates a lifecycle over service.
func NewLifecycle(service Service, cfg Config, opts ...Option) (*Lifecycle, error) {
	if service == nil {
		return nil, engine.NewConfigurationError("execution service is required", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, engine.NewConfigurationError("invalid execution config", err)
	}

	l := &Lifecycle{
		service: service,
		config:  cfg,
		logger:  zerolog.Nop(),
		tracer:  telemetry.NopTracer(),
		locks:   make(map[ExecutionID]*pollLock),
		waiting: make(map[ExecutionID]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Submit sends the wire form of spec together with its case identifiers and
// returns the new execution id. It does not wait.
func (l *Lifecycle) Submit(ctx context.Context, spec *experiment.Specification) (ExecutionID, error) {
	if spec == nil {
		return "", engine.NewConfigurationError("specification is required", nil).WithOperation("submit")
	}

	doc := spec.ToWire()
	if err := doc.Validate(); err != nil {
		return "", err
	}
	caseIDs := spec.CaseIDs()

	ctx, span := l.tracer.StartSpan(ctx, "execution.submit",
		telemetry.AttrCaseCount.Int(len(caseIDs)),
		telemetry.AttrModelKind.String(string(spec.Model().Kind())),
	)
	defer span.End()

	id, err := l.service.SubmitExperiment(ctx, doc, caseIDs)
	if err != nil {
		telemetry.RecordError(span, err)
		l.recordError(err)
		l.logger.Error().Err(err).Int("case_count", len(caseIDs)).Msg("Submission failed")
		return "", err
	}
	span.SetAttributes(telemetry.AttrExecutionID.String(string(id)))
	telemetry.RecordSuccess(span)

	l.metrics.RecordSubmission(string(spec.Model().Kind()))
	_ = l.events.PublishExecutionSubmitted(string(id), len(caseIDs))

	if l.journal != nil {
		data, err := doc.JSON()
		if err == nil {
			err = l.journal.RecordSubmission(ctx, string(id), data, caseIDs)
		}
		if err != nil {
			l.logger.Warn().Err(err).Str("execution_id", string(id)).Msg("Failed to journal submission")
		}
	}

	l.logger.Info().
		Str("execution_id", string(id)).
		Int("case_count", len(caseIDs)).
		Msg("Execution submitted")

	return id, nil
}

// WaitOption configures one WaitUntilDone call.
type WaitOption func(*waitOptions)

type waitOptions struct {
	timeout  time.Duration
	progress func(engine.ProgressReport)
}

// WithTimeout sets an observation deadline measured from the first poll.
// Expiry stops the wait only: the execution keeps running remotely.
func WithTimeout(d time.Duration) WaitOption {
	return func(o *waitOptions) { o.timeout = d }
}

// WithProgress registers fn to observe the progress of every poll.
func WithProgress(fn func(engine.ProgressReport)) WaitOption {
	return func(o *waitOptions) { o.progress = fn }
}

// WaitUntilDone polls id until it reaches a terminal state.
//
// On a done or cancelled execution it returns the final snapshot. On a failed
// execution it returns the final snapshot and a remote error carrying the
// service payload. When the observation deadline expires it returns the last
// snapshot and a timeout error; no cancellation is requested. Poll errors
// and context cancellation end the wait immediately.
//
// Only one wait per execution may run at a time; a concurrent second wait
// fails with a conflict error.
func (l *Lifecycle) WaitUntilDone(ctx context.Context, id ExecutionID, opts ...WaitOption) (*Snapshot, error) {
	o := waitOptions{timeout: l.config.WaitTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout < 0 {
		return nil, engine.NewConfigurationError("timeout must not be negative", nil).WithOperation("wait")
	}

	if !l.beginWait(id) {
		return nil, engine.NewConflictError(fmt.Sprintf("execution %s is already being waited on", id), nil).
			WithCode(engine.ErrCodeWaitInProgress).
			WithResource(string(id)).
			WithOperation("wait")
	}
	defer l.endWait(id)

	op := telemetry.StartExecutionOperation(ctx, l.tracer, l.logger, "wait", string(id))
	snap, err := l.wait(op, id, o)
	op.End(err)
	return snap, err
}

func (l *Lifecycle) wait(op *telemetry.Operation, id ExecutionID, o waitOptions) (*Snapshot, error) {
	ctx, logger := op.Ctx, op.Logger
	l.metrics.RecordWaitStarted()

	var deadline <-chan time.Time
	if o.timeout > 0 {
		t := time.NewTimer(o.timeout)
		defer t.Stop()
		deadline = t.C
	}

	finished := -1
	for {
		snap, err := l.poll(ctx, id)
		if err != nil {
			l.metrics.RecordWaitFinished("error", op.Timer.Duration())
			return nil, err
		}

		report := snap.Progress
		telemetry.AddProgressEvent(op.Span, string(snap.State), report.CompilationProgress(), report.SimulationProgress())
		_ = l.events.PublishProgress(string(id), report.CompilationProgress(), report.SimulationProgress())
		if o.progress != nil {
			o.progress(report)
		}
		if n := report.FinishedCases(); n < finished {
			logger.Warn().
				Int("previous", finished).
				Int("current", n).
				Msg("Finished case count decreased between polls")
			_ = l.events.PublishProgressRegression(string(id), finished, n)
		} else {
			finished = n
		}

		if snap.State.IsTerminal() {
			return l.finish(logger, snap, op.Timer.Duration())
		}

		logger.Debug().
			Str("state", string(snap.State)).
			Float64("compilation_progress", report.CompilationProgress()).
			Float64("simulation_progress", report.SimulationProgress()).
			Msg("Execution still running")

		if err := l.sleep(ctx, deadline); err != nil {
			if engine.IsTimeout(err) {
				err = engine.NewTimeoutError(
					fmt.Sprintf("execution %s still %s after %s", id, snap.State, o.timeout), nil).
					WithResource(string(id)).
					WithOperation("wait")
				logger.Warn().Dur("timeout", o.timeout).Msg("Stopped waiting for execution")
				_ = l.events.PublishWaitTimedOut(string(id), o.timeout)
				l.metrics.RecordWaitFinished("timeout", op.Timer.Duration())
				return snap, err
			}
			l.metrics.RecordWaitFinished("error", op.Timer.Duration())
			return nil, err
		}
	}
}

func (l *Lifecycle) finish(logger zerolog.Logger, snap *Snapshot, waited time.Duration) (*Snapshot, error) {
	state := string(snap.State)
	l.metrics.RecordCompletion(state)
	l.metrics.RecordWaitFinished(state, waited)
	_ = l.events.PublishExecutionFinished(string(snap.ID), state, waited)

	if snap.State == engine.ExecutionStateFailed {
		err := engine.NewRemoteError(fmt.Sprintf("execution %s failed", snap.ID), nil).
			WithResource(string(snap.ID)).
			WithOperation("wait")
		if snap.Status != nil && len(snap.Status.Raw) > 0 {
			err = err.WithDetail("payload", string(snap.Status.Raw))
		}
		l.recordError(err)
		logger.Error().Str("state", state).Msg("Execution failed")
		return snap, err
	}

	logger.Info().
		Str("state", state).
		Dur("waited", waited).
		Int("case_count", snap.Progress.TotalCases()).
		Msg("Execution finished")
	return snap, nil
}

// GetState polls id once.
func (l *Lifecycle) GetState(ctx context.Context, id ExecutionID) (*Snapshot, error) {
	op := telemetry.StartExecutionOperation(ctx, l.tracer, l.logger, "poll", string(id))
	snap, err := l.poll(op.Ctx, id)
	op.End(err)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Cancel asks the service to stop id. It returns once the request is
// accepted; the execution reports cancelled on a later poll.
func (l *Lifecycle) Cancel(ctx context.Context, id ExecutionID) error {
	op := telemetry.StartExecutionOperation(ctx, l.tracer, l.logger, "cancel", string(id))
	err := l.service.RequestCancellation(op.Ctx, id)
	op.End(err)
	if err != nil {
		l.metrics.RecordCancellation("error")
		l.recordError(err)
		op.Logger.Error().Err(err).Msg("Cancellation request failed")
		return err
	}

	l.metrics.RecordCancellation("requested")
	_ = l.events.PublishCancelRequested(string(id))
	op.Logger.Info().Msg("Cancellation requested")
	return nil
}

// AwaitCancellation polls id until it reports cancelled, at most maxPolls
// times. A non-positive maxPolls uses the configured bound. An execution
// that finishes some other way yields a conflict error; exhausting the bound
// yields a timeout error. Both come with the last snapshot.
func (l *Lifecycle) AwaitCancellation(ctx context.Context, id ExecutionID, maxPolls int) (*Snapshot, error) {
	if maxPolls <= 0 {
		maxPolls = l.config.CancellationPolls
	}

	var last *Snapshot
	for i := 0; i < maxPolls; i++ {
		if i > 0 {
			if err := l.sleep(ctx, nil); err != nil {
				return last, err
			}
		}

		snap, err := l.poll(ctx, id)
		if err != nil {
			return nil, err
		}
		last = snap

		switch {
		case snap.State == engine.ExecutionStateCancelled:
			return snap, nil
		case snap.State.IsTerminal():
			return snap, engine.NewConflictError(
				fmt.Sprintf("execution %s ended %s before cancellation took effect", id, snap.State), nil).
				WithResource(string(id)).
				WithOperation("cancel")
		}
	}

	return last, engine.NewTimeoutError(
		fmt.Sprintf("execution %s not cancelled after %d polls", id, maxPolls), nil).
		WithResource(string(id)).
		WithOperation("cancel")
}

// poll performs one serialized poll of id.
func (l *Lifecycle) poll(ctx context.Context, id ExecutionID) (*Snapshot, error) {
	release, err := l.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	timer := telemetry.NewTimer()
	status, err := l.service.PollExecution(ctx, id)
	if err != nil {
		l.metrics.RecordPollError(errorClass(err))
		l.recordError(err)
		return nil, err
	}
	if status == nil {
		return nil, engine.NewRemoteError("empty status payload", nil).
			WithCode(engine.ErrCodeDecode).
			WithResource(string(id)).
			WithOperation("poll")
	}
	if err := status.Status.Validate(); err != nil {
		return nil, engine.NewRemoteError("unexpected execution state", err).
			WithCode(engine.ErrCodeDecode).
			WithResource(string(id)).
			WithOperation("poll")
	}
	l.metrics.RecordPoll(string(status.Status), timer.Duration())

	if l.journal != nil {
		if err := l.journal.RecordObservation(ctx, string(id), status); err != nil {
			l.logger.Warn().Err(err).Str("execution_id", string(id)).Msg("Failed to journal observation")
		}
	}

	return &Snapshot{
		ID:         id,
		State:      status.Status,
		Status:     status,
		Progress:   status.Report(),
		ObservedAt: time.Now(),
	}, nil
}

// sleep waits one poll interval. It returns ctx.Err() when ctx ends first
// and a timeout error when deadline fires first.
func (l *Lifecycle) sleep(ctx context.Context, deadline <-chan time.Time) error {
	t := time.NewTimer(l.config.PollInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline:
		return engine.NewTimeoutError("observation deadline expired", nil)
	case <-t.C:
		return nil
	}
}

func (l *Lifecycle) lock(ctx context.Context, id ExecutionID) (func(), error) {
	l.mu.Lock()
	pl, ok := l.locks[id]
	if !ok {
		pl = &pollLock{sem: make(chan struct{}, 1)}
		l.locks[id] = pl
	}
	pl.refs++
	l.mu.Unlock()

	unref := func() {
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}

	select {
	case pl.sem <- struct{}{}:
	case <-ctx.Done():
		unref()
		return nil, ctx.Err()
	}

	return func() {
		<-pl.sem
		unref()
	}, nil
}

func (l *Lifecycle) beginWait(id ExecutionID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.waiting[id]; busy {
		return false
	}
	l.waiting[id] = struct{}{}
	return true
}

func (l *Lifecycle) endWait(id ExecutionID) {
	l.mu.Lock()
	delete(l.waiting, id)
	l.mu.Unlock()
}

func (l *Lifecycle) recordError(err error) {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		l.metrics.RecordError(string(ee.Class), ee.Code)
	}
}

func errorClass(err error) string {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return string(ee.Class)
	}
	return "unclassified"
}
