package execution

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/openfroyo/impactsim/pkg/engine"
	"github.com/openfroyo/impactsim/pkg/experiment"
	"github.com/openfroyo/impactsim/pkg/telemetry"
)

// fakeService replays scripted statuses per execution. The last status of a
// script repeats forever.
type fakeService struct {
	mu sync.Mutex

	scripts   map[ExecutionID][]*engine.ExecutionStatus
	pollErr   error
	submitErr error

	submitted   []experiment.Document
	caseIDs     [][]string
	polls       map[ExecutionID]int
	cancels     map[ExecutionID]int
	inFlight    int
	maxInFlight int
	pollDelay   time.Duration

	// cancelAfter switches an execution to cancelled this many polls after
	// a cancellation request. Zero disables the switch.
	cancelAfter int
	cancelledAt map[ExecutionID]int
}

func newFakeService() *fakeService {
	return &fakeService{
		scripts:     make(map[ExecutionID][]*engine.ExecutionStatus),
		polls:       make(map[ExecutionID]int),
		cancels:     make(map[ExecutionID]int),
		cancelledAt: make(map[ExecutionID]int),
	}
}

func (f *fakeService) script(id ExecutionID, statuses ...*engine.ExecutionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = statuses
}

func (f *fakeService) SubmitExperiment(_ context.Context, doc experiment.Document, caseIDs []string) (ExecutionID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, doc)
	f.caseIDs = append(f.caseIDs, caseIDs)
	return "exp-1", nil
}

func (f *fakeService) PollExecution(_ context.Context, id ExecutionID) (*engine.ExecutionStatus, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	delay := f.pollDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	if f.pollErr != nil {
		return nil, f.pollErr
	}

	n := f.polls[id]
	f.polls[id] = n + 1

	if at, ok := f.cancelledAt[id]; ok && f.cancelAfter > 0 && n+1-at >= f.cancelAfter {
		return status(engine.ExecutionStateCancelled), nil
	}

	script := f.scripts[id]
	if len(script) == 0 {
		return status(engine.ExecutionStateRunning), nil
	}
	if n >= len(script) {
		return script[len(script)-1], nil
	}
	return script[n], nil
}

func (f *fakeService) RequestCancellation(_ context.Context, id ExecutionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels[id]++
	f.cancelledAt[id] = f.polls[id]
	return nil
}

func (f *fakeService) pollCount(id ExecutionID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[id]
}

func (f *fakeService) cancelCount(id ExecutionID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels[id]
}

func status(state engine.ExecutionState, cases ...engine.CaseProgress) *engine.ExecutionStatus {
	return &engine.ExecutionStatus{Status: state, Progresses: cases}
}

func compiling(done bool) engine.CaseProgress {
	return engine.CaseProgress{Stage: engine.StageCompilation, Done: done}
}

func simulating(done bool) engine.CaseProgress {
	return engine.CaseProgress{Stage: engine.StageSimulation, Done: done}
}

func newTestLifecycle(t *testing.T, svc Service, opts ...Option) *Lifecycle {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	l, err := NewLifecycle(svc, cfg, opts...)
	if err != nil {
		t.Fatalf("NewLifecycle() error = %v", err)
	}
	return l
}

func testSpecification(t *testing.T, extensions int) *experiment.Specification {
	t.Helper()
	model, err := experiment.ResolveModel(experiment.SourceModel{ClassName: "A.B"}, nil)
	if err != nil {
		t.Fatalf("ResolveModel() error = %v", err)
	}
	spec, err := experiment.NewSpecification(model, experiment.DefaultAnalysis(), experiment.Modifiers{},
		make([]experiment.CaseExtension, extensions))
	if err != nil {
		t.Fatalf("NewSpecification() error = %v", err)
	}
	return spec
}

func TestNewLifecycle_Invalid(t *testing.T) {
	if _, err := NewLifecycle(nil, DefaultConfig()); !engine.IsConfiguration(err) {
		t.Errorf("nil service: error = %v, want configuration error", err)
	}
	if _, err := NewLifecycle(newFakeService(), Config{}); !engine.IsConfiguration(err) {
		t.Errorf("zero config: error = %v, want configuration error", err)
	}
}

func TestLifecycle_Submit(t *testing.T) {
	svc := newFakeService()
	l := newTestLifecycle(t, svc)

	id, err := l.Submit(context.Background(), testSpecification(t, 3))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != "exp-1" {
		t.Errorf("Submit() id = %q", id)
	}
	if diff := cmp.Diff([]string{"case_1", "case_2", "case_3"}, svc.caseIDs[0]); diff != "" {
		t.Errorf("case ids mismatch (-want +got):\n%s", diff)
	}
	if svc.submitted[0].Version != experiment.DocumentVersion {
		t.Errorf("document version = %d", svc.submitted[0].Version)
	}
	if svc.pollCount(id) != 0 {
		t.Error("Submit() should not poll")
	}
}

func TestLifecycle_Submit_Errors(t *testing.T) {
	svc := newFakeService()
	svc.submitErr = engine.NewTransportError("boom", nil)
	l := newTestLifecycle(t, svc)

	if _, err := l.Submit(context.Background(), nil); !engine.IsConfiguration(err) {
		t.Errorf("nil spec: error = %v, want configuration error", err)
	}
	if _, err := l.Submit(context.Background(), testSpecification(t, 0)); !errors.Is(err, svc.submitErr) {
		t.Errorf("Submit() error = %v, want %v", err, svc.submitErr)
	}
}

func TestLifecycle_WaitUntilDone_TerminalStates(t *testing.T) {
	tests := []struct {
		name      string
		final     engine.ExecutionState
		wantErr   func(error) bool
		wantPolls int
	}{
		{"done", engine.ExecutionStateDone, nil, 3},
		{"cancelled", engine.ExecutionStateCancelled, nil, 3},
		{"failed", engine.ExecutionStateFailed, engine.IsRemote, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			final := status(tt.final, simulating(true))
			final.Raw = json.RawMessage(`{"status":"` + string(tt.final) + `"}`)
			svc.script("exp-1",
				status(engine.ExecutionStateNotStarted),
				status(engine.ExecutionStateRunning, compiling(false)),
				final,
			)
			l := newTestLifecycle(t, svc)

			snap, err := l.WaitUntilDone(context.Background(), "exp-1")
			if tt.wantErr == nil && err != nil {
				t.Fatalf("WaitUntilDone() error = %v", err)
			}
			if tt.wantErr != nil && !tt.wantErr(err) {
				t.Fatalf("WaitUntilDone() error = %v", err)
			}
			if snap == nil || snap.State != tt.final {
				t.Fatalf("WaitUntilDone() snapshot = %+v, want state %s", snap, tt.final)
			}
			if got := svc.pollCount("exp-1"); got != tt.wantPolls {
				t.Errorf("polls = %d, want %d", got, tt.wantPolls)
			}
		})
	}
}

func TestLifecycle_WaitUntilDone_FailedCarriesPayload(t *testing.T) {
	svc := newFakeService()
	failed := status(engine.ExecutionStateFailed)
	failed.Raw = json.RawMessage(`{"status":"failed","reason":"solver"}`)
	svc.script("exp-1", failed)
	l := newTestLifecycle(t, svc)

	_, err := l.WaitUntilDone(context.Background(), "exp-1")
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("WaitUntilDone() error = %v, want EngineError", err)
	}
	if ee.Code != engine.ErrCodeExecutionFailed {
		t.Errorf("code = %s", ee.Code)
	}
	if ee.Details["payload"] != string(failed.Raw) {
		t.Errorf("payload detail = %v", ee.Details["payload"])
	}
}

func TestLifecycle_WaitUntilDone_TimeoutHasNoSideEffect(t *testing.T) {
	svc := newFakeService()
	svc.script("exp-1", status(engine.ExecutionStateRunning, compiling(false)))
	l := newTestLifecycle(t, svc)

	snap, err := l.WaitUntilDone(context.Background(), "exp-1", WithTimeout(20*time.Millisecond))
	if !engine.IsTimeout(err) {
		t.Fatalf("WaitUntilDone() error = %v, want timeout", err)
	}
	if snap == nil || snap.State != engine.ExecutionStateRunning {
		t.Errorf("last snapshot = %+v, want running", snap)
	}
	if n := svc.cancelCount("exp-1"); n != 0 {
		t.Errorf("cancellation requested %d times after timeout", n)
	}

	after, err := l.GetState(context.Background(), "exp-1")
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if after.State != engine.ExecutionStateRunning {
		t.Errorf("state after timeout = %s, want running", after.State)
	}
}

func TestLifecycle_WaitUntilDone_DefaultTimeoutFromConfig(t *testing.T) {
	svc := newFakeService()
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.WaitTimeout = 10 * time.Millisecond
	l, err := NewLifecycle(svc, cfg)
	if err != nil {
		t.Fatalf("NewLifecycle() error = %v", err)
	}

	if _, err := l.WaitUntilDone(context.Background(), "exp-1"); !engine.IsTimeout(err) {
		t.Errorf("WaitUntilDone() error = %v, want timeout", err)
	}
}

func TestLifecycle_WaitUntilDone_ContextCancelled(t *testing.T) {
	svc := newFakeService()
	l := newTestLifecycle(t, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()

	_, err := l.WaitUntilDone(ctx, "exp-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitUntilDone() error = %v, want context deadline", err)
	}
	if engine.IsTimeout(err) {
		t.Error("context expiry should not be reported as an observation timeout")
	}
	if svc.cancelCount("exp-1") != 0 {
		t.Error("context expiry requested cancellation")
	}
}

func TestLifecycle_WaitUntilDone_PollErrorPropagates(t *testing.T) {
	svc := newFakeService()
	svc.pollErr = engine.NewTransportError("connection refused", nil)
	l := newTestLifecycle(t, svc)

	_, err := l.WaitUntilDone(context.Background(), "exp-1")
	if !errors.Is(err, svc.pollErr) {
		t.Errorf("WaitUntilDone() error = %v, want %v", err, svc.pollErr)
	}
}

func TestLifecycle_WaitUntilDone_Progress(t *testing.T) {
	svc := newFakeService()
	svc.script("exp-1",
		status(engine.ExecutionStateRunning, compiling(false), compiling(false)),
		status(engine.ExecutionStateRunning, compiling(true), compiling(false)),
		status(engine.ExecutionStateRunning, simulating(false), simulating(false)),
		status(engine.ExecutionStateDone, simulating(true), simulating(true)),
	)
	l := newTestLifecycle(t, svc)

	var compilation, simulation []float64
	_, err := l.WaitUntilDone(context.Background(), "exp-1", WithProgress(func(r engine.ProgressReport) {
		compilation = append(compilation, r.CompilationProgress())
		simulation = append(simulation, r.SimulationProgress())
	}))
	if err != nil {
		t.Fatalf("WaitUntilDone() error = %v", err)
	}

	if diff := cmp.Diff([]float64{0, 0.5, 1, 1}, compilation); diff != "" {
		t.Errorf("compilation progress mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{0, 0, 0, 1}, simulation); diff != "" {
		t.Errorf("simulation progress mismatch (-want +got):\n%s", diff)
	}
}

func TestLifecycle_WaitUntilDone_PublishesProgress(t *testing.T) {
	svc := newFakeService()
	svc.script("exp-1",
		status(engine.ExecutionStateRunning, compiling(true), compiling(false)),
		status(engine.ExecutionStateRunning, simulating(true), simulating(false)),
		status(engine.ExecutionStateDone, simulating(true), simulating(true)),
	)
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	var got [][2]float64
	events.Subscribe(func(e telemetry.Event) {
		got = append(got, [2]float64{
			e.Data["compilation_progress"].(float64),
			e.Data["simulation_progress"].(float64),
		})
	}, telemetry.FilterByType(telemetry.EventTypeProgress))
	l := newTestLifecycle(t, svc, WithEvents(events))

	if _, err := l.WaitUntilDone(context.Background(), "exp-1"); err != nil {
		t.Fatalf("WaitUntilDone() error = %v", err)
	}

	want := [][2]float64{{0.5, 0}, {1, 0.5}, {1, 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("progress events mismatch (-want +got):\n%s", diff)
	}
}

func TestLifecycle_WaitUntilDone_RegressionIsTolerated(t *testing.T) {
	svc := newFakeService()
	svc.script("exp-1",
		status(engine.ExecutionStateRunning, compiling(true)),
		status(engine.ExecutionStateRunning, compiling(false)),
		status(engine.ExecutionStateDone, simulating(true)),
	)
	l := newTestLifecycle(t, svc)

	snap, err := l.WaitUntilDone(context.Background(), "exp-1")
	if err != nil {
		t.Fatalf("WaitUntilDone() error = %v", err)
	}
	if snap.State != engine.ExecutionStateDone {
		t.Errorf("state = %s, want done", snap.State)
	}
}

func TestLifecycle_WaitUntilDone_ConcurrentWaitConflicts(t *testing.T) {
	svc := newFakeService()
	l := newTestLifecycle(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := l.WaitUntilDone(ctx, "exp-1", WithProgress(func(engine.ProgressReport) {
			select {
			case <-started:
			default:
				close(started)
			}
		}))
		done <- err
	}()
	<-started

	_, err := l.WaitUntilDone(context.Background(), "exp-1")
	if !errors.Is(err, &engine.EngineError{Class: engine.ErrorClassConflict, Code: engine.ErrCodeWaitInProgress}) {
		t.Errorf("second WaitUntilDone() error = %v, want wait conflict", err)
	}

	// A different execution is unaffected.
	svc.script("exp-2", status(engine.ExecutionStateDone))
	if _, err := l.WaitUntilDone(context.Background(), "exp-2"); err != nil {
		t.Errorf("WaitUntilDone(exp-2) error = %v", err)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("first WaitUntilDone() error = %v, want context.Canceled", err)
	}

	// The id is free again once the first wait returned.
	svc.script("exp-1", status(engine.ExecutionStateDone))
	if _, err := l.WaitUntilDone(context.Background(), "exp-1"); err != nil {
		t.Errorf("WaitUntilDone() after release error = %v", err)
	}
}

func TestLifecycle_PollsAreSerializedPerExecution(t *testing.T) {
	svc := newFakeService()
	svc.pollDelay = 2 * time.Millisecond
	l := newTestLifecycle(t, svc)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.GetState(context.Background(), "exp-1"); err != nil {
				t.Errorf("GetState() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if svc.maxInFlight != 1 {
		t.Errorf("max concurrent polls = %d, want 1", svc.maxInFlight)
	}
	if svc.pollCount("exp-1") != 8 {
		t.Errorf("polls = %d, want 8", svc.pollCount("exp-1"))
	}
	if len(l.locks) != 0 {
		t.Errorf("poll locks leaked: %d", len(l.locks))
	}
}

func TestLifecycle_GetState(t *testing.T) {
	svc := newFakeService()
	svc.script("exp-1", status(engine.ExecutionStateRunning, compiling(true), simulating(false)))
	l := newTestLifecycle(t, svc)

	snap, err := l.GetState(context.Background(), "exp-1")
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if snap.ID != "exp-1" || snap.State != engine.ExecutionStateRunning {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Progress.CompilationProgress() != 1 || snap.Progress.SimulationProgress() != 0 {
		t.Errorf("progress = %v/%v", snap.Progress.CompilationProgress(), snap.Progress.SimulationProgress())
	}
}

func TestLifecycle_GetState_InvalidState(t *testing.T) {
	svc := newFakeService()
	svc.script("exp-1", &engine.ExecutionStatus{Status: "exploded"})
	l := newTestLifecycle(t, svc)

	if _, err := l.GetState(context.Background(), "exp-1"); !engine.IsRemote(err) {
		t.Errorf("GetState() error = %v, want remote error", err)
	}
}

func TestLifecycle_CancelPropagatesWithinBound(t *testing.T) {
	tests := []struct {
		name        string
		cancelAfter int
		bound       int
		wantErr     func(error) bool
	}{
		{"observed on first poll", 1, 10, nil},
		{"observed within bound", 5, 10, nil},
		{"bound exhausted", 20, 10, engine.IsTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			svc.cancelAfter = tt.cancelAfter
			l := newTestLifecycle(t, svc)

			if err := l.Cancel(context.Background(), "exp-1"); err != nil {
				t.Fatalf("Cancel() error = %v", err)
			}
			if svc.pollCount("exp-1") != 0 {
				t.Error("Cancel() should not poll")
			}

			snap, err := l.AwaitCancellation(context.Background(), "exp-1", tt.bound)
			if tt.wantErr != nil {
				if !tt.wantErr(err) {
					t.Fatalf("AwaitCancellation() error = %v", err)
				}
				if svc.pollCount("exp-1") != tt.bound {
					t.Errorf("polls = %d, want %d", svc.pollCount("exp-1"), tt.bound)
				}
				return
			}
			if err != nil {
				t.Fatalf("AwaitCancellation() error = %v", err)
			}
			if snap.State != engine.ExecutionStateCancelled {
				t.Errorf("state = %s, want cancelled", snap.State)
			}
			if svc.pollCount("exp-1") != tt.cancelAfter {
				t.Errorf("polls = %d, want %d", svc.pollCount("exp-1"), tt.cancelAfter)
			}
		})
	}
}

func TestLifecycle_CancelDuringWait(t *testing.T) {
	svc := newFakeService()
	svc.cancelAfter = 3
	l := newTestLifecycle(t, svc)

	polled := make(chan struct{})
	type result struct {
		snap *Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := l.WaitUntilDone(context.Background(), "exp-1", WithProgress(func(engine.ProgressReport) {
			select {
			case <-polled:
			default:
				close(polled)
			}
		}))
		done <- result{snap, err}
	}()
	<-polled

	if err := l.Cancel(context.Background(), "exp-1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("WaitUntilDone() error = %v", res.err)
		}
		if res.snap.State != engine.ExecutionStateCancelled {
			t.Errorf("state = %s, want cancelled", res.snap.State)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitUntilDone() did not observe the cancellation")
	}

	if svc.cancelCount("exp-1") != 1 {
		t.Errorf("cancel requests = %d, want 1", svc.cancelCount("exp-1"))
	}
	if n := svc.pollCount("exp-1"); n < 1+svc.cancelAfter {
		t.Errorf("polls = %d, want at least %d", n, 1+svc.cancelAfter)
	}
}

func TestLifecycle_AwaitCancellation_FinishedFirst(t *testing.T) {
	svc := newFakeService()
	svc.script("exp-1", status(engine.ExecutionStateDone))
	l := newTestLifecycle(t, svc)

	snap, err := l.AwaitCancellation(context.Background(), "exp-1", 0)
	if !engine.IsConflict(err) {
		t.Errorf("AwaitCancellation() error = %v, want conflict", err)
	}
	if snap == nil || snap.State != engine.ExecutionStateDone {
		t.Errorf("snapshot = %+v, want done", snap)
	}
}

type recordingJournal struct {
	mu           sync.Mutex
	submissions  []string
	observations []engine.ExecutionState
}

func (j *recordingJournal) RecordSubmission(_ context.Context, executionID string, document []byte, caseIDs []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(document) == 0 || len(caseIDs) == 0 {
		return errors.New("empty submission")
	}
	j.submissions = append(j.submissions, executionID)
	return nil
}

func (j *recordingJournal) RecordObservation(_ context.Context, _ string, status *engine.ExecutionStatus) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.observations = append(j.observations, status.Status)
	return nil
}

func TestLifecycle_Journal(t *testing.T) {
	svc := newFakeService()
	svc.script("exp-1", status(engine.ExecutionStateRunning), status(engine.ExecutionStateDone))
	journal := &recordingJournal{}
	l := newTestLifecycle(t, svc, WithJournal(journal))

	id, err := l.Submit(context.Background(), testSpecification(t, 1))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := l.WaitUntilDone(context.Background(), id); err != nil {
		t.Fatalf("WaitUntilDone() error = %v", err)
	}

	if diff := cmp.Diff([]string{"exp-1"}, journal.submissions); diff != "" {
		t.Errorf("submissions mismatch (-want +got):\n%s", diff)
	}
	want := []engine.ExecutionState{engine.ExecutionStateRunning, engine.ExecutionStateDone}
	if diff := cmp.Diff(want, journal.observations); diff != "" {
		t.Errorf("observations mismatch (-want +got):\n%s", diff)
	}
}
