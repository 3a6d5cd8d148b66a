package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a lifecycle event of an experiment execution.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	ExecutionID string `json:"execution_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for execution events.
const (
	EventTypeExecutionSubmitted = "execution.submitted"
	EventTypeExecutionFinished  = "execution.finished"
	EventTypeExecutionFailed    = "execution.failed"
	EventTypeProgress           = "execution.progress"
	EventTypeProgressRegression = "execution.progress_regression"
	EventTypeWaitTimedOut       = "execution.wait_timeout"
	EventTypeCancelRequested    = "execution.cancel_requested"
	EventTypePolicyViolation    = "policy.violation"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers. Synchronous publishers
// deliver on the caller's goroutine in subscription order.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishExecutionSubmitted publishes a submission event.
func (ep *EventPublisher) PublishExecutionSubmitted(executionID string, caseCount int) error {
	return ep.Publish(Event{
		Type:        EventTypeExecutionSubmitted,
		Source:      "lifecycle",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s submitted with %d cases", executionID, caseCount),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"case_count": caseCount,
		},
	})
}

// PublishExecutionFinished publishes a terminal state observation.
func (ep *EventPublisher) PublishExecutionFinished(executionID, state string, waited time.Duration) error {
	level := EventLevelInfo
	eventType := EventTypeExecutionFinished
	if state == "failed" {
		level = EventLevelError
		eventType = EventTypeExecutionFailed
	}
	return ep.Publish(Event{
		Type:        eventType,
		Source:      "lifecycle",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s finished: %s", executionID, state),
		Level:       level,
		Data: map[string]interface{}{
			"state":    state,
			"duration": waited.Seconds(),
		},
	})
}

// PublishProgress publishes the fractions observed by one poll.
func (ep *EventPublisher) PublishProgress(executionID string, compilation, simulation float64) error {
	return ep.Publish(Event{
		Type:        EventTypeProgress,
		Source:      "lifecycle",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s progress: compilation %.0f%%, simulation %.0f%%", executionID, compilation*100, simulation*100),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"compilation_progress": compilation,
			"simulation_progress":  simulation,
		},
	})
}

// PublishProgressRegression publishes a drop in the finished case count.
func (ep *EventPublisher) PublishProgressRegression(executionID string, previous, current int) error {
	return ep.Publish(Event{
		Type:        EventTypeProgressRegression,
		Source:      "lifecycle",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s finished cases dropped from %d to %d", executionID, previous, current),
		Level:       EventLevelWarning,
		Data: map[string]interface{}{
			"previous": previous,
			"current":  current,
		},
	})
}

// PublishWaitTimedOut publishes an expired observation deadline.
func (ep *EventPublisher) PublishWaitTimedOut(executionID string, timeout time.Duration) error {
	return ep.Publish(Event{
		Type:        EventTypeWaitTimedOut,
		Source:      "lifecycle",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Stopped waiting for execution %s after %s", executionID, timeout),
		Level:       EventLevelWarning,
		Data: map[string]interface{}{
			"timeout": timeout.Seconds(),
		},
	})
}

// PublishCancelRequested publishes a cancellation request.
func (ep *EventPublisher) PublishCancelRequested(executionID string) error {
	return ep.Publish(Event{
		Type:        EventTypeCancelRequested,
		Source:      "lifecycle",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Cancellation requested for execution %s", executionID),
		Level:       EventLevelInfo,
	})
}

// PublishPolicyViolation publishes a policy violation that blocked a submission.
func (ep *EventPublisher) PublishPolicyViolation(workspaceID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypePolicyViolation,
		Source:      "policy_engine",
		WorkspaceID: workspaceID,
		Message:     fmt.Sprintf("Policy violation in workspace %s: %s - %s", workspaceID, policyName, reason),
		Level:       EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByExecutionID creates a filter that only allows events for one execution.
func FilterByExecutionID(executionID string) EventFilter {
	return func(event Event) bool {
		return event.ExecutionID == executionID
	}
}
