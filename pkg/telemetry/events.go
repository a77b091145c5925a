package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a notable occurrence in the tick engine.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// Tick is the tick number the event belongs to, if applicable.
	Tick uint64 `json:"tick,omitempty"`

	// Stage is the stage that was running, if applicable.
	Stage string `json:"stage,omitempty"`

	// ManagerID is the associated manager, if applicable.
	ManagerID string `json:"manager_id,omitempty"`

	// Region is the associated region key, if applicable.
	Region string `json:"region,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeTickCompleted       = "tick.completed"
	EventTypeTickOverrun         = "tick.overrun"
	EventTypeManagerRegistered   = "manager.registered"
	EventTypeManagerDeregistered = "manager.deregistered"
	EventTypeManagerFailed       = "manager.failed"
	EventTypeUpdateStorm         = "tick.update_storm"
	EventTypeSectionGenerated    = "section.generated"
	EventTypeGenerationFailed    = "section.generation_failed"
	EventTypeError               = "error"
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
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			// Buffer full, drop event or log warning
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishTickCompleted publishes a tick completed event.
func (ep *EventPublisher) PublishTickCompleted(tick uint64, duration time.Duration, updates int) error {
	return ep.Publish(Event{
		Type:    EventTypeTickCompleted,
		Source:  "orchestrator",
		Tick:    tick,
		Message: fmt.Sprintf("Tick %d completed in %s", tick, duration),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
			"updates":  updates,
		},
	})
}

// PublishTickOverrun publishes an event for a tick that started late.
func (ep *EventPublisher) PublishTickOverrun(tick uint64, behind time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeTickOverrun,
		Source:  "orchestrator",
		Tick:    tick,
		Message: fmt.Sprintf("Tick %d started %s behind schedule", tick, behind),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"behind": behind.Seconds(),
		},
	})
}

// PublishManagerRegistration publishes a manager registration change.
func (ep *EventPublisher) PublishManagerRegistration(tick uint64, managerID string, registered bool) error {
	eventType, verb := EventTypeManagerRegistered, "registered"
	if !registered {
		eventType, verb = EventTypeManagerDeregistered, "deregistered"
	}
	return ep.Publish(Event{
		Type:      eventType,
		Source:    "orchestrator",
		Tick:      tick,
		ManagerID: managerID,
		Message:   fmt.Sprintf("Manager %s %s at tick %d", managerID, verb, tick),
		Level:     EventLevelInfo,
	})
}

// PublishManagerFailed publishes a manager callback failure.
func (ep *EventPublisher) PublishManagerFailed(tick uint64, stage, managerID, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeManagerFailed,
		Source:    "orchestrator",
		Tick:      tick,
		Stage:     stage,
		ManagerID: managerID,
		Message:   fmt.Sprintf("Manager %s failed in %s: %s", managerID, stage, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishUpdateStorm publishes an event for a convergence loop that hit its threshold.
func (ep *EventPublisher) PublishUpdateStorm(tick uint64, updates int64, threshold int64) error {
	return ep.Publish(Event{
		Type:    EventTypeUpdateStorm,
		Source:  "orchestrator",
		Tick:    tick,
		Message: fmt.Sprintf("Tick %d reached update threshold (%d/%d)", tick, updates, threshold),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"updates":   updates,
			"threshold": threshold,
		},
	})
}

// PublishSectionGenerated publishes a section generation event.
func (ep *EventPublisher) PublishSectionGenerated(region string, section int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeSectionGenerated,
		Source:  "region",
		Region:  region,
		Message: fmt.Sprintf("Region %s section %d generated", region, section),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"section":  section,
			"duration": duration.Seconds(),
		},
	})
}

// PublishGenerationFailed publishes a section generation failure.
func (ep *EventPublisher) PublishGenerationFailed(region string, section, attempt int, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeGenerationFailed,
		Source:  "region",
		Region:  region,
		Message: fmt.Sprintf("Region %s section %d generation failed (attempt %d): %s", region, section, attempt, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"section": section,
			"attempt": attempt,
			"reason":  reason,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents processes events from the buffer asynchronously. Batches are
// delivered when full or when the flush interval elapses.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	var flush <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		flush = ticker.C
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Flush batch if it reaches max size
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-flush:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Drain whatever is still buffered before shutting down
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Call subscriber in a goroutine to avoid blocking
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
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

// Common event filters.

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

// LogEvents returns a subscriber writing each event to logger, at error level
// for error events and warn level otherwise.
func LogEvents(logger *Logger) EventSubscriber {
	return func(event Event) {
		zlog := logger.Zerolog()
		entry := zlog.Warn()
		if event.Level == EventLevelError {
			entry = zlog.Error()
		}
		entry = entry.
			Str("event_id", event.ID).
			Str("event_type", event.Type).
			Str("source", event.Source)
		if event.Tick != 0 {
			entry = entry.Uint64("tick", event.Tick)
		}
		if event.Stage != "" {
			entry = entry.Str("stage", event.Stage)
		}
		if event.ManagerID != "" {
			entry = entry.Str("manager_id", event.ManagerID)
		}
		if event.Region != "" {
			entry = entry.Str("region", event.Region)
		}
		if len(event.Data) > 0 {
			entry = entry.Fields(event.Data)
		}
		entry.Msg(event.Message)
	}
}
