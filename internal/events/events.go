// Package events provides the event system between the detection loop and
// its consumers: the display API, alert forwarding and tests.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/models"
)

// EventType defines the type of event.
type EventType string

const (
	// Capture events
	EventCaptureStarted EventType = "capture:started"
	EventCaptureError   EventType = "capture:error"

	// Monitor events
	EventMonitorTick    EventType = "monitor:tick"
	EventMonitorStopped EventType = "monitor:stopped"

	// Scoring events
	EventThreatDetected EventType = "threat:detected"
	EventScoringError   EventType = "scoring:error"
	EventRecordDropped  EventType = "record:dropped"

	// Model events
	EventModelFallback EventType = "model:fallback"
)

// Event represents an event delivered to subscribers.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp int64       `json:"timestamp"` // Nanosecond precision
	Data      interface{} `json:"data"`
}

// CaptureStarted is the payload of EventCaptureStarted. Fallback is set when
// the simulator replaced an unavailable interface.
type CaptureStarted struct {
	Mode      string `json:"mode"`
	Interface string `json:"interface,omitempty"`
	Fallback  bool   `json:"fallback"`
	Reason    string `json:"reason,omitempty"`
}

// RecordError is the payload of EventScoringError and EventRecordDropped.
type RecordError struct {
	PacketID string `json:"packet_id,omitempty"`
	Reason   string `json:"reason"`
	Error    string `json:"error,omitempty"`
}

// MonitorStopped is the payload of EventMonitorStopped.
type MonitorStopped struct {
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// ModelFallback is the payload of EventModelFallback.
type ModelFallback struct {
	Artifact string `json:"artifact"`
	Path     string `json:"path"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

// EventHandler is a function that handles events.
type EventHandler func(event *Event)

// SubscriptionID identifies one Subscribe call.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler EventHandler
}

// EventBus manages event distribution and batching.
type EventBus struct {
	handlers      map[EventType][]subscription
	globalHandler EventHandler
	nextID        SubscriptionID
	mu            sync.RWMutex

	// Batching configuration
	batchInterval time.Duration
	batchSize     int
	batchEnabled  bool

	// Batch state
	batchMu      sync.Mutex
	currentBatch []*Event
	batchTimer   *time.Timer

	// Statistics
	eventsEmitted atomic.Uint64
	eventsBatched atomic.Uint64
	batchesSent   atomic.Uint64
}

// EventBusConfig holds configuration for the event bus.
type EventBusConfig struct {
	// BatchInterval is the maximum time to wait before sending a batch.
	// Default: 50ms
	BatchInterval time.Duration

	// BatchSize is the maximum number of events per batch.
	// Default: 100
	BatchSize int

	// EnableBatching enables event batching.
	// Default: true
	EnableBatching bool
}

// DefaultEventBusConfig returns a sensible default configuration.
func DefaultEventBusConfig() *EventBusConfig {
	return &EventBusConfig{
		BatchInterval:  50 * time.Millisecond,
		BatchSize:      100,
		EnableBatching: true,
	}
}

// NewEventBus creates a new event bus.
func NewEventBus(cfg *EventBusConfig) *EventBus {
	if cfg == nil {
		cfg = DefaultEventBusConfig()
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	batchInterval := cfg.BatchInterval
	if batchInterval <= 0 {
		batchInterval = 50 * time.Millisecond
	}

	return &EventBus{
		handlers:      make(map[EventType][]subscription),
		batchInterval: batchInterval,
		batchSize:     batchSize,
		batchEnabled:  cfg.EnableBatching,
		currentBatch:  make([]*Event, 0, batchSize),
	}
}

// SetGlobalHandler sets a handler that receives all events.
func (eb *EventBus) SetGlobalHandler(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.globalHandler = handler
}

// Subscribe adds a handler for eventType and returns its id for Unsubscribe.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) SubscriptionID {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	eb.handlers[eventType] = append(eb.handlers[eventType], subscription{id: eb.nextID, handler: handler})
	return eb.nextID
}

// Unsubscribe removes one handler. Unknown ids are ignored.
func (eb *EventBus) Unsubscribe(eventType EventType, id SubscriptionID) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.handlers[eventType]
	kept := make([]subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.id != id {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(eb.handlers, eventType)
		return
	}
	eb.handlers[eventType] = kept
}

// Emit emits an event to all registered handlers.
func (eb *EventBus) Emit(eventType EventType, data interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now().UnixNano(),
		Data:      data,
	}

	if eb.batchEnabled {
		eb.addToBatch(event)
	} else {
		eb.dispatchEvent(event)
	}
}

// EmitImmediate emits an event immediately, bypassing batching.
func (eb *EventBus) EmitImmediate(eventType EventType, data interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now().UnixNano(),
		Data:      data,
	}
	eb.dispatchEvent(event)
}

// addToBatch adds an event to the current batch.
func (eb *EventBus) addToBatch(event *Event) {
	eb.batchMu.Lock()
	defer eb.batchMu.Unlock()

	eb.currentBatch = append(eb.currentBatch, event)
	eb.eventsBatched.Add(1)

	// Start timer if this is the first event in the batch
	if len(eb.currentBatch) == 1 {
		eb.batchTimer = time.AfterFunc(eb.batchInterval, eb.flushBatch)
	}

	// Flush if batch is full
	if len(eb.currentBatch) >= eb.batchSize {
		eb.flushBatchLocked()
	}
}

// flushBatch flushes the current batch.
func (eb *EventBus) flushBatch() {
	eb.batchMu.Lock()
	defer eb.batchMu.Unlock()
	eb.flushBatchLocked()
}

// flushBatchLocked flushes the batch (must be called with lock held).
func (eb *EventBus) flushBatchLocked() {
	if len(eb.currentBatch) == 0 {
		return
	}

	// Stop timer if running
	if eb.batchTimer != nil {
		eb.batchTimer.Stop()
		eb.batchTimer = nil
	}

	for _, event := range eb.currentBatch {
		eb.dispatchEvent(event)
	}

	eb.batchesSent.Add(1)
	eb.currentBatch = eb.currentBatch[:0]
}

// dispatchEvent dispatches an event to handlers.
func (eb *EventBus) dispatchEvent(event *Event) {
	eb.mu.RLock()
	global := eb.globalHandler
	subs := eb.handlers[event.Type]
	eb.mu.RUnlock()

	eb.eventsEmitted.Add(1)

	if global != nil {
		global(event)
	}
	for _, sub := range subs {
		sub.handler(event)
	}
}

// Flush forces a flush of any pending batched events.
func (eb *EventBus) Flush() {
	eb.flushBatch()
}

// Stats returns event bus statistics.
func (eb *EventBus) Stats() (emitted, batched, batches uint64) {
	return eb.eventsEmitted.Load(), eb.eventsBatched.Load(), eb.batchesSent.Load()
}

// Helper functions for common event types

// EmitTick emits a display snapshot. Ticks are batched.
func (eb *EventBus) EmitTick(snapshot interface{}) {
	eb.Emit(EventMonitorTick, snapshot)
}

// EmitThreat emits a threat detection event.
func (eb *EventBus) EmitThreat(threat *models.ThreatEvent) {
	eb.EmitImmediate(EventThreatDetected, threat)
}

// EmitCaptureStarted emits the mode a session is running in.
func (eb *EventBus) EmitCaptureStarted(data CaptureStarted) {
	eb.EmitImmediate(EventCaptureStarted, data)
}

// EmitCaptureError emits a failed capture start.
func (eb *EventBus) EmitCaptureError(err error, iface string) {
	eb.EmitImmediate(EventCaptureError, map[string]interface{}{
		"error":     err.Error(),
		"interface": iface,
	})
}

// EmitScoringError emits a per-record scoring failure.
func (eb *EventBus) EmitScoringError(packetID string, err error) {
	eb.Emit(EventScoringError, RecordError{PacketID: packetID, Reason: "scoring", Error: err.Error()})
}

// EmitRecordDropped emits a record that never reached the history.
func (eb *EventBus) EmitRecordDropped(packetID, reason string, err error) {
	data := RecordError{PacketID: packetID, Reason: reason}
	if err != nil {
		data.Error = err.Error()
	}
	eb.Emit(EventRecordDropped, data)
}

// EmitMonitorStopped emits the reason a monitoring session ended.
func (eb *EventBus) EmitMonitorStopped(reason string, err error) {
	data := MonitorStopped{Reason: reason}
	if err != nil {
		data.Error = err.Error()
	}
	eb.EmitImmediate(EventMonitorStopped, data)
}

// EmitModelFallback emits an artifact that was replaced by its default.
func (eb *EventBus) EmitModelFallback(data ModelFallback) {
	eb.EmitImmediate(EventModelFallback, data)
}

// JSON returns the JSON representation of an event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// BatchedEvents represents a batch of events for efficient transmission.
type BatchedEvents struct {
	Events    []*Event `json:"events"`
	Count     int      `json:"count"`
	Timestamp int64    `json:"timestamp"`
}

// NewBatchedEvents creates a new batched events container.
func NewBatchedEvents(events []*Event) *BatchedEvents {
	return &BatchedEvents{
		Events:    events,
		Count:     len(events),
		Timestamp: time.Now().UnixNano(),
	}
}

// JSON returns the JSON representation of batched events.
func (be *BatchedEvents) JSON() ([]byte, error) {
	return json.Marshal(be)
}

// Recorder keeps the most recent events for polling consumers.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
	next   int
	full   bool
}

// NewRecorder creates a recorder holding up to capacity events.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 256
	}
	return &Recorder{events: make([]*Event, capacity)}
}

// Handle records an event. It can be passed to Subscribe or SetGlobalHandler.
func (r *Recorder) Handle(event *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.next] = event
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns up to n recorded events, oldest first.
func (r *Recorder) Recent(n int) *BatchedEvents {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.events)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]*Event, 0, n)
	for i := size - n; i < size; i++ {
		idx := i
		if r.full {
			idx = (r.next + i) % len(r.events)
		}
		out = append(out, r.events[idx])
	}
	return NewBatchedEvents(out)
}
