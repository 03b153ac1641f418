// Package mocks provides mock implementations for testing NIDS components
package mocks

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/alerting"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/capture"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/events"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/ml"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/models"
)

// =============================================================================
// Mock Capture Source
// =============================================================================

// MockSource replays a fixed set of records and then reports that it ended.
type MockSource struct {
	mu           sync.Mutex
	packets      []*models.Packet
	handler      capture.PacketHandler
	stats        models.CaptureStats
	errorOnStart error
	endErr       error
	delay        time.Duration

	stopOnce sync.Once
	done     chan struct{}
	err      atomic.Value
}

var _ capture.Source = (*MockSource)(nil)

// NewMockSource creates a mock source replaying packets.
func NewMockSource(packets []*models.Packet) *MockSource {
	return &MockSource{
		packets: packets,
		stats:   models.CaptureStats{Mode: "mock", Interface: "mock0"},
		done:    make(chan struct{}),
	}
}

// SetErrorOnStart sets an error to return on Start
func (m *MockSource) SetErrorOnStart(err error) {
	m.errorOnStart = err
}

// SetEndError sets the error reported through Err once all records are replayed.
func (m *MockSource) SetEndError(err error) {
	m.endErr = err
}

// SetDelay sets the delay between packets
func (m *MockSource) SetDelay(d time.Duration) {
	m.delay = d
}

// Start implements capture.Source
func (m *MockSource) Start(ctx context.Context) error {
	if m.errorOnStart != nil {
		return m.errorOnStart
	}

	m.mu.Lock()
	m.stats.StartTime = time.Now()
	m.mu.Unlock()

	go func() {
		defer m.finish(m.endErr)
		for _, pkt := range m.packets {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			default:
			}

			m.mu.Lock()
			handler := m.handler
			m.stats.PacketsReceived++
			m.stats.BytesReceived += uint64(pkt.Length)
			m.stats.LastUpdate = time.Now()
			m.mu.Unlock()

			if handler != nil {
				handler(pkt)
			}
			if m.delay > 0 {
				time.Sleep(m.delay)
			}
		}
	}()
	return nil
}

func (m *MockSource) finish(err error) {
	m.stopOnce.Do(func() {
		if err != nil {
			m.err.Store(err)
		}
		close(m.done)
	})
}

// Stop implements capture.Source
func (m *MockSource) Stop() error {
	m.finish(nil)
	return nil
}

// Stats implements capture.Source
func (m *MockSource) Stats() *models.CaptureStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.stats
	return &stats
}

// SetHandler implements capture.Source
func (m *MockSource) SetHandler(handler capture.PacketHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// SetBPFFilter implements capture.Source
func (m *MockSource) SetBPFFilter(filter string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.CaptureFilter = filter
	return nil
}

// Done implements capture.Source
func (m *MockSource) Done() <-chan struct{} {
	return m.done
}

// Err implements capture.Source
func (m *MockSource) Err() error {
	if err, ok := m.err.Load().(error); ok {
		return err
	}
	return nil
}

// Factory returns a source factory that always hands out m.
func (m *MockSource) Factory() func(*capture.Config) (capture.Source, error) {
	return func(*capture.Config) (capture.Source, error) { return m, nil }
}

// =============================================================================
// Mock Classifier
// =============================================================================

// MockClassifier returns scripted scores, then Default once the script runs out.
type MockClassifier struct {
	mu      sync.Mutex
	scores  []float64
	Default float64
	Err     error
	Delay   time.Duration

	calls atomic.Uint64
}

var _ ml.Classifier = (*MockClassifier)(nil)

// NewMockClassifier creates a classifier that always returns score.
func NewMockClassifier(score float64) *MockClassifier {
	return &MockClassifier{Default: score}
}

// Script queues scores returned before Default.
func (m *MockClassifier) Script(scores ...float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = append(m.scores, scores...)
}

// PredictProba implements ml.Classifier
func (m *MockClassifier) PredictProba(ctx context.Context, _ ml.ScaledVector) (float64, error) {
	m.calls.Add(1)
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if m.Err != nil {
		return 0, m.Err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.scores) == 0 {
		return m.Default, nil
	}
	score := m.scores[0]
	m.scores = m.scores[1:]
	return score, nil
}

// Calls returns the number of PredictProba calls.
func (m *MockClassifier) Calls() uint64 {
	return m.calls.Load()
}

// =============================================================================
// Mock Publisher
// =============================================================================

// MockPublisher records published alerts.
type MockPublisher struct {
	mu       sync.Mutex
	subjects []string
	alerts   []alerting.Alert
	err      error
}

var _ alerting.Publisher = (*MockPublisher)(nil)

// NewMockPublisher creates an empty publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// SetError makes every later Publish fail with err.
func (m *MockPublisher) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Publish implements alerting.Publisher
func (m *MockPublisher) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	var alert alerting.Alert
	if err := json.Unmarshal(data, &alert); err != nil {
		return err
	}
	m.subjects = append(m.subjects, subject)
	m.alerts = append(m.alerts, alert)
	return nil
}

// Alerts returns a copy of the published alerts.
func (m *MockPublisher) Alerts() []alerting.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]alerting.Alert(nil), m.alerts...)
}

// Subjects returns the subjects published on, in order.
func (m *MockPublisher) Subjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subjects...)
}

// =============================================================================
// Event Collector
// =============================================================================

// EventCollector records every event dispatched by a bus.
type EventCollector struct {
	mu     sync.Mutex
	events []*events.Event
}

// NewEventCollector creates a collector installed as bus's global handler.
func NewEventCollector(bus *events.EventBus) *EventCollector {
	c := &EventCollector{}
	bus.SetGlobalHandler(c.Handle)
	return c
}

// Handle implements events.EventHandler
func (c *EventCollector) Handle(e *events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

// Events returns a copy of the collected events.
func (c *EventCollector) Events() []*events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*events.Event(nil), c.events...)
}

// ByType returns the collected events of type t.
func (c *EventCollector) ByType(t events.EventType) []*events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*events.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops the collected events.
func (c *EventCollector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}
