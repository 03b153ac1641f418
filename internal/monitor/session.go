package monitor

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/models"
)

// Display tail sizes.
const (
	PacketTailSize = 100
	ThreatTailSize = 50

	// DefaultHistorySize is the packet history capacity of a session.
	DefaultHistorySize = 10000
)

// PacketEntry is one row of packet history.
type PacketEntry struct {
	Packet *models.Packet `json:"packet"`
	Score  float64        `json:"threat_score"`
	// Scored is false when the classifier failed for this record.
	Scored   bool       `json:"scored"`
	IsThreat bool       `json:"is_threat"`
	Features [4]float64 `json:"features"`
	Error    string     `json:"error,omitempty"`
}

// Session is the rolling history of one monitoring session. Counters and
// history are updated together under one lock, so readers always observe
// threats <= total.
type Session struct {
	id        string
	startedAt time.Time

	mu      sync.RWMutex
	packets []PacketEntry
	next    int
	full    bool
	threats []*models.ThreatEvent
	total   uint64
	mode    string
}

// NewSession creates an empty session holding up to capacity packets.
func NewSession(capacity int) *Session {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &Session{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		packets:   make([]PacketEntry, capacity),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Mode returns the capture mode of the most recent run.
func (s *Session) Mode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *Session) setMode(mode string) {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
}

// Record appends a packet row and, when threat is non-nil, a threat row.
func (s *Session) Record(entry PacketEntry, threat *models.ThreatEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.packets[s.next] = entry
	s.next = (s.next + 1) % len(s.packets)
	if s.next == 0 {
		s.full = true
	}
	s.total++

	if threat != nil {
		s.threats = append(s.threats, threat)
	}
}

// Counts returns the total packet and threat counters.
func (s *Session) Counts() (total, threats uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total, uint64(len(s.threats))
}

// PacketTail returns the most recent n packet rows, oldest first.
func (s *Session) PacketTail(n int) []PacketEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.packetTailLocked(n)
}

func (s *Session) packetTailLocked(n int) []PacketEntry {
	size := s.next
	if s.full {
		size = len(s.packets)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]PacketEntry, 0, n)
	for i := size - n; i < size; i++ {
		idx := i
		if s.full {
			idx = (s.next + i) % len(s.packets)
		}
		out = append(out, s.packets[idx])
	}
	return out
}

// ThreatTail returns the most recent n threats, newest first.
func (s *Session) ThreatTail(n int) []*models.ThreatEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threatTailLocked(n)
}

func (s *Session) threatTailLocked(n int) []*models.ThreatEvent {
	if n <= 0 || n > len(s.threats) {
		n = len(s.threats)
	}
	out := make([]*models.ThreatEvent, 0, n)
	for i := len(s.threats) - 1; i >= len(s.threats)-n; i-- {
		out = append(out, s.threats[i])
	}
	return out
}

// View is a consistent read of a session's counters and display tails.
type View struct {
	SessionID       string                `json:"session_id"`
	TotalPackets    uint64                `json:"total_packets"`
	ThreatsDetected uint64                `json:"threats_detected"`
	HealthScore     float64               `json:"health_score"`
	PacketTail      []PacketEntry         `json:"packet_history_tail"`
	ThreatTail      []*models.ThreatEvent `json:"threat_history_tail"`
}

// View returns counters and tails taken under a single lock.
func (s *Session) View(packetTail, threatTail int) View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	threats := uint64(len(s.threats))
	return View{
		SessionID:       s.id,
		TotalPackets:    s.total,
		ThreatsDetected: threats,
		HealthScore:     HealthScore(s.total, threats),
		PacketTail:      s.packetTailLocked(packetTail),
		ThreatTail:      s.threatTailLocked(threatTail),
	}
}

// HealthScore is 100 minus the percentage of records flagged as threats.
func HealthScore(total, threats uint64) float64 {
	denom := total
	if denom < 1 {
		denom = 1
	}
	return 100 - float64(threats)/float64(denom)*100
}
