// Package alerting forwards detected threats to a NATS subject.
package alerting

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/events"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/logging"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/metrics"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/models"
)

// DefaultSubject is the subject threats are published on.
const DefaultSubject = "nids.threats"

// Publisher is the part of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config configures a Forwarder.
type Config struct {
	URL     string
	Subject string
	// Name identifies this sensor in published alerts.
	Name string
	// DedupSize bounds the number of remembered flows.
	DedupSize int
	// DedupWindow suppresses repeat alerts for the same flow. Zero disables
	// suppression.
	DedupWindow time.Duration
}

// DefaultConfig returns the default forwarding configuration.
func DefaultConfig() Config {
	return Config{
		Subject:     DefaultSubject,
		Name:        "nids",
		DedupSize:   1024,
		DedupWindow: 30 * time.Second,
	}
}

// Alert is the message published for one threat.
type Alert struct {
	ID         string    `json:"id"`
	Sensor     string    `json:"sensor"`
	DetectedAt time.Time `json:"detected_at"`
	SrcIP      string    `json:"source_ip"`
	SrcPort    uint16    `json:"source_port"`
	DstIP      string    `json:"dest_ip"`
	DstPort    uint16    `json:"dest_port"`
	Protocol   string    `json:"protocol"`
	Size       uint32    `json:"size"`
	Flags      string    `json:"flags"`
	Score      float64   `json:"threat_score"`
	Threshold  float64   `json:"threshold"`
	Simulated  bool      `json:"simulated"`
}

// NewAlert converts a threat into its published form.
func NewAlert(sensor string, threat *models.ThreatEvent) Alert {
	pkt := threat.Packet
	protocol := pkt.Protocol
	if protocol == "" {
		protocol = strconv.Itoa(int(pkt.IPProto))
	}
	return Alert{
		ID:         threat.ID,
		Sensor:     sensor,
		DetectedAt: threat.DetectedAt,
		SrcIP:      pkt.SrcIP.String(),
		SrcPort:    pkt.SrcPort,
		DstIP:      pkt.DstIP.String(),
		DstPort:    pkt.DstPort,
		Protocol:   protocol,
		Size:       pkt.Length,
		Flags:      threat.Flags,
		Score:      threat.Score,
		Threshold:  threat.Threshold,
		Simulated:  pkt.Simulated,
	}
}

// Stats holds forwarding counters.
type Stats struct {
	Published  uint64 `json:"published"`
	Suppressed uint64 `json:"suppressed"`
	Failed     uint64 `json:"failed"`
}

var _ Publisher = (*nats.Conn)(nil)

// Forwarder publishes threat events, suppressing repeats of the same flow
// inside the dedup window.
type Forwarder struct {
	pub     Publisher
	conn    *nats.Conn
	subject string
	sensor  string
	window  time.Duration
	seen    *lru.Cache[string, time.Time]
	now     func() time.Time
	logger  *logging.Logger

	bus   *events.EventBus
	subID events.SubscriptionID

	published  atomic.Uint64
	suppressed atomic.Uint64
	failed     atomic.Uint64
}

// Connect dials NATS at cfg.URL and returns a forwarder publishing on it.
func Connect(cfg Config) (*Forwarder, error) {
	if cfg.URL == "" {
		return nil, errors.New("alerting: NATS URL is required")
	}

	name := cfg.Name
	if name == "" {
		name = "nids"
	}
	logger := logging.AlertLogger()

	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", logging.Err(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("alerting: connect %s: %w", cfg.URL, err)
	}

	f, err := NewForwarder(nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	f.conn = nc
	logger.Info("alert forwarding enabled", "url", cfg.URL, "subject", f.subject)
	return f, nil
}

// NewForwarder creates a forwarder over an existing publisher.
func NewForwarder(pub Publisher, cfg Config) (*Forwarder, error) {
	if pub == nil {
		return nil, errors.New("alerting: publisher cannot be nil")
	}

	defaults := DefaultConfig()
	if cfg.Subject == "" {
		cfg.Subject = defaults.Subject
	}
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = defaults.DedupSize
	}

	seen, err := lru.New[string, time.Time](cfg.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("alerting: dedup cache: %w", err)
	}

	return &Forwarder{
		pub:     pub,
		subject: cfg.Subject,
		sensor:  cfg.Name,
		window:  cfg.DedupWindow,
		seen:    seen,
		now:     time.Now,
		logger:  logging.AlertLogger(),
	}, nil
}

// Attach subscribes the forwarder to threat events on bus. Close detaches it.
func (f *Forwarder) Attach(bus *events.EventBus) {
	f.Detach()
	f.bus = bus
	f.subID = bus.Subscribe(events.EventThreatDetected, func(e *events.Event) {
		threat, ok := e.Data.(*models.ThreatEvent)
		if !ok {
			return
		}
		if _, err := f.Forward(threat); err != nil {
			f.logger.Warn("failed to publish threat", "threat_id", threat.ID, logging.Err(err))
		}
	})
}

// Forward publishes one threat. It reports false without error when the
// threat was suppressed as a repeat.
func (f *Forwarder) Forward(threat *models.ThreatEvent) (bool, error) {
	if threat == nil {
		return false, nil
	}

	now := f.now()
	key := flowKey(threat)
	if f.window > 0 {
		if last, ok := f.seen.Get(key); ok && now.Sub(last) < f.window {
			f.suppressed.Add(1)
			return false, nil
		}
	}

	data, err := json.Marshal(NewAlert(f.sensor, threat))
	if err != nil {
		f.failed.Add(1)
		metrics.AlertPublishErrors.Inc()
		return false, fmt.Errorf("alerting: encode alert: %w", err)
	}

	if err := f.pub.Publish(f.subject, data); err != nil {
		f.failed.Add(1)
		metrics.AlertPublishErrors.Inc()
		return false, fmt.Errorf("alerting: publish %s: %w", f.subject, err)
	}

	f.seen.Add(key, now)
	f.published.Add(1)
	metrics.AlertsPublished.Inc()
	return true, nil
}

// Stats returns forwarding counters.
func (f *Forwarder) Stats() Stats {
	return Stats{
		Published:  f.published.Load(),
		Suppressed: f.suppressed.Load(),
		Failed:     f.failed.Load(),
	}
}

// Detach stops forwarding threats from the attached bus.
func (f *Forwarder) Detach() {
	if f.bus == nil {
		return
	}
	f.bus.Unsubscribe(events.EventThreatDetected, f.subID)
	f.bus = nil
}

// Close detaches from the bus, then drains and closes the NATS connection if
// the forwarder owns one.
func (f *Forwarder) Close() error {
	f.Detach()
	if f.conn == nil {
		return nil
	}
	return f.conn.Drain()
}

// flowKey identifies the flow a threat belongs to.
func flowKey(threat *models.ThreatEvent) string {
	pkt := threat.Packet
	return fmt.Sprintf("%s:%d>%s:%d/%d", pkt.SrcIP, pkt.SrcPort, pkt.DstIP, pkt.DstPort, pkt.IPProto)
}
