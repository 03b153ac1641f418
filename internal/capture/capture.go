// Package capture provides the packet sources feeding the detection loop.
// It supports live capture through libpcap or AF_PACKET, offline PCAP files
// and a synthetic traffic simulator.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/logging"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/models"
)

var (
	// ErrCaptureUnavailable is returned when no usable capture source can be
	// started: missing interface, interface down or insufficient privileges.
	ErrCaptureUnavailable = errors.New("capture: capture source unavailable")

	// ErrPermissionDenied marks capture failures caused by missing privileges.
	ErrPermissionDenied = errors.New("capture: permission denied")

	// ErrSourceClosed is reported when a live source stops delivering packets
	// without being stopped.
	ErrSourceClosed = errors.New("capture: source closed unexpectedly")

	// ErrUnknownMode is returned by ParseMode for unrecognised mode names.
	ErrUnknownMode = errors.New("capture: unknown mode")
)

// Mode defines the packet capture method.
type Mode string

const (
	// ModeLive captures from an interface through libpcap.
	ModeLive Mode = "live"
	// ModeAFPacket captures from an interface with AF_PACKET TPACKET_V3.
	ModeAFPacket Mode = "afpacket"
	// ModePCAP reads from a PCAP file.
	ModePCAP Mode = "pcap"
	// ModeSimulation generates synthetic records.
	ModeSimulation Mode = "simulation"
)

// ParseMode converts a mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeLive, ModeAFPacket, ModePCAP, ModeSimulation:
		return m, nil
	case "":
		return ModeLive, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownMode, s)
	}
}

// IsLive reports whether the mode captures from a network interface.
func (m Mode) IsLive() bool {
	return m == ModeLive || m == ModeAFPacket
}

// Config holds the configuration for a capture source.
type Config struct {
	// Interface is the network interface to capture from.
	Interface string

	// Mode specifies the capture method.
	Mode Mode

	// PcapFile is the path to a PCAP file (only used in ModePCAP).
	PcapFile string

	// SnapLen is the maximum bytes to capture per packet.
	SnapLen int

	// Promiscuous enables promiscuous mode on the interface.
	Promiscuous bool

	// BPFFilter is an optional BPF filter expression.
	BPFFilter string

	// RingBufferSize is the AF_PACKET ring size in bytes. Default is 16MB.
	RingBufferSize int

	// SimulationInterval is how often the simulator emits a batch.
	SimulationInterval time.Duration

	// SimulationBatch is the number of records per simulated batch.
	SimulationBatch int

	// SimulationSeed seeds the simulator. Zero picks a time-based seed.
	SimulationSeed uint64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(iface string) *Config {
	return &Config{
		Interface:          iface,
		Mode:               ModeLive,
		SnapLen:            65535,
		Promiscuous:        true,
		RingBufferSize:     16 * 1024 * 1024,
		SimulationInterval: time.Second,
		SimulationBatch:    10,
	}
}

func (c *Config) snapLen() int {
	if c.SnapLen <= 0 {
		return 65535
	}
	return c.SnapLen
}

func (c *Config) ringBufferSize() int {
	if c.RingBufferSize <= 0 {
		return 16 * 1024 * 1024
	}
	return c.RingBufferSize
}

// PacketHandler receives each record a source produces. It runs on the
// source's goroutine and must not block.
type PacketHandler func(pkt *models.Packet)

// Source is the interface for all capture sources.
type Source interface {
	// Start begins packet capture.
	Start(ctx context.Context) error

	// Stop halts packet capture.
	Stop() error

	// Stats returns current capture statistics.
	Stats() *models.CaptureStats

	// SetHandler sets the packet handler callback.
	SetHandler(handler PacketHandler)

	// SetBPFFilter sets a BPF filter at runtime.
	SetBPFFilter(filter string) error

	// Done returns a channel that is closed when the source ends on its own.
	Done() <-chan struct{}

	// Err returns the error that ended the source, if any.
	Err() error
}

// CaptureEngine selects and drives the source for a Config.
type CaptureEngine struct {
	config  *Config
	handler PacketHandler
	logger  *logging.Logger
	mu      sync.RWMutex

	running bool
	source  Source
}

var _ Source = (*CaptureEngine)(nil)

// New creates a new CaptureEngine with the given configuration.
func New(cfg *Config) (*CaptureEngine, error) {
	if cfg == nil {
		return nil, errors.New("capture: config cannot be nil")
	}

	if cfg.Mode == "" {
		cfg.Mode = ModeLive
	}

	if cfg.Mode.IsLive() && cfg.Interface == "" {
		return nil, errors.New("capture: interface is required for live capture")
	}

	if cfg.Mode == ModePCAP && cfg.PcapFile == "" {
		return nil, errors.New("capture: pcap file path is required for PCAP mode")
	}

	return &CaptureEngine{
		config: cfg,
		logger: logging.CaptureLogger(),
	}, nil
}

// Mode returns the configured capture mode.
func (ce *CaptureEngine) Mode() Mode {
	return ce.config.Mode
}

// Start begins packet capture. Failures to open a live source are reported
// as ErrCaptureUnavailable.
func (ce *CaptureEngine) Start(ctx context.Context) error {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	if ce.running {
		return errors.New("capture: engine already running")
	}

	source, err := ce.newSource()
	if err != nil {
		return err
	}
	source.SetHandler(ce.processPacket)

	if err := source.Start(ctx); err != nil {
		return classifyStartError(err)
	}

	ce.source = source
	ce.running = true

	ce.logger.Info("capture started",
		"mode", string(ce.config.Mode),
		"interface", ce.config.Interface,
		"file", ce.config.PcapFile,
		"filter", ce.config.BPFFilter,
	)
	return nil
}

func (ce *CaptureEngine) newSource() (Source, error) {
	switch ce.config.Mode {
	case ModeLive:
		if err := checkInterface(ce.config.Interface); err != nil {
			return nil, err
		}
		return NewLiveEngine(ce.config)
	case ModeAFPacket:
		if err := checkInterface(ce.config.Interface); err != nil {
			return nil, err
		}
		return NewAFPacketEngine(ce.config)
	case ModePCAP:
		return NewPCAPEngine(ce.config)
	case ModeSimulation:
		return NewSimulator(ce.config), nil
	default:
		return nil, fmt.Errorf("capture: unknown mode %q", ce.config.Mode)
	}
}

// Stop halts packet capture.
func (ce *CaptureEngine) Stop() error {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	if !ce.running {
		return errors.New("capture: engine not running")
	}
	ce.running = false
	return ce.source.Stop()
}

// Stats returns current capture statistics.
func (ce *CaptureEngine) Stats() *models.CaptureStats {
	ce.mu.RLock()
	defer ce.mu.RUnlock()

	if ce.source != nil {
		return ce.source.Stats()
	}
	return &models.CaptureStats{
		Interface:     ce.config.Interface,
		Mode:          string(ce.config.Mode),
		CaptureFilter: ce.config.BPFFilter,
		LastUpdate:    time.Now(),
	}
}

// SetHandler sets the packet handler callback.
func (ce *CaptureEngine) SetHandler(handler PacketHandler) {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	ce.handler = handler
}

// SetBPFFilter sets a BPF filter at runtime.
func (ce *CaptureEngine) SetBPFFilter(filter string) error {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	ce.config.BPFFilter = filter
	if ce.source != nil {
		return ce.source.SetBPFFilter(filter)
	}
	return nil
}

// IsRunning returns whether the capture engine is currently running.
func (ce *CaptureEngine) IsRunning() bool {
	ce.mu.RLock()
	defer ce.mu.RUnlock()
	return ce.running
}

// Done returns a channel that is closed when the source ends on its own.
func (ce *CaptureEngine) Done() <-chan struct{} {
	ce.mu.RLock()
	defer ce.mu.RUnlock()

	if ce.source != nil {
		return ce.source.Done()
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Err returns the error that ended the source, if any.
func (ce *CaptureEngine) Err() error {
	ce.mu.RLock()
	defer ce.mu.RUnlock()

	if ce.source != nil {
		return ce.source.Err()
	}
	return nil
}

// processPacket forwards a record to the registered handler.
func (ce *CaptureEngine) processPacket(pkt *models.Packet) {
	ce.mu.RLock()
	handler := ce.handler
	ce.mu.RUnlock()

	if handler != nil {
		handler(pkt)
	}
}

// classifyStartError wraps source start failures as ErrCaptureUnavailable,
// marking those caused by missing privileges.
func classifyStartError(err error) error {
	if errors.Is(err, ErrCaptureUnavailable) {
		return err
	}
	if isPermissionError(err) {
		return fmt.Errorf("%w: %w: %w", ErrCaptureUnavailable, ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
}

// isPermissionError detects EPERM/EACCES, including libpcap's text-only errors.
func isPermissionError(err error) bool {
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "don't have permission")
}

// =============================================================================
// Shared statistics
// =============================================================================

// counters holds the atomic statistics every source keeps.
type counters struct {
	received    atomic.Uint64
	dropped     atomic.Uint64
	nonIP       atomic.Uint64
	bytes       atomic.Uint64
	parseErrors atomic.Uint64

	mu    sync.Mutex
	start time.Time
}

func (c *counters) markStart() {
	c.mu.Lock()
	c.start = time.Now()
	c.mu.Unlock()
}

func (c *counters) snapshot(iface string, mode Mode, filter string) *models.CaptureStats {
	c.mu.Lock()
	start := c.start
	c.mu.Unlock()

	received := c.received.Load()
	var pps float64
	if !start.IsZero() {
		if elapsed := time.Since(start).Seconds(); elapsed > 0 {
			pps = float64(received) / elapsed
		}
	}

	return &models.CaptureStats{
		PacketsReceived:  received,
		PacketsDropped:   c.dropped.Load(),
		NonIPPackets:     c.nonIP.Load(),
		BytesReceived:    c.bytes.Load(),
		ParseErrors:      c.parseErrors.Load(),
		PacketsPerSecond: pps,
		StartTime:        start,
		LastUpdate:       time.Now(),
		Interface:        iface,
		Mode:             string(mode),
		CaptureFilter:    filter,
	}
}

// account records one decoded frame and reports whether it should reach the
// handler. Frames without an IP layer are counted and skipped.
func (c *counters) account(pkt *models.Packet, size int, decodeErr error) bool {
	c.received.Add(1)
	c.bytes.Add(uint64(size))
	if decodeErr != nil {
		c.parseErrors.Add(1)
	}
	if !pkt.HasIP {
		c.nonIP.Add(1)
		return false
	}
	return true
}
