package capture

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gopacket/gopacket/layers"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/models"
)

// Simulated traffic ranges. Lower bounds are inclusive, upper bounds exclusive.
const (
	simMinBytes = 40
	simMaxBytes = 1500
	simMinRate  = 1
	simMaxRate  = 100
)

var simProtocols = [...]uint8{6, 17}

// Simulator is a Source producing synthetic records at a fixed interval.
// It is used when no live interface is available and is always reported as
// ModeSimulation.
type Simulator struct {
	*sourceLoop

	config *Config

	rngMu sync.Mutex
	rng   *rand.Rand
}

var _ Source = (*Simulator)(nil)

// NewSimulator creates a simulator. A zero SimulationSeed picks a time-based
// seed.
func NewSimulator(cfg *Config) *Simulator {
	if cfg == nil {
		cfg = DefaultConfig("")
		cfg.Mode = ModeSimulation
	}

	seed := cfg.SimulationSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return &Simulator{
		sourceLoop: newSourceLoop(),
		config:     cfg,
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Start begins emitting one batch per SimulationInterval.
func (s *Simulator) Start(ctx context.Context) error {
	if err := s.claim(); err != nil {
		return err
	}

	interval := s.config.SimulationInterval
	if interval <= 0 {
		interval = time.Second
	}
	batch := s.config.SimulationBatch
	if batch <= 0 {
		batch = 10
	}

	go s.run(s.begin(ctx), interval, batch)
	return nil
}

func (s *Simulator) run(ctx context.Context, interval time.Duration, batch int) {
	defer s.finish(nil)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.emit(batch)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Simulator) emit(n int) {
	for _, pkt := range s.Generate(n) {
		s.deliver(pkt, int(pkt.Length), nil)
	}
}

// Stop halts the simulator and waits for the emitting goroutine to exit.
func (s *Simulator) Stop() error {
	return s.halt(nil)
}

// Stats returns current simulator statistics.
func (s *Simulator) Stats() *models.CaptureStats {
	return s.stats.snapshot("", ModeSimulation, "")
}

// SetBPFFilter is not supported for simulated traffic.
func (s *Simulator) SetBPFFilter(filter string) error {
	if filter == "" {
		return nil
	}
	return fmt.Errorf("capture: BPF filters are not supported in %s mode", ModeSimulation)
}

// Generate returns n synthetic records.
func (s *Simulator) Generate(n int) []*models.Packet {
	out := make([]*models.Packet, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s.Next())
	}
	return out
}

// Next returns one synthetic record. Protocol is TCP or UDP, sbytes and
// dbytes are drawn independently from [40,1500) and rate from [1,100).
func (s *Simulator) Next() *models.Packet {
	s.rngMu.Lock()
	proto := simProtocols[s.rng.IntN(len(simProtocols))]
	sbytes := simMinBytes + s.rng.IntN(simMaxBytes-simMinBytes)
	dbytes := simMinBytes + s.rng.IntN(simMaxBytes-simMinBytes)
	rate := simMinRate + s.rng.Float64()*(simMaxRate-simMinRate)
	srcHost := byte(1 + s.rng.IntN(254))
	dstHost := byte(1 + s.rng.IntN(254))
	srcPort := uint16(1024 + s.rng.IntN(64511))
	dstPort := uint16(1 + s.rng.IntN(1023))
	flags := uint8(s.rng.IntN(64))
	window := uint16(s.rng.IntN(65536))
	ttl := uint8(32 + s.rng.IntN(97))
	s.rngMu.Unlock()

	now := time.Now()
	pkt := &models.Packet{
		ID:            uuid.NewString(),
		Timestamp:     now,
		TimestampNano: now.UnixNano(),
		Interface:     string(ModeSimulation),
		Length:        uint32(sbytes),
		CaptureLength: uint32(sbytes),
		HasIP:         true,
		SrcIP:         net.IPv4(192, 168, 1, srcHost).To4(),
		DstIP:         net.IPv4(10, 0, 0, dstHost).To4(),
		IPProto:       proto,
		Protocol:      layers.IPProtocol(proto).String(),
		TTL:           ttl,
		SrcPort:       srcPort,
		DstPort:       dstPort,
		Simulated:     true,
		SrcBytes:      float64(sbytes),
		DstBytes:      float64(dbytes),
		Rate:          rate,
	}
	if proto == uint8(layers.IPProtocolTCP) {
		pkt.TCPFlags = flags
		pkt.TCPWindow = window
	}
	return pkt
}
