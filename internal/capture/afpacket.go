//go:build linux

package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gopacket/gopacket/afpacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"
	"golang.org/x/net/bpf"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/models"
)

// afpacketTimeout is both the block retire timeout and the poll timeout, so
// a cancelled reader returns within it.
const afpacketTimeout = 100 * time.Millisecond

// AFPacketEngine reads from an interface through an AF_PACKET TPACKET_V3 ring.
type AFPacketEngine struct {
	*sourceLoop

	config  *Config
	decoder *packetDecoder

	mu   sync.RWMutex
	ring *afpacket.TPacket
}

var _ Source = (*AFPacketEngine)(nil)

// NewAFPacketEngine creates an AF_PACKET source for cfg.Interface.
func NewAFPacketEngine(cfg *Config) (*AFPacketEngine, error) {
	if cfg == nil {
		return nil, errors.New("afpacket: config cannot be nil")
	}
	if cfg.Interface == "" {
		return nil, errors.New("afpacket: interface is required")
	}
	return &AFPacketEngine{
		sourceLoop: newSourceLoop(),
		config:     cfg,
		decoder:    newPacketDecoder(cfg.Interface, layers.LayerTypeEthernet),
	}, nil
}

// Start maps the ring, attaches the configured filter and begins reading.
func (e *AFPacketEngine) Start(ctx context.Context) error {
	if err := e.claim(); err != nil {
		return err
	}

	frame, block, blocks := ringLayout(e.config.snapLen(), e.config.ringBufferSize())
	ring, err := afpacket.NewTPacket(
		afpacket.OptInterface(e.config.Interface),
		afpacket.OptFrameSize(frame),
		afpacket.OptBlockSize(block),
		afpacket.OptNumBlocks(blocks),
		afpacket.OptBlockTimeout(afpacketTimeout),
		afpacket.OptPollTimeout(afpacketTimeout),
		afpacket.TPacketVersion3,
	)
	if err != nil {
		e.release()
		return fmt.Errorf("afpacket: open ring on %s: %w", e.config.Interface, err)
	}

	if err := attachFilter(ring, e.config.BPFFilter, e.config.snapLen()); err != nil {
		ring.Close()
		e.release()
		return err
	}

	e.mu.Lock()
	e.ring = ring
	e.mu.Unlock()

	go e.read(e.begin(ctx), ring)
	return nil
}

// ringLayout sizes the TPACKET_V3 ring. Frames are page aligned and each
// block holds 128 frames.
func ringLayout(snapLen, bufferSize int) (frameSize, blockSize, numBlocks int) {
	const pageSize = 4096
	frameSize = (snapLen + pageSize - 1) / pageSize * pageSize
	blockSize = frameSize * 128
	numBlocks = max(bufferSize/blockSize, 1)
	return frameSize, blockSize, numBlocks
}

// attachFilter compiles filter with libpcap and loads the program onto the
// socket. An empty filter is a no-op.
func attachFilter(ring *afpacket.TPacket, filter string, snapLen int) error {
	if ring == nil || filter == "" {
		return nil
	}

	insns, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, snapLen, filter)
	if err != nil {
		return fmt.Errorf("afpacket: compile filter %q: %w", filter, err)
	}
	prog := make([]bpf.RawInstruction, len(insns))
	for i, ins := range insns {
		prog[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	if err := ring.SetBPF(prog); err != nil {
		return fmt.Errorf("afpacket: attach filter %q: %w", filter, err)
	}
	return nil
}

// Stop halts reading and unmaps the ring.
func (e *AFPacketEngine) Stop() error {
	return e.halt(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.ring != nil {
			e.ring.Close()
			e.ring = nil
		}
	})
}

// Stats returns capture statistics including kernel ring drops.
func (e *AFPacketEngine) Stats() *models.CaptureStats {
	stats := e.stats.snapshot(e.config.Interface, ModeAFPacket, e.config.BPFFilter)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.ring != nil {
		if _, v3, err := e.ring.SocketStats(); err == nil {
			stats.PacketsDropped += uint64(v3.Drops())
		}
	}
	return stats
}

// SetBPFFilter replaces the socket filter, or stores it for the next Start.
func (e *AFPacketEngine) SetBPFFilter(filter string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.config.BPFFilter = filter
	return attachFilter(e.ring, filter, e.config.snapLen())
}

// read pulls frames off the ring until the context ends. Poll timeouts only
// give the loop a chance to observe cancellation; any other read error ends
// the source with ErrSourceClosed.
func (e *AFPacketEngine) read(ctx context.Context, ring *afpacket.TPacket) {
	var endErr error
	defer func() { e.finish(endErr) }()

	for ctx.Err() == nil {
		data, ci, err := ring.ZeroCopyReadPacketData()
		switch {
		case err == nil:
			pkt, decodeErr := e.decoder.decode(data, ci)
			e.deliver(pkt, len(data), decodeErr)
		case errors.Is(err, afpacket.ErrTimeout), errors.Is(err, afpacket.ErrPoll):
		default:
			if ctx.Err() == nil {
				endErr = fmt.Errorf("%w: %w", ErrSourceClosed, err)
			}
			return
		}
	}
}
