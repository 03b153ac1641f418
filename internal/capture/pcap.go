package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/pcap"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/models"
)

// livePollTimeout bounds each libpcap read so Stop is noticed promptly.
const livePollTimeout = 100 * time.Millisecond

// PCAPEngine reads through libpcap, either a PCAP file or live from an
// interface.
type PCAPEngine struct {
	*sourceLoop

	config *Config
	live   bool

	mu      sync.RWMutex
	handle  *pcap.Handle
	decoder *packetDecoder
}

var _ Source = (*PCAPEngine)(nil)

// NewPCAPEngine creates a PCAP file reader.
func NewPCAPEngine(cfg *Config) (*PCAPEngine, error) {
	if cfg == nil {
		return nil, errors.New("capture: config cannot be nil")
	}
	if cfg.PcapFile == "" {
		return nil, errors.New("capture: PCAP file path is required")
	}
	return &PCAPEngine{sourceLoop: newSourceLoop(), config: cfg}, nil
}

// NewLiveEngine creates a libpcap capture on cfg.Interface.
func NewLiveEngine(cfg *Config) (*PCAPEngine, error) {
	if cfg == nil {
		return nil, errors.New("capture: config cannot be nil")
	}
	if cfg.Interface == "" {
		return nil, errors.New("capture: interface is required")
	}
	return &PCAPEngine{sourceLoop: newSourceLoop(), config: cfg, live: true}, nil
}

// Start opens the handle, applies the configured filter and begins reading.
func (e *PCAPEngine) Start(ctx context.Context) error {
	if err := e.claim(); err != nil {
		return err
	}

	handle, err := e.open()
	if err != nil {
		e.release()
		return err
	}
	if e.config.BPFFilter != "" {
		if err := handle.SetBPFFilter(e.config.BPFFilter); err != nil {
			handle.Close()
			e.release()
			return fmt.Errorf("capture: failed to set BPF filter: %w", err)
		}
	}

	e.mu.Lock()
	e.handle = handle
	e.decoder = newPacketDecoder(e.sourceName(), firstLayer(handle.LinkType()))
	e.mu.Unlock()

	go e.read(e.begin(ctx), handle)
	return nil
}

func (e *PCAPEngine) open() (*pcap.Handle, error) {
	if !e.live {
		handle, err := pcap.OpenOffline(e.config.PcapFile)
		if err != nil {
			return nil, fmt.Errorf("capture: failed to open PCAP file: %w", err)
		}
		return handle, nil
	}

	handle, err := pcap.OpenLive(e.config.Interface, int32(e.config.snapLen()), e.config.Promiscuous, livePollTimeout)
	if err != nil {
		return nil, fmt.Errorf("capture: failed to open %s: %w", e.config.Interface, err)
	}
	return handle, nil
}

func (e *PCAPEngine) sourceName() string {
	if e.live {
		return e.config.Interface
	}
	return e.config.PcapFile
}

func (e *PCAPEngine) mode() Mode {
	if e.live {
		return ModeLive
	}
	return ModePCAP
}

// Stop halts reading and closes the handle. It is safe to call after a file
// has been read to the end.
func (e *PCAPEngine) Stop() error {
	return e.halt(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.handle != nil {
			e.handle.Close()
			e.handle = nil
		}
	})
}

// Stats returns reading statistics. Live captures add libpcap's drop counts.
func (e *PCAPEngine) Stats() *models.CaptureStats {
	stats := e.stats.snapshot(e.sourceName(), e.mode(), e.config.BPFFilter)
	if !e.live {
		return stats
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.handle != nil {
		if ps, err := e.handle.Stats(); err == nil {
			stats.PacketsDropped += uint64(ps.PacketsDropped + ps.PacketsIfDropped)
		}
	}
	return stats
}

// SetBPFFilter sets a BPF filter on the open handle, or for the next Start.
func (e *PCAPEngine) SetBPFFilter(filter string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.config.BPFFilter = filter
	if e.handle == nil {
		return nil
	}
	return e.handle.SetBPFFilter(filter)
}

// read drains the packet source until the context ends or the source is
// exhausted. A file reaching EOF ends cleanly; a live handle closing on its
// own ends with ErrSourceClosed.
func (e *PCAPEngine) read(ctx context.Context, handle *pcap.Handle) {
	var endErr error
	defer func() { e.finish(endErr) }()

	src := gopacket.NewPacketSource(handle, handle.LinkType())
	src.DecodeOptions.Lazy = true
	src.DecodeOptions.NoCopy = true
	packets := src.Packets()

	for {
		select {
		case <-ctx.Done():
			return
		case packet, ok := <-packets:
			if !ok {
				if e.live {
					endErr = ErrSourceClosed
				}
				return
			}
			data := packet.Data()
			if len(data) == 0 {
				continue
			}
			pkt, err := e.decoder.decode(data, packet.Metadata().CaptureInfo)
			e.deliver(pkt, len(data), err)
		}
	}
}
