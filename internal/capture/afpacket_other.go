//go:build !linux

package capture

import (
	"context"
	"fmt"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/models"
)

// AFPacketEngine is only available on Linux.
type AFPacketEngine struct {
	done chan struct{}
}

var _ Source = (*AFPacketEngine)(nil)

// NewAFPacketEngine reports that AF_PACKET capture is not supported here.
func NewAFPacketEngine(cfg *Config) (*AFPacketEngine, error) {
	return nil, fmt.Errorf("%w: AF_PACKET requires Linux", ErrCaptureUnavailable)
}

func (e *AFPacketEngine) Start(ctx context.Context) error {
	return fmt.Errorf("%w: AF_PACKET requires Linux", ErrCaptureUnavailable)
}

func (e *AFPacketEngine) Stop() error                      { return nil }
func (e *AFPacketEngine) Stats() *models.CaptureStats      { return &models.CaptureStats{Mode: string(ModeAFPacket)} }
func (e *AFPacketEngine) SetHandler(handler PacketHandler) {}
func (e *AFPacketEngine) SetBPFFilter(filter string) error { return nil }
func (e *AFPacketEngine) Done() <-chan struct{}            { return e.done }
func (e *AFPacketEngine) Err() error                       { return nil }
