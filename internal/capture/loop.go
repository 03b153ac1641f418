package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/models"
)

var (
	errAlreadyRunning = errors.New("capture: source already running")
	errNotRunning     = errors.New("capture: source not running")
)

// sourceLoop is the lifecycle every reading source shares: one reader
// goroutine, a handler swapped under a lock, and a done channel closed when
// the reader returns. Sources embed it for SetHandler, Done and Err.
type sourceLoop struct {
	stats counters

	hmu     sync.RWMutex
	handler PacketHandler
	err     error

	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func newSourceLoop() *sourceLoop {
	return &sourceLoop{done: make(chan struct{})}
}

// claim marks the loop started. It fails if the source was started before.
func (l *sourceLoop) claim() error {
	if !l.started.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}
	return nil
}

// release undoes claim after a failed open.
func (l *sourceLoop) release() {
	l.started.Store(false)
}

// begin derives the reader context and starts the rate clock.
func (l *sourceLoop) begin(ctx context.Context) context.Context {
	ctx, l.cancel = context.WithCancel(ctx)
	l.stats.markStart()
	return ctx
}

// finish records why the reader returned and closes done. Errors seen after
// halt began are the reader noticing the stop, not failures.
func (l *sourceLoop) finish(err error) {
	if err != nil && !l.stopping.Load() {
		l.hmu.Lock()
		l.err = err
		l.hmu.Unlock()
	}
	close(l.done)
}

// halt cancels the reader, waits for it, then runs closeFn once.
func (l *sourceLoop) halt(closeFn func()) error {
	if !l.started.Load() {
		return errNotRunning
	}
	l.stopOnce.Do(func() {
		l.stopping.Store(true)
		if l.cancel != nil {
			l.cancel()
		}
		<-l.done
		if closeFn != nil {
			closeFn()
		}
	})
	return nil
}

// deliver counts one frame and passes IP records to the handler.
func (l *sourceLoop) deliver(pkt *models.Packet, size int, decodeErr error) {
	if !l.stats.account(pkt, size, decodeErr) {
		return
	}

	l.hmu.RLock()
	handler := l.handler
	l.hmu.RUnlock()

	if handler != nil {
		handler(pkt)
	}
}

// SetHandler sets the packet handler callback.
func (l *sourceLoop) SetHandler(handler PacketHandler) {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	l.handler = handler
}

// Done returns a channel that is closed when the reader exits.
func (l *sourceLoop) Done() <-chan struct{} {
	return l.done
}

// Err returns the error that ended the source without Stop, if any.
func (l *sourceLoop) Err() error {
	l.hmu.RLock()
	defer l.hmu.RUnlock()
	return l.err
}
