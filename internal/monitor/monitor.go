// Package monitor runs the detection loop: it drains records from a capture
// source, scores them through the ML pipeline, keeps the session history and
// publishes snapshots for the display.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/capture"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/events"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/logging"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/metrics"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/ml"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/models"
)

var (
	// ErrAlreadyRunning is returned by Start while monitoring.
	ErrAlreadyRunning = errors.New("monitor: already monitoring")

	// ErrNotRunning is returned by Stop while idle.
	ErrNotRunning = errors.New("monitor: not monitoring")

	// ErrInvalidInterval is returned for polling intervals outside [0.5s,5s].
	ErrInvalidInterval = errors.New("monitor: polling interval must be within [0.5s,5s]")
)

// Polling interval bounds.
const (
	MinInterval = 500 * time.Millisecond
	MaxInterval = 5 * time.Second
)

// Stop reasons reported with EventMonitorStopped.
const (
	StopRequested     = "stopped"
	StopSourceEnded   = "source_ended"
	StopCaptureFailed = "capture_error"
	StopPanic         = "panic"
	StopCancelled     = "cancelled"
)

// DropStopped is the record:dropped reason for records still queued when a
// run ends.
const DropStopped = "stopped"

// State is the detection loop state.
type State string

const (
	StateIdle       State = "idle"
	StateMonitoring State = "monitoring"
)

// Options configures one monitoring run.
type Options struct {
	Interface string
	Mode      capture.Mode
	PcapFile  string
	BPFFilter string

	// Threshold is the score a record must exceed to be a threat.
	Threshold float64
	// Interval is the wait between loop iterations.
	Interval time.Duration
	// PredictTimeout bounds each classifier call.
	PredictTimeout time.Duration

	// SimulateOnUnavailable starts the simulator when a live interface
	// cannot be opened. The fallback is reported, never silent.
	SimulateOnUnavailable bool

	// QueueSize bounds the records buffered between capture and the loop.
	QueueSize int
	// HistorySize is the packet history capacity of a new session.
	HistorySize int

	SimulationBatch int
	SimulationSeed  uint64
}

// DefaultOptions returns the default run options.
func DefaultOptions() Options {
	return Options{
		Mode:            capture.ModeLive,
		Threshold:       0.8,
		Interval:        time.Second,
		PredictTimeout:  2 * time.Second,
		QueueSize:       4096,
		HistorySize:     DefaultHistorySize,
		SimulationBatch: 10,
	}
}

// Validate checks the threshold and polling interval ranges.
func (o Options) Validate() error {
	if err := ml.ValidateThreshold(o.Threshold); err != nil {
		return err
	}
	if o.Interval < MinInterval || o.Interval > MaxInterval {
		return fmt.Errorf("%w: got %s", ErrInvalidInterval, o.Interval)
	}
	if _, err := capture.ParseMode(string(o.Mode)); err != nil {
		return err
	}
	return nil
}

func (o Options) captureConfig(mode capture.Mode) *capture.Config {
	cfg := capture.DefaultConfig(o.Interface)
	cfg.Mode = mode
	cfg.PcapFile = o.PcapFile
	cfg.BPFFilter = o.BPFFilter
	cfg.SimulationInterval = o.Interval
	if o.SimulationBatch > 0 {
		cfg.SimulationBatch = o.SimulationBatch
	}
	cfg.SimulationSeed = o.SimulationSeed
	return cfg
}

// SourceFactory creates the capture source for a run.
type SourceFactory func(cfg *capture.Config) (capture.Source, error)

func newCaptureSource(cfg *capture.Config) (capture.Source, error) {
	return capture.New(cfg)
}

// Snapshot is what the display receives on every tick.
type Snapshot struct {
	View
	State          State                `json:"state"`
	Mode           string               `json:"mode"`
	Simulated      bool                 `json:"simulated"`
	FallbackReason string               `json:"fallback_reason,omitempty"`
	Threshold      float64              `json:"threshold"`
	Interval       float64              `json:"interval_seconds"`
	QueueDrops     uint64               `json:"queue_drops"`
	Capture        *models.CaptureStats `json:"capture,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`
}

// run is the state of one Start..Stop cycle.
type run struct {
	opts           Options
	mode           capture.Mode
	fallbackReason string
	source         capture.Source
	queue          chan *models.Packet
	cancel         context.CancelFunc
	done           chan struct{}
	stopReason     atomic.Value
}

// reason returns why the run's context was cancelled.
func (r *run) reason() string {
	if v, ok := r.stopReason.Load().(string); ok {
		return v
	}
	return StopCancelled
}

// Monitor owns the detection loop and its session.
type Monitor struct {
	pipeline  *ml.Pipeline
	bus       *events.EventBus
	logger    *logging.Logger
	newSource SourceFactory

	mu       sync.RWMutex
	state    State
	session  *Session
	run      *run
	lastOpts Options

	queueDrops atomic.Uint64
}

// New creates an idle monitor scoring through pipeline and publishing on bus.
func New(pipeline *ml.Pipeline, bus *events.EventBus) *Monitor {
	if bus == nil {
		bus = events.NewEventBus(nil)
	}
	return &Monitor{
		pipeline:  pipeline,
		bus:       bus,
		logger:    logging.MonitorLogger(),
		newSource: newCaptureSource,
		state:     StateIdle,
		lastOpts:  DefaultOptions(),
	}
}

// SetSourceFactory replaces how capture sources are created.
func (m *Monitor) SetSourceFactory(f SourceFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newSource = f
}

// Pipeline returns the scoring pipeline.
func (m *Monitor) Pipeline() *ml.Pipeline {
	return m.pipeline
}

// Events returns the monitor's event bus.
func (m *Monitor) Events() *events.EventBus {
	return m.bus
}

// State returns the current loop state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Session returns the current session, creating one if none exists yet.
func (m *Monitor) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionLocked()
}

func (m *Monitor) sessionLocked() *Session {
	if m.session == nil {
		m.session = NewSession(m.lastOpts.HistorySize)
	}
	return m.session
}

// Reset discards the history and starts a fresh session. Only allowed while
// idle.
func (m *Monitor) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return ErrAlreadyRunning
	}
	m.session = NewSession(m.lastOpts.HistorySize)
	m.queueDrops.Store(0)
	metrics.HealthScore.Set(100)
	return nil
}

// Start opens the capture source and launches the loop. ctx bounds the whole
// run; Stop ends it earlier. A source that cannot be started leaves the
// monitor idle and returns an error wrapping capture.ErrCaptureUnavailable.
func (m *Monitor) Start(ctx context.Context, opts Options) error {
	if opts.Mode == "" {
		opts.Mode = capture.ModeLive
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions().QueueSize
	}

	// Events and the loop launch run after m.mu is released, so handlers may
	// call back into the monitor.
	var after []func()
	defer func() {
		for _, fn := range after {
			fn()
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateMonitoring {
		return ErrAlreadyRunning
	}
	if err := m.pipeline.SetThreshold(opts.Threshold); err != nil {
		return err
	}
	if opts.PredictTimeout > 0 {
		m.pipeline.SetPredictTimeout(opts.PredictTimeout)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		opts:   opts,
		mode:   opts.Mode,
		queue:  make(chan *models.Packet, opts.QueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	src, err := m.startSource(runCtx, opts.captureConfig(opts.Mode), r.queue)
	if err != nil {
		captureErr := err
		after = append(after, func() { m.bus.EmitCaptureError(captureErr, opts.Interface) })

		if !opts.SimulateOnUnavailable || !opts.Mode.IsLive() {
			cancel()
			m.logger.Error("capture unavailable", "mode", string(opts.Mode), "interface", opts.Interface, logging.Err(err))
			return err
		}

		m.logger.Warn("capture unavailable, falling back to simulation",
			"interface", opts.Interface, logging.Err(err))
		r.mode = capture.ModeSimulation
		r.fallbackReason = err.Error()

		src, err = m.startSource(runCtx, opts.captureConfig(capture.ModeSimulation), r.queue)
		if err != nil {
			cancel()
			return err
		}
	}
	r.source = src

	m.lastOpts = opts
	m.sessionLocked().setMode(string(r.mode))
	m.run = r
	m.state = StateMonitoring
	metrics.SetMonitoring(true)

	started := events.CaptureStarted{
		Mode:      string(r.mode),
		Interface: opts.Interface,
		Fallback:  r.fallbackReason != "",
		Reason:    r.fallbackReason,
	}
	after = append(after,
		func() { m.bus.EmitCaptureStarted(started) },
		func() { go m.loop(runCtx, r) },
	)
	m.logger.Info("monitoring started",
		"mode", string(r.mode),
		"interface", opts.Interface,
		"threshold", opts.Threshold,
		logging.Duration("interval", opts.Interval),
	)
	return nil
}

// startSource creates and starts a source whose records go to queue.
func (m *Monitor) startSource(ctx context.Context, cfg *capture.Config, queue chan *models.Packet) (capture.Source, error) {
	src, err := m.newSource(cfg)
	if err == nil {
		src.SetHandler(func(pkt *models.Packet) { m.enqueue(queue, pkt) })
		err = src.Start(ctx)
	}
	if err != nil {
		if !errors.Is(err, capture.ErrCaptureUnavailable) {
			err = fmt.Errorf("%w: %w", capture.ErrCaptureUnavailable, err)
		}
		return nil, err
	}
	return src, nil
}

// enqueue is the capture callback. It never blocks; records arriving while
// the queue is full are counted and dropped.
func (m *Monitor) enqueue(queue chan *models.Packet, pkt *models.Packet) {
	select {
	case queue <- pkt:
	default:
		m.queueDrops.Add(1)
		metrics.CaptureQueueDrops.Inc()
		metrics.RecordsDropped.WithLabelValues("queue_full").Inc()
	}
}

// Stop ends the running loop and waits for it to exit. History is kept.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	r := m.run
	if m.state != StateMonitoring || r == nil {
		m.mu.Unlock()
		return ErrNotRunning
	}
	r.stopReason.Store(StopRequested)
	r.cancel()
	m.mu.Unlock()

	<-r.done
	return nil
}

// Done returns a channel closed when the current run ends. It is closed
// already when idle.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.run != nil {
		return m.run.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// loop is the single monitoring goroutine.
func (m *Monitor) loop(ctx context.Context, r *run) {
	reason, cause := StopCancelled, error(nil)

	defer func() {
		if p := recover(); p != nil {
			reason, cause = StopPanic, fmt.Errorf("monitor: loop panic: %v", p)
			m.logger.Error("detection loop panicked", logging.Err(cause))
		}
		m.finish(r, reason, cause)
	}()

	timer := time.NewTimer(r.opts.Interval)
	defer timer.Stop()

	for {
		m.tick(ctx, r)

		select {
		case <-ctx.Done():
			reason = r.reason()
			return
		case <-r.source.Done():
			if ctx.Err() != nil {
				reason = r.reason()
				return
			}
			// Score what the source delivered before it ended.
			m.tick(ctx, r)
			if err := r.source.Err(); err != nil {
				reason, cause = StopCaptureFailed, err
			} else {
				reason = StopSourceEnded
			}
			return
		case <-timer.C:
			timer.Reset(r.opts.Interval)
		}
	}
}

// tick drains the queue, scores each record and publishes a snapshot.
// Once ctx is done the remaining records are discarded, not scored.
func (m *Monitor) tick(ctx context.Context, r *run) {
	for n := len(r.queue); n > 0; n-- {
		if ctx.Err() != nil {
			m.discard(r)
			break
		}
		select {
		case pkt := <-r.queue:
			m.ProcessRecord(ctx, pkt)
		default:
			n = 0
		}
	}

	snap := m.snapshot(r, StateMonitoring)
	metrics.HealthScore.Set(snap.HealthScore)
	m.bus.EmitTick(snap)
}

// discard empties the queue of a stopped run. Each record is reported as
// dropped with reason "stopped" and never reaches the history.
func (m *Monitor) discard(r *run) int {
	n := 0
	for {
		select {
		case pkt := <-r.queue:
			n++
			metrics.RecordsDropped.WithLabelValues(DropStopped).Inc()
			if pkt != nil {
				m.bus.EmitRecordDropped(pkt.ID, DropStopped, nil)
			}
		default:
			if n > 0 {
				m.logger.Debug("discarded queued records", "count", n)
			}
			return n
		}
	}
}

// finish returns the monitor to idle after a run ends for any reason.
func (m *Monitor) finish(r *run, reason string, cause error) {
	r.cancel()
	if r.source != nil {
		if err := r.source.Stop(); err != nil {
			m.logger.Debug("source stop", logging.Err(err))
		}
	}
	m.discard(r)

	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
	metrics.SetMonitoring(false)

	m.bus.EmitMonitorStopped(reason, cause)
	m.bus.Flush()

	if cause != nil {
		m.logger.Warn("monitoring stopped", "reason", reason, logging.Err(cause))
	} else {
		m.logger.Info("monitoring stopped", "reason", reason)
	}
	close(r.done)
}

// ProcessRecord scores one record and updates the session history. Scoring
// failures keep the record in packet history without a threat; records that
// cannot be scaled, or whose ctx ends while scoring, are dropped. Errors are reported as events and returned,
// never escalated.
func (m *Monitor) ProcessRecord(ctx context.Context, pkt *models.Packet) (*ml.Decision, error) {
	session := m.Session()
	mode := session.Mode()
	if mode == "" {
		mode = "direct"
	}

	if pkt == nil {
		err := errors.New("monitor: empty record")
		metrics.RecordsDropped.WithLabelValues("empty_record").Inc()
		m.bus.EmitRecordDropped("", "empty_record", err)
		return nil, err
	}

	decision, err := m.pipeline.Score(ctx, pkt)
	if err != nil {
		if errors.Is(err, ml.ErrShapeMismatch) {
			metrics.RecordsDropped.WithLabelValues("shape_mismatch").Inc()
			m.bus.EmitRecordDropped(pkt.ID, "shape_mismatch", err)
			m.logger.Warn("record dropped", "packet_id", pkt.ID, logging.Err(err))
			return nil, err
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// The caller went away mid-score; the classifier did not fail.
			metrics.RecordsDropped.WithLabelValues(DropStopped).Inc()
			m.bus.EmitRecordDropped(pkt.ID, DropStopped, err)
			return nil, err
		}

		session.Record(PacketEntry{Packet: pkt, Error: err.Error()}, nil)
		metrics.PacketsTotal.WithLabelValues(mode).Inc()
		metrics.ScoringErrors.Inc()
		m.bus.EmitScoringError(pkt.ID, err)
		m.logger.Debug("scoring failed", "packet_id", pkt.ID, logging.Err(err))
		return nil, err
	}

	entry := PacketEntry{
		Packet:   pkt,
		Score:    decision.Score,
		Scored:   true,
		IsThreat: decision.IsThreat,
		Features: decision.Features,
	}

	var threat *models.ThreatEvent
	if decision.IsThreat {
		threat = &models.ThreatEvent{
			ID:         uuid.NewString(),
			Packet:     *pkt,
			Score:      decision.Score,
			Threshold:  decision.Threshold,
			Flags:      pkt.FlagString(),
			DetectedAt: time.Now(),
		}
	}
	session.Record(entry, threat)

	metrics.PacketsTotal.WithLabelValues(mode).Inc()
	metrics.ThreatScore.Observe(decision.Score)
	metrics.ScoringLatency.Observe(decision.Latency.Seconds())

	if threat != nil {
		metrics.ThreatsTotal.WithLabelValues(mode).Inc()
		m.bus.EmitThreat(threat)
		m.logger.Info("threat detected",
			logging.Threat(threat.ID, threat.Score, threat.Threshold),
			logging.Packet(pkt.SrcIP.String(), pkt.DstIP.String(), pkt.SrcPort, pkt.DstPort, pkt.Protocol),
		)
	}
	return decision, nil
}

// Snapshot returns the current display state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	r, state := m.run, m.state
	m.mu.RUnlock()
	return m.snapshot(r, state)
}

func (m *Monitor) snapshot(r *run, state State) Snapshot {
	m.mu.RLock()
	opts := m.lastOpts
	m.mu.RUnlock()

	snap := Snapshot{
		View:       m.Session().View(PacketTailSize, ThreatTailSize),
		State:      state,
		Threshold:  m.pipeline.Threshold(),
		Interval:   opts.Interval.Seconds(),
		QueueDrops: m.queueDrops.Load(),
		Timestamp:  time.Now(),
	}
	if r != nil {
		snap.Mode = string(r.mode)
		snap.Simulated = r.mode == capture.ModeSimulation
		snap.FallbackReason = r.fallbackReason
		if r.source != nil {
			snap.Capture = r.source.Stats()
		}
	}
	return snap
}

// ReportArtifacts publishes artifact load outcomes. Each fallback increments
// the fallback metric and emits EventModelFallback.
func (m *Monitor) ReportArtifacts(results []ml.LoadResult) {
	for _, res := range results {
		if !res.FellBack() {
			continue
		}
		metrics.ArtifactFallbacks.WithLabelValues(res.Artifact, string(res.Reason)).Inc()
		m.bus.EmitModelFallback(events.ModelFallback{
			Artifact: res.Artifact,
			Path:     res.Path,
			Reason:   string(res.Reason),
			Detail:   res.Detail,
		})
	}
}
