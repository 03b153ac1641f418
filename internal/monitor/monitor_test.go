package monitor

import (
	"context"
	"errors"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/capture"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/events"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/ml"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/models"
)

// scripted returns the next score in order, or err when set.
type scripted struct {
	mu     sync.Mutex
	scores []float64
	err    error
}

func (s *scripted) PredictProba(context.Context, ml.ScaledVector) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return 0, s.err
	}
	if len(s.scores) == 0 {
		return 0, nil
	}
	score := s.scores[0]
	s.scores = s.scores[1:]
	return score, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []*events.Event
}

func (l *eventLog) handle(e *events.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) ofType(t events.EventType) []*events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*events.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestMonitor(t *testing.T, classifier ml.Classifier) (*Monitor, *eventLog) {
	t.Helper()

	if classifier == nil {
		classifier = ml.NewDefaultClassifier()
	}
	pipeline, err := ml.NewPipeline(ml.NewDefaultScalerBank(), classifier, nil)
	require.NoError(t, err)

	bus := events.NewEventBus(&events.EventBusConfig{EnableBatching: false})
	log := &eventLog{}
	bus.SetGlobalHandler(log.handle)

	m := New(pipeline, bus)
	t.Cleanup(func() {
		if m.State() == StateMonitoring {
			_ = m.Stop()
		}
	})
	return m, log
}

func tcpRecord(id string, length uint32) *models.Packet {
	return &models.Packet{
		ID:        id,
		Timestamp: time.Now(),
		HasIP:     true,
		SrcIP:     net.IPv4(192, 168, 1, 10),
		DstIP:     net.IPv4(10, 0, 0, 1),
		IPProto:   6,
		Protocol:  "TCP",
		Length:    length,
		SrcPort:   40000,
		DstPort:   80,
		TCPFlags:  models.FlagSYN | models.FlagACK,
	}
}

func simulationOptions() Options {
	opts := DefaultOptions()
	opts.Mode = capture.ModeSimulation
	opts.Interval = MinInterval
	opts.SimulationSeed = 11
	opts.SimulationBatch = 5
	return opts
}

func TestHealthScore(t *testing.T) {
	tests := []struct {
		total, threats uint64
		want           float64
	}{
		{0, 0, 100},
		{10, 10, 0},
		{4, 1, 75},
		{1, 0, 100},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, HealthScore(tt.total, tt.threats), 1e-9, "total=%d threats=%d", tt.total, tt.threats)
	}
}

func TestSession_RingAndTails(t *testing.T) {
	s := NewSession(5)

	for i := 0; i < 8; i++ {
		pkt := tcpRecord(string(rune('a'+i)), 100)
		var threat *models.ThreatEvent
		if i%2 == 0 {
			threat = &models.ThreatEvent{ID: pkt.ID, Packet: *pkt, Score: 0.9}
		}
		s.Record(PacketEntry{Packet: pkt, Scored: true}, threat)
	}

	total, threats := s.Counts()
	assert.Equal(t, uint64(8), total)
	assert.Equal(t, uint64(4), threats)

	tail := s.PacketTail(PacketTailSize)
	require.Len(t, tail, 5)
	assert.Equal(t, "d", tail[0].Packet.ID)
	assert.Equal(t, "h", tail[4].Packet.ID)

	threatTail := s.ThreatTail(2)
	require.Len(t, threatTail, 2)
	assert.Equal(t, "g", threatTail[0].ID, "newest threat first")
	assert.Equal(t, "e", threatTail[1].ID)

	view := s.View(3, ThreatTailSize)
	assert.Len(t, view.PacketTail, 3)
	assert.Len(t, view.ThreatTail, 4)
	assert.InDelta(t, 50, view.HealthScore, 1e-9)
}

func TestProcessRecord_Threshold(t *testing.T) {
	m, log := newTestMonitor(t, &scripted{scores: []float64{0.95, 0.5, 0.8}})
	ctx := context.Background()

	d, err := m.ProcessRecord(ctx, tcpRecord("high", 100))
	require.NoError(t, err)
	assert.True(t, d.IsThreat)

	d, err = m.ProcessRecord(ctx, tcpRecord("low", 100))
	require.NoError(t, err)
	assert.False(t, d.IsThreat)

	d, err = m.ProcessRecord(ctx, tcpRecord("edge", 100))
	require.NoError(t, err)
	assert.False(t, d.IsThreat, "a score equal to the threshold is not a threat")

	total, threats := m.Session().Counts()
	assert.Equal(t, uint64(3), total)
	assert.Equal(t, uint64(1), threats)

	tail := m.Session().ThreatTail(ThreatTailSize)
	require.Len(t, tail, 1)
	assert.Equal(t, "high", tail[0].Packet.ID)
	assert.Equal(t, "SA", tail[0].Flags)
	assert.InDelta(t, 0.8, tail[0].Threshold, 1e-9)

	assert.Len(t, log.ofType(events.EventThreatDetected), 1)
}

func TestProcessRecord_ScoringFailureKeepsRecord(t *testing.T) {
	m, log := newTestMonitor(t, &scripted{err: errors.New("model exploded")})

	_, err := m.ProcessRecord(context.Background(), tcpRecord("p1", 100))
	require.Error(t, err)

	tail := m.Session().PacketTail(PacketTailSize)
	require.Len(t, tail, 1)
	assert.False(t, tail[0].Scored)
	assert.Contains(t, tail[0].Error, "model exploded")

	_, threats := m.Session().Counts()
	assert.Zero(t, threats)

	scoringErrors := log.ofType(events.EventScoringError)
	require.Len(t, scoringErrors, 1)
	assert.Equal(t, "p1", scoringErrors[0].Data.(events.RecordError).PacketID)
}

func TestProcessRecord_NonFiniteScore(t *testing.T) {
	m, _ := newTestMonitor(t, &scripted{scores: []float64{math.NaN()}})

	_, err := m.ProcessRecord(context.Background(), tcpRecord("nan", 100))
	assert.ErrorIs(t, err, ml.ErrInvalidScore)

	_, threats := m.Session().Counts()
	assert.Zero(t, threats)
}

func TestProcessRecord_ShapeMismatchDropsRecord(t *testing.T) {
	bank := ml.NewDefaultScalerBank()
	bank.MinMax.DataMin = bank.MinMax.DataMin[:3]
	bank.MinMax.DataMax = bank.MinMax.DataMax[:3]

	pipeline, err := ml.NewPipeline(bank, ml.NewDefaultClassifier(), nil)
	require.NoError(t, err)

	bus := events.NewEventBus(&events.EventBusConfig{EnableBatching: false})
	log := &eventLog{}
	bus.SetGlobalHandler(log.handle)
	m := New(pipeline, bus)

	_, err = m.ProcessRecord(context.Background(), tcpRecord("wide", 100))
	assert.ErrorIs(t, err, ml.ErrShapeMismatch)

	total, _ := m.Session().Counts()
	assert.Zero(t, total)
	assert.Len(t, log.ofType(events.EventRecordDropped), 1)
}

func TestStart_ValidatesOptions(t *testing.T) {
	m, _ := newTestMonitor(t, nil)

	opts := simulationOptions()
	opts.Threshold = 1.5
	assert.ErrorIs(t, m.Start(context.Background(), opts), ml.ErrInvalidThreshold)

	opts = simulationOptions()
	opts.Interval = 100 * time.Millisecond
	assert.ErrorIs(t, m.Start(context.Background(), opts), ErrInvalidInterval)

	opts = simulationOptions()
	opts.Interval = 6 * time.Second
	assert.ErrorIs(t, m.Start(context.Background(), opts), ErrInvalidInterval)

	assert.Equal(t, StateIdle, m.State())
	assert.ErrorIs(t, m.Stop(), ErrNotRunning)
}

func TestStart_CaptureUnavailable(t *testing.T) {
	m, log := newTestMonitor(t, nil)

	opts := DefaultOptions()
	opts.Interface = "nids-missing0"

	err := m.Start(context.Background(), opts)
	assert.ErrorIs(t, err, capture.ErrCaptureUnavailable)
	assert.Equal(t, StateIdle, m.State())
	assert.Len(t, log.ofType(events.EventCaptureError), 1)
	assert.Empty(t, log.ofType(events.EventCaptureStarted))
}

func TestStart_SimulateOnUnavailable(t *testing.T) {
	m, log := newTestMonitor(t, nil)

	opts := DefaultOptions()
	opts.Interface = "nids-missing0"
	opts.Interval = MinInterval
	opts.SimulateOnUnavailable = true

	require.NoError(t, m.Start(context.Background(), opts))
	assert.Equal(t, StateMonitoring, m.State())

	snap := m.Snapshot()
	assert.Equal(t, string(capture.ModeSimulation), snap.Mode)
	assert.True(t, snap.Simulated)
	assert.NotEmpty(t, snap.FallbackReason)

	started := log.ofType(events.EventCaptureStarted)
	require.Len(t, started, 1)
	data := started[0].Data.(events.CaptureStarted)
	assert.True(t, data.Fallback)
	assert.Equal(t, string(capture.ModeSimulation), data.Mode)

	require.NoError(t, m.Stop())
}

func TestStartStop_Simulation(t *testing.T) {
	m, log := newTestMonitor(t, nil)
	opts := simulationOptions()

	require.NoError(t, m.Start(context.Background(), opts))
	assert.ErrorIs(t, m.Start(context.Background(), opts), ErrAlreadyRunning)
	assert.ErrorIs(t, m.Reset(), ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		return m.Snapshot().TotalPackets > 0
	}, 3*time.Second, 20*time.Millisecond)

	start := time.Now()
	require.NoError(t, m.Stop())
	assert.Less(t, time.Since(start), opts.Interval, "stop must return within one polling interval")
	assert.Equal(t, StateIdle, m.State())

	stopped := log.ofType(events.EventMonitorStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, StopRequested, stopped[0].Data.(events.MonitorStopped).Reason)

	// History survives stop and the next start resumes the session.
	before, _ := m.Session().Counts()
	assert.NotZero(t, before)
	sessionID := m.Session().ID()

	require.NoError(t, m.Start(context.Background(), opts))
	require.NoError(t, m.Stop())
	assert.Equal(t, sessionID, m.Session().ID())
	after, _ := m.Session().Counts()
	assert.GreaterOrEqual(t, after, before)

	require.NoError(t, m.Reset())
	total, _ := m.Session().Counts()
	assert.Zero(t, total)
	assert.NotEqual(t, sessionID, m.Session().ID())
}

func TestStart_ContextCancelStopsLoop(t *testing.T) {
	m, log := newTestMonitor(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx, simulationOptions()))
	cancel()

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
	assert.Equal(t, StateIdle, m.State())

	stopped := log.ofType(events.EventMonitorStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, StopCancelled, stopped[0].Data.(events.MonitorStopped).Reason)
}

// fakeSource is a capture source driven by the test.
type fakeSource struct {
	done       chan struct{}
	err        error
	endOnStart bool
	panicStats atomic.Bool
}

func (f *fakeSource) Start(context.Context) error {
	if f.endOnStart {
		close(f.done)
	}
	return nil
}

func (f *fakeSource) Stop() error { return nil }

func (f *fakeSource) Stats() *models.CaptureStats {
	if f.panicStats.CompareAndSwap(true, false) {
		panic("stats exploded")
	}
	return &models.CaptureStats{Mode: "fake"}
}

func (f *fakeSource) SetHandler(capture.PacketHandler) {}
func (f *fakeSource) SetBPFFilter(string) error       { return nil }
func (f *fakeSource) Done() <-chan struct{}            { return f.done }
func (f *fakeSource) Err() error                       { return f.err }

func TestLoop_SourceErrorReturnsIdle(t *testing.T) {
	m, log := newTestMonitor(t, nil)
	src := &fakeSource{done: make(chan struct{}), err: capture.ErrSourceClosed, endOnStart: true}
	m.SetSourceFactory(func(*capture.Config) (capture.Source, error) { return src, nil })

	require.NoError(t, m.Start(context.Background(), simulationOptions()))

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not end with the source")
	}
	assert.Equal(t, StateIdle, m.State())

	stopped := log.ofType(events.EventMonitorStopped)
	require.Len(t, stopped, 1)
	data := stopped[0].Data.(events.MonitorStopped)
	assert.Equal(t, StopCaptureFailed, data.Reason)
	assert.Contains(t, data.Error, "closed unexpectedly")
}

func TestLoop_PanicReturnsIdle(t *testing.T) {
	m, log := newTestMonitor(t, nil)
	src := &fakeSource{done: make(chan struct{})}
	src.panicStats.Store(true)
	m.SetSourceFactory(func(*capture.Config) (capture.Source, error) { return src, nil })

	require.NoError(t, m.Start(context.Background(), simulationOptions()))

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after panic")
	}
	assert.Equal(t, StateIdle, m.State())

	stopped := log.ofType(events.EventMonitorStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, StopPanic, stopped[0].Data.(events.MonitorStopped).Reason)
}

// slowClassifier takes a fixed time per record and honours cancellation.
type slowClassifier struct {
	delay time.Duration
	calls atomic.Int64
}

func (c *slowClassifier) PredictProba(ctx context.Context, _ ml.ScaledVector) (float64, error) {
	c.calls.Add(1)
	select {
	case <-time.After(c.delay):
		return 0.1, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// burstSource hands n records to the handler on Start and then stays open.
type burstSource struct {
	fakeSource
	n       int
	handler capture.PacketHandler
}

func (b *burstSource) SetHandler(h capture.PacketHandler) { b.handler = h }

func (b *burstSource) Start(context.Context) error {
	for i := 0; i < b.n; i++ {
		b.handler(tcpRecord("burst", 60))
	}
	return nil
}

func TestStop_DiscardsQueuedRecords(t *testing.T) {
	classifier := &slowClassifier{delay: 2 * time.Millisecond}
	m, log := newTestMonitor(t, classifier)
	src := &burstSource{fakeSource: fakeSource{done: make(chan struct{})}, n: 500}
	m.SetSourceFactory(func(*capture.Config) (capture.Source, error) { return src, nil })

	opts := simulationOptions()
	opts.QueueSize = 1000
	require.NoError(t, m.Start(context.Background(), opts))

	require.Eventually(t, func() bool { return classifier.calls.Load() >= 10 }, 3*time.Second, time.Millisecond)
	require.NoError(t, m.Stop())

	total, threats := m.Session().Counts()
	assert.Less(t, total, uint64(500), "stop must not score the whole queue")
	assert.Zero(t, threats)
	for _, entry := range m.Session().PacketTail(int(total)) {
		assert.Empty(t, entry.Error, "stopped records must not look like classifier failures")
	}
	assert.Empty(t, log.ofType(events.EventScoringError))

	dropped := log.ofType(events.EventRecordDropped)
	assert.Equal(t, 500, int(total)+len(dropped))
	for _, e := range dropped {
		assert.Equal(t, DropStopped, e.Data.(events.RecordError).Reason)
	}
}

func TestStart_HandlersMayReadState(t *testing.T) {
	m, _ := newTestMonitor(t, nil)

	seen := make(chan State, 4)
	readState := func(*events.Event) { seen <- m.State() }
	m.Events().Subscribe(events.EventCaptureStarted, readState)
	m.Events().Subscribe(events.EventCaptureError, readState)

	m.SetSourceFactory(func(*capture.Config) (capture.Source, error) {
		return nil, errors.New("no such device")
	})
	opts := simulationOptions()
	opts.Mode = capture.ModeLive
	opts.Interface = "eth9"

	started := make(chan error, 1)
	go func() { started <- m.Start(context.Background(), opts) }()
	select {
	case err := <-started:
		assert.ErrorIs(t, err, capture.ErrCaptureUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("Start blocked on a handler reading monitor state")
	}
	assert.Equal(t, StateIdle, <-seen)

	m.SetSourceFactory(func(*capture.Config) (capture.Source, error) {
		return &fakeSource{done: make(chan struct{})}, nil
	})
	go func() { started <- m.Start(context.Background(), simulationOptions()) }()
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start blocked on a handler reading monitor state")
	}
	assert.Equal(t, StateMonitoring, <-seen)
	require.NoError(t, m.Stop())
}

func TestEnqueue_DropsWhenFull(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	queue := make(chan *models.Packet, 2)

	for i := 0; i < 5; i++ {
		m.enqueue(queue, tcpRecord("q", 60))
	}
	assert.Len(t, queue, 2)
	assert.Equal(t, uint64(3), m.Snapshot().QueueDrops)
}

// Sixty loop iterations over simulated traffic.
func TestTick_SimulatedIterations(t *testing.T) {
	m, log := newTestMonitor(t, nil)
	ctx := context.Background()

	sim := capture.NewSimulator(&capture.Config{Mode: capture.ModeSimulation, SimulationSeed: 3})
	r := &run{
		opts:   simulationOptions(),
		mode:   capture.ModeSimulation,
		source: sim,
		queue:  make(chan *models.Packet, 64),
	}
	m.Session().setMode(string(capture.ModeSimulation))

	for i := 0; i < 60; i++ {
		for _, pkt := range sim.Generate(10) {
			m.enqueue(r.queue, pkt)
		}
		m.tick(ctx, r)
	}

	snap := m.Snapshot()
	assert.Equal(t, uint64(600), snap.TotalPackets)
	assert.LessOrEqual(t, snap.ThreatsDetected, snap.TotalPackets)
	assert.LessOrEqual(t, len(snap.PacketTail), PacketTailSize)
	assert.LessOrEqual(t, len(snap.ThreatTail), ThreatTailSize)
	assert.Len(t, snap.PacketTail, PacketTailSize)

	assert.Len(t, log.ofType(events.EventMonitorTick), 60)
	assert.Equal(t, int(snap.ThreatsDetected), len(log.ofType(events.EventThreatDetected)))
	assert.InDelta(t, HealthScore(snap.TotalPackets, snap.ThreatsDetected), snap.HealthScore, 1e-9)

	for i := 1; i < len(snap.ThreatTail); i++ {
		assert.False(t, snap.ThreatTail[i].DetectedAt.After(snap.ThreatTail[i-1].DetectedAt), "threat tail must be newest first")
	}
}

func TestReportArtifacts_EmitsFallbacks(t *testing.T) {
	store, err := ml.NewArtifactStore(t.TempDir())
	require.NoError(t, err)

	pipeline, results, err := ml.LoadPipeline(store, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	bus := events.NewEventBus(&events.EventBusConfig{EnableBatching: false})
	log := &eventLog{}
	bus.SetGlobalHandler(log.handle)

	m := New(pipeline, bus)
	m.ReportArtifacts(results)

	fallbacks := log.ofType(events.EventModelFallback)
	require.Len(t, fallbacks, 3)
	for _, e := range fallbacks {
		assert.Equal(t, string(ml.ReasonMissing), e.Data.(events.ModelFallback).Reason)
	}

	// Persisted defaults load cleanly the second time.
	_, results, err = ml.LoadPipeline(store, nil, nil)
	require.NoError(t, err)
	for _, res := range results {
		assert.True(t, res.Loaded, "%s fell back again: %s", res.Artifact, res.Reason)
	}
}
