// Package benchmark provides performance benchmarks for the NIDS pipeline
package benchmark

import (
	"context"
	"strconv"
	"testing"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/capture"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/events"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/integrity"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/ml"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/models"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/monitor"
	"github.com/justysssss/Network-Intrusion-Detection-System/test/fixtures"
)

func simulatedRecords(n int) []*models.Packet {
	sim := capture.NewSimulator(&capture.Config{Mode: capture.ModeSimulation, SimulationSeed: 1})
	return sim.Generate(n)
}

// =============================================================================
// Feature Benchmarks
// =============================================================================

// BenchmarkFeatureExtract measures feature extraction for captured and
// simulated records.
func BenchmarkFeatureExtract(b *testing.B) {
	pf := fixtures.NewPacketFixture()
	cases := map[string]*models.Packet{
		"tcp":       pf.TCPPacket("192.168.1.10", "10.0.0.5", 51000, 443, models.FlagSYN, 512),
		"simulated": pf.SimulatedPacket(17, 800, 1200, 42),
	}

	for name, pkt := range cases {
		b.Run(name, func(b *testing.B) {
			fe := ml.NewFeatureExtractor()
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = fe.Extract(pkt)
			}
		})
	}
}

// BenchmarkScalerTransform measures the min-max and standard scalers.
func BenchmarkScalerTransform(b *testing.B) {
	rows := make([][]float64, 0, 256)
	for _, pkt := range simulatedRecords(256) {
		rows = append(rows, ml.NewFeatureExtractor().Extract(pkt).Slice())
	}

	minmax := ml.NewMinMaxScaler()
	if err := minmax.Fit(rows); err != nil {
		b.Fatal(err)
	}
	standard := ml.NewStandardScaler()
	if err := standard.Fit(rows); err != nil {
		b.Fatal(err)
	}

	row := rows[0]
	b.Run("minmax", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if _, err := minmax.TransformRow(row); err != nil {
				b.Fatal(err)
			}
		}
	})
	b.Run("standard", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if _, err := standard.TransformRow(row); err != nil {
				b.Fatal(err)
			}
		}
	})
}

// =============================================================================
// Scoring Benchmarks
// =============================================================================

// BenchmarkPipelineScore measures a full extract → scale → score pass.
func BenchmarkPipelineScore(b *testing.B) {
	pipeline, err := ml.NewPipeline(ml.NewDefaultScalerBank(), ml.NewDefaultClassifier(), nil)
	if err != nil {
		b.Fatal(err)
	}
	records := simulatedRecords(1024)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := pipeline.Score(ctx, records[i%len(records)]); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkPipelineScoreParallel measures scoring from concurrent callers.
func BenchmarkPipelineScoreParallel(b *testing.B) {
	pipeline, err := ml.NewPipeline(ml.NewDefaultScalerBank(), ml.NewDefaultClassifier(), nil)
	if err != nil {
		b.Fatal(err)
	}
	records := simulatedRecords(1024)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if _, err := pipeline.Score(ctx, records[i%len(records)]); err != nil {
				b.Error(err)
				return
			}
			i++
		}
	})
}

// BenchmarkProcessRecord measures scoring plus session bookkeeping.
func BenchmarkProcessRecord(b *testing.B) {
	pipeline, err := ml.NewPipeline(ml.NewDefaultScalerBank(), ml.NewDefaultClassifier(), nil)
	if err != nil {
		b.Fatal(err)
	}
	bus := events.NewEventBus(&events.EventBusConfig{EnableBatching: false})
	mon := monitor.New(pipeline, bus)
	records := simulatedRecords(1024)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := mon.ProcessRecord(ctx, records[i%len(records)]); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSessionRecord measures history insertion once the ring is full.
func BenchmarkSessionRecord(b *testing.B) {
	session := monitor.NewSession(monitor.DefaultHistorySize)
	records := simulatedRecords(1024)
	for i := 0; i < monitor.DefaultHistorySize; i++ {
		session.Record(monitor.PacketEntry{Packet: records[i%len(records)], Scored: true}, nil)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		session.Record(monitor.PacketEntry{Packet: records[i%len(records)], Scored: true}, nil)
	}
}

// BenchmarkSessionView measures the snapshot read taken on every tick.
func BenchmarkSessionView(b *testing.B) {
	session := monitor.NewSession(monitor.DefaultHistorySize)
	for _, pkt := range simulatedRecords(monitor.DefaultHistorySize) {
		session.Record(monitor.PacketEntry{Packet: pkt, Scored: true}, nil)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = session.View(monitor.PacketTailSize, monitor.ThreatTailSize)
	}
}

// =============================================================================
// Integrity Benchmarks
// =============================================================================

// BenchmarkArtifactDigest measures BLAKE3 digests over artifact-sized payloads.
func BenchmarkArtifactDigest(b *testing.B) {
	hasher := integrity.NewBLAKE3Hasher()
	for _, size := range []int{256, 4096, 65536} {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i)
		}
		b.Run(strconv.Itoa(size), func(b *testing.B) {
			b.SetBytes(int64(size))
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_ = hasher.Digest(data)
			}
		})
	}
}

// =============================================================================
// Simulation Benchmarks
// =============================================================================

// BenchmarkSimulatorNext measures synthetic record generation.
func BenchmarkSimulatorNext(b *testing.B) {
	sim := capture.NewSimulator(&capture.Config{Mode: capture.ModeSimulation, SimulationSeed: 3})
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = sim.Next()
	}
}
