package ml

import (
	"context"
	"errors"
	"math"
	"net"
	"testing"
	"time"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/models"
)

func TestFeatureExtractor_ExtractTCP(t *testing.T) {
	extractor := NewFeatureExtractor()

	packet := &models.Packet{
		HasIP:    true,
		SrcIP:    net.ParseIP("192.168.1.100"),
		DstIP:    net.ParseIP("10.0.0.1"),
		IPProto:  6,
		Protocol: "TCP",
		Length:   100,
		SrcPort:  45678,
		DstPort:  443,
	}

	got := extractor.Extract(packet)
	want := FeatureVector{6, 100, 100, 1}
	if got != want {
		t.Errorf("Extract() = %v, want %v", got, want)
	}

	if got.Protocol() != 6 || got.SBytes() != 100 || got.DBytes() != 100 || got.Rate() != 1 {
		t.Errorf("accessors disagree with vector %v", got)
	}
}

func TestFeatureExtractor_ExtractNonIP(t *testing.T) {
	extractor := NewFeatureExtractor()

	tests := []struct {
		name   string
		packet *models.Packet
	}{
		{"nil record", nil},
		{"arp frame", &models.Packet{Length: 42, Protocol: "ARP"}},
		{"non-ip with stale proto", &models.Packet{IPProto: 6, Length: 60}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractor.Extract(tt.packet); got != (FeatureVector{}) {
				t.Errorf("Extract() = %v, want zero vector", got)
			}
		})
	}
}

func TestFeatureExtractor_ExtractSimulated(t *testing.T) {
	extractor := NewFeatureExtractor()

	packet := &models.Packet{
		Simulated: true,
		HasIP:     true,
		IPProto:   17,
		Length:    700,
		SrcBytes:  512,
		DstBytes:  1024,
		Rate:      42.5,
	}

	want := FeatureVector{17, 512, 1024, 42.5}
	if got := extractor.Extract(packet); got != want {
		t.Errorf("Extract() = %v, want %v", got, want)
	}
}

func TestFeatureExtractor_ExtractAux(t *testing.T) {
	extractor := NewFeatureExtractor()

	packet := &models.Packet{
		HasIP:     true,
		IPProto:   6,
		Length:    60,
		TTL:       64,
		DstPort:   22,
		TCPFlags:  models.FlagSYN | models.FlagACK,
		TCPWindow: 65535,
	}

	aux := extractor.ExtractAux(packet)
	if aux.Service != 22 {
		t.Errorf("Service = %v, want 22", aux.Service)
	}
	if aux.SynAck != 1 {
		t.Errorf("SynAck = %v, want 1", aux.SynAck)
	}
	if aux.SWin != 65535 || aux.STTL != 64 {
		t.Errorf("unexpected window/ttl: %+v", aux)
	}
}

func TestFeatureNamesOrder(t *testing.T) {
	names := FeatureNames()
	want := []string{"protocol", "sbytes", "dbytes", "rate"}
	if len(names) != len(want) {
		t.Fatalf("got %d names, want %d", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	// Mutating the returned slice must not affect the schema
	names[0] = "mutated"
	if FeatureNames()[0] != "protocol" {
		t.Error("FeatureNames returned shared storage")
	}
}

func TestVectorFromMap(t *testing.T) {
	v := VectorFromMap(map[string]float64{
		"protocol": 17,
		"sbytes":   300,
		"service":  53, // not part of the schema
	})

	want := FeatureVector{17, 300, 0, 0}
	if v != want {
		t.Errorf("VectorFromMap() = %v, want %v", v, want)
	}

	m := want.Map()
	if m["protocol"] != 17 || len(m) != FeatureCount {
		t.Errorf("Map() = %v", m)
	}
}

func TestMinMaxScaler_FitTransform(t *testing.T) {
	scaler := NewMinMaxScaler()
	rows := [][]float64{
		{6, 40, 40, 1},
		{17, 1500, 1500, 100},
		{6, 770, 770, 50.5},
	}
	if err := scaler.Fit(rows); err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	out, err := scaler.TransformRow([]float64{17, 40, 1500, 50.5})
	if err != nil {
		t.Fatalf("TransformRow() error = %v", err)
	}
	want := []float64{1, 0, 1, 0.5}
	for i := range want {
		if math.Abs(out[i]-want[i]) > 1e-9 {
			t.Errorf("column %d = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestMinMaxScaler_ZeroRange(t *testing.T) {
	scaler := NewMinMaxScaler()
	if err := scaler.Fit([][]float64{{5, 5, 5, 5}, {5, 5, 5, 5}}); err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	out, err := scaler.TransformRow([]float64{7, 5, 3, 5})
	if err != nil {
		t.Fatalf("TransformRow() error = %v", err)
	}
	// Zero-range columns use scale 1: value minus the column minimum
	want := []float64{2, 0, -2, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("column %d = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestStandardScaler_FitTransform(t *testing.T) {
	scaler := NewStandardScaler()
	if err := scaler.Fit([][]float64{{0, 10}, {2, 10}}); err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	out, err := scaler.TransformRow([]float64{2, 12})
	if err != nil {
		t.Fatalf("TransformRow() error = %v", err)
	}
	if out[0] != 1 {
		t.Errorf("column 0 = %v, want 1", out[0])
	}
	if out[1] != 2 {
		t.Errorf("zero-variance column = %v, want 2", out[1])
	}
}

func TestScaler_ShapeMismatch(t *testing.T) {
	scaler := NewMinMaxScaler()
	if err := scaler.Fit([][]float64{{1, 2, 3}}); err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	if _, err := scaler.TransformRow([]float64{1, 2, 3, 4}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("TransformRow() error = %v, want ErrShapeMismatch", err)
	}

	bank := &ScalerBank{MinMax: scaler, Standard: NewStandardScaler()}
	if _, err := bank.Transform(FeatureVector{1, 2, 3, 4}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Transform() error = %v, want ErrShapeMismatch", err)
	}

	if err := NewMinMaxScaler().Fit([][]float64{{1, 2}, {1}}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Fit() on ragged rows error = %v, want ErrShapeMismatch", err)
	}
	if err := NewMinMaxScaler().Fit(nil); !errors.Is(err, ErrEmptyData) {
		t.Errorf("Fit(nil) error = %v, want ErrEmptyData", err)
	}
}

func TestDefaultScalerBank_Identity(t *testing.T) {
	bank := NewDefaultScalerBank()
	if err := bank.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	v := FeatureVector{6, 100, 100, 1}
	scaled, err := bank.Transform(v)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if ScaledVector(v) != scaled {
		t.Errorf("Transform() = %v, want identity %v", scaled, v)
	}

	std, err := bank.Standardize(v)
	if err != nil {
		t.Fatalf("Standardize() error = %v", err)
	}
	for i := range std {
		if std[i] != v[i] {
			t.Errorf("Standardize()[%d] = %v, want %v", i, std[i], v[i])
		}
	}
}

func TestDefaultClassifier_TwoPointFit(t *testing.T) {
	model := NewDefaultClassifier()
	ctx := context.Background()

	low, err := model.PredictProba(ctx, ScaledVector{0, 0, 0, 0})
	if err != nil {
		t.Fatalf("PredictProba(zeros) error = %v", err)
	}
	high, err := model.PredictProba(ctx, ScaledVector{1, 1, 1, 1})
	if err != nil {
		t.Fatalf("PredictProba(ones) error = %v", err)
	}

	if low >= 0.5 || high <= 0.5 {
		t.Errorf("expected low < 0.5 < high, got %v and %v", low, high)
	}
	// L2 with C=1 keeps the fit soft
	if math.Abs(low-0.338) > 0.01 || math.Abs(high-0.662) > 0.01 {
		t.Errorf("scores %v/%v differ from the regularised optimum 0.338/0.662", low, high)
	}

	again := NewDefaultClassifier()
	if again.Coef != model.Coef || again.Intercept != model.Intercept {
		t.Error("default fit is not deterministic")
	}

	label, err := model.PredictLabel(ctx, ScaledVector{1, 1, 1, 1})
	if err != nil || label != 1 {
		t.Errorf("PredictLabel(ones) = %d, %v", label, err)
	}
}

func TestLogisticRegression_PredictRange(t *testing.T) {
	model := &LogisticRegression{Coef: [FeatureCount]float64{50, 50, 50, 50}, Intercept: -10}
	inputs := []ScaledVector{
		{0, 0, 0, 0},
		{1e6, 1e6, 1e6, 1e6},
		{-1e6, -1e6, -1e6, -1e6},
	}
	for _, x := range inputs {
		p, err := model.PredictProba(context.Background(), x)
		if err != nil {
			t.Fatalf("PredictProba(%v) error = %v", x, err)
		}
		if p < 0 || p > 1 || math.IsNaN(p) {
			t.Errorf("PredictProba(%v) = %v, outside [0,1]", x, p)
		}
	}
}

type fixedClassifier struct {
	score float64
	err   error
	delay time.Duration
	panic bool
}

func (f *fixedClassifier) PredictProba(ctx context.Context, _ ScaledVector) (float64, error) {
	if f.panic {
		panic("boom")
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.score, f.err
}

type fixedLabel int

func (l fixedLabel) PredictLabel(context.Context, ScaledVector) (int, error) {
	return int(l), nil
}

func TestLabelScorer(t *testing.T) {
	for _, label := range []int{0, 1} {
		scorer := LabelScorer{Model: fixedLabel(label)}
		p, err := scorer.PredictProba(context.Background(), ScaledVector{})
		if err != nil {
			t.Fatalf("PredictProba() error = %v", err)
		}
		if p != float64(label) {
			t.Errorf("label %d scored %v", label, p)
		}
	}
}

func TestScoringClassifier_Validation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		backend *fixedClassifier
		want    float64
		wantErr error
	}{
		{"in range", &fixedClassifier{score: 0.7}, 0.7, nil},
		{"clamped high", &fixedClassifier{score: 1.3}, 1, nil},
		{"clamped low", &fixedClassifier{score: -0.2}, 0, nil},
		{"nan", &fixedClassifier{score: math.NaN()}, 0, ErrInvalidScore},
		{"inf", &fixedClassifier{score: math.Inf(1)}, 0, ErrInvalidScore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewScoringClassifier(tt.backend, time.Second)
			got, err := c.PredictProba(ctx, ScaledVector{})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoringClassifier_Timeout(t *testing.T) {
	c := NewScoringClassifier(&fixedClassifier{score: 0.9, delay: 500 * time.Millisecond}, 20*time.Millisecond)

	start := time.Now()
	_, err := c.PredictProba(context.Background(), ScaledVector{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("hung classifier held the caller for %v", elapsed)
	}

	stats := c.GetStatistics()
	if stats.PredictionCount != 1 || stats.ErrorCount != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestScoringClassifier_RecoversPanic(t *testing.T) {
	c := NewScoringClassifier(&fixedClassifier{panic: true}, time.Second)
	if _, err := c.PredictProba(context.Background(), ScaledVector{}); err == nil {
		t.Fatal("expected error from panicking backend")
	}
}

func TestPipeline_Threshold(t *testing.T) {
	ctx := context.Background()
	packet := &models.Packet{HasIP: true, IPProto: 6, Length: 100}

	tests := []struct {
		name       string
		score      float64
		wantThreat bool
	}{
		{"above threshold", 0.95, true},
		{"below threshold", 0.5, false},
		{"equal to threshold", 0.8, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPipeline(NewDefaultScalerBank(), &fixedClassifier{score: tt.score}, DefaultPipelineConfig())
			if err != nil {
				t.Fatalf("NewPipeline() error = %v", err)
			}
			d, err := p.Score(ctx, packet)
			if err != nil {
				t.Fatalf("Score() error = %v", err)
			}
			if d.IsThreat != tt.wantThreat {
				t.Errorf("IsThreat = %v, want %v (score %v)", d.IsThreat, tt.wantThreat, d.Score)
			}
			if d.Features != (FeatureVector{6, 100, 100, 1}) {
				t.Errorf("Features = %v", d.Features)
			}
		})
	}
}

func TestPipeline_SetThreshold(t *testing.T) {
	p, err := NewPipeline(NewDefaultScalerBank(), NewDefaultClassifier(), nil)
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}

	for _, bad := range []float64{-0.1, 1.1, math.NaN()} {
		if err := p.SetThreshold(bad); !errors.Is(err, ErrInvalidThreshold) {
			t.Errorf("SetThreshold(%v) error = %v", bad, err)
		}
	}

	if err := p.SetThreshold(0.3); err != nil {
		t.Fatalf("SetThreshold(0.3) error = %v", err)
	}
	d, err := p.ScoreRecord(context.Background(), map[string]float64{
		"protocol": 1, "sbytes": 1, "dbytes": 1, "rate": 1,
	})
	if err != nil {
		t.Fatalf("ScoreRecord() error = %v", err)
	}
	if !d.IsThreat {
		t.Errorf("score %v should exceed threshold 0.3", d.Score)
	}
}

func TestPipeline_ScoringError(t *testing.T) {
	backendErr := errors.New("backend down")
	p, err := NewPipeline(NewDefaultScalerBank(), &fixedClassifier{err: backendErr}, nil)
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	if _, err := p.Score(context.Background(), &models.Packet{}); !errors.Is(err, backendErr) {
		t.Errorf("Score() error = %v, want wrapped backend error", err)
	}
}

func TestONNXClassifier_NotInitialized(t *testing.T) {
	c := NewONNXClassifier(nil)
	if _, err := c.PredictProba(context.Background(), ScaledVector{}); !errors.Is(err, ErrEngineNotInitialized) {
		t.Errorf("PredictProba() error = %v, want ErrEngineNotInitialized", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on uninitialized engine: %v", err)
	}
}

func TestONNXClassifier_Initialize(t *testing.T) {
	cfg := DefaultONNXConfig()
	cfg.ModelPath = "/nonexistent/model.onnx"

	c := NewONNXClassifier(cfg)
	if err := c.Initialize(); err == nil {
		c.Close()
		t.Skip("ONNX Runtime unexpectedly loaded a nonexistent model")
	}
}
