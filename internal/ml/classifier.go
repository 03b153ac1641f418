// Package ml provides machine learning inference capabilities for network intrusion detection
package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// ErrInvalidScore is returned when a backend produces a non-finite score.
var ErrInvalidScore = errors.New("ml: classifier returned a non-finite score")

// Classifier scores a scaled feature vector with the probability that the
// originating record is malicious.
type Classifier interface {
	PredictProba(ctx context.Context, x ScaledVector) (float64, error)
}

// LabelPredictor is a model that only exposes a hard {0,1} label.
type LabelPredictor interface {
	PredictLabel(ctx context.Context, x ScaledVector) (int, error)
}

// LabelScorer adapts a LabelPredictor to Classifier by treating the label as
// the probability.
type LabelScorer struct {
	Model LabelPredictor
}

// PredictProba implements Classifier
func (s LabelScorer) PredictProba(ctx context.Context, x ScaledVector) (float64, error) {
	label, err := s.Model.PredictLabel(ctx, x)
	if err != nil {
		return 0, err
	}
	if label != 0 {
		return 1, nil
	}
	return 0, nil
}

// LogisticRegression is a binary logistic model over the feature schema.
type LogisticRegression struct {
	Coef      [FeatureCount]float64 `json:"coef"`
	Intercept float64               `json:"intercept"`
	// C is the inverse L2 regularisation strength used when fitting.
	C float64 `json:"c"`
}

// FitConfig controls LogisticRegression.Fit.
type FitConfig struct {
	C            float64
	LearningRate float64
	Iterations   int
}

// DefaultFitConfig returns the fitting defaults
func DefaultFitConfig() FitConfig {
	return FitConfig{
		C:            1.0,
		LearningRate: 0.1,
		Iterations:   5000,
	}
}

// NewDefaultClassifier fits a logistic model on the two-point toy set
// [0,0,0,0]→0 and [1,1,1,1]→1. Its scores are uninformative but it always
// produces a usable model.
func NewDefaultClassifier() *LogisticRegression {
	x := [][FeatureCount]float64{
		{0, 0, 0, 0},
		{1, 1, 1, 1},
	}
	y := []float64{0, 1}

	model := &LogisticRegression{}
	// Inputs are well formed; Fit only fails on empty or mismatched data.
	_ = model.Fit(x, y, DefaultFitConfig())
	return model
}

// Fit trains the model with L2-regularised batch gradient descent. The
// intercept is not regularised. Training is deterministic.
func (m *LogisticRegression) Fit(x [][FeatureCount]float64, y []float64, cfg FitConfig) error {
	if len(x) == 0 {
		return ErrEmptyData
	}
	if len(x) != len(y) {
		return fmt.Errorf("ml: %d samples but %d labels", len(x), len(y))
	}
	if cfg.C <= 0 {
		cfg.C = 1.0
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.1
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = 5000
	}

	var w [FeatureCount]float64
	var b float64
	for iter := 0; iter < cfg.Iterations; iter++ {
		var gradW [FeatureCount]float64
		var gradB float64
		for i, row := range x {
			residual := sigmoid(dot(w, row)+b) - y[i]
			for j := range row {
				gradW[j] += residual * row[j]
			}
			gradB += residual
		}
		for j := range w {
			w[j] -= cfg.LearningRate * (w[j] + cfg.C*gradW[j])
		}
		b -= cfg.LearningRate * cfg.C * gradB
	}

	m.Coef = w
	m.Intercept = b
	m.C = cfg.C
	return nil
}

// PredictProba implements Classifier
func (m *LogisticRegression) PredictProba(ctx context.Context, x ScaledVector) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return sigmoid(dot(m.Coef, x) + m.Intercept), nil
}

// PredictLabel returns 1 when the probability is at least 0.5.
func (m *LogisticRegression) PredictLabel(ctx context.Context, x ScaledVector) (int, error) {
	p, err := m.PredictProba(ctx, x)
	if err != nil {
		return 0, err
	}
	if p >= 0.5 {
		return 1, nil
	}
	return 0, nil
}

// Validate rejects models with non-finite parameters.
func (m *LogisticRegression) Validate() error {
	for i, c := range m.Coef {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("ml: coefficient %d is not finite", i)
		}
	}
	if math.IsNaN(m.Intercept) || math.IsInf(m.Intercept, 0) {
		return errors.New("ml: intercept is not finite")
	}
	return nil
}

// ScoringClassifier wraps a backend with a per-call timeout, score
// validation and statistics.
type ScoringClassifier struct {
	backend Classifier
	timeout atomic.Int64 // nanoseconds

	// Statistics (use atomic for lock-free updates)
	predictionCount   atomic.Int64
	errorCount        atomic.Int64
	totalLatencyNanos atomic.Int64
}

// NewScoringClassifier wraps backend. A zero timeout disables the bound.
func NewScoringClassifier(backend Classifier, timeout time.Duration) *ScoringClassifier {
	c := &ScoringClassifier{backend: backend}
	c.SetTimeout(timeout)
	return c
}

// SetTimeout changes the per-call bound for subsequent calls.
func (c *ScoringClassifier) SetTimeout(timeout time.Duration) {
	c.timeout.Store(int64(timeout))
}

// Timeout returns the per-call bound.
func (c *ScoringClassifier) Timeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// Backend returns the wrapped classifier.
func (c *ScoringClassifier) Backend() Classifier {
	return c.backend
}

// PredictProba scores x. Backends that ignore ctx are still abandoned when
// the timeout expires.
func (c *ScoringClassifier) PredictProba(ctx context.Context, x ScaledVector) (float64, error) {
	start := time.Now()
	defer func() {
		c.predictionCount.Add(1)
		c.totalLatencyNanos.Add(time.Since(start).Nanoseconds())
	}()

	score, err := c.predict(ctx, x)
	if err != nil {
		c.errorCount.Add(1)
		return 0, err
	}
	return score, nil
}

func (c *ScoringClassifier) predict(ctx context.Context, x ScaledVector) (float64, error) {
	timeout := c.Timeout()
	if timeout <= 0 {
		return c.call(ctx, x)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		score float64
		err   error
	}
	done := make(chan result, 1)
	go func() {
		score, err := c.call(ctx, x)
		done <- result{score, err}
	}()

	select {
	case r := <-done:
		return r.score, r.err
	case <-ctx.Done():
		return 0, fmt.Errorf("ml: predict: %w", ctx.Err())
	}
}

// call invokes the backend, converting panics into errors.
func (c *ScoringClassifier) call(ctx context.Context, x ScaledVector) (score float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ml: classifier panic: %v", r)
		}
	}()

	score, err = c.backend.PredictProba(ctx, x)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, ErrInvalidScore
	}
	return clamp01(score), nil
}

// GetStatistics returns prediction statistics
func (c *ScoringClassifier) GetStatistics() ClassifierStats {
	// Atomic reads - no lock needed
	count := c.predictionCount.Load()
	totalLatency := time.Duration(c.totalLatencyNanos.Load())

	var avgLatency time.Duration
	if count > 0 {
		avgLatency = totalLatency / time.Duration(count)
	}

	return ClassifierStats{
		PredictionCount: count,
		ErrorCount:      c.errorCount.Load(),
		TotalLatency:    totalLatency,
		AverageLatency:  avgLatency,
	}
}

// ClassifierStats holds classifier statistics
type ClassifierStats struct {
	PredictionCount int64
	ErrorCount      int64
	TotalLatency    time.Duration
	AverageLatency  time.Duration
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func dot(w [FeatureCount]float64, x [FeatureCount]float64) float64 {
	var sum float64
	for i := range w {
		sum += w[i] * x[i]
	}
	return sum
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
