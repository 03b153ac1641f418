package ml

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/models"
)

// ErrInvalidThreshold is returned for thresholds outside [0,1].
var ErrInvalidThreshold = errors.New("ml: threshold must be within [0,1]")

// PipelineConfig holds configuration for the scoring pipeline
type PipelineConfig struct {
	// Threshold is the score a record must exceed to be a threat
	Threshold float64
	// PredictTimeout bounds a single classifier call. Zero disables the bound.
	PredictTimeout time.Duration
}

// DefaultPipelineConfig returns default pipeline configuration
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		Threshold:      0.8,
		PredictTimeout: 2 * time.Second,
	}
}

// Decision is the outcome of scoring one record.
type Decision struct {
	Features FeatureVector
	Scaled   ScaledVector
	Score    float64
	// IsThreat is Score > Threshold.
	IsThreat  bool
	Threshold float64
	Latency   time.Duration
}

// Pipeline runs extract → scale → score → threshold for single records.
type Pipeline struct {
	extractor  *FeatureExtractor
	scalers    *ScalerBank
	classifier *ScoringClassifier

	mu        sync.RWMutex
	threshold float64
}

// NewPipeline wires a scoring pipeline. Scalers and classifier are fixed for
// the pipeline's lifetime.
func NewPipeline(scalers *ScalerBank, classifier Classifier, cfg *PipelineConfig) (*Pipeline, error) {
	if cfg == nil {
		cfg = DefaultPipelineConfig()
	}
	if scalers == nil || classifier == nil {
		return nil, errors.New("ml: pipeline needs scalers and a classifier")
	}
	if err := ValidateThreshold(cfg.Threshold); err != nil {
		return nil, err
	}

	return &Pipeline{
		extractor:  NewFeatureExtractor(),
		scalers:    scalers,
		classifier: NewScoringClassifier(classifier, cfg.PredictTimeout),
		threshold:  cfg.Threshold,
	}, nil
}

// ValidateThreshold checks that t lies in [0,1].
func ValidateThreshold(t float64) error {
	if !(t >= 0 && t <= 1) {
		return fmt.Errorf("%w: got %v", ErrInvalidThreshold, t)
	}
	return nil
}

// Threshold returns the active threshold.
func (p *Pipeline) Threshold() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.threshold
}

// SetThreshold changes the active threshold for subsequent records.
func (p *Pipeline) SetThreshold(t float64) error {
	if err := ValidateThreshold(t); err != nil {
		return err
	}
	p.mu.Lock()
	p.threshold = t
	p.mu.Unlock()
	return nil
}

// SetPredictTimeout changes the bound on each classifier call.
func (p *Pipeline) SetPredictTimeout(d time.Duration) {
	p.classifier.SetTimeout(d)
}

// Extractor returns the pipeline's feature extractor.
func (p *Pipeline) Extractor() *FeatureExtractor {
	return p.extractor
}

// Scalers returns the scaler bank in use.
func (p *Pipeline) Scalers() *ScalerBank {
	return p.scalers
}

// Score runs one packet record through the pipeline.
func (p *Pipeline) Score(ctx context.Context, packet *models.Packet) (*Decision, error) {
	return p.ScoreVector(ctx, p.extractor.Extract(packet))
}

// ScoreRecord scores a name-keyed feature record.
func (p *Pipeline) ScoreRecord(ctx context.Context, record map[string]float64) (*Decision, error) {
	return p.ScoreVector(ctx, VectorFromMap(record))
}

// ScoreVector scales and scores an already extracted feature vector.
func (p *Pipeline) ScoreVector(ctx context.Context, features FeatureVector) (*Decision, error) {
	start := time.Now()

	scaled, err := p.scalers.Transform(features)
	if err != nil {
		return nil, fmt.Errorf("scale features: %w", err)
	}

	score, err := p.classifier.PredictProba(ctx, scaled)
	if err != nil {
		return nil, fmt.Errorf("score features: %w", err)
	}

	threshold := p.Threshold()
	return &Decision{
		Features:  features,
		Scaled:    scaled,
		Score:     score,
		IsThreat:  score > threshold,
		Threshold: threshold,
		Latency:   time.Since(start),
	}, nil
}

// GetStatistics returns classifier call statistics
func (p *Pipeline) GetStatistics() ClassifierStats {
	return p.classifier.GetStatistics()
}

// LoadPipeline builds a pipeline from persisted artifacts. Scalers always come
// from store; the classifier is backend, or the persisted logistic model when
// backend is nil. The returned results describe every artifact consulted.
func LoadPipeline(store *ArtifactStore, backend Classifier, cfg *PipelineConfig) (*Pipeline, []LoadResult, error) {
	bank, results := store.LoadOrFitScalers()

	if backend == nil {
		model, res := store.LoadOrCreateClassifier()
		results = append(results, res)
		backend = model
	}

	p, err := NewPipeline(bank, backend, cfg)
	if err != nil {
		return nil, results, err
	}
	return p, results, nil
}
