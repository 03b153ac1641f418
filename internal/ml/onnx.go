package ml

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/config"
)

// ErrEngineNotInitialized is returned when scoring with a closed or
// uninitialized ONNX engine.
var ErrEngineNotInitialized = errors.New("ml: onnx engine not initialized")

// ONNXConfig holds configuration for the ONNX Runtime backend
type ONNXConfig struct {
	// SharedLibraryPath is the path to the ONNX Runtime shared library
	SharedLibraryPath string
	// ModelPath is the path to the exported classifier
	ModelPath string
	// InputName is the name of the [1,4] float input tensor
	InputName string
	// OutputName is the name of the [1,Classes] probability output tensor
	OutputName string
	// Classes is the output width. The last column is P(malicious).
	Classes int64
	// NumThreads sets the number of intra-op threads per session
	NumThreads int
	// PoolSize is the number of sessions available for concurrent scoring
	PoolSize int
}

// DefaultONNXConfig returns a default configuration
func DefaultONNXConfig() *ONNXConfig {
	return &ONNXConfig{
		SharedLibraryPath: config.DefaultPathConfig().ONNXLibraryPath,
		InputName:         "float_input",
		OutputName:        "probabilities",
		Classes:           2,
		NumThreads:        1,
		PoolSize:          2,
	}
}

// ONNXClassifier scores feature vectors with an ONNX-exported binary classifier.
type ONNXClassifier struct {
	config      *ONNXConfig
	initialized bool
	mu          sync.RWMutex

	// Session pool for concurrent inference
	sessionPool chan *onnxSession
}

var _ Classifier = (*ONNXClassifier)(nil)

// onnxSession wraps an ONNX Runtime session with its tensors
type onnxSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewONNXClassifier creates a new ONNX Runtime backend. Call Initialize
// before scoring.
func NewONNXClassifier(cfg *ONNXConfig) *ONNXClassifier {
	if cfg == nil {
		cfg = DefaultONNXConfig()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.Classes <= 0 {
		cfg.Classes = 2
	}
	return &ONNXClassifier{config: cfg}
}

// Initialize sets up the ONNX Runtime environment and loads the model
func (e *ONNXClassifier) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return nil
	}
	if e.config.ModelPath == "" {
		return errors.New("ml: onnx model path is empty")
	}

	ort.SetSharedLibraryPath(e.config.SharedLibraryPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	e.sessionPool = make(chan *onnxSession, e.config.PoolSize)
	for i := 0; i < e.config.PoolSize; i++ {
		session, err := e.createSession()
		if err != nil {
			e.cleanup()
			ort.DestroyEnvironment()
			return fmt.Errorf("failed to create session %d: %w", i, err)
		}
		e.sessionPool <- session
	}

	e.initialized = true
	return nil
}

// createSession creates a new ONNX session with its tensors
func (e *ONNXClassifier) createSession() (*onnxSession, error) {
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, FeatureCount))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, e.config.Classes))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if e.config.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(e.config.NumThreads); err != nil {
			input.Destroy()
			output.Destroy()
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	session, err := ort.NewAdvancedSession(
		e.config.ModelPath,
		[]string{e.config.InputName},
		[]string{e.config.OutputName},
		[]ort.Value{input},
		[]ort.Value{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &onnxSession{
		session: session,
		input:   input,
		output:  output,
	}, nil
}

// PredictProba implements Classifier
func (e *ONNXClassifier) PredictProba(ctx context.Context, x ScaledVector) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.initialized {
		return 0, ErrEngineNotInitialized
	}

	var session *onnxSession
	select {
	case session = <-e.sessionPool:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() {
		e.sessionPool <- session
	}()

	in := session.input.GetData()
	for i, v := range x {
		in[i] = float32(v)
	}

	if err := session.session.Run(); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}

	out := session.output.GetData()
	if len(out) == 0 {
		return 0, errors.New("ml: onnx output is empty")
	}
	return float64(out[len(out)-1]), nil
}

// Close releases all resources
func (e *ONNXClassifier) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return nil
	}

	e.cleanup()
	ort.DestroyEnvironment()
	e.initialized = false
	return nil
}

// cleanup releases session pool resources
func (e *ONNXClassifier) cleanup() {
	close(e.sessionPool)
	for session := range e.sessionPool {
		session.input.Destroy()
		session.output.Destroy()
		session.session.Destroy()
	}
}
