package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
)

const (
	// ScorerServiceName is the gRPC service a scoring sidecar exposes.
	ScorerServiceName = "nids.scoring.v1.Scorer"
	scoreMethod       = "/" + ScorerServiceName + "/Score"

	jsonCodecName = "json"
)

// ErrSidecarNotConnected is returned when scoring before Connect.
var ErrSidecarNotConnected = errors.New("ml: sidecar client not connected")

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries sidecar messages as JSON so no generated stubs are needed.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return jsonCodecName }

// ScoreRequest is one scaled feature row sent to a sidecar.
type ScoreRequest struct {
	Features []float64 `json:"features"`
	Names    []string  `json:"names"`
}

// ScoreResponse is the sidecar's probability that the row is malicious.
type ScoreResponse struct {
	Probability float64 `json:"probability"`
	Model       string  `json:"model,omitempty"`
}

// GRPCClientConfig holds configuration for the gRPC client
type GRPCClientConfig struct {
	// Address is the gRPC server address
	Address string
	// Timeout for RPC calls
	Timeout time.Duration
	// MaxRetries for failed calls
	MaxRetries int
	// RetryDelay between retries
	RetryDelay time.Duration
	// KeepAliveTime for connection health checks
	KeepAliveTime time.Duration
}

// DefaultGRPCClientConfig returns default gRPC client configuration
func DefaultGRPCClientConfig() *GRPCClientConfig {
	return &GRPCClientConfig{
		Address:       "localhost:50051",
		Timeout:       time.Second,
		MaxRetries:    2,
		RetryDelay:    50 * time.Millisecond,
		KeepAliveTime: 30 * time.Second,
	}
}

// SidecarClassifier scores feature vectors through a remote scoring service.
type SidecarClassifier struct {
	config *GRPCClientConfig
	conn   *grpc.ClientConn
	mu     sync.RWMutex

	// Statistics
	stats SidecarClientStats
}

var _ Classifier = (*SidecarClassifier)(nil)

// SidecarClientStats holds client statistics
type SidecarClientStats struct {
	RequestCount    int64
	SuccessCount    int64
	ErrorCount      int64
	TotalLatency    time.Duration
	AverageLatency  time.Duration
	LastRequestTime time.Time
}

// NewSidecarClassifier creates a new sidecar client
func NewSidecarClassifier(cfg *GRPCClientConfig) *SidecarClassifier {
	if cfg == nil {
		cfg = DefaultGRPCClientConfig()
	}
	return &SidecarClassifier{config: cfg}
}

// Connect creates the client connection. The channel connects lazily.
func (c *SidecarClassifier) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	kaParams := keepalive.ClientParameters{
		Time:                c.config.KeepAliveTime,
		Timeout:             c.config.Timeout,
		PermitWithoutStream: true,
	}

	conn, err := grpc.NewClient(c.config.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kaParams),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to scoring sidecar: %w", err)
	}

	c.conn = conn
	return nil
}

// Close closes the connection
func (c *SidecarClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

// PredictProba implements Classifier
func (c *SidecarClassifier) PredictProba(ctx context.Context, x ScaledVector) (float64, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return 0, ErrSidecarNotConnected
	}

	start := time.Now()
	req := &ScoreRequest{Features: x[:], Names: FeatureNames()}

	var resp ScoreResponse
	var err error
retry:
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.config.RetryDelay):
			case <-ctx.Done():
				err = ctx.Err()
				break retry
			}
		}
		err = c.invoke(ctx, conn, req, &resp)
		if err == nil || ctx.Err() != nil {
			break
		}
	}

	c.recordStats(start, err)
	if err != nil {
		return 0, fmt.Errorf("sidecar score: %w", err)
	}
	return resp.Probability, nil
}

func (c *SidecarClassifier) invoke(ctx context.Context, conn *grpc.ClientConn, req *ScoreRequest, resp *ScoreResponse) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	return conn.Invoke(ctx, scoreMethod, req, resp)
}

func (c *SidecarClassifier) recordStats(start time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.RequestCount++
	c.stats.TotalLatency += time.Since(start)
	c.stats.LastRequestTime = time.Now()
	c.stats.AverageLatency = c.stats.TotalLatency / time.Duration(c.stats.RequestCount)
	if err != nil {
		c.stats.ErrorCount++
	} else {
		c.stats.SuccessCount++
	}
}

// GetStats returns client statistics
func (c *SidecarClassifier) GetStats() SidecarClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// =============================================================================
// Server side
// =============================================================================

// ScorerServer answers sidecar score requests.
type ScorerServer interface {
	Score(ctx context.Context, req *ScoreRequest) (*ScoreResponse, error)
}

// RegisterScorerServer exposes srv on s under ScorerServiceName.
func RegisterScorerServer(s grpc.ServiceRegistrar, srv ScorerServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: ScorerServiceName,
		HandlerType: (*ScorerServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Score", Handler: scoreHandler},
		},
		Metadata: "nids/scoring.json",
	}, srv)
}

func scoreHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(ScoreRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ScorerServer).Score(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: scoreMethod}
	handler := func(ctx context.Context, r any) (any, error) {
		return srv.(ScorerServer).Score(ctx, r.(*ScoreRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// ClassifierScorer serves a local Classifier to sidecar clients.
type ClassifierScorer struct {
	Classifier Classifier
	Name       string
}

// Score implements ScorerServer
func (s *ClassifierScorer) Score(ctx context.Context, req *ScoreRequest) (*ScoreResponse, error) {
	if len(req.Features) != FeatureCount {
		return nil, fmt.Errorf("%w: got %d features, want %d", ErrShapeMismatch, len(req.Features), FeatureCount)
	}
	var x ScaledVector
	copy(x[:], req.Features)

	p, err := s.Classifier.PredictProba(ctx, x)
	if err != nil {
		return nil, err
	}
	return &ScoreResponse{Probability: p, Model: s.Name}, nil
}
