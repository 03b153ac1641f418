package api

import (
	"time"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/capture"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/ml"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/monitor"
)

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status      string             `json:"status"`
	State       monitor.State      `json:"state"`
	Mode        string             `json:"mode,omitempty"`
	Uptime      float64            `json:"uptime_seconds"`
	HealthScore float64            `json:"health_score"`
	Classifier  ml.ClassifierStats `json:"classifier"`
}

// StartRequest overrides the default run options. Absent fields keep the
// server defaults.
type StartRequest struct {
	Interface             *string  `json:"interface"`
	Mode                  *string  `json:"mode"`
	PcapFile              *string  `json:"pcap_file"`
	BPFFilter             *string  `json:"bpf_filter"`
	Threshold             *float64 `json:"threshold"`
	IntervalSeconds       *float64 `json:"interval_seconds"`
	SimulateOnUnavailable *bool    `json:"simulate_on_unavailable"`
}

// options applies the request over defaults.
func (r *StartRequest) options(defaults monitor.Options) monitor.Options {
	opts := defaults
	if r.Interface != nil {
		opts.Interface = *r.Interface
	}
	if r.Mode != nil {
		opts.Mode = capture.Mode(*r.Mode)
	}
	if r.PcapFile != nil {
		opts.PcapFile = *r.PcapFile
	}
	if r.BPFFilter != nil {
		opts.BPFFilter = *r.BPFFilter
	}
	if r.Threshold != nil {
		opts.Threshold = *r.Threshold
	}
	if r.IntervalSeconds != nil {
		opts.Interval = time.Duration(*r.IntervalSeconds * float64(time.Second))
	}
	if r.SimulateOnUnavailable != nil {
		opts.SimulateOnUnavailable = *r.SimulateOnUnavailable
	}
	return opts
}

// ScoreResponse is returned by POST /api/v1/score and /api/v1/inject.
type ScoreResponse struct {
	Features  map[string]float64 `json:"features"`
	Scaled    []float64          `json:"scaled"`
	Score     float64            `json:"threat_score"`
	Threshold float64            `json:"threshold"`
	IsThreat  bool               `json:"is_threat"`
	LatencyMS float64            `json:"latency_ms"`
}

func newScoreResponse(d *ml.Decision) ScoreResponse {
	return ScoreResponse{
		Features:  d.Features.Map(),
		Scaled:    d.Scaled[:],
		Score:     d.Score,
		Threshold: d.Threshold,
		IsThreat:  d.IsThreat,
		LatencyMS: float64(d.Latency.Microseconds()) / 1000,
	}
}

// InjectRequest is a synthetic flow record for POST /api/v1/inject.
type InjectRequest struct {
	SrcIP    string  `json:"source_ip"`
	DstIP    string  `json:"dest_ip"`
	SrcPort  uint16  `json:"source_port"`
	DstPort  uint16  `json:"dest_port"`
	Protocol *uint8  `json:"protocol" binding:"required"`
	SrcBytes float64 `json:"sbytes"`
	DstBytes float64 `json:"dbytes"`
	Rate     float64 `json:"rate"`
	TCPFlags uint8   `json:"tcp_flags"`
}
