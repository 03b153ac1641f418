// Package metrics provides Prometheus metrics export for the NIDS.
// Exposes capture statistics, scoring outcomes and session health.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// Registry
// =============================================================================

// Registry holds every NIDS metric plus the Go runtime and process collectors.
var Registry = prometheus.NewRegistry()

// ThreatScoreBuckets cover the [0,1] score range with extra resolution near
// the default threshold.
var ThreatScoreBuckets = []float64{.1, .2, .3, .4, .5, .6, .7, .8, .85, .9, .95, 1}

// =============================================================================
// NIDS Metrics
// =============================================================================

var (
	// Pipeline metrics
	PacketsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nids_packets_total",
		Help: "Packets processed by the detection loop",
	}, []string{"mode"})

	ThreatsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nids_threats_total",
		Help: "Packets whose threat score exceeded the threshold",
	}, []string{"mode"})

	ScoringErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nids_scoring_errors_total",
		Help: "Records whose scoring failed",
	})

	RecordsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nids_records_dropped_total",
		Help: "Records dropped before scoring by reason",
	}, []string{"reason"})

	ThreatScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nids_threat_score",
		Help:    "Distribution of threat scores",
		Buckets: ThreatScoreBuckets,
	})

	ScoringLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nids_scoring_latency_seconds",
		Help:    "Time spent extracting, scaling and scoring one record",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	})

	// Session metrics
	HealthScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nids_health_score",
		Help: "Session health score (100 minus the threat percentage)",
	})

	Monitoring = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nids_monitoring",
		Help: "1 while the detection loop is running",
	})

	// Capture metrics
	CaptureQueueDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nids_capture_queue_drops_total",
		Help: "Captured records dropped because the loop queue was full",
	})

	// Persistence metrics
	ArtifactFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nids_artifact_fallbacks_total",
		Help: "Artifacts replaced by a synthesized default, by artifact and reason",
	}, []string{"artifact", "reason"})

	// Alerting metrics
	AlertsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nids_alerts_published_total",
		Help: "Threat alerts forwarded to the message bus",
	})

	AlertPublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nids_alert_publish_errors_total",
		Help: "Threat alerts that failed to publish",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		PacketsTotal,
		ThreatsTotal,
		ScoringErrors,
		RecordsDropped,
		ThreatScore,
		ScoringLatency,
		HealthScore,
		Monitoring,
		CaptureQueueDrops,
		ArtifactFallbacks,
		AlertsPublished,
		AlertPublishErrors,
	)
}

// =============================================================================
// HTTP Handler
// =============================================================================

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetMonitoring records whether the detection loop is running.
func SetMonitoring(running bool) {
	if running {
		Monitoring.Set(1)
		return
	}
	Monitoring.Set(0)
}
