package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/capture"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/logging"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/ml"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/models"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/monitor"
)

var startTime = time.Now()

// maxListLimit caps ?limit= on list endpoints.
const maxListLimit = 1000

// handleHealth handles GET /api/v1/health
func (s *Server) handleHealth(c *gin.Context) {
	total, threats := s.monitor.Session().Counts()
	resp := HealthResponse{
		Status:      "ok",
		State:       s.monitor.State(),
		Mode:        s.monitor.Session().Mode(),
		Uptime:      time.Since(startTime).Seconds(),
		HealthScore: monitor.HealthScore(total, threats),
		Classifier:  s.monitor.Pipeline().GetStatistics(),
	}
	c.JSON(http.StatusOK, resp)
}

// handleSnapshot handles GET /api/v1/snapshot
func (s *Server) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.Snapshot())
}

// handleThreats handles GET /api/v1/threats?limit=N, newest first.
func (s *Server) handleThreats(c *gin.Context) {
	limit, ok := parseLimit(c, monitor.ThreatTailSize)
	if !ok {
		return
	}
	threats := s.monitor.Session().ThreatTail(limit)
	c.JSON(http.StatusOK, gin.H{"threats": threats, "count": len(threats)})
}

// handlePackets handles GET /api/v1/packets?limit=N, oldest first.
func (s *Server) handlePackets(c *gin.Context) {
	limit, ok := parseLimit(c, monitor.PacketTailSize)
	if !ok {
		return
	}
	packets := s.monitor.Session().PacketTail(limit)
	c.JSON(http.StatusOK, gin.H{"packets": packets, "count": len(packets)})
}

// handleEvents handles GET /api/v1/events?limit=N, oldest first.
func (s *Server) handleEvents(c *gin.Context) {
	limit, ok := parseLimit(c, s.config.EventHistory)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.recorder.Recent(limit))
}

// handleStart handles POST /api/v1/monitor/start
func (s *Server) handleStart(c *gin.Context) {
	var req StartRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid_request", err)
			return
		}
	}

	opts := req.options(s.defaults)
	if err := s.monitor.Start(s.base, opts); err != nil {
		s.startError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.monitor.Snapshot())
}

func (s *Server) startError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, monitor.ErrAlreadyRunning):
		writeError(c, http.StatusConflict, "already_running", err)
	case errors.Is(err, ml.ErrInvalidThreshold),
		errors.Is(err, monitor.ErrInvalidInterval),
		errors.Is(err, capture.ErrUnknownMode):
		badRequest(c, "invalid_options", err)
	case errors.Is(err, capture.ErrCaptureUnavailable):
		writeError(c, http.StatusServiceUnavailable, "capture_unavailable", err)
	default:
		s.logger.Error("failed to start monitoring", logging.Err(err))
		writeError(c, http.StatusInternalServerError, "start_failed", err)
	}
}

// handleStop handles POST /api/v1/monitor/stop
func (s *Server) handleStop(c *gin.Context) {
	if err := s.monitor.Stop(); err != nil {
		writeError(c, http.StatusConflict, "not_running", err)
		return
	}
	c.JSON(http.StatusOK, s.monitor.Snapshot())
}

// handleReset handles POST /api/v1/monitor/reset
func (s *Server) handleReset(c *gin.Context) {
	if err := s.monitor.Reset(); err != nil {
		writeError(c, http.StatusConflict, "monitoring", err)
		return
	}
	c.JSON(http.StatusOK, s.monitor.Snapshot())
}

// handleScore handles POST /api/v1/score. The body is a feature record keyed
// by feature name; missing features are zero. Nothing is recorded.
func (s *Server) handleScore(c *gin.Context) {
	var record map[string]float64
	if err := c.ShouldBindJSON(&record); err != nil {
		badRequest(c, "invalid_record", err)
		return
	}

	decision, err := s.monitor.Pipeline().ScoreRecord(c.Request.Context(), record)
	if err != nil {
		scoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, newScoreResponse(decision))
}

// handleInject handles POST /api/v1/inject. The record goes through the
// monitor and into session history. Injection is refused while a live
// interface is being monitored.
func (s *Server) handleInject(c *gin.Context) {
	if s.monitor.State() == monitor.StateMonitoring &&
		capture.Mode(s.monitor.Session().Mode()) != capture.ModeSimulation {
		writeError(c, http.StatusConflict, "live_capture",
			errors.New("records can only be injected while idle or simulating"))
		return
	}

	var req InjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_record", err)
		return
	}

	pkt, err := req.packet()
	if err != nil {
		badRequest(c, "invalid_record", err)
		return
	}

	decision, err := s.monitor.ProcessRecord(c.Request.Context(), pkt)
	if err != nil {
		scoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, newScoreResponse(decision))
}

// packet converts an injected record into a simulated packet.
func (r *InjectRequest) packet() (*models.Packet, error) {
	if r.Protocol == nil {
		return nil, errors.New("protocol is required")
	}
	proto := *r.Protocol
	now := time.Now()
	pkt := &models.Packet{
		ID:            uuid.NewString(),
		Timestamp:     now,
		TimestampNano: now.UnixNano(),
		HasIP:         true,
		IPProto:       proto,
		SrcPort:       r.SrcPort,
		DstPort:       r.DstPort,
		Simulated:     true,
		SrcBytes:      r.SrcBytes,
		DstBytes:      r.DstBytes,
		Rate:          r.Rate,
		Length:        uint32(r.SrcBytes),
	}
	switch proto {
	case 6:
		pkt.Protocol = "TCP"
		pkt.TCPFlags = r.TCPFlags
	case 17:
		pkt.Protocol = "UDP"
	}

	var err error
	if pkt.SrcIP, err = parseIP(r.SrcIP, "source_ip"); err != nil {
		return nil, err
	}
	if pkt.DstIP, err = parseIP(r.DstIP, "dest_ip"); err != nil {
		return nil, err
	}
	return pkt, nil
}

func parseIP(s, field string) (net.IP, error) {
	if s == "" {
		return net.IPv4zero, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, errors.New(field + " is not an IP address")
	}
	return ip, nil
}

func scoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ml.ErrShapeMismatch):
		writeError(c, http.StatusUnprocessableEntity, "shape_mismatch", err)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(c, http.StatusGatewayTimeout, "scoring_timeout", err)
	default:
		writeError(c, http.StatusBadGateway, "scoring_failed", err)
	}
}

// parseLimit reads ?limit=, writing a 400 response when it is malformed.
func parseLimit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		badRequest(c, "invalid_limit", errors.New("limit must be a positive integer"))
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

func badRequest(c *gin.Context, code string, err error) {
	writeError(c, http.StatusBadRequest, code, err)
}

func writeError(c *gin.Context, status int, code string, err error) {
	_ = c.Error(err)
	c.JSON(status, ErrorResponse{Error: code, Message: err.Error()})
}
