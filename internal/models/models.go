// Package models defines the core data structures for the NIDS pipeline.
// Records are produced by a capture source, scored once, and never mutated.
package models

import (
	"net"
	"time"
)

// Packet is a single observed or simulated packet record.
type Packet struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	TimestampNano int64     `json:"timestamp_nano"`
	Interface     string    `json:"interface,omitempty"`

	// Length is the total IP-layer length. CaptureLength is what was read off the wire.
	Length        uint32 `json:"size"`
	CaptureLength uint32 `json:"capture_length,omitempty"`

	// Layer 3
	HasIP    bool   `json:"has_ip"`
	SrcIP    net.IP `json:"source_ip,omitempty"`
	DstIP    net.IP `json:"dest_ip,omitempty"`
	IPProto  uint8  `json:"protocol"`
	Protocol string `json:"protocol_name,omitempty"` // "TCP", "UDP", "ICMP", etc.
	TTL      uint8  `json:"ttl,omitempty"`

	// Layer 4
	SrcPort   uint16 `json:"source_port"`
	DstPort   uint16 `json:"dest_port"`
	TCPFlags  uint8  `json:"tcp_flags,omitempty"`
	TCPWindow uint16 `json:"tcp_window,omitempty"`

	// Simulated records carry explicit flow values instead of a single length.
	Simulated bool    `json:"simulated,omitempty"`
	SrcBytes  float64 `json:"sbytes,omitempty"`
	DstBytes  float64 `json:"dbytes,omitempty"`
	Rate      float64 `json:"rate,omitempty"`
}

// TCP flag bits as packed into Packet.TCPFlags.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
)

// IsTCP reports whether the record carries a TCP segment.
func (p *Packet) IsTCP() bool { return p.HasIP && p.IPProto == 6 }

// IsUDP reports whether the record carries a UDP datagram.
func (p *Packet) IsUDP() bool { return p.HasIP && p.IPProto == 17 }

// FlagString renders TCP flags the way packet tools print them ("SA", "PA"...).
// Non-TCP records return "N/A".
func (p *Packet) FlagString() string {
	if !p.IsTCP() {
		return "N/A"
	}
	var b []byte
	for _, f := range []struct {
		bit  uint8
		char byte
	}{
		{FlagFIN, 'F'}, {FlagSYN, 'S'}, {FlagRST, 'R'},
		{FlagPSH, 'P'}, {FlagACK, 'A'}, {FlagURG, 'U'},
	} {
		if p.TCPFlags&f.bit != 0 {
			b = append(b, f.char)
		}
	}
	return string(b)
}

// ThreatEvent is a packet whose threat score exceeded the active threshold.
type ThreatEvent struct {
	ID         string    `json:"id"`
	Packet     Packet    `json:"packet"`
	Score      float64   `json:"threat_score"`
	Threshold  float64   `json:"threshold"`
	Flags      string    `json:"flags"`
	DetectedAt time.Time `json:"detected_at"`
}

// CaptureStats holds capture source statistics.
type CaptureStats struct {
	PacketsReceived  uint64    `json:"packets_received"`
	PacketsDropped   uint64    `json:"packets_dropped"`
	NonIPPackets     uint64    `json:"non_ip_packets"`
	BytesReceived    uint64    `json:"bytes_received"`
	ParseErrors      uint64    `json:"parse_errors"`
	PacketsPerSecond float64   `json:"packets_per_second"`
	StartTime        time.Time `json:"start_time"`
	LastUpdate       time.Time `json:"last_update"`
	Interface        string    `json:"interface"`
	Mode             string    `json:"mode"`
	CaptureFilter    string    `json:"capture_filter,omitempty"`
}
