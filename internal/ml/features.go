// Package ml provides machine learning inference capabilities for network intrusion detection
package ml

import (
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/models"
)

// Feature indexes into a FeatureVector.
const (
	FeatureProtocol = iota
	FeatureSBytes
	FeatureDBytes
	FeatureRate

	// FeatureCount is the width every scaler and classifier is fit on.
	FeatureCount
)

// featureNames is the fixed column order of the model input.
var featureNames = [FeatureCount]string{"protocol", "sbytes", "dbytes", "rate"}

// FeatureNames returns the feature schema in column order.
func FeatureNames() []string {
	names := make([]string, FeatureCount)
	copy(names, featureNames[:])
	return names
}

// FeatureVector is the fixed-schema model input for a single packet.
type FeatureVector [FeatureCount]float64

// Protocol returns the IP protocol number
func (v FeatureVector) Protocol() float64 { return v[FeatureProtocol] }

// SBytes returns source bytes
func (v FeatureVector) SBytes() float64 { return v[FeatureSBytes] }

// DBytes returns destination bytes
func (v FeatureVector) DBytes() float64 { return v[FeatureDBytes] }

// Rate returns the packet rate
func (v FeatureVector) Rate() float64 { return v[FeatureRate] }

// Slice returns the vector as a row for scaler fitting and transforms.
func (v FeatureVector) Slice() []float64 {
	row := make([]float64, FeatureCount)
	copy(row, v[:])
	return row
}

// Map returns the vector keyed by feature name.
func (v FeatureVector) Map() map[string]float64 {
	m := make(map[string]float64, FeatureCount)
	for i, name := range featureNames {
		m[name] = v[i]
	}
	return m
}

// VectorFromMap builds a vector from a name-keyed record. Schema names missing
// from the record are zero and names outside the schema are ignored.
func VectorFromMap(record map[string]float64) FeatureVector {
	var v FeatureVector
	for i, name := range featureNames {
		v[i] = record[name]
	}
	return v
}

// AuxFeatures are per-packet TCP/UDP sub-features. They are not part of the
// model input and are never passed to a scaler.
type AuxFeatures struct {
	Service  float64 // Destination port
	STTL     float64
	DTTL     float64
	SWin     float64
	DWin     float64
	TCPRTT   float64 // Needs sequence tracking, always 0
	SynAck   float64
	SLoad    float64
	DLoad    float64
	SPkts    float64
	DPkts    float64
	Duration float64 // Needs flow timing, always 0
}

// FeatureExtractor maps packet records to feature vectors.
type FeatureExtractor struct {
	// placeholderRate is used for live records, which carry no flow timing.
	placeholderRate float64
}

// NewFeatureExtractor creates a new feature extractor
func NewFeatureExtractor() *FeatureExtractor {
	return &FeatureExtractor{
		placeholderRate: 1,
	}
}

// Extract returns the feature vector for a packet. Non-IP and nil records
// produce the zero vector.
func (fe *FeatureExtractor) Extract(packet *models.Packet) FeatureVector {
	var v FeatureVector
	if packet == nil {
		return v
	}

	if packet.Simulated {
		v[FeatureProtocol] = float64(packet.IPProto)
		v[FeatureSBytes] = packet.SrcBytes
		v[FeatureDBytes] = packet.DstBytes
		v[FeatureRate] = packet.Rate
		return v
	}

	if !packet.HasIP {
		return v
	}

	// A unidirectional capture only sees the total length, so both byte
	// counts carry it until flows are tracked bidirectionally.
	v[FeatureProtocol] = float64(packet.IPProto)
	v[FeatureSBytes] = float64(packet.Length)
	v[FeatureDBytes] = float64(packet.Length)
	v[FeatureRate] = fe.placeholderRate

	return v
}

// ExtractAux computes the TCP/UDP sub-features of a packet.
func (fe *FeatureExtractor) ExtractAux(packet *models.Packet) AuxFeatures {
	var aux AuxFeatures
	if packet == nil || !packet.HasIP {
		return aux
	}

	aux.STTL = float64(packet.TTL)
	aux.DTTL = float64(packet.TTL)
	aux.SLoad = float64(packet.Length)
	aux.DLoad = float64(packet.Length)
	aux.SPkts = 1
	aux.DPkts = 1

	switch {
	case packet.IsTCP():
		aux.Service = float64(packet.DstPort)
		aux.SWin = float64(packet.TCPWindow)
		aux.DWin = float64(packet.TCPWindow)
		synAck := models.FlagSYN | models.FlagACK
		aux.SynAck = boolToFloat64(packet.TCPFlags&synAck == synAck)
	case packet.IsUDP():
		aux.Service = float64(packet.DstPort)
	}

	return aux
}

func boolToFloat64(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}
