// Package fixtures provides test fixtures and record generators for the NIDS
package fixtures

import (
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/ml"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/models"
)

// =============================================================================
// Packet Fixtures
// =============================================================================

// PacketFixture generates packet records with increasing timestamps.
type PacketFixture struct {
	baseTime time.Time
	counter  int
}

// NewPacketFixture creates a new packet fixture generator
func NewPacketFixture() *PacketFixture {
	return &PacketFixture{
		baseTime: time.Unix(1700000000, 0),
	}
}

func (pf *PacketFixture) next(proto uint8, name string, srcIP, dstIP string, length uint32) *models.Packet {
	pf.counter++
	ts := pf.baseTime.Add(time.Duration(pf.counter) * time.Millisecond)
	return &models.Packet{
		ID:            fmt.Sprintf("pkt-%06d", pf.counter),
		Timestamp:     ts,
		TimestampNano: ts.UnixNano(),
		Interface:     "eth0",
		Length:        length,
		CaptureLength: length,
		HasIP:         true,
		SrcIP:         net.ParseIP(srcIP),
		DstIP:         net.ParseIP(dstIP),
		IPProto:       proto,
		Protocol:      name,
		TTL:           64,
	}
}

// TCPPacket generates a TCP record carrying payloadLen bytes.
func (pf *PacketFixture) TCPPacket(srcIP, dstIP string, srcPort, dstPort uint16, flags uint8, payloadLen int) *models.Packet {
	pkt := pf.next(6, "TCP", srcIP, dstIP, uint32(payloadLen+40)) // IPv4 + TCP headers
	pkt.SrcPort = srcPort
	pkt.DstPort = dstPort
	pkt.TCPFlags = flags
	pkt.TCPWindow = 29200
	return pkt
}

// UDPPacket generates a UDP record carrying payloadLen bytes.
func (pf *PacketFixture) UDPPacket(srcIP, dstIP string, srcPort, dstPort uint16, payloadLen int) *models.Packet {
	pkt := pf.next(17, "UDP", srcIP, dstIP, uint32(payloadLen+28))
	pkt.SrcPort = srcPort
	pkt.DstPort = dstPort
	return pkt
}

// ICMPPacket generates an ICMP echo record.
func (pf *PacketFixture) ICMPPacket(srcIP, dstIP string) *models.Packet {
	return pf.next(1, "ICMP", srcIP, dstIP, 28)
}

// SimulatedPacket generates a record with explicit flow values, the way the
// simulator and the inject endpoint produce them.
func (pf *PacketFixture) SimulatedPacket(proto uint8, sbytes, dbytes, rate float64) *models.Packet {
	pkt := pf.next(proto, layers.IPProtocol(proto).String(), "192.168.1.10", "10.0.0.5", uint32(sbytes))
	pkt.ID = uuid.NewString()
	pkt.Interface = "simulation"
	pkt.Simulated = true
	pkt.SrcBytes = sbytes
	pkt.DstBytes = dbytes
	pkt.Rate = rate
	return pkt
}

// Mixed returns n records cycling through TCP, UDP and ICMP.
func (pf *PacketFixture) Mixed(n int) []*models.Packet {
	out := make([]*models.Packet, 0, n)
	for i := 0; i < n; i++ {
		switch i % 3 {
		case 0:
			out = append(out, pf.TCPPacket("192.168.1.10", "10.0.0.5", RandomPort(), 443, models.FlagSYN|models.FlagACK, i%1400))
		case 1:
			out = append(out, pf.UDPPacket("192.168.1.10", "8.8.8.8", RandomPort(), 53, 32+i%200))
		default:
			out = append(out, pf.ICMPPacket("192.168.1.10", "10.0.0.1"))
		}
	}
	return out
}

// =============================================================================
// Feature Fixtures
// =============================================================================

// FeatureRecord returns a named feature record as accepted by
// Pipeline.ScoreRecord.
func FeatureRecord(protocol, sbytes, dbytes, rate float64) map[string]float64 {
	return map[string]float64{
		"protocol": protocol,
		"sbytes":   sbytes,
		"dbytes":   dbytes,
		"rate":     rate,
	}
}

// TrainingSet returns labelled, already scaled feature rows where large, fast
// flows are malicious. Rows are deterministic for a given seed.
func TrainingSet(n int, seed uint64) ([][ml.FeatureCount]float64, []float64) {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	x := make([][ml.FeatureCount]float64, n)
	y := make([]float64, n)
	for i := range x {
		malicious := i%2 == 1
		proto := float64(rng.IntN(2))
		if malicious {
			x[i] = [ml.FeatureCount]float64{proto, 0.7 + 0.3*rng.Float64(), 0.7 + 0.3*rng.Float64(), 0.8 + 0.2*rng.Float64()}
			y[i] = 1
		} else {
			x[i] = [ml.FeatureCount]float64{proto, 0.3 * rng.Float64(), 0.3 * rng.Float64(), 0.2 * rng.Float64()}
		}
	}
	return x, y
}

// =============================================================================
// Wire Fixtures
// =============================================================================

// FrameOptions describes one Ethernet/IPv4 frame.
type FrameOptions struct {
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	Protocol         layers.IPProtocol
	SYN, ACK, PSH    bool
	Payload          []byte
}

// DefaultFrameOptions returns a TCP SYN-ACK from 192.168.1.10:51000 to 10.0.0.5:443.
func DefaultFrameOptions() FrameOptions {
	return FrameOptions{
		SrcIP:    net.IPv4(192, 168, 1, 10),
		DstIP:    net.IPv4(10, 0, 0, 5),
		SrcPort:  51000,
		DstPort:  443,
		Protocol: layers.IPProtocolTCP,
		SYN:      true,
		ACK:      true,
	}
}

// Frame serializes an Ethernet frame for opts.
func Frame(opts FrameOptions) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: opts.Protocol,
		SrcIP:    opts.SrcIP,
		DstIP:    opts.DstIP,
	}

	var l4 gopacket.SerializableLayer
	switch opts.Protocol {
	case layers.IPProtocolTCP:
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(opts.SrcPort),
			DstPort: layers.TCPPort(opts.DstPort),
			SYN:     opts.SYN,
			ACK:     opts.ACK,
			PSH:     opts.PSH,
			Window:  29200,
		}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		l4 = tcp
	case layers.IPProtocolUDP:
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(opts.SrcPort),
			DstPort: layers.UDPPort(opts.DstPort),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		l4 = udp
	default:
		return nil, fmt.Errorf("fixtures: unsupported protocol %s", opts.Protocol)
	}

	buf := gopacket.NewSerializeBuffer()
	serOpts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, serOpts, eth, ip, l4, gopacket.Payload(opts.Payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WritePCAP writes frames to dir/name as an Ethernet pcap file, one
// millisecond apart, and returns its path.
func WritePCAP(dir, name string, frames ...[]byte) (string, error) {
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		return "", err
	}
	ts := time.Unix(1700000000, 0)
	for i, frame := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		if err := w.WritePacket(ci, frame); err != nil {
			return "", err
		}
	}
	return path, nil
}

// =============================================================================
// Random Generators
// =============================================================================

// RandomIP returns a random private IPv4 address.
func RandomIP() net.IP {
	return net.IPv4(10, byte(rand.IntN(256)), byte(rand.IntN(256)), byte(1+rand.IntN(254))).To4()
}

// RandomPort returns a random ephemeral port.
func RandomPort() uint16 {
	return uint16(49152 + rand.IntN(16384))
}
