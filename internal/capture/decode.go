package capture

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/models"
)

// ipv6HeaderLen is added to the IPv6 payload length to get the total length.
const ipv6HeaderLen = 40

// packetDecoder turns raw frames into packet records. It reuses its layers
// between calls and must not be shared between goroutines.
type packetDecoder struct {
	iface string

	eth     layers.Ethernet
	sll     layers.LinuxSLL
	vlan    layers.Dot1Q
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// newPacketDecoder creates a decoder for frames of the given link type.
func newPacketDecoder(iface string, first gopacket.LayerType) *packetDecoder {
	d := &packetDecoder{
		iface:   iface,
		decoded: make([]gopacket.LayerType, 0, 8),
	}
	d.parser = gopacket.NewDecodingLayerParser(
		first,
		&d.eth, &d.sll, &d.vlan, &d.ip4, &d.ip6, &d.tcp, &d.udp, &d.payload,
	)
	d.parser.IgnoreUnsupported = true
	return d
}

// firstLayer maps a capture link type to the layer the parser starts from.
// Cooked captures (the "any" interface) start from the SLL header.
func firstLayer(link layers.LinkType) gopacket.LayerType {
	switch link {
	case layers.LinkTypeLinuxSLL:
		return layers.LayerTypeLinuxSLL
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		return layers.LayerTypeIPv4
	case layers.LinkTypeIPv6:
		return layers.LayerTypeIPv6
	default:
		return layers.LayerTypeEthernet
	}
}

// decode parses one frame. A non-nil error means the frame was only partly
// decoded; the returned record holds whatever layers were recognized.
func (d *packetDecoder) decode(data []byte, ci gopacket.CaptureInfo) (*models.Packet, error) {
	ts := ci.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	length := ci.Length
	if length == 0 {
		length = len(data)
	}

	pkt := &models.Packet{
		ID:            uuid.NewString(),
		Timestamp:     ts,
		TimestampNano: ts.UnixNano(),
		Interface:     d.iface,
		Length:        uint32(length),
		CaptureLength: uint32(len(data)),
	}

	d.decoded = d.decoded[:0]
	err := d.parser.DecodeLayers(data, &d.decoded)

	for _, layerType := range d.decoded {
		switch layerType {
		case layers.LayerTypeIPv4:
			pkt.HasIP = true
			pkt.SrcIP = copyIP(d.ip4.SrcIP)
			pkt.DstIP = copyIP(d.ip4.DstIP)
			pkt.IPProto = uint8(d.ip4.Protocol)
			pkt.Protocol = d.ip4.Protocol.String()
			pkt.TTL = d.ip4.TTL
			pkt.Length = uint32(d.ip4.Length)

		case layers.LayerTypeIPv6:
			pkt.HasIP = true
			pkt.SrcIP = copyIP(d.ip6.SrcIP)
			pkt.DstIP = copyIP(d.ip6.DstIP)
			pkt.IPProto = uint8(d.ip6.NextHeader)
			pkt.Protocol = d.ip6.NextHeader.String()
			pkt.TTL = d.ip6.HopLimit
			pkt.Length = uint32(d.ip6.Length) + ipv6HeaderLen

		case layers.LayerTypeTCP:
			pkt.SrcPort = uint16(d.tcp.SrcPort)
			pkt.DstPort = uint16(d.tcp.DstPort)
			pkt.TCPWindow = d.tcp.Window
			pkt.TCPFlags = tcpFlags(&d.tcp)

		case layers.LayerTypeUDP:
			pkt.SrcPort = uint16(d.udp.SrcPort)
			pkt.DstPort = uint16(d.udp.DstPort)
		}
	}

	return pkt, err
}

// tcpFlags packs the TCP control bits into one byte.
func tcpFlags(tcp *layers.TCP) uint8 {
	var flags uint8
	if tcp.FIN {
		flags |= models.FlagFIN
	}
	if tcp.SYN {
		flags |= models.FlagSYN
	}
	if tcp.RST {
		flags |= models.FlagRST
	}
	if tcp.PSH {
		flags |= models.FlagPSH
	}
	if tcp.ACK {
		flags |= models.FlagACK
	}
	if tcp.URG {
		flags |= models.FlagURG
	}
	return flags
}

// copyIP detaches an address from a reused capture buffer.
func copyIP(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}
