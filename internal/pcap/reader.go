package pcap

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
)

// FileHeaderLen is the length of the global PCAP header.
const FileHeaderLen = 24

// RecordHeaderLen is the length of a per-packet record header.
const RecordHeaderLen = 16

// Link types this decoder understands.
const (
	LinkTypeEthernet = 1
	LinkTypeRaw      = 101
)

const (
	magicMicros        = 0xa1b2c3d4
	magicNanos         = 0xa1b23c4d
	magicMicrosSwapped = 0xd4c3b2a1
	magicNanosSwapped  = 0x4d3cb2a1
)

// FileHeader is the parsed 24-byte global PCAP header.
type FileHeader struct {
	Raw       [FileHeaderLen]byte
	ByteOrder binary.ByteOrder
	Nanos     bool
	SnapLen   uint32
	LinkType  uint32
}

func readFileHeader(f *os.File) (FileHeader, error) {
	var raw [FileHeaderLen]byte
	if _, err := f.ReadAt(raw[:], 0); err != nil {
		return FileHeader{}, err
	}
	return ParseFileHeader(raw[:])
}

// ParseFileHeader parses a 24-byte global PCAP header from a byte slice, as
// received on the session-forward wire.
func ParseFileHeader(b []byte) (FileHeader, error) {
	var h FileHeader
	if len(b) < FileHeaderLen {
		return h, fmt.Errorf("pcap header truncated: %d bytes", len(b))
	}
	copy(h.Raw[:], b[:FileHeaderLen])

	magic := binary.LittleEndian.Uint32(h.Raw[0:4])
	switch magic {
	case magicMicros:
		h.ByteOrder = binary.LittleEndian
	case magicNanos:
		h.ByteOrder = binary.LittleEndian
		h.Nanos = true
	case magicMicrosSwapped:
		h.ByteOrder = binary.BigEndian
	case magicNanosSwapped:
		h.ByteOrder = binary.BigEndian
		h.Nanos = true
	default:
		return h, fmt.Errorf("bad pcap magic 0x%08x", magic)
	}

	h.SnapLen = h.ByteOrder.Uint32(h.Raw[16:20])
	h.LinkType = h.ByteOrder.Uint32(h.Raw[20:24])
	return h, nil
}

// Packet is one raw record read from a PCAP file.
type Packet struct {
	Header  [RecordHeaderLen]byte
	Data    []byte // captured bytes, link layer included
	CapLen  uint32
	OrigLen uint32
	Offset  int64
}

// ReadPacket reads the record at the absolute byte offset.
func (h *Handle) ReadPacket(offset int64) (*Packet, error) {
	p := &Packet{Offset: offset}
	if _, err := h.f.ReadAt(p.Header[:], offset); err != nil {
		return nil, fmt.Errorf("failed to read record header at %d in %s: %w", offset, h.name, err)
	}

	bo := h.header.ByteOrder
	p.CapLen = bo.Uint32(p.Header[8:12])
	p.OrigLen = bo.Uint32(p.Header[12:16])

	if p.CapLen > h.header.SnapLen && h.header.SnapLen != 0 || p.CapLen > 1<<24 {
		return nil, fmt.Errorf("implausible capture length %d at %d in %s", p.CapLen, offset, h.name)
	}

	p.Data = make([]byte, p.CapLen)
	n, err := h.f.ReadAt(p.Data, offset+RecordHeaderLen)
	// A record ending exactly at EOF reads fully but may still report EOF.
	if err != nil && !(err == io.EOF && n == len(p.Data)) {
		return nil, fmt.Errorf("failed to read record body at %d in %s: %w", offset, h.name, err)
	}
	return p, nil
}

// Decoded is a packet parsed down to its transport payload and the addressing
// fingerprint used to classify direction.
type Decoded struct {
	SrcIP   net.IP
	DstIP   net.IP
	SrcPort int
	DstPort int
	Payload []byte
}

// Fingerprint is the (srcIp, dstIp, srcPort, dstPort) tuple of one direction
// of a session.
type Fingerprint struct {
	SrcIP   string
	DstIP   string
	SrcPort int
	DstPort int
}

// MatchesForward reports whether the decoded packet travels client to server
// relative to fp.
func (d *Decoded) MatchesForward(fp Fingerprint) bool {
	return d.SrcIP.String() == fp.SrcIP && d.DstIP.String() == fp.DstIP &&
		d.SrcPort == fp.SrcPort && d.DstPort == fp.DstPort
}

// Decode parses the packet's link, network and transport layers. Packets the
// decoder cannot parse yield a Decoded with the full frame as payload and no
// addressing, so content search still sees the bytes.
func (h *Handle) Decode(p *Packet) *Decoded {
	d := &Decoded{Payload: p.Data}

	ip := p.Data
	switch h.header.LinkType {
	case LinkTypeEthernet:
		if len(p.Data) < 14 {
			return d
		}
		etherType := binary.BigEndian.Uint16(p.Data[12:14])
		if etherType != 0x0800 && etherType != 0x86dd {
			return d
		}
		ip = p.Data[14:]
	case LinkTypeRaw:
		// ip already points at the network layer
	default:
		return d
	}

	if len(ip) < 1 {
		return d
	}

	var proto byte
	var transport []byte
	switch ip[0] >> 4 {
	case 4:
		ihl := int(ip[0]&0x0f) * 4
		if len(ip) < ihl || ihl < 20 {
			return d
		}
		proto = ip[9]
		d.SrcIP = net.IP(append([]byte(nil), ip[12:16]...))
		d.DstIP = net.IP(append([]byte(nil), ip[16:20]...))
		transport = ip[ihl:]
	case 6:
		if len(ip) < 40 {
			return d
		}
		proto = ip[6]
		d.SrcIP = net.IP(append([]byte(nil), ip[8:24]...))
		d.DstIP = net.IP(append([]byte(nil), ip[24:40]...))
		transport = ip[40:]
	default:
		return d
	}

	switch proto {
	case 6: // TCP
		if len(transport) < 20 {
			return d
		}
		d.SrcPort = int(binary.BigEndian.Uint16(transport[0:2]))
		d.DstPort = int(binary.BigEndian.Uint16(transport[2:4]))
		dataOff := int(transport[12]>>4) * 4
		if dataOff < 20 || len(transport) < dataOff {
			return d
		}
		d.Payload = transport[dataOff:]
	case 17: // UDP
		if len(transport) < 8 {
			return d
		}
		d.SrcPort = int(binary.BigEndian.Uint16(transport[0:2]))
		d.DstPort = int(binary.BigEndian.Uint16(transport[2:4]))
		d.Payload = transport[8:]
	default:
		d.Payload = transport
	}
	return d
}
