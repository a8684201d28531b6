// Package lossy implements the Lossy Shortcut Engine: Yggdrasil wire packet
// dissection and the sender/receiver state machines that let traffic-class
// packets bypass the reliable KCP channel of a UDP-carries-TCP bridge.
package lossy

import (
	"encoding/binary"
)

// varintMaxLen bounds the encoded varint length the decoder accepts. Nine
// bytes carry 63 bits, so a value of 2^63 or more (which needs a tenth byte)
// is reported invalid.
const varintMaxLen = 9

type varintResult int

const (
	varintOK varintResult = iota
	varintTruncated
	varintInvalid
)

// decodeVarint decodes a protobuf-style LEB128 varint from the start of buf.
func decodeVarint(buf []byte) (value uint64, length int, result varintResult) {
	for i := 0; i < varintMaxLen; i++ {
		if i >= len(buf) {
			return 0, 0, varintTruncated
		}
		b := buf[i]
		value |= uint64(b&0x7f) << (uint(i) * 7)
		if b&0x80 == 0 {
			return value, i + 1, varintOK
		}
	}
	return 0, 0, varintInvalid
}

type packetKind int

const (
	packetInvalid packetKind = iota
	packetTruncatedHeader
	packetTruncated // body not fully in buf yet; carries total length
	packetTraffic   // type 9, eligible for the UDP shortcut
	packetMeta      // everything else, must stay reliable
)

type packet struct {
	kind packetKind
	len  int // total packet length (header + body), meaningful except for Invalid/TruncatedHeader
}

func (p packet) isTraffic() bool { return p.kind == packetTraffic }

// trafficPacketType is the Yggdrasil wire type that is eligible for the
// shortcut; see https://github.com/Arceliar/ironwood/blob/main/network/wire.go.
// Every other type, including ones the sender doesn't recognise, is treated
// as control and never dropped.
const trafficPacketType = 9

// metaLiteral is the literal header a fresh connection's first packet may
// carry instead of the varint+type framing.
var metaLiteral = [4]byte{'m', 'e', 't', 'a'}

// parseYggdrasilPacket dissects one packet from the start of buf. Yggdrasil
// frames either start with the literal "meta" header followed by a
// big-endian 16-bit length, or with a varint giving the body length followed
// by a 1-byte type discriminator.
func parseYggdrasilPacket(buf []byte) packet {
	if len(buf) >= 4 && [4]byte(buf[:4]) == metaLiteral {
		if len(buf) < 6 {
			return packet{kind: packetTruncatedHeader}
		}
		total := 6 + int(binary.BigEndian.Uint16(buf[4:6]))
		if total <= len(buf) {
			return packet{kind: packetMeta, len: total}
		}
		return packet{kind: packetTruncated, len: total}
	}

	bodyLen, varLen, vr := decodeVarint(buf)
	switch vr {
	case varintTruncated:
		return packet{kind: packetTruncatedHeader}
	case varintInvalid:
		return packet{kind: packetInvalid}
	}

	total := varLen + int(bodyLen)
	if total > len(buf) {
		return packet{kind: packetTruncated, len: total}
	}
	if varLen >= len(buf) {
		return packet{kind: packetInvalid}
	}
	packetType := buf[varLen]

	if packetType == trafficPacketType {
		return packet{kind: packetTraffic, len: total}
	}
	return packet{kind: packetMeta, len: total}
}
