package netstack

import "bytes"

// ipv6HeaderSize is the fixed IPv6 header size (no extension headers).
const ipv6HeaderSize = 40

// Next Header / ICMPv6 constants this stack recognizes.
const (
	protoICMPv6 uint8 = 58
	protoUDP    uint8 = 17

	icmpv6TypeNeighborSolicitation  uint8 = 135
	icmpv6TypeNeighborAdvertisement uint8 = 136

	icmpv6OptTargetLinkLayerAddr uint8 = 2
)

// hopLimit is written into every outgoing IPv6 header. 255 doubles as
// the value NDP requires on Neighbor Advertisements (RFC 4861 §7.2.4).
const hopLimit = 255

var allNodesMulticast = [16]byte{0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01}

// addrMatch classifies a destination address found in a received packet
// against this session's configured unicast address.
type addrMatch int

const (
	matchNone addrMatch = iota
	matchUnicast
	matchAllNodes
	matchSolicitedNode
	matchLinkLocal
)

// IPv6 is the L3 processor: it builds and parses the fixed 40-byte
// header, dispatches on Next Header, and embeds a Neighbor Discovery
// responder (ndp.go). One configured local address, one peer address,
// one application next header.
type IPv6[L Layer] struct {
	lower L

	addr     [16]byte // our unicast address
	peerAddr [16]byte // the peer's unicast address
	nextHdr  uint8

	l2addr     [6]byte
	haveL2addr bool

	pseudoSum uint16

	ndpObserver NDPObserver
}

// NDPObserver is an optional instrumentation hook for the embedded
// Neighbor Discovery responder (ndp.go). It has no effect on wire
// behavior: ambient code (internal/session) sets it to count NDP
// activity without this package importing a metrics library itself.
type NDPObserver interface {
	// OnNeighborSolicitation is called once for every inbound Neighbor
	// Solicitation targeting our configured address, before the reply is
	// built.
	OnNeighborSolicitation()
	// OnNeighborAdvertisementSent is called once a Neighbor Advertisement
	// reply has been handed to the lower layer, regardless of the
	// lower layer's Send status.
	OnNeighborAdvertisementSent()
}

// SetNDPObserver registers an optional observer for Neighbor Solicitation/
// Advertisement activity. Passing nil disables observation (the default).
func (v *IPv6[L]) SetNDPObserver(o NDPObserver) { v.ndpObserver = o }

// NewIPv6 creates an IPv6 layer over the given lower layer (normally a
// *MAC). The application next header defaults to UDP (17).
func NewIPv6[L Layer](lower L) *IPv6[L] {
	return &IPv6[L]{lower: lower, nextHdr: protoUDP}
}

func (v *IPv6[L]) SetAddr(addr [16]byte)     { v.addr = addr }
func (v *IPv6[L]) SetPeerAddr(addr [16]byte) { v.peerAddr = addr }
func (v *IPv6[L]) SetNextHeader(nh uint8)    { v.nextHdr = nh }

// Addr returns the configured local unicast address.
func (v *IPv6[L]) Addr() [16]byte { return v.addr }

// Connect validates the configured addresses, probes the lower layer for
// an optional L2AddrSource capability (used to fill the Target
// Link-Layer-Address option in Neighbor Advertisements), and commits the
// pseudo-header checksum seed for the configured address pair. The seed
// is valid only while the addresses and next header stay unchanged.
func (v *IPv6[L]) Connect() Status {
	if v.addr == ([16]byte{}) || v.peerAddr == ([16]byte{}) {
		return StatusEConfig
	}
	if status := v.lower.Connect(); status != StatusOK {
		return status
	}
	if src, ok := any(v.lower).(L2AddrSource); ok {
		v.l2addr = src.L2Addr()
		v.haveL2addr = true
	}

	v.pseudoSum = v.computePseudoSum()
	return StatusOK
}

// computePseudoSum sums the address-dependent portion of the IPv6
// pseudo-header (RFC 8200 §8.1): source address, destination address,
// and next header, zero-padded to a 32-bit boundary. The upper-layer
// packet length is added per packet by UDP, since it varies.
func (v *IPv6[L]) computePseudoSum() uint16 {
	sum := checksumSum(0, v.addr[:])
	sum = checksumSum(sum, v.peerAddr[:])
	sum = checksumSum(sum, []byte{0, 0, 0, v.nextHdr})
	return sum
}

// L3PseudoSum satisfies pseudoSumSource for the UDP layer above.
func (v *IPv6[L]) L3PseudoSum() uint16 { return v.pseudoSum }

// PayloadPosition is the lower layer's payload position plus the fixed
// IPv6 header size.
func (v *IPv6[L]) PayloadPosition() uint16 {
	return v.lower.PayloadPosition() + ipv6HeaderSize
}

// matchAddr classifies dst (16 bytes) against our configured address:
// exact unicast, the link-local form of it (same interface identifier
// under fe80::/64), the all-nodes multicast, or our solicited-node
// multicast.
func (v *IPv6[L]) matchAddr(dst []byte) addrMatch {
	switch {
	case bytes.Equal(dst, v.addr[:]):
		return matchUnicast
	case bytes.Equal(dst, allNodesMulticast[:]):
		return matchAllNodes
	case isSolicitedNodeOf(dst, v.addr[:]):
		return matchSolicitedNode
	case isLinkLocalOf(dst, v.addr[:]):
		return matchLinkLocal
	default:
		return matchNone
	}
}

// isLinkLocalOf reports whether addr is fe80::/64 with target's
// interface identifier in its low 64 bits.
func isLinkLocalOf(addr, target []byte) bool {
	if len(addr) != 16 || addr[0] != 0xfe || addr[1] != 0x80 {
		return false
	}
	for i := 2; i < 8; i++ {
		if addr[i] != 0 {
			return false
		}
	}
	return bytes.Equal(addr[8:16], target[8:16])
}

// isSolicitedNodeOf reports whether addr is the solicited-node multicast
// address derived from target: ff02::1:ff followed by target's low 24
// bits.
func isSolicitedNodeOf(addr, target []byte) bool {
	if len(addr) != 16 || len(target) != 16 {
		return false
	}
	prefix := []byte{0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01, 0xff}
	if !bytes.Equal(addr[:13], prefix) {
		return false
	}
	return bytes.Equal(addr[13:16], target[13:16])
}

// Recv pulls one frame from the lower layer, validates the IPv6 header,
// and either dispatches it to the embedded NDP responder (returning
// StatusEAgain, since ICMPv6 traffic is never delivered upward) or hands
// back the application payload window when the frame matches this
// session's address pair.
func (v *IPv6[L]) Recv(buf []byte) (uint16, uint16, Status) {
	lowerOffset, lowerLen, status := v.lower.Recv(buf)
	if status != StatusOK {
		return 0, 0, status
	}
	if lowerLen < ipv6HeaderSize {
		return 0, 0, StatusEOverflow
	}

	base := int(lowerOffset)
	if buf[base]>>4 != 6 {
		return 0, 0, StatusEProto
	}

	payloadLen := uint16(buf[base+4])<<8 | uint16(buf[base+5])
	nextHeader := buf[base+6]
	if payloadLen > lowerLen-ipv6HeaderSize {
		return 0, 0, StatusEOverflow
	}

	var src, dst [16]byte
	copy(src[:], buf[base+8:base+24])
	copy(dst[:], buf[base+24:base+40])

	payloadOffset := base + ipv6HeaderSize

	switch nextHeader {
	case protoICMPv6:
		// ICMPv6 checksums are not verified on receive; integrity is
		// left to the link.
		v.handleICMPv6(buf, payloadOffset, int(payloadLen), src, dst)
		return 0, 0, StatusEAgain
	case v.nextHdr:
		if src != v.peerAddr || dst != v.addr {
			return 0, 0, StatusEAgain
		}
		return uint16(payloadOffset), payloadLen, StatusOK
	default:
		return 0, 0, StatusEAgain
	}
}

// Send writes the 40-byte IPv6 header ending at dataOffset and delegates
// to the lower layer with the enlarged window.
func (v *IPv6[L]) Send(buf []byte, dataOffset, dataLen uint16) Status {
	if dataOffset < v.PayloadPosition() {
		return StatusEOverflow
	}
	headerPos := dataOffset - ipv6HeaderSize
	if int(headerPos)+int(dataLen)+ipv6HeaderSize > len(buf) {
		return StatusEOverflow
	}

	c := newCursor(buf, int(headerPos), len(buf))
	c.putInt(0x60000000) // version 6, traffic class 0, flow label 0
	c.putShort(dataLen)
	c.putByte(v.nextHdr)
	c.putByte(hopLimit)
	c.putBytes(v.addr[:])
	c.putBytes(v.peerAddr[:])

	return v.lower.Send(buf, headerPos, dataLen+ipv6HeaderSize)
}
