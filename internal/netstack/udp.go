package netstack

// udpHeaderSize is the fixed UDP header size: source port, destination
// port, length, checksum, 2 bytes each.
const udpHeaderSize = 8

// UDP is the L4 processor: a single connected pair of ports over the
// lower IPv6 layer, with an IPv6 pseudo-header checksum computed on
// every Send and left unverified on Recv.
type UDP[L Layer] struct {
	lower L

	localPort uint16
	peerPort  uint16

	l3PseudoSum uint16
}

// NewUDP creates a UDP layer over the given lower layer (normally an
// *IPv6). Ports must be set via SetLocalPort/SetPeerPort before Connect.
func NewUDP[L Layer](lower L) *UDP[L] {
	return &UDP[L]{lower: lower}
}

func (u *UDP[L]) SetLocalPort(port uint16) { u.localPort = port }
func (u *UDP[L]) SetPeerPort(port uint16)  { u.peerPort = port }

// Connect rejects an unset port pair with StatusEConfig, then caches the
// IPv6 pseudo-header checksum seed from the lower layer if it offers one.
func (u *UDP[L]) Connect() Status {
	if u.localPort == 0 || u.peerPort == 0 {
		return StatusEConfig
	}
	if status := u.lower.Connect(); status != StatusOK {
		return status
	}
	if src, ok := any(u.lower).(pseudoSumSource); ok {
		u.l3PseudoSum = src.L3PseudoSum()
	}
	return StatusOK
}

// PayloadPosition is the lower layer's payload position plus the fixed
// UDP header size.
func (u *UDP[L]) PayloadPosition() uint16 {
	return u.lower.PayloadPosition() + udpHeaderSize
}

// Recv pulls one datagram from the lower layer and accepts it iff its
// port pair mirrors ours: source port matching our peer port, destination
// port matching our local port. The UDP checksum is not verified on
// receive; integrity checking is delegated to the link layer of the
// constrained transport.
func (u *UDP[L]) Recv(buf []byte) (uint16, uint16, Status) {
	lowerOffset, lowerLen, status := u.lower.Recv(buf)
	if status != StatusOK {
		return 0, 0, status
	}
	if lowerLen < udpHeaderSize {
		return 0, 0, StatusEOverflow
	}

	base := int(lowerOffset)
	srcPort := uint16(buf[base])<<8 | uint16(buf[base+1])
	dstPort := uint16(buf[base+2])<<8 | uint16(buf[base+3])
	length := uint16(buf[base+4])<<8 | uint16(buf[base+5])

	if srcPort != u.peerPort || dstPort != u.localPort {
		return 0, 0, StatusEAgain
	}
	if length > lowerLen {
		return 0, 0, StatusEOverflow
	}

	return uint16(base) + udpHeaderSize, lowerLen - udpHeaderSize, StatusOK
}

// Send writes the 8-byte UDP header ending at dataOffset, computes its
// checksum over the cached IPv6 pseudo-header seed plus the header and
// payload, and delegates to the lower layer with the enlarged window.
func (u *UDP[L]) Send(buf []byte, dataOffset, dataLen uint16) Status {
	if dataOffset < u.PayloadPosition() {
		return StatusEOverflow
	}
	headerPos := dataOffset - udpHeaderSize
	length := dataLen + udpHeaderSize
	if int(headerPos)+int(length) > len(buf) {
		return StatusEOverflow
	}

	c := newCursor(buf, int(headerPos), len(buf))
	c.putShort(u.localPort)
	c.putShort(u.peerPort)
	c.putShort(length)
	c.putShort(0) // checksum, fixed up below

	u.fixChecksum(buf, int(headerPos), int(length))

	return u.lower.Send(buf, headerPos, length)
}

// fixChecksum computes the UDP checksum (RFC 768) over the cached
// pseudo-header seed (which already covers addresses and next header),
// the upper-layer length, and the UDP segment itself (header with
// checksum=0, plus payload), writing the result into the 2-byte checksum
// field.
func (u *UDP[L]) fixChecksum(buf []byte, offset, length int) {
	sum := u.l3PseudoSum
	sum = checksumSum(sum, []byte{
		byte(length >> 24), byte(length >> 16), byte(length >> 8), byte(length),
	})
	sum = checksumSum(sum, buf[offset:offset+length])

	final := checksumFinalizeNonZero(sum)
	buf[offset+6] = byte(final >> 8)
	buf[offset+7] = byte(final)
}
