package netstack

// ndp.go implements the Neighbor Discovery responder embedded in the
// IPv6 layer: it answers Neighbor Solicitations targeting our configured
// address with a Neighbor Advertisement, and nothing else. There is no
// outbound Neighbor Solicitation, no Router Solicitation, no neighbor
// cache, no address autoconfiguration; this stack's addresses are
// statically configured.

const (
	icmpv6HeaderSize  = 4 // type, code, checksum
	nsReservedSize    = 4
	naFixedSize       = icmpv6HeaderSize + nsReservedSize + 16
	naTargetLLOptSize = 8 // type(1) + length(1) + 6-byte address
	nsTargetOffset    = icmpv6HeaderSize + nsReservedSize
)

// handleICMPv6 inspects an ICMPv6 message and replies to a matching
// Neighbor Solicitation. Any other ICMPv6 type (Neighbor or Router
// Advertisements included), a destination address that is not one of
// ours, or a solicitation for an address we don't own is silently
// ignored: this responder never reports an error for traffic it doesn't
// understand.
func (v *IPv6[L]) handleICMPv6(buf []byte, offset, length int, srcAddr, dstAddr [16]byte) {
	if v.matchAddr(dstAddr[:]) == matchNone {
		return
	}
	if length < nsTargetOffset+16 {
		return
	}
	if buf[offset] != icmpv6TypeNeighborSolicitation {
		return
	}

	var target [16]byte
	copy(target[:], buf[offset+nsTargetOffset:offset+nsTargetOffset+16])
	switch v.matchAddr(target[:]) {
	case matchUnicast, matchLinkLocal:
	default:
		return
	}
	if v.ndpObserver != nil {
		v.ndpObserver.OnNeighborSolicitation()
	}

	replyTo := srcAddr
	if srcAddr == ([16]byte{}) {
		// unspecified source: reply to the all-nodes multicast
		replyTo = allNodesMulticast
	}
	v.sendNeighborAdvertisement(buf, target, replyTo)
}

// sendNeighborAdvertisement writes a solicited Neighbor Advertisement
// for target at this layer's payload position and sends it to replyTo,
// with a link-local source address derived from our configured address
// (bytes 0-7 forced to fe80::, the interface identifier in bytes 8-15
// kept as configured). The solicitation's contents have been copied out
// before the buffer is overwritten.
func (v *IPv6[L]) sendNeighborAdvertisement(buf []byte, target, replyTo [16]byte) {
	offset := int(v.PayloadPosition())
	dataLen := naFixedSize + naTargetLLOptSize
	c := newCursor(buf, offset, len(buf))
	if !c.fits(dataLen) {
		return
	}

	c.putByte(icmpv6TypeNeighborAdvertisement)
	c.putByte(0)  // code
	c.putShort(0) // checksum, fixed up below
	c.putInt(naFlagsSolicitedOverride)
	c.putBytes(target[:])

	c.putByte(icmpv6OptTargetLinkLayerAddr)
	c.putByte(1) // option length in units of 8 octets
	if v.haveL2addr {
		c.putBytes(v.l2addr[:])
	} else {
		c.putBytes(make([]byte, 6))
	}

	naSrc := v.addr
	naSrc[0], naSrc[1] = 0xfe, 0x80
	for i := 2; i < 8; i++ {
		naSrc[i] = 0
	}

	savedAddr, savedPeer, savedNextHdr := v.addr, v.peerAddr, v.nextHdr
	v.addr, v.peerAddr, v.nextHdr = naSrc, replyTo, protoICMPv6

	icmpv6FixChecksum(buf, offset, dataLen, v.addr, v.peerAddr)
	v.Send(buf, uint16(offset), uint16(dataLen))

	v.addr, v.peerAddr, v.nextHdr = savedAddr, savedPeer, savedNextHdr

	if v.ndpObserver != nil {
		v.ndpObserver.OnNeighborAdvertisementSent()
	}
}

// naFlagsSolicitedOverride sets the Solicited and Override bits; the
// Router bit stays off. Every advertisement this responder emits answers
// a solicitation, including one from the unspecified address.
const naFlagsSolicitedOverride = 0x60000000

// icmpv6FixChecksum computes the ICMPv6 checksum (RFC 4443 §2.3) over the
// IPv6 pseudo-header plus the message itself and writes it into the
// 2-byte checksum field at buf[offset+2:offset+4], which must be zero
// when this is called.
func icmpv6FixChecksum(buf []byte, offset, length int, src, dst [16]byte) {
	sum := checksumSum(0, src[:])
	sum = checksumSum(sum, dst[:])
	sum = checksumSum(sum, []byte{
		byte(length >> 24), byte(length >> 16), byte(length >> 8), byte(length),
	})
	sum = checksumSum(sum, []byte{0, 0, 0, protoICMPv6})
	sum = checksumSum(sum, buf[offset:offset+length])

	final := checksumFinalizeNonZero(sum)
	buf[offset+2] = byte(final >> 8)
	buf[offset+3] = byte(final)
}
