package netstack

import "bytes"

// macHeaderSize is the fixed Ethernet II header size: 6-byte destination,
// 6-byte source, 2-byte EtherType.
const macHeaderSize = 14

// EtherType values relevant to this stack.
const (
	EtherTypeIPv6      uint16 = 0x86DD
	EtherTypeLoopback  uint16 = 0x9000
	ip6MulticastPrefix byte   = 0x33
)

// MulticastSuffix is the low 4 bytes of an Ethernet multicast address that
// the MAC layer accepts alongside frames addressed to our own source
// address, used for IPv6 multicast (e.g. solicited-node, all-nodes).
type MulticastSuffix [4]byte

// MAC is the L2 Ethernet framer: it builds and parses the Ethernet II
// header and filters inbound frames by destination address and
// EtherType.
//
// MAC is the bottom of the stack; it holds the only reference to the link
// driver, generic over L so that calls to the driver are direct, not
// dispatched through an interface vtable.
type MAC[L Driver] struct {
	srcAddr       [6]byte
	dstAddr       [6]byte
	etherType     uint16
	mcastSuffixes []MulticastSuffix
	lower         L
}

// NewMAC creates a MAC layer on top of the given link driver. Addresses
// and EtherType must be set via the Set* methods before Connect.
func NewMAC[L Driver](lower L) *MAC[L] {
	return &MAC[L]{lower: lower}
}

// SetSourceAddr sets our own L2 address, used both as the Ethernet source
// address on Send and as one of the accepted destination addresses on
// Recv.
func (m *MAC[L]) SetSourceAddr(addr [6]byte) { m.srcAddr = addr }

// SetDestinationAddr sets the peer's L2 address, used as the Ethernet
// destination address on Send.
func (m *MAC[L]) SetDestinationAddr(addr [6]byte) { m.dstAddr = addr }

// SetEtherType sets the EtherType written on Send and matched on Recv.
func (m *MAC[L]) SetEtherType(etherType uint16) { m.etherType = etherType }

// SetIP6Multicast configures the ordered list of accepted IPv6 multicast
// L2 suffixes.
func (m *MAC[L]) SetIP6Multicast(suffixes []MulticastSuffix) {
	m.mcastSuffixes = suffixes
}

// L2Addr satisfies L2AddrSource so the IPv6 layer above can fill the NDP
// Target Link-Layer-Address option.
func (m *MAC[L]) L2Addr() [6]byte { return m.srcAddr }

// Connect is a no-op for MAC: there is nothing to precompute.
func (m *MAC[L]) Connect() Status { return StatusOK }

// PayloadPosition is always macHeaderSize: MAC sits directly on the
// driver.
func (m *MAC[L]) PayloadPosition() uint16 { return macHeaderSize }

// Recv pulls one frame from the driver and accepts it iff its length is
// at least 14, its EtherType matches, and its destination address is
// either ours or an accepted IPv6 multicast suffix.
func (m *MAC[L]) Recv(buf []byte) (uint16, uint16, Status) {
	frameLen := m.lower.FrameRecv(buf)
	if frameLen < macHeaderSize || frameLen > len(buf) {
		return 0, 0, StatusEAgain
	}

	if buf[12] != byte(m.etherType>>8) || buf[13] != byte(m.etherType) {
		return 0, 0, StatusEAgain
	}

	dst := buf[0:6]
	switch {
	case bytes.Equal(dst, m.srcAddr[:]):
		// unicast to us
	case dst[0] == ip6MulticastPrefix && dst[1] == ip6MulticastPrefix && m.matchesMulticast(dst[2:6]):
		// accepted IPv6 multicast
	default:
		return 0, 0, StatusEAgain
	}

	return macHeaderSize, uint16(frameLen - macHeaderSize), StatusOK
}

func (m *MAC[L]) matchesMulticast(suffix []byte) bool {
	for _, s := range m.mcastSuffixes {
		if bytes.Equal(suffix, s[:]) {
			return true
		}
	}
	return false
}

// Send writes the Ethernet II header ending at dataOffset and hands the
// frame, starting at its own header position, to the driver. Returns
// StatusOK iff the driver reports having written every byte.
//
// Like every other layer in this stack, Send locates its header at
// dataOffset-headerSize rather than assuming it sits at buffer offset 0:
// an upper layer that reserved more room than it ended up using (e.g.
// CoAP sizing for a payload marker it then omits) only leaves unused
// bytes ahead of the frame, never a gap inside it.
func (m *MAC[L]) Send(buf []byte, dataOffset, dataLen uint16) Status {
	if dataOffset < m.PayloadPosition() {
		return StatusEOverflow
	}
	headerPos := int(dataOffset) - macHeaderSize
	total := int(dataLen) + macHeaderSize
	if headerPos+total > len(buf) {
		return StatusEOverflow
	}

	c := newCursor(buf, headerPos, len(buf))
	c.putBytes(m.dstAddr[:])
	c.putBytes(m.srcAddr[:])
	c.putShort(m.etherType)

	frame := buf[headerPos:]
	if sent := m.lower.FrameSend(frame, total); sent != total {
		return StatusEAgain
	}
	return StatusOK
}
