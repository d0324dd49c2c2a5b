package netstack_test

import (
	"bytes"
	"testing"

	"github.com/edgenet6/coapstack/internal/netstack"
)

// Golden end-to-end vectors: full-stack sessions between two fixed
// endpoints, checked byte-for-byte against the frames a conforming peer
// would see on the wire.

var (
	goldSrcMAC = [6]byte{0x10, 0x22, 0x33, 0x44, 0x55, 0x66}
	goldDstMAC = [6]byte{0x76, 0x88, 0x99, 0xAA, 0xBB, 0xCC}

	// 2001:1:2:3:f:e:d:c
	goldSrcIP6 = [16]byte{0x20, 0x01, 0x00, 0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x0f, 0x00, 0x0e, 0x00, 0x0d, 0x00, 0x0c}
	// 2001:1:2:3:a:b:c:d
	goldDstIP6 = [16]byte{0x20, 0x01, 0x00, 0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x0a, 0x00, 0x0b, 0x00, 0x0c, 0x00, 0x0d}
)

const goldBufCap = 1514

func newGoldMAC(d *fakeDriver, etherType uint16) *netstack.MAC[*fakeDriver] {
	m := netstack.NewMAC[*fakeDriver](d)
	m.SetSourceAddr(goldSrcMAC)
	m.SetDestinationAddr(goldDstMAC)
	m.SetEtherType(etherType)
	m.SetIP6Multicast([]netstack.MulticastSuffix{
		{0x00, 0x00, 0x00, 0x01},
		{0xff, goldSrcIP6[13], goldSrcIP6[14], goldSrcIP6[15]},
	})
	return m
}

func TestMACSendEmptyGoldenFrame(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	m := newGoldMAC(d, netstack.EtherTypeLoopback)

	buf := make([]byte, goldBufCap)
	if status := m.Send(buf, m.PayloadPosition(), 0); status != netstack.StatusOK {
		t.Fatalf("Send() = %v, want OK", status)
	}

	want := []byte{
		0x76, 0x88, 0x99, 0xAA, 0xBB, 0xCC,
		0x10, 0x22, 0x33, 0x44, 0x55, 0x66,
		0x90, 0x00,
	}
	if !bytes.Equal(d.tx[0], want) {
		t.Fatalf("frame = % X, want % X", d.tx[0], want)
	}
}

func TestMACRecvSolicitedNodeMulticast(t *testing.T) {
	t.Parallel()

	frame := make([]byte, 20)
	copy(frame[0:6], []byte{0x33, 0x33, 0xFF, 0x0D, 0x00, 0x0C})
	copy(frame[6:12], goldDstMAC[:])
	frame[12], frame[13] = 0x86, 0xDD

	d := &fakeDriver{rx: [][]byte{frame}}
	m := newGoldMAC(d, netstack.EtherTypeIPv6)

	buf := make([]byte, goldBufCap)
	offset, _, status := m.Recv(buf)
	if status != netstack.StatusOK {
		t.Fatalf("status = %v, want OK", status)
	}
	if offset != 14 {
		t.Fatalf("offset = %d, want 14", offset)
	}
}

func TestIPv6SendGoldenHeader(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	m := newGoldMAC(d, netstack.EtherTypeIPv6)
	v := netstack.NewIPv6[*netstack.MAC[*fakeDriver]](m)
	v.SetAddr(goldSrcIP6)
	v.SetPeerAddr(goldDstIP6)
	v.SetNextHeader(253)
	if status := v.Connect(); status != netstack.StatusOK {
		t.Fatalf("Connect() = %v, want OK", status)
	}

	buf := make([]byte, goldBufCap)
	copy(buf[v.PayloadPosition():], "test")
	if status := v.Send(buf, v.PayloadPosition(), 4); status != netstack.StatusOK {
		t.Fatalf("Send() = %v, want OK", status)
	}

	frame := d.tx[0]
	if len(frame) != 58 {
		t.Fatalf("frame len = %d, want 58", len(frame))
	}
	ip := frame[14:]
	if ip[0]>>4 != 6 {
		t.Fatalf("version nibble = %d, want 6", ip[0]>>4)
	}
	if ip[4] != 0x00 || ip[5] != 0x04 {
		t.Fatalf("payload length = %02x%02x, want 0004", ip[4], ip[5])
	}
	if ip[6] != 253 {
		t.Fatalf("next header = %d, want 253", ip[6])
	}
	if ip[7] != 255 {
		t.Fatalf("hop limit = %d, want 255", ip[7])
	}
	if !bytes.Equal(ip[8:24], goldSrcIP6[:]) || !bytes.Equal(ip[24:40], goldDstIP6[:]) {
		t.Fatal("addresses do not match configuration")
	}
	if string(ip[40:44]) != "test" {
		t.Fatalf("payload = %q, want %q", ip[40:44], "test")
	}
}

// sum16 is an independent RFC 1071 reimplementation used to verify
// emitted checksums without reaching into the package internals.
func sum16(data []byte) uint32 {
	var acc uint32
	for i := 0; i+1 < len(data); i += 2 {
		acc += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if len(data)%2 == 1 {
		acc += uint32(data[len(data)-1]) << 8
	}
	for acc > 0xFFFF {
		acc = (acc >> 16) + (acc & 0xFFFF)
	}
	return acc
}

func icmpv6ChecksumValid(src, dst, body []byte) bool {
	pseudo := make([]byte, 0, 40)
	pseudo = append(pseudo, src...)
	pseudo = append(pseudo, dst...)
	pseudo = append(pseudo, 0, 0, 0, byte(len(body)))
	pseudo = append(pseudo, 0, 0, 0, 58)
	acc := sum16(pseudo) + sum16(body)
	for acc > 0xFFFF {
		acc = (acc >> 16) + (acc & 0xFFFF)
	}
	return acc == 0xFFFF
}

func TestNeighborSolicitationGoldenReply(t *testing.T) {
	t.Parallel()

	// Solicited-node multicast of goldSrcIP6: ff02::1:ff0d:000c.
	nsDst := [16]byte{0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01, 0xff, 0x0d, 0x00, 0x0c}

	ns := make([]byte, 4+4+16)
	ns[0] = 135
	copy(ns[8:24], goldSrcIP6[:])

	frame := make([]byte, 14+40+len(ns))
	copy(frame[0:6], []byte{0x33, 0x33, 0xFF, 0x0D, 0x00, 0x0C})
	copy(frame[6:12], goldDstMAC[:])
	frame[12], frame[13] = 0x86, 0xDD
	ip := frame[14:]
	ip[0] = 0x60
	ip[5] = byte(len(ns))
	ip[6] = 58
	ip[7] = 255
	// source left as :: (unspecified)
	copy(ip[24:40], nsDst[:])
	copy(ip[40:], ns)

	d := &fakeDriver{rx: [][]byte{frame}}
	m := newGoldMAC(d, netstack.EtherTypeIPv6)
	v := netstack.NewIPv6[*netstack.MAC[*fakeDriver]](m)
	v.SetAddr(goldSrcIP6)
	v.SetPeerAddr(goldDstIP6)
	if status := v.Connect(); status != netstack.StatusOK {
		t.Fatalf("Connect() = %v, want OK", status)
	}

	buf := make([]byte, goldBufCap)
	if _, _, status := v.Recv(buf); status != netstack.StatusEAgain {
		t.Fatalf("Recv() = %v, want EAGAIN (solicitation consumed internally)", status)
	}

	if len(d.tx) != 1 {
		t.Fatalf("len(tx) = %d, want 1", len(d.tx))
	}
	reply := d.tx[0]
	rip := reply[14:]

	allNodes := [16]byte{0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01}
	if !bytes.Equal(rip[24:40], allNodes[:]) {
		t.Fatalf("reply dst = % X, want all-nodes multicast", rip[24:40])
	}

	icmp := rip[40:]
	if icmp[0] != 136 {
		t.Fatalf("ICMPv6 type = %d, want 136", icmp[0])
	}
	flags := uint32(icmp[4])<<24 | uint32(icmp[5])<<16 | uint32(icmp[6])<<8 | uint32(icmp[7])
	if flags != 0x60000000 {
		t.Fatalf("NA flags = %#08x, want 0x60000000", flags)
	}
	if !bytes.Equal(icmp[8:24], goldSrcIP6[:]) {
		t.Fatalf("NA target = % X, want % X", icmp[8:24], goldSrcIP6)
	}
	if icmp[24] != 2 || icmp[25] != 1 {
		t.Fatalf("TLLA option header = %02x%02x, want 0201", icmp[24], icmp[25])
	}
	if !icmpv6ChecksumValid(rip[8:24], rip[24:40], icmp) {
		t.Fatal("NA checksum does not verify")
	}
}

// newGoldUDP builds a complete MAC/IPv6/UDP stack for one endpoint
// role; tests wire two of them together by feeding one side's transmit
// queue into the other side's receive queue.
func newGoldUDP(d *fakeDriver, srcMAC, dstMAC [6]byte, srcIP, dstIP [16]byte, srcPort, dstPort uint16) *netstack.UDP[*netstack.IPv6[*netstack.MAC[*fakeDriver]]] {
	m := netstack.NewMAC[*fakeDriver](d)
	m.SetSourceAddr(srcMAC)
	m.SetDestinationAddr(dstMAC)
	m.SetEtherType(netstack.EtherTypeIPv6)
	v := netstack.NewIPv6[*netstack.MAC[*fakeDriver]](m)
	v.SetAddr(srcIP)
	v.SetPeerAddr(dstIP)
	u := netstack.NewUDP[*netstack.IPv6[*netstack.MAC[*fakeDriver]]](v)
	u.SetLocalPort(srcPort)
	u.SetPeerPort(dstPort)
	return u
}

func TestUDPRoundTripBetweenPeers(t *testing.T) {
	t.Parallel()

	clientDrv := &fakeDriver{}
	client := newGoldUDP(clientDrv, goldSrcMAC, goldDstMAC, goldSrcIP6, goldDstIP6, 1234, 5678)
	if status := client.Connect(); status != netstack.StatusOK {
		t.Fatalf("client Connect() = %v, want OK", status)
	}

	buf := make([]byte, goldBufCap)
	copy(buf[client.PayloadPosition():], "test")
	if status := client.Send(buf, client.PayloadPosition(), 4); status != netstack.StatusOK {
		t.Fatalf("client Send() = %v, want OK", status)
	}

	serverDrv := &fakeDriver{rx: [][]byte{clientDrv.tx[0]}}
	server := newGoldUDP(serverDrv, goldDstMAC, goldSrcMAC, goldDstIP6, goldSrcIP6, 5678, 1234)
	if status := server.Connect(); status != netstack.StatusOK {
		t.Fatalf("server Connect() = %v, want OK", status)
	}

	recvBuf := make([]byte, goldBufCap)
	offset, length, status := server.Recv(recvBuf)
	if status != netstack.StatusOK {
		t.Fatalf("server Recv() = %v, want OK", status)
	}
	if length != 4 || string(recvBuf[offset:offset+length]) != "test" {
		t.Fatalf("payload = %q (len %d), want \"test\"", recvBuf[offset:offset+length], length)
	}
}

func TestCoAPConfirmablePostGoldenExchange(t *testing.T) {
	t.Parallel()

	token := []byte{0xBC}

	d := &fakeDriver{}
	m := newGoldMAC(d, netstack.EtherTypeIPv6)
	v := netstack.NewIPv6[*netstack.MAC[*fakeDriver]](m)
	v.SetAddr(goldSrcIP6)
	v.SetPeerAddr(goldDstIP6)
	u := netstack.NewUDP[*netstack.IPv6[*netstack.MAC[*fakeDriver]]](v)
	u.SetLocalPort(5683)
	u.SetPeerPort(5683)
	c := netstack.NewCoAP[*netstack.UDP[*netstack.IPv6[*netstack.MAC[*fakeDriver]]]](u)
	c.SetConfirmable(true)
	c.SetRequestCode(netstack.CoAPPost)
	if err := c.SetToken(token); err != nil {
		t.Fatal(err)
	}
	if err := c.SetURIQuery("stub=stub"); err != nil {
		t.Fatal(err)
	}
	if status := c.Connect(); status != netstack.StatusOK {
		t.Fatalf("Connect() = %v, want OK", status)
	}

	buf := make([]byte, goldBufCap)
	copy(buf[c.PayloadPosition():], "test")
	if status := c.Send(buf, c.PayloadPosition(), 4); status != netstack.StatusOK {
		t.Fatalf("Send() = %v, want OK", status)
	}

	coap := d.tx[0][14+40+8:]
	if coap[0] != 0x41 {
		t.Fatalf("byte 0 = %#02x, want 0x41 (CON, TKL 1)", coap[0])
	}
	if coap[1] != 0x02 {
		t.Fatalf("code = %#02x, want 0x02 (POST)", coap[1])
	}
	if coap[4] != 0xBC {
		t.Fatalf("token = %#02x, want 0xBC", coap[4])
	}
	// Uri-Query delta 15 encodes as nibble 13 + one extension byte (2);
	// length 9 fits the low nibble directly.
	if coap[5] != 0xD9 || coap[6] != 0x02 {
		t.Fatalf("option header = %02x%02x, want d902", coap[5], coap[6])
	}
	if string(coap[7:16]) != "stub=stub" {
		t.Fatalf("option value = %q, want %q", coap[7:16], "stub=stub")
	}
	if coap[16] != 0xFF {
		t.Fatalf("payload marker = %#02x, want 0xFF", coap[16])
	}
	if string(coap[17:21]) != "test" {
		t.Fatalf("payload = %q, want %q", coap[17:21], "test")
	}

	msgID := [2]byte{coap[2], coap[3]}

	// Empty ack, then a separate NON response carrying our token.
	emptyAck := coapAckFrame(msgID, 0, nil)
	d.rx = [][]byte{goldIP6Frame(goldSrcIP6, goldDstIP6, udpSegment(5683, 5683, emptyAck))}
	if _, _, status := c.Recv(buf); status != netstack.StatusCoAPAck {
		t.Fatalf("empty ack Recv() = %v, want COAP_ACK", status)
	}

	non := coapNonFrame(token, 0x41, nil)
	d.rx = [][]byte{goldIP6Frame(goldSrcIP6, goldDstIP6, udpSegment(5683, 5683, non))}
	if _, _, status := c.Recv(buf); status != netstack.StatusOK {
		t.Fatalf("separate response Recv() = %v, want OK", status)
	}
	if c.LastResponseCode() != 0x41 {
		t.Fatalf("LastResponseCode() = %#x, want 0x41", c.LastResponseCode())
	}
}

func TestCoAPPiggybackedGoldenExchange(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	m := newGoldMAC(d, netstack.EtherTypeIPv6)
	v := netstack.NewIPv6[*netstack.MAC[*fakeDriver]](m)
	v.SetAddr(goldSrcIP6)
	v.SetPeerAddr(goldDstIP6)
	u := netstack.NewUDP[*netstack.IPv6[*netstack.MAC[*fakeDriver]]](v)
	u.SetLocalPort(5683)
	u.SetPeerPort(5683)
	c := netstack.NewCoAP[*netstack.UDP[*netstack.IPv6[*netstack.MAC[*fakeDriver]]]](u)
	if status := c.Connect(); status != netstack.StatusOK {
		t.Fatalf("Connect() = %v, want OK", status)
	}

	buf := make([]byte, goldBufCap)
	c.Send(buf, c.PayloadPosition(), 0)
	coap := d.tx[0][14+40+8:]
	msgID := [2]byte{coap[2], coap[3]}

	ack := coapAckFrame(msgID, 0x41, nil)
	d.rx = [][]byte{goldIP6Frame(goldSrcIP6, goldDstIP6, udpSegment(5683, 5683, ack))}

	_, _, status := c.Recv(buf)
	if status != netstack.StatusCoAPAck {
		t.Fatalf("Recv() = %v, want COAP_ACK", status)
	}
	if c.LastResponseCode() != 0x41 {
		t.Fatalf("LastResponseCode() = %#x, want 0x41", c.LastResponseCode())
	}
}

// goldIP6Frame builds a MAC+IPv6 frame addressed to the golden endpoint
// (dst is our address, src is the peer's).
func goldIP6Frame(dst, src [16]byte, payload []byte) []byte {
	frame := make([]byte, 14+40+len(payload))
	copy(frame[0:6], goldSrcMAC[:])
	copy(frame[6:12], goldDstMAC[:])
	frame[12], frame[13] = 0x86, 0xDD

	ip := frame[14:]
	ip[0] = 0x60
	ip[4] = byte(len(payload) >> 8)
	ip[5] = byte(len(payload))
	ip[6] = 17
	ip[7] = 64
	copy(ip[8:24], src[:])
	copy(ip[24:40], dst[:])
	copy(ip[40:], payload)
	return frame
}

func TestMACSendRejectsPayloadBeyondMTU(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	m := newGoldMAC(d, netstack.EtherTypeIPv6)

	buf := make([]byte, goldBufCap)
	if status := m.Send(buf, m.PayloadPosition(), 1500); status != netstack.StatusOK {
		t.Fatalf("Send() at exact MTU = %v, want OK", status)
	}
	if status := m.Send(buf, m.PayloadPosition(), 1501); status != netstack.StatusEOverflow {
		t.Fatalf("Send() one past MTU = %v, want EOVERFLOW", status)
	}
}

func TestCoAPOptionLengthEncodingBoundaries(t *testing.T) {
	t.Parallel()

	// Per-option overhead: 1 header byte + 1 delta extension byte (the
	// first Uri-Query has delta 15) + the length extension bytes the
	// value needs.
	tests := []struct {
		valueLen   int
		lenExtSize int
	}{
		{12, 0},
		{13, 1},
		{14, 1},
		{268, 1},
		{269, 2},
	}

	for _, tt := range tests {
		d := &fakeDriver{}
		c := newTestCoAPStack(d)
		c.Connect()

		base := c.PayloadPosition()
		value := bytes.Repeat([]byte{'q'}, tt.valueLen)
		if err := c.SetURIQuery(string(value)); err != nil {
			t.Fatalf("SetURIQuery(len %d) error = %v", tt.valueLen, err)
		}
		got := int(c.PayloadPosition() - base)
		want := 1 + 1 + tt.lenExtSize + tt.valueLen
		if got != want {
			t.Fatalf("option of length %d grew header by %d, want %d", tt.valueLen, got, want)
		}

		// The emitted frame must round-trip through the option walker.
		buf := make([]byte, goldBufCap)
		copy(buf[c.PayloadPosition():], "x")
		if status := c.Send(buf, c.PayloadPosition(), 1); status != netstack.StatusOK {
			t.Fatalf("Send(len %d option) = %v, want OK", tt.valueLen, status)
		}
	}
}
