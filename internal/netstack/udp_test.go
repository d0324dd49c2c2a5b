package netstack_test

import (
	"testing"

	"github.com/edgenet6/coapstack/internal/netstack"
)

func newTestUDPStack(d *fakeDriver) *netstack.UDP[*netstack.IPv6[*netstack.MAC[*fakeDriver]]] {
	_, v := newTestStack(d)
	u := netstack.NewUDP[*netstack.IPv6[*netstack.MAC[*fakeDriver]]](v)
	u.SetLocalPort(5683)
	u.SetPeerPort(5683)
	return u
}

func TestUDPConnectRejectsUnsetPorts(t *testing.T) {
	t.Parallel()

	_, v := newTestStack(&fakeDriver{})
	u := netstack.NewUDP[*netstack.IPv6[*netstack.MAC[*fakeDriver]]](v)
	if status := u.Connect(); status != netstack.StatusEConfig {
		t.Fatalf("Connect() with no ports set = %v, want ECONFIG", status)
	}
}

func TestUDPSendProducesVerifiableChecksum(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	u := newTestUDPStack(d)
	if status := u.Connect(); status != netstack.StatusOK {
		t.Fatalf("Connect() = %v, want OK", status)
	}

	buf := make([]byte, 128)
	payload := []byte("hello")
	copy(buf[u.PayloadPosition():], payload)
	if status := u.Send(buf, u.PayloadPosition(), uint16(len(payload))); status != netstack.StatusOK {
		t.Fatalf("Send() = %v, want OK", status)
	}

	frame := d.tx[0]
	udpHeader := frame[14+40:]
	srcPort := uint16(udpHeader[0])<<8 | uint16(udpHeader[1])
	dstPort := uint16(udpHeader[2])<<8 | uint16(udpHeader[3])
	length := uint16(udpHeader[4])<<8 | uint16(udpHeader[5])
	if srcPort != 5683 || dstPort != 5683 {
		t.Fatalf("ports = %d/%d, want 5683/5683", srcPort, dstPort)
	}
	if length != uint16(8+len(payload)) {
		t.Fatalf("length = %d, want %d", length, 8+len(payload))
	}
	checksum := uint16(udpHeader[6])<<8 | uint16(udpHeader[7])
	if checksum == 0 {
		t.Fatal("checksum field must never be transmitted as zero")
	}

	// Verify against an independent pseudo-header computation: the
	// one's-complement sum over pseudo-header plus segment (checksum
	// included) must fold to all ones.
	pseudo := make([]byte, 0, 40)
	pseudo = append(pseudo, ourIP6[:]...)
	pseudo = append(pseudo, peerIP6[:]...)
	pseudo = append(pseudo, 0, 0, byte(length>>8), byte(length))
	pseudo = append(pseudo, 0, 0, 0, 17)
	acc := sum16(pseudo) + sum16(udpHeader[:length])
	for acc > 0xFFFF {
		acc = (acc >> 16) + (acc & 0xFFFF)
	}
	if acc != 0xFFFF {
		t.Fatalf("checksum does not verify: folded sum = %#04x", acc)
	}
}

func TestUDPRecvRejectsWrongDestinationPort(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	frame := ip6Frame(ourIP6, peerIP6, 17, udpSegment(5683, 9999, []byte("x")))
	d.rx = [][]byte{frame}

	u := newTestUDPStack(d)
	u.Connect()

	buf := make([]byte, 128)
	_, _, status := u.Recv(buf)
	if status != netstack.StatusEAgain {
		t.Fatalf("status = %v, want EAGAIN for mismatched port", status)
	}
}

func TestUDPRecvRejectsWrongSourcePort(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	frame := ip6Frame(ourIP6, peerIP6, 17, udpSegment(9999, 5683, []byte("x")))
	d.rx = [][]byte{frame}

	u := newTestUDPStack(d)
	u.Connect()

	buf := make([]byte, 128)
	_, _, status := u.Recv(buf)
	if status != netstack.StatusEAgain {
		t.Fatalf("status = %v, want EAGAIN for mismatched source port", status)
	}
}

func TestUDPRecvDeliversPayloadOnMatchingPortPair(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	frame := ip6Frame(ourIP6, peerIP6, 17, udpSegment(5683, 5683, []byte("payload")))
	d.rx = [][]byte{frame}

	u := newTestUDPStack(d)
	u.Connect()

	buf := make([]byte, 128)
	offset, length, status := u.Recv(buf)
	if status != netstack.StatusOK {
		t.Fatalf("status = %v, want OK", status)
	}
	if string(buf[offset:offset+length]) != "payload" {
		t.Fatalf("payload = %q, want %q", buf[offset:offset+length], "payload")
	}
}

func TestUDPRecvRejectsOversizedLengthField(t *testing.T) {
	t.Parallel()

	seg := udpSegment(5683, 5683, []byte("x"))
	seg[4], seg[5] = 0x00, 0x40 // declare 64 bytes in a 9-byte segment
	d := &fakeDriver{rx: [][]byte{ip6Frame(ourIP6, peerIP6, 17, seg)}}

	u := newTestUDPStack(d)
	u.Connect()

	_, _, status := u.Recv(make([]byte, 128))
	if status != netstack.StatusEOverflow {
		t.Fatalf("status = %v, want EOVERFLOW", status)
	}
}

// udpSegment builds a minimal UDP segment (checksum left zero; this
// stack never verifies it on receive).
func udpSegment(srcPort, dstPort uint16, payload []byte) []byte {
	seg := make([]byte, 8+len(payload))
	seg[0], seg[1] = byte(srcPort>>8), byte(srcPort)
	seg[2], seg[3] = byte(dstPort>>8), byte(dstPort)
	length := uint16(8 + len(payload))
	seg[4], seg[5] = byte(length>>8), byte(length)
	copy(seg[8:], payload)
	return seg
}
