package netstack_test

import (
	"testing"

	"github.com/edgenet6/coapstack/internal/netstack"
)

func newTestCoAPStack(d *fakeDriver) *netstack.CoAP[*netstack.UDP[*netstack.IPv6[*netstack.MAC[*fakeDriver]]]] {
	u := newTestUDPStack(d)
	return netstack.NewCoAP[*netstack.UDP[*netstack.IPv6[*netstack.MAC[*fakeDriver]]]](u)
}

func TestCoAPSendWritesRequestLine(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	c := newTestCoAPStack(d)
	if status := c.Connect(); status != netstack.StatusOK {
		t.Fatalf("Connect() = %v, want OK", status)
	}
	c.SetRequestCode(netstack.CoAPGet)
	if err := c.SetToken([]byte{0xDE, 0xAD}); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}
	if err := c.SetURIPath("sensors", "temp"); err != nil {
		t.Fatalf("SetURIPath() error = %v", err)
	}

	buf := make([]byte, 256)
	if status := c.Send(buf, c.PayloadPosition(), 0); status != netstack.StatusOK {
		t.Fatalf("Send() = %v, want OK", status)
	}

	frame := d.tx[0]
	coapHdr := frame[14+40+8:]
	if coapHdr[0]>>6 != 1 {
		t.Fatalf("version = %d, want 1", coapHdr[0]>>6)
	}
	if (coapHdr[0]>>4)&0x3 != 0 {
		t.Fatalf("type = %d, want 0 (Confirmable)", (coapHdr[0]>>4)&0x3)
	}
	tkl := coapHdr[0] & 0x0F
	if tkl != 2 {
		t.Fatalf("token length = %d, want 2", tkl)
	}
	if coapHdr[1] != uint8(netstack.CoAPGet) {
		t.Fatalf("code = %d, want %d (GET)", coapHdr[1], netstack.CoAPGet)
	}
	if coapHdr[4] != 0xDE || coapHdr[5] != 0xAD {
		t.Fatalf("token = %02x%02x, want dead", coapHdr[4], coapHdr[5])
	}

	opts := coapHdr[4+tkl:]
	// Two Uri-Path options: delta 11 (nibble 11), then delta 0 (nibble 0).
	if opts[0]>>4 != 11 || int(opts[0]&0x0F) != len("sensors") {
		t.Fatalf("first option header = %#02x, want delta=11 len=%d", opts[0], len("sensors"))
	}
	second := opts[1+len("sensors")]
	if second>>4 != 0 || int(second&0x0F) != len("temp") {
		t.Fatalf("second option header = %#02x, want delta=0 len=%d", second, len("temp"))
	}
}

func TestCoAPSendOmitsMarkerForEmptyPayload(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	c := newTestCoAPStack(d)
	c.Connect()

	buf := make([]byte, 256)
	if status := c.Send(buf, c.PayloadPosition(), 0); status != netstack.StatusOK {
		t.Fatalf("Send() = %v, want OK", status)
	}

	frame := d.tx[0]
	// Base header only: no token, no options, no payload marker.
	if len(frame) != 14+40+8+4 {
		t.Fatalf("frame len = %d, want %d", len(frame), 14+40+8+4)
	}
}

func TestCoAPMessageIDIncrementsPerSend(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	c := newTestCoAPStack(d)
	c.Connect()

	buf := make([]byte, 256)
	c.Send(buf, c.PayloadPosition(), 0)
	c.Send(buf, c.PayloadPosition(), 0)

	first := uint16(d.tx[0][14+40+8+2])<<8 | uint16(d.tx[0][14+40+8+3])
	second := uint16(d.tx[1][14+40+8+2])<<8 | uint16(d.tx[1][14+40+8+3])
	if second != first+1 {
		t.Fatalf("message IDs = %d, %d, want consecutive", first, second)
	}
}

func TestCoAPPayloadPositionAccountsForOptions(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	c := newTestCoAPStack(d)
	c.Connect()

	base := c.PayloadPosition()
	if err := c.SetURIPath("a", "b", "c"); err != nil {
		t.Fatal(err)
	}
	withPath := c.PayloadPosition()
	if withPath <= base {
		t.Fatalf("PayloadPosition() did not grow after adding options: %d -> %d", base, withPath)
	}
}

func TestCoAPPayloadPositionStableAcrossOptionChurn(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	c := newTestCoAPStack(d)
	c.Connect()
	if err := c.SetURIQuery("a=1"); err != nil {
		t.Fatal(err)
	}

	before := c.PayloadPosition()
	if err := c.SetURIQuery("bb=22", "c=3"); err != nil {
		t.Fatal(err)
	}
	c.SetContentFormat(50)
	c.SetContentFormat(0)
	if err := c.SetURIQuery("a=1"); err != nil {
		t.Fatal(err)
	}
	if after := c.PayloadPosition(); after != before {
		t.Fatalf("PayloadPosition() = %d after reverting options, want %d", after, before)
	}
}

func TestCoAPRecvCorrelatesAckToLastSentMessageID(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	c := newTestCoAPStack(d)
	c.Connect()
	c.SetRequestCode(netstack.CoAPGet)

	buf := make([]byte, 256)
	c.Send(buf, c.PayloadPosition(), 0)

	sentFrame := d.tx[0]
	sentCoAP := sentFrame[14+40+8:]
	msgID := [2]byte{sentCoAP[2], sentCoAP[3]}

	resp := coapAckFrame(msgID, 0x45 /* 2.05 Content */, []byte("23.5"))
	d.rx = [][]byte{ip6Frame(ourIP6, peerIP6, 17, udpSegment(5683, 5683, resp))}

	offset, length, status := c.Recv(buf)
	if status != netstack.StatusCoAPAck {
		t.Fatalf("status = %v, want COAP_ACK", status)
	}
	if string(buf[offset:offset+length]) != "23.5" {
		t.Fatalf("payload = %q, want %q", buf[offset:offset+length], "23.5")
	}
	if c.LastResponseCode() != 0x45 {
		t.Fatalf("LastResponseCode() = %#x, want 0x45", c.LastResponseCode())
	}
}

func TestCoAPRecvIgnoresMismatchedMessageID(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	c := newTestCoAPStack(d)
	c.Connect()
	c.Send(make([]byte, 256), c.PayloadPosition(), 0)

	sentCoAP := d.tx[0][14+40+8:]
	stale := [2]byte{sentCoAP[2] ^ 0xFF, sentCoAP[3]}
	resp := coapAckFrame(stale, 0x45, nil)
	d.rx = [][]byte{ip6Frame(ourIP6, peerIP6, 17, udpSegment(5683, 5683, resp))}

	_, _, status := c.Recv(make([]byte, 256))
	if status != netstack.StatusEAgain {
		t.Fatalf("status = %v, want EAGAIN for mismatched message ID", status)
	}
}

func TestCoAPSeparateResponseFlow(t *testing.T) {
	t.Parallel()

	token := []byte{0xBC}

	d := &fakeDriver{}
	c := newTestCoAPStack(d)
	c.Connect()
	c.SetRequestCode(netstack.CoAPPost)
	if err := c.SetToken(token); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 256)
	if status := c.Send(buf, c.PayloadPosition(), 0); status != netstack.StatusOK {
		t.Fatalf("Send() = %v, want OK", status)
	}
	sentCoAP := d.tx[0][14+40+8:]
	msgID := [2]byte{sentCoAP[2], sentCoAP[3]}

	// Empty ack first: the exchange stays open.
	emptyAck := coapAckFrame(msgID, 0, nil)
	d.rx = [][]byte{ip6Frame(ourIP6, peerIP6, 17, udpSegment(5683, 5683, emptyAck))}
	_, _, status := c.Recv(buf)
	if status != netstack.StatusCoAPAck {
		t.Fatalf("empty ack status = %v, want COAP_ACK", status)
	}
	if c.LastResponseCode() != 0 {
		t.Fatalf("LastResponseCode() after empty ack = %#x, want 0", c.LastResponseCode())
	}

	// The answer arrives later as a NON correlated by token.
	non := coapNonFrame(token, 0x41 /* 2.01 Created */, []byte("done"))
	d.rx = [][]byte{ip6Frame(ourIP6, peerIP6, 17, udpSegment(5683, 5683, non))}
	offset, length, status := c.Recv(buf)
	if status != netstack.StatusOK {
		t.Fatalf("separate response status = %v, want OK", status)
	}
	if string(buf[offset:offset+length]) != "done" {
		t.Fatalf("payload = %q, want %q", buf[offset:offset+length], "done")
	}
	if c.LastResponseCode() != 0x41 {
		t.Fatalf("LastResponseCode() = %#x, want 0x41", c.LastResponseCode())
	}
}

func TestCoAPNonWithForeignTokenIsIgnored(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	c := newTestCoAPStack(d)
	c.Connect()
	if err := c.SetToken([]byte{0xBC}); err != nil {
		t.Fatal(err)
	}
	c.Send(make([]byte, 256), c.PayloadPosition(), 0)

	non := coapNonFrame([]byte{0x99}, 0x41, []byte("x"))
	d.rx = [][]byte{ip6Frame(ourIP6, peerIP6, 17, udpSegment(5683, 5683, non))}

	_, _, status := c.Recv(make([]byte, 256))
	if status != netstack.StatusEAgain {
		t.Fatalf("status = %v, want EAGAIN for foreign token", status)
	}
}

func TestCoAPRecvReportsResetAndRejectsServerConfirmable(t *testing.T) {
	t.Parallel()

	newSession := func() (*netstack.CoAP[*netstack.UDP[*netstack.IPv6[*netstack.MAC[*fakeDriver]]]], *fakeDriver, [2]byte) {
		d := &fakeDriver{}
		c := newTestCoAPStack(d)
		c.Connect()
		c.Send(make([]byte, 256), c.PayloadPosition(), 0)
		sentCoAP := d.tx[0][14+40+8:]
		return c, d, [2]byte{sentCoAP[2], sentCoAP[3]}
	}

	t.Run("reset", func(t *testing.T) {
		t.Parallel()
		c, d, msgID := newSession()
		resp := make([]byte, 4)
		resp[0] = 1<<6 | 3<<4 // type=RST
		resp[2], resp[3] = msgID[0], msgID[1]
		d.rx = [][]byte{ip6Frame(ourIP6, peerIP6, 17, udpSegment(5683, 5683, resp))}

		_, _, status := c.Recv(make([]byte, 256))
		if status != netstack.StatusCoAPReset {
			t.Fatalf("status = %v, want COAP_RST", status)
		}
	})

	t.Run("server-initiated CON is EINVAL", func(t *testing.T) {
		t.Parallel()
		c, d, msgID := newSession()
		resp := make([]byte, 5)
		resp[0] = 1 << 6 // type=CON
		resp[1] = 0x45
		resp[2], resp[3] = msgID[0], msgID[1]
		d.rx = [][]byte{ip6Frame(ourIP6, peerIP6, 17, udpSegment(5683, 5683, resp))}

		_, _, status := c.Recv(make([]byte, 256))
		if status != netstack.StatusEInval {
			t.Fatalf("status = %v, want EINVAL (cannot ack a server CON)", status)
		}
	})
}

func TestCoAPRecvPayloadMarkerWithNoPayload(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	c := newTestCoAPStack(d)
	c.Connect()
	c.Send(make([]byte, 256), c.PayloadPosition(), 0)

	sentCoAP := d.tx[0][14+40+8:]
	msgID := [2]byte{sentCoAP[2], sentCoAP[3]}

	resp := []byte{1<<6 | 2<<4, 0x45, msgID[0], msgID[1], 0xFF}
	d.rx = [][]byte{ip6Frame(ourIP6, peerIP6, 17, udpSegment(5683, 5683, resp))}

	_, _, status := c.Recv(make([]byte, 256))
	if status != netstack.StatusEOverflow {
		t.Fatalf("status = %v, want EOVERFLOW for trailing payload marker", status)
	}
}

func TestCoAPRecvRejectsReservedOptionNibble(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	c := newTestCoAPStack(d)
	c.Connect()
	c.Send(make([]byte, 256), c.PayloadPosition(), 0)

	sentCoAP := d.tx[0][14+40+8:]
	msgID := [2]byte{sentCoAP[2], sentCoAP[3]}

	// 0xFE: delta nibble 15 without being a payload marker.
	resp := []byte{1<<6 | 2<<4, 0x45, msgID[0], msgID[1], 0xFE, 0x00}
	d.rx = [][]byte{ip6Frame(ourIP6, peerIP6, 17, udpSegment(5683, 5683, resp))}

	_, _, status := c.Recv(make([]byte, 256))
	if status != netstack.StatusEProto {
		t.Fatalf("status = %v, want EPROTO for reserved option nibble", status)
	}
}

func TestCoAPSetTokenRejectsOversized(t *testing.T) {
	t.Parallel()

	c := newTestCoAPStack(&fakeDriver{})
	if err := c.SetToken(make([]byte, 9)); err == nil {
		t.Fatal("SetToken() with 9 bytes = nil error, want ErrTokenTooLong")
	}
}

func coapAckFrame(msgID [2]byte, code uint8, payload []byte) []byte {
	size := 4
	if len(payload) > 0 {
		size += 1 + len(payload)
	}
	frame := make([]byte, size)
	frame[0] = 1<<6 | 2<<4 // version 1, type ACK, tkl 0
	frame[1] = code
	frame[2], frame[3] = msgID[0], msgID[1]
	if len(payload) > 0 {
		frame[4] = 0xFF
		copy(frame[5:], payload)
	}
	return frame
}

func coapNonFrame(token []byte, code uint8, payload []byte) []byte {
	size := 4 + len(token)
	if len(payload) > 0 {
		size += 1 + len(payload)
	}
	frame := make([]byte, size)
	frame[0] = 1<<6 | 1<<4 | uint8(len(token)) // version 1, type NON
	frame[1] = code
	copy(frame[4:], token)
	if len(payload) > 0 {
		frame[4+len(token)] = 0xFF
		copy(frame[5+len(token):], payload)
	}
	return frame
}
