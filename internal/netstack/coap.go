package netstack

import (
	"bytes"
	"crypto/rand"
	"errors"
)

// CoAP option numbers this layer emits, in the fixed order they are
// written on every Send: Uri-Path segments, then Content-Format, then
// Uri-Query segments (RFC 7252 §5.10, and the option-delta ordering
// constraint of §3.1).
const (
	coapOptionURIPath       uint16 = 11
	coapOptionContentFormat uint16 = 12
	coapOptionURIQuery      uint16 = 15
)

// CoAPType is the 2-bit Type field of the base header.
type CoAPType uint8

const (
	coapTypeConfirmable    CoAPType = 0
	coapTypeNonConfirmable CoAPType = 1
	coapTypeAck            CoAPType = 2
	coapTypeReset          CoAPType = 3
)

// CoAPCode is the request method this layer sends. Only the method codes
// a constrained client needs are defined; response codes are returned to
// the caller unparsed via LastResponseCode.
type CoAPCode uint8

const (
	CoAPGet    CoAPCode = 1
	CoAPPost   CoAPCode = 2
	CoAPPut    CoAPCode = 3
	CoAPDelete CoAPCode = 4
)

// ErrOptionTooLong is returned by the Uri-Path/Uri-Query setters when a
// segment exceeds the largest value the RFC 7252 two-byte length
// extension can encode.
var ErrOptionTooLong = errors.New("netstack: coap option value too long")

// ErrTokenTooLong is returned by SetToken for tokens longer than the
// 4-bit TKL field allows.
var ErrTokenTooLong = errors.New("netstack: coap token longer than 8 bytes")

// maxOptionSegmentLen is the largest option value the nibble-13/14
// extension scheme can carry (RFC 7252 §3.1).
const maxOptionSegmentLen = 269 + 0xFFFF

type coapOption struct {
	number uint16
	value  []byte
}

// CoAP implements the L4 CoAP client (RFC 7252): request construction,
// response correlation, and ACK/RST/piggybacked/separate response
// classification. A Confirmable message arriving from the peer is
// reported as StatusEInval rather than acknowledged, since this stack
// never acts as a CoAP server.
type CoAP[L Layer] struct {
	lower L

	msgType     CoAPType
	requestCode CoAPCode

	// token is externally owned: the stack treats it as read-only and
	// the caller must keep it alive for any in-flight exchange.
	token []byte

	uriPath       []string
	uriQuery      []string
	contentFormat uint16 // 0 means the option is absent

	// headerSize caches base header + token + options + payload-marker
	// byte; 0 means stale. Invalidated by every setter that changes the
	// encoded option set or the token.
	headerSize uint16

	lastMessageID    uint16
	lastResponseCode uint8
}

// NewCoAP creates a CoAP layer over the given lower layer (normally a
// *UDP). The default request is a Confirmable GET with no options and no
// token; callers configure it via the Set* methods before Connect.
func NewCoAP[L Layer](lower L) *CoAP[L] {
	return &CoAP[L]{lower: lower, msgType: coapTypeConfirmable, requestCode: CoAPGet}
}

func (c *CoAP[L]) SetConfirmable(confirmable bool) {
	if confirmable {
		c.msgType = coapTypeConfirmable
	} else {
		c.msgType = coapTypeNonConfirmable
	}
}

func (c *CoAP[L]) SetRequestCode(code CoAPCode) { c.requestCode = code }

// SetToken sets the exchange token. The slice is retained, not copied:
// the bytes are read-only for the stack and must outlive any in-flight
// exchange. An empty or nil token is valid (TKL 0).
func (c *CoAP[L]) SetToken(token []byte) error {
	if len(token) > 8 {
		return ErrTokenTooLong
	}
	c.token = token
	c.headerSize = 0
	return nil
}

// SetContentFormat sets the Content-Format option value (RFC 7252
// §12.3). Zero means absent: no Content-Format option is emitted.
func (c *CoAP[L]) SetContentFormat(format uint16) {
	c.contentFormat = format
	c.headerSize = 0
}

// SetURIPath sets the Uri-Path option segments, one option per path
// element (e.g. SetURIPath("sensors", "temp") encodes /sensors/temp).
func (c *CoAP[L]) SetURIPath(segments ...string) error {
	for _, s := range segments {
		if len(s) > maxOptionSegmentLen {
			return ErrOptionTooLong
		}
	}
	c.uriPath = append([]string(nil), segments...)
	c.headerSize = 0
	return nil
}

// SetURIQuery sets the Uri-Query option segments (e.g. "k=v" pairs).
func (c *CoAP[L]) SetURIQuery(segments ...string) error {
	for _, s := range segments {
		if len(s) > maxOptionSegmentLen {
			return ErrOptionTooLong
		}
	}
	c.uriQuery = append([]string(nil), segments...)
	c.headerSize = 0
	return nil
}

// LastResponseCode returns the Code field of the most recently correlated
// response. Cleared on every Send, so zero means "no response yet".
func (c *CoAP[L]) LastResponseCode() uint8 { return c.lastResponseCode }

// Connect connects the lower layer, then seeds the Message ID counter
// from crypto/rand.
func (c *CoAP[L]) Connect() Status {
	if status := c.lower.Connect(); status != StatusOK {
		return status
	}

	var seed [2]byte
	if _, err := rand.Read(seed[:]); err == nil {
		c.lastMessageID = uint16(seed[0])<<8 | uint16(seed[1])
	}
	return StatusOK
}

// PayloadPosition reports where an application payload should be placed
// for a request carrying the currently configured token and options,
// assuming that payload is non-empty (a zero-length payload needs no
// payload marker and simply leaves one byte of headroom unused).
func (c *CoAP[L]) PayloadPosition() uint16 {
	size, ok := c.cachedHeaderSize()
	if !ok {
		size = 4 + len(c.token)
	}
	return c.lower.PayloadPosition() + uint16(size)
}

// cachedHeaderSize returns the encoded size of base header + token +
// options + payload-marker byte, recomputing it when stale (0). The
// marker byte is budgeted even when a send ends up omitting it.
func (c *CoAP[L]) cachedHeaderSize() (int, bool) {
	if c.headerSize == 0 {
		size, ok := coapHeaderSize(len(c.token), c.buildOptions())
		if !ok {
			return 0, false
		}
		c.headerSize = uint16(size)
	}
	return int(c.headerSize), true
}

func (c *CoAP[L]) buildOptions() []coapOption {
	var opts []coapOption
	for _, seg := range c.uriPath {
		opts = append(opts, coapOption{coapOptionURIPath, []byte(seg)})
	}
	if c.contentFormat != 0 {
		opts = append(opts, coapOption{coapOptionContentFormat, encodeOptionUint(c.contentFormat)})
	}
	for _, seg := range c.uriQuery {
		opts = append(opts, coapOption{coapOptionURIQuery, []byte(seg)})
	}
	return opts
}

func encodeOptionUint(v uint16) []byte {
	switch {
	case v == 0:
		return nil
	case v <= 0xFF:
		return []byte{byte(v)}
	default:
		return []byte{byte(v >> 8), byte(v)}
	}
}

// optionNibbleAndExt returns the 4-bit nibble and any extension bytes
// RFC 7252 §3.1 requires to encode v (an option delta or length).
func optionNibbleAndExt(v int) (nibble uint8, ext []byte, ok bool) {
	switch {
	case v < 0:
		return 0, nil, false
	case v < 13:
		return uint8(v), nil, true
	case v < 269:
		return 13, []byte{byte(v - 13)}, true
	case v <= 269+0xFFFF:
		ev := v - 269
		return 14, []byte{byte(ev >> 8), byte(ev)}, true
	default:
		return 0, nil, false
	}
}

// coapHeaderSize computes the number of bytes the base header, token,
// options and trailing payload-marker byte occupy, failing if any
// option's delta or length cannot be encoded.
func coapHeaderSize(tokenLen int, opts []coapOption) (int, bool) {
	size := 4 + tokenLen
	prevNum := 0
	for _, o := range opts {
		_, dext, ok := optionNibbleAndExt(int(o.number) - prevNum)
		if !ok {
			return 0, false
		}
		_, lext, ok := optionNibbleAndExt(len(o.value))
		if !ok {
			return 0, false
		}
		size += 1 + len(dext) + len(lext) + len(o.value)
		prevNum = int(o.number)
	}
	return size + 1, true
}

func writeOption(c *cursor, delta int, value []byte) bool {
	dn, dext, ok := optionNibbleAndExt(delta)
	if !ok {
		return false
	}
	ln, lext, ok := optionNibbleAndExt(len(value))
	if !ok {
		return false
	}
	if !c.putByte(dn<<4 | ln) {
		return false
	}
	if dext != nil && !c.putBytes(dext) {
		return false
	}
	if lext != nil && !c.putBytes(lext) {
		return false
	}
	return c.putBytes(value)
}

// Send builds a CoAP request with the currently configured type, code,
// token and options, ending at dataOffset, then delegates to the lower
// layer with the enlarged window. The Message ID counter is bumped first
// (wrapping at 16 bits) and remembered so the next Recv can correlate
// the response; the last response code is cleared.
func (c *CoAP[L]) Send(buf []byte, dataOffset, dataLen uint16) Status {
	size, ok := c.cachedHeaderSize()
	if !ok {
		return StatusEOverflow
	}
	headerLen := size
	if dataLen == 0 {
		headerLen-- // no payload marker
	}
	if int(dataOffset) < headerLen {
		return StatusEOverflow
	}
	headerPos := int(dataOffset) - headerLen
	if int(dataOffset)+int(dataLen) > len(buf) {
		return StatusEOverflow
	}

	c.lastMessageID++
	c.lastResponseCode = 0

	cur := newCursor(buf, headerPos, len(buf))
	cur.putByte(1<<6 | uint8(c.msgType)<<4 | uint8(len(c.token))&0x0F)
	cur.putByte(uint8(c.requestCode))
	cur.putShort(c.lastMessageID)
	cur.putBytes(c.token)

	prevNum := 0
	for _, o := range c.buildOptions() {
		if !writeOption(&cur, int(o.number)-prevNum, o.value) {
			return StatusEOverflow
		}
		prevNum = int(o.number)
	}
	if dataLen > 0 {
		cur.putByte(0xFF)
	}

	return c.lower.Send(buf, uint16(headerPos), uint16(headerLen)+dataLen)
}

// Recv pulls one datagram from the lower layer, parses the base header,
// and classifies the message against this session's state: an
// Acknowledgement or Reset correlates by Message ID, a Non-confirmable
// separate response correlates by token, and a Confirmable message is
// rejected (client-only stack).
func (c *CoAP[L]) Recv(buf []byte) (uint16, uint16, Status) {
	lowerOffset, lowerLen, status := c.lower.Recv(buf)
	if status != StatusOK {
		return 0, 0, status
	}
	if lowerLen < 4 {
		return 0, 0, StatusEOverflow
	}

	base := int(lowerOffset)
	end := base + int(lowerLen)

	if buf[base]>>6 != 1 {
		return 0, 0, StatusEProto
	}
	typ := CoAPType((buf[base] >> 4) & 0x3)
	tkl := int(buf[base] & 0x0F)
	if tkl > 8 {
		return 0, 0, StatusEProto
	}
	code := buf[base+1]
	msgID := uint16(buf[base+2])<<8 | uint16(buf[base+3])

	tokenPos := base + 4
	if tokenPos+tkl > end {
		return 0, 0, StatusEOverflow
	}
	optPos := tokenPos + tkl

	switch typ {
	case coapTypeAck:
		if msgID != c.lastMessageID {
			return 0, 0, StatusEAgain
		}
		if code == 0 {
			// empty ack: a separate response follows as a NON
			return 0, 0, StatusCoAPAck
		}
		// piggybacked response
		dataOffset, dataLen, st := skipOptions(buf, optPos, end)
		if st != StatusOK {
			return 0, 0, st
		}
		c.lastResponseCode = code
		return dataOffset, dataLen, StatusCoAPAck

	case coapTypeReset:
		if msgID != c.lastMessageID || code != 0 {
			return 0, 0, StatusEAgain
		}
		return 0, 0, StatusCoAPReset

	case coapTypeNonConfirmable:
		if tkl != len(c.token) || !bytes.Equal(buf[tokenPos:optPos], c.token) {
			return 0, 0, StatusEAgain
		}
		dataOffset, dataLen, st := skipOptions(buf, optPos, end)
		if st != StatusOK {
			return 0, 0, st
		}
		c.lastResponseCode = code
		return dataOffset, dataLen, StatusOK

	default: // coapTypeConfirmable
		// a server-initiated Confirmable message would need an ack this
		// client never sends
		return 0, 0, StatusEInval
	}
}

// skipOptions walks the option bytes between pos and end without
// retaining them, stopping at the payload marker or when the bytes run
// out, and returns the payload window. A 0xF delta or length nibble that
// is not part of a whole 0xFF marker byte is StatusEProto; an extension
// or value running past end, or a marker with nothing after it, is
// StatusEOverflow.
func skipOptions(buf []byte, pos, end int) (uint16, uint16, Status) {
	for pos < end {
		b := buf[pos]
		pos++
		if b == 0xFF {
			if pos >= end {
				return 0, 0, StatusEOverflow
			}
			return uint16(pos), uint16(end - pos), StatusOK
		}

		dn, ln := int(b>>4), int(b&0x0F)
		if dn == 15 || ln == 15 {
			return 0, 0, StatusEProto
		}

		var ok bool
		if _, pos, ok = readOptionExt(buf, pos, end, dn); !ok {
			return 0, 0, StatusEOverflow
		}
		var length int
		if length, pos, ok = readOptionExt(buf, pos, end, ln); !ok {
			return 0, 0, StatusEOverflow
		}
		if pos+length > end {
			return 0, 0, StatusEOverflow
		}
		pos += length
	}
	return uint16(pos), 0, StatusOK
}

// readOptionExt decodes a 4-bit delta or length nibble, consuming any
// extension bytes it requires. Callers reject nibble 15 before this is
// reached.
func readOptionExt(buf []byte, pos, end, nibble int) (value, newPos int, ok bool) {
	switch nibble {
	case 13:
		if pos >= end {
			return 0, 0, false
		}
		return int(buf[pos]) + 13, pos + 1, true
	case 14:
		if pos+1 >= end {
			return 0, 0, false
		}
		return (int(buf[pos])<<8 | int(buf[pos+1])) + 269, pos + 2, true
	default:
		return nibble, pos, true
	}
}
