package netstack

// Layer is the uniform contract every protocol processor in this stack
// exposes: PayloadPosition for composing headers without copying,
// Recv to pull one frame up from the lower layer, Send to push one frame
// down to it.
//
// Upper layers are parameterized over their Lower type with a generic
// type parameter (MAC, IPv6, UDP, CoAP) rather than holding a Layer
// interface value, so that stacking four layers compiles down to direct
// calls with no dynamic dispatch.
type Layer interface {
	// Connect validates this layer's configuration and that of every
	// layer below it, returning StatusEConfig on the first invalid
	// setting found (e.g. an unset address or a zero UDP port).
	Connect() Status

	// PayloadPosition returns the byte offset within the shared buffer at
	// which this layer's payload (the next upper layer's header) begins.
	PayloadPosition() uint16

	// Recv pulls one frame from the lower layer, validates and consumes
	// this layer's header, and returns the payload window within buf.
	// On any non-OK/non-CoAP-classification status, dataOffset and
	// dataLen are zero.
	Recv(buf []byte) (dataOffset, dataLen uint16, status Status)

	// Send writes this layer's header ending at dataOffset, then
	// delegates to the lower layer with the enlarged window
	// (dataOffset-headerSize, dataLen+headerSize).
	Send(buf []byte, dataOffset, dataLen uint16) Status
}

// FrameReceiver is the downward contract the MAC layer requires of a link
// driver: pull one raw Ethernet frame into buf, returning its length, or 0
// if none arrived within the driver's own timeout.
type FrameReceiver interface {
	FrameRecv(buf []byte) (frameLen int)
}

// FrameSender is the downward contract the MAC layer requires of a link
// driver: transmit frameLen bytes of buf as one raw Ethernet frame,
// returning the number of bytes actually accepted.
type FrameSender interface {
	FrameSend(buf []byte, frameLen int) (bytesSent int)
}

// Driver is the full leaf contract the stack requires of an external
// link driver.
type Driver interface {
	FrameReceiver
	FrameSender
}

// L2AddrSource is the optional capability a lower layer may offer so the
// IPv6 layer's Neighbor Advertisement responder can fill the Target
// Link-Layer-Address option. IPv6 probes its own lower layer for it once
// at Connect via a type assertion and falls back to a zero-filled option
// when absent. MAC implements it with its configured source address, so
// a Driver's own L2Addr is not consulted by the stack.
type L2AddrSource interface {
	L2Addr() [6]byte
}

// pseudoSumSource is the optional capability a lower layer offers to let
// an upper layer fetch a precomputed checksum seed. Used by UDP to pull
// the IPv6 pseudo-header sum from its IPv6 lower layer at Connect time.
type pseudoSumSource interface {
	L3PseudoSum() uint16
}
