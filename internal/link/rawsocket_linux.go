//go:build linux

package link

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// RawSocket binds the netstack.Driver leaf contract to an AF_PACKET
// socket bound to a real NIC, so the stack can terminate CoAP/IPv6
// traffic at Ethernet framing level without a TAP device or dedicated
// MAC hardware.
type RawSocket struct {
	fd      int
	ifName  string
	ifIndex int
	l2addr  [6]byte
}

// htons converts a host-order uint16 to network byte order, matching the
// kernel's expectation for sll_protocol / the AF_PACKET protocol argument.
func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// NewRawSocket opens an AF_PACKET/SOCK_RAW socket bound to the named
// interface, listening for the given EtherType (host byte order; htons is
// applied internally, matching how internal/netstack's MAC layer stores
// EtherTypeIPv6 as a host-order constant it big-endian-encodes on send).
func NewRawSocket(ifName string, etherType uint16, readTimeout time.Duration) (*RawSocket, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(etherType)))
	if err != nil {
		return nil, fmt.Errorf("open AF_PACKET socket: %w", err)
	}

	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("lookup interface %q: %w", ifName, err)
	}

	addr := unix.SockaddrLinklayer{
		Protocol: htons(etherType),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind AF_PACKET socket to %q: %w", ifName, err)
	}

	tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set recv timeout on %q: %w", ifName, err)
	}

	var l2addr [6]byte
	copy(l2addr[:], iface.HardwareAddr)

	return &RawSocket{fd: fd, ifName: ifName, ifIndex: iface.Index, l2addr: l2addr}, nil
}

// FrameRecv reads one raw Ethernet frame, returning 0 on timeout or
// error (0 means no frame).
func (r *RawSocket) FrameRecv(buf []byte) int {
	n, _, err := unix.Recvfrom(r.fd, buf, 0)
	if err != nil {
		return 0
	}
	return n
}

// FrameSend writes frameLen bytes of buf as one raw Ethernet frame.
func (r *RawSocket) FrameSend(buf []byte, frameLen int) int {
	if err := unix.Sendto(r.fd, buf[:frameLen], 0, &unix.SockaddrLinklayer{Ifindex: r.ifIndex}); err != nil {
		return 0
	}
	return frameLen
}

// L2Addr satisfies netstack.L2AddrSource with the bound interface's
// hardware address.
func (r *RawSocket) L2Addr() [6]byte { return r.l2addr }

// Close releases the underlying socket.
func (r *RawSocket) Close() error {
	if err := unix.Close(r.fd); err != nil {
		return fmt.Errorf("close AF_PACKET socket: %w", err)
	}
	return nil
}
