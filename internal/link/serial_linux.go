//go:build linux

package link

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Serial is a hex-framed serial link driver: one Ethernet frame per line
// of hex text terminated by '\n', carried over a POSIX serial device.
//
// Framing as hex-encoded lines (rather than raw bytes) keeps '\n' free
// to use as a frame delimiter without an escape scheme, and lets a
// peer on the far end of the wire be driven from a terminal.
type Serial struct {
	f       *os.File
	r       *bufio.Reader
	l2addr  [6]byte
	timeout time.Duration
}

// NewSerial opens the named serial device (e.g. "/dev/ttyUSB0"), puts it
// into raw mode at the given baud rate via termios ioctls, and returns a
// Serial driver with a l2addr this endpoint reports through L2Addr.
func NewSerial(device string, baud uint32, l2addr [6]byte) (*Serial, error) {
	f, err := os.OpenFile(device, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("open serial device %q: %w", device, err)
	}

	if err := setRawMode(f, baud); err != nil {
		f.Close()
		return nil, fmt.Errorf("configure serial device %q: %w", device, err)
	}

	return &Serial{
		f:       f,
		r:       bufio.NewReader(f),
		l2addr:  l2addr,
		timeout: 500 * time.Millisecond,
	}, nil
}

// setRawMode disables line discipline (canonical mode, echo, signal
// generation) and sets the requested baud rate so '\n' bytes inside a
// hex-encoded frame are never possible (hex alphabet excludes it) and
// every byte passes through unmodified.
func setRawMode(f *os.File, baud uint32) error {
	t, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	rate, ok := termiosBaud[baud]
	if !ok {
		rate = unix.B115200
	}
	t.Ispeed = rate
	t.Ospeed = rate

	return unix.IoctlSetTermios(int(f.Fd()), unix.TCSETS, t)
}

// termiosBaud maps common baud rates to their termios constants.
var termiosBaud = map[uint32]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// FrameRecv reads one hex-encoded line and decodes it into buf, returning
// 0 if no complete line arrives within the configured timeout or the
// frame does not fit buf.
func (s *Serial) FrameRecv(buf []byte) int {
	s.f.SetReadDeadline(time.Now().Add(s.timeout))

	line, err := s.r.ReadString('\n')
	if err != nil {
		return 0
	}
	line = strings.TrimSpace(line)
	if line == "" || len(line) > len(buf)*2 {
		return 0
	}

	n, err := hex.Decode(buf, []byte(line))
	if err != nil {
		return 0
	}
	return n
}

// FrameSend hex-encodes frameLen bytes of buf and writes them as one
// newline-terminated line.
func (s *Serial) FrameSend(buf []byte, frameLen int) int {
	line := hex.EncodeToString(buf[:frameLen]) + "\n"
	if _, err := s.f.Write([]byte(line)); err != nil {
		return 0
	}
	return frameLen
}

// L2Addr satisfies netstack.L2AddrSource.
func (s *Serial) L2Addr() [6]byte { return s.l2addr }

// Close releases the underlying file descriptor.
func (s *Serial) Close() error {
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close serial device: %w", err)
	}
	return nil
}
