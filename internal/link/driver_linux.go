//go:build linux

package link

import (
	"fmt"
	"time"

	"github.com/edgenet6/coapstack/internal/config"
	"github.com/edgenet6/coapstack/internal/netstack"
)

// serialBaud is the fixed baud rate coapstackd configures its Serial
// driver for; the declarative config has no per-session transport
// tuning, only the link.driver/link.device pair.
const serialBaud = 115200

// defaultReadTimeout bounds how long FrameRecv waits for a frame before
// reporting the link idle.
const defaultReadTimeout = 500 * time.Millisecond

// Build constructs the configured link driver and a close function
// releasing its resources. "loopback" needs no device; "tap",
// "rawsocket" and "serial" read cfg.Device as the interface name or
// device path.
func Build(cfg config.LinkConfig) (netstack.Driver, func() error, error) {
	switch cfg.Driver {
	case "loopback", "":
		// Nothing answers the peer end in this "no hardware attached"
		// default mode; its bounded inbox drops the oldest frame once
		// full.
		a, b := NewLoopbackPair([6]byte{}, [6]byte{})
		return a, func() error { a.Close(); b.Close(); return nil }, nil

	case "tap":
		d, err := NewTAPDriver(cfg.Device, [6]byte{})
		if err != nil {
			return nil, nil, fmt.Errorf("build tap driver: %w", err)
		}
		return d, d.Close, nil

	case "rawsocket":
		d, err := NewRawSocket(cfg.Device, netstack.EtherTypeIPv6, defaultReadTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("build rawsocket driver: %w", err)
		}
		return d, d.Close, nil

	case "serial":
		d, err := NewSerial(cfg.Device, serialBaud, [6]byte{})
		if err != nil {
			return nil, nil, fmt.Errorf("build serial driver: %w", err)
		}
		return d, d.Close, nil

	default:
		return nil, nil, fmt.Errorf("link: unrecognized driver %q", cfg.Driver)
	}
}
