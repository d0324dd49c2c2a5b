//go:build !linux

package link

import (
	"fmt"

	"github.com/edgenet6/coapstack/internal/config"
	"github.com/edgenet6/coapstack/internal/netstack"
)

// Build constructs the configured link driver. Only "loopback" is
// available off Linux; TAPDriver, RawSocket and Serial are Linux-only
// (see driver_linux.go).
func Build(cfg config.LinkConfig) (netstack.Driver, func() error, error) {
	switch cfg.Driver {
	case "loopback", "":
		a, b := NewLoopbackPair([6]byte{}, [6]byte{})
		return a, func() error { a.Close(); b.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("link: driver %q requires linux", cfg.Driver)
	}
}
