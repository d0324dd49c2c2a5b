// Package session builds a complete MAC->IPv6->UDP->CoAP stack instance
// from a config.SessionConfig (stack.go) and runs one CoAP request/
// response exchange over it, including the bounded EAGAIN retry loop
// and the metrics/status-API bookkeeping around it (exchange.go).
//
// The link driver type varies at runtime (loopback/tap/rawsocket/serial,
// config.LinkConfig.Driver), so Stack is parameterized over
// netstack.Driver -- the interface type, not a concrete driver -- letting
// one build function serve every configured driver kind while every
// layer above the driver boundary still composes through
// internal/netstack's static generic chain. The single runtime-selected
// leaf is the one place a program configuring its transport from a
// config file necessarily erases a static type.
package session

import (
	"fmt"

	"github.com/edgenet6/coapstack/internal/config"
	"github.com/edgenet6/coapstack/internal/metrics"
	"github.com/edgenet6/coapstack/internal/netstack"
)

// Stack is the concrete type of a built session: a CoAP layer over UDP
// over IPv6 over MAC over a type-erased netstack.Driver.
type Stack = *netstack.CoAP[*netstack.UDP[*netstack.IPv6[*netstack.MAC[netstack.Driver]]]]

// collectorNDPObserver adapts a metrics.Collector to
// netstack.NDPObserver, letting the IPv6 layer report Neighbor
// Discovery activity without internal/netstack importing a metrics
// library itself.
type collectorNDPObserver struct {
	collector *metrics.Collector
	session   string
}

func (o collectorNDPObserver) OnNeighborSolicitation() {
	o.collector.IncNDPSolicitation(o.session)
}

func (o collectorNDPObserver) OnNeighborAdvertisementSent() {
	o.collector.IncNDPAdvertisement(o.session)
}

// Build constructs and connects one full stack instance from sc, wired
// to driver. The returned Stack is ready for Send/Recv. If collector is
// non-nil, the IPv6 layer's embedded NDP responder reports its activity
// to it under sc.Name.
func Build(driver netstack.Driver, sc config.SessionConfig, collector *metrics.Collector) (Stack, error) {
	localMAC, err := sc.LocalHWAddr()
	if err != nil {
		return nil, fmt.Errorf("session %q: %w", sc.Name, err)
	}
	peerMAC, err := sc.PeerHWAddr()
	if err != nil {
		return nil, fmt.Errorf("session %q: %w", sc.Name, err)
	}
	localAddr, err := sc.LocalIPv6()
	if err != nil {
		return nil, fmt.Errorf("session %q: %w", sc.Name, err)
	}
	peerAddr, err := sc.PeerIPv6()
	if err != nil {
		return nil, fmt.Errorf("session %q: %w", sc.Name, err)
	}

	m := netstack.NewMAC[netstack.Driver](driver)
	m.SetSourceAddr(localMAC)
	m.SetDestinationAddr(peerMAC)
	m.SetEtherType(netstack.EtherTypeIPv6)
	m.SetIP6Multicast(multicastSuffixesFor(localAddr))

	v := netstack.NewIPv6[*netstack.MAC[netstack.Driver]](m)
	v.SetAddr(localAddr)
	v.SetPeerAddr(peerAddr)
	if collector != nil {
		v.SetNDPObserver(collectorNDPObserver{collector: collector, session: sc.Name})
	}

	u := netstack.NewUDP[*netstack.IPv6[*netstack.MAC[netstack.Driver]]](v)
	u.SetLocalPort(sc.LocalPort)
	u.SetPeerPort(sc.PeerPort)

	c := netstack.NewCoAP[*netstack.UDP[*netstack.IPv6[*netstack.MAC[netstack.Driver]]]](u)
	c.SetConfirmable(sc.Confirmable)

	token, err := sc.TokenBytes()
	if err != nil {
		return nil, fmt.Errorf("session %q: %w", sc.Name, err)
	}
	if len(token) > 0 {
		if err := c.SetToken(token); err != nil {
			return nil, fmt.Errorf("session %q: %w", sc.Name, err)
		}
	}

	code, err := requestCodeFromString(sc.RequestCode)
	if err != nil {
		return nil, fmt.Errorf("session %q: %w", sc.Name, err)
	}
	c.SetRequestCode(code)

	if segs := sc.URIPathSegments(); len(segs) > 0 {
		if err := c.SetURIPath(segs...); err != nil {
			return nil, fmt.Errorf("session %q: %w", sc.Name, err)
		}
	}
	if segs := sc.URIQuerySegments(); len(segs) > 0 {
		if err := c.SetURIQuery(segs...); err != nil {
			return nil, fmt.Errorf("session %q: %w", sc.Name, err)
		}
	}
	if sc.ContentFormat != 0 {
		c.SetContentFormat(sc.ContentFormat)
	}

	if status := c.Connect(); status != netstack.StatusOK {
		return nil, fmt.Errorf("connect session %q: %w", sc.Name, status.Err())
	}
	return c, nil
}

// requestCodeFromString maps config.SessionConfig.RequestCode to a
// netstack.CoAPCode, defaulting to GET when unset.
func requestCodeFromString(s string) (netstack.CoAPCode, error) {
	switch s {
	case "", "GET":
		return netstack.CoAPGet, nil
	case "POST":
		return netstack.CoAPPost, nil
	case "PUT":
		return netstack.CoAPPut, nil
	case "DELETE":
		return netstack.CoAPDelete, nil
	default:
		return 0, fmt.Errorf("unrecognized request_code %q", s)
	}
}

// multicastSuffixesFor returns the two IPv6 multicast L2 suffixes the MAC
// layer must accept for NDP to reach this address: the all-nodes
// multicast (ff02::1) and this address's solicited-node multicast.
func multicastSuffixesFor(addr [16]byte) []netstack.MulticastSuffix {
	allNodes := netstack.MulticastSuffix{0x00, 0x00, 0x00, 0x01}
	solicitedNode := netstack.MulticastSuffix{0xff, addr[13], addr[14], addr[15]}
	return []netstack.MulticastSuffix{allNodes, solicitedNode}
}
