// Package link provides the leaf driver implementations that sit below
// internal/netstack's MAC layer, each satisfying the FrameSend/FrameRecv
// contract of netstack.Driver and also providing L2Addr.
//
// Loopback is portable and used by tests and coapstackctl's selftest
// subcommand. TAPDriver, RawSocket and Serial are Linux-only concrete
// transports a real deployment terminates CoAP/IPv6 traffic over.
package link
