// Package netstack implements a minimal, layered network protocol stack
// for constrained devices that terminates CoAP-over-UDP/IPv6 traffic on an
// Ethernet-like link.
//
// Four stateful processors are stacked bottom to top: MAC (Ethernet II
// framing), IPv6 (with an embedded Neighbor Discovery responder), UDP, and
// CoAP (RFC 7252). Each layer parses inbound frames, filters them against
// configured endpoint identity, writes outbound headers, and delegates to
// the next-lower layer through the uniform Layer contract in layer.go.
//
// The package has no third-party dependencies: it is meant to be audited
// byte-for-byte against the wire formats it implements, independent of any
// transport, configuration, or observability library wired in above it.
package netstack
