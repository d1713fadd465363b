// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"
)

// DefaultMeshPort is the fixed port the daemon listens on for
// mesh-direct UDP connections. Cached mesh endpoints always store this
// port, never an ephemeral port observed during NAT traversal.
const DefaultMeshPort = 7391

// Transport is an established, authenticated, ordered byte-stream
// duplex to the daemon. A Transport is either open or closed; once
// closed it never reopens — construct a new one through the strategy.
type Transport interface {
	// Name identifies the transport family ("lan-direct",
	// "mesh-direct", "webrtc") for logging and progress reporting.
	Name() string

	// Send writes one payload as a single framed message. Safe for
	// use by one writer at a time; the session layer serializes
	// callers.
	Send(ctx context.Context, payload []byte) error

	// Receive blocks until one framed payload arrives. A deadline on
	// ctx bounds the wait; expiry surfaces as an error satisfying
	// net.Error with Timeout() true, which is recoverable — the
	// transport stays open.
	Receive(ctx context.Context) ([]byte, error)

	// Close tears down the channel. Idempotent.
	Close() error
}

// PathReporter is implemented by transports that negotiate a network
// path (currently WebRTC) and can report which physical route was
// selected.
type PathReporter interface {
	Path() ConnectionPath
}

// Endpoint is a daemon location produced by local-network discovery.
type Endpoint struct {
	Host string
	Port int

	// Interface names a specific network interface the daemon
	// advertised for reaching it, used to bypass an active VPN tunnel
	// so the LAN probe reaches the daemon directly. Empty when the
	// default route is fine.
	Interface string
}

// Addr returns the host:port dial address.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Discoverer finds the daemon on the local network. Implementations
// wrap a platform service-discovery primitive (DNS-SD and friends);
// this package only consumes the resulting Endpoint.
type Discoverer interface {
	// Discover returns the daemon's LAN endpoint, spending at most
	// timeout on the query.
	Discover(ctx context.Context, timeout time.Duration) (Endpoint, error)
}

// SocketFactory creates outbound connections, optionally bound to a
// specific network interface. Implementations that cannot bind to
// iface should dial over the default path instead of failing.
type SocketFactory interface {
	DialContext(ctx context.Context, iface, network, address string) (net.Conn, error)
}

// NetSocketFactory is the default SocketFactory. It dials through the
// standard library and ignores the interface hint — interface binding
// is a platform collaborator concern.
type NetSocketFactory struct{}

func (NetSocketFactory) DialContext(ctx context.Context, _, network, address string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, address)
}

// HintStore persists transport hints discovered during a connection so
// later attempts can skip expensive strategies. Failures are advisory:
// the orchestrator logs and continues.
type HintStore interface {
	// SaveMeshEndpoint records the daemon's mesh-VPN address and
	// listening port for use as a direct-connect hint.
	SaveMeshEndpoint(addr netip.Addr, port int) error
}
