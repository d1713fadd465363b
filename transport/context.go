// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "net/netip"

// TokenSize is the length of the shared auth token in bytes.
const TokenSize = 32

// ConnectionContext is the immutable request describing one connection
// attempt. It is passed by value; enrichment (mesh endpoint learned
// during capability exchange) produces a copy via WithMeshEndpoint,
// never a mutation.
type ConnectionContext struct {
	// DeviceID identifies this client to the daemon. Sent in the
	// authentication frame of every transport family.
	DeviceID string

	// DaemonHost and DaemonPort locate the daemon for strategies that
	// dial it directly.
	DaemonHost string
	DaemonPort int

	// MeshAddr and MeshPort are the daemon's cached mesh-VPN endpoint.
	// MeshAddr is the zero Addr when no hint exists. MeshPort of 0
	// means DefaultMeshPort.
	MeshAddr netip.Addr
	MeshPort int

	// Signaler is the signaling channel handle for capability exchange
	// and WebRTC offer/answer. Nil when the device has no signaling
	// service configured.
	Signaler Signaler

	// AuthToken is the 32-byte shared secret from pairing. Held by
	// value so strategies never retain caller-owned slices.
	AuthToken [TokenSize]byte

	// OnMeshVPN reports whether the local device itself is on the mesh
	// VPN, as determined by the platform's interface detector.
	OnMeshVPN bool
}

// WithMeshEndpoint returns a copy of the context carrying the given
// mesh endpoint. A port of 0 keeps DefaultMeshPort semantics.
func (c ConnectionContext) WithMeshEndpoint(addr netip.Addr, port int) ConnectionContext {
	c.MeshAddr = addr
	c.MeshPort = port
	return c
}

// meshEndpointPort resolves the effective mesh port.
func (c ConnectionContext) meshEndpointPort() int {
	if c.MeshPort > 0 {
		return c.MeshPort
	}
	return DefaultMeshPort
}
