// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport establishes the secure channel between a paired
// client and its daemon.
//
// The package defines [Transport], an established, authenticated,
// ordered byte-stream duplex, and three implementations behind the
// [Strategy] interface: LAN-direct (WebSocket to a daemon discovered on
// the local network), mesh-direct (raw UDP to the daemon's mesh-VPN
// address using a length-framed handshake protocol), and WebRTC (pion
// data channel negotiated through the signaling service, with ICE/TURN
// NAT traversal).
//
// [Orchestrator] owns the ordered strategy set. Connect tries each
// strategy in ascending priority, strictly sequentially, and returns
// the first Transport that completes its handshake. Before the first
// strategy runs, a best-effort capability exchange through the
// [Signaler] enriches the [ConnectionContext] with the daemon's
// advertised mesh endpoint; failure there degrades to cached hints and
// is never fatal. Progress milestones are reported through a
// caller-supplied [ProgressFunc], giving UIs a real-time
// "trying X, falling back to Y" trail.
//
// [Classify] maps the negotiated ICE candidate pair of a WebRTC
// connection to a [PathType] label. When the winning transport is
// WebRTC and the remote candidate sits in the mesh-VPN address block,
// the orchestrator opportunistically persists that address through
// [HintStore] so the next attempt can dial the daemon directly.
//
// Local-network discovery, interface-bound socket creation, and hint
// persistence are collaborator interfaces ([Discoverer],
// [SocketFactory], [HintStore]); the package consumes their results as
// opaque values and never touches DNS-SD or VPN enumeration itself.
package transport
