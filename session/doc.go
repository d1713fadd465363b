// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements the client side of the terminal session
// protocol that runs over an established transport.
//
// The Manager owns the transport: it seals outbound commands and opens
// inbound events with an XChaCha20-Poly1305 cipher keyed from the
// shared auth token, serializes writes, and runs the keepalive loop.
// The Terminal layers the session state machine on top of the
// Manager's event stream: attach with sequence-based resumption,
// input, resize, and detach, with stable error codes shared with the
// daemon.
//
// Sequence numbers are the resumption mechanism. Every output and
// snapshot event carries one; the Terminal tracks the high-water mark
// and, after a transport drop, re-attaches from it so no output is
// lost or replayed. A transport drop is deliberately not an error:
// attachment flags clear, but the session id and sequence survive for
// the next attach.
package session
