// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"

	"github.com/rastsh/rast-go/lib/codec"
)

// EnvelopeType tags every command and event on the channel. Stable
// wire strings.
type EnvelopeType string

const (
	// Client → daemon commands.
	TypeReady  EnvelopeType = "ready"
	TypePing   EnvelopeType = "ping"
	TypeAttach EnvelopeType = "attach"
	TypeInput  EnvelopeType = "input"
	TypeDetach EnvelopeType = "detach"
	TypeResize EnvelopeType = "resize"
	TypeUnpair EnvelopeType = "unpair"

	// Daemon → client events.
	TypePong     EnvelopeType = "pong"
	TypeAttached EnvelopeType = "attached"
	TypeOutput   EnvelopeType = "output"
	TypeSnapshot EnvelopeType = "snapshot"
	TypeDetached EnvelopeType = "detached"
	TypeError    EnvelopeType = "error"
	TypeSkipped  EnvelopeType = "output_skipped"
)

// Envelope is the single typed wrapper around every command and event.
// The payload is CBOR, delayed-decoded once the type is known; the
// whole envelope is encrypted end-to-end by the session cipher.
type Envelope struct {
	Type    EnvelopeType     `cbor:"t"`
	Payload codec.RawMessage `cbor:"p,omitempty"`
}

// ReadyCommand tells the daemon the client is ready to receive events.
// Always the first command on a fresh connection.
type ReadyCommand struct {
	ProtocolVersion int `cbor:"v"`
}

// AttachCommand attaches to a terminal session, resuming output from
// FromSequence (0 for a fresh attach).
type AttachCommand struct {
	SessionID    string `cbor:"sid"`
	FromSequence uint64 `cbor:"seq"`
}

// InputCommand carries terminal input bytes.
type InputCommand struct {
	SessionID string `cbor:"sid"`
	Data      []byte `cbor:"d"`
}

// DetachCommand detaches from a terminal session.
type DetachCommand struct {
	SessionID string `cbor:"sid"`
}

// ResizeCommand propagates the local window size to the daemon's PTY.
type ResizeCommand struct {
	SessionID string `cbor:"sid"`
	Cols      int    `cbor:"c"`
	Rows      int    `cbor:"r"`
}

// UnpairCommand asks the daemon to forget this device.
type UnpairCommand struct {
	DeviceID string `cbor:"did"`
}

// AttachedEvent confirms an attach with the session's current
// geometry and sequence window.
type AttachedEvent struct {
	SessionID      string `cbor:"sid"`
	Cols           int    `cbor:"c"`
	Rows           int    `cbor:"r"`
	BufferStartSeq uint64 `cbor:"bseq"`
	CurrentSeq     uint64 `cbor:"seq"`
}

// OutputEvent carries live terminal output at a sequence position.
type OutputEvent struct {
	SessionID string `cbor:"sid"`
	Seq       uint64 `cbor:"seq"`
	Data      []byte `cbor:"d"`
}

// SnapshotEvent carries a buffered replay chunk; handled like output.
type SnapshotEvent struct {
	SessionID string `cbor:"sid"`
	Seq       uint64 `cbor:"seq"`
	Data      []byte `cbor:"d"`
}

// DetachedEvent reports that the daemon detached this client. Reason
// "user_request" is a clean, silent detach; anything else is
// surfaced as an error.
type DetachedEvent struct {
	SessionID string `cbor:"sid"`
	Reason    string `cbor:"reason"`
}

// DetachReasonUserRequest is the clean detach reason.
const DetachReasonUserRequest = "user_request"

// ErrorEvent reports a session-level error with a stable code.
type ErrorEvent struct {
	SessionID string `cbor:"sid,omitempty"`
	Code      Code   `cbor:"code"`
	Message   string `cbor:"msg"`
}

// SkippedEvent reports output dropped by the daemon under
// backpressure.
type SkippedEvent struct {
	SessionID string `cbor:"sid"`
	Bytes     uint64 `cbor:"n"`
}

// newEnvelope builds an envelope with an encoded payload. A nil
// payload produces an empty-payload envelope (ping, pong).
func newEnvelope(envType EnvelopeType, payload any) (Envelope, error) {
	env := Envelope{Type: envType}
	if payload != nil {
		encoded, err := codec.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encoding %s payload: %w", envType, err)
		}
		env.Payload = encoded
	}
	return env, nil
}

// decodePayload decodes an envelope payload into T.
func decodePayload[T any](env Envelope) (T, error) {
	var payload T
	if err := codec.Unmarshal(env.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decoding %s payload: %w", env.Type, err)
	}
	return payload, nil
}
