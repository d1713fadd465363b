// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// frameHeaderLength is the size of the length prefix on every framed
// message: a 4-byte big-endian payload length.
const frameHeaderLength = 4

// MaxFramePayload is the largest payload accepted in a single frame.
// Generous for terminal traffic; a full scrollback snapshot is
// typically well under 1 MiB.
const MaxFramePayload = 16 * 1024 * 1024

// ProtocolError is a wire protocol violation: a malformed frame, an
// impossible length field, or a stale-packet budget overrun. Distinct
// from plain I/O errors so callers can tell "closed unexpectedly" from
// "the peer is speaking garbage".
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return e.Reason }

// WriteFrame writes one length-prefixed payload to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("payload of %d bytes exceeds frame maximum %d", len(payload), MaxFramePayload)
	}
	var header [frameHeaderLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one length-prefixed payload from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFramePayload {
		return nil, &ProtocolError{Reason: fmt.Sprintf("invalid message length %d", length)}
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return payload, nil
}
