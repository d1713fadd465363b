// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// meshMagic opens every handshake message. As a length field its value
// (~1.38e9) always fails the length sanity check, so a handshake
// datagram is never mistaken for a framed payload.
var meshMagic = [4]byte{'R', 'A', 'S', 'T'}

// handshakeLength is the exact size of a handshake message: the magic
// followed by 4 reserved zero bytes.
const handshakeLength = 8

// meshHandshakeTimeout bounds one handshake attempt. With
// meshHandshakeAttempts tries the worst case stays well under the
// orchestrator's per-strategy budget, preserving fast fallback.
const meshHandshakeTimeout = 400 * time.Millisecond

// meshHandshakeAttempts is the retry limit for the handshake, all on
// the same socket so the daemon sees a consistent source port.
const meshHandshakeAttempts = 3

// meshAuthTimeout bounds the wait for the single-byte auth response.
const meshAuthTimeout = 2 * time.Second

// maxStaleHandshakes is the per-Receive budget for discarding
// duplicate handshake replies that straggle in after the handshake
// phase. The budget resets every call.
const maxStaleHandshakes = 3

// maxDatagramSize is the receive buffer size, the practical UDP
// payload ceiling.
const maxDatagramSize = 65507

// authAccepted is the daemon's single-byte response to a valid auth
// frame.
const authAccepted byte = 0x01

// MeshStrategy connects to the daemon's cached mesh-VPN endpoint over
// raw UDP. Cheapest path after LAN: no signaling round-trips, no ICE.
type MeshStrategy struct {
	logger *slog.Logger
}

// NewMeshStrategy creates the mesh-direct strategy.
func NewMeshStrategy(logger *slog.Logger) *MeshStrategy {
	return &MeshStrategy{logger: logger}
}

func (s *MeshStrategy) Name() string  { return "mesh-direct" }
func (s *MeshStrategy) Priority() int { return 20 }

// Detect requires the local device to be on the mesh and a cached (or
// capability-exchanged) daemon mesh address. No network traffic.
func (s *MeshStrategy) Detect(_ context.Context, connCtx ConnectionContext) Detection {
	if !connCtx.OnMeshVPN {
		return Unavailable("local device is not on the mesh VPN")
	}
	if !connCtx.MeshAddr.IsValid() {
		return Unavailable("no mesh endpoint known for daemon")
	}
	return Available(fmt.Sprintf("%s:%d", connCtx.MeshAddr, connCtx.meshEndpointPort()))
}

// Connect performs the handshake and authentication described by the
// mesh wire protocol: an 8-byte magic handshake with bounded retries
// on one socket, then the auth frame, then a single-byte verdict.
func (s *MeshStrategy) Connect(ctx context.Context, connCtx ConnectionContext, progress ProgressFunc) (Transport, error) {
	progress.emit(Progress{Stage: StageConnecting, Strategy: s.Name()})

	remote := net.UDPAddrFromAddrPort(netip.AddrPortFrom(connCtx.MeshAddr, uint16(connCtx.meshEndpointPort())))
	conn, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return nil, retryableError(s.Name(), fmt.Errorf("opening UDP socket: %w", err))
	}

	if err := s.handshake(ctx, conn); err != nil {
		conn.Close()
		return nil, permanentError(s.Name(), err)
	}

	progress.emit(Progress{Stage: StageAuthenticating, Strategy: s.Name()})
	if err := s.authenticate(conn, connCtx); err != nil {
		conn.Close()
		return nil, permanentError(s.Name(), err)
	}
	progress.emit(Progress{Stage: StageAuthenticated, Strategy: s.Name()})

	return &meshTransport{conn: conn, logger: s.logger}, nil
}

// handshake sends the magic message and waits for the echoed magic,
// retrying on the same socket so the daemon's reply routes back to a
// consistent source port.
func (s *MeshStrategy) handshake(ctx context.Context, conn *net.UDPConn) error {
	message := handshakeMessage()
	pause := &backoff.Backoff{Min: 50 * time.Millisecond, Max: 250 * time.Millisecond, Jitter: true}
	buffer := make([]byte, maxDatagramSize)

	for attempt := 1; attempt <= meshHandshakeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := conn.Write(message); err != nil {
			return fmt.Errorf("sending handshake: %w", err)
		}

		deadline := time.Now().Add(meshHandshakeTimeout)
		if err := conn.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("setting handshake deadline: %w", err)
		}
		for {
			n, err := conn.Read(buffer)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					break // next attempt
				}
				return fmt.Errorf("reading handshake reply: %w", err)
			}
			if isHandshakeDatagram(buffer[:n]) {
				s.logger.Debug("mesh handshake complete", "attempt", attempt)
				return nil
			}
			// Not a handshake reply; keep reading until the attempt
			// deadline.
		}
		if attempt < meshHandshakeAttempts {
			time.Sleep(pause.Duration())
		}
	}
	return fmt.Errorf("no handshake reply after %d attempts: daemon may not be listening on its mesh address",
		meshHandshakeAttempts)
}

// authenticate sends the auth frame and reads the daemon's verdict.
func (s *MeshStrategy) authenticate(conn *net.UDPConn, connCtx ConnectionContext) error {
	frame := EncodeAuthFrame(connCtx.DeviceID, connCtx.AuthToken)
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("sending auth frame: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(meshAuthTimeout)); err != nil {
		return fmt.Errorf("setting auth deadline: %w", err)
	}
	buffer := make([]byte, maxDatagramSize)
	for {
		n, err := conn.Read(buffer)
		if err != nil {
			return fmt.Errorf("reading auth response: %w", err)
		}
		if isHandshakeDatagram(buffer[:n]) {
			// Duplicate handshake reply from a retransmitted probe.
			continue
		}
		if n != 1 || buffer[0] != authAccepted {
			return errors.New("daemon rejected authentication")
		}
		return nil
	}
}

// meshTransport is the established mesh-direct channel. The UDP socket
// is owned exclusively by this transport for its lifetime.
type meshTransport struct {
	conn   *net.UDPConn
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (t *meshTransport) Name() string { return "mesh-direct" }

// Send writes payload as one length-prefixed datagram.
func (t *meshTransport) Send(ctx context.Context, payload []byte) error {
	if len(payload) > maxDatagramSize-frameHeaderLength {
		return fmt.Errorf("payload of %d bytes exceeds datagram capacity", len(payload))
	}
	datagram := make([]byte, frameHeaderLength+len(payload))
	binary.BigEndian.PutUint32(datagram[:frameHeaderLength], uint32(len(payload)))
	copy(datagram[frameHeaderLength:], payload)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("setting write deadline: %w", err)
		}
	} else if err := t.conn.SetWriteDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clearing write deadline: %w", err)
	}
	if _, err := t.conn.Write(datagram); err != nil {
		return fmt.Errorf("mesh send: %w", err)
	}
	return nil
}

// Receive reads one framed payload. Stale handshake replies — a known
// UDP retransmission artifact — are discarded up to a fixed budget
// that resets on every call; exceeding it is a protocol violation.
// Read-deadline expiry surfaces as a recoverable timeout, not a fatal
// error.
func (t *meshTransport) Receive(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("setting read deadline: %w", err)
		}
	} else if err := t.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clearing read deadline: %w", err)
	}

	buffer := make([]byte, maxDatagramSize)
	stale := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := t.conn.Read(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, fmt.Errorf("mesh receive timed out: %w", err)
			}
			return nil, fmt.Errorf("mesh receive: %w", err)
		}

		if isHandshakeDatagram(buffer[:n]) {
			stale++
			if stale > maxStaleHandshakes {
				return nil, &ProtocolError{Reason: "too many stale handshake packets"}
			}
			continue
		}
		if n < frameHeaderLength {
			return nil, &ProtocolError{Reason: "packet too small"}
		}
		length := binary.BigEndian.Uint32(buffer[:frameHeaderLength])
		if int(length) > n-frameHeaderLength {
			return nil, &ProtocolError{Reason: "invalid message length"}
		}
		payload := make([]byte, length)
		copy(payload, buffer[frameHeaderLength:frameHeaderLength+int(length)])
		return payload, nil
	}
}

func (t *meshTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// handshakeMessage builds the 8-byte handshake: magic + 4 reserved
// zero bytes.
func handshakeMessage() []byte {
	message := make([]byte, handshakeLength)
	copy(message, meshMagic[:])
	return message
}

// isHandshakeDatagram reports whether data is exactly 8 bytes and
// begins with the handshake magic. Anything else — including an 8-byte
// datagram with a non-magic prefix — is a framed payload.
func isHandshakeDatagram(data []byte) bool {
	return len(data) == handshakeLength && bytes.HasPrefix(data, meshMagic[:])
}

// EncodeAuthFrame builds the authentication message:
// [4-byte big-endian deviceID length][deviceID UTF-8][32-byte token].
func EncodeAuthFrame(deviceID string, token [TokenSize]byte) []byte {
	idBytes := []byte(deviceID)
	frame := make([]byte, frameHeaderLength+len(idBytes)+TokenSize)
	binary.BigEndian.PutUint32(frame[:frameHeaderLength], uint32(len(idBytes)))
	copy(frame[frameHeaderLength:], idBytes)
	copy(frame[frameHeaderLength+len(idBytes):], token[:])
	return frame
}

// DecodeAuthFrame parses an authentication message back into its
// device ID and token.
func DecodeAuthFrame(frame []byte) (string, [TokenSize]byte, error) {
	var token [TokenSize]byte
	if len(frame) < frameHeaderLength+TokenSize {
		return "", token, &ProtocolError{Reason: "auth frame too small"}
	}
	idLength := binary.BigEndian.Uint32(frame[:frameHeaderLength])
	if int(idLength) != len(frame)-frameHeaderLength-TokenSize {
		return "", token, &ProtocolError{Reason: "auth frame length mismatch"}
	}
	deviceID := string(frame[frameHeaderLength : frameHeaderLength+int(idLength)])
	copy(token[:], frame[frameHeaderLength+int(idLength):])
	return deviceID, token, nil
}
