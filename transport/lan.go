// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// lanDetectTimeout bounds the discovery query made during Detect.
const lanDetectTimeout = 1 * time.Second

// lanConnectTimeout bounds the fallback discovery query made during
// Connect when Detect never populated the cache.
const lanConnectTimeout = 500 * time.Millisecond

// lanDialTimeout bounds the WebSocket dial and upgrade.
const lanDialTimeout = 3 * time.Second

// lanAuthTimeout bounds the wait for the single-byte auth verdict.
const lanAuthTimeout = 2 * time.Second

// lanChannelPath is the daemon's WebSocket endpoint for the session
// channel.
const lanChannelPath = "/v1/channel"

// LANStrategy reaches the daemon over the local network: a discovery
// collaborator locates it, then a WebSocket carries the channel. The
// cheapest strategy, tried first.
type LANStrategy struct {
	discoverer Discoverer
	sockets    SocketFactory
	logger     *slog.Logger

	mu     sync.Mutex
	cached *Endpoint
}

// NewLANStrategy creates the LAN-direct strategy. sockets may be nil,
// in which case NetSocketFactory is used (no interface binding).
func NewLANStrategy(discoverer Discoverer, sockets SocketFactory, logger *slog.Logger) *LANStrategy {
	if sockets == nil {
		sockets = NetSocketFactory{}
	}
	return &LANStrategy{discoverer: discoverer, sockets: sockets, logger: logger}
}

func (s *LANStrategy) Name() string  { return "lan-direct" }
func (s *LANStrategy) Priority() int { return 10 }

// Detect runs a bounded discovery query and caches the result so
// Connect does not have to repeat it.
func (s *LANStrategy) Detect(ctx context.Context, _ ConnectionContext) Detection {
	if endpoint := s.cachedEndpoint(); endpoint != nil {
		return Available(endpoint.Addr())
	}
	endpoint, err := s.discoverer.Discover(ctx, lanDetectTimeout)
	if err != nil {
		return Unavailable(fmt.Sprintf("daemon not found on local network: %v", err))
	}
	s.setCached(endpoint)
	return Available(endpoint.Addr())
}

// Connect dials the discovered endpoint over WebSocket — bound to the
// daemon's advertised interface when it named one, falling back to the
// default path when binding is unavailable — then authenticates with
// the shared auth frame. Every failure is non-retryable for this
// strategy: the orchestrator falls through instead of looping.
func (s *LANStrategy) Connect(ctx context.Context, connCtx ConnectionContext, progress ProgressFunc) (Transport, error) {
	endpoint := s.cachedEndpoint()
	if endpoint == nil {
		discovered, err := s.discoverer.Discover(ctx, lanConnectTimeout)
		if err != nil {
			return nil, permanentError(s.Name(), fmt.Errorf("daemon vanished from local network: %w", err))
		}
		s.setCached(discovered)
		endpoint = &discovered
	}

	progress.emit(Progress{Stage: StageConnecting, Strategy: s.Name()})
	conn, err := s.dial(ctx, *endpoint)
	if err != nil {
		s.clearCached()
		return nil, permanentError(s.Name(), err)
	}

	progress.emit(Progress{Stage: StageAuthenticating, Strategy: s.Name()})
	if err := authenticateWebSocket(conn, connCtx); err != nil {
		conn.Close()
		return nil, permanentError(s.Name(), err)
	}
	progress.emit(Progress{Stage: StageAuthenticated, Strategy: s.Name()})

	return &wsTransport{conn: conn, logger: s.logger}, nil
}

// dial opens the WebSocket, trying the advertised interface first and
// transparently retrying on the default path if the bound dial fails.
func (s *LANStrategy) dial(ctx context.Context, endpoint Endpoint) (*websocket.Conn, error) {
	url := "ws://" + endpoint.Addr() + lanChannelPath

	conn, err := s.dialOnInterface(ctx, url, endpoint.Interface)
	if err != nil && endpoint.Interface != "" {
		s.logger.Debug("interface-bound dial failed, falling back to default path",
			"interface", endpoint.Interface,
			"error", err,
		)
		conn, err = s.dialOnInterface(ctx, url, "")
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return conn, nil
}

func (s *LANStrategy) dialOnInterface(ctx context.Context, url, iface string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: lanDialTimeout,
		NetDialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			return s.sockets.DialContext(ctx, iface, network, address)
		},
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	return conn, err
}

func (s *LANStrategy) cachedEndpoint() *Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cached
}

func (s *LANStrategy) setCached(endpoint Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = &endpoint
}

func (s *LANStrategy) clearCached() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
}

// authenticateWebSocket sends the auth frame as one binary message and
// reads the daemon's single-byte verdict.
func authenticateWebSocket(conn *websocket.Conn, connCtx ConnectionContext) error {
	frame := EncodeAuthFrame(connCtx.DeviceID, connCtx.AuthToken)
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("sending auth frame: %w", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(lanAuthTimeout)); err != nil {
		return fmt.Errorf("setting auth deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	_, verdict, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading auth response: %w", err)
	}
	if len(verdict) != 1 || verdict[0] != authAccepted {
		return errors.New("daemon rejected authentication")
	}
	return nil
}

// wsTransport is the established LAN-direct channel. WebSocket
// messages map one-to-one onto payloads; the protocol's length prefix
// is carried by the WebSocket framing layer.
type wsTransport struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (t *wsTransport) Name() string { return "lan-direct" }

func (t *wsTransport) Send(ctx context.Context, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("setting write deadline: %w", err)
		}
	} else if err := t.conn.SetWriteDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clearing write deadline: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("lan send: %w", err)
	}
	return nil
}

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("setting read deadline: %w", err)
		}
	} else if err := t.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clearing read deadline: %w", err)
	}
	_, payload, err := t.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("lan receive: %w", err)
	}
	return payload, nil
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		// Best-effort close frame so the daemon sees a clean shutdown
		// rather than an aborted connection.
		deadline := time.Now().Add(time.Second)
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
