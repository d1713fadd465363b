// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rastsh/rast-go/lib/clock"
	"github.com/rastsh/rast-go/lib/codec"
	"github.com/rastsh/rast-go/transport"
)

// ProtocolVersion is the session protocol revision announced in the
// readiness command.
const ProtocolVersion = 1

// eventBuffer is the capacity of the decoded event channel. The
// receive loop blocks when the consumer falls behind; backpressure
// propagates to the transport rather than dropping events.
const eventBuffer = 64

// Manager wraps one live Transport: outbound commands are serialized,
// wrapped in an envelope, sealed by the session cipher, and written
// atomically; inbound frames are opened, decoded, and demultiplexed
// onto the event channel. A background keepalive loop pings the daemon
// at a configurable interval and stops the instant Close is called.
type Manager struct {
	transport transport.Transport
	cipher    *Cipher
	clock     clock.Clock
	logger    *slog.Logger
	keepalive time.Duration

	writeMu sync.Mutex

	events chan Envelope

	// dropped is closed when the receive loop exits because the
	// transport failed, as opposed to a requested Close. The terminal
	// protocol watches this to apply the "detached but not erroneous"
	// rule.
	dropped     chan struct{}
	droppedOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once

	eventsOnce sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithKeepalive sets the ping interval. 0 disables keepalive.
func WithKeepalive(interval time.Duration) ManagerOption {
	return func(m *Manager) { m.keepalive = interval }
}

// WithManagerClock injects the time source.
func WithManagerClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager wraps an established transport. The readiness command is
// sent synchronously before NewManager returns, guaranteeing the
// daemon observes client-ready before any later command. The receive
// and keepalive loops start in the background.
func NewManager(t transport.Transport, token [transport.TokenSize]byte, opts ...ManagerOption) (*Manager, error) {
	cipher, err := NewCipher(token)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		transport: t,
		cipher:    cipher,
		clock:     clock.Real(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		events:    make(chan Envelope, eventBuffer),
		dropped:   make(chan struct{}),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.Send(context.Background(), TypeReady, ReadyCommand{ProtocolVersion: ProtocolVersion}); err != nil {
		return nil, fmt.Errorf("sending readiness command: %w", err)
	}

	go m.receiveLoop()
	if m.keepalive > 0 {
		go m.keepaliveLoop()
	}
	return m, nil
}

// Send encodes, seals, and writes one command atomically.
func (m *Manager) Send(ctx context.Context, envType EnvelopeType, payload any) error {
	env, err := newEnvelope(envType, payload)
	if err != nil {
		return err
	}
	plaintext, err := codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s envelope: %w", envType, err)
	}
	sealed, err := m.cipher.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("sealing %s envelope: %w", envType, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	select {
	case <-m.closed:
		return fmt.Errorf("connection manager is closed")
	default:
	}
	if err := m.transport.Send(ctx, sealed); err != nil {
		return fmt.Errorf("sending %s: %w", envType, err)
	}
	return nil
}

// RequestUnpair asks the daemon to forget this device.
func (m *Manager) RequestUnpair(ctx context.Context, deviceID string) error {
	return m.Send(ctx, TypeUnpair, UnpairCommand{DeviceID: deviceID})
}

// Events is the decoded inbound event stream. Closed when the
// transport drops or Close is called.
func (m *Manager) Events() <-chan Envelope {
	return m.events
}

// Dropped is closed when the transport failed underneath the manager
// without Close being requested.
func (m *Manager) Dropped() <-chan struct{} {
	return m.dropped
}

// Close shuts the manager down: the keepalive loop stops immediately
// and the transport is closed, which in turn unblocks the receive
// loop. Idempotent.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		err = m.transport.Close()
	})
	return err
}

// receiveLoop reads, opens, and decodes inbound frames until the
// transport fails or the manager closes. Malformed or unauthenticated
// frames are logged and skipped; they do not kill the connection.
func (m *Manager) receiveLoop() {
	defer m.eventsOnce.Do(func() { close(m.events) })

	for {
		sealed, err := m.transport.Receive(context.Background())
		if err != nil {
			select {
			case <-m.closed:
				// Requested shutdown; not a drop.
			default:
				m.logger.Warn("transport receive failed", "transport", m.transport.Name(), "error", err)
				m.droppedOnce.Do(func() { close(m.dropped) })
			}
			return
		}

		plaintext, err := m.cipher.Open(sealed)
		if err != nil {
			m.logger.Warn("discarding unauthenticated frame", "error", err)
			continue
		}
		var env Envelope
		if err := codec.Unmarshal(plaintext, &env); err != nil {
			m.logger.Warn("discarding malformed envelope", "error", err)
			continue
		}

		select {
		case m.events <- env:
		case <-m.closed:
			return
		}
	}
}

// keepaliveLoop pings the daemon on the configured interval. The loop
// exits the moment Close is called.
func (m *Manager) keepaliveLoop() {
	ticker := m.clock.NewTicker(m.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.keepalive)
			if err := m.Send(ctx, TypePing, nil); err != nil {
				m.logger.Debug("keepalive ping failed", "error", err)
			}
			cancel()
		case <-m.closed:
			return
		}
	}
}
