// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rastsh/rast-go/lib/clock"
	"github.com/rastsh/rast-go/lib/codec"
	"github.com/rastsh/rast-go/lib/testutil"
)

// fakeTransport is a scriptable in-memory Transport: sealed frames the
// manager sends land on sent, and frames pushed to inbound (or an
// error pushed to failures) come back from Receive.
type fakeTransport struct {
	sent     chan []byte
	inbound  chan []byte
	failures chan error

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent:     make(chan []byte, 16),
		inbound:  make(chan []byte, 16),
		failures: make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(ctx context.Context, payload []byte) error {
	data := make([]byte, len(payload))
	copy(data, payload)
	select {
	case <-f.closed:
		return errors.New("transport closed")
	case f.sent <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-f.inbound:
		return payload, nil
	case err := <-f.failures:
		return nil, err
	case <-f.closed:
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// openSent opens and decodes the next frame the manager wrote.
func openSent(t *testing.T, ft *fakeTransport, cipher *Cipher) Envelope {
	t.Helper()
	sealed := testutil.RequireReceive(t, ft.sent, 5*time.Second, "waiting for an outbound frame")
	plaintext, err := cipher.Open(sealed)
	if err != nil {
		t.Fatalf("opening outbound frame: %v", err)
	}
	var env Envelope
	if err := codec.Unmarshal(plaintext, &env); err != nil {
		t.Fatalf("decoding outbound envelope: %v", err)
	}
	return env
}

// sealInbound seals an envelope as the daemon would and delivers it.
func sealInbound(t *testing.T, ft *fakeTransport, cipher *Cipher, envType EnvelopeType, payload any) {
	t.Helper()
	env, err := newEnvelope(envType, payload)
	if err != nil {
		t.Fatalf("building envelope: %v", err)
	}
	plaintext, err := codec.Marshal(env)
	if err != nil {
		t.Fatalf("encoding envelope: %v", err)
	}
	sealed, err := cipher.Seal(plaintext)
	if err != nil {
		t.Fatalf("sealing envelope: %v", err)
	}
	ft.inbound <- sealed
}

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *fakeTransport, *Cipher) {
	t.Helper()
	ft := newFakeTransport()
	manager, err := NewManager(ft, testToken, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { manager.Close() })

	cipher, err := NewCipher(testToken)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return manager, ft, cipher
}

func TestManagerSendsReadyFirst(t *testing.T) {
	_, ft, cipher := newTestManager(t)

	env := openSent(t, ft, cipher)
	if env.Type != TypeReady {
		t.Fatalf("first envelope is %q, want %q", env.Type, TypeReady)
	}
	ready, err := decodePayload[ReadyCommand](env)
	if err != nil {
		t.Fatalf("decoding ready payload: %v", err)
	}
	if ready.ProtocolVersion != ProtocolVersion {
		t.Errorf("announced protocol version %d, want %d", ready.ProtocolVersion, ProtocolVersion)
	}
}

func TestManagerSealsOutboundCommands(t *testing.T) {
	manager, ft, cipher := newTestManager(t)
	openSent(t, ft, cipher) // ready

	if err := manager.Send(context.Background(), TypeInput, InputCommand{SessionID: "work-main1", Data: []byte("ls\n")}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The raw frame must not leak plaintext; it only decodes with the
	// session cipher.
	env := openSent(t, ft, cipher)
	if env.Type != TypeInput {
		t.Fatalf("envelope type %q, want %q", env.Type, TypeInput)
	}
	input, err := decodePayload[InputCommand](env)
	if err != nil {
		t.Fatalf("decoding input payload: %v", err)
	}
	if string(input.Data) != "ls\n" || input.SessionID != "work-main1" {
		t.Errorf("payload round trip: %+v", input)
	}
}

func TestManagerDeliversDecodedEvents(t *testing.T) {
	manager, ft, cipher := newTestManager(t)
	openSent(t, ft, cipher)

	sealInbound(t, ft, cipher, TypeOutput, OutputEvent{SessionID: "work-main1", Seq: 7, Data: []byte("hello")})

	env := testutil.RequireReceive(t, manager.Events(), 5*time.Second, "decoded event")
	if env.Type != TypeOutput {
		t.Fatalf("event type %q, want %q", env.Type, TypeOutput)
	}
	output, err := decodePayload[OutputEvent](env)
	if err != nil {
		t.Fatalf("decoding output payload: %v", err)
	}
	if output.Seq != 7 || string(output.Data) != "hello" {
		t.Errorf("payload round trip: %+v", output)
	}
}

func TestManagerSkipsUnauthenticatedFrames(t *testing.T) {
	manager, ft, cipher := newTestManager(t)
	openSent(t, ft, cipher)

	// Garbage, then a valid frame: the connection survives and the
	// valid frame is delivered.
	ft.inbound <- []byte{0x01, 0xde, 0xad, 0xbe, 0xef}
	sealInbound(t, ft, cipher, TypePong, nil)

	env := testutil.RequireReceive(t, manager.Events(), 5*time.Second, "event after garbage")
	if env.Type != TypePong {
		t.Errorf("event type %q, want %q", env.Type, TypePong)
	}
}

func TestManagerSignalsTransportDrop(t *testing.T) {
	manager, ft, cipher := newTestManager(t)
	openSent(t, ft, cipher)

	ft.failures <- errors.New("connection reset")

	testutil.RequireClosed(t, manager.Dropped(), 5*time.Second, "dropped signal")
	if _, ok := <-manager.Events(); ok {
		t.Error("events channel should be closed after a drop")
	}
}

func TestManagerCloseIsNotADrop(t *testing.T) {
	manager, ft, cipher := newTestManager(t)
	openSent(t, ft, cipher)

	if err := manager.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Events drains and closes, but the drop signal stays silent.
	for range manager.Events() {
	}
	select {
	case <-manager.Dropped():
		t.Error("a requested close must not look like a transport drop")
	case <-time.After(100 * time.Millisecond):
	}

	if err := manager.Send(context.Background(), TypePing, nil); err == nil {
		t.Error("Send after Close should fail")
	}
}

func TestManagerKeepalivePings(t *testing.T) {
	clk := clock.Fake(time.Unix(1700000000, 0))
	manager, ft, cipher := newTestManager(t,
		WithKeepalive(30*time.Second),
		WithManagerClock(clk),
	)
	defer manager.Close()
	openSent(t, ft, cipher)

	clk.Advance(30 * time.Second)
	env := openSent(t, ft, cipher)
	if env.Type != TypePing {
		t.Fatalf("envelope type %q, want %q", env.Type, TypePing)
	}

	clk.Advance(30 * time.Second)
	env = openSent(t, ft, cipher)
	if env.Type != TypePing {
		t.Fatalf("second tick sent %q, want %q", env.Type, TypePing)
	}
}
