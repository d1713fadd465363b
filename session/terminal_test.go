// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rastsh/rast-go/lib/clock"
	"github.com/rastsh/rast-go/lib/testutil"
)

// syncBuffer is a mutex-guarded output sink for the terminal.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// terminalHarness wires a Terminal to a Manager over the fake
// transport and runs the event loop.
type terminalHarness struct {
	t        *testing.T
	ft       *fakeTransport
	cipher   *Cipher
	manager  *Manager
	terminal *Terminal
	clk      *clock.FakeClock
	output   *syncBuffer
	runDone  chan struct{}
}

func newTerminalHarness(t *testing.T) *terminalHarness {
	t.Helper()
	manager, ft, cipher := newTestManager(t)
	openSent(t, ft, cipher) // ready

	h := &terminalHarness{
		t:       t,
		ft:      ft,
		cipher:  cipher,
		manager: manager,
		clk:     clock.Fake(time.Unix(1700000000, 0)),
		output:  &syncBuffer{},
		runDone: make(chan struct{}),
	}
	h.terminal = NewTerminal(manager, h.output, WithTerminalClock(h.clk))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		defer close(h.runDone)
		h.terminal.Run(ctx)
	}()
	return h
}

// beginAttach starts Attach on its own goroutine and returns its
// result channel plus the decoded attach command.
func (h *terminalHarness) beginAttach(sessionID string) (<-chan error, AttachCommand) {
	h.t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.terminal.Attach(context.Background(), sessionID)
	}()

	env := openSent(h.t, h.ft, h.cipher)
	if env.Type != TypeAttach {
		h.t.Fatalf("sent %q, want %q", env.Type, TypeAttach)
	}
	cmd, err := decodePayload[AttachCommand](env)
	if err != nil {
		h.t.Fatalf("decoding attach command: %v", err)
	}
	return errCh, cmd
}

// attach completes a full successful attach handshake.
func (h *terminalHarness) attach(sessionID string, currentSeq uint64) {
	h.t.Helper()
	errCh, _ := h.beginAttach(sessionID)
	sealInbound(h.t, h.ft, h.cipher, TypeAttached, AttachedEvent{
		SessionID:  sessionID,
		Cols:       80,
		Rows:       24,
		CurrentSeq: currentSeq,
	})
	if err := testutil.RequireReceive(h.t, errCh, 5*time.Second, "attach result"); err != nil {
		h.t.Fatalf("Attach: %v", err)
	}
}

// waitState polls until the state snapshot satisfies cond.
func (h *terminalHarness) waitState(cond func(State) bool, msg string) State {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s := h.terminal.State()
		if cond(s) {
			return s
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s; state %+v", msg, h.terminal.State())
	panic("unreachable")
}

func (h *terminalHarness) deliverOutput(sessionID string, seq uint64, data string) {
	h.t.Helper()
	sealInbound(h.t, h.ft, h.cipher, TypeOutput, OutputEvent{
		SessionID: sessionID,
		Seq:       seq,
		Data:      []byte(data),
	})
}

func TestAttachSuccess(t *testing.T) {
	h := newTerminalHarness(t)

	errCh, cmd := h.beginAttach("work-main1")
	if cmd.SessionID != "work-main1" || cmd.FromSequence != 0 {
		t.Errorf("attach command %+v, want fresh attach", cmd)
	}

	sealInbound(t, h.ft, h.cipher, TypeAttached, AttachedEvent{
		SessionID:      "work-main1",
		Cols:           120,
		Rows:           40,
		BufferStartSeq: 3,
		CurrentSeq:     10,
	})
	if err := testutil.RequireReceive(t, errCh, 5*time.Second, "attach result"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	state := h.terminal.State()
	if !state.Attached || state.Attaching {
		t.Errorf("state flags: %+v", state)
	}
	if state.Cols != 120 || state.Rows != 40 {
		t.Errorf("geometry %dx%d, want 120x40", state.Cols, state.Rows)
	}
	if state.LastSequence != 10 || state.BufferStartSeq != 3 {
		t.Errorf("sequence window %d/%d, want 10/3", state.LastSequence, state.BufferStartSeq)
	}
}

func TestAttachRejectsMalformedSessionIDs(t *testing.T) {
	h := newTerminalHarness(t)

	bad := []string{
		"",
		"short",
		"-leading-dash",
		"_leading-underscore",
		"has spaces here",
		"../../etc/passwd",
		strings.Repeat("x", 65),
		"unicode-终端",
	}
	for _, id := range bad {
		err := h.terminal.Attach(context.Background(), id)
		var terminalErr *TerminalError
		if !errors.As(err, &terminalErr) || terminalErr.Code != CodeInvalidSession {
			t.Errorf("Attach(%q) = %v, want %s", id, err, CodeInvalidSession)
		}
	}
	// Validation failures never reach the wire.
	testutil.RequireNoReceive(t, h.ft.sent, 100*time.Millisecond, "no command for invalid ids")

	// The shortest and longest legal ids pass validation.
	for _, id := range []string{"12345678", strings.Repeat("y", 64)} {
		errCh, _ := h.beginAttach(id)
		sealInbound(t, h.ft, h.cipher, TypeAttached, AttachedEvent{SessionID: id})
		if err := testutil.RequireReceive(t, errCh, 5*time.Second, "attach result"); err != nil {
			t.Errorf("Attach(%q): %v", id, err)
		}
		if err := h.terminal.Detach(context.Background()); err != nil {
			t.Fatalf("Detach(%q): %v", id, err)
		}
		openSent(t, h.ft, h.cipher) // the detach command
	}
}

func TestAttachIsIdempotentForSameSession(t *testing.T) {
	h := newTerminalHarness(t)
	h.attach("work-main1", 0)

	if err := h.terminal.Attach(context.Background(), "work-main1"); err != nil {
		t.Fatalf("repeat Attach: %v", err)
	}
	testutil.RequireNoReceive(t, h.ft.sent, 100*time.Millisecond, "no duplicate attach command")
}

func TestAttachTimeout(t *testing.T) {
	h := newTerminalHarness(t)
	errCh, _ := h.beginAttach("work-main1")

	// The daemon never answers. The timeout channel registers just
	// after the command is sent, so advance until it fires.
	var err error
	for attempt := 0; attempt < 100; attempt++ {
		h.clk.Advance(defaultAttachTimeout)
		select {
		case err = <-errCh:
			attempt = 100
		case <-time.After(10 * time.Millisecond):
		}
	}

	var terminalErr *TerminalError
	if !errors.As(err, &terminalErr) || terminalErr.Code != CodeAttachTimeout {
		t.Fatalf("got %v, want %s", err, CodeAttachTimeout)
	}
	if state := h.terminal.State(); state.Attaching || state.Attached {
		t.Errorf("state flags not cleared after timeout: %+v", state)
	}
}

func TestAttachRejectedByDaemon(t *testing.T) {
	h := newTerminalHarness(t)
	errCh, _ := h.beginAttach("work-main1")

	sealInbound(t, h.ft, h.cipher, TypeError, ErrorEvent{
		SessionID: "work-main1",
		Code:      CodeSessionNotFound,
	})

	err := testutil.RequireReceive(t, errCh, 5*time.Second, "attach result")
	var terminalErr *TerminalError
	if !errors.As(err, &terminalErr) || terminalErr.Code != CodeSessionNotFound {
		t.Fatalf("got %v, want %s", err, CodeSessionNotFound)
	}

	// The rejection went to the caller, not into the state.
	state := h.terminal.State()
	if state.Err != nil {
		t.Errorf("state error %v should be nil", state.Err)
	}
	if state.Attaching {
		t.Error("still attaching after a rejection")
	}
}

func TestAttachSwitchesSessionsWithDetachFirst(t *testing.T) {
	h := newTerminalHarness(t)
	h.attach("session-aa", 0)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.terminal.Attach(context.Background(), "session-bb")
	}()

	// Ordering on the wire: detach the old session, then attach the
	// new one.
	env := openSent(t, h.ft, h.cipher)
	if env.Type != TypeDetach {
		t.Fatalf("first command %q, want %q", env.Type, TypeDetach)
	}
	detach, _ := decodePayload[DetachCommand](env)
	if detach.SessionID != "session-aa" {
		t.Errorf("detached %q, want session-aa", detach.SessionID)
	}

	env = openSent(t, h.ft, h.cipher)
	if env.Type != TypeAttach {
		t.Fatalf("second command %q, want %q", env.Type, TypeAttach)
	}
	attach, _ := decodePayload[AttachCommand](env)
	if attach.SessionID != "session-bb" || attach.FromSequence != 0 {
		t.Errorf("attach command %+v, want a fresh attach to session-bb", attach)
	}

	sealInbound(t, h.ft, h.cipher, TypeAttached, AttachedEvent{SessionID: "session-bb"})
	if err := testutil.RequireReceive(t, errCh, 5*time.Second, "attach result"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if state := h.terminal.State(); state.SessionID != "session-bb" {
		t.Errorf("attached to %q, want session-bb", state.SessionID)
	}
}

func TestOutputAdvancesSequenceMonotonically(t *testing.T) {
	h := newTerminalHarness(t)
	h.attach("work-main1", 0)

	h.deliverOutput("work-main1", 5, "five ")
	h.deliverOutput("work-main1", 3, "three ") // late delivery must not regress
	sealInbound(t, h.ft, h.cipher, TypeSnapshot, SnapshotEvent{
		SessionID: "work-main1",
		Seq:       7,
		Data:      []byte("seven"),
	})

	state := h.waitState(func(s State) bool { return s.LastSequence == 7 }, "sequence 7")
	if state.LastSequence != 7 {
		t.Errorf("LastSequence = %d, want 7", state.LastSequence)
	}
	if got := h.output.String(); got != "five three seven" {
		t.Errorf("output %q", got)
	}
}

func TestEventsForOtherSessionsAreDropped(t *testing.T) {
	h := newTerminalHarness(t)
	h.attach("work-main1", 0)

	h.deliverOutput("other-sess", 99, "intruder")
	h.deliverOutput("work-main1", 2, "mine")

	state := h.waitState(func(s State) bool { return s.LastSequence == 2 }, "own output")
	if state.LastSequence != 2 {
		t.Errorf("foreign sequence leaked: %d", state.LastSequence)
	}
	if got := h.output.String(); got != "mine" {
		t.Errorf("output %q, want only this session's bytes", got)
	}
}

func TestTransportDropPreservesResumeState(t *testing.T) {
	h := newTerminalHarness(t)
	h.attach("work-main1", 0)
	h.deliverOutput("work-main1", 42, "x")
	h.waitState(func(s State) bool { return s.LastSequence == 42 }, "sequence 42")

	h.ft.failures <- errors.New("connection reset")
	testutil.RequireClosed(t, h.runDone, 5*time.Second, "event loop exit")

	state := h.terminal.State()
	if state.Attached || state.Attaching {
		t.Errorf("attachment flags survived the drop: %+v", state)
	}
	if state.SessionID != "work-main1" || state.LastSequence != 42 {
		t.Errorf("resume state lost: %+v", state)
	}
	if state.Err != nil {
		t.Errorf("a transport drop is not an error, got %v", state.Err)
	}
}

func TestReattachAfterDropResumesFromLastSequence(t *testing.T) {
	h := newTerminalHarness(t)
	h.attach("work-main1", 0)
	h.deliverOutput("work-main1", 42, "x")
	h.waitState(func(s State) bool { return s.LastSequence == 42 }, "sequence 42")

	h.ft.failures <- errors.New("connection reset")
	testutil.RequireClosed(t, h.runDone, 5*time.Second, "event loop exit")

	// Reconnect: fresh manager, same terminal.
	manager, ft, cipher := newTestManager(t)
	openSent(t, ft, cipher)
	h.terminal.Rebind(manager)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.terminal.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.terminal.Attach(context.Background(), "work-main1")
	}()
	env := openSent(t, ft, cipher)
	attach, _ := decodePayload[AttachCommand](env)
	if attach.FromSequence != 42 {
		t.Errorf("resumed from %d, want 42", attach.FromSequence)
	}

	sealInbound(t, ft, cipher, TypeAttached, AttachedEvent{SessionID: "work-main1", CurrentSeq: 42})
	if err := testutil.RequireReceive(t, errCh, 5*time.Second, "attach result"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
}

func TestNotAttachedErrorHealsLocalState(t *testing.T) {
	h := newTerminalHarness(t)
	h.attach("work-main1", 0)

	sealInbound(t, h.ft, h.cipher, TypeError, ErrorEvent{
		SessionID: "work-main1",
		Code:      CodeNotAttached,
	})

	state := h.waitState(func(s State) bool { return !s.Attached }, "self-heal")
	if state.Err == nil || state.Err.Code != CodeNotAttached {
		t.Errorf("state error %v, want %s", state.Err, CodeNotAttached)
	}

	// Input now fails fast without touching the wire.
	err := h.terminal.SendInput(context.Background(), []byte("ls\n"))
	var terminalErr *TerminalError
	if !errors.As(err, &terminalErr) || terminalErr.Code != CodeNotAttached {
		t.Fatalf("SendInput = %v, want %s", err, CodeNotAttached)
	}
	testutil.RequireNoReceive(t, h.ft.sent, 100*time.Millisecond, "no input command")
}

func TestSendInputSizeCap(t *testing.T) {
	h := newTerminalHarness(t)
	h.attach("work-main1", 0)

	if err := h.terminal.SendInput(context.Background(), make([]byte, MaxInputSize)); err != nil {
		t.Fatalf("a payload at the cap should pass: %v", err)
	}
	env := openSent(t, h.ft, h.cipher)
	if env.Type != TypeInput {
		t.Fatalf("sent %q, want %q", env.Type, TypeInput)
	}

	err := h.terminal.SendInput(context.Background(), make([]byte, MaxInputSize+1))
	var terminalErr *TerminalError
	if !errors.As(err, &terminalErr) || terminalErr.Code != CodeInputTooLarge {
		t.Fatalf("got %v, want %s", err, CodeInputTooLarge)
	}
	testutil.RequireNoReceive(t, h.ft.sent, 100*time.Millisecond, "no oversized command")
}

func TestDetachResetsSessionState(t *testing.T) {
	h := newTerminalHarness(t)
	h.attach("work-main1", 0)
	h.deliverOutput("work-main1", 5, "x")
	h.waitState(func(s State) bool { return s.LastSequence == 5 }, "sequence 5")

	if err := h.terminal.Detach(context.Background()); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	env := openSent(t, h.ft, h.cipher)
	if env.Type != TypeDetach {
		t.Fatalf("sent %q, want %q", env.Type, TypeDetach)
	}

	state := h.terminal.State()
	if state.Attached || state.SessionID != "" || state.LastSequence != 0 {
		t.Errorf("explicit detach must clear resume state: %+v", state)
	}
}

func TestDaemonDetachUserRequestIsSilent(t *testing.T) {
	h := newTerminalHarness(t)
	h.attach("work-main1", 0)

	sealInbound(t, h.ft, h.cipher, TypeDetached, DetachedEvent{
		SessionID: "work-main1",
		Reason:    DetachReasonUserRequest,
	})

	state := h.waitState(func(s State) bool { return !s.Attached }, "detach applied")
	if state.Err != nil {
		t.Errorf("a user-requested detach must stay silent, got %v", state.Err)
	}
}

func TestDaemonDetachWithReasonSurfacesError(t *testing.T) {
	h := newTerminalHarness(t)
	h.attach("work-main1", 0)

	sealInbound(t, h.ft, h.cipher, TypeDetached, DetachedEvent{
		SessionID: "work-main1",
		Reason:    "daemon_shutdown",
	})

	state := h.waitState(func(s State) bool { return !s.Attached }, "detach applied")
	if state.Err == nil {
		t.Error("an unrequested detach should surface an error")
	}
}

func TestOutputSkippedAccumulatesUntilDismissed(t *testing.T) {
	h := newTerminalHarness(t)
	h.attach("work-main1", 0)

	sealInbound(t, h.ft, h.cipher, TypeSkipped, SkippedEvent{SessionID: "work-main1", Bytes: 100})
	sealInbound(t, h.ft, h.cipher, TypeSkipped, SkippedEvent{SessionID: "work-main1", Bytes: 50})

	state := h.waitState(func(s State) bool { return s.OutputSkipped == 150 }, "skip total")
	if state.OutputSkipped != 150 {
		t.Errorf("OutputSkipped = %d, want 150", state.OutputSkipped)
	}

	h.terminal.DismissSkipNotice()
	if got := h.terminal.State().OutputSkipped; got != 0 {
		t.Errorf("OutputSkipped after dismiss = %d, want 0", got)
	}
}

func TestResizeRequiresAttachment(t *testing.T) {
	h := newTerminalHarness(t)

	err := h.terminal.Resize(context.Background(), 120, 40)
	var terminalErr *TerminalError
	if !errors.As(err, &terminalErr) || terminalErr.Code != CodeNotAttached {
		t.Fatalf("got %v, want %s", err, CodeNotAttached)
	}

	h.attach("work-main1", 0)
	if err := h.terminal.Resize(context.Background(), 120, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	env := openSent(t, h.ft, h.cipher)
	if env.Type != TypeResize {
		t.Fatalf("sent %q, want %q", env.Type, TypeResize)
	}
	resize, _ := decodePayload[ResizeCommand](env)
	if resize.Cols != 120 || resize.Rows != 40 {
		t.Errorf("resize command %+v", resize)
	}
}
