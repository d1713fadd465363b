// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/rastsh/rast-go/lib/clock"
)

// MaxInputSize caps one input command's payload.
const MaxInputSize = 64 * 1024

// defaultAttachTimeout bounds the wait for the daemon's attach
// response.
const defaultAttachTimeout = 10 * time.Second

// sessionIDPattern is the fixed shape of a session id: 8 to 64
// characters, alphanumeric plus dash and underscore, starting with an
// alphanumeric. Anything else — path traversal attempts included — is
// rejected before a command is sent.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{7,63}$`)

// State is the terminal protocol's observable state. Snapshot copies
// are returned by Terminal.State; the Terminal itself is the single
// owner of the live value.
type State struct {
	SessionID string
	Attached  bool
	Attaching bool

	Cols int
	Rows int

	BufferStartSeq uint64

	// LastSequence is monotonic non-decreasing across Output and
	// Snapshot events, advanced with max() so out-of-order delivery
	// never regresses it. Preserved across a transport drop so
	// re-attach can resume from here.
	LastSequence uint64

	RawMode bool

	// OutputSkipped accumulates bytes the daemon dropped under
	// backpressure, surfaced until DismissSkipNotice.
	OutputSkipped uint64

	// Err is the last session-level error, nil when none.
	Err *TerminalError
}

// pendingAttach is the single-slot record correlating an attach
// command with its response. Completed by the event loop, cancelled by
// timeout or context cancellation.
type pendingAttach struct {
	sessionID string
	done      chan attachOutcome // buffered, capacity 1
}

type attachOutcome struct {
	err error
}

// Terminal is the client half of the terminal session protocol,
// driven by the Manager's event stream. Exactly one attach is in
// flight at a time, serialized by an internal mutex; the event loop
// (Run) is the only mutator of State apart from the serialized
// attach/detach entry points.
type Terminal struct {
	manager *Manager
	output  io.Writer
	clock   clock.Clock
	logger  *slog.Logger

	attachTimeout time.Duration

	// attachMu serializes Attach and Detach so concurrent attach
	// calls never race.
	attachMu sync.Mutex

	// mu guards state and pending.
	mu      sync.Mutex
	state   State
	pending *pendingAttach
}

// TerminalOption configures a Terminal.
type TerminalOption func(*Terminal)

// WithAttachTimeout overrides the attach response timeout.
func WithAttachTimeout(d time.Duration) TerminalOption {
	return func(t *Terminal) { t.attachTimeout = d }
}

// WithTerminalClock injects the time source.
func WithTerminalClock(c clock.Clock) TerminalOption {
	return func(t *Terminal) { t.clock = c }
}

// WithTerminalLogger sets the terminal's logger.
func WithTerminalLogger(logger *slog.Logger) TerminalOption {
	return func(t *Terminal) { t.logger = logger }
}

// NewTerminal creates the protocol driver. Terminal output bytes are
// written to output as they arrive. Call Run to start consuming
// events.
func NewTerminal(manager *Manager, output io.Writer, opts ...TerminalOption) *Terminal {
	t := &Terminal{
		manager:       manager,
		output:        output,
		clock:         clock.Real(),
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		attachTimeout: defaultAttachTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run consumes the manager's event stream until the stream ends or ctx
// is cancelled. A stream that ends because the transport dropped (no
// Detached event seen) is treated as "detached but not erroneous":
// attachment flags clear, any pending attach resolves, but SessionID
// and LastSequence survive so the caller can re-attach with resumption
// once connectivity returns — and no error is recorded.
func (t *Terminal) Run(ctx context.Context) {
	for {
		select {
		case env, ok := <-t.manager.Events():
			if !ok {
				select {
				case <-t.manager.Dropped():
					t.handleDisconnect()
				default:
				}
				return
			}
			t.handleEvent(env)
		case <-ctx.Done():
			t.failPending(&TerminalError{Code: CodeAttachFailed, Message: "attach cancelled"})
			return
		}
	}
}

// Attach attaches to sessionID, resuming from the last known sequence
// when re-attaching to the same session. Attaching to the session that
// is already attached (or attaching) is a no-op; attaching to a
// different session while attached first detaches the old one. Blocks
// until the daemon responds, the timeout fires (ATTACH_TIMEOUT), or
// ctx is cancelled.
func (t *Terminal) Attach(ctx context.Context, sessionID string) error {
	if !sessionIDPattern.MatchString(sessionID) {
		return terminalError(CodeInvalidSession)
	}

	t.attachMu.Lock()
	defer t.attachMu.Unlock()

	t.mu.Lock()
	if (t.state.Attached || t.state.Attaching) && t.state.SessionID == sessionID {
		t.mu.Unlock()
		return nil
	}
	previousID := ""
	if t.state.Attached && t.state.SessionID != sessionID {
		previousID = t.state.SessionID
	}
	t.mu.Unlock()

	if previousID != "" {
		if err := t.manager.Send(ctx, TypeDetach, DetachCommand{SessionID: previousID}); err != nil {
			return fmt.Errorf("detaching %s: %w", previousID, err)
		}
		t.mu.Lock()
		t.state.Attached = false
		t.state.SessionID = ""
		t.state.LastSequence = 0
		t.state.BufferStartSeq = 0
		t.mu.Unlock()
	}

	t.mu.Lock()
	fromSequence := uint64(0)
	if t.state.SessionID == sessionID {
		// Resuming the session preserved across a drop or detach
		// event: pick up where output left off.
		fromSequence = t.state.LastSequence
	} else {
		t.state.LastSequence = 0
		t.state.BufferStartSeq = 0
	}
	t.state.SessionID = sessionID
	t.state.Attaching = true
	t.state.Err = nil
	pending := &pendingAttach{sessionID: sessionID, done: make(chan attachOutcome, 1)}
	t.pending = pending
	t.mu.Unlock()

	if err := t.manager.Send(ctx, TypeAttach, AttachCommand{SessionID: sessionID, FromSequence: fromSequence}); err != nil {
		t.clearPending(pending)
		return fmt.Errorf("sending attach: %w", err)
	}

	select {
	case outcome := <-pending.done:
		return outcome.err
	case <-t.clock.After(t.attachTimeout):
		t.clearPending(pending)
		return terminalError(CodeAttachTimeout)
	case <-ctx.Done():
		t.clearPending(pending)
		return ctx.Err()
	}
}

// Detach detaches from the current session and resets session state.
// A no-op when nothing is attached.
func (t *Terminal) Detach(ctx context.Context) error {
	t.attachMu.Lock()
	defer t.attachMu.Unlock()

	t.mu.Lock()
	if !t.state.Attached && !t.state.Attaching {
		t.mu.Unlock()
		return nil
	}
	sessionID := t.state.SessionID
	t.mu.Unlock()

	if err := t.manager.Send(ctx, TypeDetach, DetachCommand{SessionID: sessionID}); err != nil {
		return fmt.Errorf("sending detach: %w", err)
	}
	t.Reset()
	return nil
}

// SendInput sends terminal input. Calling this while not attached is a
// programming error and fails fast with NOT_ATTACHED; oversized input
// is rejected before anything hits the wire.
func (t *Terminal) SendInput(ctx context.Context, data []byte) error {
	if len(data) > MaxInputSize {
		return terminalError(CodeInputTooLarge)
	}

	t.mu.Lock()
	if !t.state.Attached {
		t.mu.Unlock()
		return terminalError(CodeNotAttached)
	}
	sessionID := t.state.SessionID
	t.mu.Unlock()

	return t.manager.Send(ctx, TypeInput, InputCommand{SessionID: sessionID, Data: data})
}

// Resize propagates the local window size to the daemon.
func (t *Terminal) Resize(ctx context.Context, cols, rows int) error {
	t.mu.Lock()
	if !t.state.Attached {
		t.mu.Unlock()
		return terminalError(CodeNotAttached)
	}
	sessionID := t.state.SessionID
	t.mu.Unlock()

	return t.manager.Send(ctx, TypeResize, ResizeCommand{SessionID: sessionID, Cols: cols, Rows: rows})
}

// State returns a snapshot of the terminal state.
func (t *Terminal) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetRawMode records whether the local terminal is in raw mode.
func (t *Terminal) SetRawMode(raw bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.RawMode = raw
}

// DismissSkipNotice clears the output-skipped notification.
func (t *Terminal) DismissSkipNotice() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.OutputSkipped = 0
}

// Reset clears all session state, including the preserved session id
// and sequence. The explicit counterpart to the implicit preservation
// on transport drops.
func (t *Terminal) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = State{RawMode: t.state.RawMode}
	t.pending = nil
}

// Rebind points the terminal at a freshly established manager after a
// transport drop, then requires a new Run call. Only legal while
// detached; the preserved session id and sequence make the next Attach
// resume where output stopped.
func (t *Terminal) Rebind(manager *Manager) {
	t.attachMu.Lock()
	defer t.attachMu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.manager = manager
}

// handleEvent dispatches one decoded envelope. Runs on the Run
// goroutine only.
func (t *Terminal) handleEvent(env Envelope) {
	switch env.Type {
	case TypeAttached:
		t.handleAttached(env)
	case TypeOutput:
		ev, err := decodePayload[OutputEvent](env)
		if err != nil {
			t.logger.Warn("bad output event", "error", err)
			return
		}
		t.handleOutput(ev.SessionID, ev.Seq, ev.Data)
	case TypeSnapshot:
		ev, err := decodePayload[SnapshotEvent](env)
		if err != nil {
			t.logger.Warn("bad snapshot event", "error", err)
			return
		}
		t.handleOutput(ev.SessionID, ev.Seq, ev.Data)
	case TypeDetached:
		t.handleDetached(env)
	case TypeError:
		t.handleError(env)
	case TypeSkipped:
		t.handleSkipped(env)
	case TypePong:
		// Keepalive response; nothing to do.
	default:
		t.logger.Debug("ignoring unexpected envelope", "type", string(env.Type))
	}
}

func (t *Terminal) handleAttached(env Envelope) {
	ev, err := decodePayload[AttachedEvent](env)
	if err != nil {
		t.logger.Warn("bad attached event", "error", err)
		return
	}

	t.mu.Lock()
	pending := t.pending
	if pending == nil || pending.sessionID != ev.SessionID {
		// Unsolicited or late response for a session we are no longer
		// attaching to.
		t.mu.Unlock()
		return
	}
	t.pending = nil
	t.state.Attached = true
	t.state.Attaching = false
	t.state.SessionID = ev.SessionID
	t.state.Cols = ev.Cols
	t.state.Rows = ev.Rows
	t.state.BufferStartSeq = ev.BufferStartSeq
	if ev.CurrentSeq > t.state.LastSequence {
		t.state.LastSequence = ev.CurrentSeq
	}
	t.state.Err = nil
	t.mu.Unlock()

	pending.done <- attachOutcome{}
}

// handleOutput advances the sequence high-water mark and appends the
// bytes to the output stream. Events for a different session id are
// dropped.
func (t *Terminal) handleOutput(sessionID string, seq uint64, data []byte) {
	t.mu.Lock()
	if sessionID != t.state.SessionID {
		t.mu.Unlock()
		return
	}
	if seq > t.state.LastSequence {
		t.state.LastSequence = seq
	}
	output := t.output
	t.mu.Unlock()

	if output != nil && len(data) > 0 {
		if _, err := output.Write(data); err != nil {
			t.logger.Warn("writing terminal output failed", "error", err)
		}
	}
}

func (t *Terminal) handleDetached(env Envelope) {
	ev, err := decodePayload[DetachedEvent](env)
	if err != nil {
		t.logger.Warn("bad detached event", "error", err)
		return
	}

	t.mu.Lock()
	if ev.SessionID != t.state.SessionID {
		t.mu.Unlock()
		return
	}
	pending := t.pending
	t.pending = nil
	t.state.Attached = false
	t.state.Attaching = false
	var detachErr *TerminalError
	if ev.Reason != DetachReasonUserRequest {
		detachErr = &TerminalError{
			Code:    CodeAttachFailed,
			Message: fmt.Sprintf("daemon detached: %s", ev.Reason),
		}
		if pending == nil {
			t.state.Err = detachErr
		}
	}
	t.mu.Unlock()

	if pending != nil {
		outcome := attachOutcome{}
		if detachErr != nil {
			outcome.err = detachErr
		} else {
			outcome.err = &TerminalError{Code: CodeAttachFailed, Message: "daemon detached during attach"}
		}
		pending.done <- outcome
	}
}

func (t *Terminal) handleError(env Envelope) {
	ev, err := decodePayload[ErrorEvent](env)
	if err != nil {
		t.logger.Warn("bad error event", "error", err)
		return
	}
	message := ev.Message
	if message == "" {
		message = ev.Code.Message()
	}
	terminalErr := &TerminalError{Code: ev.Code, Message: message}

	t.mu.Lock()
	pending := t.pending
	if pending != nil && (ev.SessionID == "" || ev.SessionID == pending.sessionID) {
		// The daemon rejected the in-flight attach: resolve the
		// pending operation with the error instead of recording it in
		// state — the caller receives it directly.
		t.pending = nil
		t.state.Attaching = false
		t.mu.Unlock()
		pending.done <- attachOutcome{err: terminalErr}
		return
	}
	if ev.Code == CodeNotAttached {
		// The daemon says we are not attached; correct stale local
		// state.
		t.state.Attached = false
	}
	t.state.Err = terminalErr
	t.mu.Unlock()
}

func (t *Terminal) handleSkipped(env Envelope) {
	ev, err := decodePayload[SkippedEvent](env)
	if err != nil {
		t.logger.Warn("bad output-skipped event", "error", err)
		return
	}
	if ev.Bytes == 0 {
		return
	}
	t.mu.Lock()
	if ev.SessionID == t.state.SessionID {
		t.state.OutputSkipped += ev.Bytes
	}
	t.mu.Unlock()
}

// handleDisconnect applies the transport-drop rule: clear attachment
// flags and resolve any pending attach, but keep SessionID and
// LastSequence for resumption and record no error.
func (t *Terminal) handleDisconnect() {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.state.Attached = false
	t.state.Attaching = false
	t.mu.Unlock()

	if pending != nil {
		pending.done <- attachOutcome{err: &TerminalError{
			Code:    CodeAttachFailed,
			Message: "connection lost during attach",
		}}
	}
}

// failPending resolves the pending attach with err, if one exists.
func (t *Terminal) failPending(err *TerminalError) {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	if pending != nil {
		t.state.Attaching = false
	}
	t.mu.Unlock()

	if pending != nil {
		pending.done <- attachOutcome{err: err}
	}
}

// clearPending removes a specific pending record (timeout, send
// failure, cancellation), resetting the attaching flag only when the
// record is still current.
func (t *Terminal) clearPending(p *pendingAttach) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == p {
		t.pending = nil
		t.state.Attaching = false
	}
}
