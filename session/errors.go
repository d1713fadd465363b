// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

package session

// Code is a stable terminal error code shared with the daemon. Codes
// are wire-format strings; never rename one.
type Code string

const (
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeSessionKilling  Code = "SESSION_KILLING"
	CodeNotAttached     Code = "NOT_ATTACHED"
	CodeAlreadyAttached Code = "ALREADY_ATTACHED"
	CodeInvalidSequence Code = "INVALID_SEQUENCE"
	CodePipeError       Code = "PIPE_ERROR"
	CodePipeSetupFailed Code = "PIPE_SETUP_FAILED"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeInputTooLarge   Code = "INPUT_TOO_LARGE"
	CodeInvalidSession  Code = "INVALID_SESSION_ID"
	CodeAttachTimeout   Code = "ATTACH_TIMEOUT"
	CodeAttachFailed    Code = "ATTACH_FAILED"
)

// messages is the fixed human-readable mapping for each code.
var messages = map[Code]string{
	CodeSessionNotFound: "session not found",
	CodeSessionKilling:  "session is shutting down",
	CodeNotAttached:     "not attached to a session",
	CodeAlreadyAttached: "already attached to this session",
	CodeInvalidSequence: "requested sequence is no longer in the buffer",
	CodePipeError:       "terminal pipe error",
	CodePipeSetupFailed: "terminal pipe setup failed",
	CodeRateLimited:     "input rate limit exceeded",
	CodeInputTooLarge:   "input exceeds the maximum message size",
	CodeInvalidSession:  "malformed session id",
	CodeAttachTimeout:   "attach timed out",
	CodeAttachFailed:    "attach failed",
}

// Message returns the fixed human-readable text for the code.
func (c Code) Message() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return "unknown error"
}

// TerminalError is a session-level error with a stable code. It is the
// only error type that crosses the terminal protocol boundary to the
// caller, so callers can branch on Code without string matching.
type TerminalError struct {
	Code    Code
	Message string
}

func (e *TerminalError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// terminalError builds a TerminalError with the code's canonical
// message.
func terminalError(code Code) *TerminalError {
	return &TerminalError{Code: code, Message: code.Message()}
}
