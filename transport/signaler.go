// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net/netip"
	"sync"
)

// Capabilities is the daemon metadata returned by a capability
// exchange: the daemon's advertised mesh endpoint, WebRTC/relay
// support, and protocol version.
type Capabilities struct {
	// MeshAddr is the daemon's mesh-VPN address, or the zero Addr when
	// the daemon is not on the mesh.
	MeshAddr netip.Addr

	// MeshPort is the daemon's mesh listening port; 0 means
	// DefaultMeshPort.
	MeshPort int

	SupportsWebRTC bool
	SupportsTURN   bool

	ProtocolVersion int
}

// Signaler is the signaling-service collaborator. Both operations are
// best-effort from the orchestrator's point of view: a failed exchange
// degrades to cached hints, and a failed offer fails only the WebRTC
// strategy.
type Signaler interface {
	// ExchangeCapabilities asks the signaling service for the daemon's
	// current capabilities.
	ExchangeCapabilities(ctx context.Context, connCtx ConnectionContext) (Capabilities, error)

	// SendOffer delivers an SDP offer to the daemon and returns its
	// answer. An error (or empty answer) means signaling could not
	// complete the round-trip.
	SendOffer(ctx context.Context, sdp string) (string, error)
}

// ErrNoAnswer is returned by Signaler implementations when the daemon
// produced no SDP answer.
var ErrNoAnswer = errors.New("no SDP answer from daemon")

// MemorySignaler is an in-process Signaler for tests. Configure the
// capability and answer fields; recorded calls are available through
// the counters.
type MemorySignaler struct {
	mu sync.Mutex

	// Caps is returned from ExchangeCapabilities when CapsErr is nil.
	Caps    Capabilities
	CapsErr error

	// Answer is returned from SendOffer when AnswerErr is nil.
	Answer    string
	AnswerErr error

	// AnswerFunc, when set, computes the answer from the offer and
	// takes precedence over Answer/AnswerErr.
	AnswerFunc func(sdp string) (string, error)

	ExchangeCalls int
	Offers        []string
}

func (s *MemorySignaler) ExchangeCapabilities(ctx context.Context, _ ConnectionContext) (Capabilities, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExchangeCalls++
	if s.CapsErr != nil {
		return Capabilities{}, s.CapsErr
	}
	return s.Caps, nil
}

func (s *MemorySignaler) SendOffer(ctx context.Context, sdp string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Offers = append(s.Offers, sdp)
	if s.AnswerFunc != nil {
		return s.AnswerFunc(sdp)
	}
	if s.AnswerErr != nil {
		return "", s.AnswerErr
	}
	if s.Answer == "" {
		return "", ErrNoAnswer
	}
	return s.Answer, nil
}
