// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// iceGatherTimeout is the maximum wait for ICE candidate gathering to
// complete before the offer is published (vanilla ICE: all candidates
// embedded in the SDP, one signaling round-trip).
const iceGatherTimeout = 10 * time.Second

// dataChannelOpenTimeout is the maximum wait for the data channel to
// become ready after the answer is applied.
const dataChannelOpenTimeout = 15 * time.Second

// webrtcAuthTimeout bounds the auth exchange over the opened channel.
const webrtcAuthTimeout = 5 * time.Second

// terminalChannelLabel is the single data channel carrying the
// session. One logical terminal session per attach — no multiplexing.
const terminalChannelLabel = "terminal"

// ICEConfig holds the STUN/TURN servers offered to pion during
// candidate gathering. An empty config gathers host candidates only,
// which is sufficient on the same LAN or mesh.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// WebRTCStrategy negotiates a peer-to-peer data channel through the
// signaling service, with ICE NAT traversal. The most expensive
// family, tried last.
type WebRTCStrategy struct {
	ice    ICEConfig
	logger *slog.Logger
}

// NewWebRTCStrategy creates the WebRTC strategy with the given ICE
// server configuration.
func NewWebRTCStrategy(ice ICEConfig, logger *slog.Logger) *WebRTCStrategy {
	return &WebRTCStrategy{ice: ice, logger: logger}
}

func (s *WebRTCStrategy) Name() string  { return "webrtc" }
func (s *WebRTCStrategy) Priority() int { return 30 }

// Detect requires only a signaling channel; the real work happens in
// Connect.
func (s *WebRTCStrategy) Detect(_ context.Context, connCtx ConnectionContext) Detection {
	if connCtx.Signaler == nil {
		return Unavailable("no signaling channel configured")
	}
	return Available("")
}

// Connect runs offer → signaling → answer → channel-ready. Every
// failure path closes the PeerConnection before returning: a failed
// attempt leaves no dangling ICE agents or sockets.
func (s *WebRTCStrategy) Connect(ctx context.Context, connCtx ConnectionContext, progress ProgressFunc) (Transport, error) {
	progress.emit(Progress{Stage: StageConnecting, Strategy: s.Name()})

	pc, err := s.newPeerConnection()
	if err != nil {
		return nil, permanentError(s.Name(), fmt.Errorf("creating PeerConnection: %w", err))
	}
	fail := func(err error) (Transport, error) {
		pc.Close()
		return nil, permanentError(s.Name(), err)
	}

	ordered := true
	channel, err := pc.CreateDataChannel(terminalChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fail(fmt.Errorf("creating data channel: %w", err))
	}
	opened := make(chan struct{})
	channel.OnOpen(func() { close(opened) })

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("creating SDP offer: %w", err))
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(fmt.Errorf("setting local description: %w", err))
	}
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return fail(fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout))
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	answer, err := connCtx.Signaler.SendOffer(ctx, pc.LocalDescription().SDP)
	if err != nil {
		return fail(fmt.Errorf("signaling offer: %w", err))
	}
	if answer == "" {
		return fail(ErrNoAnswer)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return fail(fmt.Errorf("setting remote description: %w", err))
	}

	select {
	case <-opened:
	case <-time.After(dataChannelOpenTimeout):
		return fail(fmt.Errorf("data channel did not open within %s", dataChannelOpenTimeout))
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	stream, err := channel.Detach()
	if err != nil {
		return fail(fmt.Errorf("detaching data channel: %w", err))
	}

	path := s.inspectPath(pc)

	progress.emit(Progress{Stage: StageAuthenticating, Strategy: s.Name()})
	if err := authenticateStream(stream, connCtx); err != nil {
		pc.Close()
		return nil, permanentError(s.Name(), err)
	}
	progress.emit(Progress{Stage: StageAuthenticated, Strategy: s.Name()})

	s.logger.Info("webrtc connection established", "path", path.Type.String())
	return &webrtcTransport{stream: stream, pc: pc, path: path}, nil
}

// newPeerConnection builds a pion PeerConnection with detachable data
// channels (stream-oriented access) and loopback candidates enabled
// for same-machine use.
func (s *WebRTCStrategy) newPeerConnection() (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: s.ice.Servers})
}

// inspectPath classifies the selected ICE candidate pair. Returns the
// zero-value path (classified WEBRTC_DIRECT) when pion cannot report
// the pair; classification is diagnostics, not correctness.
func (s *WebRTCStrategy) inspectPath(pc *webrtc.PeerConnection) ConnectionPath {
	sctp := pc.SCTP()
	if sctp == nil || sctp.Transport() == nil || sctp.Transport().ICETransport() == nil {
		return Classify(CandidateInfo{}, CandidateInfo{})
	}
	pair, err := sctp.Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || pair == nil {
		s.logger.Debug("selected candidate pair unavailable", "error", err)
		return Classify(CandidateInfo{}, CandidateInfo{})
	}
	local := CandidateInfo{}
	remote := CandidateInfo{}
	if pair.Local != nil {
		local = candidateInfoFromICE(*pair.Local)
	}
	if pair.Remote != nil {
		remote = candidateInfoFromICE(*pair.Remote)
	}
	return Classify(local, remote)
}

// authenticateStream sends the auth frame over a stream-oriented
// channel and reads the single-byte verdict. The frame is
// self-delimiting, so no outer length prefix is needed.
func authenticateStream(stream io.ReadWriteCloser, connCtx ConnectionContext) error {
	frame := EncodeAuthFrame(connCtx.DeviceID, connCtx.AuthToken)
	if _, err := stream.Write(frame); err != nil {
		return fmt.Errorf("sending auth frame: %w", err)
	}

	verdict := make(chan error, 1)
	go func() {
		var response [1]byte
		if _, err := io.ReadFull(stream, response[:]); err != nil {
			verdict <- fmt.Errorf("reading auth response: %w", err)
			return
		}
		if response[0] != authAccepted {
			verdict <- errors.New("daemon rejected authentication")
			return
		}
		verdict <- nil
	}()

	select {
	case err := <-verdict:
		return err
	case <-time.After(webrtcAuthTimeout):
		return fmt.Errorf("authentication timed out after %s", webrtcAuthTimeout)
	}
}

// webrtcTransport is the established peer-to-peer channel: the
// detached data channel stream with the shared length-prefix framing
// on top.
type webrtcTransport struct {
	stream io.ReadWriteCloser
	pc     *webrtc.PeerConnection
	path   ConnectionPath

	writeMu   sync.Mutex
	readMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (t *webrtcTransport) Name() string { return "webrtc" }

// Path reports the negotiated physical route.
func (t *webrtcTransport) Path() ConnectionPath { return t.path }

func (t *webrtcTransport) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := WriteFrame(t.stream, payload); err != nil {
		return fmt.Errorf("webrtc send: %w", err)
	}
	return nil
}

func (t *webrtcTransport) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.readMu.Lock()
	defer t.readMu.Unlock()
	payload, err := ReadFrame(t.stream)
	if err != nil {
		var protoErr *ProtocolError
		if errors.As(err, &protoErr) {
			return nil, err
		}
		return nil, fmt.Errorf("webrtc receive: %w", err)
	}
	return payload, nil
}

func (t *webrtcTransport) Close() error {
	t.closeOnce.Do(func() {
		t.stream.Close()
		t.closeErr = t.pc.Close()
	})
	return t.closeErr
}
