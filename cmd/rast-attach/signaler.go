// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/rastsh/rast-go/lib/codec"
	"github.com/rastsh/rast-go/transport"
)

// httpSignaler talks to the signaling service over HTTPS with
// CBOR-encoded bodies. Requests carry the device id and an HMAC of the
// body under the pairing token so the service can reject spoofed
// devices without holding session state.
type httpSignaler struct {
	baseURL  string
	deviceID string
	token    [transport.TokenSize]byte
	client   *http.Client
}

func newHTTPSignaler(baseURL, deviceID string, token [transport.TokenSize]byte) *httpSignaler {
	return &httpSignaler{
		baseURL:  strings.TrimRight(baseURL, "/"),
		deviceID: deviceID,
		token:    token,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// capabilitiesResponse is the service's wire shape for a capability
// exchange.
type capabilitiesResponse struct {
	MeshAddr        string `cbor:"mesh_addr,omitempty"`
	MeshPort        int    `cbor:"mesh_port,omitempty"`
	SupportsWebRTC  bool   `cbor:"webrtc"`
	SupportsTURN    bool   `cbor:"turn"`
	ProtocolVersion int    `cbor:"v"`
}

type offerRequest struct {
	SDP string `cbor:"sdp"`
}

type offerResponse struct {
	SDP string `cbor:"sdp"`
}

func (s *httpSignaler) ExchangeCapabilities(ctx context.Context, connCtx transport.ConnectionContext) (transport.Capabilities, error) {
	var resp capabilitiesResponse
	if err := s.post(ctx, "/v1/capabilities", struct {
		DeviceID string `cbor:"did"`
	}{DeviceID: connCtx.DeviceID}, &resp); err != nil {
		return transport.Capabilities{}, err
	}

	caps := transport.Capabilities{
		MeshPort:        resp.MeshPort,
		SupportsWebRTC:  resp.SupportsWebRTC,
		SupportsTURN:    resp.SupportsTURN,
		ProtocolVersion: resp.ProtocolVersion,
	}
	if resp.MeshAddr != "" {
		addr, err := netip.ParseAddr(resp.MeshAddr)
		if err != nil {
			return transport.Capabilities{}, fmt.Errorf("parsing advertised mesh address: %w", err)
		}
		caps.MeshAddr = addr
	}
	return caps, nil
}

func (s *httpSignaler) SendOffer(ctx context.Context, sdp string) (string, error) {
	var resp offerResponse
	if err := s.post(ctx, "/v1/offer", offerRequest{SDP: sdp}, &resp); err != nil {
		return "", err
	}
	if resp.SDP == "" {
		return "", transport.ErrNoAnswer
	}
	return resp.SDP, nil
}

func (s *httpSignaler) post(ctx context.Context, path string, payload, result any) error {
	body, err := codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding signaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/cbor")
	req.Header.Set("X-Rast-Device", s.deviceID)
	mac := hmac.New(sha256.New, s.token[:])
	mac.Write(body)
	req.Header.Set("X-Rast-Signature", hex.EncodeToString(mac.Sum(nil)))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("signaling request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signaling request %s: status %d", path, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading signaling response: %w", err)
	}
	if err := codec.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decoding signaling response: %w", err)
	}
	return nil
}

// localInterfaceAddrs lists the unicast addresses of all up, non-loopback
// interfaces.
func localInterfaceAddrs() ([]netip.Addr, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []netip.Addr
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			out = append(out, addr.Unmap())
		}
	}
	return out, nil
}
