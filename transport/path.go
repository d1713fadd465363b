// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"net/netip"

	"github.com/pion/webrtc/v4"
)

// PathType labels the physical route a negotiated connection took.
type PathType int

const (
	// PathLANDirect: both candidates are host candidates on the same
	// private subnet.
	PathLANDirect PathType = iota

	// PathWebRTCDirect: a direct host/server-reflexive path that is
	// not same-LAN (including host candidates on different subnets).
	PathWebRTCDirect

	// PathTailscale: either address sits in the mesh-VPN private
	// range.
	PathTailscale

	// PathRelay: either candidate is a relay candidate. Takes
	// precedence over every other signal.
	PathRelay
)

// String returns the stable label used in diagnostics.
func (p PathType) String() string {
	switch p {
	case PathLANDirect:
		return "lan_direct"
	case PathWebRTCDirect:
		return "webrtc_direct"
	case PathTailscale:
		return "tailscale"
	case PathRelay:
		return "relay"
	}
	return "unknown"
}

// ShowLocalIPs reports whether diagnostics may reveal local addressing
// for this path. Only the two trusted path types qualify.
func (p PathType) ShowLocalIPs() bool {
	return p == PathLANDirect || p == PathTailscale
}

// CandidateKind is the discovery method of an ICE candidate.
type CandidateKind int

const (
	KindHost CandidateKind = iota
	KindServerReflexive
	KindRelay
)

func (k CandidateKind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindServerReflexive:
		return "srflx"
	case KindRelay:
		return "relay"
	}
	return "unknown"
}

// CandidateInfo describes one negotiated ICE candidate.
type CandidateInfo struct {
	Kind CandidateKind
	Addr netip.Addr
	Port uint16
}

// IsHost reports whether this is a host candidate.
func (c CandidateInfo) IsHost() bool { return c.Kind == KindHost }

// ConnectionPath is the negotiated candidate pair plus its
// classification. Produced once per successful WebRTC connection, for
// diagnostics and for opportunistic mesh-endpoint caching.
type ConnectionPath struct {
	Local  CandidateInfo
	Remote CandidateInfo
	Type   PathType
}

// meshPrefix is the mesh VPN's private address block (the CGNAT range
// Tailscale assigns stable device addresses from).
var meshPrefix = netip.MustParsePrefix("100.64.0.0/10")

// InMeshRange reports whether addr falls in the mesh-VPN address
// block.
func InMeshRange(addr netip.Addr) bool {
	return addr.Is4() && meshPrefix.Contains(addr)
}

// Classify maps a negotiated candidate pair to its path type. Pure and
// deterministic: relay beats everything, then mesh addresses, then
// same-subnet host pairs, then any other direct combination.
func Classify(local, remote CandidateInfo) ConnectionPath {
	path := ConnectionPath{Local: local, Remote: remote}

	switch {
	case local.Kind == KindRelay || remote.Kind == KindRelay:
		path.Type = PathRelay
	case InMeshRange(local.Addr) || InMeshRange(remote.Addr):
		path.Type = PathTailscale
	case local.IsHost() && remote.IsHost() && samePrivateSubnet(local.Addr, remote.Addr):
		path.Type = PathLANDirect
	default:
		path.Type = PathWebRTCDirect
	}
	return path
}

// samePrivateSubnet reports whether both addresses are private and
// share a subnet: /24 for IPv4, /64 for IPv6.
func samePrivateSubnet(a, b netip.Addr) bool {
	if !a.IsPrivate() || !b.IsPrivate() {
		return false
	}
	bits := 64
	if a.Is4() {
		if !b.Is4() {
			return false
		}
		bits = 24
	} else if b.Is4() {
		return false
	}
	prefixA, err := a.Prefix(bits)
	if err != nil {
		return false
	}
	prefixB, err := b.Prefix(bits)
	if err != nil {
		return false
	}
	return prefixA == prefixB
}

// candidateInfoFromICE converts a pion ICE candidate into a
// CandidateInfo. Peer-reflexive candidates count as server-reflexive
// for classification: both indicate a direct but NAT-discovered path.
func candidateInfoFromICE(candidate webrtc.ICECandidate) CandidateInfo {
	info := CandidateInfo{Port: candidate.Port}
	if addr, err := netip.ParseAddr(candidate.Address); err == nil {
		info.Addr = addr.Unmap()
	}
	switch candidate.Typ {
	case webrtc.ICECandidateTypeHost:
		info.Kind = KindHost
	case webrtc.ICECandidateTypeRelay:
		info.Kind = KindRelay
	default:
		info.Kind = KindServerReflexive
	}
	return info
}
