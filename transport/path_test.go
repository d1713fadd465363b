// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"net/netip"
	"testing"
)

func candidate(kind CandidateKind, addr string) CandidateInfo {
	return CandidateInfo{Kind: kind, Addr: netip.MustParseAddr(addr), Port: 40000}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		local  CandidateInfo
		remote CandidateInfo
		want   PathType
	}{
		{
			name:   "same private v4 subnet host pair",
			local:  candidate(KindHost, "192.168.1.5"),
			remote: candidate(KindHost, "192.168.1.20"),
			want:   PathLANDirect,
		},
		{
			name:   "different private v4 subnets",
			local:  candidate(KindHost, "192.168.1.5"),
			remote: candidate(KindHost, "192.168.2.20"),
			want:   PathWebRTCDirect,
		},
		{
			name:   "same v6 /64 host pair",
			local:  candidate(KindHost, "fd00:dead:beef:1::5"),
			remote: candidate(KindHost, "fd00:dead:beef:1::20"),
			want:   PathLANDirect,
		},
		{
			name:   "different v6 /64 prefixes",
			local:  candidate(KindHost, "fd00:dead:beef:1::5"),
			remote: candidate(KindHost, "fd00:dead:beef:2::20"),
			want:   PathWebRTCDirect,
		},
		{
			name:   "mixed v4 and v6 host pair never LAN",
			local:  candidate(KindHost, "192.168.1.5"),
			remote: candidate(KindHost, "fd00:dead:beef:1::20"),
			want:   PathWebRTCDirect,
		},
		{
			name:   "remote in mesh range",
			local:  candidate(KindHost, "192.168.1.5"),
			remote: candidate(KindHost, "100.64.3.7"),
			want:   PathTailscale,
		},
		{
			name:   "local in mesh range",
			local:  candidate(KindHost, "100.100.1.2"),
			remote: candidate(KindHost, "203.0.113.5"),
			want:   PathTailscale,
		},
		{
			name:   "relay beats mesh range",
			local:  candidate(KindRelay, "100.64.3.7"),
			remote: candidate(KindHost, "100.64.9.9"),
			want:   PathRelay,
		},
		{
			name:   "remote relay beats same subnet",
			local:  candidate(KindHost, "192.168.1.5"),
			remote: candidate(KindRelay, "192.168.1.20"),
			want:   PathRelay,
		},
		{
			name:   "server reflexive pair",
			local:  candidate(KindServerReflexive, "203.0.113.5"),
			remote: candidate(KindServerReflexive, "198.51.100.9"),
			want:   PathWebRTCDirect,
		},
		{
			name:   "public host pair is not LAN",
			local:  candidate(KindHost, "203.0.113.5"),
			remote: candidate(KindHost, "203.0.113.6"),
			want:   PathWebRTCDirect,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := Classify(tt.local, tt.remote)
			if path.Type != tt.want {
				t.Errorf("Classify() = %s, want %s", path.Type, tt.want)
			}
			if path.Local != tt.local || path.Remote != tt.remote {
				t.Errorf("Classify() did not preserve the candidate pair")
			}
		})
	}
}

func TestInMeshRange(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"100.64.0.0", true},
		{"100.64.0.1", true},
		{"100.100.50.3", true},
		{"100.127.255.255", true},
		{"100.128.0.0", false},
		{"100.63.255.255", false},
		{"10.0.0.1", false},
		{"192.168.1.1", false},
		{"fd7a:115c:a1e0::1", false},
	}
	for _, tt := range tests {
		if got := InMeshRange(netip.MustParseAddr(tt.addr)); got != tt.want {
			t.Errorf("InMeshRange(%s) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestShowLocalIPs(t *testing.T) {
	tests := []struct {
		path PathType
		want bool
	}{
		{PathLANDirect, true},
		{PathTailscale, true},
		{PathWebRTCDirect, false},
		{PathRelay, false},
	}
	for _, tt := range tests {
		if got := tt.path.ShowLocalIPs(); got != tt.want {
			t.Errorf("%s.ShowLocalIPs() = %v, want %v", tt.path, got, tt.want)
		}
	}
}
