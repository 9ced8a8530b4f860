package model

import (
	"net/netip"
	"time"
)

// DefaultFlowTTL is how long a detected flow keeps its client pinned to
// the VIP agent when no refresh arrives.
const DefaultFlowTTL = 30 * time.Second

// FlowSpec is the match registered with the master for flow detection.
// Empty strings and zero ports act as wildcards.
type FlowSpec struct {
	SrcIP    string
	DstIP    string
	Protocol int
	SrcPort  int
	DstPort  int
}

// Matches reports whether a concrete flow satisfies the spec.
func (s FlowSpec) Matches(f Flow) bool {
	if s.SrcIP != "" && s.SrcIP != "*" && s.SrcIP != f.Src.String() {
		return false
	}
	if s.DstIP != "" && s.DstIP != "*" && s.DstIP != f.Dst.String() {
		return false
	}
	if s.Protocol != 0 && s.Protocol != f.Protocol {
		return false
	}
	if s.SrcPort != 0 && s.SrcPort != f.SrcPort {
		return false
	}
	if s.DstPort != 0 && s.DstPort != f.DstPort {
		return false
	}
	return true
}

// Flow is a traffic flow reported by an agent.
type Flow struct {
	Src      netip.Addr
	Dst      netip.Addr
	Protocol int
	SrcPort  int
	DstPort  int
	Agent    netip.Addr
}

// DetectedFlow is the selector's record of a flow that pulled a client
// onto the VIP agent. Fallback is where the client returns on expiry.
type DetectedFlow struct {
	Flow
	Fallback   netip.Addr
	DetectedAt time.Time
}

// Expired reports whether the record is older than ttl at now.
func (d DetectedFlow) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(d.DetectedAt) > ttl
}
