package model

import (
	"encoding/json"
	"net/netip"
	"testing"
	"time"
)

func TestParseMACNormalises(t *testing.T) {
	got, err := ParseMAC(" AA-BB-CC-00-11-22 ")
	if err != nil {
		t.Fatalf("ParseMAC: %v", err)
	}
	if got != "aa:bb:cc:00:11:22" {
		t.Fatalf("ParseMAC = %q", got)
	}
	if _, err := ParseMAC("not-a-mac"); err == nil {
		t.Fatalf("expected error for invalid mac")
	}
}

func TestClientAssigned(t *testing.T) {
	cases := []struct {
		ip   netip.Addr
		want bool
	}{
		{netip.Addr{}, false},
		{netip.MustParseAddr("0.0.0.0"), false},
		{netip.MustParseAddr("192.168.1.20"), true},
	}
	for _, tc := range cases {
		c := Client{MAC: "aa:bb:cc:00:11:22", IP: tc.ip}
		if c.Assigned() != tc.want {
			t.Errorf("Assigned(%v) = %v, want %v", tc.ip, c.Assigned(), tc.want)
		}
	}
}

func TestRelocationEventAcceptsStringNumbers(t *testing.T) {
	raw := `{"192.168.1.9":{"origin":{"lat":"34.00000048","lon":"-117.3335693","alt":"251.702"},
	"destination":{"lat":34.0001,"lon":-117.3335,"alt":251.7},
	"reference":{"lat":"34","lon":"-117.3335","alt":"250"},
	"velocity":{"x":"1.5","y":0,"z":"-0.5"}}}`
	var ev RelocationEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	r, ok := ev["192.168.1.9"]
	if !ok {
		t.Fatalf("agent entry missing")
	}
	if r.Origin.Lat != 34.00000048 || r.Origin.Alt != 251.702 {
		t.Fatalf("origin = %+v", r.Origin)
	}
	if r.Velocity.X != 1.5 || r.Velocity.Z != -0.5 {
		t.Fatalf("velocity = %+v", r.Velocity)
	}
	if r.Destination.Lat != 34.0001 {
		t.Fatalf("destination = %+v", r.Destination)
	}
}

func TestRelocationEventRejectsGarbage(t *testing.T) {
	var ev RelocationEvent
	if err := json.Unmarshal([]byte(`{"a":{"origin":{"lat":"north"}}}`), &ev); err == nil {
		t.Fatalf("expected error for non-numeric latitude")
	}
}

func TestDetectedFlowExpiry(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := DetectedFlow{DetectedAt: base}
	if d.Expired(base.Add(DefaultFlowTTL), DefaultFlowTTL) {
		t.Fatalf("flow should still be live exactly at ttl")
	}
	if !d.Expired(base.Add(DefaultFlowTTL+time.Millisecond), DefaultFlowTTL) {
		t.Fatalf("flow should expire after ttl")
	}
}

func TestFlowSpecMatches(t *testing.T) {
	f := Flow{
		Src:      netip.MustParseAddr("10.0.0.5"),
		Dst:      netip.MustParseAddr("10.0.0.1"),
		Protocol: 17,
		DstPort:  5004,
	}
	if !(FlowSpec{SrcIP: "*", Protocol: 17}).Matches(f) {
		t.Fatalf("wildcard spec should match")
	}
	if (FlowSpec{DstPort: 80}).Matches(f) {
		t.Fatalf("port mismatch should not match")
	}
}
