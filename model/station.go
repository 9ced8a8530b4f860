package model

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"
)

// MAC is a client hardware address in canonical lower-case
// colon-separated form, e.g. "aa:bb:cc:dd:ee:ff".
type MAC string

// ParseMAC normalises any form accepted by net.ParseMAC.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("parse mac %q: %w", s, err)
	}
	return MAC(strings.ToLower(hw.String())), nil
}

func (m MAC) String() string { return string(m) }

// Agent is an access point running the agent software. Agents are
// identified by their management address.
type Agent struct {
	Addr       netip.Addr
	Channel    int
	TxPowerDBm int
	LastHeard  time.Time
}

// Client is a wireless station together with its current LVAP binding.
// Agent is the address of the access point currently hosting the LVAP.
type Client struct {
	MAC   MAC
	IP    netip.Addr
	Agent netip.Addr
}

// Assigned reports whether the client has obtained an IP address. The
// selector ignores clients that are still associating.
func (c Client) Assigned() bool {
	return c.IP.IsValid() && !c.IP.IsUnspecified()
}

// HandoffRecord stores the most recent handoff time for a client.
type HandoffRecord struct {
	Client MAC
	At     time.Time
}
