// Package mobility plans handoffs ahead of announced access point
// relocations. Each relocation event halts the selector, schedules one
// handoff per client whose best agent will change, and schedules the
// selector's resume for when the longest flight ends.
package mobility

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"

	"github.com/signalsfoundry/lvapctl/core"
	"github.com/signalsfoundry/lvapctl/model"
)

var (
	// ErrNotJSON rejects messages that fail the cheap shape check.
	ErrNotJSON = errors.New("mobility: message is not a JSON object")
	// ErrUnresolvable marks an agent host that has no address.
	ErrUnresolvable = errors.New("mobility: agent host not resolvable")
)

// possibleJSON reports whether msg might be a JSON object or array.
func possibleJSON(msg string) bool {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return false
	}
	return (strings.HasPrefix(msg, "{") && strings.HasSuffix(msg, "}")) ||
		(strings.HasPrefix(msg, "[") && strings.HasSuffix(msg, "]"))
}

// ParseEvent decodes a relocation message.
func ParseEvent(msg string) (model.RelocationEvent, error) {
	if !possibleJSON(msg) {
		return nil, ErrNotJSON
	}
	var ev model.RelocationEvent
	if err := json.Unmarshal([]byte(strings.TrimSpace(msg)), &ev); err != nil {
		return nil, fmt.Errorf("decode relocation event: %w", err)
	}
	return ev, nil
}

// Resolver resolves agent host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

var _ Resolver = (*net.Resolver)(nil)

// resolveHost parses host as an address and falls back to the resolver.
func resolveHost(ctx context.Context, r Resolver, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(strings.TrimPrefix(host, "/")); err == nil {
		return addr.Unmap(), nil
	}
	if r == nil {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrUnresolvable, host)
	}
	addrs, err := r.LookupNetIP(ctx, "ip4", host)
	if err != nil || len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrUnresolvable, host)
	}
	return addrs[0].Unmap(), nil
}

// Project converts every relocation into a trajectory in the NED frame
// of its reference point. Hosts that do not resolve are returned in
// skipped and left out of the result.
func Project(ctx context.Context, r Resolver, ev model.RelocationEvent) (map[netip.Addr]core.LinearMotion, []string) {
	hosts := make([]string, 0, len(ev))
	for host := range ev {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	out := make(map[netip.Addr]core.LinearMotion, len(ev))
	var skipped []string
	for _, host := range hosts {
		addr, err := resolveHost(ctx, r, host)
		if err != nil {
			skipped = append(skipped, host)
			continue
		}
		out[addr] = toMotion(ev[host])
	}
	return out, skipped
}

func toMotion(rel model.Relocation) core.LinearMotion {
	ref := rel.Reference
	toNED := func(g model.GPS) core.Vec3 {
		return core.ECEFToNED(core.GeodeticToECEF(g.Lat, g.Lon, g.Alt), ref.Lat, ref.Lon, ref.Alt)
	}
	return core.LinearMotion{
		Origin:      toNED(rel.Origin),
		Destination: toNED(rel.Destination),
		Velocity:    core.Vec3{X: rel.Velocity.X, Y: rel.Velocity.Y, Z: rel.Velocity.Z},
	}
}
