package selector

import (
	"context"
	"net/netip"

	"github.com/signalsfoundry/lvapctl/core"
	"github.com/signalsfoundry/lvapctl/internal/logging"
)

// decideRSSI moves each client whose current signal fell below the
// threshold to the strongest non-VIP agent.
func (s *Selector) decideRSSI(ctx context.Context, snap snapshot) {
	for _, c := range snap.clients {
		if !c.Assigned() {
			continue
		}
		row := s.signals.Row(c.MAC)
		best, ok := s.strongest(row, snap, true)
		if !ok || best == c.Agent {
			continue
		}
		if row[c.Agent].Above(s.cfg.SignalThreshold) {
			continue
		}
		if !s.hysteresisElapsed(c.MAC, snap.now) {
			s.log.Debug(ctx, "handoff held by hysteresis",
				logging.String("client", c.MAC.String()), logging.String("to", best.String()))
			continue
		}
		s.handoff(ctx, c, best, ReasonRSSI, snap.now)
	}
}

// strongest returns the agent with the highest heard reading in row.
// Agents are visited in address order so ties go to the lowest address.
func (s *Selector) strongest(row map[netip.Addr]core.RSSI, snap snapshot, skipVIP bool) (netip.Addr, bool) {
	var (
		best     netip.Addr
		bestRSSI core.RSSI
	)
	for _, a := range snap.agents {
		if skipVIP && a.Addr == s.cfg.VIPAgent {
			continue
		}
		r := row[a.Addr]
		if !r.Heard {
			continue
		}
		if !best.IsValid() || bestRSSI.Less(r) {
			best, bestRSSI = a.Addr, r
		}
	}
	return best, best.IsValid()
}
