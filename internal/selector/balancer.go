package selector

import (
	"context"
	"math"
	"net/netip"

	"github.com/signalsfoundry/lvapctl/core"
	"github.com/signalsfoundry/lvapctl/internal/logging"
	"github.com/signalsfoundry/lvapctl/model"
)

// decideBalancer moves at most one client per cycle from the most
// loaded agent to the least loaded eligible one. An agent is eligible
// when at least one client hears it above the signal threshold.
func (s *Selector) decideBalancer(ctx context.Context, snap snapshot) {
	load := make(map[netip.Addr]int, len(snap.agents))
	eligible := make(map[netip.Addr]bool, len(snap.agents))
	rows := make(map[model.MAC]map[netip.Addr]core.RSSI, len(snap.clients))
	for _, c := range snap.clients {
		load[c.Agent]++
		row := s.signals.Row(c.MAC)
		rows[c.MAC] = row
		for agent, r := range row {
			if r.Above(s.cfg.SignalThreshold) {
				eligible[agent] = true
			}
		}
	}

	var (
		minAgent, maxAgent netip.Addr
		eligibleCount      int
	)
	for _, a := range snap.agents {
		if maxAgent == (netip.Addr{}) || load[a.Addr] > load[maxAgent] {
			maxAgent = a.Addr
		}
		if !eligible[a.Addr] {
			continue
		}
		eligibleCount++
		if minAgent == (netip.Addr{}) || load[a.Addr] < load[minAgent] {
			minAgent = a.Addr
		}
	}
	if eligibleCount == 0 {
		return
	}

	mean := int(math.Round(float64(len(snap.clients)) / float64(eligibleCount)))
	if !(load[minAgent] < mean && mean < load[maxAgent]) {
		s.log.Debug(ctx, "load balanced",
			logging.Int("mean", mean),
			logging.Int("min", load[minAgent]),
			logging.Int("max", load[maxAgent]))
		return
	}

	var (
		candidate model.Client
		bestRSSI  core.RSSI
		found     bool
	)
	for _, c := range snap.clients {
		if c.Agent != maxAgent || !c.Assigned() {
			continue
		}
		r := rows[c.MAC][minAgent]
		if !r.Above(s.cfg.SignalThreshold) || !s.hysteresisElapsed(c.MAC, snap.now) {
			continue
		}
		if !found || bestRSSI.Less(r) {
			candidate, bestRSSI, found = c, r, true
		}
	}
	if !found {
		return
	}
	s.handoff(ctx, candidate, minAgent, ReasonBalance, snap.now)
}
