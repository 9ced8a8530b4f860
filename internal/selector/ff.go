package selector

import (
	"context"
	"net/netip"
	"strconv"

	"github.com/signalsfoundry/lvapctl/core"
	"github.com/signalsfoundry/lvapctl/internal/logging"
	"github.com/signalsfoundry/lvapctl/internal/master"
	"github.com/signalsfoundry/lvapctl/model"
)

// decideFF ranks every agent by the fittingness of its estimated
// throughput against the required rate and moves the client to the
// best one.
func (s *Selector) decideFF(ctx context.Context, snap snapshot) {
	load := make(map[netip.Addr]int, len(snap.agents))
	for _, c := range snap.clients {
		load[c.Agent]++
	}
	stats := make(map[netip.Addr]map[model.MAC]map[string]string)

	for _, c := range snap.clients {
		if !c.Assigned() {
			continue
		}
		agentStats, ok := stats[c.Agent]
		if !ok {
			agentStats = s.facade.RxStatsFromAgent(c.Agent)
			stats[c.Agent] = agentStats
		}
		current := associatedThroughput(agentStats[c.MAC])

		row := s.signals.Row(c.MAC)
		best := c.Agent
		bestFF := core.FittingnessFactor(s.cfg.RequiredRate, current)
		for _, a := range snap.agents {
			if a.Addr == c.Agent {
				continue
			}
			rb := core.CandidateThroughput(row[a.Addr], float64(s.facade.TxPowerFromAgent(a.Addr)), s.cfg.TxPowerSTA, load[a.Addr])
			if ff := core.FittingnessFactor(s.cfg.RequiredRate, rb); ff > bestFF {
				best, bestFF = a.Addr, ff
			}
		}

		if best == c.Agent {
			continue
		}
		if current == 0 {
			s.log.Debug(ctx, "no current throughput", logging.String("client", c.MAC.String()))
			continue
		}
		if !s.hysteresisElapsed(c.MAC, snap.now) {
			continue
		}
		s.handoff(ctx, c, best, ReasonFittingness, snap.now)
	}
}

func associatedThroughput(stats map[string]string) float64 {
	raw, ok := stats[master.StatAvgRate]
	if !ok {
		return 0
	}
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil || rate <= 0 {
		return 0
	}
	return core.AssociatedThroughput(rate)
}
