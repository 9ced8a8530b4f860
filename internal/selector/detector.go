package selector

import (
	"context"
	"net/netip"
	"sort"

	"github.com/signalsfoundry/lvapctl/internal/logging"
	"github.com/signalsfoundry/lvapctl/model"
)

// onFlow records or refreshes a detected flow keyed by source address.
func (s *Selector) onFlow(f model.Flow) {
	now := s.clock.Now()
	s.mu.Lock()
	if rec, ok := s.flows[f.Src]; ok {
		rec.Flow = f
		rec.DetectedAt = now
	} else {
		s.flows[f.Src] = &model.DetectedFlow{Flow: f, DetectedAt: now}
	}
	active := len(s.flows)
	s.mu.Unlock()

	s.metrics.SetActiveFlows(active)
}

// DetectedFlows returns a copy of the live flow records ordered by
// source address.
func (s *Selector) DetectedFlows() []model.DetectedFlow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.DetectedFlow, 0, len(s.flows))
	for _, rec := range s.flows {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Src.Less(out[j].Src) })
	return out
}

// decideDetector pins clients with a live flow to the VIP agent and
// releases them when the flow expires.
func (s *Selector) decideDetector(ctx context.Context, snap snapshot) {
	vip := s.cfg.VIPAgent
	// withheld keeps expired records whose release handoff did not go out.
	withheld := make(map[netip.Addr]*model.DetectedFlow)

	for _, c := range snap.clients {
		if !c.Assigned() {
			continue
		}

		s.mu.Lock()
		rec, tracked := s.flows[c.IP]
		var flow model.DetectedFlow
		expired := false
		if tracked {
			flow = *rec
			if rec.Expired(snap.now, s.cfg.FlowTTL) {
				delete(s.flows, c.IP)
				expired = true
			}
		}
		s.mu.Unlock()

		switch {
		case expired:
			if flow.Fallback.IsValid() && flow.Fallback != c.Agent &&
				!s.handoff(ctx, c, flow.Fallback, ReasonFlowExpired, snap.now) {
				rec := flow
				withheld[c.IP] = &rec
			}

		case tracked:
			if c.Agent == vip {
				continue
			}
			if !s.signals.Get(c.MAC, vip).Above(s.cfg.SignalThreshold) {
				s.log.Debug(ctx, "flow client cannot reach vip agent", logging.String("client", c.MAC.String()))
				continue
			}
			s.mu.Lock()
			if rec, ok := s.flows[c.IP]; ok && !rec.Fallback.IsValid() {
				rec.Fallback = c.Agent
			}
			s.mu.Unlock()
			s.handoff(ctx, c, vip, ReasonFlow, snap.now)

		case c.Agent == vip:
			target, ok := s.strongest(s.signals.Row(c.MAC), snap, true)
			if !ok {
				target, ok = firstNonVIP(snap.agents, vip)
			}
			if ok {
				s.handoff(ctx, c, target, ReasonVIPRelease, snap.now)
			}
		}
	}

	s.mu.Lock()
	for src, rec := range s.flows {
		if rec.Expired(snap.now, s.cfg.FlowTTL) {
			delete(s.flows, src)
		}
	}
	for src, rec := range withheld {
		if _, ok := s.flows[src]; !ok {
			s.flows[src] = rec
		}
	}
	active := len(s.flows)
	s.mu.Unlock()
	s.metrics.SetActiveFlows(active)
}

func firstNonVIP(agents []model.Agent, vip netip.Addr) (netip.Addr, bool) {
	for _, a := range agents {
		if a.Addr != vip {
			return a.Addr, true
		}
	}
	return netip.Addr{}, false
}
