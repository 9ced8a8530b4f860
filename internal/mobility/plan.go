package mobility

import (
	"math"
	"net/netip"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/signalsfoundry/lvapctl/core"
	"github.com/signalsfoundry/lvapctl/model"
)

// SignalSource returns the smoothed RSSI of a client at an agent.
type SignalSource func(mac model.MAC, agent netip.Addr) core.RSSI

// PlannedHandoff is a handoff due Delay after the event was received.
type PlannedHandoff struct {
	Client   model.MAC
	From     netip.Addr
	To       netip.Addr
	Delay    time.Duration
	Position core.Vec3
}

// Plan is the outcome of planning one relocation event.
type Plan struct {
	Handoffs []PlannedHandoff
	// FlightTime is the longest single agent flight.
	FlightTime time.Duration
	// Unlocated lists clients no moving agent hears.
	Unlocated []model.MAC
	// NoCrossing lists clients whose agents never become equidistant.
	NoCrossing []model.MAC
}

// PlanHandoffs computes, for every client, the agent whose destination
// is nearest to the client's estimated position and the instant at
// which that agent becomes as close as the current one.
func PlanHandoffs(trajectories map[netip.Addr]core.LinearMotion, clients []model.Client, rssi SignalSource) Plan {
	agents := make([]netip.Addr, 0, len(trajectories))
	flights := make([]float64, 0, len(trajectories))
	for addr, m := range trajectories {
		agents = append(agents, addr)
		flights = append(flights, m.FlightTime())
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Less(agents[j]) })

	var plan Plan
	if len(flights) > 0 {
		plan.FlightTime = seconds(math.Max(0, floats.Max(flights)))
	}

	for _, c := range clients {
		pos, ok := locate(c.MAC, agents, trajectories, rssi)
		if !ok {
			plan.Unlocated = append(plan.Unlocated, c.MAC)
			continue
		}

		future := nearestDestination(pos, agents, trajectories)
		if !future.IsValid() || future == c.Agent {
			continue
		}
		current, ok := trajectories[c.Agent]
		if !ok {
			// The current agent has no announced position to compare with.
			plan.NoCrossing = append(plan.NoCrossing, c.MAC)
			continue
		}
		next := trajectories[future]

		t, ok := core.EquidistanceTime(current.Origin, current.Velocity, next.Origin, next.Velocity, pos)
		if !ok {
			plan.NoCrossing = append(plan.NoCrossing, c.MAC)
			continue
		}
		plan.Handoffs = append(plan.Handoffs, PlannedHandoff{
			Client:   c.MAC,
			From:     c.Agent,
			To:       future,
			Delay:    time.Duration(math.Round(t*1000)) * time.Millisecond,
			Position: pos,
		})
	}
	return plan
}

// locate estimates a client position as the centroid of agent origins
// weighted by received power in milliwatts.
func locate(mac model.MAC, agents []netip.Addr, trajectories map[netip.Addr]core.LinearMotion, rssi SignalSource) (core.Vec3, bool) {
	var xs, ys, zs, weights []float64
	for _, agent := range agents {
		r := rssi(mac, agent)
		if !r.Heard {
			continue
		}
		o := trajectories[agent].Origin
		xs = append(xs, o.X)
		ys = append(ys, o.Y)
		zs = append(zs, o.Z)
		weights = append(weights, core.DBmToMilliwatts(r.DBm))
	}
	total := floats.Sum(weights)
	if len(weights) == 0 || total == 0 {
		return core.Vec3{}, false
	}
	return core.Vec3{
		X: floats.Dot(xs, weights) / total,
		Y: floats.Dot(ys, weights) / total,
		Z: floats.Dot(zs, weights) / total,
	}, true
}

func nearestDestination(pos core.Vec3, agents []netip.Addr, trajectories map[netip.Addr]core.LinearMotion) netip.Addr {
	var (
		best     netip.Addr
		bestDist = math.MaxFloat64
	)
	for _, agent := range agents {
		if d := pos.DistanceSquared(trajectories[agent].Destination); d < bestDist {
			best, bestDist = agent, d
		}
	}
	return best
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
