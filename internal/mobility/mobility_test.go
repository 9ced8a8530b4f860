package mobility

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/lvapctl/core"
	"github.com/signalsfoundry/lvapctl/internal/app"
	"github.com/signalsfoundry/lvapctl/internal/journal"
	"github.com/signalsfoundry/lvapctl/internal/master"
	"github.com/signalsfoundry/lvapctl/internal/observability"
	"github.com/signalsfoundry/lvapctl/internal/schedule"
	"github.com/signalsfoundry/lvapctl/model"
)

const selectorApp = "SmartApSelection"

var (
	droneA = netip.MustParseAddr("10.0.0.1")
	droneB = netip.MustParseAddr("10.0.0.2")
	sta    = model.MAC("aa:00:00:00:00:01")
	ref    = model.GPS{Lat: 41.1780, Lon: -8.5980, Alt: 120}
	t0     = time.Date(2024, 5, 10, 9, 30, 0, 0, time.UTC)
)

// gpsAt returns the geodetic position of a NED offset from ref.
func gpsAt(ned core.Vec3) model.GPS {
	lat, lon, alt := core.ECEFToGeodetic(core.NEDToECEF(ned, ref.Lat, ref.Lon, ref.Alt))
	return model.GPS{Lat: lat, Lon: lon, Alt: alt}
}

func relocation(origin, destination, velocity core.Vec3) model.Relocation {
	return model.Relocation{
		Origin:      gpsAt(origin),
		Destination: gpsAt(destination),
		Reference:   ref,
		Velocity:    model.Velocity{X: velocity.X, Y: velocity.Y, Z: velocity.Z},
	}
}

// crossingEvent moves A from -10 to -30 at 2 m/s and B from 10 to -20 at
// 6 m/s along north. A client at the origin is equidistant at t=5s.
func crossingEvent(t *testing.T) string {
	t.Helper()
	ev := model.RelocationEvent{
		droneA.String(): relocation(core.Vec3{X: -10}, core.Vec3{X: -30}, core.Vec3{X: -2}),
		droneB.String(): relocation(core.Vec3{X: 10}, core.Vec3{X: -20}, core.Vec3{X: -6}),
	}
	return marshal(t, ev)
}

func marshal(t *testing.T, ev model.RelocationEvent) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("{")
	first := true
	for host, rel := range ev {
		if !first {
			b.WriteString(",")
		}
		first = false
		fmt.Fprintf(&b, `%q:{"origin":%s,"destination":%s,"reference":%s,"velocity":{"x":%v,"y":%v,"z":%v}}`,
			host, gpsJSON(rel.Origin), gpsJSON(rel.Destination), gpsJSON(rel.Reference),
			rel.Velocity.X, rel.Velocity.Y, rel.Velocity.Z)
	}
	b.WriteString("}")
	return b.String()
}

func gpsJSON(g model.GPS) string {
	return fmt.Sprintf(`{"lat":%.12f,"lon":%.12f,"alt":%.9f}`, g.Lat, g.Lon, g.Alt)
}

type fixture struct {
	sched   *schedule.FakeScheduler
	master  *master.Registry
	apps    *app.Registry
	metrics *observability.DecisionCollector
	journal *journal.DB
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sched: schedule.NewFakeScheduler(t0),
		apps:  app.NewRegistry(),
	}
	signals := core.NewSignalTable(0.8)
	f.master = master.NewRegistry(f.sched.Clock(), signals)
	require.NoError(t, f.master.AddAgent(model.Agent{Addr: droneA, Channel: 6}))
	require.NoError(t, f.master.AddAgent(model.Agent{Addr: droneB, Channel: 6}))
	require.NoError(t, f.master.AddClient(model.Client{MAC: sta, IP: netip.MustParseAddr("192.168.0.10"), Agent: droneA}))
	signals.Observe(sta, droneA, core.HeardAt(-50))
	signals.Observe(sta, droneB, core.HeardAt(-50))

	var err error
	f.metrics, err = observability.NewDecisionCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	f.journal, err = journal.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { f.journal.Close() })

	f.manager, err = NewManager(f.master, f.apps, f.sched, Config{
		SelectorApp: selectorApp,
		Metrics:     f.metrics,
		Journal:     f.journal,
	})
	require.NoError(t, err)
	return f
}

// runSelector registers the selector application and keeps checkpointing
// it until the test ends.
func (f *fixture) runSelector(t *testing.T) {
	t.Helper()
	rt, err := f.apps.Register(selectorApp)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			if _, err := rt.Checkpoint(ctx); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) state(t *testing.T) app.State {
	t.Helper()
	st, err := f.apps.ApplicationState(selectorApp)
	require.NoError(t, err)
	return st
}

func (f *fixture) agentOf(t *testing.T) netip.Addr {
	t.Helper()
	c, err := f.master.Client(sta)
	require.NoError(t, err)
	return c.Agent
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPossibleJSON(t *testing.T) {
	cases := map[string]bool{
		`{"a":1}`:     true,
		` [1,2] `:     true,
		"":            false,
		"   ":         false,
		"hello":       false,
		`{"a":1`:      false,
		`[1,2}`:       false,
		`{"x": [1]} `: true,
	}
	for msg, want := range cases {
		require.Equal(t, want, possibleJSON(msg), "message %q", msg)
	}
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent(`{"10.0.0.1":{"origin":{"lat":"41.5","lon":-8.1,"alt":"30"},` +
		`"destination":{"lat":41.6,"lon":-8.2,"alt":30},"reference":{"lat":41.5,"lon":-8.1,"alt":0},` +
		`"velocity":{"x":"1.5","y":0,"z":-0.5}}}`)
	require.NoError(t, err)
	require.Equal(t, model.Relocation{
		Origin:      model.GPS{Lat: 41.5, Lon: -8.1, Alt: 30},
		Destination: model.GPS{Lat: 41.6, Lon: -8.2, Alt: 30},
		Reference:   model.GPS{Lat: 41.5, Lon: -8.1},
		Velocity:    model.Velocity{X: 1.5, Z: -0.5},
	}, ev["10.0.0.1"])

	_, err = ParseEvent("relocate please")
	require.ErrorIs(t, err, ErrNotJSON)

	_, err = ParseEvent(`{"10.0.0.1": 42}`)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNotJSON))
}

type fakeResolver map[string]netip.Addr

func (r fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	if addr, ok := r[host]; ok {
		return []netip.Addr{addr}, nil
	}
	return nil, fmt.Errorf("no such host %s", host)
}

func TestProjectSkipsUnresolvableHosts(t *testing.T) {
	rel := relocation(core.Vec3{X: 3, Y: -4, Z: -20}, core.Vec3{X: 30}, core.Vec3{X: 1})
	ev := model.RelocationEvent{
		"drone-1":   rel,
		"/10.0.0.2": rel,
		"drone-x":   rel,
	}
	got, skipped := Project(context.Background(), fakeResolver{"drone-1": droneA}, ev)

	require.Equal(t, []string{"drone-x"}, skipped)
	require.Len(t, got, 2)
	require.Contains(t, got, droneB)

	m := got[droneA]
	require.InDelta(t, 3, m.Origin.X, 1e-3)
	require.InDelta(t, -4, m.Origin.Y, 1e-3)
	require.InDelta(t, -20, m.Origin.Z, 1e-3)
	require.InDelta(t, 30, m.Destination.X, 1e-3)
	require.Equal(t, core.Vec3{X: 1}, m.Velocity)
}

func TestPlanHandoffsCrossing(t *testing.T) {
	trajectories := map[netip.Addr]core.LinearMotion{
		droneA: {Origin: core.Vec3{X: -10}, Destination: core.Vec3{X: -30}, Velocity: core.Vec3{X: -2}},
		droneB: {Origin: core.Vec3{X: 10}, Destination: core.Vec3{X: -20}, Velocity: core.Vec3{X: -6}},
	}
	clients := []model.Client{{MAC: sta, Agent: droneA}}
	rssi := func(model.MAC, netip.Addr) core.RSSI { return core.HeardAt(-60) }

	plan := PlanHandoffs(trajectories, clients, rssi)
	require.Equal(t, 10*time.Second, plan.FlightTime)
	require.Len(t, plan.Handoffs, 1)
	h := plan.Handoffs[0]
	require.Equal(t, PlannedHandoff{Client: sta, From: droneA, To: droneB, Delay: 5000 * time.Millisecond}, h)
}

func TestPlanHandoffsWeightsByLinearPower(t *testing.T) {
	trajectories := map[netip.Addr]core.LinearMotion{
		droneA: {Origin: core.Vec3{X: 0}, Destination: core.Vec3{X: 0}},
		droneB: {Origin: core.Vec3{X: 11}, Destination: core.Vec3{X: 11}},
	}
	// 10 dB stronger at A means ten times the weight.
	rssi := func(_ model.MAC, agent netip.Addr) core.RSSI {
		if agent == droneA {
			return core.HeardAt(-40)
		}
		return core.HeardAt(-50)
	}
	plan := PlanHandoffs(trajectories, []model.Client{{MAC: sta, Agent: droneA}}, rssi)
	require.Empty(t, plan.Handoffs)
	require.Zero(t, plan.FlightTime)

	pos, ok := locate(sta, []netip.Addr{droneA, droneB}, trajectories, rssi)
	require.True(t, ok)
	require.InDelta(t, 1, pos.X, 1e-9)
}

func TestPlanHandoffsWithoutSolution(t *testing.T) {
	trajectories := map[netip.Addr]core.LinearMotion{
		droneA: {Origin: core.Vec3{X: -10}, Destination: core.Vec3{X: -10}},
		droneB: {Origin: core.Vec3{X: 20}, Destination: core.Vec3{X: 40}, Velocity: core.Vec3{X: 1}},
	}
	unheard := model.MAC("aa:00:00:00:00:02")
	// Equal weights put the client at x=5: B only ever moves away.
	rssi := func(mac model.MAC, _ netip.Addr) core.RSSI {
		if mac == unheard {
			return core.Unheard()
		}
		return core.HeardAt(-50)
	}
	clients := []model.Client{
		{MAC: sta, Agent: droneB},
		{MAC: unheard, Agent: droneA},
	}

	plan := PlanHandoffs(trajectories, clients, rssi)
	require.Empty(t, plan.Handoffs)
	require.Equal(t, []model.MAC{unheard}, plan.Unlocated)
	require.Equal(t, []model.MAC{sta}, plan.NoCrossing)
	require.Equal(t, 20*time.Second, plan.FlightTime)
}

func TestHandleEventSchedulesPredictedHandoff(t *testing.T) {
	f := newFixture(t)
	f.runSelector(t)
	ctx := testContext(t)

	res, err := f.manager.HandleEvent(ctx, crossingEvent(t), f.sched.Now())
	require.NoError(t, err)
	require.NotEmpty(t, res.EventID)
	require.Len(t, res.Plan.Handoffs, 1)
	require.InDelta(t, float64(5000*time.Millisecond), float64(res.Plan.Handoffs[0].Delay), float64(time.Millisecond))
	require.InDelta(t, float64(10*time.Second), float64(res.ResumeAfter), float64(time.Millisecond))

	require.Equal(t, 2, f.sched.Pending(), "one handoff and one resume")
	require.Equal(t, app.Halted, f.state(t))
	require.True(t, f.manager.Pending())

	f.sched.Advance(4990 * time.Millisecond)
	require.Equal(t, droneA, f.agentOf(t))

	f.sched.Advance(20 * time.Millisecond)
	require.Equal(t, droneB, f.agentOf(t))
	require.Equal(t, app.Halted, f.state(t), "selector stays halted until the flight ends")

	f.sched.Advance(5 * time.Second)
	_, err = f.apps.WaitForState(ctx, selectorApp, app.Running)
	require.NoError(t, err)
	require.False(t, f.manager.Pending())
	require.Zero(t, f.sched.Pending())

	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RelocationEvents.WithLabelValues(ResultScheduled)))
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Handoffs.WithLabelValues(journal.SourceMobility, modeLabel, ReasonPredicted)))

	handoffs, err := f.journal.Handoffs(ctx, sta)
	require.NoError(t, err)
	require.Len(t, handoffs, 1)
	require.Equal(t, journal.SourceMobility, handoffs[0].Source)
	require.Equal(t, droneA, handoffs[0].From)
	require.Equal(t, droneB, handoffs[0].To)
}

func TestHandleEventLateProcessingRunsImmediately(t *testing.T) {
	f := newFixture(t)
	f.runSelector(t)

	received := f.sched.Now().Add(-6 * time.Second)
	res, err := f.manager.HandleEvent(testContext(t), crossingEvent(t), received)
	require.NoError(t, err)
	require.InDelta(t, float64(4*time.Second), float64(res.ResumeAfter), float64(time.Millisecond))

	f.sched.RunDue()
	require.Equal(t, droneB, f.agentOf(t))
}

func TestHandleEventRejectsNonJSON(t *testing.T) {
	f := newFixture(t)
	f.runSelector(t)

	_, err := f.manager.HandleEvent(testContext(t), "MOVE 10.0.0.1 north", f.sched.Now())
	require.ErrorIs(t, err, ErrNotJSON)
	require.Equal(t, app.Running, f.state(t))
	require.Zero(t, f.sched.Pending())
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RelocationEvents.WithLabelValues(ResultRejected)))
}

func TestHandleEventWithoutSelectorAborts(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.HandleEvent(testContext(t), crossingEvent(t), f.sched.Now())
	require.ErrorIs(t, err, app.ErrUnknownApplication)
	require.Zero(t, f.sched.Pending())
}

func TestOverlappingEventsKeepIndependentTasks(t *testing.T) {
	f := newFixture(t)
	f.runSelector(t)
	ctx := testContext(t)

	first, err := f.manager.HandleEvent(ctx, crossingEvent(t), f.sched.Now())
	require.NoError(t, err)
	second, err := f.manager.HandleEvent(ctx, crossingEvent(t), f.sched.Now())
	require.NoError(t, err)
	require.NotEqual(t, first.EventID, second.EventID)
	require.Equal(t, 4, f.sched.Pending())
}

func TestCancelResumesSelector(t *testing.T) {
	f := newFixture(t)
	f.runSelector(t)
	ctx := testContext(t)

	res, err := f.manager.HandleEvent(ctx, crossingEvent(t), f.sched.Now())
	require.NoError(t, err)

	require.Equal(t, 2, f.manager.Cancel(res.EventID))
	require.Zero(t, f.sched.Pending())
	_, err = f.apps.WaitForState(ctx, selectorApp, app.Running)
	require.NoError(t, err)

	f.sched.Advance(time.Minute)
	require.Equal(t, droneA, f.agentOf(t))
	require.Zero(t, f.manager.Cancel(res.EventID))
}
