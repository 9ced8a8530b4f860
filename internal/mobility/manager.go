package mobility

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/lvapctl/core"
	"github.com/signalsfoundry/lvapctl/internal/app"
	"github.com/signalsfoundry/lvapctl/internal/journal"
	"github.com/signalsfoundry/lvapctl/internal/logging"
	"github.com/signalsfoundry/lvapctl/internal/master"
	"github.com/signalsfoundry/lvapctl/internal/observability"
	"github.com/signalsfoundry/lvapctl/internal/schedule"
)

// AppName is the name the manager registers under.
const AppName = "FlyingNetworkManager"

// Handoff reason and metric mode for predicted handoffs.
const (
	ReasonPredicted = "predicted"
	modeLabel       = "PREDICTIVE"
)

// Relocation event results.
const (
	ResultScheduled = "scheduled"
	ResultRejected  = "rejected"
	ResultMalformed = "malformed"
	ResultAborted   = "aborted"
)

// Coordinator is the application registry the manager halts the
// selector through. *app.Registry satisfies it.
type Coordinator interface {
	TryHaltApplication(name string) bool
	ResumeApplication(name string) bool
	ApplicationState(name string) (app.State, error)
	WaitForState(ctx context.Context, name string, states ...app.State) (app.State, error)
}

// Metrics receives mobility measurements.
type Metrics interface {
	IncHandoff(source, mode, reason string)
	IncRelocationEvent(result string)
	ObservePredictedDelay(d time.Duration)
}

// Config configures a Manager.
type Config struct {
	// SelectorApp is the application halted during relocations.
	SelectorApp string
	Resolver    Resolver
	Log         logging.Logger
	Metrics     Metrics
	Journal     journal.Journal
}

// Result summarises a handled event.
type Result struct {
	EventID     string
	Plan        Plan
	ResumeAfter time.Duration
	Skipped     []string
}

// Manager turns relocation events into scheduled handoffs.
type Manager struct {
	facade   master.Facade
	apps     Coordinator
	sched    schedule.Scheduler
	resolver Resolver
	selector string
	log      logging.Logger
	metrics  Metrics
	journal  journal.Journal

	// events serialises HandleEvent.
	events sync.Mutex

	mu      sync.Mutex
	resumes map[string]string // event id -> resume task id
}

// NewManager builds a manager. facade, apps and sched are required.
func NewManager(facade master.Facade, apps Coordinator, sched schedule.Scheduler, cfg Config) (*Manager, error) {
	if facade == nil || apps == nil || sched == nil {
		return nil, fmt.Errorf("mobility: facade, coordinator and scheduler are required")
	}
	m := &Manager{
		facade:   facade,
		apps:     apps,
		sched:    sched,
		resolver: cfg.Resolver,
		selector: cfg.SelectorApp,
		log:      cfg.Log,
		metrics:  cfg.Metrics,
		journal:  cfg.Journal,
		resumes:  make(map[string]string),
	}
	if m.selector == "" {
		m.selector = "SmartApSelection"
	}
	if m.log == nil {
		m.log = logging.Noop()
	}
	if m.metrics == nil {
		m.metrics = noopMetrics{}
	}
	if m.journal == nil {
		m.journal = journal.Noop{}
	}
	m.log = m.log.With(logging.String("app", AppName))
	return m, nil
}

// HandleEvent processes one relocation message received at received.
// Delays are measured from received, so time spent waiting for the
// selector to halt shortens them; overdue tasks run immediately.
func (m *Manager) HandleEvent(ctx context.Context, msg string, received time.Time) (Result, error) {
	ctx, log, eventID := logging.WithEventLogger(ctx, m.log)
	ctx = logging.ContextWithLogger(ctx, log)
	ctx, span := observability.StartSpan(ctx, "mobility.HandleEvent", "relocation_event", eventID)
	defer span.End()

	ev, err := ParseEvent(msg)
	if err != nil {
		result := ResultMalformed
		if errors.Is(err, ErrNotJSON) {
			result = ResultRejected
		}
		m.metrics.IncRelocationEvent(result)
		span.SetStatus(codes.Error, err.Error())
		log.Warn(ctx, "relocation event dropped", logging.Err(err))
		return Result{EventID: eventID}, err
	}

	m.events.Lock()
	defer m.events.Unlock()

	if err := m.acquire(ctx, log); err != nil {
		m.metrics.IncRelocationEvent(ResultAborted)
		span.SetStatus(codes.Error, err.Error())
		return Result{EventID: eventID}, fmt.Errorf("halt %s: %w", m.selector, err)
	}

	trajectories, skipped := Project(ctx, m.resolver, ev)
	for _, host := range skipped {
		log.Warn(ctx, "relocation record dropped", logging.String("host", host), logging.Err(ErrUnresolvable))
	}

	plan := m.plan(ctx, trajectories)
	elapsed := m.sched.Now().Sub(received)

	for _, h := range plan.Handoffs {
		delay := h.Delay - elapsed
		m.metrics.ObservePredictedDelay(delay)
		m.sched.ScheduleAfter(delay, eventID, func() { m.executeHandoff(context.WithoutCancel(ctx), h) })
		log.Info(ctx, "handoff scheduled",
			logging.String("client", h.Client.String()),
			logging.String("from", h.From.String()),
			logging.String("to", h.To.String()),
			logging.Duration("delay", delay),
		)
	}

	resumeAfter := plan.FlightTime - elapsed
	resumeCtx := context.WithoutCancel(ctx)
	m.mu.Lock()
	m.resumes[eventID] = m.sched.ScheduleAfter(resumeAfter, eventID, func() { m.resume(resumeCtx, eventID) })
	m.mu.Unlock()

	span.SetAttributes(
		attribute.Int("handoffs", len(plan.Handoffs)),
		attribute.Int("skipped_agents", len(skipped)),
		attribute.Int64("resume_after_ms", resumeAfter.Milliseconds()),
	)
	m.metrics.IncRelocationEvent(ResultScheduled)
	log.Info(ctx, "relocation event scheduled",
		logging.Int("agents", len(trajectories)),
		logging.Int("handoffs", len(plan.Handoffs)),
		logging.Int("unlocated", len(plan.Unlocated)),
		logging.Int("no_crossing", len(plan.NoCrossing)),
		logging.Duration("resume_after", resumeAfter),
	)

	return Result{EventID: eventID, Plan: plan, ResumeAfter: resumeAfter, Skipped: skipped}, nil
}

func (m *Manager) plan(ctx context.Context, trajectories map[netip.Addr]core.LinearMotion) Plan {
	_, span := observability.StartSpan(ctx, "mobility.Plan", "", "")
	defer span.End()
	return PlanHandoffs(trajectories, m.facade.Clients(), m.facade.StaWeightedRSSIFromAgent)
}

// acquire halts the selector and waits until it acknowledged. A
// selector already halted by one of this manager's earlier events is
// taken over as is.
func (m *Manager) acquire(ctx context.Context, log logging.Logger) error {
	for {
		if m.apps.TryHaltApplication(m.selector) {
			break
		}
		st, err := m.apps.ApplicationState(m.selector)
		if err != nil {
			return err
		}
		if st == app.Halted && m.holdsSelector() {
			return nil
		}
		log.Debug(ctx, "selector busy, waiting for it to run", logging.String("state", st.String()))
		if _, err := m.apps.WaitForState(ctx, m.selector, app.Running); err != nil {
			return err
		}
	}
	_, err := m.apps.WaitForState(ctx, m.selector, app.Halted)
	return err
}

func (m *Manager) holdsSelector() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resumes) > 0
}

func (m *Manager) executeHandoff(ctx context.Context, h PlannedHandoff) {
	m.facade.HandoffClientToAP(h.Client, h.To)
	m.metrics.IncHandoff(journal.SourceMobility, modeLabel, ReasonPredicted)
	log := m.loggerFor(ctx)
	log.Info(ctx, "predicted handoff executed",
		logging.String("client", h.Client.String()),
		logging.String("to", h.To.String()),
	)
	err := m.journal.RecordHandoff(ctx, journal.Handoff{
		At:     m.sched.Now(),
		Client: h.Client,
		From:   h.From,
		To:     h.To,
		Source: journal.SourceMobility,
		Reason: ReasonPredicted,
	})
	if err != nil {
		log.Warn(ctx, "journal handoff failed", logging.String("client", h.Client.String()), logging.Err(err))
	}
}

func (m *Manager) loggerFor(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return m.log
}

func (m *Manager) resume(ctx context.Context, eventID string) {
	m.mu.Lock()
	delete(m.resumes, eventID)
	m.mu.Unlock()

	if m.apps.ResumeApplication(m.selector) {
		m.loggerFor(ctx).Info(ctx, "selector resumed")
	}
}

// Cancel drops every task still pending for an event. If the event's
// resume was among them the selector is resumed immediately. It returns
// how many tasks were dropped.
func (m *Manager) Cancel(eventID string) int {
	m.mu.Lock()
	resumeID, ok := m.resumes[eventID]
	m.mu.Unlock()

	resumeDropped := ok && m.sched.Cancel(resumeID)
	n := m.sched.CancelGroup(eventID)
	if resumeDropped {
		n++
		m.resume(logging.ContextWithEventID(context.Background(), eventID), eventID)
	}
	return n
}

// Pending reports whether any event still holds the selector halted.
func (m *Manager) Pending() bool {
	return m.holdsSelector()
}

type noopMetrics struct{}

func (noopMetrics) IncHandoff(string, string, string)   {}
func (noopMetrics) IncRelocationEvent(string)           {}
func (noopMetrics) ObservePredictedDelay(time.Duration) {}

var (
	_ Coordinator = (*app.Registry)(nil)
	_ Metrics     = (*observability.DecisionCollector)(nil)
)
