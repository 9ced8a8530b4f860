// Package selector implements the periodic handoff selector: it scans
// every in-use channel, smooths the readings, and applies one decision
// rule per cycle according to the configured mode.
package selector

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/lvapctl/core"
	"github.com/signalsfoundry/lvapctl/internal/journal"
	"github.com/signalsfoundry/lvapctl/internal/logging"
	"github.com/signalsfoundry/lvapctl/internal/master"
	"github.com/signalsfoundry/lvapctl/internal/observability"
	"github.com/signalsfoundry/lvapctl/model"
	"github.com/signalsfoundry/lvapctl/timectrl"
	"go.opentelemetry.io/otel/attribute"
)

// AppName is the name the selector registers under with the
// application registry.
const AppName = "SmartApSelection"

// Mode selects the decision rule.
type Mode int

const (
	ModeRSSI Mode = iota
	ModeBalancer
	ModeFF
	ModeDetector
)

func (m Mode) String() string {
	switch m {
	case ModeRSSI:
		return "RSSI"
	case ModeBalancer:
		return "BALANCER"
	case ModeFF:
		return "FF"
	case ModeDetector:
		return "DETECTOR"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses a case-insensitive mode name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RSSI":
		return ModeRSSI, nil
	case "BALANCER":
		return ModeBalancer, nil
	case "FF":
		return ModeFF, nil
	case "DETECTOR":
		return ModeDetector, nil
	}
	return 0, fmt.Errorf("unknown selector mode %q", s)
}

// Handoff reasons recorded in logs, metrics and the journal.
const (
	ReasonRSSI        = "rssi"
	ReasonBalance     = "balance"
	ReasonFittingness = "fittingness"
	ReasonFlow        = "flow_detected"
	ReasonFlowExpired = "flow_expired"
	ReasonVIPRelease  = "vip_release"
)

// Config holds the selector parameters.
type Config struct {
	Mode            Mode
	TimeToStart     time.Duration
	ScanInterval    time.Duration
	AddedTime       time.Duration
	SignalThreshold float64
	Hysteresis      time.Duration
	Pause           time.Duration
	TxPowerSTA      float64
	RequiredRate    float64
	VIPAgent        netip.Addr
	SSID            string
	FlowTTL         time.Duration
}

// Checkpointer is the application runtime handle the loop yields to.
// Handoffs are issued through IfRunning so none lands once a halt has
// been granted.
type Checkpointer interface {
	Checkpoint(ctx context.Context) (blocked bool, err error)
	IfRunning(fn func()) bool
}

// Metrics receives selector measurements.
type Metrics interface {
	IncHandoff(source, mode, reason string)
	ObserveScanCycle(d time.Duration)
	SetActiveFlows(count int)
}

// Option customises a Selector.
type Option func(*Selector)

func WithLogger(log logging.Logger) Option {
	return func(s *Selector) {
		if log != nil {
			s.log = log
		}
	}
}

func WithClock(clock timectrl.Clock) Option {
	return func(s *Selector) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *Selector) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithJournal(j journal.Journal) Option {
	return func(s *Selector) {
		if j != nil {
			s.journal = j
		}
	}
}

type snapshot struct {
	now     time.Time
	clients []model.Client
	agents  []model.Agent
}

type decideFunc func(ctx context.Context, snap snapshot)

// Selector is the handoff selection loop.
type Selector struct {
	cfg     Config
	facade  master.Facade
	runtime Checkpointer
	signals *core.SignalTable
	clock   timectrl.Clock
	log     logging.Logger
	metrics Metrics
	journal journal.Journal
	decide  decideFunc

	mu          sync.Mutex
	lastHandoff map[model.MAC]time.Time
	flows       map[netip.Addr]*model.DetectedFlow
}

// New builds a selector. signals must be the table the facade reads
// weighted RSSI from. In DETECTOR mode New registers a flow detection
// callback with the facade.
func New(cfg Config, facade master.Facade, runtime Checkpointer, signals *core.SignalTable, opts ...Option) (*Selector, error) {
	if facade == nil {
		return nil, fmt.Errorf("selector: facade is required")
	}
	if runtime == nil {
		return nil, fmt.Errorf("selector: runtime is required")
	}
	if signals == nil {
		return nil, fmt.Errorf("selector: signal table is required")
	}
	if cfg.SSID == "" {
		cfg.SSID = "*"
	}
	if cfg.FlowTTL <= 0 {
		cfg.FlowTTL = model.DefaultFlowTTL
	}

	s := &Selector{
		cfg:         cfg,
		facade:      facade,
		runtime:     runtime,
		signals:     signals,
		clock:       timectrl.WallClock{},
		log:         logging.Noop(),
		metrics:     noopMetrics{},
		journal:     journal.Noop{},
		lastHandoff: make(map[model.MAC]time.Time),
		flows:       make(map[netip.Addr]*model.DetectedFlow),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logging.String("app", AppName), logging.String("mode", cfg.Mode.String()))

	switch cfg.Mode {
	case ModeRSSI:
		s.decide = s.decideRSSI
	case ModeBalancer:
		s.decide = s.decideBalancer
	case ModeFF:
		if cfg.RequiredRate <= 0 {
			return nil, fmt.Errorf("selector: FF mode needs a positive required rate")
		}
		s.decide = s.decideFF
	case ModeDetector:
		if !cfg.VIPAgent.IsValid() {
			return nil, fmt.Errorf("selector: DETECTOR mode needs a VIP agent")
		}
		s.decide = s.decideDetector
		facade.RegisterFlowDetection(model.FlowSpec{}, s.onFlow)
	default:
		return nil, fmt.Errorf("selector: unsupported mode %v", cfg.Mode)
	}
	return s, nil
}

// Run waits TimeToStart and then cycles until ctx is done. Each cycle
// starts at the runtime checkpoint, so a halt request takes effect
// before the next scan.
func (s *Selector) Run(ctx context.Context) error {
	s.log.Info(ctx, "selector starting",
		logging.Duration("time_to_start", s.cfg.TimeToStart),
		logging.Float("signal_threshold", s.cfg.SignalThreshold),
		logging.Duration("hysteresis", s.cfg.Hysteresis),
	)
	if err := s.sleep(ctx, s.cfg.TimeToStart); err != nil {
		return err
	}

	for {
		blocked, err := s.runtime.Checkpoint(ctx)
		if err != nil {
			return err
		}
		if blocked {
			s.log.Info(ctx, "selector resumed")
		}

		if err := s.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn(ctx, "selector cycle failed", logging.Err(err))
		}

		if err := s.sleep(ctx, s.cfg.Pause); err != nil {
			return err
		}
	}
}

// RunCycle performs one scan and one decision pass.
func (s *Selector) RunCycle(ctx context.Context) error {
	start := s.clock.Now()
	ctx, span := observability.StartSpan(ctx, "selector.RunCycle", "", "",
		attribute.String("mode", s.cfg.Mode.String()))
	defer span.End()
	defer func() { s.metrics.ObserveScanCycle(timectrl.Since(s.clock, start)) }()

	snap := snapshot{
		clients: s.facade.Clients(),
		agents:  s.facade.Agents(),
	}
	if len(snap.clients) == 0 || len(snap.agents) == 0 {
		s.log.Debug(ctx, "nothing to scan",
			logging.Int("clients", len(snap.clients)),
			logging.Int("agents", len(snap.agents)))
		return nil
	}

	if err := s.scan(ctx, snap); err != nil {
		span.RecordError(err)
		return err
	}

	// A halt granted during the scan wait makes the snapshot stale.
	blocked, err := s.runtime.Checkpoint(ctx)
	if err != nil {
		return err
	}
	if blocked {
		s.log.Info(ctx, "selector resumed mid-cycle, scan discarded")
		return nil
	}

	snap.now = s.clock.Now()
	s.decide(ctx, snap)
	return nil
}

func (s *Selector) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}

// hysteresisElapsed reports whether the client may be handed off at now.
func (s *Selector) hysteresisElapsed(mac model.MAC, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastHandoff[mac]
	return !ok || now.Sub(last) > s.cfg.Hysteresis
}

// LastHandoff returns when the selector last moved the client.
func (s *Selector) LastHandoff(mac model.MAC) (model.HandoffRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastHandoff[mac]
	return model.HandoffRecord{Client: mac, At: at}, ok
}

// handoff rebinds c to the agent at to. It reports false, without
// touching the facade, when a halt is pending.
func (s *Selector) handoff(ctx context.Context, c model.Client, to netip.Addr, reason string, now time.Time) bool {
	issued := s.runtime.IfRunning(func() { s.facade.HandoffClientToAP(c.MAC, to) })
	if !issued {
		s.log.Debug(ctx, "handoff withheld, halt pending",
			logging.String("client", c.MAC.String()),
			logging.String("to", to.String()))
		return false
	}

	s.mu.Lock()
	if last, ok := s.lastHandoff[c.MAC]; !ok || now.After(last) {
		s.lastHandoff[c.MAC] = now
	}
	s.mu.Unlock()

	s.metrics.IncHandoff(journal.SourceSelector, s.cfg.Mode.String(), reason)
	s.log.Info(ctx, "handoff issued",
		logging.String("client", c.MAC.String()),
		logging.String("from", c.Agent.String()),
		logging.String("to", to.String()),
		logging.String("reason", reason),
	)

	err := s.journal.RecordHandoff(ctx, journal.Handoff{
		At:     now,
		Client: c.MAC,
		From:   c.Agent,
		To:     to,
		Source: journal.SourceSelector,
		Reason: reason,
	})
	if err != nil {
		s.log.Warn(ctx, "journal handoff failed", logging.String("client", c.MAC.String()), logging.Err(err))
	}
	return true
}

type noopMetrics struct{}

func (noopMetrics) IncHandoff(string, string, string) {}
func (noopMetrics) ObserveScanCycle(time.Duration)    {}
func (noopMetrics) SetActiveFlows(int)                {}

var _ Metrics = (*observability.DecisionCollector)(nil)
