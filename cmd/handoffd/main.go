// Command handoffd runs the handoff selector, the predictive mobility
// manager and the control gRPC server against one master.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/lvapctl/core"
	"github.com/signalsfoundry/lvapctl/internal/app"
	"github.com/signalsfoundry/lvapctl/internal/config"
	"github.com/signalsfoundry/lvapctl/internal/control"
	"github.com/signalsfoundry/lvapctl/internal/journal"
	"github.com/signalsfoundry/lvapctl/internal/logging"
	"github.com/signalsfoundry/lvapctl/internal/master"
	"github.com/signalsfoundry/lvapctl/internal/mobility"
	"github.com/signalsfoundry/lvapctl/internal/observability"
	"github.com/signalsfoundry/lvapctl/internal/schedule"
	"github.com/signalsfoundry/lvapctl/internal/selector"
	"github.com/signalsfoundry/lvapctl/model"
	"github.com/signalsfoundry/lvapctl/timectrl"
)

func main() {
	configPath := flag.String("config", "configs/handoffd.yaml", "Path to the YAML configuration file")
	logLevel := flag.String("log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Override LOG_FORMAT (text or json)")
	flag.Parse()

	log := logging.NewFromEnv()
	if *logLevel != "" || *logFormat != "" {
		log = logging.New(logging.Config{
			Level:     firstNonEmpty(*logLevel, os.Getenv("LOG_LEVEL")),
			Format:    firstNonEmpty(*logFormat, os.Getenv("LOG_FORMAT")),
			AddSource: true,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error(ctx, "failed to load configuration", logging.String("path", *configPath), logging.Err(err))
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		log.Error(ctx, "invalid configuration", logging.String("path", *configPath), logging.Err(err))
		os.Exit(1)
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	controlLis, err := net.Listen("tcp", cfg.Control.GRPCAddr)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.Control.GRPCAddr), logging.Err(err))
		os.Exit(1)
	}
	mobilityLis, err := net.Listen("tcp", cfg.Mobility.Listen)
	if err != nil {
		log.Error(ctx, "failed to listen for relocation events", logging.String("addr", cfg.Mobility.Listen), logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, log, controlLis, mobilityLis); err != nil {
		log.Error(ctx, "handoffd exited", logging.Err(err))
		os.Exit(1)
	}
	log.Info(context.Background(), "handoffd stopped")
}

// run wires every component and blocks until ctx is done or one of them
// fails.
func run(ctx context.Context, cfg config.Config, log logging.Logger, controlLis, mobilityLis net.Listener) error {
	registry := prometheus.NewRegistry()
	controlMetrics, err := observability.NewControlCollector(registry)
	if err != nil {
		return fmt.Errorf("control metrics: %w", err)
	}
	decisionMetrics, err := observability.NewDecisionCollector(registry)
	if err != nil {
		return fmt.Errorf("decision metrics: %w", err)
	}

	signals := core.NewSignalTable(cfg.Selector.Weight)
	clock := timectrl.WallClock{}
	facade := master.NewRegistry(clock, signals)
	if err := seedTopology(facade, cfg.Topology); err != nil {
		return err
	}

	var jr journal.Journal = journal.Noop{}
	if cfg.Journal.Path != "" {
		db, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.RecordParams(ctx, cfg.Selector.Params()); err != nil {
			return fmt.Errorf("record selector parameters: %w", err)
		}
		jr = db
	}

	apps := app.NewRegistry()
	selectorRuntime, err := apps.Register(cfg.Mobility.SelectorApp)
	if err != nil {
		return err
	}
	if _, err := apps.Register(mobility.AppName); err != nil {
		return err
	}

	selCfg, err := selectorConfig(cfg.Selector)
	if err != nil {
		return err
	}
	sel, err := selector.New(selCfg, facade, selectorRuntime, signals,
		selector.WithLogger(log),
		selector.WithClock(clock),
		selector.WithMetrics(decisionMetrics),
		selector.WithJournal(jr),
	)
	if err != nil {
		return err
	}

	sched := schedule.NewTaskScheduler(clock)
	sched.OnPendingChange(decisionMetrics.SetPendingTasks)

	manager, err := mobility.NewManager(facade, apps, sched, mobility.Config{
		SelectorApp: cfg.Mobility.SelectorApp,
		Resolver:    net.DefaultResolver,
		Log:         log,
		Metrics:     decisionMetrics,
		Journal:     jr,
	})
	if err != nil {
		return err
	}
	listener := mobility.NewListener(manager, clock, config.Duration(cfg.Mobility.ReadTimeout), log)

	server := control.NewServer(control.NewService(apps, facade, log), controlMetrics, log)
	server.WatchApplications(apps, controlMetrics)

	metricsSrv := serveMetrics(cfg.Control.MetricsAddr, controlMetrics, log)
	defer func() {
		if metricsSrv == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	log.Info(ctx, "handoffd starting",
		logging.String("mode", selCfg.Mode.String()),
		logging.Int("agents", len(cfg.Topology.Agents)),
		logging.Int("clients", len(cfg.Topology.Clients)),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return sel.Run(ctx) })
	g.Go(func() error { return listener.Serve(ctx, mobilityLis) })
	g.Go(func() error { return server.Serve(ctx, controlLis) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func selectorConfig(sc config.SelectorConfig) (selector.Config, error) {
	mode, err := selector.ParseMode(sc.Mode)
	if err != nil {
		return selector.Config{}, err
	}
	var vip netip.Addr
	if sc.VIPAgent != "" {
		if vip, err = netip.ParseAddr(sc.VIPAgent); err != nil {
			return selector.Config{}, fmt.Errorf("vip_agent: %w", err)
		}
	}
	return selector.Config{
		Mode:            mode,
		TimeToStart:     config.Duration(sc.TimeToStart),
		ScanInterval:    config.Duration(sc.ScanningInterval),
		AddedTime:       config.Duration(sc.AddedTime),
		SignalThreshold: sc.SignalThreshold,
		Hysteresis:      config.Duration(sc.Hysteresis),
		Pause:           config.Duration(sc.Pause),
		TxPowerSTA:      sc.TxPowerSTA,
		RequiredRate:    sc.RequiredRate,
		VIPAgent:        vip,
		SSID:            sc.SSID,
		FlowTTL:         config.Duration(sc.FlowTTL),
	}, nil
}

// seedTopology loads the configured agents, clients and standing RSSI
// readings into the in-memory master.
func seedTopology(r *master.Registry, topo config.TopologyConfig) error {
	for _, a := range topo.Agents {
		addr, err := netip.ParseAddr(a.Addr)
		if err != nil {
			return fmt.Errorf("agent %q: %w", a.Addr, err)
		}
		if err := r.AddAgent(model.Agent{Addr: addr, Channel: a.Channel, TxPowerDBm: a.TxPowerDBm}); err != nil {
			return err
		}
	}
	for _, c := range topo.Clients {
		mac, err := model.ParseMAC(c.MAC)
		if err != nil {
			return err
		}
		agent, err := netip.ParseAddr(c.Agent)
		if err != nil {
			return fmt.Errorf("client %s agent: %w", mac, err)
		}
		var ip netip.Addr
		if c.IP != "" {
			if ip, err = netip.ParseAddr(c.IP); err != nil {
				return fmt.Errorf("client %s ip: %w", mac, err)
			}
		}
		if err := r.AddClient(model.Client{MAC: mac, IP: ip, Agent: agent}); err != nil {
			return err
		}
		for rawAgent, dbm := range c.RSSI {
			heardBy, err := netip.ParseAddr(rawAgent)
			if err != nil {
				return fmt.Errorf("client %s rssi agent: %w", mac, err)
			}
			r.SetReading(heardBy, mac, dbm)
		}
	}
	return nil
}

func serveMetrics(addr string, collector *observability.ControlCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
