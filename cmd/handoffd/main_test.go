package main

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/lvapctl/core"
	"github.com/signalsfoundry/lvapctl/internal/config"
	"github.com/signalsfoundry/lvapctl/internal/control"
	"github.com/signalsfoundry/lvapctl/internal/logging"
	"github.com/signalsfoundry/lvapctl/internal/master"
	"github.com/signalsfoundry/lvapctl/internal/mobility"
	"github.com/signalsfoundry/lvapctl/internal/selector"
	"github.com/signalsfoundry/lvapctl/timectrl"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Selector.TimeToStart = "0s"
	cfg.Selector.Pause = "50ms"
	cfg.Selector.ScanningInterval = "10ms"
	cfg.Selector.AddedTime = "0s"
	cfg.Control.MetricsAddr = ""
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.Topology = config.TopologyConfig{
		Agents: []config.AgentConfig{
			{Addr: "192.168.1.11", Channel: 6, TxPowerDBm: 20},
			{Addr: "192.168.1.12", Channel: 6, TxPowerDBm: 20},
		},
		Clients: []config.ClientConfig{{
			MAC:   "aa:00:00:00:00:01",
			IP:    "10.0.0.1",
			Agent: "192.168.1.11",
			RSSI:  map[string]float64{"192.168.1.11": -80, "192.168.1.12": -40},
		}},
	}
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func TestHandoffdStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	controlLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	mobilityLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := testConfig(t)
	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg, logging.Noop(), controlLis, mobilityLis)
	}()

	conn, err := grpc.NewClient(controlLis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := control.NewClient(conn)

	apps, err := client.Applications(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		selector.AppName: "RUNNING",
		mobility.AppName: "RUNNING",
	}, apps)

	// The strongest agent wins within a few cycles.
	require.Eventually(t, func() bool {
		out, err := client.Call(ctx, "ListClients", map[string]any{"agent": "192.168.1.12"})
		return err == nil && len(out.GetFields()["clients"].GetListValue().GetValues()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	c, err := net.Dial("tcp", mobilityLis.Addr().String())
	require.NoError(t, err)
	_, err = c.Write([]byte("hello\n"))
	require.NoError(t, err)
	ack, err := bufio.NewReader(c).ReadString('\n')
	require.NoError(t, err)
	_, err = time.Parse(time.RFC3339Nano, ack[:len(ack)-1])
	require.NoError(t, err)
	c.Close()

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancellation")
	}
}

func TestSeedTopology(t *testing.T) {
	cfg := testConfig(t)
	r := master.NewRegistry(timectrl.WallClock{}, core.NewSignalTable(0.8))
	require.NoError(t, seedTopology(r, cfg.Topology))
	require.Len(t, r.Agents(), 2)
	require.Len(t, r.Clients(), 1)
	require.Equal(t, 1, r.RequestScannedStationsStatsFromAgent(r.Agents()[1].Addr, 6, "*"))
	require.Equal(t, "aa:00:00:00:00:01 -40\n", r.ScannedStaRSSIFromAgent(r.Agents()[1].Addr))

	cfg.Topology.Clients[0].Agent = "nope"
	require.Error(t, seedTopology(master.NewRegistry(timectrl.WallClock{}, core.NewSignalTable(0.8)), cfg.Topology))
}

func TestSelectorConfig(t *testing.T) {
	sc := config.Default().Selector
	sc.Mode = "DETECTOR"
	sc.VIPAgent = "192.168.1.12"
	got, err := selectorConfig(sc)
	require.NoError(t, err)
	require.Equal(t, selector.ModeDetector, got.Mode)
	require.Equal(t, 4*time.Second, got.Hysteresis)
	require.Equal(t, "192.168.1.12", got.VIPAgent.String())

	sc.Mode = "LOUDEST"
	_, err = selectorConfig(sc)
	require.Error(t, err)
}
