// Package master defines the narrow view of the controller master that
// the decision loops consume, plus an in-memory implementation used for
// standalone runs and tests.
package master

import (
	"errors"
	"net/netip"

	"github.com/signalsfoundry/lvapctl/core"
	"github.com/signalsfoundry/lvapctl/model"
)

var (
	ErrClientNotFound = errors.New("client not found")
	ErrAgentNotFound  = errors.New("agent not found")
	ErrClientExists   = errors.New("client already exists")
	ErrAgentExists    = errors.New("agent already exists")
)

// Rx statistic keys reported per client by an agent.
const (
	StatPackets       = "packets"
	StatAvgRate       = "avg_rate"
	StatAvgSignal     = "avg_signal"
	StatAvgLenPkt     = "avg_len_pkt"
	StatAirTime       = "air_time"
	StatFirstReceived = "first_received"
	StatLastReceived  = "last_received"
)

// FlowCallback receives flows matching a registered FlowSpec. It is
// invoked on its own goroutine.
type FlowCallback func(model.Flow)

// Facade is the master state consumed by the selector and the mobility
// planner. Every method is safe for concurrent use and returns copies.
type Facade interface {
	Clients() []model.Client
	Agents() []model.Agent
	ClientsFromAgent(agent netip.Addr) []model.Client

	// HandoffClientToAP rebinds the client's LVAP. It is idempotent and
	// fire-and-forget: failures are not reported to the caller.
	HandoffClientToAP(mac model.MAC, agent netip.Addr)

	RxStatsFromAgent(agent netip.Addr) map[model.MAC]map[string]string

	// RequestScannedStationsStatsFromAgent asks the agent to scan channel
	// for ssid ("*" for any). It returns 1 when the agent accepted.
	RequestScannedStationsStatsFromAgent(agent netip.Addr, channel int, ssid string) int
	// ScannedStaRSSIFromAgent returns the last scan as "MAC rssi" lines.
	ScannedStaRSSIFromAgent(agent netip.Addr) string

	StaWeightedRSSIFromAgent(mac model.MAC, agent netip.Addr) core.RSSI
	ChannelFromAgent(agent netip.Addr) int
	TxPowerFromAgent(agent netip.Addr) int

	RegisterFlowDetection(spec model.FlowSpec, cb FlowCallback) int
}
