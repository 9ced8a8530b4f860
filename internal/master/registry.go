package master

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/signalsfoundry/lvapctl/core"
	"github.com/signalsfoundry/lvapctl/model"
	"github.com/signalsfoundry/lvapctl/timectrl"
)

// EventType indicates what kind of change happened in the registry.
type EventType int

const (
	EventClientAdded EventType = iota
	EventHandoff
	EventClientRemoved
)

// Event is emitted to subscribers when the client/agent binding changes.
type Event struct {
	Type   EventType
	Client model.Client
	From   netip.Addr
}

type subscription struct {
	id int
	fn func(Event)
}

type flowRegistration struct {
	spec model.FlowSpec
	cb   FlowCallback
}

// Registry is an in-memory master. Agents hear clients through
// emulated readings set with SetReading; a scan request snapshots the
// readings of every client on the requested channel.
type Registry struct {
	mu    sync.RWMutex
	clock timectrl.Clock

	agents   map[netip.Addr]*model.Agent
	clients  map[model.MAC]*model.Client
	rxStats  map[netip.Addr]map[model.MAC]map[string]string
	readings map[netip.Addr]map[model.MAC]float64
	scans    map[netip.Addr]string

	signals *core.SignalTable

	flows    []flowRegistration
	subs     []subscription
	nextSub  int
	handoffs int
}

// NewRegistry returns an empty registry. signals backs
// StaWeightedRSSIFromAgent and is normally shared with the selector.
func NewRegistry(clock timectrl.Clock, signals *core.SignalTable) *Registry {
	return &Registry{
		clock:    clock,
		agents:   make(map[netip.Addr]*model.Agent),
		clients:  make(map[model.MAC]*model.Client),
		rxStats:  make(map[netip.Addr]map[model.MAC]map[string]string),
		readings: make(map[netip.Addr]map[model.MAC]float64),
		scans:    make(map[netip.Addr]string),
		signals:  signals,
	}
}

// Signals returns the sample table backing weighted RSSI queries.
func (r *Registry) Signals() *core.SignalTable {
	return r.signals
}

// AddAgent registers an agent.
func (r *Registry) AddAgent(a model.Agent) error {
	if !a.Addr.IsValid() {
		return fmt.Errorf("%w: invalid address", ErrAgentNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.Addr]; exists {
		return fmt.Errorf("%w: %s", ErrAgentExists, a.Addr)
	}
	if a.LastHeard.IsZero() {
		a.LastHeard = r.clock.Now()
	}
	r.agents[a.Addr] = &a
	return nil
}

// AddClient registers a client bound to an existing agent.
func (r *Registry) AddClient(c model.Client) error {
	r.mu.Lock()
	if _, exists := r.clients[c.MAC]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrClientExists, c.MAC)
	}
	if _, ok := r.agents[c.Agent]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s for client %s", ErrAgentNotFound, c.Agent, c.MAC)
	}
	r.clients[c.MAC] = &c
	event := Event{Type: EventClientAdded, Client: c}
	subs := r.subscribersLocked()
	r.mu.Unlock()

	for _, sub := range subs {
		sub(event)
	}
	return nil
}

// RemoveClient forgets a departed client: its binding, its emulated
// readings and RX stats, and its smoothed samples.
func (r *Registry) RemoveClient(mac model.MAC) error {
	r.mu.Lock()
	c, ok := r.clients[mac]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrClientNotFound, mac)
	}
	delete(r.clients, mac)
	for _, readings := range r.readings {
		delete(readings, mac)
	}
	for _, stats := range r.rxStats {
		delete(stats, mac)
	}
	event := Event{Type: EventClientRemoved, Client: *c, From: c.Agent}
	subs := r.subscribersLocked()
	r.mu.Unlock()

	if r.signals != nil {
		r.signals.Forget(mac)
	}
	for _, sub := range subs {
		sub(event)
	}
	return nil
}

// Client returns one client by MAC.
func (r *Registry) Client(mac model.MAC) (model.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[mac]
	if !ok {
		return model.Client{}, fmt.Errorf("%w: %s", ErrClientNotFound, mac)
	}
	return *c, nil
}

// SetReading sets the RSSI agent observes for mac in emulated scans.
func (r *Registry) SetReading(agent netip.Addr, mac model.MAC, dbm float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.readings[agent]
	if !ok {
		row = make(map[model.MAC]float64)
		r.readings[agent] = row
	}
	row[mac] = dbm
}

// ClearReading makes agent stop hearing mac.
func (r *Registry) ClearReading(agent netip.Addr, mac model.MAC) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.readings[agent], mac)
}

// SetRxStats replaces the statistics agent reports for mac.
func (r *Registry) SetRxStats(agent netip.Addr, mac model.MAC, stats map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rxStats[agent]
	if !ok {
		row = make(map[model.MAC]map[string]string)
		r.rxStats[agent] = row
	}
	cp := make(map[string]string, len(stats))
	for k, v := range stats {
		cp[k] = v
	}
	row[mac] = cp
}

// Handoffs returns how many rebinds were applied.
func (r *Registry) Handoffs() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handoffs
}

// Subscribe registers a callback for registry events. It returns an
// unsubscribe function.
func (r *Registry) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSub++
	id := r.nextSub
	r.subs = append(r.subs, subscription{id: id, fn: fn})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, sub := range r.subs {
			if sub.id == id {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

func (r *Registry) subscribersLocked() []func(Event) {
	out := make([]func(Event), len(r.subs))
	for i, sub := range r.subs {
		out[i] = sub.fn
	}
	return out
}

// ReportFlow dispatches a flow to every matching registration.
func (r *Registry) ReportFlow(f model.Flow) int {
	r.mu.RLock()
	var matched []FlowCallback
	for _, reg := range r.flows {
		if reg.spec.Matches(f) {
			matched = append(matched, reg.cb)
		}
	}
	r.mu.RUnlock()

	for _, cb := range matched {
		go cb(f)
	}
	return len(matched)
}

func (r *Registry) Clients() []model.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]model.Client, 0, len(r.clients))
	for _, c := range r.clients {
		res = append(res, *c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].MAC < res[j].MAC })
	return res
}

func (r *Registry) Agents() []model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]model.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		res = append(res, *a)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Addr.Less(res[j].Addr) })
	return res
}

func (r *Registry) ClientsFromAgent(agent netip.Addr) []model.Client {
	var res []model.Client
	for _, c := range r.Clients() {
		if c.Agent == agent {
			res = append(res, c)
		}
	}
	return res
}

func (r *Registry) HandoffClientToAP(mac model.MAC, agent netip.Addr) {
	r.mu.Lock()
	c, ok := r.clients[mac]
	_, agentOK := r.agents[agent]
	if !ok || !agentOK || c.Agent == agent {
		r.mu.Unlock()
		return
	}
	from := c.Agent
	c.Agent = agent
	r.handoffs++
	event := Event{Type: EventHandoff, Client: *c, From: from}
	subs := r.subscribersLocked()
	r.mu.Unlock()

	for _, sub := range subs {
		sub(event)
	}
}

func (r *Registry) RxStatsFromAgent(agent netip.Addr) map[model.MAC]map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[model.MAC]map[string]string, len(r.rxStats[agent]))
	for mac, stats := range r.rxStats[agent] {
		cp := make(map[string]string, len(stats))
		for k, v := range stats {
			cp[k] = v
		}
		out[mac] = cp
	}
	return out
}

func (r *Registry) RequestScannedStationsStatsFromAgent(agent netip.Addr, channel int, ssid string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agent]
	if !ok {
		return 0
	}
	a.LastHeard = r.clock.Now()

	macs := make([]model.MAC, 0, len(r.readings[agent]))
	for mac := range r.readings[agent] {
		c, ok := r.clients[mac]
		if !ok {
			continue
		}
		if host, ok := r.agents[c.Agent]; !ok || host.Channel != channel {
			continue
		}
		macs = append(macs, mac)
	}
	sort.Slice(macs, func(i, j int) bool { return macs[i] < macs[j] })

	var b strings.Builder
	for _, mac := range macs {
		b.WriteString(string(mac))
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(r.readings[agent][mac], 'f', -1, 64))
		b.WriteByte('\n')
	}
	r.scans[agent] = b.String()
	return 1
}

func (r *Registry) ScannedStaRSSIFromAgent(agent netip.Addr) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scans[agent]
}

func (r *Registry) StaWeightedRSSIFromAgent(mac model.MAC, agent netip.Addr) core.RSSI {
	if r.signals == nil {
		return core.Unheard()
	}
	return r.signals.Get(mac, agent)
}

func (r *Registry) ChannelFromAgent(agent netip.Addr) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[agent]; ok {
		return a.Channel
	}
	return 0
}

func (r *Registry) TxPowerFromAgent(agent netip.Addr) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[agent]; ok {
		return a.TxPowerDBm
	}
	return 0
}

func (r *Registry) RegisterFlowDetection(spec model.FlowSpec, cb FlowCallback) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows = append(r.flows, flowRegistration{spec: spec, cb: cb})
	return len(r.flows)
}

var _ Facade = (*Registry)(nil)
