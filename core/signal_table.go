package core

import (
	"net/netip"
	"sync"

	"github.com/signalsfoundry/lvapctl/model"
)

// SignalTable holds the smoothed RSSI of every (client, agent) pair.
// It is concurrency-safe; readers receive copies.
type SignalTable struct {
	mu      sync.RWMutex
	alpha   float64
	samples map[model.MAC]map[netip.Addr]RSSI
}

// NewSignalTable returns an empty table smoothing with weight alpha.
func NewSignalTable(alpha float64) *SignalTable {
	return &SignalTable{
		alpha:   alpha,
		samples: make(map[model.MAC]map[netip.Addr]RSSI),
	}
}

// Observe folds obs into the sample for (client, agent) and returns the
// new sample.
func (t *SignalTable) Observe(client model.MAC, agent netip.Addr, obs RSSI) RSSI {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok := t.samples[client]
	if !ok {
		row = make(map[netip.Addr]RSSI)
		t.samples[client] = row
	}
	next := UpdateSample(row[agent], obs, t.alpha)
	row[agent] = next
	return next
}

// Get returns the sample for (client, agent), unheard when absent.
func (t *SignalTable) Get(client model.MAC, agent netip.Addr) RSSI {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.samples[client][agent]
}

// Row returns a copy of every agent's sample for client.
func (t *SignalTable) Row(client model.MAC) map[netip.Addr]RSSI {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[netip.Addr]RSSI, len(t.samples[client]))
	for agent, s := range t.samples[client] {
		out[agent] = s
	}
	return out
}

// Forget drops all samples of a client.
func (t *SignalTable) Forget(client model.MAC) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.samples, client)
}
