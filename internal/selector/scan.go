package selector

import (
	"bufio"
	"context"
	"math"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/signalsfoundry/lvapctl/core"
	"github.com/signalsfoundry/lvapctl/internal/journal"
	"github.com/signalsfoundry/lvapctl/internal/logging"
	"github.com/signalsfoundry/lvapctl/model"
)

// scan requests a scan of every in-use channel from every agent, waits
// for the scan window and folds the results into the signal table.
func (s *Selector) scan(ctx context.Context, snap snapshot) error {
	channelOf := make(map[netip.Addr]int, len(snap.agents))
	var channels []int
	seen := make(map[int]bool)
	for _, a := range snap.agents {
		ch := s.facade.ChannelFromAgent(a.Addr)
		channelOf[a.Addr] = ch
		if ch != 0 && !seen[ch] {
			seen[ch] = true
			channels = append(channels, ch)
		}
	}
	sort.Ints(channels)

	for _, ch := range channels {
		var onChannel []model.Client
		for _, c := range snap.clients {
			if channelOf[c.Agent] == ch {
				onChannel = append(onChannel, c)
			}
		}
		if len(onChannel) == 0 {
			continue
		}

		var accepted []netip.Addr
		for _, a := range snap.agents {
			if s.facade.RequestScannedStationsStatsFromAgent(a.Addr, ch, s.cfg.SSID) == 1 {
				accepted = append(accepted, a.Addr)
				continue
			}
			s.log.Debug(ctx, "agent rejected scan request",
				logging.String("agent", a.Addr.String()), logging.Int("channel", ch))
		}
		if len(accepted) == 0 {
			continue
		}

		if err := s.sleep(ctx, s.cfg.ScanInterval+s.cfg.AddedTime); err != nil {
			return err
		}

		for _, agent := range accepted {
			readings := parseScan(s.facade.ScannedStaRSSIFromAgent(agent))
			for _, c := range onChannel {
				// Missing lines count as unheard.
				s.signals.Observe(c.MAC, agent, readings[c.MAC])
			}
		}
	}

	scannedAt := s.clock.Now()
	for _, c := range snap.clients {
		err := s.journal.UpsertClient(ctx, journal.ClientSnapshot{
			MAC:       c.MAC,
			IP:        c.IP,
			Agent:     c.Agent,
			Samples:   s.signals.Row(c.MAC),
			ScannedAt: scannedAt,
		})
		if err != nil {
			s.log.Warn(ctx, "journal client upsert failed", logging.String("client", c.MAC.String()), logging.Err(err))
		}
	}
	return nil
}

// parseScan decodes "MAC rssi" lines. Malformed lines are skipped and
// the unheard sentinel maps to an unheard reading.
func parseScan(raw string) map[model.MAC]core.RSSI {
	out := make(map[model.MAC]core.RSSI)
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		mac, err := model.ParseMAC(fields[0])
		if err != nil {
			continue
		}
		dbm, err := strconv.ParseFloat(fields[1], 64)
		if err != nil || math.IsNaN(dbm) || math.IsInf(dbm, 0) {
			continue
		}
		if dbm <= core.UnheardDBm {
			out[mac] = core.Unheard()
			continue
		}
		out[mac] = core.HeardAt(dbm)
	}
	return out
}
