// Package journal persists selector parameters, per-client signal
// snapshots and every issued handoff to SQLite.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/signalsfoundry/lvapctl/core"
	"github.com/signalsfoundry/lvapctl/model"
)

// Handoff sources.
const (
	SourceSelector = "selector"
	SourceMobility = "mobility"
)

var ErrNotFound = errors.New("journal: not found")

// Handoff is one issued rebind.
type Handoff struct {
	At     time.Time
	Client model.MAC
	From   netip.Addr
	To     netip.Addr
	Source string
	Reason string
}

// ClientSnapshot is the latest scan state of a client.
type ClientSnapshot struct {
	MAC       model.MAC
	IP        netip.Addr
	Agent     netip.Addr
	Samples   map[netip.Addr]core.RSSI
	ScannedAt time.Time
}

// Journal records decisions. Implementations must be safe for
// concurrent use.
type Journal interface {
	RecordParams(ctx context.Context, params map[string]string) error
	UpsertClient(ctx context.Context, c ClientSnapshot) error
	RecordHandoff(ctx context.Context, h Handoff) error
}

// Noop discards everything.
type Noop struct{}

func (Noop) RecordParams(context.Context, map[string]string) error { return nil }
func (Noop) UpsertClient(context.Context, ClientSnapshot) error    { return nil }
func (Noop) RecordHandoff(context.Context, Handoff) error          { return nil }

//go:embed schema.sql
var schemaSQL string

// DB is the SQLite-backed Journal.
type DB struct {
	*sql.DB
}

// Open opens or creates the journal at path and applies the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// SQLite serialises writers; one connection also keeps ":memory:"
	// databases alive across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &DB{db}, nil
}

func (db *DB) RecordParams(ctx context.Context, params map[string]string) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin params tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, k := range keys {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO params (key, value, updated_unix_ms) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_unix_ms = excluded.updated_unix_ms
		`, k, params[k], now)
		if err != nil {
			return fmt.Errorf("record param %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// Params returns every stored parameter.
func (db *DB) Params(ctx context.Context) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM params`)
	if err != nil {
		return nil, fmt.Errorf("query params: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan param: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}

func parseAddr(s string) netip.Addr {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}
	}
	return a
}

func (db *DB) UpsertClient(ctx context.Context, c ClientSnapshot) error {
	samples := make(map[string]*float64, len(c.Samples))
	for agent, s := range c.Samples {
		if s.Heard {
			dbm := s.DBm
			samples[agent.String()] = &dbm
		} else {
			samples[agent.String()] = nil
		}
	}
	encoded, err := json.Marshal(samples)
	if err != nil {
		return fmt.Errorf("encode samples for %s: %w", c.MAC, err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO clients (mac, ip, agent, samples, last_scan_unix_ms) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(mac) DO UPDATE SET
			ip = excluded.ip,
			agent = excluded.agent,
			samples = excluded.samples,
			last_scan_unix_ms = excluded.last_scan_unix_ms
	`, string(c.MAC), addrString(c.IP), addrString(c.Agent), string(encoded), c.ScannedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert client %s: %w", c.MAC, err)
	}
	return nil
}

// Client returns the stored snapshot of mac.
func (db *DB) Client(ctx context.Context, mac model.MAC) (ClientSnapshot, error) {
	var ip, agent, encoded string
	var scanned int64
	err := db.QueryRowContext(ctx, `
		SELECT ip, agent, samples, last_scan_unix_ms FROM clients WHERE mac = ?
	`, string(mac)).Scan(&ip, &agent, &encoded, &scanned)
	if errors.Is(err, sql.ErrNoRows) {
		return ClientSnapshot{}, fmt.Errorf("%w: client %s", ErrNotFound, mac)
	}
	if err != nil {
		return ClientSnapshot{}, fmt.Errorf("query client %s: %w", mac, err)
	}

	var raw map[string]*float64
	if err := json.Unmarshal([]byte(encoded), &raw); err != nil {
		return ClientSnapshot{}, fmt.Errorf("decode samples for %s: %w", mac, err)
	}
	samples := make(map[netip.Addr]core.RSSI, len(raw))
	for k, v := range raw {
		a := parseAddr(k)
		if !a.IsValid() {
			continue
		}
		if v == nil {
			samples[a] = core.Unheard()
		} else {
			samples[a] = core.HeardAt(*v)
		}
	}
	return ClientSnapshot{
		MAC:       mac,
		IP:        parseAddr(ip),
		Agent:     parseAddr(agent),
		Samples:   samples,
		ScannedAt: time.UnixMilli(scanned).UTC(),
	}, nil
}

func (db *DB) RecordHandoff(ctx context.Context, h Handoff) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO handoffs (at_unix_ms, client, from_agent, to_agent, source, reason)
		VALUES (?, ?, ?, ?, ?, ?)
	`, h.At.UnixMilli(), string(h.Client), addrString(h.From), addrString(h.To), h.Source, h.Reason)
	if err != nil {
		return fmt.Errorf("record handoff of %s: %w", h.Client, err)
	}
	return nil
}

// Handoffs returns the recorded handoffs of mac, oldest first. An empty
// mac returns every handoff.
func (db *DB) Handoffs(ctx context.Context, mac model.MAC) ([]Handoff, error) {
	query := `SELECT at_unix_ms, client, from_agent, to_agent, source, reason FROM handoffs`
	var args []any
	if mac != "" {
		query += ` WHERE client = ?`
		args = append(args, string(mac))
	}
	query += ` ORDER BY at_unix_ms, id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query handoffs: %w", err)
	}
	defer rows.Close()

	var out []Handoff
	for rows.Next() {
		var at int64
		var client, from, to string
		var h Handoff
		if err := rows.Scan(&at, &client, &from, &to, &h.Source, &h.Reason); err != nil {
			return nil, fmt.Errorf("scan handoff: %w", err)
		}
		h.At = time.UnixMilli(at).UTC()
		h.Client = model.MAC(client)
		h.From = parseAddr(from)
		h.To = parseAddr(to)
		out = append(out, h)
	}
	return out, rows.Err()
}

var (
	_ Journal = (*DB)(nil)
	_ Journal = Noop{}
)
