// Package config loads the handoffd YAML configuration.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMode              = "RSSI"
	DefaultTimeToStart       = "30s"
	DefaultScanningInterval  = "500ms"
	DefaultAddedTime         = "50ms"
	DefaultSignalThreshold   = -56.0
	DefaultHysteresis        = "4s"
	DefaultWeight            = 0.8
	DefaultPause             = "1s"
	DefaultTxPowerSTA        = 15.0
	DefaultRequiredRateKbps  = 1000.0
	DefaultSSID              = "*"
	DefaultFlowTTL           = "30s"
	DefaultMobilityListen    = ":6666"
	DefaultSelectorApp       = "SmartApSelection"
	DefaultGRPCAddr          = ":7070"
	DefaultMetricsAddr       = ":9090"
	DefaultJournalPath       = "handoffd.db"
	DefaultAgentChannel      = 6
	DefaultAgentTxPowerDBm   = 20
	DefaultRelocationTimeout = "30s"
)

// Config is the full handoffd configuration.
type Config struct {
	Selector SelectorConfig `yaml:"selector"`
	Mobility MobilityConfig `yaml:"mobility"`
	Control  ControlConfig  `yaml:"control"`
	Journal  JournalConfig  `yaml:"journal"`
	Topology TopologyConfig `yaml:"topology,omitempty"`
}

// SelectorConfig tunes the handoff selector loop.
type SelectorConfig struct {
	Mode             string  `yaml:"mode"`
	TimeToStart      string  `yaml:"time_to_start"`
	ScanningInterval string  `yaml:"scanning_interval"`
	AddedTime        string  `yaml:"added_time"`
	SignalThreshold  float64 `yaml:"signal_threshold"`
	Hysteresis       string  `yaml:"hysteresis_threshold"`
	Weight           float64 `yaml:"weight"`
	Pause            string  `yaml:"pause"`
	TxPowerSTA       float64 `yaml:"txpower_sta"`
	RequiredRate     float64 `yaml:"th_req_sta"`
	VIPAgent         string  `yaml:"vip_agent,omitempty"`
	SSID             string  `yaml:"ssid"`
	FlowTTL          string  `yaml:"flow_ttl"`
}

// MobilityConfig configures the relocation listener.
type MobilityConfig struct {
	Listen      string `yaml:"listen"`
	SelectorApp string `yaml:"selector_app"`
	// ReadTimeout bounds how long a connection may take to deliver its
	// relocation line.
	ReadTimeout string `yaml:"read_timeout"`
}

// ControlConfig configures the gRPC control server and metrics endpoint.
type ControlConfig struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// JournalConfig configures the SQLite decision journal. An empty path
// disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// TopologyConfig seeds the in-memory master for standalone runs.
type TopologyConfig struct {
	Agents  []AgentConfig  `yaml:"agents,omitempty"`
	Clients []ClientConfig `yaml:"clients,omitempty"`
}

// AgentConfig declares one access point.
type AgentConfig struct {
	Addr       string `yaml:"addr"`
	Channel    int    `yaml:"channel"`
	TxPowerDBm int    `yaml:"txpower_dbm"`
}

// ClientConfig declares one station and what each agent hears of it.
type ClientConfig struct {
	MAC   string             `yaml:"mac"`
	IP    string             `yaml:"ip,omitempty"`
	Agent string             `yaml:"agent"`
	RSSI  map[string]float64 `yaml:"rssi,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks values that defaults cannot repair.
func Validate(cfg Config) error {
	switch strings.ToUpper(cfg.Selector.Mode) {
	case "RSSI", "BALANCER", "FF", "DETECTOR":
	default:
		return fmt.Errorf("selector.mode %q is not one of RSSI, BALANCER, FF, DETECTOR", cfg.Selector.Mode)
	}
	if cfg.Selector.Weight <= 0 || cfg.Selector.Weight > 1 {
		return fmt.Errorf("selector.weight must be in (0, 1], got %v", cfg.Selector.Weight)
	}
	for name, raw := range map[string]string{
		"selector.time_to_start":        cfg.Selector.TimeToStart,
		"selector.scanning_interval":    cfg.Selector.ScanningInterval,
		"selector.added_time":           cfg.Selector.AddedTime,
		"selector.hysteresis_threshold": cfg.Selector.Hysteresis,
		"selector.pause":                cfg.Selector.Pause,
		"selector.flow_ttl":             cfg.Selector.FlowTTL,
		"mobility.read_timeout":         cfg.Mobility.ReadTimeout,
	} {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if strings.EqualFold(cfg.Selector.Mode, "FF") && cfg.Selector.RequiredRate <= 0 {
		return fmt.Errorf("selector.th_req_sta must be positive in FF mode")
	}
	if strings.EqualFold(cfg.Selector.Mode, "DETECTOR") && cfg.Selector.VIPAgent == "" {
		return fmt.Errorf("selector.vip_agent is required in DETECTOR mode")
	}
	if cfg.Selector.VIPAgent != "" {
		if _, err := netip.ParseAddr(cfg.Selector.VIPAgent); err != nil {
			return fmt.Errorf("selector.vip_agent: %w", err)
		}
	}
	if cfg.Mobility.Listen == "" {
		return fmt.Errorf("mobility.listen is required")
	}
	return validateTopology(cfg.Topology)
}

func validateTopology(t TopologyConfig) error {
	agents := make(map[string]bool, len(t.Agents))
	for i, a := range t.Agents {
		if _, err := netip.ParseAddr(a.Addr); err != nil {
			return fmt.Errorf("topology.agents[%d].addr: %w", i, err)
		}
		agents[a.Addr] = true
	}
	for i, c := range t.Clients {
		if c.MAC == "" {
			return fmt.Errorf("topology.clients[%d].mac is required", i)
		}
		if !agents[c.Agent] {
			return fmt.Errorf("topology.clients[%d].agent %q is not a declared agent", i, c.Agent)
		}
		for agent := range c.RSSI {
			if !agents[agent] {
				return fmt.Errorf("topology.clients[%d].rssi references unknown agent %q", i, agent)
			}
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Selector
	if s.Mode == "" {
		s.Mode = DefaultMode
	}
	s.Mode = strings.ToUpper(s.Mode)
	if s.TimeToStart == "" {
		s.TimeToStart = DefaultTimeToStart
	}
	if s.ScanningInterval == "" {
		s.ScanningInterval = DefaultScanningInterval
	}
	if s.AddedTime == "" {
		s.AddedTime = DefaultAddedTime
	}
	if s.SignalThreshold == 0 {
		s.SignalThreshold = DefaultSignalThreshold
	}
	if s.Hysteresis == "" {
		s.Hysteresis = DefaultHysteresis
	}
	if s.Weight == 0 {
		s.Weight = DefaultWeight
	}
	if s.Pause == "" {
		s.Pause = DefaultPause
	}
	if s.TxPowerSTA == 0 {
		s.TxPowerSTA = DefaultTxPowerSTA
	}
	if s.RequiredRate == 0 {
		s.RequiredRate = DefaultRequiredRateKbps
	}
	if s.SSID == "" {
		s.SSID = DefaultSSID
	}
	if s.FlowTTL == "" {
		s.FlowTTL = DefaultFlowTTL
	}

	if cfg.Mobility.Listen == "" {
		cfg.Mobility.Listen = DefaultMobilityListen
	}
	if cfg.Mobility.SelectorApp == "" {
		cfg.Mobility.SelectorApp = DefaultSelectorApp
	}
	if cfg.Mobility.ReadTimeout == "" {
		cfg.Mobility.ReadTimeout = DefaultRelocationTimeout
	}

	if cfg.Control.GRPCAddr == "" {
		cfg.Control.GRPCAddr = DefaultGRPCAddr
	}
	if cfg.Control.MetricsAddr == "" {
		cfg.Control.MetricsAddr = DefaultMetricsAddr
	}

	for i := range cfg.Topology.Agents {
		if cfg.Topology.Agents[i].Channel == 0 {
			cfg.Topology.Agents[i].Channel = DefaultAgentChannel
		}
		if cfg.Topology.Agents[i].TxPowerDBm == 0 {
			cfg.Topology.Agents[i].TxPowerDBm = DefaultAgentTxPowerDBm
		}
	}
}

// Duration parses a duration that Validate has already accepted.
func Duration(raw string) time.Duration {
	d, _ := time.ParseDuration(raw)
	return d
}

// Params flattens the selector settings for the decision journal.
func (s SelectorConfig) Params() map[string]string {
	return map[string]string{
		"mode":                 s.Mode,
		"time_to_start":        s.TimeToStart,
		"scanning_interval":    s.ScanningInterval,
		"added_time":           s.AddedTime,
		"signal_threshold":     fmt.Sprint(s.SignalThreshold),
		"hysteresis_threshold": s.Hysteresis,
		"weight":               fmt.Sprint(s.Weight),
		"pause":                s.Pause,
		"txpower_sta":          fmt.Sprint(s.TxPowerSTA),
		"th_req_sta":           fmt.Sprint(s.RequiredRate),
		"vip_agent":            s.VIPAgent,
		"ssid":                 s.SSID,
		"flow_ttl":             s.FlowTTL,
	}
}
