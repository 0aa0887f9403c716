package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gridlink/gridlink/internal/model"
)

// Link-time settings. Release builds set these with -ldflags -X.
var (
	CoordinatorURL  = "https://api.gridlink.dev"
	IdentityURL     = "https://auth.gridlink.dev"
	IdentityAnonKey = ""
)

// FileName is the client config file inside Dir().
const FileName = "client.yaml"

// Config holds client settings persisted in ~/.gridlink/client.yaml.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Logging     LoggingConfig     `yaml:"logging"`
	Terminal    TerminalConfig    `yaml:"terminal"`
	Relay       RelayConfig       `yaml:"relay"`
	Peer        PeerConfig        `yaml:"peer"`
	StateDB     string            `yaml:"state_db,omitempty"` // sqlite path, default ~/.gridlink/state.db
}

type CoordinatorConfig struct {
	URL       string `yaml:"url,omitempty"`
	VerifyKey string `yaml:"verify_key,omitempty"` // base64 HMAC key; tokens are only decoded when empty
}

type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
	File  string `yaml:"file,omitempty"`
}

type TerminalConfig struct {
	ScrollbackLines          int    `yaml:"scrollback_lines,omitempty"`
	ScrollbackBytes          int    `yaml:"scrollback_bytes,omitempty"`
	AutoCleanupInactiveHours int    `yaml:"auto_cleanup_inactive_hours,omitempty"`
	Shell                    string `yaml:"shell,omitempty"` // override shell detection
}

type RelayConfig struct {
	SidecarPath    string     `yaml:"sidecar_path,omitempty"`
	User           string     `yaml:"user,omitempty"`
	ReportInterval string     `yaml:"report_interval,omitempty"` // e.g. "1m"
	Tunnels        TunnelList `yaml:"tunnels,omitempty"`
}

type PeerConfig struct {
	STUNServers   []string          `yaml:"stun_servers,omitempty"`
	DefaultPolicy model.RelayPolicy `yaml:"default_policy,omitempty"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// DefaultSTUNServers is the fixed list used by the NAT probe and peer sessions.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun.cloudflare.com:3478",
}

func (c *Config) applyDefaults() {
	if c.Coordinator.URL == "" {
		c.Coordinator.URL = CoordinatorURL
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Terminal.ScrollbackLines == 0 {
		c.Terminal.ScrollbackLines = 10000
	}
	if c.Terminal.ScrollbackBytes == 0 {
		c.Terminal.ScrollbackBytes = 4 << 20
	}
	if c.Terminal.AutoCleanupInactiveHours == 0 {
		c.Terminal.AutoCleanupInactiveHours = 24
	}
	if c.Relay.ReportInterval == "" {
		c.Relay.ReportInterval = "1m"
	}
	if len(c.Peer.STUNServers) == 0 {
		c.Peer.STUNServers = append([]string(nil), DefaultSTUNServers...)
	}
	c.Peer.DefaultPolicy = c.Peer.DefaultPolicy.OrDefault()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GRIDLINK_COORDINATOR_URL"); v != "" {
		c.Coordinator.URL = v
	}
	if v := os.Getenv("GRIDLINK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Coordinator.URL, "http://") && !strings.HasPrefix(c.Coordinator.URL, "https://") {
		return fmt.Errorf("coordinator.url must be http(s), got %q", c.Coordinator.URL)
	}
	if c.Terminal.ScrollbackLines < 0 || c.Terminal.ScrollbackBytes < 0 {
		return fmt.Errorf("terminal scrollback bounds must be positive")
	}
	if _, err := time.ParseDuration(c.Relay.ReportInterval); err != nil {
		return fmt.Errorf("relay.report_interval: %w", err)
	}
	seen := make(map[string]bool)
	for _, t := range c.Relay.Tunnels {
		if t.ID == "" {
			return fmt.Errorf("relay.tunnels: entry for port %d has no id", t.LocalPort)
		}
		if seen[t.ID] {
			return fmt.Errorf("relay.tunnels: duplicate id %q", t.ID)
		}
		seen[t.ID] = true
		if t.LocalPort <= 0 || t.LocalPort > 65535 {
			return fmt.Errorf("relay.tunnels[%s]: local_port %d out of range", t.ID, t.LocalPort)
		}
		if !t.Protocol.Valid() {
			return fmt.Errorf("relay.tunnels[%s]: protocol %q must be http, https or tcp", t.ID, t.Protocol)
		}
	}
	return nil
}

// ReportEvery returns the parsed bandwidth report interval.
func (c *Config) ReportEvery() time.Duration {
	d, err := time.ParseDuration(c.Relay.ReportInterval)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// Load reads client.yaml from dir. A missing file yields the defaults.
func Load(dir string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if cfg.StateDB == "" {
		cfg.StateDB = filepath.Join(dir, "state.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to dir/client.yaml.
func Save(dir string, cfg *Config) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, FileName), data, 0600)
}

// TunnelList is a list of tunnel declarations that accepts two YAML forms:
// shorthand scalars ("3000", "https:8443", "tcp:25565") and full mappings.
type TunnelList []model.TunnelSpec

// UnmarshalYAML handles both scalar shorthands and mapping nodes in a sequence.
func (tl *TunnelList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return &yaml.TypeError{Errors: []string{"expected sequence"}}
	}
	var result TunnelList
	for _, item := range value.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			spec, err := parseTunnelShorthand(item.Value)
			if err != nil {
				return err
			}
			result = append(result, spec)
		case yaml.MappingNode:
			var spec model.TunnelSpec
			if err := item.Decode(&spec); err != nil {
				return err
			}
			if spec.Protocol == "" {
				spec.Protocol = model.TunnelHTTP
			}
			if spec.ID == "" {
				spec.ID = fmt.Sprintf("%s-%d", spec.Protocol, spec.LocalPort)
			}
			result = append(result, spec)
		}
	}
	*tl = result
	return nil
}

func parseTunnelShorthand(s string) (model.TunnelSpec, error) {
	proto := model.TunnelHTTP
	portStr := s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		proto = model.TunnelProtocol(strings.ToLower(s[:i]))
		portStr = s[i+1:]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return model.TunnelSpec{}, fmt.Errorf("tunnel %q: bad port", s)
	}
	return model.TunnelSpec{
		ID:        fmt.Sprintf("%s-%d", proto, port),
		LocalPort: port,
		Protocol:  proto,
	}, nil
}
