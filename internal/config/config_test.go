package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gridlink/gridlink/internal/model"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Terminal.AutoCleanupInactiveHours != 24 {
		t.Errorf("auto cleanup = %d, want 24", cfg.Terminal.AutoCleanupInactiveHours)
	}
	if cfg.Peer.DefaultPolicy != model.PolicyP2PFirst {
		t.Errorf("default policy = %q", cfg.Peer.DefaultPolicy)
	}
	if len(cfg.Peer.STUNServers) == 0 {
		t.Error("expected default STUN servers")
	}
	if cfg.StateDB != filepath.Join(dir, "state.db") {
		t.Errorf("state db = %q", cfg.StateDB)
	}
	if cfg.ReportEvery() != time.Minute {
		t.Errorf("report interval = %v", cfg.ReportEvery())
	}
}

func TestTunnelListMixedForms(t *testing.T) {
	input := `
tunnels:
  - "3000"
  - tcp:25565
  - id: api
    subdomain: brave-otter-1234
    local_port: 8443
    protocol: https
  - local_port: 5173
`
	var rc RelayConfig
	if err := yaml.Unmarshal([]byte(input), &rc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rc.Tunnels) != 4 {
		t.Fatalf("expected 4 tunnels, got %d", len(rc.Tunnels))
	}
	want := []model.TunnelSpec{
		{ID: "http-3000", LocalPort: 3000, Protocol: model.TunnelHTTP},
		{ID: "tcp-25565", LocalPort: 25565, Protocol: model.TunnelTCP},
		{ID: "api", Subdomain: "brave-otter-1234", LocalPort: 8443, Protocol: model.TunnelHTTPS},
		{ID: "http-5173", LocalPort: 5173, Protocol: model.TunnelHTTP},
	}
	for i, w := range want {
		if rc.Tunnels[i] != w {
			t.Errorf("tunnel[%d] = %+v, want %+v", i, rc.Tunnels[i], w)
		}
	}
}

func TestValidateRejectsBadTunnels(t *testing.T) {
	tests := []struct {
		name    string
		tunnels TunnelList
	}{
		{"port out of range", TunnelList{{ID: "a", LocalPort: 70000, Protocol: model.TunnelTCP}}},
		{"bad protocol", TunnelList{{ID: "a", LocalPort: 80, Protocol: "udp"}}},
		{"duplicate id", TunnelList{
			{ID: "a", LocalPort: 80, Protocol: model.TunnelHTTP},
			{ID: "a", LocalPort: 81, Protocol: model.TunnelHTTP},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Relay.Tunnels = tt.tunnels
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Logging.Level = "debug"
	cfg.Relay.Tunnels = TunnelList{{ID: "web", LocalPort: 3000, Protocol: model.TunnelHTTP}}
	if err := Save(dir, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Logging.Level != "debug" {
		t.Errorf("level = %q", got.Logging.Level)
	}
	if len(got.Relay.Tunnels) != 1 || got.Relay.Tunnels[0].LocalPort != 3000 {
		t.Errorf("tunnels = %+v", got.Relay.Tunnels)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("GRIDLINK_COORDINATOR_URL", "http://127.0.0.1:9999")
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Coordinator.URL != "http://127.0.0.1:9999" {
		t.Errorf("url = %q", cfg.Coordinator.URL)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	if err := Save(dir, Default()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan *Config, 1)
	go Watch(ctx, dir, nil, func(c *Config) {
		select {
		case got <- c:
		default:
		}
	})

	// Give the watcher a moment to register.
	time.Sleep(100 * time.Millisecond)
	data := []byte("relay:\n  tunnels:\n    - \"8080\"\n")
	if err := os.WriteFile(filepath.Join(dir, FileName), data, 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		if len(c.Relay.Tunnels) != 1 || c.Relay.Tunnels[0].LocalPort != 8080 {
			t.Errorf("reloaded tunnels = %+v", c.Relay.Tunnels)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for reload")
	}
}
