package relay

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/ini.v1"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/model"
)

// Common is the [common] section of the sidecar config.
type Common struct {
	ServerAddr string
	ServerPort int
	Token      string
	User       string
}

// CommonFor builds the [common] section from a selected server and credential.
func CommonFor(s model.RelayServer, cred model.TunnelCredential, user string) Common {
	if cred.User != "" {
		user = cred.User
	}
	return Common{ServerAddr: s.Host, ServerPort: s.Port, Token: cred.Token, User: user}
}

// BuildConfig renders the sidecar config. Every tunnel gets its own section
// named by its id; http and https tunnels are routed by subdomain, tcp
// tunnels by remote port.
func BuildConfig(c Common, tunnels []model.TunnelSpec) (*ini.File, error) {
	const op = "relay.build_config"
	if c.ServerAddr == "" || c.ServerPort <= 0 {
		return nil, apperr.E(apperr.Invalid, op, "server address is required")
	}
	if c.Token == "" {
		return nil, apperr.E(apperr.Invalid, op, "tunnel token is required")
	}
	f := ini.Empty()
	common, err := f.NewSection("common")
	if err != nil {
		return nil, err
	}
	for _, kv := range [][2]string{
		{"server_addr", c.ServerAddr},
		{"server_port", strconv.Itoa(c.ServerPort)},
		{"authentication_method", "token"},
		{"token", c.Token},
		{"user", c.User},
	} {
		if _, err := common.NewKey(kv[0], kv[1]); err != nil {
			return nil, err
		}
	}

	for _, t := range tunnels {
		if t.ID == "" || t.ID == "common" {
			return nil, apperr.E(apperr.Invalid, op, "tunnel on port %d needs an id other than common", t.LocalPort)
		}
		if f.HasSection(t.ID) {
			return nil, apperr.E(apperr.Conflict, op, "duplicate tunnel id %q", t.ID)
		}
		sec, err := f.NewSection(t.ID)
		if err != nil {
			return nil, err
		}
		sec.NewKey("type", string(t.Protocol))
		sec.NewKey("local_ip", "127.0.0.1")
		sec.NewKey("local_port", strconv.Itoa(t.LocalPort))
		switch t.Protocol {
		case model.TunnelHTTP, model.TunnelHTTPS:
			if !ValidSubdomain(t.Subdomain) {
				return nil, apperr.E(apperr.Invalid, op, "tunnel %s: bad subdomain %q", t.ID, t.Subdomain)
			}
			sec.NewKey("subdomain", t.Subdomain)
		case model.TunnelTCP:
			if t.RemotePort <= 0 || t.RemotePort > 65535 {
				return nil, apperr.E(apperr.Invalid, op, "tunnel %s: tcp needs a remote_port", t.ID)
			}
			sec.NewKey("remote_port", strconv.Itoa(t.RemotePort))
		default:
			return nil, apperr.E(apperr.Invalid, op, "tunnel %s: unknown protocol %q", t.ID, t.Protocol)
		}
	}
	return f, nil
}

// WriteConfig renders the config and replaces path atomically. The file holds
// the tunnel token, so it is private to the user.
func WriteConfig(path string, c Common, tunnels []model.TunnelSpec) error {
	f, err := BuildConfig(c, tunnels)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".sidecar-*.ini")
	if err != nil {
		return fmt.Errorf("write sidecar config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("write sidecar config: %w", err)
	}
	if _, err := f.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write sidecar config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write sidecar config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write sidecar config: %w", err)
	}
	return nil
}

// ReadTunnelCount returns the number of tunnel sections in a written config.
func ReadTunnelCount(path string) (int, error) {
	f, err := ini.Load(path)
	if err != nil {
		return 0, fmt.Errorf("read sidecar config: %w", err)
	}
	n := 0
	for _, s := range f.Sections() {
		if s.Name() != ini.DefaultSection && s.Name() != "common" {
			n++
		}
	}
	return n, nil
}
