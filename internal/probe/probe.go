// Package probe enumerates listening sockets and attributes each to the
// process that owns it.
//
// Each platform has an ordered list of strategies. A scan tries them in order
// and keeps the first result that names at least one owning pid; the record's
// confidence is the confidence of the strategy that produced it. The package
// holds no state: caching lives in internal/discovery.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"

	"github.com/gridlink/gridlink/internal/apperr"
)

// Protocol is a transport protocol.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// Socket is one listening endpoint as reported by a strategy. PID is zero when
// the strategy could not attribute it.
type Socket struct {
	Protocol Protocol
	Address  string
	Port     int
	PID      int
	Command  string // short process name, when the strategy reports one
}

// ProcessInfo is what we know about an owning process.
type ProcessInfo struct {
	PID        int
	Name       string
	Executable string
	Args       []string
	Dir        string
}

// PortInfo is one port of a record.
type PortInfo struct {
	Port     int      `json:"port"`
	Protocol Protocol `json:"protocol"`
	Address  string   `json:"address"`
}

// Record is one logical listening process: every port attributed to the same
// pid, collapsed, with a primary port chosen.
type Record struct {
	PID           int        `json:"pid,omitempty"`
	Name          string     `json:"name"`
	Executable    string     `json:"executable,omitempty"`
	Args          []string   `json:"args,omitempty"`
	Dir           string     `json:"cwd,omitempty"`
	Ports         []PortInfo `json:"ports"`
	PrimaryPort   int        `json:"primary_port"`
	Address       string     `json:"address"`
	Protocol      Protocol   `json:"protocol"`
	Confidence    float64    `json:"confidence"`
	Strategy      string     `json:"strategy"`
	SystemService bool       `json:"system_service,omitempty"`
}

// HasPort reports whether the record owns port.
func (r *Record) HasPort(port int) bool {
	for _, p := range r.Ports {
		if p.Port == port {
			return true
		}
	}
	return false
}

// Strategy is one way of listing sockets.
type Strategy interface {
	Name() string
	Confidence() float64
	Scan(ctx context.Context) ([]Socket, error)
}

// PortStrategy is implemented by strategies with a cheaper single-port query.
type PortStrategy interface {
	ScanPort(ctx context.Context, port int) ([]Socket, error)
}

// Inspector fills in process details for a pid.
type Inspector interface {
	Inspect(ctx context.Context, pid int) (ProcessInfo, error)
}

// ErrUnavailable is returned by a strategy whose OS facility is missing
// (no /proc, no lsof binary, no privilege).
var ErrUnavailable = errors.New("probe strategy unavailable")

// Runner runs a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec. A missing binary maps to ErrUnavailable.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, fmt.Errorf("%s: %w", name, ErrUnavailable)
	}
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		// lsof exits 1 when nothing matched; keep whatever it printed.
		if errors.As(err, &exitErr) && len(out) > 0 {
			return out, nil
		}
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Prober runs a strategy chain. The zero value is not usable; use New or Default.
type Prober struct {
	Strategies []Strategy
	Inspector  Inspector
	Logger     *slog.Logger
}

// New builds a prober over the given chain.
func New(inspector Inspector, strategies ...Strategy) *Prober {
	return &Prober{Strategies: strategies, Inspector: inspector, Logger: slog.Default()}
}

// Default returns the chain for the running OS.
func Default() *Prober {
	return New(defaultInspector(), defaultStrategies(ExecRunner)...)
}

// Scan lists listening processes.
func (p *Prober) Scan(ctx context.Context) ([]Record, error) {
	return p.run(ctx, func(s Strategy) ([]Socket, error) { return s.Scan(ctx) })
}

// LookupPort finds the process listening on port. It returns NotFound when no
// strategy can attribute the port.
func (p *Prober) LookupPort(ctx context.Context, port int) (*Record, error) {
	recs, err := p.run(ctx, func(s Strategy) ([]Socket, error) {
		var socks []Socket
		var err error
		if ps, ok := s.(PortStrategy); ok {
			socks, err = ps.ScanPort(ctx, port)
		} else {
			socks, err = s.Scan(ctx)
		}
		if err != nil {
			return nil, err
		}
		var out []Socket
		for _, sk := range socks {
			if sk.Port == port {
				out = append(out, sk)
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].HasPort(port) {
			return &recs[i], nil
		}
	}
	return nil, apperr.E(apperr.NotFound, "probe.lookup", "no process on port %d", port)
}

type attempt struct {
	strategy Strategy
	sockets  []Socket
}

func (p *Prober) run(ctx context.Context, scan func(Strategy) ([]Socket, error)) ([]Record, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var fallback *attempt
	unavailable := 0
	for _, s := range p.Strategies {
		socks, err := scan(s)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				unavailable++
			}
			logger.Debug("probe strategy failed", "strategy", s.Name(), "error", err)
			continue
		}
		if hasPID(socks) {
			return p.build(ctx, attempt{s, socks}), nil
		}
		if fallback == nil && len(socks) > 0 {
			fallback = &attempt{s, socks}
		}
	}
	if fallback != nil {
		return p.build(ctx, *fallback), nil
	}
	if len(p.Strategies) > 0 && unavailable == len(p.Strategies) {
		return nil, apperr.E(apperr.PlatformUnavailable, "probe.scan", "no usable port listing facility")
	}
	return nil, nil
}

func hasPID(socks []Socket) bool {
	for _, s := range socks {
		if s.PID > 0 {
			return true
		}
	}
	return false
}

// build collapses sockets into records. Unattributed sockets on well-known
// ports become system-service rows; other unattributed sockets are dropped.
func (p *Prober) build(ctx context.Context, a attempt) []Record {
	byPID := make(map[int]*Record)
	var order []int
	var system []Record
	seen := make(map[string]bool)

	for _, s := range a.sockets {
		addr, ok := NormalizeAddress(s.Address)
		if !ok || s.Port <= 0 {
			continue
		}
		key := fmt.Sprintf("%d/%s/%s/%d", s.PID, s.Protocol, addr, s.Port)
		if seen[key] {
			continue
		}
		seen[key] = true
		pi := PortInfo{Port: s.Port, Protocol: s.Protocol, Address: addr}

		if s.PID <= 0 {
			name, known := WellKnownService(s.Port)
			if !known {
				continue
			}
			system = append(system, Record{
				Name:          name,
				Ports:         []PortInfo{pi},
				PrimaryPort:   s.Port,
				Address:       addr,
				Protocol:      s.Protocol,
				Confidence:    a.strategy.Confidence() / 2,
				Strategy:      a.strategy.Name(),
				SystemService: true,
			})
			continue
		}

		rec, ok := byPID[s.PID]
		if !ok {
			rec = &Record{
				PID:        s.PID,
				Name:       s.Command,
				Confidence: a.strategy.Confidence(),
				Strategy:   a.strategy.Name(),
			}
			byPID[s.PID] = rec
			order = append(order, s.PID)
		}
		rec.Ports = append(rec.Ports, pi)
	}

	out := make([]Record, 0, len(order)+len(system))
	for _, pid := range order {
		rec := byPID[pid]
		if p.Inspector != nil {
			if info, err := p.Inspector.Inspect(ctx, pid); err == nil {
				if info.Name != "" {
					rec.Name = info.Name
				}
				rec.Executable = info.Executable
				rec.Args = info.Args
				rec.Dir = info.Dir
			}
		}
		sort.Slice(rec.Ports, func(i, j int) bool {
			if rec.Ports[i].Port != rec.Ports[j].Port {
				return rec.Ports[i].Port < rec.Ports[j].Port
			}
			return rec.Ports[i].Protocol < rec.Ports[j].Protocol
		})
		ports := make([]int, len(rec.Ports))
		for i, pi := range rec.Ports {
			ports[i] = pi.Port
		}
		rec.PrimaryPort = PrimaryPort(ports, rec.Args)
		for _, pi := range rec.Ports {
			if pi.Port == rec.PrimaryPort {
				rec.Address = pi.Address
				rec.Protocol = pi.Protocol
				break
			}
		}
		out = append(out, *rec)
	}
	out = append(out, system...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].PrimaryPort < out[j].PrimaryPort })
	return out
}
