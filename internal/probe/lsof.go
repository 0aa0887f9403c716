package probe

import (
	"bufio"
	"bytes"
	"context"
	"strconv"
	"strings"
)

// Lsof lists sockets with lsof's machine-readable field output.
type Lsof struct {
	Run Runner
}

func (l *Lsof) Name() string        { return "lsof" }
func (l *Lsof) Confidence() float64 { return 0.9 }

func (l *Lsof) Scan(ctx context.Context) ([]Socket, error) {
	out, err := l.Run(ctx, "lsof", "-nP", "-iTCP", "-sTCP:LISTEN", "-iUDP", "-FpcPn")
	if err != nil {
		return nil, err
	}
	return ParseLsof(out), nil
}

// ScanPort queries a single port, which is far cheaper than a full listing.
func (l *Lsof) ScanPort(ctx context.Context, port int) ([]Socket, error) {
	out, err := l.Run(ctx, "lsof", "-nP", "-i", ":"+strconv.Itoa(port), "-FpcPn")
	if err != nil {
		return nil, err
	}
	return ParseLsof(out), nil
}

// ParseLsof parses `lsof -F pcPn` output. Each line starts with a field tag:
// p (pid) opens a process set, c its command, P the protocol and n the name of
// the following file. Connected sockets (names containing "->") are skipped.
func ParseLsof(out []byte) []Socket {
	var socks []Socket
	var pid int
	var cmd string
	var proto Protocol
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		tag, val := line[0], line[1:]
		switch tag {
		case 'p':
			pid, _ = strconv.Atoi(val)
			cmd, proto = "", ""
		case 'c':
			cmd = val
		case 'P':
			proto = Protocol(strings.ToLower(val))
		case 'n':
			if proto != TCP && proto != UDP {
				continue
			}
			if strings.Contains(val, "->") {
				continue
			}
			// TCP names may carry a trailing state, e.g. "*:3000 (LISTEN)".
			if i := strings.IndexByte(val, ' '); i >= 0 {
				val = val[:i]
			}
			host, portStr, ok := splitHostPort(val)
			if !ok {
				continue
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				continue
			}
			socks = append(socks, Socket{Protocol: proto, Address: host, Port: port, PID: pid, Command: cmd})
		}
	}
	return socks
}
