package probe

import (
	"bufio"
	"bytes"
	"context"
	"strconv"
	"strings"
)

// Netstat lists sockets with `netstat -ano`, the Windows form that includes
// owning pids.
type Netstat struct {
	Run Runner
}

func (n *Netstat) Name() string        { return "netstat" }
func (n *Netstat) Confidence() float64 { return 0.9 }

func (n *Netstat) Scan(ctx context.Context) ([]Socket, error) {
	out, err := n.Run(ctx, "netstat", "-ano")
	if err != nil {
		return nil, err
	}
	return ParseNetstat(out), nil
}

// ParseNetstat parses `netstat -ano` rows. TCP rows must be LISTENING; UDP
// rows have no state column.
func ParseNetstat(out []byte) []Socket {
	var socks []Socket
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) < 4 {
			continue
		}
		var proto Protocol
		var pidField string
		switch strings.ToUpper(f[0]) {
		case "TCP":
			if len(f) < 5 || !strings.EqualFold(f[3], "LISTENING") {
				continue
			}
			proto, pidField = TCP, f[4]
		case "UDP":
			proto, pidField = UDP, f[len(f)-1]
		default:
			continue
		}
		host, portStr, ok := splitHostPort(f[1])
		if !ok {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		pid, _ := strconv.Atoi(pidField)
		socks = append(socks, Socket{Protocol: proto, Address: host, Port: port, PID: pid})
	}
	return socks
}
