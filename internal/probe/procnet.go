package probe

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	tcpListen   = "0A"
	udpUnconned = "07"
)

// ProcNet reads the kernel socket tables under /proc and joins them to owning
// processes through /proc/<pid>/fd socket links.
type ProcNet struct {
	Root string // defaults to /proc
}

func (p *ProcNet) Name() string        { return "procnet" }
func (p *ProcNet) Confidence() float64 { return 0.95 }

func (p *ProcNet) root() string {
	if p.Root == "" {
		return "/proc"
	}
	return p.Root
}

func (p *ProcNet) Scan(ctx context.Context) ([]Socket, error) {
	root := p.root()
	tables := []struct {
		file  string
		proto Protocol
		v6    bool
	}{
		{"tcp", TCP, false},
		{"tcp6", TCP, true},
		{"udp", UDP, false},
		{"udp6", UDP, true},
	}

	type entry struct {
		sock  Socket
		inode uint64
	}
	var entries []entry
	opened := 0
	for _, t := range tables {
		f, err := os.Open(filepath.Join(root, "net", t.file))
		if err != nil {
			continue
		}
		opened++
		rows, err := ParseProcNet(f, t.proto, t.v6)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", t.file, err)
		}
		for _, r := range rows {
			entries = append(entries, entry{sock: r.Socket, inode: r.Inode})
		}
	}
	if opened == 0 {
		return nil, fmt.Errorf("%s/net: %w", root, ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	owners := socketOwners(root)
	out := make([]Socket, 0, len(entries))
	for _, e := range entries {
		e.sock.PID = owners[e.inode]
		out = append(out, e.sock)
	}
	return out, nil
}

// ProcNetRow is one listening row of a /proc/net table.
type ProcNetRow struct {
	Socket
	Inode uint64
}

// ParseProcNet parses a /proc/net/{tcp,tcp6,udp,udp6} table and returns the
// listening rows: TCP sockets in LISTEN and unconnected UDP sockets.
func ParseProcNet(r io.Reader, proto Protocol, v6 bool) ([]ProcNetRow, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	var rows []ProcNetRow
	header := true
	for sc.Scan() {
		if header {
			header = false
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 10 {
			continue
		}
		state := fields[3]
		if proto == TCP && state != tcpListen {
			continue
		}
		if proto == UDP {
			if state != udpUnconned {
				continue
			}
			if _, rport, err := decodeHexAddr(fields[2], v6); err != nil || rport != 0 {
				continue
			}
		}
		addr, port, err := decodeHexAddr(fields[1], v6)
		if err != nil {
			continue
		}
		inode, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil {
			continue
		}
		rows = append(rows, ProcNetRow{
			Socket: Socket{Protocol: proto, Address: addr, Port: port},
			Inode:  inode,
		})
	}
	return rows, sc.Err()
}

// decodeHexAddr decodes "0100007F:1F90". The address is stored as host-order
// 32-bit words, so each word is byte-reversed on little-endian kernels.
func decodeHexAddr(s string, v6 bool) (string, int, error) {
	host, portHex, ok := strings.Cut(s, ":")
	if !ok {
		return "", 0, fmt.Errorf("bad address %q", s)
	}
	port, err := strconv.ParseUint(portHex, 16, 16)
	if err != nil {
		return "", 0, err
	}
	raw, err := hex.DecodeString(host)
	if err != nil {
		return "", 0, err
	}
	if (v6 && len(raw) != 16) || (!v6 && len(raw) != 4) {
		return "", 0, fmt.Errorf("bad address length %q", s)
	}
	for i := 0; i < len(raw); i += 4 {
		raw[i], raw[i+1], raw[i+2], raw[i+3] = raw[i+3], raw[i+2], raw[i+1], raw[i]
	}
	var ip netip.Addr
	if v6 {
		ip = netip.AddrFrom16([16]byte(raw))
	} else {
		ip = netip.AddrFrom4([4]byte(raw))
	}
	return ip.String(), int(port), nil
}

// socketOwners maps socket inodes to pids. Processes we may not inspect are
// skipped.
func socketOwners(root string) map[uint64]int {
	owners := make(map[uint64]int)
	procs, err := os.ReadDir(root)
	if err != nil {
		return owners
	}
	for _, d := range procs {
		pid, err := strconv.Atoi(d.Name())
		if err != nil || !d.IsDir() {
			continue
		}
		fdDir := filepath.Join(root, d.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			inode, ok := parseSocketLink(link)
			if !ok {
				continue
			}
			if _, dup := owners[inode]; !dup {
				owners[inode] = pid
			}
		}
	}
	return owners
}

func parseSocketLink(link string) (uint64, bool) {
	rest, ok := strings.CutPrefix(link, "socket:[")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, "]")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	return n, err == nil
}
