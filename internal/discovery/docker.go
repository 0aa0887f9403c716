package discovery

import (
	"bufio"
	"bytes"
	"context"
	"strconv"
	"strings"

	"github.com/gridlink/gridlink/internal/probe"
)

// DockerCLI lists containers with the docker command line client.
type DockerCLI struct {
	Run probe.Runner
}

func (d *DockerCLI) Containers(ctx context.Context) ([]probe.Record, error) {
	out, err := d.Run(ctx, "docker", "ps", "--format", "{{.Names}}\t{{.Ports}}")
	if err != nil {
		return nil, err
	}
	return ParseDockerPS(out), nil
}

// ParseDockerPS parses `docker ps --format '{{.Names}}\t{{.Ports}}'`. Only
// ports published on the host are returned; each container becomes one record.
func ParseDockerPS(out []byte) []probe.Record {
	var recs []probe.Record
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		name, ports, ok := strings.Cut(sc.Text(), "\t")
		if !ok || name == "" {
			continue
		}
		rec := probe.Record{Name: name, Strategy: "docker", Confidence: 0.9}
		seen := make(map[int]bool)
		var nums []int
		for _, spec := range strings.Split(ports, ",") {
			pi, ok := parsePublished(strings.TrimSpace(spec))
			if !ok || seen[pi.Port] {
				continue
			}
			seen[pi.Port] = true
			rec.Ports = append(rec.Ports, pi)
			nums = append(nums, pi.Port)
		}
		if len(rec.Ports) == 0 {
			continue
		}
		rec.PrimaryPort = probe.PrimaryPort(nums, nil)
		for _, pi := range rec.Ports {
			if pi.Port == rec.PrimaryPort {
				rec.Address, rec.Protocol = pi.Address, pi.Protocol
			}
		}
		recs = append(recs, rec)
	}
	return recs
}

// parsePublished parses "0.0.0.0:8080->80/tcp" or ":::8080->80/tcp".
// Unpublished entries such as "80/tcp" are rejected.
func parsePublished(s string) (probe.PortInfo, bool) {
	host, target, ok := strings.Cut(s, "->")
	if !ok {
		return probe.PortInfo{}, false
	}
	proto := probe.TCP
	if strings.HasSuffix(target, "/udp") {
		proto = probe.UDP
	}
	i := strings.LastIndexByte(host, ':')
	if i < 0 {
		return probe.PortInfo{}, false
	}
	// A port range publishes several ports; the first stands for the record.
	portStr, _, _ := strings.Cut(host[i+1:], "-")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return probe.PortInfo{}, false
	}
	addr, ok := probe.NormalizeAddress(host[:i])
	if !ok {
		return probe.PortInfo{}, false
	}
	return probe.PortInfo{Port: port, Protocol: proto, Address: addr}, true
}
