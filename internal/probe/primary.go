package probe

import (
	"sort"
	"strconv"
	"strings"
)

var wellKnown = map[int]string{
	21:    "ftp",
	22:    "ssh",
	25:    "smtp",
	53:    "dns",
	80:    "http",
	110:   "pop3",
	139:   "netbios",
	143:   "imap",
	443:   "https",
	445:   "smb",
	631:   "cups",
	993:   "imaps",
	995:   "pop3s",
	1433:  "mssql",
	1521:  "oracle",
	1883:  "mqtt",
	2049:  "nfs",
	3306:  "mysql",
	3389:  "rdp",
	5353:  "mdns",
	5432:  "postgres",
	5672:  "amqp",
	5900:  "vnc",
	6379:  "redis",
	7777:  "terraria",
	9042:  "cassandra",
	9092:  "kafka",
	9200:  "elasticsearch",
	11211: "memcached",
	19132: "minecraft-bedrock",
	25565: "minecraft",
	27015: "source",
	27017: "mongodb",
}

// WellKnownService returns the service name conventionally bound to port.
func WellKnownService(port int) (string, bool) {
	name, ok := wellKnown[port]
	return name, ok
}

// PrimaryPort picks the port that best represents a process. In order:
// a well-known service port, a port that appears verbatim in the command
// line, a port in the common development range 3000-9000, the lowest port.
func PrimaryPort(ports []int, args []string) int {
	if len(ports) == 0 {
		return 0
	}
	sorted := append([]int(nil), ports...)
	sort.Ints(sorted)

	for _, p := range sorted {
		if _, ok := wellKnown[p]; ok {
			return p
		}
	}
	for _, p := range sorted {
		if inArgs(p, args) {
			return p
		}
	}
	for _, p := range sorted {
		if p >= 3000 && p <= 9000 {
			return p
		}
	}
	return sorted[0]
}

// inArgs reports whether port appears as a standalone number in any argument,
// so "8080" matches "--port=8080" and ":8080" but not "18080".
func inArgs(port int, args []string) bool {
	needle := strconv.Itoa(port)
	for _, a := range args {
		for i := 0; ; {
			j := strings.Index(a[i:], needle)
			if j < 0 {
				break
			}
			start, end := i+j, i+j+len(needle)
			if (start == 0 || !isDigit(a[start-1])) && (end == len(a) || !isDigit(a[end])) {
				return true
			}
			i = start + 1
		}
	}
	return false
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
