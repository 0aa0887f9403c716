package probe

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"
)

// DefaultScanPorts are tried by the connect-scan fallback.
var DefaultScanPorts = []int{
	80, 443, 1433, 3000, 3001, 3306, 4000, 4200, 5000, 5173, 5432, 5500,
	6379, 7777, 8000, 8008, 8080, 8081, 8088, 8443, 8888, 9000, 9090,
	9200, 11211, 25565, 27017,
}

// ConnectScan dials loopback ports. It can tell a port is open but not who
// owns it, so every socket it returns is unattributed.
type ConnectScan struct {
	Ports   []int
	Timeout time.Duration
}

func (c *ConnectScan) Name() string        { return "scan" }
func (c *ConnectScan) Confidence() float64 { return 0.3 }

func (c *ConnectScan) Scan(ctx context.Context) ([]Socket, error) {
	return c.scan(ctx, c.ports())
}

func (c *ConnectScan) ScanPort(ctx context.Context, port int) ([]Socket, error) {
	return c.scan(ctx, []int{port})
}

func (c *ConnectScan) ports() []int {
	if len(c.Ports) == 0 {
		return DefaultScanPorts
	}
	return c.Ports
}

func (c *ConnectScan) scan(ctx context.Context, ports []int) ([]Socket, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 150 * time.Millisecond
	}
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		socks []Socket
	)
	d := net.Dialer{Timeout: timeout}
	for _, port := range ports {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
			if err != nil {
				return
			}
			conn.Close()
			mu.Lock()
			socks = append(socks, Socket{Protocol: TCP, Address: "127.0.0.1", Port: port})
			mu.Unlock()
		}(port)
	}
	wg.Wait()
	return socks, ctx.Err()
}
