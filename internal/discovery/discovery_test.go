package discovery

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/probe"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingProber struct {
	scans   atomic.Int32
	lookups atomic.Int32
	gate    chan struct{}
	records []probe.Record
}

func (p *countingProber) Scan(ctx context.Context) ([]probe.Record, error) {
	p.scans.Add(1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.records, nil
}

func (p *countingProber) LookupPort(_ context.Context, port int) (*probe.Record, error) {
	p.lookups.Add(1)
	for i := range p.records {
		if p.records[i].HasPort(port) {
			return &p.records[i], nil
		}
	}
	return nil, apperr.E(apperr.NotFound, "test", "none")
}

func sampleRecords() []probe.Record {
	return []probe.Record{
		{PID: 1, Name: "vite", PrimaryPort: 5173, Ports: []probe.PortInfo{{Port: 5173, Protocol: probe.TCP, Address: "127.0.0.1"}}},
		{PID: 2, Name: "postgres", PrimaryPort: 5432, Ports: []probe.PortInfo{{Port: 5432, Protocol: probe.TCP, Address: "0.0.0.0"}}},
		{PID: 3, Name: "lanonly", PrimaryPort: 8000, Ports: []probe.PortInfo{{Port: 8000, Protocol: probe.TCP, Address: "192.168.1.10"}}},
	}
}

func TestScanTTL(t *testing.T) {
	p := &countingProber{records: sampleRecords()}
	now := time.Unix(1000, 0)
	c := New(p, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := c.Scan(ctx, Scope{Kind: Localhost})
	require.NoError(t, err)
	now = now.Add(4 * time.Second)
	_, err = c.Scan(ctx, Scope{Kind: Localhost})
	require.NoError(t, err)
	require.Equal(t, int32(1), p.scans.Load(), "second scan within ttl served from cache")

	now = now.Add(2 * time.Second)
	_, err = c.Scan(ctx, Scope{Kind: Localhost})
	require.NoError(t, err)
	require.Equal(t, int32(2), p.scans.Load(), "expired entry rescanned")

	_, err = c.Scan(ctx, Scope{Kind: Network})
	require.NoError(t, err)
	require.Equal(t, int32(3), p.scans.Load(), "scopes cached independently")

	c.Invalidate()
	_, err = c.Scan(ctx, Scope{Kind: Network})
	require.NoError(t, err)
	require.Equal(t, int32(4), p.scans.Load())
}

func TestScanResultsAreCopies(t *testing.T) {
	p := &countingProber{records: sampleRecords()}
	c := New(p)
	ctx := context.Background()

	first, err := c.Scan(ctx, Scope{Kind: Localhost})
	require.NoError(t, err)
	require.Len(t, first, 2)
	first[0].Name = "changed"
	first[0].Ports[0].Port = 1
	first[1] = probe.Record{}

	again, err := c.Scan(ctx, Scope{Kind: Localhost})
	require.NoError(t, err)
	require.Equal(t, int32(1), p.scans.Load())
	assert.Equal(t, "vite", again[0].Name)
	assert.Equal(t, 5173, again[0].Ports[0].Port)
	assert.Equal(t, "postgres", again[1].Name)
	assert.Equal(t, 5173, p.records[0].Ports[0].Port)
}

func TestScanCoalescesConcurrentMisses(t *testing.T) {
	p := &countingProber{records: sampleRecords(), gate: make(chan struct{})}
	c := New(p)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recs, err := c.Scan(context.Background(), Scope{Kind: Localhost})
			assert.NoError(t, err)
			assert.Len(t, recs, 2)
		}()
	}
	require.Eventually(t, func() bool { return p.scans.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(p.gate)
	wg.Wait()
	require.Equal(t, int32(1), p.scans.Load())
}

func TestScopeFiltering(t *testing.T) {
	p := &countingProber{records: sampleRecords()}
	c := New(p)
	ctx := context.Background()

	local, err := c.Scan(ctx, Scope{Kind: Localhost})
	require.NoError(t, err)
	require.Equal(t, []string{"vite", "postgres"}, names(local))

	network, err := c.Scan(ctx, Scope{Kind: Network})
	require.NoError(t, err)
	require.Equal(t, []string{"postgres", "lanonly"}, names(network))

	custom, err := c.Scan(ctx, Scope{Kind: CustomIP, IP: "192.168.1.10"})
	require.NoError(t, err)
	require.Equal(t, []string{"postgres", "lanonly"}, names(custom))
}

func TestLookupPortBypassesCache(t *testing.T) {
	p := &countingProber{records: sampleRecords()}
	c := New(p)
	for i := 0; i < 3; i++ {
		rec, err := c.LookupPort(context.Background(), 5432)
		require.NoError(t, err)
		require.Equal(t, 2, rec.PID)
	}
	require.Equal(t, int32(3), p.lookups.Load())
	require.Equal(t, int32(0), p.scans.Load())
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("")
	require.NoError(t, err)
	require.Equal(t, Localhost, s.Kind)

	s, err = ParseScope("docker")
	require.NoError(t, err)
	require.Equal(t, Docker, s.Kind)

	s, err = ParseScope("10.0.0.5")
	require.NoError(t, err)
	require.Equal(t, Scope{Kind: CustomIP, IP: "10.0.0.5"}, s)

	_, err = ParseScope("example.com")
	require.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestParseDockerPS(t *testing.T) {
	out := []byte("web\t0.0.0.0:8080->80/tcp, :::8080->80/tcp\n" +
		"db\t127.0.0.1:5432->5432/tcp\n" +
		"worker\t6379/tcp\n" +
		"dns\t0.0.0.0:5353->53/udp\n")
	recs := ParseDockerPS(out)
	require.Len(t, recs, 3)
	require.Equal(t, "web", recs[0].Name)
	require.Len(t, recs[0].Ports, 1)
	require.Equal(t, 8080, recs[0].PrimaryPort)
	require.Equal(t, "0.0.0.0", recs[0].Address)
	require.Equal(t, "127.0.0.1", recs[1].Address)
	require.Equal(t, probe.UDP, recs[2].Protocol)
}

type staticDocker []probe.Record

func (s staticDocker) Containers(context.Context) ([]probe.Record, error) { return s, nil }

func TestDockerScope(t *testing.T) {
	p := &countingProber{}
	c := New(p, WithDocker(staticDocker{{Name: "web", PrimaryPort: 8080}}))
	recs, err := c.Scan(context.Background(), Scope{Kind: Docker})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, int32(0), p.scans.Load())
}

func names(recs []probe.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Name
	}
	return out
}
