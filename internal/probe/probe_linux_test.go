package probe

import (
	"context"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupOwnListener(t *testing.T) {
	if _, err := os.Stat("/proc/net/tcp"); err != nil {
		t.Skip("no /proc/net")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	rec, err := Default().LookupPort(context.Background(), port)
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), rec.PID)
	require.GreaterOrEqual(t, rec.Confidence, 0.9)
	require.Equal(t, "127.0.0.1", rec.Address)
	require.True(t, rec.HasPort(port))
}
