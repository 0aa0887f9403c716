package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gridlink/gridlink/internal/probe"
)

func TestTrunc(t *testing.T) {
	assert.Equal(t, "short", trunc("short", 20))
	assert.Equal(t, "abcd~", trunc("abcdefgh", 5))
}

func TestDisplayPicksFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "bob", display("", "bob", "u1"))
	assert.Equal(t, "u1", display("", "", "u1"))
	assert.Equal(t, "", display())
}

func TestPortsAndPID(t *testing.T) {
	r := probe.Record{Ports: []probe.PortInfo{
		{Port: 8080, Protocol: probe.TCP},
		{Port: 5353, Protocol: probe.Protocol("udp")},
	}}
	assert.Equal(t, "8080/tcp,5353/udp", ports(r))
	assert.Equal(t, "-", pid(0))
	assert.Equal(t, "42", pid(42))
}

func TestSubcommands(t *testing.T) {
	a := &app{}
	assert.Len(t, relayCmd(a).Commands(), 3)
	assert.Len(t, codeCmd(a).Commands(), 3)
	assert.Error(t, runCmd(a).Args(runCmd(a), nil), "run needs a command")
	assert.Error(t, stopCmd(a).Args(stopCmd(a), nil))
	connect := connectCmd(a)
	assert.Error(t, connect.Args(connect, nil), "connect needs a resource id")
	assert.NotNil(t, connect.Flags().Lookup("peer"))
}
