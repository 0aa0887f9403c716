package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/model"
	"github.com/gridlink/gridlink/internal/peer"
	"github.com/gridlink/gridlink/internal/process"
	"github.com/gridlink/gridlink/internal/terminal"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type resources map[string]model.SharedResource

func (r resources) Get(id string) (model.SharedResource, error) {
	res, ok := r[id]
	if !ok {
		return res, apperr.E(apperr.NotFound, "registry.get", "no resource %s", id)
	}
	return res, nil
}

type fakeTerms struct {
	snapshot     []terminal.Record
	live         chan terminal.Record
	input        chan []byte
	resized      chan [2]int
	unsubscribed chan struct{}
}

func newFakeTerms(snapshot ...terminal.Record) *fakeTerms {
	return &fakeTerms{
		snapshot:     snapshot,
		live:         make(chan terminal.Record, 8),
		input:        make(chan []byte, 8),
		resized:      make(chan [2]int, 1),
		unsubscribed: make(chan struct{}),
	}
}

func (f *fakeTerms) Subscribe(id string, _ int) (<-chan terminal.Record, []terminal.Record, func(), error) {
	if id != "t1" {
		return nil, nil, nil, apperr.E(apperr.NotFound, "terminal.subscribe", "no session %s", id)
	}
	return f.live, f.snapshot, func() { close(f.unsubscribed) }, nil
}

func (f *fakeTerms) Write(_ context.Context, _ string, data []byte) error {
	f.input <- append([]byte(nil), data...)
	return nil
}

func (f *fakeTerms) Resize(_ string, rows, cols int) error {
	f.resized <- [2]int{rows, cols}
	return nil
}

type fakeProcs struct {
	events chan process.Event
	done   chan struct{}
	input  chan []byte
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{
		events: make(chan process.Event, 8),
		done:   make(chan struct{}),
		input:  make(chan []byte, 8),
	}
}

func (f *fakeProcs) Subscribe(int) (<-chan process.Event, func()) { return f.events, func() {} }

func (f *fakeProcs) SendInput(_ string, data []byte) error {
	f.input <- append([]byte(nil), data...)
	return nil
}

func (f *fakeProcs) Done(id string) (<-chan struct{}, error) {
	if id != "p1" {
		return nil, apperr.E(apperr.NotFound, "process.done", "no process %s", id)
	}
	return f.done, nil
}

var key = peer.Key{GridID: "g1", PeerID: "u2"}

// serve runs srv on one end of a pipe and returns the other. The returned
// func closes the client end and waits for Serve to return.
func serve(t *testing.T, srv *Server, k peer.Key) (net.Conn, func()) {
	t.Helper()
	client, server := net.Pipe()
	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve(context.Background(), k, server)
	}()
	return client, func() {
		client.Close()
		select {
		case <-served:
		case <-time.After(2 * time.Second):
			t.Fatal("serve did not return")
		}
	}
}

func readString(t *testing.T, c net.Conn, n int) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return string(buf)
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("nothing received")
	}
	var zero T
	return zero
}

func TestTerminalReplaysScrollbackThenStreams(t *testing.T) {
	terms := newFakeTerms(
		terminal.Record{Kind: terminal.KindOutput, Data: []byte("$ ")},
		terminal.Record{Kind: terminal.KindInput, Data: []byte("secret")},
		terminal.Record{Kind: terminal.KindSystem, Data: []byte("[resized]")},
	)
	reg := resources{"t1": {ID: "t1", GridID: "g1", Kind: model.ResourcePTY, State: model.StateRunning}}
	srv := NewServer(reg, terms, newFakeProcs(), WithLogger(logger.Discard()))
	pipe, wait := serve(t, srv, key)

	conn, res, err := Open(context.Background(), pipe, Request{ResourceID: "t1", Rows: 40, Cols: 120})
	require.NoError(t, err)
	assert.Equal(t, "t1", res.ID)
	assert.Equal(t, [2]int{40, 120}, receive(t, terms.resized))

	assert.Equal(t, "$ [resized]", readString(t, conn, len("$ [resized]")), "typed input is not replayed")

	terms.live <- terminal.Record{Kind: terminal.KindInput, Data: []byte("ls\r")}
	terms.live <- terminal.Record{Kind: terminal.KindOutput, Data: []byte("a.txt\r\n")}
	assert.Equal(t, "a.txt\r\n", readString(t, conn, 7))

	_, err = conn.Write([]byte("pwd\r"))
	require.NoError(t, err)
	assert.Equal(t, "pwd\r", string(receive(t, terms.input)))

	wait()
	receive(t, terms.unsubscribed)
}

func TestTerminalEndClosesStream(t *testing.T) {
	terms := newFakeTerms()
	reg := resources{"t1": {ID: "t1", GridID: "g1", Kind: model.ResourcePTY, State: model.StateRunning}}
	srv := NewServer(reg, terms, newFakeProcs(), WithLogger(logger.Discard()))
	pipe, wait := serve(t, srv, key)
	defer wait()

	conn, _, err := Open(context.Background(), pipe, Request{ResourceID: "t1"})
	require.NoError(t, err)
	close(terms.live)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestProcessStreamsOwnOutputUntilExit(t *testing.T) {
	procs := newFakeProcs()
	reg := resources{"p1": {ID: "p1", GridID: "g1", Kind: model.ResourceSpawned, State: model.StateRunning}}
	srv := NewServer(reg, newFakeTerms(), procs, WithLogger(logger.Discard()))
	pipe, wait := serve(t, srv, key)
	defer wait()

	conn, res, err := Open(context.Background(), pipe, Request{ResourceID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, model.ResourceSpawned, res.Kind)

	procs.events <- process.Output{ID: "other", Data: []byte("nope\n")}
	procs.events <- process.Output{ID: "p1", Data: []byte("ready\n")}
	assert.Equal(t, "ready\n", readString(t, conn, 6))

	_, err = conn.Write([]byte("quit\n"))
	require.NoError(t, err)
	assert.Equal(t, "quit\n", string(receive(t, procs.input)))

	procs.events <- process.Exited{ID: "other"}
	procs.events <- process.Exited{ID: "p1", State: model.StateExited}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestExitedProcessIsRefused(t *testing.T) {
	procs := newFakeProcs()
	close(procs.done)
	reg := resources{"p1": {ID: "p1", GridID: "g1", Kind: model.ResourceSpawned, State: model.StateRunning}}
	srv := NewServer(reg, newFakeTerms(), procs, WithLogger(logger.Discard()))
	pipe, wait := serve(t, srv, key)
	defer wait()

	_, _, err := Open(context.Background(), pipe, Request{ResourceID: "p1"})
	assert.Equal(t, apperr.TransportClosed, apperr.KindOf(err))
}

func TestServiceIsSplicedToItsPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	echoed := make(chan struct{})
	go func() {
		defer close(echoed)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		io.Copy(c, c)
		c.Close()
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	reg := resources{"s1": {ID: "s1", GridID: "g1", Kind: model.ResourceAdopted, State: model.StateRunning,
		Adopted: &model.AdoptedDetail{Port: port, Protocol: "tcp"}}}
	srv := NewServer(reg, newFakeTerms(), newFakeProcs(), WithLogger(logger.Discard()))
	pipe, wait := serve(t, srv, key)

	conn, _, err := Open(context.Background(), pipe, Request{ResourceID: "s1"})
	require.NoError(t, err)
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", readString(t, conn, 4))

	wait()
	receive(t, echoed)
}

func TestRefusals(t *testing.T) {
	reg := resources{
		"t1":   {ID: "t1", GridID: "g1", Kind: model.ResourcePTY, State: model.StateRunning},
		"t2":   {ID: "t2", GridID: "g2", Kind: model.ResourcePTY, State: model.StateRunning},
		"dead": {ID: "dead", GridID: "g1", Kind: model.ResourcePTY, State: model.StateExited},
		"udp": {ID: "udp", GridID: "g1", Kind: model.ResourceAdopted, State: model.StateRunning,
			Adopted: &model.AdoptedDetail{Port: 53, Protocol: "udp"}},
	}
	tests := []struct {
		id   string
		want apperr.Kind
	}{
		{"missing", apperr.NotFound},
		{"t2", apperr.NotFound},
		{"dead", apperr.TransportClosed},
		{"udp", apperr.Invalid},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			srv := NewServer(reg, newFakeTerms(), newFakeProcs(), WithLogger(logger.Discard()))
			pipe, wait := serve(t, srv, key)
			defer wait()
			_, _, err := Open(context.Background(), pipe, Request{ResourceID: tt.id})
			assert.Equal(t, tt.want, apperr.KindOf(err), "%v", err)
		})
	}
}

func TestMalformedRequestIsAnswered(t *testing.T) {
	srv := NewServer(resources{}, newFakeTerms(), newFakeProcs(), WithLogger(logger.Discard()))
	pipe, wait := serve(t, srv, key)
	defer wait()

	go pipe.Write([]byte("not json\n"))
	require.NoError(t, pipe.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(pipe).ReadBytes('\n')
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(line, &resp))
	assert.Equal(t, apperr.Invalid.String(), resp.Kind)
	assert.Nil(t, resp.Resource)
}

func TestOpenHonoursContext(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go io.Copy(io.Discard, server)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := Open(ctx, client, Request{ResourceID: "t1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
