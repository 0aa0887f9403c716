package peer

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/gridlink/gridlink/internal/apperr"
)

const (
	// maxMessage is the largest data-channel message written.
	maxMessage = 16 << 10
	readBuffer = 64 << 10
)

type addr struct{ key Key }

func (a addr) Network() string { return "grid" }
func (a addr) String() string  { return a.key.GridID + "/" + a.key.PeerID }

// channelConn turns a detached, message-oriented data channel into a byte
// stream.
type channelConn struct {
	rw      io.ReadWriteCloser
	buf     []byte
	pending []byte
	local   net.Addr
	remote  net.Addr
}

func newChannelConn(rw io.ReadWriteCloser, self string, key Key) *channelConn {
	return &channelConn{
		rw:     rw,
		buf:    make([]byte, readBuffer),
		local:  addr{Key{GridID: key.GridID, PeerID: self}},
		remote: addr{key},
	}
}

func (c *channelConn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		n, err := c.rw.Read(c.buf)
		if err != nil {
			return 0, err
		}
		c.pending = c.buf[:n]
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *channelConn) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxMessage {
			chunk = chunk[:maxMessage]
		}
		n, err := c.rw.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		p = p[len(chunk):]
	}
	return written, nil
}

func (c *channelConn) Close() error         { return c.rw.Close() }
func (c *channelConn) LocalAddr() net.Addr  { return c.local }
func (c *channelConn) RemoteAddr() net.Addr { return c.remote }

func (c *channelConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *channelConn) SetReadDeadline(t time.Time) error {
	if d, ok := c.rw.(interface{ SetReadDeadline(time.Time) error }); ok {
		return d.SetReadDeadline(t)
	}
	return nil
}

func (c *channelConn) SetWriteDeadline(t time.Time) error {
	if d, ok := c.rw.(interface{ SetWriteDeadline(time.Time) error }); ok {
		return d.SetWriteDeadline(t)
	}
	return nil
}

// sessionConn is the net.Conn handed to callers. Writes go through the
// session's send queue so they stay ordered with Manager.Send.
type sessionConn struct {
	m *Manager
	s *Session
}

func (c *sessionConn) under() (net.Conn, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.s.under == nil {
		return nil, apperr.E(apperr.TransportClosed, "peer.conn", "session %s is closed", addr{c.s.key})
	}
	return c.s.under, nil
}

func (c *sessionConn) Read(p []byte) (int, error) {
	u, err := c.under()
	if err != nil {
		return 0, io.EOF
	}
	return u.Read(p)
}

func (c *sessionConn) Write(p []byte) (int, error) {
	if err := c.m.send(context.Background(), c.s, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *sessionConn) Close() error {
	c.m.apply(c.s, InClose)
	return nil
}

func (c *sessionConn) LocalAddr() net.Addr {
	return addr{Key{GridID: c.s.key.GridID, PeerID: c.m.self}}
}
func (c *sessionConn) RemoteAddr() net.Addr { return addr{c.s.key} }

func (c *sessionConn) SetDeadline(t time.Time) error {
	u, err := c.under()
	if err != nil {
		return err
	}
	return u.SetDeadline(t)
}

func (c *sessionConn) SetReadDeadline(t time.Time) error {
	u, err := c.under()
	if err != nil {
		return err
	}
	return u.SetReadDeadline(t)
}

func (c *sessionConn) SetWriteDeadline(t time.Time) error {
	u, err := c.under()
	if err != nil {
		return err
	}
	return u.SetWriteDeadline(t)
}
