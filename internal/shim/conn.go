// Package shim exposes a standard net.Conn over a Stream so HTTP
// libraries and other net.Conn consumers can layer on unchanged.
package shim

import (
	"context"
	"io"
	"net"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/relaynet/reactor/internal/netconn"
)

// Conn adapts a Stream to net.Conn. Deadlines are accepted but not
// enforced beyond request cancellation — the underlying Stream has no
// per-call timeout primitive, only a context.Context, so SetDeadline
// feeds a derived context used by the next Read/Write call.
type Conn struct {
	s *netconn.Stream

	readDeadline  time.Time
	writeDeadline time.Time
}

// New wraps s as a net.Conn.
func New(s *netconn.Stream) *Conn { return &Conn{s: s} }

func (c *Conn) ctxFor(deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.Background(), func() {}
	}
	return context.WithDeadline(context.Background(), deadline)
}

func (c *Conn) Read(b []byte) (int, error) {
	ctx, cancel := c.ctxFor(c.readDeadline)
	defer cancel()
	n, err := c.s.Recv(ctx, b)
	if err == nil && n == 0 {
		return 0, io.EOF
	}
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	ctx, cancel := c.ctxFor(c.writeDeadline)
	defer cancel()
	return c.s.Send(ctx, b)
}

func (c *Conn) Close() error { return c.s.Close() }

func (c *Conn) LocalAddr() net.Addr {
	addr, err := c.s.LocalAddr()
	if err != nil {
		return nil
	}
	return fullAddrToTCP(addr)
}

func (c *Conn) RemoteAddr() net.Addr {
	addr, err := c.s.RemoteAddr()
	if err != nil {
		return nil
	}
	return fullAddrToTCP(addr)
}

func (c *Conn) SetDeadline(t time.Time) error {
	c.readDeadline = t
	c.writeDeadline = t
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error  { c.readDeadline = t; return nil }
func (c *Conn) SetWriteDeadline(t time.Time) error { c.writeDeadline = t; return nil }

func fullAddrToTCP(addr tcpip.FullAddress) *net.TCPAddr {
	return &net.TCPAddr{IP: net.IP(addr.Addr.AsSlice()), Port: int(addr.Port)}
}

var _ net.Conn = (*Conn)(nil)
