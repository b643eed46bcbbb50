// Package netconn implements the connection primitives (Listener,
// Stream) on top of a reactor's gVisor stack. Async operations become
// ordinary blocking Go methods taking a context.Context, internally
// parked on a waiter.Queue channel entry.
package netconn

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/relaynet/reactor/internal/reactor"
)

// Stream exclusively owns one TCP endpoint while alive. On Close, if
// the endpoint hasn't already reached Closed, the reactor tracks it as
// an orphan until its graceful-close handshake finishes.
type Stream struct {
	r  *reactor.Reactor
	ep tcpip.Endpoint
	wq *waiter.Queue
}

func newStream(r *reactor.Reactor, ep tcpip.Endpoint, wq *waiter.Queue) *Stream {
	return &Stream{r: r, ep: ep, wq: wq}
}

// Connect creates a new endpoint on r's stack, binds it to localPort
// (0 lets the stack pick one), and initiates a TCP connect to
// remoteIP:remotePort. It returns immediately once the connect has
// been initiated — the endpoint is not yet Established, and callers
// must call WaitConnected before Send/Recv.
func Connect(r *reactor.Reactor, remoteIP net.IP, remotePort, localPort uint16, rxBufSize, txBufSize int) (*Stream, error) {
	var wq waiter.Queue
	ep, err := r.Stack().NewEndpoint(tcp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if err != nil {
		return nil, fmt.Errorf("netconn: connect: new endpoint: %s", err)
	}

	if rxBufSize > 0 {
		ep.SocketOptions().SetReceiveBufferSize(int64(rxBufSize), true)
	}
	if txBufSize > 0 {
		ep.SocketOptions().SetSendBufferSize(int64(txBufSize), true)
	}

	if localPort != 0 {
		if err := ep.Bind(tcpip.FullAddress{Port: localPort}); err != nil {
			ep.Close()
			return nil, fmt.Errorf("netconn: connect: bind local port %d: %s", localPort, err)
		}
	}

	err = ep.Connect(tcpip.FullAddress{
		NIC:  r.NICID(),
		Addr: tcpip.AddrFromSlice(remoteIP.To4()),
		Port: remotePort,
	})
	if _, ok := err.(*tcpip.ErrConnectStarted); err != nil && !ok {
		ep.Close()
		return nil, fmt.Errorf("netconn: connect to %s:%d: %s", remoteIP, remotePort, err)
	}

	return newStream(r, ep, &wq), nil
}

// WaitConnected blocks until the endpoint reaches Established, or ctx
// is done, or the connection fails.
func (s *Stream) WaitConnected(ctx context.Context) error {
	if s.ep.State() == tcpip.StateEstablished {
		return nil
	}

	entry, ch := waiter.NewChannelEntry(waiter.WritableEvents)
	s.wq.EventRegister(&entry)
	defer s.wq.EventUnregister(&entry)

	for {
		switch s.ep.State() {
		case tcpip.StateEstablished:
			return nil
		case tcpip.StateClose, tcpip.StateError:
			return fmt.Errorf("netconn: connect failed: endpoint reached %v", s.ep.State())
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send writes the entirety of data, blocking until the socket accepts
// it or ctx is cancelled.
func (s *Stream) Send(ctx context.Context, data []byte) (int, error) {
	entry, ch := waiter.NewChannelEntry(waiter.WritableEvents)
	s.wq.EventRegister(&entry)
	defer s.wq.EventUnregister(&entry)

	sent := 0
	for sent < len(data) {
		n, err := s.ep.Write(bytes.NewReader(data[sent:]), tcpip.WriteOptions{})
		if err == nil {
			sent += int(n)
			continue
		}
		if err.String() == "operation would block" {
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return sent, ctx.Err()
			}
		}
		return sent, fmt.Errorf("netconn: send: %s", err)
	}
	return sent, nil
}

// Recv reads into buf, blocking until data is available, EOF, or ctx
// is cancelled. Returns (0, nil) on graceful peer close rather than an
// error. Bytes beyond len(buf) stay queued for the next call.
func (s *Stream) Recv(ctx context.Context, buf []byte) (int, error) {
	entry, ch := waiter.NewChannelEntry(waiter.ReadableEvents)
	s.wq.EventRegister(&entry)
	defer s.wq.EventUnregister(&entry)

	for {
		w := tcpip.SliceWriter(buf)
		res, err := s.ep.Read(&w, tcpip.ReadOptions{})
		if err == nil {
			return res.Count, nil
		}
		if _, ok := err.(*tcpip.ErrClosedForReceive); ok {
			return 0, nil
		}
		if err.String() == "operation would block" {
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		return 0, fmt.Errorf("netconn: recv: %s", err)
	}
}

// Close initiates graceful close (FIN) and hands the endpoint to the
// reactor's orphan reaper so its TimeWait teardown happens off the
// caller's critical path.
func (s *Stream) Close() error {
	s.ep.Shutdown(tcpip.ShutdownWrite | tcpip.ShutdownRead)
	s.r.TrackOrphan(s.ep)
	return nil
}

// Abort closes the endpoint at once through its own Close, without
// handing it to the reactor's orphan reaper; it does not request a
// reset explicitly.
func (s *Stream) Abort() {
	s.ep.Close()
}

// LocalAddr and RemoteAddr expose endpoint addressing for logging and
// the net.Conn shim.
func (s *Stream) LocalAddr() (tcpip.FullAddress, tcpip.Error)  { return s.ep.GetLocalAddress() }
func (s *Stream) RemoteAddr() (tcpip.FullAddress, tcpip.Error) { return s.ep.GetRemoteAddress() }

var _ io.Closer = (*Stream)(nil)
