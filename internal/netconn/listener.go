package netconn

import (
	"context"
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/relaynet/reactor/internal/reactor"
)

// Listener holds `backlog` independently listening endpoints bound to
// the same port with SO_REUSEPORT, refilling any slot that advances to
// Established. Invariant: at least one pool slot is in Listen at all
// times, except while the listener itself is being closed.
type Listener struct {
	r       *reactor.Reactor
	port    uint16
	backlog int
	rxBuf   int
	txBuf   int

	mu      sync.Mutex
	closed  bool
	slots   map[tcpip.Endpoint]struct{}
	acceptC chan *Stream
	errC    chan error
}

// Bind allocates `backlog` listening endpoints on port, each with
// SO_REUSEADDR/SO_REUSEPORT set so the stack load-balances inbound SYNs
// across them.
func Bind(r *reactor.Reactor, port uint16, backlog, rxBufSize, txBufSize int) (*Listener, error) {
	l := &Listener{
		r:       r,
		port:    port,
		backlog: backlog,
		rxBuf:   rxBufSize,
		txBuf:   txBufSize,
		slots:   make(map[tcpip.Endpoint]struct{}, backlog),
		acceptC: make(chan *Stream, backlog),
		errC:    make(chan error, 1),
	}

	for i := 0; i < backlog; i++ {
		if err := l.spawnSlot(); err != nil {
			l.Close()
			return nil, fmt.Errorf("netconn: bind port %d: slot %d: %w", port, i, err)
		}
	}
	return l, nil
}

func (l *Listener) spawnSlot() error {
	var wq waiter.Queue
	ep, err := l.r.Stack().NewEndpoint(tcp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if err != nil {
		return fmt.Errorf("new endpoint: %s", err)
	}

	ep.SocketOptions().SetReuseAddress(true)
	ep.SocketOptions().SetReusePort(true)
	if l.rxBuf > 0 {
		ep.SocketOptions().SetReceiveBufferSize(int64(l.rxBuf), true)
	}
	if l.txBuf > 0 {
		ep.SocketOptions().SetSendBufferSize(int64(l.txBuf), true)
	}

	if err := ep.Bind(tcpip.FullAddress{Port: l.port}); err != nil {
		ep.Close()
		return fmt.Errorf("bind: %s", err)
	}
	if err := ep.Listen(1); err != nil {
		ep.Close()
		return fmt.Errorf("listen: %s", err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		ep.Close()
		return nil
	}
	l.slots[ep] = struct{}{}
	l.mu.Unlock()

	go l.waitForAccept(ep, &wq)
	return nil
}

// waitForAccept blocks on one listening endpoint until it either
// accepts a connection or the listener is torn down, then — on
// success — refills the pool with a fresh Listen(port) slot before
// handing the new Stream to Accept.
func (l *Listener) waitForAccept(ep tcpip.Endpoint, wq *waiter.Queue) {
	entry, ch := waiter.NewChannelEntry(waiter.ReadableEvents)
	wq.EventRegister(&entry)
	defer wq.EventUnregister(&entry)

	for {
		newEP, newWQ, err := ep.Accept(nil)
		if err == nil {
			l.mu.Lock()
			delete(l.slots, ep)
			closed := l.closed
			l.mu.Unlock()

			if !closed {
				if serr := l.spawnSlot(); serr != nil {
					select {
					case l.errC <- fmt.Errorf("netconn: refill pool slot: %w", serr):
					default:
					}
				}
			}

			stream := newStream(l.r, newEP, newWQ)
			select {
			case l.acceptC <- stream:
			default:
				// Accept queue is saturated; caller isn't keeping up.
				// Drop the connection rather than block this slot's
				// goroutine indefinitely.
				stream.Abort()
			}
			return
		}

		if err.String() != "operation would block" {
			l.mu.Lock()
			delete(l.slots, ep)
			closed := l.closed
			l.mu.Unlock()
			if !closed {
				select {
				case l.errC <- fmt.Errorf("netconn: accept on port %d: %s", l.port, err):
				default:
				}
			}
			return
		}

		// Closing the endpoint (Listener.Close) delivers a readable
		// event that turns the next Accept call into a non-blocking
		// error, so no separate close signal is needed here.
		<-ch
	}
}

// Accept blocks until a connection is established on any pool slot, or
// ctx is done. On success, the pool has already been refilled back to
// backlog.
func (l *Listener) Accept(ctx context.Context) (*Stream, error) {
	select {
	case s := <-l.acceptC:
		return s, nil
	case err := <-l.errC:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down every pool slot. Safe to call more than once.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	slots := make([]tcpip.Endpoint, 0, len(l.slots))
	for ep := range l.slots {
		slots = append(slots, ep)
	}
	l.slots = nil
	l.mu.Unlock()

	for _, ep := range slots {
		ep.Close()
	}
	return nil
}

// Port reports the bound port.
func (l *Listener) Port() uint16 { return l.port }
