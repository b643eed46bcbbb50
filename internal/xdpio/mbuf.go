// Package xdpio bridges AF_XDP's frame-at-a-time UMEM rings to the
// frame-in/frame-out interface the reactor drives the TCP stack with.
package xdpio

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/xdp"
)

// Mbuf is a reference into one UMEM frame: a DMA-capable region with a
// headroom/data/tailroom layout. It is not itself goroutine-safe;
// ownership transfers by value (addr+length), never by concurrent
// access.
type Mbuf struct {
	pool     *Mempool
	addr     uint64
	headroom int
	length   int
}

// Data returns the current data region as an immutable view. Callers
// must not retain it past the Mbuf's Release.
func (m Mbuf) Data() []byte {
	full := m.pool.cb.UMEM.Get(unix.XDPDesc{Addr: m.addr, Len: uint32(m.headroom + m.length)})
	return full[m.headroom:]
}

// Extend grows the writable data region by n bytes (up to the frame's
// capacity) and returns the newly-available tail slice.
func (m *Mbuf) Extend(n int) ([]byte, error) {
	if m.headroom+m.length+n > frameSize {
		return nil, fmt.Errorf("xdpio: mbuf extend(%d) exceeds frame capacity", n)
	}
	full := m.pool.cb.UMEM.Get(unix.XDPDesc{Addr: m.addr, Len: uint32(m.headroom + m.length + n)})
	start := m.headroom + m.length
	m.length += n
	return full[start : start+n], nil
}

// Len reports the current data region length.
func (m Mbuf) Len() int { return m.length }

// Addr is the underlying UMEM frame address, used to build an XDPDesc
// for the TX/RX rings.
func (m Mbuf) Addr() uint64 { return m.addr }

// Release returns the frame to its owning pool. Invariant: a buffer
// owned by the Device TX batch must not be read or written by user
// code after Release.
func (m Mbuf) Release() {
	m.pool.cb.UMEM.Lock()
	m.pool.cb.UMEM.FreeFrame(m.addr)
	m.pool.cb.UMEM.Unlock()
}

const frameSize = 2048

// Mempool is the fixed-capacity pool of Mbufs backing one reactor's
// Device. It is never shared across reactors — one mempool per queue.
type Mempool struct {
	mu sync.Mutex
	cb *xdp.ControlBlock
}

// NewMempool wraps an already-initialized AF_XDP control block's UMEM
// as a Mempool. The control block (rings + UMEM) is created once per
// queue by InitializeXDP (ebpf.go).
func NewMempool(cb *xdp.ControlBlock) *Mempool {
	return &Mempool{cb: cb}
}

// Alloc reserves one frame from the pool. Returns ok=false on
// exhaustion — callers must treat this as a backpressure signal, never
// a fatal error.
func (p *Mempool) Alloc(headroom int) (Mbuf, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cb.UMEM.Lock()
	addr := p.cb.UMEM.AllocFrame()
	p.cb.UMEM.Unlock()
	if addr == 0 {
		return Mbuf{}, false
	}
	return Mbuf{pool: p, addr: addr, headroom: headroom}, true
}
