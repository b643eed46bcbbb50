// Package arp implements a shared, cross-reactor ARP cache: one
// authoritative IPv4->MAC mapping behind a short critical section, plus
// a per-queue "unseen" ledger so every reactor can synthesize and
// inject the neighbor bindings it hasn't learned about yet.
package arp

import (
	"net"
	"sync"
	"time"
)

// MAC is a fixed-size hardware address, avoiding the allocation a
// net.HardwareAddr slice would cost on every lookup.
type MAC [6]byte

// Binding is one learned neighbor entry.
type Binding struct {
	MAC      MAC
	LastSeen time.Time
}

// Cache is the process-wide shared ARP cache. Lifetime = process;
// never reset per-reactor.
type Cache struct {
	mu       sync.Mutex
	bindings map[uint32]Binding // IPv4 address (big-endian uint32) -> binding
	unseen   map[uint32]map[int]struct{} // ip -> set of queue ids that haven't injected it yet
	queues   map[int]struct{}
}

// New returns an empty cache. queueCount seeds the unseen bookkeeping
// for every queue expected to join (0..queueCount-1); additional
// queues can be registered later with RegisterQueue.
func New(queueCount int) *Cache {
	c := &Cache{
		bindings: make(map[uint32]Binding),
		unseen:   make(map[uint32]map[int]struct{}),
		queues:   make(map[int]struct{}, queueCount),
	}
	for q := 0; q < queueCount; q++ {
		c.queues[q] = struct{}{}
	}
	return c
}

// RegisterQueue adds a queue id that future bindings must be marked
// unseen for. Safe to call before the queue's reactor starts polling.
func (c *Cache) RegisterQueue(q int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[q] = struct{}{}
}

func ipKey(ip net.IP) uint32 {
	ip4 := ip.To4()
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

// Observe records a learned ip->mac binding, marking it unseen for
// every queue other than learner. Typically called by the queue that
// decoded a real ARP reply off the wire.
func (c *Cache) Observe(ip net.IP, mac MAC, learner int) {
	key := ipKey(ip)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.bindings[key] = Binding{MAC: mac, LastSeen: time.Now()}

	pending, ok := c.unseen[key]
	if !ok {
		pending = make(map[int]struct{}, len(c.queues))
		c.unseen[key] = pending
	}
	for q := range c.queues {
		if q == learner {
			continue
		}
		pending[q] = struct{}{}
	}
}

// Lookup returns the cached MAC for ip, if any. Convenience accessor;
// ordinarily a reactor's own stack learns neighbors via the injected
// frames Take returns, not by calling Lookup directly.
func (c *Cache) Lookup(ip net.IP) (MAC, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bindings[ipKey(ip)]
	return b.MAC, ok
}

// PendingBinding is one binding queue q has not yet synthesized an
// injection frame for.
type PendingBinding struct {
	IP  net.IP
	MAC MAC
}

// Take drains every binding queue q hasn't injected yet and marks them
// seen. Called once per reactor poll iteration; the reactor turns each
// returned binding into a synthetic ARP-reply frame via BuildReply and
// feeds it to its Device's Inject queue.
func (c *Cache) Take(q int) []PendingBinding {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []PendingBinding
	for key, pending := range c.unseen {
		if _, ok := pending[q]; !ok {
			continue
		}
		b := c.bindings[key]
		ip := make(net.IP, 4)
		ip[0] = byte(key >> 24)
		ip[1] = byte(key >> 16)
		ip[2] = byte(key >> 8)
		ip[3] = byte(key)
		out = append(out, PendingBinding{IP: ip, MAC: b.MAC})

		delete(pending, q)
		if len(pending) == 0 {
			delete(c.unseen, key)
		}
	}
	return out
}
