// Package reactor drives one queue's Device and gVisor network stack in
// a single-threaded poll loop: bounded ingress, shared-ARP-cache
// injection, fair egress, orphan reap, then yield.
package reactor

import (
	"context"
	"fmt"
	"log"
	"net"
	"runtime"
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	arpnet "gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/relaynet/reactor/internal/arp"
	"github.com/relaynet/reactor/internal/config"
	"github.com/relaynet/reactor/internal/xdpio"
)

const nicID tcpip.NICID = 1

// Stats are the per-queue counters exposed for operational visibility.
type Stats struct {
	mu              sync.Mutex
	FramesIngested  uint64
	FramesEgressed  uint64
	ARPInjected     uint64
	OrphansReaped   uint64
	Iterations      uint64
}

func (s *Stats) addIngress(n uint64) { s.mu.Lock(); s.FramesIngested += n; s.mu.Unlock() }
func (s *Stats) addEgress(n uint64)  { s.mu.Lock(); s.FramesEgressed += n; s.mu.Unlock() }
func (s *Stats) addARP(n uint64)     { s.mu.Lock(); s.ARPInjected += n; s.mu.Unlock() }
func (s *Stats) addOrphan(n uint64)  { s.mu.Lock(); s.OrphansReaped += n; s.mu.Unlock() }
func (s *Stats) tick()               { s.mu.Lock(); s.Iterations++; s.mu.Unlock() }

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		FramesIngested: s.FramesIngested,
		FramesEgressed: s.FramesEgressed,
		ARPInjected:    s.ARPInjected,
		OrphansReaped:  s.OrphansReaped,
		Iterations:     s.Iterations,
	}
}

// Reactor owns one queue's AF_XDP device and gVisor stack. Not safe for
// concurrent use from more than one goroutine; a reactor is meant to be
// pinned to one core and driven exclusively by its own Run call.
type Reactor struct {
	QueueID int

	dev      *xdpio.Device
	stack    *stack.Stack
	linkEP   *channel.Endpoint
	arpCache *arp.Cache
	cfg      config.Config

	localIP net.IP
	mac     [6]byte

	orphanMu sync.Mutex
	orphans  []tcpip.Endpoint

	Stats Stats
}

// New builds a reactor around an already-bound AF_XDP device, wiring a
// fresh, independent gVisor stack for this queue. Each reactor holds
// its own neighbor cache scoped to its queue, which is why the shared
// ARP cache exists at all.
func New(queueID int, dev *xdpio.Device, cache *arp.Cache, cfg config.Config, localIP net.IP, mac [6]byte) *Reactor {
	linkEP := channel.New(xdpio.BatchCapacity, uint32(cfg.MTU), tcpip.LinkAddress(mac[:]))
	s := buildStack(queueID, linkEP, localIP)

	r := &Reactor{
		QueueID:  queueID,
		dev:      dev,
		stack:    s,
		linkEP:   linkEP,
		arpCache: cache,
		cfg:      cfg,
		localIP:  localIP,
		mac:      mac,
	}
	return r
}

// NewLoopback builds a reactor whose stack is wired to an arbitrary
// stack.LinkEndpoint instead of an AF_XDP device — gVisor's own tests
// use the same seam (tcpip/link/pipe plus a stack.LinkEndpoint) to
// drive two in-process stacks against each other without real
// hardware. Run must not be called on the result: there is no Device
// to poll, so ingress/egress/orphan-reap never run. It exists for
// Listener/Stream tests, where gVisor dispatches inbound frames
// synchronously on WritePackets and no poll loop is needed to drive
// the handshake.
func NewLoopback(queueID int, linkEP stack.LinkEndpoint, cache *arp.Cache, cfg config.Config, localIP net.IP, mac [6]byte) *Reactor {
	s := buildStack(queueID, linkEP, localIP)
	return &Reactor{
		QueueID:  queueID,
		stack:    s,
		arpCache: cache,
		cfg:      cfg,
		localIP:  localIP,
		mac:      mac,
	}
}

func buildStack(queueID int, linkEP stack.LinkEndpoint, localIP net.IP) *stack.Stack {
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arpnet.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	if err := s.CreateNIC(nicID, linkEP); err != nil {
		log.Fatalf("reactor: queue %d: create NIC: %v", queueID, err)
	}
	if err := s.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFromSlice(localIP.To4()),
			PrefixLen: 24,
		},
	}, stack.AddressProperties{}); err != nil {
		log.Fatalf("reactor: queue %d: add protocol address: %v", queueID, err)
	}
	if err := s.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
		Protocol:          arpnet.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{Address: arpnet.ProtocolAddress},
	}, stack.AddressProperties{}); err != nil {
		log.Fatalf("reactor: queue %d: add arp protocol address: %v", queueID, err)
	}
	s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
	})
	s.SetPromiscuousMode(nicID, true)
	s.SetSpoofing(nicID, true)
	return s
}

// Stack exposes the queue's gVisor stack so the Server Runner can build
// sockets (Listener/Stream) bound to nicID on it.
func (r *Reactor) Stack() *stack.Stack { return r.stack }

// NICID is the fixed NIC identifier every reactor's stack uses
// internally (each stack is independent, so there is no collision).
func (r *Reactor) NICID() tcpip.NICID { return nicID }

// TrackOrphan registers ep for the reap step below, letting the
// reactor finish its close sequence asynchronously once the caller has
// given it up. Go has no deterministic destructor, so callers are
// expected to call Stream.Close explicitly; TrackOrphan lets the
// reactor free stack resources once the state machine settles rather
// than blocking the caller on TimeWait.
func (r *Reactor) TrackOrphan(ep tcpip.Endpoint) {
	r.orphanMu.Lock()
	r.orphans = append(r.orphans, ep)
	r.orphanMu.Unlock()
}

func (r *Reactor) reapOrphans() {
	r.orphanMu.Lock()
	defer r.orphanMu.Unlock()

	if len(r.orphans) == 0 {
		return
	}
	live := r.orphans[:0]
	var reaped uint64
	for _, ep := range r.orphans {
		switch ep.State() {
		case tcpip.StateClose, tcpip.StateTimeWait:
			ep.Close()
			reaped++
		default:
			live = append(live, ep)
		}
	}
	r.orphans = live
	if reaped > 0 {
		r.Stats.addOrphan(reaped)
	}
}

// consumeFrame decodes one Ethernet frame and injects its payload into
// the stack, observing any real ARP reply into the shared cache along
// the way.
func (r *Reactor) consumeFrame(frame []byte) {
	if len(frame) < header.EthernetMinimumSize {
		return
	}
	eth := header.Ethernet(frame)
	payload := frame[header.EthernetMinimumSize:]

	switch eth.Type() {
	case header.ARPProtocolNumber:
		a := header.ARP(payload)
		if a.IsValid() && a.Op() == header.ARPReply {
			var mac arp.MAC
			copy(mac[:], a.HardwareAddressSender())
			r.arpCache.Observe(net.IP(a.ProtocolAddressSender()), mac, r.QueueID)
		}
		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: buffer.MakeWithData(payload)})
		r.linkEP.InjectInbound(header.ARPProtocolNumber, pkt)
		pkt.DecRef()
	case header.IPv4ProtocolNumber:
		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: buffer.MakeWithData(payload)})
		r.linkEP.InjectInbound(ipv4.ProtocolNumber, pkt)
		pkt.DecRef()
	}
}

// drainIngress processes up to limit frames, returning how many it
// consumed. limit <= 0 means unbounded, used for the post-injection
// mini-pass that processes all synthesized ARP packets before egress.
func (r *Reactor) drainIngress(limit int) int {
	n := 0
	for limit <= 0 || n < limit {
		rxTok, _, ok := r.dev.Receive()
		if !ok {
			break
		}
		rxTok.Consume(func(frame []byte) error {
			r.consumeFrame(frame)
			return nil
		})
		n++
	}
	return n
}

// drainEgress pulls packets the stack has queued for transmit and
// writes each into a fresh TX token, up to TxCapacity per round.
// Returns how many frames were sent.
func (r *Reactor) drainEgress() int {
	sent := 0
	for {
		pkt := r.linkEP.Read()
		if pkt == nil {
			break
		}
		view := pkt.ToView()
		payload := view.AsSlice()
		txTok, ok := r.dev.Transmit()
		if !ok {
			pkt.DecRef()
			break
		}
		txTok.Consume(len(payload), func(out []byte) error {
			copy(out, payload)
			return nil
		})
		pkt.DecRef()
		sent++
		if r.dev.IsTxFull() {
			break
		}
	}
	return sent
}

// injectARPBindings drains any shared-cache bindings this queue hasn't
// seen yet and hands synthesized ARP replies to the device's injection
// queue.
func (r *Reactor) injectARPBindings() int {
	pending := r.arpCache.Take(r.QueueID)
	for _, b := range pending {
		frame := arp.BuildReply(b.MAC, b.IP, arp.MAC(r.mac), r.localIP)
		r.dev.Inject(frame)
	}
	return len(pending)
}

// Run drives the poll loop until ctx is cancelled, then returns
// ctx.Err(); it has no other return path.
func (r *Reactor) Run(ctx context.Context) error {
	iterationsSinceYield := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed := r.drainIngress(r.cfg.BatchSize)
		r.Stats.addIngress(uint64(processed))

		if n := r.injectARPBindings(); n > 0 {
			r.Stats.addARP(uint64(n))
			r.drainIngress(0)
		}

		for round := 0; round < config.MaxEgressRounds; round++ {
			r.dev.FlushTX()
			sent := r.drainEgress()
			r.Stats.addEgress(uint64(sent))
			if sent == 0 || !r.dev.IsTxFull() {
				break
			}
		}
		r.dev.FlushTX()

		r.reapOrphans()

		iterationsSinceYield++
		if shouldYield(r.dev.TxAvailable(), r.dev.TxCapacity(), iterationsSinceYield) {
			iterationsSinceYield = 0
			runtime.Gosched()
		}
		r.Stats.tick()
	}
}

// String implements fmt.Stringer for queue-scoped log lines.
func (r *Reactor) String() string { return fmt.Sprintf("reactor[queue=%d]", r.QueueID) }

// shouldYield decides whether to cede the CPU this iteration: either
// TX has at least half its capacity free (so a woken task has room to
// queue a reply), or too many iterations have passed without yielding.
func shouldYield(txAvailable, txCapacity, iterationsSinceYield int) bool {
	return txAvailable >= txCapacity/2 || iterationsSinceYield >= config.YieldIterationCeil
}
