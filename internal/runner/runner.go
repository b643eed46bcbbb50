// Package runner is the process-wide Server Runner: it brings up the
// shared ARP cache, spawns one pinned reactor per queue, binds a
// Listener on each, and invokes a user closure with per-queue context.
package runner

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sync/errgroup"

	"github.com/relaynet/reactor/internal/affinity"
	"github.com/relaynet/reactor/internal/arp"
	"github.com/relaynet/reactor/internal/config"
	"github.com/relaynet/reactor/internal/netconn"
	"github.com/relaynet/reactor/internal/reactor"
	"github.com/relaynet/reactor/internal/xdpio"
)

// QueueContext is handed to the user closure for each spawned queue
// worker.
type QueueContext struct {
	Listener *netconn.Listener
	QueueID  int
	Port     uint16
	Stats    *reactor.Stats
}

// Handler is the user-supplied per-queue worker body.
type Handler func(ctx context.Context, qc QueueContext) error

// Builder configures a Runner before Run.
type Builder struct {
	cfg config.Config
}

// New starts a Builder for the named interface, applying the given
// config.Options.
func New(iface string, opts ...config.Option) *Builder {
	return &Builder{cfg: config.New(iface, opts...)}
}

// Run executes the full bring-up sequence and blocks until every queue
// worker exits, via cancellation or error.
func (b *Builder) Run(ctx context.Context, handler Handler) error {
	cfg := b.cfg
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("runner: invalid configuration: %w", err)
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("runner: remove memlock rlimit: %w", err)
	}

	topo := affinity.Detect(cfg.MaxQueues)
	queues := cfg.MaxQueues
	if !topo.SufficientForOneCorePerQueue {
		fmt.Printf("runner: only %d CPUs available for %d queues; pinning will wrap around\n", topo.NumCPU, queues)
	}

	if nicq, err := xdpio.NICRxQueueCount(cfg.Interface); err == nil && nicq < queues {
		fmt.Printf("runner: %s exposes %d RX queues, below the requested %d; clamping\n", cfg.Interface, nicq, queues)
		queues = nicq
	}

	cache := arp.New(queues)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	resources := make([]*xdpio.QueueResources, queues)
	reactors := make([]*reactor.Reactor, queues)

	for q := 0; q < queues; q++ {
		q := q
		res, err := xdpio.InitializeXDP(cfg.Interface, uint32(q), cfg.XDPObjPath)
		if err != nil {
			teardown(resources)
			return fmt.Errorf("runner: queue %d: initialize XDP: %w", q, err)
		}
		resources[q] = res

		dev := xdpio.NewDevice(res.ControlBlock, cfg.MTU, res.SrcMAC)
		localIP := net.ParseIP(cfg.LocalIP)
		rx := reactor.New(q, dev, cache, cfg, localIP, res.SrcMAC)
		reactors[q] = rx
	}

	for q := 0; q < queues; q++ {
		q := q
		rx := reactors[q]

		listener, err := netconn.Bind(rx, cfg.Port, cfg.Backlog, cfg.RxBufSize, cfg.TxBufSize)
		if err != nil {
			teardown(resources)
			return fmt.Errorf("runner: queue %d: bind listener: %w", q, err)
		}

		g.Go(func() error {
			if err := affinity.Pin(q % topo.NumCPU); err != nil {
				fmt.Printf("runner: queue %d: %v\n", q, err)
			}

			reactorErrs := make(chan error, 1)
			go func() { reactorErrs <- rx.Run(gctx) }()

			qc := QueueContext{Listener: listener, QueueID: q, Port: cfg.Port, Stats: &rx.Stats}
			handlerErr := handler(gctx, qc)

			listener.Close()
			<-reactorErrs
			return handlerErr
		})
	}

	err := g.Wait()
	teardown(resources)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("runner: queue worker failed: %w", err)
	}
	return nil
}

func teardown(resources []*xdpio.QueueResources) {
	for i := len(resources) - 1; i >= 0; i-- {
		if resources[i] != nil {
			resources[i].Close()
		}
	}
}
