package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/relaynet/reactor/internal/netconn"
	"github.com/relaynet/reactor/internal/runner"
)

// connStats holds atomic counters safe for concurrent update from
// every accepted connection's goroutine.
type connStats struct {
	connections   atomic.Uint64
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64
	sendErrors    atomic.Uint64
}

var stats connStats

// echoHandler accepts connections on one queue's listener forever,
// spawning one goroutine per connection to echo data back until the
// peer closes or ctx is cancelled.
func echoHandler(ctx context.Context, qc runner.QueueContext) error {
	fmt.Printf("reactord: queue %d listening on port %d\n", qc.QueueID, qc.Port)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		stream, err := qc.Listener.Accept(ctx)
		if err != nil {
			return nil
		}

		connID := stats.connections.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			handleEcho(ctx, stream, connID)
		}()
	}
}

func handleEcho(ctx context.Context, stream *netconn.Stream, connID uint64) {
	defer stream.Close()

	buf := make([]byte, 4096)
	for {
		n, err := stream.Recv(ctx, buf)
		if err != nil {
			return
		}
		if n == 0 {
			return
		}
		stats.bytesReceived.Add(uint64(n))

		sent, err := stream.Send(ctx, buf[:n])
		if err != nil {
			stats.sendErrors.Add(1)
			return
		}
		stats.bytesSent.Add(uint64(sent))
	}
}
