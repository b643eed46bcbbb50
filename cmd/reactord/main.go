// reactord is the process entrypoint: detects CPU topology, parses
// flags into a runner.Builder, and runs a simple echo handler on every
// queue until an interrupt arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/relaynet/reactor/internal/config"
	"github.com/relaynet/reactor/internal/runner"
)

func main() {
	iface := flag.String("iface", "", "network interface to bind (required)")
	port := flag.Uint("port", config.DefaultPort, "TCP listen port")
	maxQueues := flag.Int("queues", config.DefaultMaxQueues, "maximum RX/TX queues")
	backlog := flag.Int("backlog", config.DefaultBacklog, "per-listener backlog pool size")
	xdpObj := flag.String("xdp-object", "", "path to the compiled XDP redirect program (required)")
	localIP := flag.String("local-ip", config.DefaultLocalIP, "IPv4 address assigned to each queue's stack")
	flag.Parse()

	if *iface == "" || *xdpObj == "" {
		fmt.Println("usage: reactord -iface <name> -xdp-object <path> [flags]")
		flag.PrintDefaults()
		log.Fatal("reactord: -iface and -xdp-object are required")
	}

	b := runner.New(*iface,
		config.WithPort(uint16(*port)),
		config.WithMaxQueues(*maxQueues),
		config.WithBacklog(*backlog),
		config.WithXDPObject(*xdpObj),
		config.WithLocalIP(*localIP),
	)

	err := b.Run(context.Background(), echoHandler)
	if err != nil {
		log.Fatalf("reactord: %v", err)
	}
}
