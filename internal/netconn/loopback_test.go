package netconn

import (
	"net"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/link/pipe"

	"github.com/relaynet/reactor/internal/arp"
	"github.com/relaynet/reactor/internal/config"
	"github.com/relaynet/reactor/internal/reactor"
)

const testMTU = 1500

// newLoopbackPair builds two reactors joined by an in-memory pipe link,
// standing in for two hosts sharing a wire without AF_XDP hardware.
// gVisor dispatches frames written to one end of the pipe synchronously
// into the other stack, so TCP handshakes and transfers complete
// without a reactor poll loop driving them.
func newLoopbackPair(t *testing.T) (client, server *reactor.Reactor) {
	t.Helper()

	clientMAC := [6]byte{0x02, 0, 0, 0, 0, 1}
	serverMAC := [6]byte{0x02, 0, 0, 0, 0, 2}

	ep1, ep2 := pipe.New(tcpip.LinkAddress(clientMAC[:]), tcpip.LinkAddress(serverMAC[:]), testMTU)

	cfg := config.New("loopback")

	client = reactor.NewLoopback(0, ethernet.New(ep1), arp.New(1), cfg, net.ParseIP("10.0.0.1"), clientMAC)
	server = reactor.NewLoopback(0, ethernet.New(ep2), arp.New(1), cfg, net.ParseIP("10.0.0.2"), serverMAC)
	return client, server
}
