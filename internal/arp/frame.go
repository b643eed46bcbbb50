package arp

import (
	"net"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// BuildReply synthesizes a complete Ethernet+ARP reply frame announcing
// that senderIP resolves to senderMAC, addressed to targetMAC/targetIP —
// the wire form a reactor injects into its own Device so its stack's
// neighbor cache learns a binding that arrived on a different queue's
// wire. Built with gVisor's own header.Ethernet/header.ARP encoders
// rather than hand-rolled offsets. The frame is fed straight into
// Device.Inject, never transmitted on the wire.
func BuildReply(senderMAC MAC, senderIP net.IP, targetMAC MAC, targetIP net.IP) []byte {
	frame := make([]byte, header.EthernetMinimumSize+header.ARPSize)

	eth := header.Ethernet(frame)
	eth.Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(senderMAC[:]),
		DstAddr: tcpip.LinkAddress(targetMAC[:]),
		Type:    header.ARPProtocolNumber,
	})

	a := header.ARP(frame[header.EthernetMinimumSize:])
	a.SetIPv4OverEthernet()
	a.SetOp(header.ARPReply)
	copy(a.HardwareAddressSender(), senderMAC[:])
	copy(a.ProtocolAddressSender(), senderIP.To4())
	copy(a.HardwareAddressTarget(), targetMAC[:])
	copy(a.ProtocolAddressTarget(), targetIP.To4())

	return frame
}
