package arp

import (
	"net"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

func TestBuildReplyEncodesFields(t *testing.T) {
	sender := MAC{0x02, 0, 0, 0, 0, 1}
	target := MAC{0x02, 0, 0, 0, 0, 2}
	senderIP := net.ParseIP("10.0.0.1")
	targetIP := net.ParseIP("10.0.0.2")

	frame := BuildReply(sender, senderIP, target, targetIP)

	wantLen := header.EthernetMinimumSize + header.ARPSize
	if len(frame) != wantLen {
		t.Fatalf("len(frame) = %d, want %d", len(frame), wantLen)
	}

	eth := header.Ethernet(frame)
	if eth.Type() != header.ARPProtocolNumber {
		t.Errorf("ethertype = %v, want ARP", eth.Type())
	}
	if string(eth.SourceAddress()) != string(sender[:]) {
		t.Errorf("eth source = %x, want %x", []byte(eth.SourceAddress()), sender[:])
	}
	if string(eth.DestinationAddress()) != string(target[:]) {
		t.Errorf("eth dest = %x, want %x", []byte(eth.DestinationAddress()), target[:])
	}

	a := header.ARP(frame[header.EthernetMinimumSize:])
	if !a.IsValid() {
		t.Fatal("ARP payload is not valid")
	}
	if a.Op() != header.ARPReply {
		t.Errorf("op = %v, want ARPReply", a.Op())
	}
	if string(a.HardwareAddressSender()) != string(sender[:]) {
		t.Errorf("sender MAC = %x, want %x", a.HardwareAddressSender(), sender[:])
	}
	if net.IP(a.ProtocolAddressSender()).String() != senderIP.To4().String() {
		t.Errorf("sender IP = %v, want %v", net.IP(a.ProtocolAddressSender()), senderIP)
	}
	if net.IP(a.ProtocolAddressTarget()).String() != targetIP.To4().String() {
		t.Errorf("target IP = %v, want %v", net.IP(a.ProtocolAddressTarget()), targetIP)
	}
}
