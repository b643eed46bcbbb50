package xdpio

import (
	"fmt"
	"net"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"gvisor.dev/gvisor/pkg/xdp"
)

// QueueResources bundles everything InitializeXDP hands back per
// queue: the eBPF collection owning the redirect program, the AF_XDP
// control block for that queue, and the interface's source MAC. One
// instance is created per reactor.
type QueueResources struct {
	Collection *ebpf.Collection
	Link       link.Link
	ControlBlock *xdp.ControlBlock
	SrcMAC     [6]byte
	QueueID    uint32
}

// Close tears down the control block, program attachment, and
// collection in reverse order of acquisition.
func (r *QueueResources) Close() {
	if r.Link != nil {
		r.Link.Close()
	}
	if r.ControlBlock != nil {
		r.ControlBlock.Close()
	}
	if r.Collection != nil {
		r.Collection.Close()
	}
}

// InitializeXDP loads the redirect program from objPath, attaches it
// to iface, opens an AF_XDP socket bound to queueID, and inserts that
// socket's fd into the program's xsks_map.
func InitializeXDP(iface string, queueID uint32, objPath string) (*QueueResources, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("xdpio: interface %s: %w", iface, err)
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("xdpio: load collection spec %s: %w", objPath, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("xdpio: new collection: %w", err)
	}

	prog := coll.Programs["xdp_redirect_port"]
	if prog == nil {
		coll.Close()
		return nil, fmt.Errorf("xdpio: program xdp_redirect_port not found in %s", objPath)
	}
	xsksMap := coll.Maps["xsks_map"]
	if xsksMap == nil {
		coll.Close()
		return nil, fmt.Errorf("xdpio: map xsks_map not found in %s", objPath)
	}

	opts := xdp.DefaultOpts()
	opts.NFrames = 4096
	opts.FrameSize = frameSize
	opts.NDescriptors = 2048
	opts.Bind = true
	opts.UseNeedWakeup = true

	cb, err := xdp.New(uint32(ifi.Index), queueID, opts)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("xdpio: create AF_XDP socket for queue %d: %w", queueID, err)
	}

	if err := xsksMap.Update(queueID, uint32(cb.UMEM.SockFD()), ebpf.UpdateAny); err != nil {
		cb.Close()
		coll.Close()
		return nil, fmt.Errorf("xdpio: insert socket into xsks_map: %w", err)
	}

	l, err := link.AttachXDP(link.XDPOptions{Program: prog, Interface: ifi.Index, Flags: link.XDPDriverMode})
	if err != nil {
		l, err = link.AttachXDP(link.XDPOptions{Program: prog, Interface: ifi.Index, Flags: link.XDPGenericMode})
		if err != nil {
			cb.Close()
			coll.Close()
			return nil, fmt.Errorf("xdpio: attach XDP program (driver and generic mode both failed): %w", err)
		}
	}

	var mac [6]byte
	if len(ifi.HardwareAddr) == 6 {
		copy(mac[:], ifi.HardwareAddr)
	} else {
		mac = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	}

	return &QueueResources{
		Collection:   coll,
		Link:         l,
		ControlBlock: cb,
		SrcMAC:       mac,
		QueueID:      queueID,
	}, nil
}
