package xdpio

import (
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/xdp"
)

const (
	// EthHeaderSize is the Ethernet II header length.
	EthHeaderSize = 14
	etherTypeIPv4 = 0x0800
)

// Capabilities mirrors smoltcp's DeviceCapabilities (rpkt-test's
// dpdk_device.rs): the properties the TCP stack needs to know about
// its link.
type Capabilities struct {
	MTU    int
	Medium string // "ethernet"
}

// RxToken is a consume-once handle to one received Ethernet frame,
// backed zero-copy by its UMEM mbuf until f returns. The stack driver
// calls Consume exactly once; the frame must not be read after.
type RxToken struct {
	mbuf Mbuf
}

// Consume hands the frame bytes to f, then releases the backing mbuf
// back to the pool — matching smoltcp's RxToken::consume(self, f).
func (t RxToken) Consume(f func([]byte) error) error {
	err := f(t.mbuf.Data())
	t.mbuf.Release()
	return err
}

// TxToken is a single-use handle letting the stack write a reply frame
// directly into a freshly-allocated mbuf's data area — no staging copy
// on the hot path.
type TxToken struct {
	dev *Device
}

// Consume allocates an mbuf from the pool, lets f write directly into
// the payload region (after an Ethernet header the device prepends),
// and pushes the completed frame onto the TX batch. If the pool is
// exhausted, it falls back to a heap-staged buffer and the frame is
// silently dropped — the peer's TCP retransmit recovers it.
func (t TxToken) Consume(payloadLen int, f func([]byte) error) error {
	d := t.dev
	total := EthHeaderSize + payloadLen

	mbuf, ok := d.mempool.Alloc(0)
	if !ok {
		d.droppedTXAlloc++
		return f(make([]byte, payloadLen))
	}

	full, err := mbuf.Extend(total)
	if err != nil {
		mbuf.Release()
		d.droppedTXAlloc++
		return f(make([]byte, payloadLen))
	}

	d.writeEtherHeader(full[:EthHeaderSize])
	if err := f(full[EthHeaderSize:]); err != nil {
		mbuf.Release()
		return err
	}

	if !d.txBatch.push(mbuf) {
		d.flushLocked()
		if !d.txBatch.push(mbuf) {
			mbuf.Release()
			d.droppedTXFull++
		}
	}
	return nil
}

// Device adapts one reactor's AF_XDP queue to the frame-in/frame-out
// interface the TCP stack driver expects. Single owner: lifetime is
// the lifetime of its reactor.
type Device struct {
	mu sync.Mutex

	cb      *xdp.ControlBlock
	mempool *Mempool
	rxBatch RxBatch
	txBatch TxBatch
	mtu     int

	srcMAC [6]byte
	dstMAC [6]byte

	// injectQueue holds synthesized frames (ARP replies from the
	// shared cache) to be prepended to the next RX batch.
	injectQueue [][]byte

	droppedTXAlloc uint64
	droppedTXFull  uint64
}

// NewDevice wraps an already-bound AF_XDP control block as a Device.
func NewDevice(cb *xdp.ControlBlock, mtu int, srcMAC [6]byte) *Device {
	return &Device{
		cb:      cb,
		mempool: NewMempool(cb),
		mtu:     mtu,
		srcMAC:  srcMAC,
	}
}

// SetDestMAC records the next-hop MAC to stamp on outgoing frames,
// learned via ARP (directly or via shared-cache injection).
func (d *Device) SetDestMAC(mac [6]byte) {
	d.mu.Lock()
	d.dstMAC = mac
	d.mu.Unlock()
}

func (d *Device) writeEtherHeader(hdr []byte) {
	copy(hdr[0:6], d.dstMAC[:])
	copy(hdr[6:12], d.srcMAC[:])
	hdr[12] = byte(etherTypeIPv4 >> 8)
	hdr[13] = byte(etherTypeIPv4)
}

// Inject enqueues a synthesized Ethernet frame (an ARP reply built by
// internal/arp) to be delivered to the stack as if it had arrived on
// the wire, on the next Receive call.
func (d *Device) Inject(frame []byte) {
	d.mu.Lock()
	d.injectQueue = append(d.injectQueue, frame)
	d.mu.Unlock()
}

// pollRX moves pending injected frames and/or a fresh NIC burst into
// rxBatch. Injected frames (shared-cache ARP replies) are drained
// before a real NIC burst is pulled.
func (d *Device) pollRX() {
	for len(d.injectQueue) > 0 {
		mbuf, ok := d.mempool.Alloc(0)
		if !ok {
			break
		}
		frame := d.injectQueue[0]
		data, err := mbuf.Extend(len(frame))
		if err != nil {
			mbuf.Release()
			break
		}
		copy(data, frame)
		if !d.rxBatch.push(mbuf) {
			mbuf.Release()
			break
		}
		d.injectQueue = d.injectQueue[1:]
	}

	if d.rxBatch.len() > 0 {
		return
	}

	d.cb.UMEM.Lock()
	n, index := d.cb.RX.Peek()
	if n == 0 {
		d.cb.UMEM.Unlock()
		return
	}
	if n > BatchCapacity {
		n = BatchCapacity
	}
	for i := uint32(0); i < n; i++ {
		desc := d.cb.RX.Get(index + i)
		d.rxBatch.push(Mbuf{pool: d.mempool, addr: uint64(desc.Addr), length: int(desc.Len)})
	}
	d.cb.RX.Release(n)
	d.cb.UMEM.Unlock()
}

// Receive returns a consume-once RX token if a frame is available,
// along with a matching TX token the stack may use to reply within
// the same turn.
func (d *Device) Receive() (RxToken, TxToken, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pollRX()
	m, ok := d.rxBatch.pop()
	if !ok {
		return RxToken{}, TxToken{}, false
	}
	return RxToken{mbuf: m}, TxToken{dev: d}, true
}

// Transmit returns a TX token if the TX batch has a free slot.
func (d *Device) Transmit() (TxToken, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.txBatch.Full() {
		d.flushLocked()
	}
	if d.txBatch.Full() {
		return TxToken{}, false
	}
	return TxToken{dev: d}, true
}

// Capabilities reports the device's MTU and medium.
func (d *Device) Capabilities() Capabilities {
	return Capabilities{MTU: d.mtu, Medium: "ethernet"}
}

// FlushTX bursts the TX batch to the NIC; frames that fail to send
// stay in the batch for retry on the next call.
func (d *Device) FlushTX() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked()
}

func (d *Device) flushLocked() {
	d.cb.UMEM.Lock()
	defer d.cb.UMEM.Unlock()

	// Recycle completions first so TX.Reserve below has descriptors.
	nc, ci := d.cb.Completion.Peek()
	if nc > 0 {
		for i := uint32(0); i < nc; i++ {
			d.cb.UMEM.FreeFrame(d.cb.Completion.Get(ci + i))
		}
		d.cb.Completion.Release(nc)
	}

	for d.txBatch.len() > 0 {
		m, ok := d.txBatch.pop()
		if !ok {
			break
		}
		nReserved, index := d.cb.TX.Reserve(&d.cb.UMEM, 1)
		if nReserved == 0 {
			d.txBatch.push(m) // couldn't reserve a slot; keep for next flush
			break
		}
		desc := unix.XDPDesc{Addr: m.addr, Len: uint32(m.headroom + m.length)}
		d.cb.TX.Set(index, desc)
	}
	d.cb.TX.Notify()
}

// TxAvailable reports free slots in the TX batch.
func (d *Device) TxAvailable() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return BatchCapacity - d.txBatch.len()
}

// TxCapacity reports the TX batch's total capacity.
func (d *Device) TxCapacity() int { return BatchCapacity }

// IsTxFull reports whether the TX batch has no free slots.
func (d *Device) IsTxFull() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txBatch.Full()
}

// RxBatchIsEmpty reports whether there's nothing left to consume from
// the RX batch.
func (d *Device) RxBatchIsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rxBatch.len() == 0
}

// Stats returns dropped-frame counters for observability; it is not a
// subsystem, just plain fields a caller may read.
func (d *Device) Stats() (droppedTXAlloc, droppedTXFull uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.droppedTXAlloc, d.droppedTXFull
}
