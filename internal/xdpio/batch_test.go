package xdpio

import "testing"

func TestRingBufferPushPop(t *testing.T) {
	var r ringBuffer

	for i := 0; i < BatchCapacity; i++ {
		if !r.push(Mbuf{addr: uint64(i)}) {
			t.Fatalf("push(%d) = false, want true", i)
		}
	}
	if r.push(Mbuf{addr: 999}) {
		t.Fatal("push on a full ring = true, want false")
	}
	if r.len() != BatchCapacity {
		t.Fatalf("len() = %d, want %d", r.len(), BatchCapacity)
	}

	for i := 0; i < BatchCapacity; i++ {
		m, ok := r.pop()
		if !ok {
			t.Fatalf("pop() at %d: ok = false", i)
		}
		if m.addr != uint64(i) {
			t.Fatalf("pop() at %d: addr = %d, want %d (FIFO order)", i, m.addr, i)
		}
	}
	if _, ok := r.pop(); ok {
		t.Error("pop() on empty ring: ok = true, want false")
	}
}

func TestRingBufferWrapsAround(t *testing.T) {
	var r ringBuffer

	for i := 0; i < BatchCapacity/2; i++ {
		r.push(Mbuf{addr: uint64(i)})
	}
	for i := 0; i < BatchCapacity/2; i++ {
		r.pop()
	}
	for i := 0; i < BatchCapacity; i++ {
		if !r.push(Mbuf{addr: uint64(100 + i)}) {
			t.Fatalf("push(%d) after wraparound = false", i)
		}
	}
	if r.len() != BatchCapacity {
		t.Fatalf("len() = %d, want %d", r.len(), BatchCapacity)
	}
	m, ok := r.pop()
	if !ok || m.addr != 100 {
		t.Fatalf("pop() after wraparound = (%v, %v), want (100, true)", m.addr, ok)
	}
}

func TestTxBatchFull(t *testing.T) {
	var b TxBatch
	if b.Full() {
		t.Error("Full() on empty batch = true")
	}
	for i := 0; i < BatchCapacity; i++ {
		b.push(Mbuf{addr: uint64(i)})
	}
	if !b.Full() {
		t.Error("Full() at capacity = false")
	}
}
