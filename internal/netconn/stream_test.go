package netconn

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

// TestConnectRaceSend exercises Send called immediately after Connect,
// before WaitConnected has resolved. Send's internal retry loop must
// park on "operation would block" until the handshake finishes rather
// than erroring out on a non-Established endpoint.
func TestConnectRaceSend(t *testing.T) {
	client, server := newLoopbackPair(t)

	ln, err := Bind(server, 9100, 4, 16384, 16384)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cs, err := Connect(client, net.ParseIP("10.0.0.2"), 9100, 0, 16384, 16384)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	msg := []byte("raced before WaitConnected")
	sendErr := make(chan error, 1)
	go func() {
		_, err := cs.Send(ctx, msg)
		sendErr <- err
	}()

	ss, err := ln.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	if err := <-sendErr; err != nil {
		t.Fatalf("Send() raced against connect: error = %v", err)
	}
	if err := cs.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected() after successful send: error = %v", err)
	}

	buf := make([]byte, len(msg))
	n, err := ss.Recv(ctx, buf)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("received %q, want %q", buf[:n], msg)
	}

	cs.Close()
	ss.Close()
}

// TestSendAfterPeerFin covers the send path once the peer has gone
// through a graceful close. The server FINs immediately after accept;
// the client observes the graceful (0, nil) EOF on Recv, closes its
// own side in turn, and a further Send on the now-closed stream must
// fail promptly rather than block or silently succeed.
func TestSendAfterPeerFin(t *testing.T) {
	client, server := newLoopbackPair(t)

	ln, err := Bind(server, 9101, 4, 16384, 16384)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cs, err := Connect(client, net.ParseIP("10.0.0.2"), 9101, 0, 16384, 16384)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := cs.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected() error = %v", err)
	}

	ss, err := ln.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if err := ss.Close(); err != nil {
		t.Fatalf("server Close() error = %v", err)
	}

	buf := make([]byte, 16)
	n, err := cs.Recv(ctx, buf)
	if err != nil {
		t.Fatalf("Recv() after peer FIN: error = %v", err)
	}
	if n != 0 {
		t.Fatalf("Recv() after peer FIN returned %d bytes, want 0", n)
	}

	if err := cs.Close(); err != nil {
		t.Fatalf("client Close() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := cs.Send(ctx, []byte("too late"))
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Send() after own Close() succeeded, want an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send() after own Close() blocked instead of failing promptly")
	}
}

// TestSendFragmentsAcrossPollIterations drives a payload much larger
// than the socket buffers through Send while a concurrent reader
// drains Recv, forcing Send's retry loop to make multiple Write calls
// instead of completing in one.
func TestSendFragmentsAcrossPollIterations(t *testing.T) {
	client, server := newLoopbackPair(t)

	const bufSize = 4096
	const payloadSize = 256 * 1024

	ln, err := Bind(server, 9102, 2, bufSize, bufSize)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cs, err := Connect(client, net.ParseIP("10.0.0.2"), 9102, 0, bufSize, bufSize)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := cs.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected() error = %v", err)
	}
	ss, err := ln.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	payload := bytes.Repeat([]byte{0xAB}, payloadSize)

	recvd := make(chan []byte, 1)
	recvErr := make(chan error, 1)
	go func() {
		var out bytes.Buffer
		buf := make([]byte, 4096)
		for out.Len() < payloadSize {
			n, err := ss.Recv(ctx, buf)
			if err != nil {
				recvErr <- err
				return
			}
			if n == 0 {
				break
			}
			out.Write(buf[:n])
		}
		recvd <- out.Bytes()
	}()

	sent, err := cs.Send(ctx, payload)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if sent != payloadSize {
		t.Fatalf("Send() sent %d bytes, want %d", sent, payloadSize)
	}

	select {
	case got := <-recvd:
		if len(got) != payloadSize {
			t.Fatalf("received %d bytes, want %d", len(got), payloadSize)
		}
		if !bytes.Equal(got, payload) {
			t.Fatal("received payload does not match sent payload")
		}
	case err := <-recvErr:
		t.Fatalf("Recv() error = %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for fragmented transfer to complete")
	}

	cs.Close()
	ss.Close()
}
