package transport

import (
	"bytes"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/meshsec/kmpsock/internal/logging"
)

func TestQUICTransport_Exchange(t *testing.T) {
	tr, err := NewQUICTransport(logging.NopLogger())
	if err != nil {
		t.Fatalf("NewQUICTransport failed: %v", err)
	}
	defer tr.Shutdown()

	events := make(chan Event, 16)
	cb := func(ev Event) { events <- ev }

	a, err := tr.Open(0, cb)
	if err != nil {
		t.Fatalf("Open a failed: %v", err)
	}
	b, err := tr.Open(0, cb)
	if err != nil {
		t.Fatalf("Open b failed: %v", err)
	}

	bAddr, err := tr.LocalAddr(b)
	if err != nil {
		t.Fatalf("LocalAddr failed: %v", err)
	}
	dest := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), bAddr.Port())

	payload := []byte{0xCA, 0xFE, 0xBA, 0xBE}
	if err := tr.SendTo(a, dest, payload); err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}

	ev := waitEvent(t, events)
	if ev.Kind != EventData || ev.Socket != b {
		t.Fatalf("event = %+v, want data event for socket %d", ev, b)
	}

	buf := make([]byte, ev.Length)
	n, err := tr.Receive(b, buf)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Errorf("received %x, want %x", buf[:n], payload)
	}
}

func TestQUICTransport_BidirectionalExchange(t *testing.T) {
	tr, err := NewQUICTransport(logging.NopLogger())
	if err != nil {
		t.Fatalf("NewQUICTransport failed: %v", err)
	}
	defer tr.Shutdown()

	events := make(chan Event, 16)
	cb := func(ev Event) { events <- ev }

	a, err := tr.Open(0, cb)
	if err != nil {
		t.Fatalf("Open a failed: %v", err)
	}
	b, err := tr.Open(0, cb)
	if err != nil {
		t.Fatalf("Open b failed: %v", err)
	}

	aAddr, _ := tr.LocalAddr(a)
	bAddr, _ := tr.LocalAddr(b)
	destB := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), bAddr.Port())
	destA := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), aAddr.Port())

	if err := tr.SendTo(a, destB, []byte{0x01}); err != nil {
		t.Fatalf("SendTo a->b failed: %v", err)
	}
	ev := waitEvent(t, events)
	if ev.Socket != b {
		t.Fatalf("first event on socket %d, want %d", ev.Socket, b)
	}
	if _, err := tr.Receive(b, make([]byte, ev.Length)); err != nil {
		t.Fatalf("Receive on b failed: %v", err)
	}

	// b answers by dialing a's listener.
	if err := tr.SendTo(b, destA, []byte{0x02}); err != nil {
		t.Fatalf("SendTo b->a failed: %v", err)
	}
	ev = waitEvent(t, events)
	if ev.Socket != a {
		t.Fatalf("reply event on socket %d, want %d", ev.Socket, a)
	}

	buf := make([]byte, ev.Length)
	n, err := tr.Receive(a, buf)
	if err != nil {
		t.Fatalf("Receive on a failed: %v", err)
	}
	if n != 1 || buf[0] != 0x02 {
		t.Errorf("reply payload = %x, want 02", buf[:n])
	}
}

// Two peer connections feed one socket queue concurrently. Every event
// must describe the datagram Receive pops for it, so nothing gets
// truncated against a mismatched length or dropped as a short read.
func TestQUICTransport_ConcurrentConnectionsQueueConsistent(t *testing.T) {
	tr, err := NewQUICTransport(logging.NopLogger())
	if err != nil {
		t.Fatalf("NewQUICTransport failed: %v", err)
	}
	defer tr.Shutdown()

	type popped struct {
		length int
		n      int
		marker byte
	}
	results := make(chan popped, 256)

	id, err := tr.Open(0, func(ev Event) {
		buf := make([]byte, ev.Length)
		n, err := tr.Receive(ev.Socket, buf)
		if err != nil {
			t.Errorf("Receive failed: %v", err)
			n = -1
		}
		var marker byte
		if n > 0 {
			marker = buf[0]
		}
		results <- popped{length: ev.Length, n: n, marker: marker}
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	tr.mu.Lock()
	s := tr.sockets[id]
	tr.mu.Unlock()

	const perConn = 50
	long := bytes.Repeat([]byte{0xAA}, 100)
	short := []byte{0xBB}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < perConn; i++ {
			tr.enqueue(s, long)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < perConn; i++ {
			tr.enqueue(s, short)
		}
	}()
	wg.Wait()

	for i := 0; i < 2*perConn; i++ {
		select {
		case got := <-results:
			if got.n != got.length {
				t.Fatalf("datagram %d: popped %d bytes against event length %d", i, got.n, got.length)
			}
			switch got.length {
			case len(long):
				if got.marker != 0xAA {
					t.Fatalf("datagram %d: length %d carries marker %#x, want aa", i, got.length, got.marker)
				}
			case len(short):
				if got.marker != 0xBB {
					t.Fatalf("datagram %d: length %d carries marker %#x, want bb", i, got.length, got.marker)
				}
			default:
				t.Fatalf("datagram %d: unexpected event length %d", i, got.length)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d datagrams", i, 2*perConn)
		}
	}
}

func TestQUICTransport_EvictsDeadConnection(t *testing.T) {
	tr, err := NewQUICTransport(logging.NopLogger())
	if err != nil {
		t.Fatalf("NewQUICTransport failed: %v", err)
	}
	defer tr.Shutdown()

	events := make(chan Event, 16)
	cb := func(ev Event) { events <- ev }

	a, err := tr.Open(0, cb)
	if err != nil {
		t.Fatalf("Open a failed: %v", err)
	}
	b, err := tr.Open(0, cb)
	if err != nil {
		t.Fatalf("Open b failed: %v", err)
	}

	bAddr, err := tr.LocalAddr(b)
	if err != nil {
		t.Fatalf("LocalAddr failed: %v", err)
	}
	dest := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), bAddr.Port())

	if err := tr.SendTo(a, dest, []byte{0x01}); err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}
	waitEvent(t, events)

	tr.mu.Lock()
	sa := tr.sockets[a]
	tr.mu.Unlock()

	sa.mu.Lock()
	var conn quic.Connection
	for _, c := range sa.conns {
		conn = c
	}
	cached := len(sa.conns)
	sa.mu.Unlock()
	if cached != 1 || conn == nil {
		t.Fatalf("cached connections = %d, want the dialed one", cached)
	}

	// Peer goes away: the connection dies and must leave the cache so
	// the next send redials instead of failing once.
	conn.CloseWithError(0, "peer gone")

	deadline := time.Now().Add(5 * time.Second)
	for {
		sa.mu.Lock()
		remaining := len(sa.conns)
		sa.mu.Unlock()
		if remaining == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("dead connection still cached (%d entries)", remaining)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
