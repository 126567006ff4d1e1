package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/meshsec/kmpsock/internal/logging"
)

// maxDatagramSize bounds a single UDP read.
const maxDatagramSize = 65535

// eventQueueSize buffers readiness events between socket read pumps
// and the dispatch goroutine.
const eventQueueSize = 128

// UDPTransport implements Transport over plain UDP sockets. Each open
// socket has its own read pump; all callbacks are funneled through a
// single dispatch goroutine.
type UDPTransport struct {
	logger *slog.Logger

	mu      sync.Mutex
	nextID  SocketID
	sockets map[SocketID]*udpSocket
	closed  bool

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

type udpSocket struct {
	id   SocketID
	conn *net.UDPConn
	cb   Callback

	mu    sync.Mutex
	queue [][]byte
}

// NewUDPTransport creates a UDP transport and starts its event
// dispatcher.
func NewUDPTransport(logger *slog.Logger) *UDPTransport {
	t := &UDPTransport{
		logger:  logger.With(slog.String(logging.KeyComponent, "udp-transport")),
		sockets: make(map[SocketID]*udpSocket),
		events:  make(chan Event, eventQueueSize),
		done:    make(chan struct{}),
	}

	t.wg.Add(1)
	go t.dispatchLoop()

	return t
}

// Open binds a UDP socket to localPort and starts its read pump.
func (t *UDPTransport) Open(localPort uint16, cb Callback) (SocketID, error) {
	if cb == nil {
		return SocketNone, errors.New("nil callback")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return SocketNone, ErrClosed
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(localPort)})
	if err != nil {
		return SocketNone, fmt.Errorf("listen udp port %d: %w", localPort, err)
	}

	id := t.nextID
	t.nextID++

	s := &udpSocket{
		id:   id,
		conn: conn,
		cb:   cb,
	}
	t.sockets[id] = s

	t.wg.Add(1)
	go t.readLoop(s)

	t.logger.Debug("socket opened",
		slog.Int(logging.KeySocket, int(id)),
		slog.String(logging.KeyLocalAddr, conn.LocalAddr().String()))

	return id, nil
}

// Close tears down one socket. Its read pump exits on the closed
// connection; queued events for it are discarded by the dispatcher.
func (t *UDPTransport) Close(id SocketID) error {
	t.mu.Lock()
	s := t.sockets[id]
	delete(t.sockets, id)
	t.mu.Unlock()

	if s == nil {
		return ErrUnknownSocket
	}

	return s.conn.Close()
}

// LocalAddr reports the bound address of a socket.
func (t *UDPTransport) LocalAddr(id SocketID) (netip.AddrPort, error) {
	t.mu.Lock()
	s := t.sockets[id]
	t.mu.Unlock()

	if s == nil {
		return netip.AddrPort{}, ErrUnknownSocket
	}

	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort(), nil
}

// SendTo transmits one datagram to dest.
func (t *UDPTransport) SendTo(id SocketID, dest netip.AddrPort, buf []byte) error {
	t.mu.Lock()
	s := t.sockets[id]
	t.mu.Unlock()

	if s == nil {
		return ErrUnknownSocket
	}

	if _, err := s.conn.WriteToUDPAddrPort(buf, dest); err != nil {
		return fmt.Errorf("udp send to %s: %w", dest, err)
	}

	return nil
}

// Receive pops the next queued datagram for a socket into buf.
func (t *UDPTransport) Receive(id SocketID, buf []byte) (int, error) {
	t.mu.Lock()
	s := t.sockets[id]
	t.mu.Unlock()

	if s == nil {
		return 0, ErrUnknownSocket
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return 0, ErrNoData
	}

	head := s.queue[0]
	s.queue = s.queue[1:]

	return copy(buf, head), nil
}

// Shutdown closes every socket and stops the dispatcher.
func (t *UDPTransport) Shutdown() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	for id, s := range t.sockets {
		s.conn.Close()
		delete(t.sockets, id)
	}
	t.mu.Unlock()

	close(t.done)
	t.wg.Wait()

	return nil
}

// readLoop pulls datagrams off the wire, queues them, and emits one
// EventData per datagram.
func (t *UDPTransport) readLoop(s *udpSocket) {
	defer t.wg.Done()

	buf := make([]byte, maxDatagramSize)

	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.emit(Event{Kind: EventError, Socket: s.id})
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		s.mu.Lock()
		s.queue = append(s.queue, data)
		s.mu.Unlock()

		t.emit(Event{Kind: EventData, Socket: s.id, Length: n})
	}
}

// dispatchLoop serializes all callbacks. Events whose socket has been
// closed in the meantime are dropped.
func (t *UDPTransport) dispatchLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.done:
			return
		case ev := <-t.events:
			t.mu.Lock()
			s := t.sockets[ev.Socket]
			t.mu.Unlock()

			if s == nil {
				continue
			}
			s.cb(ev)
		}
	}
}

func (t *UDPTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}
