package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/meshsec/kmpsock/internal/certutil"
	"github.com/meshsec/kmpsock/internal/logging"
)

// ALPNProtocol identifies the key management datagram carrier on a
// QUIC connection.
const ALPNProtocol = "kmpsock/1"

const (
	quicMaxIdleTimeout  = 60 * time.Second
	quicKeepAlivePeriod = 30 * time.Second
	quicDialTimeout     = 10 * time.Second
)

// QUICTransport implements Transport over QUIC unreliable datagrams.
// Each socket is a QUIC listener; outbound traffic dials the peer
// lazily and caches the connection per destination. Datagrams ride the
// DATAGRAM extension, so delivery semantics stay connectionless.
type QUICTransport struct {
	logger *slog.Logger
	cert   tls.Certificate

	mu      sync.Mutex
	nextID  SocketID
	sockets map[SocketID]*quicSocket
	closed  bool

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

type quicSocket struct {
	id       SocketID
	listener *quic.Listener
	cb       Callback
	ctx      context.Context
	cancel   context.CancelFunc

	mu    sync.Mutex
	conns map[netip.AddrPort]quic.Connection
	queue [][]byte
}

// NewQUICTransport creates a QUIC datagram transport with a fresh
// ephemeral certificate and starts its event dispatcher.
func NewQUICTransport(logger *slog.Logger) (*QUICTransport, error) {
	cert, err := certutil.GenerateEphemeral("kmpsock")
	if err != nil {
		return nil, fmt.Errorf("generate transport certificate: %w", err)
	}

	t := &QUICTransport{
		logger:  logger.With(slog.String(logging.KeyComponent, "quic-transport")),
		cert:    cert,
		sockets: make(map[SocketID]*quicSocket),
		events:  make(chan Event, eventQueueSize),
		done:    make(chan struct{}),
	}

	t.wg.Add(1)
	go t.dispatchLoop()

	return t, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams:    true,
		MaxIdleTimeout:     quicMaxIdleTimeout,
		KeepAlivePeriod:    quicKeepAlivePeriod,
		MaxIncomingStreams: 0,
	}
}

// Open starts a QUIC listener on localPort and accepts inbound peer
// connections for it.
func (t *QUICTransport) Open(localPort uint16, cb Callback) (SocketID, error) {
	if cb == nil {
		return SocketNone, fmt.Errorf("nil callback")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return SocketNone, ErrClosed
	}

	listener, err := quic.ListenAddr(fmt.Sprintf(":%d", localPort),
		certutil.ServerConfig(t.cert, ALPNProtocol), quicConfig())
	if err != nil {
		return SocketNone, fmt.Errorf("quic listen port %d: %w", localPort, err)
	}

	id := t.nextID
	t.nextID++

	ctx, cancel := context.WithCancel(context.Background())
	s := &quicSocket{
		id:       id,
		listener: listener,
		cb:       cb,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[netip.AddrPort]quic.Connection),
	}
	t.sockets[id] = s

	t.wg.Add(1)
	go t.acceptLoop(s)

	t.logger.Debug("socket opened",
		slog.Int(logging.KeySocket, int(id)),
		slog.String(logging.KeyLocalAddr, listener.Addr().String()))

	return id, nil
}

// Close tears down one socket: its listener and every cached peer
// connection.
func (t *QUICTransport) Close(id SocketID) error {
	t.mu.Lock()
	s := t.sockets[id]
	delete(t.sockets, id)
	t.mu.Unlock()

	if s == nil {
		return ErrUnknownSocket
	}

	s.cancel()

	s.mu.Lock()
	for dest, conn := range s.conns {
		conn.CloseWithError(0, "socket closed")
		delete(s.conns, dest)
	}
	s.mu.Unlock()

	return s.listener.Close()
}

// LocalAddr reports the listener address of a socket.
func (t *QUICTransport) LocalAddr(id SocketID) (netip.AddrPort, error) {
	t.mu.Lock()
	s := t.sockets[id]
	t.mu.Unlock()

	if s == nil {
		return netip.AddrPort{}, ErrUnknownSocket
	}

	return s.listener.Addr().(*net.UDPAddr).AddrPort(), nil
}

// SendTo transmits one datagram to dest, dialing the peer on first
// use.
func (t *QUICTransport) SendTo(id SocketID, dest netip.AddrPort, buf []byte) error {
	t.mu.Lock()
	s := t.sockets[id]
	t.mu.Unlock()

	if s == nil {
		return ErrUnknownSocket
	}

	conn, err := t.connFor(s, dest)
	if err != nil {
		return err
	}

	if err := conn.SendDatagram(buf); err != nil {
		// Connection is likely dead; forget it so the next send
		// redials.
		s.mu.Lock()
		if s.conns[dest] == conn {
			delete(s.conns, dest)
		}
		s.mu.Unlock()

		return fmt.Errorf("quic send to %s: %w", dest, err)
	}

	return nil
}

// Receive pops the next queued datagram for a socket into buf.
func (t *QUICTransport) Receive(id SocketID, buf []byte) (int, error) {
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
func (t *QUICTransport) Shutdown() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	ids := make([]SocketID, 0, len(t.sockets))
	for id := range t.sockets {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.Close(id)
	}

	close(t.done)
	t.wg.Wait()

	return nil
}

// connFor returns the cached connection to dest, dialing if needed.
func (t *QUICTransport) connFor(s *quicSocket, dest netip.AddrPort) (quic.Connection, error) {
	s.mu.Lock()
	conn := s.conns[dest]
	s.mu.Unlock()

	if conn != nil {
		return conn, nil
	}

	ctx, cancel := context.WithTimeout(s.ctx, quicDialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, dest.String(), certutil.ClientConfig(ALPNProtocol), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", dest, err)
	}

	s.mu.Lock()
	if existing := s.conns[dest]; existing != nil {
		// Lost the dial race; keep the established one.
		s.mu.Unlock()
		conn.CloseWithError(0, "duplicate connection")
		return existing, nil
	}
	s.conns[dest] = conn
	s.mu.Unlock()

	// Peers may answer over this connection rather than dialing back.
	t.wg.Add(1)
	go t.datagramLoop(s, conn)

	return conn, nil
}

// acceptLoop admits inbound peer connections for a socket.
func (t *QUICTransport) acceptLoop(s *quicSocket) {
	defer t.wg.Done()

	for {
		conn, err := s.listener.Accept(s.ctx)
		if err != nil {
			return
		}

		t.wg.Add(1)
		go t.datagramLoop(s, conn)
	}
}

// datagramLoop queues inbound datagrams from one peer connection and
// emits an EventData per datagram. On exit the connection is evicted
// from the dial cache so the next send redials instead of hitting a
// dead connection.
func (t *QUICTransport) datagramLoop(s *quicSocket, conn quic.Connection) {
	defer t.wg.Done()
	defer func() {
		if ua, ok := conn.RemoteAddr().(*net.UDPAddr); ok {
			dest := ua.AddrPort()
			s.mu.Lock()
			if s.conns[dest] == conn {
				delete(s.conns, dest)
			}
			s.mu.Unlock()
		}
	}()

	for {
		data, err := conn.ReceiveDatagram(s.ctx)
		if err != nil {
			return
		}

		t.enqueue(s, data)
	}
}

// enqueue appends one datagram and emits its event while holding the
// socket lock. Several datagramLoops feed one queue, so the append and
// the emit must not interleave: the nth event's Length has to describe
// the nth queued datagram.
func (t *QUICTransport) enqueue(s *quicSocket, data []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, data)
	t.emit(Event{Kind: EventData, Socket: s.id, Length: len(data)})
	s.mu.Unlock()
}

// dispatchLoop serializes all callbacks, mirroring the UDP transport.
func (t *QUICTransport) dispatchLoop() {
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

func (t *QUICTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}
