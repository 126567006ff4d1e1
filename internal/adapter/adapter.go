// Package adapter binds key management service instances to datagram
// sockets. It owns the registry of (service, instance) bindings, opens
// and recreates sockets as remote endpoints change, prepends the relay
// header on outbound PDUs, and dispatches inbound datagrams back into
// the owning service.
package adapter

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"golang.org/x/time/rate"

	"github.com/meshsec/kmpsock/internal/kmp"
	"github.com/meshsec/kmpsock/internal/logging"
	"github.com/meshsec/kmpsock/internal/metrics"
	"github.com/meshsec/kmpsock/internal/protocol"
	"github.com/meshsec/kmpsock/internal/transport"
)

var (
	// ErrInvalidArgument is returned when a required reference or
	// buffer is missing.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTransportOpen is returned when the transport cannot open a
	// socket for a binding.
	ErrTransportOpen = errors.New("transport open failed")

	// ErrServiceRegistration is returned when the service rejects the
	// send-path registration.
	ErrServiceRegistration = errors.New("service registration failed")

	// ErrBindingNotFound is returned by Send for an unknown
	// (service, instance) pair.
	ErrBindingNotFound = errors.New("no binding for service and instance")

	// ErrInstanceIDExhausted is returned when every nonzero instance
	// id is already bound for the requesting service.
	ErrInstanceIDExhausted = errors.New("instance id space exhausted")
)

// defaultReceiveBurst is the limiter burst when a receive rate is
// configured without an explicit burst.
const defaultReceiveBurst = 16

// Config tunes the registry.
type Config struct {
	// ReceiveRate caps inbound datagrams per second per binding.
	// Zero disables the limit.
	ReceiveRate rate.Limit

	// ReceiveBurst is the limiter burst size. Defaults to
	// defaultReceiveBurst when unset.
	ReceiveBurst int
}

// binding associates one service instance with a datagram socket and
// its remote peer endpoint.
type binding struct {
	service    kmp.Service
	instanceID uint8
	relay      bool
	remote     netip.AddrPort
	socket     transport.SocketID
	limiter    *rate.Limiter
}

// Registry owns the active bindings and both data paths. All methods
// are safe for concurrent use; inbound dispatch is driven by the
// transport's event callback.
type Registry struct {
	transport transport.Transport
	config    Config
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// regMu serializes Register and Unregister: both run a
	// multi-step handshake (socket lifecycle plus the service
	// send-path call) that must not interleave for the same
	// (service, instance id) key.
	regMu sync.Mutex

	mu             sync.Mutex
	bindings       []*binding
	nextInstanceID uint8
}

// New creates a registry on top of tr.
func New(tr transport.Transport, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Registry {
	return &Registry{
		transport:      tr,
		config:         cfg,
		metrics:        m,
		logger:         logger.With(slog.String(logging.KeyComponent, "adapter")),
		nextInstanceID: 1,
	}
}

// Register creates or updates the binding for (service, *instanceID).
// An *instanceID of 0 allocates a fresh id and writes it back. The
// socket is (re)opened when the binding has none yet or when remote
// differs from the stored endpoint. The service is handed the send
// entry point together with the header headroom it must reserve on
// outbound PDUs.
func (r *Registry) Register(service kmp.Service, instanceID *uint8, relay bool, localPort uint16, remote netip.AddrPort) error {
	if service == nil || instanceID == nil || !remote.IsValid() {
		return ErrInvalidArgument
	}

	r.regMu.Lock()
	defer r.regMu.Unlock()

	r.mu.Lock()

	b := r.findBinding(service, *instanceID)
	isNew := false

	if b == nil {
		id := *instanceID
		if id == 0 {
			var err error
			id, err = r.allocateInstanceID(service)
			if err != nil {
				r.mu.Unlock()
				return err
			}
		}

		b = &binding{
			service:    service,
			instanceID: id,
			socket:     transport.SocketNone,
		}
		if r.config.ReceiveRate > 0 {
			burst := r.config.ReceiveBurst
			if burst <= 0 {
				burst = defaultReceiveBurst
			}
			b.limiter = rate.NewLimiter(r.config.ReceiveRate, burst)
		}
		isNew = true
	}

	b.relay = relay

	endpointChanged := b.remote != remote
	b.remote = remote

	if b.socket == transport.SocketNone || endpointChanged {
		reopened := false
		if b.socket != transport.SocketNone {
			r.transport.Close(b.socket)
			b.socket = transport.SocketNone
			reopened = true
		}

		sock, err := r.transport.Open(localPort, r.handleSocketEvent)
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrTransportOpen, err)
		}
		b.socket = sock

		r.metrics.SocketOpens.Inc()
		if reopened {
			r.metrics.SocketReopens.Inc()
		}
	}

	id := b.instanceID
	sock := b.socket
	r.mu.Unlock()

	headroom := 0
	if relay {
		headroom = protocol.HeaderSize
	}

	send := func(msgType kmp.MessageType, addr *kmp.Address, pdu []byte, txID uint8) error {
		return r.Send(service, id, msgType, addr, pdu, txID)
	}

	if err := service.RegisterSendPath(id, send, headroom); err != nil {
		if isNew {
			// Never inserted; unwind the socket and report.
			r.mu.Lock()
			r.transport.Close(sock)
			r.mu.Unlock()
		}
		return fmt.Errorf("%w: %v", ErrServiceRegistration, err)
	}

	r.mu.Lock()
	if isNew {
		r.bindings = append(r.bindings, b)
		r.metrics.BindingsActive.Set(float64(len(r.bindings)))
	}
	r.mu.Unlock()

	*instanceID = id

	r.logger.Info("binding registered",
		slog.Int(logging.KeyInstanceID, int(id)),
		slog.Bool(logging.KeyRelay, relay),
		slog.Int(logging.KeyLocalPort, int(localPort)),
		slog.String(logging.KeyRemoteAddr, remote.String()))

	return nil
}

// Unregister removes every binding owned by service, closing each
// socket and revoking the service's send paths. Unregistering a
// service with no bindings is a no-op.
func (r *Registry) Unregister(service kmp.Service) error {
	if service == nil {
		return ErrInvalidArgument
	}

	r.regMu.Lock()
	defer r.regMu.Unlock()

	r.mu.Lock()

	var removed []*binding
	kept := r.bindings[:0]
	for _, b := range r.bindings {
		if b.service == service {
			removed = append(removed, b)
			continue
		}
		kept = append(kept, b)
	}
	r.bindings = kept

	for _, b := range removed {
		if b.socket != transport.SocketNone {
			r.transport.Close(b.socket)
			b.socket = transport.SocketNone
		}
	}
	r.metrics.BindingsActive.Set(float64(len(r.bindings)))
	r.mu.Unlock()

	for _, b := range removed {
		// Best effort; the binding is gone either way.
		service.RegisterSendPath(b.instanceID, nil, 0)

		r.logger.Info("binding removed",
			slog.Int(logging.KeyInstanceID, int(b.instanceID)))
	}

	return nil
}

// Send transmits one PDU for a registered instance. In relay mode the
// caller must have reserved protocol.HeaderSize leading bytes in pdu;
// the relay header is written there in place. Ownership of pdu
// transfers to this call regardless of outcome.
func (r *Registry) Send(service kmp.Service, instanceID uint8, msgType kmp.MessageType, addr *kmp.Address, pdu []byte, txID uint8) error {
	if service == nil || addr == nil || pdu == nil {
		return ErrInvalidArgument
	}

	r.mu.Lock()
	b := r.findBinding(service, instanceID)
	if b == nil {
		r.mu.Unlock()
		return ErrBindingNotFound
	}
	relay := b.relay
	sock := b.socket
	remote := b.remote
	r.mu.Unlock()

	if relay {
		hdr := protocol.RelayHeader{
			RelayAddress: addr.RelayAddress,
			Port:         addr.Port,
			PeerID:       addr.EUI64,
			Type:         uint8(msgType),
		}
		if err := hdr.Encode(pdu); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	}

	if err := r.transport.SendTo(sock, remote, pdu); err != nil {
		r.metrics.SendErrors.Inc()
		return fmt.Errorf("send datagram: %w", err)
	}

	r.metrics.DatagramsSent.Inc()
	r.metrics.BytesSent.Add(float64(len(pdu)))

	return nil
}

// handleSocketEvent is the receive path. It is registered as the
// transport callback for every socket the registry opens. Events for
// sockets whose binding is gone are expected after unregistration and
// are ignored.
func (r *Registry) handleSocketEvent(ev transport.Event) {
	if ev.Kind != transport.EventData {
		return
	}

	r.mu.Lock()
	b := r.findBySocket(ev.Socket)
	if b == nil {
		r.mu.Unlock()
		r.drop(metrics.ReasonNoBinding, ev, nil)
		return
	}
	service := b.service
	instanceID := b.instanceID
	relay := b.relay
	limiter := b.limiter
	r.mu.Unlock()

	buf := make([]byte, ev.Length)
	n, err := r.transport.Receive(ev.Socket, buf)
	if err != nil || n != ev.Length {
		r.drop(metrics.ReasonShortRead, ev, err)
		return
	}

	if limiter != nil && !limiter.Allow() {
		r.drop(metrics.ReasonRateLimited, ev, nil)
		return
	}

	var addr kmp.Address
	msgType := kmp.TypeNone
	payload := buf

	if relay {
		hdr, err := protocol.DecodeRelayHeader(buf)
		if err != nil {
			r.drop(metrics.ReasonTruncatedHeader, ev, err)
			return
		}

		msgType = kmp.TypeFromID(hdr.Type)
		if msgType == kmp.TypeNone {
			r.drop(metrics.ReasonUnknownType, ev, nil)
			return
		}

		addr.RelayAddress = hdr.RelayAddress
		addr.Port = hdr.Port
		addr.EUI64 = hdr.PeerID
		payload = buf[protocol.HeaderSize:]
	}

	service.Receive(instanceID, msgType, &addr, payload)

	r.metrics.DatagramsReceived.Inc()
	r.metrics.BytesReceived.Add(float64(len(payload)))
}

// drop records an inbound datagram that was not forwarded. Drops are
// transport anomalies, not API misuse, so they only surface as metrics
// and debug logs.
func (r *Registry) drop(reason string, ev transport.Event, err error) {
	r.metrics.DatagramsDropped.WithLabelValues(reason).Inc()

	if err != nil {
		r.logger.Debug("datagram dropped",
			slog.String(logging.KeyReason, reason),
			slog.Int(logging.KeySocket, int(ev.Socket)),
			slog.Int(logging.KeyBytes, ev.Length),
			slog.Any(logging.KeyError, err))
		return
	}
	r.logger.Debug("datagram dropped",
		slog.String(logging.KeyReason, reason),
		slog.Int(logging.KeySocket, int(ev.Socket)),
		slog.Int(logging.KeyBytes, ev.Length))
}

// findBinding looks up a binding by (service, instance id). Caller
// holds r.mu.
func (r *Registry) findBinding(service kmp.Service, instanceID uint8) *binding {
	for _, b := range r.bindings {
		if b.service == service && b.instanceID == instanceID {
			return b
		}
	}
	return nil
}

// findBySocket looks up a binding by socket handle. Caller holds r.mu.
func (r *Registry) findBySocket(sock transport.SocketID) *binding {
	for _, b := range r.bindings {
		if b.socket == sock {
			return b
		}
	}
	return nil
}

// allocateInstanceID hands out the next free nonzero instance id. The
// counter is shared across all services registered with this registry
// and wraps, skipping 0. Caller holds r.mu.
func (r *Registry) allocateInstanceID(service kmp.Service) (uint8, error) {
	for i := 0; i < 256; i++ {
		id := r.nextInstanceID
		r.nextInstanceID++

		if id == 0 {
			continue
		}
		if r.findBinding(service, id) == nil {
			return id, nil
		}
	}
	return 0, ErrInstanceIDExhausted
}
