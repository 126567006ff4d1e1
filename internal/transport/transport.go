// Package transport abstracts the datagram sockets the adapter runs
// over. Implementations deliver socket readiness through a callback
// and hand datagrams over with an explicit read call, so the adapter
// controls scratch buffer lifetime.
package transport

import (
	"errors"
	"net/netip"
)

// SocketID identifies an open datagram socket within a Transport.
type SocketID int32

// SocketNone is the "no socket" sentinel.
const SocketNone SocketID = -1

// EventKind classifies a socket readiness notification.
type EventKind uint8

const (
	// EventData signals a complete datagram is ready to read.
	EventData EventKind = iota
	// EventError signals a socket-level failure. The socket stays
	// open; the owner decides whether to close it.
	EventError
)

// Event is a socket readiness notification.
type Event struct {
	Kind   EventKind
	Socket SocketID
	// Length is the size of the ready datagram for EventData.
	Length int
}

// Callback receives socket events. Implementations invoke callbacks
// from a single dispatch goroutine, never concurrently.
type Callback func(Event)

var (
	// ErrUnknownSocket is returned for operations on a socket id that
	// is not (or no longer) open.
	ErrUnknownSocket = errors.New("unknown socket")

	// ErrNoData is returned by Receive when no datagram is queued.
	ErrNoData = errors.New("no datagram available")

	// ErrClosed is returned for operations on a closed transport.
	ErrClosed = errors.New("transport closed")
)

// Transport is the datagram socket collaborator.
type Transport interface {
	// Open creates a datagram socket bound to localPort (0 for an
	// ephemeral port) and registers cb for its events.
	Open(localPort uint16, cb Callback) (SocketID, error)

	// Close tears down a socket. Events already queued for the socket
	// may still be delivered and must be tolerated by the owner.
	Close(id SocketID) error

	// LocalAddr reports the bound local address of a socket.
	LocalAddr(id SocketID) (netip.AddrPort, error)

	// SendTo transmits one datagram to dest. Buffer ownership
	// transfers to the transport.
	SendTo(id SocketID, dest netip.AddrPort, buf []byte) error

	// Receive copies the next queued datagram into buf and returns
	// the number of bytes copied. A datagram larger than buf is
	// truncated to len(buf).
	Receive(id SocketID, buf []byte) (int, error)
}
