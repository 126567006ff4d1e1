// Package protocol implements the wire format relay nodes use to route
// key management datagrams between an authenticator and a remote
// supplicant.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Relay header layout, prefixed to the PDU in relay mode:
//
//	RelayAddress [16 bytes] - relay/destination IP address
//	Port         [2 bytes]  - UDP port (big-endian)
//	PeerID       [8 bytes]  - peer hardware identifier (EUI-64)
//	Type         [1 byte]   - message-type tag
const (
	HeaderSize = 27

	relayAddrOffset = 0
	portOffset      = 16
	peerIDOffset    = 18
	typeOffset      = 26
)

// ErrShortBuffer is returned when a buffer cannot hold a relay header.
var ErrShortBuffer = errors.New("buffer too short for relay header")

// RelayHeader is the routing metadata a relay node needs to forward a
// key management datagram.
type RelayHeader struct {
	RelayAddress [16]byte
	Port         uint16
	PeerID       [8]byte
	Type         uint8
}

// Encode writes the header into the first HeaderSize bytes of buf.
func (h *RelayHeader) Encode(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(buf), HeaderSize)
	}

	copy(buf[relayAddrOffset:portOffset], h.RelayAddress[:])
	binary.BigEndian.PutUint16(buf[portOffset:peerIDOffset], h.Port)
	copy(buf[peerIDOffset:typeOffset], h.PeerID[:])
	buf[typeOffset] = h.Type

	return nil
}

// DecodeRelayHeader parses a relay header from the front of buf.
func DecodeRelayHeader(buf []byte) (*RelayHeader, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(buf), HeaderSize)
	}

	h := &RelayHeader{}
	copy(h.RelayAddress[:], buf[relayAddrOffset:portOffset])
	h.Port = binary.BigEndian.Uint16(buf[portOffset:peerIDOffset])
	copy(h.PeerID[:], buf[peerIDOffset:typeOffset])
	h.Type = buf[typeOffset]

	return h, nil
}

// String returns a debug representation of the header.
func (h *RelayHeader) String() string {
	return fmt.Sprintf("RelayHeader{Relay=%x, Port=%d, PeerID=%x, Type=%d}",
		h.RelayAddress, h.Port, h.PeerID, h.Type)
}
