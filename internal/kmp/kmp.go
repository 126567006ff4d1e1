// Package kmp defines the contracts between the datagram adapter and a
// key management service: message typing, peer addressing, and the
// entry points the service exposes for send-path registration and
// inbound message dispatch.
package kmp

import "fmt"

// MessageType identifies the key management protocol a PDU belongs to.
// The zero value TypeNone is the "no type" sentinel used for non-relay
// traffic and for unrecognized wire tags.
type MessageType uint8

const (
	TypeNone              MessageType = 0
	TypeMKA               MessageType = 1
	TypeRadiusMKA         MessageType = 2
	TypeFourWayHandshake  MessageType = 6
	TypeGroupKeyHandshake MessageType = 7
	TypeTLS               MessageType = 8
	TypeRadiusClient      MessageType = 9
	TypeMsgProt           MessageType = 10
	TypeInitialKey        MessageType = 11
)

// TypeFromID maps a wire tag byte to a MessageType. Unrecognized tags
// map to TypeNone.
func TypeFromID(id uint8) MessageType {
	switch t := MessageType(id); t {
	case TypeMKA, TypeRadiusMKA, TypeFourWayHandshake, TypeGroupKeyHandshake,
		TypeTLS, TypeRadiusClient, TypeMsgProt, TypeInitialKey:
		return t
	default:
		return TypeNone
	}
}

// String returns a short protocol name for logging.
func (t MessageType) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeMKA:
		return "mka"
	case TypeRadiusMKA:
		return "radius-mka"
	case TypeFourWayHandshake:
		return "4wh"
	case TypeGroupKeyHandshake:
		return "gkh"
	case TypeTLS:
		return "tls"
	case TypeRadiusClient:
		return "radius-client"
	case TypeMsgProt:
		return "msg"
	case TypeInitialKey:
		return "initial-key"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// EUI64Size is the length of a peer hardware identifier.
const EUI64Size = 8

// Address identifies the ultimate originator or recipient of a PDU
// behind a relay node.
type Address struct {
	// EUI64 is the peer hardware identifier.
	EUI64 [EUI64Size]byte

	// RelayAddress is the IP address of the relay node that forwarded
	// (or should forward) the PDU.
	RelayAddress [16]byte

	// Port is the relay-side UDP port.
	Port uint16
}

// SendFunc transmits an outbound PDU for a registered instance. The
// buffer ownership transfers to the callee; callers must not reuse pdu
// after the call. When the instance was registered with nonzero
// headroom, pdu must carry that many reserved bytes in front of the
// message body.
type SendFunc func(msgType MessageType, addr *Address, pdu []byte, txID uint8) error

// Service is the key management service collaborator. Implementations
// must be comparable (pointer receivers) so the adapter can key its
// bindings on service identity.
type Service interface {
	// RegisterSendPath hands the service the send entry point for an
	// instance, together with the headroom it must reserve at the
	// front of every outbound PDU. A nil send func revokes the path.
	RegisterSendPath(instanceID uint8, send SendFunc, headroom int) error

	// Receive delivers an inbound PDU to the service. addr is zeroed
	// when the PDU did not travel through a relay.
	Receive(instanceID uint8, msgType MessageType, addr *Address, pdu []byte)
}
