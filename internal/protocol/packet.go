// Package protocol defines the frames exchanged with the gateway and the
// canister, and their codecs.
//
// Frames from the gateway are CBOR. The certified content of an incoming
// frame is a CBOR WebsocketMessage; the content of a service message and
// the arguments of the canister methods are Candid.
package protocol

import (
	"fmt"

	"github.com/1ureka/icws/internal/principal"
)

// Canister methods called by the client.
const (
	MethodOpen    = "ws_open"
	MethodMessage = "ws_message"
)

// ClientKey identifies one logical connection attempt.
type ClientKey struct {
	ClientPrincipal principal.Principal `cbor:"client_principal"`
	ClientNonce     uint64              `cbor:"client_nonce"`
}

// Equal reports whether both principal and nonce match.
func (k ClientKey) Equal(other ClientKey) bool {
	return k.ClientNonce == other.ClientNonce && k.ClientPrincipal.Equal(other.ClientPrincipal)
}

func (k ClientKey) String() string {
	return fmt.Sprintf("%s_%d", k.ClientPrincipal, k.ClientNonce)
}

// WebsocketMessage is the sequenced envelope in both directions.
// Timestamp is in nanoseconds since the Unix epoch.
type WebsocketMessage struct {
	ClientKey        ClientKey `cbor:"client_key"`
	SequenceNum      uint64    `cbor:"sequence_num"`
	Timestamp        uint64    `cbor:"timestamp"`
	IsServiceMessage bool      `cbor:"is_service_message"`
	Content          []byte    `cbor:"content"`
}

// GatewayHandshakeMessage is the first, uncertified frame sent by the
// gateway after the transport opens.
type GatewayHandshakeMessage struct {
	GatewayPrincipal principal.Principal
}

// ClientIncomingMessage is a relayed frame: Content is a serialized
// WebsocketMessage, certified by Cert and Tree under the path Key.
type ClientIncomingMessage struct {
	Key     string `cbor:"key"`
	Content []byte `cbor:"content"`
	Cert    []byte `cbor:"cert"`
	Tree    []byte `cbor:"tree"`
}

// OpenArguments is the argument of ws_open.
type OpenArguments struct {
	ClientNonce      uint64
	GatewayPrincipal principal.Principal
}
