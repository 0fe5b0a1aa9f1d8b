package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/1ureka/icws/internal/candid"
	"github.com/1ureka/icws/internal/principal"
)

var (
	ErrNotHandshake       = errors.New("not a gateway handshake message")
	ErrNotIncomingMessage = errors.New("not a client incoming message")
	ErrInvalidMessage     = errors.New("invalid websocket message")
	ErrInvalidArguments   = errors.New("invalid canister method arguments")
)

// selfDescribe is the CBOR self-describe tag 55799 prefix.
var selfDescribe = []byte{0xd9, 0xd9, 0xf7}

// StripSelfDescribe removes a leading self-describe tag, if present.
func StripSelfDescribe(data []byte) []byte {
	return bytes.TrimPrefix(data, selfDescribe)
}

// AddSelfDescribe prefixes data with the self-describe tag.
func AddSelfDescribe(data []byte) []byte {
	return append(append([]byte{}, selfDescribe...), data...)
}

// ---------------------------------------------------------------------------
// Gateway frames (CBOR)
// ---------------------------------------------------------------------------

type handshakeFrame struct {
	GatewayPrincipal cbor.RawMessage `cbor:"gateway_principal"`
}

// DecodeHandshake parses the first frame from the gateway. The principal
// may be carried as raw bytes or in its textual form.
func DecodeHandshake(data []byte) (GatewayHandshakeMessage, error) {
	var frame handshakeFrame
	if err := cbor.Unmarshal(StripSelfDescribe(data), &frame); err != nil {
		return GatewayHandshakeMessage{}, fmt.Errorf("%w: %w", ErrNotHandshake, err)
	}
	if len(frame.GatewayPrincipal) == 0 {
		return GatewayHandshakeMessage{}, fmt.Errorf("%w: missing gateway_principal", ErrNotHandshake)
	}

	switch frame.GatewayPrincipal[0] >> 5 {
	case majorBytes:
		var raw []byte
		if err := cbor.Unmarshal(frame.GatewayPrincipal, &raw); err != nil {
			return GatewayHandshakeMessage{}, fmt.Errorf("%w: %w", ErrNotHandshake, err)
		}
		if len(raw) == 0 || len(raw) > principal.MaxLength {
			return GatewayHandshakeMessage{}, fmt.Errorf("%w: invalid principal length %d", ErrNotHandshake, len(raw))
		}
		return GatewayHandshakeMessage{GatewayPrincipal: principal.Principal(raw)}, nil

	case majorText:
		var text string
		if err := cbor.Unmarshal(frame.GatewayPrincipal, &text); err != nil {
			return GatewayHandshakeMessage{}, fmt.Errorf("%w: %w", ErrNotHandshake, err)
		}
		p, err := principal.Decode(text)
		if err != nil {
			return GatewayHandshakeMessage{}, fmt.Errorf("%w: %w", ErrNotHandshake, err)
		}
		return GatewayHandshakeMessage{GatewayPrincipal: p}, nil

	default:
		return GatewayHandshakeMessage{}, fmt.Errorf("%w: gateway_principal is neither bytes nor text", ErrNotHandshake)
	}
}

// CBOR major types.
const (
	majorBytes = 2
	majorText  = 3
)

// EncodeHandshake serializes a handshake the way the gateway sends it.
func EncodeHandshake(m GatewayHandshakeMessage) ([]byte, error) {
	return cbor.Marshal(map[string][]byte{"gateway_principal": m.GatewayPrincipal})
}

// DecodeIncoming parses a relayed frame. Every field must be present with
// the expected CBOR type.
func DecodeIncoming(data []byte) (ClientIncomingMessage, error) {
	var fields map[string]cbor.RawMessage
	if err := cbor.Unmarshal(StripSelfDescribe(data), &fields); err != nil {
		return ClientIncomingMessage{}, fmt.Errorf("%w: %w", ErrNotIncomingMessage, err)
	}

	var m ClientIncomingMessage
	targets := map[string]any{
		"key":     &m.Key,
		"content": &m.Content,
		"cert":    &m.Cert,
		"tree":    &m.Tree,
	}
	for name, target := range targets {
		raw, ok := fields[name]
		if !ok {
			return ClientIncomingMessage{}, fmt.Errorf("%w: missing %s", ErrNotIncomingMessage, name)
		}
		if err := cbor.Unmarshal(raw, target); err != nil {
			return ClientIncomingMessage{}, fmt.Errorf("%w: field %s: %w", ErrNotIncomingMessage, name, err)
		}
	}
	return m, nil
}

// EncodeIncoming serializes a relayed frame.
func EncodeIncoming(m ClientIncomingMessage) ([]byte, error) {
	return cbor.Marshal(m)
}

// DecodeWebsocketMessage parses the certified content of an incoming frame.
func DecodeWebsocketMessage(data []byte) (WebsocketMessage, error) {
	var m WebsocketMessage
	if err := cbor.Unmarshal(StripSelfDescribe(data), &m); err != nil {
		return WebsocketMessage{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return m, nil
}

// EncodeWebsocketMessage serializes m with the self-describe tag, as the
// canister does.
func EncodeWebsocketMessage(m WebsocketMessage) ([]byte, error) {
	data, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode websocket message: %w", err)
	}
	return AddSelfDescribe(data), nil
}

// ---------------------------------------------------------------------------
// Canister arguments (Candid)
// ---------------------------------------------------------------------------

// EncodeOpenArguments builds the argument of ws_open:
// record { client_nonce : nat64; gateway_principal : principal }.
func EncodeOpenArguments(args OpenArguments) ([]byte, error) {
	return candid.Marshal(candid.Record{
		candid.F("client_nonce", candid.Nat64(args.ClientNonce)),
		candid.F("gateway_principal", candid.Principal(args.GatewayPrincipal)),
	})
}

// DecodeOpenArguments is the inverse of EncodeOpenArguments.
func DecodeOpenArguments(data []byte) (OpenArguments, error) {
	rec, err := argumentRecord(data)
	if err != nil {
		return OpenArguments{}, err
	}
	nonce, err := get[candid.Nat64](rec, "client_nonce")
	if err != nil {
		return OpenArguments{}, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	gateway, err := get[candid.Principal](rec, "gateway_principal")
	if err != nil {
		return OpenArguments{}, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	return OpenArguments{ClientNonce: uint64(nonce), GatewayPrincipal: principal.Principal(gateway)}, nil
}

// EncodeMessageArguments builds the argument of ws_message:
// record { msg : record { client_key; sequence_num; timestamp;
// is_service_message; content : blob } }.
func EncodeMessageArguments(m WebsocketMessage) ([]byte, error) {
	return candid.Marshal(candid.Record{
		candid.F("msg", candid.Record{
			candid.F(labelClientKey, clientKeyValue(m.ClientKey)),
			candid.F("sequence_num", candid.Nat64(m.SequenceNum)),
			candid.F("timestamp", candid.Nat64(m.Timestamp)),
			candid.F("is_service_message", candid.Bool(m.IsServiceMessage)),
			candid.F("content", candid.Blob(m.Content)),
		}),
	})
}

// DecodeMessageArguments is the inverse of EncodeMessageArguments.
func DecodeMessageArguments(data []byte) (WebsocketMessage, error) {
	rec, err := argumentRecord(data)
	if err != nil {
		return WebsocketMessage{}, err
	}

	msg, err := get[candid.Record](rec, "msg")
	if err != nil {
		return WebsocketMessage{}, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	keyRec, err := get[candid.Record](msg, labelClientKey)
	if err != nil {
		return WebsocketMessage{}, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	key, err := clientKeyFrom(keyRec)
	if err != nil {
		return WebsocketMessage{}, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	seq, err := get[candid.Nat64](msg, "sequence_num")
	if err != nil {
		return WebsocketMessage{}, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	ts, err := get[candid.Nat64](msg, "timestamp")
	if err != nil {
		return WebsocketMessage{}, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	service, err := get[candid.Bool](msg, "is_service_message")
	if err != nil {
		return WebsocketMessage{}, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	content, err := get[candid.Blob](msg, "content")
	if err != nil {
		return WebsocketMessage{}, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}

	return WebsocketMessage{
		ClientKey:        key,
		SequenceNum:      uint64(seq),
		Timestamp:        uint64(ts),
		IsServiceMessage: bool(service),
		Content:          []byte(content),
	}, nil
}

func argumentRecord(data []byte) (candid.Record, error) {
	value, err := candid.UnmarshalOne(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	rec, ok := value.(candid.Record)
	if !ok {
		return nil, fmt.Errorf("%w: expected record, got %T", ErrInvalidArguments, value)
	}
	return rec, nil
}
