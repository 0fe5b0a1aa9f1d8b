package protocol

import (
	"errors"
	"fmt"

	"github.com/1ureka/icws/internal/candid"
	"github.com/1ureka/icws/internal/principal"
)

var (
	ErrInvalidServiceMessage = errors.New("invalid service message")
	ErrUnknownServiceMessage = errors.New("unknown service message")
)

// ServiceMessage is the content of a WebsocketMessage flagged as a service
// message. It is one of OpenMessage, AckMessage, KeepAliveMessage or
// CloseMessage.
type ServiceMessage interface {
	serviceMessage()
}

// OpenMessage confirms the connection for ClientKey.
type OpenMessage struct {
	ClientKey ClientKey
}

// AckMessage acknowledges every client message up to and including
// LastIncomingSequenceNum.
type AckMessage struct {
	LastIncomingSequenceNum uint64
}

// KeepAliveMessage answers an AckMessage with the last sequence number the
// client received.
type KeepAliveMessage struct {
	LastIncomingSequenceNum uint64
}

// CloseMessage tells the client why the canister closed the connection.
type CloseMessage struct {
	Reason CloseReason
}

func (OpenMessage) serviceMessage()      {}
func (AckMessage) serviceMessage()       {}
func (KeepAliveMessage) serviceMessage() {}
func (CloseMessage) serviceMessage()     {}

// CloseReason is the reason carried by a CloseMessage.
type CloseReason string

const (
	CloseWrongSequenceNumber   CloseReason = "WrongSequenceNumber"
	CloseInvalidServiceMessage CloseReason = "InvalidServiceMessage"
	CloseKeepAliveTimeout      CloseReason = "KeepAliveTimeout"
	CloseClosedByApplication   CloseReason = "ClosedByApplication"
)

var closeReasons = []CloseReason{
	CloseWrongSequenceNumber,
	CloseInvalidServiceMessage,
	CloseKeepAliveTimeout,
	CloseClosedByApplication,
}

const (
	labelOpen      = "OpenMessage"
	labelAck       = "AckMessage"
	labelKeepAlive = "KeepAliveMessage"
	labelClose     = "CloseMessage"

	labelClientKey = "client_key"
	labelPrincipal = "client_principal"
	labelNonce     = "client_nonce"
	labelLastSeq   = "last_incoming_sequence_num"
	labelReason    = "reason"
)

// EncodeServiceMessage serializes a service message as a Candid variant.
func EncodeServiceMessage(m ServiceMessage) ([]byte, error) {
	var v candid.Variant
	switch m := m.(type) {
	case OpenMessage:
		v = candid.V(labelOpen, candid.Record{candid.F(labelClientKey, clientKeyValue(m.ClientKey))})
	case AckMessage:
		v = candid.V(labelAck, candid.Record{candid.F(labelLastSeq, candid.Nat64(m.LastIncomingSequenceNum))})
	case KeepAliveMessage:
		v = candid.V(labelKeepAlive, candid.Record{candid.F(labelLastSeq, candid.Nat64(m.LastIncomingSequenceNum))})
	case CloseMessage:
		v = candid.V(labelClose, candid.Record{candid.F(labelReason, candid.V(string(m.Reason), candid.Null{}))})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownServiceMessage, m)
	}
	return candid.Marshal(v)
}

// DecodeServiceMessage parses the Candid content of a service message.
// A well-formed variant with an unexpected label yields
// ErrUnknownServiceMessage.
func DecodeServiceMessage(data []byte) (ServiceMessage, error) {
	value, err := candid.UnmarshalOne(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidServiceMessage, err)
	}

	variant, ok := value.(candid.Variant)
	if !ok {
		return nil, fmt.Errorf("%w: expected variant, got %T", ErrInvalidServiceMessage, value)
	}

	switch {
	case variant.Is(labelOpen):
		rec, err := asRecord(variant.Value)
		if err != nil {
			return nil, err
		}
		keyValue, err := get[candid.Record](rec, labelClientKey)
		if err != nil {
			return nil, err
		}
		key, err := clientKeyFrom(keyValue)
		if err != nil {
			return nil, err
		}
		return OpenMessage{ClientKey: key}, nil

	case variant.Is(labelAck):
		seq, err := lastSequence(variant.Value)
		if err != nil {
			return nil, err
		}
		return AckMessage{LastIncomingSequenceNum: seq}, nil

	case variant.Is(labelKeepAlive):
		seq, err := lastSequence(variant.Value)
		if err != nil {
			return nil, err
		}
		return KeepAliveMessage{LastIncomingSequenceNum: seq}, nil

	case variant.Is(labelClose):
		rec, err := asRecord(variant.Value)
		if err != nil {
			return nil, err
		}
		reasonValue, err := get[candid.Variant](rec, labelReason)
		if err != nil {
			return nil, err
		}
		for _, reason := range closeReasons {
			if reasonValue.Is(string(reason)) {
				return CloseMessage{Reason: reason}, nil
			}
		}
		return nil, fmt.Errorf("%w: unknown close reason %d", ErrInvalidServiceMessage, reasonValue.Hash)

	default:
		return nil, fmt.Errorf("%w: variant %d", ErrUnknownServiceMessage, variant.Hash)
	}
}

// ---------------------------------------------------------------------------
// Candid helpers
// ---------------------------------------------------------------------------

func clientKeyValue(k ClientKey) candid.Record {
	return candid.Record{
		candid.F(labelPrincipal, candid.Principal(k.ClientPrincipal)),
		candid.F(labelNonce, candid.Nat64(k.ClientNonce)),
	}
}

func clientKeyFrom(rec candid.Record) (ClientKey, error) {
	p, err := get[candid.Principal](rec, labelPrincipal)
	if err != nil {
		return ClientKey{}, err
	}
	nonce, err := get[candid.Nat64](rec, labelNonce)
	if err != nil {
		return ClientKey{}, err
	}
	return ClientKey{ClientPrincipal: principal.Principal(p), ClientNonce: uint64(nonce)}, nil
}

func lastSequence(v candid.Value) (uint64, error) {
	rec, err := asRecord(v)
	if err != nil {
		return 0, err
	}
	seq, err := get[candid.Nat64](rec, labelLastSeq)
	if err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

func asRecord(v candid.Value) (candid.Record, error) {
	rec, ok := v.(candid.Record)
	if !ok {
		return nil, fmt.Errorf("%w: expected record, got %T", ErrInvalidServiceMessage, v)
	}
	return rec, nil
}

// get returns the named field of rec as T.
func get[T candid.Value](rec candid.Record, name string) (T, error) {
	var zero T
	v, ok := rec.Get(name)
	if !ok {
		return zero, fmt.Errorf("%w: missing field %q", ErrInvalidServiceMessage, name)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: field %q has type %T, want %T", ErrInvalidServiceMessage, name, v, zero)
	}
	return t, nil
}
