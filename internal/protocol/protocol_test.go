package protocol

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/1ureka/icws/internal/candid"
	"github.com/1ureka/icws/internal/principal"
)

// Messages produced by a canister for one connection, in sequence order.
const (
	openFrameHex  = "d9d9f7a56a636c69656e745f6b6579a270636c69656e745f7072696e636970616c581db5d60075aa2a65184b85d6f66c19a53c4ed80273c484222a52e80e30026c636c69656e745f6e6f6e63651b055af797bb85950e6c73657175656e63655f6e756d016974696d657374616d701b179f3ab61f182c6c7269735f736572766963655f6d657373616765f567636f6e74656e7458894449444c066b04fdbd95cc0101bfd397b409038ff2d1ef0a049eb7f0ad0b036c01ebb49ce903026c02fa80a2940568bbd1eacd0e786c01d888abb90a786c01c49ff4e40f056b04cdc2dabb047fc9c68ea0057fd7aba29c0a7f999dafab0d7f010000011db5d60075aa2a65184b85d6f66c19a53c4ed80273c484222a52e80e30020e9585bb97f75a05"
	ackFrameHex   = "d9d9f7a56a636c69656e745f6b6579a270636c69656e745f7072696e636970616c581db5d60075aa2a65184b85d6f66c19a53c4ed80273c484222a52e80e30026c636c69656e745f6e6f6e63651b055af797bb85950e6c73657175656e63655f6e756d026974696d657374616d701b179f3ac120a7f6ee7269735f736572766963655f6d657373616765f567636f6e74656e74586a4449444c066b04fdbd95cc0101bfd397b409038ff2d1ef0a049eb7f0ad0b036c01ebb49ce903026c02fa80a2940568bbd1eacd0e786c01d888abb90a786c01c49ff4e40f056b04cdc2dabb047fc9c68ea0057fd7aba29c0a7f999dafab0d7f0100030000000000000000"
	appFrameHex   = "d9d9f7a56a636c69656e745f6b6579a270636c69656e745f7072696e636970616c581db5d60075aa2a65184b85d6f66c19a53c4ed80273c484222a52e80e30026c636c69656e745f6e6f6e63651b055af797bb85950e6c73657175656e63655f6e756d036974696d657374616d701b179f3ac8f4f3cf917269735f736572766963655f6d657373616765f467636f6e74656e74554449444c016c01ad99e7e7047101000548656c6c6f"
	closeFrameHex = "d9d9f7a56a636c69656e745f6b6579a270636c69656e745f7072696e636970616c581db5d60075aa2a65184b85d6f66c19a53c4ed80273c484222a52e80e30026c636c69656e745f6e6f6e63651b055af797bb85950e6c73657175656e63655f6e756d046974696d657374616d701b179f3ac8f4f3cf917269735f736572766963655f6d657373616765f567636f6e74656e7458634449444c066b04fdbd95cc0101bfd397b409038ff2d1ef0a049eb7f0ad0b036c01ebb49ce903026c02fa80a2940568bbd1eacd0e786c01d888abb90a786c01c49ff4e40f056b04cdc2dabb047fc9c68ea0057fd7aba29c0a7f999dafab0d7f01000200"
)

var (
	fixtureClient  = principal.MustDecode("kj67s-b5v2y-ahlkr-kmume-xbow6-zwbtj-j4j3m-ae46e-qqrcu-uxiby-yae")
	fixtureGateway = principal.MustDecode("sqdfl-mr4km-2hfjy-gajqo-xqvh7-hf4mf-nra4i-3it6l-neaw4-soolw-tae")
	fixtureKey     = ClientKey{ClientPrincipal: fixtureClient, ClientNonce: 385892949151814926}
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("invalid hex: %v", err)
	}
	return b
}

// TestDecodeWebsocketMessageFixtures verifies that messages serialized by a
// canister decode with the expected envelope and service content.
func TestDecodeWebsocketMessageFixtures(t *testing.T) {
	testCases := []struct {
		name      string
		frame     string
		seq       uint64
		timestamp uint64
		service   ServiceMessage
	}{
		{
			name:      "open",
			frame:     openFrameHex,
			seq:       1,
			timestamp: 1702143738049473644,
			service:   OpenMessage{ClientKey: fixtureKey},
		},
		{
			name:      "ack",
			frame:     ackFrameHex,
			seq:       2,
			timestamp: 1702143785320314606,
			service:   AckMessage{LastIncomingSequenceNum: 0},
		},
		{
			name:      "app",
			frame:     appFrameHex,
			seq:       3,
			timestamp: 1702143818946826129,
		},
		{
			name:      "close",
			frame:     closeFrameHex,
			seq:       4,
			timestamp: 1702143818946826129,
			service:   CloseMessage{Reason: CloseClosedByApplication},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := DecodeWebsocketMessage(mustHex(t, tc.frame))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if !msg.ClientKey.Equal(fixtureKey) {
				t.Errorf("ClientKey mismatch: got %v, want %v", msg.ClientKey, fixtureKey)
			}
			if msg.SequenceNum != tc.seq {
				t.Errorf("SequenceNum mismatch: got %d, want %d", msg.SequenceNum, tc.seq)
			}
			if msg.Timestamp != tc.timestamp {
				t.Errorf("Timestamp mismatch: got %d, want %d", msg.Timestamp, tc.timestamp)
			}
			if msg.IsServiceMessage != (tc.service != nil) {
				t.Fatalf("IsServiceMessage mismatch: got %v", msg.IsServiceMessage)
			}
			if tc.service == nil {
				return
			}

			got, err := DecodeServiceMessage(msg.Content)
			if err != nil {
				t.Fatalf("DecodeServiceMessage failed: %v", err)
			}
			if open, ok := got.(OpenMessage); ok {
				if !open.ClientKey.Equal(fixtureKey) {
					t.Errorf("OpenMessage key mismatch: got %v", open.ClientKey)
				}
				return
			}
			if got != tc.service {
				t.Errorf("service message mismatch: got %#v, want %#v", got, tc.service)
			}
		})
	}
}

// TestWebsocketMessageRoundTrip verifies that an encoded message carries the
// self-describe tag and decodes back to the same envelope.
func TestWebsocketMessageRoundTrip(t *testing.T) {
	want := WebsocketMessage{
		ClientKey:        fixtureKey,
		SequenceNum:      9,
		Timestamp:        1702143818946826129,
		IsServiceMessage: false,
		Content:          []byte("payload"),
	}

	data, err := EncodeWebsocketMessage(want)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.HasPrefix(data, selfDescribe) {
		t.Fatalf("missing self-describe tag: %x", data[:3])
	}

	got, err := DecodeWebsocketMessage(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !got.ClientKey.Equal(want.ClientKey) || got.SequenceNum != want.SequenceNum ||
		got.Timestamp != want.Timestamp || got.IsServiceMessage != want.IsServiceMessage ||
		!bytes.Equal(got.Content, want.Content) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

// TestServiceMessageRoundTrip verifies every service message variant.
func TestServiceMessageRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		msg  ServiceMessage
	}{
		{name: "ack", msg: AckMessage{LastIncomingSequenceNum: 17}},
		{name: "keep alive", msg: KeepAliveMessage{LastIncomingSequenceNum: 3}},
		{name: "close wrong sequence", msg: CloseMessage{Reason: CloseWrongSequenceNumber}},
		{name: "close keep alive timeout", msg: CloseMessage{Reason: CloseKeepAliveTimeout}},
		{name: "close invalid service message", msg: CloseMessage{Reason: CloseInvalidServiceMessage}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := EncodeServiceMessage(tc.msg)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			got, err := DecodeServiceMessage(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got != tc.msg {
				t.Errorf("mismatch: got %#v, want %#v", got, tc.msg)
			}
		})
	}

	data, err := EncodeServiceMessage(OpenMessage{ClientKey: fixtureKey})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodeServiceMessage(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	open, ok := got.(OpenMessage)
	if !ok || !open.ClientKey.Equal(fixtureKey) {
		t.Errorf("open mismatch: got %#v", got)
	}
}

// TestKeepAliveEncoding verifies the exact bytes of a keep-alive reply.
func TestKeepAliveEncoding(t *testing.T) {
	data, err := EncodeServiceMessage(KeepAliveMessage{LastIncomingSequenceNum: 2})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	// variant { KeepAliveMessage = record { last_incoming_sequence_num = 2 } }
	want := "4449444c026c01d888abb90a786b01bfd397b409000101000200000000000000"
	if got := hex.EncodeToString(data); got != want {
		t.Errorf("encoding mismatch:\n got %s\nwant %s", got, want)
	}
}

// TestDecodeServiceMessageErrors verifies the distinction between malformed
// content and well-formed but unknown variants.
func TestDecodeServiceMessageErrors(t *testing.T) {
	unknown, err := candid.Marshal(candid.V("PingMessage", candid.Record{}))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	notVariant, err := candid.Marshal(candid.Text("hello"))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	missingField, err := candid.Marshal(candid.V("AckMessage", candid.Record{}))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	testCases := []struct {
		name string
		data []byte
		want error
	}{
		{name: "garbage", data: []byte("not candid"), want: ErrInvalidServiceMessage},
		{name: "not a variant", data: notVariant, want: ErrInvalidServiceMessage},
		{name: "missing field", data: missingField, want: ErrInvalidServiceMessage},
		{name: "unknown variant", data: unknown, want: ErrUnknownServiceMessage},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeServiceMessage(tc.data)
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

// TestDecodeHandshake verifies both principal encodings and rejection of
// frames that are not handshakes.
func TestDecodeHandshake(t *testing.T) {
	asBytes, err := EncodeHandshake(GatewayHandshakeMessage{GatewayPrincipal: fixtureGateway})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	asText, err := cbor.Marshal(map[string]string{"gateway_principal": fixtureGateway.String()})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	for name, data := range map[string][]byte{"bytes": asBytes, "text": asText} {
		t.Run(name, func(t *testing.T) {
			m, err := DecodeHandshake(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if !m.GatewayPrincipal.Equal(fixtureGateway) {
				t.Errorf("principal mismatch: got %s", m.GatewayPrincipal)
			}
		})
	}

	incoming, err := EncodeIncoming(ClientIncomingMessage{Key: "k", Content: []byte{1}, Cert: []byte{2}, Tree: []byte{3}})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	badText, err := cbor.Marshal(map[string]string{"gateway_principal": "not-a-principal"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	wrongType, err := cbor.Marshal(map[string]int{"gateway_principal": 7})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	rejected := map[string][]byte{
		"incoming message": incoming,
		"garbage":          []byte{0xff, 0x00},
		"bad text":         badText,
		"wrong type":       wrongType,
	}
	for name, data := range rejected {
		t.Run("reject "+name, func(t *testing.T) {
			if _, err := DecodeHandshake(data); !errors.Is(err, ErrNotHandshake) {
				t.Errorf("got %v, want ErrNotHandshake", err)
			}
		})
	}
}

// TestDecodeIncoming verifies field validation of relayed frames.
func TestDecodeIncoming(t *testing.T) {
	want := ClientIncomingMessage{
		Key:     "gateway_0",
		Content: mustHex(t, appFrameHex),
		Cert:    []byte("cert"),
		Tree:    []byte("tree"),
	}
	data, err := EncodeIncoming(want)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := DecodeIncoming(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Key != want.Key || !bytes.Equal(got.Content, want.Content) ||
		!bytes.Equal(got.Cert, want.Cert) || !bytes.Equal(got.Tree, want.Tree) {
		t.Errorf("mismatch: got %+v", got)
	}

	handshake, err := EncodeHandshake(GatewayHandshakeMessage{GatewayPrincipal: fixtureGateway})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	missingTree, err := cbor.Marshal(map[string]any{"key": "k", "content": []byte{1}, "cert": []byte{2}})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	wrongKey, err := cbor.Marshal(map[string]any{"key": 5, "content": []byte{1}, "cert": []byte{2}, "tree": []byte{3}})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	rejected := map[string][]byte{
		"handshake":      handshake,
		"missing tree":   missingTree,
		"non-string key": wrongKey,
		"not a map":      []byte{0x01},
	}
	for name, data := range rejected {
		t.Run("reject "+name, func(t *testing.T) {
			if _, err := DecodeIncoming(data); !errors.Is(err, ErrNotIncomingMessage) {
				t.Errorf("got %v, want ErrNotIncomingMessage", err)
			}
		})
	}
}

// TestEncodeOpenArguments verifies the exact ws_open argument bytes.
func TestEncodeOpenArguments(t *testing.T) {
	args := OpenArguments{ClientNonce: 385892949151814926, GatewayPrincipal: fixtureGateway}
	data, err := EncodeOpenArguments(args)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	want := "4449444c016c02f3eec6b40268bbd1eacd0e780100011d3c533472a7060260ebc2a7f9cbc615b10711b44fcb69016e49ce5da6020e9585bb97f75a05"
	if got := hex.EncodeToString(data); got != want {
		t.Errorf("encoding mismatch:\n got %s\nwant %s", got, want)
	}

	decoded, err := DecodeOpenArguments(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.ClientNonce != args.ClientNonce || !decoded.GatewayPrincipal.Equal(args.GatewayPrincipal) {
		t.Errorf("round trip mismatch: got %+v", decoded)
	}
}

// TestMessageArgumentsRoundTrip verifies the ws_message argument codec.
func TestMessageArgumentsRoundTrip(t *testing.T) {
	content, err := EncodeServiceMessage(KeepAliveMessage{LastIncomingSequenceNum: 4})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want := WebsocketMessage{
		ClientKey:        fixtureKey,
		SequenceNum:      5,
		Timestamp:        1702143818946826129,
		IsServiceMessage: true,
		Content:          content,
	}

	data, err := EncodeMessageArguments(want)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodeMessageArguments(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !got.ClientKey.Equal(want.ClientKey) || got.SequenceNum != want.SequenceNum ||
		got.Timestamp != want.Timestamp || got.IsServiceMessage != want.IsServiceMessage ||
		!bytes.Equal(got.Content, want.Content) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}

	if _, err := DecodeMessageArguments(content); !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("got %v, want ErrInvalidArguments", err)
	}
}
