package candid

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Service message content produced by a canister: variant OpenMessage with
// the client key of a connection.
const openMessageHex = "4449444c066b04fdbd95cc0101bfd397b409038ff2d1ef0a049eb7f0ad0b036c01ebb49ce903026c02fa80a2940568bbd1eacd0e786c01d888abb90a786c01c49ff4e40f056b04cdc2dabb047fc9c68ea0057fd7aba29c0a7f999dafab0d7f010000011db5d60075aa2a65184b85d6f66c19a53c4ed80273c484222a52e80e30020e9585bb97f75a05"

func decodeHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestHash(t *testing.T) {
	testCases := map[string]uint32{
		"OpenMessage":                428171005,
		"AckMessage":                 3049003934,
		"KeepAliveMessage":           2525358527,
		"CloseMessage":               2918480143,
		"client_key":                 1025972843,
		"last_incoming_sequence_num": 2804597848,
		"text":                       1291439277,
	}
	for label, want := range testCases {
		assert.Equal(t, want, Hash(label), label)
	}
}

func TestUnmarshalCanisterOpenMessage(t *testing.T) {
	v, err := UnmarshalOne(decodeHex(t, openMessageHex))
	require.NoError(t, err)

	variant, ok := v.(Variant)
	require.True(t, ok, "expected variant, got %T", v)
	require.True(t, variant.Is("OpenMessage"))

	rec, ok := variant.Value.(Record)
	require.True(t, ok)

	key, ok := rec.Get("client_key")
	require.True(t, ok)
	keyRec, ok := key.(Record)
	require.True(t, ok)

	p, ok := keyRec.Get("client_principal")
	require.True(t, ok)
	assert.Equal(t, Principal(decodeHex(t, "b5d60075aa2a65184b85d6f66c19a53c4ed80273c484222a52e80e3002")), p)

	nonce, ok := keyRec.Get("client_nonce")
	require.True(t, ok)
	assert.Equal(t, Nat64(385892949151814926), nonce)
}

func TestMarshalKnownBytes(t *testing.T) {
	testCases := []struct {
		name string
		arg  Value
		want string
	}{
		{
			name: "record with nat64",
			arg:  Record{F("last_incoming_sequence_num", Nat64(5))},
			want: "4449444c016c01d888abb90a7801000500000000000000",
		},
		{
			name: "variant of record",
			arg:  V("AckMessage", Record{F("last_incoming_sequence_num", Nat64(2))}),
			want: "4449444c026c01d888abb90a786b019eb7f0ad0b000101000200000000000000",
		},
		{
			name: "record with text",
			arg:  Record{F("text", Text("Hello"))},
			want: "4449444c016c01ad99e7e7047101000548656c6c6f",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Marshal(tc.arg)
			require.NoError(t, err)
			assert.Equal(t, tc.want, hex.EncodeToString(got))
		})
	}
}

func TestRoundTrip(t *testing.T) {
	arg := Record{
		F("msg", Record{
			F("client_key", Record{
				F("client_principal", Principal{0x01, 0x02, 0x03}),
				F("client_nonce", Nat64(42)),
			}),
			F("sequence_num", Nat64(7)),
			F("timestamp", Nat64(1_700_000_000_000_000_000)),
			F("is_service_message", Bool(true)),
			F("content", Blob("payload")),
		}),
		F("tags", Vec{Text("a"), Text("b")}),
		F("none", Opt{}),
		F("some", Opt{Value: Int(-129)}),
		F("empty", Vec{}),
		F("small", Nat8(255)),
		F("signed", Int32(-5)),
		F("ratio", Float64(1.5)),
		F("big", Nat(1 << 40)),
	}

	data, err := Marshal(arg, Text("second"))
	require.NoError(t, err)

	values, err := Unmarshal(data)
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, Text("second"), values[1])

	rec, ok := values[0].(Record)
	require.True(t, ok)

	msgV, _ := rec.Get("msg")
	msg := msgV.(Record)

	seq, _ := msg.Get("sequence_num")
	assert.Equal(t, Nat64(7), seq)
	content, _ := msg.Get("content")
	assert.Equal(t, Blob("payload"), content)
	flag, _ := msg.Get("is_service_message")
	assert.Equal(t, Bool(true), flag)

	tags, _ := rec.Get("tags")
	assert.Equal(t, Vec{Text("a"), Text("b")}, tags)
	none, _ := rec.Get("none")
	assert.Equal(t, Opt{}, none)
	some, _ := rec.Get("some")
	assert.Equal(t, Opt{Value: Int(-129)}, some)
	empty, _ := rec.Get("empty")
	assert.Equal(t, Vec{}, empty)
	small, _ := rec.Get("small")
	assert.Equal(t, Nat8(255), small)
	signed, _ := rec.Get("signed")
	assert.Equal(t, Int32(-5), signed)
	ratio, _ := rec.Get("ratio")
	assert.Equal(t, Float64(1.5), ratio)
	big, _ := rec.Get("big")
	assert.Equal(t, Nat(1<<40), big)
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	valid := decodeHex(t, "4449444c016c01d888abb90a7801000500000000000000")

	testCases := []struct {
		name string
		data []byte
		want error
	}{
		{name: "no magic", data: []byte("DIDX\x00\x00"), want: ErrMagic},
		{name: "truncated value", data: valid[:len(valid)-2], want: ErrMalformed},
		{name: "trailing bytes", data: append(append([]byte{}, valid...), 0x00), want: ErrMalformed},
		{name: "type ref out of range", data: decodeHex(t, "4449444c000105"), want: ErrMalformed},
		{name: "func type", data: decodeHex(t, "4449444c016a000000000100"), want: ErrUnsupported},
		{name: "invalid bool", data: decodeHex(t, "4449444c00017e02"), want: ErrMalformed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Unmarshal(tc.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v, want %v", err, tc.want)
		})
	}
}
