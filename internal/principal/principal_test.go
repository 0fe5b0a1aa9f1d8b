package principal

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

// TestTextualForm verifies decoding and encoding against known principals.
func TestTextualForm(t *testing.T) {
	testCases := []struct {
		name string
		text string
		raw  string
	}{
		{name: "management canister", text: "aaaaa-aa", raw: ""},
		{name: "anonymous", text: "2vxsx-fae", raw: "04"},
		{name: "first local canister", text: "rwlgt-iiaaa-aaaaa-aaaaa-cai", raw: "00000000000000000101"},
		{name: "ledger canister", text: "ryjl3-tyaaa-aaaaa-aaaba-cai", raw: "00000000000000020101"},
		{name: "subnet canister", text: "bnz7o-iuaaa-aaaaa-qaaaa-cai", raw: "80000000001000000101"},
		{
			name: "self-authenticating gateway",
			text: "sqdfl-mr4km-2hfjy-gajqo-xqvh7-hf4mf-nra4i-3it6l-neaw4-soolw-tae",
			raw:  "3c533472a7060260ebc2a7f9cbc615b10711b44fcb69016e49ce5da602",
		},
		{
			name: "self-authenticating client",
			text: "kj67s-b5v2y-ahlkr-kmume-xbow6-zwbtj-j4j3m-ae46e-qqrcu-uxiby-yae",
			raw:  "b5d60075aa2a65184b85d6f66c19a53c4ed80273c484222a52e80e3002",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Decode(tc.text)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			want := mustHex(t, tc.raw)
			if !bytes.Equal(p, want) {
				t.Errorf("raw mismatch: got %x, want %x", []byte(p), want)
			}

			if got := Principal(want).String(); got != tc.text {
				t.Errorf("String mismatch: got %q, want %q", got, tc.text)
			}
		})
	}
}

// TestDecodeRejectsInvalid verifies that malformed text is rejected.
func TestDecodeRejectsInvalid(t *testing.T) {
	testCases := []struct {
		name string
		text string
	}{
		{name: "empty", text: ""},
		{name: "bad checksum", text: "bnz7o-iuaaa-aaaaa-qaaaa-caa"},
		{name: "not base32", text: "bnz7o-iuaaa-aaaaa-qaaaa-ca1"},
		{name: "uppercase", text: "BNZ7O-IUAAA-AAAAA-QAAAA-CAI"},
		{name: "missing dashes", text: "bnz7oiuaaaaaaaaqaaaacai"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.text); err == nil {
				t.Errorf("Decode(%q) succeeded, want error", tc.text)
			}
		})
	}
}

// TestSelfAuthenticating verifies the shape of a key-derived principal.
func TestSelfAuthenticating(t *testing.T) {
	der := []byte("not really a DER key but hashed all the same")
	p := SelfAuthenticating(der)

	if len(p) != MaxLength {
		t.Fatalf("length: got %d, want %d", len(p), MaxLength)
	}
	if p[len(p)-1] != selfAuthenticatingSuffix {
		t.Errorf("suffix: got %#x, want %#x", p[len(p)-1], selfAuthenticatingSuffix)
	}
	if !SelfAuthenticating(der).Equal(p) {
		t.Error("derivation is not deterministic")
	}
	if p.IsAnonymous() || !Anonymous.IsAnonymous() {
		t.Error("IsAnonymous mismatch")
	}
}
