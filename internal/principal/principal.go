// Package principal implements the identity-id used for canisters, gateways
// and clients: an opaque byte string with a checksummed textual form.
package principal

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"
)

// MaxLength is the maximum length of a principal in bytes.
const MaxLength = 29

const (
	selfAuthenticatingSuffix = 0x02
	anonymousSuffix          = 0x04
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Principal is the raw byte form of an identity-id. It marshals as a CBOR
// byte string.
type Principal []byte

// Anonymous is the principal of unauthenticated callers.
var Anonymous = Principal{anonymousSuffix}

// SelfAuthenticating derives the principal of a public key given in DER form.
func SelfAuthenticating(der []byte) Principal {
	sum := sha256.Sum224(der)
	return append(Principal(sum[:]), selfAuthenticatingSuffix)
}

// Decode parses the textual form, e.g. "bnz7o-iuaaa-aaaaa-qaaaa-cai".
func Decode(s string) (Principal, error) {
	raw := strings.ToUpper(strings.ReplaceAll(s, "-", ""))

	b, err := encoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid principal %q: %w", s, err)
	}
	if len(b) < 4 {
		return nil, fmt.Errorf("invalid principal %q: too short", s)
	}

	p := Principal(b[4:])
	if len(p) > MaxLength {
		return nil, fmt.Errorf("invalid principal %q: %d bytes (max %d)", s, len(p), MaxLength)
	}
	if binary.BigEndian.Uint32(b[:4]) != crc32.ChecksumIEEE(p) {
		return nil, fmt.Errorf("invalid principal %q: checksum mismatch", s)
	}

	// Reject non-canonical spellings.
	if p.String() != s {
		return nil, fmt.Errorf("invalid principal %q: not in canonical form", s)
	}
	return p, nil
}

// MustDecode is like Decode but panics on error. Intended for constants.
func MustDecode(s string) Principal {
	p, err := Decode(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the textual form: base32 of crc32 || bytes, lowercased and
// grouped by five characters.
func (p Principal) String() string {
	buf := make([]byte, 4+len(p))
	binary.BigEndian.PutUint32(buf[:4], crc32.ChecksumIEEE(p))
	copy(buf[4:], p)

	enc := strings.ToLower(encoding.EncodeToString(buf))

	var sb strings.Builder
	for i := 0; i < len(enc); i += 5 {
		if i > 0 {
			sb.WriteByte('-')
		}
		end := min(i+5, len(enc))
		sb.WriteString(enc[i:end])
	}
	return sb.String()
}

// Equal reports whether p and other are the same principal.
func (p Principal) Equal(other Principal) bool {
	return bytes.Equal(p, other)
}

// IsAnonymous reports whether p is the anonymous principal.
func (p Principal) IsAnonymous() bool {
	return p.Equal(Anonymous)
}
