// Package candid implements the subset of the Candid binary format needed
// to talk to canisters: a dynamic value model, an encoder that derives the
// type table from the values, and a decoder for arbitrary first-order types.
//
// Decoded records and variants only carry field hashes; look fields up by
// name with Record.Get and Variant.Is.
package candid

import (
	"errors"
	"fmt"
)

var magic = []byte("DIDL")

// Type opcodes, as written in the type table (SLEB128).
const (
	opNull      int64 = -1
	opBool      int64 = -2
	opNat       int64 = -3
	opInt       int64 = -4
	opNat8      int64 = -5
	opNat16     int64 = -6
	opNat32     int64 = -7
	opNat64     int64 = -8
	opInt8      int64 = -9
	opInt16     int64 = -10
	opInt32     int64 = -11
	opInt64     int64 = -12
	opFloat32   int64 = -13
	opFloat64   int64 = -14
	opText      int64 = -15
	opReserved  int64 = -16
	opEmpty     int64 = -17
	opOpt       int64 = -18
	opVec       int64 = -19
	opRecord    int64 = -20
	opVariant   int64 = -21
	opFunc      int64 = -22
	opService   int64 = -23
	opPrincipal int64 = -24
)

// maxDepth bounds recursion while decoding nested values.
const maxDepth = 64

var (
	ErrMagic       = errors.New("candid: missing DIDL magic")
	ErrUnsupported = errors.New("candid: unsupported type")
	ErrMalformed   = errors.New("candid: malformed message")
)

// Hash returns the field id of a label: h = h*223 + byte, mod 2^32.
func Hash(label string) uint32 {
	var h uint32
	for i := 0; i < len(label); i++ {
		h = h*223 + uint32(label[i])
	}
	return h
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
