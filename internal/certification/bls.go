package certification

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
)

// Verifier checks a signature over message with a raw public key.
type Verifier interface {
	Verify(publicKey, message, signature []byte) error
}

// blsDST is the domain separation tag of the IC BLS signature scheme:
// signatures in G1, public keys in G2.
var blsDST = []byte("BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_")

var errBadSignature = errors.New("bls signature verification failed")

// BLSVerifier verifies BLS12-381 signatures with blst.
type BLSVerifier struct{}

// Verify implements Verifier.
func (BLSVerifier) Verify(publicKey, message, signature []byte) error {
	sig := new(blst.P1Affine).Uncompress(signature)
	if sig == nil {
		return fmt.Errorf("%w: malformed signature", errBadSignature)
	}
	pk := new(blst.P2Affine).Uncompress(publicKey)
	if pk == nil {
		return fmt.Errorf("%w: malformed public key", errBadSignature)
	}
	if !sig.Verify(true, pk, true, message, blsDST) {
		return errBadSignature
	}
	return nil
}

const blsKeyLength = 96

// derPrefix is the DER header of an IC BLS public key.
var derPrefix = mustHex("308182301d060d2b0601040182dc7c0503010201060c2b0601040182dc7c05030201036100")

// MainnetRootKey is the DER root key of the IC mainnet.
var MainnetRootKey = mustHex("308182301d060d2b0601040182dc7c0503010201060c2b0601040182dc7c05030201036100814c0e6ec71fab583b08bd81373c255c3c371b2e84863c98a4f1e08b74235d14fb5d9c0cd546d9685f913a0c0b2cc5341583bf4b4392e467db96d65b9bb4cb717112f8472e0d5a4d14505ffd7484b01291091c5f87b98883463f98091a0baaae")

// ExtractBLSKey strips the DER header of a BLS public key.
func ExtractBLSKey(der []byte) ([]byte, error) {
	if len(der) != len(derPrefix)+blsKeyLength || !bytes.HasPrefix(der, derPrefix) {
		return nil, fmt.Errorf("%w: malformed BLS public key of %d bytes", ErrInvalidCertificate, len(der))
	}
	return der[len(derPrefix):], nil
}

// WrapBLSKey adds the DER header to a raw BLS public key.
func WrapBLSKey(raw []byte) []byte {
	return append(append([]byte{}, derPrefix...), raw...)
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
