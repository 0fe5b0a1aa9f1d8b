// Package certtest issues certificates signed with throwaway BLS keys, for
// tests that need a gateway relaying certified messages.
package certtest

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	blst "github.com/supranational/blst/bindings/go"

	"github.com/1ureka/icws/internal/certification"
	"github.com/1ureka/icws/internal/principal"
)

var dst = []byte("BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_")

// Signer signs state trees like a subnet.
type Signer struct {
	sk *blst.SecretKey

	// PublicKey is the DER-encoded public key.
	PublicKey []byte
}

// NewSigner derives a key from seed, which is padded to 32 bytes.
func NewSigner(seed string) *Signer {
	ikm := make([]byte, 32)
	copy(ikm, seed)
	sk := blst.KeyGen(ikm)
	pk := new(blst.P2Affine).From(sk)
	return &Signer{sk: sk, PublicKey: certification.WrapBLSKey(pk.Compress())}
}

// Sign signs tree and returns the certificate.
func (s *Signer) Sign(tree certification.Node, delegation *certification.Delegation) *certification.Certificate {
	c := &certification.Certificate{Tree: tree, Delegation: delegation}
	sig := new(blst.P1Affine).Sign(s.sk, c.SignedMessage(), dst)
	c.Signature = sig.Compress()
	return c
}

// Delegate issues a root certificate authorizing sub for the canister range
// [lo, hi] on subnetID.
func (s *Signer) Delegate(sub *Signer, subnetID, lo, hi principal.Principal, at time.Time) (*certification.Delegation, error) {
	ranges, err := cbor.Marshal([][2][]byte{{lo, hi}})
	if err != nil {
		return nil, fmt.Errorf("failed to encode canister ranges: %w", err)
	}

	tree := certification.Fork{
		Left: certification.Labeled{
			Label: []byte("subnet"),
			Tree: certification.Labeled{
				Label: subnetID,
				Tree: certification.Fork{
					Left:  certification.Labeled{Label: []byte("canister_ranges"), Tree: certification.Leaf(ranges)},
					Right: certification.Labeled{Label: []byte("public_key"), Tree: certification.Leaf(sub.PublicKey)},
				},
			},
		},
		Right: TimeLeaf(at),
	}

	cert, err := certification.EncodeCertificate(s.Sign(tree, nil))
	if err != nil {
		return nil, err
	}
	return &certification.Delegation{SubnetID: subnetID, Certificate: cert}, nil
}

// Witness returns the tree certifying body at websocket/key.
func Witness(key string, body []byte) certification.Node {
	sum := sha256.Sum256(body)
	return certification.Labeled{
		Label: []byte("websocket"),
		Tree: certification.Labeled{
			Label: []byte(key),
			Tree:  certification.Leaf(sum[:]),
		},
	}
}

// StateTree returns a state tree holding certifiedData for canisterID at
// time at.
func StateTree(canisterID principal.Principal, certifiedData []byte, at time.Time) certification.Node {
	return certification.Fork{
		Left: certification.Labeled{
			Label: []byte("canister"),
			Tree: certification.Labeled{
				Label: canisterID,
				Tree: certification.Labeled{
					Label: []byte("certified_data"),
					Tree:  certification.Leaf(certifiedData),
				},
			},
		},
		Right: TimeLeaf(at),
	}
}

// TimeLeaf returns the labeled "time" leaf.
func TimeLeaf(at time.Time) certification.Labeled {
	return certification.Labeled{
		Label: []byte("time"),
		Tree:  certification.Leaf(binary.AppendUvarint(nil, uint64(at.UnixNano()))),
	}
}

// Certify returns the serialized certificate and witness for body sent
// under key by canisterID.
func (s *Signer) Certify(canisterID principal.Principal, key string, body []byte, at time.Time) (cert, tree []byte, err error) {
	witness := Witness(key, body)
	root := certification.Reconstruct(witness)

	cert, err = certification.EncodeCertificate(s.Sign(StateTree(canisterID, root[:], at), nil))
	if err != nil {
		return nil, nil, err
	}
	tree, err = certification.EncodeTree(witness)
	if err != nil {
		return nil, nil, err
	}
	return cert, tree, nil
}
