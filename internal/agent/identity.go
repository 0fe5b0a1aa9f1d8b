// Package agent submits signed requests to the Internet Computer HTTP
// interface on behalf of an Ed25519 identity.
package agent

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	encasn1 "encoding/asn1"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/crypto/hkdf"

	"github.com/1ureka/icws/internal/principal"
)

var oidEd25519 = encasn1.ObjectIdentifier{1, 3, 101, 112}

// identityInfo is the HKDF info string for seed-derived identities.
const identityInfo = "icws identity"

// Identity signs requests with an Ed25519 key.
type Identity struct {
	key    ed25519.PrivateKey
	der    []byte
	sender principal.Principal
}

// NewIdentity generates a random identity.
func NewIdentity() (*Identity, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	return newIdentity(key)
}

// IdentityFromSeed derives a deterministic identity from an arbitrary
// secret, so that a client keeps its principal across runs.
func IdentityFromSeed(secret []byte) (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(identityInfo)), seed); err != nil {
		return nil, fmt.Errorf("failed to derive identity: %w", err)
	}
	return newIdentity(ed25519.NewKeyFromSeed(seed))
}

func newIdentity(key ed25519.PrivateKey) (*Identity, error) {
	der, err := marshalPublicKey(key.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Identity{key: key, der: der, sender: principal.SelfAuthenticating(der)}, nil
}

// marshalPublicKey encodes pub as a DER SubjectPublicKeyInfo.
func marshalPublicKey(pub ed25519.PublicKey) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidEd25519)
		})
		b.AddASN1BitString(pub)
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	return der, nil
}

// Sender returns the self-authenticating principal of the identity.
func (i *Identity) Sender() principal.Principal {
	return i.sender
}

// PublicKey returns the DER-encoded public key.
func (i *Identity) PublicKey() []byte {
	return i.der
}

// Sign signs msg.
func (i *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(i.key, msg)
}
