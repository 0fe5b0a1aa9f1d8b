package certification

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/1ureka/icws/internal/principal"
)

const certificateCacheSize = 128

// Validator checks that relayed message bodies were certified by one
// canister.
type Validator struct {
	canisterID principal.Principal
	rootKey    []byte
	maxAge     time.Duration
	verifier   Verifier
	now        func() time.Time

	// verified maps the digest of a certificate that passed signature
	// verification to the decoded certificate.
	verified *lru.Cache
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithVerifier replaces the BLS signature verifier.
func WithVerifier(v Verifier) ValidatorOption {
	return func(val *Validator) { val.verifier = v }
}

// WithClock replaces the time source used for freshness checks.
func WithClock(now func() time.Time) ValidatorOption {
	return func(val *Validator) { val.now = now }
}

// WithMaxAge sets the maximum certificate age.
func WithMaxAge(d time.Duration) ValidatorOption {
	return func(val *Validator) {
		if d > 0 {
			val.maxAge = d
		}
	}
}

// NewValidator creates a validator for canisterID whose certificates chain
// up to rootKey (DER).
func NewValidator(canisterID principal.Principal, rootKey []byte, opts ...ValidatorOption) (*Validator, error) {
	cache, err := lru.New(certificateCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate cache: %w", err)
	}

	v := &Validator{
		canisterID: canisterID,
		rootKey:    rootKey,
		maxAge:     DefaultMaxAge,
		verifier:   BLSVerifier{},
		now:        time.Now,
		verified:   cache,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate checks that body is certified under key. It verifies the
// certificate, matches the witness tree against the canister's certified
// data and compares the body digest with the tree leaf.
func (v *Validator) Validate(key string, body, cert, tree []byte) error {
	c, err := v.certificate(cert)
	if err != nil {
		return err
	}

	certified, ok := c.Lookup([]byte("canister"), v.canisterID, []byte("certified_data"))
	if !ok {
		return fmt.Errorf("%w: no certified data for canister %s", ErrPathNotFound, v.canisterID)
	}

	witness, err := DecodeTree(tree)
	if err != nil {
		return err
	}
	root := Reconstruct(witness)
	if !bytes.Equal(certified, root[:]) {
		return ErrWitnessMismatch
	}

	leaf, ok := Lookup(witness, []byte("websocket"), []byte(key))
	if !ok {
		// Older canisters certify a single message at the index path.
		leaf, ok = Lookup(witness, []byte("websocket"))
	}
	if !ok {
		return fmt.Errorf("%w: websocket/%s", ErrPathNotFound, key)
	}

	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], leaf) {
		return ErrDigestMismatch
	}
	return nil
}

// certificate decodes and verifies cert. The signature check is skipped for
// certificates seen before; freshness is always checked.
func (v *Validator) certificate(cert []byte) (*Certificate, error) {
	id := sha256.Sum256(cert)
	now := v.now()

	if cached, ok := v.verified.Get(id); ok {
		c := cached.(*Certificate)
		if err := c.checkTime(now, v.maxAge); err != nil {
			return nil, err
		}
		return c, nil
	}

	c, err := DecodeCertificate(cert)
	if err != nil {
		return nil, err
	}
	err = c.Verify(VerifyOptions{
		CanisterID: v.canisterID,
		RootKey:    v.rootKey,
		MaxAge:     v.maxAge,
		Now:        now,
		Verifier:   v.verifier,
	})
	if err != nil {
		return nil, err
	}

	v.verified.Add(id, c)
	return c, nil
}
