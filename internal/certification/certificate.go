package certification

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/1ureka/icws/internal/principal"
)

var (
	ErrInvalidCertificate  = errors.New("invalid certificate")
	ErrInvalidSignature    = errors.New("invalid certificate signature")
	ErrCertificateTooOld   = errors.New("certificate is too old")
	ErrCertificateInFuture = errors.New("certificate time is in the future")
	ErrCanisterNotInRange  = errors.New("canister is not in the delegated subnet ranges")
	ErrWitnessMismatch     = errors.New("hash tree does not match certified data")
	ErrPathNotFound        = errors.New("path not found in hash tree")
	ErrDigestMismatch      = errors.New("message digest does not match hash tree")
)

// DefaultMaxAge is the default maximum age of a certificate.
const DefaultMaxAge = 5 * time.Minute

// maxClockSkew bounds how far in the future a certificate time may be.
const maxClockSkew = 5 * time.Minute

var selfDescribe = []byte{0xd9, 0xd9, 0xf7}

func stripSelfDescribe(data []byte) []byte {
	return bytes.TrimPrefix(data, selfDescribe)
}

// Certificate is a subnet-signed state tree, optionally delegated from the
// root subnet.
type Certificate struct {
	Tree       Node
	Signature  []byte
	Delegation *Delegation
}

// Delegation authorizes a subnet key with a certificate from the root
// subnet.
type Delegation struct {
	SubnetID    []byte `cbor:"subnet_id"`
	Certificate []byte `cbor:"certificate"`
}

type certificateFrame struct {
	Tree       cbor.RawMessage `cbor:"tree"`
	Signature  []byte          `cbor:"signature"`
	Delegation *Delegation     `cbor:"delegation,omitempty"`
}

// DecodeCertificate parses a CBOR certificate.
func DecodeCertificate(data []byte) (*Certificate, error) {
	var frame certificateFrame
	if err := cbor.Unmarshal(stripSelfDescribe(data), &frame); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCertificate, err)
	}
	if len(frame.Tree) == 0 || len(frame.Signature) == 0 {
		return nil, fmt.Errorf("%w: missing tree or signature", ErrInvalidCertificate)
	}

	tree, err := decodeNode(frame.Tree, 0)
	if err != nil {
		return nil, err
	}
	return &Certificate{Tree: tree, Signature: frame.Signature, Delegation: frame.Delegation}, nil
}

// EncodeCertificate serializes c with the self-describe tag.
func EncodeCertificate(c *Certificate) ([]byte, error) {
	tree, err := EncodeTree(c.Tree)
	if err != nil {
		return nil, err
	}
	data, err := cbor.Marshal(certificateFrame{Tree: tree, Signature: c.Signature, Delegation: c.Delegation})
	if err != nil {
		return nil, fmt.Errorf("failed to encode certificate: %w", err)
	}
	return append(append([]byte{}, selfDescribe...), data...), nil
}

// Lookup returns the leaf at path in the certificate tree.
func (c *Certificate) Lookup(path ...[]byte) ([]byte, bool) {
	return Lookup(c.Tree, path...)
}

// SignedMessage returns the bytes covered by the signature.
func (c *Certificate) SignedMessage() []byte {
	root := Reconstruct(c.Tree)
	return append(domainSeparator("ic-state-root"), root[:]...)
}

// Time returns the certified time from the "time" leaf.
func (c *Certificate) Time() (time.Time, error) {
	leaf, ok := c.Lookup([]byte("time"))
	if !ok {
		return time.Time{}, fmt.Errorf("%w: missing time", ErrInvalidCertificate)
	}
	ns, n := binary.Uvarint(leaf)
	if n <= 0 || n != len(leaf) {
		return time.Time{}, fmt.Errorf("%w: malformed time", ErrInvalidCertificate)
	}
	return time.Unix(0, int64(ns)), nil
}

// VerifyOptions configures Verify.
type VerifyOptions struct {
	CanisterID principal.Principal
	RootKey    []byte // DER-encoded BLS public key
	MaxAge     time.Duration
	Now        time.Time
	Verifier   Verifier
}

// Verify checks the signature chain of c up to the root key, that the
// delegation covers the canister, and that the certificate is fresh.
func (c *Certificate) Verify(opts VerifyOptions) error {
	if opts.Verifier == nil {
		opts.Verifier = BLSVerifier{}
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	key, err := c.signingKey(opts)
	if err != nil {
		return err
	}

	raw, err := ExtractBLSKey(key)
	if err != nil {
		return err
	}
	if err := opts.Verifier.Verify(raw, c.SignedMessage(), c.Signature); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	return c.checkTime(opts.Now, opts.MaxAge)
}

func (c *Certificate) checkTime(now time.Time, maxAge time.Duration) error {
	certified, err := c.Time()
	if err != nil {
		return err
	}
	if now.Sub(certified) > maxAge {
		return fmt.Errorf("%w: certified at %s, now %s", ErrCertificateTooOld, certified.UTC(), now.UTC())
	}
	if certified.Sub(now) > maxClockSkew {
		return fmt.Errorf("%w: certified at %s, now %s", ErrCertificateInFuture, certified.UTC(), now.UTC())
	}
	return nil
}

// signingKey returns the DER key expected to have signed c.
func (c *Certificate) signingKey(opts VerifyOptions) ([]byte, error) {
	if c.Delegation == nil {
		return opts.RootKey, nil
	}

	parent, err := DecodeCertificate(c.Delegation.Certificate)
	if err != nil {
		return nil, fmt.Errorf("delegation: %w", err)
	}
	if parent.Delegation != nil {
		return nil, fmt.Errorf("%w: nested delegation", ErrInvalidCertificate)
	}

	// The root subnet certificate is not subject to the freshness bound.
	parentOpts := opts
	parentOpts.MaxAge = 1<<63 - 1
	if err := parent.Verify(parentOpts); err != nil {
		return nil, fmt.Errorf("delegation: %w", err)
	}

	subnet := c.Delegation.SubnetID
	ranges, ok := parent.Lookup([]byte("subnet"), subnet, []byte("canister_ranges"))
	if !ok {
		return nil, fmt.Errorf("%w: missing canister ranges", ErrInvalidCertificate)
	}
	if err := checkCanisterRanges(ranges, opts.CanisterID); err != nil {
		return nil, err
	}

	key, ok := parent.Lookup([]byte("subnet"), subnet, []byte("public_key"))
	if !ok {
		return nil, fmt.Errorf("%w: missing subnet public key", ErrInvalidCertificate)
	}
	return key, nil
}

func checkCanisterRanges(data []byte, canister principal.Principal) error {
	var ranges [][2][]byte
	if err := cbor.Unmarshal(stripSelfDescribe(data), &ranges); err != nil {
		return fmt.Errorf("%w: canister ranges: %w", ErrInvalidCertificate, err)
	}
	for _, r := range ranges {
		if bytes.Compare(canister, r[0]) >= 0 && bytes.Compare(canister, r[1]) <= 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrCanisterNotInRange, canister)
}
