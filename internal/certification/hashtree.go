// Package certification verifies that a message relayed by the gateway was
// certified by the canister: the hash tree witness, the subnet certificate
// and its BLS signature.
package certification

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Node is a node of a hash tree.
type Node interface {
	isNode()
}

type (
	Empty   struct{}
	Fork    struct{ Left, Right Node }
	Labeled struct {
		Label []byte
		Tree  Node
	}
	Leaf   []byte
	Pruned [sha256.Size]byte
)

func (Empty) isNode()   {}
func (Fork) isNode()    {}
func (Labeled) isNode() {}
func (Leaf) isNode()    {}
func (Pruned) isNode()  {}

// CBOR tags of the tree nodes.
const (
	tagEmpty uint64 = iota
	tagFork
	tagLabeled
	tagLeaf
	tagPruned
)

const maxTreeDepth = 128

// DecodeTree parses a CBOR hash tree.
func DecodeTree(data []byte) (Node, error) {
	return decodeNode(cbor.RawMessage(stripSelfDescribe(data)), 0)
}

func decodeNode(raw cbor.RawMessage, depth int) (Node, error) {
	if depth > maxTreeDepth {
		return nil, fmt.Errorf("%w: hash tree deeper than %d", ErrInvalidCertificate, maxTreeDepth)
	}

	var items []cbor.RawMessage
	if err := cbor.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: hash tree node: %w", ErrInvalidCertificate, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: empty hash tree node", ErrInvalidCertificate)
	}

	var tag uint64
	if err := cbor.Unmarshal(items[0], &tag); err != nil {
		return nil, fmt.Errorf("%w: hash tree tag: %w", ErrInvalidCertificate, err)
	}

	arity := map[uint64]int{tagEmpty: 1, tagFork: 3, tagLabeled: 3, tagLeaf: 2, tagPruned: 2}
	want, ok := arity[tag]
	if !ok {
		return nil, fmt.Errorf("%w: unknown hash tree tag %d", ErrInvalidCertificate, tag)
	}
	if len(items) != want {
		return nil, fmt.Errorf("%w: hash tree tag %d with %d items", ErrInvalidCertificate, tag, len(items))
	}

	switch tag {
	case tagEmpty:
		return Empty{}, nil

	case tagFork:
		left, err := decodeNode(items[1], depth+1)
		if err != nil {
			return nil, err
		}
		right, err := decodeNode(items[2], depth+1)
		if err != nil {
			return nil, err
		}
		return Fork{Left: left, Right: right}, nil

	case tagLabeled:
		label, err := decodeBytes(items[1])
		if err != nil {
			return nil, err
		}
		sub, err := decodeNode(items[2], depth+1)
		if err != nil {
			return nil, err
		}
		return Labeled{Label: label, Tree: sub}, nil

	case tagLeaf:
		data, err := decodeBytes(items[1])
		if err != nil {
			return nil, err
		}
		return Leaf(data), nil

	default:
		digest, err := decodeBytes(items[1])
		if err != nil {
			return nil, err
		}
		if len(digest) != sha256.Size {
			return nil, fmt.Errorf("%w: pruned digest of %d bytes", ErrInvalidCertificate, len(digest))
		}
		var p Pruned
		copy(p[:], digest)
		return p, nil
	}
}

func decodeBytes(raw cbor.RawMessage) ([]byte, error) {
	var b []byte
	if err := cbor.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCertificate, err)
	}
	return b, nil
}

// EncodeTree serializes a hash tree to CBOR.
func EncodeTree(n Node) ([]byte, error) {
	return cbor.Marshal(treeValue(n))
}

func treeValue(n Node) []any {
	switch n := n.(type) {
	case Fork:
		return []any{tagFork, treeValue(n.Left), treeValue(n.Right)}
	case Labeled:
		return []any{tagLabeled, n.Label, treeValue(n.Tree)}
	case Leaf:
		return []any{tagLeaf, []byte(n)}
	case Pruned:
		return []any{tagPruned, n[:]}
	default:
		return []any{tagEmpty}
	}
}

// Reconstruct computes the root hash of a tree.
func Reconstruct(n Node) [sha256.Size]byte {
	switch n := n.(type) {
	case Fork:
		l, r := Reconstruct(n.Left), Reconstruct(n.Right)
		return digest("ic-hashtree-fork", l[:], r[:])
	case Labeled:
		sub := Reconstruct(n.Tree)
		return digest("ic-hashtree-labeled", n.Label, sub[:])
	case Leaf:
		return digest("ic-hashtree-leaf", n)
	case Pruned:
		return n
	default:
		return digest("ic-hashtree-empty")
	}
}

func digest(sep string, parts ...[]byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write(domainSeparator(sep))
	for _, p := range parts {
		h.Write(p)
	}
	var out [sha256.Size]byte
	h.Sum(out[:0])
	return out
}

func domainSeparator(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

// Lookup returns the leaf at path. Only leaves are returned; a path ending
// at any other node is reported as absent.
func Lookup(n Node, path ...[]byte) ([]byte, bool) {
	if len(path) == 0 {
		leaf, ok := n.(Leaf)
		return leaf, ok
	}
	for _, child := range labels(n) {
		if bytes.Equal(child.Label, path[0]) {
			return Lookup(child.Tree, path[1:]...)
		}
	}
	return nil, false
}

// labels flattens the forks under n into its labeled children.
func labels(n Node) []Labeled {
	switch n := n.(type) {
	case Labeled:
		return []Labeled{n}
	case Fork:
		return append(labels(n.Left), labels(n.Right)...)
	default:
		return nil
	}
}

// Path builds a lookup path from strings.
func Path(segments ...string) [][]byte {
	path := make([][]byte, len(segments))
	for i, s := range segments {
		path[i] = []byte(s)
	}
	return path
}
