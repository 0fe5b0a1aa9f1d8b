package agent

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/1ureka/icws/internal/principal"
)

// RequestID identifies a submitted request.
type RequestID [sha256.Size]byte

func (id RequestID) String() string {
	return hex.EncodeToString(id[:])
}

// requestDomain separates request signatures from other signed content.
var requestDomain = []byte("\x0aic-request")

// hashOfMap computes the representation-independent hash of a request.
func hashOfMap(fields map[string]any) (RequestID, error) {
	pairs := make([][]byte, 0, len(fields))
	for k, v := range fields {
		hv, err := hashOfValue(v)
		if err != nil {
			return RequestID{}, fmt.Errorf("field %s: %w", k, err)
		}
		hk := sha256.Sum256([]byte(k))
		pairs = append(pairs, append(hk[:], hv[:]...))
	}
	sort.Slice(pairs, func(i, j int) bool { return bytes.Compare(pairs[i], pairs[j]) < 0 })

	h := sha256.New()
	for _, p := range pairs {
		h.Write(p)
	}
	var id RequestID
	h.Sum(id[:0])
	return id, nil
}

func hashOfValue(v any) ([sha256.Size]byte, error) {
	switch v := v.(type) {
	case string:
		return sha256.Sum256([]byte(v)), nil
	case []byte:
		return sha256.Sum256(v), nil
	case principal.Principal:
		return sha256.Sum256(v), nil
	case uint64:
		return sha256.Sum256(binary.AppendUvarint(nil, v)), nil
	case [][]byte:
		items := make([]any, len(v))
		for i := range v {
			items[i] = v[i]
		}
		return hashOfArray(items)
	case [][][]byte:
		items := make([]any, len(v))
		for i := range v {
			items[i] = v[i]
		}
		return hashOfArray(items)
	default:
		return [sha256.Size]byte{}, fmt.Errorf("cannot hash %T", v)
	}
}

func hashOfArray(items []any) ([sha256.Size]byte, error) {
	h := sha256.New()
	for _, item := range items {
		hv, err := hashOfValue(item)
		if err != nil {
			return [sha256.Size]byte{}, err
		}
		h.Write(hv[:])
	}
	var out [sha256.Size]byte
	h.Sum(out[:0])
	return out, nil
}
