package candid

import (
	"github.com/1ureka/icws/internal/principal"
)

// Value is any Candid value.
type Value interface {
	isValue()
}

type (
	Null     struct{}
	Reserved struct{}
	Bool     bool
	Nat      uint64
	Nat8     uint8
	Nat16    uint16
	Nat32    uint32
	Nat64    uint64
	Int      int64
	Int8     int8
	Int16    int16
	Int32    int32
	Int64    int64
	Float32  float32
	Float64  float64
	Text     string

	// Blob is a vec nat8.
	Blob []byte

	// Principal is a transparent principal reference.
	Principal principal.Principal

	// Vec holds homogeneous values. An empty Vec is typed as vec empty,
	// which decodes as any vec type.
	Vec []Value

	// Opt holds an optional value; a nil Value is none.
	Opt struct{ Value Value }

	// Record is a set of fields, encoded in hash order.
	Record []Field

	// Variant is one alternative of a variant type.
	Variant Field
)

// Field is a labelled value. Decoded fields only carry the Hash.
type Field struct {
	Name  string
	Hash  uint32
	Value Value
}

// F builds a named field.
func F(name string, v Value) Field {
	return Field{Name: name, Hash: Hash(name), Value: v}
}

// V builds a variant alternative.
func V(name string, v Value) Variant {
	return Variant(F(name, v))
}

// id returns the field id, preferring the name when present.
func (f Field) id() uint32 {
	if f.Name != "" {
		return Hash(f.Name)
	}
	return f.Hash
}

// Get returns the value of the named field.
func (r Record) Get(name string) (Value, bool) {
	h := Hash(name)
	for _, f := range r {
		if f.id() == h {
			return f.Value, true
		}
	}
	return nil, false
}

// Is reports whether v is the named alternative.
func (v Variant) Is(name string) bool {
	return Field(v).id() == Hash(name)
}

func (Null) isValue()      {}
func (Reserved) isValue()  {}
func (Bool) isValue()      {}
func (Nat) isValue()       {}
func (Nat8) isValue()      {}
func (Nat16) isValue()     {}
func (Nat32) isValue()     {}
func (Nat64) isValue()     {}
func (Int) isValue()       {}
func (Int8) isValue()      {}
func (Int16) isValue()     {}
func (Int32) isValue()     {}
func (Int64) isValue()     {}
func (Float32) isValue()   {}
func (Float64) isValue()   {}
func (Text) isValue()      {}
func (Blob) isValue()      {}
func (Principal) isValue() {}
func (Vec) isValue()       {}
func (Opt) isValue()       {}
func (Record) isValue()    {}
func (Variant) isValue()   {}
