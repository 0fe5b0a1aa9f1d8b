package candid

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

type fieldType struct {
	hash uint32
	typ  int64
}

type typeEntry struct {
	op     int64
	elem   int64       // opt, vec
	fields []fieldType // record, variant
}

type decoder struct {
	r     *bytes.Reader
	table []typeEntry
}

// Unmarshal decodes every argument of a Candid message.
func Unmarshal(data []byte) ([]Value, error) {
	if !bytes.HasPrefix(data, magic) {
		return nil, ErrMagic
	}

	d := &decoder{r: bytes.NewReader(data[len(magic):])}
	if err := d.readTable(); err != nil {
		return nil, err
	}

	n, err := d.uleb()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.r.Len()) {
		return nil, malformed("%d arguments in %d bytes", n, d.r.Len())
	}

	types := make([]int64, n)
	for i := range types {
		if types[i], err = d.typeRef(); err != nil {
			return nil, err
		}
	}

	values := make([]Value, n)
	for i, t := range types {
		if values[i], err = d.value(t, 0); err != nil {
			return nil, err
		}
	}

	if d.r.Len() != 0 {
		return nil, malformed("%d trailing bytes", d.r.Len())
	}
	return values, nil
}

// UnmarshalOne decodes a message that must carry exactly one argument.
func UnmarshalOne(data []byte) (Value, error) {
	values, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, malformed("expected 1 argument, got %d", len(values))
	}
	return values[0], nil
}

func (d *decoder) readTable() error {
	n, err := d.uleb()
	if err != nil {
		return err
	}
	if n > uint64(d.r.Len()) {
		return malformed("%d types in %d bytes", n, d.r.Len())
	}

	d.table = make([]typeEntry, n)
	for i := range d.table {
		op, err := d.sleb()
		if err != nil {
			return err
		}

		entry := typeEntry{op: op}
		switch op {
		case opOpt, opVec:
			if entry.elem, err = d.sleb(); err != nil {
				return err
			}
		case opRecord, opVariant:
			count, err := d.uleb()
			if err != nil {
				return err
			}
			if count > uint64(d.r.Len()) {
				return malformed("%d fields in %d bytes", count, d.r.Len())
			}
			entry.fields = make([]fieldType, count)
			for j := range entry.fields {
				h, err := d.uleb()
				if err != nil {
					return err
				}
				if h > math.MaxUint32 {
					return malformed("field id %d out of range", h)
				}
				if j > 0 && uint32(h) <= entry.fields[j-1].hash {
					return malformed("field ids not strictly increasing")
				}
				t, err := d.sleb()
				if err != nil {
					return err
				}
				entry.fields[j] = fieldType{hash: uint32(h), typ: t}
			}
		case opFunc, opService:
			return fmt.Errorf("%w: opcode %d", ErrUnsupported, op)
		default:
			return malformed("invalid type table opcode %d", op)
		}
		d.table[i] = entry
	}

	// Validate references once the whole table is known.
	for _, entry := range d.table {
		refs := []int64{entry.elem}
		for _, f := range entry.fields {
			refs = append(refs, f.typ)
		}
		for _, ref := range refs {
			if ref >= int64(len(d.table)) {
				return malformed("type reference %d out of range", ref)
			}
		}
	}
	return nil
}

func (d *decoder) typeRef() (int64, error) {
	t, err := d.sleb()
	if err != nil {
		return 0, err
	}
	if t >= int64(len(d.table)) || t < opPrincipal {
		return 0, malformed("type reference %d out of range", t)
	}
	return t, nil
}

func (d *decoder) value(t int64, depth int) (Value, error) {
	if depth > maxDepth {
		return nil, malformed("nesting deeper than %d", maxDepth)
	}

	if t >= 0 {
		return d.compound(d.table[t], depth)
	}

	switch t {
	case opNull:
		return Null{}, nil
	case opReserved:
		return Reserved{}, nil
	case opBool:
		b, err := d.u8()
		if err != nil {
			return nil, err
		}
		if b > 1 {
			return nil, malformed("invalid bool %d", b)
		}
		return Bool(b == 1), nil
	case opNat:
		v, err := d.uleb()
		return Nat(v), err
	case opInt:
		v, err := d.sleb()
		return Int(v), err
	case opNat8:
		b, err := d.fixed(1)
		if err != nil {
			return nil, err
		}
		return Nat8(b[0]), nil
	case opNat16:
		b, err := d.fixed(2)
		if err != nil {
			return nil, err
		}
		return Nat16(binary.LittleEndian.Uint16(b)), nil
	case opNat32:
		b, err := d.fixed(4)
		if err != nil {
			return nil, err
		}
		return Nat32(binary.LittleEndian.Uint32(b)), nil
	case opNat64:
		b, err := d.fixed(8)
		if err != nil {
			return nil, err
		}
		return Nat64(binary.LittleEndian.Uint64(b)), nil
	case opInt8:
		b, err := d.fixed(1)
		if err != nil {
			return nil, err
		}
		return Int8(int8(b[0])), nil
	case opInt16:
		b, err := d.fixed(2)
		if err != nil {
			return nil, err
		}
		return Int16(int16(binary.LittleEndian.Uint16(b))), nil
	case opInt32:
		b, err := d.fixed(4)
		if err != nil {
			return nil, err
		}
		return Int32(int32(binary.LittleEndian.Uint32(b))), nil
	case opInt64:
		b, err := d.fixed(8)
		if err != nil {
			return nil, err
		}
		return Int64(int64(binary.LittleEndian.Uint64(b))), nil
	case opFloat32:
		b, err := d.fixed(4)
		if err != nil {
			return nil, err
		}
		return Float32(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case opFloat64:
		b, err := d.fixed(8)
		if err != nil {
			return nil, err
		}
		return Float64(math.Float64frombits(binary.LittleEndian.Uint64(b))), nil
	case opText:
		b, err := d.sized()
		return Text(b), err
	case opPrincipal:
		flag, err := d.u8()
		if err != nil {
			return nil, err
		}
		if flag != 1 {
			return nil, fmt.Errorf("%w: opaque principal reference", ErrUnsupported)
		}
		b, err := d.sized()
		return Principal(b), err
	case opEmpty:
		return nil, malformed("value of type empty")
	default:
		return nil, fmt.Errorf("%w: opcode %d", ErrUnsupported, t)
	}
}

func (d *decoder) compound(entry typeEntry, depth int) (Value, error) {
	switch entry.op {
	case opOpt:
		flag, err := d.u8()
		if err != nil {
			return nil, err
		}
		switch flag {
		case 0:
			return Opt{}, nil
		case 1:
			v, err := d.value(entry.elem, depth+1)
			return Opt{Value: v}, err
		default:
			return nil, malformed("invalid opt flag %d", flag)
		}

	case opVec:
		if entry.elem == opNat8 {
			b, err := d.sized()
			return Blob(b), err
		}
		n, err := d.uleb()
		if err != nil {
			return nil, err
		}
		if n > uint64(d.r.Len()) && entry.elem != opNull && entry.elem != opReserved {
			return nil, malformed("vec of %d items in %d bytes", n, d.r.Len())
		}
		if n > math.MaxInt32 {
			return nil, malformed("vec of %d items", n)
		}
		items := make(Vec, 0, min(n, uint64(d.r.Len())))
		for i := uint64(0); i < n; i++ {
			v, err := d.value(entry.elem, depth+1)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil

	case opRecord:
		rec := make(Record, len(entry.fields))
		for i, f := range entry.fields {
			v, err := d.value(f.typ, depth+1)
			if err != nil {
				return nil, err
			}
			rec[i] = Field{Hash: f.hash, Value: v}
		}
		return rec, nil

	case opVariant:
		idx, err := d.uleb()
		if err != nil {
			return nil, err
		}
		if idx >= uint64(len(entry.fields)) {
			return nil, malformed("variant index %d out of range", idx)
		}
		f := entry.fields[idx]
		v, err := d.value(f.typ, depth+1)
		if err != nil {
			return nil, err
		}
		return Variant{Hash: f.hash, Value: v}, nil

	default:
		return nil, fmt.Errorf("%w: opcode %d", ErrUnsupported, entry.op)
	}
}

// ---------------------------------------------------------------------------
// Primitive readers
// ---------------------------------------------------------------------------

func (d *decoder) u8() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, eof(err)
	}
	return b, nil
}

func (d *decoder) fixed(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return nil, eof(err)
	}
	return b, nil
}

func (d *decoder) sized() ([]byte, error) {
	n, err := d.uleb()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.r.Len()) {
		return nil, malformed("length %d exceeds remaining %d bytes", n, d.r.Len())
	}
	return d.fixed(int(n))
}

func (d *decoder) uleb() (uint64, error) {
	v, err := binary.ReadUvarint(d.r)
	if err != nil {
		return 0, eof(err)
	}
	return v, nil
}

func (d *decoder) sleb() (int64, error) {
	var x int64
	var shift uint
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return 0, eof(err)
		}
		if shift >= 64 {
			return 0, malformed("sleb128 overflow")
		}
		x |= int64(b&0x7f) << shift
		shift += 7
		if b < 0x80 {
			if shift < 64 && b&0x40 != 0 {
				x |= -1 << shift
			}
			return x, nil
		}
	}
}

func eof(err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: %w", ErrMalformed, err)
}
