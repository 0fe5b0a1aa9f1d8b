package candid

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Marshal encodes args as a Candid message.
func Marshal(args ...Value) ([]byte, error) {
	e := &encoder{}

	types := make([]int64, len(args))
	for i, arg := range args {
		t, err := e.typeOf(arg)
		if err != nil {
			return nil, err
		}
		types[i] = t
	}

	buf := append([]byte{}, magic...)
	buf = binary.AppendUvarint(buf, uint64(len(e.table)))
	for _, entry := range e.table {
		buf = append(buf, entry...)
	}

	buf = binary.AppendUvarint(buf, uint64(len(args)))
	for _, t := range types {
		buf = appendSLEB(buf, t)
	}

	for _, arg := range args {
		var err error
		if buf, err = appendValue(buf, arg); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// encoder accumulates the type table. Compound types get a fresh entry per
// occurrence; Candid does not require deduplication.
type encoder struct {
	table [][]byte
}

func (e *encoder) add(entry []byte) int64 {
	e.table = append(e.table, entry)
	return int64(len(e.table) - 1)
}

func (e *encoder) typeOf(v Value) (int64, error) {
	switch v := v.(type) {
	case Null:
		return opNull, nil
	case Reserved:
		return opReserved, nil
	case Bool:
		return opBool, nil
	case Nat:
		return opNat, nil
	case Nat8:
		return opNat8, nil
	case Nat16:
		return opNat16, nil
	case Nat32:
		return opNat32, nil
	case Nat64:
		return opNat64, nil
	case Int:
		return opInt, nil
	case Int8:
		return opInt8, nil
	case Int16:
		return opInt16, nil
	case Int32:
		return opInt32, nil
	case Int64:
		return opInt64, nil
	case Float32:
		return opFloat32, nil
	case Float64:
		return opFloat64, nil
	case Text:
		return opText, nil
	case Principal:
		return opPrincipal, nil

	case Blob:
		entry := appendSLEB(nil, opVec)
		return e.add(appendSLEB(entry, opNat8)), nil

	case Vec:
		elem := opEmpty
		if len(v) > 0 {
			t, err := e.typeOf(v[0])
			if err != nil {
				return 0, err
			}
			elem = t
		}
		entry := appendSLEB(nil, opVec)
		return e.add(appendSLEB(entry, elem)), nil

	case Opt:
		inner := opEmpty
		if v.Value != nil {
			t, err := e.typeOf(v.Value)
			if err != nil {
				return 0, err
			}
			inner = t
		}
		entry := appendSLEB(nil, opOpt)
		return e.add(appendSLEB(entry, inner)), nil

	case Record:
		fields := sortedFields(v)
		entry := appendSLEB(nil, opRecord)
		entry = binary.AppendUvarint(entry, uint64(len(fields)))
		for _, f := range fields {
			t, err := e.typeOf(f.Value)
			if err != nil {
				return 0, err
			}
			entry = binary.AppendUvarint(entry, uint64(f.id()))
			entry = appendSLEB(entry, t)
		}
		return e.add(entry), nil

	case Variant:
		t, err := e.typeOf(v.Value)
		if err != nil {
			return 0, err
		}
		entry := appendSLEB(nil, opVariant)
		entry = binary.AppendUvarint(entry, 1)
		entry = binary.AppendUvarint(entry, uint64(Field(v).id()))
		return e.add(appendSLEB(entry, t)), nil

	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

func appendValue(buf []byte, v Value) ([]byte, error) {
	switch v := v.(type) {
	case Null, Reserved:
		return buf, nil
	case Bool:
		if v {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case Nat:
		return binary.AppendUvarint(buf, uint64(v)), nil
	case Nat8:
		return append(buf, byte(v)), nil
	case Nat16:
		return binary.LittleEndian.AppendUint16(buf, uint16(v)), nil
	case Nat32:
		return binary.LittleEndian.AppendUint32(buf, uint32(v)), nil
	case Nat64:
		return binary.LittleEndian.AppendUint64(buf, uint64(v)), nil
	case Int:
		return appendSLEB(buf, int64(v)), nil
	case Int8:
		return append(buf, byte(v)), nil
	case Int16:
		return binary.LittleEndian.AppendUint16(buf, uint16(v)), nil
	case Int32:
		return binary.LittleEndian.AppendUint32(buf, uint32(v)), nil
	case Int64:
		return binary.LittleEndian.AppendUint64(buf, uint64(v)), nil
	case Float32:
		return binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v))), nil
	case Float64:
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(float64(v))), nil
	case Text:
		buf = binary.AppendUvarint(buf, uint64(len(v)))
		return append(buf, string(v)...), nil
	case Blob:
		buf = binary.AppendUvarint(buf, uint64(len(v)))
		return append(buf, v...), nil
	case Principal:
		buf = append(buf, 1)
		buf = binary.AppendUvarint(buf, uint64(len(v)))
		return append(buf, v...), nil

	case Vec:
		buf = binary.AppendUvarint(buf, uint64(len(v)))
		for _, item := range v {
			var err error
			if buf, err = appendValue(buf, item); err != nil {
				return nil, err
			}
		}
		return buf, nil

	case Opt:
		if v.Value == nil {
			return append(buf, 0), nil
		}
		return appendValue(append(buf, 1), v.Value)

	case Record:
		for _, f := range sortedFields(v) {
			var err error
			if buf, err = appendValue(buf, f.Value); err != nil {
				return nil, err
			}
		}
		return buf, nil

	case Variant:
		return appendValue(append(buf, 0), v.Value)

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

func sortedFields(r Record) []Field {
	fields := make([]Field, len(r))
	copy(fields, r)
	sort.Slice(fields, func(i, j int) bool { return fields[i].id() < fields[j].id() })
	return fields
}

func appendSLEB(buf []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}
