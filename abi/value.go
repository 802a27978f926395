package abi

import "strings"

// Value is a decoded node. Raw always holds the exact encoded bytes.
//
// Scalars fill one of Uint, Int, Float or Bytes (strings, byte arrays and
// fixed-size blobs such as checksums use Bytes). Structs and arrays put their
// members into Items. A variant puts the chosen alternative into Items[0] and
// its index into Index. Optionals and binary extensions set Present and, if
// present, put the payload into Items[0].
type Value struct {
	Type    *Type
	Raw     []byte
	Uint    uint64
	Int     int64
	Float   float64
	Bytes   []byte
	Items   []Value
	Index   int
	Present bool
}

func (v Value) Str() string { return string(v.Bytes) }

func (v Value) Bool() bool { return v.Uint != 0 }

func (v Value) Name() Name { return Name(v.Uint) }

func (v Value) Checksum256() (c Checksum256) {
	copy(c[:], v.Bytes)
	return
}

// Unwrap descends through filled variants, present optionals and binary
// extensions to the underlying value.
func (v Value) Unwrap() Value {
	for v.Type != nil {
		switch v.Type.Kind {
		case KindVariant:
			if v.Type.FilledStruct() == nil || len(v.Items) == 0 {
				return v
			}
		case KindOptional, KindExtension:
			if !v.Present {
				return v
			}
		default:
			return v
		}
		v = v.Items[0]
	}
	return v
}

// Field returns a struct member, looking through filled variants.
func (v Value) Field(name string) (Value, bool) {
	v = v.Unwrap()
	if v.Type == nil || v.Type.Kind != KindStruct {
		return Value{}, false
	}
	i := v.Type.FieldIndex(name)
	if i < 0 || i >= len(v.Items) {
		return Value{}, false
	}
	return v.Items[i], true
}

// Path resolves a dotted path. A segment naming a variant alternative
// matches only if that alternative was chosen.
func (v Value) Path(path string) (Value, bool) {
	for _, seg := range strings.Split(path, ".") {
		u := v.Unwrap()
		if u.Type != nil && u.Type.Kind == KindVariant {
			if u.Type.Alternative(seg) != u.Index {
				return Value{}, false
			}
			v = u.Items[0]
			continue
		}
		var ok bool
		v, ok = u.Field(seg)
		if !ok {
			return Value{}, false
		}
	}
	return v, true
}
