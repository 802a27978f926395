package abi

import (
	"fmt"

	"github.com/andreyvit/histdb/keycodec"
)

// KeyKind returns the key codec kind for a scalar type (or an optional of
// one). Other types cannot appear in keys.
func KeyKind(t *Type) (keycodec.Kind, bool) {
	if t.Kind == KindOptional {
		t = t.Elem
	}
	if t.Kind != KindScalar {
		return keycodec.Invalid, false
	}
	k := t.Scalar.KeyKind()
	return k, k != keycodec.Invalid
}

// AppendKey converts the binary ABI encoding of one value of type t, found
// at the front of bin, into its order-preserving key encoding. It returns
// the extended key and the unconsumed part of bin.
func AppendKey(dst []byte, t *Type, bin []byte) ([]byte, []byte, error) {
	v, rest, err := Decode(t, bin)
	if err != nil {
		return dst, bin, err
	}
	dst, err = AppendValueKey(dst, v)
	return dst, rest, err
}

// AppendValueKey appends the key encoding of an already decoded value.
func AppendValueKey(dst []byte, v Value) ([]byte, error) {
	t := v.Type
	if t.Kind == KindOptional {
		if !v.Present {
			return keycodec.AppendAbsent(dst), nil
		}
		dst = keycodec.AppendPresent(dst)
		v = v.Items[0]
		t = v.Type
	}
	k, ok := KeyKind(t)
	if !ok {
		return dst, fmt.Errorf("%w: %s", keycodec.ErrUnsupportedType, t.Name)
	}
	switch k {
	case keycodec.Bool:
		return keycodec.Append(dst, k, v.Bool())
	case keycodec.Int8, keycodec.Int16, keycodec.Int32, keycodec.Int64, keycodec.TimePoint:
		return keycodec.AppendInt(dst, v.Int, k.Size()), nil
	case keycodec.Float64:
		return keycodec.AppendFloat64(dst, v.Float), nil
	case keycodec.Uint128, keycodec.Checksum256:
		return keycodec.AppendReversed(dst, v.Bytes), nil
	case keycodec.String, keycodec.Bytes:
		return keycodec.AppendBytes(dst, v.Bytes), nil
	default:
		return keycodec.AppendUint(dst, v.Uint, k.Size()), nil
	}
}

// SkipKey removes one key-encoded value of type t from the front of key.
func SkipKey(t *Type, key []byte) ([]byte, error) {
	if t.Kind == KindOptional {
		present, rest, err := keycodec.DecodePresence(key)
		if err != nil || !present {
			return rest, err
		}
		key, t = rest, t.Elem
	}
	k, ok := KeyKind(t)
	if !ok {
		return key, fmt.Errorf("%w: %s", keycodec.ErrUnsupportedType, t.Name)
	}
	return keycodec.Skip(k, key)
}
