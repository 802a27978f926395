// Package keycodec converts typed scalar values into byte strings whose
// unsigned lexicographic order matches the natural order of the values.
//
// Fixed-width unsigned integers, hashes and enums use the reversal rule: the
// little-endian representation is reversed, which yields most significant
// byte first. Signed integers additionally flip the sign bit; floats use the
// usual sign-magnitude transform.
//
// Strings and byte strings are escaped (0x00 becomes 0x00 0x01) and terminated
// by 0x00 0x00, so no encoding is a prefix of another and concatenating
// encoded fields preserves tuple order.
package keycodec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

type Kind uint8

const (
	Invalid Kind = iota
	Bool
	Uint8
	Uint16
	Uint32
	Uint64
	Uint128
	Varuint32
	Int8
	Int16
	Int32
	Int64
	Float64
	Name
	Checksum256
	String
	Bytes
	TimePoint
	TimePointSec
	BlockTimestamp
	TransactionStatus
)

var kindNames = [...]string{
	Invalid:           "invalid",
	Bool:              "bool",
	Uint8:             "uint8",
	Uint16:            "uint16",
	Uint32:            "uint32",
	Uint64:            "uint64",
	Uint128:           "uint128",
	Varuint32:         "varuint32",
	Int8:              "int8",
	Int16:             "int16",
	Int32:             "int32",
	Int64:             "int64",
	Float64:           "float64",
	Name:              "name",
	Checksum256:       "checksum256",
	String:            "string",
	Bytes:             "bytes",
	TimePoint:         "time_point",
	TimePointSec:      "time_point_sec",
	BlockTimestamp:    "block_timestamp_type",
	TransactionStatus: "transaction_status",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// KindByName maps an ABI scalar type name to its key kind.
func KindByName(name string) (Kind, bool) {
	for k, n := range kindNames {
		if k != int(Invalid) && n == name {
			return Kind(k), true
		}
	}
	return Invalid, false
}

var (
	ErrUnsupportedType = errors.New("unsupported key type")
	ErrTruncated       = errors.New("truncated key")
	ErrBadValue        = errors.New("value does not match key kind")
)

// Size returns the fixed encoded size of the kind, or -1 for variable-size kinds.
func (k Kind) Size() int {
	switch k {
	case Bool, Uint8, Int8, TransactionStatus:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Varuint32, TimePointSec, BlockTimestamp:
		return 4
	case Uint64, Int64, Float64, Name, TimePoint:
		return 8
	case Uint128:
		return 16
	case Checksum256:
		return 32
	case String, Bytes:
		return -1
	default:
		return 0
	}
}

// AppendUint appends the low size bytes of v using the reversal rule.
func AppendUint(dst []byte, v uint64, size int) []byte {
	for i := size - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*i)))
	}
	return dst
}

func DecodeUint(b []byte, size int) (uint64, []byte, error) {
	if len(b) < size {
		return 0, b, ErrTruncated
	}
	var v uint64
	for i := 0; i < size; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v, b[size:], nil
}

func AppendInt(dst []byte, v int64, size int) []byte {
	u := uint64(v) ^ (1 << (8*size - 1))
	if size < 8 {
		u &= 1<<(8*size) - 1
	}
	return AppendUint(dst, u, size)
}

func DecodeInt(b []byte, size int) (int64, []byte, error) {
	u, rest, err := DecodeUint(b, size)
	if err != nil {
		return 0, b, err
	}
	u ^= 1 << (8*size - 1)
	shift := 64 - 8*size
	return int64(u<<shift) >> shift, rest, nil
}

func AppendFloat64(dst []byte, v float64) []byte {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return AppendUint(dst, bits, 8)
}

func DecodeFloat64(b []byte) (float64, []byte, error) {
	bits, rest, err := DecodeUint(b, 8)
	if err != nil {
		return 0, b, err
	}
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits), rest, nil
}

// AppendReversed appends the little-endian native representation le in
// reverse. Used for 128-bit integers and hashes.
func AppendReversed(dst []byte, le []byte) []byte {
	for i := len(le) - 1; i >= 0; i-- {
		dst = append(dst, le[i])
	}
	return dst
}

func DecodeReversed(b []byte, n int) ([]byte, []byte, error) {
	if len(b) < n {
		return nil, b, ErrTruncated
	}
	le := make([]byte, n)
	for i := 0; i < n; i++ {
		le[i] = b[n-1-i]
	}
	return le, b[n:], nil
}

func AppendBytes(dst []byte, s []byte) []byte {
	for _, c := range s {
		if c == 0 {
			dst = append(dst, 0, 1)
		} else {
			dst = append(dst, c)
		}
	}
	return append(dst, 0, 0)
}

func AppendString(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c == 0 {
			dst = append(dst, 0, 1)
		} else {
			dst = append(dst, c)
		}
	}
	return append(dst, 0, 0)
}

func DecodeBytes(b []byte) ([]byte, []byte, error) {
	var out []byte
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c != 0 {
			out = append(out, c)
			continue
		}
		if i+1 >= len(b) {
			return nil, b, ErrTruncated
		}
		switch b[i+1] {
		case 0:
			if out == nil {
				out = []byte{}
			}
			return out, b[i+2:], nil
		case 1:
			out = append(out, 0)
			i++
		default:
			return nil, b, fmt.Errorf("invalid string escape 0x00 0x%02x at %d", b[i+1], i)
		}
	}
	return nil, b, ErrTruncated
}

// AppendAbsent appends the encoding of an absent optional value, which sorts
// before every present value of the same type.
func AppendAbsent(dst []byte) []byte { return append(dst, 0) }

// AppendPresent appends the marker that precedes a present optional value.
func AppendPresent(dst []byte) []byte { return append(dst, 1) }

// DecodePresence reads an optional marker.
func DecodePresence(b []byte) (bool, []byte, error) {
	if len(b) < 1 {
		return false, b, ErrTruncated
	}
	switch b[0] {
	case 0:
		return false, b[1:], nil
	case 1:
		return true, b[1:], nil
	default:
		return false, b, fmt.Errorf("invalid optional marker 0x%02x", b[0])
	}
}

// Append encodes v as kind k. Accepted Go types: bool for Bool; any integer
// type for integer kinds, Name and enums; float64 for Float64; [16]byte
// (little-endian) for Uint128; [32]byte or a 32-byte slice for Checksum256;
// string or []byte for String and Bytes.
func Append(dst []byte, k Kind, v any) ([]byte, error) {
	switch k {
	case Bool:
		b, ok := v.(bool)
		if !ok {
			return dst, badValue(k, v)
		}
		if b {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil
	case Uint8, Uint16, Uint32, Uint64, Varuint32, Name, TimePointSec, BlockTimestamp, TransactionStatus:
		u, ok := toUint(v)
		if !ok {
			return dst, badValue(k, v)
		}
		if size := k.Size(); size < 8 && u>>(8*size) != 0 {
			return dst, fmt.Errorf("%w: %d overflows %v", ErrBadValue, u, k)
		}
		return AppendUint(dst, u, k.Size()), nil
	case Int8, Int16, Int32, Int64, TimePoint:
		i, ok := toInt(v)
		if !ok {
			return dst, badValue(k, v)
		}
		return AppendInt(dst, i, k.Size()), nil
	case Float64:
		f, ok := v.(float64)
		if !ok {
			return dst, badValue(k, v)
		}
		return AppendFloat64(dst, f), nil
	case Uint128:
		switch u := v.(type) {
		case [16]byte:
			return AppendReversed(dst, u[:]), nil
		case uint64:
			var le [16]byte
			binary.LittleEndian.PutUint64(le[:], u)
			return AppendReversed(dst, le[:]), nil
		}
		return dst, badValue(k, v)
	case Checksum256:
		switch h := v.(type) {
		case [32]byte:
			return AppendReversed(dst, h[:]), nil
		case []byte:
			if len(h) == 32 {
				return AppendReversed(dst, h), nil
			}
		}
		return dst, badValue(k, v)
	case String, Bytes:
		switch s := v.(type) {
		case string:
			return AppendString(dst, s), nil
		case []byte:
			return AppendBytes(dst, s), nil
		}
		return dst, badValue(k, v)
	default:
		return dst, fmt.Errorf("%w: %v", ErrUnsupportedType, k)
	}
}

// Decode is the inverse of Append. Integer kinds decode to uint64 or int64,
// Uint128 to [16]byte, Checksum256 to [32]byte, String to string and Bytes
// to []byte.
func Decode(k Kind, b []byte) (any, []byte, error) {
	switch k {
	case Bool:
		if len(b) < 1 {
			return nil, b, ErrTruncated
		}
		return b[0] != 0, b[1:], nil
	case Uint8, Uint16, Uint32, Uint64, Varuint32, Name, TimePointSec, BlockTimestamp, TransactionStatus:
		return wrap(DecodeUint(b, k.Size()))
	case Int8, Int16, Int32, Int64, TimePoint:
		return wrap(DecodeInt(b, k.Size()))
	case Float64:
		return wrap(DecodeFloat64(b))
	case Uint128:
		le, rest, err := DecodeReversed(b, 16)
		if err != nil {
			return nil, b, err
		}
		return [16]byte(le), rest, nil
	case Checksum256:
		le, rest, err := DecodeReversed(b, 32)
		if err != nil {
			return nil, b, err
		}
		return [32]byte(le), rest, nil
	case String:
		s, rest, err := DecodeBytes(b)
		if err != nil {
			return nil, b, err
		}
		return string(s), rest, nil
	case Bytes:
		return wrap(DecodeBytes(b))
	default:
		return nil, b, fmt.Errorf("%w: %v", ErrUnsupportedType, k)
	}
}

// Skip returns b with one encoded value of kind k removed from the front.
func Skip(k Kind, b []byte) ([]byte, error) {
	if size := k.Size(); size > 0 {
		if len(b) < size {
			return b, ErrTruncated
		}
		return b[size:], nil
	} else if size == 0 {
		return b, fmt.Errorf("%w: %v", ErrUnsupportedType, k)
	}
	for i := 0; i+1 < len(b); i++ {
		if b[i] == 0 {
			if b[i+1] == 0 {
				return b[i+2:], nil
			}
			i++
		}
	}
	return b, ErrTruncated
}

func wrap[T any](v T, rest []byte, err error) (any, []byte, error) {
	if err != nil {
		return nil, rest, err
	}
	return v, rest, nil
}

func badValue(k Kind, v any) error {
	return fmt.Errorf("%w: %T for %v", ErrBadValue, v, k)
}

func toUint(v any) (uint64, bool) {
	switch v := v.(type) {
	case uint64:
		return v, true
	case uint32:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint8:
		return uint64(v), true
	case uint:
		return uint64(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	}
	return 0, false
}

func toInt(v any) (int64, bool) {
	switch v := v.(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int16:
		return int64(v), true
	case int8:
		return int64(v), true
	case int:
		return int64(v), true
	case uint32:
		return int64(v), true
	}
	return 0, false
}
