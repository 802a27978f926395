package abi

import (
	"encoding/binary"
	"math"
)

const maxDecodeDepth = 128

// maxZeroSizedItems bounds arrays whose elements occupy no bytes, since
// their length is not checked against the remaining input.
const maxZeroSizedItems = 1 << 16

// Decode reads one value of type t from the front of data and returns the
// remaining bytes. Values alias data; copy it if it will be reused.
func Decode(t *Type, data []byte) (Value, []byte, error) {
	d := decoder{orig: data, buf: data}
	v, err := d.decode(t, 0)
	if err != nil {
		return Value{}, data, err
	}
	return v, d.buf, nil
}

// DecodeAll is Decode that also rejects trailing bytes.
func DecodeAll(t *Type, data []byte) (Value, error) {
	v, rest, err := Decode(t, data)
	if err != nil {
		return v, err
	}
	if len(rest) != 0 {
		return Value{}, decodeErrf(data, len(data)-len(rest), t, nil, "%d extra bytes after value", len(rest))
	}
	return v, nil
}

type decoder struct {
	orig []byte
	buf  []byte
}

func (d *decoder) off() int { return len(d.orig) - len(d.buf) }

func (d *decoder) decode(t *Type, depth int) (Value, error) {
	if depth > maxDecodeDepth {
		return Value{}, decodeErrf(d.orig, d.off(), t, nil, "nesting too deep")
	}
	start := d.buf
	v := Value{Type: t}
	var err error

	switch t.Kind {
	case KindScalar:
		err = d.scalar(t, &v)

	case KindStruct:
		v.Items = make([]Value, 0, len(t.Fields))
		for _, f := range t.Fields {
			if f.Type.Kind == KindExtension && len(d.buf) == 0 {
				v.Items = append(v.Items, Value{Type: f.Type})
				continue
			}
			var fv Value
			fv, err = d.decode(f.Type, depth+1)
			if err != nil {
				return Value{}, err
			}
			v.Items = append(v.Items, fv)
		}

	case KindVariant:
		var idx uint32
		idx, err = d.varuint32(t)
		if err != nil {
			return Value{}, err
		}
		if int(idx) >= len(t.Fields) {
			return Value{}, decodeErrf(d.orig, d.off(), t, nil, "invalid variant index %d (%d alternatives)", idx, len(t.Fields))
		}
		v.Index = int(idx)
		var alt Value
		alt, err = d.decode(t.Fields[idx].Type, depth+1)
		if err != nil {
			return Value{}, err
		}
		v.Items = []Value{alt}

	case KindArray:
		var n uint32
		n, err = d.varuint32(t)
		if err != nil {
			return Value{}, err
		}
		if zeroSized(t.Elem) {
			if n > maxZeroSizedItems {
				return Value{}, decodeErrf(d.orig, d.off(), t, nil, "array of %d empty elements exceeds limit %d", n, maxZeroSizedItems)
			}
		} else if uint64(n) > uint64(len(d.buf)) {
			return Value{}, decodeErrf(d.orig, d.off(), t, nil, "array length %d exceeds remaining %d bytes", n, len(d.buf))
		}
		v.Items = make([]Value, 0, min(int(n), len(d.buf)))
		for i := uint32(0); i < n; i++ {
			var ev Value
			ev, err = d.decode(t.Elem, depth+1)
			if err != nil {
				return Value{}, err
			}
			v.Items = append(v.Items, ev)
		}

	case KindOptional:
		var flag []byte
		flag, err = d.raw(t, 1)
		if err != nil {
			return Value{}, err
		}
		switch flag[0] {
		case 0:
		case 1:
			v.Present = true
			var pv Value
			pv, err = d.decode(t.Elem, depth+1)
			if err != nil {
				return Value{}, err
			}
			v.Items = []Value{pv}
		default:
			return Value{}, decodeErrf(d.orig, d.off()-1, t, nil, "invalid optional flag %d", flag[0])
		}

	case KindExtension:
		if len(d.buf) > 0 {
			v.Present = true
			var pv Value
			pv, err = d.decode(t.Elem, depth+1)
			if err != nil {
				return Value{}, err
			}
			v.Items = []Value{pv}
		}

	default:
		return Value{}, decodeErrf(d.orig, d.off(), t, nil, "unsupported type kind %v", t.Kind)
	}
	if err != nil {
		return Value{}, err
	}
	v.Raw = start[:len(start)-len(d.buf)]
	return v, nil
}

func zeroSized(t *Type) bool {
	return t.Kind == KindStruct && len(t.Fields) == 0
}

func (d *decoder) raw(t *Type, n int) ([]byte, error) {
	if n < 0 || len(d.buf) < n {
		return nil, decodeErrf(d.orig, d.off(), t, nil, "not enough data: %d bytes remaining, %d wanted", len(d.buf), n)
	}
	v := d.buf[:n]
	d.buf = d.buf[n:]
	return v, nil
}

func (d *decoder) varuint32(t *Type) (uint32, error) {
	var v uint64
	for i := 0; ; i++ {
		if i >= 5 {
			return 0, decodeErrf(d.orig, d.off(), t, nil, "varuint32 too long")
		}
		if len(d.buf) == 0 {
			return 0, decodeErrf(d.orig, d.off(), t, nil, "truncated varuint32")
		}
		b := d.buf[0]
		d.buf = d.buf[1:]
		v |= uint64(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			break
		}
	}
	if v > math.MaxUint32 {
		return 0, decodeErrf(d.orig, d.off(), t, nil, "varuint32 overflow")
	}
	return uint32(v), nil
}

func (d *decoder) varbytes(t *Type) ([]byte, error) {
	n, err := d.varuint32(t)
	if err != nil {
		return nil, err
	}
	return d.raw(t, int(n))
}

func (d *decoder) scalar(t *Type, v *Value) error {
	sc := t.Scalar
	if size := sc.FixedSize(); size > 0 {
		b, err := d.raw(t, size)
		if err != nil {
			return err
		}
		switch sc {
		case Bool:
			if b[0] > 1 {
				return decodeErrf(d.orig, d.off()-1, t, nil, "invalid bool %d", b[0])
			}
			v.Uint = uint64(b[0])
		case Uint8:
			v.Uint = uint64(b[0])
		case Int8:
			v.Int = int64(int8(b[0]))
		case Uint16:
			v.Uint = uint64(binary.LittleEndian.Uint16(b))
		case Int16:
			v.Int = int64(int16(binary.LittleEndian.Uint16(b)))
		case Uint32, TimePointSec, BlockTimestamp:
			v.Uint = uint64(binary.LittleEndian.Uint32(b))
		case Int32:
			v.Int = int64(int32(binary.LittleEndian.Uint32(b)))
		case Uint64, NameType, Symbol, SymbolCode:
			v.Uint = binary.LittleEndian.Uint64(b)
		case Int64, TimePoint:
			v.Int = int64(binary.LittleEndian.Uint64(b))
		case Float32:
			v.Float = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case Float64:
			v.Float = math.Float64frombits(binary.LittleEndian.Uint64(b))
		case Asset, ExtendedAsset:
			v.Int = int64(binary.LittleEndian.Uint64(b))
			v.Bytes = b
		default:
			v.Bytes = b
		}
		return nil
	}

	switch sc {
	case Varuint32:
		u, err := d.varuint32(t)
		v.Uint = uint64(u)
		return err
	case Varint32:
		u, err := d.varuint32(t)
		v.Int = int64(int32(u>>1) ^ -int32(u&1))
		return err
	case Bytes, String:
		b, err := d.varbytes(t)
		v.Bytes = b
		return err
	case PublicKey:
		return d.keyOrSig(t, v, 33, false)
	case Signature:
		return d.keyOrSig(t, v, 65, true)
	default:
		return decodeErrf(d.orig, d.off(), t, nil, "unsupported scalar %v", sc)
	}
}

// keyOrSig decodes a public key or signature: a type byte (K1, R1 or WebAuthn)
// followed by the fixed-size payload and, for WebAuthn, the extra fields.
func (d *decoder) keyOrSig(t *Type, v *Value, size int, sig bool) error {
	start := d.buf
	kt, err := d.raw(t, 1)
	if err != nil {
		return err
	}
	if _, err := d.raw(t, size); err != nil {
		return err
	}
	switch kt[0] {
	case 0, 1:
	case 2:
		if sig {
			if _, err := d.varbytes(t); err != nil {
				return err
			}
		} else if _, err := d.raw(t, 1); err != nil {
			return err
		}
		if _, err := d.varbytes(t); err != nil {
			return err
		}
	default:
		return decodeErrf(d.orig, d.off(), t, nil, "unknown key type %d", kt[0])
	}
	v.Bytes = start[:len(start)-len(d.buf)]
	return nil
}
