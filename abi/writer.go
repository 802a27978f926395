package abi

import (
	"encoding/binary"
	"math"
)

// Writer builds values in the binary ABI format.
type Writer struct {
	Buf []byte
}

func (w *Writer) Bytes() []byte { return w.Buf }

func (w *Writer) Raw(b []byte) *Writer {
	w.Buf = append(w.Buf, b...)
	return w
}

func (w *Writer) Bool(v bool) *Writer {
	if v {
		w.Buf = append(w.Buf, 1)
	} else {
		w.Buf = append(w.Buf, 0)
	}
	return w
}

func (w *Writer) Uint8(v uint8) *Writer {
	w.Buf = append(w.Buf, v)
	return w
}

func (w *Writer) Uint16(v uint16) *Writer {
	w.Buf = binary.LittleEndian.AppendUint16(w.Buf, v)
	return w
}

func (w *Writer) Uint32(v uint32) *Writer {
	w.Buf = binary.LittleEndian.AppendUint32(w.Buf, v)
	return w
}

func (w *Writer) Uint64(v uint64) *Writer {
	w.Buf = binary.LittleEndian.AppendUint64(w.Buf, v)
	return w
}

func (w *Writer) Int64(v int64) *Writer { return w.Uint64(uint64(v)) }

func (w *Writer) Float64(v float64) *Writer { return w.Uint64(math.Float64bits(v)) }

func (w *Writer) Varuint32(v uint32) *Writer {
	w.Buf = AppendVaruint32(w.Buf, v)
	return w
}

func (w *Writer) Name(n Name) *Writer { return w.Uint64(uint64(n)) }

func (w *Writer) Checksum256(c Checksum256) *Writer { return w.Raw(c[:]) }

func (w *Writer) String(s string) *Writer {
	w.Varuint32(uint32(len(s)))
	w.Buf = append(w.Buf, s...)
	return w
}

func (w *Writer) VarBytes(b []byte) *Writer {
	w.Varuint32(uint32(len(b)))
	return w.Raw(b)
}

// Optional writes the presence flag; the caller writes the payload if present.
func (w *Writer) Optional(present bool) *Writer { return w.Bool(present) }

// Variant writes the discriminant; the caller writes the alternative.
func (w *Writer) Variant(index uint32) *Writer { return w.Varuint32(index) }

func AppendVaruint32(buf []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			buf = append(buf, b|0x80)
		} else {
			return append(buf, b)
		}
	}
}
