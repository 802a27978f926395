package histdb

import (
	"encoding/binary"
	"fmt"
)

type valueFlags uint64

const (
	vfPresent = valueFlags(1 << iota)

	vfSupportedMask = vfPresent

	minValueSize       = 3
	maxValueHeaderSize = binary.MaxVarintLen64 * 3
)

// value is a stored row: the ABI-encoded row data followed by the records
// of every index key the row contributed.
type value struct {
	Flags valueFlags
	Data  []byte
	Index []byte
}

func (v value) Present() bool { return v.Flags&vfPresent != 0 }

func encodeValue(buf []byte, present bool, data []byte, indexKeys [][]byte) []byte {
	var flags valueFlags
	if present {
		flags |= vfPresent
	}
	buf = reserveValueHeader(buf)
	buf = append(buf, data...)
	indexOff := len(buf)
	buf = appendIndexKeys(buf, indexKeys)
	return putValueHeader(buf, flags, indexOff)
}

func reserveValueHeader(buf []byte) []byte {
	if len(buf) != 0 {
		panic("value must be written to an empty buffer")
	}
	_, buf = grow(buf, maxValueHeaderSize)
	return buf
}

func putValueHeader(buf []byte, flags valueFlags, indexOff int) []byte {
	if indexOff > len(buf) {
		panic(fmt.Errorf("invalid indexOff=%d", indexOff)) // sanity check
	}
	if (flags &^ vfSupportedMask) != 0 {
		panic(fmt.Errorf("invalid flags %x", flags))
	}
	dataSize := indexOff - maxValueHeaderSize
	indexSize := len(buf) - indexOff

	var off = 0
	n := binary.PutUvarint(buf[off:], uint64(flags))
	off += n
	n = binary.PutUvarint(buf[off:], uint64(dataSize))
	off += n
	n = binary.PutUvarint(buf[off:], uint64(indexSize))
	off += n
	headerSize := off
	if headerSize < maxValueHeaderSize {
		// move the header closer to data
		start := maxValueHeaderSize - headerSize
		copy(buf[start:maxValueHeaderSize], buf[:headerSize])
		return buf[start:]
	}
	return buf
}

func decodeValue(data []byte) (value, error) {
	var vle value
	return vle, vle.decode(data)
}

func (vle *value) decode(data []byte) error {
	orig := data
	if len(data) < minValueSize {
		return dataErrf(orig, 0, nil, "invalid value: at least %d bytes required", minValueSize)
	}

	v, n := binary.Uvarint(data)
	if n <= 0 {
		return dataErrf(orig, len(orig)-len(data), nil, "invalid value: bad flags")
	}
	if (v & ^uint64(vfSupportedMask)) != 0 {
		return dataErrf(orig, len(orig)-len(data), nil, "invalid value: unsupported flags %x", v)
	}
	vle.Flags, data = valueFlags(v), data[n:]

	dataSize, n := binary.Uvarint(data)
	if n <= 0 {
		return dataErrf(orig, len(orig)-len(data), nil, "invalid value: bad data size")
	}
	data = data[n:]

	indexSize, n := binary.Uvarint(data)
	if n <= 0 {
		return dataErrf(orig, len(orig)-len(data), nil, "invalid value: bad index size")
	}
	data = data[n:]

	expectedSize := dataSize + indexSize
	if uint64(len(data)) != expectedSize {
		return dataErrf(orig, len(orig)-len(data), nil, "invalid value: got %d bytes for data+index, expected %d bytes", len(data), expectedSize)
	}
	vle.Data, vle.Index = data[:dataSize], data[dataSize:]
	return nil
}
