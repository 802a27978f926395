package histdb

import (
	"encoding/binary"
)

// appendIndexKeys writes the back-references a row keeps to its index
// entries: a count followed by each key as length-prefixed bytes.
func appendIndexKeys(buf []byte, keys [][]byte) []byte {
	var total = binary.MaxVarintLen32 + len(keys)*binary.MaxVarintLen32
	for _, k := range keys {
		total += len(k)
	}

	w := prealloc(buf, total)
	w.AppendUvarinti(len(keys))
	for _, k := range keys {
		w.AppendVarBytes(k)
	}
	return w.Trimmed()
}

func decodeIndexKeys(data []byte, f func(key []byte) error) error {
	if len(data) == 0 {
		return nil
	}
	d := makeByteDecoder(data)
	n, err := d.Uvarinti()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		key, err := d.VarBytes()
		if err != nil {
			return err
		}
		if err := f(key); err != nil {
			return err
		}
	}
	if len(d.Buf) != 0 {
		return dataErrf(data, d.Off(), nil, "%d extra bytes after index keys", len(d.Buf))
	}
	return nil
}
