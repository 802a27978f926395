package histdb

import (
	"encoding/binary"

	"github.com/andreyvit/histdb/abi"
	"github.com/andreyvit/histdb/keycodec"
)

// Key tags. Every stored key starts with one of these bytes.
const (
	tagTable byte = 0x50
	tagIndex byte = 0x60
	tagState byte = 0x70
)

const (
	blockKeyLen   = 1 + 4 + 8 + 1 // tag, block, table, present
	versionSuffix = 4 + 1         // ~block, !present
)

// Reserved short names for meta rows in the table keyspace.
var (
	metaFillStatus  = abi.MustName("fill.status")
	metaABI         = abi.MustName("abi")
	metaUndoRev     = abi.MustName("undo.rev")
	recvdBlockTable = abi.MustName("recvd.block")
)

// tableKeyPrefix returns 0x50 ++ block ++ table ++ present, the fixed part
// of an append-mode row key.
func tableKeyPrefix(buf []byte, block uint32, table abi.Name, present bool) []byte {
	buf = append(buf, tagTable)
	buf = appendUint32(buf, block)
	buf = appendUint64(buf, uint64(table))
	if present {
		return keycodec.AppendPresent(buf)
	}
	return keycodec.AppendAbsent(buf)
}

func blockPrefix(block uint32) []byte {
	return appendUint32([]byte{tagTable}, block)
}

func metaKey(name abi.Name) []byte {
	return tableKeyPrefix(nil, 0, name, true)
}

func recvdBlockKey(block uint32) []byte {
	return tableKeyPrefix(nil, block, recvdBlockTable, true)
}

// tableKey is a decoded append-mode row key.
type tableKey struct {
	Block   uint32
	Table   abi.Name
	Present bool
	PK      []byte
}

func parseTableKey(key []byte) (tableKey, error) {
	if len(key) < blockKeyLen || key[0] != tagTable {
		return tableKey{}, dataErrf(key, 0, nil, "invalid table key")
	}
	var tk tableKey
	tk.Block = binary.BigEndian.Uint32(key[1:5])
	tk.Table = abi.Name(binary.BigEndian.Uint64(key[5:13]))
	switch key[13] {
	case 0:
	case 1:
		tk.Present = true
	default:
		return tableKey{}, dataErrf(key, 13, nil, "invalid presence byte")
	}
	tk.PK = key[blockKeyLen:]
	return tk, nil
}

func stateKeyPrefix(buf []byte, table abi.Name) []byte {
	buf = append(buf, tagState)
	return appendUint64(buf, uint64(table))
}

func indexKeyPrefix(buf []byte, table, index abi.Name) []byte {
	buf = append(buf, tagIndex)
	buf = appendUint64(buf, uint64(table))
	return appendUint64(buf, uint64(index))
}

// appendVersionSuffix appends ~block ++ !present. Within one index key the
// newest version sorts first and, within a block, present sorts before
// absent.
func appendVersionSuffix(buf []byte, block uint32, present bool) []byte {
	buf = appendUint32(buf, ^block)
	if present {
		return append(buf, 0)
	}
	return append(buf, 1)
}

// splitVersion separates an append-mode index key into its logical key and
// version.
func splitVersion(key []byte) (group []byte, block uint32, present bool, err error) {
	if len(key) < 1+8+8+versionSuffix {
		return nil, 0, false, dataErrf(key, 0, nil, "index key too short")
	}
	n := len(key) - versionSuffix
	block = ^binary.BigEndian.Uint32(key[n : n+4])
	switch key[n+4] {
	case 0:
		present = true
	case 1:
	default:
		return nil, 0, false, dataErrf(key, n+4, nil, "invalid presence byte")
	}
	return key[:n], block, present, nil
}
