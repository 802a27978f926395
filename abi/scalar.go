package abi

import (
	"fmt"

	"github.com/andreyvit/histdb/keycodec"
)

type Scalar uint8

const (
	Bool Scalar = iota + 1
	Int8
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64
	Int128
	Uint128
	Varint32
	Varuint32
	Float32
	Float64
	Float128
	TimePoint
	TimePointSec
	BlockTimestamp
	NameType
	Bytes
	String
	Checksum160
	Checksum256Type
	Checksum512
	PublicKey
	Signature
	Symbol
	SymbolCode
	Asset
	ExtendedAsset
	scalarCount
)

type scalarInfo struct {
	name string
	size int
	key  keycodec.Kind
}

var scalars = [scalarCount]scalarInfo{
	Bool:            {"bool", 1, keycodec.Bool},
	Int8:            {"int8", 1, keycodec.Int8},
	Uint8:           {"uint8", 1, keycodec.Uint8},
	Int16:           {"int16", 2, keycodec.Int16},
	Uint16:          {"uint16", 2, keycodec.Uint16},
	Int32:           {"int32", 4, keycodec.Int32},
	Uint32:          {"uint32", 4, keycodec.Uint32},
	Int64:           {"int64", 8, keycodec.Int64},
	Uint64:          {"uint64", 8, keycodec.Uint64},
	Int128:          {"int128", 16, keycodec.Invalid},
	Uint128:         {"uint128", 16, keycodec.Uint128},
	Varint32:        {"varint32", -1, keycodec.Invalid},
	Varuint32:       {"varuint32", -1, keycodec.Varuint32},
	Float32:         {"float32", 4, keycodec.Invalid},
	Float64:         {"float64", 8, keycodec.Float64},
	Float128:        {"float128", 16, keycodec.Invalid},
	TimePoint:       {"time_point", 8, keycodec.TimePoint},
	TimePointSec:    {"time_point_sec", 4, keycodec.TimePointSec},
	BlockTimestamp:  {"block_timestamp_type", 4, keycodec.BlockTimestamp},
	NameType:        {"name", 8, keycodec.Name},
	Bytes:           {"bytes", -1, keycodec.Bytes},
	String:          {"string", -1, keycodec.String},
	Checksum160:     {"checksum160", 20, keycodec.Invalid},
	Checksum256Type: {"checksum256", 32, keycodec.Checksum256},
	Checksum512:     {"checksum512", 64, keycodec.Invalid},
	PublicKey:       {"public_key", -1, keycodec.Invalid},
	Signature:       {"signature", -1, keycodec.Invalid},
	Symbol:          {"symbol", 8, keycodec.Uint64},
	SymbolCode:      {"symbol_code", 8, keycodec.Uint64},
	Asset:           {"asset", 16, keycodec.Invalid},
	ExtendedAsset:   {"extended_asset", 24, keycodec.Invalid},
}

var (
	scalarByName = make(map[string]Scalar, scalarCount)
	builtinTypes [scalarCount]*Type
)

func init() {
	for i := Scalar(1); i < scalarCount; i++ {
		scalarByName[scalars[i].name] = i
		builtinTypes[i] = &Type{Name: scalars[i].name, Kind: KindScalar, Scalar: i}
	}
}

func (s Scalar) String() string {
	if s > 0 && s < scalarCount {
		return scalars[s].name
	}
	return fmt.Sprintf("scalar(%d)", uint8(s))
}

// FixedSize returns the encoded size, or -1 for variable-size scalars.
func (s Scalar) FixedSize() int { return scalars[s].size }

// KeyKind returns the key codec kind used when a field of this scalar type
// participates in a key, or keycodec.Invalid if it cannot.
func (s Scalar) KeyKind() keycodec.Kind { return scalars[s].key }

// Builtin returns the shared type node of a builtin scalar.
func Builtin(s Scalar) *Type { return builtinTypes[s] }
