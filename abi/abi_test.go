package abi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testABI = `{
	"version": "eosio::abi/1.1",
	"types": [{"new_type_name": "account_name", "type": "name"}],
	"structs": [
		{"name": "header", "base": "", "fields": [{"name": "id", "type": "uint64"}]},
		{"name": "row_v0", "base": "header", "fields": [
			{"name": "owner", "type": "account_name"},
			{"name": "memo", "type": "string"},
			{"name": "tags", "type": "uint32[]"},
			{"name": "parent", "type": "uint64?"},
			{"name": "extra", "type": "uint8$"}
		]},
		{"name": "a_v0", "base": "", "fields": [{"name": "id", "type": "uint32"}, {"name": "x", "type": "uint8"}]},
		{"name": "b_v0", "base": "", "fields": [{"name": "y", "type": "string"}]},
		{"name": "outer", "base": "", "fields": [{"name": "id", "type": "uint64"}, {"name": "body", "type": "body"}]}
	],
	"variants": [
		{"name": "row", "types": ["row_v0"]},
		{"name": "body", "types": ["a_v0", "b_v0"]}
	],
	"tables": [{"name": "rows", "type": "row", "key_names": ["id"]}]
}`

func loadTestABI(t *testing.T) *Schema {
	t.Helper()
	s, err := ParseJSON([]byte(testABI))
	require.NoError(t, err)
	return s
}

func encodeRow(id uint64, owner Name, memo string, tags []uint32, parent *uint64, extra *uint8) []byte {
	var w Writer
	w.Variant(0).Uint64(id).Name(owner).String(memo).Varuint32(uint32(len(tags)))
	for _, tag := range tags {
		w.Uint32(tag)
	}
	w.Optional(parent != nil)
	if parent != nil {
		w.Uint64(*parent)
	}
	if extra != nil {
		w.Uint8(*extra)
	}
	return w.Bytes()
}

func TestParseJSON(t *testing.T) {
	s := loadTestABI(t)
	row := s.MustType("row_v0")
	require.Equal(t, KindStruct, row.Kind)
	names := make([]string, len(row.Fields))
	for i, f := range row.Fields {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"id", "owner", "memo", "tags", "parent", "extra"}, names)
	assert.Equal(t, NameType, row.Fields[1].Type.Scalar)
	assert.Equal(t, KindArray, row.Fields[3].Type.Kind)
	assert.Equal(t, KindOptional, row.Fields[4].Type.Kind)
	assert.Equal(t, KindExtension, row.Fields[5].Type.Kind)

	v := s.MustType("row")
	assert.Same(t, row, v.FilledStruct())
	assert.Nil(t, s.MustType("body").FilledStruct())

	td, ok := s.Table("rows")
	require.True(t, ok)
	assert.Equal(t, []string{"id"}, td.KeyNames)

	_, err := s.Type("nope")
	assert.Error(t, err)
}

func TestParseJSONErrors(t *testing.T) {
	_, err := ParseJSON([]byte(`{"version": "eosio::abi/2.0"}`))
	assert.ErrorContains(t, err, "unsupported version")
	_, err = ParseJSON([]byte(`{"version": "eosio::abi/1.0", "structs": [{"name": "s", "fields": [{"name": "a", "type": "nonexistent"}]}]}`))
	assert.ErrorContains(t, err, "nonexistent")
	_, err = ParseJSON([]byte(`{"version": "eosio::abi/1.0", "types": [{"new_type_name": "a", "type": "b"}, {"new_type_name": "b", "type": "a"}]}`))
	assert.ErrorContains(t, err, "too deep")
}

func TestDecodeStruct(t *testing.T) {
	s := loadTestABI(t)
	parent := uint64(7)
	extra := uint8(9)
	data := encodeRow(42, MustName("alice"), "hi", []uint32{1, 2}, &parent, &extra)

	v, err := DecodeAll(s.MustType("row"), data)
	require.NoError(t, err)
	assert.Equal(t, data, v.Raw)

	id, ok := v.Field("id")
	require.True(t, ok)
	assert.Equal(t, uint64(42), id.Uint)

	owner, _ := v.Field("owner")
	assert.Equal(t, "alice", owner.Name().String())
	memo, _ := v.Field("memo")
	assert.Equal(t, "hi", memo.Str())
	tags, _ := v.Field("tags")
	require.Len(t, tags.Items, 2)
	assert.Equal(t, uint64(2), tags.Items[1].Uint)
	p, _ := v.Field("parent")
	assert.True(t, p.Present)
	assert.Equal(t, uint64(7), p.Unwrap().Uint)
	e, _ := v.Field("extra")
	assert.True(t, e.Present)
	assert.Equal(t, uint64(9), e.Unwrap().Uint)
}

func TestDecodeMissingExtension(t *testing.T) {
	s := loadTestABI(t)
	data := encodeRow(1, 0, "", nil, nil, nil)
	v, err := DecodeAll(s.MustType("row"), data)
	require.NoError(t, err)
	e, ok := v.Field("extra")
	require.True(t, ok)
	assert.False(t, e.Present)
	p, _ := v.Field("parent")
	assert.False(t, p.Present)
}

func TestDecodeRejectsBadVariant(t *testing.T) {
	s := loadTestABI(t)
	data := encodeRow(1, 0, "", nil, nil, nil)
	data[0] = 1
	_, err := DecodeAll(s.MustType("row"), data)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.Error(), "invalid variant index 1")
}

func TestDecodeTruncated(t *testing.T) {
	s := loadTestABI(t)
	data := encodeRow(1, 0, "hello", nil, nil, nil)
	for n := 0; n < len(data); n++ {
		_, _, err := Decode(s.MustType("row"), data[:n])
		if err == nil {
			t.Errorf("** decoding %d of %d bytes succeeded", n, len(data))
		}
	}
	_, err := DecodeAll(s.MustType("row"), append(data, 0xFF, 0xFF))
	assert.Error(t, err)
}

func TestDecodeEmptyElementArrays(t *testing.T) {
	s, err := ParseJSON([]byte(`{"version": "eosio::abi/1.1", "structs": [
		{"name": "empty", "base": "", "fields": []},
		{"name": "holder", "base": "", "fields": [{"name": "items", "type": "empty[]"}]}
	]}`))
	require.NoError(t, err)
	holder := s.MustType("holder")

	var w Writer
	w.Varuint32(3)
	v, err := DecodeAll(holder, w.Bytes())
	require.NoError(t, err)
	items, _ := v.Field("items")
	assert.Len(t, items.Items, 3)

	w = Writer{}
	w.Varuint32(0xFFFFFFFF)
	_, err = DecodeAll(holder, w.Bytes())
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.Error(), "exceeds limit")
}

func TestDecodeScalars(t *testing.T) {
	var w Writer
	w.Varuint32(300)
	v, err := DecodeAll(Builtin(Varuint32), w.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint64(300), v.Uint)

	v, err = DecodeAll(Builtin(Varint32), []byte{0x03})
	require.NoError(t, err)
	assert.Equal(t, int64(-2), v.Int)

	v, err = DecodeAll(Builtin(Int16), []byte{0xFE, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, int64(-2), v.Int)

	_, err = DecodeAll(Builtin(Bool), []byte{2})
	assert.Error(t, err)

	key := append([]byte{0}, make([]byte, 33)...)
	v, err = DecodeAll(Builtin(PublicKey), key)
	require.NoError(t, err)
	assert.Len(t, v.Bytes, 34)
}

func TestLeaves(t *testing.T) {
	s := loadTestABI(t)
	var names []string
	for _, l := range Leaves(s.MustType("outer")) {
		names = append(names, l.Name+"="+l.Path)
	}
	assert.Equal(t, []string{"id=id", "a_v0.id=body.a_v0.id", "a_v0.x=body.a_v0.x", "b_v0.y=body.b_v0.y"}, names)

	names = nil
	for _, l := range Leaves(s.MustType("row")) {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{"id", "owner", "memo", "tags", "parent", "extra"}, names)
}

func TestLeafCollision(t *testing.T) {
	inner := NewStruct("inner", Field{"id", Builtin(Uint32)}, Field{"z", Builtin(Uint8)})
	outer := NewStruct("outer", Field{"id", Builtin(Uint64)}, Field{"nested", inner})
	var names []string
	for _, l := range Leaves(outer) {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{"id", "nested.id", "z"}, names)

	l, err := Lookup(outer, "nested.id")
	require.NoError(t, err)
	assert.Equal(t, Uint32, l.Type.Scalar)
	_, err = Lookup(outer, "missing")
	assert.Error(t, err)
}

func TestVariantPath(t *testing.T) {
	s := loadTestABI(t)
	var w Writer
	w.Uint64(5).Variant(1).String("why")
	v, err := DecodeAll(s.MustType("outer"), w.Bytes())
	require.NoError(t, err)

	y, ok := v.Path("body.b_v0.y")
	require.True(t, ok)
	assert.Equal(t, "why", y.Str())
	_, ok = v.Path("body.a_v0.x")
	assert.False(t, ok)
}

func TestAppendKey(t *testing.T) {
	var w Writer
	w.Uint32(0x01020304)
	key, rest, err := AppendKey(nil, Builtin(Uint32), w.Bytes())
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, []byte{1, 2, 3, 4}, key)

	w = Writer{}
	w.String("a\x00")
	key, _, err = AppendKey(nil, Builtin(String), w.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []byte{'a', 0, 1, 0, 0}, key)

	rest, err = SkipKey(Builtin(String), append(key, 9))
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, rest)

	opt := OptionalOf(Builtin(Uint8))
	key, _, err = AppendKey(nil, opt, []byte{0})
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, key)
	key, _, err = AppendKey(nil, opt, []byte{1, 5})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 5}, key)

	_, _, err = AppendKey(nil, Builtin(Float32), []byte{0, 0, 0, 0})
	assert.Error(t, err)
}

func TestNames(t *testing.T) {
	for _, s := range []string{"", "eosio", "eosio.token", "c.row", "a", "zzzzzzzzzzzzj", "1.2.3.4.5"} {
		n, err := ParseName(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, n.String())
	}
	assert.Equal(t, Name(0x5530EA0000000000), MustName("eosio"))
	_, err := ParseName("UPPER")
	assert.Error(t, err)
	_, err = ParseName("zzzzzzzzzzzzz")
	assert.Error(t, err)
	_, err = ParseName("toolongname.abc")
	assert.Error(t, err)
}

func TestChecksumText(t *testing.T) {
	var c Checksum256
	c[0] = 0xAB
	text, err := c.MarshalText()
	require.NoError(t, err)
	var back Checksum256
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, c, back)
	assert.Error(t, back.UnmarshalText([]byte("00")))
}
