package histdb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/histdb/abi"
)

func TestTableKey_RoundTrip(t *testing.T) {
	tbl := abi.MustName("item")
	k := tableKeyPrefix(nil, 42, tbl, true)
	require.Len(t, k, blockKeyLen)
	k = append(k, 0xAB, 0xCD)

	tk, err := parseTableKey(k)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), tk.Block)
	assert.Equal(t, tbl, tk.Table)
	assert.True(t, tk.Present)
	assert.Equal(t, []byte{0xAB, 0xCD}, tk.PK)

	tk, err = parseTableKey(tableKeyPrefix(nil, 7, tbl, false))
	require.NoError(t, err)
	assert.False(t, tk.Present)
	assert.Empty(t, tk.PK)

	_, err = parseTableKey([]byte{tagIndex, 1, 2})
	assert.Error(t, err)
	bad := tableKeyPrefix(nil, 1, tbl, true)
	bad[13] = 7
	_, err = parseTableKey(bad)
	assert.Error(t, err)
}

func TestTableKey_ordering(t *testing.T) {
	tbl := abi.MustName("item")
	// rows sort by block first, so a block's rows are contiguous
	assert.Equal(t, -1, bytes.Compare(tableKeyPrefix(nil, 1, abi.MustName("zzz"), true), tableKeyPrefix(nil, 2, tbl, false)))
	assert.True(t, bytes.HasPrefix(recvdBlockKey(5), blockPrefix(5)))
	assert.True(t, bytes.HasPrefix(metaKey(metaABI), blockPrefix(0)))
	assert.NotEqual(t, metaKey(metaABI), metaKey(metaFillStatus))
}

func TestVersionSuffix(t *testing.T) {
	group := indexKeyPrefix(nil, abi.MustName("item"), abi.MustName("primary"))
	group = append(group, 1, 2, 3)

	newer := appendVersionSuffix(bytes.Clone(group), 10, true)
	older := appendVersionSuffix(bytes.Clone(group), 9, true)
	absent := appendVersionSuffix(bytes.Clone(group), 10, false)
	assert.Equal(t, -1, bytes.Compare(newer, older), "newer versions sort first")
	assert.Equal(t, -1, bytes.Compare(newer, absent), "present sorts before absent")
	assert.Equal(t, -1, bytes.Compare(absent, older))

	g, block, present, err := splitVersion(absent)
	require.NoError(t, err)
	assert.Equal(t, group, g)
	assert.Equal(t, uint32(10), block)
	assert.False(t, present)

	_, _, _, err = splitVersion(group[:5])
	assert.Error(t, err)
	bad := bytes.Clone(newer)
	bad[len(bad)-1] = 2
	_, _, _, err = splitVersion(bad)
	assert.Error(t, err)
}

func TestStateKeyPrefix(t *testing.T) {
	k := stateKeyPrefix(nil, abi.MustName("item"))
	assert.Equal(t, tagState, k[0])
	assert.Len(t, k, 9)
	assert.Equal(t, abi.MustName("item"), decodeIndexTable(k))
}
