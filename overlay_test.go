package histdb

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/histdb/abi"
)

func decodeIndexTable(k []byte) abi.Name {
	return abi.Name(binary.BigEndian.Uint64(k[1:9]))
}

func TestOverlay_undoAndCommit(t *testing.T) {
	eachBackend(t, func(t *testing.T, kind string) {
		db := setup(t, kind, testOptions{mode: ModeOverlay})
		for n := uint32(1); n <= 8; n++ {
			var rows []testRow
			if n == 5 {
				rows = append(rows, put("item", itemRow(7, "alice", 5)))
			}
			applyBlock(t, db, ptr(n, 'a'), ptr(n, 'a'), rows...)
		}
		applyBlock(t, db, ptr(9, 'a'), ptr(8, 'a'), put("item", itemRow(8, "alice", 9)))
		applyBlock(t, db, ptr(10, 'a'), ptr(8, 'a'), put("item", itemRow(7, "alice", 10)))

		all := rangeArgs(0, 0, 100, 10)
		assert.Equal(t, [][2]uint64{{7, 10}, {8, 9}}, queryItems(t, db, "item.range", all))

		w, _ := db.Writer()
		err := w.StartBlock(BlockInfo{This: ptr(8, 'b'), Irreversible: ptr(8, 'a')})
		require.Error(t, err)
		assert.True(t, IsConsistencyError(err))
		assert.Equal(t, [][2]uint64{{7, 10}, {8, 9}}, queryItems(t, db, "item.range", all))

		require.NoError(t, w.StartBlock(BlockInfo{This: ptr(9, 'b'), Irreversible: ptr(8, 'a')}))
		assert.Equal(t, ptr(8, 'a'), w.Status().Head)
		require.NoError(t, w.EndBlock())
		assert.Equal(t, [][2]uint64{{7, 5}}, queryItems(t, db, "item.range", all))

		pos, err := w.Positions()
		require.NoError(t, err)
		assert.Equal(t, []BlockPointer{ptr(8, 'a'), ptr(9, 'b')}, pos)
	})
}

func TestOverlay_persistsOnlyCommitted(t *testing.T) {
	db := setup(t, "memory", testOptions{mode: ModeOverlay})
	applyBlock(t, db, ptr(1, 0), ptr(1, 0), put("item", itemRow(1, "alice", 1)))
	applyBlock(t, db, ptr(2, 0), ptr(1, 0), put("item", itemRow(1, "alice", 2)))
	applyBlock(t, db, ptr(3, 0), ptr(1, 0), put("item", itemRow(2, "alice", 3)))

	st, err := db.Status()
	require.NoError(t, err)
	assert.Equal(t, ptr(1, 0), st.Head)

	var rev uint32
	require.NoError(t, decodeMsgpack(db.readKey(metaKey(metaUndoRev)), &rev))
	assert.Equal(t, uint32(1), rev)

	// reversible blocks are visible to readers before they are persisted
	assert.Equal(t, [][2]uint64{{1, 2}, {2, 3}}, queryItems(t, db, "item.range", rangeArgs(0, 0, 10, 10)))

	// block 4 makes 1..3 irreversible; they get folded and flushed
	applyBlock(t, db, ptr(4, 0), ptr(3, 0))
	st, err = db.Status()
	require.NoError(t, err)
	assert.Equal(t, ptr(3, 0), st.Head)
	assert.Nil(t, db.readKey(recvdBlockKey(1)))
	assert.NotNil(t, db.readKey(recvdBlockKey(3)))
}

func TestOverlay_deleteRemovesIndexEntries(t *testing.T) {
	db := setup(t, "memory", testOptions{mode: ModeOverlay})
	applyBlock(t, db, ptr(1, 0), ptr(1, 0), put("item", itemRow(1, "alice", 1)), put("owner", ownerRow("alice", "Alice")))
	applyBlock(t, db, ptr(2, 0), ptr(2, 0), put("item", itemRow(1, "bob", 2)))
	applyBlock(t, db, ptr(3, 0), ptr(3, 0), del("item", itemRow(1, "bob", 2)))

	tx, err := db.backend.Begin(false)
	require.NoError(t, err)
	defer tx.Rollback()
	tbl := db.Schema().TableNamed("item")
	c := tx.Cursor()
	for k, _ := c.Seek([]byte{tagIndex}); k != nil && k[0] == tagIndex; k, _ = c.Next() {
		assert.NotEqual(t, tbl.ShortName(), decodeIndexTable(k), "leftover index entry %x", k)
	}
	assert.Empty(t, queryItems(t, db, "item.range", rangeArgs(0, 0, 10, 10)))
}

func TestOverlay_trimIsNoop(t *testing.T) {
	db := setup(t, "memory", testOptions{mode: ModeOverlay, enableTrim: true, trimEvery: 1})
	for n := uint32(1); n <= 5; n++ {
		applyBlock(t, db, ptr(n, 0), ptr(n, 0), put("item", itemRow(1, "alice", n)))
	}
	assert.Equal(t, [][2]uint64{{1, 5}}, queryItems(t, db, "item.range", rangeArgs(0, 0, 10, 10)))
}
