package histdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppend_forkTruncates(t *testing.T) {
	eachBackend(t, func(t *testing.T, kind string) {
		db := setup(t, kind, testOptions{mode: ModeAppend})
		for n := uint32(1); n <= 10; n++ {
			applyBlock(t, db, ptr(n, 'a'), ptr(1, 'a'),
				put("item", itemRow(uint64(n), "alice", n)),
				put("note", noteRow("hello")))
		}

		w, _ := db.Writer()
		require.NoError(t, w.StartBlock(BlockInfo{This: ptr(6, 'b'), Irreversible: ptr(1, 'a')}))
		assert.Equal(t, ptr(5, 'a'), w.Status().Head)
		for _, b := range storedBlocks(t, db) {
			assert.Less(t, b, uint32(6))
		}
		require.NoError(t, w.PutRow("item", true, itemRow(6, "bob", 600)))
		require.NoError(t, w.EndBlock())

		got := queryItems(t, db, "item.range", rangeArgs(100, 0, 100, 100))
		assert.Equal(t, [][2]uint64{{1, 1}, {2, 2}, {3, 3}, {4, 4}, {5, 5}, {6, 600}}, got)

		st, err := db.Status()
		require.NoError(t, err)
		assert.Equal(t, ptr(6, 'b'), st.Head)
	})
}

func TestAppend_forkWithoutDirectMarker(t *testing.T) {
	db := setup(t, "memory", testOptions{mode: ModeAppend})
	for n := uint32(1); n <= 4; n++ {
		applyBlock(t, db, ptr(n, 'a'), ptr(1, 'a'))
	}
	tx, err := db.backend.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Delete(recvdBlockKey(3)))
	require.NoError(t, tx.Commit())

	tx, err = db.backend.Begin(false)
	require.NoError(t, err)
	defer tx.Rollback()
	head, err := findHead(tx, 4)
	require.NoError(t, err)
	assert.Equal(t, ptr(2, 'a'), head)

	head, err = findHead(tx, 1)
	require.NoError(t, err)
	assert.Equal(t, BlockPointer{}, head)
}

func TestAppend_trim(t *testing.T) {
	eachBackend(t, func(t *testing.T, kind string) {
		db := setup(t, kind, testOptions{mode: ModeAppend, enableTrim: true, trimEvery: 10})
		for n := uint32(1); n <= 100; n++ {
			var rows []testRow
			switch n {
			case 3, 40, 77:
				rows = append(rows, put("item", itemRow(7, "alice", n)))
			}
			irr := n
			if irr > 90 {
				irr = 90
			}
			applyBlock(t, db, ptr(n, 0), ptr(irr, 0), rows...)
		}

		got := queryItems(t, db, "item.range", rangeArgs(90, 7, 7, 10))
		assert.Equal(t, [][2]uint64{{7, 77}}, got)

		var itemBlocks []uint32
		tx, err := db.backend.Begin(false)
		require.NoError(t, err)
		defer tx.Rollback()
		tbl := db.Schema().TableNamed("item")
		c := tx.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if k[0] != tagTable {
				continue
			}
			tk, err := parseTableKey(k)
			require.NoError(t, err)
			if tk.Table == tbl.ShortName() {
				itemBlocks = append(itemBlocks, tk.Block)
			}
		}
		assert.Equal(t, []uint32{77}, itemBlocks)

		st, err := db.Status()
		require.NoError(t, err)
		// trims run every 10 blocks; the last one covered (71, 81]
		assert.Equal(t, uint32(81), st.First)
		assert.Equal(t, uint32(90), st.Irreversible.Num)
	})
}

func TestAppend_trimDropsDeletedRows(t *testing.T) {
	db := setup(t, "memory", testOptions{mode: ModeAppend, enableTrim: true, trimEvery: 1})
	applyBlock(t, db, ptr(1, 0), ptr(1, 0), put("item", itemRow(1, "alice", 1)), put("item", itemRow(2, "alice", 2)))
	applyBlock(t, db, ptr(2, 0), ptr(2, 0), del("item", itemRow(1, "alice", 1)))
	applyBlock(t, db, ptr(3, 0), ptr(3, 0))

	got := queryItems(t, db, "item.range", rangeArgs(3, 0, 10, 10))
	assert.Equal(t, [][2]uint64{{2, 2}}, got)

	// item 2 (row and two index entries) survives, with the head's marker
	assert.ElementsMatch(t, []uint32{1, 1, 1, 3}, storedBlocks(t, db))
}

func TestAppend_trimKeepsOnlyLatestMarker(t *testing.T) {
	db := setup(t, "memory", testOptions{mode: ModeAppend, enableTrim: true, trimEvery: 1})
	for n := uint32(1); n <= 8; n++ {
		applyBlock(t, db, ptr(n, 0), ptr(n, 0))
	}
	assert.Equal(t, []uint32{8}, storedBlocks(t, db))

	// a fork right above first still finds its parent
	applyBlock(t, db, ptr(9, 0), ptr(8, 0))
	applyBlock(t, db, ptr(9, 'b'), ptr(8, 0))
	st, err := db.Status()
	require.NoError(t, err)
	assert.Equal(t, ptr(9, 'b'), st.Head)
	assert.Equal(t, uint32(8), st.First)
}

func TestAppend_forkBelowTrimmedWindow(t *testing.T) {
	db := setup(t, "memory", testOptions{mode: ModeAppend, enableTrim: true, trimEvery: 1})
	for n := uint32(1); n <= 20; n++ {
		var rows []testRow
		switch n {
		case 3, 15:
			rows = append(rows, put("item", itemRow(7, "alice", n)))
		}
		applyBlock(t, db, ptr(n, 0), ptr(n, 0), rows...)
	}
	st, err := db.Status()
	require.NoError(t, err)
	require.Equal(t, uint32(20), st.First)

	w, _ := db.Writer()
	for _, num := range []uint32{10, 20} {
		err = w.StartBlock(BlockInfo{This: ptr(num, 'b'), Irreversible: ptr(num, 'b')})
		assert.True(t, IsConsistencyError(err), "block %d: %v", num, err)
	}

	st, err = db.Status()
	require.NoError(t, err)
	assert.Equal(t, ptr(20, 0), st.Head)
	assert.Equal(t, uint32(20), st.First)
	assert.Equal(t, [][2]uint64{{7, 15}}, queryItems(t, db, "item.range", rangeArgs(20, 7, 7, 10)))

	applyBlock(t, db, ptr(21, 0), ptr(21, 0), put("item", itemRow(7, "alice", 21)))
	assert.Equal(t, [][2]uint64{{7, 21}}, queryItems(t, db, "item.range", rangeArgs(21, 7, 7, 10)))
}

func TestAppend_sameRowAcrossBulkFlush(t *testing.T) {
	for _, bulkRows := range []int{0, 1} {
		db := setup(t, "memory", testOptions{mode: ModeAppend, policy: FlushPolicy{Every: 1000, BulkRows: bulkRows}})
		w, _ := db.Writer()
		w.SetBulk(true)
		applyBlock(t, db, ptr(1, 0), ptr(1, 0),
			put("item", itemRow(1, "alice", 1)),
			del("item", itemRow(1, "alice", 1)),
			put("item", itemRow(2, "alice", 2)),
			put("item", itemRow(2, "bob", 3)))
		require.NoError(t, w.Flush())

		assert.Equal(t, [][2]uint64{{2, 3}}, queryItems(t, db, "item.range", rangeArgs(1, 0, 10, 10)), "bulk rows %d", bulkRows)
		// item 1's deletion, item 2 once (row and two index entries), the marker
		assert.ElementsMatch(t, []uint32{1, 1, 1, 1, 1}, storedBlocks(t, db), "bulk rows %d", bulkRows)
	}
}

func TestAppend_abortAfterBulkFlush(t *testing.T) {
	db := setup(t, "memory", testOptions{mode: ModeAppend, policy: FlushPolicy{Every: 1000, BulkRows: 1}})
	w, _ := db.Writer()
	w.SetBulk(true)
	require.NoError(t, w.StartBlock(BlockInfo{This: ptr(1, 0), Irreversible: ptr(1, 0)}))
	require.NoError(t, w.PutRow("item", true, itemRow(1, "alice", 1)))
	require.NoError(t, w.PutRow("item", true, itemRow(2, "alice", 2)))
	w.AbortBlock()

	assert.Equal(t, BlockPointer{}, w.Status().Head)
	assert.Empty(t, queryItems(t, db, "item.range", rangeArgs(100, 0, 10, 10)))
	assert.Empty(t, storedBlocks(t, db))

	applyBlock(t, db, ptr(1, 0), ptr(1, 0), put("item", itemRow(1, "alice", 5)))
	assert.Equal(t, [][2]uint64{{1, 5}}, queryItems(t, db, "item.range", rangeArgs(1, 0, 10, 10)))
}

func TestAppend_unfinishedBlockRowsRemoved(t *testing.T) {
	db := setup(t, "memory", testOptions{mode: ModeAppend})
	applyBlock(t, db, ptr(1, 0), ptr(1, 0), put("item", itemRow(1, "alice", 1)))
	w, _ := db.Writer()
	require.NoError(t, w.Flush())

	// rows of block 2 reached the backend but the block never ended
	tbl := db.Schema().TableNamed("item")
	row, err := tbl.decodeRow(itemRow(2, "alice", 2))
	require.NoError(t, err)
	rk := append(tableKeyPrefix(nil, 2, tbl.short, true), row.pk...)
	tx, err := db.backend.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Put(rk, encodeValue(nil, true, itemRow(2, "alice", 2), nil)))
	require.NoError(t, tx.Commit())

	applyBlock(t, db, ptr(2, 0), ptr(2, 0), put("item", itemRow(3, "alice", 3)))
	assert.Equal(t, [][2]uint64{{1, 1}, {3, 3}}, queryItems(t, db, "item.range", rangeArgs(2, 0, 10, 10)))
}

func TestAppend_rangeBoundsAndLimit(t *testing.T) {
	eachBackend(t, func(t *testing.T, kind string) {
		db := setup(t, kind, testOptions{mode: ModeAppend})
		for i, id := range []uint64{1, 5, 9, 12} {
			n := uint32(i + 1)
			applyBlock(t, db, ptr(n, 0), ptr(n, 0), put("item", itemRow(id, "alice", uint32(id*10))))
		}

		got := queryItems(t, db, "item.range", rangeArgs(100, 3, 10, 10))
		assert.Equal(t, [][2]uint64{{5, 50}, {9, 90}}, got)

		got = queryItems(t, db, "item.range", rangeArgs(100, 3, 10, 1))
		assert.Equal(t, [][2]uint64{{5, 50}}, got)

		// the configured maximum caps the request
		got = queryItems(t, db, "item.range", rangeArgs(100, 0, 100, 1000))
		assert.Len(t, got, 4)

		// versions written after max_block are invisible
		got = queryItems(t, db, "item.range", rangeArgs(2, 0, 100, 10))
		assert.Equal(t, [][2]uint64{{1, 10}, {5, 50}}, got)

		got = queryItems(t, db, "item.range", rangeArgs(100, 13, 100, 10))
		assert.Empty(t, got)
	})
}

func TestAppend_presentThenAbsent(t *testing.T) {
	eachBackend(t, func(t *testing.T, kind string) {
		db := setup(t, kind, testOptions{mode: ModeAppend})
		applyBlock(t, db, ptr(1, 0), ptr(1, 0), put("item", itemRow(5, "alice", 42)))
		applyBlock(t, db, ptr(2, 0), ptr(2, 0), del("item", itemRow(5, "alice", 42)))
		applyBlock(t, db, ptr(3, 0), ptr(3, 0))

		assert.Equal(t, [][2]uint64{{5, 42}}, queryItems(t, db, "item.range", rangeArgs(1, 5, 5, 10)))
		assert.Empty(t, queryItems(t, db, "item.range", rangeArgs(2, 5, 5, 10)))
		assert.Empty(t, queryItems(t, db, "item.range", rangeArgs(3, 5, 5, 10)))
		assert.Empty(t, queryItems(t, db, "item.latest", []byte{5, 0, 0, 0, 0, 0, 0, 0, 5, 0, 0, 0, 0, 0, 0, 0, 10, 0, 0, 0}))
	})
}

func TestAppend_sameRowTwiceInBlock(t *testing.T) {
	db := setup(t, "memory", testOptions{mode: ModeAppend})
	applyBlock(t, db, ptr(1, 0), ptr(1, 0),
		put("item", itemRow(5, "alice", 1)),
		put("item", itemRow(5, "bob", 2)))
	assert.Equal(t, [][2]uint64{{5, 2}}, queryItems(t, db, "item.range", rangeArgs(1, 0, 10, 10)))

	// the stale byowner entry is gone too
	qs, err := db.NewQuerySession()
	require.NoError(t, err)
	defer qs.Close()
	idx := db.Schema().TableNamed("item").IndexNamed("byowner")
	h, err := qs.Iterators().LowerBound(idx, 1, nil)
	require.NoError(t, err)
	row, err := qs.Iterators().Deref(h)
	require.NoError(t, err)
	_, val := decodeItem(t, row.Data)
	assert.Equal(t, uint32(2), val)
	h, err = qs.Iterators().Next(h)
	require.NoError(t, err)
	assert.True(t, h.IsEnd())

	applyBlock(t, db, ptr(2, 0), ptr(2, 0),
		put("item", itemRow(6, "alice", 1)),
		del("item", itemRow(6, "alice", 1)))
	assert.Equal(t, [][2]uint64{{5, 2}}, queryItems(t, db, "item.range", rangeArgs(2, 0, 10, 10)))
}

func TestFlushPolicy_resultsIndependent(t *testing.T) {
	policies := []FlushPolicy{
		{Every: 1},
		{Every: 1000, NearHead: 0, BulkRows: 1},
		{Every: 7, NearHead: 3, BulkRows: 2},
	}
	for _, mode := range []Mode{ModeAppend, ModeOverlay} {
		var results [][][2]uint64
		for _, p := range policies {
			db := setup(t, "memory", testOptions{mode: mode, policy: p})
			w, _ := db.Writer()
			w.SetBulk(true)
			for n := uint32(1); n <= 30; n++ {
				var rows []testRow
				for id := uint64(0); id < 5; id++ {
					if (uint64(n)+id)%3 == 0 {
						rows = append(rows, put("item", itemRow(id, "alice", n)))
					} else if (uint64(n)+id)%7 == 0 {
						rows = append(rows, del("item", itemRow(id, "alice", 0)))
					}
				}
				// the same row twice in a block, across a bulk flush
				switch n % 4 {
				case 1:
					rows = append(rows, put("item", itemRow(8, "alice", n)), del("item", itemRow(8, "alice", n)))
				case 2:
					rows = append(rows, del("item", itemRow(9, "alice", 0)), put("item", itemRow(9, "bob", n)))
				}
				irr := uint32(0)
				if n > 10 {
					irr = n - 10
				}
				applyBlock(t, db, ptr(n, 0), ptr(irr, 0), rows...)
			}
			results = append(results, queryItems(t, db, "item.range", rangeArgs(30, 0, 100, 10)))
		}
		for i := 1; i < len(results); i++ {
			assert.Equal(t, results[0], results[i], "mode %s policy %+v", mode, policies[i])
		}
		assert.NotEmpty(t, results[0])
	}
}

func TestFlushPolicy_due(t *testing.T) {
	p := FlushPolicy{Every: 100, NearHead: 4}
	assert.True(t, p.Due(200, 1000))
	assert.False(t, p.Due(201, 1000))
	assert.True(t, p.Due(996, 1000))
	assert.True(t, p.Due(1001, 1000))
	assert.False(t, FlushPolicy{}.Due(5, 10))
}
