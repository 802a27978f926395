package histdb

import (
	"bytes"
)

// TableStats summarizes the stored rows of a table as seen by a snapshot.
type TableStats struct {
	// Rows counts stored versions, including absent markers. In overlay
	// mode each row has a single version.
	Rows      int
	Absent    int
	IndexRows int

	DataSize  int
	IndexSize int
}

func (ts *TableStats) TotalSize() int {
	return ts.DataSize + ts.IndexSize
}

// TableStats scans the table's rows and index entries. It reads the whole
// table, so it is meant for the CLI and tests, not for hot paths.
func (s *Snapshot) TableStats(tbl *Table) TableStats {
	var result TableStats
	s.eachRow(tbl, func(k, v []byte) {
		result.Rows++
		result.DataSize += len(k) + len(v)
		if vle, err := decodeValue(v); err == nil && !vle.Present() {
			result.Absent++
		}
	})
	for _, idx := range tbl.indices {
		rang := RawPrefix(idx.prefix(nil))
		c := rang.newCursor(s.Cursor(), s.db.log)
		for c.Next() {
			result.IndexRows++
			result.IndexSize += len(c.Key()) + len(c.Value())
		}
	}
	return result
}

// eachRow visits the stored versions of tbl. Append-mode keys lead with the
// block number, so that walk covers the whole row keyspace.
func (s *Snapshot) eachRow(tbl *Table, f func(k, v []byte)) {
	if s.db.Mode() == ModeOverlay {
		rang := RawPrefix(stateKeyPrefix(nil, tbl.short))
		c := rang.newCursor(s.Cursor(), s.db.log)
		for c.Next() {
			f(c.Key(), c.Value())
		}
		return
	}
	var short [8]byte
	copy(short[:], appendUint64(nil, uint64(tbl.short)))
	rang := RawPrefix([]byte{tagTable})
	c := rang.newCursor(s.Cursor(), s.db.log)
	for c.Next() {
		k := c.Key()
		if len(k) < blockKeyLen || !bytes.Equal(k[5:13], short[:]) {
			continue
		}
		f(k, c.Value())
	}
}
