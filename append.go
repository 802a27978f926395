package histdb

import (
	"bytes"

	"github.com/sirupsen/logrus"

	"github.com/andreyvit/histdb/abi"
)

// appendMode keeps every version of every row, keyed by the block that
// wrote it. Forks delete the blocks being replaced; trimming drops versions
// no longer reachable by "as of" queries.
type appendMode struct {
	// spilled is set once the open block has written rows to the backend.
	spilled bool
}

// begin also clears rows left at or above the block by a block that never
// finished, whether aborted or cut short by a crash after a bulk flush.
func (m *appendMode) begin(w *Writer, b BlockInfo) error {
	m.spilled = false
	stale, err := m.hasRowsFrom(w, b.This.Num)
	if err != nil {
		return err
	}
	if stale {
		w.log.WithField("block", b.This.Num).Warn("removing rows of an unfinished block")
		if err := m.truncate(w, b.This.Num); err != nil {
			return err
		}
	}
	w.pending = newLayer(b.This.Num)
	return nil
}

func (m *appendMode) hasRowsFrom(w *Writer, block uint32) (bool, error) {
	tx, err := w.db.backend.Begin(false)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	k, _ := tx.Cursor().Seek(blockPrefix(block))
	return k != nil && k[0] == tagTable, nil
}

func (m *appendMode) put(w *Writer, tbl *Table, row decodedRow, present bool, data []byte) error {
	block := w.block.This.Num
	rk := tableKeyPrefix(nil, block, tbl.short, present)
	rk = append(rk, row.pk...)

	// the same row twice in one block: the later delta replaces the earlier
	// one, whatever its presence, including one already bulk-flushed
	for _, pr := range [2]bool{true, false} {
		prev := tableKeyPrefix(nil, block, tbl.short, pr)
		prev = append(prev, row.pk...)
		var stored []byte
		if ch, ok := w.pending.get(prev); ok {
			if ch.op != OpPut {
				continue
			}
			stored = ch.value
		} else if m.spilled {
			stored = m.get(w, prev)
		}
		if stored == nil {
			continue
		}
		old, err := decodeValue(stored)
		if err != nil {
			return err
		}
		err = decodeIndexKeys(old.Index, func(key []byte) error {
			w.pending.del(key)
			return nil
		})
		if err != nil {
			return err
		}
		w.pending.del(prev)
	}

	logical, err := tbl.indexKeys(row)
	if err != nil {
		return err
	}
	keys := make([][]byte, len(logical))
	for i, k := range logical {
		keys[i] = appendVersionSuffix(k, block, present)
		w.pending.put(keys[i], rk)
	}
	w.pending.put(rk, encodeValue(nil, present, data, keys))
	return nil
}

func (m *appendMode) end(w *Writer) error {
	w.pending.put(metaKey(metaFillStatus), encodeMsgpack(w.status))
	w.base.merge(w.pending)
	return nil
}

func (m *appendMode) spill(w *Writer) bool {
	w.base.merge(w.pending)
	w.pending = newLayer(w.pending.rev)
	m.spilled = true
	return true
}

// abort removes whatever the open block already flushed.
func (m *appendMode) abort(w *Writer) error {
	if !m.spilled {
		return nil
	}
	m.spilled = false
	return m.truncate(w, w.block.This.Num)
}

func (m *appendMode) layers(w *Writer) []*layer {
	return []*layer{w.base}
}

func (m *appendMode) get(w *Writer, key []byte) []byte {
	if v, ok := layersGet([]*layer{w.base}, key); ok {
		return v
	}
	return w.db.readKey(key)
}

func (m *appendMode) flush(w *Writer) error {
	if w.base.Len() == 0 {
		return nil
	}
	n := w.base.Len()
	err := w.db.update(func(tx Tx) error {
		return w.base.apply(tx)
	})
	if err != nil {
		return err
	}
	w.base = newLayer(0)
	w.log.WithFields(logrus.Fields{"keys": n, "head": w.status.Head.Num}).Debug("committed")
	return nil
}

func (m *appendMode) close(w *Writer) error { return nil }

// fork rolls back to block-1. Once trimming has collapsed the versions at
// or below first, that state is gone.
func (m *appendMode) fork(w *Writer, block uint32) error {
	if w.db.opt.EnableTrim && block <= w.status.First {
		return consistencyErrf(block, "fork below first retained block %d", w.status.First)
	}
	return m.truncate(w, block)
}

// truncate deletes every row, index entry and marker of blocks >= block,
// then recomputes the head from the surviving markers.
func (m *appendMode) truncate(w *Writer, block uint32) error {
	if err := m.flush(w); err != nil {
		return err
	}
	var rows, indexed int
	err := w.db.update(func(tx Tx) error {
		var rowKeys, idxKeys [][]byte
		rang := RawRange{Prefix: []byte{tagTable}, Lower: blockPrefix(block), LowerInc: true}
		c := rang.newCursor(tx.Cursor(), w.log)
		for c.Next() {
			k := bytes.Clone(c.Key())
			tk, err := parseTableKey(k)
			if err != nil {
				return err
			}
			rowKeys = append(rowKeys, k)
			if tk.Table == recvdBlockTable {
				continue
			}
			vle, err := decodeValue(c.Value())
			if err != nil {
				return err
			}
			err = decodeIndexKeys(vle.Index, func(key []byte) error {
				idxKeys = append(idxKeys, bytes.Clone(key))
				return nil
			})
			if err != nil {
				return err
			}
		}
		for _, k := range idxKeys {
			if err := tx.Delete(k); err != nil {
				return err
			}
		}
		for _, k := range rowKeys {
			if err := tx.Delete(k); err != nil {
				return err
			}
		}
		rows, indexed = len(rowKeys), len(idxKeys)

		head, err := findHead(tx, block)
		if err != nil {
			return err
		}
		w.status.Head = head
		if w.status.Irreversible.Num > head.Num {
			w.status.Irreversible = head
		}
		if w.status.First > head.Num {
			w.status.First = head.Num
		}
		return tx.Put(metaKey(metaFillStatus), encodeMsgpack(w.status))
	})
	if err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{"block": block, "rows": rows, "index_entries": indexed, "head": w.status.Head}).Info("truncated")
	return nil
}

// findHead returns the newest received-block marker below block.
func findHead(tx Tx, block uint32) (BlockPointer, error) {
	if block <= 1 {
		return BlockPointer{}, nil
	}
	if bp, ok, err := loadBlockPointer(tx, block-1); ok || err != nil {
		return bp, err
	}
	c := tx.Cursor()
	for k, v := seekBefore(c, blockPrefix(block)); k != nil && k[0] == tagTable; k, v = c.Prev() {
		tk, err := parseTableKey(k)
		if err != nil {
			return BlockPointer{}, err
		}
		if tk.Block == 0 {
			break
		}
		if tk.Table == recvdBlockTable {
			var bp BlockPointer
			return bp, decodeMsgpack(v, &bp)
		}
	}
	return BlockPointer{}, nil
}

// trim removes history in (first, end] that no "as of" query at or above
// end can observe, then advances first to end. Markers below end go too;
// the one at end stays for a fork at end+1.
func (m *appendMode) trim(w *Writer) error {
	end := w.status.Head.Num
	if irr := w.status.Irreversible.Num; irr < end {
		end = irr
	}
	first := w.status.First
	if end <= first || end-first < w.db.opt.TrimEvery {
		return nil
	}
	scm := w.db.Schema()
	if scm == nil {
		return nil
	}
	var versions, logRows int
	err := w.db.update(func(tx Tx) error {
		unindexed := make(map[abi.Name]bool)
		for _, tbl := range scm.tables {
			if len(tbl.indices) == 0 {
				unindexed[tbl.short] = true
				continue
			}
			n, err := trimVersions(tx, tbl.indices[0], end, w.log)
			if err != nil {
				return err
			}
			versions += n
		}

		var doomed [][]byte
		rang := RawIE(blockPrefix(max(first, 1)), blockPrefix(end+1)).Prefixed([]byte{tagTable})
		c := rang.newCursor(tx.Cursor(), w.log)
		for c.Next() {
			tk, err := parseTableKey(c.Key())
			if err != nil {
				return err
			}
			if (tk.Table == recvdBlockTable && tk.Block < end) || (unindexed[tk.Table] && tk.Block > first) {
				doomed = append(doomed, bytes.Clone(c.Key()))
			}
		}
		for _, rk := range doomed {
			if err := deleteRow(tx, rk); err != nil {
				return err
			}
		}
		logRows = len(doomed)

		w.status.First = end
		return tx.Put(metaKey(metaFillStatus), encodeMsgpack(w.status))
	})
	if err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{"first": first, "end": end, "versions": versions, "log_rows": logRows}).Info("trimmed")
	return nil
}

// trimVersions walks one index and deletes, for every key, the versions
// older than the newest one at or before end. That newest version goes too
// if it records an absent row.
func trimVersions(tx Tx, idx *Index, end uint32, log logrus.FieldLogger) (int, error) {
	var doomed [][]byte
	var group []byte
	var boundary bool
	rang := RawPrefix(idx.prefix(nil))
	c := rang.newCursor(tx.Cursor(), log)
	for c.Next() {
		g, block, present, err := splitVersion(c.Key())
		if err != nil {
			return 0, err
		}
		if !bytes.Equal(g, group) {
			group = bytes.Clone(g)
			boundary = false
		}
		if block > end {
			continue
		}
		if !boundary {
			boundary = true
			if present {
				continue
			}
		}
		doomed = append(doomed, bytes.Clone(c.Value()))
	}
	for _, rk := range doomed {
		if err := deleteRow(tx, rk); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}

// deleteRow removes a table row and every index entry it contributed.
func deleteRow(tx Tx, rk []byte) error {
	data := bytes.Clone(tx.Get(rk))
	if data == nil {
		return nil
	}
	tk, err := parseTableKey(rk)
	if err != nil {
		return err
	}
	if tk.Table != recvdBlockTable {
		vle, err := decodeValue(data)
		if err != nil {
			return err
		}
		err = decodeIndexKeys(vle.Index, func(key []byte) error {
			return tx.Delete(bytes.Clone(key))
		})
		if err != nil {
			return err
		}
	}
	return tx.Delete(rk)
}
