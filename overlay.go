package histdb

import (
	"github.com/sirupsen/logrus"
)

// overlayMode keeps only the latest version of each row. Blocks above the
// last irreversible one are applied as revisions stacked over the
// committed state, so a fork pops them instead of deleting history.
// Irreversible revisions are folded into the base layer, which is what
// gets flushed to the backend.
type overlayMode struct {
	revs      []*layer // ascending by rev
	committed uint32   // undo.rev: no revision at or below it can be undone
	flushed   uint32
	direct    bool // the open block goes straight into the base layer
	rtx       Tx
}

func newOverlayMode(w *Writer) (*overlayMode, error) {
	m := &overlayMode{}
	if err := m.reopen(w); err != nil {
		return nil, err
	}
	if data := m.rtx.Get(metaKey(metaUndoRev)); data != nil {
		if err := decodeMsgpack(data, &m.committed); err != nil {
			m.rtx.Rollback()
			return nil, err
		}
	}
	m.flushed = m.committed
	return m, nil
}

func (m *overlayMode) reopen(w *Writer) error {
	if m.rtx != nil {
		m.rtx.Rollback()
		m.rtx = nil
	}
	rtx, err := w.db.backend.Begin(false)
	if err != nil {
		return err
	}
	m.rtx = rtx
	return nil
}

func (m *overlayMode) stack(w *Writer, withPending bool) []*layer {
	out := make([]*layer, 0, len(m.revs)+2)
	if withPending && w.pending != nil {
		out = append(out, w.pending)
	}
	for i := len(m.revs) - 1; i >= 0; i-- {
		out = append(out, m.revs[i])
	}
	return append(out, w.base)
}

func (m *overlayMode) layers(w *Writer) []*layer { return m.stack(w, false) }

func (m *overlayMode) get(w *Writer, key []byte) []byte {
	if v, ok := layersGet(m.stack(w, true), key); ok {
		return v
	}
	v := m.rtx.Get(key)
	if v == nil {
		return nil
	}
	return v
}

// fork undoes every revision at or above block.
func (m *overlayMode) fork(w *Writer, block uint32) error {
	if block <= m.committed {
		return consistencyErrf(block, "fork below committed revision %d", m.committed)
	}
	var undone int
	for n := len(m.revs); n > 0 && m.revs[n-1].rev >= block; n = len(m.revs) {
		m.revs = m.revs[:n-1]
		undone++
	}
	var head BlockPointer
	if data := m.get(w, recvdBlockKey(block-1)); data != nil {
		if err := decodeMsgpack(data, &head); err != nil {
			return err
		}
	}
	w.status.Head = head
	if w.status.Irreversible.Num > head.Num {
		w.status.Irreversible = head
	}
	if w.status.First > head.Num {
		w.status.First = head.Num
	}
	w.log.WithFields(logrus.Fields{"block": block, "undone": undone, "head": head}).Info("undo")
	return nil
}

func (m *overlayMode) begin(w *Writer, b BlockInfo) error {
	num, irr := b.This.Num, b.Irreversible.Num
	if num <= irr {
		m.fold(w, w.status.Head.Num)
		m.direct = true
	} else {
		upTo := w.status.Head.Num
		if irr < upTo {
			upTo = irr
		}
		m.fold(w, upTo)
		m.direct = false
	}
	w.pending = newLayer(num)
	return nil
}

// fold commits revisions up to rev into the base layer.
func (m *overlayMode) fold(w *Writer, rev uint32) {
	for len(m.revs) > 0 && m.revs[0].rev <= rev {
		w.base.merge(m.revs[0])
		m.setCommitted(w, m.revs[0].rev)
		m.revs = m.revs[1:]
	}
}

// setCommitted advances the committed revision, pruning markers below it.
func (m *overlayMode) setCommitted(w *Writer, rev uint32) {
	if m.committed != 0 {
		for n := m.committed; n < rev; n++ {
			w.base.del(recvdBlockKey(n))
		}
	}
	m.committed = rev
}

func (m *overlayMode) put(w *Writer, tbl *Table, row decodedRow, present bool, data []byte) error {
	sk := stateKeyPrefix(nil, tbl.short)
	sk = append(sk, row.pk...)

	if old := m.get(w, sk); old != nil {
		vle, err := decodeValue(old)
		if err != nil {
			return tableErrf(tbl, nil, row.pk, err, "stored row")
		}
		err = decodeIndexKeys(vle.Index, func(key []byte) error {
			w.pending.del(key)
			return nil
		})
		if err != nil {
			return err
		}
	}
	if !present {
		w.pending.del(sk)
		return nil
	}
	keys, err := tbl.indexKeys(row)
	if err != nil {
		return err
	}
	for _, k := range keys {
		w.pending.put(k, sk)
	}
	w.pending.put(sk, encodeValue(nil, true, data, keys))
	return nil
}

func (m *overlayMode) end(w *Writer) error {
	if m.direct {
		w.base.merge(w.pending)
		m.setCommitted(w, w.pending.rev)
	} else {
		m.revs = append(m.revs, w.pending)
	}
	return nil
}

func (m *overlayMode) spill(w *Writer) bool {
	if !m.direct {
		return false
	}
	w.base.merge(w.pending)
	w.pending = newLayer(w.pending.rev)
	return true
}

// abort has nothing to undo: only irreversible blocks spill, and applying
// one again rewrites the same state keys.
func (m *overlayMode) abort(w *Writer) error { return nil }

// flush writes the base layer together with the status as of the committed
// revision; revisions above it stay in memory.
func (m *overlayMode) flush(w *Writer) error {
	if w.base.Len() == 0 && m.committed == m.flushed {
		return nil
	}
	if m.committed != 0 {
		st := w.status
		if m.committed != st.Head.Num {
			st.Head = BlockPointer{Num: m.committed}
			if data := m.get(w, recvdBlockKey(m.committed)); data != nil {
				if err := decodeMsgpack(data, &st.Head); err != nil {
					return err
				}
			}
			if st.Irreversible.Num > st.Head.Num {
				st.Irreversible = st.Head
			}
		}
		w.base.put(metaKey(metaFillStatus), encodeMsgpack(st))
		w.base.put(metaKey(metaUndoRev), encodeMsgpack(m.committed))
	}
	n := w.base.Len()

	// a read transaction must not stay open across a write in the same goroutine
	m.rtx.Rollback()
	m.rtx = nil
	err := w.db.update(func(tx Tx) error {
		return w.base.apply(tx)
	})
	if rerr := m.reopen(w); err == nil {
		err = rerr
	}
	if err != nil {
		return err
	}
	w.base = newLayer(m.committed)
	m.flushed = m.committed
	w.log.WithFields(logrus.Fields{"keys": n, "committed": m.committed, "revisions": len(m.revs)}).Debug("committed")
	return nil
}

// trim is a no-op: overlay storage never keeps superseded versions.
func (m *overlayMode) trim(w *Writer) error { return nil }

func (m *overlayMode) close(w *Writer) error {
	if m.rtx != nil {
		m.rtx.Rollback()
		m.rtx = nil
	}
	return nil
}
