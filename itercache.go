package histdb

import (
	"bytes"
	"fmt"
)

// IterHandle identifies a position held by an IterCache. It is either a
// live handle (a slot plus the generation the slot had when it was issued)
// or the end handle of one range.
type IterHandle struct {
	end  bool
	slot uint32
	gen  uint32
	rid  uint32
}

// End returns the end handle of the given range.
func End(rangeID uint32) IterHandle {
	return IterHandle{end: true, rid: rangeID}
}

func (h IterHandle) IsEnd() bool { return h.end }

// RangeID returns the range an end handle belongs to.
func (h IterHandle) RangeID() uint32 { return h.rid }

func (h IterHandle) String() string {
	if h.end {
		return fmt.Sprintf("end(%d)", h.rid)
	}
	return fmt.Sprintf("iter(%d#%d)", h.slot, h.gen)
}

// IterRow is the row an iterator points at.
type IterRow struct {
	// Key is the logical index key, without any version suffix.
	Key []byte
	// RowKey is the stored table or state row key.
	RowKey []byte
	// Block is the block that wrote this version; zero in overlay mode.
	Block uint32
	Data  []byte
}

type iterRange struct {
	idx      *Index
	maxBlock uint32
}

type iterSlot struct {
	gen     uint32
	live    bool
	rangeID uint32
	cur     Cursor
	key     []byte
	rowKey  []byte
}

// IterCache hands out small handles to positions within index ranges of one
// snapshot. It belongs to a single query session and is not safe for
// concurrent use.
type IterCache struct {
	snap   *Snapshot
	mode   Mode
	ranges []iterRange
	slots  []iterSlot
	free   []uint32
}

func newIterCache(snap *Snapshot) *IterCache {
	return &IterCache{snap: snap, mode: snap.db.opt.Mode}
}

// rangeID returns the id of the (index, maxBlock) pair, registering it on
// first use.
func (ic *IterCache) rangeID(idx *Index, maxBlock uint32) uint32 {
	for i, r := range ic.ranges {
		if r.idx == idx && r.maxBlock == maxBlock {
			return uint32(i)
		}
	}
	ic.ranges = append(ic.ranges, iterRange{idx, maxBlock})
	return uint32(len(ic.ranges) - 1)
}

// LowerBound positions a new iterator at the first row of idx, as of
// maxBlock, whose index key is >= key. key is a bound built for idx (its
// prefix is added if missing). An empty range yields the end handle
// without allocating a slot.
func (ic *IterCache) LowerBound(idx *Index, maxBlock uint32, key []byte) (IterHandle, error) {
	rid := ic.rangeID(idx, maxBlock)
	prefix := idx.prefix(nil)
	if !bytes.HasPrefix(key, prefix) {
		key = append(prefix, key...)
	}
	cur := ic.snap.Cursor()
	k, rk, err := ic.seekVisible(cur, idx, maxBlock, key)
	if err != nil || k == nil {
		return End(rid), err
	}
	return ic.alloc(rid, cur, k, rk), nil
}

// Next advances h, releasing it and returning the range's end handle when
// there are no more rows.
func (ic *IterCache) Next(h IterHandle) (IterHandle, error) {
	s, err := ic.slot(h)
	if err != nil {
		return h, err
	}
	r := ic.ranges[s.rangeID]
	k, rk, err := ic.seekVisible(s.cur, r.idx, r.maxBlock, ic.after(s.key))
	if err != nil {
		return h, err
	}
	if k == nil {
		ic.Release(h)
		return End(s.rangeID), nil
	}
	s.key, s.rowKey = k, rk
	return h, nil
}

// Deref loads the row h points at.
func (ic *IterCache) Deref(h IterHandle) (IterRow, error) {
	s, err := ic.slot(h)
	if err != nil {
		return IterRow{}, err
	}
	row := IterRow{Key: s.key, RowKey: s.rowKey}
	data := ic.snap.Get(s.rowKey)
	if data == nil {
		return row, dataErrf(s.rowKey, 0, nil, "index entry points at a missing row")
	}
	vle, err := decodeValue(data)
	if err != nil {
		return row, err
	}
	row.Data = vle.Data
	if ic.mode == ModeAppend {
		tk, err := parseTableKey(s.rowKey)
		if err != nil {
			return row, err
		}
		row.Block = tk.Block
	}
	return row, nil
}

// Release frees the slot behind h; releasing an end handle is a no-op.
func (ic *IterCache) Release(h IterHandle) {
	if h.end {
		return
	}
	s, err := ic.slot(h)
	if err != nil {
		return
	}
	s.live = false
	s.gen++
	s.cur = nil
	s.key, s.rowKey = nil, nil
	ic.free = append(ic.free, h.slot)
}

// Live returns the number of allocated handles.
func (ic *IterCache) Live() int {
	return len(ic.slots) - len(ic.free)
}

func (ic *IterCache) alloc(rid uint32, cur Cursor, key, rowKey []byte) IterHandle {
	var i uint32
	if n := len(ic.free); n > 0 {
		i = ic.free[n-1]
		ic.free = ic.free[:n-1]
	} else {
		ic.slots = append(ic.slots, iterSlot{})
		i = uint32(len(ic.slots) - 1)
	}
	s := &ic.slots[i]
	s.live, s.rangeID, s.cur, s.key, s.rowKey = true, rid, cur, key, rowKey
	return IterHandle{slot: i, gen: s.gen}
}

func (ic *IterCache) slot(h IterHandle) (*iterSlot, error) {
	if h.end {
		return nil, ErrEndIterator
	}
	if int(h.slot) >= len(ic.slots) {
		return nil, ErrStaleIterator
	}
	s := &ic.slots[h.slot]
	if !s.live || s.gen != h.gen {
		return nil, ErrStaleIterator
	}
	return s, nil
}

// after returns the smallest seek key past every version of key.
func (ic *IterCache) after(key []byte) []byte {
	if ic.mode == ModeAppend {
		return afterVersions(key)
	}
	return keyAfter(key)
}

func afterVersions(group []byte) []byte {
	out := make([]byte, len(group), len(group)+versionSuffix)
	copy(out, group)
	return append(out, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
}

// seekVisible finds the first logical row of idx at or after from that
// exists as of maxBlock, returning its logical key and row key (both
// copied).
func (ic *IterCache) seekVisible(c Cursor, idx *Index, maxBlock uint32, from []byte) ([]byte, []byte, error) {
	return seekVisible(c, ic.mode, idx.prefix(nil), maxBlock, from)
}

func seekVisible(c Cursor, mode Mode, prefix []byte, maxBlock uint32, from []byte) ([]byte, []byte, error) {
	seek := from
	for {
		k, v := c.Seek(seek)
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return nil, nil, nil
		}
		if mode != ModeAppend {
			return bytes.Clone(k), bytes.Clone(v), nil
		}
		group, block, present, err := splitVersion(k)
		if err != nil {
			return nil, nil, err
		}
		if block > maxBlock {
			// jump to the newest version at or below maxBlock
			seek = appendUint32(bytes.Clone(group), ^maxBlock)
			continue
		}
		if present {
			return bytes.Clone(group), bytes.Clone(v), nil
		}
		seek = afterVersions(group)
	}
}
