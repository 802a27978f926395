package histdb

import (
	"bytes"
	"fmt"

	"github.com/google/btree"
)

type Op int

const (
	OpNone   Op = 0
	OpPut    Op = 1
	OpDelete Op = 2
)

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

// change is the latest state of one key within a layer. A delete is kept
// as a tombstone so that it hides the key in the layers below.
type change struct {
	key   []byte
	value []byte
	op    Op
}

func (a change) Less(b btree.Item) bool {
	return bytes.Compare(a.key, b.(change).key) < 0
}

const layerDegree = 16

// layer is an ordered set of changes on top of the backend. Revision
// layers carry the block number that produced them.
type layer struct {
	rev  uint32
	tree *btree.BTree
}

func newLayer(rev uint32) *layer {
	return &layer{rev: rev, tree: btree.New(layerDegree)}
}

func (l *layer) Len() int { return l.tree.Len() }

func (l *layer) put(key, value []byte) {
	if value == nil {
		value = []byte{}
	}
	l.tree.ReplaceOrInsert(change{key: bytes.Clone(key), value: bytes.Clone(value), op: OpPut})
}

func (l *layer) del(key []byte) {
	l.tree.ReplaceOrInsert(change{key: bytes.Clone(key), op: OpDelete})
}

func (l *layer) get(key []byte) (change, bool) {
	it := l.tree.Get(change{key: key})
	if it == nil {
		return change{}, false
	}
	return it.(change), true
}

// clone returns a copy-on-write copy. Must not race with writes to l.
func (l *layer) clone() *layer {
	return &layer{rev: l.rev, tree: l.tree.Clone()}
}

// merge applies every change of src on top of l.
func (l *layer) merge(src *layer) {
	src.tree.Ascend(func(i btree.Item) bool {
		l.tree.ReplaceOrInsert(i)
		return true
	})
}

func (l *layer) each(f func(ch change) bool) {
	l.tree.Ascend(func(i btree.Item) bool {
		return f(i.(change))
	})
}

// ceil returns the first change with key >= key.
func (l *layer) ceil(key []byte) (change, bool) {
	var out change
	var found bool
	l.tree.AscendGreaterOrEqual(change{key: key}, func(i btree.Item) bool {
		out, found = i.(change), true
		return false
	})
	return out, found
}

// floor returns the last change with key < key; a nil key means the end of
// the keyspace.
func (l *layer) floor(key []byte) (change, bool) {
	var out change
	var found bool
	iter := func(i btree.Item) bool {
		ch := i.(change)
		if key != nil && bytes.Equal(ch.key, key) {
			return true
		}
		out, found = ch, true
		return false
	}
	if key == nil {
		l.tree.Descend(iter)
	} else {
		l.tree.DescendLessOrEqual(change{key: key}, iter)
	}
	return out, found
}

// apply writes the layer's changes into a backend transaction.
func (l *layer) apply(tx Tx) error {
	var err error
	l.tree.Ascend(func(i btree.Item) bool {
		ch := i.(change)
		if ch.op == OpDelete {
			err = tx.Delete(ch.key)
		} else {
			err = tx.Put(ch.key, ch.value)
		}
		return err == nil
	})
	return err
}

// mergedCursor iterates the union of layers (newest first) and a backend
// cursor, with upper layers shadowing lower ones and tombstones hiding keys.
type mergedCursor struct {
	layers []*layer
	under  Cursor
	key    []byte
}

func newMergedCursor(layers []*layer, under Cursor) Cursor {
	if len(layers) == 0 {
		return under
	}
	return &mergedCursor{layers: layers, under: under}
}

func (c *mergedCursor) set(k, v []byte) ([]byte, []byte) {
	c.key = k
	return k, v
}

// forward finds the first visible key >= from.
func (c *mergedCursor) forward(from []byte) ([]byte, []byte) {
	for {
		var best []byte
		var bestVal []byte
		var bestOp Op
		for _, l := range c.layers {
			ch, ok := l.ceil(from)
			if !ok {
				continue
			}
			if best == nil || bytes.Compare(ch.key, best) < 0 {
				best, bestVal, bestOp = ch.key, ch.value, ch.op
			}
		}
		uk, uv := c.under.Seek(from)
		if uk != nil && (best == nil || bytes.Compare(uk, best) < 0) {
			return c.set(uk, uv)
		}
		if best == nil {
			return c.set(nil, nil)
		}
		if bestOp != OpDelete {
			return c.set(best, bestVal)
		}
		from = keyAfter(best)
	}
}

// backward finds the last visible key < before (nil: the very last key).
func (c *mergedCursor) backward(before []byte) ([]byte, []byte) {
	for {
		var best []byte
		var bestVal []byte
		var bestOp Op
		for _, l := range c.layers {
			ch, ok := l.floor(before)
			if !ok {
				continue
			}
			if best == nil || bytes.Compare(ch.key, best) > 0 {
				best, bestVal, bestOp = ch.key, ch.value, ch.op
			}
		}
		var uk, uv []byte
		if before == nil {
			uk, uv = c.under.Last()
		} else {
			uk, uv = seekBefore(c.under, before)
		}
		if uk != nil && (best == nil || bytes.Compare(uk, best) > 0) {
			return c.set(uk, uv)
		}
		if best == nil {
			return c.set(nil, nil)
		}
		if bestOp != OpDelete {
			return c.set(best, bestVal)
		}
		before = best
	}
}

func (c *mergedCursor) First() ([]byte, []byte) { return c.forward([]byte{}) }

func (c *mergedCursor) Last() ([]byte, []byte) { return c.backward(nil) }

func (c *mergedCursor) Seek(seek []byte) ([]byte, []byte) { return c.forward(seek) }

func (c *mergedCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	return c.backward(prefixEnd(prefix))
}

func (c *mergedCursor) Next() ([]byte, []byte) {
	if c.key == nil {
		return nil, nil
	}
	return c.forward(keyAfter(c.key))
}

func (c *mergedCursor) Prev() ([]byte, []byte) {
	if c.key == nil {
		return nil, nil
	}
	return c.backward(c.key)
}

func layersGet(layers []*layer, key []byte) ([]byte, bool) {
	for _, l := range layers {
		if ch, ok := l.get(key); ok {
			if ch.op == OpDelete {
				return nil, true
			}
			return ch.value, true
		}
	}
	return nil, false
}
