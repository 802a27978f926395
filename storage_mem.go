package histdb

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/btree"
)

const memDegree = 32

type memStorage struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tree   *btree.BTree
	closed bool
	writer bool
}

// NewMemory returns a transient in-memory backend. Transactions work on
// copy-on-write clones of the tree, so snapshots are cheap.
func NewMemory() Backend {
	s := &memStorage{tree: btree.New(memDegree)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) Begin(writable bool) (Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if writable {
		for s.writer && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return nil, ErrClosed
		}
		s.writer = true
	}
	return &memTx{
		writable: writable,
		base:     s,
		tree:     s.tree.Clone(),
	}, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.tree = btree.New(memDegree)
	s.cond.Broadcast()
	return nil
}

// memItem is a key-value pair stored in the tree. Items are never mutated
// after insertion; Put replaces them.
type memItem struct {
	key   []byte
	value []byte
}

func (a memItem) Less(b btree.Item) bool {
	return bytes.Compare(a.key, b.(memItem).key) < 0
}

type memTx struct {
	base     *memStorage
	writable bool
	tree     *btree.BTree
	closed   bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		tx.base.writer = false
		tx.base.cond.Broadcast()
	}
}

func (tx *memTx) Get(key []byte) []byte {
	it := tx.tree.Get(memItem{key: key})
	if it == nil {
		return nil
	}
	return it.(memItem).value
}

func (tx *memTx) Put(key, value []byte) error {
	if !tx.writable {
		return errReadOnly
	}
	if tx.closed {
		return fmt.Errorf("tx is closed")
	}
	if value == nil {
		value = []byte{}
	}
	tx.tree.ReplaceOrInsert(memItem{key: bytes.Clone(key), value: bytes.Clone(value)})
	return nil
}

func (tx *memTx) Delete(key []byte) error {
	if !tx.writable {
		return errReadOnly
	}
	tx.tree.Delete(memItem{key: key})
	return nil
}

func (tx *memTx) Cursor() Cursor {
	return &memCursor{tree: tx.tree}
}

func (tx *memTx) Commit() error {
	if tx.closed {
		return nil
	}
	if !tx.writable {
		return errReadOnly
	}
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	if tx.base.closed {
		tx.closeLocked()
		return ErrClosed
	}
	tx.base.tree = tx.tree
	tx.closeLocked()
	return nil
}

func (tx *memTx) Rollback() error {
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	tx.closeLocked()
	return nil
}

func (tx *memTx) Size() int64 {
	var n int64
	tx.tree.Ascend(func(i btree.Item) bool {
		it := i.(memItem)
		n += int64(len(it.key) + len(it.value))
		return true
	})
	return n
}

// memCursor remembers its current key and re-descends the tree on every
// move, which keeps it valid across writes to the same transaction.
type memCursor struct {
	tree *btree.BTree
	cur  *memItem
}

func (c *memCursor) set(it *memItem) ([]byte, []byte) {
	c.cur = it
	if it == nil {
		return nil, nil
	}
	return it.key, it.value
}

func (c *memCursor) First() ([]byte, []byte) {
	if m := c.tree.Min(); m != nil {
		it := m.(memItem)
		return c.set(&it)
	}
	return c.set(nil)
}

func (c *memCursor) Last() ([]byte, []byte) {
	if m := c.tree.Max(); m != nil {
		it := m.(memItem)
		return c.set(&it)
	}
	return c.set(nil)
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	var found *memItem
	c.tree.AscendGreaterOrEqual(memItem{key: seek}, func(i btree.Item) bool {
		it := i.(memItem)
		found = &it
		return false
	})
	return c.set(found)
}

func (c *memCursor) SeekLast(prefix []byte) ([]byte, []byte) { return seekLastVia(c, prefix) }

func (c *memCursor) Next() ([]byte, []byte) {
	if c.cur == nil {
		return nil, nil
	}
	var found *memItem
	c.tree.AscendGreaterOrEqual(*c.cur, func(i btree.Item) bool {
		it := i.(memItem)
		if bytes.Equal(it.key, c.cur.key) {
			return true
		}
		found = &it
		return false
	})
	return c.set(found)
}

func (c *memCursor) Prev() ([]byte, []byte) {
	if c.cur == nil {
		return nil, nil
	}
	var found *memItem
	c.tree.DescendLessOrEqual(*c.cur, func(i btree.Item) bool {
		it := i.(memItem)
		if bytes.Equal(it.key, c.cur.key) {
			return true
		}
		found = &it
		return false
	})
	return c.set(found)
}
