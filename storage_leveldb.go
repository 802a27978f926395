package histdb

import (
	"bytes"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type levelStorage struct {
	ldb *leveldb.DB
}

// LevelOptions tune the LevelDB backend.
type LevelOptions struct {
	CacheMB       int
	NoSync        bool
	WriteBufferMB int
}

// OpenLevelDB opens (creating if needed) a LevelDB database directory.
func OpenLevelDB(path string, o LevelOptions) (Backend, error) {
	lopt := &opt.Options{
		NoSync: o.NoSync,
	}
	if o.CacheMB > 0 {
		lopt.BlockCacheCapacity = o.CacheMB * opt.MiB
	}
	if o.WriteBufferMB > 0 {
		lopt.WriteBuffer = o.WriteBufferMB * opt.MiB
	}
	ldb, err := leveldb.OpenFile(path, lopt)
	if err != nil {
		return nil, err
	}
	return &levelStorage{ldb: ldb}, nil
}

func (s *levelStorage) Begin(writable bool) (Tx, error) {
	if writable {
		tr, err := s.ldb.OpenTransaction()
		if err != nil {
			return nil, levelErr(err)
		}
		return &levelTx{r: tr, tr: tr, db: s.ldb}, nil
	}
	snap, err := s.ldb.GetSnapshot()
	if err != nil {
		return nil, levelErr(err)
	}
	return &levelTx{r: snap, snap: snap, db: s.ldb}, nil
}

func (s *levelStorage) Close() error {
	return s.ldb.Close()
}

func levelErr(err error) error {
	if err == leveldb.ErrClosed {
		return ErrClosed
	}
	return err
}

type levelReader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

type levelTx struct {
	r    levelReader
	tr   *leveldb.Transaction
	snap *leveldb.Snapshot
	db   *leveldb.DB

	mu    sync.Mutex
	iters []iterator.Iterator
	done  bool
}

func (tx *levelTx) Writable() bool { return tx.tr != nil }

func (tx *levelTx) Get(key []byte) []byte {
	v, err := tx.r.Get(key, nil)
	if err != nil {
		return nil
	}
	if v == nil {
		return []byte{}
	}
	return v
}

func (tx *levelTx) Put(key, value []byte) error {
	if tx.tr == nil {
		return errReadOnly
	}
	return tx.tr.Put(key, value, nil)
}

func (tx *levelTx) Delete(key []byte) error {
	if tx.tr == nil {
		return errReadOnly
	}
	return tx.tr.Delete(key, nil)
}

func (tx *levelTx) Cursor() Cursor {
	return &levelCursor{tx: tx}
}

// iterator opens a fresh LevelDB iterator. Transaction iterators only see
// writes made before they were created, so cursors reopen theirs on each
// positioning call.
func (tx *levelTx) iterator() iterator.Iterator {
	it := tx.r.NewIterator(nil, nil)
	tx.mu.Lock()
	tx.iters = append(tx.iters, it)
	tx.mu.Unlock()
	return it
}

func (tx *levelTx) release(it iterator.Iterator) {
	it.Release()
	tx.mu.Lock()
	for i, x := range tx.iters {
		if x == it {
			tx.iters = append(tx.iters[:i], tx.iters[i+1:]...)
			break
		}
	}
	tx.mu.Unlock()
}

func (tx *levelTx) finish() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for _, it := range tx.iters {
		it.Release()
	}
	tx.iters = nil
	tx.done = true
}

func (tx *levelTx) Commit() error {
	if tx.tr == nil {
		return errReadOnly
	}
	tx.finish()
	return tx.tr.Commit()
}

func (tx *levelTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.finish()
	if tx.tr != nil {
		tx.tr.Discard()
	} else {
		tx.snap.Release()
	}
	return nil
}

func (tx *levelTx) Size() int64 {
	sizes, err := tx.db.SizeOf([]util.Range{{}})
	if err != nil {
		return 0
	}
	return sizes.Sum()
}

// levelCursor wraps a LevelDB iterator. Keys and values are copied because
// the iterator reuses its buffers.
type levelCursor struct {
	tx  *levelTx
	it  iterator.Iterator
	key []byte
}

func (c *levelCursor) reopen() iterator.Iterator {
	if c.it != nil {
		c.tx.release(c.it)
	}
	c.it = c.tx.iterator()
	return c.it
}

func (c *levelCursor) current(ok bool) ([]byte, []byte) {
	if !ok {
		c.key = nil
		return nil, nil
	}
	c.key = bytes.Clone(c.it.Key())
	return c.key, bytes.Clone(c.it.Value())
}

func (c *levelCursor) First() ([]byte, []byte) { return c.current(c.reopen().First()) }

func (c *levelCursor) Last() ([]byte, []byte) { return c.current(c.reopen().Last()) }

func (c *levelCursor) Seek(seek []byte) ([]byte, []byte) {
	return c.current(c.reopen().Seek(seek))
}

func (c *levelCursor) SeekLast(prefix []byte) ([]byte, []byte) { return seekLastVia(c, prefix) }

func (c *levelCursor) Next() ([]byte, []byte) {
	if c.it == nil {
		return c.First()
	}
	if c.key == nil {
		return nil, nil
	}
	return c.current(c.it.Next())
}

func (c *levelCursor) Prev() ([]byte, []byte) {
	if c.it == nil {
		return nil, nil
	}
	if c.key == nil {
		return c.Last()
	}
	return c.current(c.it.Prev())
}
