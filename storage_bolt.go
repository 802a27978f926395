package histdb

import (
	"time"

	"go.etcd.io/bbolt"
)

var boltBucketName = []byte("histdb")

type boltStorage struct {
	bdb *bbolt.DB
}

// BoltOptions tune the Bolt backend.
type BoltOptions struct {
	NoSync          bool
	InitialMmapSize int
	Timeout         time.Duration
}

// OpenBolt opens (creating if needed) a Bolt database file.
func OpenBolt(path string, opt BoltOptions) (Backend, error) {
	bopt := &bbolt.Options{
		Timeout:         opt.Timeout,
		NoSync:          opt.NoSync,
		InitialMmapSize: opt.InitialMmapSize,
		NoFreelistSync:  true,
		FreelistType:    bbolt.FreelistMapType,
	}
	if bopt.Timeout == 0 {
		bopt.Timeout = 10 * time.Second
	}
	bdb, err := bbolt.Open(path, 0o666, bopt)
	if err != nil {
		return nil, err
	}
	err = bdb.Update(func(btx *bbolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(boltBucketName)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}
	return &boltStorage{bdb: bdb}, nil
}

func (s *boltStorage) Begin(writable bool) (Tx, error) {
	btx, err := s.bdb.Begin(writable)
	if err != nil {
		if err == bbolt.ErrDatabaseNotOpen {
			return nil, ErrClosed
		}
		return nil, err
	}
	return &boltTx{btx: btx, b: btx.Bucket(boltBucketName)}, nil
}

func (s *boltStorage) Close() error {
	return s.bdb.Close()
}

type boltTx struct {
	btx *bbolt.Tx
	b   *bbolt.Bucket
}

func (tx *boltTx) Writable() bool { return tx.btx.Writable() }

func (tx *boltTx) Get(key []byte) []byte { return tx.b.Get(key) }

func (tx *boltTx) Put(key, value []byte) error { return tx.b.Put(key, value) }

func (tx *boltTx) Delete(key []byte) error { return tx.b.Delete(key) }

func (tx *boltTx) Cursor() Cursor { return boltCursor{c: tx.b.Cursor()} }

func (tx *boltTx) Commit() error { return tx.btx.Commit() }

func (tx *boltTx) Rollback() error {
	err := tx.btx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}

func (tx *boltTx) Size() int64 { return tx.btx.Size() }

type boltCursor struct {
	c *bbolt.Cursor
}

func (c boltCursor) First() ([]byte, []byte) { return c.c.First() }

func (c boltCursor) Last() ([]byte, []byte) { return c.c.Last() }

func (c boltCursor) Seek(seek []byte) ([]byte, []byte) { return c.c.Seek(seek) }

func (c boltCursor) SeekLast(prefix []byte) ([]byte, []byte) { return seekLastVia(c, prefix) }

func (c boltCursor) Next() ([]byte, []byte) { return c.c.Next() }

func (c boltCursor) Prev() ([]byte, []byte) { return c.c.Prev() }
