package histdb

import "errors"

// ErrClosed is returned when beginning a transaction on a closed backend.
var ErrClosed = errors.New("histdb: backend closed")

// Backend is an ordered key-value store (Bolt, LevelDB or in-memory). The
// whole database lives in a single keyspace; key prefixes separate tables,
// indexes and metadata.
type Backend interface {
	// Begin starts a new transaction. At most one writable transaction is
	// open at a time; read transactions see a consistent snapshot.
	Begin(writable bool) (Tx, error)
	Close() error
}

// Tx is a backend transaction.
type Tx interface {
	Writable() bool

	// Get retrieves a value by key. Returns nil if not found. The value is
	// valid until the transaction ends.
	Get(key []byte) []byte

	Put(key, value []byte) error

	Delete(key []byte) error

	// Cursor returns a new cursor. Cursors see the transaction's own writes
	// made before the cursor was positioned.
	Cursor() Cursor

	Commit() error

	// Rollback aborts the transaction. It is safe to call multiple times and
	// after Commit.
	Rollback() error

	// Size returns the database size in bytes (0 if unknown).
	Size() int64
}

// Cursor iterates over the sorted keyspace. A nil key means the cursor ran
// off either end.
type Cursor interface {
	// First moves to the first key-value pair.
	First() (key, value []byte)

	// Last moves to the last key-value pair.
	Last() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	// SeekLast moves to the last key that starts with prefix or sorts
	// before it.
	SeekLast(prefix []byte) (key, value []byte)

	Next() (key, value []byte)

	Prev() (key, value []byte)
}

// seekBefore positions c at the last key strictly less than key.
func seekBefore(c Cursor, key []byte) ([]byte, []byte) {
	k, _ := c.Seek(key)
	if k == nil {
		return c.Last()
	}
	return c.Prev()
}

// seekLastVia implements SeekLast on top of Seek/Prev/Last.
func seekLastVia(c Cursor, prefix []byte) ([]byte, []byte) {
	if len(prefix) == 0 {
		return c.Last()
	}
	limit := prefixEnd(prefix)
	if limit == nil {
		return c.Last()
	}
	return seekBefore(c, limit)
}
