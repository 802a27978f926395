package histdb

import (
	"fmt"
	"runtime/debug"
	"time"
)

// Snapshot is a consistent read-only view of the database: a backend read
// transaction plus copies of whatever the writer has not committed yet.
// Snapshots are not safe for concurrent use, but any number can be open.
type Snapshot struct {
	db     *DB
	tx     Tx
	layers []*layer
	schema *Schema
	status FillStatus
	closed bool

	startTime time.Time
	stack     string
}

// Snapshot opens a view that includes every block the writer has ended,
// flushed or not.
func (db *DB) Snapshot() (*Snapshot, error) {
	s := &Snapshot{
		db:        db,
		schema:    db.Schema(),
		startTime: time.Now(),
	}
	if trackSnapshots {
		s.stack = string(debug.Stack())
	}

	// the writer's lock keeps its layers and the backend in step
	w := db.writer
	if w != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
	}
	tx, err := db.backend.Begin(false)
	if err != nil {
		return nil, err
	}
	s.tx = tx
	if w != nil {
		s.layers, s.status = w.snapshotLayers()
	} else {
		s.status, err = loadFillStatus(tx)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	db.addSnapshot(s)
	return s, nil
}

// View runs f against a fresh snapshot, converting panics into errors.
func (db *DB) View(f func(s *Snapshot) error) error {
	s, err := db.Snapshot()
	if err != nil {
		return err
	}
	defer s.Close()
	return safelyCall(f, s)
}

func (s *Snapshot) DB() *DB { return s.db }

// Schema returns the schema in effect when the snapshot was taken.
func (s *Snapshot) Schema() *Schema { return s.schema }

func (s *Snapshot) Status() FillStatus { return s.status }

func (s *Snapshot) Get(key []byte) []byte {
	if v, ok := layersGet(s.layers, key); ok {
		return v
	}
	return s.tx.Get(key)
}

// Cursor iterates the merged view. Keys and values are valid until the
// cursor moves.
func (s *Snapshot) Cursor() Cursor {
	return newMergedCursor(s.layers, s.tx.Cursor())
}

func (s *Snapshot) Close() {
	if s.closed {
		return
	}
	s.closed = true
	// the only error is about an already finished transaction
	_ = s.tx.Rollback()
	s.db.removeSnapshot(s)
}

type panicked struct {
	reason interface{}
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func(*Snapshot) error, s *Snapshot) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(s)
}
