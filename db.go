package histdb

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/andreyvit/histdb/abi"
)

const trackSnapshots = true

// Mode selects how history is stored.
type Mode string

const (
	// ModeAppend keeps every version of every row, queryable as of any
	// block since the last trim.
	ModeAppend Mode = "append"
	// ModeOverlay keeps only the latest state plus in-memory undo
	// revisions for the reversible blocks.
	ModeOverlay Mode = "overlay"
)

type DB struct {
	backend Backend
	opt     Options
	log     logrus.FieldLogger
	schema  atomic.Pointer[Schema]

	writerOnce sync.Once
	writer     *Writer
	writerErr  error

	SnapshotCount atomic.Int64
	QueryCount    atomic.Uint64

	snaps     []*Snapshot
	snapsLock sync.Mutex
}

type Options struct {
	Mode        Mode
	FlushPolicy FlushPolicy
	EnableTrim  bool
	// TrimEvery is the minimum number of blocks between trims.
	TrimEvery uint32
	Queries   *QueryConfig
	Logger    logrus.FieldLogger
	IsTesting bool
}

// Open wraps a backend. If the backend already holds an ABI, the schema is
// rebuilt from it so that queries work before any new session starts.
func Open(backend Backend, opt Options) (*DB, error) {
	if opt.Mode == "" {
		opt.Mode = ModeAppend
	}
	if opt.FlushPolicy == (FlushPolicy{}) {
		opt.FlushPolicy = DefaultFlushPolicy
	}
	if opt.Logger == nil {
		opt.Logger = logrus.StandardLogger()
	}
	db := &DB{
		backend: backend,
		opt:     opt,
		log:     opt.Logger.WithField("mode", string(opt.Mode)),
	}
	if raw := db.readKey(metaKey(metaABI)); raw != nil {
		if err := db.loadSchema(raw); err != nil {
			return nil, errors.Wrap(err, "stored ABI")
		}
	}
	return db, nil
}

// OpenPath opens a backend of the given kind ("bolt", "leveldb" or
// "memory") and wraps it.
func OpenPath(kind, path string, opt Options) (*DB, error) {
	var backend Backend
	var err error
	switch kind {
	case "bolt", "":
		mmap := 1024 * 1024 * 1024
		if opt.IsTesting {
			mmap = 1024 * 1024 * 16
		}
		backend, err = OpenBolt(path, BoltOptions{NoSync: opt.IsTesting, InitialMmapSize: mmap})
	case "leveldb":
		backend, err = OpenLevelDB(path, LevelOptions{NoSync: opt.IsTesting})
	case "memory":
		backend = NewMemory()
	default:
		return nil, errors.Errorf("unknown backend %q", kind)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", kind, path)
	}
	db, err := Open(backend, opt)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) loadSchema(raw []byte) error {
	as, err := abi.ParseJSON(raw)
	if err != nil {
		return err
	}
	scm, err := NewSchema(as, db.opt.Queries)
	if err != nil {
		return err
	}
	db.schema.Store(scm)
	return nil
}

// Schema returns the schema of the most recent ABI, or nil before any.
func (db *DB) Schema() *Schema {
	return db.schema.Load()
}

func (db *DB) Mode() Mode { return db.opt.Mode }

// Writer returns the database's single writer, creating it on first use.
func (db *DB) Writer() (*Writer, error) {
	db.writerOnce.Do(func() {
		var st FillStatus
		st, db.writerErr = db.Status()
		if db.writerErr == nil {
			db.writer, db.writerErr = newWriter(db, st)
		}
	})
	return db.writer, db.writerErr
}

// Status reads the persisted fill status.
func (db *DB) Status() (FillStatus, error) {
	tx, err := db.backend.Begin(false)
	if err != nil {
		return FillStatus{}, err
	}
	defer tx.Rollback()
	return loadFillStatus(tx)
}

func (db *DB) readKey(key []byte) []byte {
	tx, err := db.backend.Begin(false)
	if err != nil {
		return nil
	}
	defer tx.Rollback()
	v := tx.Get(key)
	if v == nil {
		return nil
	}
	return slices.Clone(v)
}

func (db *DB) update(f func(tx Tx) error) error {
	tx, err := db.backend.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (db *DB) Close() error {
	var err error
	if db.writer != nil {
		err = db.writer.Close()
	}
	if cerr := db.backend.Close(); err == nil {
		err = cerr
	}
	return err
}

// Size returns the backend's size in bytes, if known.
func (db *DB) Size() int64 {
	tx, err := db.backend.Begin(false)
	if err != nil {
		return 0
	}
	defer tx.Rollback()
	return tx.Size()
}

func (db *DB) addSnapshot(s *Snapshot) {
	db.SnapshotCount.Add(1)
	if !trackSnapshots {
		return
	}
	db.snapsLock.Lock()
	defer db.snapsLock.Unlock()
	db.snaps = append(db.snaps, s)
}

func (db *DB) removeSnapshot(s *Snapshot) {
	db.SnapshotCount.Add(-1)
	if !trackSnapshots {
		return
	}
	db.snapsLock.Lock()
	defer db.snapsLock.Unlock()

	found := -1
	for i, t := range db.snaps {
		if t == s {
			found = i
			break
		}
	}
	if found < 0 {
		panic("snapshot not found in list")
	}

	n := len(db.snaps)
	db.snaps[found] = db.snaps[n-1]
	db.snaps[n-1] = nil // ensure it gets collected
	db.snaps = db.snaps[:n-1]
}

// DescribeOpenSnapshots lists the snapshots that are still open, with the
// stacks that opened long-lived ones.
func (db *DB) DescribeOpenSnapshots() string {
	if !trackSnapshots {
		return "OPEN SNAPSHOT TRACKING DISABLED"
	}

	db.snapsLock.Lock()
	snaps := slices.Clone(db.snaps)
	db.snapsLock.Unlock()

	if len(snaps) == 0 {
		return "NO OPEN SNAPSHOTS"
	}

	slices.SortFunc(snaps, func(a, b *Snapshot) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN SNAPSHOTS:\n", len(snaps))
	for _, s := range snaps {
		ms := now.Sub(s.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms\n", ms)
		} else {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms:\n%s", ms, s.stack)
		}
	}

	return buf.String()
}

// RemoveFiles deletes the files of a closed database of the given kind.
func RemoveFiles(kind, path string) error {
	switch kind {
	case "bolt", "":
		return os.Remove(path)
	case "leveldb":
		return os.RemoveAll(path)
	}
	return nil
}
