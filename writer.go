package histdb

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/andreyvit/histdb/abi"
)

// FlushPolicy controls when buffered blocks are committed to the backend.
// Query results never depend on it.
type FlushPolicy struct {
	// Every commits on block numbers divisible by it.
	Every uint32
	// NearHead commits every block once block+NearHead reaches the last
	// irreversible block.
	NearHead uint32
	// BulkRows commits inside a block after this many rows while bulk
	// loading. Zero disables it.
	BulkRows int
}

var DefaultFlushPolicy = FlushPolicy{Every: 200, NearHead: 4, BulkRows: 10000}

// Due reports whether a block should be committed right after it is applied.
func (p FlushPolicy) Due(block, irreversible uint32) bool {
	if block+p.NearHead >= irreversible {
		return true
	}
	return p.Every > 0 && block%p.Every == 0
}

// BlockInfo describes the block being applied.
type BlockInfo struct {
	This         BlockPointer
	Irreversible BlockPointer
}

// Writer applies blocks to the database. It is the only writer; its
// methods are safe to call from one goroutine at a time while snapshots
// are taken concurrently.
type Writer struct {
	db     *DB
	log    logrus.FieldLogger
	policy FlushPolicy
	mode   writerMode

	mu      sync.Mutex
	status  FillStatus
	base    *layer
	pending *layer
	block   BlockInfo
	inBlock bool
	bulk    bool
	rows    int
	closed  bool
}

// writerMode holds what differs between append-indexed and overlay storage.
type writerMode interface {
	// fork prepares for re-applying block (<= head).
	fork(w *Writer, block uint32) error
	begin(w *Writer, b BlockInfo) error
	put(w *Writer, tbl *Table, row decodedRow, present bool, data []byte) error
	end(w *Writer) error
	// spill moves the open block's rows into the flushable layer during
	// bulk loading, returning false if it cannot.
	spill(w *Writer) bool
	// abort undoes what the open block spilled.
	abort(w *Writer) error
	// layers returns the in-memory layers visible to readers, newest first.
	layers(w *Writer) []*layer
	get(w *Writer, key []byte) []byte
	flush(w *Writer) error
	trim(w *Writer) error
	close(w *Writer) error
}

func newWriter(db *DB, status FillStatus) (*Writer, error) {
	w := &Writer{
		db:     db,
		log:    db.log,
		policy: db.opt.FlushPolicy,
		status: status,
		base:   newLayer(0),
	}
	switch db.opt.Mode {
	case ModeAppend:
		w.mode = &appendMode{}
	case ModeOverlay:
		om, err := newOverlayMode(w)
		if err != nil {
			return nil, err
		}
		w.mode = om
	default:
		return nil, errors.Errorf("unknown mode %q", db.opt.Mode)
	}
	return w, nil
}

// Status returns the in-memory fill status, including unflushed blocks.
func (w *Writer) Status() FillStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Writer) Policy() FlushPolicy {
	return w.policy
}

// SetBulk enables in-block flushing for the initial load.
func (w *Writer) SetBulk(bulk bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bulk = bulk
}

// SetABI stores the session's ABI and rebuilds the schema from it.
func (w *Writer) SetABI(raw []byte) error {
	as, err := abi.ParseJSON(raw)
	if err != nil {
		return err
	}
	scm, err := NewSchema(as, w.db.opt.Queries)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inBlock {
		return errors.New("cannot change ABI inside a block")
	}
	w.base.put(metaKey(metaABI), raw)
	if err := w.mode.flush(w); err != nil {
		return err
	}
	w.db.schema.Store(scm)
	return nil
}

// Positions returns the received blocks from the last irreversible one up
// to the head, for the upstream to detect forks against.
func (w *Writer) Positions() ([]BlockPointer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status.Head.Num == 0 {
		return nil, nil
	}
	from := w.status.Irreversible.Num
	if from == 0 {
		from = w.status.Head.Num
	}
	var out []BlockPointer
	for n := from; n <= w.status.Head.Num; n++ {
		data := w.mode.get(w, recvdBlockKey(n))
		if data == nil {
			continue
		}
		var bp BlockPointer
		if err := decodeMsgpack(data, &bp); err != nil {
			return nil, err
		}
		out = append(out, bp)
	}
	return out, nil
}

// StartBlock opens block b. A block at or below the head is a fork: the
// stored history from it onwards is discarded first.
func (w *Writer) StartBlock(b BlockInfo) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.inBlock {
		return errors.Errorf("block %d is still open", w.block.This.Num)
	}
	num := b.This.Num
	head := w.status.Head.Num
	if head != 0 && num > head+1 {
		return consistencyErrf(num, "missing block: head is %d", head)
	}
	if head != 0 && num <= head {
		w.log.WithFields(logrus.Fields{"block": num, "head": head}).Info("fork: rolling back")
		if err := w.mode.fork(w, num); err != nil {
			return err
		}
	}
	if err := w.mode.begin(w, b); err != nil {
		return err
	}
	w.block = b
	w.inBlock = true
	return nil
}

// PutRow applies one delta row of the open block. Rows of tables without
// a definition are skipped.
func (w *Writer) PutRow(table string, present bool, data []byte) error {
	scm := w.db.Schema()
	if scm == nil {
		return ErrNoSchema
	}
	tbl := scm.TableNamed(table)
	if tbl == nil {
		w.log.WithField("table", table).Debug("skipping row of unknown table")
		return nil
	}
	row, err := tbl.decodeRow(data)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.inBlock {
		return errors.New("PutRow outside of a block")
	}
	if err := w.mode.put(w, tbl, row, present, data); err != nil {
		return err
	}
	w.rows++
	if w.bulk && w.policy.BulkRows > 0 && w.rows >= w.policy.BulkRows {
		if w.mode.spill(w) {
			w.log.WithFields(logrus.Fields{"block": w.block.This.Num, "rows": w.rows}).Debug("bulk flush")
			if err := w.flushLocked(); err != nil {
				return err
			}
		}
	}
	return nil
}

// EndBlock finishes the open block, committing to the backend when the
// flush policy says so.
func (w *Writer) EndBlock() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.inBlock {
		return errors.New("EndBlock outside of a block")
	}
	b := w.block
	w.status.advance(b.This, b.Irreversible)
	w.pending.put(recvdBlockKey(b.This.Num), encodeMsgpack(b.This))
	if err := w.mode.end(w); err != nil {
		return err
	}
	w.pending = nil
	w.inBlock = false
	if w.policy.Due(b.This.Num, b.Irreversible.Num) {
		return w.flushLocked()
	}
	return nil
}

// AbortBlock discards the open block's rows.
func (w *Writer) AbortBlock() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.inBlock {
		return
	}
	w.log.WithField("block", w.block.This.Num).Warn("discarding partially applied block")
	w.pending = nil
	w.inBlock = false
	w.rows = 0
	if err := w.mode.abort(w); err != nil {
		// begin retries the cleanup before the block is applied again
		w.log.WithError(err).WithField("block", w.block.This.Num).Error("removing flushed rows of aborted block")
	}
}

// Flush commits everything applied so far.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if err := w.mode.flush(w); err != nil {
		return errors.Wrap(err, "flush")
	}
	w.rows = 0
	if w.db.opt.EnableTrim && !w.inBlock {
		if err := w.mode.trim(w); err != nil {
			return errors.Wrap(err, "trim")
		}
	}
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	var err error
	if !w.inBlock {
		err = w.mode.flush(w)
	}
	if cerr := w.mode.close(w); err == nil {
		err = cerr
	}
	return err
}

// snapshotLayers clones the in-memory layers for a reader.
func (w *Writer) snapshotLayers() ([]*layer, FillStatus) {
	ls := w.mode.layers(w)
	out := make([]*layer, 0, len(ls))
	for _, l := range ls {
		if l.Len() > 0 {
			out = append(out, l.clone())
		}
	}
	return out, w.status
}
