// Package fill drives ingestion: it keeps a session to a state history
// endpoint open, decodes each streamed block and applies it to a histdb
// database, reconnecting after transient failures.
package fill

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/andreyvit/histdb"
	"github.com/andreyvit/histdb/abi"
	"github.com/andreyvit/histdb/journal"
	"github.com/andreyvit/histdb/ship"
)

type Options struct {
	Endpoint string

	// SkipTo is the first block to request on an empty database.
	SkipTo uint32
	// StopBefore ends ingestion cleanly before applying this block.
	StopBefore uint32

	Filters []ship.TrxFilter

	// MaxMessagesInFlight bounds unacknowledged blocks. Zero is unbounded.
	MaxMessagesInFlight uint32
	FetchBlock          bool
	FetchTraces         bool
	FetchDeltas         bool
	Compressed          bool

	RetryDelay  time.Duration
	DialTimeout time.Duration
	ReadLimit   int64

	// Journal, if set, receives every schema and blocks message before it
	// is applied. The caller owns it and must have called StartWriting.
	Journal *journal.Journal

	Metrics *Metrics
	Logger  logrus.FieldLogger
}

const DefaultRetryDelay = time.Second

// Journal record kinds.
const (
	recordABI    byte = 'a'
	recordBlocks byte = 'b'
)

// Filler implements ship.Handler on top of a histdb writer.
type Filler struct {
	db      *histdb.DB
	w       *histdb.Writer
	opt     Options
	log     logrus.FieldLogger
	metrics *Metrics

	codec    *ship.Codec
	received int
}

var _ ship.Handler = (*Filler)(nil)

func New(db *histdb.DB, opt Options) (*Filler, error) {
	if opt.RetryDelay == 0 {
		opt.RetryDelay = DefaultRetryDelay
	}
	if opt.Logger == nil {
		opt.Logger = logrus.StandardLogger()
	}
	if opt.Metrics == nil {
		opt.Metrics = NewMetrics(nil)
	}
	w, err := db.Writer()
	if err != nil {
		return nil, err
	}
	return &Filler{
		db:      db,
		w:       w,
		opt:     opt,
		log:     opt.Logger,
		metrics: opt.Metrics,
	}, nil
}

// IsRetryable reports whether ingestion may reconnect after err. Consistency
// errors and storage failures need an operator.
func IsRetryable(err error) bool {
	if err == nil || histdb.IsConsistencyError(err) {
		return false
	}
	return ship.Retryable(err)
}

// Run keeps sessions going until StopBefore is reached, ctx is cancelled or
// a non-retryable error occurs.
func (f *Filler) Run(ctx context.Context) error {
	for {
		err := f.RunOnce(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsRetryable(err) {
			return err
		}
		f.log.WithError(err).WithField("delay", f.opt.RetryDelay).Warn("fill: reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.opt.RetryDelay):
		}
	}
}

// RunOnce runs a single session and commits whatever it applied.
func (f *Filler) RunOnce(ctx context.Context) error {
	s := ship.NewSession(ship.Options{
		Endpoint:    f.opt.Endpoint,
		StopBefore:  f.opt.StopBefore,
		Compressed:  f.opt.Compressed,
		ReadLimit:   f.opt.ReadLimit,
		DialTimeout: f.opt.DialTimeout,
		Logger:      f.log,
	}, f)
	err := s.Run(ctx)
	if ferr := f.w.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	switch {
	case err == nil:
		f.metrics.Sessions.WithLabelValues("done").Inc()
	case IsRetryable(err):
		f.metrics.Sessions.WithLabelValues("retry").Inc()
	default:
		f.metrics.Sessions.WithLabelValues("failed").Inc()
	}
	return err
}

func (f *Filler) ReceivedSchema(codec *ship.Codec, raw []byte) (*ship.GetBlocksRequest, error) {
	if err := f.appendJournal(recordABI, raw); err != nil {
		return nil, err
	}
	f.codec = codec
	f.received = 0
	if err := f.w.SetABI(raw); err != nil {
		return nil, errors.Wrap(err, "fill: schema")
	}

	st := f.w.Status()
	positions, err := f.w.Positions()
	if err != nil {
		return nil, err
	}
	req := &ship.GetBlocksRequest{
		StartBlockNum:       max(f.opt.SkipTo, st.Head.Num+1),
		EndBlockNum:         ship.Unbounded,
		MaxMessagesInFlight: f.opt.MaxMessagesInFlight,
		FetchBlock:          f.opt.FetchBlock,
		FetchTraces:         f.opt.FetchTraces,
		FetchDeltas:         f.opt.FetchDeltas,
	}
	for _, p := range positions {
		req.HavePositions = append(req.HavePositions, ship.BlockPosition{BlockNum: p.Num, BlockID: p.ID})
	}
	f.w.SetBulk(st.Head.Num == 0)
	f.log.WithFields(logrus.Fields{"head": st.Head, "irreversible": st.Irreversible, "start": req.StartBlockNum}).Info("fill: session started")
	return req, nil
}

func (f *Filler) ReceivedStatus(r *ship.GetStatusResult) error {
	f.log.WithFields(logrus.Fields{
		"head":         r.Head.BlockNum,
		"irreversible": r.LastIrreversible.BlockNum,
		"traces":       [2]uint32{r.TraceBeginBlock, r.TraceEndBlock},
		"state":        [2]uint32{r.ChainStateBeginBlock, r.ChainStateEndBlock},
	}).Info("fill: upstream status")
	return nil
}

func (f *Filler) ReceivedBlocks(r *ship.GetBlocksResult) (bool, error) {
	if r.ThisBlock == nil {
		return true, nil
	}
	if err := f.appendJournal(recordBlocks, r.Raw); err != nil {
		return false, err
	}
	if err := f.Apply(r); err != nil {
		return false, err
	}
	return true, nil
}

func (f *Filler) Closed(retryable bool) {
	f.log.WithField("retryable", retryable).Debug("fill: session closed")
}

func (f *Filler) appendJournal(kind byte, data []byte) error {
	if f.opt.Journal == nil {
		return nil
	}
	rec := make([]byte, 0, 1+len(data))
	rec = append(rec, kind)
	rec = append(rec, data...)
	return errors.Wrap(f.opt.Journal.Append(0, rec), "fill: journal")
}

// Apply writes one block: its header into block_info, its deltas into
// their tables and its filtered traces into the trace tables. A failed
// block leaves nothing behind.
func (f *Filler) Apply(r *ship.GetBlocksResult) error {
	if r.ThisBlock == nil {
		return nil
	}
	if f.codec == nil {
		return errors.New("fill: block received before schema")
	}
	started := time.Now()
	num := r.ThisBlock.BlockNum
	log := f.log.WithField("block", num)

	before := f.w.Status()
	if before.Head.Num != 0 && num <= before.Head.Num {
		f.metrics.Forks.Inc()
		log.WithField("head", before.Head).Warn("fill: fork")
	}

	info := histdb.BlockInfo{
		This:         histdb.BlockPointer{Num: num, ID: r.ThisBlock.BlockID},
		Irreversible: histdb.BlockPointer{Num: r.LastIrreversible.BlockNum, ID: r.LastIrreversible.BlockID},
	}
	if err := f.w.StartBlock(info); err != nil {
		return err
	}
	var ok bool
	defer func() {
		if !ok {
			f.w.AbortBlock()
		}
	}()

	if head := f.w.Status().Head; head.Num != 0 {
		if r.PrevBlock == nil || r.PrevBlock.BlockID != head.ID {
			return &histdb.ConsistencyError{Block: num, Msg: "prev_block does not match"}
		}
	}

	if r.Block != nil {
		if err := f.putBlockInfo(num, r.ThisBlock.BlockID, r.Block); err != nil {
			return err
		}
	}
	if r.Deltas != nil {
		if err := f.putDeltas(r.Deltas); err != nil {
			return err
		}
	}
	if r.Traces != nil {
		if err := f.putTraces(num, r.Traces); err != nil {
			return err
		}
	}

	if err := f.w.EndBlock(); err != nil {
		return err
	}
	ok = true

	f.metrics.Blocks.Inc()
	f.metrics.ApplySeconds.Observe(time.Since(started).Seconds())
	st := f.w.Status()
	f.metrics.Head.Set(float64(st.Head.Num))
	f.metrics.Irreversible.Set(float64(st.Irreversible.Num))

	f.received++
	if f.received == 1 || f.w.Policy().Due(num, r.LastIrreversible.BlockNum) {
		log.WithFields(logrus.Fields{"head": r.Head.BlockNum, "irreversible": st.Irreversible.Num}).Info("fill: block")
	} else {
		log.Debug("fill: block")
	}
	return nil
}

func (f *Filler) putBlockInfo(num uint32, id abi.Checksum256, block []byte) error {
	h, err := f.codec.BlockHeader(block)
	if err != nil {
		return err
	}
	var w abi.Writer
	w.Uint32(num).Checksum256(id).Uint32(h.Timestamp).Name(h.Producer).Uint16(h.Confirmed)
	w.Checksum256(h.Previous).Checksum256(h.TransactionMroot).Checksum256(h.ActionMroot)
	w.Uint32(h.ScheduleVersion)
	return f.w.PutRow(histdb.BlockInfoTable, true, w.Bytes())
}

func (f *Filler) putDeltas(data []byte) error {
	deltas, err := f.codec.Deltas(data)
	if err != nil {
		return err
	}
	for _, d := range deltas {
		for _, row := range d.Rows {
			if err := f.w.PutRow(d.Name, row.Present, row.Data); err != nil {
				return errors.Wrapf(err, "delta %s", d.Name)
			}
		}
		f.metrics.Rows.WithLabelValues(d.Name).Add(float64(len(d.Rows)))
	}
	return nil
}

func (f *Filler) putTraces(num uint32, data []byte) error {
	traces, err := f.codec.Traces(data)
	if err != nil {
		return err
	}
	for _, tt := range ship.FilterTraces(f.opt.Filters, traces) {
		if err := f.putTrace(num, &tt); err != nil {
			return err
		}
	}
	return nil
}

func (f *Filler) putTrace(num uint32, tt *ship.TransactionTrace) error {
	var w abi.Writer
	w.Uint32(num).Checksum256(tt.ID).Uint8(uint8(tt.Status)).Raw(tt.Raw)
	if err := f.w.PutRow(histdb.TransactionTraceTable, true, w.Bytes()); err != nil {
		return errors.Wrapf(err, "trace %s", tt.ID)
	}
	f.metrics.Traces.WithLabelValues("transaction").Inc()

	for i := range tt.ActionTraces {
		at := &tt.ActionTraces[i]
		var w abi.Writer
		w.Uint32(num).Checksum256(tt.ID).Uint8(uint8(tt.Status)).Raw(at.Raw)
		if err := f.w.PutRow(histdb.ActionTraceTable, true, w.Bytes()); err != nil {
			return errors.Wrapf(err, "trace %s action %d", tt.ID, at.ActionOrdinal)
		}
	}
	f.metrics.Traces.WithLabelValues("action").Add(float64(len(tt.ActionTraces)))

	for i := range tt.FailedDeferred {
		if err := f.putTrace(num, &tt.FailedDeferred[i]); err != nil {
			return err
		}
	}
	return nil
}
