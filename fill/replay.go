package fill

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/andreyvit/histdb/abi"
	"github.com/andreyvit/histdb/journal"
	"github.com/andreyvit/histdb/ship"
)

var errStopReplay = errors.New("stop")

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Records int
	Skipped int
	Applied int
}

// Replay feeds a journal through the same apply path as a live session.
// Blocks below max(SkipTo, head+1) at the start of the replay are skipped;
// after the first applied block, forks recorded in the journal are applied
// as they happened.
func (f *Filler) Replay(ctx context.Context, j *journal.Journal) (ReplayStats, error) {
	var stats ReplayStats
	st := f.w.Status()
	start := max(f.opt.SkipTo, st.Head.Num+1)
	applying := false
	f.received = 0

	err := j.Replay(ctx, func(rec journal.Record) error {
		stats.Records++
		if len(rec.Data) == 0 {
			return errors.Errorf("journal record %d: empty", rec.ID)
		}
		kind, data := rec.Data[0], rec.Data[1:]
		switch kind {
		case recordABI:
			schema, err := abi.ParseJSON(data)
			if err != nil {
				return errors.Wrapf(err, "journal record %d", rec.ID)
			}
			codec, err := ship.NewCodec(schema, f.opt.Compressed)
			if err != nil {
				return err
			}
			if err := f.w.SetABI(data); err != nil {
				return err
			}
			f.codec = codec
		case recordBlocks:
			if f.codec == nil {
				return errors.Errorf("journal record %d: blocks before schema", rec.ID)
			}
			res, err := f.codec.DecodeResult(data)
			if err != nil {
				return errors.Wrapf(err, "journal record %d", rec.ID)
			}
			r, ok := res.(*ship.GetBlocksResult)
			if !ok || r.ThisBlock == nil {
				stats.Skipped++
				return nil
			}
			num := r.ThisBlock.BlockNum
			if f.opt.StopBefore != 0 && num >= f.opt.StopBefore {
				return errStopReplay
			}
			if !applying && num < start {
				stats.Skipped++
				return nil
			}
			applying = true
			if err := f.Apply(r); err != nil {
				return err
			}
			stats.Applied++
		default:
			return errors.Errorf("journal record %d: unknown kind %q", rec.ID, kind)
		}
		return nil
	})
	if err == errStopReplay {
		err = nil
	}
	if ferr := f.w.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	f.log.WithFields(logrus.Fields{"records": stats.Records, "applied": stats.Applied, "skipped": stats.Skipped, "head": f.w.Status().Head}).Info("fill: replay finished")
	return stats, err
}
