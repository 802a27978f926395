package histdb

import (
	"bytes"

	"github.com/sirupsen/logrus"
)

const (
	debugLogRawScans = false
)

// RawRange defines a range of byte strings. The constructors use mnemonics:
// O means open, I means inclusive, E means exclusive; the first letter is for
// the lower bound, the second for the upper bound.
type RawRange struct {
	Prefix   []byte
	Lower    []byte
	Upper    []byte
	LowerInc bool
	UpperInc bool
	Reverse  bool
}

func RawOO() RawRange            { return RawRange{} }
func RawIO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: true} }
func RawEO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: false} }
func RawOI(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: true} }
func RawOE(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: false} }
func RawII(l, u []byte) RawRange { return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: true} }
func RawIE(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: false}
}
func RawEI(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: false, UpperInc: true}
}
func RawEE(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: false, UpperInc: false}
}
func RawPrefix(p []byte) RawRange                { return RawRange{Prefix: p} }
func (rang RawRange) Prefixed(p []byte) RawRange { rang.Prefix = p; return rang }
func (rang RawRange) Reversed() RawRange         { rang.Reverse = true; return rang }

func (r *RawRange) start(bcur Cursor, logger logrus.FieldLogger) ([]byte, []byte) {
	var k, v []byte
	var skipInitial bool
	if r.Reverse {
		upper := r.Upper
		if upper != nil {
			skipInitial = !r.UpperInc
			if r.Prefix != nil && !bytes.HasPrefix(upper, r.Prefix) {
				panic("upper bound does not match prefix")
			}
		} else if r.Prefix != nil {
			upper = r.Prefix
		}
		if upper != nil {
			k, v = bcur.SeekLast(upper)
			if debugLogRawScans {
				logger.WithFields(logrus.Fields{"upper": hexBytes(upper), "key": hexBytes(k), "val": hexBytes(v)}).Debug("SEEK to upper")
			}
			if skipInitial && !bytes.HasPrefix(k, upper) {
				skipInitial = false
			}
		} else {
			k, v = bcur.Last()
			if debugLogRawScans {
				logger.WithFields(logrus.Fields{"key": hexBytes(k), "val": hexBytes(v)}).Debug("LAST")
			}
		}
	} else {
		lower := r.Lower
		if lower != nil {
			skipInitial = !r.LowerInc
			if r.Prefix != nil && !bytes.HasPrefix(lower, r.Prefix) {
				panic("lower bound does not match prefix")
			}
		} else if r.Prefix != nil {
			lower = r.Prefix
		}
		if lower != nil {
			k, v = bcur.Seek(lower)
			if debugLogRawScans {
				logger.WithFields(logrus.Fields{"lower": hexBytes(lower), "key": hexBytes(k), "val": hexBytes(v)}).Debug("SEEK to lower")
			}
			if skipInitial && !bytes.HasPrefix(k, lower) {
				skipInitial = false
			}
		} else {
			k, v = bcur.First()
			if debugLogRawScans {
				logger.WithFields(logrus.Fields{"key": hexBytes(k), "val": hexBytes(v)}).Debug("FIRST")
			}
		}
	}
	if k != nil && r.match(k, v, logger) {
		if skipInitial {
			if debugLogRawScans {
				logger.Debug("SKIP_INITIAL")
			}
			return r.next(bcur, logger)
		} else {
			return k, v
		}
	} else {
		return nil, nil
	}
}

func (r *RawRange) next(bcur Cursor, logger logrus.FieldLogger) ([]byte, []byte) {
	var k, v []byte
	if r.Reverse {
		k, v = bcur.Prev()
		if debugLogRawScans {
			logger.WithFields(logrus.Fields{"key": hexBytes(k), "val": hexBytes(v)}).Debug("PREV")
		}
	} else {
		k, v = bcur.Next()
		if debugLogRawScans {
			logger.WithFields(logrus.Fields{"key": hexBytes(k), "val": hexBytes(v)}).Debug("NEXT")
		}
	}
	if k != nil && r.match(k, v, logger) {
		return k, v
	} else {
		return nil, nil
	}
}

func (r *RawRange) match(k, v []byte, logger logrus.FieldLogger) bool {
	if r.Prefix != nil && !bytes.HasPrefix(k, r.Prefix) {
		if debugLogRawScans {
			logger.WithFields(logrus.Fields{"prefix": hexBytes(r.Prefix), "key": hexBytes(k), "val": hexBytes(v)}).Debug("BAIL on prefix")
		}
		return false
	}
	if r.Reverse {
		if lower := r.Lower; lower != nil {
			cmp := bytes.Compare(k, lower)
			if cmp == -1 || (cmp == 0 && !r.LowerInc) {
				if debugLogRawScans {
					logger.WithFields(logrus.Fields{"lower": hexBytes(lower), "key": hexBytes(k), "val": hexBytes(v)}).Debug("BAIL on lower")
				}
				return false
			}
		}
	} else {
		if upper := r.Upper; upper != nil {
			cmp := bytes.Compare(k, upper)
			if cmp == 1 || (cmp == 0 && !r.UpperInc) {
				if debugLogRawScans {
					logger.WithFields(logrus.Fields{"upper": hexBytes(upper), "key": hexBytes(k), "val": hexBytes(v)}).Debug("BAIL on upper")
				}
				return false
			}
		}
	}
	if debugLogRawScans {
		logger.WithFields(logrus.Fields{"key": hexBytes(k), "val": hexBytes(v)}).Debug("MATCH")
	}
	return true
}

func (rang *RawRange) newCursor(bcur Cursor, logger logrus.FieldLogger) *RawRangeCursor {
	return &RawRangeCursor{rang: *rang, bcur: bcur, logger: logger}
}

type RawRangeCursor struct {
	rang   RawRange
	bcur   Cursor
	logger logrus.FieldLogger
	k, v   []byte
	init   bool
}

func (c *RawRangeCursor) Next() bool {
	if c.init {
		c.k, c.v = c.rang.next(c.bcur, c.logger)
	} else {
		c.init = true
		c.k, c.v = c.rang.start(c.bcur, c.logger)
	}
	return c.k != nil
}

func (c *RawRangeCursor) Key() []byte   { return c.k }
func (c *RawRangeCursor) Value() []byte { return c.v }
