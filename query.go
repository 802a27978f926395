package histdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/andreyvit/histdb/abi"
)

// Query is a named range query over one index, optionally joined with
// another table.
type Query struct {
	name       abi.Name
	table      *Table
	index      *Index
	limitBlock bool
	maxResults uint32

	join      *Table
	joinIndex *Index
	joinKeys  []*Field
	fromJoin  []*Field
}

func (q *Query) Name() abi.Name { return q.name }

func (q *Query) Table() *Table { return q.table }

func (q *Query) Index() *Index { return q.index }

func (q *Query) LimitsBlock() bool { return q.limitBlock }

func (q *Query) MaxResults() uint32 { return q.maxResults }

func (q *Query) Join() *Table { return q.join }

// QueryRequest is a decoded query. First and Last hold the ABI binary of
// every field of the query's index; both bounds are inclusive.
type QueryRequest struct {
	Query      abi.Name
	MaxBlock   uint32
	First      []byte
	Last       []byte
	MaxResults uint32
}

// QueryRow is one result: the stored row followed by the fields taken from
// the joined row, if any.
type QueryRow struct {
	Block uint32
	Data  []byte
}

const joinCacheSize = 4096

// QuerySession runs queries against one snapshot, so every query in the
// session sees the same state no matter how far the writer advances.
type QuerySession struct {
	db    *DB
	snap  *Snapshot
	iters *IterCache
	joins *lru.Cache
	log   logrus.FieldLogger
}

func (db *DB) NewQuerySession() (*QuerySession, error) {
	if db.Schema() == nil {
		return nil, ErrNoSchema
	}
	snap, err := db.Snapshot()
	if err != nil {
		return nil, err
	}
	joins, err := lru.New(joinCacheSize)
	if err != nil {
		snap.Close()
		return nil, err
	}
	return &QuerySession{
		db:    db,
		snap:  snap,
		iters: newIterCache(snap),
		joins: joins,
		log:   db.log.WithField("head", snap.status.Head.Num),
	}, nil
}

func (qs *QuerySession) Snapshot() *Snapshot { return qs.snap }

// Iterators exposes the session's iterator cache for callers that page
// through a range one row at a time.
func (qs *QuerySession) Iterators() *IterCache { return qs.iters }

func (qs *QuerySession) Close() {
	qs.snap.Close()
}

// Query runs a named query with ABI-encoded arguments and returns the
// encoded result: varuint32 count, then varuint32 length and bytes of every
// row.
func (qs *QuerySession) Query(name abi.Name, args []byte) ([]byte, error) {
	q, err := qs.lookup(name)
	if err != nil {
		return nil, err
	}
	req, err := q.parseArgs(args)
	if err != nil {
		return nil, err
	}
	rows, err := qs.run(context.Background(), q, req)
	if err != nil {
		return nil, err
	}
	return encodeQueryResult(nil, rows), nil
}

// Run executes a decoded query.
func (qs *QuerySession) Run(ctx context.Context, req QueryRequest) ([]QueryRow, error) {
	q, err := qs.lookup(req.Query)
	if err != nil {
		return nil, err
	}
	return qs.run(ctx, q, req)
}

func (qs *QuerySession) lookup(name abi.Name) (*Query, error) {
	scm := qs.snap.Schema()
	if scm == nil {
		return nil, ErrNoSchema
	}
	q := scm.Query(name)
	if q == nil {
		return nil, queryErrf(name.String(), nil, "unknown query")
	}
	return q, nil
}

func (q *Query) parseArgs(args []byte) (QueryRequest, error) {
	req := QueryRequest{Query: q.name, MaxBlock: math.MaxUint32}
	rest := args
	if q.limitBlock {
		if len(rest) < 4 {
			return req, queryErrf(q.name.String(), nil, "missing max_block")
		}
		req.MaxBlock = binary.LittleEndian.Uint32(rest)
		rest = rest[4:]
	}
	var err error
	req.First, rest, err = q.splitBound(rest)
	if err != nil {
		return req, queryErrf(q.name.String(), err, "first")
	}
	req.Last, rest, err = q.splitBound(rest)
	if err != nil {
		return req, queryErrf(q.name.String(), err, "last")
	}
	if len(rest) != 4 {
		return req, queryErrf(q.name.String(), nil, "expected max_results:uint32, got %d bytes", len(rest))
	}
	req.MaxResults = binary.LittleEndian.Uint32(rest)
	return req, nil
}

// splitBound cuts one bound's worth of ABI binary off the front of bin.
func (q *Query) splitBound(bin []byte) ([]byte, []byte, error) {
	_, rest, err := q.index.boundKey(nil, bin)
	if err != nil {
		return nil, bin, err
	}
	return bin[:len(bin)-len(rest)], rest, nil
}

func (qs *QuerySession) run(ctx context.Context, q *Query, req QueryRequest) ([]QueryRow, error) {
	qs.db.QueryCount.Add(1)
	qname := q.name.String()

	first, rest, err := q.index.boundKey(nil, req.First)
	if err == nil && len(rest) != 0 {
		err = queryErrf(qname, nil, "%d extra bytes", len(rest))
	}
	if err != nil {
		return nil, queryErrf(qname, err, "first")
	}
	last, rest, err := q.index.boundKey(nil, req.Last)
	if err == nil && len(rest) != 0 {
		err = queryErrf(qname, nil, "%d extra bytes", len(rest))
	}
	if err != nil {
		return nil, queryErrf(qname, err, "last")
	}
	limit := prefixEnd(last)

	maxBlock := req.MaxBlock
	if !q.limitBlock {
		maxBlock = math.MaxUint32
	}
	maxRows := req.MaxResults
	if q.maxResults != 0 && q.maxResults < maxRows {
		maxRows = q.maxResults
	}

	var rows []QueryRow
	h, err := qs.iters.LowerBound(q.index, maxBlock, first)
	if err != nil {
		return nil, err
	}
	defer func() { qs.iters.Release(h) }()
	for !h.IsEnd() && uint32(len(rows)) < maxRows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := qs.iters.Deref(h)
		if err != nil {
			return nil, err
		}
		if limit != nil && bytes.Compare(row.Key, limit) >= 0 {
			break
		}
		out := QueryRow{Block: row.Block, Data: row.Data}
		keep := true
		if q.join != nil {
			out.Data, keep, err = qs.joinRow(q, maxBlock, row.Data)
			if err != nil {
				return nil, err
			}
		}
		if keep {
			rows = append(rows, out)
		}
		h, err = qs.iters.Next(h)
		if err != nil {
			return nil, err
		}
	}
	qs.log.WithFields(logrus.Fields{"query": qname, "max_block": maxBlock, "rows": len(rows)}).Debug("query")
	return rows, nil
}

type joinCacheKey struct {
	query    abi.Name
	maxBlock uint32
	key      string
}

// joinRow looks up the joined row for data and appends the requested
// fields of it. A row without a join partner is dropped.
func (qs *QuerySession) joinRow(q *Query, maxBlock uint32, data []byte) ([]byte, bool, error) {
	row, err := q.table.decodeRow(data)
	if err != nil {
		return nil, false, err
	}
	key := q.joinIndex.prefix(nil)
	for _, f := range q.joinKeys {
		key, err = appendFieldKey(key, f, row.value)
		if err != nil {
			return nil, false, tableErrf(q.table, nil, row.pk, err, "join key")
		}
	}

	ck := joinCacheKey{q.name, maxBlock, string(key)}
	var extra []byte
	if v, ok := qs.joins.Get(ck); ok {
		extra = v.([]byte)
	} else {
		extra, err = qs.lookupJoin(q, maxBlock, key)
		if err != nil {
			return nil, false, err
		}
		qs.joins.Add(ck, extra)
	}
	if extra == nil {
		return nil, false, nil
	}
	out := make([]byte, 0, len(data)+len(extra))
	out = append(out, data...)
	return append(out, extra...), true, nil
}

// lookupJoin returns the encoded join fields of the first joined row whose
// index key starts with key, or nil if there is none.
func (qs *QuerySession) lookupJoin(q *Query, maxBlock uint32, key []byte) ([]byte, error) {
	_, rk, err := seekVisible(qs.snap.Cursor(), qs.iters.mode, key, maxBlock, key)
	if err != nil || rk == nil {
		return nil, err
	}
	data := qs.snap.Get(rk)
	if data == nil {
		return nil, dataErrf(rk, 0, nil, "join index points at a missing row")
	}
	vle, err := decodeValue(data)
	if err != nil {
		return nil, err
	}
	jv, err := abi.DecodeAll(q.join.rowType, vle.Data)
	if err != nil {
		return nil, tableErrf(q.join, q.joinIndex, nil, err, "decode joined row")
	}
	extra := []byte{}
	for _, f := range q.fromJoin {
		v, ok := f.leaf.Get(jv)
		if !ok {
			return nil, tableErrf(q.join, nil, nil, nil, "joined row has no %s", f.name)
		}
		extra = append(extra, v.Raw...)
	}
	return extra, nil
}

func encodeQueryResult(buf []byte, rows []QueryRow) []byte {
	buf = abi.AppendVaruint32(buf, uint32(len(rows)))
	for _, r := range rows {
		buf = abi.AppendVaruint32(buf, uint32(len(r.Data)))
		buf = append(buf, r.Data...)
	}
	return buf
}

// DecodeQueryResult splits an encoded result into rows.
func DecodeQueryResult(data []byte) ([][]byte, error) {
	d := makeByteDecoder(data)
	n, err := d.Uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(data)) {
		return nil, dataErrf(data, 0, nil, "invalid row count %d", n)
	}
	rows := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		r, err := d.VarBytes()
		if err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
	return rows, nil
}
