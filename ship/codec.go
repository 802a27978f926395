package ship

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/pkg/errors"

	"github.com/andreyvit/histdb/abi"
)

// Codec encodes requests and decodes results using the types of the schema
// the upstream sent at session start.
type Codec struct {
	Schema *abi.Schema

	// Compressed means deltas and traces arrive zlib-compressed.
	Compressed bool

	request *abi.Type
	result  *abi.Type
	deltas  *abi.Type
	traces  *abi.Type
	block   *abi.Type
}

func NewCodec(schema *abi.Schema, compressed bool) (*Codec, error) {
	c := &Codec{Schema: schema, Compressed: compressed}
	var err error
	for _, r := range []struct {
		name string
		dst  **abi.Type
	}{
		{"request", &c.request},
		{"result", &c.result},
		{"table_delta[]", &c.deltas},
		{"transaction_trace[]", &c.traces},
	} {
		*r.dst, err = schema.Type(r.name)
		if err != nil {
			return nil, protoErr("schema", err)
		}
	}
	// Only needed when blocks are fetched.
	c.block, _ = schema.Type("signed_block")
	return c, nil
}

func (c *Codec) EncodeStatusRequest() ([]byte, error) {
	return c.encodeRequest("get_status_request_v0", func(w *abi.Writer) {})
}

func (c *Codec) EncodeBlocksRequest(req *GetBlocksRequest) ([]byte, error) {
	return c.encodeRequest("get_blocks_request_v0", func(w *abi.Writer) {
		w.Uint32(req.StartBlockNum).Uint32(req.EndBlockNum).Uint32(req.MaxMessagesInFlight)
		w.Varuint32(uint32(len(req.HavePositions)))
		for _, p := range req.HavePositions {
			w.Uint32(p.BlockNum).Checksum256(p.BlockID)
		}
		w.Bool(req.IrreversibleOnly).Bool(req.FetchBlock).Bool(req.FetchTraces).Bool(req.FetchDeltas)
	})
}

func (c *Codec) EncodeAck(numMessages uint32) ([]byte, error) {
	return c.encodeRequest("get_blocks_ack_request_v0", func(w *abi.Writer) {
		w.Uint32(numMessages)
	})
}

// encodeRequest writes the request variant and checks the result against
// the schema, so a mismatched upstream ABI is caught before sending.
func (c *Codec) encodeRequest(alt string, body func(w *abi.Writer)) ([]byte, error) {
	idx := c.request.Alternative(alt)
	if idx < 0 {
		return nil, protoErr("encode", errors.Errorf("request variant has no %s", alt))
	}
	var w abi.Writer
	w.Variant(uint32(idx))
	body(&w)
	if _, err := abi.DecodeAll(c.request, w.Bytes()); err != nil {
		return nil, protoErr("encode", errors.Wrapf(err, "%s does not match the schema", alt))
	}
	return w.Bytes(), nil
}

// DecodeResult returns either *GetStatusResult or *GetBlocksResult.
func (c *Codec) DecodeResult(msg []byte) (any, error) {
	v, err := abi.DecodeAll(c.result, msg)
	if err != nil {
		return nil, err
	}
	alt := c.result.Fields[v.Index].Name
	f := fields{v: v.Items[0], typ: alt}
	switch alt {
	case "get_status_result_v0":
		r := &GetStatusResult{
			Head:                 f.position("head"),
			LastIrreversible:     f.position("last_irreversible"),
			TraceBeginBlock:      f.uint32("trace_begin_block"),
			TraceEndBlock:        f.uint32("trace_end_block"),
			ChainStateBeginBlock: f.uint32("chain_state_begin_block"),
			ChainStateEndBlock:   f.uint32("chain_state_end_block"),
		}
		return r, f.err
	case "get_blocks_result_v0":
		r := &GetBlocksResult{
			Head:             f.position("head"),
			LastIrreversible: f.position("last_irreversible"),
			ThisBlock:        f.optPosition("this_block"),
			PrevBlock:        f.optPosition("prev_block"),
			Block:            f.optBytes("block"),
			Traces:           f.optBytes("traces"),
			Deltas:           f.optBytes("deltas"),
			Raw:              msg,
		}
		return r, f.err
	default:
		return nil, protoErr("decode", errors.Errorf("unexpected result %s", alt))
	}
}

func (c *Codec) payload(data []byte) ([]byte, error) {
	if !c.Compressed {
		return data, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, protoErr("inflate", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, protoErr("inflate", err)
	}
	return out, nil
}

func (c *Codec) Deltas(data []byte) ([]TableDelta, error) {
	data, err := c.payload(data)
	if err != nil {
		return nil, err
	}
	v, err := abi.DecodeAll(c.deltas, data)
	if err != nil {
		return nil, err
	}
	deltas := make([]TableDelta, 0, len(v.Items))
	for _, item := range v.Items {
		f := fields{v: item.Unwrap(), typ: "table_delta"}
		d := TableDelta{Name: f.str("name")}
		for _, rv := range f.get("rows").Items {
			rf := fields{v: rv, typ: "row"}
			d.Rows = append(d.Rows, Row{Present: rf.bool("present"), Data: rf.get("data").Bytes})
			if rf.err != nil {
				return nil, rf.err
			}
		}
		if f.err != nil {
			return nil, f.err
		}
		deltas = append(deltas, d)
	}
	return deltas, nil
}

func (c *Codec) Traces(data []byte) ([]TransactionTrace, error) {
	data, err := c.payload(data)
	if err != nil {
		return nil, err
	}
	v, err := abi.DecodeAll(c.traces, data)
	if err != nil {
		return nil, err
	}
	traces := make([]TransactionTrace, 0, len(v.Items))
	for _, item := range v.Items {
		tt, err := transactionTrace(item)
		if err != nil {
			return nil, err
		}
		traces = append(traces, tt)
	}
	return traces, nil
}

func transactionTrace(v abi.Value) (TransactionTrace, error) {
	raw := v.Raw
	v = v.Unwrap()
	f := fields{v: v, typ: "transaction_trace"}
	tt := TransactionTrace{
		ID:            f.checksum("id"),
		Status:        TransactionStatus(f.uint32("status")),
		CPUUsageUS:    f.uint32("cpu_usage_us"),
		NetUsageWords: f.uint32("net_usage_words"),
		Elapsed:       f.get("elapsed").Int,
		NetUsage:      f.get("net_usage").Uint,
		Scheduled:     f.bool("scheduled"),
		Except:        f.optStr("except"),
		ErrorCode:     f.optUint64("error_code"),
		Value:         v,
		Raw:           raw,
	}
	for _, av := range f.get("action_traces").Items {
		at, err := actionTrace(av)
		if err != nil {
			return tt, err
		}
		tt.ActionTraces = append(tt.ActionTraces, at)
	}
	for _, rv := range f.get("failed_dtrx_trace").Items {
		rf := fields{v: rv, typ: "recurse_transaction_trace"}
		inner := rf.get("recurse")
		if rf.err != nil {
			return tt, rf.err
		}
		failed, err := transactionTrace(inner)
		if err != nil {
			return tt, err
		}
		tt.FailedDeferred = append(tt.FailedDeferred, failed)
	}
	return tt, f.err
}

func actionTrace(v abi.Value) (ActionTrace, error) {
	raw := v.Raw
	v = v.Unwrap()
	f := fields{v: v, typ: "action_trace"}
	act := fields{v: f.get("act"), typ: "action"}
	at := ActionTrace{
		ActionOrdinal:        f.uint32("action_ordinal"),
		CreatorActionOrdinal: f.uint32("creator_action_ordinal"),
		Receiver:             f.get("receiver").Name(),
		ContextFree:          f.bool("context_free"),
		Elapsed:              f.get("elapsed").Int,
		Console:              f.str("console"),
		Except:               f.optStr("except"),
		Value:                v,
		Raw:                  raw,
	}
	if f.err != nil {
		return at, f.err
	}
	at.Account = act.get("account").Name()
	at.Name = act.get("name").Name()
	at.Data = act.get("data").Bytes
	return at, act.err
}

func (c *Codec) BlockHeader(data []byte) (BlockHeader, error) {
	if c.block == nil {
		return BlockHeader{}, protoErr("decode", errors.New("schema has no signed_block"))
	}
	v, _, err := abi.Decode(c.block, data)
	if err != nil {
		return BlockHeader{}, err
	}
	f := fields{v: v, typ: "signed_block"}
	h := BlockHeader{
		Timestamp:        f.uint32("timestamp"),
		Producer:         f.get("producer").Name(),
		Confirmed:        uint16(f.uint32("confirmed")),
		Previous:         f.checksum("previous"),
		TransactionMroot: f.checksum("transaction_mroot"),
		ActionMroot:      f.checksum("action_mroot"),
		ScheduleVersion:  f.uint32("schedule_version"),
	}
	return h, f.err
}

// fields reads struct members, remembering the first missing one.
type fields struct {
	v   abi.Value
	typ string
	err error
}

func (f *fields) get(name string) abi.Value {
	if f.err != nil {
		return abi.Value{}
	}
	fv, ok := f.v.Field(name)
	if !ok {
		f.err = protoErr("decode", errors.Errorf("%s has no field %s", f.typ, name))
	}
	return fv
}

func (f *fields) uint32(name string) uint32 { return uint32(f.get(name).Uint) }

func (f *fields) bool(name string) bool { return f.get(name).Bool() }

func (f *fields) str(name string) string { return f.get(name).Str() }

func (f *fields) checksum(name string) abi.Checksum256 { return f.get(name).Checksum256() }

func (f *fields) position(name string) BlockPosition {
	return positionOf(f.get(name))
}

func (f *fields) optPosition(name string) *BlockPosition {
	v := f.get(name)
	if !v.Present {
		return nil
	}
	p := positionOf(v.Unwrap())
	return &p
}

func (f *fields) optBytes(name string) []byte {
	v := f.get(name)
	if !v.Present {
		return nil
	}
	b := v.Unwrap().Bytes
	if b == nil {
		b = []byte{}
	}
	return b
}

func (f *fields) optStr(name string) string {
	v := f.get(name)
	if !v.Present {
		return ""
	}
	return v.Unwrap().Str()
}

func (f *fields) optUint64(name string) *uint64 {
	v := f.get(name)
	if !v.Present {
		return nil
	}
	u := v.Unwrap().Uint
	return &u
}

func positionOf(v abi.Value) BlockPosition {
	var p BlockPosition
	if n, ok := v.Field("block_num"); ok {
		p.BlockNum = uint32(n.Uint)
	}
	if id, ok := v.Field("block_id"); ok {
		p.BlockID = id.Checksum256()
	}
	return p
}
