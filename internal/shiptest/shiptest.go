// Package shiptest provides a fake state history upstream and fixture
// builders for tests.
package shiptest

import (
	"bytes"
	"compress/zlib"
	_ "embed"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/andreyvit/histdb/abi"
	"github.com/andreyvit/histdb/ship"
)

//go:embed testdata/ship_abi.json
var ABI []byte

var (
	schemaOnce sync.Once
	schema     *abi.Schema
)

// Schema returns the parsed fixture ABI.
func Schema() *abi.Schema {
	schemaOnce.Do(func() {
		var err error
		schema, err = abi.ParseJSON(ABI)
		if err != nil {
			panic(err)
		}
	})
	return schema
}

func Codec() *ship.Codec {
	c, err := ship.NewCodec(Schema(), false)
	if err != nil {
		panic(err)
	}
	return c
}

// ID returns a block id that encodes the block number and a fork tag, so
// that the same height on two forks has two different ids.
func ID(num uint32, fork byte) abi.Checksum256 {
	var id abi.Checksum256
	binary.BigEndian.PutUint32(id[:], num)
	id[31] = fork
	return id
}

func Pos(num uint32, fork byte) ship.BlockPosition {
	return ship.BlockPosition{BlockNum: num, BlockID: ID(num, fork)}
}

func writePos(w *abi.Writer, p ship.BlockPosition) {
	w.Uint32(p.BlockNum).Checksum256(p.BlockID)
}

func writeOptPos(w *abi.Writer, p *ship.BlockPosition) {
	w.Optional(p != nil)
	if p != nil {
		writePos(w, *p)
	}
}

func writeOptBytes(w *abi.Writer, b []byte) {
	w.Optional(b != nil)
	if b != nil {
		w.VarBytes(b)
	}
}

func EncodeStatusResult(r *ship.GetStatusResult) []byte {
	var w abi.Writer
	w.Variant(0)
	writePos(&w, r.Head)
	writePos(&w, r.LastIrreversible)
	w.Uint32(r.TraceBeginBlock).Uint32(r.TraceEndBlock).Uint32(r.ChainStateBeginBlock).Uint32(r.ChainStateEndBlock)
	return w.Bytes()
}

func EncodeBlocksResult(r *ship.GetBlocksResult) []byte {
	var w abi.Writer
	w.Variant(1)
	writePos(&w, r.Head)
	writePos(&w, r.LastIrreversible)
	writeOptPos(&w, r.ThisBlock)
	writeOptPos(&w, r.PrevBlock)
	writeOptBytes(&w, r.Block)
	writeOptBytes(&w, r.Traces)
	writeOptBytes(&w, r.Deltas)
	return w.Bytes()
}

func EncodeDeltas(deltas []ship.TableDelta) []byte {
	var w abi.Writer
	w.Varuint32(uint32(len(deltas)))
	for _, d := range deltas {
		w.Variant(0).String(d.Name).Varuint32(uint32(len(d.Rows)))
		for _, r := range d.Rows {
			w.Bool(r.Present).VarBytes(r.Data)
		}
	}
	return w.Bytes()
}

type Action struct {
	Receiver abi.Name
	Account  abi.Name
	Name     abi.Name
	Data     []byte
	Console  string
}

type Trace struct {
	ID      abi.Checksum256
	Status  ship.TransactionStatus
	Actions []Action
	Failed  []Trace
}

func EncodeTraces(traces []Trace) []byte {
	var w abi.Writer
	w.Varuint32(uint32(len(traces)))
	for _, t := range traces {
		writeTrace(&w, t)
	}
	return w.Bytes()
}

func writeTrace(w *abi.Writer, t Trace) {
	w.Variant(0).Checksum256(t.ID).Uint8(uint8(t.Status)).Uint32(100).Varuint32(10).Int64(5).Uint64(80).Bool(false)
	w.Varuint32(uint32(len(t.Actions)))
	for i, a := range t.Actions {
		w.Variant(0).Varuint32(uint32(i + 1)).Varuint32(0)
		w.Optional(false)
		w.Name(a.Receiver)
		w.Name(a.Account).Name(a.Name).Varuint32(0).VarBytes(a.Data)
		w.Bool(false).Int64(1).String(a.Console).Varuint32(0)
		w.Optional(false).Optional(false)
	}
	w.Optional(false).Optional(false).Optional(false)
	w.Varuint32(uint32(len(t.Failed)))
	for _, f := range t.Failed {
		writeTrace(w, f)
	}
	w.Optional(false)
}

// ContractRow encodes a contract_row delta row.
func ContractRow(code, scope, table abi.Name, pk uint64, payer abi.Name, value []byte) []byte {
	var w abi.Writer
	w.Variant(0).Name(code).Name(scope).Name(table).Uint64(pk).Name(payer).VarBytes(value)
	return w.Bytes()
}

// Account encodes an account delta row.
func Account(name abi.Name, created uint32) []byte {
	var w abi.Writer
	w.Variant(0).Name(name).Uint32(created).VarBytes(nil)
	return w.Bytes()
}

// EncodeBlock encodes a signed block carrying the given header and no
// transactions.
func EncodeBlock(h ship.BlockHeader) []byte {
	var w abi.Writer
	w.Uint32(h.Timestamp).Name(h.Producer).Uint16(h.Confirmed)
	w.Checksum256(h.Previous).Checksum256(h.TransactionMroot).Checksum256(h.ActionMroot)
	w.Uint32(h.ScheduleVersion)
	w.Optional(false).Varuint32(0)
	w.Uint8(0).Raw(make([]byte, 65))
	w.Varuint32(0).Varuint32(0)
	return w.Bytes()
}

func Deflate(data []byte) []byte {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write(data)
	zw.Close()
	return buf.Bytes()
}

// Request is a request received by the upstream.
type Request struct {
	Kind   string
	Blocks *ship.GetBlocksRequest
	Acks   uint32
}

func DecodeRequest(bin []byte) (Request, error) {
	t := Schema().MustType("request")
	v, err := abi.DecodeAll(t, bin)
	if err != nil {
		return Request{}, err
	}
	req := Request{Kind: t.Fields[v.Index].Name}
	body := v.Items[0]
	field := func(name string) abi.Value {
		f, _ := body.Field(name)
		return f
	}
	switch req.Kind {
	case "get_blocks_request_v0":
		r := &ship.GetBlocksRequest{
			StartBlockNum:       uint32(field("start_block_num").Uint),
			EndBlockNum:         uint32(field("end_block_num").Uint),
			MaxMessagesInFlight: uint32(field("max_messages_in_flight").Uint),
			IrreversibleOnly:    field("irreversible_only").Bool(),
			FetchBlock:          field("fetch_block").Bool(),
			FetchTraces:         field("fetch_traces").Bool(),
			FetchDeltas:         field("fetch_deltas").Bool(),
		}
		for _, p := range field("have_positions").Items {
			n, _ := p.Field("block_num")
			id, _ := p.Field("block_id")
			r.HavePositions = append(r.HavePositions, ship.BlockPosition{BlockNum: uint32(n.Uint), BlockID: id.Checksum256()})
		}
		req.Blocks = r
	case "get_blocks_ack_request_v0":
		req.Acks = uint32(field("num_messages").Uint)
	}
	return req, nil
}

// Conn is the upstream side of one session.
type Conn struct {
	t  testing.TB
	ws *websocket.Conn
}

func (c *Conn) SendABI() error {
	return c.ws.WriteMessage(websocket.TextMessage, ABI)
}

func (c *Conn) Send(msg []byte) error {
	return c.ws.WriteMessage(websocket.BinaryMessage, msg)
}

func (c *Conn) ReadRequest() (Request, error) {
	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		return Request{}, err
	}
	return DecodeRequest(msg)
}

// ReadBlocksRequest reads requests until a blocks request arrives.
func (c *Conn) ReadBlocksRequest() (*ship.GetBlocksRequest, error) {
	for {
		req, err := c.ReadRequest()
		if err != nil {
			return nil, err
		}
		if req.Blocks != nil {
			return req.Blocks, nil
		}
	}
}

// Drain reads and discards requests until the peer goes away.
func (c *Conn) Drain() {
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// Upstream is a fake state history endpoint. Each accepted connection is
// passed to the serve function and closed when it returns.
type Upstream struct {
	Server *httptest.Server
	URL    string

	mu       sync.Mutex
	sessions int
}

func NewUpstream(t testing.TB, serve func(c *Conn)) *Upstream {
	u := &Upstream{}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		u.mu.Lock()
		u.sessions++
		u.mu.Unlock()
		serve(&Conn{t: t, ws: ws})
	}))
	u.URL = "ws" + strings.TrimPrefix(u.Server.URL, "http")
	t.Cleanup(u.Server.Close)
	return u
}

// Sessions returns the number of connections accepted so far.
func (u *Upstream) Sessions() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessions
}
