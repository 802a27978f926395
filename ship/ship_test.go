package ship_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/histdb/abi"
	"github.com/andreyvit/histdb/internal/shiptest"
	"github.com/andreyvit/histdb/ship"
)

var (
	alice = abi.MustName("alice")
	bob   = abi.MustName("bob")
	token = abi.MustName("eosio.token")
	xfer  = abi.MustName("transfer")
)

func TestDecodeBlocksResult(t *testing.T) {
	c := shiptest.Codec()
	this := shiptest.Pos(7, 0)
	prev := shiptest.Pos(6, 0)
	msg := shiptest.EncodeBlocksResult(&ship.GetBlocksResult{
		Head:             shiptest.Pos(10, 0),
		LastIrreversible: shiptest.Pos(4, 0),
		ThisBlock:        &this,
		PrevBlock:        &prev,
		Deltas:           []byte{},
	})
	res, err := c.DecodeResult(msg)
	require.NoError(t, err)
	r, ok := res.(*ship.GetBlocksResult)
	require.True(t, ok, "%T", res)
	assert.Equal(t, shiptest.Pos(10, 0), r.Head)
	assert.Equal(t, uint32(4), r.LastIrreversible.BlockNum)
	require.NotNil(t, r.ThisBlock)
	assert.Equal(t, this, *r.ThisBlock)
	assert.Equal(t, prev, *r.PrevBlock)
	assert.Nil(t, r.Block)
	assert.Nil(t, r.Traces)
	assert.NotNil(t, r.Deltas)
	assert.Empty(t, r.Deltas)
}

func TestDecodeStatusResult(t *testing.T) {
	msg := shiptest.EncodeStatusResult(&ship.GetStatusResult{
		Head:               shiptest.Pos(100, 1),
		LastIrreversible:   shiptest.Pos(90, 1),
		TraceEndBlock:      101,
		ChainStateEndBlock: 101,
	})
	res, err := shiptest.Codec().DecodeResult(msg)
	require.NoError(t, err)
	r := res.(*ship.GetStatusResult)
	assert.Equal(t, uint32(100), r.Head.BlockNum)
	assert.Equal(t, uint32(101), r.ChainStateEndBlock)
}

func TestDecodeResultRejectsBadVariant(t *testing.T) {
	_, err := shiptest.Codec().DecodeResult([]byte{7})
	var de *abi.DecodeError
	require.ErrorAs(t, err, &de)
	assert.True(t, ship.Retryable(err))
}

func TestDecodeDeltas(t *testing.T) {
	rowData := shiptest.ContractRow(token, alice, abi.MustName("accounts"), 42, alice, []byte{1, 2})
	bin := shiptest.EncodeDeltas([]ship.TableDelta{
		{Name: "contract_row", Rows: []ship.Row{{Present: true, Data: rowData}, {Present: false, Data: rowData}}},
		{Name: "account", Rows: []ship.Row{{Present: true, Data: shiptest.Account(bob, 5)}}},
	})
	for _, compressed := range []bool{false, true} {
		c, err := ship.NewCodec(shiptest.Schema(), compressed)
		require.NoError(t, err)
		in := bin
		if compressed {
			in = shiptest.Deflate(bin)
		}
		deltas, err := c.Deltas(in)
		require.NoError(t, err)
		require.Len(t, deltas, 2)
		assert.Equal(t, "contract_row", deltas[0].Name)
		require.Len(t, deltas[0].Rows, 2)
		assert.True(t, deltas[0].Rows[0].Present)
		assert.False(t, deltas[0].Rows[1].Present)
		assert.Equal(t, rowData, deltas[0].Rows[0].Data)
		assert.Equal(t, "account", deltas[1].Name)
	}
}

func TestDecodeCompressedGarbage(t *testing.T) {
	c, err := ship.NewCodec(shiptest.Schema(), true)
	require.NoError(t, err)
	_, err = c.Deltas([]byte("not zlib"))
	var pe *ship.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "inflate", pe.Op)
}

func TestDecodeTraces(t *testing.T) {
	id := shiptest.ID(1, 9)
	failedID := shiptest.ID(2, 9)
	bin := shiptest.EncodeTraces([]shiptest.Trace{{
		ID:     id,
		Status: ship.StatusExecuted,
		Actions: []shiptest.Action{
			{Receiver: token, Account: token, Name: xfer, Data: []byte{1}, Console: "hi"},
			{Receiver: alice, Account: token, Name: xfer, Data: []byte{2}},
		},
		Failed: []shiptest.Trace{{ID: failedID, Status: ship.StatusHardFail, Actions: []shiptest.Action{{Receiver: bob, Account: bob, Name: xfer}}}},
	}})
	traces, err := shiptest.Codec().Traces(bin)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	tt := traces[0]
	assert.Equal(t, id, tt.ID)
	assert.Equal(t, ship.StatusExecuted, tt.Status)
	require.Len(t, tt.ActionTraces, 2)
	at := tt.ActionTraces[0]
	assert.Equal(t, uint32(1), at.ActionOrdinal)
	assert.Equal(t, token, at.Receiver)
	assert.Equal(t, token, at.Account)
	assert.Equal(t, xfer, at.Name)
	assert.Equal(t, []byte{1}, at.Data)
	assert.Equal(t, "hi", at.Console)
	assert.Equal(t, "action_trace_v0", at.Value.Type.Name)
	assert.Equal(t, uint32(2), tt.ActionTraces[1].ActionOrdinal)

	// Raw keeps the variant tag in front of the struct bytes
	assert.Equal(t, append([]byte{0}, at.Value.Raw...), at.Raw)
	assert.Equal(t, append([]byte{0}, tt.Value.Raw...), tt.Raw)
	assert.Equal(t, bin[1:], tt.Raw)

	require.Len(t, tt.FailedDeferred, 1)
	assert.Equal(t, failedID, tt.FailedDeferred[0].ID)
	assert.Equal(t, ship.StatusHardFail, tt.FailedDeferred[0].Status)
}

func TestDecodeBlockHeader(t *testing.T) {
	h := ship.BlockHeader{Timestamp: 1234, Producer: alice, Confirmed: 3, Previous: shiptest.ID(4, 0), ScheduleVersion: 2}
	got, err := shiptest.Codec().BlockHeader(shiptest.EncodeBlock(h))
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestEncodeRequests(t *testing.T) {
	c := shiptest.Codec()
	bin, err := c.EncodeBlocksRequest(&ship.GetBlocksRequest{
		StartBlockNum:       5,
		EndBlockNum:         ship.Unbounded,
		MaxMessagesInFlight: 3,
		HavePositions:       []ship.BlockPosition{shiptest.Pos(3, 0), shiptest.Pos(4, 0)},
		FetchDeltas:         true,
	})
	require.NoError(t, err)
	req, err := shiptest.DecodeRequest(bin)
	require.NoError(t, err)
	require.NotNil(t, req.Blocks)
	assert.Equal(t, uint32(5), req.Blocks.StartBlockNum)
	assert.Equal(t, uint32(3), req.Blocks.MaxMessagesInFlight)
	assert.Equal(t, []ship.BlockPosition{shiptest.Pos(3, 0), shiptest.Pos(4, 0)}, req.Blocks.HavePositions)
	assert.True(t, req.Blocks.FetchDeltas)
	assert.False(t, req.Blocks.FetchTraces)

	bin, err = c.EncodeAck(1)
	require.NoError(t, err)
	req, err = shiptest.DecodeRequest(bin)
	require.NoError(t, err)
	assert.Equal(t, "get_blocks_ack_request_v0", req.Kind)
	assert.Equal(t, uint32(1), req.Acks)

	bin, err = c.EncodeStatusRequest()
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, bin)
}

func TestParseTrxFilter(t *testing.T) {
	f, err := ship.ParseTrxFilter("+:executed:alice")
	require.NoError(t, err)
	assert.True(t, f.Include)
	require.NotNil(t, f.Status)
	assert.Equal(t, ship.StatusExecuted, *f.Status)
	require.NotNil(t, f.Receiver)
	assert.Equal(t, alice, *f.Receiver)
	assert.Nil(t, f.Account)
	assert.Nil(t, f.Action)

	f, err = ship.ParseTrxFilter("-:::eosio.token:transfer")
	require.NoError(t, err)
	assert.False(t, f.Include)
	assert.Nil(t, f.Status)
	assert.Equal(t, token, *f.Account)
	assert.Equal(t, xfer, *f.Action)

	for _, bad := range []string{"", "*", "+:bogus", "+::BAD", "+:::::"} {
		_, err := ship.ParseTrxFilter(bad)
		assert.Error(t, err, bad)
	}
}

func TestFilterTraces(t *testing.T) {
	mk := func(status ship.TransactionStatus, receivers ...abi.Name) ship.TransactionTrace {
		tt := ship.TransactionTrace{Status: status}
		for _, r := range receivers {
			tt.ActionTraces = append(tt.ActionTraces, ship.ActionTrace{Receiver: r, Account: token, Name: xfer})
		}
		return tt
	}
	traces := []ship.TransactionTrace{
		mk(ship.StatusExecuted, token, alice),
		mk(ship.StatusExecuted, bob),
		mk(ship.StatusSoftFail, alice),
	}

	assert.Len(t, ship.FilterTraces(nil, traces), 3)

	filters, err := ship.ParseTrxFilters([]string{"-::bob", "+:executed", "-"})
	require.NoError(t, err)
	got := ship.FilterTraces(filters, traces)
	require.Len(t, got, 1)
	assert.Len(t, got[0].ActionTraces, 2)

	filters, err = ship.ParseTrxFilters([]string{"+::alice"})
	require.NoError(t, err)
	got = ship.FilterTraces(filters, traces)
	require.Len(t, got, 2)
	require.Len(t, got[0].ActionTraces, 1)
	assert.Equal(t, alice, got[0].ActionTraces[0].Receiver)

	// a rejected failed deferred trace drops its parent
	parent := mk(ship.StatusExecuted, alice)
	parent.FailedDeferred = []ship.TransactionTrace{mk(ship.StatusHardFail, bob)}
	assert.Empty(t, ship.FilterTraces(filters, []ship.TransactionTrace{parent}))
}

type recorder struct {
	request  ship.GetBlocksRequest
	statuses int
	blocks   []uint32
	stopAt   uint32
	closed   int
	retry    bool
	fail     error
}

func (r *recorder) ReceivedSchema(codec *ship.Codec, raw []byte) (*ship.GetBlocksRequest, error) {
	req := r.request
	return &req, nil
}

func (r *recorder) ReceivedStatus(*ship.GetStatusResult) error {
	r.statuses++
	return nil
}

func (r *recorder) ReceivedBlocks(res *ship.GetBlocksResult) (bool, error) {
	if r.fail != nil {
		return false, r.fail
	}
	r.blocks = append(r.blocks, res.ThisBlock.BlockNum)
	return res.ThisBlock.BlockNum != r.stopAt, nil
}

func (r *recorder) Closed(retry bool) {
	r.closed++
	r.retry = retry
}

func sendBlocks(c *shiptest.Conn, from, to uint32) {
	for n := from; n <= to; n++ {
		this, prev := shiptest.Pos(n, 0), shiptest.Pos(n-1, 0)
		c.Send(shiptest.EncodeBlocksResult(&ship.GetBlocksResult{
			Head: shiptest.Pos(to, 0), LastIrreversible: shiptest.Pos(1, 0),
			ThisBlock: &this, PrevBlock: &prev,
		}))
	}
}

func run(t *testing.T, url string, opt ship.Options, h ship.Handler) (*ship.Session, error) {
	t.Helper()
	opt.Endpoint = url
	opt.DialTimeout = 5 * time.Second
	s := ship.NewSession(opt, h)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.Run(ctx)
	return s, err
}

func TestSessionStreams(t *testing.T) {
	requests := make(chan *ship.GetBlocksRequest, 1)
	up := shiptest.NewUpstream(t, func(c *shiptest.Conn) {
		c.SendABI()
		req, err := c.ReadBlocksRequest()
		if err != nil {
			t.Errorf("read request: %v", err)
			return
		}
		requests <- req
		c.Send(shiptest.EncodeStatusResult(&ship.GetStatusResult{Head: shiptest.Pos(9, 0)}))
		c.Send(shiptest.EncodeBlocksResult(&ship.GetBlocksResult{Head: shiptest.Pos(9, 0)}))
		sendBlocks(c, req.StartBlockNum, 9)
		c.Drain()
	})

	h := &recorder{
		request: ship.GetBlocksRequest{StartBlockNum: 3, HavePositions: []ship.BlockPosition{shiptest.Pos(2, 0)}, FetchDeltas: true},
		stopAt:  6,
	}
	s, err := run(t, up.URL, ship.Options{RequestStatus: true}, h)
	require.NoError(t, err)
	assert.Equal(t, ship.Closed, s.State())
	assert.Equal(t, []uint32{3, 4, 5, 6}, h.blocks)
	assert.Equal(t, 1, h.statuses)
	assert.Equal(t, 1, h.closed)
	assert.False(t, h.retry)

	req := <-requests
	assert.Equal(t, uint32(3), req.StartBlockNum)
	assert.Equal(t, uint32(ship.Unbounded), req.EndBlockNum)
	assert.Equal(t, uint32(ship.Unbounded), req.MaxMessagesInFlight)
	assert.Equal(t, []ship.BlockPosition{shiptest.Pos(2, 0)}, req.HavePositions)
}

func TestSessionStopBefore(t *testing.T) {
	up := shiptest.NewUpstream(t, func(c *shiptest.Conn) {
		c.SendABI()
		if _, err := c.ReadBlocksRequest(); err != nil {
			return
		}
		sendBlocks(c, 1, 20)
		c.Drain()
	})
	h := &recorder{request: ship.GetBlocksRequest{StartBlockNum: 1}}
	_, err := run(t, up.URL, ship.Options{StopBefore: 4}, h)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3}, h.blocks)
	assert.False(t, h.retry)
}

func TestSessionAcks(t *testing.T) {
	acks := make(chan uint32, 10)
	up := shiptest.NewUpstream(t, func(c *shiptest.Conn) {
		c.SendABI()
		if _, err := c.ReadBlocksRequest(); err != nil {
			return
		}
		for n := uint32(1); n <= 3; n++ {
			sendBlocks(c, n, n)
			req, err := c.ReadRequest()
			if err != nil {
				return
			}
			acks <- req.Acks
		}
		c.Drain()
	})
	h := &recorder{request: ship.GetBlocksRequest{StartBlockNum: 1, MaxMessagesInFlight: 1}, stopAt: 3}
	_, err := run(t, up.URL, ship.Options{}, h)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3}, h.blocks)
	// the last block stops the session before it is acknowledged
	assert.Equal(t, uint32(1), <-acks)
	assert.Equal(t, uint32(1), <-acks)
}

func TestSessionRejectsSchemaVersion(t *testing.T) {
	up := shiptest.NewUpstream(t, func(c *shiptest.Conn) {
		c.Send([]byte(`{"version": "eosio::abi/2.0"}`))
		c.Drain()
	})
	h := &recorder{}
	s, err := run(t, up.URL, ship.Options{}, h)
	var pe *ship.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "schema", pe.Op)
	assert.Equal(t, ship.Closed, s.State())
	assert.Equal(t, 1, h.closed)
	assert.True(t, h.retry)
}

func TestSessionDecodeFailure(t *testing.T) {
	up := shiptest.NewUpstream(t, func(c *shiptest.Conn) {
		c.SendABI()
		if _, err := c.ReadBlocksRequest(); err != nil {
			return
		}
		c.Send([]byte{1, 0xFF})
		c.Drain()
	})
	h := &recorder{}
	_, err := run(t, up.URL, ship.Options{}, h)
	var de *abi.DecodeError
	require.ErrorAs(t, err, &de)
	assert.True(t, h.retry)
}

type fatalError struct{}

func (fatalError) Error() string { return "fatal" }

func TestSessionHandlerError(t *testing.T) {
	up := shiptest.NewUpstream(t, func(c *shiptest.Conn) {
		c.SendABI()
		if _, err := c.ReadBlocksRequest(); err != nil {
			return
		}
		sendBlocks(c, 1, 1)
		c.Drain()
	})
	h := &recorder{fail: fatalError{}}
	_, err := run(t, up.URL, ship.Options{}, h)
	assert.ErrorIs(t, err, fatalError{})
	assert.False(t, h.retry)
	assert.Equal(t, 1, h.closed)
}

func TestSessionConnectFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	h := &recorder{}
	s, err := run(t, "ws://"+addr, ship.Options{}, h)
	var pe *ship.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "connect", pe.Op)
	assert.Equal(t, ship.Closed, s.State())
	assert.True(t, h.retry)
}

func TestSessionCancel(t *testing.T) {
	up := shiptest.NewUpstream(t, func(c *shiptest.Conn) {
		c.SendABI()
		c.Drain()
	})
	h := &recorder{request: ship.GetBlocksRequest{StartBlockNum: 1}}
	s := ship.NewSession(ship.Options{Endpoint: up.URL}, h)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for st := s.State(); st != ship.Streaming && st != ship.Closed; st = s.State() {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, h.retry)
}
