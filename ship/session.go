package ship

import (
	"context"
	"net"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/andreyvit/histdb/abi"
)

type State int32

const (
	Disconnected State = iota
	Resolving
	Connecting
	Handshaking
	AwaitingSchema
	Streaming
	Closed
)

var stateNames = [...]string{"disconnected", "resolving", "connecting", "handshaking", "awaiting_schema", "streaming", "closed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid"
}

// Handler consumes a session. Calls are made from the goroutine running
// Session.Run, one message at a time, so a block is fully applied before
// the next message is read.
type Handler interface {
	// ReceivedSchema is called once the upstream has sent its schema and
	// returns the blocks request to send.
	ReceivedSchema(codec *Codec, raw []byte) (*GetBlocksRequest, error)

	ReceivedStatus(r *GetStatusResult) error

	// ReceivedBlocks applies one block. Returning false ends the session
	// without an error.
	ReceivedBlocks(r *GetBlocksResult) (bool, error)

	// Closed is called exactly once when the session ends.
	Closed(retryable bool)
}

type Options struct {
	// Endpoint is a ws:// or wss:// URL.
	Endpoint string

	// StopBefore ends the session cleanly when a block with this or a
	// higher number arrives. Zero means never.
	StopBefore uint32

	// Compressed means deltas and traces are zlib-compressed.
	Compressed bool

	// RequestStatus sends a status request before the blocks request.
	RequestStatus bool

	// ReadLimit caps the size of one message. Zero means no limit.
	ReadLimit int64

	DialTimeout time.Duration

	Resolver *net.Resolver
	Logger   logrus.FieldLogger
}

// Session is one connection to a state history endpoint:
// Disconnected → Resolving → Connecting → Handshaking → AwaitingSchema →
// Streaming → Closed. A Session is used once; reconnecting means creating a
// new one.
type Session struct {
	opt     Options
	handler Handler
	log     logrus.FieldLogger
	state   atomic.Int32

	conn  *websocket.Conn
	codec *Codec
}

func NewSession(opt Options, handler Handler) *Session {
	if opt.Logger == nil {
		opt.Logger = logrus.StandardLogger()
	}
	if opt.Resolver == nil {
		opt.Resolver = net.DefaultResolver
	}
	return &Session{
		opt:     opt,
		handler: handler,
		log:     opt.Logger.WithField("endpoint", opt.Endpoint),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.log.WithField("state", st).Debug("ship: state")
}

// Run drives the session to completion. It returns nil when the session
// ends cleanly (handler asked to stop, or StopBefore was reached).
func (s *Session) Run(ctx context.Context) (err error) {
	if s.State() != Disconnected {
		return errors.New("ship: session already used")
	}
	defer func() {
		if ctx.Err() != nil && err != nil {
			err = ctx.Err()
		}
		s.close(err)
	}()

	u, err := url.Parse(s.opt.Endpoint)
	if err != nil {
		return protoErr("endpoint", err)
	}
	host, port := u.Hostname(), u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "wss" {
			port = "443"
		}
	}

	s.setState(Resolving)
	addrs, err := s.opt.Resolver.LookupHost(ctx, host)
	if err != nil {
		return protoErr("resolve", err)
	}

	s.setState(Connecting)
	dialer := net.Dialer{Timeout: s.opt.DialTimeout}
	var raw net.Conn
	for _, addr := range addrs {
		raw, err = dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, port))
		if err == nil {
			break
		}
		s.log.WithError(err).WithField("addr", addr).Debug("ship: connect failed")
	}
	if raw == nil {
		return protoErr("connect", err)
	}

	s.setState(Handshaking)
	wsd := websocket.Dialer{
		NetDial: func(network, addr string) (net.Conn, error) {
			return raw, nil
		},
		HandshakeTimeout: s.opt.DialTimeout,
	}
	conn, _, err := wsd.DialContext(ctx, u.String(), nil)
	if err != nil {
		raw.Close()
		return protoErr("handshake", err)
	}
	s.conn = conn
	if s.opt.ReadLimit > 0 {
		conn.SetReadLimit(s.opt.ReadLimit)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.setState(AwaitingSchema)
	msg, err := s.read()
	if err != nil {
		return err
	}
	schema, err := abi.ParseJSON(msg)
	if err != nil {
		return protoErr("schema", err)
	}
	s.codec, err = NewCodec(schema, s.opt.Compressed)
	if err != nil {
		return err
	}
	req, err := s.handler.ReceivedSchema(s.codec, msg)
	if err != nil {
		return err
	}

	s.setState(Streaming)
	if s.opt.RequestStatus {
		bin, err := s.codec.EncodeStatusRequest()
		if err != nil {
			return err
		}
		if err := s.send(bin); err != nil {
			return err
		}
	}
	if req.EndBlockNum == 0 {
		req.EndBlockNum = Unbounded
	}
	if req.MaxMessagesInFlight == 0 {
		req.MaxMessagesInFlight = Unbounded
	}
	bin, err := s.codec.EncodeBlocksRequest(req)
	if err != nil {
		return err
	}
	if err := s.send(bin); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"start":     req.StartBlockNum,
		"positions": len(req.HavePositions),
	}).Info("ship: requested blocks")

	return s.stream(req.MaxMessagesInFlight != Unbounded)
}

func (s *Session) stream(ack bool) error {
	for {
		msg, err := s.read()
		if err != nil {
			return err
		}
		res, err := s.codec.DecodeResult(msg)
		if err != nil {
			return err
		}
		switch r := res.(type) {
		case *GetStatusResult:
			if err := s.handler.ReceivedStatus(r); err != nil {
				return err
			}
			continue
		case *GetBlocksResult:
			if r.ThisBlock != nil {
				if s.opt.StopBefore != 0 && r.ThisBlock.BlockNum >= s.opt.StopBefore {
					s.log.WithField("block", r.ThisBlock.BlockNum).Info("ship: stop requested")
					return nil
				}
				keep, err := s.handler.ReceivedBlocks(r)
				if err != nil {
					return err
				}
				if !keep {
					return nil
				}
			}
		}
		if ack {
			bin, err := s.codec.EncodeAck(1)
			if err != nil {
				return err
			}
			if err := s.send(bin); err != nil {
				return err
			}
		}
	}
}

func (s *Session) read() ([]byte, error) {
	typ, msg, err := s.conn.ReadMessage()
	if err != nil {
		return nil, protoErr("read", err)
	}
	if typ != websocket.BinaryMessage && typ != websocket.TextMessage {
		return nil, protoErr("read", errors.Errorf("unexpected message type %d", typ))
	}
	return msg, nil
}

func (s *Session) send(bin []byte) error {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, bin); err != nil {
		return protoErr("write", err)
	}
	return nil
}

func (s *Session) close(err error) {
	s.setState(Closed)
	if s.conn != nil {
		if err == nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		}
		s.conn.Close()
	}
	retry := err != nil && Retryable(err)
	if err != nil {
		s.log.WithError(err).WithField("retryable", retry).Error("ship: session closed")
	} else {
		s.log.Info("ship: session closed")
	}
	s.handler.Closed(retry)
}
