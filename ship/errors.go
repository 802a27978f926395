package ship

import (
	stderrors "errors"

	"github.com/andreyvit/histdb/abi"
)

// ProtocolError is a transport, handshake or message-shape failure. It ends
// the session; the caller may reconnect.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return "ship: " + e.Op + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protoErr(op string, err error) error {
	return &ProtocolError{Op: op, Err: err}
}

// Retryable reports whether a session ended by err may be restarted: protocol
// and decode failures leave no partial writes behind.
func Retryable(err error) bool {
	var pe *ProtocolError
	var de *abi.DecodeError
	return stderrors.As(err, &pe) || stderrors.As(err, &de)
}
