package abi

import "fmt"

// DecodeError reports malformed binary data: a truncated buffer, a variant
// discriminant out of range, an invalid length.
type DecodeError struct {
	Data []byte
	Off  int
	Type string
	Msg  string
	Err  error
}

func decodeErrf(data []byte, off int, t *Type, err error, format string, args ...any) error {
	return &DecodeError{Data: data, Off: off, Type: t.String(), Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	msg := e.Msg
	if e.Type != "" {
		msg = e.Type + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		return fmt.Sprintf("%s at %d: (%d) %x", msg, e.Off, n, e.Data)
	}
	return fmt.Sprintf("%s at %d: (%d) %x...%x", msg, e.Off, n, e.Data[:prefixLen], e.Data[n-suffixLen:])
}
