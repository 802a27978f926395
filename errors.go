package histdb

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	errReadOnly = errors.New("tx not writable")

	// ErrEndIterator is returned when dereferencing an end-of-range handle.
	ErrEndIterator = errors.New("histdb: dereferencing end iterator")

	// ErrStaleIterator is returned for handles that were released or never
	// issued by this cache.
	ErrStaleIterator = errors.New("histdb: stale iterator handle")

	// ErrNoSchema is returned by queries before any ABI has been stored.
	ErrNoSchema = errors.New("histdb: no schema received yet")
)

// DataError reports undecodable stored bytes.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// ConsistencyError means the incoming block stream does not fit the stored
// history: a missing block, a mismatched previous block, or a fork below the
// committed revision. Ingestion stops; retrying the same stream won't help.
type ConsistencyError struct {
	Block uint32
	Msg   string
}

func consistencyErrf(block uint32, format string, args ...any) error {
	return &ConsistencyError{block, fmt.Sprintf(format, args...)}
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("block %d: %s", e.Block, e.Msg)
}

// IsConsistencyError reports whether err is or wraps a *ConsistencyError.
func IsConsistencyError(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}

// TableError annotates a row-level failure with its table, index and key.
type TableError struct {
	Table *Table
	Index *Index
	Key   []byte
	Msg   string
	Err   error
}

func tableErrf(tbl *Table, idx *Index, key []byte, err error, format string, args ...any) error {
	return &TableError{tbl, idx, key, fmt.Sprintf(format, args...), err}
}

func (e *TableError) Unwrap() error {
	return e.Err
}

func (e *TableError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Table.Name())
	if e.Index != nil {
		buf.WriteByte('.')
		buf.WriteString(e.Index.Name())
	}
	if e.Key != nil {
		fmt.Fprintf(&buf, "/%x", e.Key)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// QueryError is returned for malformed query requests: unknown query
// names, short argument buffers, bad field values.
type QueryError struct {
	Query string
	Msg   string
	Err   error
}

func queryErrf(query string, err error, format string, args ...any) error {
	return &QueryError{query, fmt.Sprintf(format, args...), err}
}

func (e *QueryError) Unwrap() error { return e.Err }

func (e *QueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("query %s: %s: %v", e.Query, e.Msg, e.Err)
	}
	return fmt.Sprintf("query %s: %s", e.Query, e.Msg)
}
