package histdb

import (
	"errors"
	"strings"
	"testing"

	pkgerrors "github.com/pkg/errors"

	"github.com/andreyvit/histdb/abi"
)

func TestDataError_ErrorAndUnwrap(t *testing.T) {
	t.Run("small data", func(t *testing.T) {
		inner := errors.New("inner")
		err := dataErrf([]byte{0xAA, 0xBB}, 1, inner, "oops")
		var de *DataError
		if !errors.As(err, &de) {
			t.Fatalf("err = %T, wanted *DataError", err)
		}
		if !errors.Is(err, inner) {
			t.Fatalf("errors.Is(err, inner) = false, wanted true")
		}
		s := err.Error()
		if !strings.Contains(s, "oops") || !strings.Contains(s, "inner") || !strings.Contains(s, "(2)") {
			t.Fatalf("err.Error() = %q, wanted message with oops/inner/(2)", s)
		}
	})

	t.Run("large data includes prefix+suffix", func(t *testing.T) {
		data := make([]byte, 200)
		for i := range data {
			data[i] = byte(i)
		}
		err := dataErrf(data, 0, nil, "oops")
		s := err.Error()
		if !strings.Contains(s, "(200)") || !strings.Contains(s, "...") {
			t.Fatalf("err.Error() = %q, wanted message with (200) and ...", s)
		}
	})
}

func TestTableError_ErrorAndUnwrap(t *testing.T) {
	as := must(abi.ParseJSON([]byte(testABI)))
	scm := must(NewSchema(as, must(ParseQueryConfig([]byte(testQueries)))))
	tbl := scm.TableNamed("item")
	idx := tbl.IndexNamed("byowner")

	inner := errors.New("inner")
	err := tableErrf(tbl, idx, []byte("k"), inner, "oops %d", 1)
	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is(err, inner) = false, wanted true")
	}
	s := err.Error()
	if !strings.Contains(s, "item.byowner") || !strings.Contains(s, "/6b") || !strings.Contains(s, "oops 1") || !strings.Contains(s, "inner") {
		t.Fatalf("err.Error() = %q, wanted table/index/key/msg/inner", s)
	}

	s = (&TableError{Table: tbl, Err: inner}).Error()
	if s != "item: inner" {
		t.Fatalf("TableError.Error() = %q, wanted %q", s, "item: inner")
	}
}

func TestConsistencyError(t *testing.T) {
	err := pkgerrors.Wrap(consistencyErrf(12, "missing block %d", 11), "start")
	if !IsConsistencyError(err) {
		t.Fatalf("IsConsistencyError(%v) = false", err)
	}
	if got := err.Error(); got != "start: block 12: missing block 11" {
		t.Fatalf("err.Error() = %q", got)
	}
	if IsConsistencyError(errors.New("x")) {
		t.Fatalf("plain error reported as consistency error")
	}
}

func TestQueryError(t *testing.T) {
	err := queryErrf("item.range", errors.New("short"), "bad args")
	if got := err.Error(); got != "query item.range: bad args: short" {
		t.Fatalf("err.Error() = %q", got)
	}
	if got := queryErrf("x", nil, "unknown").Error(); got != "query x: unknown" {
		t.Fatalf("err.Error() = %q", got)
	}
}
