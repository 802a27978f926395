package histdb

import (
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpTableHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpIndices
	DumpIndexRows
	DumpStatus

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the snapshot's contents for debugging.
func (s *Snapshot) Dump(f DumpFlags) string {
	var buf strings.Builder
	if f.Contains(DumpStatus) {
		fmt.Fprintf(&buf, "status: %s\n", s.status)
	}
	if s.schema == nil {
		buf.WriteString("no schema\n")
		return buf.String()
	}
	for _, tbl := range s.schema.Tables() {
		s.dumpTable(&buf, f, tbl)
	}
	return buf.String()
}

func (s *Snapshot) dumpTable(w *strings.Builder, f DumpFlags, tbl *Table) {
	prefix := tbl.Name()
	var st TableStats
	if f.Contains(DumpTableHeaders) || f.Contains(DumpStats) {
		st = s.TableStats(tbl)
	}

	if f.Contains(DumpTableHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d rows)\n", prefix, st.Rows)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: absent = %d, index_rows = %d, data_size = %d, index_size = %d\n", prefix, st.Absent, st.IndexRows, st.DataSize, st.IndexSize)
	}

	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		var rowPos int
		s.eachRow(tbl, func(k, v []byte) {
			rowPos++
			s.dumpRow(w, prefix, rowPos, k, v)
		})
	}

	if f.Contains(DumpIndices) {
		for _, idx := range tbl.indices {
			fmt.Fprintln(w, dumpSep2)
			fmt.Fprintf(w, "%s (%s)\n", idx.FullName(), idx.short)
			if f.Contains(DumpIndexRows) {
				s.dumpIndex(w, idx)
			}
		}
	}
}

func (s *Snapshot) dumpRow(w *strings.Builder, prefix string, rowPos int, k, v []byte) {
	vle, err := decodeValue(v)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = %s ** ERROR: %v\n", prefix, rowPos, hexstr(k), err)
		return
	}
	if s.db.Mode() == ModeOverlay {
		fmt.Fprintf(w, "%s.%d = pk %s: %s\n", prefix, rowPos, hexstr(k[9:]), hexstr(vle.Data))
		return
	}
	tk, err := parseTableKey(k)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = %s ** ERROR: %v\n", prefix, rowPos, hexstr(k), err)
		return
	}
	if !tk.Present {
		fmt.Fprintf(w, "%s.%d = @%d pk %s: absent\n", prefix, rowPos, tk.Block, hexstr(tk.PK))
		return
	}
	fmt.Fprintf(w, "%s.%d = @%d pk %s: %s\n", prefix, rowPos, tk.Block, hexstr(tk.PK), hexstr(vle.Data))
}

func (s *Snapshot) dumpIndex(w *strings.Builder, idx *Index) {
	p := idx.prefix(nil)
	rang := RawPrefix(p)
	c := rang.newCursor(s.Cursor(), s.db.log)
	var rowPos int
	for c.Next() {
		rowPos++
		k := c.Key()
		if s.db.Mode() == ModeOverlay {
			fmt.Fprintf(w, "%s.%d: %s => %s\n", idx.FullName(), rowPos, hexstr(k[len(p):]), hexstr(c.Value()))
			continue
		}
		group, block, present, err := splitVersion(k)
		if err != nil {
			fmt.Fprintf(w, "%s.%d: %s ** ERROR: %v\n", idx.FullName(), rowPos, hexstr(k), err)
			continue
		}
		mark := "+"
		if !present {
			mark = "-"
		}
		fmt.Fprintf(w, "%s.%d: %s @%d%s => %s\n", idx.FullName(), rowPos, hexstr(group[len(p):]), block, mark, hexstr(c.Value()))
	}
}

// DumpRaw lists every stored key with the given prefix and its value, one
// hex pair per line.
func (s *Snapshot) DumpRaw(prefix []byte) string {
	var buf strings.Builder
	rang := RawPrefix(prefix)
	c := rang.newCursor(s.Cursor(), s.db.log)
	for c.Next() {
		fmt.Fprintf(&buf, "%s = %s\n", hexstr(c.Key()), hexstr(c.Value()))
	}
	return buf.String()
}
