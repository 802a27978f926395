package histdb

import (
	"fmt"

	"github.com/andreyvit/histdb/abi"
)

// Index orders a table's rows by a list of fields. Index keys consist of the
// declared fields followed by any primary key fields not among them, so
// every row has exactly one key per index.
type Index struct {
	table     *Table
	pos       int // index in table.indices
	name      string
	short     abi.Name
	fields    []*Field // declared
	keyFields []*Field // declared + remaining pk
}

func (idx *Index) Name() string { return idx.name }

func (idx *Index) ShortName() abi.Name { return idx.short }

func (idx *Index) Table() *Table { return idx.table }

// Fields are the declared fields, the ones queries give bounds for.
func (idx *Index) Fields() []*Field { return idx.fields }

func (idx *Index) FullName() string { return idx.table.name + "." + idx.name }

func (tbl *Table) buildIndex(ic IndexConfig) (*Index, error) {
	short, err := abi.ParseName(ic.Name)
	if err != nil {
		return nil, err
	}
	if len(ic.Fields) == 0 {
		return nil, fmt.Errorf("no fields")
	}
	idx := &Index{table: tbl, name: ic.Name, short: short}
	seen := make(map[string]bool)
	for _, fn := range ic.Fields {
		f, err := tbl.field(fn)
		if err != nil {
			return nil, err
		}
		idx.fields = append(idx.fields, f)
		seen[f.leaf.Path] = true
	}
	idx.keyFields = append(idx.keyFields, idx.fields...)
	for _, f := range tbl.keys {
		if !seen[f.leaf.Path] {
			idx.keyFields = append(idx.keyFields, f)
		}
	}
	return idx, nil
}

// prefix returns 0x60 ++ table ++ index.
func (idx *Index) prefix(buf []byte) []byte {
	return indexKeyPrefix(buf, idx.table.short, idx.short)
}

// rowKey builds the logical index key of a decoded row.
func (idx *Index) rowKey(buf []byte, row abi.Value) ([]byte, error) {
	buf = idx.prefix(buf)
	var err error
	for _, f := range idx.keyFields {
		buf, err = appendFieldKey(buf, f, row)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// boundKey converts ABI-encoded values of the declared fields, as found at
// the front of bin, into an index key prefix. It consumes one value per
// field and returns the rest of bin.
func (idx *Index) boundKey(buf []byte, bin []byte) ([]byte, []byte, error) {
	buf = idx.prefix(buf)
	var err error
	for _, f := range idx.fields {
		buf, bin, err = abi.AppendKey(buf, f.leaf.Type, bin)
		if err != nil {
			return nil, bin, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return buf, bin, nil
}
