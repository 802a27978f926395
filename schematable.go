package histdb

import (
	"fmt"

	"github.com/andreyvit/histdb/abi"
)

// Table is a delta table (or a built-in one) whose rows are versioned by
// block number.
type Table struct {
	schema        *Schema
	name          string
	short         abi.Name
	pos           int // index in schema.tables
	rowType       *abi.Type
	keys          []*Field
	indices       []*Index
	indicesByName map[string]*Index
}

// Field is a key-capable leaf of a row type.
type Field struct {
	name string
	leaf abi.Leaf
}

func (f *Field) Name() string { return f.name }

func (f *Field) Type() *abi.Type { return f.leaf.Type }

func (tbl *Table) Name() string { return tbl.name }

func (tbl *Table) ShortName() abi.Name { return tbl.short }

func (tbl *Table) RowType() *abi.Type { return tbl.rowType }

func (tbl *Table) Keys() []*Field { return tbl.keys }

func (tbl *Table) Indices() []*Index { return tbl.indices }

func (tbl *Table) IndexNamed(name string) *Index { return tbl.indicesByName[name] }

func (tbl *Table) String() string { return fmt.Sprintf("%s(%s)", tbl.name, tbl.short) }

func (tbl *Table) field(name string) (*Field, error) {
	leaf, err := abi.Lookup(tbl.rowType, name)
	if err != nil {
		return nil, err
	}
	if _, ok := abi.KeyKind(leaf.Type); !ok {
		return nil, fmt.Errorf("field %s of type %s cannot be used in keys", name, leaf.Type)
	}
	return &Field{name: name, leaf: leaf}, nil
}

func sameKeyKind(a, b *Field) bool {
	ka, _ := abi.KeyKind(a.leaf.Type)
	kb, _ := abi.KeyKind(b.leaf.Type)
	return ka == kb && (a.leaf.Type.Kind == abi.KindOptional) == (b.leaf.Type.Kind == abi.KindOptional)
}

func appendFieldKey(buf []byte, f *Field, row abi.Value) ([]byte, error) {
	v, ok := f.leaf.Get(row)
	if !ok {
		return buf, fmt.Errorf("row has no %s", f.name)
	}
	return abi.AppendValueKey(buf, v)
}

// decodedRow is a row with its key material extracted.
type decodedRow struct {
	value abi.Value
	pk    []byte
}

func (tbl *Table) decodeRow(data []byte) (decodedRow, error) {
	v, err := abi.DecodeAll(tbl.rowType, data)
	if err != nil {
		return decodedRow{}, tableErrf(tbl, nil, nil, err, "decode row")
	}
	var pk []byte
	for _, f := range tbl.keys {
		pk, err = appendFieldKey(pk, f, v)
		if err != nil {
			return decodedRow{}, tableErrf(tbl, nil, nil, err, "primary key")
		}
	}
	return decodedRow{value: v, pk: pk}, nil
}

// indexKeys returns the logical key of row in every index (without the
// version suffix used in append mode).
func (tbl *Table) indexKeys(row decodedRow) ([][]byte, error) {
	out := make([][]byte, 0, len(tbl.indices))
	for _, idx := range tbl.indices {
		k, err := idx.rowKey(nil, row.value)
		if err != nil {
			return nil, tableErrf(tbl, idx, row.pk, err, "index key")
		}
		out = append(out, k)
	}
	return out, nil
}
