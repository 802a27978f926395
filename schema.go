package histdb

import (
	"fmt"
	"sort"

	"github.com/andreyvit/histdb/abi"
)

// Names of the tables the filler synthesizes from blocks and traces.
const (
	BlockInfoTable        = "block_info"
	TransactionTraceTable = "transaction_trace"
	ActionTraceTable      = "action_trace"
)

// shortNames maps feed table names to the EOSIO names used in keys.
var shortNames = map[string]string{
	BlockInfoTable:               "block.info",
	TransactionTraceTable:        "ttrace",
	ActionTraceTable:             "atrace",
	"account":                    "account",
	"account_metadata":           "account.meta",
	"code":                       "code",
	"contract_table":             "c.table",
	"contract_row":               "c.row",
	"contract_index64":           "c.index64",
	"contract_index128":          "c.index128",
	"contract_index256":          "c.index256",
	"contract_index_double":      "c.index.d",
	"contract_index_long_double": "c.index.ld",
	"global_property":            "glob.prop",
	"generated_transaction":      "gen.tx",
	"protocol_state":             "protocol.st",
	"permission":                 "permission",
	"permission_link":            "perm.link",
	"resource_limits":            "res.lim",
	"resource_limits_state":      "res.lim.stat",
	"resource_limits_config":     "res.lim.conf",
	"resource_usage":             "res.usage",
}

var reservedShortNames = map[abi.Name]bool{
	metaFillStatus:  true,
	metaABI:         true,
	metaUndoRev:     true,
	recvdBlockTable: true,
}

// Schema binds the tables and queries of a QueryConfig to the types of one
// ABI. It is immutable once built.
type Schema struct {
	abi     *abi.Schema
	tables  []*Table
	byName  map[string]*Table
	byShort map[abi.Name]*Table
	queries map[abi.Name]*Query
}

// NewSchema resolves cfg against the ABI. A nil or table-less cfg indexes
// every ABI table by its declared keys, plus the built-in block and trace
// tables.
func NewSchema(as *abi.Schema, cfg *QueryConfig) (*Schema, error) {
	scm := &Schema{
		abi:     as,
		byName:  make(map[string]*Table),
		byShort: make(map[abi.Name]*Table),
		queries: make(map[abi.Name]*Query),
	}
	var tcs []TableConfig
	if cfg != nil {
		tcs = cfg.Tables
	}
	if len(tcs) == 0 {
		tcs = defaultTableConfigs(as)
	}
	for _, tc := range tcs {
		tbl, err := scm.buildTable(tc)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", tc.Name, err)
		}
		if err := scm.addTable(tbl); err != nil {
			return nil, err
		}
	}
	if cfg != nil {
		for _, qd := range cfg.Queries {
			q, err := scm.buildQuery(qd)
			if err != nil {
				return nil, fmt.Errorf("query %s: %w", qd.Name, err)
			}
			if scm.queries[q.name] != nil {
				return nil, fmt.Errorf("duplicate query %s", q.name)
			}
			scm.queries[q.name] = q
		}
	}
	return scm, nil
}

func defaultTableConfigs(as *abi.Schema) []TableConfig {
	var out []TableConfig
	for _, td := range as.Tables {
		out = append(out, TableConfig{Name: td.Name})
	}
	out = append(out, TableConfig{Name: BlockInfoTable})
	for _, name := range []string{TransactionTraceTable, ActionTraceTable} {
		if _, err := builtinRowType(as, name); err == nil {
			out = append(out, TableConfig{Name: name})
		}
	}
	return out
}

func (scm *Schema) addTable(tbl *Table) error {
	if reservedShortNames[tbl.short] {
		return fmt.Errorf("table %s: short name %s is reserved", tbl.name, tbl.short)
	}
	if other := scm.byShort[tbl.short]; other != nil {
		return fmt.Errorf("tables %s and %s share short name %s", other.name, tbl.name, tbl.short)
	}
	if scm.byName[tbl.name] != nil {
		return fmt.Errorf("duplicate table %s", tbl.name)
	}
	tbl.schema = scm
	tbl.pos = len(scm.tables)
	scm.tables = append(scm.tables, tbl)
	scm.byName[tbl.name] = tbl
	scm.byShort[tbl.short] = tbl
	return nil
}

func (scm *Schema) ABI() *abi.Schema { return scm.abi }

func (scm *Schema) Tables() []*Table {
	return append([]*Table(nil), scm.tables...)
}

// TableNamed finds a table by feed name or short name.
func (scm *Schema) TableNamed(name string) *Table {
	if tbl := scm.byName[name]; tbl != nil {
		return tbl
	}
	if n, err := abi.ParseName(name); err == nil {
		return scm.byShort[n]
	}
	return nil
}

func (scm *Schema) TableByShortName(n abi.Name) *Table {
	return scm.byShort[n]
}

func (scm *Schema) Query(name abi.Name) *Query {
	return scm.queries[name]
}

func (scm *Schema) Queries() []*Query {
	out := make([]*Query, 0, len(scm.queries))
	for _, q := range scm.queries {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// canonicalTableName accepts both feed names and built-in short names.
func canonicalTableName(name string) string {
	for long, short := range shortNames {
		if short == name && long != short {
			return long
		}
	}
	return name
}

func builtinRowType(as *abi.Schema, name string) (*abi.Type, error) {
	u32 := abi.Builtin(abi.Uint32)
	sum := abi.Builtin(abi.Checksum256Type)
	switch name {
	case BlockInfoTable:
		return abi.NewStruct("block_info",
			abi.Field{Name: "block_num", Type: u32},
			abi.Field{Name: "block_id", Type: sum},
			abi.Field{Name: "timestamp", Type: abi.Builtin(abi.BlockTimestamp)},
			abi.Field{Name: "producer", Type: abi.Builtin(abi.NameType)},
			abi.Field{Name: "confirmed", Type: abi.Builtin(abi.Uint16)},
			abi.Field{Name: "previous", Type: sum},
			abi.Field{Name: "transaction_mroot", Type: sum},
			abi.Field{Name: "action_mroot", Type: sum},
			abi.Field{Name: "schedule_version", Type: u32},
		), nil
	case TransactionTraceTable:
		tt, err := as.Type("transaction_trace")
		if err != nil {
			return nil, err
		}
		return abi.NewStruct("ttrace",
			abi.Field{Name: "block_num", Type: u32},
			abi.Field{Name: "transaction_id", Type: sum},
			abi.Field{Name: "transaction_status", Type: abi.Builtin(abi.Uint8)},
			abi.Field{Name: "trace", Type: tt},
		), nil
	case ActionTraceTable:
		at, err := as.Type("action_trace")
		if err != nil {
			return nil, err
		}
		return abi.NewStruct("atrace",
			abi.Field{Name: "block_num", Type: u32},
			abi.Field{Name: "transaction_id", Type: sum},
			abi.Field{Name: "transaction_status", Type: abi.Builtin(abi.Uint8)},
			abi.Field{Name: "action", Type: at},
		), nil
	}
	return nil, nil
}

var builtinKeys = map[string][]string{
	BlockInfoTable:        {"block_num"},
	TransactionTraceTable: {"transaction_id"},
	ActionTraceTable:      {"transaction_id", "action_ordinal"},
}

func (scm *Schema) buildTable(tc TableConfig) (*Table, error) {
	name := canonicalTableName(tc.Name)
	tbl := &Table{
		name:          name,
		indicesByName: make(map[string]*Index),
	}

	rowType, err := builtinRowType(scm.abi, name)
	if err != nil {
		return nil, err
	}
	keyNames := builtinKeys[name]
	if rowType == nil {
		td, ok := scm.abi.Table(name)
		if !ok {
			return nil, fmt.Errorf("not found in ABI")
		}
		rowType, err = scm.abi.Type(td.Type)
		if err != nil {
			return nil, err
		}
		keyNames = td.KeyNames
	}
	tbl.rowType = rowType
	if len(tc.Keys) > 0 {
		keyNames = tc.Keys
	}

	short := tc.ShortName
	if short == "" {
		short = shortNames[name]
	}
	if short == "" {
		short = name
	}
	tbl.short, err = abi.ParseName(short)
	if err != nil {
		return nil, fmt.Errorf("short name: %w", err)
	}

	for _, kn := range keyNames {
		f, err := tbl.field(kn)
		if err != nil {
			return nil, err
		}
		tbl.keys = append(tbl.keys, f)
	}

	ics := tc.Indexes
	if len(ics) == 0 && len(tbl.keys) > 0 {
		ics = []IndexConfig{{Name: "primary", Fields: keyNames}}
	}
	for _, ic := range ics {
		idx, err := tbl.buildIndex(ic)
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", ic.Name, err)
		}
		if tbl.indicesByName[idx.name] != nil {
			return nil, fmt.Errorf("duplicate index %s", idx.name)
		}
		idx.pos = len(tbl.indices)
		tbl.indices = append(tbl.indices, idx)
		tbl.indicesByName[idx.name] = idx
	}
	return tbl, nil
}

func (scm *Schema) buildQuery(qd QueryDef) (*Query, error) {
	qname, err := abi.ParseName(qd.Name)
	if err != nil {
		return nil, err
	}
	tbl := scm.TableNamed(canonicalTableName(qd.Table))
	if tbl == nil {
		return nil, fmt.Errorf("unknown table %q", qd.Table)
	}
	idx := tbl.IndexNamed(qd.Index)
	if idx == nil {
		return nil, fmt.Errorf("table %s has no index %q", tbl.name, qd.Index)
	}
	q := &Query{
		name:       qname,
		table:      tbl,
		index:      idx,
		limitBlock: qd.LimitBlockNum,
		maxResults: qd.MaxResults,
	}
	if qd.Join == "" {
		if len(qd.JoinKeyValues) > 0 || len(qd.FieldsFromJoin) > 0 {
			return nil, fmt.Errorf("join fields given without a join table")
		}
		return q, nil
	}
	q.join = scm.TableNamed(canonicalTableName(qd.Join))
	if q.join == nil {
		return nil, fmt.Errorf("unknown join table %q", qd.Join)
	}
	q.joinIndex = q.join.IndexNamed(qd.JoinIndex)
	if q.joinIndex == nil {
		return nil, fmt.Errorf("join table %s has no index %q", q.join.name, qd.JoinIndex)
	}
	if len(qd.JoinKeyValues) == 0 || len(qd.JoinKeyValues) > len(q.joinIndex.keyFields) {
		return nil, fmt.Errorf("join needs 1..%d key values, got %d", len(q.joinIndex.keyFields), len(qd.JoinKeyValues))
	}
	for i, fn := range qd.JoinKeyValues {
		f, err := tbl.field(fn)
		if err != nil {
			return nil, err
		}
		if want := q.joinIndex.keyFields[i]; !sameKeyKind(f, want) {
			return nil, fmt.Errorf("join key %s does not match %s.%s", fn, q.join.name, want.name)
		}
		q.joinKeys = append(q.joinKeys, f)
	}
	for _, fn := range qd.FieldsFromJoin {
		f, err := q.join.field(fn)
		if err != nil {
			return nil, err
		}
		q.fromJoin = append(q.fromJoin, f)
	}
	return q, nil
}
