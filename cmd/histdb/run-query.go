package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/andreyvit/histdb"
	"github.com/andreyvit/histdb/abi"
)

func runQuery(c *cli.Context) error {
	m := meta(c)
	name := c.String("query")
	if name == "" {
		return errors.New("query: name is required")
	}
	qname, err := abi.ParseName(name)
	if err != nil {
		return err
	}
	args, err := hex.DecodeString(strings.TrimPrefix(c.String("args"), "0x"))
	if err != nil {
		return errors.Wrap(err, "query: args")
	}

	db, err := m.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	qs, err := db.NewQuerySession()
	if err != nil {
		return err
	}
	defer qs.Close()

	result, err := qs.Query(qname, args)
	if err != nil {
		return err
	}
	rows, err := histdb.DecodeQueryResult(result)
	if err != nil {
		return err
	}
	for _, row := range rows {
		fmt.Fprintln(m.w, hex.EncodeToString(row))
	}
	return nil
}

func runStatus(c *cli.Context) error {
	m := meta(c)
	db, err := m.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	snap, err := db.Snapshot()
	if err != nil {
		return err
	}
	defer snap.Close()

	st := snap.Status()
	fmt.Fprintf(m.w, "mode:         %s\n", db.Mode())
	fmt.Fprintf(m.w, "head:         %s\n", st.Head)
	fmt.Fprintf(m.w, "irreversible: %s\n", st.Irreversible)
	fmt.Fprintf(m.w, "size:         %d\n", db.Size())
	if snap.Schema() == nil {
		fmt.Fprintln(m.w, "no schema")
		return nil
	}
	for _, tbl := range snap.Schema().Tables() {
		ts := snap.TableStats(tbl)
		fmt.Fprintf(m.w, "%-32s rows=%d absent=%d index_rows=%d bytes=%d\n", tbl.Name(), ts.Rows, ts.Absent, ts.IndexRows, ts.TotalSize())
	}
	return nil
}

func runDump(c *cli.Context) error {
	m := meta(c)
	db, err := m.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	snap, err := db.Snapshot()
	if err != nil {
		return err
	}
	defer snap.Close()

	if p := c.String("prefix"); p != "" {
		prefix, err := hex.DecodeString(p)
		if err != nil {
			return errors.Wrap(err, "dump: prefix")
		}
		fmt.Fprint(m.w, snap.DumpRaw(prefix))
		return nil
	}
	fmt.Fprint(m.w, snap.Dump(histdb.DumpAll))
	return nil
}
