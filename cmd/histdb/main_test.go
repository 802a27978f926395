package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/histdb"
	"github.com/andreyvit/histdb/abi"
	"github.com/andreyvit/histdb/internal/shiptest"
)

func writeConfig(t *testing.T, dbPath string) string {
	path := filepath.Join(t.TempDir(), "histdb.toml")
	text := fmt.Sprintf("backend = \"bolt\"\ndb_path = %q\n", dbPath)
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func populate(t *testing.T, dbPath string) {
	db, err := histdb.OpenPath("bolt", dbPath, histdb.Options{IsTesting: true})
	require.NoError(t, err)
	defer db.Close()
	w, err := db.Writer()
	require.NoError(t, err)
	require.NoError(t, w.SetABI(shiptest.ABI))
	this := histdb.BlockPointer{Num: 1, ID: shiptest.ID(1, 0)}
	require.NoError(t, w.StartBlock(histdb.BlockInfo{This: this, Irreversible: this}))
	require.NoError(t, w.PutRow("account", true, shiptest.Account(abi.MustName("alice"), 1)))
	require.NoError(t, w.EndBlock())
	require.NoError(t, w.Flush())
}

func run(t *testing.T, args ...string) (string, error) {
	var out, errOut bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errOut
	err := app.Run(append([]string{"histdb", "--log-level", "warn"}, args...))
	t.Log(errOut.String())
	return out.String(), err
}

func TestStatus(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hist.db")
	cfg := writeConfig(t, dbPath)

	out, err := run(t, "--config", cfg, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "head:         none")
	assert.Contains(t, out, "no schema")

	populate(t, dbPath)
	out, err = run(t, "--config", cfg, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "mode:         append")
	id := shiptest.ID(1, 0)
	assert.Contains(t, out, fmt.Sprintf("head:         1:%x", id[:4]))
	assert.Regexp(t, `account\s+rows=1 absent=0`, out)
}

func TestDump(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hist.db")
	cfg := writeConfig(t, dbPath)
	populate(t, dbPath)

	out, err := run(t, "--config", cfg, "dump")
	require.NoError(t, err)
	assert.Contains(t, out, "status: head=1:")

	out, err = run(t, "--config", cfg, "dump", "--prefix", "60")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	for _, line := range bytes.Split(bytes.TrimSpace([]byte(out)), []byte("\n")) {
		assert.True(t, bytes.HasPrefix(line, []byte("60")), string(line))
	}

	_, err = run(t, "--config", cfg, "dump", "--prefix", "zz")
	assert.Error(t, err)
}

func TestQuery_errors(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hist.db")
	cfg := writeConfig(t, dbPath)

	_, err := run(t, "--config", cfg, "query")
	assert.EqualError(t, err, "query: name is required")

	_, err = run(t, "--config", cfg, "query", "--query", "acct.name")
	assert.ErrorIs(t, err, histdb.ErrNoSchema)

	populate(t, dbPath)
	_, err = run(t, "--config", cfg, "query", "--query", "nosuch", "--args", "00")
	assert.Error(t, err)
}

func TestBadConfig(t *testing.T) {
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "missing.toml"), "status")
	assert.Error(t, err)
}
