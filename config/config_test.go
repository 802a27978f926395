package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/histdb"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, histdb.DefaultFlushPolicy, c.FlushPolicy())
	assert.Equal(t, time.Second, c.RetryDelay.Duration)
	assert.Equal(t, histdb.ModeAppend, c.DBOptions(nil).Mode)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "histdb.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
endpoint = "ws://node:8080"
db_path = "/data/hist"
backend = "leveldb"
mode = "overlay"
skip_to = 100
stop_before = 200
trx_filters = ["-::eosio:onblock", "+"]
enable_trim = true
flush_every = 50
max_messages_in_flight = 10
compressed = true
retry_delay = "250ms"
journal_dir = "/data/journal"
metrics_addr = ":9090"
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://node:8080", c.Endpoint)
	assert.Equal(t, "leveldb", c.Backend)
	assert.Equal(t, uint32(100), c.SkipTo)
	assert.Equal(t, uint32(200), c.StopBefore)
	assert.Equal(t, uint32(10), c.MaxMessagesInFlight)
	assert.Equal(t, 250*time.Millisecond, c.RetryDelay.Duration)
	assert.True(t, c.Compressed)
	assert.True(t, c.FetchDeltas, "defaults survive")
	assert.Equal(t, "/data/journal", c.JournalDir)

	opt := c.DBOptions(nil)
	assert.Equal(t, histdb.ModeOverlay, opt.Mode)
	assert.True(t, opt.EnableTrim)
	assert.Equal(t, histdb.FlushPolicy{Every: 50, NearHead: 4, BulkRows: 10000}, opt.FlushPolicy)

	filters, err := c.Filters()
	require.NoError(t, err)
	require.Len(t, filters, 2)
	assert.False(t, filters[0].Include)
	assert.True(t, filters[1].Include)
}

func TestLoad_unknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "histdb.toml")
	require.NoError(t, os.WriteFile(path, []byte("endpont = \"ws://x\"\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpont")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		text string
		err  string
	}{
		{`backend = "rocks"`, "backend"},
		{`mode = "fast"`, "mode"},
		{`endpoint = "http://x"`, "ws://"},
		{`skip_to = 10` + "\n" + `stop_before = 5`, "skip_to"},
		{`flush_every = 0`, "flush_every"},
		{`trx_filters = ["*"]`, "trx filter"},
		{`db_path = ""`, "db_path"},
		{`retry_delay = "soon"`, "duration"},
	}
	for _, tt := range tests {
		_, err := Parse(tt.text)
		if assert.Error(t, err, tt.text) {
			assert.Contains(t, err.Error(), tt.err, tt.text)
		}
	}

	c, err := Parse(`backend = "memory"` + "\n" + `db_path = ""`)
	require.NoError(t, err)
	assert.Equal(t, "memory", c.Backend)
}

func TestLoadQueries(t *testing.T) {
	c := Default()
	qc, err := c.LoadQueries()
	require.NoError(t, err)
	assert.Nil(t, qc)

	path := filepath.Join(t.TempDir(), "queries.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tables:\n  - name: account\n"), 0o644))
	c.QueryConfig = path
	qc, err = c.LoadQueries()
	require.NoError(t, err)
	require.Len(t, qc.Tables, 1)
	assert.Equal(t, "account", qc.Tables[0].Name)
}
