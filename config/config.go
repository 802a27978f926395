// Package config holds the histdb service configuration, read from TOML.
package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/andreyvit/histdb"
	"github.com/andreyvit/histdb/ship"
)

// Duration is a time.Duration written as a string ("1s", "250ms") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.WithStack(err)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Endpoint string `toml:"endpoint"`
	DBPath   string `toml:"db_path"`
	Backend  string `toml:"backend"`
	Mode     string `toml:"mode"`

	SkipTo     uint32   `toml:"skip_to"`
	StopBefore uint32   `toml:"stop_before"`
	TrxFilters []string `toml:"trx_filters"`
	EnableTrim bool     `toml:"enable_trim"`

	FlushEvery uint32 `toml:"flush_every"`
	NearHead   uint32 `toml:"near_head"`
	BulkRows   int    `toml:"bulk_rows"`

	// MaxMessagesInFlight bounds unacknowledged blocks; 0 is unbounded.
	MaxMessagesInFlight uint32 `toml:"max_messages_in_flight"`
	FetchBlock          bool   `toml:"fetch_block"`
	FetchTraces         bool   `toml:"fetch_traces"`
	FetchDeltas         bool   `toml:"fetch_deltas"`
	Compressed          bool   `toml:"compressed"`

	RetryDelay  Duration `toml:"retry_delay"`
	DialTimeout Duration `toml:"dial_timeout"`

	QueryConfig string `toml:"query_config"`
	JournalDir  string `toml:"journal_dir"`
	MetricsAddr string `toml:"metrics_addr"`
}

func Default() *Config {
	return &Config{
		Endpoint:    "ws://127.0.0.1:8080",
		DBPath:      "histdb.db",
		Backend:     "bolt",
		Mode:        string(histdb.ModeAppend),
		FlushEvery:  histdb.DefaultFlushPolicy.Every,
		NearHead:    histdb.DefaultFlushPolicy.NearHead,
		BulkRows:    histdb.DefaultFlushPolicy.BulkRows,
		FetchBlock:  true,
		FetchTraces: true,
		FetchDeltas: true,
		RetryDelay:  Duration{time.Second},
		DialTimeout: Duration{10 * time.Second},
	}
}

// Load reads path over the defaults and validates the result. Unknown keys
// are errors.
func Load(path string) (*Config, error) {
	c := Default()
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return c, nil
}

// Parse decodes TOML text over the defaults.
func Parse(text string) (*Config, error) {
	c := Default()
	if _, err := toml.Decode(text, c); err != nil {
		return nil, errors.WithStack(err)
	}
	return c, c.Validate()
}

func (c *Config) Validate() error {
	switch c.Backend {
	case "bolt", "leveldb", "memory":
	default:
		return errors.Errorf("backend must be bolt, leveldb or memory, got %q", c.Backend)
	}
	if c.Backend != "memory" && c.DBPath == "" {
		return errors.New("db_path is required")
	}
	switch histdb.Mode(c.Mode) {
	case histdb.ModeAppend, histdb.ModeOverlay:
	default:
		return errors.Errorf("mode must be append or overlay, got %q", c.Mode)
	}
	if c.Endpoint != "" {
		u, err := url.Parse(c.Endpoint)
		if err != nil {
			return errors.Wrap(err, "endpoint")
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.Errorf("endpoint must be a ws:// or wss:// URL, got %q", c.Endpoint)
		}
	}
	if c.StopBefore != 0 && c.SkipTo >= c.StopBefore {
		return errors.Errorf("skip_to (%d) must be below stop_before (%d)", c.SkipTo, c.StopBefore)
	}
	if c.FlushEvery == 0 {
		return errors.New("flush_every must be positive")
	}
	if c.BulkRows < 0 {
		return errors.New("bulk_rows must not be negative")
	}
	if c.RetryDelay.Duration < 0 {
		return errors.New("retry_delay must not be negative")
	}
	if _, err := c.Filters(); err != nil {
		return err
	}
	return nil
}

func (c *Config) Filters() ([]ship.TrxFilter, error) {
	return ship.ParseTrxFilters(c.TrxFilters)
}

func (c *Config) FlushPolicy() histdb.FlushPolicy {
	return histdb.FlushPolicy{Every: c.FlushEvery, NearHead: c.NearHead, BulkRows: c.BulkRows}
}

// DBOptions builds the database options; queries may be nil.
func (c *Config) DBOptions(queries *histdb.QueryConfig) histdb.Options {
	return histdb.Options{
		Mode:        histdb.Mode(c.Mode),
		FlushPolicy: c.FlushPolicy(),
		EnableTrim:  c.EnableTrim,
		Queries:     queries,
	}
}

// LoadQueries reads the query definitions, if configured.
func (c *Config) LoadQueries() (*histdb.QueryConfig, error) {
	if c.QueryConfig == "" {
		return nil, nil
	}
	return histdb.LoadQueryConfig(c.QueryConfig)
}
