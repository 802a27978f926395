package histdb

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// QueryConfig declares which delta tables are indexed and which named
// queries are served over them. It is usually loaded from YAML.
type QueryConfig struct {
	Tables  []TableConfig `yaml:"tables"`
	Queries []QueryDef    `yaml:"queries"`
}

type TableConfig struct {
	Name      string        `yaml:"name"`
	ShortName string        `yaml:"short_name,omitempty"`
	Keys      []string      `yaml:"keys,omitempty"`
	Indexes   []IndexConfig `yaml:"indexes,omitempty"`
}

type IndexConfig struct {
	Name   string   `yaml:"name"`
	Fields []string `yaml:"fields"`
}

type QueryDef struct {
	Name           string   `yaml:"name"`
	Table          string   `yaml:"table"`
	Index          string   `yaml:"index"`
	LimitBlockNum  bool     `yaml:"limit_block_num"`
	MaxResults     uint32   `yaml:"max_results"`
	Join           string   `yaml:"join,omitempty"`
	JoinIndex      string   `yaml:"join_index,omitempty"`
	JoinKeyValues  []string `yaml:"join_key_values,omitempty"`
	FieldsFromJoin []string `yaml:"fields_from_join,omitempty"`
}

func ParseQueryConfig(data []byte) (*QueryConfig, error) {
	var cfg QueryConfig
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "query config")
	}
	return &cfg, nil
}

func LoadQueryConfig(path string) (*QueryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "query config")
	}
	cfg, err := ParseQueryConfig(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return cfg, nil
}
