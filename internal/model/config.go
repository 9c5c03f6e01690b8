package model

import (
	"bytes"
	"io"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultListen = "127.0.0.1:42800"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version    int        `json:"version" yaml:"version"` // fixed 0 for now
	Service    Service    `json:"service" yaml:"service"`
	Supervisor Supervisor `json:"supervisor" yaml:"supervisor"`
	History    History    `json:"history" yaml:"history"`
	Retention  Retention  `json:"retention" yaml:"retention"`
}

type Service struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
	Listen  string `json:"listen" yaml:"listen"`
}

// Supervisor limits, zero means unlimited.
type Supervisor struct {
	MaxRunning  int `json:"max_running" yaml:"max_running"`
	MaxLogLines int `json:"max_log_lines" yaml:"max_log_lines"`
}

// History of builds kept in SQLite. Empty path means the user config dir.
type History struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

type Retention struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Schedule   Schedule `json:"schedule" yaml:"schedule"`
	MaxAge     string   `json:"max_age" yaml:"max_age"`         // ISO-8601, in-memory jobs
	HistoryAge string   `json:"history_age" yaml:"history_age"` // ISO-8601, stored rows
}

// Schedule is a cron expression or an ISO-8601 duration, cron wins when
// both are set.
type Schedule struct {
	Cron     string `json:"cron" yaml:"cron"`
	Duration string `json:"duration" yaml:"duration"`
}

// DefaultConfig returns the schema defaults.
func DefaultConfig() Config {
	cfg, err := LoadConfig(bytes.NewReader([]byte("version: 0\n")))
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	return out, nil
}
