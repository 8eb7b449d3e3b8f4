package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/replicore/internal/driver"
)

// Store kinds accepted in the server config.
const (
	StoreKindSet       = "set"
	StoreKindSingleton = "singleton"
	StoreKindEntity    = "entity"

	// Reference-mode kinds take a reference-mode:// key. Entities go to
	// the backing half; the container half is what clients attach to.
	StoreKindRefCollection = "ref_collection"
	StoreKindRefSingleton  = "ref_singleton"
)

func isRefKind(kind string) bool {
	return kind == StoreKindRefCollection || kind == StoreKindRefSingleton
}

// DefaultListen is used when the config names no listen address.
const DefaultListen = ":8080"

// Config is the server config, usually replicore.yaml.
//
//	listen: ":8080"
//	metrics: true
//	schemas: schemas.cue
//	drivers:
//	  sqlite: {path: replicore.db, poll_interval: 500ms}
//	  bolt: {path: replicore.bolt}
//	stores:
//	  - {key: "volatile://todos", kind: set}
//	  - {key: "sqlite://people/ada", kind: entity, entity: Person}
//	  - {key: "reference-mode://{sqlite://people}{volatile://friends}", kind: ref_collection, entity: Person}
type Config struct {
	Listen  string        `yaml:"listen"`
	Metrics bool          `yaml:"metrics"`
	Schemas string        `yaml:"schemas"`
	Drivers DriverConfig  `yaml:"drivers"`
	Stores  []StoreConfig `yaml:"stores"`
}

// DriverConfig enables the durable drivers. The volatile driver is always
// registered.
type DriverConfig struct {
	SQLite   *SQLiteConfig   `yaml:"sqlite"`
	Bolt     *BoltConfig     `yaml:"bolt"`
	Redis    *RedisConfig    `yaml:"redis"`
	Postgres *PostgresConfig `yaml:"postgres"`
}

type SQLiteConfig struct {
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type BoltConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Addr   string `yaml:"addr"`
	Prefix string `yaml:"prefix"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// StoreConfig declares one hosted store.
type StoreConfig struct {
	Key    string `yaml:"key"`
	Kind   string `yaml:"kind"`
	Entity string `yaml:"entity"`
}

// ConfigError reports an invalid server config.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadConfig reads and validates a config file. Relative file paths in the
// config are resolved against the config's directory.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data, filepath.Dir(path))
}

// ParseConfig decodes and validates config bytes. Unknown fields are errors.
func ParseConfig(data []byte, baseDir string) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	cfg.Schemas = resolvePath(baseDir, cfg.Schemas)
	if c := cfg.Drivers.SQLite; c != nil {
		c.Path = resolvePath(baseDir, c.Path)
	}
	if c := cfg.Drivers.Bolt; c != nil {
		c.Path = resolvePath(baseDir, c.Path)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func (c *Config) validate() error {
	d := c.Drivers
	switch {
	case d.SQLite != nil && d.SQLite.Path == "":
		return &ConfigError{Field: "drivers.sqlite.path", Message: "required"}
	case d.SQLite != nil && d.SQLite.PollInterval < 0:
		return &ConfigError{Field: "drivers.sqlite.poll_interval", Message: "must not be negative"}
	case d.Bolt != nil && d.Bolt.Path == "":
		return &ConfigError{Field: "drivers.bolt.path", Message: "required"}
	case d.Redis != nil && d.Redis.Addr == "":
		return &ConfigError{Field: "drivers.redis.addr", Message: "required"}
	case d.Postgres != nil && d.Postgres.DSN == "":
		return &ConfigError{Field: "drivers.postgres.dsn", Message: "required"}
	}

	if len(c.Stores) == 0 {
		return &ConfigError{Field: "stores", Message: "at least one store is required"}
	}
	enabled := c.protocols()
	seen := make(map[string]bool, len(c.Stores))
	for i, st := range c.Stores {
		field := fmt.Sprintf("stores[%d]", i)
		key, err := driver.ParseKey(st.Key)
		if err != nil {
			return &ConfigError{Field: field + ".key", Message: err.Error()}
		}
		if seen[key.String()] {
			return &ConfigError{Field: field + ".key", Message: fmt.Sprintf("duplicate store %q", st.Key)}
		}
		seen[key.String()] = true

		protocols := []string{key.Protocol}
		switch {
		case isRefKind(st.Kind):
			rk, err := driver.ParseReferenceModeKey(key)
			if err != nil {
				return &ConfigError{Field: field + ".key", Message: err.Error()}
			}
			protocols = []string{rk.Backing.Protocol, rk.Container.Protocol}
		case key.Protocol == driver.ReferenceModeProtocol:
			return &ConfigError{Field: field + ".kind", Message: fmt.Sprintf("reference-mode keys need kind %s or %s", StoreKindRefCollection, StoreKindRefSingleton)}
		}
		for _, p := range protocols {
			if !enabled[p] {
				return &ConfigError{Field: field + ".key", Message: fmt.Sprintf("driver %q is not configured", p)}
			}
		}

		switch st.Kind {
		case StoreKindSet, StoreKindSingleton:
			if st.Entity != "" {
				return &ConfigError{Field: field + ".entity", Message: "only entity and reference-mode stores name an entity"}
			}
		case StoreKindEntity, StoreKindRefCollection, StoreKindRefSingleton:
			if st.Entity == "" {
				return &ConfigError{Field: field + ".entity", Message: fmt.Sprintf("required for %s stores", st.Kind)}
			}
			if c.Schemas == "" {
				return &ConfigError{Field: "schemas", Message: fmt.Sprintf("%s stores need a schema file", st.Kind)}
			}
		default:
			return &ConfigError{Field: field + ".kind", Message: fmt.Sprintf("unknown kind %q (want set, singleton, entity, %s, or %s)", st.Kind, StoreKindRefCollection, StoreKindRefSingleton)}
		}
	}
	return nil
}

// protocols returns the driver protocols this config makes available.
func (c *Config) protocols() map[string]bool {
	p := map[string]bool{driver.VolatileProtocol: true}
	if c.Drivers.SQLite != nil {
		p[driver.SQLiteProtocol] = true
	}
	if c.Drivers.Bolt != nil {
		p[driver.BoltProtocol] = true
	}
	if c.Drivers.Redis != nil {
		p[driver.RedisProtocol] = true
	}
	if c.Drivers.Postgres != nil {
		p[driver.PostgresProtocol] = true
	}
	return p
}
