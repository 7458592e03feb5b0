// Package config loads the system, job, and mapping configuration files.
// Precedence is defaults, then file, then environment, then CLI flags;
// unknown YAML keys are a hard error everywhere.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/histvault/internal/errs"
)

// EnvPrefix namespaces the database environment variables
// (TSDB_HOST, TSDB_PORT, TSDB_DBNAME, TSDB_USER, TSDB_PASSWORD).
const EnvPrefix = "TSDB"

// System is the top-level configuration value object. Immutable after
// Load; every component receives it (or a sub-struct) by value.
type System struct {
	Logging  Logging  `yaml:"logging"`
	Database Database `yaml:"database"`
	Paths    Paths    `yaml:"paths"`
}

// Logging selects output format and level for the process-wide logger.
type Logging struct {
	Level  string `yaml:"level"`  // trace|debug|info|warn|error
	Format string `yaml:"format"` // console|json
	File   string `yaml:"file"`   // optional log file; empty means stderr only
}

// Duration is a time.Duration that unmarshals from Go duration strings
// ("30s", "15m"). yaml.v3 only accepts integer nanoseconds for plain
// time.Duration fields, which no one wants to write in a config file.
type Duration time.Duration

// UnmarshalYAML accepts Go duration syntax.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Database is the TimescaleDB connection configuration.
type Database struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	DBName           string   `yaml:"dbname"`
	User             string   `yaml:"user"`
	Password         string   `yaml:"password"`
	SSLMode          string   `yaml:"sslmode"`
	MaxOpenConns     int      `yaml:"max_open_conns"`
	MaxIdleConns     int      `yaml:"max_idle_conns"`
	ConnMaxLifetime  Duration `yaml:"conn_max_lifetime"`
	StatementTimeout Duration `yaml:"statement_timeout"`
}

// Paths locates on-disk state the pipeline writes or reads.
type Paths struct {
	QuarantineRoot string `yaml:"quarantine_root"`
	MappingDir     string `yaml:"mapping_dir"`
	JobDir         string `yaml:"job_dir"`
}

// Defaults returns the built-in configuration before any file or
// environment override.
func Defaults() System {
	return System{
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
		Database: Database{
			Host:             "localhost",
			Port:             5432,
			DBName:           "histvault",
			User:             "histvault",
			SSLMode:          "prefer",
			MaxOpenConns:     4,
			MaxIdleConns:     2,
			ConnMaxLifetime:  Duration(30 * time.Minute),
			StatementTimeout: Duration(30 * time.Second),
		},
		Paths: Paths{
			QuarantineRoot: "quarantine",
			MappingDir:     "config/mappings",
			JobDir:         "config/jobs",
		},
	}
}

// Load reads the system config file (if path is non-empty), applies
// environment overrides, and validates the result.
func Load(path string) (System, error) {
	cfg := Defaults()
	if path != "" {
		if err := decodeStrict(path, &cfg); err != nil {
			return System{}, err
		}
	}
	cfg.Database.applyEnv()
	if err := cfg.Validate(); err != nil {
		return System{}, err
	}
	return cfg, nil
}

// Validate enforces the invariants that must hold before anything opens a
// connection or writes a file.
func (c System) Validate() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return &errs.Config{Reason: fmt.Sprintf("logging.format must be console or json, got %q", c.Logging.Format)}
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return &errs.Config{Reason: fmt.Sprintf("database.port %d out of range", c.Database.Port)}
	}
	if c.Database.MaxOpenConns < 1 {
		return &errs.Config{Reason: "database.max_open_conns must be >= 1"}
	}
	if c.Paths.QuarantineRoot == "" {
		return &errs.Config{Reason: "paths.quarantine_root must not be empty"}
	}
	return nil
}

// DSN renders the lib/pq connection string.
func (d Database) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s sslmode=%s",
		d.Host, d.Port, d.DBName, d.User, d.SSLMode)
	if d.Password != "" {
		dsn += " password=" + d.Password
	}
	if d.StatementTimeout > 0 {
		dsn += fmt.Sprintf(" options='-c statement_timeout=%d'", d.StatementTimeout.Std().Milliseconds())
	}
	return dsn
}

// applyEnv overlays TSDB_* variables on top of file values. Environment
// wins over file, per the documented precedence.
func (d *Database) applyEnv() {
	if v := os.Getenv(EnvPrefix + "_HOST"); v != "" {
		d.Host = v
	}
	if v := os.Getenv(EnvPrefix + "_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			d.Port = p
		}
	}
	if v := os.Getenv(EnvPrefix + "_DBNAME"); v != "" {
		d.DBName = v
	}
	if v := os.Getenv(EnvPrefix + "_USER"); v != "" {
		d.User = v
	}
	if v := os.Getenv(EnvPrefix + "_PASSWORD"); v != "" {
		d.Password = v
	}
}

// decodeStrict unmarshals YAML rejecting unknown keys.
func decodeStrict(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return &errs.Config{Path: path, Reason: err.Error()}
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return &errs.Config{Path: path, Reason: err.Error()}
	}
	return nil
}
