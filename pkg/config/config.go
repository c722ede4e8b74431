// Package config holds the typed, validated shape every component is
// constructed from. Parsing a YAML document into this struct is an
// external collaborator's job; this package only defaults and validates
// an already-parsed Config, the way migration.NewRunner does for a
// Migration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MySQLConfig is the source connection.
type MySQLConfig struct {
	Host               string
	Port               int
	User               string
	Password           string
	TLSMode            string
	TLSCertificatePath string
}

// Addr returns host:port, defaulting the port to 3306.
func (c MySQLConfig) Addr() string {
	if c.Port == 0 {
		return fmt.Sprintf("%s:3306", c.Host)
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ClickHouseConfig is the target connection.
type ClickHouseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	TLSMode         string
	TLSCertificatePath string
}

// Addr returns host:port, defaulting the port to 8123, ClickHouse's HTTP
// interface port.
func (c ClickHouseConfig) Addr() string {
	if c.Port == 0 {
		return fmt.Sprintf("%s:8123", c.Host)
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Config is the core's only contact with the outside declarative
// document (spec.md §6's configuration table).
type Config struct {
	Source MySQLConfig
	Target ClickHouseConfig

	DataDir         string
	RecordsPerFile  int
	BinlogRetention time.Duration

	Databases        []string
	Tables           []string
	ExcludeDatabases []string
	ExcludeTables    []string
	TargetDatabases  map[string]string

	InitialReplicationThreads int
	OptimizeInterval          time.Duration
	AutoRestartInterval       time.Duration

	Indexes      map[string][]string
	PartitionBys map[string]string
	TypesMapping map[string]string

	IgnoreDeletes bool

	SourceTimezone string

	HTTPHost string
	HTTPPort int

	// DDLOldDatabaseGracePeriod bounds how long a demoted D_old_<ts>
	// database is kept around after a staging/live swap before the
	// applier's housekeeping sweep drops it (Open Question resolution
	// #2: configurable, default 24h).
	DDLOldDatabaseGracePeriod time.Duration
}

// New defaults and validates cfg in place, returning it for chaining, the
// way migration.NewRunner defaults and validates a *Migration.
func New(cfg *Config) (*Config, error) {
	if cfg.Source.Host == "" {
		return nil, errors.New("source.host is required")
	}
	if cfg.Source.Port == 0 {
		cfg.Source.Port = 3306
	}
	if cfg.Source.User == "" {
		return nil, errors.New("source.user is required")
	}
	if cfg.Target.Host == "" {
		return nil, errors.New("target.host is required")
	}
	if cfg.Target.Port == 0 {
		cfg.Target.Port = 8123
	}
	if cfg.Target.Database == "" {
		return nil, errors.New("target.database is required")
	}
	if cfg.Target.DialTimeout == 0 {
		cfg.Target.DialTimeout = 10 * time.Second
	}
	if cfg.Target.ReadTimeout == 0 {
		cfg.Target.ReadTimeout = 5 * time.Minute
	}
	if cfg.DataDir == "" {
		return nil, errors.New("data_dir is required")
	}
	if cfg.RecordsPerFile == 0 {
		cfg.RecordsPerFile = 250_000
	}
	if cfg.BinlogRetention == 0 {
		cfg.BinlogRetention = 72 * time.Hour
	}
	if cfg.InitialReplicationThreads == 0 {
		cfg.InitialReplicationThreads = 4
	}
	if cfg.OptimizeInterval == 0 {
		cfg.OptimizeInterval = 10 * time.Minute
	}
	if cfg.AutoRestartInterval == 0 {
		cfg.AutoRestartInterval = 6 * time.Hour
	}
	if cfg.SourceTimezone == "" {
		cfg.SourceTimezone = "UTC"
	}
	if cfg.HTTPHost == "" {
		cfg.HTTPHost = "127.0.0.1"
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8404
	}
	if cfg.DDLOldDatabaseGracePeriod == 0 {
		cfg.DDLOldDatabaseGracePeriod = 24 * time.Hour
	}
	if len(cfg.Databases) == 0 {
		return nil, errors.New("at least one entry in databases is required")
	}
	return cfg, nil
}

// TargetDatabaseFor returns the target database name for a source
// database, applying target_databases remapping if configured.
func (c *Config) TargetDatabaseFor(sourceDatabase string) string {
	if c.TargetDatabases != nil {
		if remapped, ok := c.TargetDatabases[sourceDatabase]; ok {
			return remapped
		}
	}
	return sourceDatabase
}

// IncludesTable reports whether database.table passes the configured
// include/exclude filters. Exclusions take priority over inclusions,
// per spec.md §6.
func (c *Config) IncludesTable(database, table string) bool {
	if matchesAny(c.ExcludeDatabases, database) {
		return false
	}
	key := database + "." + table
	if matchesAny(c.ExcludeTables, table) || matchesAny(c.ExcludeTables, key) {
		return false
	}
	if len(c.Databases) > 0 && !matchesAny(c.Databases, database) {
		return false
	}
	if len(c.Tables) > 0 && !matchesAny(c.Tables, table) && !matchesAny(c.Tables, key) {
		return false
	}
	return true
}

// IncludesDatabase reports whether database passes the configured
// database-level include/exclude filters, independent of any table. Used
// by the supervisor to discover which source databases to mirror at all,
// before any of their tables are known.
func (c *Config) IncludesDatabase(database string) bool {
	if matchesAny(c.ExcludeDatabases, database) {
		return false
	}
	if len(c.Databases) > 0 && !matchesAny(c.Databases, database) {
		return false
	}
	return true
}

// matchesAny reports whether name matches any pattern in patterns, where
// a pattern may be a literal or contain '*' glob wildcards.
func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if !strings.Contains(p, "*") {
			if p == name {
				return true
			}
			continue
		}
		if globMatch(p, name) {
			return true
		}
	}
	return false
}

// globMatch implements the small subset of glob syntax the databases/
// tables inclusion patterns need: '*' matches any run of characters.
func globMatch(pattern, name string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == name
	}
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	name = name[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(name, parts[i])
		if idx < 0 {
			return false
		}
		name = name[idx+len(parts[i]):]
	}
	return strings.HasSuffix(name, parts[len(parts)-1])
}
