package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsAndValidation(t *testing.T) {
	_, err := New(&Config{})
	assert.Error(t, err, "missing source.host should be rejected")

	cfg, err := New(&Config{
		Source:    MySQLConfig{Host: "127.0.0.1", User: "repl"},
		Target:    ClickHouseConfig{Host: "127.0.0.1", Database: "mirror"},
		DataDir:   "/var/lib/replicator",
		Databases: []string{"shop"},
	})
	assert.NoError(t, err)
	assert.Equal(t, 3306, cfg.Source.Port)
	assert.Equal(t, 8123, cfg.Target.Port)
	assert.Equal(t, 250_000, cfg.RecordsPerFile)
	assert.Equal(t, 4, cfg.InitialReplicationThreads)
	assert.Equal(t, "UTC", cfg.SourceTimezone)
}

func TestNewRequiresAtLeastOneDatabase(t *testing.T) {
	_, err := New(&Config{
		Source:  MySQLConfig{Host: "127.0.0.1", User: "repl"},
		Target:  ClickHouseConfig{Host: "127.0.0.1", Database: "mirror"},
		DataDir: "/var/lib/replicator",
	})
	assert.Error(t, err)
}

func TestTargetDatabaseFor(t *testing.T) {
	cfg := &Config{TargetDatabases: map[string]string{"shop": "shop_mirror"}}
	assert.Equal(t, "shop_mirror", cfg.TargetDatabaseFor("shop"))
	assert.Equal(t, "billing", cfg.TargetDatabaseFor("billing"))
}

func TestIncludesTable(t *testing.T) {
	cfg := &Config{
		Databases:        []string{"shop"},
		ExcludeTables:    []string{"shop.audit_log"},
		ExcludeDatabases: []string{"internal_*"},
	}
	assert.True(t, cfg.IncludesTable("shop", "orders"))
	assert.False(t, cfg.IncludesTable("shop", "audit_log"))
	assert.False(t, cfg.IncludesTable("internal_metrics", "events"))
	assert.False(t, cfg.IncludesTable("other", "orders"))
}

func TestIncludesDatabase(t *testing.T) {
	cfg := &Config{
		Databases:        []string{"shop"},
		ExcludeDatabases: []string{"internal_*"},
	}
	assert.True(t, cfg.IncludesDatabase("shop"))
	assert.False(t, cfg.IncludesDatabase("other"))
	assert.False(t, cfg.IncludesDatabase("internal_metrics"))
}

func TestIncludesDatabaseWithNoAllowlist(t *testing.T) {
	cfg := &Config{ExcludeDatabases: []string{"internal_*"}}
	assert.True(t, cfg.IncludesDatabase("shop"))
	assert.False(t, cfg.IncludesDatabase("internal_metrics"))
}

func TestGlobMatch(t *testing.T) {
	assert.True(t, globMatch("internal_*", "internal_metrics"))
	assert.True(t, globMatch("*_archive", "orders_archive"))
	assert.False(t, globMatch("internal_*", "external_metrics"))
	assert.True(t, globMatch("exact", "exact"))
	assert.False(t, globMatch("exact", "other"))
}
