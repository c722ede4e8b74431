package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mysql2ch/replicator/pkg/config"
	"github.com/mysql2ch/replicator/pkg/ddl"
)

// loadConfig reads the YAML document at path into a config.Config,
// defaulting and validating it, exactly as migration.NewRunner defaults
// and validates an already-parsed Migration. Parsing YAML itself is the
// CLI's job, not the core packages' (spec.md §1).
func loadConfig(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg config.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return config.New(&cfg)
}

// buildDDLConfig translates the flat, YAML-friendly override maps on
// config.Config into the shape pkg/ddl's Translator consumes.
func buildDDLConfig(cfg *config.Config) *ddl.Config {
	// Each entry in cfg.Indexes[table] is one index, its columns joined
	// with commas (e.g. "customer_id,created_at" for a composite index).
	indexes := make(map[string][]ddl.IndexDescriptor, len(cfg.Indexes))
	for table, columnGroups := range cfg.Indexes {
		descs := make([]ddl.IndexDescriptor, 0, len(columnGroups))
		for i, group := range columnGroups {
			descs = append(descs, ddl.IndexDescriptor{
				Name:    fmt.Sprintf("idx_%d", i),
				Columns: strings.Split(group, ","),
			})
		}
		indexes[table] = descs
	}
	return &ddl.Config{
		TypeOverrides: cfg.TypesMapping,
		PartitionBys:  cfg.PartitionBys,
		Indexes:       indexes,
	}
}
