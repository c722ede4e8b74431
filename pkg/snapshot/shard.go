package snapshot

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mysql2ch/replicator/pkg/ddl"
)

// Shard is a primary-key range of one source table, copied by a single
// worker (spec.md §4.4 step 3, "partition each source table's primary-key
// range into N shards").
type Shard struct {
	Database string
	Table    string

	// Lower is exclusive, Upper is inclusive; Lower == nil means "from the
	// start of the table", Upper == nil means "to the end".
	Lower any
	Upper any

	// Checkpoint is the last primary-key value this shard has copied,
	// resumed from on restart (spec.md §4.4, "progress per shard is
	// checkpointed").
	Checkpoint any
}

// planShards splits desc's primary-key range into up to n shards using
// the min/max bound and even division, the way the translator's default
// partition expression divides an integer primary key into bounded
// buckets (pkg/ddl/translator.go's partitionExpr). Only a single-column
// integer primary key can be sharded this way; every other key shape (no
// PK, composite PK, non-integer PK) copies as one shard, matching
// spec.md's default of N=1 when a table can't be usefully partitioned.
func planShards(ctx context.Context, db *sql.DB, desc *ddl.TableDescriptor, n int) ([]Shard, error) {
	if n <= 1 || len(desc.KeyColumns) != 1 || !isIntegerType(columnSourceType(desc, desc.KeyColumns[0])) {
		return []Shard{{Database: desc.Database, Table: desc.Table}}, nil
	}

	var minKey, maxKey sql.NullInt64
	q := fmt.Sprintf("SELECT MIN(`%s`), MAX(`%s`) FROM `%s`.`%s`",
		desc.KeyColumns[0], desc.KeyColumns[0], desc.Database, desc.Table)
	if err := db.QueryRowContext(ctx, q).Scan(&minKey, &maxKey); err != nil {
		return nil, fmt.Errorf("bound primary key range for %s.%s: %w", desc.Database, desc.Table, err)
	}
	if !minKey.Valid || !maxKey.Valid {
		return []Shard{{Database: desc.Database, Table: desc.Table}}, nil // empty table
	}

	span := maxKey.Int64 - minKey.Int64
	if span <= 0 {
		return []Shard{{Database: desc.Database, Table: desc.Table}}, nil
	}
	step := span / int64(n)
	if step < 1 {
		step = 1
	}

	var shards []Shard
	lower := minKey.Int64 - 1 // Lower is exclusive
	for lower < maxKey.Int64 {
		upper := lower + step
		if upper > maxKey.Int64 {
			upper = maxKey.Int64
		}
		shards = append(shards, Shard{
			Database: desc.Database, Table: desc.Table,
			Lower: lower, Upper: upper,
		})
		lower = upper
	}
	return shards, nil
}

func columnSourceType(desc *ddl.TableDescriptor, name string) string {
	for _, c := range desc.Columns {
		if c.Name == name {
			return c.SourceType
		}
	}
	return ""
}

func isIntegerType(sourceType string) bool {
	switch {
	case len(sourceType) == 0:
		return false
	default:
		for _, prefix := range []string{"int", "bigint", "smallint", "tinyint", "mediumint"} {
			if hasPrefixFold(sourceType, prefix) {
				return true
			}
		}
		return false
	}
}

func hasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != prefix[i] {
			return false
		}
	}
	return true
}
