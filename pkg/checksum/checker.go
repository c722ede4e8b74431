// Package checksum compares a mirrored table's source and target row sets
// chunk by chunk, verifying the snapshot+tail equivalence property (spec.md
// §8 property 5) independently of the applier's own replay logic: a bug in
// event decoding or a missed event would still replay cleanly but leave the
// target's checksum different from the source's.
package checksum

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/siddontang/loggers"

	"github.com/mysql2ch/replicator/pkg/chclient"
	"github.com/mysql2ch/replicator/pkg/ddl"
	"github.com/mysql2ch/replicator/pkg/utils"
)

// versionColumn and deletedColumn mirror the unexported constants of the
// same name in pkg/ddl; every mirrored table carries them.
const (
	versionColumn = "_version"
	deletedColumn = "_is_deleted"
)

// CheckerConfig configures one Checker run.
type CheckerConfig struct {
	// ChunkSize is the number of primary-key rows compared per chunk.
	ChunkSize int
	// FixDifferences re-copies a mismatched chunk's rows from source to
	// target (with a freshly bumped _version, so ReplacingMergeTree picks
	// it up as the winner on next merge) instead of failing the run.
	FixDifferences bool
	// Watermark resumes a prior run after the primary-key value a previous
	// Checker's RecentValue() reported, instead of starting at the
	// table's first row.
	Watermark string
}

// NewCheckerDefaultConfig returns a CheckerConfig with a reasonable chunk
// size and no fix-up or resume behavior.
func NewCheckerDefaultConfig() *CheckerConfig {
	return &CheckerConfig{ChunkSize: 1000}
}

// Checker compares one mirrored table's source rows against its target
// rows, chunk by chunk ordered by the table's first key column. Composite
// primary keys are chunked on their first column only; a checksum mismatch
// within a chunk still compares every column, so this is a scope
// simplification on chunk boundaries, not on what gets verified.
type Checker struct {
	source   *sql.DB
	target   *chclient.Client
	database string
	desc     *ddl.TableDescriptor
	cfg      *CheckerConfig
	logger   loggers.Advanced

	differencesFound uint64
	recentValue      any
}

// NewChecker validates its arguments and returns a Checker for one table.
func NewChecker(source *sql.DB, target *chclient.Client, database string, desc *ddl.TableDescriptor, cfg *CheckerConfig, logger loggers.Advanced) (*Checker, error) {
	if source == nil || target == nil {
		return nil, errors.New("source and target must be non-nil")
	}
	if desc == nil || len(desc.KeyColumns) == 0 {
		return nil, errors.New("table descriptor must declare key columns")
	}
	if cfg == nil {
		cfg = NewCheckerDefaultConfig()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	return &Checker{source: source, target: target, database: database, desc: desc, cfg: cfg, logger: logger}, nil
}

// DifferencesFound returns the number of chunks this Checker found
// mismatched and, if FixDifferences was set, repaired.
func (c *Checker) DifferencesFound() uint64 {
	return atomic.LoadUint64(&c.differencesFound)
}

// RecentValue reports the primary-key value of the last fully-verified
// chunk boundary, for a later Checker's Watermark. A table that fits in a
// single chunk never produces a meaningful resume point, so it reports
// "TBD" the same way a one-and-done chunker never advances past its start.
func (c *Checker) RecentValue() string {
	if c.recentValue == nil {
		return "TBD"
	}
	return fmt.Sprint(c.recentValue)
}

// Run walks the table in chunks of cfg.ChunkSize rows, comparing a
// collision-resistant-enough XOR-of-CRC32 checksum per chunk between
// source and target. A mismatch either fails the run or, under
// FixDifferences, is repaired in place.
func (c *Checker) Run(ctx context.Context) error {
	pk := c.desc.KeyColumns[0]
	var lastKey any
	if c.cfg.Watermark != "" {
		lastKey = c.cfg.Watermark
	}

	chunks := 0
	for {
		keys, err := c.fetchChunkKeys(ctx, pk, lastKey)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			break
		}
		lower, upper := keys[0], keys[len(keys)-1]

		srcSum, err := c.sourceChecksum(ctx, pk, lower, upper)
		if err != nil {
			return fmt.Errorf("source checksum: %w", err)
		}
		tgtSum, err := c.targetChecksum(ctx, pk, lower, upper)
		if err != nil {
			return fmt.Errorf("target checksum: %w", err)
		}

		if srcSum != tgtSum {
			atomic.AddUint64(&c.differencesFound, 1)
			if !c.cfg.FixDifferences {
				return fmt.Errorf("checksum mismatch for `%s`.`%s` between %v and %v", c.database, c.desc.Table, lower, upper)
			}
			if err := c.fixChunk(ctx, pk, lower, upper); err != nil {
				return fmt.Errorf("fix chunk: %w", err)
			}
			if c.logger != nil {
				c.logger.Warnf("checksum mismatch for `%s`.`%s` between %v and %v, repaired", c.database, c.desc.Table, lower, upper)
			}
		}

		lastKey = upper
		chunks++
		if len(keys) < c.cfg.ChunkSize {
			break
		}
	}

	if chunks > 1 {
		c.recentValue = lastKey
	}
	return nil
}

func (c *Checker) fetchChunkKeys(ctx context.Context, pk string, after any) ([]any, error) {
	query := fmt.Sprintf("SELECT `%s` FROM `%s`.`%s`", pk, c.database, c.desc.Table)
	var args []any
	if after != nil {
		query += fmt.Sprintf(" WHERE `%s` > ?", pk)
		args = append(args, after)
	}
	query += fmt.Sprintf(" ORDER BY `%s` ASC LIMIT %d", pk, c.cfg.ChunkSize)

	rows, err := c.source.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch chunk keys: %w", err)
	}
	defer rows.Close()

	var keys []any
	for rows.Next() {
		var key any
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// sourceChecksum aggregates BIT_XOR(CRC32(...)) over every column of the
// chunk, order-independent the way pt-table-checksum-style row checksums
// are: the NUL-wrapped sentinel for NULL columns keeps a NULL column
// distinguishable from the literal string "NULL".
func (c *Checker) sourceChecksum(ctx context.Context, pk string, lower, upper any) (uint64, error) {
	cols := make([]string, len(c.desc.Columns))
	for i, col := range c.desc.Columns {
		cols[i] = fmt.Sprintf("COALESCE(CAST(`%s` AS CHAR), '\\0NULL\\0')", col.Name)
	}
	query := fmt.Sprintf(
		"SELECT COALESCE(BIT_XOR(CRC32(CONCAT_WS('\\x01', %s))), 0) FROM `%s`.`%s` WHERE `%s` BETWEEN ? AND ?",
		strings.Join(cols, ", "), c.database, c.desc.Table, pk)

	var sum uint64
	err := c.source.QueryRowContext(ctx, query, lower, upper).Scan(&sum)
	return sum, err
}

// targetChecksum mirrors sourceChecksum's aggregate against the merged,
// non-deleted view of the target table.
func (c *Checker) targetChecksum(ctx context.Context, pk string, lower, upper any) (uint64, error) {
	cols := make([]string, len(c.desc.Columns))
	for i, col := range c.desc.Columns {
		cols[i] = fmt.Sprintf("ifNull(toString(`%s`), '\\0NULL\\0')", col.Name)
	}
	query := fmt.Sprintf(
		"SELECT coalesce(groupBitXor(CRC32(arrayStringConcat([%s], '\\x01'))), 0) FROM `%s`.`%s` FINAL WHERE `%s` = 0 AND `%s` BETWEEN ? AND ?",
		strings.Join(cols, ", "), c.database, c.desc.Table, deletedColumn, pk)

	rows, err := c.target.Query(ctx, query, lower, upper)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var sum uint64
	if rows.Next() {
		if err := rows.Scan(&sum); err != nil {
			return 0, err
		}
	}
	return sum, rows.Err()
}

// fixChunk re-reads every column of the mismatched chunk from source and
// re-inserts it at the target with a version newer than anything already
// written for those keys, the same upsert shape
// tableBuffer.insertValuesStatement builds during ordinary replication.
func (c *Checker) fixChunk(ctx context.Context, pk string, lower, upper any) error {
	quotedCols := make([]string, len(c.desc.Columns))
	for i, col := range c.desc.Columns {
		quotedCols[i] = fmt.Sprintf("`%s`", col.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM `%s`.`%s` WHERE `%s` BETWEEN ? AND ?",
		strings.Join(quotedCols, ", "), c.database, c.desc.Table, pk)

	rows, err := c.source.QueryContext(ctx, query, lower, upper)
	if err != nil {
		return fmt.Errorf("read chunk for fix: %w", err)
	}
	defer rows.Close()

	version := uint64(time.Now().UnixNano())
	scanBuf := make([]any, len(c.desc.Columns))
	scanDest := make([]any, len(c.desc.Columns))
	for i := range scanBuf {
		scanDest[i] = &scanBuf[i]
	}

	var valueRows []string
	for rows.Next() {
		if err := rows.Scan(scanDest...); err != nil {
			return err
		}
		values := make([]string, 0, len(scanBuf)+2)
		for _, v := range scanBuf {
			values = append(values, utils.FormatClickHouseValue(v))
		}
		values = append(values, fmt.Sprintf("%d", version), "0")
		valueRows = append(valueRows, "("+strings.Join(values, ", ")+")")
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(valueRows) == 0 {
		return nil
	}

	insertCols := append(append([]string{}, quotedCols...), fmt.Sprintf("`%s`", versionColumn), fmt.Sprintf("`%s`", deletedColumn))
	insert := fmt.Sprintf("INSERT INTO `%s`.`%s` (%s) VALUES %s",
		c.database, c.desc.Table, strings.Join(insertCols, ", "), strings.Join(valueRows, ", "))
	return c.target.Exec(ctx, insert)
}
