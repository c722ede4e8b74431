// Package snapshot implements the initial snapshotter (spec.md §4.4, C4):
// it captures a resume coordinate, creates the staging database at the
// target, and bulk-copies every matched source table in parallel,
// primary-key-range shard by shard, before handing the applier its
// resume point.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/siddontang/loggers"
	"golang.org/x/sync/errgroup"

	"github.com/mysql2ch/replicator/pkg/binlogevent"
	"github.com/mysql2ch/replicator/pkg/chclient"
	"github.com/mysql2ch/replicator/pkg/config"
	"github.com/mysql2ch/replicator/pkg/ddl"
	"github.com/mysql2ch/replicator/pkg/ingest"
	"github.com/mysql2ch/replicator/pkg/statement"
	"github.com/mysql2ch/replicator/pkg/utils"
)

const copyBatchSize = 5000

// Snapshotter bulk-loads one source database's existing rows into its
// staging target database ahead of live tailing.
type Snapshotter struct {
	cfg      *config.Config
	source   *sql.DB
	target   *chclient.Client
	tr       *ddl.Translator
	logger   loggers.Advanced
	database string
}

func New(cfg *config.Config, database string, source *sql.DB, target *chclient.Client, tr *ddl.Translator, logger loggers.Advanced) *Snapshotter {
	return &Snapshotter{cfg: cfg, source: source, target: target, tr: tr, logger: logger, database: database}
}

// Run executes the full snapshot algorithm (spec.md §4.4) and returns the
// resume coordinate the applier should tail from, plus the descriptors it
// created so the applier can register them without re-translating schema.
func (s *Snapshotter) Run(ctx context.Context) (binlogevent.SourcePosition, []*ddl.TableDescriptor, error) {
	// Step 1: capture C₀ before any copying starts, so live writes after
	// this point are never missed even if the copy itself takes hours. A
	// restarted snapshot reuses the C₀ an earlier run persisted.
	saved, hasResume, err := ReadDatabaseCheckpoint(s.cfg.DataDir, s.database)
	if err != nil {
		return binlogevent.SourcePosition{}, nil, err
	}
	resume := saved.ResumePoint
	if !hasResume {
		resume, err = ingest.CapturePosition(ctx, s.source)
		if err != nil {
			return binlogevent.SourcePosition{}, nil, fmt.Errorf("capture resume point: %w", err)
		}
		if err := WriteDatabaseCheckpoint(s.cfg.DataDir, s.database, DatabaseCheckpoint{ResumePoint: resume}); err != nil {
			return binlogevent.SourcePosition{}, nil, err
		}
	}

	targetDB := s.cfg.TargetDatabaseFor(s.database) + "_tmp"
	if err := s.target.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", targetDB)); err != nil {
		return binlogevent.SourcePosition{}, nil, fmt.Errorf("create staging database: %w", err)
	}

	tables, err := listTables(ctx, s.source, s.database)
	if err != nil {
		return binlogevent.SourcePosition{}, nil, err
	}

	var descriptors []*ddl.TableDescriptor
	for _, table := range tables {
		if !s.cfg.IncludesTable(s.database, table) {
			continue
		}
		desc, err := s.createTargetTable(ctx, table, targetDB)
		if err != nil {
			// Step "Target-side failure during CREATE TABLE is fatal for
			// the snapshot (not the whole process)" - spec.md §4.4.
			return binlogevent.SourcePosition{}, nil, fmt.Errorf("create target table %s.%s: %w", s.database, table, err)
		}
		descriptors = append(descriptors, desc)

		if err := s.copyTable(ctx, desc, targetDB); err != nil {
			return binlogevent.SourcePosition{}, nil, fmt.Errorf("copy table %s.%s: %w", s.database, table, err)
		}
	}

	return resume, descriptors, nil
}

func (s *Snapshotter) createTargetTable(ctx context.Context, table, targetDB string) (*ddl.TableDescriptor, error) {
	var tableName, createSQL string
	row := s.source.QueryRowContext(ctx, fmt.Sprintf("SHOW CREATE TABLE `%s`.`%s`", s.database, table))
	if err := row.Scan(&tableName, &createSQL); err != nil {
		return nil, fmt.Errorf("show create table: %w", err)
	}
	ct, err := statement.ParseCreateTable(createSQL)
	if err != nil {
		return nil, fmt.Errorf("parse create table: %w", err)
	}
	desc, ddlText, err := s.tr.TranslateCreateTable(ct, s.database, targetDB)
	if err != nil {
		return nil, err
	}
	if err := s.target.Exec(ctx, ddlText); err != nil {
		return nil, err
	}
	return desc, nil
}

// copyTable partitions desc's key range into N shards and copies them
// concurrently (spec.md §4.4 step 3), resuming any shard that already has
// a persisted checkpoint.
func (s *Snapshotter) copyTable(ctx context.Context, desc *ddl.TableDescriptor, targetDB string) error {
	n := s.cfg.InitialReplicationThreads
	shards, err := planShards(ctx, s.source, desc, n)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		i, shard := i, shard
		g.Go(func() error {
			return s.copyShard(gctx, desc, shard, i, targetDB)
		})
	}
	return g.Wait()
}

// copyShard streams rows in key order within [shard.Lower, shard.Upper],
// resuming from the shard's checkpoint, and bulk-inserts them into the
// target in batches of copyBatchSize (spec.md §4.4, "failure semantics:
// any shard failure causes that shard to restart from its checkpoint").
func (s *Snapshotter) copyShard(ctx context.Context, desc *ddl.TableDescriptor, shard Shard, index int, targetDB string) error {
	cp, ok, err := ReadShardCheckpoint(s.cfg.DataDir, s.database, desc.Table, index)
	if err != nil {
		return err
	}
	if ok && cp.Done {
		return nil
	}

	cursor := shard.Lower
	if ok && cp.HasLastKey {
		cursor = cp.LastKey
	}
	rowsCopied := uint64(0)
	if ok {
		rowsCopied = cp.RowsCopied
	}

	hasPK := len(desc.KeyColumns) == 1

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rows, lastKey, n, err := s.fetchBatch(ctx, desc, shard, cursor, hasPK)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}

		if err := s.insertBatch(ctx, desc, targetDB, rows); err != nil {
			return err
		}
		rowsCopied += uint64(n)
		cursor = lastKey

		var lastKeyInt int64
		hasLastKey := false
		if hasPK {
			if v, ok := lastKey.(int64); ok {
				lastKeyInt, hasLastKey = v, true
			}
		}
		if err := WriteShardCheckpoint(s.cfg.DataDir, s.database, desc.Table, index, ShardCheckpoint{
			HasLastKey: hasLastKey, LastKey: lastKeyInt, RowsCopied: rowsCopied,
		}); err != nil {
			return err
		}

		if shard.Upper != nil && hasPK {
			if upper, ok := shard.Upper.(int64); ok && lastKeyInt >= upper {
				break
			}
		}
		if n < copyBatchSize {
			break
		}
	}

	return WriteShardCheckpoint(s.cfg.DataDir, s.database, desc.Table, index, ShardCheckpoint{
		RowsCopied: rowsCopied, Done: true,
	})
}

func (s *Snapshotter) fetchBatch(ctx context.Context, desc *ddl.TableDescriptor, shard Shard, cursor any, hasPK bool) ([][]any, any, int, error) {
	cols := make([]string, len(desc.Columns))
	for i, c := range desc.Columns {
		cols[i] = fmt.Sprintf("`%s`", c.Name)
	}

	var query string
	var args []any
	switch {
	case hasPK:
		pk := desc.KeyColumns[0]
		var conds []string
		if cursor != nil {
			conds = append(conds, fmt.Sprintf("`%s` > ?", pk))
			args = append(args, cursor)
		}
		if shard.Upper != nil {
			conds = append(conds, fmt.Sprintf("`%s` <= ?", pk))
			args = append(args, shard.Upper)
		}
		where := ""
		if len(conds) > 0 {
			where = " WHERE " + strings.Join(conds, " AND ")
		}
		query = fmt.Sprintf("SELECT %s FROM `%s`.`%s`%s ORDER BY `%s` LIMIT %d",
			strings.Join(cols, ", "), s.database, desc.Table, where, pk, copyBatchSize)
	default:
		// No single-column key to paginate on (no primary key, or a
		// composite one): copy the whole table in one unordered pass. Only correct for tables with
		// no concurrent writes during the copy window, which is the
		// degraded case spec.md §4.4 accepts for non-shardable tables.
		query = fmt.Sprintf("SELECT %s FROM `%s`.`%s` LIMIT %d",
			strings.Join(cols, ", "), s.database, desc.Table, copyBatchSize)
	}

	rows, err := s.source.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cursor, 0, fmt.Errorf("query shard batch: %w", err)
	}
	defer rows.Close()

	var out [][]any
	var lastKey any = cursor
	keyIdx := desc.ColumnIndex(firstOr(desc.KeyColumns, ""))
	for rows.Next() {
		scanDest := make([]any, len(cols))
		scanPtrs := make([]any, len(cols))
		for i := range scanDest {
			scanPtrs[i] = &scanDest[i]
		}
		if err := rows.Scan(scanPtrs...); err != nil {
			return nil, cursor, 0, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, scanDest)
		if hasPK && keyIdx >= 0 && scanDest[keyIdx] != nil {
			lastKey = scanDest[keyIdx]
		}
	}
	if err := rows.Err(); err != nil {
		return nil, cursor, 0, err
	}
	return out, lastKey, len(out), nil
}

func (s *Snapshotter) insertBatch(ctx context.Context, desc *ddl.TableDescriptor, targetDB string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	cols := make([]string, 0, len(desc.Columns)+2)
	for _, c := range desc.Columns {
		cols = append(cols, fmt.Sprintf("`%s`", c.Name))
	}
	cols = append(cols, "`_version`", "`_is_deleted`")

	values := make([]string, 0, len(rows))
	for _, row := range rows {
		vs := make([]string, 0, len(row)+2)
		for _, v := range row {
			vs = append(vs, utils.FormatClickHouseValue(v))
		}
		vs = append(vs, "0", "0") // version 0: any live event always outranks the snapshot copy
		values = append(values, "("+strings.Join(vs, ", ")+")")
	}

	stmt := fmt.Sprintf("INSERT INTO `%s`.`%s` (%s) VALUES %s",
		targetDB, desc.Table, strings.Join(cols, ", "), strings.Join(values, ", "))
	return s.target.Exec(ctx, stmt)
}

func listTables(ctx context.Context, db *sql.DB, database string) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT TABLE_NAME FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'", database)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func firstOr(ss []string, def string) string {
	if len(ss) == 0 {
		return def
	}
	return ss[0]
}
