package applier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/siddontang/loggers"

	"github.com/mysql2ch/replicator/pkg/binlogevent"
	"github.com/mysql2ch/replicator/pkg/chclient"
	"github.com/mysql2ch/replicator/pkg/config"
	"github.com/mysql2ch/replicator/pkg/ddl"
	"github.com/mysql2ch/replicator/pkg/spool"
	"github.com/mysql2ch/replicator/pkg/statement"
	"github.com/mysql2ch/replicator/pkg/utils"
)

// FlushThresholds bounds how long a batch accumulates before being
// written to the target (spec.md §4.3: "batch-size threshold, byte-size
// threshold, or time-since-first-event threshold").
type FlushThresholds struct {
	MaxRows  int
	MaxBytes int64
	MaxAge   time.Duration
}

func DefaultFlushThresholds() FlushThresholds {
	return FlushThresholds{MaxRows: 10_000, MaxBytes: 16 << 20, MaxAge: time.Second}
}

// Applier owns one source database's mirror: it tails the spool, maintains
// the translated schema, buffers row operations, and flushes them to the
// target in batches (spec.md §4.3).
type Applier struct {
	mu sync.Mutex

	database string
	cfg      *config.Config
	target   *chclient.Client
	tr       *ddl.Translator
	logger   loggers.Advanced

	reader     *spool.Reader
	thresholds FlushThresholds

	state   State
	tables  map[string]*tableBuffer // keyed by lowercased table name
	bufferedBytes int64
	firstEventAt  time.Time
	lastEventAt   time.Time

	liveDB, stagingDB string
}

// New constructs an Applier for database, resuming its persisted state if
// one exists.
func New(ctx context.Context, database string, cfg *config.Config, target *chclient.Client, tr *ddl.Translator, logger loggers.Advanced) (*Applier, error) {
	reader, err := spool.NewReader(cfg.DataDir, database, "applier")
	if err != nil {
		return nil, fmt.Errorf("open spool reader for %s: %w", database, err)
	}
	cp, ok, err := spool.ReadConsumerCheckpoint(cfg.DataDir, database, "applier")
	if err != nil {
		return nil, err
	}
	st := StateInitializing
	if ok {
		st = ParseState(cp.Phase)
	}

	targetDB := cfg.TargetDatabaseFor(database)
	a := &Applier{
		database:   database,
		cfg:        cfg,
		target:     target,
		tr:         tr,
		logger:     logger,
		reader:     reader,
		thresholds: DefaultFlushThresholds(),
		state:      st,
		tables:     make(map[string]*tableBuffer),
		liveDB:     targetDB,
		stagingDB:  targetDB + "_tmp",
	}
	return a, nil
}

// SetFlushThresholds overrides the default batching thresholds.
func (a *Applier) SetFlushThresholds(t FlushThresholds) { a.thresholds = t }

// State returns the applier's current lifecycle phase.
func (a *Applier) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Checkpoint returns the applier's current consumer checkpoint, the
// supervisor's health surface compares this against the ingest
// checkpoint to compute lag (spec.md §4.5).
func (a *Applier) Checkpoint() binlogevent.Coordinate {
	return a.reader.Checkpoint()
}

// LastEventTime returns the timestamp of the last event this applier
// handled, zero if none yet, used for the wall-clock lag component of
// the health surface.
func (a *Applier) LastEventTime() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastEventAt
}

// targetDatabase returns D_tmp while staging, D otherwise.
func (a *Applier) targetDatabase() string {
	if a.state == StateStaging {
		return a.stagingDB
	}
	return a.liveDB
}

// BeginStaging transitions INITIALIZING → STAGING, creating D_tmp at the
// target. With ignore_deletes set, staging is skipped entirely and the
// applier goes directly live against D (Open Question resolution #1).
func (a *Applier) BeginStaging(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateInitializing {
		return nil
	}
	if a.cfg.IgnoreDeletes {
		if err := a.target.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", a.liveDB)); err != nil {
			return fmt.Errorf("create live database: %w", err)
		}
		a.state = StateLive
		return a.persistState(ctx)
	}
	if err := a.target.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", a.stagingDB)); err != nil {
		return fmt.Errorf("create staging database: %w", err)
	}
	a.state = StateStaging
	return a.persistState(ctx)
}

// Swap performs the SWAPPING transition: D_tmp -> D, demoting any
// existing D to D_old_<timestamp> first (spec.md §4.3).
func (a *Applier) Swap(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateStaging {
		return fmt.Errorf("cannot swap from state %s", a.state)
	}
	a.state = StateSwapping
	if err := a.persistState(ctx); err != nil {
		return err
	}

	exists, err := a.databaseExists(ctx, a.liveDB)
	if err != nil {
		a.state = StateFaulted
		return err
	}
	if exists {
		oldName := fmt.Sprintf("%s_old_%d", a.liveDB, time.Now().UnixNano())
		if err := a.target.Exec(ctx, fmt.Sprintf("RENAME DATABASE `%s` TO `%s`", a.liveDB, oldName)); err != nil {
			a.state = StateFaulted
			return fmt.Errorf("demote existing live database: %w", err)
		}
	}
	if err := a.target.Exec(ctx, fmt.Sprintf("RENAME DATABASE `%s` TO `%s`", a.stagingDB, a.liveDB)); err != nil {
		a.state = StateFaulted
		return fmt.Errorf("promote staging database: %w", err)
	}
	a.state = StateLive
	return a.persistState(ctx)
}

func (a *Applier) databaseExists(ctx context.Context, name string) (bool, error) {
	rows, err := a.target.Query(ctx, "SELECT 1 FROM system.databases WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), nil
}

func (a *Applier) persistState(ctx context.Context) error {
	return spool.WriteConsumerCheckpoint(a.cfg.DataDir, a.database, "applier", spool.ConsumerCheckpoint{
		Coordinate: a.reader.Checkpoint(),
		Phase:      a.state.String(),
	})
}

// RegisterTable installs or replaces the descriptor backing table's
// buffer, called after any successful CREATE TABLE/ALTER translation.
func (a *Applier) RegisterTable(desc *ddl.TableDescriptor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tables[strings.ToLower(desc.Table)] = newTableBuffer(desc)
}

// Run tails the spool and buffers/flushes events until ctx is canceled.
func (a *Applier) Run(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ev, err := a.reader.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read next event for %s: %w", a.database, err)
		}

		if err := a.handleEvent(ctx, ev); err != nil {
			a.mu.Lock()
			a.state = StateFaulted
			a.mu.Unlock()
			return fmt.Errorf("applier for %s faulted: %w", a.database, err)
		}

		if a.shouldFlush() {
			if err := a.Flush(ctx); err != nil {
				a.mu.Lock()
				a.state = StateFaulted
				a.mu.Unlock()
				return fmt.Errorf("flush for %s: %w", a.database, err)
			}
		}
	}
}

func (a *Applier) handleEvent(ctx context.Context, ev *binlogevent.Event) error {
	if ev.Op == binlogevent.OpDDL {
		// DDL drains the buffer first: no row data precedes or follows
		// it within the same flush (spec.md §4.3, "DDL handling").
		if err := a.Flush(ctx); err != nil {
			return err
		}
		return a.applyDDL(ctx, ev)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.tables[strings.ToLower(ev.Table)]
	if !ok {
		return fmt.Errorf("event for untracked table %s.%s", ev.Database, ev.Table)
	}
	key := ev.PreKey
	if key == nil {
		key = pkValues(buf.desc, ev.Row)
	}
	version := uint64(ev.Coordinate.Offset)
	if ev.Coordinate.FileID > 0 {
		version = uint64(ev.Coordinate.FileID)<<32 | (version & 0xffffffff)
	}
	switch ev.Op {
	case binlogevent.OpInsert, binlogevent.OpUpdate:
		buf.upsert(key, ev.Row, version)
	case binlogevent.OpDelete:
		if !a.cfg.IgnoreDeletes {
			buf.delete(key, version)
		} else {
			delete(buf.changes, utils.HashKey(key))
		}
	}
	if a.firstEventAt.IsZero() {
		a.firstEventAt = time.Now()
	}
	a.lastEventAt = ev.Timestamp
	a.bufferedBytes += estimateEventSize(ev)
	return nil
}

func pkValues(desc *ddl.TableDescriptor, row []any) []any {
	key := make([]any, 0, len(desc.KeyColumns))
	for _, k := range desc.KeyColumns {
		idx := desc.ColumnIndex(k)
		if idx >= 0 && idx < len(row) {
			key = append(key, row[idx])
		}
	}
	return key
}

func estimateEventSize(ev *binlogevent.Event) int64 {
	n := int64(len(ev.Table) + len(ev.Database) + 16)
	for _, v := range ev.Row {
		if s, ok := v.(string); ok {
			n += int64(len(s))
		} else if b, ok := v.([]byte); ok {
			n += int64(len(b))
		} else {
			n += 8
		}
	}
	return n
}

func (a *Applier) shouldFlush() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, b := range a.tables {
		total += b.Len()
	}
	if total == 0 {
		return false
	}
	if total >= a.thresholds.MaxRows || a.bufferedBytes >= a.thresholds.MaxBytes {
		return true
	}
	return !a.firstEventAt.IsZero() && time.Since(a.firstEventAt) >= a.thresholds.MaxAge
}

// Flush writes every table's buffered operations to the target and
// advances the checkpoint only after every target write has succeeded
// (spec.md §4.3 step 4: "Advancement is atomic").
func (a *Applier) Flush(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	targetDB := a.targetDatabase()
	for _, buf := range a.tables {
		if buf.Len() == 0 {
			continue
		}
		if stmt := buf.insertValuesStatement(targetDB); stmt != "" {
			if err := a.target.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("flush insert for %s.%s: %w", a.database, buf.desc.Table, err)
			}
		}
		if !a.cfg.IgnoreDeletes {
			if stmt := buf.tombstoneValuesStatement(targetDB); stmt != "" {
				if err := a.target.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("flush tombstone for %s.%s: %w", a.database, buf.desc.Table, err)
				}
			}
		}
		buf.reset()
	}
	a.bufferedBytes = 0
	a.firstEventAt = time.Time{}
	return a.persistState(ctx)
}

// applyDDL translates and applies one DDL event, synchronously, before any
// further row batch is processed.
func (a *Applier) applyDDL(ctx context.Context, ev *binlogevent.Event) error {
	stmt, err := statement.New(ev.DDL)
	if err != nil {
		a.logger.Warnf("skipping unparseable DDL for %s: %v: %s", a.database, err, ev.DDL)
		return nil
	}

	known := make(map[string]*ddl.TableDescriptor, len(a.tables))
	for name, buf := range a.tables {
		known[ev.Database+"."+name] = buf.desc
	}

	result, err := a.tr.TranslateDDL(stmt, a.targetDatabase(), known)
	if err != nil {
		if unsupported, ok := err.(*ddl.Unsupported); ok {
			a.logger.Warnf("unsupported DDL for %s skipped: %s", a.database, unsupported.Reason)
			return nil
		}
		return fmt.Errorf("translate ddl: %w", err)
	}

	for _, s := range result.Statements {
		if err := a.target.Exec(ctx, s); err != nil {
			return fmt.Errorf("apply translated ddl: %w", err)
		}
	}
	if result.Dropped {
		a.mu.Lock()
		delete(a.tables, strings.ToLower(result.Table))
		a.mu.Unlock()
		return a.persistState(ctx)
	}
	if result.Descriptor != nil {
		a.RegisterTable(result.Descriptor)
	}
	return a.persistState(ctx)
}

// Optimize issues an OPTIMIZE TABLE ... FINAL against every tracked table
// in the live database, collapsing ReplacingMergeTree parts eagerly
// instead of waiting for a background merge (spec.md §4.3,
// "Housekeeping").
func (a *Applier) Optimize(ctx context.Context) error {
	a.mu.Lock()
	tables := make([]string, 0, len(a.tables))
	for _, buf := range a.tables {
		tables = append(tables, buf.desc.Table)
	}
	db := a.liveDB
	a.mu.Unlock()

	for _, table := range tables {
		stmt := fmt.Sprintf("OPTIMIZE TABLE `%s`.`%s` FINAL", db, table)
		if err := a.target.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("optimize %s.%s: %w", a.database, table, err)
		}
	}
	return nil
}

// DropExpiredOldDatabases drops every D_old_<timestamp> database demoted
// by a past Swap once it is older than grace (spec.md §4.3,
// "Housekeeping"; Open Question resolution #2).
func (a *Applier) DropExpiredOldDatabases(ctx context.Context, grace time.Duration) error {
	rows, err := a.target.Query(ctx, "SELECT name FROM system.databases WHERE name LIKE ?", a.liveDB+"\\_old\\_%")
	if err != nil {
		return fmt.Errorf("list old databases for %s: %w", a.database, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan old database name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, name := range names {
		ts, ok := oldDatabaseTimestamp(a.liveDB, name)
		if !ok || time.Since(time.Unix(0, ts)) < grace {
			continue
		}
		if err := a.target.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", name)); err != nil {
			return fmt.Errorf("drop expired database %s: %w", name, err)
		}
	}
	return nil
}

func oldDatabaseTimestamp(liveDB, name string) (int64, bool) {
	prefix := liveDB + "_old_"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	var ts int64
	if _, err := fmt.Sscanf(strings.TrimPrefix(name, prefix), "%d", &ts); err != nil {
		return 0, false
	}
	return ts, true
}
