// Package ingest implements the binlog ingestor (spec.md §4.2, C1): it
// opens a replication stream against the source, decodes row and DDL
// events, and appends them to the per-database spool for the appliers to
// tail. Built on github.com/go-mysql-org/go-mysql's canal package, the
// teacher's declared replication dependency (go.mod) and the ecosystem's
// standard high-level binlog-to-row-event API, since the teacher's own
// binlog client was not present in the retrieved files (see DESIGN.md).
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/go-mysql-org/go-mysql/schema"
	"github.com/siddontang/loggers"

	"github.com/mysql2ch/replicator/pkg/binlogevent"
	"github.com/mysql2ch/replicator/pkg/config"
	"github.com/mysql2ch/replicator/pkg/spool"
	"github.com/mysql2ch/replicator/pkg/statement"
)

// Ingestor owns one replication stream for the whole source server,
// fanning decoded events out across one spool.Writer per database (spec.md
// §2, "communication between ingestor and appliers goes exclusively
// through the spool").
type Ingestor struct {
	cfg    *config.Config
	logger loggers.Advanced
	serverID uint32

	canal *canal.Canal

	writers map[string]*spool.Writer

	mu          sync.Mutex
	lastEventAt time.Time
}

// New constructs an Ingestor. serverID must be unique among every MySQL
// replica/consumer attached to the source server.
func New(cfg *config.Config, serverID uint32, logger loggers.Advanced) *Ingestor {
	return &Ingestor{
		cfg:      cfg,
		logger:   logger,
		serverID: serverID,
		writers:  make(map[string]*spool.Writer),
	}
}

// CapturePosition reads the source's current binlog coordinate, used both
// as the ingestor's own starting point and as the snapshotter's resume
// point C₀ (spec.md §4.4 step 1).
func CapturePosition(ctx context.Context, source *sql.DB) (binlogevent.SourcePosition, error) {
	row := source.QueryRowContext(ctx, "SHOW MASTER STATUS")
	var file string
	var pos uint32
	var binlogDoDB, binlogIgnoreDB, gtidSet string
	if err := row.Scan(&file, &pos, &binlogDoDB, &binlogIgnoreDB, &gtidSet); err != nil {
		return binlogevent.SourcePosition{}, fmt.Errorf("show master status: %w", err)
	}
	return binlogevent.SourcePosition{LogFile: file, LogPos: pos, GTIDSet: gtidSet}, nil
}

// Prepare opens a spool writer for every configured database up front, so
// event handling never has to fail opening one mid-stream.
func (in *Ingestor) Prepare() error {
	for _, db := range in.cfg.Databases {
		w, err := spool.NewWriter(in.cfg.DataDir, db, in.cfg.RecordsPerFile)
		if err != nil {
			return fmt.Errorf("prepare spool writer for %s: %w", db, err)
		}
		in.writers[db] = w
	}
	return nil
}

// Run opens the replication stream starting from resume (the last
// persisted ingest checkpoint's source position, or the current position
// on a cold start) and processes events until ctx is canceled.
func (in *Ingestor) Run(ctx context.Context, resume binlogevent.SourcePosition) error {
	cfg := canal.NewDefaultConfig()
	cfg.Addr = fmt.Sprintf("%s:%d", in.cfg.Source.Host, in.cfg.Source.Port)
	cfg.User = in.cfg.Source.User
	cfg.Password = in.cfg.Source.Password
	cfg.ServerID = in.serverID
	cfg.Flavor = "mysql"
	cfg.Dump.ExecutionPath = "" // the snapshotter does bulk loading; canal never mysqldumps

	c, err := canal.NewCanal(cfg)
	if err != nil {
		return fmt.Errorf("create canal: %w", err)
	}
	in.canal = c
	c.SetEventHandler(&eventHandler{in: in})
	defer c.Close()

	if resume.GTIDSet != "" {
		gset, gerr := mysql.ParseGTIDSet("mysql", resume.GTIDSet)
		if gerr != nil {
			return fmt.Errorf("parse resume gtid set: %w", gerr)
		}
		return runUntilDone(ctx, func() error { return c.StartFromGTID(gset) })
	}
	return runUntilDone(ctx, func() error {
		return c.RunFrom(mysql.Position{Name: resume.LogFile, Pos: resume.LogPos})
	})
}

// runUntilDone runs fn in the background and returns when either it
// returns or ctx is canceled, in which case the canal's own Close (invoked
// by the caller's defer) is what actually unblocks fn.
func runUntilDone(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Close flushes and closes every open spool writer.
func (in *Ingestor) Close() error {
	var firstErr error
	for _, w := range in.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SyncedPosition reports the source binlog position the replication
// stream has processed up to. The supervisor's health report does not use
// it; its wall-clock lag comes from LastEventTime.
func (in *Ingestor) SyncedPosition() mysql.Position {
	if in.canal == nil {
		return mysql.Position{}
	}
	return in.canal.SyncedPosition()
}

// LastEventTime returns the timestamp of the last event this ingestor
// decoded, zero if none yet, used for the wall-clock lag component of
// the supervisor's health surface.
func (in *Ingestor) LastEventTime() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastEventAt
}

func (in *Ingestor) noteEventTime(ts time.Time) {
	in.mu.Lock()
	in.lastEventAt = ts
	in.mu.Unlock()
}

func (in *Ingestor) writerFor(database string) (*spool.Writer, error) {
	if w, ok := in.writers[database]; ok {
		return w, nil
	}
	w, err := spool.NewWriter(in.cfg.DataDir, database, in.cfg.RecordsPerFile)
	if err != nil {
		return nil, fmt.Errorf("open spool writer for %s: %w", database, err)
	}
	in.writers[database] = w
	return w, nil
}

// eventHandler adapts canal's callback interface to the spool appends this
// package needs; every method not overridden keeps canal.DummyEventHandler's
// no-op behavior.
type eventHandler struct {
	canal.DummyEventHandler
	in      *Ingestor
	curFile string
}

func (h *eventHandler) OnRotate(header *replication.EventHeader, rotateEvent *replication.RotateEvent) error {
	h.curFile = string(rotateEvent.NextLogName)
	return nil
}

func (h *eventHandler) OnRow(e *canal.RowsEvent) error {
	if !h.in.cfg.IncludesTable(e.Table.Schema, e.Table.Name) {
		return nil
	}
	var op binlogevent.OpKind
	switch e.Action {
	case canal.InsertAction:
		op = binlogevent.OpInsert
	case canal.UpdateAction:
		op = binlogevent.OpUpdate
	case canal.DeleteAction:
		op = binlogevent.OpDelete
	default:
		return nil
	}

	src := binlogevent.SourcePosition{LogFile: h.curFile, LogPos: e.Header.LogPos}
	ts := time.Unix(int64(e.Header.Timestamp), 0).UTC()
	h.in.noteEventTime(ts)

	w, err := h.in.writerFor(e.Table.Schema)
	if err != nil {
		return err
	}

	step := 1
	if op == binlogevent.OpUpdate {
		step = 2 // update rows alternate before/after images
	}
	for i := 0; i < len(e.Rows); i += step {
		row := e.Rows[i]
		var preKey []any
		if op == binlogevent.OpUpdate {
			preKey = pkValuesFromRow(e.Table, e.Rows[i])
			row = e.Rows[i+1]
		}
		canonicalizeJSONColumns(e.Table, row)
		ev := &binlogevent.Event{
			Source:    src,
			Database:  e.Table.Schema,
			Table:     e.Table.Name,
			Op:        op,
			Timestamp: ts,
			Row:       row,
			PreKey:    preKey,
		}
		if _, err := w.Append(ev); err != nil {
			return fmt.Errorf("append row event for %s.%s: %w", e.Table.Schema, e.Table.Name, err)
		}
	}
	return nil
}

func (h *eventHandler) OnDDL(header *replication.EventHeader, nextPos mysql.Position, queryEvent *replication.QueryEvent) error {
	sqlText := strings.TrimSpace(string(queryEvent.Query))
	if sqlText == "" || strings.EqualFold(sqlText, "BEGIN") || strings.EqualFold(sqlText, "COMMIT") {
		return nil
	}
	database := string(queryEvent.Schema)

	stmts, err := statement.ParseMulti(sqlText)
	if err != nil {
		h.in.logger.Warnf("skipping unparseable DDL on %s: %v: %s", database, err, sqlText)
		return nil
	}

	src := binlogevent.SourcePosition{LogFile: nextPos.Name, LogPos: nextPos.Pos}
	ts := time.Unix(int64(header.Timestamp), 0).UTC()
	h.in.noteEventTime(ts)
	for _, stmt := range stmts {
		db := stmt.Database
		if db == "" {
			db = database
		}
		if stmt.Table != "" && !h.in.cfg.IncludesTable(db, stmt.Table) {
			continue
		}
		w, err := h.in.writerFor(db)
		if err != nil {
			return err
		}
		ev := &binlogevent.Event{
			Source:    src,
			Database:  db,
			Table:     stmt.Table,
			Op:        binlogevent.OpDDL,
			Timestamp: ts,
			DDL:       stmt.SQL,
		}
		if _, err := w.Append(ev); err != nil {
			return fmt.Errorf("append ddl event for %s: %w", db, err)
		}
	}
	return nil
}

func (h *eventHandler) String() string { return "replicatorEventHandler" }

func pkValuesFromRow(tbl *schema.Table, row []any) []any {
	key := make([]any, 0, len(tbl.PKColumns))
	for _, idx := range tbl.PKColumns {
		if idx < len(row) {
			key = append(key, row[idx])
		}
	}
	return key
}
