package applier

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mysql2ch/replicator/pkg/binlogevent"
	"github.com/mysql2ch/replicator/pkg/config"
	"github.com/mysql2ch/replicator/pkg/ddl"
	"github.com/mysql2ch/replicator/pkg/spool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func testDescriptor() *ddl.TableDescriptor {
	return &ddl.TableDescriptor{
		Database: "shop",
		Table:    "orders",
		Columns: []ddl.ColumnDescriptor{
			{Name: "id", SourceType: "bigint", TargetType: "Int64"},
			{Name: "status", SourceType: "varchar(32)", TargetType: "String"},
		},
		KeyColumns: []string{"id"},
	}
}

func newTestApplier(t *testing.T) *Applier {
	t.Helper()
	cfg, err := config.New(&config.Config{
		Source: config.MySQLConfig{Host: "127.0.0.1", User: "repl"},
		Target: config.ClickHouseConfig{Host: "127.0.0.1", Database: "mirror"},
		DataDir: t.TempDir(),
		Databases: []string{"shop"},
	})
	require.NoError(t, err)

	return &Applier{
		database:   "shop",
		cfg:        cfg,
		logger:     logrus.New(),
		thresholds: DefaultFlushThresholds(),
		state:      StateLive,
		tables:     map[string]*tableBuffer{"orders": newTableBuffer(testDescriptor())},
		liveDB:     "mirror",
		stagingDB:  "mirror_tmp",
	}
}

func TestHandleEventBuffersInsertAndDelete(t *testing.T) {
	a := newTestApplier(t)

	insertEv := &binlogevent.Event{
		Database: "shop", Table: "orders", Op: binlogevent.OpInsert,
		Row: []any{int64(1), "new"},
	}
	require.NoError(t, a.handleEvent(context.Background(), insertEv))
	assert.Equal(t, 1, a.tables["orders"].Len())

	updateEv := &binlogevent.Event{
		Database: "shop", Table: "orders", Op: binlogevent.OpUpdate,
		Row: []any{int64(1), "shipped"},
	}
	require.NoError(t, a.handleEvent(context.Background(), updateEv))
	assert.Equal(t, 1, a.tables["orders"].Len(), "update collapses onto the same key")

	stmt := a.tables["orders"].insertValuesStatement("mirror")
	assert.Contains(t, stmt, "shipped")
	assert.NotContains(t, stmt, "'new'")

	deleteEv := &binlogevent.Event{
		Database: "shop", Table: "orders", Op: binlogevent.OpDelete,
		Row: []any{int64(1), "shipped"},
	}
	require.NoError(t, a.handleEvent(context.Background(), deleteEv))
	buf := a.tables["orders"]
	assert.Empty(t, buf.insertValuesStatement("mirror"))
	assert.Contains(t, buf.tombstoneValuesStatement("mirror"), "_is_deleted")
}

func TestHandleEventRejectsUntrackedTable(t *testing.T) {
	a := newTestApplier(t)
	ev := &binlogevent.Event{Database: "shop", Table: "unknown", Op: binlogevent.OpInsert, Row: []any{int64(1)}}
	err := a.handleEvent(context.Background(), ev)
	require.Error(t, err)
}

func TestShouldFlushRespectsRowThreshold(t *testing.T) {
	a := newTestApplier(t)
	a.thresholds = FlushThresholds{MaxRows: 1, MaxBytes: 1 << 30, MaxAge: 0}
	assert.False(t, a.shouldFlush())

	ev := &binlogevent.Event{Database: "shop", Table: "orders", Op: binlogevent.OpInsert, Row: []any{int64(1), "a"}}
	require.NoError(t, a.handleEvent(context.Background(), ev))
	assert.True(t, a.shouldFlush())
}

func TestTargetDatabaseReflectsState(t *testing.T) {
	a := newTestApplier(t)
	a.state = StateStaging
	assert.Equal(t, "mirror_tmp", a.targetDatabase())
	a.state = StateLive
	assert.Equal(t, "mirror", a.targetDatabase())
}

func TestPKValuesExtractsKeyColumns(t *testing.T) {
	desc := testDescriptor()
	key := pkValues(desc, []any{int64(42), "open"})
	assert.Equal(t, []any{int64(42)}, key)
}

func TestParseStateRoundTrip(t *testing.T) {
	for _, s := range []State{StateInitializing, StateStaging, StateSwapping, StateLive, StateFaulted} {
		assert.Equal(t, s, ParseState(s.String()))
	}
}

func TestCheckpointReflectsReaderPosition(t *testing.T) {
	a := newTestApplier(t)
	reader, err := spool.NewReader(a.cfg.DataDir, a.database, "applier")
	require.NoError(t, err)
	a.reader = reader
	assert.Equal(t, binlogevent.Coordinate{}, a.Checkpoint())
}

func TestLastEventTimeUpdatesOnHandleEvent(t *testing.T) {
	a := newTestApplier(t)
	assert.True(t, a.LastEventTime().IsZero())

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := &binlogevent.Event{Database: "shop", Table: "orders", Op: binlogevent.OpInsert, Row: []any{int64(1), "a"}, Timestamp: ts}
	require.NoError(t, a.handleEvent(context.Background(), ev))
	assert.Equal(t, ts, a.LastEventTime())
}

func TestOldDatabaseTimestamp(t *testing.T) {
	ts, ok := oldDatabaseTimestamp("mirror", "mirror_old_1700000000000000000")
	require.True(t, ok)
	assert.EqualValues(t, 1700000000000000000, ts)

	_, ok = oldDatabaseTimestamp("mirror", "mirror_tmp")
	assert.False(t, ok)

	_, ok = oldDatabaseTimestamp("mirror", "other_old_123")
	assert.False(t, ok)
}
