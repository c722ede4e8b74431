package snapshot

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mysql2ch/replicator/pkg/binlogevent"
	"github.com/mysql2ch/replicator/pkg/ddl"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func TestIsIntegerType(t *testing.T) {
	assert.True(t, isIntegerType("int(11)"))
	assert.True(t, isIntegerType("BIGINT unsigned"))
	assert.True(t, isIntegerType("tinyint(1)"))
	assert.False(t, isIntegerType("varchar(32)"))
	assert.False(t, isIntegerType(""))
}

func TestShardCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := ReadShardCheckpoint(dir, "shop", "orders", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, WriteShardCheckpoint(dir, "shop", "orders", 0, ShardCheckpoint{
		HasLastKey: true, LastKey: 42, RowsCopied: 100,
	}))
	cp, ok, err := ReadShardCheckpoint(dir, "shop", "orders", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), cp.LastKey)
	assert.Equal(t, uint64(100), cp.RowsCopied)
	assert.False(t, cp.Done)
}

func TestDatabaseCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := ReadDatabaseCheckpoint(dir, "shop")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, WriteDatabaseCheckpoint(dir, "shop", DatabaseCheckpoint{
		ResumePoint: binlogevent.SourcePosition{LogFile: "mysql-bin.000010", LogPos: 4},
	}))
	cp, ok, err := ReadDatabaseCheckpoint(dir, "shop")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "mysql-bin.000010", cp.ResumePoint.LogFile)
}

func TestColumnSourceType(t *testing.T) {
	desc := &ddl.TableDescriptor{
		Columns: []ddl.ColumnDescriptor{
			{Name: "id", SourceType: "bigint(20)"},
			{Name: "name", SourceType: "varchar(64)"},
		},
	}
	assert.Equal(t, "bigint(20)", columnSourceType(desc, "id"))
	assert.Equal(t, "", columnSourceType(desc, "missing"))
}

func TestFirstOr(t *testing.T) {
	assert.Equal(t, "a", firstOr([]string{"a", "b"}, "x"))
	assert.Equal(t, "x", firstOr(nil, "x"))
}
