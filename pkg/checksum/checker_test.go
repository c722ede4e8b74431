package checksum

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mysql2ch/replicator/pkg/chclient"
	"github.com/mysql2ch/replicator/pkg/config"
	"github.com/mysql2ch/replicator/pkg/ddl"
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
			{Name: "id", TargetType: "Int64"},
			{Name: "total", TargetType: "Decimal(10,2)"},
		},
		KeyColumns: []string{"id"},
	}
}

func TestNewCheckerRejectsNilSourceOrTarget(t *testing.T) {
	_, err := NewChecker(nil, &chclient.Client{}, "shop", testDescriptor(), nil, nil)
	assert.EqualError(t, err, "source and target must be non-nil")
}

func TestNewCheckerRejectsMissingKeyColumns(t *testing.T) {
	desc := testDescriptor()
	desc.KeyColumns = nil
	db := openFakeSource(t)
	defer db.Close()

	_, err := NewChecker(db, &chclient.Client{}, "shop", desc, nil, nil)
	assert.EqualError(t, err, "table descriptor must declare key columns")
}

func TestNewCheckerDefaultsChunkSize(t *testing.T) {
	db := openFakeSource(t)
	defer db.Close()

	c, err := NewChecker(db, &chclient.Client{}, "shop", testDescriptor(), &CheckerConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1000, c.cfg.ChunkSize)
}

func TestRecentValueDefaultsToTBD(t *testing.T) {
	db := openFakeSource(t)
	defer db.Close()

	c, err := NewChecker(db, &chclient.Client{}, "shop", testDescriptor(), nil, logrus.New())
	require.NoError(t, err)
	assert.Equal(t, "TBD", c.RecentValue())
	assert.Equal(t, uint64(0), c.DifferencesFound())
}

// openFakeSource opens a *sql.DB against an address nothing listens on;
// the driver accepts the DSN at Open time and only dials lazily, which is
// all NewChecker's validation needs from a non-nil *sql.DB.
func openFakeSource(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("mysql", "root:nopass@tcp(127.0.0.1:1)/shop")
	require.NoError(t, err)
	return db
}

// TestCheckerRunAgainstLiveServers exercises a full Run() against a real
// source and target, the same skip-if-unset pattern the rest of this
// codebase uses for anything that requires live servers.
func TestCheckerRunAgainstLiveServers(t *testing.T) {
	sourceDSN := os.Getenv("SOURCE_DSN")
	chHost := os.Getenv("CLICKHOUSE_HOST")
	if sourceDSN == "" || chHost == "" {
		t.Skip("skipping test because SOURCE_DSN/CLICKHOUSE_HOST not set")
	}

	source, err := sql.Open("mysql", sourceDSN)
	require.NoError(t, err)
	defer source.Close()

	target, err := chclient.New(context.Background(), config.ClickHouseConfig{Host: chHost, Database: "shop"})
	require.NoError(t, err)
	defer target.Close()

	desc := testDescriptor()
	desc.Database = "shop"

	checker, err := NewChecker(source, target, "shop", desc, NewCheckerDefaultConfig(), logrus.New())
	require.NoError(t, err)
	assert.NoError(t, checker.Run(context.Background()))
}
