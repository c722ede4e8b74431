package applier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mysql2ch/replicator/pkg/ddl"
)

func notNullDescriptor() *ddl.TableDescriptor {
	return &ddl.TableDescriptor{
		Database: "shop",
		Table:    "orders",
		Columns: []ddl.ColumnDescriptor{
			{Name: "id", TargetType: "Int64", Nullable: false},
			{Name: "status", TargetType: "String", Nullable: false},
		},
		KeyColumns: []string{"id"},
	}
}

func TestTombstoneValuesStatementOmitsNonKeyColumns(t *testing.T) {
	buf := newTableBuffer(notNullDescriptor())
	buf.delete([]any{int64(1)}, 100)

	stmt := buf.tombstoneValuesStatement("mirror")

	assert.Contains(t, stmt, "`id`, `_version`, `_is_deleted`")
	assert.NotContains(t, stmt, "`status`")
	assert.NotContains(t, stmt, "NULL")
}

func TestTombstoneValuesStatementCarriesKeyAndVersion(t *testing.T) {
	buf := newTableBuffer(notNullDescriptor())
	buf.delete([]any{int64(7)}, 555)

	stmt := buf.tombstoneValuesStatement("mirror")

	assert.Contains(t, stmt, "(7, 555, 1)")
}

func TestTombstoneValuesStatementEmptyWhenNothingDeleted(t *testing.T) {
	buf := newTableBuffer(notNullDescriptor())
	buf.upsert([]any{int64(1)}, []any{int64(1), "open"}, 1)

	assert.Empty(t, buf.tombstoneValuesStatement("mirror"))
}
