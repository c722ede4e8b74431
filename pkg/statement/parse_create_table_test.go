package statement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func columnByName(cols []Column, name string) *Column {
	for i := range cols {
		if cols[i].Name == name {
			return &cols[i]
		}
	}
	return nil
}

func indexByName(idxs []Index, name string) *Index {
	for i := range idxs {
		if idxs[i].Name == name {
			return &idxs[i]
		}
	}
	return nil
}

func TestParseCreateTable_BasicTable(t *testing.T) {
	sql := `
	CREATE TABLE users (
		id INT PRIMARY KEY AUTO_INCREMENT,
		name VARCHAR(255) NOT NULL,
		email VARCHAR(255) UNIQUE,
		age INT DEFAULT 0
	) ENGINE=InnoDB CHARSET=utf8mb4 COMMENT='User table'
	`

	ct, err := ParseCreateTable(sql)
	require.NoError(t, err)

	assert.Equal(t, "users", ct.GetTableName())

	columns := ct.GetColumns()
	assert.Len(t, columns, 4)

	idCol := columnByName(columns, "id")
	require.NotNil(t, idCol)
	assert.Contains(t, idCol.Type, "int") // TiDB returns "int(11)" not just "int"
	assert.True(t, idCol.AutoInc)
	assert.False(t, idCol.Nullable)

	nameCol := columnByName(columns, "name")
	require.NotNil(t, nameCol)
	assert.Contains(t, nameCol.Type, "varchar")
	require.NotNil(t, nameCol.Length)
	assert.Equal(t, 255, *nameCol.Length)
	assert.False(t, nameCol.Nullable)

	emailCol := columnByName(columns, "email")
	require.NotNil(t, emailCol)
	assert.True(t, emailCol.Nullable) // no NOT NULL given, so nullable by default

	ageCol := columnByName(columns, "age")
	require.NotNil(t, ageCol)
	assert.True(t, ageCol.HasDefault)
	assert.Equal(t, "0", ageCol.Default)

	indexes := ct.GetIndexes()
	assert.GreaterOrEqual(t, len(indexes), 2) // at least PRIMARY and the UNIQUE on email
	pk := indexByName(indexes, "PRIMARY")
	require.NotNil(t, pk)
	assert.True(t, pk.Primary)
	assert.Equal(t, []string{"id"}, pk.Columns)

	emailIdx := indexByName(indexes, "email")
	require.NotNil(t, emailIdx)
	assert.True(t, emailIdx.Unique)

	options := ct.GetTableOptions()
	assert.Equal(t, "InnoDB", options["engine"])
	assert.Equal(t, "utf8mb4", options["charset"])
	assert.Equal(t, "User table", options["comment"])

	assert.Equal(t, []string{"id"}, ct.PrimaryKeyColumns())
}

func TestParseCreateTable_TableLevelPrimaryKey(t *testing.T) {
	sql := `
	CREATE TABLE order_items (
		order_id BIGINT NOT NULL,
		line_no INT NOT NULL,
		sku VARCHAR(64) NOT NULL,
		PRIMARY KEY (order_id, line_no)
	)
	`

	ct, err := ParseCreateTable(sql)
	require.NoError(t, err)

	assert.Equal(t, []string{"order_id", "line_no"}, ct.PrimaryKeyColumns())

	skuCol := columnByName(ct.GetColumns(), "sku")
	require.NotNil(t, skuCol)
	assert.False(t, skuCol.Nullable)
}

func TestParseCreateTable_UnsignedAndDecimal(t *testing.T) {
	sql := `
	CREATE TABLE metrics (
		id BIGINT UNSIGNED PRIMARY KEY,
		delta INT SIGNED NOT NULL,
		price DECIMAL(10,2) NOT NULL
	)
	`

	ct, err := ParseCreateTable(sql)
	require.NoError(t, err)

	idCol := columnByName(ct.GetColumns(), "id")
	require.NotNil(t, idCol)
	assert.True(t, idCol.Unsigned)

	deltaCol := columnByName(ct.GetColumns(), "delta")
	require.NotNil(t, deltaCol)
	assert.False(t, deltaCol.Unsigned)

	priceCol := columnByName(ct.GetColumns(), "price")
	require.NotNil(t, priceCol)
	require.NotNil(t, priceCol.Length)
	assert.Equal(t, 10, *priceCol.Length)
	require.NotNil(t, priceCol.Decimal)
	assert.Equal(t, 2, *priceCol.Decimal)
}

func TestParseCreateTable_SecondaryIndex(t *testing.T) {
	sql := `
	CREATE TABLE events (
		id BIGINT PRIMARY KEY,
		occurred_at DATETIME NOT NULL,
		KEY idx_occurred_at (occurred_at)
	)
	`

	ct, err := ParseCreateTable(sql)
	require.NoError(t, err)

	idx := indexByName(ct.GetIndexes(), "idx_occurred_at")
	require.NotNil(t, idx)
	assert.False(t, idx.Primary)
	assert.False(t, idx.Unique)
	assert.Equal(t, []string{"occurred_at"}, idx.Columns)
}

func TestParseCreateTable_CommentAndRowFormat(t *testing.T) {
	sql := `
	CREATE TABLE widgets (
		id INT PRIMARY KEY COMMENT 'widget id'
	) ENGINE=InnoDB ROW_FORMAT=DYNAMIC
	`

	ct, err := ParseCreateTable(sql)
	require.NoError(t, err)

	idCol := columnByName(ct.GetColumns(), "id")
	require.NotNil(t, idCol)
	assert.Contains(t, idCol.Comment, "widget id")
	assert.Equal(t, "DYNAMIC", ct.GetTableOptions()["row_format"])
}

func TestParseCreateTable_NotCreateTableStatement(t *testing.T) {
	_, err := ParseCreateTable("ALTER TABLE users ADD COLUMN foo INT")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not a CREATE TABLE")
}

func TestParseCreateTable_MalformedSQL(t *testing.T) {
	_, err := ParseCreateTable("CREATE TABLE (((( not valid sql")
	assert.Error(t, err)
}

func TestParseCreateTable_NoPrimaryKey(t *testing.T) {
	sql := `CREATE TABLE logs (message TEXT)`
	ct, err := ParseCreateTable(sql)
	require.NoError(t, err)
	assert.Nil(t, ct.PrimaryKeyColumns())
}

func TestNew_KindRouting(t *testing.T) {
	cases := []struct {
		name string
		sql  string
		kind Kind
		db   string
		tbl  string
	}{
		{"create table", "CREATE TABLE shop.orders (id INT PRIMARY KEY)", KindCreateTable, "shop", "orders"},
		{"alter table", "ALTER TABLE shop.orders ADD COLUMN total DECIMAL(10,2)", KindAlterTable, "shop", "orders"},
		{"drop table", "DROP TABLE shop.orders", KindDropTable, "shop", "orders"},
		{"truncate table", "TRUNCATE TABLE shop.orders", KindTruncateTable, "shop", "orders"},
		{"rename table", "RENAME TABLE shop.orders TO shop.orders_old", KindRenameTable, "shop", "orders"},
		{"create database", "CREATE DATABASE shop", KindCreateDatabase, "shop", ""},
		{"drop database", "DROP DATABASE shop", KindDropDatabase, "shop", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := New(tc.sql)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, s.Kind)
			assert.Equal(t, tc.db, s.Database)
			assert.Equal(t, tc.tbl, s.Table)
		})
	}
}

func TestNew_ParseError(t *testing.T) {
	_, err := New("CREATE TABLE ((( not valid")
	assert.Error(t, err)
}

func TestMustNew_PanicsOnError(t *testing.T) {
	assert.Panics(t, func() {
		MustNew("not sql at all $$$")
	})
}

func TestAbstractStatement_AsCreateTable(t *testing.T) {
	s := MustNew("CREATE TABLE shop.orders (id INT PRIMARY KEY, total DECIMAL(10,2) NOT NULL)")
	ct, ok := s.AsCreateTable()
	require.True(t, ok)
	assert.Equal(t, "orders", ct.GetTableName())
	assert.Equal(t, "shop", ct.GetSchemaName())

	_, ok = s.AsAlterTable()
	assert.False(t, ok)
}

func TestAbstractStatement_AsAlterTable(t *testing.T) {
	s := MustNew("ALTER TABLE shop.orders ADD COLUMN note VARCHAR(255)")
	alter, ok := s.AsAlterTable()
	require.True(t, ok)
	assert.Equal(t, "orders", alter.Table.Name.O)

	_, ok = s.AsCreateTable()
	assert.False(t, ok)
}

func TestAbstractStatement_AsRenameTable(t *testing.T) {
	s := MustNew("RENAME TABLE shop.orders TO shop.orders_old, shop.items TO shop.items_old")
	pairs, ok := s.AsRenameTable()
	require.True(t, ok)
	require.Len(t, pairs, 2)
	assert.Equal(t, RenamePair{OldDatabase: "shop", OldTable: "orders", NewDatabase: "shop", NewTable: "orders_old"}, pairs[0])
	assert.Equal(t, RenamePair{OldDatabase: "shop", OldTable: "items", NewDatabase: "shop", NewTable: "items_old"}, pairs[1])
}

func TestParseMulti_SplitsStatements(t *testing.T) {
	sql := "CREATE TABLE a (id INT PRIMARY KEY); CREATE TABLE b (id INT PRIMARY KEY);"
	stmts, err := ParseMulti(sql)
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Equal(t, "a", stmts[0].Table)
	assert.Equal(t, "b", stmts[1].Table)
}

// TestParseCreateTable_ReplicationShapedTables parses CREATE TABLE
// statements shaped like the ones pkg/ddl's translator actually needs to
// convert: composite keys, a mix of nullable/non-nullable columns, and a
// ClickHouse-unfriendly TEXT column whose raw source type string still
// needs to be preserved for ResolveColumnType to map.
func TestParseCreateTable_ReplicationShapedTables(t *testing.T) {
	sql := `
	CREATE TABLE shop.order_items (
		order_id BIGINT UNSIGNED NOT NULL,
		product_id BIGINT UNSIGNED NOT NULL,
		quantity INT NOT NULL DEFAULT 1,
		notes TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (order_id, product_id)
	) ENGINE=InnoDB
	`

	ct, err := ParseCreateTable(sql)
	require.NoError(t, err)
	assert.Equal(t, "order_items", ct.GetTableName())
	assert.Equal(t, []string{"order_id", "product_id"}, ct.PrimaryKeyColumns())

	notesCol := columnByName(ct.GetColumns(), "notes")
	require.NotNil(t, notesCol)
	assert.True(t, notesCol.Nullable)
	assert.Contains(t, notesCol.Type, "text")

	createdAtCol := columnByName(ct.GetColumns(), "created_at")
	require.NotNil(t, createdAtCol)
	assert.False(t, createdAtCol.Nullable)
	assert.True(t, createdAtCol.HasDefault)
}
