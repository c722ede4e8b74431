// Package ddl translates MySQL-family DDL and column types into ClickHouse
// DDL and types, and owns the mirrored schema shape every applier and the
// snapshotter create tables with.
package ddl

import "fmt"

// ColumnDescriptor is one column of a mirrored table, as carried in the
// process-wide TableDescriptor map described in spec §3.
type ColumnDescriptor struct {
	Name       string
	SourceType string // raw source type text, e.g. "varchar(255)"
	TargetType string // translated ClickHouse type, e.g. "String"
	Nullable   bool
}

// IndexDescriptor is a secondary index declared by the `indexes` config
// option or carried over from a source ALTER ADD INDEX. It is kept in the
// descriptor only; the translator emits no target statement creating it.
type IndexDescriptor struct {
	Name    string
	Columns []string
}

// TableDescriptor is the mirrored schema for one source table: the
// canonical record the applier rebinds row-event positions against
// whenever DDL changes it. Descriptors are owned by the applier that
// mirrors them and live in a flat (database, table) -> descriptor map;
// never by pointer-to-pointer cross references (see spec Design Notes,
// "cycles via parent-child schema references").
type TableDescriptor struct {
	Database string
	Table    string

	Columns      []ColumnDescriptor
	KeyColumns   []string
	PartitionExpr string
	Indexes      []IndexDescriptor
}

// ColumnIndex returns the position of name in Columns, or -1.
func (d *TableDescriptor) ColumnIndex(name string) int {
	for i, c := range d.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Clone returns a deep-enough copy for mutation by ALTER handling: the
// Columns/Indexes slices are copied so in-flight readers of the old
// descriptor are unaffected.
func (d *TableDescriptor) Clone() *TableDescriptor {
	cp := *d
	cp.Columns = append([]ColumnDescriptor(nil), d.Columns...)
	cp.KeyColumns = append([]string(nil), d.KeyColumns...)
	cp.Indexes = append([]IndexDescriptor(nil), d.Indexes...)
	return &cp
}

// QuotedTargetTable returns the backtick-quoted `database`.`table` name
// used in generated ClickHouse DDL.
func (d *TableDescriptor) QuotedTargetTable(database string) string {
	return fmt.Sprintf("`%s`.`%s`", database, d.Table)
}

// versionColumn and deletedColumn are the two engine columns every
// mirrored table carries in addition to the source's own columns, giving
// the ReplacingMergeTree engine a merge-on-primary-key contract: the
// highest _version row for a primary key wins, and a _is_deleted=1 row
// marks that key as deleted (spec §4.3 step 3, "tombstone column").
const (
	versionColumn = "_version"
	deletedColumn = "_is_deleted"
)
