package applier

import (
	"fmt"
	"strings"

	"github.com/mysql2ch/replicator/pkg/ddl"
	"github.com/mysql2ch/replicator/pkg/utils"
)

// logicalRow is the current buffered state of one primary key: either a
// tombstone (isDeleted) or the latest post-image row, collapsing any
// intermediate INSERT/UPDATE the buffer saw for that key before a flush.
// This mirrors the teacher's bufferedMap collapsing strategy, generalized
// from a MySQL "new table" target to a merge-on-primary-key column store.
type logicalRow struct {
	isDeleted bool
	row       []any
	version   uint64
}

// tableBuffer accumulates logicalRows for one mirrored table between
// flushes.
type tableBuffer struct {
	desc    *ddl.TableDescriptor
	changes map[string]logicalRow
}

func newTableBuffer(desc *ddl.TableDescriptor) *tableBuffer {
	return &tableBuffer{desc: desc, changes: make(map[string]logicalRow)}
}

func (b *tableBuffer) upsert(key []any, row []any, version uint64) {
	b.changes[utils.HashKey(key)] = logicalRow{row: row, version: version}
}

// delete records a tombstone for key. row holds the primary-key values
// only, in b.desc.KeyColumns order, since that's all a tombstone row needs.
func (b *tableBuffer) delete(key []any, version uint64) {
	b.changes[utils.HashKey(key)] = logicalRow{isDeleted: true, row: key, version: version}
}

func (b *tableBuffer) Len() int { return len(b.changes) }

func (b *tableBuffer) reset() {
	b.changes = make(map[string]logicalRow)
}

// insertValuesStatement builds the bulk INSERT that upserts every
// non-deleted logicalRow in the buffer (spec.md §4.3 step 2): ClickHouse's
// ReplacingMergeTree collapses rows by primary key on read, keyed by the
// `_version` column, so a plain INSERT is all a write needs to be.
func (b *tableBuffer) insertValuesStatement(targetDatabase string) string {
	columnNames := make([]string, len(b.desc.Columns))
	for i, c := range b.desc.Columns {
		columnNames[i] = c.Name
	}

	var rows []string
	for _, lr := range b.changes {
		if lr.isDeleted {
			continue // represented by the tombstone statement instead, or elided under ignore_deletes
		}
		values := make([]string, 0, len(columnNames)+2)
		for i := range columnNames {
			var v any
			if i < len(lr.row) {
				v = lr.row[i]
			}
			values = append(values, utils.FormatClickHouseValue(v))
		}
		values = append(values, fmt.Sprintf("%d", lr.version), "0") // _version, _is_deleted
		rows = append(rows, "("+strings.Join(values, ", ")+")")
	}
	if len(rows) == 0 {
		return ""
	}

	quotedCols := make([]string, 0, len(columnNames)+2)
	for _, c := range columnNames {
		quotedCols = append(quotedCols, fmt.Sprintf("`%s`", c))
	}
	quotedCols = append(quotedCols, "`_version`", "`_is_deleted`")

	return fmt.Sprintf("INSERT INTO `%s`.`%s` (%s) VALUES %s",
		targetDatabase, b.desc.Table, strings.Join(quotedCols, ", "), strings.Join(rows, ", "))
}

// tombstoneValuesStatement builds the bulk INSERT of tombstone rows for
// every deleted key in the buffer (spec.md §4.3 step 3): a new row version
// with `_is_deleted=1`, writing only the primary-key columns plus the two
// engine columns. Every other column is left out of the column list
// entirely rather than written as NULL: a NOT NULL source column is
// translated to a non-Nullable target type (translator.go's
// TranslateCreateTable forces Nullable=false for key columns, and leaves
// it false for any other column the source itself declared NOT NULL), so
// writing a literal NULL into one would be rejected by the insert.
// Omitting the column from an explicit-column INSERT lets ClickHouse fill
// it with the column's own DEFAULT (or type zero value), which
// ReplacingMergeTree never surfaces anyway once _is_deleted=1 wins the
// merge.
func (b *tableBuffer) tombstoneValuesStatement(targetDatabase string) string {
	keyPos := make(map[string]int, len(b.desc.KeyColumns))
	for i, k := range b.desc.KeyColumns {
		keyPos[strings.ToLower(k)] = i
	}

	var rows []string
	for _, lr := range b.changes {
		if !lr.isDeleted {
			continue
		}
		values := make([]string, 0, len(b.desc.KeyColumns)+2)
		for _, k := range b.desc.KeyColumns {
			pos := keyPos[strings.ToLower(k)]
			var v any
			if pos < len(lr.row) {
				v = lr.row[pos]
			}
			values = append(values, utils.FormatClickHouseValue(v))
		}
		values = append(values, fmt.Sprintf("%d", lr.version), "1")
		rows = append(rows, "("+strings.Join(values, ", ")+")")
	}
	if len(rows) == 0 {
		return ""
	}

	quotedCols := make([]string, 0, len(b.desc.KeyColumns)+2)
	for _, k := range b.desc.KeyColumns {
		quotedCols = append(quotedCols, fmt.Sprintf("`%s`", k))
	}
	quotedCols = append(quotedCols, "`_version`", "`_is_deleted`")

	return fmt.Sprintf("INSERT INTO `%s`.`%s` (%s) VALUES %s",
		targetDatabase, b.desc.Table, strings.Join(quotedCols, ", "), strings.Join(rows, ", "))
}
