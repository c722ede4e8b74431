package ddl

import (
	"fmt"
	"strings"

	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/siddontang/loggers"

	"github.com/mysql2ch/replicator/pkg/statement"
)

// Unsupported is returned by Translate* methods when the input DDL cannot
// be safely represented at the target. Per spec §8 ("Properties on the DDL
// translator"), an unsupported outcome must be explicit, never a silently
// wrong target DDL.
type Unsupported struct {
	Reason string
}

func (u *Unsupported) Error() string { return "unsupported ddl: " + u.Reason }

// Config holds the user-provided overrides from spec §6's `types_mapping`,
// `partition_bys` and `indexes` options. Read-only after config load (spec
// §5, "Global type-mapping overrides are read-only after config load.").
type Config struct {
	// TypeOverrides maps a raw source type string (e.g. "char(36)") to a
	// target type string, applied before the base mapping table.
	TypeOverrides map[string]string
	// ColumnOverrides maps "database.table.column" to a target type
	// string, taking precedence over TypeOverrides.
	ColumnOverrides map[string]string
	// PartitionBys maps "database.table" to a partition expression,
	// overriding the default integer-division scheme.
	PartitionBys map[string]string
	// Indexes maps "database.table" to secondary-index declarations.
	// They are recorded in the descriptor and listed as SQL comments in
	// the rendered CREATE TABLE; no index is created at the target.
	Indexes map[string][]IndexDescriptor
	// FallbackType is used when no mapping classifies a source type.
	// Defaults to DefaultFallbackType.
	FallbackType string
	// PartitionDivisor is P in integer-division(primary-key, P); the
	// default partition expression for integer primary keys.
	PartitionDivisor int64
}

func (c *Config) fallback() string {
	if c.FallbackType == "" {
		return DefaultFallbackType
	}
	return c.FallbackType
}

func (c *Config) divisor() int64 {
	if c.PartitionDivisor <= 0 {
		return 1_000_000
	}
	return c.PartitionDivisor
}

// Translator converts source DDL/types into target DDL/types. One
// Translator is shared by every applier and the snapshotter (spec §4.6:
// "shared library used by C3/C4").
type Translator struct {
	cfg    *Config
	logger loggers.Advanced
}

func NewTranslator(cfg *Config, logger loggers.Advanced) *Translator {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Translator{cfg: cfg, logger: logger}
}

// ResolveColumnType applies override precedence per spec §8: per-table
// (column) overrides beat per-type overrides beat the built-in mapping,
// which itself falls back to FallbackType with a warning.
func (t *Translator) ResolveColumnType(database, table, column, sourceType string) string {
	key := strings.ToLower(database + "." + table + "." + column)
	if v, ok := t.cfg.ColumnOverrides[key]; ok {
		return v
	}
	normalized := strings.ToLower(strings.TrimSpace(sourceType))
	if v, ok := t.cfg.TypeOverrides[normalized]; ok {
		return v
	}
	if v, ok := baseMapType(sourceType); ok {
		return v
	}
	if t.logger != nil {
		t.logger.Warnf("unknown source type %q for %s.%s.%s, falling back to %s", sourceType, database, table, column, t.cfg.fallback())
	}
	return t.cfg.fallback()
}

// TranslateCreateTable builds a TableDescriptor and the target CREATE
// TABLE statement for a source table, applying the merge-on-primary-key
// engine shape described in spec §4.6.
func (t *Translator) TranslateCreateTable(ct *statement.CreateTable, database, targetDatabase string) (*TableDescriptor, string, error) {
	pk := ct.PrimaryKeyColumns()
	desc := &TableDescriptor{
		Database:   database,
		Table:      ct.GetTableName(),
		KeyColumns: pk,
	}
	for _, col := range ct.GetColumns() {
		desc.Columns = append(desc.Columns, ColumnDescriptor{
			Name:       col.Name,
			SourceType: col.Type,
			TargetType: t.ResolveColumnType(database, desc.Table, col.Name, col.Type),
			Nullable:   col.Nullable && !isPKColumn(col.Name, pk),
		})
	}
	key := strings.ToLower(database + "." + desc.Table)
	if idxs, ok := t.cfg.Indexes[key]; ok {
		desc.Indexes = idxs
	}
	if err := validateIndexColumns(desc); err != nil {
		return nil, "", err
	}
	desc.PartitionExpr = t.partitionExpr(key, desc)
	return desc, t.renderCreateTable(desc, targetDatabase), nil
}

func isPKColumn(name string, pk []string) bool {
	for _, k := range pk {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

func (t *Translator) partitionExpr(key string, desc *TableDescriptor) string {
	if expr, ok := t.cfg.PartitionBys[key]; ok {
		return expr
	}
	if len(desc.KeyColumns) != 1 {
		return ""
	}
	col := desc.ColumnIndex(desc.KeyColumns[0])
	if col < 0 {
		return ""
	}
	switch desc.Columns[col].TargetType {
	case "Int8", "UInt8", "Int16", "UInt16", "Int32", "UInt32", "Int64", "UInt64":
		return fmt.Sprintf("intDiv(`%s`, %d)", desc.KeyColumns[0], t.cfg.divisor())
	default:
		return ""
	}
}

// renderCreateTable emits the target CREATE TABLE DDL for a descriptor,
// adding the engine columns (_version, _is_deleted) that give the
// ReplacingMergeTree engine its merge-on-primary-key contract.
func (t *Translator) renderCreateTable(desc *TableDescriptor, targetDatabase string) string {
	var cols []string
	for _, c := range desc.Columns {
		typ := c.TargetType
		if c.Nullable {
			typ = "Nullable(" + typ + ")"
		}
		cols = append(cols, fmt.Sprintf("`%s` %s", c.Name, typ))
	}
	cols = append(cols, fmt.Sprintf("`%s` UInt64", versionColumn))
	cols = append(cols, fmt.Sprintf("`%s` UInt8", deletedColumn))

	orderBy := "tuple()"
	if len(desc.KeyColumns) > 0 {
		quoted := make([]string, len(desc.KeyColumns))
		for i, k := range desc.KeyColumns {
			quoted[i] = fmt.Sprintf("`%s`", k)
		}
		orderBy = strings.Join(quoted, ", ")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE IF NOT EXISTS `%s`.`%s` (\n  %s\n) ENGINE = ReplacingMergeTree(`%s`)\n",
		targetDatabase, desc.Table, strings.Join(cols, ",\n  "), versionColumn)
	fmt.Fprintf(&sb, "ORDER BY (%s)\n", orderBy)
	if desc.PartitionExpr != "" {
		fmt.Fprintf(&sb, "PARTITION BY %s\n", desc.PartitionExpr)
	}
	for _, idx := range desc.Indexes {
		quoted := make([]string, len(idx.Columns))
		for i, c := range idx.Columns {
			quoted[i] = fmt.Sprintf("`%s`", c)
		}
		fmt.Fprintf(&sb, "-- secondary index %s(%s) recorded in the descriptor only, not created\n", idx.Name, strings.Join(quoted, ", "))
	}
	return sb.String()
}

// TranslateAlter converts a source ALTER TABLE into zero or more target
// ALTER statements, and returns the updated descriptor. Primary-key
// changes are refused per spec §4.6 ("changing primary keys (fatal)").
func (t *Translator) TranslateAlter(alter *ast.AlterTableStmt, desc *TableDescriptor, targetDatabase string) ([]string, *TableDescriptor, error) {
	next := desc.Clone()
	var stmts []string

	for _, spec := range alter.Specs {
		switch spec.Tp {
		case ast.AlterTableAddColumns:
			for _, col := range spec.NewColumns {
				name := col.Name.Name.O
				nullable := true
				for _, opt := range col.Options {
					if opt.Tp == ast.ColumnOptionNotNull {
						nullable = false
					}
				}
				targetType := t.ResolveColumnType(desc.Database, desc.Table, name, col.Tp.String())
				next.Columns = append(next.Columns, ColumnDescriptor{
					Name: name, SourceType: col.Tp.String(), TargetType: targetType, Nullable: nullable,
				})
				typ := targetType
				if nullable {
					typ = "Nullable(" + typ + ")"
				}
				stmts = append(stmts, fmt.Sprintf("ALTER TABLE `%s`.`%s` ADD COLUMN IF NOT EXISTS `%s` %s",
					targetDatabase, desc.Table, name, typ))
			}
		case ast.AlterTableDropColumn:
			name := spec.OldColumnName.Name.O
			if isPKColumn(name, next.KeyColumns) {
				return nil, nil, &Unsupported{Reason: fmt.Sprintf("cannot drop primary key column %s", name)}
			}
			next.Columns = removeColumn(next.Columns, name)
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE `%s`.`%s` DROP COLUMN IF EXISTS `%s`", targetDatabase, desc.Table, name))
		case ast.AlterTableModifyColumn, ast.AlterTableChangeColumn:
			for _, col := range spec.NewColumns {
				name := col.Name.Name.O
				if isPKColumn(name, next.KeyColumns) {
					return nil, nil, &Unsupported{Reason: fmt.Sprintf("cannot modify primary key column %s", name)}
				}
				targetType := t.ResolveColumnType(desc.Database, desc.Table, name, col.Tp.String())
				idx := next.ColumnIndex(name)
				nullable := true
				for _, opt := range col.Options {
					if opt.Tp == ast.ColumnOptionNotNull {
						nullable = false
					}
				}
				if idx >= 0 {
					next.Columns[idx].TargetType = targetType
					next.Columns[idx].SourceType = col.Tp.String()
					next.Columns[idx].Nullable = nullable
				}
				typ := targetType
				if nullable {
					typ = "Nullable(" + typ + ")"
				}
				stmts = append(stmts, fmt.Sprintf("ALTER TABLE `%s`.`%s` MODIFY COLUMN `%s` %s", targetDatabase, desc.Table, name, typ))
			}
		case ast.AlterTableAddConstraint:
			if spec.Constraint != nil && isPrimaryKeyConstraint(spec.Constraint) {
				return nil, nil, &Unsupported{Reason: "cannot add a primary key via ALTER"}
			}
			// Secondary indexes are metadata-only in ClickHouse; they
			// don't require a target statement to stay consistent with
			// the descriptor, but are recorded for housekeeping.
			if spec.Constraint != nil {
				var cols []string
				for _, k := range spec.Constraint.Keys {
					if k.Column != nil {
						cols = append(cols, k.Column.Name.O)
					}
				}
				next.Indexes = append(next.Indexes, IndexDescriptor{Name: spec.Constraint.Name, Columns: cols})
			}
		case ast.AlterTableDropIndex, ast.AlterTableDropPrimaryKey:
			if spec.Tp == ast.AlterTableDropPrimaryKey {
				return nil, nil, &Unsupported{Reason: "cannot drop the primary key"}
			}
			next.Indexes = removeIndex(next.Indexes, spec.Name)
		case ast.AlterTableRenameTable:
			// ALTER TABLE ... RENAME TO produces no target statement and
			// leaves the descriptor's name unchanged; only the RENAME TABLE
			// form is translated (TranslateDDL's KindRenameTable case).
			continue
		case ast.AlterTableOption:
			// e.g. character set changes: no-op with warning per spec.
			if t.logger != nil {
				t.logger.Warnf("ALTER TABLE OPTION on %s.%s is a no-op at the target", desc.Database, desc.Table)
			}
		default:
			if t.logger != nil {
				t.logger.Warnf("unsupported ALTER clause (%v) on %s.%s skipped", spec.Tp, desc.Database, desc.Table)
			}
		}
	}
	if err := validateIndexColumns(next); err != nil {
		return nil, nil, err
	}
	return stmts, next, nil
}

func isPrimaryKeyConstraint(c *ast.Constraint) bool {
	return c.Tp == ast.ConstraintPrimaryKey
}

func removeColumn(cols []ColumnDescriptor, name string) []ColumnDescriptor {
	out := make([]ColumnDescriptor, 0, len(cols))
	for _, c := range cols {
		if !strings.EqualFold(c.Name, name) {
			out = append(out, c)
		}
	}
	return out
}

func removeIndex(idxs []IndexDescriptor, name string) []IndexDescriptor {
	out := make([]IndexDescriptor, 0, len(idxs))
	for _, i := range idxs {
		if !strings.EqualFold(i.Name, name) {
			out = append(out, i)
		}
	}
	return out
}

// TranslateCreateTableLike expands "CREATE TABLE x LIKE y" by copying y's
// descriptor under x's name, per spec §4.6.
func (t *Translator) TranslateCreateTableLike(source *TableDescriptor, newTable string) *TableDescriptor {
	cp := source.Clone()
	cp.Table = newTable
	return cp
}

// RenderDropTable returns the target DROP TABLE statement for a descriptor.
func RenderDropTable(targetDatabase, table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS `%s`.`%s`", targetDatabase, table)
}

// RenderRenameTable returns the target RENAME TABLE statement.
func RenderRenameTable(targetDatabase, oldName, newName string) string {
	return fmt.Sprintf("RENAME TABLE `%s`.`%s` TO `%s`.`%s`", targetDatabase, oldName, targetDatabase, newName)
}

// DDLResult is the outcome of translating one source DDL statement: the
// target statements to run, in order, and the descriptor reflecting the
// state the table will be in once they're applied. Dropped marks a table
// that no longer exists at the target (DROP TABLE); Descriptor is nil for
// it and for database-level statements.
type DDLResult struct {
	Statements []string
	Database   string
	Table      string
	Descriptor *TableDescriptor
	Dropped    bool
}

// TranslateDDL dispatches a single parsed source statement to the matching
// Translate* method, giving the applier and snapshotter one entry point
// for the whole DDL surface named in spec §4.6.
func (t *Translator) TranslateDDL(stmt *statement.AbstractStatement, targetDatabase string, known map[string]*TableDescriptor) (*DDLResult, error) {
	switch stmt.Kind {
	case statement.KindCreateTable:
		ct, ok := stmt.AsCreateTable()
		if !ok {
			return nil, fmt.Errorf("statement claims CreateTable kind but is not one")
		}
		desc, ddlText, err := t.TranslateCreateTable(ct, stmt.Database, targetDatabase)
		if err != nil {
			return nil, err
		}
		return &DDLResult{Statements: []string{ddlText}, Database: stmt.Database, Table: stmt.Table, Descriptor: desc}, nil

	case statement.KindAlterTable:
		alter, ok := stmt.AsAlterTable()
		if !ok {
			return nil, fmt.Errorf("statement claims AlterTable kind but is not one")
		}
		key := strings.ToLower(stmt.Database + "." + stmt.Table)
		desc, ok := known[key]
		if !ok {
			return nil, &Unsupported{Reason: fmt.Sprintf("ALTER on untracked table %s.%s", stmt.Database, stmt.Table)}
		}
		stmts, next, err := t.TranslateAlter(alter, desc, targetDatabase)
		if err != nil {
			return nil, err
		}
		return &DDLResult{Statements: stmts, Database: stmt.Database, Table: stmt.Table, Descriptor: next}, nil

	case statement.KindDropTable:
		return &DDLResult{
			Statements: []string{RenderDropTable(targetDatabase, stmt.Table)},
			Database:   stmt.Database, Table: stmt.Table, Dropped: true,
		}, nil

	case statement.KindTruncateTable:
		key := strings.ToLower(stmt.Database + "." + stmt.Table)
		desc, ok := known[key]
		if !ok {
			return nil, &Unsupported{Reason: fmt.Sprintf("TRUNCATE on untracked table %s.%s", stmt.Database, stmt.Table)}
		}
		return &DDLResult{
			Statements: []string{fmt.Sprintf("TRUNCATE TABLE `%s`.`%s`", targetDatabase, stmt.Table)},
			Database:   stmt.Database, Table: stmt.Table, Descriptor: desc,
		}, nil

	case statement.KindRenameTable:
		pairs, ok := stmt.AsRenameTable()
		if !ok || len(pairs) == 0 {
			return nil, &Unsupported{Reason: "RENAME TABLE with no pairs"}
		}
		p := pairs[0]
		key := strings.ToLower(p.OldDatabase + "." + p.OldTable)
		desc, ok := known[key]
		if !ok {
			return nil, &Unsupported{Reason: fmt.Sprintf("RENAME of untracked table %s.%s", p.OldDatabase, p.OldTable)}
		}
		next := desc.Clone()
		next.Table = p.NewTable
		return &DDLResult{
			Statements: []string{RenderRenameTable(targetDatabase, p.OldTable, p.NewTable)},
			Database:   p.NewDatabase, Table: p.NewTable, Descriptor: next,
		}, nil

	case statement.KindCreateDatabase, statement.KindDropDatabase:
		// Database-level DDL yields no target statement: the applier
		// creates its own staging/live database pair (spec §4.3,
		// staging/live database pairing), and a source DROP DATABASE is
		// not mirrored at the target.
		return &DDLResult{Database: stmt.Database}, nil

	default:
		return nil, &Unsupported{Reason: fmt.Sprintf("unsupported statement kind %v", stmt.Kind)}
	}
}
