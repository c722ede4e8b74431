package statement

import (
	"strings"

	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/mysql"
)

// Column is a structured, translator-friendly view of one column
// definition parsed out of a CREATE TABLE statement.
type Column struct {
	Name      string
	Type      string // raw source type string, e.g. "varchar(255)", "int(11) unsigned"
	Length    *int
	Decimal   *int
	Unsigned  bool
	Nullable  bool
	AutoInc   bool
	Default   string
	HasDefault bool
	Comment   string
}

// Index is a structured view of a PRIMARY KEY / UNIQUE / plain index
// declared inline in a CREATE TABLE statement.
type Index struct {
	Name    string
	Columns []string
	Primary bool
	Unique  bool
}

// CreateTable is a structured view over a parsed CREATE TABLE statement,
// giving the DDL translator direct access to columns, indexes and table
// options without re-walking the AST at every call site.
type CreateTable struct {
	node    *ast.CreateTableStmt
	columns []Column
	indexes []Index
	options map[string]string
}

func newCreateTable(n *ast.CreateTableStmt) *CreateTable {
	ct := &CreateTable{node: n, options: map[string]string{}}
	ct.extractColumns()
	ct.extractIndexes()
	ct.extractOptions()
	return ct
}

// ParseCreateTable parses sql (expected to be a single CREATE TABLE
// statement) into a structured CreateTable.
func ParseCreateTable(sql string) (*CreateTable, error) {
	s, err := New(sql)
	if err != nil {
		return nil, err
	}
	ct, ok := s.AsCreateTable()
	if !ok {
		return nil, errNotCreateTable(sql)
	}
	return ct, nil
}

func (ct *CreateTable) GetTableName() string  { return ct.node.Table.Name.O }
func (ct *CreateTable) GetSchemaName() string { return ct.node.Table.Schema.O }
func (ct *CreateTable) GetCreateTableNode() *ast.CreateTableStmt { return ct.node }

// GetCreateTable is an alias kept for symmetry with callers that want the
// raw AST node under a more obvious name.
func (ct *CreateTable) GetCreateTable() *ast.CreateTableStmt { return ct.node }

func (ct *CreateTable) GetColumns() []Column       { return ct.columns }
func (ct *CreateTable) GetIndexes() []Index        { return ct.indexes }
func (ct *CreateTable) GetTableOptions() map[string]string { return ct.options }

// PrimaryKeyColumns returns the ordered column list of the table's primary
// key, whether declared as a column option or a table-level constraint.
func (ct *CreateTable) PrimaryKeyColumns() []string {
	for _, idx := range ct.indexes {
		if idx.Primary {
			return idx.Columns
		}
	}
	return nil
}

func (ct *CreateTable) extractColumns() {
	for _, col := range ct.node.Cols {
		c := Column{
			Name:     col.Name.Name.O,
			Type:     col.Tp.String(),
			Nullable: true,
		}
		if col.Tp.GetFlen() > 0 {
			l := col.Tp.GetFlen()
			c.Length = &l
		}
		if col.Tp.GetDecimal() >= 0 {
			d := col.Tp.GetDecimal()
			c.Decimal = &d
		}
		c.Unsigned = mysqlFlagSet(col.Tp.GetFlag(), mysql.UnsignedFlag)
		for _, opt := range col.Options {
			switch opt.Tp {
			case ast.ColumnOptionNotNull:
				c.Nullable = false
			case ast.ColumnOptionNull:
				c.Nullable = true
			case ast.ColumnOptionAutoIncrement:
				c.AutoInc = true
			case ast.ColumnOptionPrimaryKey:
				c.Nullable = false
				ct.indexes = append(ct.indexes, Index{Name: "PRIMARY", Primary: true, Columns: []string{c.Name}})
			case ast.ColumnOptionUniqKey:
				ct.indexes = append(ct.indexes, Index{Name: c.Name, Unique: true, Columns: []string{c.Name}})
			case ast.ColumnOptionDefaultValue:
				c.HasDefault = true
				if opt.Expr != nil {
					c.Default = exprText(opt.Expr)
				}
			case ast.ColumnOptionComment:
				if opt.Expr != nil {
					c.Comment = exprText(opt.Expr)
				}
			}
		}
		ct.columns = append(ct.columns, c)
	}
}

func (ct *CreateTable) extractIndexes() {
	for _, cons := range ct.node.Constraints {
		idx := Index{Name: cons.Name}
		for _, key := range cons.Keys {
			if key.Column != nil {
				idx.Columns = append(idx.Columns, key.Column.Name.O)
			}
		}
		switch cons.Tp {
		case ast.ConstraintPrimaryKey:
			idx.Primary = true
			idx.Name = "PRIMARY"
		case ast.ConstraintUniq, ast.ConstraintUniqKey, ast.ConstraintUniqIndex:
			idx.Unique = true
		case ast.ConstraintIndex, ast.ConstraintKey:
			// plain secondary index, defaults are fine
		default:
			continue
		}
		ct.indexes = append(ct.indexes, idx)
	}
}

func (ct *CreateTable) extractOptions() {
	for _, opt := range ct.node.Options {
		switch opt.Tp {
		case ast.TableOptionEngine:
			ct.options["engine"] = opt.StrValue
		case ast.TableOptionCharset:
			ct.options["charset"] = opt.StrValue
		case ast.TableOptionComment:
			ct.options["comment"] = opt.StrValue
		case ast.TableOptionRowFormat:
			switch opt.UintValue {
			case ast.RowFormatCompressed:
				ct.options["row_format"] = "COMPRESSED"
			case ast.RowFormatDynamic:
				ct.options["row_format"] = "DYNAMIC"
			case ast.RowFormatCompact:
				ct.options["row_format"] = "COMPACT"
			case ast.RowFormatRedundant:
				ct.options["row_format"] = "REDUNDANT"
			}
		}
	}
}

func mysqlFlagSet(flag uint, bit uint) bool {
	return flag&bit != 0
}

// exprText renders a simple literal/expression option to text. It covers
// the common cases (string/number literals, NULL, CURRENT_TIMESTAMP); it
// is not a general SQL expression printer.
func exprText(e ast.ExprNode) string {
	switch v := e.(type) {
	case *ast.FuncCallExpr:
		return strings.ToUpper(v.FnName.O)
	default:
		return astRestore(e)
	}
}

type notCreateTableErr struct{ sql string }

func (e *notCreateTableErr) Error() string { return "statement is not a CREATE TABLE: " + e.sql }

func errNotCreateTable(sql string) error { return &notCreateTableErr{sql: sql} }
