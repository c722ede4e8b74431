// Package statement wraps the pingcap/tidb SQL parser to give the DDL
// translator (pkg/ddl) structured access to CREATE/ALTER/DROP/RENAME/
// TRUNCATE statements emitted by MySQL-family sources. MariaDB and Percona
// use the same grammar family, so one parser instance covers all three.
package statement

import (
	"fmt"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	// Dialect-specific parser extensions (charsets, collations) register
	// themselves on import; pulled in for side effects the way the
	// upstream driver expects.
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"
)

// Kind classifies the statement for routing in the translator and applier.
type Kind int

const (
	KindUnknown Kind = iota
	KindCreateTable
	KindAlterTable
	KindDropTable
	KindRenameTable
	KindTruncateTable
	KindCreateDatabase
	KindDropDatabase
	KindOther
)

// AbstractStatement is a single parsed DDL statement together with the raw
// SQL text it was parsed from. Database/Table are best-effort extracted so
// callers that only care about routing don't need to type-switch.
type AbstractStatement struct {
	SQL      string
	Database string
	Table    string
	Kind     Kind
	node     ast.StmtNode
}

// New parses a single DDL statement. The caller is expected to pass exactly
// one statement; if sql contains more than one, only the first is used.
func New(sql string) (*AbstractStatement, error) {
	p := parser.New()
	nodes, _, err := p.Parse(sql, "", "")
	if err != nil {
		return nil, fmt.Errorf("parse ddl: %w", err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no statement parsed from: %s", sql)
	}
	return wrap(sql, nodes[0]), nil
}

// MustNew is like New but panics on error. Reserved for tests and fixtures
// where the SQL is known-good.
func MustNew(sql string) *AbstractStatement {
	s, err := New(sql)
	if err != nil {
		panic(err)
	}
	return s
}

// ParseMulti splits a potentially multi-statement DDL body (as can appear
// in a single binlog DDL event) into its constituent statements.
func ParseMulti(sql string) ([]*AbstractStatement, error) {
	p := parser.New()
	nodes, _, err := p.Parse(sql, "", "")
	if err != nil {
		return nil, fmt.Errorf("parse ddl: %w", err)
	}
	out := make([]*AbstractStatement, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, wrap(sql, n))
	}
	return out, nil
}

func wrap(sql string, node ast.StmtNode) *AbstractStatement {
	s := &AbstractStatement{SQL: sql, node: node}
	switch n := node.(type) {
	case *ast.CreateTableStmt:
		s.Kind = KindCreateTable
		s.Database = n.Table.Schema.O
		s.Table = n.Table.Name.O
	case *ast.AlterTableStmt:
		s.Kind = KindAlterTable
		s.Database = n.Table.Schema.O
		s.Table = n.Table.Name.O
	case *ast.DropTableStmt:
		s.Kind = KindDropTable
		if len(n.Tables) > 0 {
			s.Database = n.Tables[0].Schema.O
			s.Table = n.Tables[0].Name.O
		}
	case *ast.RenameTableStmt:
		s.Kind = KindRenameTable
		if len(n.TableToTables) > 0 {
			s.Database = n.TableToTables[0].OldTable.Schema.O
			s.Table = n.TableToTables[0].OldTable.Name.O
		}
	case *ast.TruncateTableStmt:
		s.Kind = KindTruncateTable
		s.Database = n.Table.Schema.O
		s.Table = n.Table.Name.O
	case *ast.CreateDatabaseStmt:
		s.Kind = KindCreateDatabase
		s.Database = n.Name.O
	case *ast.DropDatabaseStmt:
		s.Kind = KindDropDatabase
		s.Database = n.Name.O
	default:
		s.Kind = KindOther
	}
	return s
}

// AsCreateTable returns the underlying node as a *CreateTable view, if this
// statement is a CREATE TABLE.
func (s *AbstractStatement) AsCreateTable() (*CreateTable, bool) {
	n, ok := s.node.(*ast.CreateTableStmt)
	if !ok {
		return nil, false
	}
	return newCreateTable(n), true
}

// AsAlterTable returns the underlying node as an *ast.AlterTableStmt, if
// this statement is an ALTER TABLE.
func (s *AbstractStatement) AsAlterTable() (*ast.AlterTableStmt, bool) {
	n, ok := s.node.(*ast.AlterTableStmt)
	return n, ok
}

// AsRenameTable returns the list of (old, new) table name pairs for a
// RENAME TABLE statement (which may rename several tables at once).
func (s *AbstractStatement) AsRenameTable() ([]RenamePair, bool) {
	n, ok := s.node.(*ast.RenameTableStmt)
	if !ok {
		return nil, false
	}
	pairs := make([]RenamePair, 0, len(n.TableToTables))
	for _, t := range n.TableToTables {
		pairs = append(pairs, RenamePair{
			OldDatabase: t.OldTable.Schema.O,
			OldTable:    t.OldTable.Name.O,
			NewDatabase: t.NewTable.Schema.O,
			NewTable:    t.NewTable.Name.O,
		})
	}
	return pairs, true
}

// RenamePair is one source/destination pair within a RENAME TABLE statement.
type RenamePair struct {
	OldDatabase, OldTable string
	NewDatabase, NewTable string
}
