// Package utils contains common utilities shared by the other packages.
package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
)

const (
	PrimaryKeySeparator = "-#-" // used to hash a composite primary key
)

// HashKey converts a composite key into a string so it can be used as a
// map key in the applier's per-table batch buffer.
func HashKey(key []any) string {
	var pk []string
	for _, v := range key {
		pk = append(pk, fmt.Sprintf("%v", v))
	}
	return strings.Join(pk, PrimaryKeySeparator)
}

// UnhashKey converts a hashed key back into a literal value list suitable
// for a ClickHouse `(col1, col2) IN (...)` predicate.
func UnhashKey(key string) string {
	parts := strings.Split(key, PrimaryKeySeparator)
	if len(parts) == 1 {
		return quoteLiteral(parts[0])
	}
	quoted := make([]string, len(parts))
	for i, v := range parts {
		quoted[i] = quoteLiteral(v)
	}
	return "(" + strings.Join(quoted, ",") + ")"
}

// quoteLiteral single-quotes a value for inclusion in a ClickHouse
// statement, escaping backslashes and single quotes the way ClickHouse's
// own string literal syntax requires.
func quoteLiteral(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// IntersectColumnNames returns the columns present in both lists, in a's
// order, unquoted, for comparing a source table's live column set with
// the mirrored descriptor (e.g. while a DDL statement is still in flight
// through the spool).
func IntersectColumnNames(a, b []string) []string {
	bSet := make(map[string]struct{}, len(b))
	for _, c := range b {
		bSet[c] = struct{}{}
	}
	var out []string
	for _, c := range a {
		if _, ok := bSet[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// ErrInErr is a wrapper used to not nest too deeply when handling an error
// while already inside an error path; there's nothing useful to do with a
// second error once the first is already being returned.
func ErrInErr(_ error) {
}

func StripPort(hostname string) string {
	if strings.Contains(hostname, ":") {
		return strings.Split(hostname, ":")[0]
	}
	return hostname
}

// AlgorithmInplaceConsideredSafe reports whether every clause of an ALTER
// TABLE statement is metadata-only (safe to apply without rebuilding rows
// at the source). No other package in this module calls it.
func AlgorithmInplaceConsideredSafe(sql string) error {
	p := parser.New()
	stmtNodes, _, err := p.Parse(sql, "", "")
	if err != nil {
		return err
	}
	alterStmt, ok := stmtNodes[0].(*ast.AlterTableStmt)
	if !ok {
		return nil
	}
	var unsafeClauses int
	for _, spec := range alterStmt.Specs {
		switch spec.Tp {
		case ast.AlterTableDropIndex, ast.AlterTableRenameIndex, ast.AlterTableIndexInvisible:
			continue
		default:
			unsafeClauses++
		}
	}
	if unsafeClauses > 0 {
		if len(alterStmt.Specs) > 1 {
			return fmt.Errorf("ALTER contains multiple clauses that cannot be safely classified together; split into separate statements")
		}
		return fmt.Errorf("ALTER clause is not metadata-only and may take considerable time at the source")
	}
	return nil
}

func TrimAlter(alter string) string {
	return strings.TrimSuffix(strings.TrimSpace(alter), ";")
}

func ConvertToTimestampString(t time.Time) string {
	return fmt.Sprintf("%d%02d%02d%02d%02d%02d%03d", t.Year(), t.Month(), t.Day(),
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/1000000)
}

// FormatClickHouseValue renders a decoded row value as a ClickHouse SQL
// literal for inclusion in a bulk INSERT's VALUES clause.
func FormatClickHouseValue(v any) string {
	if v == nil {
		return "NULL"
	}
	switch t := v.(type) {
	case []byte:
		return quoteLiteral(string(t))
	case string:
		return quoteLiteral(t)
	case bool:
		if t {
			return "1"
		}
		return "0"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", t)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		return quoteLiteral(t.UTC().Format("2006-01-02 15:04:05.000000"))
	default:
		return quoteLiteral(fmt.Sprintf("%v", t))
	}
}
