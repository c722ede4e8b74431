package statement

import (
	"strings"

	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/format"
)

// astRestore renders an AST node back to SQL text using the parser's own
// restore visitor, rather than hand-rolling a printer per node type.
func astRestore(n ast.Node) string {
	var sb strings.Builder
	ctx := format.NewRestoreCtx(format.DefaultRestoreFlags, &sb)
	if err := n.Restore(ctx); err != nil {
		return ""
	}
	return sb.String()
}

// RestoreSQL is the exported form of astRestore, for callers that need to
// turn a rewritten statement back into text; unlike astRestore it returns
// the restore error instead of an empty string.
func RestoreSQL(n ast.Node) (string, error) {
	var sb strings.Builder
	ctx := format.NewRestoreCtx(format.DefaultRestoreFlags, &sb)
	if err := n.Restore(ctx); err != nil {
		return "", err
	}
	return sb.String(), nil
}
