package ddl

import (
	"fmt"
	"strings"
)

// validateIndexColumns reports an Unsupported error for the first index
// column that doesn't exist among desc's current columns, catching a
// misconfigured `indexes` override or a source index definition that
// outran a column rename before it reaches the target and fails there
// with a much less specific error.
func validateIndexColumns(desc *TableDescriptor) error {
	names := make(map[string]bool, len(desc.Columns))
	for _, c := range desc.Columns {
		names[strings.ToLower(c.Name)] = true
	}
	for _, idx := range desc.Indexes {
		for _, col := range idx.Columns {
			if !names[strings.ToLower(col)] {
				return &Unsupported{Reason: fmt.Sprintf(
					"index %q on %s.%s references column %q which does not exist",
					idx.Name, desc.Database, desc.Table, col)}
			}
		}
	}
	return nil
}
