package ingest

import (
	"bytes"
	"encoding/json"

	"github.com/go-mysql-org/go-mysql/schema"
)

// canonicalizeJSONColumns rewrites every JSON-typed column of row in place
// into the canonical text form the appliers and checksum both compare
// against: a JSON NULL or a decode failure become the literal string
// "null", and anything else is re-encoded with a space after every ':'
// and ',' (MySQL's own JSON-to-text rendering, and what CAST(col AS JSON)
// produces at the source). canal already decodes the binlog's binary JSON
// representation into a Go string before OnRow ever sees the row, so this
// is a normalization pass over that decode, not a second decoder: it only
// needs to re-parse the text canal already produced and re-render it in
// the one canonical shape, rather than leaving the row's replicated
// textual form tied to canal's own (more compact) rendering.
func canonicalizeJSONColumns(tbl *schema.Table, row []any) {
	for i, col := range tbl.Columns {
		if col.Type != schema.TYPE_JSON || i >= len(row) {
			continue
		}
		row[i] = canonicalizeJSONValue(row[i])
	}
}

func canonicalizeJSONValue(v any) any {
	if v == nil {
		return nil
	}
	var raw []byte
	switch t := v.(type) {
	case []byte:
		raw = t
	case string:
		raw = []byte(t)
	default:
		// canal decoded this to a native Go value rather than text; fall
		// back to a stock encoding/json round trip on that value.
		b, err := json.Marshal(t)
		if err != nil {
			return "null"
		}
		raw = b
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "null"
	}
	compact, err := json.Marshal(generic)
	if err != nil {
		return "null"
	}
	return spaceJSONSeparators(compact)
}

// spaceJSONSeparators inserts a space after every top-level-or-nested ':'
// and ',' that fall outside a string literal, turning encoding/json's
// compact {"a":[1,2],"b":"x"} into {"a": [1, 2], "b": "x"}.
func spaceJSONSeparators(compact []byte) string {
	var out bytes.Buffer
	inString := false
	escaped := false
	for _, b := range compact {
		out.WriteByte(b)
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case ':', ',':
			out.WriteByte(' ')
		}
	}
	return out.String()
}
