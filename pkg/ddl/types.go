package ddl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultFallbackType is used when no base mapping, type override, or
// column override can classify a source type (spec §7 "Unknown column
// type... Warn, fall back to text type").
const DefaultFallbackType = "String"

var sourceTypeRe = regexp.MustCompile(`^([a-zA-Z]+)\s*(?:\(([^)]*)\))?\s*(.*)$`)

// parsedSourceType is the decomposition of a raw MySQL column type string
// like "decimal(10,2) unsigned" into its pieces.
type parsedSourceType struct {
	Name     string // lowercase base name, e.g. "decimal"
	Args     []string
	Unsigned bool
}

func parseSourceType(raw string) parsedSourceType {
	raw = strings.TrimSpace(raw)
	m := sourceTypeRe.FindStringSubmatch(raw)
	p := parsedSourceType{}
	if m == nil {
		p.Name = strings.ToLower(raw)
		return p
	}
	p.Name = strings.ToLower(m[1])
	if m[2] != "" {
		for _, a := range strings.Split(m[2], ",") {
			p.Args = append(p.Args, strings.TrimSpace(a))
		}
	}
	p.Unsigned = strings.Contains(strings.ToLower(m[3]), "unsigned")
	return p
}

func (p parsedSourceType) intArg(i int) (int, bool) {
	if i >= len(p.Args) {
		return 0, false
	}
	n, err := strconv.Atoi(p.Args[i])
	if err != nil {
		return 0, false
	}
	return n, true
}

// baseMapType implements the "fixed base table" of spec §4.6: required
// mappings for signed/unsigned integer widths, fixed/variable strings,
// text blobs, fixed/variable binary, decimal(p,s), floating types, date,
// datetime with fractional seconds/timezone, year, JSON, enum, and a
// limited set of geometry types. It returns ok=false for anything it
// doesn't recognize, letting the caller apply the configurable fallback.
func baseMapType(raw string) (target string, ok bool) {
	p := parseSourceType(raw)
	switch p.Name {
	case "tinyint":
		if isBoolLike(p) {
			return "UInt8", true
		}
		if p.Unsigned {
			return "UInt8", true
		}
		return "Int8", true
	case "smallint", "year":
		if p.Unsigned {
			return "UInt16", true
		}
		return "Int16", true
	case "mediumint":
		if p.Unsigned {
			return "UInt32", true
		}
		return "Int32", true
	case "int", "integer":
		if p.Unsigned {
			return "UInt32", true
		}
		return "Int32", true
	case "bigint":
		if p.Unsigned {
			return "UInt64", true
		}
		return "Int64", true
	case "float":
		return "Float32", true
	case "double", "real":
		return "Float64", true
	case "decimal", "numeric":
		prec, okP := p.intArg(0)
		scale, okS := p.intArg(1)
		if !okP {
			prec = 10
		}
		if !okS {
			scale = 0
		}
		if prec > 76 {
			prec = 76
		}
		return fmt.Sprintf("Decimal(%d, %d)", prec, scale), true
	case "char":
		if n, okN := p.intArg(0); okN {
			return fmt.Sprintf("FixedString(%d)", n), true
		}
		return "String", true
	case "varchar", "tinytext", "text", "mediumtext", "longtext":
		return "String", true
	case "binary":
		if n, okN := p.intArg(0); okN {
			return fmt.Sprintf("FixedString(%d)", n), true
		}
		return "String", true
	case "varbinary", "tinyblob", "blob", "mediumblob", "longblob":
		return "String", true
	case "date":
		return "Date32", true
	case "datetime", "timestamp":
		if n, okN := p.intArg(0); okN && n > 0 {
			return fmt.Sprintf("DateTime64(%d)", n), true
		}
		return "DateTime", true
	case "time":
		return "String", true
	case "json":
		// Stored as text with a parse-on-read contract (spec §4.6).
		return "String", true
	case "enum", "set":
		// Mapped to text rather than a native Enum type, since the
		// source's enum ordinal set can change under ALTER in ways that
		// don't map cleanly onto ClickHouse's fixed Enum. Values are
		// stored as delivered; nothing lowercases them.
		return "String", true
	case "bit":
		return "UInt64", true
	case "point", "linestring", "polygon", "geometry",
		"multipoint", "multilinestring", "multipolygon", "geometrycollection":
		return "String", true
	default:
		return "", false
	}
}

// isBoolLike reports whether a tinyint(1) should be treated as a boolean.
// MySQL itself has no boolean storage type; tinyint(1) is the conventional
// spelling and tools commonly special-case it. A bool-like tinyint(1) maps
// to UInt8 even when signed (other signed tinyints map to Int8), and this
// is the single place to change that mapping (e.g. to Bool).
func isBoolLike(p parsedSourceType) bool {
	n, ok := p.intArg(0)
	return ok && n == 1
}
