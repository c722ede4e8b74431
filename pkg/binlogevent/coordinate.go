// Package binlogevent defines the canonical change-event form that flows
// from the binlog ingestor through the spool to every applier.
package binlogevent

import "fmt"

// Coordinate is a totally ordered position in the ingested stream: a
// monotonic spool file-id and the byte offset of the event within that
// file. Coordinates are compared file-id first, then offset, matching the
// ordering guarantee the ingestor provides over source binlog positions.
type Coordinate struct {
	FileID int64
	Offset int64
}

// Less reports whether c sorts strictly before other.
func (c Coordinate) Less(other Coordinate) bool {
	if c.FileID != other.FileID {
		return c.FileID < other.FileID
	}
	return c.Offset < other.Offset
}

// LessOrEqual reports whether c sorts at or before other.
func (c Coordinate) LessOrEqual(other Coordinate) bool {
	return c == other || c.Less(other)
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%d:%d", c.FileID, c.Offset)
}

// Zero is the coordinate before any event has ever been written.
var Zero = Coordinate{}

// SourcePosition is the upstream binlog coordinate (file name + offset, or
// GTID set) that produced an event. It is carried alongside the spool
// Coordinate so the ingestor can resume the replica stream after a restart
// without replaying the whole spool.
type SourcePosition struct {
	// LogFile is the source's binlog file name (e.g. "mysql-bin.000123").
	LogFile string
	// LogPos is the byte offset within LogFile.
	LogPos uint32
	// GTIDSet is the source's GTID set string, when GTID mode is enabled.
	// Empty when the source only provides file/pos coordinates.
	GTIDSet string
}

func (p SourcePosition) String() string {
	if p.GTIDSet != "" {
		return p.GTIDSet
	}
	return fmt.Sprintf("%s:%d", p.LogFile, p.LogPos)
}
