package spool

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mysql2ch/replicator/pkg/binlogevent"
)

// Writer appends decoded binlog events to numbered spool files under
// dataDir/<database>/, rotating to a new file-id every RecordsPerFile
// records. Files are never rewritten in place (spec.md §6, "Spool
// on-disk layout").
type Writer struct {
	mu sync.Mutex

	dataDir        string
	database       string
	recordsPerFile int

	fileID      int64
	file        *os.File
	buf         *bufio.Writer
	recordCount int
	offset      int64
}

// NewWriter opens (or resumes) the spool for database, continuing from
// the last persisted ingest checkpoint if one exists.
func NewWriter(dataDir, database string, recordsPerFile int) (*Writer, error) {
	if recordsPerFile <= 0 {
		recordsPerFile = 250_000
	}
	if err := os.MkdirAll(filepath.Join(dataDir, database), 0o755); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	w := &Writer{dataDir: dataDir, database: database, recordsPerFile: recordsPerFile}

	cp, ok, err := ReadIngestCheckpoint(dataDir, database)
	if err != nil {
		return nil, err
	}
	fileID := int64(0)
	if ok {
		fileID = cp.Coordinate.FileID
	}
	if err := w.openFile(fileID); err != nil {
		return nil, err
	}
	if ok {
		w.offset = cp.Coordinate.Offset
	}
	return w, nil
}

func (w *Writer) filePath(fileID int64) string {
	return FilePath(w.dataDir, w.database, fileID)
}

func (w *Writer) openFile(fileID int64) error {
	f, err := os.OpenFile(w.filePath(fileID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open spool file %d: %w", fileID, err)
	}
	w.fileID = fileID
	w.file = f
	w.buf = bufio.NewWriter(f)
	w.recordCount = 0
	return nil
}

// Append assigns ev its spool coordinate, writes it, and rotates to a new
// file when the current one reaches RecordsPerFile records. It fsyncs and
// persists the ingest checkpoint on every call, so no event is ever
// acknowledged to the source before it's durable.
func (w *Writer) Append(ev *binlogevent.Event) (binlogevent.Coordinate, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.recordCount >= w.recordsPerFile {
		if err := w.rotate(); err != nil {
			return binlogevent.Coordinate{}, err
		}
	}

	coord := binlogevent.Coordinate{FileID: w.fileID, Offset: w.offset}
	ev.Coordinate = coord

	data, err := encodeRecord(ev)
	if err != nil {
		return binlogevent.Coordinate{}, err
	}
	if _, err := w.buf.Write(data); err != nil {
		return binlogevent.Coordinate{}, fmt.Errorf("write spool record: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return binlogevent.Coordinate{}, fmt.Errorf("flush spool record: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return binlogevent.Coordinate{}, fmt.Errorf("sync spool file: %w", err)
	}

	w.offset += int64(len(data))
	w.recordCount++

	nextCoord := binlogevent.Coordinate{FileID: w.fileID, Offset: w.offset}
	if err := WriteIngestCheckpoint(w.dataDir, w.database, IngestCheckpoint{
		Coordinate: nextCoord,
		Source:     ev.Source,
	}); err != nil {
		return binlogevent.Coordinate{}, err
	}
	return coord, nil
}

func (w *Writer) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close spool file %d: %w", w.fileID, err)
	}
	w.offset = 0
	return w.openFile(w.fileID + 1)
}

// Close flushes and closes the current spool file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// CurrentFileID reports the spool file currently being appended to, so
// housekeeping can avoid ever deleting it.
func (w *Writer) CurrentFileID() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fileID
}
