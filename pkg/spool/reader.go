package spool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mysql2ch/replicator/pkg/binlogevent"
)

// Reader tails one database's spool independently of the ingestor and of
// any other reader, resuming from its own consumer checkpoint (spec.md
// §4.2, "Spool Reader (C2)").
type Reader struct {
	dataDir, database, consumer string

	fileID int64
	offset int64

	file *os.File
	buf  *bufio.Reader

	pollInterval time.Duration
}

// NewReader opens a Reader for consumer, resuming from its last persisted
// checkpoint, or from the oldest file on disk if this is its first run.
func NewReader(dataDir, database, consumer string) (*Reader, error) {
	r := &Reader{dataDir: dataDir, database: database, consumer: consumer, pollInterval: 200 * time.Millisecond}

	cp, ok, err := ReadConsumerCheckpoint(dataDir, database, consumer)
	if err != nil {
		return nil, err
	}
	if ok {
		r.fileID = cp.Coordinate.FileID
		r.offset = cp.Coordinate.Offset
	} else {
		ids, err := ListFileIDs(dataDir, database)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			r.fileID = ids[0]
		}
	}
	return r, nil
}

func (r *Reader) filePath(fileID int64) string {
	return FilePath(r.dataDir, r.database, fileID)
}

func (r *Reader) ensureOpen() error {
	if r.file != nil {
		return nil
	}
	f, err := os.Open(r.filePath(r.fileID))
	if err != nil {
		return err
	}
	if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("seek spool file %d to offset %d: %w", r.fileID, r.offset, err)
	}
	r.file = f
	r.buf = bufio.NewReader(f)
	return nil
}

// Next blocks (polling, honoring ctx) until the next event is available,
// crossing a file-rotation boundary when the current file is exhausted
// and a successor file exists on disk.
func (r *Reader) Next(ctx context.Context) (*binlogevent.Event, error) {
	for {
		if err := r.ensureOpen(); err != nil {
			if os.IsNotExist(err) {
				if waitErr := r.wait(ctx); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}

		ev, n, err := decodeRecord(r.buf)
		if err == nil {
			r.offset += int64(n)
			return ev, nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if advanced, aerr := r.tryAdvanceFile(); aerr != nil {
				return nil, aerr
			} else if advanced {
				continue
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				// Part of a frame was consumed from buf; reopen at the last
				// record boundary so the retry reads the frame from its start.
				r.file.Close()
				r.file = nil
			}
			if waitErr := r.wait(ctx); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return nil, err
	}
}

// tryAdvanceFile switches to fileID+1 if it already exists on disk,
// meaning the current file is sealed (the ingestor has rotated past it).
func (r *Reader) tryAdvanceFile() (bool, error) {
	next := r.filePath(r.fileID + 1)
	if _, err := os.Stat(next); err != nil {
		return false, nil
	}
	if err := r.file.Close(); err != nil {
		return false, fmt.Errorf("close spool file %d: %w", r.fileID, err)
	}
	r.file = nil
	r.fileID++
	r.offset = 0
	return true, nil
}

func (r *Reader) wait(ctx context.Context) error {
	t := time.NewTimer(r.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Checkpoint returns the reader's current position, suitable for
// persisting via WriteConsumerCheckpoint after the caller has durably
// applied everything up to and including the last event Next returned.
func (r *Reader) Checkpoint() binlogevent.Coordinate {
	return binlogevent.Coordinate{FileID: r.fileID, Offset: r.offset}
}

// Close closes the currently open spool file, if any.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// ListFileIDs returns every spool file-id present for database, sorted
// ascending.
func ListFileIDs(dataDir, database string) ([]int64, error) {
	entries, err := os.ReadDir(filepath.Join(dataDir, database))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list spool directory: %w", err)
	}
	var ids []int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".spool") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(name, ".spool"), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// PruneConsumedFiles deletes spool files strictly older than
// floorFileID (the minimum checkpoint across every active consumer) once
// they are also older than retention, and never touches the file the
// ingestor is actively writing to. It implements the retention-floor
// advisory described in spec.md §6's `binlog_retention_period` option.
func PruneConsumedFiles(dataDir, database string, floorFileID, activeFileID int64, retention time.Duration) ([]int64, error) {
	ids, err := ListFileIDs(dataDir, database)
	if err != nil {
		return nil, err
	}
	var pruned []int64
	for _, id := range ids {
		if id >= floorFileID || id >= activeFileID {
			continue
		}
		path := FilePath(dataDir, database, id)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) < retention {
			continue
		}
		if err := os.Remove(path); err != nil {
			return pruned, fmt.Errorf("prune spool file %d: %w", id, err)
		}
		pruned = append(pruned, id)
	}
	return pruned, nil
}
