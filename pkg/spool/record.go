// Package spool implements the durable append-only event log described in
// spec.md §4.1/§4.2: the ingestor (C1) appends decoded binlog events to
// numbered files under the data directory, and one or more readers (C2)
// tail those files independently, each at its own consumer checkpoint.
package spool

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/mysql2ch/replicator/pkg/binlogevent"
)

// FilePath returns the on-disk path of database's numbered spool file
// fileID, the naming convention Writer and Reader use internally,
// exported so the supervisor's health surface can stat spool files
// directly without duplicating the naming scheme.
func FilePath(dataDir, database string, fileID int64) string {
	return filepath.Join(dataDir, database, fmt.Sprintf("%020d.spool", fileID))
}

func init() {
	// Row and PreKey carry decoded column values through []any; gob
	// requires every concrete type seen behind an interface to be
	// registered up front, including these built-ins.
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register(uint64(0))
	gob.Register(int32(0))
	gob.Register(uint32(0))
	gob.Register(float32(0))
	gob.Register(float64(0))
	gob.Register(string(""))
	gob.Register([]byte(nil))
	gob.Register(bool(false))
	gob.Register(time.Time{})
}

// frame is length-prefixed gob: a 4-byte big-endian length followed by
// that many bytes of gob-encoded binlogevent.Event. gob is used rather
// than a schema-driven format (protobuf/msgpack) because the spool record
// shape is private to this process on both ends — there's no
// cross-language or cross-version wire contract to hold stable, which is
// the situation gob is built for.
const maxRecordSize = 64 << 20 // 64MiB, generous for a single row image

func encodeRecord(ev *binlogevent.Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ev); err != nil {
		return nil, fmt.Errorf("encode spool record: %w", err)
	}
	if buf.Len() > maxRecordSize {
		return nil, fmt.Errorf("encoded record of %d bytes exceeds max record size", buf.Len())
	}
	out := make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(out[:4], uint32(buf.Len()))
	copy(out[4:], buf.Bytes())
	return out, nil
}

// decodeRecord reads exactly one frame from r. It returns io.EOF only when
// r is positioned exactly at a record boundary with nothing left to read;
// any other truncation (a partial length prefix or payload, which happens
// when a reader catches up to a write still in flight) is reported as
// io.ErrUnexpectedEOF so callers can retry rather than treat it as
// corruption.
func decodeRecord(r *bufio.Reader) (*binlogevent.Event, int, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxRecordSize {
		return nil, 0, fmt.Errorf("corrupt spool record: length %d exceeds max record size", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}
	var ev binlogevent.Event
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&ev); err != nil {
		return nil, 0, fmt.Errorf("decode spool record: %w", err)
	}
	return &ev, 4 + len(payload), nil
}
