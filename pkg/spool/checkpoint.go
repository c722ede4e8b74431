package spool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mysql2ch/replicator/pkg/binlogevent"
)

// IngestCheckpoint is the ingestor's own sidecar (`state`): where it is
// currently writing, and the upstream source position that corresponds to
// that point, so a restarted ingestor resumes the binlog stream from
// exactly where it left off.
type IngestCheckpoint struct {
	Coordinate binlogevent.Coordinate
	Source     binlogevent.SourcePosition
}

// ConsumerCheckpoint is one applier's sidecar (`state.<database>`): how far
// it has read and applied, plus its lifecycle phase, so a restarted
// applier resumes tailing from exactly where it left off and the
// supervisor can report phase without asking the applier process directly.
type ConsumerCheckpoint struct {
	Coordinate binlogevent.Coordinate
	Phase      string
}

func ingestStatePath(dataDir, database string) string {
	return filepath.Join(dataDir, database, "state")
}

func consumerStatePath(dataDir, database, consumer string) string {
	return filepath.Join(dataDir, database, "state."+consumer)
}

// writeCheckpointFile writes v to path atomically: a temp file in the same
// directory is written and fsynced, then renamed over path, so a crash
// mid-write never leaves a torn checkpoint behind.
func writeCheckpointFile(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open checkpoint temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename checkpoint into place: %w", err)
	}
	return nil
}

func readCheckpointFile(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read checkpoint: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return true, nil
}

// WriteIngestCheckpoint persists the ingestor's position.
func WriteIngestCheckpoint(dataDir, database string, cp IngestCheckpoint) error {
	if err := os.MkdirAll(filepath.Join(dataDir, database), 0o755); err != nil {
		return fmt.Errorf("create spool directory: %w", err)
	}
	return writeCheckpointFile(ingestStatePath(dataDir, database), cp)
}

// ReadIngestCheckpoint loads the ingestor's last-persisted position, if any.
func ReadIngestCheckpoint(dataDir, database string) (IngestCheckpoint, bool, error) {
	var cp IngestCheckpoint
	ok, err := readCheckpointFile(ingestStatePath(dataDir, database), &cp)
	return cp, ok, err
}

// WriteConsumerCheckpoint persists one applier's position and phase.
func WriteConsumerCheckpoint(dataDir, database, consumer string, cp ConsumerCheckpoint) error {
	if err := os.MkdirAll(filepath.Join(dataDir, database), 0o755); err != nil {
		return fmt.Errorf("create spool directory: %w", err)
	}
	return writeCheckpointFile(consumerStatePath(dataDir, database, consumer), cp)
}

// ReadConsumerCheckpoint loads an applier's last-persisted position, if any.
func ReadConsumerCheckpoint(dataDir, database, consumer string) (ConsumerCheckpoint, bool, error) {
	var cp ConsumerCheckpoint
	ok, err := readCheckpointFile(consumerStatePath(dataDir, database, consumer), &cp)
	return cp, ok, err
}
