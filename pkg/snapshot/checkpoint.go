package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mysql2ch/replicator/pkg/binlogevent"
)

// ShardCheckpoint persists one shard's resume point, the same atomic
// temp-file-then-rename pattern as pkg/spool/checkpoint.go uses for
// ingest/consumer checkpoints. LastKey is an int64 rather than `any`
// because round-tripping an interface-typed numeric key through JSON
// would decode it back as float64, silently losing exact-integer
// comparisons against a bigint primary key.
type ShardCheckpoint struct {
	HasLastKey bool
	LastKey    int64
	RowsCopied uint64
	Done       bool
}

// DatabaseCheckpoint records the resume coordinate captured at snapshot
// start (spec.md §4.4 step 1, "capture the current ingest coordinate C₀")
// so a restarted snapshot doesn't recapture a later, inconsistent point.
type DatabaseCheckpoint struct {
	ResumePoint binlogevent.SourcePosition
}

func shardCheckpointPath(dataDir, database, table string, shardIndex int) string {
	return filepath.Join(dataDir, database, fmt.Sprintf("snapshot.%s.shard%d", table, shardIndex))
}

func databaseCheckpointPath(dataDir, database string) string {
	return filepath.Join(dataDir, database, "snapshot.resume")
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
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
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return true, nil
}

// WriteShardCheckpoint persists a shard's progress.
func WriteShardCheckpoint(dataDir, database, table string, shardIndex int, cp ShardCheckpoint) error {
	if err := os.MkdirAll(filepath.Join(dataDir, database), 0o755); err != nil {
		return fmt.Errorf("create snapshot checkpoint directory: %w", err)
	}
	return writeJSONAtomic(shardCheckpointPath(dataDir, database, table, shardIndex), cp)
}

// ReadShardCheckpoint reads a shard's progress, returning ok=false if none
// has been persisted yet.
func ReadShardCheckpoint(dataDir, database, table string, shardIndex int) (ShardCheckpoint, bool, error) {
	var cp ShardCheckpoint
	ok, err := readJSON(shardCheckpointPath(dataDir, database, table, shardIndex), &cp)
	return cp, ok, err
}

// WriteDatabaseCheckpoint persists the database's captured resume point.
func WriteDatabaseCheckpoint(dataDir, database string, cp DatabaseCheckpoint) error {
	if err := os.MkdirAll(filepath.Join(dataDir, database), 0o755); err != nil {
		return fmt.Errorf("create snapshot checkpoint directory: %w", err)
	}
	return writeJSONAtomic(databaseCheckpointPath(dataDir, database), cp)
}

// ReadDatabaseCheckpoint reads the database's captured resume point.
func ReadDatabaseCheckpoint(dataDir, database string) (DatabaseCheckpoint, bool, error) {
	var cp DatabaseCheckpoint
	ok, err := readJSON(databaseCheckpointPath(dataDir, database), &cp)
	return cp, ok, err
}
