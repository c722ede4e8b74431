package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysql2ch/replicator/pkg/config"
)

func TestTaskForUnknownDatabase(t *testing.T) {
	s := &Supervisor{appliers: make(map[string]*applierTask)}
	_, err := s.taskFor("ghost")
	assert.Error(t, err)
}

func TestTaskForKnownDatabase(t *testing.T) {
	task := &applierTask{database: "shop"}
	s := &Supervisor{appliers: map[string]*applierTask{"shop": task}}
	got, err := s.taskFor("shop")
	require.NoError(t, err)
	assert.Same(t, task, got)
}

func TestPauseSetsFlagAndCancelsRun(t *testing.T) {
	task := &applierTask{database: "shop"}
	s := &Supervisor{appliers: map[string]*applierTask{"shop": task}}

	canceled := false
	task.setRunCancel(func() { canceled = true })

	require.NoError(t, s.Pause("shop"))
	assert.True(t, task.isPaused())
	assert.True(t, canceled)
}

func TestResumeClearsPauseFlag(t *testing.T) {
	task := &applierTask{database: "shop", paused: 1}
	s := &Supervisor{appliers: map[string]*applierTask{"shop": task}}

	require.NoError(t, s.Resume("shop"))
	assert.False(t, task.isPaused())
}

func TestFlushAndOptimizeRequireBootstrappedApplier(t *testing.T) {
	task := &applierTask{database: "shop"}
	s := &Supervisor{appliers: map[string]*applierTask{"shop": task}, cfg: &config.Config{}}

	assert.Error(t, s.Flush(nil, "shop"))
	assert.Error(t, s.Optimize(nil, "shop"))
}

func TestSpoolFileSizeMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, ok := spoolFileSize(dir, "shop", 0)
	assert.False(t, ok)
}

func TestSpoolFileSizeExistingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "shop"), 0o755))
	path := filepath.Join(dir, "shop", "00000000000000000000.spool")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	size, ok := spoolFileSize(dir, "shop", 0)
	require.True(t, ok)
	assert.EqualValues(t, 5, size)
}

func TestSpoolByteLagSameFile(t *testing.T) {
	dir := t.TempDir()
	lag := spoolByteLag(dir, "shop", 0, 10, 0, 40)
	assert.EqualValues(t, 30, lag)
}

func TestSpoolByteLagRegressedFileIsZero(t *testing.T) {
	dir := t.TempDir()
	lag := spoolByteLag(dir, "shop", 2, 10, 1, 5)
	assert.EqualValues(t, 0, lag)
}

func TestSpoolByteLagAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "shop"), 0o755))
	// File 0 is 100 bytes, file 1 is 50 bytes; consumer is at offset 60 in
	// file 0, ingestor is at offset 20 in file 2.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shop", "00000000000000000000.spool"), make([]byte, 100), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shop", "00000000000000000001.spool"), make([]byte, 50), 0o644))

	lag := spoolByteLag(dir, "shop", 0, 60, 2, 20)
	assert.EqualValues(t, (100-60)+50+20, lag)
}
