package spool

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mysql2ch/replicator/pkg/binlogevent"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func TestWriterAppendAndReaderTail(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "shop", 2)
	require.NoError(t, err)

	ev1 := &binlogevent.Event{Database: "shop", Table: "orders", Op: binlogevent.OpInsert, Row: []any{int64(1), "a"}}
	ev2 := &binlogevent.Event{Database: "shop", Table: "orders", Op: binlogevent.OpInsert, Row: []any{int64(2), "b"}}
	ev3 := &binlogevent.Event{Database: "shop", Table: "orders", Op: binlogevent.OpUpdate, Row: []any{int64(2), "c"}}

	_, err = w.Append(ev1)
	require.NoError(t, err)
	_, err = w.Append(ev2)
	require.NoError(t, err)
	// Forces rotation to a second file, since recordsPerFile is 2.
	_, err = w.Append(ev3)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewReader(dir, "shop", "mirror")
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got1, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, binlogevent.OpInsert, got1.Op)
	assert.Equal(t, []any{int64(1), "a"}, got1.Row)

	got2, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(2), "b"}, got2.Row)

	got3, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, binlogevent.OpUpdate, got3.Op)
	assert.Equal(t, int64(1), r.Checkpoint().FileID)
}

func TestReaderResumesFromPersistedCheckpoint(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "shop", 100)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := w.Append(&binlogevent.Event{Database: "shop", Table: "orders", Op: binlogevent.OpInsert, Row: []any{i}})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	r, err := NewReader(dir, "shop", "mirror")
	require.NoError(t, err)
	ctx := context.Background()
	_, err = r.Next(ctx)
	require.NoError(t, err)
	cp := r.Checkpoint()
	require.NoError(t, WriteConsumerCheckpoint(dir, "shop", "mirror", ConsumerCheckpoint{Coordinate: cp, Phase: "LIVE"}))
	require.NoError(t, r.Close())

	r2, err := NewReader(dir, "shop", "mirror")
	require.NoError(t, err)
	defer r2.Close()
	got, err := r2.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{1}, got.Row)
}

func TestListFileIDsAndPrune(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "shop", 1)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := w.Append(&binlogevent.Event{Database: "shop", Table: "orders", Op: binlogevent.OpInsert})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	ids, err := ListFileIDs(dir, "shop")
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2}, ids)

	pruned, err := PruneConsumedFiles(dir, "shop", 2, 2, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{0, 1}, pruned)

	remaining, err := ListFileIDs(dir, "shop")
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, remaining)
}

func TestFilePathMatchesWriterNamingConvention(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "shop", 10)
	require.NoError(t, err)
	_, err = w.Append(&binlogevent.Event{Database: "shop", Table: "orders", Op: binlogevent.OpInsert})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = os.Stat(FilePath(dir, "shop", 0))
	assert.NoError(t, err)
}
