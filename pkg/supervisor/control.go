package supervisor

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/mysql2ch/replicator/pkg/health"
	"github.com/mysql2ch/replicator/pkg/spool"
)

// Health implements health.Controller, reporting every tracked task's
// state and lag (spec.md §4.5: "per-component state, lag in events and
// in wall time, current coordinate").
func (s *Supervisor) Health(ctx context.Context) health.Report {
	s.mu.Lock()
	it := s.ingestor
	tasks := make([]*applierTask, 0, len(s.appliers))
	for _, t := range s.appliers {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	var report health.Report
	if it != nil {
		report.Ingestor = health.ComponentReport{
			Name:  "ingestor",
			State: it.getState().String(),
		}
	}
	for _, t := range tasks {
		report.Appliers = append(report.Appliers, s.applierReport(t))
	}
	return report
}

func (s *Supervisor) applierReport(t *applierTask) health.ComponentReport {
	r := health.ComponentReport{
		Name:   t.database,
		State:  t.getState().String(),
		Paused: t.isPaused(),
	}
	if t.ap == nil {
		return r
	}
	consumerCP := t.ap.Checkpoint()
	r.Coordinate = consumerCP.String()

	ingestCP, ok, err := spool.ReadIngestCheckpoint(s.cfg.DataDir, t.database)
	if err == nil && ok {
		r.LagBytes = spoolByteLag(s.cfg.DataDir, t.database, consumerCP.FileID, consumerCP.Offset, ingestCP.Coordinate.FileID, ingestCP.Coordinate.Offset)
	}
	if last := t.ap.LastEventTime(); !last.IsZero() {
		if it := s.ingestorTask(); it != nil {
			if ingestLast := it.in.LastEventTime(); !ingestLast.IsZero() {
				r.LagSeconds = ingestLast.Sub(last).Seconds()
			}
		}
	}
	return r
}

// Pause stops database's applier from consuming further events until
// Resume is called. The in-flight run loop notices the pause flag and
// idles rather than tailing (spec.md §4.5: "small control surface...
// pause/resume applier").
func (s *Supervisor) Pause(database string) error {
	t, err := s.taskFor(database)
	if err != nil {
		return err
	}
	atomic.StoreInt32(&t.paused, 1)
	t.cancelRun()
	return nil
}

// Resume clears database's pause flag; the restart loop picks it back up
// on its next iteration.
func (s *Supervisor) Resume(database string) error {
	t, err := s.taskFor(database)
	if err != nil {
		return err
	}
	atomic.StoreInt32(&t.paused, 0)
	return nil
}

// Flush forces database's applier to write its current buffer to the
// target immediately, regardless of flush thresholds.
func (s *Supervisor) Flush(ctx context.Context, database string) error {
	t, err := s.taskFor(database)
	if err != nil {
		return err
	}
	if t.ap == nil {
		return fmt.Errorf("applier for %s is not yet bootstrapped", database)
	}
	return t.ap.Flush(ctx)
}

// Optimize triggers an out-of-cycle OPTIMIZE TABLE ... FINAL pass for
// database, ahead of the next scheduled housekeeping tick.
func (s *Supervisor) Optimize(ctx context.Context, database string) error {
	t, err := s.taskFor(database)
	if err != nil {
		return err
	}
	if t.ap == nil {
		return fmt.Errorf("applier for %s is not yet bootstrapped", database)
	}
	return t.ap.Optimize(ctx)
}

func (s *Supervisor) taskFor(database string) (*applierTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.appliers[database]
	if !ok {
		return nil, fmt.Errorf("database %s is not tracked", database)
	}
	return t, nil
}

// spoolByteLag estimates the byte distance between a consumer's position
// and the ingestor's, summing the size of any fully-written spool files
// strictly between the two file-ids. Best-effort: a file that cannot be
// stat'ed counts as zero bytes rather than failing the health report.
func spoolByteLag(dataDir, database string, fromFile, fromOffset, toFile, toOffset int64) int64 {
	if fromFile == toFile {
		return toOffset - fromOffset
	}
	if fromFile > toFile {
		return 0
	}
	ids, err := spool.ListFileIDs(dataDir, database)
	if err != nil {
		return 0
	}
	sizes := make(map[int64]int64, len(ids))
	for _, id := range ids {
		if sz, ok := spoolFileSize(dataDir, database, id); ok {
			sizes[id] = sz
		}
	}
	lag := sizes[fromFile] - fromOffset
	for id := fromFile + 1; id < toFile; id++ {
		lag += sizes[id]
	}
	lag += toOffset
	return lag
}

// spoolFileSize stats a spool file by its numbered name.
func spoolFileSize(dataDir, database string, fileID int64) (int64, bool) {
	info, err := os.Stat(spool.FilePath(dataDir, database, fileID))
	if err != nil {
		return 0, false
	}
	return info.Size(), true
}
