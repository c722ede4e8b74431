// Package supervisor implements the process/task lifecycle owner (spec.md
// §4.5, C5): one ingestor task, and one applier task per source database
// matched by the configured filters, discovered at startup and again on
// every discovery tick thereafter. Restart-with-backoff and the atomic
// task-state enum are grounded on pkg/migration/runner.go's own
// migrationState int32 pattern, generalized from one migration's single
// state machine to N independent per-database task state machines
// supervised by one process.
package supervisor

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/siddontang/loggers"

	"github.com/mysql2ch/replicator/pkg/applier"
	"github.com/mysql2ch/replicator/pkg/binlogevent"
	"github.com/mysql2ch/replicator/pkg/chclient"
	"github.com/mysql2ch/replicator/pkg/config"
	"github.com/mysql2ch/replicator/pkg/ddl"
	"github.com/mysql2ch/replicator/pkg/health"
	"github.com/mysql2ch/replicator/pkg/ingest"
	"github.com/mysql2ch/replicator/pkg/metrics"
	"github.com/mysql2ch/replicator/pkg/snapshot"
	"github.com/mysql2ch/replicator/pkg/spool"
)

// TaskState is a task's supervised run state, tracked independently of
// the applier's own finer-grained lifecycle phase (applier.State): a task
// can be RUNNING while its applier is STAGING, SWAPPING, or LIVE.
type TaskState int32

const (
	TaskStarting TaskState = iota
	TaskRunning
	TaskPaused
	TaskRestarting
	TaskFaulted
	TaskStopped
)

func (s TaskState) String() string {
	switch s {
	case TaskStarting:
		return "STARTING"
	case TaskRunning:
		return "RUNNING"
	case TaskPaused:
		return "PAUSED"
	case TaskRestarting:
		return "RESTARTING"
	case TaskFaulted:
		return "FAULTED"
	case TaskStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

const discoveryInterval = 10 * time.Second

// Supervisor owns the ingestor task and one applier task per mirrored
// source database, restarting each on failure (with backoff), restarting
// applier tasks on an age-based interval as well, and exposing the health and control surface spec.md
// §4.5 describes.
type Supervisor struct {
	cfg      *config.Config
	source   *sql.DB
	target   *chclient.Client
	tr       *ddl.Translator
	logger   loggers.Advanced
	metrics  *metrics.Registry
	serverID uint32

	maxBackoff time.Duration

	mu       sync.Mutex
	ingestor *ingestorTask
	appliers map[string]*applierTask
}

type ingestorTask struct {
	in    *ingest.Ingestor
	state int32 // atomic TaskState
}

func (t *ingestorTask) getState() TaskState  { return TaskState(atomic.LoadInt32(&t.state)) }
func (t *ingestorTask) setState(s TaskState) { atomic.StoreInt32(&t.state, int32(s)) }

type applierTask struct {
	database string
	ap       *applier.Applier

	state     int32 // atomic TaskState
	paused    int32 // atomic bool
	startedAt time.Time
	cancel    context.CancelFunc // cancels the whole task (bootstrap + run loop)
	failures  int

	runMu     sync.Mutex
	runCancel context.CancelFunc // cancels only the in-flight applier.Run iteration
}

func (t *applierTask) getState() TaskState  { return TaskState(atomic.LoadInt32(&t.state)) }
func (t *applierTask) setState(s TaskState) { atomic.StoreInt32(&t.state, int32(s)) }
func (t *applierTask) isPaused() bool       { return atomic.LoadInt32(&t.paused) != 0 }

func (t *applierTask) setRunCancel(cancel context.CancelFunc) {
	t.runMu.Lock()
	t.runCancel = cancel
	t.runMu.Unlock()
}

func (t *applierTask) cancelRun() {
	t.runMu.Lock()
	cancel := t.runCancel
	t.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// New constructs a Supervisor. serverID must be unique among every MySQL
// replica/consumer attached to the source server (passed through to the
// ingestor).
func New(cfg *config.Config, source *sql.DB, target *chclient.Client, tr *ddl.Translator, logger loggers.Advanced, reg *metrics.Registry, serverID uint32) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		source:     source,
		target:     target,
		tr:         tr,
		logger:     logger,
		metrics:    reg,
		serverID:   serverID,
		maxBackoff: 30 * time.Second,
		appliers:   make(map[string]*applierTask),
	}
}

// Run starts the ingestor task and every matched database's applier task,
// discovers newly-matched databases on a timer, and restarts tasks on
// failure or age until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	in := ingest.New(s.cfg, s.serverID, s.logger)
	if err := in.Prepare(); err != nil {
		return fmt.Errorf("prepare ingestor: %w", err)
	}
	s.mu.Lock()
	s.ingestor = &ingestorTask{in: in}
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runIngestorLoop(ctx)
	}()

	if err := s.discover(ctx); err != nil {
		s.logger.Warnf("initial database discovery failed: %v", err)
	}

	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			if err := s.discover(ctx); err != nil {
				s.logger.Warnf("database discovery failed: %v", err)
			}
		}
	}
}

// discover queries the source for its current database list and starts
// an applier task for every matched database not already tracked (spec.md
// §4.5: "one applier task per matched source database discovered at
// startup or on first DDL for a new database" — this polling loop is the
// discovery mechanism; a newly created source database becomes visible to
// it the next tick after its first DDL).
func (s *Supervisor) discover(ctx context.Context) error {
	rows, err := s.source.QueryContext(ctx, "SELECT schema_name FROM information_schema.schemata")
	if err != nil {
		return fmt.Errorf("list source databases: %w", err)
	}
	defer rows.Close()

	var matched []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan database name: %w", err)
		}
		if s.cfg.IncludesDatabase(name) {
			matched = append(matched, name)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, database := range matched {
		s.mu.Lock()
		_, tracked := s.appliers[database]
		s.mu.Unlock()
		if tracked {
			continue
		}
		s.startApplier(ctx, database)
	}
	return nil
}

// startApplier bootstraps (snapshotting first if this database has never
// been mirrored before) and launches database's applier task in the
// background.
func (s *Supervisor) startApplier(parent context.Context, database string) {
	task := &applierTask{database: database}
	task.setState(TaskStarting)
	s.mu.Lock()
	s.appliers[database] = task
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithCancel(parent)
		task.cancel = cancel
		defer cancel()

		if err := s.bootstrapDatabase(ctx, task); err != nil {
			s.logger.Errorf("bootstrap failed for %s: %v", database, err)
			task.setState(TaskFaulted)
			return
		}
		go s.runHousekeeping(ctx, task)
		s.runApplierWithRestart(ctx, task)
	}()
}

// runHousekeeping periodically compacts the live database's tables and
// sweeps expired D_old_* databases for task (spec.md §4.3,
// "Housekeeping").
func (s *Supervisor) runHousekeeping(ctx context.Context, task *applierTask) {
	ticker := time.NewTicker(s.cfg.OptimizeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if task.ap.State() != applier.StateLive {
			continue
		}
		if err := task.ap.Optimize(ctx); err != nil {
			s.logger.Warnf("optimize failed for %s: %v", task.database, err)
		}
		if err := task.ap.DropExpiredOldDatabases(ctx, s.cfg.DDLOldDatabaseGracePeriod); err != nil {
			s.logger.Warnf("old-database sweep failed for %s: %v", task.database, err)
		}
		if err := s.pruneSpool(task.database); err != nil {
			s.logger.Warnf("spool prune failed for %s: %v", task.database, err)
		}
	}
}

// pruneSpool deletes spool files for database that are both older than
// the retention floor and fully consumed by its one applier (there is
// exactly one consumer per database in this design, so the floor is
// simply that applier's checkpoint file-id).
func (s *Supervisor) pruneSpool(database string) error {
	s.mu.Lock()
	task, ok := s.appliers[database]
	s.mu.Unlock()
	if !ok || task.ap == nil {
		return nil
	}
	floor := task.ap.Checkpoint().FileID
	ids, err := spool.ListFileIDs(s.cfg.DataDir, database)
	if err != nil || len(ids) == 0 {
		return err
	}
	active := ids[len(ids)-1]
	_, err = spool.PruneConsumedFiles(s.cfg.DataDir, database, floor, active, s.cfg.BinlogRetention)
	return err
}

// bootstrapDatabase runs the initial snapshot for database if it has no
// persisted applier checkpoint, then constructs the applier itself.
func (s *Supervisor) bootstrapDatabase(ctx context.Context, task *applierTask) error {
	database := task.database
	_, hasCheckpoint, err := spool.ReadConsumerCheckpoint(s.cfg.DataDir, database, "applier")
	if err != nil {
		return err
	}

	if !hasCheckpoint {
		snap := snapshot.New(s.cfg, database, s.source, s.target, s.tr, s.logger)
		_, descriptors, err := snap.Run(ctx)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", database, err)
		}
		ap, err := applier.New(ctx, database, s.cfg, s.target, s.tr, s.logger)
		if err != nil {
			return err
		}
		if err := ap.BeginStaging(ctx); err != nil {
			return fmt.Errorf("begin staging for %s: %w", database, err)
		}
		for _, desc := range descriptors {
			ap.RegisterTable(desc)
		}
		task.ap = ap
		if s.cfg.IgnoreDeletes {
			// BeginStaging already went straight to LIVE; nothing further
			// to catch up on before the applier starts tailing normally.
			return nil
		}
		go s.watchForCatchUp(ctx, task)
		return nil
	}

	ap, err := applier.New(ctx, database, s.cfg, s.target, s.tr, s.logger)
	if err != nil {
		return err
	}
	task.ap = ap
	if ap.State() == applier.StateInitializing {
		if err := ap.BeginStaging(ctx); err != nil {
			return fmt.Errorf("begin staging for %s: %w", database, err)
		}
		if !s.cfg.IgnoreDeletes {
			go s.watchForCatchUp(ctx, task)
		}
	} else if ap.State() == applier.StateStaging {
		go s.watchForCatchUp(ctx, task)
	}
	return nil
}

// watchForCatchUp polls task's lag against the ingest checkpoint and
// performs the SWAPPING transition once the applier has drained its
// backlog (spec.md §4.4 step 4: "the applier begins tailing from C0 ...
// and then performs the SWAPPING transition").
func (s *Supervisor) watchForCatchUp(ctx context.Context, task *applierTask) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if task.ap.State() != applier.StateStaging {
			return
		}
		ingestCP, ok, err := spool.ReadIngestCheckpoint(s.cfg.DataDir, task.database)
		if err != nil || !ok {
			continue
		}
		if !task.ap.Checkpoint().Less(ingestCP.Coordinate) {
			if err := task.ap.Swap(ctx); err != nil {
				s.logger.Errorf("swap failed for %s: %v", task.database, err)
			}
			return
		}
	}
}

// runApplierWithRestart runs task's applier until ctx is canceled,
// restarting it with backoff on abnormal exit and on the configured
// age-based interval (spec.md §4.5).
func (s *Supervisor) runApplierWithRestart(ctx context.Context, task *applierTask) {
	for {
		if ctx.Err() != nil {
			task.setState(TaskStopped)
			return
		}
		if task.isPaused() {
			task.setState(TaskPaused)
			time.Sleep(200 * time.Millisecond)
			continue
		}

		task.setState(TaskRunning)
		task.startedAt = time.Now()
		runCtx, cancel := context.WithCancel(ctx)
		task.setRunCancel(cancel)
		ageTimer := time.AfterFunc(s.cfg.AutoRestartInterval, cancel)

		err := task.ap.Run(runCtx)
		ageTimer.Stop()
		cancel()
		task.setRunCancel(nil)

		if ctx.Err() != nil {
			task.setState(TaskStopped)
			return
		}
		if err == nil || runCtx.Err() != nil {
			// Either a clean stop (shouldn't happen from applier.Run) or
			// the age-based restart timer fired; restart cleanly without
			// counting it as a failure.
			task.failures = 0
			task.setState(TaskRestarting)
			continue
		}

		task.failures++
		s.logger.Warnf("applier for %s exited: %v (attempt %d)", task.database, err, task.failures)
		task.setState(TaskRestarting)
		backoff(task.failures, s.maxBackoff)
	}
}

func (s *Supervisor) runIngestorLoop(ctx context.Context) {
	it := s.ingestorTask()
	failures := 0
	for {
		if ctx.Err() != nil {
			it.setState(TaskStopped)
			return
		}
		it.setState(TaskRunning)

		resume := s.ingestResumePosition(ctx)
		err := it.in.Run(ctx, resume)
		if ctx.Err() != nil {
			it.setState(TaskStopped)
			return
		}
		failures++
		s.logger.Warnf("ingestor exited: %v (attempt %d)", err, failures)
		it.setState(TaskRestarting)
		backoff(failures, s.maxBackoff)
	}
}

// ingestResumePosition reads the last persisted ingest checkpoint across
// every tracked database's spool (they share one upstream binlog
// position) or captures the current source position on a cold start.
func (s *Supervisor) ingestResumePosition(ctx context.Context) binlogevent.SourcePosition {
	s.mu.Lock()
	databases := make([]string, 0, len(s.appliers))
	for db := range s.appliers {
		databases = append(databases, db)
	}
	s.mu.Unlock()

	var best *spool.IngestCheckpoint
	for _, db := range databases {
		cp, ok, err := spool.ReadIngestCheckpoint(s.cfg.DataDir, db)
		if err != nil || !ok {
			continue
		}
		if best == nil || best.Coordinate.Less(cp.Coordinate) {
			c := cp
			best = &c
		}
	}
	if best != nil {
		return best.Source
	}
	pos, err := ingest.CapturePosition(ctx, s.source)
	if err != nil {
		s.logger.Warnf("capture initial ingest position failed: %v", err)
		return binlogevent.SourcePosition{}
	}
	return pos
}

func (s *Supervisor) ingestorTask() *ingestorTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ingestor
}

// backoff sleeps a randomized, attempt-scaled interval before retrying,
// the same idiom as pkg/dbconn and pkg/chclient's own backoff(i int),
// generalized with an upper cap since a supervised task may fail
// indefinitely (unlike a single bounded retry loop).
func backoff(attempt int, cap time.Duration) {
	d := time.Duration(attempt) * time.Duration(rand.Intn(500)) * time.Millisecond
	if d > cap {
		d = cap
	}
	time.Sleep(d)
}

var _ health.Controller = (*Supervisor)(nil)
