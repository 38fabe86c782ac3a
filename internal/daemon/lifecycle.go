package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/alfredjean/ojd/internal/core/coordination"
	"github.com/alfredjean/ojd/internal/core/pipeline"
	"github.com/alfredjean/ojd/internal/core/queue"
	"github.com/alfredjean/ojd/internal/core/scheduling"
	"github.com/alfredjean/ojd/internal/core/session"
	"github.com/alfredjean/ojd/internal/httpapi"
	"github.com/alfredjean/ojd/internal/runtime"
	"github.com/alfredjean/ojd/internal/storage/wal"
	"github.com/alfredjean/ojd/pkg/logger"
)

const versionMarker = "1"

// Daemon owns one project's entire running state: the WAL store, the
// runtime engine, the IPC socket listener, and the maintenance scheduler.
// One Daemon exists per project per machine, enforced by the advisory
// lock acquired in Start.
type Daemon struct {
	cfg Config
	log *logger.Logger

	lockFile *os.File
	store    *wal.Store
	timers   *runtime.TimerWheel
	engine   *runtime.Engine
	guards   map[string]coordination.Guard

	listener  net.Listener
	startedAt time.Time
	cron      *cron.Cron
	debug     *http.Server

	shutdownCh chan struct{}
}

// Start runs the full lifecycle in SPEC_FULL.md §4.10's order: fail fast,
// no partially-initialized listener left behind on error.
func Start(cfg Config, rb Runbook, sessions runtime.SessionAdapter, worktrees runtime.WorktreeAdapter, fetchHTTP func(string) ([]byte, error), resources runtime.ResourceLister) (*Daemon, error) {
	d := &Daemon{cfg: cfg, shutdownCh: make(chan struct{})}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create state dir: %w", err)
	}

	lock, err := acquireLock(cfg.PIDFile)
	if err != nil {
		return nil, fmt.Errorf("daemon: acquire lock (is ojd already running for this project?): %w", err)
	}
	d.lockFile = lock

	if err := d.setup(cfg, rb, sessions, worktrees, fetchHTTP, resources); err != nil {
		d.cleanupOnFailure()
		return nil, err
	}

	d.log.WithField("pid", os.Getpid()).Info("--- ojd: starting (pid: " + strconv.Itoa(os.Getpid()) + ") ---")
	return d, nil
}

func (d *Daemon) setup(cfg Config, rb Runbook, sessions runtime.SessionAdapter, worktrees runtime.WorktreeAdapter, fetchHTTP func(string) ([]byte, error), resources runtime.ResourceLister) error {
	for _, dir := range []string{cfg.WALDir, cfg.SnapshotDir, cfg.WorkspacesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("daemon: create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(cfg.VersionFile, []byte(versionMarker), 0o644); err != nil {
		return fmt.Errorf("daemon: write version file: %w", err)
	}

	log := logger.New(logger.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stdout"})
	if f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		log.SetOutput(f)
	}
	d.log = log

	store, err := wal.Open(cfg.WALDir, wal.DefaultConfig(cfg.ProjectHash), log)
	if err != nil {
		return fmt.Errorf("daemon: open wal store: %w", err)
	}
	d.store = store

	st := store.State()
	log.WithFields(map[string]interface{}{
		"pipelines": len(st.Pipelines), "sessions": len(st.Sessions), "workspaces": len(st.Workspaces),
	}).Info("daemon: replayed state")

	seedRunbook(st.Scheduling, rb)
	seedQueues(store, rb)
	d.guards = seedGuards(rb)
	d.reconcile(st)

	timers := runtime.NewTimerWheel(nil)
	exec := runtime.NewExecutor(sessions, worktrees, timers, store, log)
	fetcher := runtime.NewSourceFetcher(fetchHTTP)
	d.engine = runtime.NewEngine(store, exec, timers, fetcher, resources, runtime.NewGojaEvaluator(), log)
	if cfg.RedisAddr != "" {
		d.engine.GuardCache = runtime.NewGuardInputCache(cfg.RedisAddr, 30*time.Second, log)
	}
	d.timers = timers

	if err := d.bindSocket(); err != nil {
		return err
	}

	d.cron = cron.New()
	if _, err := d.cron.AddFunc("@every 30s", d.reclaimStale); err != nil {
		return fmt.Errorf("daemon: schedule reclaim-stale: %w", err)
	}
	if _, err := d.cron.AddFunc("@every 10s", d.recheckBlockedGuards); err != nil {
		return fmt.Errorf("daemon: schedule guard recheck: %w", err)
	}
	if _, err := d.cron.AddFunc("@every 1m", d.maybeSnapshot); err != nil {
		return fmt.Errorf("daemon: schedule snapshot: %w", err)
	}
	if _, err := d.cron.AddFunc("@every 5m", d.maybeCompact); err != nil {
		return fmt.Errorf("daemon: schedule compaction: %w", err)
	}
	d.cron.Start()

	if cfg.DebugAddr != "" {
		d.debug = httpapi.NewServer(cfg.DebugAddr, store, log)
		go func() {
			if err := d.debug.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithField("error", err.Error()).Error("daemon: debug http server stopped")
			}
		}()
	}

	return nil
}

// reconcile cross-checks every non-terminal session's recorded PID against
// the local process table (gopsutil, not the adapter, since the adapter
// might be unavailable this early in startup) and synthesizes a
// SessionDead transition for anything that didn't survive the crash that
// preceded this restart.
func (d *Daemon) reconcile(st *wal.MaterializedState) {
	ctx := context.Background()
	for id, s := range st.Sessions {
		if s.State == session.StateDead || s.PID == 0 {
			continue
		}
		alive, err := process.PidExists(int32(s.PID))
		if err != nil || !alive {
			if applyErr := d.applySessionDeadDuringReconcile(ctx, id); applyErr != nil {
				d.log.WithFields(map[string]interface{}{"session": id, "error": applyErr.Error()}).Warn("daemon: reconcile session failed")
			}
		}
	}
}

func (d *Daemon) applySessionDeadDuringReconcile(ctx context.Context, id string) error {
	return d.engine.ApplySession(ctx, id, session.Event{Kind: session.EventTmuxExited})
}

func seedRunbook(mgr *scheduling.Manager, rb Runbook) {
	for _, c := range rb.Crons {
		cr := scheduling.NewCron(c.ID, c.Name, c.Interval, c.ActionID).WithLinks(c.WatcherIDs, c.ScannerIDs)
		if !c.Enabled {
			cr.State = scheduling.CronDisabled
		}
		mgr.Crons[c.ID] = cr
	}
	for _, a := range rb.Actions {
		mgr.Actions[a.ID] = scheduling.NewAction(a.ID, a.Name, a.Cooldown)
	}
	for _, w := range rb.Watchers {
		src := scheduling.Source{Kind: scheduling.SourceKind(w.SourceKind), Ref: w.SourceRef}
		cond := scheduling.Condition{Kind: scheduling.ConditionKind(w.ConditionKind), Value: w.ConditionVal}
		mgr.Watchers[w.ID] = scheduling.NewWatcher(w.ID, w.Name, w.Interval, src, cond, w.ResponseChain)
	}
	for _, s := range rb.Scanners {
		src := scheduling.Source{Kind: scheduling.SourceKind(s.SourceKind), Ref: s.SourceRef}
		cond := scheduling.Condition{Kind: scheduling.ConditionKind(s.ConditionKind), Value: s.ConditionVal}
		mgr.Scanners[s.ID] = scheduling.NewScanner(s.ID, s.Name, s.Interval, src, cond, s.CleanupActionID)
	}
}

// seedGuards builds the in-memory guard registry a recheckBlockedGuards
// tick looks up BlockedGuardID against. Guards have no durable state of
// their own (they're pure predicates over coordination state plus whatever
// Inputs the recheck gathers), so unlike Crons/Actions/Watchers/Scanners
// they live only on the Daemon, never in the WAL.
func seedGuards(rb Runbook) map[string]coordination.Guard {
	guards := make(map[string]coordination.Guard, len(rb.Guards))
	for _, g := range rb.Guards {
		guards[g.ID] = toGuard(g)
	}
	return guards
}

func toGuard(d GuardDef) coordination.Guard {
	children := make([]coordination.Guard, len(d.Children))
	for i, c := range d.Children {
		children[i] = toGuard(c)
	}
	return coordination.Guard{
		ID:       d.ID,
		Kind:     coordination.GuardKind(d.Kind),
		Children: children,
		LockName: d.LockName,
		Command:  d.Command,
	}
}

func seedQueues(store *wal.Store, rb Runbook) {
	st := store.State()
	for _, q := range rb.Queues {
		if _, exists := st.Queues[q.Name]; exists {
			continue
		}
		next := queue.New(q.Name, q.MaxAttempts, q.DefaultTTL)
		_ = store.QueueTick(next, true)
	}
}

// reclaimStale sweeps locks/semaphores past their heartbeat deadline, the
// maintenance-scheduler analogue of the per-entity timer-driven timeouts
// everything else uses.
func (d *Daemon) reclaimStale() {
	now := time.Now()
	coord := d.store.State().Coordination
	holderBefore := map[string]string{}
	for name, l := range coord.Locks {
		holderBefore[name] = l.Holder
	}
	locks, sems := coord.ReclaimStale(now)
	for _, name := range locks {
		if err := d.store.LockRelease(name, holderBefore[name]); err != nil {
			d.log.WithField("error", err.Error()).Warn("daemon: persist reclaimed lock failed")
		}
	}
	for name, holders := range sems {
		for _, holder := range holders {
			if err := d.store.SemaphoreRelease(name, holder); err != nil {
				d.log.WithField("error", err.Error()).Warn("daemon: persist reclaimed semaphore failed")
			}
		}
	}
}

// recheckBlockedGuards is the runbook-Guard analogue of reclaimStale: every
// pipeline sitting in PhaseBlocked is re-evaluated against the guard it
// named when it blocked, and unblocked the moment that guard passes.
// Pipelines whose BlockedGuardID doesn't resolve to a known guard (a
// runbook that changed out from under a running daemon) are left blocked
// rather than guessed at.
func (d *Daemon) recheckBlockedGuards() {
	ctx := context.Background()
	for id, p := range d.store.State().Pipelines {
		if p.Phase != pipeline.PhaseBlocked || p.BlockedGuardID == "" {
			continue
		}
		g, ok := d.guards[p.BlockedGuardID]
		if !ok {
			continue
		}
		passed, err := d.engine.CheckBlockedGuard(ctx, p, g)
		if err != nil {
			d.log.WithFields(map[string]interface{}{"pipeline": id, "guard": g.ID, "error": err.Error()}).Warn("daemon: guard recheck failed")
			continue
		}
		if !passed {
			continue
		}
		if err := d.engine.ApplyPipeline(ctx, id, pipeline.Event{Kind: pipeline.EventUnblock}); err != nil {
			d.log.WithFields(map[string]interface{}{"pipeline": id, "error": err.Error()}).Warn("daemon: unblock after guard pass failed")
		}
	}
}

func (d *Daemon) maybeSnapshot() {
	if _, err := d.store.CreateSnapshot(); err != nil {
		d.log.WithField("error", err.Error()).Warn("daemon: snapshot failed")
	}
}

func (d *Daemon) maybeCompact() {
	if !d.store.ShouldCompact() {
		return
	}
	if err := d.store.Compact(); err != nil {
		d.log.WithField("error", err.Error()).Warn("daemon: compaction failed")
	}
}

// Shutdown stops accepting connections and releases every resource this
// Daemon acquired, in reverse order of acquisition.
func (d *Daemon) Shutdown(ctx context.Context) error {
	close(d.shutdownCh)
	if d.debug != nil {
		_ = d.debug.Shutdown(ctx)
	}
	if d.cron != nil {
		d.cron.Stop()
	}
	if d.timers != nil {
		d.timers.StopAll()
	}
	if d.listener != nil {
		_ = d.listener.Close()
		_ = os.Remove(d.cfg.SocketPath)
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	_ = os.Remove(d.cfg.PIDFile)
	_ = os.Remove(d.cfg.VersionFile)
	if d.lockFile != nil {
		_ = syscall.Flock(int(d.lockFile.Fd()), syscall.LOCK_UN)
		_ = d.lockFile.Close()
	}
	return nil
}

// cleanupOnFailure is the best-effort rollback when setup fails after the
// lock is already held: remove anything this attempt created so the next
// launch starts clean, mirroring original_source's cleanup_on_failure.
func (d *Daemon) cleanupOnFailure() {
	if d.listener != nil {
		_ = d.listener.Close()
	}
	_ = os.Remove(d.cfg.SocketPath)
	_ = os.Remove(d.cfg.VersionFile)
	_ = os.Remove(d.cfg.PIDFile)
	if d.lockFile != nil {
		_ = syscall.Flock(int(d.lockFile.Fd()), syscall.LOCK_UN)
		_ = d.lockFile.Close()
	}
}

// acquireLock takes an exclusive, non-blocking advisory lock on path,
// writing the current PID into it on success. flock is stdlib (syscall)
// rather than a third-party lock-file library: no pack example reaches for
// one, and a single syscall is simpler than a dependency for this.
func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock held by another process: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
