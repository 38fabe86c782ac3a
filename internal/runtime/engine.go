package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alfredjean/ojd/infrastructure/ojerrors"
	"github.com/alfredjean/ojd/internal/core/clock"
	"github.com/alfredjean/ojd/internal/core/coordination"
	"github.com/alfredjean/ojd/internal/core/pipeline"
	"github.com/alfredjean/ojd/internal/core/queue"
	"github.com/alfredjean/ojd/internal/core/scheduling"
	"github.com/alfredjean/ojd/internal/core/session"
	"github.com/alfredjean/ojd/internal/core/strategy"
	"github.com/alfredjean/ojd/internal/core/task"
	"github.com/alfredjean/ojd/internal/core/workspace"
	"github.com/alfredjean/ojd/internal/storage/wal"
	"github.com/alfredjean/ojd/pkg/logger"
)

// Engine is the single fan-in point the daemon calls into: every IPC
// request, adapter callback, and fired timer eventually becomes a call to
// one of Engine's Apply*/HandleTimer methods. It owns nothing pure itself
// — the pure Transition functions in internal/core/* do the actual state
// arithmetic — Engine's job is only to fetch the current entity, call the
// right Transition, persist the result to the WAL, and run the returned
// effects.
type Engine struct {
	Store     *wal.Store
	Executor  *Executor
	Timers    *TimerWheel
	Clock     clock.Clock
	Fetcher   *SourceFetcher
	Resources ResourceLister
	Evaluator coordination.Evaluator
	Log       *logger.Logger

	// GuardCache is nil unless the daemon was configured with a Redis
	// address; every caller treats a nil cache exactly like a cache miss.
	GuardCache *GuardInputCache
}

func NewEngine(store *wal.Store, exec *Executor, timers *TimerWheel, fetcher *SourceFetcher, resources ResourceLister, evaluator coordination.Evaluator, log *logger.Logger) *Engine {
	e := &Engine{
		Store: store, Executor: exec, Timers: timers,
		Clock: clock.System{}, Fetcher: fetcher, Resources: resources, Evaluator: evaluator, Log: log,
	}
	timers.onFire = e.HandleTimer
	return e
}

// --- Pipeline/Task/Workspace/Session/Queue/Strategy dispatch ---

func (e *Engine) ApplyPipeline(ctx context.Context, id string, ev pipeline.Event) error {
	p, ok := e.Store.State().Pipelines[id]
	if !ok {
		return ojerrors.NotFound("pipeline", id)
	}
	next, effects := pipeline.Transition(p, ev, e.Clock)
	if err := e.Store.SavePipeline(next); err != nil {
		return fmt.Errorf("runtime: persist pipeline %q: %w", id, err)
	}
	e.Executor.Run(ctx, effects)
	return nil
}

func (e *Engine) ApplyTask(ctx context.Context, id string, ev task.Event) error {
	t, ok := e.Store.State().Tasks[id]
	if !ok {
		return ojerrors.NotFound("task", id)
	}
	next, effects := task.Transition(t, ev, e.Clock)
	if err := e.Store.SaveTask(next); err != nil {
		return fmt.Errorf("runtime: persist task %q: %w", id, err)
	}
	e.Executor.Run(ctx, effects)
	return nil
}

func (e *Engine) ApplyWorkspace(ctx context.Context, id string, ev workspace.Event) error {
	w, ok := e.Store.State().Workspaces[id]
	if !ok {
		return ojerrors.NotFound("workspace", id)
	}
	next, effects := workspace.Transition(w, ev, e.Clock)
	if err := e.Store.SaveWorkspace(next); err != nil {
		return fmt.Errorf("runtime: persist workspace %q: %w", id, err)
	}
	e.Executor.Run(ctx, effects)
	return nil
}

func (e *Engine) ApplySession(ctx context.Context, id string, ev session.Event) error {
	s, ok := e.Store.State().Sessions[id]
	if !ok {
		return ojerrors.NotFound("session", id)
	}
	next, effects := session.Transition(s, ev, e.Clock)
	if err := e.Store.SaveSession(next); err != nil {
		return fmt.Errorf("runtime: persist session %q: %w", id, err)
	}
	e.Executor.Run(ctx, effects)
	return nil
}

func (e *Engine) ApplyQueue(ctx context.Context, name string, ev queue.Event) error {
	q, ok := e.Store.State().Queues[name]
	if !ok {
		return ojerrors.NotFound("queue", name)
	}
	next, effects := queue.Transition(q, ev, e.Clock)
	if err := e.Store.QueueTick(next, true); err != nil {
		return fmt.Errorf("runtime: persist queue %q: %w", name, err)
	}
	e.Executor.Run(ctx, effects)
	return nil
}

func (e *Engine) ApplyStrategy(ctx context.Context, id string, ev strategy.Event) error {
	s, ok := e.Store.State().Strategies[id]
	if !ok {
		return ojerrors.NotFound("strategy", id)
	}
	next, effects := strategy.Transition(s, ev, e.Clock)
	if err := e.Store.SaveStrategy(next); err != nil {
		return fmt.Errorf("runtime: persist strategy %q: %w", id, err)
	}
	e.Executor.Run(ctx, effects)
	return nil
}

// --- Guard evaluation ---

// EvaluateGuard checks a pipeline's block guard against the current
// coordination state, using the Engine's Evaluator for any CustomCommand
// leaves.
func (e *Engine) EvaluateGuard(g coordination.Guard, in coordination.Inputs) (bool, error) {
	return coordination.Evaluate(g, e.Store.State().Coordination, e.Evaluator, in)
}

// CheckBlockedGuard is what the maintenance scheduler calls for every
// blocked pipeline on each recheck tick. The Inputs a guard is evaluated
// against are derived from the pipeline's own Inputs/Outputs; since those
// rarely change between ticks while a pipeline sits blocked, the derived
// map is cached (optionally, behind Redis) so a busy runbook with many
// blocked pipelines doesn't redo the merge on every tick.
func (e *Engine) CheckBlockedGuard(ctx context.Context, p pipeline.Pipeline, g coordination.Guard) (bool, error) {
	in := e.gatherGuardInputs(ctx, p)
	return e.EvaluateGuard(g, in)
}

func (e *Engine) gatherGuardInputs(ctx context.Context, p pipeline.Pipeline) coordination.Inputs {
	if cached, ok := e.GuardCache.Get(ctx, p.ID); ok {
		return cached
	}
	in := coordination.Inputs{}
	for k, v := range p.Inputs {
		in[k] = v
	}
	for k, v := range p.Outputs {
		in[k] = v
	}
	e.GuardCache.Set(ctx, p.ID, in)
	return in
}

// --- Timers ---

// HandleTimer is the TimerWheel callback: every fired "<kind>:<id>[:phase]"
// timer id lands here. Action timers resolve entirely inside
// scheduling.Manager; cron timers are left alone there and run through
// handleCronDue here; Watcher/Scanner "due" timers only flip the primitive
// to its Checking/Scanning phase there, and this method performs the I/O
// half (fetching a value, listing candidate resources) before feeding the
// result back through the second pure transition.
func (e *Engine) HandleTimer(timerID string) {
	ctx := context.Background()
	mgr := e.Store.State().Scheduling

	effects := mgr.ProcessTimer(timerID, e.Clock)
	kind, id, phase := splitTimerID(timerID)
	e.persistScheduling(kind, id)
	e.Executor.Run(ctx, effects)

	switch {
	case kind == "cron":
		e.handleCronDue(ctx, id)
	case kind == "watcher" && phase == "check":
		e.handleWatcherCheck(ctx, id)
	case kind == "scanner":
		e.handleScannerDue(ctx, id)
	}
}

// handleCronDue runs both phases of a cron's tick: PlanCronTick flips the
// cron Enabled -> Running and names what the cron's linked watchers and
// scanners still need fetched; this method performs those fetches (reusing
// the same Fetcher/Resources adapters Watcher/Scanner checks use, and
// folding each result into that watcher's/scanner's own transition too) and
// then reports the tick complete or failed via CompleteCronTick.
func (e *Engine) handleCronDue(ctx context.Context, id string) {
	mgr := e.Store.State().Scheduling
	effects, batch := mgr.PlanCronTick(id, e.Clock)
	e.persistScheduling("cron", id)
	e.Executor.Run(ctx, effects)
	if len(batch.Requests) == 0 {
		if c, ok := mgr.Crons[id]; !ok || c.State != scheduling.CronRunning {
			return
		}
		e.completeCronTick(ctx, id, nil)
		return
	}

	results := make([]scheduling.FetchResult, 0, len(batch.Requests))
	for _, req := range batch.Requests {
		switch {
		case req.WatcherSource != nil:
			value, err := e.Fetcher.Fetch(*req.WatcherSource)
			if err != nil {
				e.Log.WithFields(map[string]interface{}{"cron": id, "watcher": req.WatcherID, "error": err.Error()}).Warn("runtime: cron-linked watcher fetch failed")
				results = append(results, scheduling.FetchResult{WatcherID: req.WatcherID, Ok: false})
				continue
			}
			results = append(results, scheduling.FetchResult{WatcherID: req.WatcherID, WatcherValue: value, Ok: true})
			if w, ok := mgr.Watchers[req.WatcherID]; ok {
				if matched, merr := MatchCondition(w.Condition, w.LastValue, value); merr == nil {
					wEffects := mgr.CheckWatcher(req.WatcherID, value, matched, e.Clock)
					e.persistScheduling("watcher", req.WatcherID)
					e.Executor.Run(ctx, wEffects)
				}
			}

		case req.ScannerResources:
			sc, ok := mgr.Scanners[req.ScannerID]
			if !ok {
				results = append(results, scheduling.FetchResult{ScannerID: req.ScannerID, Ok: false})
				continue
			}
			resources, err := e.Resources(sc.Source)
			if err != nil {
				e.Log.WithFields(map[string]interface{}{"cron": id, "scanner": req.ScannerID, "error": err.Error()}).Warn("runtime: cron-linked scanner listing failed")
				results = append(results, scheduling.FetchResult{ScannerID: req.ScannerID, Ok: false})
				continue
			}
			matched, err := MatchResources(sc.Condition, resources)
			if err != nil {
				results = append(results, scheduling.FetchResult{ScannerID: req.ScannerID, Ok: false})
				continue
			}
			results = append(results, scheduling.FetchResult{ScannerID: req.ScannerID, ScannerResources: matched, Ok: true})
			sEffects := mgr.ScanResults(req.ScannerID, matched, e.Clock)
			e.persistScheduling("scanner", req.ScannerID)
			e.Executor.Run(ctx, sEffects)
		}
	}
	e.completeCronTick(ctx, id, results)
}

func (e *Engine) completeCronTick(ctx context.Context, id string, results []scheduling.FetchResult) {
	mgr := e.Store.State().Scheduling
	effects := mgr.CompleteCronTick(id, results, e.Clock)
	e.persistScheduling("cron", id)
	e.Executor.Run(ctx, effects)
}

func (e *Engine) handleWatcherCheck(ctx context.Context, id string) {
	mgr := e.Store.State().Scheduling
	w, ok := mgr.Watchers[id]
	if !ok {
		return
	}
	value, err := e.Fetcher.Fetch(w.Source)
	if err != nil {
		e.Log.WithFields(map[string]interface{}{"watcher": id, "error": err.Error()}).Warn("runtime: watcher source fetch failed")
		return
	}
	matched, err := MatchCondition(w.Condition, w.LastValue, value)
	if err != nil {
		e.Log.WithFields(map[string]interface{}{"watcher": id, "error": err.Error()}).Warn("runtime: watcher condition evaluation failed")
		return
	}
	effects := mgr.CheckWatcher(id, value, matched, e.Clock)
	e.persistScheduling("watcher", id)
	e.Executor.Run(ctx, effects)
}

func (e *Engine) handleScannerDue(ctx context.Context, id string) {
	mgr := e.Store.State().Scheduling
	sc, ok := mgr.Scanners[id]
	if !ok {
		return
	}
	resources, err := e.Resources(sc.Source)
	if err != nil {
		e.Log.WithFields(map[string]interface{}{"scanner": id, "error": err.Error()}).Warn("runtime: scanner resource listing failed")
		return
	}
	matched, err := MatchResources(sc.Condition, resources)
	if err != nil {
		e.Log.WithFields(map[string]interface{}{"scanner": id, "error": err.Error()}).Warn("runtime: scanner condition evaluation failed")
		return
	}
	effects := mgr.ScanResults(id, matched, e.Clock)
	e.persistScheduling("scanner", id)
	e.Executor.Run(ctx, effects)
}

// WatcherResponseDone is called by the daemon once the action chained off
// a matched watcher finishes, advancing the watcher's response chain.
func (e *Engine) WatcherResponseDone(ctx context.Context, id string) {
	mgr := e.Store.State().Scheduling
	effects := mgr.WatcherResponseDone(id, e.Clock)
	e.persistScheduling("watcher", id)
	e.Executor.Run(ctx, effects)
}

// ScannerCleanupDone is called once a scanner's per-resource cleanup
// action chain finishes a step.
func (e *Engine) ScannerCleanupDone(ctx context.Context, id string) {
	mgr := e.Store.State().Scheduling
	effects := mgr.ScannerCleanupDone(id, e.Clock)
	e.persistScheduling("scanner", id)
	e.Executor.Run(ctx, effects)
}

// TriggerAction runs the named action's own transition directly, used by
// the daemon for manually-triggered runbook actions as well as Cron/Watcher/
// Scanner response chains.
func (e *Engine) TriggerAction(ctx context.Context, id string) {
	mgr := e.Store.State().Scheduling
	effects := mgr.TriggerAction(id, e.Clock)
	e.persistScheduling("action", id)
	e.Executor.Run(ctx, effects)
}

// persistScheduling writes the current in-memory state of the named
// scheduling primitive back to the WAL. scheduling.Manager mutates its maps
// directly rather than returning a new Manager, so this call is how that
// mutation becomes durable; reapplying the same resulting fields through
// the matching Store.*Transition method is idempotent against the
// in-memory copy and only adds one entry to the log.
func (e *Engine) persistScheduling(kind, id string) {
	mgr := e.Store.State().Scheduling
	var err error
	switch kind {
	case "cron":
		if c, ok := mgr.Crons[id]; ok {
			err = e.Store.CronTransition(id, string(c.State), c.RunCount)
		}
	case "action":
		if a, ok := mgr.Actions[id]; ok {
			err = e.Store.ActionTransition(id, string(a.State))
		}
	case "watcher":
		if w, ok := mgr.Watchers[id]; ok {
			lastValue := w.LastValue
			responseIndex := w.ResponseIndex()
			err = e.Store.WatcherTransition(id, string(w.State), &lastValue, &responseIndex)
		}
	case "scanner":
		if sc, ok := mgr.Scanners[id]; ok {
			pendingJSON := marshalStrings(sc.PendingIDs())
			cleanupIndex := sc.CleanupIndex()
			err = e.Store.ScannerTransition(id, string(sc.State), &pendingJSON, &cleanupIndex)
		}
	}
	if err != nil {
		e.Log.WithFields(map[string]interface{}{"kind": kind, "id": id, "error": err.Error()}).Error("runtime: persist scheduling transition failed")
	}
}

func splitTimerID(timerID string) (kind, id, phase string) {
	parts := splitColon(timerID)
	switch len(parts) {
	case 2:
		return parts[0], parts[1], ""
	case 3:
		return parts[0], parts[1], parts[2]
	default:
		return "", "", ""
	}
}

func splitColon(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func marshalStrings(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(b)
}
