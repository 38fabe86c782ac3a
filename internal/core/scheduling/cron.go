// Package scheduling implements the four scheduling primitives a runbook
// can declare — Cron, Action, Watcher, Scanner — each as its own pure
// transition(event, clock) -> (entity, []Effect) function, plus the
// SchedulingManager that fans timer fires out to the right one.
package scheduling

import (
	"time"

	"github.com/alfredjean/ojd/internal/core/event"
)

type CronState string

const (
	CronEnabled  CronState = "enabled"
	CronRunning  CronState = "running"
	CronDisabled CronState = "disabled"
)

// Cron fires on a fixed interval while Enabled, invoking a named action
// directly and/or fanning a tick out to its linked watchers and scanners.
// A fired Cron moves to Running and stays there — emitting no further
// ticks of its own — until the engine reports back with Complete or Fail.
// Complete increments RunCount; both Complete and Fail re-arm the next timer.
type Cron struct {
	ID         string
	Name       string
	Interval   time.Duration
	ActionID   string
	WatcherIDs []string
	ScannerIDs []string
	State      CronState
	LastFire   time.Time
	RunCount   int
}

func NewCron(id, name string, interval time.Duration, actionID string) Cron {
	return Cron{ID: id, Name: name, Interval: interval, ActionID: actionID, State: CronEnabled}
}

// WithLinks attaches the watchers and scanners a tick of this cron should
// also fetch results for, set once at runbook load time.
func (c Cron) WithLinks(watcherIDs, scannerIDs []string) Cron {
	c.WatcherIDs = watcherIDs
	c.ScannerIDs = scannerIDs
	return c
}

type CronEventKind string

const (
	CronEventTick     CronEventKind = "tick"
	CronEventComplete CronEventKind = "complete"
	CronEventFail     CronEventKind = "fail"
	CronEventEnable   CronEventKind = "enable"
	CronEventDisable  CronEventKind = "disable"
)

func TimerIDForCron(id string) string { return "cron:" + id }

// TransitionCron handles Tick/Complete/Fail/Enable/Disable. Enabling or
// re-enabling arms the next timer; the engine is responsible for actually
// setting it from the returned SetTimer effect.
//
// Tick only moves Enabled -> Running and emits CronTriggered: it does not
// re-arm the timer itself, matching spec.md §4.5's requirement that a
// cron's run count and next fire both wait for an explicit completion
// signal rather than the tick that started the run.
func TransitionCron(c Cron, kind CronEventKind, clk interface{ Now() time.Time }) (Cron, []event.Effect) {
	now := clk.Now()
	next := c
	var effects []event.Effect

	switch kind {
	case CronEventTick:
		if c.State != CronEnabled {
			return c, nil
		}
		next.State = CronRunning
		next.LastFire = now
		effects = append(effects, event.Emit(event.New(event.KindCronFired, c.ID, map[string]any{"action_id": c.ActionID, "watcher_ids": c.WatcherIDs, "scanner_ids": c.ScannerIDs}, now)))
		if c.ActionID != "" {
			effects = append(effects, event.NewEffect(event.EffectScheduleTask, map[string]any{"action_id": c.ActionID}))
		}

	case CronEventComplete:
		if c.State != CronRunning {
			return c, nil
		}
		next.State = CronEnabled
		next.RunCount++
		effects = append(effects, event.Emit(event.New(event.KindCronCompleted, c.ID, map[string]any{"run_count": next.RunCount}, now)))
		effects = append(effects, event.SetTimer(TimerIDForCron(c.ID), c.Interval))

	case CronEventFail:
		if c.State != CronRunning {
			return c, nil
		}
		next.State = CronEnabled
		effects = append(effects, event.Emit(event.New(event.KindCronFailed, c.ID, nil, now)))
		effects = append(effects, event.SetTimer(TimerIDForCron(c.ID), c.Interval))

	case CronEventEnable:
		if c.State == CronEnabled {
			return c, nil
		}
		next.State = CronEnabled
		effects = append(effects, event.SetTimer(TimerIDForCron(c.ID), c.Interval))

	case CronEventDisable:
		if c.State == CronDisabled {
			return c, nil
		}
		next.State = CronDisabled
		effects = append(effects, event.CancelTimer(TimerIDForCron(c.ID)))
	}

	return next, effects
}

// FetchRequest names one piece of data the engine must gather out-of-band
// before a cron tick can be reported as complete: the current value of one
// of the cron's linked watchers' sources, or the current match set of one
// of its linked scanners. Planning a tick only produces these requests;
// actually performing the fetch is the engine's job, same division of
// labor as Watcher/Scanner's own Checking/Scanning phases.
type FetchRequest struct {
	WatcherSource  *Source // set when this request is "fetch this watcher's source value"
	WatcherID      string
	ScannerResources bool // set when this request is "enumerate this scanner's resources"
	ScannerID      string
}

// FetchBatch is the full set of FetchRequests a single PlanCronTick
// produced, keyed by the primitive id each request is for.
type FetchBatch struct {
	CronID   string
	Requests []FetchRequest
}

// PlanCronTick is the first phase of firing a cron that has linked
// watchers or scanners: it transitions the Cron exactly like
// TransitionCron(..., CronEventTick, ...), but additionally returns the
// FetchBatch the engine must resolve (by reading each linked watcher's
// source and each linked scanner's resource list) before it can call
// ExecuteCronTickWithResults.
func PlanCronTick(c Cron, watchers map[string]Watcher, scanners map[string]Scanner, clk interface{ Now() time.Time }) (Cron, []event.Effect, FetchBatch) {
	next, effects := TransitionCron(c, CronEventTick, clk)
	if next.State != CronRunning {
		return next, effects, FetchBatch{CronID: c.ID}
	}

	batch := FetchBatch{CronID: c.ID}
	for _, wid := range c.WatcherIDs {
		w, ok := watchers[wid]
		if !ok {
			continue
		}
		src := w.Source
		batch.Requests = append(batch.Requests, FetchRequest{WatcherSource: &src, WatcherID: wid})
	}
	for _, sid := range c.ScannerIDs {
		if _, ok := scanners[sid]; !ok {
			continue
		}
		batch.Requests = append(batch.Requests, FetchRequest{ScannerResources: true, ScannerID: sid})
	}
	return next, effects, batch
}

// FetchResult is the engine's answer to one FetchRequest: either the fetched
// watcher value, or the scanner's enumerated resource ids. Ok is false if
// the fetch itself failed (source unreachable, command errored), which
// ExecuteCronTickWithResults treats as cause to fail the whole tick.
type FetchResult struct {
	WatcherID       string
	WatcherValue    string
	ScannerID       string
	ScannerResources []string
	Ok              bool
}

// ExecuteCronTickWithResults is the second phase: given the FetchResults
// the engine gathered for a previously-planned tick, it reports the tick
// as Complete (every fetch Ok) or Fail (any fetch failed) and returns the
// resulting Cron alongside the Complete/Fail effects. Routing each result
// into TransitionWatcherValue / TransitionScannerResults for the linked
// watchers/scanners themselves is left to the caller.
func ExecuteCronTickWithResults(c Cron, results []FetchResult, clk interface{ Now() time.Time }) (Cron, []event.Effect) {
	ok := true
	for _, r := range results {
		if !r.Ok {
			ok = false
			break
		}
	}
	if ok {
		return TransitionCron(c, CronEventComplete, clk)
	}
	return TransitionCron(c, CronEventFail, clk)
}
