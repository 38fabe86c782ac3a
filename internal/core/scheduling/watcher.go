package scheduling

import (
	"time"

	"github.com/alfredjean/ojd/internal/core/event"
)

type WatcherState string

const (
	WatcherIdle      WatcherState = "idle"
	WatcherChecking  WatcherState = "checking"
	WatcherResponding WatcherState = "responding"
)

// SourceKind names where a Watcher (or Scanner) pulls its value from.
// The concrete fetch is the engine's job; this package only names it.
type SourceKind string

const (
	SourceHTTP        SourceKind = "http"
	SourceFile        SourceKind = "file"
	SourceShell       SourceKind = "shell"
	SourceCustomCommand SourceKind = "custom_command"
)

type Source struct {
	Kind SourceKind
	Ref  string // URL, path, or command depending on Kind
}

// Condition is what the watcher compares the fetched SourceValue against.
type ConditionKind string

const (
	ConditionEquals   ConditionKind = "equals"
	ConditionChanged  ConditionKind = "changed"
	ConditionMatches  ConditionKind = "matches" // regex/jsonpath against the value
)

type Condition struct {
	Kind  ConditionKind
	Value string
}

// ResponseChain is the ordered list of actions to trigger once a watcher's
// condition passes.
type Watcher struct {
	ID            string
	Name          string
	Interval      time.Duration
	Source        Source
	Condition     Condition
	ResponseChain []string // action ids, fired in order
	State         WatcherState
	LastValue     string
	responseIndex int
}

func NewWatcher(id, name string, interval time.Duration, source Source, cond Condition, responseChain []string) Watcher {
	return Watcher{ID: id, Name: name, Interval: interval, Source: source, Condition: cond, ResponseChain: responseChain, State: WatcherIdle}
}

func TimerIDForWatcherCheck(id string) string    { return "watcher:" + id + ":check" }
func TimerIDForWatcherResponse(id string) string { return "watcher:" + id + ":response" }

type WatcherEventKind string

const (
	WatcherEventCheckDue    WatcherEventKind = "check_due" // the :check timer fired
	WatcherEventValueFetched WatcherEventKind = "value_fetched"
	WatcherEventResponseTick WatcherEventKind = "response_tick"
)

// TransitionWatcherCheckDue arms the Checking state; the engine then
// fetches the SourceValue out-of-band and calls TransitionWatcherValue
// with the result (the two-phase pattern spec.md §4.5 and
// SchedulingManager.ProcessTimer both call out: evaluating a condition
// needs I/O this package must not perform).
func TransitionWatcherCheckDue(w Watcher, clk interface{ Now() time.Time }) (Watcher, []event.Effect) {
	if w.State != WatcherIdle {
		return w, nil
	}
	next := w
	next.State = WatcherChecking
	return next, nil
}

// TransitionWatcherValue is called by the engine once it has fetched the
// current SourceValue for a Checking watcher. matched is computed by the
// engine per the Condition (equals/changed/matches); this function only
// applies the resulting state change and, if matched, schedules the first
// action in the response chain; later actions are scheduled one at a time
// by TransitionWatcherResponseTick.
func TransitionWatcherValue(w Watcher, value string, matched bool, clk interface{ Now() time.Time }) (Watcher, []event.Effect) {
	now := clk.Now()
	next := w
	next.LastValue = value
	var effects []event.Effect

	if !matched {
		next.State = WatcherIdle
		effects = append(effects, event.SetTimer(TimerIDForWatcherCheck(w.ID), w.Interval))
		return next, effects
	}

	next.responseIndex = 0
	effects = append(effects, event.Emit(event.New(event.KindWatcherFired, w.ID, map[string]any{"value": value}, now)))
	if len(w.ResponseChain) == 0 {
		next.State = WatcherIdle
		effects = append(effects, event.SetTimer(TimerIDForWatcherCheck(w.ID), w.Interval))
		return next, effects
	}
	next.State = WatcherResponding
	effects = append(effects, event.NewEffect(event.EffectScheduleTask, map[string]any{"action_id": w.ResponseChain[0]}))
	return next, effects
}

// TransitionWatcherResponseTick advances the response chain by one step
// once the previous action in the chain has completed. When the chain is
// exhausted the watcher returns to Idle and re-arms its check timer.
func TransitionWatcherResponseTick(w Watcher, clk interface{ Now() time.Time }) (Watcher, []event.Effect) {
	if w.State != WatcherResponding {
		return w, nil
	}
	next := w
	var effects []event.Effect
	next.responseIndex++
	if next.responseIndex >= len(w.ResponseChain) {
		next.State = WatcherIdle
		effects = append(effects, event.SetTimer(TimerIDForWatcherCheck(w.ID), w.Interval))
		return next, effects
	}
	effects = append(effects, event.NewEffect(event.EffectScheduleTask, map[string]any{"action_id": w.ResponseChain[next.responseIndex]}))
	return next, effects
}

func (w Watcher) ResponseIndex() int { return w.responseIndex }

// WithResponseIndex restores responseIndex when reconstructing a Watcher
// from persisted state (WAL replay, snapshot load).
func (w Watcher) WithResponseIndex(i int) Watcher {
	w.responseIndex = i
	return w
}
