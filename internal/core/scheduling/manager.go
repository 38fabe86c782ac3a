package scheduling

import (
	"strings"
	"time"

	"github.com/alfredjean/ojd/internal/core/event"
)

// clock matches the interface{ Now() time.Time } shape every TransitionX
// function expects; any clock.Clock implementation satisfies it
// structurally without this package importing the clock package.
type clock = interface{ Now() time.Time }

// Manager owns every Cron, Action, Watcher, and Scanner the current
// runbook declares, and is the single fan-in point the runtime calls when
// a scheduling-owned timer fires.
type Manager struct {
	Crons    map[string]Cron
	Actions  map[string]Action
	Watchers map[string]Watcher
	Scanners map[string]Scanner
}

func NewManager() *Manager {
	return &Manager{
		Crons:    map[string]Cron{},
		Actions:  map[string]Action{},
		Watchers: map[string]Watcher{},
		Scanners: map[string]Scanner{},
	}
}

func (m *Manager) Clear() {
	m.Crons = map[string]Cron{}
	m.Actions = map[string]Action{}
	m.Watchers = map[string]Watcher{}
	m.Scanners = map[string]Scanner{}
}

func (m *Manager) AddCron(c Cron) []event.Effect {
	m.Crons[c.ID] = c
	if c.State == CronEnabled {
		return []event.Effect{event.SetTimer(TimerIDForCron(c.ID), c.Interval)}
	}
	return nil
}

func (m *Manager) AddAction(a Action) { m.Actions[a.ID] = a }

func (m *Manager) AddWatcher(w Watcher) []event.Effect {
	m.Watchers[w.ID] = w
	return []event.Effect{event.SetTimer(TimerIDForWatcherCheck(w.ID), w.Interval)}
}

func (m *Manager) AddScanner(s Scanner) []event.Effect {
	m.Scanners[s.ID] = s
	return []event.Effect{event.SetTimer(TimerIDForScanner(s.ID), s.Interval)}
}

func (m *Manager) RemoveCron(id string)    { delete(m.Crons, id) }
func (m *Manager) RemoveAction(id string)  { delete(m.Actions, id) }
func (m *Manager) RemoveWatcher(id string) { delete(m.Watchers, id) }
func (m *Manager) RemoveScanner(id string) { delete(m.Scanners, id) }

// TriggerAction runs the named action through its own transition. Exposed
// directly (not just via timers) because Watchers/Scanners/Crons all
// trigger actions as a side effect of their own transition, and the
// engine routes that through here to keep cooldown bookkeeping in one
// place.
func (m *Manager) TriggerAction(id string, now clock) []event.Effect {
	a, ok := m.Actions[id]
	if !ok {
		return nil
	}
	next, effects := TransitionAction(a, ActionEventTrigger, now)
	m.Actions[id] = next
	return effects
}

func (m *Manager) EnableCron(id string, now clock) []event.Effect {
	return m.transitionCron(id, CronEventEnable, now)
}

func (m *Manager) DisableCron(id string, now clock) []event.Effect {
	return m.transitionCron(id, CronEventDisable, now)
}

func (m *Manager) transitionCron(id string, kind CronEventKind, now clock) []event.Effect {
	c, ok := m.Crons[id]
	if !ok {
		return nil
	}
	next, effects := TransitionCron(c, kind, now)
	m.Crons[id] = next
	return effects
}

// PlanCronTick is the first half of firing a cron that may have linked
// watchers/scanners: it ticks the cron (Enabled -> Running) and returns the
// FetchBatch of watcher/scanner data the engine must resolve before
// reporting back via CompleteCronTick.
func (m *Manager) PlanCronTick(id string, now clock) ([]event.Effect, FetchBatch) {
	c, ok := m.Crons[id]
	if !ok {
		return nil, FetchBatch{}
	}
	next, effects, batch := PlanCronTick(c, m.Watchers, m.Scanners, now)
	m.Crons[id] = next
	return effects, batch
}

// CompleteCronTick is the second half: given the FetchResults the engine
// gathered for a previously planned tick, it reports the cron's tick as
// Complete or Fail (ExecuteCronTickWithResults' all-or-nothing rule) and
// re-arms the cron's timer.
func (m *Manager) CompleteCronTick(id string, results []FetchResult, now clock) []event.Effect {
	c, ok := m.Crons[id]
	if !ok {
		return nil
	}
	next, effects := ExecuteCronTickWithResults(c, results, now)
	m.Crons[id] = next
	return effects
}

func (m *Manager) CheckWatcher(id string, value string, matched bool, now clock) []event.Effect {
	w, ok := m.Watchers[id]
	if !ok {
		return nil
	}
	next, effects := TransitionWatcherValue(w, value, matched, now)
	m.Watchers[id] = next
	return effects
}

func (m *Manager) WatcherResponseDone(id string, now clock) []event.Effect {
	w, ok := m.Watchers[id]
	if !ok {
		return nil
	}
	next, effects := TransitionWatcherResponseTick(w, now)
	m.Watchers[id] = next
	return effects
}

func (m *Manager) ScanResults(id string, matchedIDs []string, now clock) []event.Effect {
	s, ok := m.Scanners[id]
	if !ok {
		return nil
	}
	next, effects := TransitionScannerResults(s, matchedIDs, now)
	m.Scanners[id] = next
	return effects
}

func (m *Manager) ScannerCleanupDone(id string, now clock) []event.Effect {
	s, ok := m.Scanners[id]
	if !ok {
		return nil
	}
	next, effects := TransitionScannerCleanupDone(s, now)
	m.Scanners[id] = next
	return effects
}

// ProcessTimer parses the colon-delimited timer id convention
// (cron:<id>, action:<id>:cooldown, watcher:<id>:check|:response,
// scanner:<id>) and dispatches to the matching primitive's tick handler.
// cron:<id> timers are not resolved here at all: a cron's tick must fetch
// its linked watchers'/scanners' data (PlanCronTick/CompleteCronTick),
// which Engine.HandleTimer drives. watcher:<id>:check only moves the
// watcher Idle -> Checking here; the fresh SourceValue is fetched by
// Engine.HandleTimer.
func (m *Manager) ProcessTimer(timerID string, now clock) []event.Effect {
	parts := strings.Split(timerID, ":")
	if len(parts) < 2 {
		return nil
	}
	switch parts[0] {
	case "cron":
		// Handled by Manager.PlanCronTick, called directly from
		// Engine.HandleTimer so the resulting FetchBatch isn't dropped.
		return nil
	case "action":
		if len(parts) == 3 && parts[2] == "cooldown" {
			a, ok := m.Actions[parts[1]]
			if !ok {
				return nil
			}
			next, effects := TransitionAction(a, ActionEventCooldownExpire, now)
			m.Actions[parts[1]] = next
			return effects
		}
	case "watcher":
		if len(parts) == 3 && parts[2] == "check" {
			w, ok := m.Watchers[parts[1]]
			if !ok {
				return nil
			}
			next, effects := TransitionWatcherCheckDue(w, now)
			m.Watchers[parts[1]] = next
			return effects
		}
		// watcher:<id>:response carries no state transition of its own;
		// the engine calls WatcherResponseDone once the scheduled action
		// in the response chain completes.
	case "scanner":
		s, ok := m.Scanners[parts[1]]
		if !ok {
			return nil
		}
		next, effects := TransitionScannerDue(s, now)
		m.Scanners[parts[1]] = next
		return effects
	}
	return nil
}

// Stats summarizes primitive counts for the debug HTTP surface's /status
// JSON payload.
type Stats struct {
	Crons        int
	CronsEnabled int
	Actions      int
	Watchers     int
	Scanners     int
}

func (m *Manager) StatsSnapshot() Stats {
	st := Stats{Crons: len(m.Crons), Actions: len(m.Actions), Watchers: len(m.Watchers), Scanners: len(m.Scanners)}
	for _, c := range m.Crons {
		if c.State == CronEnabled {
			st.CronsEnabled++
		}
	}
	return st
}
