package scheduling

import (
	"time"

	"github.com/alfredjean/ojd/internal/core/event"
)

type ScannerState string

const (
	ScannerIdle     ScannerState = "idle"
	ScannerScanning ScannerState = "scanning"
	ScannerCleaning ScannerState = "cleaning"
)

// Scanner periodically enumerates resources from a source, filters them by
// Condition, and runs CleanupAction against each match.
type Scanner struct {
	ID            string
	Name          string
	Interval      time.Duration
	Source        Source
	Condition     Condition
	CleanupAction string
	State         ScannerState
	pendingIDs    []string
	cleanupIndex  int
}

func NewScanner(id, name string, interval time.Duration, source Source, cond Condition, cleanupAction string) Scanner {
	return Scanner{ID: id, Name: name, Interval: interval, Source: source, Condition: cond, CleanupAction: cleanupAction, State: ScannerIdle}
}

func TimerIDForScanner(id string) string { return "scanner:" + id }

// TransitionScannerDue arms Scanning; the engine performs the actual scan
// out-of-band (two-phase, same reasoning as Watcher) then calls
// TransitionScannerResults.
func TransitionScannerDue(s Scanner, clk interface{ Now() time.Time }) (Scanner, []event.Effect) {
	if s.State != ScannerIdle {
		return s, nil
	}
	next := s
	next.State = ScannerScanning
	return next, nil
}

// TransitionScannerResults applies the engine's filtered match list
// (resource ids that satisfied Condition) and begins cleaning them one at
// a time.
func TransitionScannerResults(s Scanner, matchedIDs []string, clk interface{ Now() time.Time }) (Scanner, []event.Effect) {
	now := clk.Now()
	next := s
	var effects []event.Effect

	if len(matchedIDs) == 0 {
		next.State = ScannerIdle
		effects = append(effects, event.SetTimer(TimerIDForScanner(s.ID), s.Interval))
		return next, effects
	}

	next.pendingIDs = matchedIDs
	next.cleanupIndex = 0
	next.State = ScannerCleaning
	effects = append(effects, event.Emit(event.New(event.KindScannerFound, s.ID, map[string]any{"matched": matchedIDs}, now)))
	effects = append(effects, event.NewEffect(event.EffectScheduleTask, map[string]any{
		"action_id":   s.CleanupAction,
		"resource_id": matchedIDs[0],
	}))
	return next, effects
}

// TransitionScannerCleanupDone advances to the next pending resource, or
// returns to Idle and re-arms the scan timer once every match has been
// cleaned up.
func TransitionScannerCleanupDone(s Scanner, clk interface{ Now() time.Time }) (Scanner, []event.Effect) {
	if s.State != ScannerCleaning {
		return s, nil
	}
	next := s
	var effects []event.Effect
	next.cleanupIndex++
	if next.cleanupIndex >= len(next.pendingIDs) {
		next.State = ScannerIdle
		next.pendingIDs = nil
		next.cleanupIndex = 0
		effects = append(effects, event.SetTimer(TimerIDForScanner(s.ID), s.Interval))
		return next, effects
	}
	effects = append(effects, event.NewEffect(event.EffectScheduleTask, map[string]any{
		"action_id":   s.CleanupAction,
		"resource_id": next.pendingIDs[next.cleanupIndex],
	}))
	return next, effects
}

func (s Scanner) PendingIDs() []string { return append([]string(nil), s.pendingIDs...) }
func (s Scanner) CleanupIndex() int    { return s.cleanupIndex }

// WithCleanupProgress restores pendingIDs/cleanupIndex when reconstructing
// a Scanner from persisted state.
func (s Scanner) WithCleanupProgress(pending []string, index int) Scanner {
	s.pendingIDs = pending
	s.cleanupIndex = index
	return s
}
