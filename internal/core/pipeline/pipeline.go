// Package pipeline implements the Pipeline state machine: a pure
// transition(event, clock) -> (Pipeline, []Effect) function plus the
// immutable data it operates over. No package in this directory performs
// I/O; the runtime's effect executor does that.
package pipeline

import (
	"time"

	"github.com/alfredjean/ojd/internal/core/event"
)

// Phase is the pipeline's current lifecycle phase.
type Phase string

const (
	PhasePending Phase = "pending"
	PhaseRunning Phase = "running"
	PhaseBlocked Phase = "blocked"
	PhaseFailed  Phase = "failed"
	PhaseDone    Phase = "done"
)

// Pipeline is the durable record of one pipeline run.
type Pipeline struct {
	ID            string
	Kind          string
	Name          string
	Phase         Phase
	WorkspaceID   string
	SessionID     string
	CurrentTaskID string
	CurrentPhase  string // named phase within the runbook, e.g. "build", "test"
	Inputs        map[string]string
	Outputs       map[string]string

	// Blocked-phase payload.
	BlockedWaitingOn []string
	BlockedGuardID   string

	// Failed-phase payload.
	FailedReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func New(id, kind, name, workspaceID string, inputs map[string]string, now time.Time) Pipeline {
	if inputs == nil {
		inputs = map[string]string{}
	}
	return Pipeline{
		ID:          id,
		Kind:        kind,
		Name:        name,
		Phase:       PhasePending,
		WorkspaceID: workspaceID,
		Inputs:      inputs,
		Outputs:     map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (p Pipeline) IsTerminal() bool {
	return p.Phase == PhaseFailed || p.Phase == PhaseDone
}

// Event is the closed set of things that can happen to a Pipeline.
type Kind string

const (
	EventStart          Kind = "start"
	EventAdvance         Kind = "advance" // moves to a named phase, task completed
	EventBlock           Kind = "block"   // waiting on a guard or set of ids
	EventUnblock         Kind = "unblock"
	EventFail            Kind = "fail"
	EventComplete        Kind = "complete"
	EventSessionAssigned Kind = "session_assigned"
	EventTaskAssigned    Kind = "task_assigned"
)

type Event struct {
	Kind         Kind
	NextPhase    string
	TaskID       string
	SessionID    string
	WaitingOn    []string
	GuardID      string
	Reason       string
	OutputsDelta map[string]string
}

// Transition is the pure state machine core. It never mutates p in place;
// it returns the next value.
func Transition(p Pipeline, ev Event, clk interface{ Now() time.Time }) (Pipeline, []event.Effect) {
	now := clk.Now()
	next := p
	next.UpdatedAt = now
	var effects []event.Effect

	switch ev.Kind {
	case EventStart:
		if p.Phase != PhasePending {
			return p, nil
		}
		next.Phase = PhaseRunning
		effects = append(effects, event.Emit(event.New(event.KindPipelineAdvanced, p.ID, map[string]any{"phase": "running"}, now)))

	case EventSessionAssigned:
		next.SessionID = ev.SessionID

	case EventTaskAssigned:
		next.CurrentTaskID = ev.TaskID

	case EventAdvance:
		if p.IsTerminal() {
			return p, nil
		}
		next.Phase = PhaseRunning
		next.CurrentPhase = ev.NextPhase
		next.BlockedWaitingOn = nil
		next.BlockedGuardID = ""
		if ev.OutputsDelta != nil {
			merged := cloneMap(p.Outputs)
			for k, v := range ev.OutputsDelta {
				merged[k] = v
			}
			next.Outputs = merged
		}
		effects = append(effects, event.Emit(event.New(event.KindPipelineAdvanced, p.ID, map[string]any{"phase": ev.NextPhase}, now)))

	case EventBlock:
		if p.IsTerminal() {
			return p, nil
		}
		next.Phase = PhaseBlocked
		next.BlockedWaitingOn = ev.WaitingOn
		next.BlockedGuardID = ev.GuardID
		effects = append(effects, event.Emit(event.New(event.KindPipelineBlocked, p.ID, map[string]any{"waiting_on": ev.WaitingOn, "guard_id": ev.GuardID}, now)))

	case EventUnblock:
		if p.Phase != PhaseBlocked {
			return p, nil
		}
		next.Phase = PhaseRunning
		next.BlockedWaitingOn = nil
		next.BlockedGuardID = ""

	case EventFail:
		if p.IsTerminal() {
			return p, nil
		}
		next.Phase = PhaseFailed
		next.FailedReason = ev.Reason
		effects = append(effects, event.Emit(event.New(event.KindPipelineFailed, p.ID, map[string]any{"reason": ev.Reason}, now)))

	case EventComplete:
		if p.IsTerminal() {
			return p, nil
		}
		next.Phase = PhaseDone
		if ev.OutputsDelta != nil {
			merged := cloneMap(p.Outputs)
			for k, v := range ev.OutputsDelta {
				merged[k] = v
			}
			next.Outputs = merged
		}
		effects = append(effects, event.Emit(event.New(event.KindPipelineDone, p.ID, map[string]any{}, now)))
	}

	return next, effects
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
