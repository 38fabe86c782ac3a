// Package task implements the Task state machine — the unit of work a
// session executes within a pipeline phase.
package task

import (
	"time"

	"github.com/alfredjean/ojd/internal/core/event"
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateStuck     State = "stuck"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Task is the durable record of one unit of work.
type Task struct {
	ID         string
	PipelineID string
	Name       string
	State      State
	NudgeCount int
	Since      time.Time
	Output     string
	Reason     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func New(id, pipelineID, name string, now time.Time) Task {
	return Task{
		ID:         id,
		PipelineID: pipelineID,
		Name:       name,
		State:      StatePending,
		Since:      now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (t Task) IsTerminal() bool {
	return t.State == StateSucceeded || t.State == StateFailed
}

type Kind string

const (
	EventStart     Kind = "start"
	EventProgress  Kind = "progress"
	EventNudge     Kind = "nudge" // no progress observed; bump NudgeCount, may transition to Stuck
	EventSucceed   Kind = "succeed"
	EventFail      Kind = "fail"
	EventUnstick   Kind = "unstick"
)

// StuckThreshold is the number of consecutive nudges without progress
// before a Running task is considered Stuck.
const StuckThreshold = 3

type Event struct {
	Kind   Kind
	Output string
	Reason string
}

func Transition(t Task, ev Event, clk interface{ Now() time.Time }) (Task, []event.Effect) {
	now := clk.Now()
	next := t
	next.UpdatedAt = now
	var effects []event.Effect

	switch ev.Kind {
	case EventStart:
		if t.State != StatePending {
			return t, nil
		}
		next.State = StateRunning
		next.Since = now
		next.NudgeCount = 0
		effects = append(effects, event.Emit(event.New(event.KindTaskAssigned, t.ID, nil, now)))

	case EventProgress:
		if t.State != StateRunning && t.State != StateStuck {
			return t, nil
		}
		next.State = StateRunning
		next.Since = now
		next.NudgeCount = 0
		if ev.Output != "" {
			next.Output = ev.Output
		}
		effects = append(effects, event.Emit(event.New(event.KindTaskProgress, t.ID, map[string]any{"output": ev.Output}, now)))

	case EventNudge:
		if t.State != StateRunning && t.State != StateStuck {
			return t, nil
		}
		next.NudgeCount = t.NudgeCount + 1
		if next.NudgeCount >= StuckThreshold {
			next.State = StateStuck
			effects = append(effects, event.Emit(event.New(event.KindTaskStuck, t.ID, map[string]any{"nudge_count": next.NudgeCount}, now)))
		}

	case EventUnstick:
		if t.State != StateStuck {
			return t, nil
		}
		next.State = StateRunning
		next.NudgeCount = 0
		next.Since = now

	case EventSucceed:
		if t.IsTerminal() {
			return t, nil
		}
		next.State = StateSucceeded
		next.Output = ev.Output
		effects = append(effects, event.Emit(event.New(event.KindTaskSucceeded, t.ID, map[string]any{"output": ev.Output}, now)))

	case EventFail:
		if t.IsTerminal() {
			return t, nil
		}
		next.State = StateFailed
		next.Reason = ev.Reason
		effects = append(effects, event.Emit(event.New(event.KindTaskFailed, t.ID, map[string]any{"reason": ev.Reason}, now)))
	}

	return next, effects
}
