// Package strategy implements the Strategy state machine: an ordered list
// of Attempts tried in sequence (optionally preceded by a checkpoint and
// followed by rollback on failure) until one succeeds or the list is
// exhausted.
package strategy

import (
	"time"

	"github.com/alfredjean/ojd/internal/core/event"
)

type Attempt struct {
	Name     string
	Run      string // shell command, mutually exclusive with Task
	Task     string // task name to spawn, mutually exclusive with Run
	Timeout  time.Duration
	Rollback string
}

func NewRunAttempt(name, run string, timeout time.Duration) Attempt {
	return Attempt{Name: name, Run: run, Timeout: timeout}
}

func NewTaskAttempt(name, task string, timeout time.Duration) Attempt {
	return Attempt{Name: name, Task: task, Timeout: timeout}
}

func (a Attempt) WithRollback(cmd string) Attempt {
	a.Rollback = cmd
	return a
}

func (a Attempt) hasRollback() bool { return a.Rollback != "" }

type ExhaustActionKind string

const (
	ExhaustEscalate ExhaustActionKind = "escalate"
	ExhaustFail     ExhaustActionKind = "fail"
	ExhaustRetry    ExhaustActionKind = "retry"
)

type ExhaustAction struct {
	Kind  ExhaustActionKind
	After time.Duration // only for Retry
}

func DefaultExhaustAction() ExhaustAction { return ExhaustAction{Kind: ExhaustEscalate} }

type State string

const (
	StateReady       State = "ready"
	StateCheckpointing State = "checkpointing"
	StateTrying      State = "trying"
	StateRollingBack State = "rolling_back"
	StateSucceeded   State = "succeeded"
	StateExhausted   State = "exhausted"
	StateFailed      State = "failed"
)

func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateExhausted || s == StateFailed
}

type Strategy struct {
	ID              string
	Name            string
	Checkpoint      string // command to run to snapshot state before attempts, "" if none
	CheckpointValue string
	Attempts        []Attempt
	State           State
	AttemptIndex    int
	AttemptStarted  time.Time
	OnExhaust       ExhaustAction
	CurrentTaskID   string
	CreatedAt       time.Time
}

func New(id, name string, attempts []Attempt, checkpoint string, onExhaust ExhaustAction, now time.Time) Strategy {
	return Strategy{
		ID:         id,
		Name:       name,
		Checkpoint: checkpoint,
		Attempts:   attempts,
		State:      StateReady,
		OnExhaust:  onExhaust,
		CreatedAt:  now,
	}
}

func (s Strategy) hasMoreAttemptsAfter(index int) bool {
	return index+1 < len(s.Attempts)
}

type EventKind string

const (
	EventStart             EventKind = "start"
	EventCheckpointComplete EventKind = "checkpoint_complete"
	EventCheckpointFailed  EventKind = "checkpoint_failed"
	EventAttemptSucceeded  EventKind = "attempt_succeeded"
	EventAttemptFailed     EventKind = "attempt_failed"
	EventAttemptTimeout    EventKind = "attempt_timeout"
	EventRollbackComplete  EventKind = "rollback_complete"
	EventRollbackFailed    EventKind = "rollback_failed"
	EventTick              EventKind = "tick"
	EventTaskAssigned      EventKind = "task_assigned"
	EventTaskComplete      EventKind = "task_complete"
	EventTaskFailed        EventKind = "task_failed"
)

type Event struct {
	Kind           EventKind
	CheckpointValue string
	Reason         string
	TaskID         string
}

func Transition(s Strategy, ev Event, clk interface{ Now() time.Time }) (Strategy, []event.Effect) {
	now := clk.Now()

	switch {
	case ev.Kind == EventStart && s.State == StateReady:
		if s.Checkpoint != "" {
			next := s
			next.State = StateCheckpointing
			return next, []event.Effect{event.NewEffect(event.EffectShell, map[string]any{"command": s.Checkpoint, "strategy_id": s.ID})}
		}
		return startAttempt(s, 0, now)

	case ev.Kind == EventCheckpointComplete && s.State == StateCheckpointing:
		next := s
		next.CheckpointValue = ev.CheckpointValue
		return startAttempt(next, 0, now)

	case ev.Kind == EventCheckpointFailed && s.State == StateCheckpointing:
		next := s
		next.State = StateFailed
		return next, []event.Effect{event.Emit(event.New(event.KindStrategyFailed, s.ID, map[string]any{"reason": ev.Reason}, now))}

	case ev.Kind == EventTaskAssigned && s.State == StateTrying:
		next := s
		next.CurrentTaskID = ev.TaskID
		return next, nil

	case (ev.Kind == EventAttemptSucceeded || ev.Kind == EventTaskComplete) && s.State == StateTrying:
		next := s
		next.State = StateSucceeded
		next.CurrentTaskID = ""
		name := ""
		if next.AttemptIndex < len(next.Attempts) {
			name = next.Attempts[next.AttemptIndex].Name
		}
		return next, []event.Effect{event.Emit(event.New(event.KindStrategySucceeded, s.ID, map[string]any{"attempt": name}, now))}

	case (ev.Kind == EventAttemptFailed || ev.Kind == EventTaskFailed) && s.State == StateTrying:
		return handleAttemptFailure(s, ev.Reason, now)

	case ev.Kind == EventAttemptTimeout && s.State == StateTrying:
		return handleAttemptFailure(s, "attempt timed out", now)

	case ev.Kind == EventTick && s.State == StateTrying:
		if s.AttemptIndex >= len(s.Attempts) {
			return s, nil
		}
		timeout := s.Attempts[s.AttemptIndex].Timeout
		if timeout > 0 && now.Sub(s.AttemptStarted) > timeout {
			return handleAttemptFailure(s, "attempt timed out", now)
		}
		return s, nil

	case ev.Kind == EventRollbackComplete && s.State == StateRollingBack:
		next := s
		effects := []event.Effect{event.Emit(event.New(event.KindStrategyRollbackDone, s.ID, nil, now))}
		if s.hasMoreAttemptsAfter(s.AttemptIndex) {
			started, startEffects := startAttempt(next, s.AttemptIndex+1, now)
			return started, append(effects, startEffects...)
		}
		return exhaust(next, now, effects)

	case ev.Kind == EventRollbackFailed && s.State == StateRollingBack:
		next := s
		next.State = StateFailed
		return next, []event.Effect{event.Emit(event.New(event.KindStrategyFailed, s.ID, map[string]any{"reason": ev.Reason}, now))}
	}

	return s, nil
}

func handleAttemptFailure(s Strategy, reason string, now time.Time) (Strategy, []event.Effect) {
	next := s
	next.CurrentTaskID = ""
	var effects []event.Effect
	rollingBack := s.AttemptIndex < len(s.Attempts) && s.Attempts[s.AttemptIndex].hasRollback()
	effects = append(effects, event.Emit(event.New(event.KindStrategyAttemptFailed, s.ID, map[string]any{"reason": reason, "rolling_back": rollingBack}, now)))

	if rollingBack {
		next.State = StateRollingBack
		effects = append(effects, event.NewEffect(event.EffectShell, map[string]any{"command": s.Attempts[s.AttemptIndex].Rollback, "strategy_id": s.ID}))
		return next, effects
	}

	if s.hasMoreAttemptsAfter(s.AttemptIndex) {
		started, startEffects := startAttempt(next, s.AttemptIndex+1, now)
		return started, append(effects, startEffects...)
	}

	return exhaust(next, now, effects)
}

func exhaust(s Strategy, now time.Time, effects []event.Effect) (Strategy, []event.Effect) {
	next := s
	switch s.OnExhaust.Kind {
	case ExhaustRetry:
		next.State = StateExhausted
		effects = append(effects,
			event.Emit(event.New(event.KindStrategyExhausted, s.ID, map[string]any{"action": "retry"}, now)),
			event.SetTimer("strategy:"+s.ID+":retry", s.OnExhaust.After),
		)
	case ExhaustFail:
		next.State = StateFailed
		effects = append(effects, event.Emit(event.New(event.KindStrategyFailed, s.ID, map[string]any{"reason": "exhausted"}, now)))
	default: // Escalate
		next.State = StateExhausted
		effects = append(effects, event.Emit(event.New(event.KindStrategyExhausted, s.ID, map[string]any{"action": "escalate"}, now)))
	}
	return next, effects
}

// startAttempt arms attempt index, emitting a ScheduleTask (task attempt)
// or Shell (run attempt) effect plus a SetTimer when the attempt has a
// timeout, and — only for the very first attempt of a strategy
// with no checkpoint — a StrategyStarted event ahead of the always-present
// StrategyAttemptStarted event.
func startAttempt(s Strategy, index int, now time.Time) (Strategy, []event.Effect) {
	next := s
	next.State = StateTrying
	next.AttemptIndex = index
	next.AttemptStarted = now

	var effects []event.Effect
	if index == 0 && s.Checkpoint == "" {
		effects = append(effects, event.Emit(event.New(event.KindStrategyStarted, s.ID, nil, now)))
	}
	effects = append(effects, event.Emit(event.New(event.KindStrategyAttemptStarted, s.ID, map[string]any{"attempt": s.Attempts[index].Name}, now)))

	at := s.Attempts[index]
	if at.Task != "" {
		effects = append(effects, event.NewEffect(event.EffectScheduleTask, map[string]any{"strategy_id": s.ID, "task": at.Task}))
	} else {
		effects = append(effects, event.NewEffect(event.EffectShell, map[string]any{"strategy_id": s.ID, "command": at.Run}))
	}
	if at.Timeout > 0 {
		effects = append(effects, event.SetTimer("strategy:"+s.ID+":attempt", at.Timeout))
	}
	return next, effects
}
