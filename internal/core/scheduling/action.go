package scheduling

import (
	"time"

	"github.com/alfredjean/ojd/internal/core/event"
)

type ActionState string

const (
	ActionIdle     ActionState = "idle"
	ActionCooldown ActionState = "cooldown"
)

// Action is a named, rate-limited operation triggered by a Cron, Watcher,
// or Scanner. Cooldown prevents the same action from firing again until
// the cooldown timer elapses.
type Action struct {
	ID       string
	Name     string
	Cooldown time.Duration
	State    ActionState
	LastRun  time.Time
}

func NewAction(id, name string, cooldown time.Duration) Action {
	return Action{ID: id, Name: name, Cooldown: cooldown, State: ActionIdle}
}

type ActionEventKind string

const (
	ActionEventTrigger        ActionEventKind = "trigger"
	ActionEventCooldownExpire ActionEventKind = "cooldown_expire"
)

func TimerIDForActionCooldown(id string) string { return "action:" + id + ":cooldown" }

func TransitionAction(a Action, kind ActionEventKind, clk interface{ Now() time.Time }) (Action, []event.Effect) {
	now := clk.Now()
	next := a
	var effects []event.Effect

	switch kind {
	case ActionEventTrigger:
		if a.State == ActionCooldown {
			return a, nil
		}
		next.State = ActionCooldown
		next.LastRun = now
		effects = append(effects, event.Emit(event.New(event.KindActionTriggered, a.ID, nil, now)))
		if a.Cooldown > 0 {
			effects = append(effects, event.SetTimer(TimerIDForActionCooldown(a.ID), a.Cooldown))
		} else {
			next.State = ActionIdle
		}

	case ActionEventCooldownExpire:
		if a.State != ActionCooldown {
			return a, nil
		}
		next.State = ActionIdle
	}

	return next, effects
}
