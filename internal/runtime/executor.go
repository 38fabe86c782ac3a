package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/alfredjean/ojd/infrastructure/resilience"
	"github.com/alfredjean/ojd/internal/core/event"
	"github.com/alfredjean/ojd/pkg/logger"
)

// SessionAdapter spawns and controls the interactive agent sessions that
// back a Session entity. The concrete implementation (tmux + claude CLI)
// lives in the daemon's wiring layer; this package only defines the shape
// effects are executed against.
type SessionAdapter interface {
	Spawn(ctx context.Context, sessionID, tmuxName string) (pid int, err error)
	Kill(ctx context.Context, sessionID string) error
	Send(ctx context.Context, sessionID, text string) error
}

// WorktreeAdapter creates/merges/removes the git worktrees backing a
// Workspace entity.
type WorktreeAdapter interface {
	CreateWorktree(ctx context.Context, workspaceID, path, branch string) error
	Merge(ctx context.Context, workspaceID string) error
	RemoveWorktree(ctx context.Context, workspaceID, path string) error
}

// Persister is the subset of *wal.Store the executor needs to turn an Emit
// effect into a durable event record. Expressed as an interface so tests
// can supply an in-memory fake instead of a real WAL.
type Persister interface {
	EmitEvent(eventType string, payload json.RawMessage) error
}

// Executor performs the I/O side of every Effect a pure state machine
// emits. State machines never touch the adapters directly — they only ever
// describe what should happen; Executor is the only place those
// descriptions turn into action.
type Executor struct {
	Sessions  SessionAdapter
	Worktrees WorktreeAdapter
	Timers    *TimerWheel
	Persist   Persister
	Log       *logger.Logger
	Retry     resilience.RetryConfig
}

func NewExecutor(sessions SessionAdapter, worktrees WorktreeAdapter, timers *TimerWheel, persist Persister, log *logger.Logger) *Executor {
	return &Executor{
		Sessions: sessions, Worktrees: worktrees, Timers: timers, Persist: persist, Log: log,
		Retry: resilience.DefaultRetryConfig(),
	}
}

// Run executes every effect in order, logging (not aborting on) individual
// failures — one effect failing should never prevent the rest of a
// transition's effects from being attempted, since they were all derived
// from the same already-committed state transition.
func (x *Executor) Run(ctx context.Context, effects []event.Effect) {
	for _, e := range effects {
		if err := x.run(ctx, e); err != nil {
			x.Log.WithFields(map[string]interface{}{
				"effect": string(e.Kind),
				"error":  err.Error(),
			}).Error("runtime: effect execution failed")
		}
	}
}

func (x *Executor) run(ctx context.Context, e event.Effect) error {
	switch e.Kind {
	case event.EffectEmit:
		return x.runEmit(e)

	case event.EffectSetTimer:
		id, _ := e.Fields["id"].(string)
		after, _ := e.Fields["after"].(time.Duration)
		x.Timers.Set(id, after)
		return nil

	case event.EffectCancelTimer:
		id, _ := e.Fields["id"].(string)
		x.Timers.Cancel(id)
		return nil

	case event.EffectSpawnSession:
		sessionID, _ := e.Fields["session_id"].(string)
		tmuxName, _ := e.Fields["tmux_name"].(string)
		return resilience.Retry(ctx, x.Retry, func() error {
			_, err := x.Sessions.Spawn(ctx, sessionID, tmuxName)
			return err
		})

	case event.EffectKillSession:
		sessionID, _ := e.Fields["session_id"].(string)
		return x.Sessions.Kill(ctx, sessionID)

	case event.EffectSendToSession:
		sessionID, _ := e.Fields["session_id"].(string)
		text, _ := e.Fields["text"].(string)
		return x.Sessions.Send(ctx, sessionID, text)

	case event.EffectCreateWorktree:
		workspaceID, _ := e.Fields["workspace_id"].(string)
		path, _ := e.Fields["path"].(string)
		branch, _ := e.Fields["branch"].(string)
		return resilience.Retry(ctx, x.Retry, func() error {
			return x.Worktrees.CreateWorktree(ctx, workspaceID, path, branch)
		})

	case event.EffectRemoveWorktree:
		workspaceID, _ := e.Fields["workspace_id"].(string)
		path, _ := e.Fields["path"].(string)
		return x.Worktrees.RemoveWorktree(ctx, workspaceID, path)

	case event.EffectMerge:
		workspaceID, _ := e.Fields["workspace_id"].(string)
		return x.Worktrees.Merge(ctx, workspaceID)

	case event.EffectShell:
		command, _ := e.Fields["command"].(string)
		if command == "" {
			return nil
		}
		return exec.CommandContext(ctx, "sh", "-c", command).Run()

	case event.EffectLog:
		level, _ := e.Fields["level"].(string)
		message, _ := e.Fields["message"].(string)
		x.logAt(level, message)
		return nil

	case event.EffectSaveState, event.EffectSaveCheckpoint, event.EffectPersist,
		event.EffectScheduleTask, event.EffectCancelTask:
		// SaveState, SaveCheckpoint and Persist need nothing here: the
		// engine has already written the owning entity through its Save*
		// call before running the effects. ScheduleTask and CancelTask are
		// dropped here too, and nothing else in the daemon acts on them: no
		// task or action is started or cancelled from these effects.
		return nil

	default:
		return fmt.Errorf("runtime: unhandled effect kind %q", e.Kind)
	}
}

func (x *Executor) runEmit(e event.Effect) error {
	evAny, ok := e.Fields["event"]
	if !ok {
		return nil
	}
	ev, ok := evAny.(event.Event)
	if !ok {
		return fmt.Errorf("runtime: emit effect payload was not an event.Event")
	}
	if x.Persist != nil {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("runtime: marshal event payload: %w", err)
		}
		if err := x.Persist.EmitEvent(string(ev.Kind), payload); err != nil {
			return err
		}
	}
	x.Log.WithFields(map[string]interface{}{"kind": string(ev.Kind), "entity_id": ev.EntityID}).Debug("runtime: event emitted")
	return nil
}

func (x *Executor) logAt(level, message string) {
	switch level {
	case "warn":
		x.Log.Warn(message)
	case "error":
		x.Log.Error(message)
	case "debug":
		x.Log.Debug(message)
	default:
		x.Log.Info(message)
	}
}
