// Package workspace implements the Workspace state machine — an isolated
// git worktree a pipeline executes its session inside.
package workspace

import (
	"time"

	"github.com/alfredjean/ojd/internal/core/event"
)

type State string

const (
	StateCreating State = "creating"
	StateActive   State = "active"
	StateMerging  State = "merging"
	StateMerged   State = "merged"
	StateRemoved  State = "removed"
)

type Workspace struct {
	ID         string
	PipelineID string
	Name       string
	Path       string
	Branch     string
	State      State
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func New(id, pipelineID, name, path, branch string, now time.Time) Workspace {
	return Workspace{
		ID:         id,
		PipelineID: pipelineID,
		Name:       name,
		Path:       path,
		Branch:     branch,
		State:      StateCreating,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (w Workspace) IsTerminal() bool {
	return w.State == StateMerged || w.State == StateRemoved
}

type Kind string

const (
	EventCreated     Kind = "created"
	EventStartMerge  Kind = "start_merge"
	EventMergeDone   Kind = "merge_done"
	EventMergeFailed Kind = "merge_failed"
	EventRemove      Kind = "remove"
)

type Event struct {
	Kind   Kind
	Reason string
}

func Transition(w Workspace, ev Event, clk interface{ Now() time.Time }) (Workspace, []event.Effect) {
	now := clk.Now()
	next := w
	next.UpdatedAt = now
	var effects []event.Effect

	switch ev.Kind {
	case EventCreated:
		if w.State != StateCreating {
			return w, nil
		}
		next.State = StateActive
		effects = append(effects, event.Emit(event.New(event.KindWorkspaceCreated, w.ID, nil, now)))

	case EventStartMerge:
		if w.State != StateActive {
			return w, nil
		}
		next.State = StateMerging
		effects = append(effects, event.NewEffect(event.EffectMerge, map[string]any{"workspace_id": w.ID}))

	case EventMergeDone:
		if w.State != StateMerging {
			return w, nil
		}
		next.State = StateMerged
		effects = append(effects, event.Emit(event.New(event.KindWorkspaceMerged, w.ID, nil, now)))

	case EventMergeFailed:
		if w.State != StateMerging {
			return w, nil
		}
		next.State = StateActive

	case EventRemove:
		if w.IsTerminal() {
			return w, nil
		}
		next.State = StateRemoved
		effects = append(effects, event.NewEffect(event.EffectRemoveWorktree, map[string]any{"workspace_id": w.ID, "path": w.Path}))
		effects = append(effects, event.Emit(event.New(event.KindWorkspaceDeleted, w.ID, map[string]any{"reason": ev.Reason}, now)))
	}

	return next, effects
}
