// Package session implements the Session state machine — a tmux session
// running an interactive agent. The concrete tmux adapter lives outside
// this repo; this package only tracks the durable record and its
// heartbeat-based staleness.
package session

import (
	"time"

	"github.com/alfredjean/ojd/internal/core/event"
)

type State string

const (
	StateStarting State = "starting"
	StateAlive    State = "alive"
	StateDead     State = "dead"
)

type Session struct {
	ID            string
	PipelineID    string
	TmuxName      string
	PID           int
	State         State
	LastHeartbeat time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func New(id, pipelineID, tmuxName string, now time.Time) Session {
	return Session{
		ID:            id,
		PipelineID:    pipelineID,
		TmuxName:      tmuxName,
		State:         StateStarting,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (s Session) IsTerminal() bool { return s.State == StateDead }

type Kind string

const (
	EventSpawned     Kind = "spawned"
	EventHeartbeat   Kind = "heartbeat"
	EventTmuxExited  Kind = "tmux_exited"
	EventClaudeExited Kind = "claude_exited"
	EventKill        Kind = "kill"
)

type Event struct {
	Kind Kind
	PID  int
}

func Transition(s Session, ev Event, clk interface{ Now() time.Time }) (Session, []event.Effect) {
	now := clk.Now()
	next := s
	next.UpdatedAt = now
	var effects []event.Effect

	switch ev.Kind {
	case EventSpawned:
		if s.State != StateStarting {
			return s, nil
		}
		next.State = StateAlive
		next.PID = ev.PID
		next.LastHeartbeat = now
		effects = append(effects, event.Emit(event.New(event.KindSessionSpawned, s.ID, map[string]any{"pid": ev.PID}, now)))

	case EventHeartbeat:
		if s.IsTerminal() {
			return s, nil
		}
		next.LastHeartbeat = now

	case EventTmuxExited:
		if s.IsTerminal() {
			return s, nil
		}
		next.State = StateDead
		effects = append(effects, event.Emit(event.New(event.KindTmuxExited, s.ID, nil, now)))
		effects = append(effects, event.Emit(event.New(event.KindSessionDead, s.ID, map[string]any{"reason": "tmux_exited"}, now)))

	case EventClaudeExited:
		if s.IsTerminal() {
			return s, nil
		}
		next.State = StateDead
		effects = append(effects, event.Emit(event.New(event.KindClaudeExited, s.ID, nil, now)))
		effects = append(effects, event.Emit(event.New(event.KindSessionDead, s.ID, map[string]any{"reason": "claude_exited"}, now)))

	case EventKill:
		if s.IsTerminal() {
			return s, nil
		}
		next.State = StateDead
		effects = append(effects, event.NewEffect(event.EffectKillSession, map[string]any{"session_id": s.ID}))
		effects = append(effects, event.Emit(event.New(event.KindSessionDead, s.ID, map[string]any{"reason": "killed"}, now)))
	}

	return next, effects
}

// StaleAfter is the heartbeat staleness window reconciliation uses to
// decide a session needs a liveness re-check against the adapter.
const StaleAfter = 30 * time.Second

func (s Session) IsStale(now time.Time) bool {
	return !s.IsTerminal() && now.Sub(s.LastHeartbeat) > StaleAfter
}
