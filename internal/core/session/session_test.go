package session_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfredjean/ojd/internal/core/clock"
	"github.com/alfredjean/ojd/internal/core/event"
	"github.com/alfredjean/ojd/internal/core/session"
)

func TestSpawnedMovesStartingToAliveWithPID(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	s := session.New("s1", "p1", "tmux-1", clk.At)

	next, effects := session.Transition(s, session.Event{Kind: session.EventSpawned, PID: 4242}, clk)
	assert.Equal(t, session.StateAlive, next.State)
	assert.Equal(t, 4242, next.PID)
	require.Len(t, effects, 1)
	ev := effects[0].Fields["event"].(event.Event)
	assert.Equal(t, event.KindSessionSpawned, ev.Kind)
}

func TestHeartbeatUpdatesLastHeartbeatOnly(t *testing.T) {
	clk := clock.NewMock(time.Unix(1000, 0))
	s := session.New("s1", "p1", "tmux-1", clk.Now())
	alive, _ := session.Transition(s, session.Event{Kind: session.EventSpawned, PID: 1}, clk)

	clk.Advance(10 * time.Second)
	next, effects := session.Transition(alive, session.Event{Kind: session.EventHeartbeat}, clk)
	assert.Equal(t, clk.Now(), next.LastHeartbeat)
	assert.Equal(t, session.StateAlive, next.State)
	assert.Nil(t, effects)
}

func TestTmuxExitedAndClaudeExitedBothKillTheSessionWithDistinctReasons(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	s := session.New("s1", "p1", "tmux-1", clk.At)
	alive, _ := session.Transition(s, session.Event{Kind: session.EventSpawned, PID: 1}, clk)

	dead, effects := session.Transition(alive, session.Event{Kind: session.EventTmuxExited}, clk)
	assert.True(t, dead.IsTerminal())
	require.Len(t, effects, 2)
	assert.Equal(t, event.KindTmuxExited, effects[0].Fields["event"].(event.Event).Kind)
	lastEv := effects[1].Fields["event"].(event.Event)
	assert.Equal(t, event.KindSessionDead, lastEv.Kind)
	assert.Equal(t, "tmux_exited", lastEv.Payload["reason"])

	dead2, effects := session.Transition(alive, session.Event{Kind: session.EventClaudeExited}, clk)
	assert.True(t, dead2.IsTerminal())
	lastEv2 := effects[1].Fields["event"].(event.Event)
	assert.Equal(t, "claude_exited", lastEv2.Payload["reason"])
}

func TestKillProducesKillSessionEffect(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	s := session.New("s1", "p1", "tmux-1", clk.At)
	alive, _ := session.Transition(s, session.Event{Kind: session.EventSpawned, PID: 1}, clk)

	dead, effects := session.Transition(alive, session.Event{Kind: session.EventKill}, clk)
	assert.True(t, dead.IsTerminal())
	foundKill := false
	for _, e := range effects {
		if e.Kind == event.EffectKillSession {
			foundKill = true
		}
	}
	assert.True(t, foundKill)
}

func TestEventsOnDeadSessionAreNoOps(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	s := session.New("s1", "p1", "tmux-1", clk.At)
	alive, _ := session.Transition(s, session.Event{Kind: session.EventSpawned, PID: 1}, clk)
	dead, _ := session.Transition(alive, session.Event{Kind: session.EventKill}, clk)

	same, effects := session.Transition(dead, session.Event{Kind: session.EventHeartbeat}, clk)
	assert.Equal(t, dead, same)
	assert.Nil(t, effects)
}

func TestIsStaleReflectsHeartbeatWindow(t *testing.T) {
	clk := clock.NewMock(time.Unix(1000, 0))
	s := session.New("s1", "p1", "tmux-1", clk.Now())
	alive, _ := session.Transition(s, session.Event{Kind: session.EventSpawned, PID: 1}, clk)

	assert.False(t, alive.IsStale(clk.Now()))
	clk.Advance(session.StaleAfter + time.Second)
	assert.True(t, alive.IsStale(clk.Now()))

	dead, _ := session.Transition(alive, session.Event{Kind: session.EventKill}, clk)
	assert.False(t, dead.IsStale(clk.Now()))
}
