package workspace_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfredjean/ojd/internal/core/clock"
	"github.com/alfredjean/ojd/internal/core/event"
	"github.com/alfredjean/ojd/internal/core/workspace"
)

func TestCreatedMovesCreatingToActive(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	w := workspace.New("w1", "p1", "ws", "/tmp/w1", "feature/x", clk.At)

	next, effects := workspace.Transition(w, workspace.Event{Kind: workspace.EventCreated}, clk)
	assert.Equal(t, workspace.StateActive, next.State)
	require.Len(t, effects, 1)
	assert.Equal(t, event.KindWorkspaceCreated, effects[0].Fields["event"].(event.Event).Kind)
}

func TestMergeLifecycleHappyPath(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	w := workspace.New("w1", "p1", "ws", "/tmp/w1", "feature/x", clk.At)
	active, _ := workspace.Transition(w, workspace.Event{Kind: workspace.EventCreated}, clk)

	merging, effects := workspace.Transition(active, workspace.Event{Kind: workspace.EventStartMerge}, clk)
	assert.Equal(t, workspace.StateMerging, merging.State)
	require.Len(t, effects, 1)
	assert.Equal(t, event.EffectMerge, effects[0].Kind)

	merged, effects := workspace.Transition(merging, workspace.Event{Kind: workspace.EventMergeDone}, clk)
	assert.True(t, merged.IsTerminal())
	assert.Equal(t, event.KindWorkspaceMerged, effects[0].Fields["event"].(event.Event).Kind)
}

func TestMergeFailedReturnsToActiveForRetry(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	w := workspace.New("w1", "p1", "ws", "/tmp/w1", "feature/x", clk.At)
	active, _ := workspace.Transition(w, workspace.Event{Kind: workspace.EventCreated}, clk)
	merging, _ := workspace.Transition(active, workspace.Event{Kind: workspace.EventStartMerge}, clk)

	back, effects := workspace.Transition(merging, workspace.Event{Kind: workspace.EventMergeFailed}, clk)
	assert.Equal(t, workspace.StateActive, back.State)
	assert.Nil(t, effects)
}

func TestRemoveFromActiveEmitsRemoveWorktreeAndDeleted(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	w := workspace.New("w1", "p1", "ws", "/tmp/w1", "feature/x", clk.At)
	active, _ := workspace.Transition(w, workspace.Event{Kind: workspace.EventCreated}, clk)

	removed, effects := workspace.Transition(active, workspace.Event{Kind: workspace.EventRemove, Reason: "pipeline done"}, clk)
	assert.True(t, removed.IsTerminal())
	require.Len(t, effects, 2)
	assert.Equal(t, event.EffectRemoveWorktree, effects[0].Kind)
	assert.Equal(t, "/tmp/w1", effects[0].Fields["path"])
	ev := effects[1].Fields["event"].(event.Event)
	assert.Equal(t, event.KindWorkspaceDeleted, ev.Kind)
	assert.Equal(t, "pipeline done", ev.Payload["reason"])
}

func TestRemoveOnTerminalWorkspaceIsANoOp(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	w := workspace.New("w1", "p1", "ws", "/tmp/w1", "feature/x", clk.At)
	active, _ := workspace.Transition(w, workspace.Event{Kind: workspace.EventCreated}, clk)
	removed, _ := workspace.Transition(active, workspace.Event{Kind: workspace.EventRemove}, clk)

	same, effects := workspace.Transition(removed, workspace.Event{Kind: workspace.EventRemove}, clk)
	assert.Equal(t, removed, same)
	assert.Nil(t, effects)
}
