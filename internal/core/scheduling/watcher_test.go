package scheduling_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfredjean/ojd/internal/core/clock"
	"github.com/alfredjean/ojd/internal/core/event"
	"github.com/alfredjean/ojd/internal/core/scheduling"
)

func newTestWatcher(responseChain []string) scheduling.Watcher {
	src := scheduling.Source{Kind: scheduling.SourceHTTP, Ref: "http://example/health"}
	cond := scheduling.Condition{Kind: scheduling.ConditionEquals, Value: "down"}
	return scheduling.NewWatcher("w1", "health", time.Minute, src, cond, responseChain)
}

// S6: watcher chain — check_due arms Checking; a matched value fires the
// first action in the response chain and moves to Responding; each
// response_tick advances to the next action until the chain is exhausted,
// at which point the watcher returns to Idle and re-arms its check timer.
func TestWatcherChainAdvancesThroughResponseChain(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	w := newTestWatcher([]string{"action-1", "action-2"})

	checking, effects := scheduling.TransitionWatcherCheckDue(w, clk)
	assert.Equal(t, scheduling.WatcherChecking, checking.State)
	assert.Nil(t, effects)

	responding, effects := scheduling.TransitionWatcherValue(checking, "down", true, clk)
	assert.Equal(t, scheduling.WatcherResponding, responding.State)
	assert.Equal(t, "down", responding.LastValue)
	evs := emitted(t, effects)
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindWatcherFired, evs[0].Kind)
	scheduled := false
	for _, e := range effects {
		if e.Kind == event.EffectScheduleTask && e.Fields["action_id"] == "action-1" {
			scheduled = true
		}
	}
	assert.True(t, scheduled)

	step2, effects := scheduling.TransitionWatcherResponseTick(responding, clk)
	assert.Equal(t, scheduling.WatcherResponding, step2.State)
	assert.Equal(t, 1, step2.ResponseIndex())
	scheduled = false
	for _, e := range effects {
		if e.Kind == event.EffectScheduleTask && e.Fields["action_id"] == "action-2" {
			scheduled = true
		}
	}
	assert.True(t, scheduled)

	done, effects := scheduling.TransitionWatcherResponseTick(step2, clk)
	assert.Equal(t, scheduling.WatcherIdle, done.State)
	assert.True(t, hasTimer(effects, event.EffectSetTimer, scheduling.TimerIDForWatcherCheck("w1")))
}

func TestWatcherUnmatchedValueReturnsToIdleAndRearms(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	w := newTestWatcher([]string{"action-1"})
	checking, _ := scheduling.TransitionWatcherCheckDue(w, clk)

	idle, effects := scheduling.TransitionWatcherValue(checking, "up", false, clk)
	assert.Equal(t, scheduling.WatcherIdle, idle.State)
	assert.Equal(t, "up", idle.LastValue)
	assert.True(t, hasTimer(effects, event.EffectSetTimer, scheduling.TimerIDForWatcherCheck("w1")))
	assert.Empty(t, emitted(t, effects))
}

func TestWatcherWithEmptyResponseChainGoesStraightBackToIdle(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	w := newTestWatcher(nil)
	checking, _ := scheduling.TransitionWatcherCheckDue(w, clk)

	next, effects := scheduling.TransitionWatcherValue(checking, "down", true, clk)
	assert.Equal(t, scheduling.WatcherIdle, next.State)
	assert.True(t, hasTimer(effects, event.EffectSetTimer, scheduling.TimerIDForWatcherCheck("w1")))
	evs := emitted(t, effects)
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindWatcherFired, evs[0].Kind)
}

func TestWatcherCheckDueWhileAlreadyCheckingIsANoOp(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	w := newTestWatcher(nil)
	checking, _ := scheduling.TransitionWatcherCheckDue(w, clk)

	same, effects := scheduling.TransitionWatcherCheckDue(checking, clk)
	assert.Equal(t, checking, same)
	assert.Nil(t, effects)
}

func TestWatcherResponseTickWhileNotRespondingIsANoOp(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	w := newTestWatcher([]string{"action-1"})

	same, effects := scheduling.TransitionWatcherResponseTick(w, clk)
	assert.Equal(t, w, same)
	assert.Nil(t, effects)
}

func TestWithResponseIndexRestoresProgress(t *testing.T) {
	w := newTestWatcher([]string{"a", "b", "c"})
	restored := w.WithResponseIndex(2)
	assert.Equal(t, 2, restored.ResponseIndex())
}
