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

func TestActionTriggerEntersCooldownAndSetsTimer(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	a := scheduling.NewAction("a", "deploy", 30*time.Second)

	next, effects := scheduling.TransitionAction(a, scheduling.ActionEventTrigger, clk)

	assert.Equal(t, scheduling.ActionCooldown, next.State)
	assert.Equal(t, clk.At, next.LastRun)
	require.Len(t, effects, 2)
	evs := emitted(t, effects)
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindActionTriggered, evs[0].Kind)
	assert.True(t, hasTimer(effects, event.EffectSetTimer, scheduling.TimerIDForActionCooldown("a")))
}

func TestActionWithZeroCooldownReturnsToIdleImmediately(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	a := scheduling.NewAction("a", "deploy", 0)

	next, effects := scheduling.TransitionAction(a, scheduling.ActionEventTrigger, clk)

	assert.Equal(t, scheduling.ActionIdle, next.State)
	assert.False(t, hasTimer(effects, event.EffectSetTimer, scheduling.TimerIDForActionCooldown("a")))
}

func TestActionTriggerDuringCooldownIsANoOp(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	a := scheduling.NewAction("a", "deploy", 30*time.Second)
	cooling, _ := scheduling.TransitionAction(a, scheduling.ActionEventTrigger, clk)

	same, effects := scheduling.TransitionAction(cooling, scheduling.ActionEventTrigger, clk)
	assert.Equal(t, cooling, same)
	assert.Nil(t, effects)
}

func TestActionCooldownExpireReturnsToIdle(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	a := scheduling.NewAction("a", "deploy", 30*time.Second)
	cooling, _ := scheduling.TransitionAction(a, scheduling.ActionEventTrigger, clk)

	idle, effects := scheduling.TransitionAction(cooling, scheduling.ActionEventCooldownExpire, clk)
	assert.Equal(t, scheduling.ActionIdle, idle.State)
	assert.Nil(t, effects)
}

func TestActionCooldownExpireWhileIdleIsANoOp(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	a := scheduling.NewAction("a", "deploy", 30*time.Second)

	same, effects := scheduling.TransitionAction(a, scheduling.ActionEventCooldownExpire, clk)
	assert.Equal(t, a, same)
	assert.Nil(t, effects)
}
