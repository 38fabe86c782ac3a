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

func TestProcessTimerDispatchesActionCooldown(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	mgr := scheduling.NewManager()
	mgr.AddAction(scheduling.NewAction("a1", "n", 30*time.Second))
	mgr.TriggerAction("a1", clk)
	require.Equal(t, scheduling.ActionCooldown, mgr.Actions["a1"].State)

	effects := mgr.ProcessTimer("action:a1:cooldown", clk)
	assert.Equal(t, scheduling.ActionIdle, mgr.Actions["a1"].State)
	assert.Nil(t, effects)
}

func TestProcessTimerDispatchesWatcherCheck(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	mgr := scheduling.NewManager()
	src := scheduling.Source{Kind: scheduling.SourceHTTP, Ref: "http://x"}
	cond := scheduling.Condition{Kind: scheduling.ConditionEquals, Value: "ok"}
	mgr.AddWatcher(scheduling.NewWatcher("w1", "n", time.Minute, src, cond, nil))

	effects := mgr.ProcessTimer("watcher:w1:check", clk)
	assert.Equal(t, scheduling.WatcherChecking, mgr.Watchers["w1"].State)
	assert.Nil(t, effects)
}

func TestProcessTimerDispatchesScanner(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	mgr := scheduling.NewManager()
	src := scheduling.Source{Kind: scheduling.SourceShell, Ref: "ls"}
	cond := scheduling.Condition{Kind: scheduling.ConditionMatches, Value: ".*"}
	mgr.AddScanner(scheduling.NewScanner("s1", "n", time.Minute, src, cond, "cleanup"))

	effects := mgr.ProcessTimer("scanner:s1", clk)
	assert.Equal(t, scheduling.ScannerScanning, mgr.Scanners["s1"].State)
	assert.Nil(t, effects)
}

func TestProcessTimerOnCronIDIsNoOpDeferredToEngine(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	mgr := scheduling.NewManager()
	mgr.AddCron(scheduling.NewCron("c1", "n", time.Minute, "a1"))

	effects := mgr.ProcessTimer("cron:c1", clk)
	assert.Nil(t, effects)
	assert.Equal(t, scheduling.CronEnabled, mgr.Crons["c1"].State)
}

func TestProcessTimerUnknownIDIsIgnored(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	mgr := scheduling.NewManager()
	assert.Nil(t, mgr.ProcessTimer("watcher:missing:check", clk))
	assert.Nil(t, mgr.ProcessTimer("garbage", clk))
}

func TestEnableDisableCronTogglesTimer(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	mgr := scheduling.NewManager()
	mgr.AddCron(scheduling.NewCron("c1", "n", time.Minute, "a1"))

	effects := mgr.DisableCron("c1", clk)
	assert.Equal(t, scheduling.CronDisabled, mgr.Crons["c1"].State)
	found := false
	for _, e := range effects {
		if e.Kind == event.EffectCancelTimer {
			found = true
		}
	}
	assert.True(t, found)

	effects = mgr.EnableCron("c1", clk)
	assert.Equal(t, scheduling.CronEnabled, mgr.Crons["c1"].State)
	assert.True(t, hasTimer(effects, event.EffectSetTimer, scheduling.TimerIDForCron("c1")))
}

func TestStatsSnapshotCountsEnabledCrons(t *testing.T) {
	clk := clock.Fixed{At: time.Unix(1000, 0)}
	mgr := scheduling.NewManager()
	mgr.AddCron(scheduling.NewCron("c1", "n", time.Minute, "a1"))
	mgr.AddCron(scheduling.NewCron("c2", "n", time.Minute, "a1"))
	mgr.DisableCron("c2", clk)

	st := mgr.StatsSnapshot()
	assert.Equal(t, 2, st.Crons)
	assert.Equal(t, 1, st.CronsEnabled)
}

func TestRemoveCronActionWatcherScanner(t *testing.T) {
	mgr := scheduling.NewManager()
	mgr.AddCron(scheduling.NewCron("c1", "n", time.Minute, "a1"))
	mgr.AddAction(scheduling.NewAction("a1", "n", time.Minute))
	src := scheduling.Source{Kind: scheduling.SourceHTTP, Ref: "x"}
	cond := scheduling.Condition{Kind: scheduling.ConditionEquals, Value: "y"}
	mgr.AddWatcher(scheduling.NewWatcher("w1", "n", time.Minute, src, cond, nil))
	mgr.AddScanner(scheduling.NewScanner("s1", "n", time.Minute, src, cond, "c"))

	mgr.RemoveCron("c1")
	mgr.RemoveAction("a1")
	mgr.RemoveWatcher("w1")
	mgr.RemoveScanner("s1")

	assert.Empty(t, mgr.Crons)
	assert.Empty(t, mgr.Actions)
	assert.Empty(t, mgr.Watchers)
	assert.Empty(t, mgr.Scanners)
}
