package runtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerWheelFiresAfterDuration(t *testing.T) {
	var mu sync.Mutex
	var fired []string
	w := NewTimerWheel(func(id string) {
		mu.Lock()
		fired = append(fired, id)
		mu.Unlock()
	})

	w.Set("cron:c1", 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1 && fired[0] == "cron:c1"
	}, time.Second, 5*time.Millisecond)
}

func TestTimerWheelReArmReplacesPendingFiring(t *testing.T) {
	var mu sync.Mutex
	count := 0
	w := NewTimerWheel(func(id string) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	w.Set("watcher:w1:check", 20*time.Millisecond)
	w.Set("watcher:w1:check", 50*time.Millisecond) // replaces, doesn't stack

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, count, "re-armed timer should not have fired yet")
	mu.Unlock()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTimerWheelCancelPreventsFiring(t *testing.T) {
	var mu sync.Mutex
	fired := false
	w := NewTimerWheel(func(id string) {
		mu.Lock()
		fired = true
		mu.Unlock()
	})

	w.Set("action:a1", 10*time.Millisecond)
	w.Cancel("action:a1")

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, fired)
}

func TestTimerWheelStopAllCancelsEverything(t *testing.T) {
	var mu sync.Mutex
	count := 0
	w := NewTimerWheel(func(id string) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	w.Set("cron:c1", 10*time.Millisecond)
	w.Set("cron:c2", 10*time.Millisecond)
	w.StopAll()

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}
