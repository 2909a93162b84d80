package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduleOnceFires(t *testing.T) {
	fired := make(chan struct{})
	ScheduleOnce(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled function never ran")
	}
}

func TestScheduleOnceCancel(t *testing.T) {
	var fired atomic.Bool
	c := ScheduleOnce(50*time.Millisecond, func() { fired.Store(true) })
	c.Cancel()

	time.Sleep(150 * time.Millisecond)
	assert.False(t, fired.Load(), "cancelled function should not run")
}

func TestScheduleRecurring(t *testing.T) {
	var runs atomic.Int32
	c := ScheduleRecurring(10*time.Millisecond, func() { runs.Add(1) })
	defer c.Cancel()

	assert.Eventually(t, func() bool { return runs.Load() >= 3 },
		2*time.Second, 5*time.Millisecond)

	c.Cancel()
	settled := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, runs.Load(), settled+1, "no further runs after cancel")
}
