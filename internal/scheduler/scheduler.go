// Package scheduler provides the small deferred-execution primitives the
// coordination components rely on: one-shot scheduling with a cancellation
// handle and a cancelable recurring tick.
package scheduler

import (
	"sync"
	"time"
)

// Cancelable is a handle to a scheduled task.
type Cancelable interface {
	// Cancel prevents a not-yet-started run from firing. A task that is
	// already running is not interrupted. Cancel is idempotent.
	Cancel()
}

type oneShot struct {
	timer *time.Timer
}

func (o *oneShot) Cancel() {
	o.timer.Stop()
}

// ScheduleOnce runs fn once after delay on its own goroutine.
func ScheduleOnce(delay time.Duration, fn func()) Cancelable {
	return &oneShot{timer: time.AfterFunc(delay, fn)}
}

type recurring struct {
	stopOnce sync.Once
	stopCh   chan struct{}
}

func (r *recurring) Cancel() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// ScheduleRecurring runs fn every interval until the handle is canceled.
// Runs do not overlap: a tick that fires while fn is still executing is
// delivered after fn returns, per time.Ticker semantics.
func ScheduleRecurring(interval time.Duration, fn func()) Cancelable {
	r := &recurring{stopCh: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				// Re-check before running so a Cancel racing the tick wins.
				select {
				case <-r.stopCh:
					return
				default:
				}
				fn()
			}
		}
	}()
	return r
}
