package connmgr

import (
	"context"
	"sync/atomic"
)

// countDown is a counting barrier: wait blocks until countDown has been
// called n times. Unlike a WaitGroup the wait is cancellable, which
// ConnectToNodes needs so a cancelled caller returns promptly while in-flight
// connection attempts keep running and counting down on their own.
type countDown struct {
	remaining atomic.Int64
	done      chan struct{}
}

func newCountDown(n int) *countDown {
	c := &countDown{done: make(chan struct{})}
	c.remaining.Store(int64(n))
	if n <= 0 {
		close(c.done)
	}
	return c
}

// countDown records one completion. Calls beyond n are ignored.
func (c *countDown) countDown() {
	if c.remaining.Add(-1) == 0 {
		close(c.done)
	}
}

// wait blocks until the count reaches zero or ctx is cancelled. It reports
// whether the barrier actually opened.
func (c *countDown) wait(ctx context.Context) bool {
	select {
	case <-c.done:
		return true
	case <-ctx.Done():
		return false
	}
}
