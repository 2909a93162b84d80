package connmgr

import (
	"errors"
	"sync"
)

var (
	// errPoolClosed means the management pool no longer accepts work.
	errPoolClosed = errors.New("connmgr: management pool is closed")
	// errPoolNotStarted means submit was called before start.
	errPoolNotStarted = errors.New("connmgr: management pool not started")
)

// pool is the bounded "management" worker pool that runs connection attempts
// off the caller's goroutine. A fixed number of workers drain a buffered
// function channel; submissions after stop fail with errPoolClosed rather
// than blocking.
type pool struct {
	taskCh chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

func newPool(buffer int) *pool {
	return &pool{
		taskCh: make(chan func(), buffer),
		stopCh: make(chan struct{}),
	}
}

// start launches workerCount workers.
func (p *pool) start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("connmgr: pool already started")
	}
	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.started = true
	return nil
}

// worker runs tasks until the pool stops, then drains whatever is still
// queued. The drain matters: queued connection attempts hold latch counts
// that must be released.
func (p *pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case fn := <-p.taskCh:
			fn()
		case <-p.stopCh:
			for {
				select {
				case fn := <-p.taskCh:
					fn()
				default:
					return
				}
			}
		}
	}
}

// submit hands fn to a worker. It blocks while the buffer is full unless the
// pool stops, in which case it returns errPoolClosed.
func (p *pool) submit(fn func()) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return errPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return errPoolClosed
	}
	// Enqueue under the lock when there is room, so a task accepted before
	// stop is guaranteed to be seen by the workers' drain.
	select {
	case p.taskCh <- fn:
		p.mu.Unlock()
		return nil
	default:
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- fn:
		return nil
	case <-p.stopCh:
		return errPoolClosed
	}
}

// stop rejects further submissions and waits for queued work to drain. The
// task channel is never closed; workers exit through stopCh.
func (p *pool) stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}
