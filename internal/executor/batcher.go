package executor

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ottercluster/otter/internal/metrics"
	"github.com/ottercluster/otter/pkg/types"
)

var (
	// ErrNotLeader fails tasks submitted to a leader-only executor while the
	// local node does not hold leadership.
	ErrNotLeader = errors.New("executor: not the cluster leader")
	// ErrBatcherStopped fails tasks that were still queued when the batcher
	// shut down, and rejects submissions after shutdown.
	ErrBatcherStopped = errors.New("executor: batcher is stopped")
)

// Pending tracks one submitted task until it is resolved. Every task is
// resolved exactly once; Done is closed at that point and Result is valid
// afterwards.
type Pending[T any] struct {
	Task *Task[T]

	done   chan struct{}
	result TaskResult
}

// Done returns a channel closed once the task has been resolved.
func (p *Pending[T]) Done() <-chan struct{} { return p.done }

// Result returns the task's outcome. Only valid after Done is closed.
func (p *Pending[T]) Result() TaskResult { return p.result }

// Wait blocks until the task is resolved and returns its failure cause, if
// any.
func (p *Pending[T]) Wait() error {
	<-p.done
	return p.result.Err()
}

func (p *Pending[T]) resolve(r TaskResult) {
	p.result = r
	close(p.done)
}

// Config configures a Batcher.
type Config struct {
	// InitialState is the state the batcher starts from. Required.
	InitialState *types.ClusterState

	// Leader reports whether the local node currently holds leadership.
	// Consulted per batch for executors that run only on the leader. Defaults
	// to always-true (standalone operation).
	Leader func() bool

	// Publish is invoked on the update goroutine after a batch produced a
	// changed state, before per-task results are delivered.
	Publish func(old, new *types.ClusterState)

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Batcher owns the single serializing cluster update goroutine. Tasks are
// submitted concurrently from arbitrary goroutines through typed queues (see
// Register); tasks queued for the same executor are coalesced into one
// Execute call, and at most one Execute is ever in flight.
type Batcher struct {
	cfg Config
	log *slog.Logger

	state atomic.Pointer[types.ClusterState]
	seq   atomic.Uint64

	mu      sync.Mutex
	dirty   []batchRunner // queues with pending tasks, FIFO
	stopped bool

	signal chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// batchRunner is the type-erased view of a Queue the run loop works with.
type batchRunner interface {
	runBatch()
	failPending(err error)
}

// NewBatcher creates a stopped batcher at cfg.InitialState.
func NewBatcher(cfg Config) *Batcher {
	if cfg.InitialState == nil {
		panic("executor: Config.InitialState is required")
	}
	if cfg.Leader == nil {
		cfg.Leader = func() bool { return true }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &Batcher{
		cfg:    cfg,
		log:    cfg.Logger,
		signal: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	b.state.Store(cfg.InitialState)
	return b
}

// State returns the last applied cluster state.
func (b *Batcher) State() *types.ClusterState { return b.state.Load() }

// Start launches the update goroutine.
func (b *Batcher) Start() {
	b.wg.Add(1)
	go b.run()
}

// Stop shuts the batcher down. Tasks still queued are failed with
// ErrBatcherStopped; an in-flight batch completes first.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()

	// Drain whatever was queued after the run loop exited.
	b.mu.Lock()
	remaining := b.dirty
	b.dirty = nil
	b.mu.Unlock()
	for _, q := range remaining {
		q.failPending(ErrBatcherStopped)
	}
}

func (b *Batcher) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case <-b.signal:
			for {
				q := b.popDirty()
				if q == nil {
					break
				}
				q.runBatch()
			}
		}
	}
}

func (b *Batcher) popDirty() batchRunner {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.dirty) == 0 {
		return nil
	}
	q := b.dirty[0]
	b.dirty = b.dirty[1:]
	return q
}

// markDirty enqueues q for the run loop unless it is already queued.
func (b *Batcher) markDirty(q batchRunner) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrBatcherStopped
	}
	queued := false
	for _, d := range b.dirty {
		if d == q {
			queued = true
			break
		}
	}
	if !queued {
		b.dirty = append(b.dirty, q)
	}
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return nil
}

// Queue is the typed submission handle for one executor registered with a
// batcher.
type Queue[T any] struct {
	b    *Batcher
	exec Executor[T]
	name string

	mu      sync.Mutex
	pending []*Pending[T]
}

// Register binds an executor to the batcher under a name used in logs, and
// returns the queue callers submit through.
func Register[T any](b *Batcher, name string, exec Executor[T]) *Queue[T] {
	return &Queue[T]{b: b, exec: exec, name: name}
}

// Submit queues one task. It never blocks on the update goroutine; the
// returned Pending resolves once the task's batch has run.
func (q *Queue[T]) Submit(source string, data T) (*Pending[T], error) {
	task := &Task[T]{Data: data, source: source, seq: q.b.seq.Add(1)}
	p := &Pending[T]{Task: task, done: make(chan struct{})}

	q.mu.Lock()
	q.pending = append(q.pending, p)
	q.mu.Unlock()

	if err := q.b.markDirty(q); err != nil {
		// The batcher is stopped and will never run this queue again; fail
		// whatever is pending, including the task just added.
		q.failPending(err)
		return nil, err
	}
	return p, nil
}

func (q *Queue[T]) take() []*Pending[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.pending
	q.pending = nil
	return batch
}

func (q *Queue[T]) failPending(err error) {
	for _, p := range q.take() {
		p.resolve(Failure(err))
	}
}

// runBatch executes every pending task of this queue as one batch. Runs on
// the update goroutine only.
func (q *Queue[T]) runBatch() {
	batch := q.take()
	if len(batch) == 0 {
		return
	}

	tasks := make([]*Task[T], len(batch))
	for i, p := range batch {
		tasks[i] = p.Task
	}

	b := q.b
	if q.exec.RunOnlyOnLeader() && !b.cfg.Leader() {
		b.log.Debug("skipping update, not leader", "executor", q.name, "tasks", len(tasks))
		for _, p := range batch {
			p.resolve(Failure(ErrNotLeader))
		}
		return
	}

	current := b.state.Load()
	b.log.Debug("executing cluster state update",
		"executor", q.name,
		"tasks", DescribeTasks(tasks))

	result, err := q.exec.Execute(current, tasks)
	b.cfg.Metrics.RecordStateUpdate()
	if err != nil {
		// Whole-batch failure: no task resolved successfully, previous state
		// unchanged, safe for callers to retry with a fresh batch.
		b.cfg.Metrics.RecordStateUpdateError()
		b.log.Warn("cluster state update failed",
			"executor", q.name,
			"tasks", DescribeTasks(tasks),
			"error", err)
		for _, p := range batch {
			p.resolve(Failure(err))
		}
		return
	}

	// Every task must have exactly one result. A missing entry is a bug in
	// the executor, on par with assigning a duplicate result.
	for _, t := range tasks {
		if _, ok := result.Results[t]; !ok {
			panic("executor: task " + t.Describe() + " missing from batch result")
		}
	}

	next := result.ResultingState
	if next != nil && next != current {
		started := time.Now()
		b.state.Store(next)
		if b.cfg.Publish != nil {
			b.cfg.Publish(current, next)
		}
		b.notifyPublished(q, executorChangedEvent(q, current, next, tasks))
		b.cfg.Metrics.RecordPublish(next.Version, time.Since(started).Seconds())
		b.log.Info("published cluster state",
			"executor", q.name,
			"version", next.Version)
	}

	for _, p := range batch {
		p.resolve(result.Results[p.Task])
	}
}

func executorChangedEvent[T any](q *Queue[T], old, new *types.ClusterState, tasks []*Task[T]) ChangedEvent {
	return ChangedEvent{Previous: old, Current: new, Summary: DescribeTasks(tasks)}
}

// notifyPublished invokes the executor's post-publish hook, if it has one.
// The hook runs with a recover guard so it cannot break publication.
func (b *Batcher) notifyPublished(q batchRunner, ev ChangedEvent) {
	hook, ok := q.(interface{ publishedHook() PublishedHook })
	if !ok {
		return
	}
	h := hook.publishedHook()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("cluster state published hook panicked", "panic", r)
		}
	}()
	h.ClusterStatePublished(ev)
}

func (q *Queue[T]) publishedHook() PublishedHook {
	if h, ok := q.exec.(PublishedHook); ok {
		return h
	}
	return nil
}
