// Package executor implements batched cluster state updates: the executor
// contract that turns the current state plus a list of pending tasks into a
// new state, per-task result bookkeeping, and the serializing batcher that
// coalesces concurrent submissions into single execute calls.
package executor

import (
	"fmt"
	"strings"

	"github.com/ottercluster/otter/pkg/types"
)

// Task is the opaque handle assigned to a unit of work at submission time.
// Handles are compared by pointer: two tasks carrying equal payloads are
// distinct keys in a result map, so a payload may be submitted twice without
// the results colliding.
type Task[T any] struct {
	// Data is the caller-supplied payload, opaque to the batcher.
	Data T

	source string
	seq    uint64
}

// Source returns the label the submitter attached for observability.
func (t *Task[T]) Source() string { return t.source }

// Describe returns a short human-readable description of the task: the
// payload's String() if it has one, the submission source otherwise.
func (t *Task[T]) Describe() string {
	if s, ok := any(t.Data).(fmt.Stringer); ok {
		return s.String()
	}
	return t.source
}

// DescribeTasks builds a concise, comma-joined summary of the non-empty task
// descriptions. It is side-effect free and may be called repeatedly with
// different subsets of a batch before execution.
func DescribeTasks[T any](tasks []*Task[T]) string {
	parts := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if d := t.Describe(); d != "" {
			parts = append(parts, d)
		}
	}
	return strings.Join(parts, ", ")
}

// TaskResult is the outcome of a single task: success, or failure with a
// cause. The zero value is not a valid result.
type TaskResult struct {
	ok  bool
	err error
}

var successResult = TaskResult{ok: true}

// Success returns the shared success result.
func Success() TaskResult { return successResult }

// Failure returns a failure result with the given cause.
func Failure(err error) TaskResult { return TaskResult{err: err} }

// Succeeded reports whether the task succeeded.
func (r TaskResult) Succeeded() bool { return r.ok }

// Err returns the failure cause, nil for a success.
func (r TaskResult) Err() error { return r.err }

// TasksResult is the outcome of executing one batch. ResultingState is nil
// when the executor decided to apply no change; it is the same pointer as the
// input state when the executor looked and found nothing to do. Results holds
// exactly one entry per executed task.
type TasksResult[T any] struct {
	ResultingState *types.ClusterState
	Results        map[*Task[T]]TaskResult
}

// ResultBuilder accumulates per-task outcomes for a batch. Each task may be
// assigned a result at most once; a second assignment is a programming error
// and panics.
type ResultBuilder[T any] struct {
	results map[*Task[T]]TaskResult
}

// NewResultBuilder returns an empty builder.
func NewResultBuilder[T any]() *ResultBuilder[T] {
	return &ResultBuilder[T]{results: make(map[*Task[T]]TaskResult)}
}

func (b *ResultBuilder[T]) result(task *Task[T], r TaskResult) *ResultBuilder[T] {
	if _, dup := b.results[task]; dup {
		panic(fmt.Sprintf("executor: task %q already has a result", task.Describe()))
	}
	b.results[task] = r
	return b
}

// Success records a success for the task.
func (b *ResultBuilder[T]) Success(task *Task[T]) *ResultBuilder[T] {
	return b.result(task, Success())
}

// Successes records a success for every task.
func (b *ResultBuilder[T]) Successes(tasks []*Task[T]) *ResultBuilder[T] {
	for _, task := range tasks {
		b.Success(task)
	}
	return b
}

// Failure records a failure with the given cause for the task.
func (b *ResultBuilder[T]) Failure(task *Task[T], err error) *ResultBuilder[T] {
	return b.result(task, Failure(err))
}

// Failures records the same failure cause for every task.
func (b *ResultBuilder[T]) Failures(tasks []*Task[T], err error) *ResultBuilder[T] {
	for _, task := range tasks {
		b.Failure(task, err)
	}
	return b
}

// Build finalizes the batch result with the given resulting state. Pass the
// input state unchanged to signal "nothing to do", or nil to signal "apply no
// change".
func (b *ResultBuilder[T]) Build(resulting *types.ClusterState) *TasksResult[T] {
	return &TasksResult[T]{ResultingState: resulting, Results: b.results}
}

// BuildFrom finalizes using a previously built nested result, substituting
// previous for the nested result's state when that state is nil. This
// propagates "no change" semantics across executor composition.
func (b *ResultBuilder[T]) BuildFrom(nested *TasksResult[T], previous *types.ClusterState) *TasksResult[T] {
	resulting := nested.ResultingState
	if resulting == nil {
		resulting = previous
	}
	return &TasksResult[T]{ResultingState: resulting, Results: b.results}
}

// ChangedEvent carries the old and new states of a published change.
type ChangedEvent struct {
	Previous *types.ClusterState
	Current  *types.ClusterState
	Summary  string
}

// Executor computes a new cluster state from the current state and a batch of
// tasks.
//
// Execute reports task-level failures through the result mapping, never by
// returning an error: a non-nil error is a whole-batch failure and the caller
// must treat it as "no task resolved, previous state unchanged". If no task
// requires a state change Execute returns the same *ClusterState it was
// given; the batcher uses that pointer identity to skip publication.
type Executor[T any] interface {
	Execute(current *types.ClusterState, tasks []*Task[T]) (*TasksResult[T], error)

	// RunOnlyOnLeader reports whether batches for this executor may only run
	// while the local node holds cluster leadership. Consulted before every
	// Execute invocation.
	RunOnlyOnLeader() bool
}

// PublishedHook is implemented by executors that want a callback after a
// changed state has been published. The hook runs on the update goroutine and
// must stay side-effect-light; a panic is recovered and logged so it cannot
// break publication.
type PublishedHook interface {
	ClusterStatePublished(ev ChangedEvent)
}
