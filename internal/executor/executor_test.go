package executor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ottercluster/otter/pkg/types"
)

type payload struct {
	name string
}

func (p payload) String() string { return p.name }

func TestResultBuilderDuplicatePanics(t *testing.T) {
	task := &Task[payload]{Data: payload{name: "t1"}}
	b := NewResultBuilder[payload]()
	b.Success(task)

	assert.Panics(t, func() { b.Success(task) })
	assert.Panics(t, func() { b.Failure(task, errors.New("boom")) })
}

func TestResultBuilderIdentityKeys(t *testing.T) {
	// Two tasks with equal payloads are distinct handles and get distinct
	// results.
	t1 := &Task[payload]{Data: payload{name: "same"}}
	t2 := &Task[payload]{Data: payload{name: "same"}}

	cause := errors.New("boom")
	result := NewResultBuilder[payload]().
		Success(t1).
		Failure(t2, cause).
		Build(nil)

	require.Len(t, result.Results, 2)
	assert.True(t, result.Results[t1].Succeeded())
	assert.False(t, result.Results[t2].Succeeded())
	assert.Equal(t, cause, result.Results[t2].Err())
}

func TestBuildFromSubstitutesPreviousState(t *testing.T) {
	previous := types.NewClusterState()
	task := &Task[payload]{Data: payload{name: "t1"}}

	nested := NewResultBuilder[payload]().Success(task).Build(nil)
	outer := NewResultBuilder[payload]().Success(task).BuildFrom(nested, previous)

	assert.Same(t, previous, outer.ResultingState,
		"a nil nested state means no change and resolves to the previous state")

	changed := previous.Bump()
	nested = NewResultBuilder[payload]().Success(task).Build(changed)
	outer = NewResultBuilder[payload]().Success(task).BuildFrom(nested, previous)
	assert.Same(t, changed, outer.ResultingState)
}

func TestDescribeTasks(t *testing.T) {
	tasks := []*Task[payload]{
		{Data: payload{name: "first"}},
		{Data: payload{name: ""}, source: ""},
		{Data: payload{name: "third"}},
	}
	assert.Equal(t, "first, third", DescribeTasks(tasks))

	assert.Equal(t, "", DescribeTasks[payload](nil))
}

func TestTaskDescribeFallsBackToSource(t *testing.T) {
	task := &Task[int]{Data: 7, source: "api"}
	assert.Equal(t, "api", task.Describe())
	assert.Equal(t, "api", task.Source())
}
