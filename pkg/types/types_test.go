package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithNodesDropsDepartedRouting(t *testing.T) {
	s := NewClusterState().
		WithNodes([]Node{{ID: "a"}, {ID: "b"}}).
		WithRouting("a", []string{"idx-1"}).
		WithRouting("b", []string{"idx-2"})

	next := s.WithNodes([]Node{{ID: "a"}})

	assert.Equal(t, []string{"idx-1"}, next.IndicesOnNode("a"))
	assert.Empty(t, next.IndicesOnNode("b"), "routing of a departed node should be dropped")
	assert.Equal(t, s.Version+1, next.Version)
}

func TestWithHelpersDoNotMutateOriginal(t *testing.T) {
	s := NewClusterState().WithNodes([]Node{{ID: "a"}})
	version := s.Version

	_ = s.WithNodes([]Node{{ID: "a"}, {ID: "b"}})
	_ = s.WithRouting("a", []string{"idx-1"})
	_ = s.WithBlock("idx-1")
	_ = s.Bump()

	assert.Equal(t, version, s.Version)
	assert.Len(t, s.Nodes, 1)
	assert.Empty(t, s.IndicesOnNode("a"))
	assert.False(t, s.IndexWriteBlocked("idx-1"))
}

func TestMembersSorted(t *testing.T) {
	s := NewClusterState().WithNodes([]Node{{ID: "c"}, {ID: "a"}, {ID: "b"}})

	members := s.Members()
	require.Len(t, members, 3)
	assert.Equal(t, NodeID("a"), members[0].ID)
	assert.Equal(t, NodeID("b"), members[1].ID)
	assert.Equal(t, NodeID("c"), members[2].ID)
}

func TestWithBlock(t *testing.T) {
	s := NewClusterState().WithBlock("idx-1", "idx-2")

	assert.True(t, s.IndexWriteBlocked("idx-1"))
	assert.True(t, s.IndexWriteBlocked("idx-2"))
	assert.False(t, s.IndexWriteBlocked("idx-3"))
}

func TestFreePercent(t *testing.T) {
	assert.InDelta(t, 25.0, DiskUsage{TotalBytes: 400, FreeBytes: 100}.FreePercent(), 0.001)
	assert.InDelta(t, 100.0, DiskUsage{TotalBytes: 0, FreeBytes: 0}.FreePercent(), 0.001,
		"unknown total should count as fully free")
}
