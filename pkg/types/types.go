// Package types defines the core domain model shared by the otter
// coordination components: cluster state snapshots, node identities and
// disk usage samples.
package types

import (
	"fmt"
	"sort"
)

// NodeID uniquely identifies a node in the cluster.
type NodeID string

// Node describes a cluster member: its identity and transport address.
type Node struct {
	ID   NodeID `json:"id"`
	Addr string `json:"addr"`
}

func (n Node) String() string {
	return fmt.Sprintf("%s[%s]", n.ID, n.Addr)
}

// ClusterBlocks holds cluster-wide index blocks. Only the write block
// (read-only-allow-delete) is modelled here; other block levels belong to
// collaborators outside this core.
type ClusterBlocks struct {
	ReadOnlyIndices map[string]struct{} `json:"read_only_indices"`
}

// IndexWriteBlocked reports whether writes to the index are blocked.
func (b ClusterBlocks) IndexWriteBlocked(index string) bool {
	_, ok := b.ReadOnlyIndices[index]
	return ok
}

// ClusterState is an immutable, versioned snapshot of cluster-wide topology
// and configuration. A state value is never mutated in place: every change
// goes through one of the With* helpers, which copy and bump the version.
// Consumers compare states by pointer identity; returning the same *ClusterState
// from a task executor means "no change".
type ClusterState struct {
	Version int64 `json:"version"`

	// Nodes is the current cluster membership.
	Nodes map[NodeID]Node `json:"nodes"`

	// Routing maps each node to the indices it hosts.
	Routing map[NodeID][]string `json:"routing"`

	Blocks ClusterBlocks `json:"blocks"`
}

// NewClusterState returns an empty state at version 0.
func NewClusterState() *ClusterState {
	return &ClusterState{
		Nodes:   map[NodeID]Node{},
		Routing: map[NodeID][]string{},
		Blocks:  ClusterBlocks{ReadOnlyIndices: map[string]struct{}{}},
	}
}

// Members returns the membership as a slice, sorted by node id for
// deterministic iteration in logs and tests.
func (s *ClusterState) Members() []Node {
	members := make([]Node, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		members = append(members, n)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members
}

// IndicesOnNode returns the indices hosted on the given node. The returned
// slice is shared with the state and must not be modified.
func (s *ClusterState) IndicesOnNode(id NodeID) []string {
	return s.Routing[id]
}

// IndexWriteBlocked reports whether the index carries a write block.
func (s *ClusterState) IndexWriteBlocked(index string) bool {
	return s.Blocks.IndexWriteBlocked(index)
}

// clone copies the state with the version bumped. Maps are copied shallowly
// per entry so the original remains untouched.
func (s *ClusterState) clone() *ClusterState {
	next := &ClusterState{
		Version: s.Version + 1,
		Nodes:   make(map[NodeID]Node, len(s.Nodes)),
		Routing: make(map[NodeID][]string, len(s.Routing)),
		Blocks:  ClusterBlocks{ReadOnlyIndices: make(map[string]struct{}, len(s.Blocks.ReadOnlyIndices))},
	}
	for id, n := range s.Nodes {
		next.Nodes[id] = n
	}
	for id, indices := range s.Routing {
		next.Routing[id] = indices
	}
	for index := range s.Blocks.ReadOnlyIndices {
		next.Blocks.ReadOnlyIndices[index] = struct{}{}
	}
	return next
}

// WithNodes returns a new state whose membership is exactly nodes. Routing
// entries for departed nodes are dropped.
func (s *ClusterState) WithNodes(nodes []Node) *ClusterState {
	next := s.clone()
	next.Nodes = make(map[NodeID]Node, len(nodes))
	for _, n := range nodes {
		next.Nodes[n.ID] = n
	}
	for id := range next.Routing {
		if _, ok := next.Nodes[id]; !ok {
			delete(next.Routing, id)
		}
	}
	return next
}

// WithRouting returns a new state with the given node hosting indices.
func (s *ClusterState) WithRouting(id NodeID, indices []string) *ClusterState {
	next := s.clone()
	next.Routing[id] = indices
	return next
}

// WithBlock returns a new state with a write block added for each index.
func (s *ClusterState) WithBlock(indices ...string) *ClusterState {
	next := s.clone()
	for _, index := range indices {
		next.Blocks.ReadOnlyIndices[index] = struct{}{}
	}
	return next
}

// Bump returns a copy of the state with only the version incremented. Used by
// operations, such as reroute, whose real effect is computed by an external
// allocator.
func (s *ClusterState) Bump() *ClusterState {
	return s.clone()
}

// DiskUsage is one node's disk usage sample for its data path.
type DiskUsage struct {
	NodeID     NodeID `json:"node_id"`
	Path       string `json:"path"`
	TotalBytes int64  `json:"total_bytes"`
	FreeBytes  int64  `json:"free_bytes"`
}

// FreePercent returns the free space as a percentage of the total. A sample
// with an unknown total counts as fully free so it never trips a watermark.
func (u DiskUsage) FreePercent() float64 {
	if u.TotalBytes <= 0 {
		return 100
	}
	return 100 * float64(u.FreeBytes) / float64(u.TotalBytes)
}

func (u DiskUsage) String() string {
	return fmt.Sprintf("[%s] free: %db [%.1f%%]", u.NodeID, u.FreeBytes, u.FreePercent())
}

// ClusterInfo is one cluster-wide disk usage collection snapshot, keyed by
// node id. Nodes absent from Usages were unreachable during collection.
type ClusterInfo struct {
	Usages map[NodeID]DiskUsage `json:"usages"`
}
