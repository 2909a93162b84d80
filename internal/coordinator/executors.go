package coordinator

import (
	"fmt"
	"strings"

	"github.com/ottercluster/otter/internal/executor"
	"github.com/ottercluster/otter/pkg/types"
)

// MembershipChange is the payload of one membership update task: nodes
// joining the cluster and nodes leaving it. Applying a join for an existing
// node refreshes its address; a leave for an unknown node is a no-op.
type MembershipChange struct {
	Joins  []types.Node
	Leaves []types.NodeID
}

func (c MembershipChange) String() string {
	parts := make([]string, 0, len(c.Joins)+len(c.Leaves))
	for _, n := range c.Joins {
		parts = append(parts, "join "+n.String())
	}
	for _, id := range c.Leaves {
		parts = append(parts, "leave "+string(id))
	}
	return strings.Join(parts, ", ")
}

// membershipExecutor folds a batch of membership changes into one new
// cluster state. Tasks apply in submission order, so a join and a later
// leave of the same node within one batch cancel out.
type membershipExecutor struct{}

func (membershipExecutor) RunOnlyOnLeader() bool { return true }

func validateChange(c MembershipChange) error {
	for _, n := range c.Joins {
		if n.ID == "" {
			return fmt.Errorf("coordinator: join with empty node id")
		}
	}
	for _, id := range c.Leaves {
		if id == "" {
			return fmt.Errorf("coordinator: leave with empty node id")
		}
	}
	return nil
}

func (membershipExecutor) Execute(current *types.ClusterState, tasks []*executor.Task[MembershipChange]) (*executor.TasksResult[MembershipChange], error) {
	members := make(map[types.NodeID]types.Node, len(current.Nodes))
	for id, n := range current.Nodes {
		members[id] = n
	}

	builder := executor.NewResultBuilder[MembershipChange]()
	changed := false
	for _, t := range tasks {
		if err := validateChange(t.Data); err != nil {
			// An invalid task applies nothing; the rest of the batch is
			// unaffected.
			builder.Failure(t, err)
			continue
		}
		for _, n := range t.Data.Joins {
			if existing, ok := members[n.ID]; !ok || existing != n {
				members[n.ID] = n
				changed = true
			}
		}
		for _, id := range t.Data.Leaves {
			if _, ok := members[id]; ok {
				delete(members, id)
				changed = true
			}
		}
		builder.Success(t)
	}

	if !changed {
		return builder.Build(current), nil
	}
	nodes := make([]types.Node, 0, len(members))
	for _, n := range members {
		nodes = append(nodes, n)
	}
	return builder.Build(current.WithNodes(nodes)), nil
}

// RerouteRequest asks the allocator to re-evaluate shard placement. The
// request itself carries no placement data; the batch collapses to a single
// version bump however many requests it contains.
type RerouteRequest struct {
	Reason string
}

func (r RerouteRequest) String() string { return "reroute: " + r.Reason }

type rerouteExecutor struct{}

func (rerouteExecutor) RunOnlyOnLeader() bool { return true }

func (rerouteExecutor) Execute(current *types.ClusterState, tasks []*executor.Task[RerouteRequest]) (*executor.TasksResult[RerouteRequest], error) {
	builder := executor.NewResultBuilder[RerouteRequest]()
	builder.Successes(tasks)
	return builder.Build(current.Bump()), nil
}

// BlockIndices marks indices read-only in the cluster blocks.
type BlockIndices struct {
	Indices []string
}

func (b BlockIndices) String() string {
	return "mark read-only: " + strings.Join(b.Indices, ", ")
}

type blockIndicesExecutor struct{}

func (blockIndicesExecutor) RunOnlyOnLeader() bool { return true }

func (blockIndicesExecutor) Execute(current *types.ClusterState, tasks []*executor.Task[BlockIndices]) (*executor.TasksResult[BlockIndices], error) {
	missing := make([]string, 0)
	for _, t := range tasks {
		for _, index := range t.Data.Indices {
			if !current.IndexWriteBlocked(index) {
				missing = append(missing, index)
			}
		}
	}

	builder := executor.NewResultBuilder[BlockIndices]()
	builder.Successes(tasks)
	if len(missing) == 0 {
		// Every index is already blocked; re-applying would publish a state
		// that differs only in version.
		return builder.Build(current), nil
	}
	return builder.Build(current.WithBlock(missing...)), nil
}
