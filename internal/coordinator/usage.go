package coordinator

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ottercluster/otter/pkg/types"
)

// UsageSource supplies cluster-wide disk usage snapshots for the disk
// monitor. A source may reach every node or only the local one; nodes it
// cannot sample are simply absent from the snapshot.
type UsageSource interface {
	Collect(ctx context.Context) (types.ClusterInfo, error)
}

// LocalUsageSource samples the filesystem backing the local data path. It is
// the single-node source; a multi-node deployment aggregates per-node samples
// upstream and feeds them in as one snapshot.
type LocalUsageSource struct {
	NodeID types.NodeID
	Path   string
}

// Collect reads the filesystem statistics of the data path.
func (s LocalUsageSource) Collect(ctx context.Context) (types.ClusterInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.Path, &st); err != nil {
		return types.ClusterInfo{}, fmt.Errorf("coordinator: statfs %s: %w", s.Path, err)
	}
	usage := types.DiskUsage{
		NodeID:     s.NodeID,
		Path:       s.Path,
		TotalBytes: int64(st.Blocks) * st.Bsize,
		// Bavail counts blocks available to unprivileged users, the honest
		// number for "can this process still write".
		FreeBytes: int64(st.Bavail) * st.Bsize,
	}
	return types.ClusterInfo{
		Usages: map[types.NodeID]types.DiskUsage{s.NodeID: usage},
	}, nil
}
