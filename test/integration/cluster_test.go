package integration

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ottercluster/otter/internal/connmgr"
	"github.com/ottercluster/otter/internal/coordinator"
	"github.com/ottercluster/otter/internal/diskmonitor"
	"github.com/ottercluster/otter/internal/transport"
	"github.com/ottercluster/otter/pkg/types"
)

// startAgent brings up a node agent on an ephemeral port and returns its
// bound address.
func startAgent(t *testing.T) string {
	t.Helper()
	agent := transport.NewAgent("127.0.0.1:0", slog.Default())
	require.NoError(t, agent.Start())
	t.Cleanup(agent.Stop)
	return agent.Addr()
}

func startCoordinator(t *testing.T, cfg coordinator.Config) (*coordinator.Coordinator, *transport.GRPC) {
	t.Helper()
	wire := transport.NewGRPC(transport.Config{DialTimeout: 500 * time.Millisecond})
	t.Cleanup(wire.Close)

	conns, err := connmgr.NewManager(connmgr.Config{
		ReconnectInterval: 100 * time.Millisecond,
	}, wire)
	require.NoError(t, err)

	cfg.Connections = conns
	coord, err := coordinator.NewCoordinator(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, coord.Start(ctx))
	t.Cleanup(coord.Stop)
	return coord, wire
}

func TestClusterMembershipOverGRPC(t *testing.T) {
	selfAddr := startAgent(t)
	peerAddr := startAgent(t)

	self := types.Node{ID: "node-1", Addr: selfAddr}
	peer := types.Node{ID: "node-2", Addr: peerAddr}

	coord, wire := startCoordinator(t, coordinator.Config{
		Self:   self,
		Leader: true,
	})

	require.NoError(t, coord.Join(context.Background(), peer))
	assert.Contains(t, coord.State().Nodes, types.NodeID("node-2"))
	assert.Eventually(t, func() bool { return wire.IsConnected(peer) },
		5*time.Second, 50*time.Millisecond,
		"the published membership should drive a live connection to the peer")

	require.NoError(t, coord.Leave(context.Background(), "node-2"))
	assert.NotContains(t, coord.State().Nodes, types.NodeID("node-2"))
	assert.Eventually(t, func() bool { return !wire.IsConnected(peer) },
		5*time.Second, 50*time.Millisecond)
}

func TestUnreachablePeerAccumulatesFailures(t *testing.T) {
	selfAddr := startAgent(t)
	self := types.Node{ID: "node-1", Addr: selfAddr}

	wire := transport.NewGRPC(transport.Config{DialTimeout: 200 * time.Millisecond})
	t.Cleanup(wire.Close)
	conns, err := connmgr.NewManager(connmgr.Config{
		ReconnectInterval: 100 * time.Millisecond,
	}, wire)
	require.NoError(t, err)

	coord, err := coordinator.NewCoordinator(coordinator.Config{
		Self:        self,
		Connections: conns,
		Leader:      true,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, coord.Start(ctx))
	t.Cleanup(coord.Stop)

	// Nobody listens on this port; every attempt fails and the background
	// sweep keeps retrying.
	dead := types.Node{ID: "node-dead", Addr: "127.0.0.1:1"}
	require.NoError(t, coord.Join(context.Background(), dead))

	assert.Eventually(t, func() bool {
		failures, monitored := conns.FailureCount("node-dead")
		return monitored && failures >= 2
	}, 10*time.Second, 50*time.Millisecond)
}

func TestDiskPressureDrivesStateChanges(t *testing.T) {
	selfAddr := startAgent(t)
	self := types.Node{ID: "node-1", Addr: selfAddr}

	initial := types.NewClusterState().
		WithNodes([]types.Node{self}).
		WithRouting("node-1", []string{"idx-1"})

	settings := diskmonitor.DefaultSettings()
	settings.RerouteInterval = 50 * time.Millisecond

	coord, _ := startCoordinator(t, coordinator.Config{
		Self:         self,
		InitialState: initial,
		Disk:         settings,
		Leader:       true,
	})

	// Over the high watermark: a reroute bumps the version.
	before := coord.State().Version
	coord.OnNewInfo(types.ClusterInfo{Usages: map[types.NodeID]types.DiskUsage{
		"node-1": {NodeID: "node-1", TotalBytes: 1000, FreeBytes: 80},
	}})
	assert.Eventually(t, func() bool { return coord.State().Version > before },
		5*time.Second, 50*time.Millisecond)

	// Flood stage: the hosted index becomes read-only.
	coord.OnNewInfo(types.ClusterInfo{Usages: map[types.NodeID]types.DiskUsage{
		"node-1": {NodeID: "node-1", TotalBytes: 1000, FreeBytes: 20},
	}})
	assert.Eventually(t, func() bool { return coord.State().IndexWriteBlocked("idx-1") },
		5*time.Second, 50*time.Millisecond)
}
