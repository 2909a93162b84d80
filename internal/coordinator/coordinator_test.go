package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ottercluster/otter/internal/connmgr"
	"github.com/ottercluster/otter/internal/executor"
	"github.com/ottercluster/otter/pkg/types"
)

type memTransport struct {
	mu        sync.Mutex
	connected map[types.NodeID]bool
}

func newMemTransport() *memTransport {
	return &memTransport{connected: make(map[types.NodeID]bool)}
}

func (m *memTransport) IsConnected(node types.Node) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected[node.ID]
}

func (m *memTransport) Connect(ctx context.Context, node types.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected[node.ID] = true
	return nil
}

func (m *memTransport) Disconnect(node types.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected[node.ID] = false
	return nil
}

func newTestCoordinator(t *testing.T, leader bool) (*Coordinator, *memTransport) {
	t.Helper()
	transport := newMemTransport()
	conns, err := connmgr.NewManager(connmgr.Config{}, transport)
	require.NoError(t, err)

	coord, err := NewCoordinator(Config{
		Self:        types.Node{ID: "self", Addr: "127.0.0.1:7400"},
		Connections: conns,
		Leader:      leader,
	})
	require.NoError(t, err)
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(coord.Stop)
	return coord, transport
}

func TestJoinAndLeave(t *testing.T) {
	coord, transport := newTestCoordinator(t, true)

	peer := types.Node{ID: "peer", Addr: "127.0.0.1:7401"}
	require.NoError(t, coord.Join(context.Background(), peer))

	state := coord.State()
	assert.Contains(t, state.Nodes, types.NodeID("peer"))
	assert.Eventually(t, func() bool { return transport.IsConnected(peer) },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, coord.Leave(context.Background(), "peer"))
	assert.NotContains(t, coord.State().Nodes, types.NodeID("peer"))
	assert.Eventually(t, func() bool { return !transport.IsConnected(peer) },
		2*time.Second, 10*time.Millisecond)
}

func TestNonLeaderRejectsUpdates(t *testing.T) {
	coord, _ := newTestCoordinator(t, false)

	err := coord.Join(context.Background(), types.Node{ID: "peer", Addr: "127.0.0.1:7401"})
	assert.ErrorIs(t, err, executor.ErrNotLeader)

	coord.SetLeader(true)
	assert.NoError(t, coord.Join(context.Background(), types.Node{ID: "peer", Addr: "127.0.0.1:7401"}))
}

func TestRerouteBumpsVersion(t *testing.T) {
	coord, _ := newTestCoordinator(t, true)

	before := coord.State().Version
	require.NoError(t, coord.Reroute(context.Background(), "test"))
	assert.Equal(t, before+1, coord.State().Version)
}

func TestFireAndForgetClientActions(t *testing.T) {
	coord, _ := newTestCoordinator(t, true)

	before := coord.State().Version
	coord.RequestReroute("disk pressure")
	assert.Eventually(t, func() bool { return coord.State().Version > before },
		2*time.Second, 10*time.Millisecond)

	coord.MarkIndicesReadOnly([]string{"idx-1"})
	assert.Eventually(t, func() bool { return coord.State().IndexWriteBlocked("idx-1") },
		2*time.Second, 10*time.Millisecond)

	// Re-marking an already blocked index publishes nothing.
	version := coord.State().Version
	coord.MarkIndicesReadOnly([]string{"idx-1"})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, version, coord.State().Version)
}

func makeTask[T any](data T) *executor.Task[T] {
	return &executor.Task[T]{Data: data}
}

func TestMembershipExecutorFoldsBatch(t *testing.T) {
	current := types.NewClusterState().WithNodes([]types.Node{{ID: "a"}})

	join := makeTask(MembershipChange{Joins: []types.Node{{ID: "b"}}})
	leave := makeTask(MembershipChange{Leaves: []types.NodeID{"b"}})

	result, err := membershipExecutor{}.Execute(current, []*executor.Task[MembershipChange]{join, leave})
	require.NoError(t, err)

	// The join and the later leave cancel out, leaving the membership
	// unchanged and publication skipped.
	assert.Same(t, current, result.ResultingState)
	assert.True(t, result.Results[join].Succeeded())
	assert.True(t, result.Results[leave].Succeeded())
}

func TestMembershipExecutorInvalidTask(t *testing.T) {
	current := types.NewClusterState()

	bad := makeTask(MembershipChange{Joins: []types.Node{{ID: ""}}})
	good := makeTask(MembershipChange{Joins: []types.Node{{ID: "a"}}})

	result, err := membershipExecutor{}.Execute(current, []*executor.Task[MembershipChange]{bad, good})
	require.NoError(t, err)

	assert.False(t, result.Results[bad].Succeeded())
	assert.True(t, result.Results[good].Succeeded())
	require.NotSame(t, current, result.ResultingState)
	assert.Contains(t, result.ResultingState.Nodes, types.NodeID("a"))
}

func TestBlockIndicesExecutorIdempotent(t *testing.T) {
	current := types.NewClusterState().WithBlock("idx-1")

	task := makeTask(BlockIndices{Indices: []string{"idx-1"}})
	result, err := blockIndicesExecutor{}.Execute(current, []*executor.Task[BlockIndices]{task})
	require.NoError(t, err)

	assert.Same(t, current, result.ResultingState,
		"blocking an already blocked index is a no-op")
	assert.True(t, result.Results[task].Succeeded())

	task = makeTask(BlockIndices{Indices: []string{"idx-1", "idx-2"}})
	result, err = blockIndicesExecutor{}.Execute(current, []*executor.Task[BlockIndices]{task})
	require.NoError(t, err)
	require.NotSame(t, current, result.ResultingState)
	assert.True(t, result.ResultingState.IndexWriteBlocked("idx-2"))
}

func TestRerouteExecutorCollapsesBatch(t *testing.T) {
	current := types.NewClusterState()

	t1 := makeTask(RerouteRequest{Reason: "one"})
	t2 := makeTask(RerouteRequest{Reason: "two"})
	result, err := rerouteExecutor{}.Execute(current, []*executor.Task[RerouteRequest]{t1, t2})
	require.NoError(t, err)

	assert.Equal(t, current.Version+1, result.ResultingState.Version,
		"many reroute requests collapse into a single version bump")
	assert.True(t, result.Results[t1].Succeeded())
	assert.True(t, result.Results[t2].Succeeded())
}

func TestLocalUsageSourceCollect(t *testing.T) {
	source := LocalUsageSource{NodeID: "self", Path: t.TempDir()}

	info, err := source.Collect(context.Background())
	require.NoError(t, err)
	require.Contains(t, info.Usages, types.NodeID("self"))

	u := info.Usages["self"]
	assert.Positive(t, u.TotalBytes)
	assert.GreaterOrEqual(t, u.TotalBytes, u.FreeBytes)
}
