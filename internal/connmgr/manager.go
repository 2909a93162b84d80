// Package connmgr maintains live transport connections to every node known
// to be part of the cluster. It is told about membership changes through
// ConnectToNodes / DisconnectFromNodesExcept, retries failed connections on a
// periodic background sweep with throttled logging, and serializes all
// per-node connect/disconnect work through a keyed lock.
//
// The manager is not responsible for removing unresponsive nodes from the
// cluster; that is fault detection, owned by a collaborator.
package connmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ottercluster/otter/internal/metrics"
	"github.com/ottercluster/otter/internal/scheduler"
	"github.com/ottercluster/otter/pkg/types"
)

// Transport is the narrow view of the wire layer the manager drives.
type Transport interface {
	// IsConnected is a non-blocking liveness check.
	IsConnected(node types.Node) bool
	// Connect establishes a connection. Connecting to an already connected
	// node is a no-op.
	Connect(ctx context.Context, node types.Node) error
	// Disconnect closes transport resources for the node. Failures are
	// logged by the caller, never propagated.
	Disconnect(node types.Node) error
}

const (
	// DefaultReconnectInterval is how often the background checker revisits
	// every monitored node.
	DefaultReconnectInterval = 10 * time.Second

	// DefaultPoolSize bounds concurrent connection attempts.
	DefaultPoolSize = 5

	// Connection failures are recorded every time but only logged as a
	// warning once per logEveryNFailures consecutive failures, to keep a
	// persistently unreachable node from flooding the log.
	logEveryNFailures = 6
)

// Config configures a Manager.
type Config struct {
	// ReconnectInterval is the background sweep period. Zero means
	// DefaultReconnectInterval; negative is a configuration error.
	ReconnectInterval time.Duration

	// PoolSize is the number of workers running connection attempts. Zero
	// means DefaultPoolSize; negative is a configuration error.
	PoolSize int

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

func (c *Config) applyDefaults() error {
	if c.ReconnectInterval < 0 {
		return fmt.Errorf("connmgr: reconnect interval must be positive, got %s", c.ReconnectInterval)
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("connmgr: pool size must be positive, got %d", c.PoolSize)
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Lifecycle states.
const (
	stateCreated int32 = iota
	stateStarted
	stateStopped
)

type nodeEntry struct {
	node types.Node
	// failures counts consecutive failed connection attempts; 0 means
	// connected.
	failures int
}

// Manager tracks one entry per monitored node: present means "keep this node
// connected", absent means "not monitored". Reads of the registry are
// lock-free for callers holding no per-node lock; writes to a node's entry
// happen only while holding that node's keyed lock.
type Manager struct {
	cfg       Config
	log       *slog.Logger
	transport Transport

	mu    sync.RWMutex
	nodes map[types.NodeID]nodeEntry

	locks *keyedLock
	pool  *pool

	state atomic.Int32

	checkMu     sync.Mutex
	checkFuture scheduler.Cancelable
}

// NewManager creates a stopped manager around the given transport.
func NewManager(cfg Config, transport Transport) (*Manager, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:       cfg,
		log:       cfg.Logger,
		transport: transport,
		nodes:     make(map[types.NodeID]nodeEntry),
		locks:     newKeyedLock(),
		pool:      newPool(cfg.PoolSize * 4),
	}, nil
}

// Start begins monitoring: the connection attempt pool comes up and the first
// background sweep is scheduled one reconnect interval out.
func (m *Manager) Start() error {
	if !m.state.CompareAndSwap(stateCreated, stateStarted) {
		return fmt.Errorf("connmgr: manager already started or stopped")
	}
	if err := m.pool.start(m.cfg.PoolSize); err != nil {
		return err
	}
	m.scheduleNextCheck()
	m.log.Info("node connection manager started",
		"reconnect_interval", m.cfg.ReconnectInterval)
	return nil
}

// Stop cancels any pending background sweep and shuts the pool down. An
// in-flight sweep completes; its reschedule attempt then observes the stopped
// state and the chain halts. Stop does not disconnect nodes: the registry is
// in-memory only and rebuilt from membership on restart.
func (m *Manager) Stop() {
	if !m.state.CompareAndSwap(stateStarted, stateStopped) {
		return
	}
	m.checkMu.Lock()
	if m.checkFuture != nil {
		m.checkFuture.Cancel()
		m.checkFuture = nil
	}
	m.checkMu.Unlock()
	m.pool.stop()
	m.log.Info("node connection manager stopped")
}

// Close releases nothing; the manager owns no persisted resources.
func (m *Manager) Close() {}

// ConnectToNodes ensures every node in the target membership is monitored and
// connected. Already connected nodes count immediately; the rest get an
// asynchronous attempt on the management pool. The call blocks until every
// node's attempt has resolved, successfully or not, or until ctx is
// cancelled — cancellation returns promptly without error and leaves the
// in-flight attempts to complete on their own.
func (m *Manager) ConnectToNodes(ctx context.Context, nodes []types.Node) {
	latch := newCountDown(len(nodes))
	for _, node := range nodes {
		var connected bool
		release := m.locks.acquire(node.ID)
		m.putIfAbsent(node)
		connected = m.transport.IsConnected(node)
		release()

		if connected {
			latch.countDown()
			continue
		}

		node := node
		err := m.pool.submit(func() {
			defer latch.countDown()
			release := m.locks.acquire(node.ID)
			defer release()
			m.validateAndConnectIfNeeded(node)
		})
		if err != nil {
			// Both errors and rejections land here; the periodic sweep will
			// retry the node if it is still monitored.
			m.log.Warn("failed to schedule connect", "node", node, "error", err)
			latch.countDown()
		}
	}

	if !latch.wait(ctx) {
		m.log.Debug("connect wait cancelled, attempts continue in background",
			"nodes", len(nodes))
	}
}

// DisconnectFromNodesExcept removes every monitored node outside the keep set
// from the registry and closes its transport connection. Disconnect failures
// are logged, not propagated, and never block removal of the other nodes.
func (m *Manager) DisconnectFromNodesExcept(keep []types.Node) {
	keepSet := make(map[types.NodeID]struct{}, len(keep))
	for _, node := range keep {
		keepSet[node.ID] = struct{}{}
	}

	m.mu.RLock()
	targets := make([]types.Node, 0)
	for id, entry := range m.nodes {
		if _, ok := keepSet[id]; !ok {
			targets = append(targets, entry.node)
		}
	}
	m.mu.RUnlock()

	for _, node := range targets {
		release := m.locks.acquire(node.ID)
		m.mu.Lock()
		_, tracked := m.nodes[node.ID]
		delete(m.nodes, node.ID)
		size := len(m.nodes)
		m.mu.Unlock()
		if !tracked {
			release()
			// Removed from membership but never in the registry: the caller's
			// membership view and ours have desynced, which is a bug upstream.
			panic(fmt.Sprintf("connmgr: node %s removed but was not tracked", node.ID))
		}
		if err := m.transport.Disconnect(node); err != nil {
			m.log.Warn("failed to disconnect from node", "node", node, "error", err)
		}
		m.cfg.Metrics.RecordDisconnect()
		m.cfg.Metrics.SetMonitoredNodes(size)
		release()
	}
}

// validateAndConnectIfNeeded (re)connects one node. Callers must hold the
// node's keyed lock. It is a no-op when the manager is stopped, or when the
// node was removed from the registry while an attempt was in flight.
func (m *Manager) validateAndConnectIfNeeded(node types.Node) {
	if m.state.Load() != stateStarted {
		return
	}
	m.mu.RLock()
	_, monitored := m.nodes[node.ID]
	m.mu.RUnlock()
	if !monitored {
		return
	}

	// Connecting to a connected node is a no-op at the transport layer.
	if err := m.transport.Connect(context.Background(), node); err != nil {
		m.mu.Lock()
		entry := m.nodes[node.ID]
		entry.failures++
		count := entry.failures
		m.nodes[node.ID] = entry
		m.mu.Unlock()

		m.cfg.Metrics.RecordConnectionFailure()
		if count%logEveryNFailures == 1 {
			m.log.Warn("failed to connect to node",
				"node", node,
				"attempts", count,
				"error", err)
		} else {
			m.log.Debug("failed to connect to node",
				"node", node,
				"attempts", count,
				"error", err)
		}
		return
	}

	m.mu.Lock()
	if entry, ok := m.nodes[node.ID]; ok {
		entry.failures = 0
		m.nodes[node.ID] = entry
	}
	m.mu.Unlock()
}

// checkConnections is the periodic background sweep. It revisits every
// monitored node under its keyed lock and reschedules itself afterwards while
// the manager is still started, giving self-terminating periodic behavior
// without an external timer owner.
func (m *Manager) checkConnections() {
	defer m.scheduleNextCheck()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("unexpected error while checking for node reconnects", "panic", r)
		}
	}()

	for _, node := range m.monitoredNodes() {
		release := m.locks.acquire(node.ID)
		m.validateAndConnectIfNeeded(node)
		release()
	}
}

func (m *Manager) scheduleNextCheck() {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()
	if m.state.Load() != stateStarted {
		return
	}
	m.checkFuture = scheduler.ScheduleOnce(m.cfg.ReconnectInterval, m.checkConnections)
}

// putIfAbsent marks a node monitored. Existing failure counters are kept.
func (m *Manager) putIfAbsent(node types.Node) {
	m.mu.Lock()
	if _, ok := m.nodes[node.ID]; !ok {
		m.nodes[node.ID] = nodeEntry{node: node}
	}
	size := len(m.nodes)
	m.mu.Unlock()
	m.cfg.Metrics.SetMonitoredNodes(size)
}

func (m *Manager) monitoredNodes() []types.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]types.Node, 0, len(m.nodes))
	for _, entry := range m.nodes {
		nodes = append(nodes, entry.node)
	}
	return nodes
}

// Monitored returns the ids of all monitored nodes.
func (m *Manager) Monitored() []types.NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]types.NodeID, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	return ids
}

// FailureCount returns the consecutive failure counter for a node and whether
// the node is monitored at all.
func (m *Manager) FailureCount(id types.NodeID) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.nodes[id]
	return entry.failures, ok
}
