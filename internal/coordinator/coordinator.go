// Package coordinator assembles the cluster state core: the batching state
// update machinery, the node connection manager and the disk threshold
// monitor, wired so that published membership drives connections and disk
// pressure drives reroutes and write blocks through ordinary state update
// tasks.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ottercluster/otter/internal/connmgr"
	"github.com/ottercluster/otter/internal/diskmonitor"
	"github.com/ottercluster/otter/internal/executor"
	"github.com/ottercluster/otter/internal/metrics"
	"github.com/ottercluster/otter/pkg/types"
)

// DefaultUsageInterval is how often the disk usage source is polled.
const DefaultUsageInterval = 30 * time.Second

// Config configures a Coordinator.
type Config struct {
	// Self is the local node. It is part of the initial membership.
	Self types.Node

	// InitialState overrides the state the coordinator boots from. Nil means
	// an empty state containing only Self.
	InitialState *types.ClusterState

	// Connections manages transport connections to cluster members. Required.
	Connections *connmgr.Manager

	// Disk holds the watermark settings for the disk monitor.
	Disk diskmonitor.Settings

	// UsageSource feeds the disk monitor. Nil disables disk monitoring.
	UsageSource UsageSource

	// UsageInterval is the polling period for UsageSource. Zero means
	// DefaultUsageInterval.
	UsageInterval time.Duration

	// Leader is the initial leadership flag. Leadership changes at runtime go
	// through SetLeader.
	Leader bool

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Coordinator owns the batcher and its built-in executors and glues the
// surrounding services to it. It is also the disk monitor's action client:
// reroutes and read-only blocks requested by the monitor become ordinary
// tasks on the update queues.
type Coordinator struct {
	cfg Config
	log *slog.Logger

	leader atomic.Bool

	batcher    *executor.Batcher
	membership *executor.Queue[MembershipChange]
	reroutes   *executor.Queue[RerouteRequest]
	blocks     *executor.Queue[BlockIndices]

	monitor *diskmonitor.Monitor

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewCoordinator wires the coordinator together. Nothing runs until Start.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Self.ID == "" {
		return nil, fmt.Errorf("coordinator: Config.Self is required")
	}
	if cfg.Connections == nil {
		return nil, fmt.Errorf("coordinator: Config.Connections is required")
	}
	if cfg.UsageInterval < 0 {
		return nil, fmt.Errorf("coordinator: usage interval must be positive, got %s", cfg.UsageInterval)
	}
	if cfg.UsageInterval == 0 {
		cfg.UsageInterval = DefaultUsageInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	initial := cfg.InitialState
	if initial == nil {
		initial = types.NewClusterState().WithNodes([]types.Node{cfg.Self})
	}

	c := &Coordinator{
		cfg:    cfg,
		log:    cfg.Logger,
		stopCh: make(chan struct{}),
	}
	c.leader.Store(cfg.Leader)

	c.batcher = executor.NewBatcher(executor.Config{
		InitialState: initial,
		Leader:       c.leader.Load,
		Publish:      c.onPublish,
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
	})
	c.membership = executor.Register[MembershipChange](c.batcher, "membership", membershipExecutor{})
	c.reroutes = executor.Register[RerouteRequest](c.batcher, "reroute", rerouteExecutor{})
	c.blocks = executor.Register[BlockIndices](c.batcher, "block-indices", blockIndicesExecutor{})

	monitor, err := diskmonitor.NewMonitor(diskmonitor.Config{
		Settings: cfg.Disk,
		State:    c.batcher.State,
		Client:   c,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	c.monitor = monitor
	return c, nil
}

// Start brings up the update goroutine, the connection manager and, when a
// usage source is configured, the disk usage polling loop. The initial
// membership is pushed to the connection manager so the local node connects
// to peers it boots with.
func (c *Coordinator) Start(ctx context.Context) error {
	c.batcher.Start()
	if err := c.cfg.Connections.Start(); err != nil {
		c.batcher.Stop()
		return err
	}
	c.cfg.Connections.ConnectToNodes(ctx, c.batcher.State().Members())

	if c.cfg.UsageSource != nil {
		c.wg.Add(1)
		go c.collectUsage()
	}
	c.log.Info("coordinator started", "self", c.cfg.Self, "leader", c.leader.Load())
	return nil
}

// Stop shuts everything down: the usage loop first, then the connection
// manager, then the batcher so queued tasks fail fast rather than hang.
func (c *Coordinator) Stop() {
	c.stopped.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		c.cfg.Connections.Stop()
		c.batcher.Stop()
		c.log.Info("coordinator stopped")
	})
}

// State returns the last applied cluster state.
func (c *Coordinator) State() *types.ClusterState { return c.batcher.State() }

// SetLeader flips the local leadership flag. Tasks already queued observe the
// new value when their batch runs.
func (c *Coordinator) SetLeader(leader bool) {
	if c.leader.Swap(leader) != leader {
		c.log.Info("leadership changed", "leader", leader)
	}
}

// IsLeader reports whether the local node currently claims leadership.
func (c *Coordinator) IsLeader() bool { return c.leader.Load() }

// Join adds nodes to the membership and waits for the update to apply.
func (c *Coordinator) Join(ctx context.Context, nodes ...types.Node) error {
	return c.awaitMembership(ctx, "join", MembershipChange{Joins: nodes})
}

// Leave removes nodes from the membership and waits for the update to apply.
func (c *Coordinator) Leave(ctx context.Context, ids ...types.NodeID) error {
	return c.awaitMembership(ctx, "leave", MembershipChange{Leaves: ids})
}

func (c *Coordinator) awaitMembership(ctx context.Context, source string, change MembershipChange) error {
	p, err := c.membership.Submit(source, change)
	if err != nil {
		return err
	}
	select {
	case <-p.Done():
		return p.Result().Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reroute submits a reroute request and waits for it to apply.
func (c *Coordinator) Reroute(ctx context.Context, reason string) error {
	p, err := c.reroutes.Submit("api", RerouteRequest{Reason: reason})
	if err != nil {
		return err
	}
	select {
	case <-p.Done():
		return p.Result().Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestReroute implements diskmonitor.Client. The submission is
// fire-and-forget: the monitor must never block on the update goroutine, and
// a failed reroute will be retried by the next over-watermark snapshot.
func (c *Coordinator) RequestReroute(reason string) {
	if _, err := c.reroutes.Submit("disk-monitor", RerouteRequest{Reason: reason}); err != nil {
		c.log.Warn("failed to submit reroute", "reason", reason, "error", err)
	}
}

// MarkIndicesReadOnly implements diskmonitor.Client, fire-and-forget like
// RequestReroute.
func (c *Coordinator) MarkIndicesReadOnly(indices []string) {
	if _, err := c.blocks.Submit("disk-monitor", BlockIndices{Indices: indices}); err != nil {
		c.log.Warn("failed to submit read-only block", "indices", indices, "error", err)
	}
}

// OnNewInfo forwards an externally collected usage snapshot to the disk
// monitor, for deployments that push snapshots instead of polling a source.
func (c *Coordinator) OnNewInfo(info types.ClusterInfo) { c.monitor.OnNewInfo(info) }

// onPublish runs on the update goroutine after every published state change
// and reconciles the connection manager with the new membership: connect to
// everyone in it, drop everyone outside it.
func (c *Coordinator) onPublish(old, new *types.ClusterState) {
	members := new.Members()
	ctx, cancel := context.WithTimeout(context.Background(), connmgr.DefaultReconnectInterval)
	defer cancel()
	c.cfg.Connections.ConnectToNodes(ctx, members)
	c.cfg.Connections.DisconnectFromNodesExcept(members)
}

func (c *Coordinator) collectUsage() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.UsageInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.UsageInterval)
			info, err := c.cfg.UsageSource.Collect(ctx)
			cancel()
			if err != nil {
				c.log.Warn("disk usage collection failed", "error", err)
				continue
			}
			c.monitor.OnNewInfo(info)
		}
	}
}
