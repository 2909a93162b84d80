// Package diskmonitor watches cluster-wide disk usage snapshots, classifies
// every node against the configured watermarks and drives the corrective
// actions: an empty reroute when shards should move, or a read-only block on
// the indices of nodes that reached flood stage. It also remembers which
// nodes have crossed a watermark so their recovery triggers a reroute.
package diskmonitor

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ottercluster/otter/internal/metrics"
	"github.com/ottercluster/otter/pkg/types"
)

// Client issues the monitor's corrective actions. Both calls are
// fire-and-forget: implementations dispatch asynchronously and failures are
// observable only through the implementation's own error channel, never here.
type Client interface {
	RequestReroute(reason string)
	MarkIndicesReadOnly(indices []string)
}

// Config configures a Monitor.
type Config struct {
	Settings Settings

	// State supplies a point-in-time cluster state snapshot. Called once per
	// usage snapshot evaluation, never cached across evaluations.
	State func() *types.ClusterState

	Client Client

	Logger  *slog.Logger
	Metrics *metrics.Collector

	// Now is the clock, injectable for tests.
	Now func() time.Time
}

// Monitor evaluates disk usage snapshots. OnNewInfo is safe for concurrent
// use, though the external collector normally delivers snapshots one at a
// time.
type Monitor struct {
	cfg Config
	log *slog.Logger

	mu sync.Mutex
	// crossed holds nodes currently known to be over the low or high
	// watermark. Entries leave either on recovery below the low watermark
	// (with a reroute) or when the node drops out of the usage snapshot.
	crossed map[types.NodeID]struct{}
	// lastRun is shared by the high-watermark and recovery reroute triggers:
	// one reroute per interval cluster-wide, whatever the trigger.
	lastRun time.Time
}

// NewMonitor validates the settings and creates a monitor.
func NewMonitor(cfg Config) (*Monitor, error) {
	if err := cfg.Settings.validate(); err != nil {
		return nil, err
	}
	if cfg.State == nil {
		return nil, fmt.Errorf("diskmonitor: Config.State is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("diskmonitor: Config.Client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		cfg:     cfg,
		log:     cfg.Logger,
		crossed: make(map[types.NodeID]struct{}),
	}, nil
}

// OnNewInfo is the entry point for the external disk usage collector. It
// evaluates every node in the snapshot in watermark priority order (flood,
// high, low, recovered) and issues at most one reroute request and at most
// one read-only settings update per snapshot.
func (m *Monitor) OnNewInfo(info types.ClusterInfo) {
	if info.Usages == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Garbage collect nodes that left the cluster since the last snapshot.
	for id := range m.crossed {
		if _, ok := info.Usages[id]; !ok {
			delete(m.crossed, id)
		}
	}

	state := m.cfg.State()
	s := m.cfg.Settings

	reroute := false
	explanation := ""
	readOnly := make(map[string]struct{})

	for id, usage := range info.Usages {
		m.warnAboutDiskIfNeeded(usage)

		switch {
		case m.underBytes(usage, s.FreeBytesFlood) || usage.FreePercent() < s.FreePercentFlood:
			// Flood stage: every index hosted here becomes a read-only
			// candidate. No reroute, and the node is not marked crossed:
			// moving shards cannot help a node this full.
			for _, index := range state.IndicesOnNode(id) {
				readOnly[index] = struct{}{}
			}

		case m.underBytes(usage, s.FreeBytesHigh) || usage.FreePercent() < s.FreePercentHigh:
			if m.rerouteAllowed() {
				m.lastRun = m.cfg.Now()
				reroute = true
				explanation = "high disk watermark exceeded on one or more nodes"
			} else {
				m.log.Debug("high disk watermark exceeded but a reroute ran recently, skipping",
					"node", id, "interval", s.RerouteInterval)
				m.cfg.Metrics.RecordRerouteSkipped()
			}
			m.crossed[id] = struct{}{}

		case m.underBytes(usage, s.FreeBytesLow) || usage.FreePercent() < s.FreePercentLow:
			m.crossed[id] = struct{}{}

		default:
			if _, was := m.crossed[id]; !was {
				continue
			}
			// The node was over a watermark and no longer is: reroute so
			// shards held back by disk pressure can be allocated again. If
			// rate-limited, leave the node marked so recovery is retried on
			// the next snapshot.
			if m.rerouteAllowed() {
				m.lastRun = m.cfg.Now()
				reroute = true
				explanation = "one or more nodes has gone under the high or low watermark"
				delete(m.crossed, id)
			} else {
				m.log.Debug("node went below a disk watermark but a reroute ran recently, skipping",
					"node", id, "interval", s.RerouteInterval)
				m.cfg.Metrics.RecordRerouteSkipped()
			}
		}
	}

	m.cfg.Metrics.SetWatermarkNodes(len(m.crossed))

	if reroute {
		m.log.Info("rerouting shards", "reason", explanation)
		m.cfg.Metrics.RecordReroute()
		m.cfg.Client.RequestReroute(explanation)
	}

	// Never redundantly re-apply a write block.
	for index := range readOnly {
		if state.IndexWriteBlocked(index) {
			delete(readOnly, index)
		}
	}
	if len(readOnly) > 0 {
		indices := make([]string, 0, len(readOnly))
		for index := range readOnly {
			indices = append(indices, index)
		}
		sort.Strings(indices)
		m.log.Warn("marking indices read-only, hosting nodes are at flood stage",
			"indices", indices)
		m.cfg.Metrics.RecordIndicesMarkedReadOnly(len(indices))
		m.cfg.Client.MarkIndicesReadOnly(indices)
	}
}

// underBytes applies an absolute free-bytes threshold; zero disables it.
func (m *Monitor) underBytes(usage types.DiskUsage, threshold int64) bool {
	return threshold > 0 && usage.FreeBytes < threshold
}

// rerouteAllowed must be called with m.mu held.
func (m *Monitor) rerouteAllowed() bool {
	return m.cfg.Now().Sub(m.lastRun) > m.cfg.Settings.RerouteInterval
}

// warnAboutDiskIfNeeded logs when a usage sample sits beyond a watermark; the
// most severe crossing wins, and the absolute and relative checks each get
// their own line like the thresholds they mirror.
func (m *Monitor) warnAboutDiskIfNeeded(usage types.DiskUsage) {
	s := m.cfg.Settings

	switch {
	case m.underBytes(usage, s.FreeBytesFlood):
		m.log.Warn("flood stage disk watermark exceeded, all indices on this node will be marked read-only",
			"threshold_bytes", s.FreeBytesFlood, "usage", usage.String())
	case m.underBytes(usage, s.FreeBytesHigh):
		m.log.Warn("high disk watermark exceeded, shards will be relocated away from this node",
			"threshold_bytes", s.FreeBytesHigh, "usage", usage.String())
	case m.underBytes(usage, s.FreeBytesLow):
		m.log.Info("low disk watermark exceeded, replicas will not be assigned to this node",
			"threshold_bytes", s.FreeBytesLow, "usage", usage.String())
	}

	switch {
	case usage.FreePercent() < s.FreePercentFlood:
		m.log.Warn("flood stage disk watermark exceeded, all indices on this node will be marked read-only",
			"threshold_used_percent", 100-s.FreePercentFlood, "usage", usage.String())
	case usage.FreePercent() < s.FreePercentHigh:
		m.log.Warn("high disk watermark exceeded, shards will be relocated away from this node",
			"threshold_used_percent", 100-s.FreePercentHigh, "usage", usage.String())
	case usage.FreePercent() < s.FreePercentLow:
		m.log.Info("low disk watermark exceeded, replicas will not be assigned to this node",
			"threshold_used_percent", 100-s.FreePercentLow, "usage", usage.String())
	}
}

// CrossedNodes returns the nodes currently marked as having crossed a
// watermark, mainly for tests and status reporting.
func (m *Monitor) CrossedNodes() []types.NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]types.NodeID, 0, len(m.crossed))
	for id := range m.crossed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
