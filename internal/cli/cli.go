// Package cli is the cobra command surface of the otter node binary.
//
// Command structure:
//
//	otter
//	├── run      # start a coordination node
//	│   ├── --config, -c   # config file path
//	│   └── --leader       # claim leadership at boot
//	└── status   # print the effective configuration
//
// All wiring lives here; cmd/otter/main.go only calls BuildCLI and Execute.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ottercluster/otter/internal/connmgr"
	"github.com/ottercluster/otter/internal/coordinator"
	"github.com/ottercluster/otter/internal/diskmonitor"
	"github.com/ottercluster/otter/internal/metrics"
	"github.com/ottercluster/otter/internal/transport"
	"github.com/ottercluster/otter/pkg/types"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// like "10s" or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a string like \"10s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return d.Std().String() }

// Config is the node configuration file, mapped through YAML tags.
type Config struct {
	Node struct {
		ID       string `yaml:"id"`
		Addr     string `yaml:"addr"`
		DataPath string `yaml:"data_path"`
	} `yaml:"node"`

	Cluster struct {
		// Seeds are peers joined into the membership at boot, in addition to
		// the local node.
		Seeds []struct {
			ID   string `yaml:"id"`
			Addr string `yaml:"addr"`
		} `yaml:"seeds"`
	} `yaml:"cluster"`

	Connections struct {
		ReconnectInterval Duration `yaml:"reconnect_interval"`
		PoolSize          int      `yaml:"pool_size"`
	} `yaml:"connections"`

	Disk struct {
		FreeBytesLow     int64    `yaml:"free_bytes_low"`
		FreeBytesHigh    int64    `yaml:"free_bytes_high"`
		FreeBytesFlood   int64    `yaml:"free_bytes_flood"`
		FreePercentLow   float64  `yaml:"free_percent_low"`
		FreePercentHigh  float64  `yaml:"free_percent_high"`
		FreePercentFlood float64  `yaml:"free_percent_flood"`
		RerouteInterval  Duration `yaml:"reroute_interval"`
	} `yaml:"disk"`

	// UsageInterval is how often the local disk usage is sampled.
	UsageInterval Duration `yaml:"usage_interval"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func (c *Config) diskSettings() diskmonitor.Settings {
	return diskmonitor.Settings{
		FreeBytesLow:     c.Disk.FreeBytesLow,
		FreeBytesHigh:    c.Disk.FreeBytesHigh,
		FreeBytesFlood:   c.Disk.FreeBytesFlood,
		FreePercentLow:   c.Disk.FreePercentLow,
		FreePercentHigh:  c.Disk.FreePercentHigh,
		FreePercentFlood: c.Disk.FreePercentFlood,
		RerouteInterval:  c.Disk.RerouteInterval.Std(),
	}
}

var configFile string

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "otter",
		Short:   "Otter: cluster state coordination node",
		Long:    "Otter runs a cluster state coordination node: batched state updates, node connection management and disk threshold monitoring.",
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var leader bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the coordination node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(leader)
		},
	}

	cmd.Flags().BoolVar(&leader, "leader", false, "claim cluster leadership at boot")

	return cmd
}

func runNode(leader bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := buildLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	collector := metrics.NewCollector()
	if cfg.Metrics.Enabled {
		go func() {
			logger.Info("serving metrics", "port", cfg.Metrics.Port)
			if err := metrics.Serve(cfg.Metrics.Port); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	self := types.Node{ID: types.NodeID(cfg.Node.ID), Addr: cfg.Node.Addr}

	agent := transport.NewAgent(cfg.Node.Addr, logger)
	if err := agent.Start(); err != nil {
		return fmt.Errorf("failed to start node agent: %w", err)
	}
	defer agent.Stop()

	wire := transport.NewGRPC(transport.Config{Logger: logger})
	defer wire.Close()

	conns, err := connmgr.NewManager(connmgr.Config{
		ReconnectInterval: cfg.Connections.ReconnectInterval.Std(),
		PoolSize:          cfg.Connections.PoolSize,
		Logger:            logger,
		Metrics:           collector,
	}, wire)
	if err != nil {
		return fmt.Errorf("failed to create connection manager: %w", err)
	}

	coord, err := coordinator.NewCoordinator(coordinator.Config{
		Self:        self,
		Connections: conns,
		Disk:        cfg.diskSettings(),
		UsageSource: coordinator.LocalUsageSource{
			NodeID: self.ID,
			Path:   cfg.Node.DataPath,
		},
		UsageInterval: cfg.UsageInterval.Std(),
		Leader:        leader,
		Logger:        logger,
		Metrics:       collector,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	cancel()

	if len(cfg.Cluster.Seeds) > 0 && leader {
		seeds := make([]types.Node, 0, len(cfg.Cluster.Seeds))
		for _, s := range cfg.Cluster.Seeds {
			seeds = append(seeds, types.Node{ID: types.NodeID(s.ID), Addr: s.Addr})
		}
		joinCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := coord.Join(joinCtx, seeds...)
		cancel()
		if err != nil {
			logger.Warn("failed to join seed nodes", "error", err)
		}
	}

	logger.Info("node started", "node", self, "leader", leader)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("received shutdown signal, stopping gracefully")
	coord.Stop()
	return nil
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the effective node configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
	return cmd
}

func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Printf("Config file:        %s\n", configFile)
	fmt.Printf("Node:               %s[%s]\n", cfg.Node.ID, cfg.Node.Addr)
	fmt.Printf("Data path:          %s\n", cfg.Node.DataPath)
	fmt.Printf("Seeds:              %d\n", len(cfg.Cluster.Seeds))
	fmt.Printf("Reconnect interval: %s\n", orDefault(cfg.Connections.ReconnectInterval.Std(), connmgr.DefaultReconnectInterval))
	fmt.Printf("Usage interval:     %s\n", orDefault(cfg.UsageInterval.Std(), coordinator.DefaultUsageInterval))
	fmt.Printf("Disk watermarks:    low %.0f%% / high %.0f%% / flood %.0f%% free\n",
		cfg.Disk.FreePercentLow, cfg.Disk.FreePercentHigh, cfg.Disk.FreePercentFlood)
	if cfg.Metrics.Enabled {
		fmt.Printf("Metrics:            http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("Metrics:            disabled")
	}
	return nil
}

func orDefault(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}

func buildLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if cfg.Node.ID == "" {
		return nil, fmt.Errorf("config: node.id is required")
	}
	if cfg.Node.Addr == "" {
		return nil, fmt.Errorf("config: node.addr is required")
	}
	if cfg.Node.DataPath == "" {
		cfg.Node.DataPath = "."
	}

	return &cfg, nil
}
