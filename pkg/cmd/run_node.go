package cmd

import (
	"context"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/p2plookup/synack/node"
	"github.com/p2plookup/synack/pkg/config"
	synos "github.com/p2plookup/synack/pkg/os"
	"github.com/p2plookup/synack/pkg/p2p/key"
)

// ParseConfig is an helpers that loads the node configuration and validates it.
func ParseConfig(cmd *cobra.Command) (config.Config, error) {
	nodeConfig, err := config.Load(cmd)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load node config: %w", err)
	}

	if err := nodeConfig.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("failed to validate node config: %w", err)
	}

	return nodeConfig, nil
}

// SetupLogger configures and returns a logger based on the provided configuration.
// It applies the following settings from the config:
//   - Log format (text or JSON)
//   - Log level (debug, info, warn, error)
//
// The returned logger belongs to the "main" subsystem.
func SetupLogger(config config.LogConfig) *logging.ZapEventLogger {
	logCfg := logging.Config{
		Stderr: true,
		Format: logging.ColorizedOutput,
	}

	switch config.Format {
	case "json":
		logCfg.Format = logging.JSONOutput
	case "plain":
		logCfg.Format = logging.PlaintextOutput
	}

	level, err := logging.LevelFromString(config.Level)
	if err == nil {
		logCfg.Level = level
	} else {
		logCfg.Level = logging.LevelInfo
	}

	logging.SetupLogging(logCfg)

	return logging.Logger("main")
}

// NodeFunc is the work a command does once its node is up.
type NodeFunc func(ctx context.Context, n *node.Node, logger logging.EventLogger) error

// RunNode loads the configuration and the node key, starts a node, listens on
// the configured address and bootstraps the DHT when bootnodes are known.
// It then runs fn and shuts the node down. SIGINT and SIGTERM cancel the
// context handed to fn.
func RunNode(cmd *cobra.Command, fn NodeFunc) error {
	nodeConfig, err := ParseConfig(cmd)
	if err != nil {
		return err
	}
	logger := SetupLogger(nodeConfig.Log)

	nodeKey, err := key.Load(nodeConfig.P2P.PrivateKey, nodeConfig.NodeKeyPath())
	if err != nil {
		return fmt.Errorf("failed to load node key: %w", err)
	}

	ctx, cancel := synos.TrapSignal(cmd.Context(), logger)
	defer cancel()

	if nodeConfig.Instrumentation.IsPrometheusEnabled() {
		srv, err := StartMetricsServer(
			nodeConfig.Instrumentation.PrometheusListenAddr,
			nodeConfig.Instrumentation.MaxOpenConnections,
			logger,
		)
		if err != nil {
			return err
		}
		defer func() {
			if err := srv.Close(); err != nil {
				logger.Warnf("closing metrics server: %s", err)
			}
		}()
	}

	n, err := node.NewNode(nodeConfig, nodeKey, logger, node.DefaultMetricsProvider(nodeConfig.Instrumentation))
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Errorf("errors while stopping node: %s", err)
		}
	}()

	logger.Infof("local peer id: %s", n.ID())
	addrs, err := n.Listen()
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	for _, addr := range addrs {
		logger.Infof("listening on %s/p2p/%s", addr, n.ID())
	}

	if len(nodeConfig.Bootnodes()) > 0 {
		if err := n.Bootstrap(ctx); err != nil {
			logger.Warnf("bootstrap did not complete: %s", err)
		}
	}

	err = fn(ctx, n, logger)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}
