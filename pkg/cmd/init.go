package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/p2plookup/synack/pkg/config"
	synos "github.com/p2plookup/synack/pkg/os"
	"github.com/p2plookup/synack/pkg/p2p/key"
)

// InitCmd initializes a new synack.yaml file and a node key in the home directory
var InitCmd = &cobra.Command{
	Use:   "init",
	Short: fmt.Sprintf("Initialize a new %s file", config.ConfigName),
	Long:  fmt.Sprintf("This command initializes a new %s file and a node key in the home directory.", config.ConfigName),
	RunE: func(cmd *cobra.Command, args []string) error {
		homePath, err := cmd.Flags().GetString(config.FlagRootDir)
		if err != nil {
			return fmt.Errorf("error reading home flag: %w", err)
		}

		if homePath == "" {
			return fmt.Errorf("home path is required")
		}

		cfg := config.DefaultConfig
		cfg.RootDir = homePath
		if synos.FileExists(cfg.ConfigPath()) {
			return fmt.Errorf("%s file already exists in the specified directory", config.ConfigName)
		}

		network, err := cmd.Flags().GetString(config.FlagNetwork)
		if err != nil {
			return fmt.Errorf("error reading network flag: %w", err)
		}
		cfg.Network = network
		if _, err := cfg.NetworkPreset(); err != nil {
			return err
		}

		if err := config.EnsureRoot(homePath); err != nil {
			return err
		}

		if err := config.WriteYamlConfig(cfg); err != nil {
			return fmt.Errorf("error writing %s file: %w", config.ConfigName, err)
		}

		nodeKey, err := key.LoadOrGenNodeKey(cfg.NodeKeyPath())
		if err != nil {
			return fmt.Errorf("failed to create node key: %w", err)
		}
		id, err := nodeKey.ID()
		if err != nil {
			return err
		}

		cmd.Printf("Initialized %s file in %s\n", config.ConfigName, homePath)
		cmd.Printf("Node ID: %s\n", id)
		return nil
	},
}

func init() {
	InitCmd.Flags().String(config.FlagNetwork, config.DefaultConfig.Network, "network preset (kusama, custom)")
}
