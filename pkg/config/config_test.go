package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	def := DefaultConfig
	assert.Equal(t, NetworkKusama, def.Network)
	assert.Equal(t, "config", def.ConfigDir)
	assert.Equal(t, DefaultListenAddress, def.P2P.ListenAddress)
	assert.Equal(t, "", def.P2P.Bootnodes)
	assert.Equal(t, "", def.P2P.PrivateKey)
	assert.Equal(t, 2*time.Minute, def.Resolver.Timeout.Duration)
	assert.False(t, def.Resolver.Strict)
	assert.Equal(t, 30*time.Second, def.Handshake.Timeout.Duration)
	assert.Equal(t, 10*time.Second, def.Handshake.ResponseTimeout.Duration)
	assert.Equal(t, 16, def.Handshake.AcceptQueue)
	assert.Equal(t, 30*time.Second, def.BootstrapTimeout.Duration)
	assert.False(t, def.Instrumentation.IsPrometheusEnabled())
	assert.Equal(t, "info", def.Log.Level)
	require.NoError(t, def.Validate())
}

func TestAddFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	AddGlobalFlags(cmd, "test")
	AddFlags(cmd)

	flags := cmd.Flags()
	persistentFlags := cmd.PersistentFlags()

	assertFlagValue(t, flags, FlagNetwork, DefaultConfig.Network)
	assertFlagValue(t, flags, FlagBootstrapTimeout, DefaultConfig.BootstrapTimeout.Duration)

	// P2P flags
	assertFlagValue(t, flags, FlagP2PListenAddress, DefaultConfig.P2P.ListenAddress)
	assertFlagValue(t, flags, FlagP2PBootnodes, DefaultConfig.P2P.Bootnodes)
	assertFlagValue(t, flags, FlagP2PKadProtocol, DefaultConfig.P2P.KadProtocol)
	assertFlagValue(t, flags, FlagP2PAgentVersion, DefaultConfig.P2P.AgentVersion)
	assertFlagValue(t, flags, FlagP2PBlockedPeers, DefaultConfig.P2P.BlockedPeers)
	assertFlagValue(t, flags, FlagP2PAllowedPeers, DefaultConfig.P2P.AllowedPeers)
	assertFlagValue(t, flags, FlagP2PPrivateKey, DefaultConfig.P2P.PrivateKey)

	// Resolver flags
	assertFlagValue(t, flags, FlagResolverTimeout, DefaultConfig.Resolver.Timeout.Duration)
	assertFlagValue(t, flags, FlagResolverStrict, DefaultConfig.Resolver.Strict)

	// Handshake flags
	assertFlagValue(t, flags, FlagHandshakeTimeout, DefaultConfig.Handshake.Timeout.Duration)
	assertFlagValue(t, flags, FlagHandshakeResponseTimeout, DefaultConfig.Handshake.ResponseTimeout.Duration)
	assertFlagValue(t, flags, FlagHandshakeAcceptQueue, DefaultConfig.Handshake.AcceptQueue)

	// Instrumentation flags
	assertFlagValue(t, flags, FlagPrometheus, DefaultConfig.Instrumentation.Prometheus)
	assertFlagValue(t, flags, FlagPrometheusListenAddr, DefaultConfig.Instrumentation.PrometheusListenAddr)
	assertFlagValue(t, flags, FlagMaxOpenConnections, DefaultConfig.Instrumentation.MaxOpenConnections)

	// Logging flags (in persistent flags)
	assertFlagValue(t, persistentFlags, FlagLogLevel, DefaultConfig.Log.Level)
	assertFlagValue(t, persistentFlags, FlagLogFormat, "text")

	expectedFlagCount := 17
	actualFlagCount := 0
	flags.VisitAll(func(flag *pflag.Flag) {
		actualFlagCount++
	})
	assert.Equal(
		t,
		expectedFlagCount,
		actualFlagCount,
		"Number of flags doesn't match. If you added a new flag, please update the test.",
	)
}

func TestLoad(t *testing.T) {
	tempDir := t.TempDir()

	yamlPath := filepath.Join(tempDir, ConfigName)
	yamlContent := `
network: custom
bootstrap_timeout: "5s"

p2p:
  listen_address: "/ip4/127.0.0.1/tcp/30333"
  bootnodes: "/ip4/10.0.0.1/tcp/30333/p2p/12D3KooWEChVMMMzV8acJ53mJHrw1pQ27UAGkCxWXLJutbeUMvVu"

resolver:
  timeout: "45s"

handshake:
  accept_queue: 4
`
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0o600))

	cmd := &cobra.Command{Use: "test"}
	AddFlags(cmd)
	AddGlobalFlags(cmd, "test")

	flagArgs := []string{
		"--home", tempDir,
		"--synack.resolver.timeout", "90s",
		"--synack.resolver.strict",
		"--synack.p2p.kad_protocol", "/test/kad",
	}
	require.NoError(t, cmd.ParseFlags(flagArgs))

	config, err := Load(cmd)
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.Equal(t, tempDir, config.RootDir)

	// 1. Default values should be overridden by YAML
	assert.Equal(t, NetworkCustom, config.Network)
	assert.Equal(t, 5*time.Second, config.BootstrapTimeout.Duration)
	assert.Equal(t, "/ip4/127.0.0.1/tcp/30333", config.P2P.ListenAddress)
	assert.Equal(t, 4, config.Handshake.AcceptQueue)

	// 2. YAML values should be overridden by flags
	assert.Equal(t, 90*time.Second, config.Resolver.Timeout.Duration)

	// 3. Flags not in YAML should be set
	assert.True(t, config.Resolver.Strict)
	assert.Equal(t, "/test/kad", config.KadProtocol())

	// 4. Values not in flags or YAML should remain as default
	assert.Equal(t, DefaultConfig.Handshake.Timeout.Duration, config.Handshake.Timeout.Duration)
	assert.Equal(t, DefaultConfig.P2P.AgentVersion, config.P2P.AgentVersion)

	assert.Equal(t, []string{"/ip4/10.0.0.1/tcp/30333/p2p/12D3KooWEChVMMMzV8acJ53mJHrw1pQ27UAGkCxWXLJutbeUMvVu"}, config.Bootnodes())
}

func TestLoadWithoutConfigFile(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	AddFlags(cmd)
	AddGlobalFlags(cmd, "test")
	require.NoError(t, cmd.ParseFlags([]string{"--home", t.TempDir()}))

	config, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig.Resolver, config.Resolver)
	assert.Equal(t, DefaultConfig.Handshake, config.Handshake)
	assert.Equal(t, NetworkKusama, config.Network)
}

func TestWriteYamlConfig(t *testing.T) {
	tempDir := t.TempDir()

	config := DefaultConfig
	config.RootDir = tempDir
	config.Network = NetworkCustom
	config.Handshake.AcceptQueue = 3
	config.Resolver.Timeout = DurationWrapper{42 * time.Second}
	require.NoError(t, WriteYamlConfig(config))

	data, err := os.ReadFile(filepath.Join(tempDir, ConfigName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Network preset providing bootnodes")
	assert.Contains(t, string(data), "42s")

	cmd := &cobra.Command{Use: "test"}
	AddFlags(cmd)
	AddGlobalFlags(cmd, "test")
	require.NoError(t, cmd.ParseFlags([]string{"--home", tempDir}))

	loaded, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, NetworkCustom, loaded.Network)
	assert.Equal(t, 3, loaded.Handshake.AcceptQueue)
	assert.Equal(t, 42*time.Second, loaded.Resolver.Timeout.Duration)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad listen address", func(c *Config) { c.P2P.ListenAddress = "0.0.0.0:30333" }, "invalid listen address"},
		{"unknown network", func(c *Config) { c.Network = "polkadot" }, "unknown network"},
		{"bad bootnode", func(c *Config) { c.P2P.Bootnodes = "/ip4/1.2.3.4/tcp/1,not-a-multiaddr" }, "invalid bootnode"},
		{"zero resolver timeout", func(c *Config) { c.Resolver.Timeout = DurationWrapper{} }, "resolver timeout"},
		{"zero handshake timeout", func(c *Config) { c.Handshake.Timeout = DurationWrapper{} }, "handshake timeout"},
		{"negative accept queue", func(c *Config) { c.Handshake.AcceptQueue = -1 }, "accept queue"},
		{"negative max open connections", func(c *Config) { c.Instrumentation.MaxOpenConnections = -1 }, "max open connections"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig
			tc.mutate(&c)
			err := c.Validate()
			if tc.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestNetworkPresets(t *testing.T) {
	c := DefaultConfig
	assert.Equal(t, "/ksmcc3/kad", c.KadProtocol())
	assert.Len(t, c.Bootnodes(), 8)

	c.Network = NetworkCustom
	assert.Equal(t, DefaultKadProtocol, c.KadProtocol())
	assert.Empty(t, c.Bootnodes())

	c.P2P.Bootnodes = " /ip4/1.2.3.4/tcp/1/p2p/12D3KooWEChVMMMzV8acJ53mJHrw1pQ27UAGkCxWXLJutbeUMvVu , "
	assert.Equal(t, []string{"/ip4/1.2.3.4/tcp/1/p2p/12D3KooWEChVMMMzV8acJ53mJHrw1pQ27UAGkCxWXLJutbeUMvVu"}, c.Bootnodes())

	c.Network = "KUSAMA"
	_, err := c.NetworkPreset()
	assert.NoError(t, err)
}

func TestNodeKeyPath(t *testing.T) {
	c := DefaultConfig
	c.RootDir = "/tmp/synack"
	assert.Equal(t, "/tmp/synack/config/node_key.json", c.NodeKeyPath())

	c.ConfigDir = "/etc/synack"
	assert.Equal(t, "/etc/synack/node_key.json", c.NodeKeyPath())
}

func assertFlagValue(t *testing.T, flags *pflag.FlagSet, name string, expectedValue interface{}) {
	flag := flags.Lookup(name)
	assert.NotNil(t, flag, "Flag %s should exist", name)
	if flag != nil {
		switch v := expectedValue.(type) {
		case bool:
			assert.Equal(t, fmt.Sprintf("%v", v), flag.DefValue, "Flag %s should have default value %v", name, v)
		case time.Duration:
			assert.Equal(t, v.String(), flag.DefValue, "Flag %s should have default value %v", name, v)
		case int:
			assert.Equal(t, fmt.Sprintf("%d", v), flag.DefValue, "Flag %s should have default value %v", name, v)
		default:
			assert.Equal(t, fmt.Sprintf("%v", v), flag.DefValue, "Flag %s should have default value %v", name, v)
		}
	}
}
