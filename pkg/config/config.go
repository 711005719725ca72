package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const (
	// FlagPrefix is stripped from flag names before they are bound to config keys.
	FlagPrefix = "synack."

	// FlagRootDir is a flag for specifying the root directory
	FlagRootDir = "home"
	// FlagNetwork selects the network preset
	FlagNetwork = "synack.network"
	// FlagBootstrapTimeout bounds the initial routing table refresh
	FlagBootstrapTimeout = "synack.bootstrap_timeout"

	// P2P configuration flags

	// FlagP2PListenAddress is a flag for specifying the P2P listen address
	FlagP2PListenAddress = "synack.p2p.listen_address"
	// FlagP2PBootnodes is a flag for specifying the bootstrap nodes
	FlagP2PBootnodes = "synack.p2p.bootnodes"
	// FlagP2PKadProtocol is a flag for overriding the DHT protocol ID
	FlagP2PKadProtocol = "synack.p2p.kad_protocol"
	// FlagP2PAgentVersion is a flag for the identify agent version
	FlagP2PAgentVersion = "synack.p2p.agent_version"
	// FlagP2PBlockedPeers is a flag for specifying the P2P blocked peers
	FlagP2PBlockedPeers = "synack.p2p.blocked_peers"
	// FlagP2PAllowedPeers is a flag for specifying the P2P allowed peers
	FlagP2PAllowedPeers = "synack.p2p.allowed_peers"
	// FlagP2PPrivateKey is a flag for a base64 protobuf-encoded private key
	FlagP2PPrivateKey = "synack.p2p.private_key" // #nosec G101

	// Resolver configuration flags

	// FlagResolverTimeout is the whole-call resolve deadline applied when the caller has none
	FlagResolverTimeout = "synack.resolver.timeout"
	// FlagResolverStrict enables NotFound outcomes
	FlagResolverStrict = "synack.resolver.strict"

	// Handshake configuration flags

	// FlagHandshakeTimeout is the deadline applied to a handshake when the caller has none
	FlagHandshakeTimeout = "synack.handshake.timeout"
	// FlagHandshakeResponseTimeout bounds how long an inbound SYN waits for its SYNACK
	FlagHandshakeResponseTimeout = "synack.handshake.response_timeout"
	// FlagHandshakeAcceptQueue is the number of completed inbound handshakes kept for later callers
	FlagHandshakeAcceptQueue = "synack.handshake.accept_queue"

	// Instrumentation configuration flags

	// FlagPrometheus is a flag for enabling Prometheus metrics
	FlagPrometheus = "synack.instrumentation.prometheus"
	// FlagPrometheusListenAddr is a flag for specifying the Prometheus listen address
	FlagPrometheusListenAddr = "synack.instrumentation.prometheus_listen_addr"
	// FlagMaxOpenConnections is a flag for limiting concurrent metrics server connections
	FlagMaxOpenConnections = "synack.instrumentation.max_open_connections"

	// Logging configuration flags

	// FlagLogLevel is a flag for specifying the log level
	FlagLogLevel = "synack.log.level"
	// FlagLogFormat is a flag for specifying the log format
	FlagLogFormat = "synack.log.format"
)

// DurationWrapper is a wrapper for time.Duration that implements encoding.TextMarshaler and encoding.TextUnmarshaler
// needed for YAML marshalling/unmarshalling especially for time.Duration
type DurationWrapper struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler to format the duration as text
func (d DurationWrapper) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler to parse the duration from text
func (d *DurationWrapper) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Config stores the node configuration.
type Config struct {
	RootDir          string          `mapstructure:"-" yaml:"-" comment:"Root directory where synack files are located"`
	ConfigDir        string          `mapstructure:"config_dir" yaml:"config_dir" comment:"Directory, relative to the root, holding the node key"`
	Network          string          `mapstructure:"network" yaml:"network" comment:"Network preset providing bootnodes and the DHT protocol (kusama, custom)"`
	BootstrapTimeout DurationWrapper `mapstructure:"bootstrap_timeout" yaml:"bootstrap_timeout" comment:"Maximum time to wait for the initial routing table refresh"`

	P2P             P2PConfig             `mapstructure:"p2p" yaml:"p2p"`
	Resolver        ResolverConfig        `mapstructure:"resolver" yaml:"resolver"`
	Handshake       HandshakeConfig       `mapstructure:"handshake" yaml:"handshake"`
	Instrumentation InstrumentationConfig `mapstructure:"instrumentation" yaml:"instrumentation"`
	Log             LogConfig             `mapstructure:"log" yaml:"log"`
}

// P2PConfig contains all peer-to-peer networking configuration parameters
type P2PConfig struct {
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address" comment:"Multiaddr to listen for incoming connections"`
	Bootnodes     string `mapstructure:"bootnodes" yaml:"bootnodes" comment:"Comma separated list of bootnode multiaddrs ending in /p2p/<peer id>. Overrides the network preset."`
	KadProtocol   string `mapstructure:"kad_protocol" yaml:"kad_protocol" comment:"DHT protocol ID. Overrides the network preset."`
	AgentVersion  string `mapstructure:"agent_version" yaml:"agent_version" comment:"Agent version announced through identify"`
	BlockedPeers  string `mapstructure:"blocked_peers" yaml:"blocked_peers" comment:"Comma separated list of peer multiaddrs to block"`
	AllowedPeers  string `mapstructure:"allowed_peers" yaml:"allowed_peers" comment:"Comma separated list of peer multiaddrs to allow"`
	PrivateKey    string `mapstructure:"private_key" yaml:"private_key" comment:"Base64 protobuf-encoded private key. When empty the node key file is used."`
}

// ResolverConfig contains peer resolution parameters
type ResolverConfig struct {
	Timeout DurationWrapper `mapstructure:"timeout" yaml:"timeout" comment:"Deadline for a resolve call when the caller provides none"`
	Strict  bool            `mapstructure:"strict" yaml:"strict" comment:"Report NotFound when the closest peers do not include the target"`
}

// HandshakeConfig contains SYN/SYNACK/ACK handshake parameters
type HandshakeConfig struct {
	Timeout         DurationWrapper `mapstructure:"timeout" yaml:"timeout" comment:"Deadline for a handshake when the caller provides none"`
	ResponseTimeout DurationWrapper `mapstructure:"response_timeout" yaml:"response_timeout" comment:"How long an inbound SYN stream waits for the local SYNACK"`
	AcceptQueue     int             `mapstructure:"accept_queue" yaml:"accept_queue" comment:"Number of completed inbound handshakes kept until a caller accepts them"`
}

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	Prometheus           bool   `mapstructure:"prometheus" yaml:"prometheus" comment:"Enable Prometheus metrics"`
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr" yaml:"prometheus_listen_addr" comment:"Address to listen for Prometheus metrics"`
	Namespace            string `mapstructure:"namespace" yaml:"namespace" comment:"Namespace for metrics"`
	MaxOpenConnections   int    `mapstructure:"max_open_connections" yaml:"max_open_connections" comment:"Maximum number of simultaneous connections to the metrics server, 0 means unlimited"`
}

// LogConfig contains all logging configuration parameters
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" comment:"Log level (debug, info, warn, error)"`
	Format string `mapstructure:"format" yaml:"format" comment:"Log format (text, json)"`
}

// IsPrometheusEnabled returns true if Prometheus metrics are enabled.
func (cfg InstrumentationConfig) IsPrometheusEnabled() bool {
	return cfg.Prometheus && cfg.PrometheusListenAddr != ""
}

// ConfigPath returns the path of the YAML configuration file.
func (c Config) ConfigPath() string {
	return filepath.Join(c.RootDir, ConfigName)
}

// NodeKeyPath returns the path of the node key file.
func (c Config) NodeKeyPath() string {
	dir := c.ConfigDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(c.RootDir, dir)
	}
	return filepath.Join(dir, NodeKeyName)
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	var errs error
	if _, err := multiaddr.NewMultiaddr(c.P2P.ListenAddress); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("invalid listen address %q: %w", c.P2P.ListenAddress, err))
	}
	if _, err := c.NetworkPreset(); err != nil {
		errs = multierr.Append(errs, err)
	}
	for _, addr := range c.Bootnodes() {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("invalid bootnode %q: %w", addr, err))
		}
	}
	if c.Resolver.Timeout.Duration <= 0 {
		errs = multierr.Append(errs, errors.New("resolver timeout must be positive"))
	}
	if c.Handshake.Timeout.Duration <= 0 {
		errs = multierr.Append(errs, errors.New("handshake timeout must be positive"))
	}
	if c.Handshake.ResponseTimeout.Duration <= 0 {
		errs = multierr.Append(errs, errors.New("handshake response timeout must be positive"))
	}
	if c.Handshake.AcceptQueue < 0 {
		errs = multierr.Append(errs, errors.New("handshake accept queue cannot be negative"))
	}
	if c.Instrumentation.MaxOpenConnections < 0 {
		errs = multierr.Append(errs, errors.New("max open connections cannot be negative"))
	}
	return errs
}

// AddGlobalFlags registers the flags that are common across commands.
func AddGlobalFlags(cmd *cobra.Command, appName string) {
	cmd.PersistentFlags().String(FlagLogLevel, DefaultConfig.Log.Level, "Set the log level (debug, info, warn, error)")
	cmd.PersistentFlags().String(FlagLogFormat, DefaultConfig.Log.Format, "Set the log format (text, json)")
	cmd.PersistentFlags().String(FlagRootDir, DefaultRootDirWithName(appName), "Root directory for application data")
}

// AddFlags adds node configuration options to cobra Command.
func AddFlags(cmd *cobra.Command) {
	def := DefaultConfig

	cmd.Flags().String(FlagNetwork, def.Network, "network preset (kusama, custom)")
	cmd.Flags().Duration(FlagBootstrapTimeout, def.BootstrapTimeout.Duration, "maximum time to wait for the initial routing table refresh")

	// P2P configuration flags
	cmd.Flags().String(FlagP2PListenAddress, def.P2P.ListenAddress, "P2P listen multiaddr")
	cmd.Flags().String(FlagP2PBootnodes, def.P2P.Bootnodes, "Comma separated list of bootnodes, overrides the network preset")
	cmd.Flags().String(FlagP2PKadProtocol, def.P2P.KadProtocol, "DHT protocol ID, overrides the network preset")
	cmd.Flags().String(FlagP2PAgentVersion, def.P2P.AgentVersion, "identify agent version")
	cmd.Flags().String(FlagP2PBlockedPeers, def.P2P.BlockedPeers, "Comma separated list of nodes to ignore")
	cmd.Flags().String(FlagP2PAllowedPeers, def.P2P.AllowedPeers, "Comma separated list of nodes to whitelist")
	cmd.Flags().String(FlagP2PPrivateKey, def.P2P.PrivateKey, "base64 protobuf-encoded private key")

	// Resolver configuration flags
	cmd.Flags().Duration(FlagResolverTimeout, def.Resolver.Timeout.Duration, "resolve deadline when none is given")
	cmd.Flags().Bool(FlagResolverStrict, def.Resolver.Strict, "report NotFound when the target is absent from the closest peers")

	// Handshake configuration flags
	cmd.Flags().Duration(FlagHandshakeTimeout, def.Handshake.Timeout.Duration, "handshake deadline when none is given")
	cmd.Flags().Duration(FlagHandshakeResponseTimeout, def.Handshake.ResponseTimeout.Duration, "how long an inbound SYN waits for the SYNACK")
	cmd.Flags().Int(FlagHandshakeAcceptQueue, def.Handshake.AcceptQueue, "completed inbound handshakes kept for later callers")

	// Instrumentation configuration flags
	cmd.Flags().Bool(FlagPrometheus, def.Instrumentation.Prometheus, "enable Prometheus metrics")
	cmd.Flags().String(FlagPrometheusListenAddr, def.Instrumentation.PrometheusListenAddr, "Prometheus metrics listen address")
	cmd.Flags().Int(FlagMaxOpenConnections, def.Instrumentation.MaxOpenConnections, "maximum number of simultaneous metrics server connections (0 = unlimited)")
}

// Load loads the node configuration in the following order of precedence:
// 1. DefaultConfig (lowest priority)
// 2. YAML configuration file
// 3. Command line flags (highest priority)
func Load(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	config := DefaultConfig

	home, _ := cmd.Flags().GetString(FlagRootDir)
	if home != "" {
		config.RootDir = home
	}

	v.SetConfigName(ConfigBaseName)
	v.SetConfigType(ConfigExtension)
	v.AddConfigPath(config.RootDir)
	v.AddConfigPath(filepath.Join(config.RootDir, DefaultConfigDir))

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) {
			return config, fmt.Errorf("error reading YAML configuration: %w", err)
		}
	}

	var flagErrs error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if !strings.HasPrefix(f.Name, FlagPrefix) {
			return
		}
		if err := v.BindPFlag(strings.TrimPrefix(f.Name, FlagPrefix), f); err != nil {
			flagErrs = multierr.Append(flagErrs, err)
		}
	})
	if flagErrs != nil {
		return config, fmt.Errorf("unable to bind flags: %w", flagErrs)
	}

	if err := v.Unmarshal(&config, func(c *mapstructure.DecoderConfig) {
		c.TagName = "mapstructure"
		c.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			durationWrapperHook,
			mapstructure.StringToTimeDurationHookFunc(),
		)
	}); err != nil {
		return config, fmt.Errorf("unable to decode configuration: %w", err)
	}

	return config, nil
}

func durationWrapperHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if t != reflect.TypeOf(DurationWrapper{}) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, err
		}
		return DurationWrapper{Duration: d}, nil
	case time.Duration:
		return DurationWrapper{Duration: v}, nil
	}
	return data, nil
}
