package config

import (
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultDirPerm is the default permissions used when creating directories.
	DefaultDirPerm = 0750

	// DefaultConfigDir is the default directory for configuration files (e.g. node_key.json).
	DefaultConfigDir = "config"

	// NodeKeyName is the file name of the persisted node key.
	NodeKeyName = "node_key.json"

	// DefaultListenAddress is a default listen address for P2P client.
	DefaultListenAddress = "/ip4/0.0.0.0/tcp/0"
	// DefaultPrometheusListenAddr is the default address for the metrics endpoint.
	DefaultPrometheusListenAddr = ":26660"
	// DefaultLogLevel is the default log level for the application
	DefaultLogLevel = "info"

	// Version is the current synack version
	Version = "0.1.0"
)

// DefaultRootDir returns the default root directory for synack
func DefaultRootDir() string {
	return DefaultRootDirWithName("synack")
}

// DefaultRootDirWithName returns the default root directory for an application,
// based on the app name and the user's home directory
func DefaultRootDirWithName(appName string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "."+appName)
}

// DefaultConfig keeps default values of Config
var DefaultConfig = Config{
	RootDir:          DefaultRootDir(),
	ConfigDir:        DefaultConfigDir,
	Network:          NetworkKusama,
	BootstrapTimeout: DurationWrapper{30 * time.Second},
	P2P: P2PConfig{
		ListenAddress: DefaultListenAddress,
		AgentVersion:  "synack/" + Version,
	},
	Resolver: ResolverConfig{
		Timeout: DurationWrapper{2 * time.Minute},
	},
	Handshake: HandshakeConfig{
		Timeout:         DurationWrapper{30 * time.Second},
		ResponseTimeout: DurationWrapper{10 * time.Second},
		AcceptQueue:     16,
	},
	Instrumentation: InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: DefaultPrometheusListenAddr,
		Namespace:            "synack",
		MaxOpenConnections:   3,
	},
	Log: LogConfig{
		Level:  DefaultLogLevel,
		Format: "text",
	},
}
