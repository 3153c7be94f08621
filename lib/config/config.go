// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Gangway processes.
//
// Configuration is loaded from a single YAML file specified by:
//   - GANGWAY_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The node process
// consumes these values unmodified; everything here is an input to the
// supervisor, not supervisor state.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// EnvVar is the environment variable naming the config file.
const EnvVar = "GANGWAY_CONFIG"

// Config is the configuration for the gangway node process.
type Config struct {
	// Node configures the network listener.
	Node NodeConfig `yaml:"node"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Debug configures inspection and logging toggles.
	Debug DebugConfig `yaml:"debug"`
}

// NodeConfig configures the network node.
type NodeConfig struct {
	// ListenPort is the primary TCP port the node listens on. If the
	// port is taken and FallbackDynamic is true, the node retries with
	// a dynamic port instead of failing initialization.
	ListenPort int `yaml:"listen_port"`

	// FallbackDynamic allows falling back to an OS-assigned port when
	// ListenPort cannot be bound.
	FallbackDynamic bool `yaml:"fallback_dynamic"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// DataDir is the storage root. The block store, record store, and
	// database engine directories all live under it. Empty means the
	// per-user default (XDG data directory).
	DataDir string `yaml:"data_dir"`

	// BridgeSocket is the Unix socket path the operation bridge
	// listens on. Empty means <DataDir>/bridge.sock.
	BridgeSocket string `yaml:"bridge_socket"`
}

// DebugConfig configures debug and inspection toggles.
type DebugConfig struct {
	// Verbose enables debug-level logging.
	Verbose bool `yaml:"verbose"`

	// LogBridgeTraffic logs every bridge frame at debug level. Noisy;
	// intended for protocol debugging only.
	LogBridgeTraffic bool `yaml:"log_bridge_traffic"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ListenPort:      4871,
			FallbackDynamic: true,
		},
	}
}

// Load reads configuration from the file named by the GANGWAY_CONFIG
// environment variable, or from configFlag if non-empty (the flag
// wins). Missing file is an error — there is no implicit default
// config file, only explicit paths. Call Default() when no file is
// wanted.
func Load(configFlag string) (*Config, error) {
	path := os.Getenv(EnvVar)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		return nil, fmt.Errorf("no config file: set %s or pass --config", EnvVar)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field ranges. Called by Load; exported for callers
// that build a Config programmatically.
func (c *Config) Validate() error {
	if c.Node.ListenPort < 0 || c.Node.ListenPort > 65535 {
		return fmt.Errorf("node.listen_port %d out of range", c.Node.ListenPort)
	}
	return nil
}

// DataDir returns the configured data directory, or the per-user
// default when unset. The default follows XDG: $XDG_DATA_HOME/gangway,
// falling back to ~/.local/share/gangway.
func (c *Config) DataDir() (string, error) {
	if c.Paths.DataDir != "" {
		return c.Paths.DataDir, nil
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "gangway"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory for default data dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "gangway"), nil
}

// BridgeSocket returns the configured bridge socket path, defaulting
// to bridge.sock under the data directory.
func (c *Config) BridgeSocket() (string, error) {
	if c.Paths.BridgeSocket != "" {
		return c.Paths.BridgeSocket, nil
	}
	dataDir, err := c.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "bridge.sock"), nil
}
