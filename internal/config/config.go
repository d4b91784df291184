// Package config loads the daemon's JSON configuration document and holds
// the event loop's fixed timing constants.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the recognized set of daemon options.
type Config struct {
	DataDir             string   `json:"data_dir"`
	Port                int      `json:"port"`
	BootstrapPeers      []string `json:"bootstrap_peers"`
	LogLevel            string   `json:"log_level"`
	ControlSocketPath   string   `json:"control_socket_path"`
	IdentityKeyPath     string   `json:"identity_key_path"`
	GatewayEnabled      bool     `json:"gateway_enabled"`
	RelayEnabled        bool     `json:"relay_enabled"`
	RelayTrustThreshold float64  `json:"relay_trust_threshold"`
}

// Defaults returns the configuration a node boots with absent a config file
// or CLI overrides.
func Defaults() Config {
	return Config{
		DataDir:             "./capsule-data",
		Port:                8710,
		LogLevel:            "info",
		ControlSocketPath:   "./capsule-data/capsule.sock",
		IdentityKeyPath:     "./capsule-data/identity.key",
		GatewayEnabled:      false,
		RelayEnabled:        true,
		RelayTrustThreshold: 0.5,
	}
}

// Load reads and merges a JSON config file onto Defaults(). A missing file
// is not an error: the defaults are returned as-is.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// The event loop's timers are fixed rather than configurable, so they live
// here as named constants instead of Config fields.
const (
	TickInterval          = 100 * time.Millisecond
	DiscoveryInterval     = 50  // ticks (~5s)
	DHTRefreshInterval    = 600 // ticks (~60s)
	TrustSnapshotInterval = 300 // ticks (~30s)
)
