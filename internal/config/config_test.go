package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != Defaults().Port {
		t.Fatalf("expected default port, got %d", cfg.Port)
	}
}

func TestLoadMergesFileOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capsule.json")
	doc := `{"port": 9999, "gateway_enabled": true, "bootstrap_peers": ["198.51.100.1:8710"]}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9999 {
		t.Fatalf("expected overridden port 9999, got %d", cfg.Port)
	}
	if !cfg.GatewayEnabled {
		t.Fatal("expected gateway_enabled to be overridden to true")
	}
	if len(cfg.BootstrapPeers) != 1 || cfg.BootstrapPeers[0] != "198.51.100.1:8710" {
		t.Fatalf("unexpected bootstrap peers: %v", cfg.BootstrapPeers)
	}
	// Fields not present in the file should keep their defaults.
	if cfg.LogLevel != Defaults().LogLevel {
		t.Fatalf("expected default log level to survive merge, got %q", cfg.LogLevel)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Defaults()
	if cfg.Port != want.Port || cfg.DataDir != want.DataDir || cfg.LogLevel != want.LogLevel {
		t.Fatalf("expected Load(\"\") to return Defaults() unchanged, got %+v", cfg)
	}
}
