// Package config loads the daemons' yaml configuration files, with
// environment-variable overrides for the addresses deployment scripts
// most often set.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig selects and locates the config-store backend.
type StoreConfig struct {
	// Backend is "memory" or "etcd".
	Backend string `yaml:"backend"`
	// Endpoints are the etcd endpoints; ignored for memory.
	Endpoints []string `yaml:"endpoints"`
}

// Coordinator is the coordinator daemon's configuration.
type Coordinator struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// Store locates the cluster config store.
	Store StoreConfig `yaml:"store"`
	// HealthInterval is the member health-check cadence.
	HealthInterval time.Duration `yaml:"health_interval"`
	// StageTimeout bounds each control call of a key-change session.
	StageTimeout time.Duration `yaml:"stage_timeout"`
	// MigrateTimeout bounds each chunk transfer.
	MigrateTimeout time.Duration `yaml:"migrate_timeout"`
}

// Node is the replica-group member daemon's configuration.
type Node struct {
	// SetName is the member's replica-group name.
	SetName string `yaml:"set_name"`
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// Advertise is the endpoint peers reach this member at; defaults
	// to Listen.
	Advertise string `yaml:"advertise"`
	// Storage is "memory" or "pebble".
	Storage string `yaml:"storage"`
	// DataDir is the pebble data directory.
	DataDir string `yaml:"data_dir"`
}

// LoadCoordinator reads a coordinator config file. A missing path
// yields the defaults.
func LoadCoordinator(path string) (Coordinator, error) {
	cfg := Coordinator{
		Listen:         ":8080",
		Store:          StoreConfig{Backend: "memory"},
		HealthInterval: 5 * time.Second,
		StageTimeout:   30 * time.Second,
		MigrateTimeout: 10 * time.Minute,
	}
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.Listen = envOr("COORDINATOR_ADDR", cfg.Listen)
	if cfg.Store.Backend != "memory" && cfg.Store.Backend != "etcd" {
		return cfg, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if cfg.Store.Backend == "etcd" && len(cfg.Store.Endpoints) == 0 {
		return cfg, fmt.Errorf("etcd store needs at least one endpoint")
	}
	return cfg, nil
}

// LoadNode reads a member config file. A missing path yields the
// defaults.
func LoadNode(path string) (Node, error) {
	cfg := Node{
		SetName: "rs0",
		Listen:  ":8081",
		Storage: "memory",
		DataDir: "data",
	}
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.SetName = envOr("NODE_SET", cfg.SetName)
	cfg.Listen = envOr("NODE_LISTEN", cfg.Listen)
	cfg.Advertise = envOr("NODE_ADDR", cfg.Advertise)
	if cfg.Advertise == "" {
		cfg.Advertise = cfg.Listen
	}
	if cfg.Storage != "memory" && cfg.Storage != "pebble" {
		return cfg, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
	return cfg, nil
}

func load(path string, out any) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
