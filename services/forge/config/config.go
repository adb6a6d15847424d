// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the forge daemon configuration: defaults, file
// loading, environment overrides, and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full forge configuration.
//
// Thread Safety: safe to read concurrently. Not safe to modify after
// creation.
type Config struct {
	// Node identifies this instance to peers.
	Node NodeConfig `json:"node" yaml:"node"`

	// Pool sizes the worker pool.
	Pool PoolConfig `json:"pool" yaml:"pool"`

	// Cache sizes the multi-tier cache.
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Batch tunes request batching.
	Batch BatchConfig `json:"batch" yaml:"batch"`

	// Consensus tunes adaptation rounds.
	Consensus ConsensusConfig `json:"consensus" yaml:"consensus"`

	// Coordinator tunes health, failover, and load balancing.
	Coordinator CoordinatorConfig `json:"coordinator" yaml:"coordinator"`

	// Storage configures the optional badger-backed remote cache tier.
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Telemetry configures metric and trace export.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Logging configures the structured logger.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// NodeConfig identifies this forge instance.
type NodeConfig struct {
	ID    string   `json:"id" yaml:"id" validate:"required"`
	Peers []string `json:"peers" yaml:"peers"`
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Size          int           `json:"size" yaml:"size" validate:"gte=1"`
	QueueCapacity int           `json:"queue_capacity" yaml:"queue_capacity" validate:"gte=1"`
	LoadBalanced  bool          `json:"load_balanced" yaml:"load_balanced"`
	TaskTimeout   time.Duration `json:"task_timeout" yaml:"task_timeout" validate:"gt=0"`
}

// CacheConfig sizes the multi-tier cache.
type CacheConfig struct {
	HotCapacity       int           `json:"hot_capacity" yaml:"hot_capacity" validate:"gte=1"`
	WarmCapacity      int           `json:"warm_capacity" yaml:"warm_capacity" validate:"gte=1"`
	ColdCapacity      int           `json:"cold_capacity" yaml:"cold_capacity" validate:"gte=1"`
	DefaultTTL        time.Duration `json:"default_ttl" yaml:"default_ttl" validate:"gt=0"`
	SweepInterval     time.Duration `json:"sweep_interval" yaml:"sweep_interval" validate:"gt=0"`
	RebalanceInterval time.Duration `json:"rebalance_interval" yaml:"rebalance_interval" validate:"gt=0"`
	HotInactivity     time.Duration `json:"hot_inactivity" yaml:"hot_inactivity" validate:"gt=0"`
}

// BatchConfig tunes request batching.
type BatchConfig struct {
	Size      int           `json:"size" yaml:"size" validate:"gte=1"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout" validate:"gt=0"`
	ResultTTL time.Duration `json:"result_ttl" yaml:"result_ttl" validate:"gt=0"`
}

// ConsensusConfig tunes adaptation rounds.
type ConsensusConfig struct {
	QuorumRatio           float64       `json:"quorum_ratio" yaml:"quorum_ratio" validate:"gt=0,lte=1"`
	EnergyChangeThreshold float64       `json:"energy_change_threshold" yaml:"energy_change_threshold" validate:"gt=0"`
	MinInterval           time.Duration `json:"min_interval" yaml:"min_interval" validate:"gte=0"`
	VoteTimeout           time.Duration `json:"vote_timeout" yaml:"vote_timeout" validate:"gt=0"`
	SendTimeout           time.Duration `json:"send_timeout" yaml:"send_timeout" validate:"gt=0"`
}

// CoordinatorConfig tunes supervision.
type CoordinatorConfig struct {
	HealthInterval      time.Duration `json:"health_interval" yaml:"health_interval" validate:"gt=0"`
	LoadBalanceInterval time.Duration `json:"load_balance_interval" yaml:"load_balance_interval" validate:"gt=0"`
	QueueHighWater      int           `json:"queue_high_water" yaml:"queue_high_water" validate:"gte=1"`
	FailoverEnabled     bool          `json:"failover_enabled" yaml:"failover_enabled"`
	AutoScale           bool          `json:"auto_scale" yaml:"auto_scale"`
	MaxPoolSize         int           `json:"max_pool_size" yaml:"max_pool_size" validate:"gte=1"`
}

// StorageConfig configures the optional remote cache tier.
type StorageConfig struct {
	RemoteEnabled bool   `json:"remote_enabled" yaml:"remote_enabled"`
	Path          string `json:"path" yaml:"path"`
	InMemory      bool   `json:"in_memory" yaml:"in_memory"`
	SyncWrites    bool   `json:"sync_writes" yaml:"sync_writes"`
}

// TelemetryConfig configures metric and trace export.
type TelemetryConfig struct {
	// Exporter selects the metrics pipeline.
	Exporter string `json:"exporter" yaml:"exporter" validate:"oneof=prometheus otlp stdout none"`

	// Endpoint is the OTLP collector address, used only by the otlp
	// exporter.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// MetricsAddr is the listen address for the Prometheus scrape
	// endpoint.
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`

	ServiceName string `json:"service_name" yaml:"service_name" validate:"required"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"oneof=json text"`
}

// Default returns the production default configuration.
func Default() Config {
	return Config{
		Node: NodeConfig{
			ID: "forge-local",
		},
		Pool: PoolConfig{
			Size:          8,
			QueueCapacity: 256,
			LoadBalanced:  true,
			TaskTimeout:   30 * time.Second,
		},
		Cache: CacheConfig{
			HotCapacity:       256,
			WarmCapacity:      1024,
			ColdCapacity:      4096,
			DefaultTTL:        5 * time.Minute,
			SweepInterval:     30 * time.Second,
			RebalanceInterval: 2 * time.Minute,
			HotInactivity:     time.Minute,
		},
		Batch: BatchConfig{
			Size:      16,
			Timeout:   25 * time.Millisecond,
			ResultTTL: 5 * time.Minute,
		},
		Consensus: ConsensusConfig{
			QuorumRatio:           0.67,
			EnergyChangeThreshold: 0.5,
			MinInterval:           10 * time.Second,
			VoteTimeout:           5 * time.Second,
			SendTimeout:           2 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			HealthInterval:      10 * time.Second,
			LoadBalanceInterval: 30 * time.Second,
			QueueHighWater:      128,
			FailoverEnabled:     true,
			AutoScale:           false,
			MaxPoolSize:         32,
		},
		Storage: StorageConfig{
			RemoteEnabled: false,
			Path:          "/var/lib/keyforge/cache",
			InMemory:      false,
			SyncWrites:    false,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "prometheus",
			MetricsAddr: ":9464",
			ServiceName: "keyforge",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds configuration with priority: env > file > defaults.
//
// Inputs:
//   - path: YAML or JSON config file. Empty or missing files are fine;
//     defaults apply.
//
// Outputs:
//   - Config: the merged configuration.
//   - error: non-nil when the file exists but cannot be parsed, or the
//     merged result fails validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	loadEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the configuration against its declared constraints.
func (c Config) Validate() error {
	return validate.Struct(c)
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Try YAML first, then JSON.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("FORGE_NODE_ID"); v != "" {
		cfg.Node.ID = v
	}
	if v := os.Getenv("FORGE_POOL_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Pool.Size = i
		}
	}
	if v := os.Getenv("FORGE_POOL_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Pool.QueueCapacity = i
		}
	}
	if v := os.Getenv("FORGE_BATCH_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Batch.Size = i
		}
	}
	if v := os.Getenv("FORGE_BATCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Batch.Timeout = d
		}
	}
	if v := os.Getenv("FORGE_QUORUM_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Consensus.QuorumRatio = f
		}
	}
	if v := os.Getenv("FORGE_VOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Consensus.VoteTimeout = d
		}
	}
	if v := os.Getenv("FORGE_REMOTE_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Storage.RemoteEnabled = b
		}
	}
	if v := os.Getenv("FORGE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("FORGE_TELEMETRY_EXPORTER"); v != "" {
		cfg.Telemetry.Exporter = v
	}
	if v := os.Getenv("FORGE_METRICS_ADDR"); v != "" {
		cfg.Telemetry.MetricsAddr = v
	}
	if v := os.Getenv("FORGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FORGE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
