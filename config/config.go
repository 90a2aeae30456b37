// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a replica node.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Log         LogConfig         `yaml:"log"`
	Replication ReplicationConfig `yaml:"replication"`
	Queues      []QueueConfig     `yaml:"queues,omitempty"`
	Ownership   OwnershipConfig   `yaml:"ownership"`
	Server      ServerConfig      `yaml:"server"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// NodeConfig identifies this node in the cluster.
type NodeConfig struct {
	ID string `yaml:"id"` // Random UUID when unset
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ReplicationConfig holds the Raft settings used to order membership events.
type ReplicationConfig struct {
	Enabled       bool         `yaml:"enabled"`
	BindAddr      string       `yaml:"bind_addr"`
	AdvertiseAddr string       `yaml:"advertise_addr"`
	DataDir       string       `yaml:"data_dir"`
	Bootstrap     bool         `yaml:"bootstrap"` // true only when forming a new cluster
	Peers         []PeerConfig `yaml:"peers,omitempty"`

	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout   time.Duration `yaml:"election_timeout"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	SnapshotThreshold uint64        `yaml:"snapshot_threshold"`
	ApplyTimeout      time.Duration `yaml:"apply_timeout"`
	LogLevel          string        `yaml:"log_level"` // Raft library log level

	// Circuit breaker around event forwarding to the leader.
	ForwardFailureThreshold uint32        `yaml:"forward_failure_threshold"`
	ForwardResetTimeout     time.Duration `yaml:"forward_reset_timeout"`
}

// PeerConfig describes another replication member.
type PeerConfig struct {
	ID       string `yaml:"id"`
	RaftAddr string `yaml:"raft_addr"`
	APIAddr  string `yaml:"api_addr"` // Health/API server, used to forward events to the leader
}

// QueueConfig declares a replicated queue.
type QueueConfig struct {
	Name         string `yaml:"name"`
	Distribution string `yaml:"distribution"` // fifo, exclusive
	BatchSize    int    `yaml:"batch_size"`
}

// OwnershipConfig tunes ownership arbitration.
type OwnershipConfig struct {
	// RotationQuantum is how long a shared owner delivers before handing
	// the queue to the next member. Zero disables rotation.
	RotationQuantum time.Duration `yaml:"rotation_quantum"`
	// ShardedMap selects the sharded registry map instead of a single lock.
	ShardedMap bool `yaml:"sharded_map"`
	MapShards  int  `yaml:"map_shards"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID: uuid.NewString(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Replication: ReplicationConfig{
			Enabled:           false,
			BindAddr:          "127.0.0.1:7100",
			DataDir:           "/tmp/fluxmq-replica/data",
			Bootstrap:         true,
			HeartbeatTimeout:  1 * time.Second,
			ElectionTimeout:   3 * time.Second,
			SnapshotInterval:  5 * time.Minute,
			SnapshotThreshold: 8192,
			ApplyTimeout:      5 * time.Second,
			LogLevel:          "warn",

			ForwardFailureThreshold: 5,
			ForwardResetTimeout:     10 * time.Second,
		},
		Ownership: OwnershipConfig{
			RotationQuantum: 0,
			MapShards:       32,
		},
		Server: ServerConfig{
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			ShutdownTimeout: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled:  false,
			TracesEnabled:   false, // Disabled by default for performance
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxmq-replica",
			ServiceVersion:  "1.0.0",
			TraceSampleRate: 0.1, // 10% sampling when enabled
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id cannot be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Replication.Enabled {
		if err := c.Replication.validate(c.Node.ID); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(c.Queues))
	validDistributions := map[string]bool{"": true, "fifo": true, "exclusive": true}
	for i, q := range c.Queues {
		if q.Name == "" {
			return fmt.Errorf("queues[%d].name cannot be empty", i)
		}
		if seen[q.Name] {
			return fmt.Errorf("queues[%d]: duplicate queue %q", i, q.Name)
		}
		seen[q.Name] = true
		if !validDistributions[q.Distribution] {
			return fmt.Errorf("queues[%d].distribution must be one of: fifo, exclusive", i)
		}
		if q.BatchSize < 0 {
			return fmt.Errorf("queues[%d].batch_size cannot be negative", i)
		}
	}

	if c.Ownership.RotationQuantum < 0 {
		return fmt.Errorf("ownership.rotation_quantum cannot be negative")
	}
	if c.Ownership.RotationQuantum > 0 && c.Ownership.RotationQuantum < 10*time.Millisecond {
		return fmt.Errorf("ownership.rotation_quantum must be at least 10ms")
	}
	if c.Ownership.ShardedMap && c.Ownership.MapShards < 1 {
		return fmt.Errorf("ownership.map_shards must be at least 1")
	}

	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.ShutdownTimeout < time.Second {
		return fmt.Errorf("server.shutdown_timeout must be at least 1 second")
	}

	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
	}
	if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
		return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
	}

	return nil
}

func (r ReplicationConfig) validate(nodeID string) error {
	if r.BindAddr == "" {
		return fmt.Errorf("replication.bind_addr required when replication is enabled")
	}
	if r.DataDir == "" {
		return fmt.Errorf("replication.data_dir required when replication is enabled")
	}
	if r.HeartbeatTimeout < 5*time.Millisecond {
		return fmt.Errorf("replication.heartbeat_timeout must be at least 5ms")
	}
	if r.ElectionTimeout < r.HeartbeatTimeout {
		return fmt.Errorf("replication.election_timeout must not be shorter than heartbeat_timeout")
	}
	if r.ApplyTimeout <= 0 {
		return fmt.Errorf("replication.apply_timeout must be positive")
	}
	if r.ForwardResetTimeout < 0 {
		return fmt.Errorf("replication.forward_reset_timeout cannot be negative")
	}

	ids := make(map[string]bool, len(r.Peers))
	for i, p := range r.Peers {
		if p.ID == "" {
			return fmt.Errorf("replication.peers[%d].id cannot be empty", i)
		}
		if ids[p.ID] {
			return fmt.Errorf("replication.peers[%d]: duplicate peer %q", i, p.ID)
		}
		ids[p.ID] = true
		if p.ID != nodeID && p.RaftAddr == "" {
			return fmt.Errorf("replication.peers[%d].raft_addr cannot be empty", i)
		}
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
