// Package config loads the enumerated configuration of spec.md §6 via
// github.com/spf13/viper, generalizing the teacher's two-line getenv
// helper in cmd/node/main.go / cmd/coordinator/main.go into a single
// source of truth both commands share.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds every knob spec.md §6 enumerates, plus the process-identity
// fields each command needs to start.
type Config struct {
	// ListenAddr is used by both commands; NodeID / PublicAddr /
	// CoordinatorAddr / WorkerLocalDir are read by cmd/node only.
	NodeID          string
	ListenAddr      string
	PublicAddr      string
	CoordinatorAddr string
	WorkerLocalDir  string
	WorkersFile     string

	MemoryLimitBytesPerRun int64
	DiskLimitBytesPerRun   int64
	SendFlushBytes         int64
	SendFlushMS            time.Duration
	Codec                  string

	HeartbeatInterval time.Duration
	HealthInterval    time.Duration
	OffloadWorkers    int
}

// Load reads configuration from environment variables (prefixed SHUFFLE_)
// and, if present, a YAML file at configPath, applying spec.md §6's
// defaults for anything left unset.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SHUFFLE")
	v.AutomaticEnv()

	v.SetDefault("memory_limit_bytes_per_run", int64(128<<20))
	v.SetDefault("disk_limit_bytes_per_run", int64(0))
	v.SetDefault("send_flush_bytes", int64(2<<20))
	v.SetDefault("send_flush_ms", 50)
	v.SetDefault("codec", "columnar-v1")
	v.SetDefault("heartbeat_interval_ms", 1000)
	v.SetDefault("health_interval_ms", 5000)
	v.SetDefault("offload_workers", 4)
	v.SetDefault("worker_local_dir", "./shuffle-data")
	v.SetDefault("listen_addr", ":8081")
	v.SetDefault("public_addr", "http://127.0.0.1:8081")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	return Config{
		NodeID:                 v.GetString("node_id"),
		ListenAddr:             v.GetString("listen_addr"),
		PublicAddr:             v.GetString("public_addr"),
		CoordinatorAddr:        v.GetString("coordinator_addr"),
		WorkerLocalDir:         v.GetString("worker_local_dir"),
		WorkersFile:            v.GetString("workers_file"),
		MemoryLimitBytesPerRun: v.GetInt64("memory_limit_bytes_per_run"),
		DiskLimitBytesPerRun:   v.GetInt64("disk_limit_bytes_per_run"),
		SendFlushBytes:         v.GetInt64("send_flush_bytes"),
		SendFlushMS:            time.Duration(v.GetInt64("send_flush_ms")) * time.Millisecond,
		Codec:                  v.GetString("codec"),
		HeartbeatInterval:      time.Duration(v.GetInt64("heartbeat_interval_ms")) * time.Millisecond,
		HealthInterval:         time.Duration(v.GetInt64("health_interval_ms")) * time.Millisecond,
		OffloadWorkers:         v.GetInt("offload_workers"),
	}, nil
}
