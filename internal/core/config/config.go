package config

import (
	"time"

	"github.com/vietddude/edgeinfer/internal/core/domain"
	natspub "github.com/vietddude/edgeinfer/internal/infra/messaging/nats"
	redisclient "github.com/vietddude/edgeinfer/internal/infra/redis"
	"github.com/vietddude/edgeinfer/internal/infra/storage/postgres"
)

const defaultMaxRetries = 3

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Engine   EngineConfig       `yaml:"engine"`
	Model    ModelConfig        `yaml:"model"`
	Recovery RecoveryConfig     `yaml:"recovery"`
	Redis    redisclient.Config `yaml:"redis"`
	Database postgres.Config    `yaml:"database"`
	NATS     natspub.Config     `yaml:"nats"`
}

// ServerConfig holds health server settings.
type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"` // 0 disables the gRPC health service
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// EngineConfig holds inference engine settings.
type EngineConfig struct {
	Backend              string  `yaml:"backend"` // auto, cpu, hexagon, neuropilot
	HardwareAcceleration *bool   `yaml:"hardware_acceleration"`
	NumThreads           int     `yaml:"num_threads"`
	MemoryLimitMB        float64 `yaml:"memory_limit_mb"` // 0 = no limit
	PowerProfile         string  `yaml:"power_profile"`
	WarmupRuns           int     `yaml:"warmup_runs"`
	CollectMetrics       bool    `yaml:"collect_metrics"`
}

// HardwareEnabled reports the effective hardware acceleration setting.
func (e EngineConfig) HardwareEnabled() bool {
	return e.HardwareAcceleration == nil || *e.HardwareAcceleration
}

// ModelConfig holds the model to load at startup.
type ModelConfig struct {
	Path               string `yaml:"path"`
	Format             string `yaml:"format"`
	domain.ModelConfig `yaml:",inline"`
}

// RecoveryConfig holds recovery engine settings.
type RecoveryConfig struct {
	Automatic    *bool         `yaml:"automatic"`
	MaxRetries   *int          `yaml:"max_retries"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	HistoryLimit int           `yaml:"history_limit"`
	ExportPath   string        `yaml:"export_path"` // written on shutdown when set
	SinkTimeout  time.Duration `yaml:"sink_timeout"`
	Retention    time.Duration `yaml:"retention"` // 0 keeps persisted records forever
}

// AutomaticEnabled reports the effective automatic recovery setting.
func (r RecoveryConfig) AutomaticEnabled() bool {
	return r.Automatic == nil || *r.Automatic
}

// Retries reports the effective strategy attempt count. Unset or negative
// values fall back to 3; 0 disables strategy attempts.
func (r RecoveryConfig) Retries() int {
	if r.MaxRetries == nil || *r.MaxRetries < 0 {
		return defaultMaxRetries
	}
	return *r.MaxRetries
}
