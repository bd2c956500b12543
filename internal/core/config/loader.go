package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/edgeinfer/internal/core/domain"
	"github.com/vietddude/edgeinfer/internal/infra/accelerator"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *AppConfig {
	var cfg AppConfig
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills unset fields.
func (c *AppConfig) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Engine.Backend == "" {
		c.Engine.Backend = string(accelerator.KindAuto)
	}
	if c.Engine.NumThreads == 0 {
		c.Engine.NumThreads = 1
	}
	if c.Engine.PowerProfile == "" {
		c.Engine.PowerProfile = string(domain.PowerProfileBalanced)
	}

	if c.Model.Format == "" {
		c.Model.Format = string(domain.ModelFormatDense)
	}
	if c.Model.MaxBatchSize == 0 {
		c.Model.MaxBatchSize = domain.DefaultMaxBatchSize
	}

	if c.Recovery.MaxRetries == nil || *c.Recovery.MaxRetries < 0 {
		n := defaultMaxRetries
		c.Recovery.MaxRetries = &n
	}
	if c.Recovery.BaseDelay == 0 {
		c.Recovery.BaseDelay = 100 * time.Millisecond
	}
	if c.Recovery.MaxDelay == 0 {
		c.Recovery.MaxDelay = 10 * time.Second
	}
	if c.Recovery.HistoryLimit == 0 {
		c.Recovery.HistoryLimit = 1000
	}
	if c.Recovery.SinkTimeout == 0 {
		c.Recovery.SinkTimeout = 2 * time.Second
	}
}

// Validate checks enumerated values and ranges.
func (c *AppConfig) Validate() error {
	var errs []error

	switch accelerator.Kind(c.Engine.Backend) {
	case accelerator.KindAuto, accelerator.KindCPU, accelerator.KindHexagon, accelerator.KindNeuroPilot:
	default:
		errs = append(errs, fmt.Errorf("engine.backend: unknown backend %q", c.Engine.Backend))
	}
	if c.Engine.NumThreads < 1 {
		errs = append(errs, fmt.Errorf("engine.num_threads: must be >= 1, got %d", c.Engine.NumThreads))
	}
	if c.Engine.MemoryLimitMB < 0 {
		errs = append(errs, fmt.Errorf("engine.memory_limit_mb: must be >= 0"))
	}
	if _, err := domain.ParsePowerProfile(c.Engine.PowerProfile); err != nil {
		errs = append(errs, fmt.Errorf("engine.power_profile: %w", err))
	}
	if _, err := domain.ParseModelFormat(c.Model.Format); err != nil {
		errs = append(errs, fmt.Errorf("model.format: %w", err))
	}
	if c.Model.MaxBatchSize < 1 {
		errs = append(errs, fmt.Errorf("model.max_batch_size: must be >= 1, got %d", c.Model.MaxBatchSize))
	}
	if c.Recovery.MaxDelay < c.Recovery.BaseDelay {
		errs = append(errs, fmt.Errorf("recovery.max_delay: must be >= base_delay"))
	}
	if c.Recovery.Retention < 0 {
		errs = append(errs, fmt.Errorf("recovery.retention: must not be negative"))
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		errs = append(errs, fmt.Errorf("server.grpc_port: must differ from server.port"))
	}

	return errors.Join(errs...)
}
