package domain

import (
	"fmt"
	"strings"
)

// ModelFormat identifies a model container format.
type ModelFormat string

const (
	ModelFormatTFLite  ModelFormat = "tflite"
	ModelFormatPyTorch ModelFormat = "pytorch"
	ModelFormatONNX    ModelFormat = "onnx"
	ModelFormatDense   ModelFormat = "dense"
)

// ParseModelFormat converts a config or flag value into a ModelFormat.
func ParseModelFormat(s string) (ModelFormat, error) {
	switch f := ModelFormat(strings.ToLower(s)); f {
	case ModelFormatTFLite, ModelFormatPyTorch, ModelFormatONNX, ModelFormatDense:
		return f, nil
	default:
		return "", fmt.Errorf("unknown model format %q", s)
	}
}

// DefaultMaxBatchSize is used when a ModelConfig leaves MaxBatchSize unset.
const DefaultMaxBatchSize = 32

// ModelConfig is fixed for the lifetime of a loaded model.
type ModelConfig struct {
	EnableOptimization bool   `yaml:"enable_optimization" json:"enable_optimization"`
	EnableCaching      bool   `yaml:"enable_caching"      json:"enable_caching"`
	MaxBatchSize       int    `yaml:"max_batch_size"      json:"max_batch_size"`
	CustomOptions      string `yaml:"custom_options"      json:"custom_options"`
}

// DefaultModelConfig returns the configuration used when none is given.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{MaxBatchSize: DefaultMaxBatchSize}
}

// InferenceMetrics is filled in by the engine for a single call or a batch.
type InferenceMetrics struct {
	InferenceTimeMs float64 `json:"inference_time_ms"`
	MemoryUsageMb   float64 `json:"memory_usage_mb"`
	CPUUsagePercent float64 `json:"cpu_usage_percent"`
	GPUUsagePercent float64 `json:"gpu_usage_percent"`
}
