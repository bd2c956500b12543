package domain

import "fmt"

// PowerProfile selects the power/performance trade-off of a backend.
type PowerProfile string

const (
	PowerProfileLowPower        PowerProfile = "low_power"
	PowerProfileBalanced        PowerProfile = "balanced"
	PowerProfileHighPerformance PowerProfile = "high_performance"
)

// ParsePowerProfile converts a config string into a PowerProfile.
func ParsePowerProfile(s string) (PowerProfile, error) {
	switch p := PowerProfile(s); p {
	case PowerProfileLowPower, PowerProfileBalanced, PowerProfileHighPerformance:
		return p, nil
	case "":
		return PowerProfileBalanced, nil
	default:
		return "", fmt.Errorf("unknown power profile %q", s)
	}
}

// AcceleratorCapabilities describes what a backend can run.
type AcceleratorCapabilities struct {
	Type            string       `json:"type"`
	Operations      []string     `json:"operations"`
	PowerProfile    PowerProfile `json:"power_profile"`
	DriverVersion   string       `json:"driver_version"`
	FirmwareVersion string       `json:"firmware_version"`
}

// PerformanceMetrics is produced fresh by every backend call.
type PerformanceMetrics struct {
	InferenceTimeMs    float64 `json:"inference_time_ms"`
	PowerMw            float64 `json:"power_mw"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// Operation names shared by the backends.
const (
	OpConv2D             = "CONV_2D"
	OpDepthwiseConv2D    = "DEPTHWISE_CONV_2D"
	OpFullyConnected     = "FULLY_CONNECTED"
	OpQuantized16BitLSTM = "QUANTIZED_16_BIT_LSTM"
	OpHashtableLookup    = "HASHTABLE_LOOKUP"
	OpSoftmax            = "SOFTMAX"
	OpRelu               = "RELU"
)
