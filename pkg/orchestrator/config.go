package orchestrator

import (
	"fmt"
	"time"
)

// MsRange is an inclusive-exclusive millisecond range [Min, Max).
type MsRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Config holds every tunable of the turn engine. All durations are in
// milliseconds so the struct maps one-to-one onto the YAML file.
type Config struct {
	// Pause/silence scheduling.
	CompleteTimeoutMs   int `yaml:"complete_timeout_ms"`
	IncompleteTimeoutMs int `yaml:"incomplete_timeout_ms"`
	ExtensionTimeoutMs  int `yaml:"extension_timeout_ms"`
	// ExtensionMaxWords: incomplete texts shorter than this get one extension.
	ExtensionMaxWords int `yaml:"extension_max_words"`

	DuplicateSuppressionWindowMs int     `yaml:"duplicate_suppression_window_ms"`
	DuplicateSimilarityThreshold float64 `yaml:"duplicate_similarity_threshold"`

	// Noise calibration.
	MinThreshold              float64 `yaml:"min_threshold"`
	MaxThreshold              float64 `yaml:"max_threshold"`
	InitialThreshold          float64 `yaml:"initial_threshold"`
	CalibrationSampleCount    int     `yaml:"calibration_sample_count"`
	CalibrationIntervalMs     int     `yaml:"calibration_interval_ms"`
	FastCalibrationIntervalMs int     `yaml:"fast_calibration_interval_ms"`
	// UnstableVolatility is the iqr/median ratio above which the fast
	// interval is used.
	UnstableVolatility   float64 `yaml:"unstable_volatility"`
	CalibrationTimeoutMs int     `yaml:"calibration_timeout_ms"`
	CalibrateOnStart     bool    `yaml:"calibrate_on_start"`

	// Interruption detection.
	InterruptionDebounceSamples int     `yaml:"interruption_debounce_samples"`
	SpeechProtectionWindowMs    int     `yaml:"speech_protection_window_ms"`
	ThresholdCap                float64 `yaml:"threshold_cap"`
	EchoGuard                   bool    `yaml:"echo_guard"`

	// Thinking mode.
	ThinkingFirstCheckMs       int     `yaml:"thinking_first_check_ms"`
	ThinkingSecondCheckRangeMs MsRange `yaml:"thinking_second_check_range_ms"`
	MaxFrustrationLevel        int     `yaml:"max_frustration_level"`

	// Playback.
	MaxConsecutivePlaybackFailures int `yaml:"max_consecutive_playback_failures"`

	// Collaborators.
	GenerationTimeoutMs int     `yaml:"generation_timeout_ms"`
	SynthesisTimeoutMs  int     `yaml:"synthesis_timeout_ms"`
	RecognizerBackoffMs MsRange `yaml:"recognizer_backoff_ms"`

	// Continuous returns to Listening after the AI finishes speaking;
	// otherwise the machine goes Idle.
	Continuous         bool     `yaml:"continuous"`
	AudioQueueSize     int      `yaml:"audio_queue_size"`
	MaxContextMessages int      `yaml:"max_context_messages"`
	Language           Language `yaml:"language"`
}

func DefaultConfig() Config {
	return Config{
		CompleteTimeoutMs:              3000,
		IncompleteTimeoutMs:            6000,
		ExtensionTimeoutMs:             5000,
		ExtensionMaxWords:              4,
		DuplicateSuppressionWindowMs:   5000,
		DuplicateSimilarityThreshold:   0.9,
		MinThreshold:                   0.15,
		MaxThreshold:                   0.6,
		InitialThreshold:               0.3,
		CalibrationSampleCount:         100,
		CalibrationIntervalMs:          120000,
		FastCalibrationIntervalMs:      60000,
		UnstableVolatility:             1.0,
		CalibrationTimeoutMs:           10000,
		CalibrateOnStart:               true,
		InterruptionDebounceSamples:    3,
		SpeechProtectionWindowMs:       1500,
		ThresholdCap:                   0.3,
		EchoGuard:                      true,
		ThinkingFirstCheckMs:           30000,
		ThinkingSecondCheckRangeMs:     MsRange{Min: 7000, Max: 15000},
		MaxFrustrationLevel:            3,
		MaxConsecutivePlaybackFailures: 1,
		GenerationTimeoutMs:            60000,
		SynthesisTimeoutMs:             30000,
		RecognizerBackoffMs:            MsRange{Min: 1000, Max: 30000},
		Continuous:                     true,
		AudioQueueSize:                 256,
		MaxContextMessages:             20,
		Language:                       LanguageEn,
	}
}

// Validate reports the first field that would break an engine invariant.
func (c Config) Validate() error {
	switch {
	case c.CompleteTimeoutMs <= 0:
		return invalid("complete_timeout_ms", c.CompleteTimeoutMs)
	case c.IncompleteTimeoutMs <= 0:
		return invalid("incomplete_timeout_ms", c.IncompleteTimeoutMs)
	case c.ExtensionTimeoutMs < 0:
		return invalid("extension_timeout_ms", c.ExtensionTimeoutMs)
	case c.MinThreshold < 0 || c.MinThreshold > c.MaxThreshold:
		return invalid("min_threshold", c.MinThreshold)
	case c.InitialThreshold < c.MinThreshold || c.InitialThreshold > c.MaxThreshold:
		return invalid("initial_threshold", c.InitialThreshold)
	case c.CalibrationSampleCount < 4:
		return invalid("calibration_sample_count", c.CalibrationSampleCount)
	case c.CalibrationIntervalMs <= 0:
		return invalid("calibration_interval_ms", c.CalibrationIntervalMs)
	case c.InterruptionDebounceSamples < 1:
		return invalid("interruption_debounce_samples", c.InterruptionDebounceSamples)
	case c.SpeechProtectionWindowMs < 0:
		return invalid("speech_protection_window_ms", c.SpeechProtectionWindowMs)
	case c.ThinkingFirstCheckMs <= 0:
		return invalid("thinking_first_check_ms", c.ThinkingFirstCheckMs)
	case c.ThinkingSecondCheckRangeMs.Min <= 0 || c.ThinkingSecondCheckRangeMs.Max <= c.ThinkingSecondCheckRangeMs.Min:
		return invalid("thinking_second_check_range_ms", c.ThinkingSecondCheckRangeMs)
	case c.DuplicateSimilarityThreshold < 0 || c.DuplicateSimilarityThreshold > 1:
		return invalid("duplicate_similarity_threshold", c.DuplicateSimilarityThreshold)
	case c.MaxConsecutivePlaybackFailures < 0:
		return invalid("max_consecutive_playback_failures", c.MaxConsecutivePlaybackFailures)
	case c.AudioQueueSize <= 0:
		return invalid("audio_queue_size", c.AudioQueueSize)
	}
	return nil
}

func invalid(field string, v interface{}) error {
	return fmt.Errorf("%w: %s=%v", ErrInvalidConfig, field, v)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
