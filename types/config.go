/*
 * Copyright 2025 The IntelliStream Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package types

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration, loadable from YAML and
// overridable through functional options on the facade.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Compute   ComputeConfig   `yaml:"compute" json:"compute"`
	Resource  ResourceConfig  `yaml:"resource" json:"resource"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
}

// SchedulerConfig controls window shape, trigger policy, watermark behavior
// and scheduling limits.
type SchedulerConfig struct {
	WindowType string `yaml:"window_type" json:"window_type"`
	WindowLenUs int64 `yaml:"window_len_us" json:"window_len_us"`
	SlideLenUs  int64 `yaml:"slide_len_us" json:"slide_len_us"`

	TriggerPolicy         string `yaml:"trigger_policy" json:"trigger_policy"`
	TriggerIntervalUs     int64  `yaml:"trigger_interval_us" json:"trigger_interval_us"`
	TriggerCountThreshold int64  `yaml:"trigger_count_threshold" json:"trigger_count_threshold"`

	// MaxDelayUs bounds how far out of order data may arrive; the automatic
	// watermark trails the maximum observed timestamp by this much.
	MaxDelayUs       int64 `yaml:"max_delay_us" json:"max_delay_us"`
	WatermarkSlackUs int64 `yaml:"watermark_slack_us" json:"watermark_slack_us"`
	// IdleTimeoutUs advances the watermark on processing time when no events
	// arrive for this long. Zero disables idle advancement.
	IdleTimeoutUs int64 `yaml:"idle_timeout_us" json:"idle_timeout_us"`

	// LatePolicy decides what happens to data for already-completed windows:
	// LateDrop or LateRecompute.
	LatePolicy string `yaml:"late_policy" json:"late_policy"`

	MaxPendingWindows    int `yaml:"max_pending_windows" json:"max_pending_windows"`
	MaxConcurrentWindows int `yaml:"max_concurrent_windows" json:"max_concurrent_windows"`

	// MaxRetries bounds re-triggering of failed windows. Zero disables retry.
	MaxRetries     int   `yaml:"max_retries" json:"max_retries"`
	RetryBackoffMs int64 `yaml:"retry_backoff_ms" json:"retry_backoff_ms"`

	StreamSTable string `yaml:"stream_s_table" json:"stream_s_table"`
	StreamRTable string `yaml:"stream_r_table" json:"stream_r_table"`

	EnableMetrics     bool  `yaml:"enable_metrics" json:"enable_metrics"`
	MetricsIntervalUs int64 `yaml:"metrics_interval_us" json:"metrics_interval_us"`
}

// ComputeConfig controls the join operator and the execution/fallback
// behavior of ExecuteWindowJoin.
type ComputeConfig struct {
	OperatorType   string                 `yaml:"operator_type" json:"operator_type"`
	OperatorParams map[string]interface{} `yaml:"operator_params" json:"operator_params"`

	// JoinKeyTag names the tag holding the join key when Tuple.Key is empty.
	JoinKeyTag string `yaml:"join_key_tag" json:"join_key_tag"`
	// Filter is an optional expression applied to stream queries, e.g.
	// `value > 0 && tags.region == "eu"`.
	Filter string `yaml:"filter" json:"filter"`

	AQPThreshold float64 `yaml:"aqp_threshold" json:"aqp_threshold"`
	TimeoutMs    int64   `yaml:"timeout_ms" json:"timeout_ms"`
	EnableAQP    bool    `yaml:"enable_aqp" json:"enable_aqp"`

	ResultTable string `yaml:"result_table" json:"result_table"`

	MaxMemoryBytes int64 `yaml:"max_memory_bytes" json:"max_memory_bytes"`
	MaxThreads     int   `yaml:"max_threads" json:"max_threads"`
}

// ResourceConfig controls the per-client resource request and the global
// quota of the resource manager.
type ResourceConfig struct {
	RequestedThreads int   `yaml:"requested_threads" json:"requested_threads"`
	MaxMemoryBytes   int64 `yaml:"max_memory_bytes" json:"max_memory_bytes"`

	QueueCapacity     int   `yaml:"queue_capacity" json:"queue_capacity"`
	MonitorIntervalMs int64 `yaml:"monitor_interval_ms" json:"monitor_interval_ms"`

	GlobalMaxThreads     int   `yaml:"global_max_threads" json:"global_max_threads"`
	GlobalMaxMemoryBytes int64 `yaml:"global_max_memory_bytes" json:"global_max_memory_bytes"`
}

// StorageConfig selects the store backend and the on-disk locations.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend" json:"backend"`
	// Path is the SQLite database file for the sqlite backend.
	Path string `yaml:"path" json:"path"`
	// DataDir holds checkpointed compute state.
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// RetainLimit caps tuples kept per in-memory table; zero is unbounded.
	RetainLimit int `yaml:"retain_limit" json:"retain_limit"`
}

// DefaultSchedulerConfig returns the scheduler defaults: 1s sliding windows
// advancing every 500ms, hybrid triggering checked every 100ms.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		WindowType:            WindowSliding,
		WindowLenUs:           1_000_000,
		SlideLenUs:            500_000,
		TriggerPolicy:         TriggerHybrid,
		TriggerIntervalUs:     100_000,
		TriggerCountThreshold: 1000,
		MaxDelayUs:            100_000,
		WatermarkSlackUs:      50_000,
		LatePolicy:            LateDrop,
		MaxPendingWindows:     10,
		MaxConcurrentWindows:  4,
		MaxRetries:            0,
		RetryBackoffMs:        100,
		StreamSTable:          "stream_s",
		StreamRTable:          "stream_r",
		EnableMetrics:         true,
		MetricsIntervalUs:     1_000_000,
	}
}

// DefaultComputeConfig returns the engine defaults: exact intra-window join
// with AQP fallback targeting 5% error after a 1s budget.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		OperatorType:   "IAWJ",
		JoinKeyTag:     "key",
		AQPThreshold:   0.05,
		TimeoutMs:      1000,
		EnableAQP:      true,
		ResultTable:    "join_results",
		MaxMemoryBytes: 2 << 30,
		MaxThreads:     4,
	}
}

// DefaultResourceConfig returns the resource defaults: 4 worker threads and
// 512MiB advisory memory per client.
func DefaultResourceConfig() ResourceConfig {
	return ResourceConfig{
		RequestedThreads:     4,
		MaxMemoryBytes:       512 << 20,
		QueueCapacity:        1024,
		MonitorIntervalMs:    100,
		GlobalMaxThreads:     16,
		GlobalMaxMemoryBytes: 4 << 30,
	}
}

// DefaultStorageConfig returns the in-memory backend with a local data dir
// for checkpoints.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend: "memory",
		DataDir: "./streamjoin_data",
	}
}

// DefaultConfig assembles the full default configuration.
func DefaultConfig() Config {
	return Config{
		Scheduler: DefaultSchedulerConfig(),
		Compute:   DefaultComputeConfig(),
		Resource:  DefaultResourceConfig(),
		Storage:   DefaultStorageConfig(),
	}
}

// HighThroughputConfig trades latency for volume: larger count thresholds,
// more concurrent windows, more worker threads.
func HighThroughputConfig() Config {
	cfg := DefaultConfig()
	cfg.Scheduler.TriggerCountThreshold = 10_000
	cfg.Scheduler.MaxPendingWindows = 64
	cfg.Scheduler.MaxConcurrentWindows = 8
	cfg.Resource.RequestedThreads = 8
	cfg.Resource.QueueCapacity = 8192
	return cfg
}

// LowLatencyConfig trades volume for responsiveness: tighter trigger checks,
// a small count threshold and an aggressive AQP budget.
func LowLatencyConfig() Config {
	cfg := DefaultConfig()
	cfg.Scheduler.TriggerIntervalUs = 10_000
	cfg.Scheduler.TriggerCountThreshold = 100
	cfg.Compute.TimeoutMs = 100
	return cfg
}

// LoadConfig reads a YAML configuration file over the defaults and validates
// the result.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize applies derived settings: tumbling windows slide by their own
// length, and the concurrency bound never exceeds the worker thread count.
func (c *Config) Normalize() {
	if c.Scheduler.WindowType == WindowTumbling {
		c.Scheduler.SlideLenUs = c.Scheduler.WindowLenUs
	}
	if c.Resource.RequestedThreads > 0 &&
		c.Scheduler.MaxConcurrentWindows > c.Resource.RequestedThreads {
		c.Scheduler.MaxConcurrentWindows = c.Resource.RequestedThreads
	}
}

// Validate checks the configuration for impossible settings. All failures
// wrap ErrInvalidConfig.
func (c *Config) Validate() error {
	s := c.Scheduler
	if s.WindowType != WindowTumbling && s.WindowType != WindowSliding {
		return fmt.Errorf("%w: window_type %q (want %q or %q)",
			ErrInvalidConfig, s.WindowType, WindowTumbling, WindowSliding)
	}
	if s.WindowLenUs <= 0 {
		return fmt.Errorf("%w: window_len_us must be positive, got %d",
			ErrInvalidConfig, s.WindowLenUs)
	}
	if s.SlideLenUs <= 0 || s.SlideLenUs > s.WindowLenUs {
		return fmt.Errorf("%w: slide_len_us %d must be in (0, window_len_us=%d]",
			ErrInvalidConfig, s.SlideLenUs, s.WindowLenUs)
	}
	switch s.TriggerPolicy {
	case TriggerTimeBased, TriggerCountBased, TriggerHybrid, TriggerManual:
	default:
		return fmt.Errorf("%w: trigger_policy %q", ErrInvalidConfig, s.TriggerPolicy)
	}
	if s.TriggerIntervalUs <= 0 {
		return fmt.Errorf("%w: trigger_interval_us must be positive", ErrInvalidConfig)
	}
	if s.TriggerCountThreshold <= 0 &&
		(s.TriggerPolicy == TriggerCountBased || s.TriggerPolicy == TriggerHybrid) {
		return fmt.Errorf("%w: trigger_count_threshold must be positive for %s policy",
			ErrInvalidConfig, s.TriggerPolicy)
	}
	if s.MaxDelayUs < 0 || s.WatermarkSlackUs < 0 {
		return fmt.Errorf("%w: watermark delays must be non-negative", ErrInvalidConfig)
	}
	if s.LatePolicy != LateDrop && s.LatePolicy != LateRecompute {
		return fmt.Errorf("%w: late_policy %q (want %q or %q)",
			ErrInvalidConfig, s.LatePolicy, LateDrop, LateRecompute)
	}
	if s.MaxConcurrentWindows <= 0 {
		return fmt.Errorf("%w: max_concurrent_windows must be positive", ErrInvalidConfig)
	}
	if s.MaxPendingWindows <= 0 {
		return fmt.Errorf("%w: max_pending_windows must be positive", ErrInvalidConfig)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be non-negative", ErrInvalidConfig)
	}

	cc := c.Compute
	if cc.OperatorType == "" {
		return fmt.Errorf("%w: operator_type is required", ErrInvalidConfig)
	}
	if cc.AQPThreshold < 0 || cc.AQPThreshold >= 1 {
		return fmt.Errorf("%w: aqp_threshold %v must be in [0, 1)",
			ErrInvalidConfig, cc.AQPThreshold)
	}
	if cc.TimeoutMs < 0 {
		return fmt.Errorf("%w: timeout_ms must be non-negative", ErrInvalidConfig)
	}

	r := c.Resource
	if r.RequestedThreads <= 0 {
		return fmt.Errorf("%w: requested_threads must be positive", ErrInvalidConfig)
	}
	if r.MaxMemoryBytes <= 0 {
		return fmt.Errorf("%w: max_memory_bytes must be positive", ErrInvalidConfig)
	}

	st := c.Storage
	if st.Backend != "memory" && st.Backend != "sqlite" {
		return fmt.Errorf("%w: storage backend %q (want \"memory\" or \"sqlite\")",
			ErrInvalidConfig, st.Backend)
	}
	if st.Backend == "sqlite" && st.Path == "" {
		return fmt.Errorf("%w: sqlite backend requires a path", ErrInvalidConfig)
	}
	return nil
}
