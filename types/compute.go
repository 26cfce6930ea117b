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

// ComputeStatus is the per-window outcome of one ExecuteWindowJoin call.
// A timeout that fell back to an approximate result is a degraded success,
// not a failure: Success stays true with UsedAQP set.
type ComputeStatus struct {
	WindowID int64 `json:"window_id"`
	Success  bool  `json:"success"`

	JoinCount   int64 `json:"join_count"`
	InputSCount int64 `json:"input_s_count"`
	InputRCount int64 `json:"input_r_count"`

	AQPEstimate float64 `json:"aqp_estimate"`
	AQPError    float64 `json:"aqp_error"`
	UsedAQP     bool    `json:"used_aqp"`
	TimedOut    bool    `json:"timed_out"`

	ComputationTimeMs float64 `json:"computation_time_ms"`
	// Selectivity is JoinCount / (|S| * |R|) when both inputs are non-empty.
	Selectivity float64 `json:"selectivity"`

	Error string `json:"error,omitempty"`
}

// ComputeMetrics accumulates engine statistics across all windows.
// Latency percentiles are computed over a bounded sample window so the
// accumulation cost stays constant regardless of uptime.
type ComputeMetrics struct {
	TotalWindowsCompleted int64 `json:"total_windows_completed"`
	TotalTuplesProcessed  int64 `json:"total_tuples_processed"`

	AvgThroughputEventsPerSec float64 `json:"avg_throughput_events_per_sec"`

	AvgWindowLatencyMs float64 `json:"avg_window_latency_ms"`
	MinWindowLatencyMs float64 `json:"min_window_latency_ms"`
	MaxWindowLatencyMs float64 `json:"max_window_latency_ms"`
	P99WindowLatencyMs float64 `json:"p99_window_latency_ms"`

	PeakMemoryBytes int64 `json:"peak_memory_bytes"`
	AvgMemoryBytes  int64 `json:"avg_memory_bytes"`
	ActiveThreads   int   `json:"active_threads"`

	AvgJoinSelectivity float64 `json:"avg_join_selectivity"`
	AvgAQPErrorRate    float64 `json:"avg_aqp_error_rate"`
	AQPInvocations     int64   `json:"aqp_invocations"`

	FailedWindows  int64 `json:"failed_windows"`
	TimeoutWindows int64 `json:"timeout_windows"`
	RetryCount     int64 `json:"retry_count"`
}

// ResultRecord is one row written to the result sink for a completed window.
type ResultRecord struct {
	WindowID    int64             `json:"window_id"`
	Timestamp   int64             `json:"timestamp"`
	JoinCount   int64             `json:"join_count"`
	AQPEstimate float64           `json:"aqp_estimate"`
	UsedAQP     bool              `json:"used_aqp"`
	Selectivity float64           `json:"selectivity"`
	ComputeMs   float64           `json:"compute_ms"`
	Tags        map[string]string `json:"tags,omitempty"`
}
