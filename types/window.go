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

import "fmt"

// Window type strings recognized in configuration.
const (
	WindowTumbling = "tumbling"
	WindowSliding  = "sliding"
)

// Trigger policy strings recognized in configuration.
const (
	// TriggerTimeBased fires a window once the watermark passes its end plus
	// the configured slack.
	TriggerTimeBased = "time"
	// TriggerCountBased fires a window once its buffered tuple count across
	// both streams reaches the configured threshold.
	TriggerCountBased = "count"
	// TriggerHybrid fires on whichever of the time or count conditions is met
	// first, bounding latency under both low- and high-volume conditions.
	TriggerHybrid = "hybrid"
	// TriggerManual fires only through the explicit trigger APIs.
	TriggerManual = "manual"
)

// Late data policy strings recognized in configuration.
const (
	// LateDrop counts data arriving for an already-completed window as
	// dropped.
	LateDrop = "drop"
	// LateRecompute schedules a corrective recompute of the affected window.
	LateRecompute = "recompute"
)

// WindowState is the lifecycle state of a scheduled window. States advance
// monotonically Pending -> Computing -> Completed or Failed.
type WindowState int

const (
	// WindowPending means the window exists and may still accumulate data.
	WindowPending WindowState = iota
	// WindowComputing means a join computation for the window is in flight.
	WindowComputing
	// WindowCompleted means the computation finished and results were written.
	WindowCompleted
	// WindowFailed means the computation reported an error or panicked.
	WindowFailed
)

// String returns the state name used in logs and stats.
func (s WindowState) String() string {
	switch s {
	case WindowPending:
		return "pending"
	case WindowComputing:
		return "computing"
	case WindowCompleted:
		return "completed"
	case WindowFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state is an end state of the lifecycle.
func (s WindowState) Terminal() bool {
	return s == WindowCompleted || s == WindowFailed
}

// WindowInfo is the scheduler's bookkeeping record for one window.
// TimeRange is immutable once the window reaches Computing.
type WindowInfo struct {
	WindowID  int64       `json:"window_id"`
	TimeRange TimeRange   `json:"time_range"`
	State     WindowState `json:"state"`

	// Buffered tuple counts per stream, updated as inserts arrive.
	StreamSCount int64 `json:"stream_s_count"`
	StreamRCount int64 `json:"stream_r_count"`

	// HasLateData marks data that arrived after the window completed.
	HasLateData bool `json:"has_late_data"`
	// Retries counts how many times a failed computation was re-triggered.
	Retries int `json:"retries"`
	// SlotID identifies the concurrency slot of the current/last dispatch.
	SlotID string `json:"slot_id,omitempty"`

	// WatermarkUs is the watermark observed when the window was created.
	WatermarkUs int64 `json:"watermark_us"`

	CreatedAtUs   int64 `json:"created_at_us"`
	TriggeredAtUs int64 `json:"triggered_at_us"`
	CompletedAtUs int64 `json:"completed_at_us"`
}

// TotalCount returns the buffered tuple count across both streams.
func (w WindowInfo) TotalCount() int64 {
	return w.StreamSCount + w.StreamRCount
}

// SchedulerMetrics accumulates scheduling statistics. Counters are cumulative
// since start or the last ResetMetrics; PendingWindows and ActiveWindows are
// point-in-time gauges.
type SchedulerMetrics struct {
	TotalWindowsScheduled int64 `json:"total_windows_scheduled"`
	TotalWindowsTriggered int64 `json:"total_windows_triggered"`
	TotalWindowsCompleted int64 `json:"total_windows_completed"`
	TotalWindowsFailed    int64 `json:"total_windows_failed"`
	TotalWindowsRetried   int64 `json:"total_windows_retried"`
	WindowsRejected       int64 `json:"windows_rejected"`

	PendingWindows int64 `json:"pending_windows"`
	ActiveWindows  int64 `json:"active_windows"`

	AvgSchedulingLatencyMs float64 `json:"avg_scheduling_latency_ms"`
	AvgWindowCompletionMs  float64 `json:"avg_window_completion_ms"`
	MaxWindowCompletionMs  float64 `json:"max_window_completion_ms"`

	WindowsPerSecond float64 `json:"windows_per_second"`
	TuplesPerSecond  float64 `json:"tuples_per_second"`

	LateDataCount         int64 `json:"late_data_count"`
	LateWindowsRecomputed int64 `json:"late_windows_recomputed"`

	WatermarkUs int64 `json:"watermark_us"`
}
