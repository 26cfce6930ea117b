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

// Package metrics exposes scheduler and engine statistics to Prometheus.
// The collector is a read-side bridge: it snapshots the sources on every
// scrape and never mutates them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/intellistream/streamjoin/types"
)

const namespace = "streamjoin"

// SchedulerSource provides scheduling counters, typically *scheduler.Scheduler.
type SchedulerSource interface {
	Metrics() types.SchedulerMetrics
}

// EngineSource provides compute counters, typically *engine.Engine.
type EngineSource interface {
	Metrics() types.ComputeMetrics
}

type schedMetric struct {
	desc *prometheus.Desc
	typ  prometheus.ValueType
	get  func(types.SchedulerMetrics) float64
}

type engineMetric struct {
	desc *prometheus.Desc
	typ  prometheus.ValueType
	get  func(types.ComputeMetrics) float64
}

// Collector implements prometheus.Collector over a scheduler and an engine.
// Either source may be nil, in which case its metrics are not exported.
type Collector struct {
	scheduler SchedulerSource
	engine    EngineSource

	schedMetrics  []schedMetric
	engineMetrics []engineMetric
}

// NewCollector builds a collector over the given sources.
func NewCollector(sched SchedulerSource, eng EngineSource) *Collector {
	c := &Collector{scheduler: sched, engine: eng}

	sd := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "scheduler", name), help, nil, nil)
	}
	c.schedMetrics = []schedMetric{
		{sd("windows_scheduled_total", "Windows created in the registry."),
			prometheus.CounterValue, func(m types.SchedulerMetrics) float64 { return float64(m.TotalWindowsScheduled) }},
		{sd("windows_triggered_total", "Windows dispatched for computation."),
			prometheus.CounterValue, func(m types.SchedulerMetrics) float64 { return float64(m.TotalWindowsTriggered) }},
		{sd("windows_completed_total", "Windows that finished successfully."),
			prometheus.CounterValue, func(m types.SchedulerMetrics) float64 { return float64(m.TotalWindowsCompleted) }},
		{sd("windows_failed_total", "Windows that failed permanently."),
			prometheus.CounterValue, func(m types.SchedulerMetrics) float64 { return float64(m.TotalWindowsFailed) }},
		{sd("windows_retried_total", "Failed computations re-triggered."),
			prometheus.CounterValue, func(m types.SchedulerMetrics) float64 { return float64(m.TotalWindowsRetried) }},
		{sd("windows_rejected_total", "Window creations refused by the pending bound."),
			prometheus.CounterValue, func(m types.SchedulerMetrics) float64 { return float64(m.WindowsRejected) }},
		{sd("late_data_total", "Tuples that arrived behind the watermark."),
			prometheus.CounterValue, func(m types.SchedulerMetrics) float64 { return float64(m.LateDataCount) }},
		{sd("late_windows_recomputed_total", "Corrective recomputes of completed windows."),
			prometheus.CounterValue, func(m types.SchedulerMetrics) float64 { return float64(m.LateWindowsRecomputed) }},
		{sd("pending_windows", "Windows currently waiting for their trigger."),
			prometheus.GaugeValue, func(m types.SchedulerMetrics) float64 { return float64(m.PendingWindows) }},
		{sd("active_windows", "Windows currently computing."),
			prometheus.GaugeValue, func(m types.SchedulerMetrics) float64 { return float64(m.ActiveWindows) }},
		{sd("scheduling_latency_avg_ms", "Average creation-to-dispatch latency."),
			prometheus.GaugeValue, func(m types.SchedulerMetrics) float64 { return m.AvgSchedulingLatencyMs }},
		{sd("window_completion_avg_ms", "Average dispatch-to-completion time."),
			prometheus.GaugeValue, func(m types.SchedulerMetrics) float64 { return m.AvgWindowCompletionMs }},
		{sd("window_completion_max_ms", "Maximum dispatch-to-completion time."),
			prometheus.GaugeValue, func(m types.SchedulerMetrics) float64 { return m.MaxWindowCompletionMs }},
		{sd("windows_per_second", "Completed windows per second since the last reset."),
			prometheus.GaugeValue, func(m types.SchedulerMetrics) float64 { return m.WindowsPerSecond }},
		{sd("tuples_per_second", "Joined input tuples per second since the last reset."),
			prometheus.GaugeValue, func(m types.SchedulerMetrics) float64 { return m.TuplesPerSecond }},
		{sd("watermark_microseconds", "Current event-time watermark."),
			prometheus.GaugeValue, func(m types.SchedulerMetrics) float64 { return float64(m.WatermarkUs) }},
	}

	ed := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "engine", name), help, nil, nil)
	}
	c.engineMetrics = []engineMetric{
		{ed("windows_completed_total", "Window joins computed successfully."),
			prometheus.CounterValue, func(m types.ComputeMetrics) float64 { return float64(m.TotalWindowsCompleted) }},
		{ed("tuples_processed_total", "Input tuples fed into join operators."),
			prometheus.CounterValue, func(m types.ComputeMetrics) float64 { return float64(m.TotalTuplesProcessed) }},
		{ed("windows_failed_total", "Window computations that failed."),
			prometheus.CounterValue, func(m types.ComputeMetrics) float64 { return float64(m.FailedWindows) }},
		{ed("windows_timeout_total", "Window computations that hit the budget."),
			prometheus.CounterValue, func(m types.ComputeMetrics) float64 { return float64(m.TimeoutWindows) }},
		{ed("aqp_invocations_total", "Windows answered with an approximate result path."),
			prometheus.CounterValue, func(m types.ComputeMetrics) float64 { return float64(m.AQPInvocations) }},
		{ed("retries_total", "Window computations that were re-executions."),
			prometheus.CounterValue, func(m types.ComputeMetrics) float64 { return float64(m.RetryCount) }},
		{ed("throughput_events_per_second", "Average feed throughput across completed windows."),
			prometheus.GaugeValue, func(m types.ComputeMetrics) float64 { return m.AvgThroughputEventsPerSec }},
		{ed("window_latency_avg_ms", "Average window computation latency."),
			prometheus.GaugeValue, func(m types.ComputeMetrics) float64 { return m.AvgWindowLatencyMs }},
		{ed("window_latency_min_ms", "Minimum window computation latency."),
			prometheus.GaugeValue, func(m types.ComputeMetrics) float64 { return m.MinWindowLatencyMs }},
		{ed("window_latency_max_ms", "Maximum window computation latency."),
			prometheus.GaugeValue, func(m types.ComputeMetrics) float64 { return m.MaxWindowLatencyMs }},
		{ed("window_latency_p99_ms", "99th percentile window computation latency."),
			prometheus.GaugeValue, func(m types.ComputeMetrics) float64 { return m.P99WindowLatencyMs }},
		{ed("memory_peak_bytes", "Peak reported heap usage."),
			prometheus.GaugeValue, func(m types.ComputeMetrics) float64 { return float64(m.PeakMemoryBytes) }},
		{ed("memory_avg_bytes", "Average reported heap usage."),
			prometheus.GaugeValue, func(m types.ComputeMetrics) float64 { return float64(m.AvgMemoryBytes) }},
		{ed("active_threads", "Executions currently in flight."),
			prometheus.GaugeValue, func(m types.ComputeMetrics) float64 { return float64(m.ActiveThreads) }},
		{ed("join_selectivity_avg", "Average join selectivity across windows."),
			prometheus.GaugeValue, func(m types.ComputeMetrics) float64 { return m.AvgJoinSelectivity }},
		{ed("aqp_error_rate_avg", "Average relative error of approximate results."),
			prometheus.GaugeValue, func(m types.ComputeMetrics) float64 { return m.AvgAQPErrorRate }},
	}
	return c
}

// Register registers the collector with reg.
func (c *Collector) Register(reg prometheus.Registerer) error {
	return reg.Register(c)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.schedMetrics {
		ch <- m.desc
	}
	for _, m := range c.engineMetrics {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.scheduler != nil {
		snap := c.scheduler.Metrics()
		for _, m := range c.schedMetrics {
			ch <- prometheus.MustNewConstMetric(m.desc, m.typ, m.get(snap))
		}
	}
	if c.engine != nil {
		snap := c.engine.Metrics()
		for _, m := range c.engineMetrics {
			ch <- prometheus.MustNewConstMetric(m.desc, m.typ, m.get(snap))
		}
	}
}

// Handler returns an HTTP handler serving reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
