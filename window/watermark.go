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

package window

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/intellistream/streamjoin/types"
)

// Tracker maintains the event-time watermark. In automatic mode the
// watermark trails the maximum observed timestamp by the configured delay
// bound; Set raises it directly. The watermark never regresses and never
// drops below zero.
//
// Arrivals with timestamps below the watermark are late: every window that
// could hold them has already been released for computation.
type Tracker struct {
	maxDelayUs  int64
	idleTimeout time.Duration
	clk         clock.Clock

	mu         sync.RWMutex
	current    int64
	maxSeen    int64
	marked     bool
	streamHigh map[types.StreamID]int64
	lastEvent  time.Time
}

// NewTracker builds a tracker with the given delay bound and idle timeout,
// both in microseconds. An idle timeout of zero disables idle advancement.
func NewTracker(maxDelayUs, idleTimeoutUs int64) *Tracker {
	return NewTrackerWithClock(maxDelayUs, idleTimeoutUs, clock.New())
}

// NewTrackerWithClock is NewTracker with an injected clock for tests.
// Only idle detection consults the clock; watermarks are pure event time.
func NewTrackerWithClock(maxDelayUs, idleTimeoutUs int64, clk clock.Clock) *Tracker {
	return &Tracker{
		maxDelayUs:  maxDelayUs,
		idleTimeout: timexDuration(idleTimeoutUs),
		clk:         clk,
		streamHigh:  make(map[types.StreamID]int64),
	}
}

func timexDuration(us int64) time.Duration {
	return time.Duration(us) * time.Microsecond
}

// Observe records an event timestamp from one stream and advances the
// watermark to max(seen) - maxDelay when that moves it forward. It returns
// the watermark after the update.
func (t *Tracker) Observe(stream types.StreamID, tsUs int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastEvent = t.clk.Now()
	if high, ok := t.streamHigh[stream]; !ok || tsUs > high {
		t.streamHigh[stream] = tsUs
	}
	if tsUs > t.maxSeen {
		t.maxSeen = tsUs
	}
	t.advanceLocked(t.maxSeen - t.maxDelayUs)
	return t.current
}

// Set raises the watermark to tsUs. Values at or below the current
// watermark are ignored, so callers cannot reopen released windows.
func (t *Tracker) Set(tsUs int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advanceLocked(tsUs)
	return t.current
}

// Current returns the watermark in microseconds. It is zero until the
// first Observe or Set.
func (t *Tracker) Current() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// MaxSeen returns the maximum event timestamp observed so far.
func (t *Tracker) MaxSeen() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxSeen
}

// StreamHigh returns the maximum timestamp observed on one stream.
func (t *Tracker) StreamHigh(stream types.StreamID) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	high, ok := t.streamHigh[stream]
	return high, ok
}

// IsLate reports whether tsUs is behind the watermark. Nothing is late
// before the first Observe or Set.
func (t *Tracker) IsLate(tsUs int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.marked && tsUs < t.current
}

// Tick applies idle advancement: when no event has arrived for the idle
// timeout, the watermark jumps to the maximum seen timestamp since no
// stragglers are expected anymore. It returns the watermark and whether
// this call moved it.
func (t *Tracker) Tick() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.idleTimeout <= 0 || !t.marked {
		return t.current, false
	}
	if t.clk.Now().Sub(t.lastEvent) < t.idleTimeout {
		return t.current, false
	}
	prev := t.current
	t.advanceLocked(t.maxSeen)
	return t.current, t.current > prev
}

// advanceLocked moves the watermark forward monotonically. current starts
// at zero, so negative candidates leave it untouched.
func (t *Tracker) advanceLocked(candidate int64) {
	t.marked = true
	if candidate > t.current {
		t.current = candidate
	}
}
