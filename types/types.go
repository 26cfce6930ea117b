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
	"time"
)

// StreamID identifies which of the two joined streams a tuple belongs to.
type StreamID int

const (
	// StreamS is the left (probe) stream.
	StreamS StreamID = 0
	// StreamR is the right (build) stream.
	StreamR StreamID = 1
)

// String returns the short stream label used in logs and stats.
func (s StreamID) String() string {
	switch s {
	case StreamS:
		return "S"
	case StreamR:
		return "R"
	default:
		return fmt.Sprintf("stream(%d)", int(s))
	}
}

// TimeRange is a half-open interval [Start, End) in event-time microseconds.
type TimeRange struct {
	Start int64 `json:"start_us" yaml:"start_us"`
	End   int64 `json:"end_us" yaml:"end_us"`
}

// NewTimeRange builds a range from start/end microsecond timestamps.
func NewTimeRange(startUs, endUs int64) TimeRange {
	return TimeRange{Start: startUs, End: endUs}
}

// Valid reports whether the range is non-empty with Start < End.
func (r TimeRange) Valid() bool {
	return r.End > r.Start
}

// Contains reports whether ts falls inside the half-open interval.
// The start is inclusive, the end exclusive.
func (r TimeRange) Contains(ts int64) bool {
	return ts >= r.Start && ts < r.End
}

// Overlaps reports whether two half-open ranges share any instant.
func (r TimeRange) Overlaps(other TimeRange) bool {
	return r.Start < other.End && other.Start < r.End
}

// Len returns the range length in microseconds.
func (r TimeRange) Len() int64 {
	return r.End - r.Start
}

// Duration returns the range length as a time.Duration.
func (r TimeRange) Duration() time.Duration {
	return time.Duration(r.End-r.Start) * time.Microsecond
}

// String formats the range with the half-open bracket convention.
func (r TimeRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// Tuple is one record of either stream: an event timestamp in microseconds,
// a join key, a numeric value, and optional metadata.
type Tuple struct {
	Timestamp int64              `json:"timestamp" yaml:"timestamp"`
	Key       string             `json:"key,omitempty" yaml:"key,omitempty"`
	Value     float64            `json:"value" yaml:"value"`
	Tags      map[string]string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	Fields    map[string]float64 `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// JoinKey resolves the key used for equality matching. An explicit Key wins;
// otherwise the tag named by keyTag is used, mirroring how source tables tag
// their records.
func (t Tuple) JoinKey(keyTag string) string {
	if t.Key != "" {
		return t.Key
	}
	if keyTag == "" {
		return ""
	}
	return t.Tags[keyTag]
}

// Env exposes the tuple as an evaluation environment for filter expressions:
// timestamp, key and value at the top level, tags and fields as nested maps.
func (t Tuple) Env() map[string]interface{} {
	return map[string]interface{}{
		"timestamp": t.Timestamp,
		"key":       t.Key,
		"value":     t.Value,
		"tags":      t.Tags,
		"fields":    t.Fields,
	}
}
