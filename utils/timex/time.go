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

// Package timex holds time alignment helpers for microsecond event time.
package timex

import "time"

// AlignDown truncates ts to the previous multiple of step. Negative
// timestamps floor toward negative infinity so alignment stays consistent
// across zero.
func AlignDown(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	aligned := (ts / step) * step
	if ts < 0 && ts%step != 0 {
		aligned -= step
	}
	return aligned
}

// AlignUp rounds ts up to the next multiple of step, leaving exact multiples
// unchanged.
func AlignUp(ts, step int64) int64 {
	down := AlignDown(ts, step)
	if down == ts {
		return ts
	}
	return down + step
}

// UsToTime converts a microsecond epoch timestamp to time.Time.
func UsToTime(us int64) time.Time {
	return time.UnixMicro(us)
}

// TimeToUs converts a time.Time to a microsecond epoch timestamp.
func TimeToUs(t time.Time) int64 {
	return t.UnixMicro()
}

// DurationUs converts a time.Duration to microseconds.
func DurationUs(d time.Duration) int64 {
	return int64(d / time.Microsecond)
}

// UsDuration converts microseconds to a time.Duration.
func UsDuration(us int64) time.Duration {
	return time.Duration(us) * time.Microsecond
}
