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
	"fmt"

	"github.com/intellistream/streamjoin/types"
	"github.com/intellistream/streamjoin/utils/timex"
)

// Assigner maps event timestamps to window time ranges. Window boundaries
// are aligned to the epoch at slide granularity, so every producer derives
// identical ranges for the same timestamp.
//
// A tumbling assigner is a sliding assigner whose slide equals the window
// length, yielding exactly one range per timestamp.
type Assigner struct {
	windowLen int64
	slideLen  int64
}

// NewAssigner builds an assigner from the scheduler configuration. The
// window length must be positive and the slide must be in (0, window];
// slides longer than the window would leave gaps no window covers.
func NewAssigner(cfg types.SchedulerConfig) (*Assigner, error) {
	if cfg.WindowLenUs <= 0 {
		return nil, fmt.Errorf("window length %dus: %w", cfg.WindowLenUs, types.ErrInvalidConfig)
	}
	slide := cfg.SlideLenUs
	switch cfg.WindowType {
	case types.WindowTumbling:
		slide = cfg.WindowLenUs
	case types.WindowSliding, "":
		if slide <= 0 {
			slide = cfg.WindowLenUs
		}
		if slide > cfg.WindowLenUs {
			return nil, fmt.Errorf("slide %dus exceeds window %dus: %w", slide, cfg.WindowLenUs, types.ErrInvalidConfig)
		}
	default:
		return nil, fmt.Errorf("window type %q: %w", cfg.WindowType, types.ErrInvalidConfig)
	}
	return &Assigner{windowLen: cfg.WindowLenUs, slideLen: slide}, nil
}

// WindowLen returns the window length in microseconds.
func (a *Assigner) WindowLen() int64 { return a.windowLen }

// SlideLen returns the slide length in microseconds. For tumbling windows
// this equals the window length.
func (a *Assigner) SlideLen() int64 { return a.slideLen }

// AlignStart returns the start of the newest window containing tsUs.
func (a *Assigner) AlignStart(tsUs int64) int64 {
	return timex.AlignDown(tsUs, a.slideLen)
}

// AssignRanges returns every window range containing tsUs, ordered by
// ascending start. It walks back from the newest aligned start one slide
// at a time; candidates starting before the epoch are skipped, so events
// near zero fall into fewer windows than steady-state events.
func (a *Assigner) AssignRanges(tsUs int64) []types.TimeRange {
	aligned := timex.AlignDown(tsUs, a.slideLen)
	n := (a.windowLen + a.slideLen - 1) / a.slideLen
	ranges := make([]types.TimeRange, 0, n)
	for i := n - 1; i >= 0; i-- {
		start := aligned - i*a.slideLen
		if start < 0 {
			continue
		}
		r := types.TimeRange{Start: start, End: start + a.windowLen}
		// When the slide does not divide the window the oldest candidate
		// can end at or before tsUs.
		if !r.Contains(tsUs) {
			continue
		}
		ranges = append(ranges, r)
	}
	return ranges
}
