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

package operator

import (
	"github.com/intellistream/streamjoin/types"
)

// hashJoin is the eager symmetric hash join. Only per-key counts are kept:
// feeding a tuple adds the opposite side's current count for its key, so the
// running total equals sum over keys of |S_k| * |R_k| at every step.
// It backs the IAWJ, SHJ and PRJ tags.
type hashJoin struct {
	typ    string
	keyTag string

	sCounts map[string]int64
	rCounts map[string]int64
	stats   Stats
}

func newHashJoin(typ, keyTag string) *hashJoin {
	return &hashJoin{
		typ:     typ,
		keyTag:  keyTag,
		sCounts: make(map[string]int64),
		rCounts: make(map[string]int64),
	}
}

func (h *hashJoin) Feed(t types.Tuple, stream types.StreamID) error {
	key := t.JoinKey(h.keyTag)
	switch stream {
	case types.StreamS:
		h.stats.STuples++
		h.sCounts[key]++
		h.stats.Matches += h.rCounts[key]
	case types.StreamR:
		h.stats.RTuples++
		h.rCounts[key]++
		h.stats.Matches += h.sCounts[key]
	default:
		return feedError(stream)
	}
	return nil
}

func (h *hashJoin) Result() int64 { return h.stats.Matches }

func (h *hashJoin) ApproximateResult() (float64, float64) {
	return float64(h.stats.Matches), 0
}

func (h *hashJoin) Stats() Stats { return h.stats }

func (h *hashJoin) Reset() {
	h.sCounts = make(map[string]int64)
	h.rCounts = make(map[string]int64)
	h.stats = Stats{}
}

func (h *hashJoin) Type() string { return h.typ }
