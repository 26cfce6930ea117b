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

// selJoin is the eager hash join plus selectivity extrapolation: the running
// selectivity matches/(|S_fed|*|R_fed|) is projected onto the expected input
// sizes announced through SetExpectedInputs. The error bound is the fraction
// of the expected pair space not yet observed, so it shrinks to zero as the
// feed completes.
type selJoin struct {
	exact *hashJoin

	expectedS int64
	expectedR int64
}

func newSelJoin(keyTag string) *selJoin {
	return &selJoin{exact: newHashJoin(TypeIAWJSel, keyTag)}
}

func (o *selJoin) SetExpectedInputs(s, r int64) {
	o.expectedS, o.expectedR = s, r
}

func (o *selJoin) Feed(t types.Tuple, stream types.StreamID) error {
	return o.exact.Feed(t, stream)
}

func (o *selJoin) Result() int64 { return o.exact.Result() }

func (o *selJoin) ApproximateResult() (float64, float64) {
	return extrapolate(o.exact.stats, o.expectedS, o.expectedR)
}

func (o *selJoin) Stats() Stats { return o.exact.Stats() }

func (o *selJoin) Reset() {
	o.exact.Reset()
	o.expectedS, o.expectedR = 0, 0
}

func (o *selJoin) Type() string { return TypeIAWJSel }

func extrapolate(st Stats, expectedS, expectedR int64) (float64, float64) {
	fedPairs := float64(st.STuples) * float64(st.RTuples)
	if fedPairs == 0 {
		return 0, 0
	}
	expPairs := float64(expectedS) * float64(expectedR)
	if expPairs <= 0 {
		// No announced totals, nothing to extrapolate over.
		return float64(st.Matches), 0
	}
	selectivity := float64(st.Matches) / fedPairs
	estimate := selectivity * expPairs

	errBound := 1 - fedPairs/expPairs
	if errBound < 0 {
		errBound = 0
	}
	return estimate, errBound
}

// lazySelJoin buffers both sides and counts on demand, the lazy evaluation
// variant of selJoin. Feeding is O(1); Result builds per-key counts once and
// caches them until the next feed.
type lazySelJoin struct {
	keyTag string

	sKeys []string
	rKeys []string
	stats Stats
	dirty bool

	expectedS int64
	expectedR int64
}

func newLazySelJoin(keyTag string) *lazySelJoin {
	return &lazySelJoin{keyTag: keyTag}
}

func (o *lazySelJoin) SetExpectedInputs(s, r int64) {
	o.expectedS, o.expectedR = s, r
}

func (o *lazySelJoin) Feed(t types.Tuple, stream types.StreamID) error {
	key := t.JoinKey(o.keyTag)
	switch stream {
	case types.StreamS:
		o.stats.STuples++
		o.sKeys = append(o.sKeys, key)
	case types.StreamR:
		o.stats.RTuples++
		o.rKeys = append(o.rKeys, key)
	default:
		return feedError(stream)
	}
	o.dirty = true
	return nil
}

func (o *lazySelJoin) Result() int64 {
	if o.dirty {
		rCounts := make(map[string]int64, len(o.rKeys))
		for _, k := range o.rKeys {
			rCounts[k]++
		}
		var matches int64
		for _, k := range o.sKeys {
			matches += rCounts[k]
		}
		o.stats.Matches = matches
		o.dirty = false
	}
	return o.stats.Matches
}

func (o *lazySelJoin) ApproximateResult() (float64, float64) {
	o.Result()
	return extrapolate(o.stats, o.expectedS, o.expectedR)
}

func (o *lazySelJoin) Stats() Stats {
	o.Result()
	return o.stats
}

func (o *lazySelJoin) Reset() {
	o.sKeys = nil
	o.rKeys = nil
	o.stats = Stats{}
	o.dirty = false
	o.expectedS, o.expectedR = 0, 0
}

func (o *lazySelJoin) Type() string { return TypeLazyIAWJSel }
