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

// nestedLoop buffers both sides and compares every pair. O(|S|*|R|), kept as
// the correctness reference the hash variants are checked against.
type nestedLoop struct {
	keyTag string

	sKeys []string
	rKeys []string
	stats Stats
	dirty bool
}

func newNestedLoop(keyTag string) *nestedLoop {
	return &nestedLoop{keyTag: keyTag}
}

func (n *nestedLoop) Feed(t types.Tuple, stream types.StreamID) error {
	key := t.JoinKey(n.keyTag)
	switch stream {
	case types.StreamS:
		n.stats.STuples++
		n.sKeys = append(n.sKeys, key)
	case types.StreamR:
		n.stats.RTuples++
		n.rKeys = append(n.rKeys, key)
	default:
		return feedError(stream)
	}
	n.dirty = true
	return nil
}

func (n *nestedLoop) Result() int64 {
	if n.dirty {
		var matches int64
		for _, sk := range n.sKeys {
			for _, rk := range n.rKeys {
				if sk == rk {
					matches++
				}
			}
		}
		n.stats.Matches = matches
		n.dirty = false
	}
	return n.stats.Matches
}

func (n *nestedLoop) ApproximateResult() (float64, float64) {
	return float64(n.Result()), 0
}

func (n *nestedLoop) Stats() Stats {
	n.Result()
	return n.stats
}

func (n *nestedLoop) Reset() {
	n.sKeys = nil
	n.rKeys = nil
	n.stats = Stats{}
	n.dirty = false
}

func (n *nestedLoop) Type() string { return TypeNestedLoop }
