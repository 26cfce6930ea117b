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
	"math"

	"github.com/spf13/cast"

	"github.com/intellistream/streamjoin/types"
)

const defaultMSWJPartitionTag = "stream"

// mswjJoin is the two-stream reduction of the multi-stream windowed join:
// tuples route to per-partition sub-joins keyed by a tag, partitions join
// independently, totals sum across partitions. Tuples missing the tag land
// in the empty partition.
//
// Params: "partition_tag" names the routing tag (default "stream");
// "compensation" turns on rate-compensated estimates, otherwise the
// estimate is the exact running total.
type mswjJoin struct {
	keyTag       string
	partitionTag string
	compensate   bool
	params       map[string]interface{}

	subs map[string]*imaJoin
}

func newMSWJ(keyTag string, params map[string]interface{}) *mswjJoin {
	tag := defaultMSWJPartitionTag
	if v, ok := params["partition_tag"]; ok {
		if s := cast.ToString(v); s != "" {
			tag = s
		}
	}
	return &mswjJoin{
		keyTag:       keyTag,
		partitionTag: tag,
		compensate:   cast.ToBool(params["compensation"]),
		params:       params,
		subs:         make(map[string]*imaJoin),
	}
}

func (o *mswjJoin) Feed(t types.Tuple, stream types.StreamID) error {
	part := t.Tags[o.partitionTag]
	sub, ok := o.subs[part]
	if !ok {
		sub = newIMA(o.keyTag, o.params)
		sub.compensate = o.compensate
		o.subs[part] = sub
	}
	return sub.Feed(t, stream)
}

func (o *mswjJoin) Result() int64 {
	var total int64
	for _, sub := range o.subs {
		total += sub.Result()
	}
	return total
}

func (o *mswjJoin) ApproximateResult() (float64, float64) {
	var estimate float64
	for _, sub := range o.subs {
		e, _ := sub.ApproximateResult()
		estimate += e
	}
	exact := float64(o.Result())
	var errBound float64
	if exact > 0 {
		errBound = math.Abs(estimate-exact) / exact
	}
	return estimate, errBound
}

func (o *mswjJoin) Stats() Stats {
	var total Stats
	for _, sub := range o.subs {
		st := sub.Stats()
		total.STuples += st.STuples
		total.RTuples += st.RTuples
		total.Matches += st.Matches
	}
	return total
}

func (o *mswjJoin) Reset() {
	o.subs = make(map[string]*imaJoin)
}

func (o *mswjJoin) Type() string { return TypeMSWJ }
