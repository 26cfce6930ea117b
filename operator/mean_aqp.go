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
	"math/rand"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/spf13/cast"

	"github.com/intellistream/streamjoin/types"
)

const defaultMeanAQPSampleSize = 1000

// meanAQPJoin joins exactly and reservoir-samples the per-tuple match
// deltas. The estimate is the sample mean scaled to every tuple fed, with
// the standard error of the mean as the error bound. Bounded sample memory
// regardless of window size.
//
// Params: "sample_size" caps the reservoir (default 1000).
type meanAQPJoin struct {
	exact *hashJoin

	sampleCap int
	samples   []float64
	seen      int64
	rng       *rand.Rand
}

func newMeanAQP(keyTag string, params map[string]interface{}) *meanAQPJoin {
	size := defaultMeanAQPSampleSize
	if v, ok := params["sample_size"]; ok {
		if n := cast.ToInt(v); n > 0 {
			size = n
		}
	}
	return &meanAQPJoin{
		exact:     newHashJoin(TypeMeanAQP, keyTag),
		sampleCap: size,
		samples:   make([]float64, 0, size),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (o *meanAQPJoin) Feed(t types.Tuple, stream types.StreamID) error {
	before := o.exact.stats.Matches
	if err := o.exact.Feed(t, stream); err != nil {
		return err
	}
	o.observe(float64(o.exact.stats.Matches - before))
	return nil
}

// observe runs reservoir sampling (algorithm R) over the delta sequence.
func (o *meanAQPJoin) observe(delta float64) {
	o.seen++
	if len(o.samples) < o.sampleCap {
		o.samples = append(o.samples, delta)
		return
	}
	if j := o.rng.Int63n(o.seen); j < int64(o.sampleCap) {
		o.samples[j] = delta
	}
}

func (o *meanAQPJoin) Result() int64 { return o.exact.Result() }

func (o *meanAQPJoin) ApproximateResult() (float64, float64) {
	if len(o.samples) == 0 {
		return 0, 0
	}
	mean, err := stats.Mean(o.samples)
	if err != nil {
		return float64(o.exact.stats.Matches), 0
	}
	fed := float64(o.seen)
	estimate := mean * fed

	var errBound float64
	if len(o.samples) > 1 && estimate > 0 {
		if sd, err := stats.StandardDeviationSample(o.samples); err == nil {
			stderr := sd / math.Sqrt(float64(len(o.samples)))
			errBound = stderr * fed / estimate
		}
	}
	return estimate, errBound
}

func (o *meanAQPJoin) Stats() Stats { return o.exact.Stats() }

func (o *meanAQPJoin) Reset() {
	o.exact.Reset()
	o.samples = o.samples[:0]
	o.seen = 0
}

func (o *meanAQPJoin) Type() string { return TypeMeanAQP }
