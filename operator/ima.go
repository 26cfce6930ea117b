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

const defaultIMAAlpha = 0.125

// imaJoin joins exactly like hashJoin and additionally smooths the per-tuple
// match delta with an exponential moving average. The estimate replays the
// smoothed rate over every tuple fed, which approximates the final count
// when the match rate is stationary.
//
// Params: "alpha" sets the EMA weight in (0, 1]; "disable_compensation"
// pins the estimate to the exact count.
type imaJoin struct {
	exact *hashJoin

	alpha      float64
	ema        float64
	emaInit    bool
	compensate bool
}

func newIMA(keyTag string, params map[string]interface{}) *imaJoin {
	alpha := defaultIMAAlpha
	if v, ok := params["alpha"]; ok {
		if f := cast.ToFloat64(v); f > 0 && f <= 1 {
			alpha = f
		}
	}
	return &imaJoin{
		exact:      newHashJoin(TypeIMA, keyTag),
		alpha:      alpha,
		compensate: !cast.ToBool(params["disable_compensation"]),
	}
}

func (o *imaJoin) Feed(t types.Tuple, stream types.StreamID) error {
	before := o.exact.stats.Matches
	if err := o.exact.Feed(t, stream); err != nil {
		return err
	}
	delta := float64(o.exact.stats.Matches - before)
	if !o.emaInit {
		o.ema = delta
		o.emaInit = true
	} else {
		o.ema = o.alpha*delta + (1-o.alpha)*o.ema
	}
	return nil
}

func (o *imaJoin) Result() int64 { return o.exact.Result() }

func (o *imaJoin) ApproximateResult() (float64, float64) {
	exact := float64(o.exact.stats.Matches)
	if !o.compensate {
		return exact, 0
	}
	fed := float64(o.exact.stats.STuples + o.exact.stats.RTuples)
	estimate := o.ema * fed
	var errBound float64
	if exact > 0 {
		errBound = math.Abs(estimate-exact) / exact
	}
	return estimate, errBound
}

func (o *imaJoin) Stats() Stats { return o.exact.Stats() }

func (o *imaJoin) Reset() {
	o.exact.Reset()
	o.ema = 0
	o.emaInit = false
}

func (o *imaJoin) Type() string { return TypeIMA }
