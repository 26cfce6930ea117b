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

// Package operator implements the pluggable window-join operators. All
// variants count equi-join matches on the resolved join key; the approximate
// variants additionally carry an estimator the engine falls back to when a
// window computation runs out of time.
package operator

import (
	"fmt"
	"strings"

	"github.com/intellistream/streamjoin/types"
)

// Operator type tags accepted by New.
const (
	TypeIAWJ        = "IAWJ"
	TypeMeanAQP     = "MeanAQP"
	TypeIMA         = "IMA"
	TypeMSWJ        = "MSWJ"
	TypeIAWJSel     = "IAWJSel"
	TypeLazyIAWJSel = "LazyIAWJSel"
	TypeSHJ         = "SHJ"
	TypePRJ         = "PRJ"
	TypePECJ        = "PECJ"
	TypeNestedLoop  = "NestedLoop"
)

// JoinOperator consumes tuples from both streams and reports match counts.
// Instances serve one window computation at a time and are not safe for
// concurrent use; the engine builds a fresh instance per execution.
type JoinOperator interface {
	// Feed processes one tuple from the given stream.
	Feed(t types.Tuple, stream types.StreamID) error

	// Result returns the exact number of matches produced so far.
	Result() int64

	// ApproximateResult returns the operator's estimate of the window's
	// match count and a relative error bound. Exact operators return
	// their current count with a zero bound.
	ApproximateResult() (estimate, errBound float64)

	// Stats returns feed and match counters.
	Stats() Stats

	// Reset clears all operator state for reuse.
	Reset()

	// Type returns the operator's tag.
	Type() string
}

// Stats counts what an operator has consumed and produced.
type Stats struct {
	STuples int64 `json:"s_tuples"`
	RTuples int64 `json:"r_tuples"`
	Matches int64 `json:"matches"`
}

// ExpectedInputAware is implemented by estimators that extrapolate from the
// announced input sizes. The engine calls SetExpectedInputs before feeding.
type ExpectedInputAware interface {
	SetExpectedInputs(s, r int64)
}

// New builds the operator selected by cfg.OperatorType. An empty type means
// IAWJ. Operator knobs ride in cfg.OperatorParams.
func New(cfg types.ComputeConfig) (JoinOperator, error) {
	keyTag := cfg.JoinKeyTag
	switch cfg.OperatorType {
	case "", TypeIAWJ:
		return newHashJoin(TypeIAWJ, keyTag), nil
	case TypeSHJ:
		return newHashJoin(TypeSHJ, keyTag), nil
	case TypePRJ:
		return newHashJoin(TypePRJ, keyTag), nil
	case TypeNestedLoop:
		return newNestedLoop(keyTag), nil
	case TypeIMA, TypePECJ, "PEC":
		// PECJ runs the IMA operator internally.
		return newIMA(keyTag, cfg.OperatorParams), nil
	case TypeMeanAQP:
		return newMeanAQP(keyTag, cfg.OperatorParams), nil
	case TypeMSWJ:
		return newMSWJ(keyTag, cfg.OperatorParams), nil
	case TypeIAWJSel:
		return newSelJoin(keyTag), nil
	case TypeLazyIAWJSel:
		return newLazySelJoin(keyTag), nil
	case "AI", "LinearSVI":
		return nil, fmt.Errorf("operator %q needs the external model runtime: %w",
			cfg.OperatorType, types.ErrUnknownOperator)
	default:
		return nil, fmt.Errorf("operator %q: %w (supported: %s)",
			cfg.OperatorType, types.ErrUnknownOperator, strings.Join(Supported(), ", "))
	}
}

// Supported lists the operator tags New accepts.
func Supported() []string {
	return []string{
		TypeIAWJ, TypeSHJ, TypePRJ, TypeNestedLoop, TypeIMA, TypePECJ,
		TypeMeanAQP, TypeMSWJ, TypeIAWJSel, TypeLazyIAWJSel,
	}
}

// SupportsAQP reports whether the operator tag carries an estimator the
// engine may fall back to on timeout.
func SupportsAQP(typ string) bool {
	switch typ {
	case TypeMeanAQP, TypeIMA, TypeMSWJ, TypeIAWJSel, TypeLazyIAWJSel, TypePECJ, "PEC":
		return true
	default:
		return false
	}
}

func feedError(stream types.StreamID) error {
	return fmt.Errorf("feed: unknown stream %v", stream)
}
