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
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intellistream/streamjoin/types"
)

func opConfig(typ string, params map[string]interface{}) types.ComputeConfig {
	return types.ComputeConfig{OperatorType: typ, OperatorParams: params, JoinKeyTag: "key"}
}

func keyed(key string) types.Tuple {
	return types.Tuple{Key: key, Value: 1}
}

func TestFactoryTypeMapping(t *testing.T) {
	tests := []struct {
		typ  string
		want string
	}{
		{"", TypeIAWJ},
		{TypeIAWJ, TypeIAWJ},
		{TypeSHJ, TypeSHJ},
		{TypePRJ, TypePRJ},
		{TypeNestedLoop, TypeNestedLoop},
		{TypeIMA, TypeIMA},
		// PECJ resolves to the IMA operator.
		{TypePECJ, TypeIMA},
		{"PEC", TypeIMA},
		{TypeMeanAQP, TypeMeanAQP},
		{TypeMSWJ, TypeMSWJ},
		{TypeIAWJSel, TypeIAWJSel},
		{TypeLazyIAWJSel, TypeLazyIAWJSel},
	}
	for _, tt := range tests {
		op, err := New(opConfig(tt.typ, nil))
		require.NoError(t, err, "type %q", tt.typ)
		assert.Equal(t, tt.want, op.Type(), "type %q", tt.typ)
	}
}

func TestFactoryRejectsUnknownAndModelTypes(t *testing.T) {
	for _, typ := range []string{"bogus", "AI", "LinearSVI"} {
		_, err := New(opConfig(typ, nil))
		assert.ErrorIs(t, err, types.ErrUnknownOperator, "type %q", typ)
	}
}

func TestSupportsAQP(t *testing.T) {
	for _, typ := range []string{TypeIMA, TypeMeanAQP, TypeMSWJ, TypeIAWJSel, TypeLazyIAWJSel, TypePECJ} {
		assert.True(t, SupportsAQP(typ), typ)
	}
	for _, typ := range []string{TypeIAWJ, TypeSHJ, TypePRJ, TypeNestedLoop, "bogus"} {
		assert.False(t, SupportsAQP(typ), typ)
	}
}

func TestHashJoinCountsKeyPairs(t *testing.T) {
	op := newHashJoin(TypeIAWJ, "key")
	for _, k := range []string{"a", "a", "b"} {
		require.NoError(t, op.Feed(keyed(k), types.StreamS))
	}
	for _, k := range []string{"a", "b", "b", "c"} {
		require.NoError(t, op.Feed(keyed(k), types.StreamR))
	}
	// a: 2*1, b: 1*2, c: 0.
	assert.Equal(t, int64(4), op.Result())

	st := op.Stats()
	assert.Equal(t, int64(3), st.STuples)
	assert.Equal(t, int64(4), st.RTuples)
	assert.Equal(t, int64(4), st.Matches)

	est, errBound := op.ApproximateResult()
	assert.Equal(t, 4.0, est)
	assert.Zero(t, errBound)
}

func TestExactVariantsAgreeWithNestedLoop(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ref := newNestedLoop("key")
	ops := []JoinOperator{
		newHashJoin(TypeIAWJ, "key"),
		newHashJoin(TypeSHJ, "key"),
		newLazySelJoin("key"),
	}

	feed := func(t2 types.Tuple, stream types.StreamID) {
		require.NoError(t, ref.Feed(t2, stream))
		for _, op := range ops {
			require.NoError(t, op.Feed(t2, stream))
		}
	}
	for i := 0; i < 200; i++ {
		feed(keyed(fmt.Sprintf("k%d", rng.Intn(17))), types.StreamS)
	}
	for i := 0; i < 150; i++ {
		feed(keyed(fmt.Sprintf("k%d", rng.Intn(17))), types.StreamR)
	}

	want := ref.Result()
	assert.Positive(t, want)
	for _, op := range ops {
		assert.Equal(t, want, op.Result(), op.Type())
	}
}

func TestIMACompensationToggle(t *testing.T) {
	pinned, err := New(opConfig(TypeIMA, map[string]interface{}{"disable_compensation": true}))
	require.NoError(t, err)
	smoothed, err := New(opConfig(TypeIMA, map[string]interface{}{"alpha": 0.25}))
	require.NoError(t, err)

	for i := 0; i < 60; i++ {
		stream := types.StreamS
		if i%2 == 1 {
			stream = types.StreamR
		}
		require.NoError(t, pinned.Feed(keyed("k"), stream))
		require.NoError(t, smoothed.Feed(keyed("k"), stream))
	}

	exact := pinned.Result()
	est, errBound := pinned.ApproximateResult()
	assert.Equal(t, float64(exact), est)
	assert.Zero(t, errBound)

	est, errBound = smoothed.ApproximateResult()
	assert.Positive(t, est)
	assert.InDelta(t, math.Abs(est-float64(exact))/float64(exact), errBound, 1e-9)
}

func TestMeanAQPExactWhenSampleCoversFeed(t *testing.T) {
	op, err := New(opConfig(TypeMeanAQP, map[string]interface{}{"sample_size": 10_000}))
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, op.Feed(keyed("k"), types.StreamS))
	}
	for i := 0; i < 50; i++ {
		require.NoError(t, op.Feed(keyed("k"), types.StreamR))
	}

	assert.Equal(t, int64(2500), op.Result())
	// Every delta was sampled, so the scaled sample mean is exact.
	est, errBound := op.ApproximateResult()
	assert.InDelta(t, 2500, est, 1e-6)
	assert.Positive(t, errBound)
}

func TestSelectivityExtrapolation(t *testing.T) {
	op, err := New(opConfig(TypeIAWJSel, nil))
	require.NoError(t, err)
	aware, ok := op.(ExpectedInputAware)
	require.True(t, ok)
	aware.SetExpectedInputs(100, 100)

	keys := []string{"a", "b"}
	for i := 0; i < 50; i++ {
		require.NoError(t, op.Feed(keyed(keys[i%2]), types.StreamS))
		require.NoError(t, op.Feed(keyed(keys[i%2]), types.StreamR))
	}

	// Half of each side fed: 1250 matches over 2500 observed pairs.
	assert.Equal(t, int64(1250), op.Result())
	est, errBound := op.ApproximateResult()
	assert.InDelta(t, 5000, est, 1e-6)
	assert.InDelta(t, 0.75, errBound, 1e-9)

	for i := 50; i < 100; i++ {
		require.NoError(t, op.Feed(keyed(keys[i%2]), types.StreamS))
		require.NoError(t, op.Feed(keyed(keys[i%2]), types.StreamR))
	}

	// Fully fed: the projection collapses onto the exact count.
	assert.Equal(t, int64(5000), op.Result())
	est, errBound = op.ApproximateResult()
	assert.InDelta(t, 5000, est, 1e-6)
	assert.Zero(t, errBound)
}

func TestMSWJPartitionIsolation(t *testing.T) {
	mswj, err := New(opConfig(TypeMSWJ, nil))
	require.NoError(t, err)
	flat, err := New(opConfig(TypeIAWJ, nil))
	require.NoError(t, err)

	tuples := []struct {
		part   string
		stream types.StreamID
	}{
		{"x", types.StreamS},
		{"y", types.StreamS},
		{"x", types.StreamR},
	}
	for _, tt := range tuples {
		tup := types.Tuple{Key: "k", Tags: map[string]string{"stream": tt.part}}
		require.NoError(t, mswj.Feed(tup, tt.stream))
		require.NoError(t, flat.Feed(tup, tt.stream))
	}

	// Only the x partition pairs up; the flat join sees both S tuples.
	assert.Equal(t, int64(1), mswj.Result())
	assert.Equal(t, int64(2), flat.Result())

	est, errBound := mswj.ApproximateResult()
	assert.Equal(t, 1.0, est)
	assert.Zero(t, errBound)

	st := mswj.Stats()
	assert.Equal(t, int64(2), st.STuples)
	assert.Equal(t, int64(1), st.RTuples)
	assert.Equal(t, int64(1), st.Matches)
}

func TestResetClearsEveryVariant(t *testing.T) {
	for _, typ := range Supported() {
		op, err := New(opConfig(typ, nil))
		require.NoError(t, err, typ)

		require.NoError(t, op.Feed(keyed("k"), types.StreamS))
		require.NoError(t, op.Feed(keyed("k"), types.StreamR))
		require.Positive(t, op.Result(), typ)

		op.Reset()
		assert.Zero(t, op.Result(), typ)
		assert.Equal(t, Stats{}, op.Stats(), typ)

		// Still usable after reset.
		require.NoError(t, op.Feed(keyed("k"), types.StreamS))
		require.NoError(t, op.Feed(keyed("k"), types.StreamR))
		assert.Equal(t, int64(1), op.Result(), typ)
	}
}

func TestFeedRejectsUnknownStream(t *testing.T) {
	for _, op := range []JoinOperator{
		newHashJoin(TypeIAWJ, "key"),
		newNestedLoop("key"),
		newLazySelJoin("key"),
	} {
		assert.Error(t, op.Feed(keyed("k"), types.StreamID(9)), op.Type())
	}
}
