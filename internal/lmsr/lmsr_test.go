package lmsr

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCostBinaryAtZero(t *testing.T) {
	// C(0,0) = 1*ln(2) = 0.6931..., scaled to 693 coin.
	assert.Equal(t, int64(693), Cost(1, []int64{0, 0}))
}

func TestTradeCoinMatchesHandComputedQuote(t *testing.T) {
	// Buying 1 unit of token A at b=1 from (0,0):
	// cost((1,0)) - cost((0,0)) = ln(e+1) - ln(2) = 0.6201...
	// The buyer's coin delta is the negation, floored per-cost: 693 - 1313.
	cur := []int64{0, 0}
	next := []int64{1, 0}

	require.Equal(t, int64(1313), Cost(1, next))
	assert.Equal(t, int64(-620), TradeCoin(1, cur, next))
}

func TestCostDeterministic(t *testing.T) {
	q := []int64{123, -45, 678, 0}
	first := Cost(30, q)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Cost(30, q))
	}
}

func TestCostStableAtLargeDistributions(t *testing.T) {
	// Naive evaluation of exp(1e6/30) overflows float64; the max-subtracted
	// form must stay finite and ordered.
	small := Cost(30, []int64{1_000_000, 999_999})
	large := Cost(30, []int64{1_000_001, 999_999})

	assert.Greater(t, large, small)
	assert.Less(t, small, int64(math.MaxInt64))
	assert.Greater(t, small, int64(0))
}

func TestCostFloorsTowardNegativeInfinity(t *testing.T) {
	// A negative-cost distribution exercises the floor direction: truncation
	// toward zero would round the other way.
	q := []int64{-10, -12}
	c := Cost(1, q)
	assert.Negative(t, c)

	real := 1 * math.Log(math.Exp(-10)+math.Exp(-12))
	assert.Equal(t, int64(math.Floor(real*CoinScale)), c)
}

func TestPricesSumToOne(t *testing.T) {
	prices := Prices(30, []int64{100, 50, 0})
	require.Len(t, prices, 3)

	var sum float64
	for _, p := range prices {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	// More outstanding tokens means a higher marginal price.
	assert.Greater(t, prices[0], prices[1])
	assert.Greater(t, prices[1], prices[2])
}

func TestCostMonotoneInEachComponent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(t, "n")
		q := make([]int64, n)
		for i := range q {
			q[i] = rapid.Int64Range(-10_000, 10_000).Draw(t, "q")
		}
		b := rapid.Float64Range(0.5, 500).Draw(t, "b")
		i := rapid.IntRange(0, n-1).Draw(t, "i")
		step := rapid.Int64Range(1, 1_000).Draw(t, "step")

		before := Cost(b, q)
		q[i] += step
		after := Cost(b, q)

		if after < before {
			t.Fatalf("cost decreased after increasing q[%d] by %d: %d -> %d", i, step, before, after)
		}
	})
}
