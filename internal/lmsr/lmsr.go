// Package lmsr implements the Logarithmic Market Scoring Rule cost function
// (Hanson, 2003) used to price outcome-token trades.
//
// The market cost of a distribution q with liquidity parameter b is
// C(q) = b * ln(sum_i exp(q_i / b)). The coin cost of a trade is the
// difference between the cost of the post-trade and pre-trade distributions,
// quantized to an integer coin unit. All functions are pure and safe for
// concurrent use.
package lmsr

import "math"

// CoinScale converts the real-valued cost into integer coin units. A cost of
// 1.0 equals 1000 coin.
const CoinScale = 1000

// Cost returns the quantized market cost of distribution q: the real cost
// scaled by CoinScale and floored toward negative infinity, so repeated
// evaluation of the same input always yields the same integer.
//
// q must be non-empty and b must be positive.
//
// The log-sum-exp is evaluated with the usual max-subtraction trick:
// distributions grow large enough in practice that exp(q_i/b) overflows
// float64 without it.
func Cost(b float64, q []int64) int64 {
	maxExp := float64(q[0]) / b
	for _, qi := range q[1:] {
		if e := float64(qi) / b; e > maxExp {
			maxExp = e
		}
	}

	var sum float64
	for _, qi := range q {
		sum += math.Exp(float64(qi)/b - maxExp)
	}

	cost := b * (maxExp + math.Log(sum))
	return int64(math.Floor(cost * CoinScale))
}

// TradeCoin returns the signed coin delta credited to a trader who moves the
// distribution from cur to next: Cost(cur) - Cost(next). Buying tokens raises
// the cost, so the result is negative (coin paid); selling refunds coin. The
// value sums directly into the trader's ledger balance.
func TradeCoin(b float64, cur, next []int64) int64 {
	return Cost(b, cur) - Cost(b, next)
}

// Prices returns the marginal price of each outcome, the softmax of q/b.
// Prices sum to 1 and are read as outcome probabilities.
func Prices(b float64, q []int64) []float64 {
	maxExp := float64(q[0]) / b
	for _, qi := range q[1:] {
		if e := float64(qi) / b; e > maxExp {
			maxExp = e
		}
	}

	exps := make([]float64, len(q))
	var sum float64
	for i, qi := range q {
		exps[i] = math.Exp(float64(qi)/b - maxExp)
		sum += exps[i]
	}

	prices := make([]float64, len(q))
	for i, e := range exps {
		prices[i] = e / sum
	}
	return prices
}
