// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapt

import (
	"math"
	"math/big"

	"github.com/AleutianAI/keyforge/services/forge/crypto"
)

// Tier thresholds over energy. A resource's complexity tier is the
// highest tier whose threshold its energy meets.
var (
	energyMedium  = big.NewFloat(1e4)
	energyHigh    = big.NewFloat(1e6)
	energyMaximum = big.NewFloat(1e8)
)

// Priority thresholds over value. High-value resources jump the pool
// queue ahead of routine work.
var (
	valueMedium = big.NewInt(1_000)
	valueHigh   = big.NewInt(100_000)
)

// Energy computes value * log2(1 + frequency).
//
// Both inputs are arbitrary-precision non-negative integers; the result
// is a big.Float so that very large values cannot overflow. For inputs
// wider than a float64 mantissa the logarithm is approximated from the
// top 53 bits plus the bit length, which is exact to well under one
// part in 2^52 and far finer than the tier thresholds care about.
func Energy(value, frequency *big.Int) *big.Float {
	if value == nil || frequency == nil || value.Sign() <= 0 {
		return new(big.Float)
	}
	onePlus := new(big.Int).Add(frequency, big.NewInt(1))
	lg := approxLog2(onePlus)
	if lg == 0 {
		return new(big.Float)
	}
	e := new(big.Float).SetInt(value)
	return e.Mul(e, big.NewFloat(lg))
}

// approxLog2 returns log2(x) for x >= 1, or 0 for smaller inputs.
func approxLog2(x *big.Int) float64 {
	if x.Sign() <= 0 {
		return 0
	}
	bits := x.BitLen()
	if bits <= 53 {
		return math.Log2(float64(x.Uint64()))
	}
	shift := uint(bits - 53)
	top := new(big.Int).Rsh(x, shift)
	return math.Log2(float64(top.Uint64())) + float64(shift)
}

// TierForEnergy maps an energy score onto a complexity tier using the
// fixed thresholds above.
func TierForEnergy(e *big.Float) crypto.Tier {
	switch {
	case e == nil || e.Cmp(energyMedium) < 0:
		return crypto.TierLow
	case e.Cmp(energyHigh) < 0:
		return crypto.TierMedium
	case e.Cmp(energyMaximum) < 0:
		return crypto.TierHigh
	default:
		return crypto.TierMaximum
	}
}

// PriorityForValue derives a pool task priority from a resource's
// economic weight.
func PriorityForValue(value *big.Int) int {
	switch {
	case value == nil || value.Cmp(valueMedium) < 0:
		return 1
	case value.Cmp(valueHigh) < 0:
		return 5
	default:
		return 10
	}
}

// RelativeDelta returns |after-before| / before.
//
// A zero "before" with a non-zero "after" reports +Inf so any change
// from nothing always clears the adaptation threshold.
func RelativeDelta(before, after *big.Float) float64 {
	if before == nil || before.Sign() == 0 {
		if after != nil && after.Sign() != 0 {
			return math.Inf(1)
		}
		return 0
	}
	diff := new(big.Float).Sub(after, before)
	diff.Abs(diff)
	ratio := new(big.Float).Quo(diff, before)
	f, _ := ratio.Float64()
	return f
}
