package decimate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFinalizeMatchesTrueStatsWithinTolerance(t *testing.T) {
	// Testable property #4 in spec.md: for any D1 samples, recorded
	// min/max must equal the true min/max, mean within 1, std within
	// round(true_std) +/- 1.
	xs := []int32{10, -5, 7, 3, -20, 42, 0, 1, -1, 8, 9, -30, 11, 6, 2, 5}
	ys := []int32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	var acc Accumulator
	acc.Reset()
	var sumX, sumY int64
	var sumSqX, sumSqY float64
	minX, maxX := int32(math.MaxInt32), int32(math.MinInt32)
	for i := range xs {
		acc.Add(xs[i], ys[i])
		sumX += int64(xs[i])
		sumY += int64(ys[i])
		sumSqX += float64(xs[i]) * float64(xs[i])
		sumSqY += float64(ys[i]) * float64(ys[i])
		if xs[i] < minX {
			minX = xs[i]
		}
		if xs[i] > maxX {
			maxX = xs[i]
		}
	}

	slot := acc.Finalize(4) // log2(16) = 4

	assert.Equal(t, minX, slot.MinX)
	assert.Equal(t, maxX, slot.MaxX)

	trueMeanX := float64(sumX) / 16
	assert.LessOrEqual(t, math.Abs(float64(slot.MeanX)-trueMeanX), 1.0)

	trueVarX := sumSqX/16 - trueMeanX*trueMeanX
	trueStdX := math.Sqrt(trueVarX)
	assert.LessOrEqual(t, math.Abs(float64(slot.StdX)-math.Round(trueStdX)), 1.0)

	trueMeanY := float64(sumY) / 16
	assert.LessOrEqual(t, math.Abs(float64(slot.MeanY)-trueMeanY), 1.0)
}

func TestUint128AddCarriesAndShifts(t *testing.T) {
	var u Uint128
	u = u.Add(math.MaxUint64)
	u = u.Add(1)
	assert.Equal(t, uint64(1), u.Hi)
	assert.Equal(t, uint64(0), u.Lo)

	shifted := u.Rsh(64)
	assert.Equal(t, uint64(0), shifted.Hi)
	assert.Equal(t, uint64(1), shifted.Lo)
}

func TestAccumulatorHandles65536Samples(t *testing.T) {
	// Exercises the 128-bit accumulator headroom the spec calls for: a
	// 32-bit sample squared is <= 2^62, so 2^16 of them needs ~78 bits.
	var acc Accumulator
	acc.Reset()
	const n = 1 << 16
	for i := 0; i < n; i++ {
		acc.Add(math.MaxInt32-1, math.MinInt32+1)
	}
	slot := acc.Finalize(16)
	assert.InDelta(t, float64(math.MaxInt32-1), float64(slot.MeanX), 1)
	assert.Equal(t, int32(0), slot.StdX)
}
