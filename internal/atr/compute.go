package atr

import (
	"math"

	"github.com/markcheno/go-talib"

	"github.com/aristath/warden/internal/domain"
)

// trueRanges computes the true-range series for a bar window. The first bar
// has no prior close, so its TR is the plain high-low range.
func trueRanges(bars []domain.Bar) []float64 {
	trs := make([]float64, len(bars))
	for i, b := range bars {
		tr := b.High - b.Low
		if i > 0 {
			prevClose := bars[i-1].Close
			tr = math.Max(tr, math.Abs(b.High-prevClose))
			tr = math.Max(tr, math.Abs(b.Low-prevClose))
		}
		trs[i] = tr
	}
	return trs
}

// smaATR averages the last period true ranges.
func smaATR(trs []float64, period int) float64 {
	window := trs[len(trs)-period:]
	sum := 0.0
	for _, tr := range window {
		sum += tr
	}
	return sum / float64(period)
}

// emaATR applies an exponential moving average with alpha = 2/(N+1), seeded
// by the first true range.
func emaATR(trs []float64, period int) float64 {
	alpha := 2.0 / float64(period+1)
	value := trs[0]
	for _, tr := range trs[1:] {
		value = alpha*tr + (1-alpha)*value
	}
	return value
}

// wilderATR applies Wilder's smoothing with alpha = 1/N, seeded by the SMA of
// the first period true ranges.
func wilderATR(trs []float64, period int) float64 {
	seed := 0.0
	for _, tr := range trs[:period] {
		seed += tr
	}
	value := seed / float64(period)
	for _, tr := range trs[period:] {
		value = (value*float64(period-1) + tr) / float64(period)
	}
	return value
}

// talibWilderATR cross-checks the Wilder result against the TA-Lib
// implementation. Returns NaN when the window is too short for TA-Lib.
func talibWilderATR(bars []domain.Bar, period int) float64 {
	if len(bars) <= period {
		return math.NaN()
	}
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High
		lows[i] = b.Low
		closes[i] = b.Close
	}
	out := talib.Atr(highs, lows, closes, period)
	if len(out) == 0 {
		return math.NaN()
	}
	return out[len(out)-1]
}
