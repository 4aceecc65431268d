package marketdata

import (
	"math"
	"time"

	"github.com/aristath/warden/internal/domain"
)

// Snapshot is the latest derived view of one symbol: the raw quote plus the
// rolling metrics computed from the recent quote stream.
type Snapshot struct {
	Quote          domain.Quote `json:"quote" msgpack:"quote"`
	Mid            float64      `json:"mid" msgpack:"mid"`
	SpreadPct      float64      `json:"spread_pct" msgpack:"spread_pct"`
	RealizedVol1m  float64      `json:"realized_vol_1m" msgpack:"realized_vol_1m"`
	RealizedVol5m  float64      `json:"realized_vol_5m" msgpack:"realized_vol_5m"`
	RealizedVol15m float64      `json:"realized_vol_15m" msgpack:"realized_vol_15m"`
	VolumeRatio    float64      `json:"volume_ratio" msgpack:"volume_ratio"`
	LiquidityScore float64      `json:"liquidity_score" msgpack:"liquidity_score"`
	Feed           string       `json:"feed" msgpack:"feed"`
	UpdatedAt      time.Time    `json:"updated_at" msgpack:"updated_at"`
}

// midSample is one observation in the rolling return window.
type midSample struct {
	at  time.Time
	mid float64
}

// returnWindow keeps the recent mids needed for the 15-minute realized
// volatility window. Older samples are dropped as new ones arrive.
type returnWindow struct {
	samples []midSample
	max     time.Duration
}

func newReturnWindow(max time.Duration) *returnWindow {
	return &returnWindow{max: max}
}

func (w *returnWindow) add(at time.Time, mid float64) {
	w.samples = append(w.samples, midSample{at: at, mid: mid})
	cutoff := at.Add(-w.max)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

// realizedVol returns the realized volatility over the trailing span: the
// square root of the summed squared log returns between consecutive mids.
func (w *returnWindow) realizedVol(now time.Time, span time.Duration) float64 {
	cutoff := now.Add(-span)
	sum := 0.0
	var prev float64
	havePrev := false
	for _, s := range w.samples {
		if s.at.Before(cutoff) || s.mid <= 0 {
			continue
		}
		if havePrev {
			r := math.Log(s.mid / prev)
			sum += r * r
		}
		prev = s.mid
		havePrev = true
	}
	return math.Sqrt(sum)
}

// priceChange returns the fractional move between the oldest and newest mid
// inside the span.
func (w *returnWindow) priceChange(now time.Time, span time.Duration) float64 {
	cutoff := now.Add(-span)
	first, last := 0.0, 0.0
	for _, s := range w.samples {
		if s.at.Before(cutoff) || s.mid <= 0 {
			continue
		}
		if first == 0 {
			first = s.mid
		}
		last = s.mid
	}
	if first == 0 {
		return 0
	}
	return (last - first) / first
}
