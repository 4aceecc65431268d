package accounts

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Performance holds the attribution metrics of one account or an aggregated
// subtree.
type Performance struct {
	TimeWeightedReturn float64 `json:"time_weighted_return"`
	MaxDrawdown        float64 `json:"max_drawdown"`
	Sharpe             float64 `json:"sharpe"`
	WinRate            float64 `json:"win_rate"`
	ProfitFactor       float64 `json:"profit_factor"`
	Samples            int     `json:"samples"`
}

// ComputePerformance derives the metrics from an equity snapshot series and
// the realized P&L of closed trades. riskFree is the per-period risk-free
// rate the Sharpe ratio is measured against.
func ComputePerformance(values []float64, tradePnLs []float64, riskFree float64) Performance {
	perf := Performance{Samples: len(values)}

	returns := periodReturns(values)
	if len(returns) > 0 {
		twr := 1.0
		for _, r := range returns {
			twr *= 1 + r
		}
		perf.TimeWeightedReturn = twr - 1

		if len(returns) > 1 {
			excess := make([]float64, len(returns))
			for i, r := range returns {
				excess[i] = r - riskFree
			}
			mean, std := stat.MeanStdDev(excess, nil)
			if std > 0 {
				perf.Sharpe = mean / std
			}
		}
	}

	perf.MaxDrawdown = maxDrawdown(values)

	if len(tradePnLs) > 0 {
		wins := 0
		grossWin, grossLoss := 0.0, 0.0
		for _, pnl := range tradePnLs {
			if pnl > 0 {
				wins++
				grossWin += pnl
			} else {
				grossLoss += -pnl
			}
		}
		perf.WinRate = float64(wins) / float64(len(tradePnLs))
		if grossLoss > 0 {
			perf.ProfitFactor = grossWin / grossLoss
		} else if grossWin > 0 {
			perf.ProfitFactor = math.Inf(1)
		}
	}

	return perf
}

// AggregatePerformance value-weights metrics across accounts. Zero-weight
// entries (empty accounts) drop out.
func AggregatePerformance(perfs []Performance, weights []float64) Performance {
	if len(perfs) == 0 || len(perfs) != len(weights) {
		return Performance{}
	}

	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return Performance{}
	}

	twr := make([]float64, len(perfs))
	dd := make([]float64, len(perfs))
	sharpe := make([]float64, len(perfs))
	winRate := make([]float64, len(perfs))
	samples := 0
	for i, p := range perfs {
		twr[i] = p.TimeWeightedReturn
		dd[i] = p.MaxDrawdown
		sharpe[i] = p.Sharpe
		winRate[i] = p.WinRate
		samples += p.Samples
	}

	return Performance{
		TimeWeightedReturn: stat.Mean(twr, weights),
		MaxDrawdown:        stat.Mean(dd, weights),
		Sharpe:             stat.Mean(sharpe, weights),
		WinRate:            stat.Mean(winRate, weights),
		Samples:            samples,
	}
}

// periodReturns converts an equity series to simple per-period returns.
func periodReturns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] <= 0 {
			continue
		}
		returns = append(returns, values[i]/values[i-1]-1)
	}
	return returns
}

// maxDrawdown returns the deepest peak-to-trough decline as a positive
// fraction.
func maxDrawdown(values []float64) float64 {
	peak := math.Inf(-1)
	worst := 0.0
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}
