package atr

import (
	"fmt"
	"time"

	"github.com/aristath/warden/internal/domain"
)

// maxCalendarGapDays is the largest gap between consecutive daily bars that
// passes without a warning. Weekends plus one holiday fit inside it.
const maxCalendarGapDays = 4

// validateBars checks a daily OHLC window for structural problems. Hard
// failures (bad prices, empty window) return an error; soft issues (date
// gaps beyond the weekend tolerance) are returned as warnings and reduce the
// result's confidence.
func validateBars(bars []domain.Bar) ([]string, error) {
	if len(bars) == 0 {
		return nil, domain.NewError(domain.ErrInvalidData, "empty bar window")
	}

	var warnings []string
	for i, b := range bars {
		if b.Open < 0 || b.High < 0 || b.Low < 0 || b.Close < 0 {
			return nil, domain.Errorf(domain.ErrInvalidData, "negative price in bar %s", b.Date.Format("2006-01-02"))
		}
		if b.High < b.Open || b.High < b.Close {
			return nil, domain.Errorf(domain.ErrInvalidData, "high below open/close in bar %s", b.Date.Format("2006-01-02"))
		}
		if b.Low > b.Open || b.Low > b.Close {
			return nil, domain.Errorf(domain.ErrInvalidData, "low above open/close in bar %s", b.Date.Format("2006-01-02"))
		}
		if b.Volume < 0 {
			return nil, domain.Errorf(domain.ErrInvalidData, "negative volume in bar %s", b.Date.Format("2006-01-02"))
		}

		if i > 0 {
			prev := bars[i-1]
			if !b.Date.After(prev.Date) {
				return nil, domain.Errorf(domain.ErrInvalidData, "bars out of order at %s", b.Date.Format("2006-01-02"))
			}
			gap := int(b.Date.Sub(prev.Date).Hours() / 24)
			if gap > maxCalendarGapDays {
				warnings = append(warnings, fmt.Sprintf("%d-day gap before %s", gap, b.Date.Format("2006-01-02")))
			}
		}
	}
	return warnings, nil
}

// checkFreshness returns a DataStale error when the newest bar is older than
// the previous trading day relative to asOf. Weekends are skipped when
// walking back, so a Friday bar is fresh on Monday.
func checkFreshness(bars []domain.Bar, asOf time.Time) error {
	newest := bars[len(bars)-1].Date
	cutoff := previousTradingDay(asOf)
	if dateOf(newest).Before(dateOf(cutoff)) {
		return domain.Errorf(domain.ErrDataStale, "newest bar %s is older than %s",
			newest.Format("2006-01-02"), cutoff.Format("2006-01-02"))
	}
	return nil
}

func previousTradingDay(t time.Time) time.Time {
	d := t.AddDate(0, 0, -1)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
