// Package constitution implements the typed, immutable parameter document
// that prescribes every trading decision. The document is loaded once at
// startup, validated as a whole, and exposed through read-only accessors;
// every rule comparison in the system goes through these accessors so that
// no magic numbers exist elsewhere.
package constitution

import (
	"time"

	"github.com/aristath/warden/internal/domain"
)

// Band is an inclusive [Min, Max] range of float values.
type Band struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// Contains reports whether v lies inside the band. Bounds are inclusive.
func (b Band) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// IntBand is an inclusive [Min, Max] range of integer values.
type IntBand struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

// Contains reports whether v lies inside the band. Bounds are inclusive.
func (b IntBand) Contains(v int) bool {
	return v >= b.Min && v <= b.Max
}

// WeeklySchedule is the per-sleeve entry window: one weekday plus a local
// time window in HH:MM form.
type WeeklySchedule struct {
	Weekday     time.Weekday `mapstructure:"weekday"`
	WindowStart string       `mapstructure:"window_start"`
	WindowEnd   string       `mapstructure:"window_end"`
}

// Covers reports whether t falls on the scheduled weekday inside the window.
func (s WeeklySchedule) Covers(t time.Time) bool {
	if t.Weekday() != s.Weekday {
		return false
	}
	hm := t.Format("15:04")
	return hm >= s.WindowStart && hm <= s.WindowEnd
}

// SleevePolicy holds the per-sleeve trading parameters.
type SleevePolicy struct {
	AllocationRatio float64         `mapstructure:"allocation_ratio"`
	Instruments     []string        `mapstructure:"instruments"`
	Strategy        domain.Strategy `mapstructure:"strategy"`
	DeltaBand       Band            `mapstructure:"delta_band"`
	DTEBand         IntBand         `mapstructure:"dte_band"`
	Schedule        WeeklySchedule  `mapstructure:"schedule"`
	ForkThreshold   float64         `mapstructure:"fork_threshold"`
	MaxForks        int             `mapstructure:"max_forks"`
	Reinvestment    string          `mapstructure:"reinvestment"`
}

// PermitsInstrument reports whether the symbol is in the sleeve's permitted set.
func (p SleevePolicy) PermitsInstrument(symbol string) bool {
	for _, s := range p.Instruments {
		if s == symbol {
			return true
		}
	}
	return false
}

// CapitalPolicy holds the capital deployment rules.
type CapitalPolicy struct {
	DeploymentBand       Band    `mapstructure:"deployment_band"`
	PerSymbolExposureCap float64 `mapstructure:"per_symbol_exposure_cap"`
	MarginUseCap         float64 `mapstructure:"margin_use_cap"`
	OrderSliceThreshold  int     `mapstructure:"order_slice_threshold"`
	DailyOrderQtyCap     int     `mapstructure:"daily_order_qty_cap"`
}

// ProtocolPolicy holds the ATR-based escalation parameters.
type ProtocolPolicy struct {
	ATRPeriod          int     `mapstructure:"atr_period"`
	ATRMethod          string  `mapstructure:"atr_method"` // sma, ema, wilder
	BreachL1           float64 `mapstructure:"breach_l1"`
	BreachL2           float64 `mapstructure:"breach_l2"`
	BreachL3           float64 `mapstructure:"breach_l3"`
	CadenceL0Seconds   int     `mapstructure:"cadence_l0_seconds"`
	CadenceL1Seconds   int     `mapstructure:"cadence_l1_seconds"`
	CadenceL2Seconds   int     `mapstructure:"cadence_l2_seconds"`
	CadenceL3Seconds   int     `mapstructure:"cadence_l3_seconds"`
	StopLossMultiple   float64 `mapstructure:"stop_loss_multiple"`
	MaxLossFraction    float64 `mapstructure:"max_loss_fraction"`
	RollCostThreshold  float64 `mapstructure:"roll_cost_threshold"`
	ExitRetrySeconds   int     `mapstructure:"exit_retry_seconds"`
}

// Cadence returns the monitoring interval for a protocol level.
func (p ProtocolPolicy) Cadence(level domain.ProtocolLevel) time.Duration {
	switch level {
	case domain.LevelL1:
		return time.Duration(p.CadenceL1Seconds) * time.Second
	case domain.LevelL2:
		return time.Duration(p.CadenceL2Seconds) * time.Second
	case domain.LevelL3:
		return time.Duration(p.CadenceL3Seconds) * time.Second
	default:
		return time.Duration(p.CadenceL0Seconds) * time.Second
	}
}

// LiquidityPolicy holds the pre-trade liquidity guards.
type LiquidityPolicy struct {
	MinOpenInterest int64   `mapstructure:"min_open_interest"`
	MinDailyVolume  int64   `mapstructure:"min_daily_volume"`
	MaxSpreadPct    float64 `mapstructure:"max_spread_pct"`
	MaxADVFraction  float64 `mapstructure:"max_adv_fraction"`
}

// HedgeInstrument describes one permitted tail-hedge instrument.
type HedgeInstrument struct {
	Kind        string  `mapstructure:"kind"` // spx_put, vix_call
	TargetDelta float64 `mapstructure:"target_delta"`
	StrikeOffset float64 `mapstructure:"strike_offset"`
}

// HedgingPolicy holds the tail-hedge parameters.
type HedgingPolicy struct {
	BudgetBand         Band              `mapstructure:"budget_band"`
	VIXHedgedWeek      float64           `mapstructure:"vix_hedged_week"`
	VIXSafeMode        float64           `mapstructure:"vix_safe_mode"`
	VIXKillSwitch      float64           `mapstructure:"vix_kill_switch"`
	Instruments        []HedgeInstrument `mapstructure:"instruments"`
	DTEBand            IntBand           `mapstructure:"dte_band"`
	RebalanceThreshold float64           `mapstructure:"rebalance_threshold"`
}

// LLMSPolicy holds the optional LEAP ladder parameters.
type LLMSPolicy struct {
	Enabled            bool    `mapstructure:"enabled"`
	GrowthDurationBand IntBand `mapstructure:"growth_duration_band"` // months
	HedgeDurationBand  IntBand `mapstructure:"hedge_duration_band"`  // months
	GrowthDeltaBand    Band    `mapstructure:"growth_delta_band"`
	HedgeDeltaBand     Band    `mapstructure:"hedge_delta_band"`
	ProfitTakePct      float64 `mapstructure:"profit_take_pct"`
	StopLossPct        float64 `mapstructure:"stop_loss_pct"`
}
