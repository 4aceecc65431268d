// Package testing provides testing utilities and helpers shared across
// Warden packages.
package testing

import (
	"testing"

	"github.com/aristath/warden/internal/constitution"
)

// ConstitutionYAML is a complete, valid Constitution document used by tests
// across packages. Values mirror configs/constitution.yaml.
const ConstitutionYAML = `
version: "test-1"
sleeves:
  gen:
    allocation_ratio: 0.40
    instruments: [SPY, QQQ, IWM]
    strategy: CSP
    delta_band: { min: 0.40, max: 0.45 }
    dte_band: { min: 21, max: 45 }
    schedule: { weekday: 1, window_start: "10:00", window_end: "11:30" }
    fork_threshold: 100000
    max_forks: 4
    reinvestment: compound
  rev:
    allocation_ratio: 0.30
    instruments: [SPY, XSP]
    strategy: CC
    delta_band: { min: 0.20, max: 0.30 }
    dte_band: { min: 7, max: 21 }
    schedule: { weekday: 3, window_start: "10:00", window_end: "11:30" }
    fork_threshold: 150000
    max_forks: 2
    reinvestment: distribute
  com:
    allocation_ratio: 0.30
    instruments: [SPY, TLT, GLD]
    strategy: CSP
    delta_band: { min: 0.10, max: 0.20 }
    dte_band: { min: 30, max: 60 }
    schedule: { weekday: 5, window_start: "10:00", window_end: "12:00" }
    fork_threshold: 200000
    max_forks: 2
    reinvestment: compound
capital:
  deployment_band: { min: 0.95, max: 1.00 }
  per_symbol_exposure_cap: 0.25
  margin_use_cap: 0.50
  order_slice_threshold: 50
  daily_order_qty_cap: 500
protocol:
  atr_period: 5
  atr_method: wilder
  breach_l1: 1.0
  breach_l2: 2.0
  breach_l3: 3.0
  cadence_l0_seconds: 300
  cadence_l1_seconds: 60
  cadence_l2_seconds: 30
  cadence_l3_seconds: 1
  stop_loss_multiple: 3.0
  max_loss_fraction: 0.05
  roll_cost_threshold: 0.50
  exit_retry_seconds: 120
liquidity:
  min_open_interest: 500
  min_daily_volume: 100
  max_spread_pct: 0.05
  max_adv_fraction: 0.02
hedging:
  budget_band: { min: 0.005, max: 0.02 }
  vix_hedged_week: 20
  vix_safe_mode: 30
  vix_kill_switch: 40
  instruments:
    - { kind: spx_put, target_delta: 0.10 }
    - { kind: vix_call, strike_offset: 5 }
  dte_band: { min: 45, max: 90 }
  rebalance_threshold: 0.25
llms:
  enabled: true
  growth_duration_band: { min: 12, max: 24 }
  hedge_duration_band: { min: 6, max: 12 }
  growth_delta_band: { min: 0.60, max: 0.80 }
  hedge_delta_band: { min: 0.10, max: 0.25 }
  profit_take_pct: 1.0
  stop_loss_pct: 0.5
`

// NewTestConstitution loads the shared test Constitution document.
func NewTestConstitution(t *testing.T) *constitution.Document {
	t.Helper()
	doc, err := constitution.LoadFromReader(ConstitutionYAML)
	if err != nil {
		t.Fatalf("failed to load test constitution: %v", err)
	}
	return doc
}
