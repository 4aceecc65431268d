package constitution

import (
	"math"
	"sort"

	"github.com/aristath/warden/internal/domain"
)

// Document is the loaded Constitution. All fields are unexported and only
// reachable through accessors that return copies, so the document cannot be
// mutated after Load; a parameter change requires a new document version and
// a process restart.
type Document struct {
	version   string
	sleeves   map[domain.Sleeve]SleevePolicy
	capital   CapitalPolicy
	protocol  ProtocolPolicy
	liquidity LiquidityPolicy
	hedging   HedgingPolicy
	llms      LLMSPolicy
}

// Version returns the document version string. It is stamped on the first
// audit record of every process run and on every record that cites a clause.
func (d *Document) Version() string {
	return d.version
}

// Sleeve returns the policy for the given sleeve. The second return is false
// for unknown sleeves.
func (d *Document) Sleeve(sleeve domain.Sleeve) (SleevePolicy, bool) {
	p, ok := d.sleeves[sleeve]
	return p, ok
}

// Sleeves returns the configured sleeves in GEN, REV, COM order.
func (d *Document) Sleeves() []domain.Sleeve {
	var out []domain.Sleeve
	for _, s := range []domain.Sleeve{domain.SleeveGen, domain.SleeveRev, domain.SleeveCom} {
		if _, ok := d.sleeves[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Universe returns the sorted, de-duplicated union of instrument symbols
// across all sleeves. This is the set of underlyings the system watches.
func (d *Document) Universe() []string {
	seen := make(map[string]bool)
	var symbols []string
	for _, p := range d.sleeves {
		for _, s := range p.Instruments {
			if !seen[s] {
				seen[s] = true
				symbols = append(symbols, s)
			}
		}
	}
	sort.Strings(symbols)
	return symbols
}

// Capital returns the capital deployment policy.
func (d *Document) Capital() CapitalPolicy {
	return d.capital
}

// Protocol returns the escalation protocol policy.
func (d *Document) Protocol() ProtocolPolicy {
	return d.protocol
}

// Liquidity returns the liquidity guard policy.
func (d *Document) Liquidity() LiquidityPolicy {
	return d.liquidity
}

// Hedging returns the tail-hedge policy.
func (d *Document) Hedging() HedgingPolicy {
	return d.hedging
}

// LLMS returns the LEAP ladder policy.
func (d *Document) LLMS() LLMSPolicy {
	return d.llms
}

// validate checks the whole document for internal consistency. Any failure
// is a ConfigError and fatal before start.
func (d *Document) validate() error {
	if d.version == "" {
		return domain.NewError(domain.ErrConfig, "constitution version is required")
	}

	ratioSum := 0.0
	for sleeve, p := range d.sleeves {
		ratioSum += p.AllocationRatio
		if p.DeltaBand.Min >= p.DeltaBand.Max {
			return domain.Errorf(domain.ErrConfig,
				"sleeve %s delta band min %.4f must be below max %.4f",
				sleeve, p.DeltaBand.Min, p.DeltaBand.Max)
		}
		if p.DTEBand.Min >= p.DTEBand.Max {
			return domain.Errorf(domain.ErrConfig,
				"sleeve %s DTE band min %d must be below max %d",
				sleeve, p.DTEBand.Min, p.DTEBand.Max)
		}
		if len(p.Instruments) == 0 {
			return domain.Errorf(domain.ErrConfig, "sleeve %s has no permitted instruments", sleeve)
		}
		if p.ForkThreshold <= 0 {
			return domain.Errorf(domain.ErrConfig, "sleeve %s fork threshold must be positive", sleeve)
		}
	}
	for _, required := range []domain.Sleeve{domain.SleeveGen, domain.SleeveRev, domain.SleeveCom} {
		if _, ok := d.sleeves[required]; !ok {
			return domain.Errorf(domain.ErrConfig, "sleeve %s missing from constitution", required)
		}
	}
	// The canonical document must agree with itself on sleeve ratios; the
	// source material carried conflicting splits, so load fails loudly on
	// anything that does not sum to 1.
	if math.Abs(ratioSum-1.0) > 1e-9 {
		return domain.Errorf(domain.ErrConfig, "sleeve allocation ratios sum to %.6f, want 1.0", ratioSum)
	}

	if d.protocol.ATRPeriod < 2 {
		return domain.Errorf(domain.ErrConfig, "ATR period %d must be >= 2", d.protocol.ATRPeriod)
	}
	switch d.protocol.ATRMethod {
	case "sma", "ema", "wilder":
	default:
		return domain.Errorf(domain.ErrConfig, "unknown ATR method %q", d.protocol.ATRMethod)
	}
	if !(d.protocol.BreachL1 < d.protocol.BreachL2 && d.protocol.BreachL2 < d.protocol.BreachL3) {
		return domain.NewError(domain.ErrConfig, "protocol breach multiples must be strictly increasing")
	}
	if d.protocol.RollCostThreshold <= 0 || d.protocol.RollCostThreshold > 1 {
		return domain.Errorf(domain.ErrConfig, "roll cost threshold %.2f must be in (0, 1]", d.protocol.RollCostThreshold)
	}

	if !(d.hedging.VIXHedgedWeek < d.hedging.VIXSafeMode && d.hedging.VIXSafeMode < d.hedging.VIXKillSwitch) {
		return domain.NewError(domain.ErrConfig, "VIX triggers must be strictly increasing")
	}

	if d.capital.DeploymentBand.Min > d.capital.DeploymentBand.Max {
		return domain.NewError(domain.ErrConfig, "capital deployment band inverted")
	}
	if d.capital.PerSymbolExposureCap <= 0 || d.capital.PerSymbolExposureCap > 1 {
		return domain.Errorf(domain.ErrConfig, "per-symbol exposure cap %.2f must be in (0, 1]", d.capital.PerSymbolExposureCap)
	}
	if d.capital.OrderSliceThreshold < 1 {
		return domain.NewError(domain.ErrConfig, "order slice threshold must be at least 1")
	}

	return nil
}
