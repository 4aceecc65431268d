package constitution

import (
	"fmt"

	"github.com/aristath/warden/internal/domain"
)

// Clause references identify the Constitution rule behind every decision.
// They are recorded on audit records and returned with rejections so an
// operator can always see which clause fired.

const (
	ClauseCapitalDeployment = "§3.Capital.Deployment"
	ClauseSymbolExposure    = "§3.Capital.SymbolExposure"
	ClauseMarginUse         = "§3.Capital.MarginUse"
	ClauseOrderSlice        = "§3.Capital.OrderSlice"
	ClauseDailyOrderCap     = "§3.Capital.DailyOrderCap"

	ClauseProtocolBreach   = "§4.Protocol.Breach"
	ClauseProtocolStopLoss = "§4.Protocol.StopLoss"
	ClauseProtocolMaxLoss  = "§4.Protocol.MaxLoss"
	ClauseRollCost         = "§4.Protocol.RollCost"

	ClauseLiquidityOI     = "§5.Liquidity.OpenInterest"
	ClauseLiquidityVolume = "§5.Liquidity.Volume"
	ClauseLiquiditySpread = "§5.Liquidity.Spread"
	ClauseLiquidityADV    = "§5.Liquidity.ADV"

	ClauseHedgeTrigger    = "§6.Hedging.Trigger"
	ClauseHedgeBudget     = "§6.Hedging.Budget"
	ClauseHedgeInstrument = "§6.Hedging.Instrument"
	ClauseHedgeDTE        = "§6.Hedging.DTE"

	ClauseLLMSDuration = "§7.LLMS.Duration"
	ClauseLLMSDelta    = "§7.LLMS.Delta"
	ClauseLLMSExits    = "§7.LLMS.Exits"

	ClauseAccountStates = "§8.Accounts.States"
	ClauseForkThreshold = "§8.Accounts.ForkThreshold"
	ClauseForkCount     = "§8.Accounts.ForkCount"
)

// sleeveSection maps a sleeve to its section name in clause references
// (e.g. "§2.GenAcc.Delta").
func sleeveSection(sleeve domain.Sleeve) string {
	switch sleeve {
	case domain.SleeveGen:
		return "GenAcc"
	case domain.SleeveRev:
		return "RevAcc"
	case domain.SleeveCom:
		return "ComAcc"
	default:
		return "UnknownAcc"
	}
}

// SleeveClause builds a per-sleeve clause reference for the given parameter
// name, e.g. SleeveClause(SleeveGen, "Delta") -> "§2.GenAcc.Delta".
func SleeveClause(sleeve domain.Sleeve, param string) string {
	return fmt.Sprintf("§2.%s.%s", sleeveSection(sleeve), param)
}
