package core

import "fmt"

// ExecutionMode selects venue execution behavior.
type ExecutionMode string

const (
	ModeBacktest ExecutionMode = "backtest"
	ModeLive     ExecutionMode = "live"
)

// ParseExecutionMode validates a mode string.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch ExecutionMode(s) {
	case ModeBacktest, ModeLive:
		return ExecutionMode(s), nil
	}
	return "", fmt.Errorf("invalid execution mode: %q", s)
}

// PositionType is the closed set of position classes a key can carry.
type PositionType string

const (
	PosBaseToken PositionType = "BaseToken"
	PosAToken    PositionType = "AToken"
	PosDebtToken PositionType = "DebtToken"
	PosPerp      PositionType = "Perp"
	PosSpot      PositionType = "Spot"
)

// ParsePositionType validates a position type string.
func ParsePositionType(s string) (PositionType, error) {
	switch PositionType(s) {
	case PosBaseToken, PosAToken, PosDebtToken, PosPerp, PosSpot:
		return PositionType(s), nil
	}
	return "", fmt.Errorf("invalid position type: %q", s)
}

// DeltaSource tags the origin of a position mutation.
type DeltaSource string

const (
	SourceTrade    DeltaSource = "trade"
	SourceTransfer DeltaSource = "transfer"
	SourceFunding  DeltaSource = "funding"
	SourceReward   DeltaSource = "reward"
	SourceInitial  DeltaSource = "initial"
)

// OrderOperation is the closed set of venue operations.
type OrderOperation string

const (
	OpSpotTrade   OrderOperation = "spot_trade"
	OpPerpTrade   OrderOperation = "perp_trade"
	OpSupply      OrderOperation = "supply"
	OpWithdraw    OrderOperation = "withdraw"
	OpBorrow      OrderOperation = "borrow"
	OpRepay       OrderOperation = "repay"
	OpStake       OrderOperation = "stake"
	OpUnstake     OrderOperation = "unstake"
	OpTransfer    OrderOperation = "transfer"
	OpFlashAtomic OrderOperation = "flash_atomic"
)

// AllOperations lists every order operation for config validation.
var AllOperations = []OrderOperation{
	OpSpotTrade, OpPerpTrade, OpSupply, OpWithdraw, OpBorrow,
	OpRepay, OpStake, OpUnstake, OpTransfer, OpFlashAtomic,
}

// OrderSide is buy or sell.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType is market or limit.
type OrderType string

const (
	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"
)

// ExecutionStatus is the terminal state of one venue execution.
type ExecutionStatus string

const (
	ExecExecuted ExecutionStatus = "executed"
	ExecFailed   ExecutionStatus = "failed"
)

// Direction classifies an exposure.
type Direction string

const (
	DirLong  Direction = "LONG"
	DirShort Direction = "SHORT"
	DirFlat  Direction = "FLAT"
)

// RiskStatus is the severity of a risk metric or roll-up.
type RiskStatus string

const (
	RiskSafe     RiskStatus = "SAFE"
	RiskWarning  RiskStatus = "WARNING"
	RiskCritical RiskStatus = "CRITICAL"
)

// Severity orders risk statuses for max roll-up.
func (s RiskStatus) Severity() int {
	switch s {
	case RiskWarning:
		return 1
	case RiskCritical:
		return 2
	}
	return 0
}

// MaxStatus returns the more severe of two statuses.
func MaxStatus(a, b RiskStatus) RiskStatus {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// RiskType enumerates the configurable risk metrics.
type RiskType string

const (
	RiskAaveHealthFactor RiskType = "aave_health_factor"
	RiskCexMarginRatio   RiskType = "cex_margin_ratio"
	RiskDeltaDrift       RiskType = "delta_drift"
	RiskFundingCostTrend RiskType = "funding_cost_trend"
	RiskReserveRatio     RiskType = "reserve_ratio"
)

// AllRiskTypes lists every risk type for config validation.
var AllRiskTypes = []RiskType{
	RiskAaveHealthFactor, RiskCexMarginRatio, RiskDeltaDrift,
	RiskFundingCostTrend, RiskReserveRatio,
}

// AttributionType enumerates the P&L attribution components.
type AttributionType string

const (
	AttrSupplyYield         AttributionType = "supply_yield"
	AttrStakingYieldOracle  AttributionType = "staking_yield_oracle"
	AttrStakingYieldRewards AttributionType = "staking_yield_rewards"
	AttrBorrowCost          AttributionType = "borrow_cost"
	AttrFundingPnL          AttributionType = "funding_pnl"
	AttrDeltaPnL            AttributionType = "delta_pnl"
	AttrPriceChangePnL      AttributionType = "price_change_pnl"
	AttrTransactionCosts    AttributionType = "transaction_costs"
)

// AllAttributionTypes lists every attribution component for config validation.
var AllAttributionTypes = []AttributionType{
	AttrSupplyYield, AttrStakingYieldOracle, AttrStakingYieldRewards,
	AttrBorrowCost, AttrFundingPnL, AttrDeltaPnL, AttrPriceChangePnL,
	AttrTransactionCosts,
}

// StrategyAction is one of the five canonical strategy actions.
type StrategyAction string

const (
	ActionEntryFull    StrategyAction = "entry_full"
	ActionEntryPartial StrategyAction = "entry_partial"
	ActionExitPartial  StrategyAction = "exit_partial"
	ActionExitFull     StrategyAction = "exit_full"
	ActionSellDust     StrategyAction = "sell_dust"
)

// AllStrategyActions lists the canonical actions for config validation.
var AllStrategyActions = []StrategyAction{
	ActionEntryFull, ActionEntryPartial, ActionExitPartial,
	ActionExitFull, ActionSellDust,
}

// RequestStatus tracks the user-visible lifecycle of a request.
type RequestStatus string

const (
	StatusQueued    RequestStatus = "queued"
	StatusRunning   RequestStatus = "running"
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
	StatusCancelled RequestStatus = "cancelled"
)
