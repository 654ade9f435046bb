// Package strategy emits orders from current exposure, risk and config.
// Each mode family computes its own target model; the shared base handles
// rebalance triggers, risk overrides and dust liquidation.
package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"basis_engine/internal/config"
	"basis_engine/internal/core"
	"basis_engine/internal/data"
	"basis_engine/internal/position"

	"github.com/shopspring/decimal"
)

// Mode family names as they appear in mode configs.
const (
	ModePureLending      = "pure_lending"
	ModeBasis            = "basis"
	ModeMarketNeutral    = "market_neutral_leveraged"
	ModeStakingOnly      = "staking_only"
	ModeLeveragedStaking = "eth_leveraged"
)

// Params is the decimal-typed strategy configuration derived from a mode
// config.
type Params struct {
	Mode       string
	ShareClass string
	Asset      string
	LSTType    string

	Actions            map[core.StrategyAction]struct{}
	TargetLTV          decimal.Decimal
	StakeAllocationETH decimal.Decimal
	HedgeVenues        []string
	HedgeAllocation    map[string]decimal.Decimal
	DeviationThreshold decimal.Decimal
	DustDelta          decimal.Decimal
	UseFlashLoan       bool
	MaxLeverageIters   int
	ReserveRatio       decimal.Decimal

	LendingVenue string
	StakingVenue string
	SpotVenue    string
	WalletVenue  string
}

// ParamsFromConfig extracts strategy parameters from a validated mode config.
func ParamsFromConfig(cfg *config.ModeConfig) Params {
	sm := cfg.ComponentConfig.StrategyManager
	p := Params{
		Mode:               cfg.Mode,
		ShareClass:         cfg.ShareClass,
		Asset:              cfg.Asset,
		LSTType:            cfg.LSTType,
		Actions:            make(map[core.StrategyAction]struct{}, len(sm.Actions)),
		TargetLTV:          decimal.NewFromFloat(sm.TargetLTV),
		StakeAllocationETH: decimal.NewFromFloat(sm.StakeAllocationETH),
		HedgeVenues:        sm.HedgeVenues,
		HedgeAllocation:    make(map[string]decimal.Decimal, len(sm.HedgeAllocation)),
		DeviationThreshold: cfg.PositionDeviationThresholdOrDefault(),
		DustDelta:          decimal.NewFromFloat(sm.DustDelta),
		UseFlashLoan:       sm.UseFlashLoan,
		MaxLeverageIters:   sm.MaxLeverageIterations,
		ReserveRatio:       decimal.NewFromFloat(sm.ReserveRatio),
	}
	for _, a := range sm.Actions {
		p.Actions[core.StrategyAction(a)] = struct{}{}
	}
	for v, frac := range sm.HedgeAllocation {
		p.HedgeAllocation[v] = decimal.NewFromFloat(frac)
	}
	for name, v := range cfg.Venues {
		switch v.Kind {
		case "lending":
			p.LendingVenue = name
		case "staking":
			p.StakingVenue = name
		case "spot":
			p.SpotVenue = name
		case "wallet":
			p.WalletVenue = name
		}
	}
	return p
}

// New builds the mode family's strategy manager. Unknown modes are a
// configuration bug.
func New(params Params, positions *position.Monitor, provider core.IDataProvider, events core.IEventLogger, logger core.ILogger) (core.IStrategyManager, error) {
	b := &base{
		params:    params,
		positions: positions,
		provider:  provider,
		events:    events,
		logger:    logger.WithField("component", "strategy_manager").WithField("mode", params.Mode),
	}
	switch params.Mode {
	case ModePureLending:
		return &pureLending{base: b}, nil
	case ModeBasis:
		return &basis{base: b}, nil
	case ModeMarketNeutral:
		return &marketNeutral{base: b}, nil
	case ModeStakingOnly:
		return &stakingOnly{base: b}, nil
	case ModeLeveragedStaking:
		return &leveragedStaking{base: b}, nil
	}
	return nil, fmt.Errorf("unknown strategy mode %q", params.Mode)
}

// base carries the shared trigger and sizing machinery.
type base struct {
	params    Params
	positions *position.Monitor
	provider  core.IDataProvider
	events    core.IEventLogger
	logger    core.ILogger

	mu          sync.Mutex
	flowPending bool
}

// NotifyFlow marks a pending deposit or withdrawal; the next Decide
// rebalances regardless of the deviation threshold.
func (b *base) NotifyFlow() {
	b.mu.Lock()
	b.flowPending = true
	b.mu.Unlock()
}

// consumeFlow returns and clears the pending-flow flag.
func (b *base) consumeFlow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	f := b.flowPending
	b.flowPending = false
	return f
}

// allowed filters an order list to the configured canonical actions.
func (b *base) allowed(orders []core.Order) []core.Order {
	out := orders[:0]
	for _, o := range orders {
		if _, ok := b.params.Actions[o.Purpose]; ok {
			out = append(out, o)
		}
	}
	return out
}

// shouldRebalance applies the trigger rule: deviation beyond threshold,
// risk override, or a pending flow.
func (b *base) shouldRebalance(deviation decimal.Decimal, risk *core.RiskAssessment, flow bool) bool {
	if flow {
		return true
	}
	if risk != nil && risk.Overall == core.RiskCritical {
		return true
	}
	return deviation.GreaterThan(b.params.DeviationThreshold)
}

// deviation is |current - target| relative to equity; zero-equity books
// never trigger.
func deviation(current, target, equity decimal.Decimal) decimal.Decimal {
	if equity.IsZero() {
		return decimal.Zero
	}
	return current.Sub(target).Abs().Div(equity.Abs())
}

// infeasible logs the warning and emits the event; callers return no orders.
func (b *base) infeasible(t time.Time, reason string) []core.Order {
	b.logger.Warn("Strategy target infeasible", "reason", reason)
	b.events.Log(core.Event{
		Timestamp: t,
		Type:      "STRATEGY_INFEASIBLE",
		Status:    "warning",
		Fields:    map[string]string{"reason": reason},
	})
	return nil
}

// dustOrders sells any token outside the mode's working set whose spot or
// wallet balance exceeds dust_delta. Dust sales precede normal rebalancing
// and may fire on their own.
func (b *base) dustOrders(snapshot core.PositionMap) []core.Order {
	if b.params.DustDelta.IsZero() {
		return nil
	}
	keep := map[string]struct{}{
		strings.ToUpper(b.params.ShareClass): {},
		strings.ToUpper(b.params.Asset):      {},
		strings.ToUpper(b.params.LSTType):    {},
	}

	totals := make(map[string]decimal.Decimal)
	for k, v := range snapshot {
		if k.Type != core.PosSpot && k.Type != core.PosBaseToken {
			continue
		}
		sym := strings.ToUpper(k.Symbol)
		if _, ok := keep[sym]; ok {
			continue
		}
		totals[sym] = totals[sym].Add(v)
	}

	syms := make([]string, 0, len(totals))
	for sym, amount := range totals {
		if amount.GreaterThan(b.params.DustDelta) {
			syms = append(syms, sym)
		}
	}
	sort.Strings(syms)

	var out []core.Order
	for _, sym := range syms {
		out = append(out, core.Order{
			Venue:     b.params.SpotVenue,
			Operation: core.OpSpotTrade,
			Pair:      sym + "/" + b.params.ShareClass,
			Side:      core.SideSell,
			Amount:    totals[sym],
			OrderType: core.TypeMarket,
			Purpose:   core.ActionSellDust,
		})
	}
	return out
}

// price fetches the USD oracle price for an asset from the snapshot.
func (b *base) price(snap *core.MarketSnapshot, asset string) (decimal.Decimal, error) {
	p, ok := snap.Value(data.KindUSDPrice(strings.ToLower(asset)))
	if !ok || p.IsZero() {
		return decimal.Zero, fmt.Errorf("no usable price for %s", asset)
	}
	return p, nil
}

// toNative converts a share-class value into native units of an asset.
func (b *base) toNative(snap *core.MarketSnapshot, asset string, value decimal.Decimal) (decimal.Decimal, error) {
	if strings.EqualFold(asset, b.params.ShareClass) {
		return value, nil
	}
	p, err := b.price(snap, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if b.params.ShareClass == "ETH" {
		ethUSD, err := b.price(snap, "eth")
		if err != nil {
			return decimal.Zero, err
		}
		return value.Mul(ethUSD).Div(p), nil
	}
	return value.Div(p), nil
}

// classify picks the canonical action for a move from current to target.
func classify(current, target decimal.Decimal) core.StrategyAction {
	switch {
	case target.GreaterThan(current) && current.IsZero():
		return core.ActionEntryFull
	case target.GreaterThan(current):
		return core.ActionEntryPartial
	case target.IsZero():
		return core.ActionExitFull
	default:
		return core.ActionExitPartial
	}
}

// maxDecimal returns the largest of its arguments.
func maxDecimal(values ...decimal.Decimal) decimal.Decimal {
	out := decimal.Zero
	for _, v := range values {
		if v.GreaterThan(out) {
			out = v
		}
	}
	return out
}

// missingDatum surfaces a sizing datum the provider could not supply.
func (b *base) missingDatum(t time.Time, kind string) error {
	return fmt.Errorf("strategy sizing: missing datum %q at %s", kind, t.Format(time.RFC3339))
}

// sumType totals the given position types of one symbol across venues.
func sumType(positions core.PositionMap, symbol string, types ...core.PositionType) decimal.Decimal {
	total := decimal.Zero
	for k, v := range positions {
		if !strings.EqualFold(k.Symbol, symbol) {
			continue
		}
		for _, pt := range types {
			if k.Type == pt {
				total = total.Add(v)
				break
			}
		}
	}
	return total
}

// hedgeShorts emits one perp short order per hedge venue splitting the
// target notional by the configured allocation. All orders land in the same
// batch so the hedge is placed before on-chain legs.
func (b *base) hedgeShorts(snap *core.MarketSnapshot, asset string, targetNotional decimal.Decimal, positions core.PositionMap, purpose core.StrategyAction) ([]core.Order, error) {
	price, err := b.price(snap, asset)
	if err != nil {
		return nil, err
	}
	sym := strings.ToUpper(asset)

	var out []core.Order
	for _, venue := range b.params.HedgeVenues {
		alloc := b.params.HedgeAllocation[venue]
		targetAmount := targetNotional.Mul(alloc).Div(price).Neg()
		current := positions.Get(core.PositionKey{Venue: venue, Type: core.PosPerp, Symbol: sym})
		diff := targetAmount.Sub(current)
		if diff.IsZero() {
			continue
		}
		side := core.SideSell
		if diff.IsPositive() {
			side = core.SideBuy
		}
		out = append(out, core.Order{
			Venue:     venue,
			Operation: core.OpPerpTrade,
			Pair:      sym + "/USDT",
			Side:      side,
			Amount:    diff.Abs(),
			OrderType: core.TypeMarket,
			Purpose:   purpose,
		})
	}
	return out, nil
}
