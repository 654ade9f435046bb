package strategy

import (
	"testing"
	"time"

	"basis_engine/internal/core"
	"basis_engine/internal/mock"
	"basis_engine/internal/position"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stratT = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func allActions() map[core.StrategyAction]struct{} {
	out := make(map[core.StrategyAction]struct{}, len(core.AllStrategyActions))
	for _, a := range core.AllStrategyActions {
		out[a] = struct{}{}
	}
	return out
}

func newBook(t *testing.T, subs []core.PositionKey, balances map[core.PositionKey]decimal.Decimal) *position.Monitor {
	t.Helper()
	settle := position.NewSettlementEngine(mock.NewMockDataProvider(), "", "USDT", mock.NewMockLogger())
	m := position.NewMonitor(position.MonitorConfig{
		Mode:          core.ModeBacktest,
		Subscriptions: subs,
	}, settle, nil, mock.NewMockEventLogger(), mock.NewMockLogger())

	var init []core.Delta
	for k, v := range balances {
		init = append(init, core.Delta{Key: k, Amount: v, Source: core.SourceInitial})
	}
	require.NoError(t, m.Initialize(stratT, init))
	return m
}

func opCounts(orders []core.Order) map[core.OrderOperation]int {
	out := make(map[core.OrderOperation]int)
	for _, o := range orders {
		out[o.Operation]++
	}
	return out
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(Params{Mode: "carry_trade"}, nil, mock.NewMockDataProvider(),
		mock.NewMockEventLogger(), mock.NewMockLogger())
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name            string
		current, target decimal.Decimal
		want            core.StrategyAction
	}{
		{"fresh entry", d(0), d(100), core.ActionEntryFull},
		{"scale up", d(50), d(100), core.ActionEntryPartial},
		{"full exit", d(100), d(0), core.ActionExitFull},
		{"scale down", d(100), d(50), core.ActionExitPartial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.current, tt.target))
		})
	}
}

func TestDeviationZeroEquityNeverTriggers(t *testing.T) {
	assert.True(t, deviation(d(100), d(0), decimal.Zero).IsZero())
}

func TestPureLendingSuppliesFreeCash(t *testing.T) {
	aaveKey := core.PositionKey{Venue: "aave", Type: core.PosAToken, Symbol: "USDT"}
	cashKey := core.PositionKey{Venue: "wallet", Type: core.PosSpot, Symbol: "USDT"}
	book := newBook(t, []core.PositionKey{aaveKey, cashKey},
		map[core.PositionKey]decimal.Decimal{cashKey: d(10000)})

	provider := mock.NewMockDataProvider()
	params := Params{
		Mode: ModePureLending, ShareClass: "USDT", Asset: "USDT",
		Actions: allActions(), DeviationThreshold: d(0.02),
		LendingVenue: "aave", WalletVenue: "wallet",
	}
	s, err := New(params, book, provider, mock.NewMockEventLogger(), mock.NewMockLogger())
	require.NoError(t, err)

	orders, err := s.Decide(stratT, nil, nil)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, core.OpSupply, orders[0].Operation)
	assert.Equal(t, "aave", orders[0].Venue)
	assert.True(t, d(10000).Equal(orders[0].Amount))
	assert.Equal(t, core.ActionEntryFull, orders[0].Purpose)
}

func TestPureLendingHoldsWhenFullySupplied(t *testing.T) {
	aaveKey := core.PositionKey{Venue: "aave", Type: core.PosAToken, Symbol: "USDT"}
	cashKey := core.PositionKey{Venue: "wallet", Type: core.PosSpot, Symbol: "USDT"}
	book := newBook(t, []core.PositionKey{aaveKey, cashKey},
		map[core.PositionKey]decimal.Decimal{aaveKey: d(10000)})

	params := Params{
		Mode: ModePureLending, ShareClass: "USDT", Asset: "USDT",
		Actions: allActions(), DeviationThreshold: d(0.02),
		LendingVenue: "aave",
	}
	s, err := New(params, book, mock.NewMockDataProvider(), mock.NewMockEventLogger(), mock.NewMockLogger())
	require.NoError(t, err)

	orders, err := s.Decide(stratT, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestPureLendingCriticalRiskWithdrawsAll(t *testing.T) {
	aaveKey := core.PositionKey{Venue: "aave", Type: core.PosAToken, Symbol: "USDT"}
	cashKey := core.PositionKey{Venue: "wallet", Type: core.PosSpot, Symbol: "USDT"}
	book := newBook(t, []core.PositionKey{aaveKey, cashKey},
		map[core.PositionKey]decimal.Decimal{aaveKey: d(100)})

	provider := mock.NewMockDataProvider()
	provider.Set(stratT, "aave_supply_index_usdt", d(1.05))

	params := Params{
		Mode: ModePureLending, ShareClass: "USDT", Asset: "USDT",
		Actions: allActions(), DeviationThreshold: d(0.02),
		LendingVenue: "aave",
	}
	s, err := New(params, book, provider, mock.NewMockEventLogger(), mock.NewMockLogger())
	require.NoError(t, err)

	orders, err := s.Decide(stratT, nil, &core.RiskAssessment{Overall: core.RiskCritical})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, core.OpWithdraw, orders[0].Operation)
	assert.True(t, d(105).Equal(orders[0].Amount), "withdraw the index-scaled supplied value, got %s", orders[0].Amount)
	assert.True(t, orders[0].Required, "risk exits are not optional")
	assert.Equal(t, core.ActionExitFull, orders[0].Purpose)
}

func TestStakingOnlyStakesFreeETH(t *testing.T) {
	ethKey := core.PositionKey{Venue: "wallet", Type: core.PosBaseToken, Symbol: "ETH"}
	lstKey := core.PositionKey{Venue: "wallet", Type: core.PosBaseToken, Symbol: "WSTETH"}
	book := newBook(t, []core.PositionKey{ethKey, lstKey},
		map[core.PositionKey]decimal.Decimal{ethKey: d(10)})

	provider := mock.NewMockDataProvider()
	provider.Set(stratT, "lst_oracle_wsteth", d(1.15))

	params := Params{
		Mode: ModeStakingOnly, ShareClass: "ETH", Asset: "ETH", LSTType: "WSTETH",
		Actions: allActions(), DeviationThreshold: d(0.02),
		StakingVenue: "lido", WalletVenue: "wallet",
	}
	s, err := New(params, book, provider, mock.NewMockEventLogger(), mock.NewMockLogger())
	require.NoError(t, err)

	orders, err := s.Decide(stratT, nil, nil)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, core.OpStake, orders[0].Operation)
	assert.Equal(t, "lido", orders[0].Venue)
	assert.True(t, d(10).Equal(orders[0].Amount))
}

func TestStakingOnlyMissingOracleFails(t *testing.T) {
	ethKey := core.PositionKey{Venue: "wallet", Type: core.PosBaseToken, Symbol: "ETH"}
	book := newBook(t, []core.PositionKey{ethKey},
		map[core.PositionKey]decimal.Decimal{ethKey: d(10)})

	params := Params{
		Mode: ModeStakingOnly, ShareClass: "ETH", Asset: "ETH", LSTType: "WSTETH",
		Actions: allActions(), DeviationThreshold: d(0.02), StakingVenue: "lido",
	}
	s, err := New(params, book, mock.NewMockDataProvider(), mock.NewMockEventLogger(), mock.NewMockLogger())
	require.NoError(t, err)

	_, err = s.Decide(stratT, nil, nil)
	require.Error(t, err)
}

func basisParams() Params {
	return Params{
		Mode: ModeBasis, ShareClass: "ETH", Asset: "ETH",
		Actions:            allActions(),
		DeviationThreshold: d(0.02),
		HedgeVenues:        []string{"binance"},
		HedgeAllocation:    map[string]decimal.Decimal{"binance": d(1)},
		SpotVenue:          "binance",
		WalletVenue:        "wallet",
	}
}

func basisKeys() []core.PositionKey {
	return []core.PositionKey{
		{Venue: "wallet", Type: core.PosBaseToken, Symbol: "ETH"},
		{Venue: "binance", Type: core.PosPerp, Symbol: "ETH"},
		{Venue: "binance", Type: core.PosSpot, Symbol: "USDT"},
	}
}

func TestBasisShortsSpotHoldings(t *testing.T) {
	ethKey := basisKeys()[0]
	book := newBook(t, basisKeys(), map[core.PositionKey]decimal.Decimal{ethKey: d(10)})

	provider := mock.NewMockDataProvider()
	provider.Set(stratT, "usd_price_eth", d(3000))

	s, err := New(basisParams(), book, provider, mock.NewMockEventLogger(), mock.NewMockLogger())
	require.NoError(t, err)

	orders, err := s.Decide(stratT, nil, nil)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, core.OpPerpTrade, orders[0].Operation)
	assert.Equal(t, core.SideSell, orders[0].Side)
	assert.True(t, d(10).Equal(orders[0].Amount), "short matches the spot holding, got %s", orders[0].Amount)
	assert.Equal(t, core.ActionEntryFull, orders[0].Purpose)
}

func TestBasisHoldsWhenHedged(t *testing.T) {
	keys := basisKeys()
	book := newBook(t, keys, map[core.PositionKey]decimal.Decimal{
		keys[0]: d(10),
		keys[1]: d(-10),
	})

	provider := mock.NewMockDataProvider()
	provider.Set(stratT, "usd_price_eth", d(3000))

	s, err := New(basisParams(), book, provider, mock.NewMockEventLogger(), mock.NewMockLogger())
	require.NoError(t, err)

	orders, err := s.Decide(stratT, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestBasisCriticalRiskUnwindsHedge(t *testing.T) {
	keys := basisKeys()
	book := newBook(t, keys, map[core.PositionKey]decimal.Decimal{
		keys[0]: d(10),
		keys[1]: d(-10),
	})

	provider := mock.NewMockDataProvider()
	provider.Set(stratT, "usd_price_eth", d(3000))

	s, err := New(basisParams(), book, provider, mock.NewMockEventLogger(), mock.NewMockLogger())
	require.NoError(t, err)

	orders, err := s.Decide(stratT, nil, &core.RiskAssessment{Overall: core.RiskCritical})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, core.SideBuy, orders[0].Side, "closing a short buys it back")
	assert.True(t, d(10).Equal(orders[0].Amount))
	assert.True(t, orders[0].Required)
	assert.Equal(t, core.ActionExitFull, orders[0].Purpose)
}

func TestBasisFlowForcesRebalance(t *testing.T) {
	keys := basisKeys()
	book := newBook(t, keys, map[core.PositionKey]decimal.Decimal{
		keys[0]: d(10.1),
		keys[1]: d(-10),
	})

	provider := mock.NewMockDataProvider()
	provider.Set(stratT, "usd_price_eth", d(3000))

	s, err := New(basisParams(), book, provider, mock.NewMockEventLogger(), mock.NewMockLogger())
	require.NoError(t, err)

	// One percent drift alone stays under the threshold.
	orders, err := s.Decide(stratT, nil, nil)
	require.NoError(t, err)
	require.Empty(t, orders)

	s.(*basis).NotifyFlow()
	orders, err = s.Decide(stratT, nil, nil)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, core.SideSell, orders[0].Side)
}

func TestDustSalesPrecedeRebalancing(t *testing.T) {
	keys := append(basisKeys(), core.PositionKey{Venue: "wallet", Type: core.PosBaseToken, Symbol: "LINK"})
	book := newBook(t, keys, map[core.PositionKey]decimal.Decimal{
		keys[0]: d(10),
		keys[3]: d(50),
	})

	provider := mock.NewMockDataProvider()
	provider.Set(stratT, "usd_price_eth", d(3000))

	params := basisParams()
	params.DustDelta = d(1)
	s, err := New(params, book, provider, mock.NewMockEventLogger(), mock.NewMockLogger())
	require.NoError(t, err)

	orders, err := s.Decide(stratT, nil, nil)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, core.ActionSellDust, orders[0].Purpose)
	assert.Equal(t, "LINK/ETH", orders[0].Pair)
	assert.True(t, d(50).Equal(orders[0].Amount))
	assert.Equal(t, core.OpPerpTrade, orders[1].Operation)
}

func TestActionFilterDropsDisallowedOrders(t *testing.T) {
	ethKey := basisKeys()[0]
	book := newBook(t, basisKeys(), map[core.PositionKey]decimal.Decimal{ethKey: d(10)})

	provider := mock.NewMockDataProvider()
	provider.Set(stratT, "usd_price_eth", d(3000))

	params := basisParams()
	params.Actions = map[core.StrategyAction]struct{}{core.ActionExitFull: {}}
	s, err := New(params, book, provider, mock.NewMockEventLogger(), mock.NewMockLogger())
	require.NoError(t, err)

	orders, err := s.Decide(stratT, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, orders, "entry orders are filtered when entry actions are not configured")
}

func marketNeutralParams() Params {
	return Params{
		Mode: ModeMarketNeutral, ShareClass: "USDT", Asset: "ETH", LSTType: "WSTETH",
		Actions:            allActions(),
		TargetLTV:          d(0.7),
		StakeAllocationETH: d(0.8),
		HedgeVenues:        []string{"binance"},
		HedgeAllocation:    map[string]decimal.Decimal{"binance": d(1)},
		DeviationThreshold: d(0.02),
		UseFlashLoan:       true,
		MaxLeverageIters:   10,
		LendingVenue:       "aave",
		StakingVenue:       "lido",
		SpotVenue:          "binance",
		WalletVenue:        "wallet",
	}
}

func marketNeutralKeys() []core.PositionKey {
	return []core.PositionKey{
		{Venue: "wallet", Type: core.PosSpot, Symbol: "USDT"},
		{Venue: "wallet", Type: core.PosBaseToken, Symbol: "ETH"},
		{Venue: "aave", Type: core.PosAToken, Symbol: "WSTETH"},
		{Venue: "aave", Type: core.PosDebtToken, Symbol: "ETH"},
		{Venue: "binance", Type: core.PosPerp, Symbol: "ETH"},
		{Venue: "binance", Type: core.PosSpot, Symbol: "USDT"},
	}
}

func TestMarketNeutralEntryBatchesHedgeFirst(t *testing.T) {
	keys := marketNeutralKeys()
	book := newBook(t, keys, map[core.PositionKey]decimal.Decimal{keys[0]: d(30000)})

	provider := mock.NewMockDataProvider()
	provider.Set(stratT, "usd_price_eth", d(3000))
	provider.Set(stratT, "lst_oracle_wsteth", d(1.15))

	s, err := New(marketNeutralParams(), book, provider, mock.NewMockEventLogger(), mock.NewMockLogger())
	require.NoError(t, err)

	exposure := &core.ExposureReport{TotalValue: d(30000)}
	orders, err := s.Decide(stratT, exposure, nil)
	require.NoError(t, err)
	require.Len(t, orders, 4)

	// Hedge short is placed before any capital moves on-chain.
	assert.Equal(t, core.OpPerpTrade, orders[0].Operation)
	assert.Equal(t, core.SideSell, orders[0].Side)
	// Target short notional = 30000 * 0.8 * 0.7/0.3, in ETH at 3000.
	wantShort := d(24000).Mul(d(0.7).Div(d(0.3))).Div(d(3000))
	assert.True(t, wantShort.Equal(orders[0].Amount), "got %s", orders[0].Amount)

	// Margin funding transfer for the non-staked portion.
	assert.Equal(t, core.OpTransfer, orders[1].Operation)
	assert.Equal(t, "binance", orders[1].Venue)
	assert.True(t, d(6000).Equal(orders[1].Amount))

	// Base ETH purchase: (supply - debt) / price = 24000 / 3000.
	assert.Equal(t, core.OpSpotTrade, orders[2].Operation)
	assert.Equal(t, core.SideBuy, orders[2].Side)
	assert.True(t, d(8).Equal(orders[2].Amount), "got %s", orders[2].Amount)

	// The leverage loop collapses into one atomic flash bundle.
	flash := orders[3]
	assert.Equal(t, core.OpFlashAtomic, flash.Operation)
	assert.True(t, flash.Required)
	require.Len(t, flash.Legs, 6)
	assert.Equal(t, "true", flash.Legs[1].Metadata["flash"])
	assert.Equal(t, "true", flash.Legs[5].Metadata["flash"])
}

func TestMarketNeutralInfeasibleStakeAllocation(t *testing.T) {
	keys := marketNeutralKeys()
	book := newBook(t, keys, map[core.PositionKey]decimal.Decimal{keys[0]: d(30000)})

	provider := mock.NewMockDataProvider()
	provider.Set(stratT, "usd_price_eth", d(3000))

	events := mock.NewMockEventLogger()
	params := marketNeutralParams()
	params.StakeAllocationETH = d(1)
	s, err := New(params, book, provider, events, mock.NewMockLogger())
	require.NoError(t, err)

	orders, err := s.Decide(stratT, &core.ExposureReport{TotalValue: d(30000)}, nil)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Len(t, events.OfType("STRATEGY_INFEASIBLE"), 1)
}

func TestLeveragedStakingSequentialLoop(t *testing.T) {
	ethKey := core.PositionKey{Venue: "wallet", Type: core.PosBaseToken, Symbol: "ETH"}
	lstAKey := core.PositionKey{Venue: "aave", Type: core.PosAToken, Symbol: "WSTETH"}
	debtKey := core.PositionKey{Venue: "aave", Type: core.PosDebtToken, Symbol: "ETH"}
	book := newBook(t, []core.PositionKey{ethKey, lstAKey, debtKey},
		map[core.PositionKey]decimal.Decimal{ethKey: d(10)})

	provider := mock.NewMockDataProvider()
	provider.Set(stratT, "lst_oracle_wsteth", d(1))

	params := Params{
		Mode: ModeLeveragedStaking, ShareClass: "ETH", Asset: "ETH", LSTType: "WSTETH",
		Actions:            allActions(),
		TargetLTV:          d(0.6),
		DeviationThreshold: d(0.02),
		UseFlashLoan:       false,
		MaxLeverageIters:   10,
		LendingVenue:       "aave",
		StakingVenue:       "lido",
		WalletVenue:        "wallet",
	}
	s, err := New(params, book, provider, mock.NewMockEventLogger(), mock.NewMockLogger())
	require.NoError(t, err)

	orders, err := s.Decide(stratT, nil, nil)
	require.NoError(t, err)

	// L = 0.6/0.4 = 1.5: supply 15 ETH, debt 5 ETH from 10 ETH equity.
	// Round one stakes 10 and borrows 5; round two stakes the borrowed 5 and
	// stops once the debt target is met.
	counts := opCounts(orders)
	assert.Equal(t, 2, counts[core.OpStake])
	assert.Equal(t, 2, counts[core.OpSupply])
	assert.Equal(t, 1, counts[core.OpBorrow])

	var borrowed decimal.Decimal
	for _, o := range orders {
		if o.Operation == core.OpBorrow {
			borrowed = borrowed.Add(o.Amount)
		}
	}
	assert.True(t, d(5).Equal(borrowed), "total borrow matches the debt target, got %s", borrowed)
}

func TestLeveragedStakingNonPositiveEquity(t *testing.T) {
	ethKey := core.PositionKey{Venue: "wallet", Type: core.PosBaseToken, Symbol: "ETH"}
	lstAKey := core.PositionKey{Venue: "aave", Type: core.PosAToken, Symbol: "WSTETH"}
	debtKey := core.PositionKey{Venue: "aave", Type: core.PosDebtToken, Symbol: "ETH"}
	book := newBook(t, []core.PositionKey{ethKey, lstAKey, debtKey},
		map[core.PositionKey]decimal.Decimal{
			lstAKey: d(1),
			debtKey: d(3),
		})

	provider := mock.NewMockDataProvider()
	provider.Set(stratT, "lst_oracle_wsteth", d(1))

	events := mock.NewMockEventLogger()
	params := Params{
		Mode: ModeLeveragedStaking, ShareClass: "ETH", Asset: "ETH", LSTType: "WSTETH",
		Actions:            allActions(),
		TargetLTV:          d(0.6),
		DeviationThreshold: d(0.02),
		MaxLeverageIters:   10,
		LendingVenue:       "aave",
		StakingVenue:       "lido",
		WalletVenue:        "wallet",
	}
	s, err := New(params, book, provider, events, mock.NewMockLogger())
	require.NoError(t, err)

	orders, err := s.Decide(stratT, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Len(t, events.OfType("STRATEGY_INFEASIBLE"), 1)
}
