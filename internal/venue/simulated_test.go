package venue

import (
	"context"
	"testing"
	"time"

	"basis_engine/internal/core"
	"basis_engine/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var simT = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func testProvider() *mock.MockDataProvider {
	p := mock.NewMockDataProvider()
	p.Set(simT, "usd_price_eth", d(3000))
	p.Set(simT, "spot_price_eth", d(3000))
	p.Set(simT, "lst_oracle_wsteth", d(1.15))
	p.Set(simT, "aave_supply_index_wsteth", d(1.05))
	p.Set(simT, "aave_borrow_index_eth", d(1.02))
	return p
}

func newSim(name, kind string, ops []string, feeRate float64) *Simulated {
	return NewSimulated(SimulatedConfig{
		Name:        name,
		Kind:        kind,
		FeeRate:     d(feeRate),
		WalletVenue: "wallet",
		Operations:  ops,
	}, testProvider(), mock.NewMockLogger())
}

func TestSimulatedSpotTrade(t *testing.T) {
	v := newSim("binance", "perp", []string{"spot_trade"}, 0.001)

	hs, err := v.Execute(context.Background(), simT, core.Order{
		Venue:     "binance",
		Operation: core.OpSpotTrade,
		Pair:      "ETH/USDT",
		Side:      core.SideBuy,
		Amount:    d(2),
		OrderType: core.TypeMarket,
	})
	require.NoError(t, err)
	require.Equal(t, core.ExecExecuted, hs.Status)

	base := core.PositionKey{Venue: "binance", Type: core.PosSpot, Symbol: "ETH"}
	quote := core.PositionKey{Venue: "binance", Type: core.PosSpot, Symbol: "USDT"}
	assert.True(t, d(2).Equal(hs.PositionDeltas[base]))
	assert.True(t, d(-6000).Equal(hs.PositionDeltas[quote]))
	assert.True(t, d(6).Equal(hs.FeeAmount), "0.1%% of 6000 notional, got %s", hs.FeeAmount)
	assert.Equal(t, "USDT", hs.FeeCurrency)
	assert.NotEmpty(t, hs.TradeID)

	// The venue book reflects the fill for later queries.
	book, err := v.QueryPositions(context.Background(), []core.PositionKey{base})
	require.NoError(t, err)
	assert.True(t, d(2).Equal(book[base]))
}

func TestSimulatedFeeDebitsVenueCash(t *testing.T) {
	v := newSim("binance", "perp", []string{"spot_trade"}, 0.001)

	_, err := v.Execute(context.Background(), simT, core.Order{
		Venue:     "binance",
		Operation: core.OpSpotTrade,
		Pair:      "ETH/USDT",
		Side:      core.SideBuy,
		Amount:    d(2),
	})
	require.NoError(t, err)

	// -6000 notional and -6 fee: the venue book matches the monitor's
	// fee-debited cash.
	quote := core.PositionKey{Venue: "binance", Type: core.PosSpot, Symbol: "USDT"}
	book, err := v.QueryPositions(context.Background(), []core.PositionKey{quote})
	require.NoError(t, err)
	assert.True(t, d(-6006).Equal(book[quote]), "got %s", book[quote])
}

func TestSimulatedPerpTradeSignsShort(t *testing.T) {
	v := newSim("binance", "perp", []string{"perp_trade"}, 0.0004)

	hs, err := v.Execute(context.Background(), simT, core.Order{
		Venue:     "binance",
		Operation: core.OpPerpTrade,
		Pair:      "ETH/USDT",
		Side:      core.SideSell,
		Amount:    d(5),
	})
	require.NoError(t, err)
	require.Equal(t, core.ExecExecuted, hs.Status)

	perp := core.PositionKey{Venue: "binance", Type: core.PosPerp, Symbol: "ETH"}
	assert.True(t, d(-5).Equal(hs.PositionDeltas[perp]))
	assert.True(t, d(6).Equal(hs.FeeAmount), "0.04%% of 15000 notional")
}

func TestSimulatedSupplyAndWithdrawScaleByIndex(t *testing.T) {
	v := newSim("aave", "lending", []string{"supply", "withdraw"}, 0)

	hs, err := v.Execute(context.Background(), simT, core.Order{
		Venue:     "aave",
		Operation: core.OpSupply,
		Pair:      "WSTETH",
		Amount:    d(10.5),
	})
	require.NoError(t, err)
	require.Equal(t, core.ExecExecuted, hs.Status)

	wallet := core.PositionKey{Venue: "wallet", Type: core.PosBaseToken, Symbol: "WSTETH"}
	aToken := core.PositionKey{Venue: "aave", Type: core.PosAToken, Symbol: "WSTETH"}
	assert.True(t, d(-10.5).Equal(hs.PositionDeltas[wallet]))
	// aToken balances are scaled units: amount / supply index.
	assert.True(t, d(10).Equal(hs.PositionDeltas[aToken]), "got %s", hs.PositionDeltas[aToken])

	hs, err = v.Execute(context.Background(), simT, core.Order{
		Venue:     "aave",
		Operation: core.OpWithdraw,
		Pair:      "WSTETH",
		Amount:    d(10.5),
	})
	require.NoError(t, err)
	assert.True(t, d(10.5).Equal(hs.PositionDeltas[wallet]))
	assert.True(t, d(-10).Equal(hs.PositionDeltas[aToken]))

	// Round trip leaves the book flat.
	book, err := v.QueryPositions(context.Background(), []core.PositionKey{aToken})
	require.NoError(t, err)
	assert.True(t, book[aToken].IsZero())
}

func TestSimulatedBorrowAndRepay(t *testing.T) {
	v := newSim("aave", "lending", []string{"borrow", "repay"}, 0)

	hs, err := v.Execute(context.Background(), simT, core.Order{
		Venue:     "aave",
		Operation: core.OpBorrow,
		Pair:      "ETH",
		Amount:    d(5.1),
	})
	require.NoError(t, err)

	wallet := core.PositionKey{Venue: "wallet", Type: core.PosBaseToken, Symbol: "ETH"}
	debt := core.PositionKey{Venue: "aave", Type: core.PosDebtToken, Symbol: "ETH"}
	assert.True(t, d(5.1).Equal(hs.PositionDeltas[wallet]))
	assert.True(t, d(5).Equal(hs.PositionDeltas[debt]), "debt scaled by borrow index")

	hs, err = v.Execute(context.Background(), simT, core.Order{
		Venue:     "aave",
		Operation: core.OpRepay,
		Pair:      "ETH",
		Amount:    d(5.1),
	})
	require.NoError(t, err)
	assert.True(t, d(-5.1).Equal(hs.PositionDeltas[wallet]))
	assert.True(t, d(-5).Equal(hs.PositionDeltas[debt]))
}

func TestSimulatedStakeUnstakeViaOracle(t *testing.T) {
	v := newSim("lido", "staking", []string{"stake", "unstake"}, 0)

	hs, err := v.Execute(context.Background(), simT, core.Order{
		Venue:     "lido",
		Operation: core.OpStake,
		Pair:      "ETH/WSTETH",
		Amount:    d(11.5),
	})
	require.NoError(t, err)

	eth := core.PositionKey{Venue: "wallet", Type: core.PosBaseToken, Symbol: "ETH"}
	lst := core.PositionKey{Venue: "wallet", Type: core.PosBaseToken, Symbol: "WSTETH"}
	assert.True(t, d(-11.5).Equal(hs.PositionDeltas[eth]))
	assert.True(t, d(10).Equal(hs.PositionDeltas[lst]), "11.5 ETH at 1.15 oracle")

	hs, err = v.Execute(context.Background(), simT, core.Order{
		Venue:     "lido",
		Operation: core.OpUnstake,
		Pair:      "WSTETH/ETH",
		Amount:    d(10),
	})
	require.NoError(t, err)
	assert.True(t, d(-10).Equal(hs.PositionDeltas[lst]))
	assert.True(t, d(11.5).Equal(hs.PositionDeltas[eth]))
}

func TestSimulatedTransferTyping(t *testing.T) {
	// Wallet-to-CEX: BaseToken leaves the wallet, Spot arrives at the CEX.
	v := newSim("binance", "perp", []string{"transfer"}, 0)

	hs, err := v.Execute(context.Background(), simT, core.Order{
		Venue:     "binance",
		Operation: core.OpTransfer,
		Pair:      "USDT",
		Amount:    d(1000),
	})
	require.NoError(t, err)

	from := core.PositionKey{Venue: "wallet", Type: core.PosBaseToken, Symbol: "USDT"}
	to := core.PositionKey{Venue: "binance", Type: core.PosSpot, Symbol: "USDT"}
	assert.True(t, d(-1000).Equal(hs.PositionDeltas[from]))
	assert.True(t, d(1000).Equal(hs.PositionDeltas[to]))
}

func TestSimulatedFlashAtomicBundle(t *testing.T) {
	v := newSim("aave", "lending", []string{"supply", "borrow", "flash_atomic"}, 0)

	bundle := core.Order{
		Venue:     "aave",
		Operation: core.OpFlashAtomic,
		Amount:    d(10),
		Legs: []core.Order{
			{Operation: core.OpTransfer, Pair: "ETH", Amount: d(10)},
			{Operation: core.OpBorrow, Pair: "ETH", Amount: d(20), Metadata: map[string]string{"flash": "true"}},
			{Operation: core.OpSupply, Pair: "WSTETH", Amount: d(10.5)},
			{Operation: core.OpBorrow, Pair: "ETH", Amount: d(5.1)},
			{Operation: core.OpRepay, Pair: "ETH", Amount: d(20), Metadata: map[string]string{"flash": "true"}},
		},
	}
	hs, err := v.Execute(context.Background(), simT, bundle)
	require.NoError(t, err)
	require.Equal(t, core.ExecExecuted, hs.Status)

	// Flash-tagged legs and transfers net to nothing inside the bundle.
	aToken := core.PositionKey{Venue: "aave", Type: core.PosAToken, Symbol: "WSTETH"}
	debt := core.PositionKey{Venue: "aave", Type: core.PosDebtToken, Symbol: "ETH"}
	wstWallet := core.PositionKey{Venue: "wallet", Type: core.PosBaseToken, Symbol: "WSTETH"}
	assert.True(t, d(10).Equal(hs.PositionDeltas[aToken]))
	assert.True(t, d(5).Equal(hs.PositionDeltas[debt]))
	assert.True(t, d(-10.5).Equal(hs.PositionDeltas[wstWallet]))

	ethWallet := core.PositionKey{Venue: "wallet", Type: core.PosBaseToken, Symbol: "ETH"}
	assert.True(t, d(5.1).Equal(hs.PositionDeltas[ethWallet]), "only the real borrow reaches the wallet")
}

func TestSimulatedFlashAtomicFailsWhole(t *testing.T) {
	v := newSim("aave", "lending", []string{"supply", "stake", "flash_atomic"}, 0)

	bundle := core.Order{
		Venue:     "aave",
		Operation: core.OpFlashAtomic,
		Amount:    d(10),
		Legs: []core.Order{
			{Operation: core.OpSupply, Pair: "WSTETH", Amount: d(10)},
			{Operation: core.OpStake, Pair: "ETH/RETH", Amount: d(5)}, // no oracle for RETH
		},
	}
	hs, err := v.Execute(context.Background(), simT, bundle)
	require.NoError(t, err)
	assert.Equal(t, core.ExecFailed, hs.Status)
	assert.Equal(t, "atomic_leg_failed", hs.ErrorCode)

	// No position effect from the failed bundle.
	aToken := core.PositionKey{Venue: "aave", Type: core.PosAToken, Symbol: "WSTETH"}
	book, err := v.QueryPositions(context.Background(), []core.PositionKey{aToken})
	require.NoError(t, err)
	assert.True(t, book[aToken].IsZero())
}

func TestSimulatedUnsupportedOperation(t *testing.T) {
	v := newSim("lido", "staking", []string{"stake"}, 0)

	hs, err := v.Execute(context.Background(), simT, core.Order{
		Venue:     "lido",
		Operation: core.OpPerpTrade,
		Pair:      "ETH/USDT",
		Amount:    d(1),
	})
	require.NoError(t, err)
	assert.Equal(t, core.ExecFailed, hs.Status)
	assert.Equal(t, "unsupported_operation", hs.ErrorCode)
}

func TestSimulatedQueryMarket(t *testing.T) {
	v := newSim("binance", "perp", []string{"perp_trade"}, 0)

	_, err := v.QueryMarket(context.Background(), []string{"usd_price_eth"})
	assert.Error(t, err, "no reference time before the first execution")

	_, err = v.Execute(context.Background(), simT, core.Order{
		Venue:     "binance",
		Operation: core.OpPerpTrade,
		Pair:      "ETH/USDT",
		Side:      core.SideBuy,
		Amount:    d(1),
	})
	require.NoError(t, err)

	values, err := v.QueryMarket(context.Background(), []string{"usd_price_eth", "unknown_kind"})
	require.NoError(t, err)
	assert.True(t, d(3000).Equal(values["usd_price_eth"]))
	_, ok := values["unknown_kind"]
	assert.False(t, ok)
}
