package position

import (
	"context"
	"errors"
	"testing"

	"basis_engine/internal/core"
	"basis_engine/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBacktestHandler(t *testing.T) (*UpdateHandler, *Monitor, *mock.MockExposureMonitor, *mock.MockRiskMonitor, *mock.MockPnLCalculator, *mock.MockEventLogger) {
	t.Helper()
	monitor, _, _ := newBacktestMonitor(t, false)
	require.NoError(t, monitor.Initialize(monT, []core.Delta{initialDelta(100)}))

	exposure := mock.NewMockExposureMonitor()
	risk := mock.NewMockRiskMonitor()
	pnl := mock.NewMockPnLCalculator()
	events := mock.NewMockEventLogger()
	h := NewUpdateHandler(core.ModeBacktest, monitor, exposure, risk, pnl, events, nil, mock.NewMockLogger())
	return h, monitor, exposure, risk, pnl, events
}

func tradeHandshake() *core.ExecutionHandshake {
	price := d(3000)
	return &core.ExecutionHandshake{
		Order: core.Order{
			Venue:     "binance",
			Operation: core.OpPerpTrade,
			Pair:      "ETH/USDT",
			Side:      core.SideSell,
			Amount:    d(10),
		},
		Status:         core.ExecExecuted,
		ExecutedAmount: d(10),
		ExecutedPrice:  &price,
		PositionDeltas: map[core.PositionKey]decimal.Decimal{
			perpKey: d(-10),
		},
		FeeAmount:   d(12),
		FeeCurrency: "USDT",
		TradeID:     "trade-1",
	}
}

func TestReconcileAppliesDeltasAndRunsDownstream(t *testing.T) {
	h, monitor, exposure, risk, pnl, events := newBacktestHandler(t)

	result, err := h.Reconcile(context.Background(), monT, tradeHandshake())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.Mismatches)

	snap := monitor.Current()
	assert.True(t, d(-10).Equal(snap.Simulated.Get(perpKey)))
	// The handshake fee becomes a negative cash delta on the venue.
	assert.True(t, d(-12).Equal(snap.Simulated.Get(cashKey)))

	// Downstream chain ran exactly once, at the execution timestamp.
	require.Len(t, exposure.Computes, 1)
	require.Len(t, risk.Assesses, 1)
	require.Len(t, pnl.Updates, 1)
	assert.True(t, exposure.Computes[0].Equal(monT))
	assert.Len(t, events.OfType("RECONCILE_OK"), 1)

	// The fee delta carries the fee marker in the journal.
	journal := monitor.Journal()
	var feeDeltas int
	for _, delta := range journal {
		if delta.Fee != nil {
			feeDeltas++
			assert.True(t, d(12).Equal(*delta.Fee))
		}
	}
	assert.Equal(t, 1, feeDeltas)
}

func TestReconcileSkipsZeroDeltas(t *testing.T) {
	h, monitor, _, _, _, _ := newBacktestHandler(t)

	hs := tradeHandshake()
	hs.PositionDeltas[cashKey] = decimal.Zero

	_, err := h.Reconcile(context.Background(), monT, hs)
	require.NoError(t, err)

	for _, delta := range monitor.Journal() {
		if delta.Source == core.SourceTrade {
			assert.False(t, delta.Amount.IsZero())
		}
	}
}

func TestReconcileMismatchInLive(t *testing.T) {
	wallet := mock.NewMockVenue("wallet")
	binance := mock.NewMockVenue("binance")
	// The venue reports a fill the simulated book does not expect.
	binance.Positions[perpKey] = d(-7)

	monitor := NewMonitor(MonitorConfig{
		Mode:          core.ModeLive,
		Subscriptions: allKeys,
	}, nil, mock.NewMockVenueManager(wallet, binance), mock.NewMockEventLogger(), mock.NewMockLogger())

	events := mock.NewMockEventLogger()
	tolerances := map[core.PositionType]decimal.Decimal{core.PosPerp: d(0.0001), core.PosSpot: d(100)}
	h := NewUpdateHandler(core.ModeLive, monitor,
		mock.NewMockExposureMonitor(), mock.NewMockRiskMonitor(), mock.NewMockPnLCalculator(),
		events, tolerances, mock.NewMockLogger())

	result, err := h.Reconcile(context.Background(), monT, tradeHandshake())
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.Len(t, result.Mismatches, 1)
	assert.Equal(t, perpKey, result.Mismatches[0].Key)
	assert.True(t, d(3).Equal(result.Mismatches[0].Diff))
	assert.Len(t, events.OfType("RECONCILE_MISMATCH"), 1)
	assert.Empty(t, events.OfType("RECONCILE_OK"))
}

func TestReconcileWithinToleranceInLive(t *testing.T) {
	wallet := mock.NewMockVenue("wallet")
	binance := mock.NewMockVenue("binance")
	binance.Positions[perpKey] = d(-10.00005)
	binance.Positions[cashKey] = d(-12)

	monitor := NewMonitor(MonitorConfig{
		Mode:          core.ModeLive,
		Subscriptions: allKeys,
	}, nil, mock.NewMockVenueManager(wallet, binance), mock.NewMockEventLogger(), mock.NewMockLogger())

	tolerances := map[core.PositionType]decimal.Decimal{core.PosPerp: d(0.001), core.PosSpot: d(0.01)}
	h := NewUpdateHandler(core.ModeLive, monitor,
		mock.NewMockExposureMonitor(), mock.NewMockRiskMonitor(), mock.NewMockPnLCalculator(),
		mock.NewMockEventLogger(), tolerances, mock.NewMockLogger())

	result, err := h.Reconcile(context.Background(), monT, tradeHandshake())
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestReconcileDownstreamErrorPropagates(t *testing.T) {
	h, _, exposure, _, _, _ := newBacktestHandler(t)
	exposure.Err = errors.New("missing conversion datum")

	_, err := h.Reconcile(context.Background(), monT, tradeHandshake())
	require.Error(t, err)
}

func TestReconcileUnknownKeyErrors(t *testing.T) {
	h, _, _, _, _, _ := newBacktestHandler(t)

	hs := tradeHandshake()
	hs.PositionDeltas = map[core.PositionKey]decimal.Decimal{
		{Venue: "okx", Type: core.PosSpot, Symbol: "BTC"}: d(1),
	}
	_, err := h.Reconcile(context.Background(), monT, hs)
	require.Error(t, err)
}
