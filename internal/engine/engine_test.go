package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"basis_engine/internal/config"
	"basis_engine/internal/core"
	"basis_engine/internal/execution"
	"basis_engine/internal/exposure"
	"basis_engine/internal/health"
	"basis_engine/internal/mock"
	"basis_engine/internal/pnl"
	"basis_engine/internal/position"
	"basis_engine/internal/risk"
	"basis_engine/internal/strategy"
	"basis_engine/internal/venue"
	apperrors "basis_engine/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// fixture wires real components over a mock data provider and simulated
// venues: a basis book shorting its wallet ETH on a perp venue.
type fixture struct {
	engine  *Engine
	events  *mock.MockEventLogger
	results *mock.MockResultsStore
	book    *position.Monitor
	steps   []time.Time
}

func newBacktestFixture(t *testing.T, supportedOps []string) *fixture {
	t.Helper()

	t0 := time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)
	steps := []time.Time{t0, t0.Add(time.Hour), t0.Add(2 * time.Hour)}

	provider := mock.NewMockDataProvider()
	for i, ts := range steps {
		price := d(3000)
		if i == 2 {
			price = d(3100)
		}
		provider.Set(ts, "usd_price_eth", price)
		provider.Set(ts, "spot_price_eth", price)
		provider.Set(ts, "usd_price_usdt", d(1))
	}
	// The second step lands on an 8h funding boundary.
	provider.Set(steps[1], "funding_rate_binance", d(0.0001))

	logger := mock.NewMockLogger()
	events := mock.NewMockEventLogger()
	results := mock.NewMockResultsStore()
	healthMon := health.NewMonitor(logger)

	ethKey := core.PositionKey{Venue: "wallet", Type: core.PosBaseToken, Symbol: "ETH"}
	perpKey := core.PositionKey{Venue: "binance", Type: core.PosPerp, Symbol: "ETH"}
	cashKey := core.PositionKey{Venue: "binance", Type: core.PosSpot, Symbol: "USDT"}

	settle := position.NewSettlementEngine(provider, "", "USDT", logger)
	book := position.NewMonitor(position.MonitorConfig{
		Mode:          core.ModeBacktest,
		Subscriptions: []core.PositionKey{ethKey, perpKey, cashKey},
	}, settle, nil, events, logger)

	exposureMon := exposure.NewMonitor(exposure.Config{
		ShareClass:  "ETH",
		TrackAssets: []string{"ETH", "USDT"},
		ConversionMethods: map[string]exposure.ConversionMethod{
			"ETH":  exposure.ConvUSDPrice,
			"USDT": exposure.ConvUSDPrice,
		},
		Mode: core.ModeBacktest,
	}, book, provider, events, logger)

	riskMon := risk.NewMonitor(risk.Config{
		EnabledRiskTypes: []core.RiskType{core.RiskDeltaDrift},
		Limits:           map[string]decimal.Decimal{"delta_drift_warn": d(0.02)},
		ShareClass:       "ETH",
		HedgeVenues:      []string{"binance"},
	}, book, provider, events, logger)

	calc := pnl.NewCalculator(pnl.Config{
		ShareClass:              "ETH",
		AttributionTypes:        []core.AttributionType{core.AttrFundingPnL, core.AttrTransactionCosts},
		ReconciliationTolerance: d(0.01),
		InitialCapital:          d(10),
	}, provider, book, exposureMon, events, logger)

	params := strategy.Params{
		Mode: strategy.ModeBasis, ShareClass: "ETH", Asset: "ETH",
		Actions: map[core.StrategyAction]struct{}{
			core.ActionEntryFull: {}, core.ActionEntryPartial: {},
			core.ActionExitPartial: {}, core.ActionExitFull: {},
		},
		DeviationThreshold: d(0.02),
		HedgeVenues:        []string{"binance"},
		HedgeAllocation:    map[string]decimal.Decimal{"binance": d(1)},
		SpotVenue:          "binance",
		WalletVenue:        "wallet",
	}
	strat, err := strategy.New(params, book, provider, events, logger)
	require.NoError(t, err)

	binance := venue.NewSimulated(venue.SimulatedConfig{
		Name:       "binance",
		Kind:       "perp",
		Operations: []string{"spot_trade", "perp_trade"},
	}, provider, logger)
	wallet := venue.NewSimulated(venue.SimulatedConfig{
		Name:       "wallet",
		Kind:       "wallet",
		Operations: []string{"transfer"},
	}, provider, logger)
	venues := mock.NewMockVenueManager(binance, wallet)

	handler := position.NewUpdateHandler(core.ModeBacktest, book, exposureMon, riskMon, calc, events, nil, logger)
	exec := execution.NewManager(core.ModeBacktest, config.ExecutionManagerConfig{
		SupportedOperations: supportedOps,
	}, venues, handler, events, healthMon, logger)

	eng := New(Components{
		RequestID:      "req-test",
		Mode:           core.ModeBacktest,
		ShareClass:     "ETH",
		InitialCapital: d(10),
		InitialDeltas: []core.Delta{
			{Key: ethKey, Amount: d(10), Source: core.SourceInitial},
		},
		StartDate: steps[0],
		EndDate:   steps[len(steps)-1],
		Clock:     mock.NewMockClock(t0),
		Provider:  provider,
		Positions: book,
		Exposure:  exposureMon,
		Risk:      riskMon,
		PnL:       calc,
		Strategy:  strat,
		Execution: exec,
		Events:    events,
		Results:   results,
		Health:    healthMon,
		Attribute: calc.CumulativeAttribution,
	}, logger)

	return &fixture{engine: eng, events: events, results: results, book: book, steps: steps}
}

func TestBacktestRunsFullLoop(t *testing.T) {
	f := newBacktestFixture(t, []string{"spot_trade", "perp_trade"})

	err := f.engine.RunBacktest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, f.engine.Status())

	// One result row per timestep, in order.
	require.Len(t, f.results.Rows, len(f.steps))
	for i, row := range f.results.Rows {
		assert.Equal(t, f.steps[i], row.Timestamp)
	}
	require.NotNil(t, f.results.Summary)
	assert.Empty(t, f.results.Summary.Error)

	// The initial deposit forced a first-step entry: the wallet ETH is
	// hedged with a matching perp short.
	snap := f.book.Current()
	perpKey := core.PositionKey{Venue: "binance", Type: core.PosPerp, Symbol: "ETH"}
	assert.True(t, d(-10).Equal(snap.Simulated.Get(perpKey)), "got %s", snap.Simulated.Get(perpKey))

	assert.NotEmpty(t, f.events.OfType("ORDER_EXECUTED"))
	assert.NotEmpty(t, f.events.OfType("RECONCILE_OK"))
	assert.Equal(t, f.steps, f.events.Advances, "every timestep advances the event sequence")

	// The run drains and closes its writers before returning.
	assert.True(t, f.events.Closed)
	assert.True(t, f.results.Closed)
}

func TestBacktestSettlesFundingAcrossBoundary(t *testing.T) {
	f := newBacktestFixture(t, []string{"spot_trade", "perp_trade"})

	require.NoError(t, f.engine.RunBacktest(context.Background()))

	// The short earns 10 * 3000 * 0.0001 at the 08:00 boundary.
	cashKey := core.PositionKey{Venue: "binance", Type: core.PosSpot, Symbol: "USDT"}
	snap := f.book.Current()
	assert.True(t, d(3).Equal(snap.Simulated.Get(cashKey)), "got %s", snap.Simulated.Get(cashKey))
	assert.Len(t, f.events.OfType("SETTLEMENT"), 1)
}

func TestBacktestSystemFailureTerminatesRun(t *testing.T) {
	// The strategy emits perp trades the execution config does not allow.
	f := newBacktestFixture(t, []string{"spot_trade"})

	err := f.engine.RunBacktest(context.Background())
	var sysErr *apperrors.SystemFailureError
	require.ErrorAs(t, err, &sysErr)
	assert.Equal(t, core.StatusFailed, f.engine.Status())

	// Partial results are still finalized with the error recorded.
	require.NotNil(t, f.results.Summary)
	assert.NotEmpty(t, f.results.Summary.Error)
	assert.Len(t, f.events.OfType("SYSTEM_FAILURE"), 1)
}

func TestBacktestCancellation(t *testing.T) {
	f := newBacktestFixture(t, []string{"spot_trade", "perp_trade"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.engine.RunBacktest(ctx)
	require.ErrorIs(t, err, apperrors.ErrRequestCancelled)
	assert.Equal(t, core.StatusCancelled, f.engine.Status())
}

func TestBacktestStopFlag(t *testing.T) {
	f := newBacktestFixture(t, []string{"spot_trade", "perp_trade"})
	f.engine.Stop()

	err := f.engine.RunBacktest(context.Background())
	require.ErrorIs(t, err, apperrors.ErrRequestCancelled)
	assert.Equal(t, core.StatusCancelled, f.engine.Status())
}

func TestLiveStopReportsCancelled(t *testing.T) {
	f := newBacktestFixture(t, []string{"spot_trade", "perp_trade"})
	f.engine.c.TickInterval = time.Millisecond
	f.engine.Stop()

	err := f.engine.RunLive(context.Background())
	require.NoError(t, err, "an operator stop ends the session cleanly")
	assert.Equal(t, core.StatusCancelled, f.engine.Status())

	// Partial results are finalized and the writers closed.
	require.NotNil(t, f.results.Summary)
	assert.True(t, f.events.Closed)
	assert.True(t, f.results.Closed)
}

func TestBacktestNoCoveredTimestamps(t *testing.T) {
	f := newBacktestFixture(t, []string{"spot_trade", "perp_trade"})
	f.engine.c.StartDate = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	f.engine.c.EndDate = time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC)

	err := f.engine.RunBacktest(context.Background())
	require.Error(t, err)
	assert.Equal(t, core.StatusFailed, f.engine.Status())
	assert.True(t, errors.Is(err, apperrors.ErrDataUnavailable))
}
