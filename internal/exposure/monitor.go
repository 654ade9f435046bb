// Package exposure converts position maps into share-class-denominated
// exposures and net deltas.
package exposure

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"basis_engine/internal/core"
	"basis_engine/internal/data"

	"github.com/shopspring/decimal"
)

// ConversionMethod enumerates the ways a tracked asset converts into the
// share class.
type ConversionMethod string

const (
	ConvDirect        ConversionMethod = "direct"
	ConvUSDPrice      ConversionMethod = "usd_price"
	ConvAaveLiquidity ConversionMethod = "aave_liquidity_index"
	ConvAaveBorrow    ConversionMethod = "aave_borrow_index"
	ConvLSTOracle     ConversionMethod = "lst_oracle"
)

// Config configures the exposure monitor from the mode's component config.
type Config struct {
	ShareClass        string
	TrackAssets       []string
	ConversionMethods map[string]ConversionMethod
	OnChainAssets     []string
	LSTType           string
	Mode              core.ExecutionMode
}

// Monitor computes exposures from the position monitor's simulated state and
// the market snapshot at the current timestep.
type Monitor struct {
	cfg       Config
	positions core.IPositionMonitor
	provider  core.IDataProvider
	events    core.IEventLogger
	logger    core.ILogger

	onChain map[string]struct{}

	mu         sync.RWMutex
	last       *core.ExposureReport
	lastValues map[string]decimal.Decimal
}

// NewMonitor builds the exposure monitor.
func NewMonitor(cfg Config, positions core.IPositionMonitor, provider core.IDataProvider, events core.IEventLogger, logger core.ILogger) *Monitor {
	onChain := make(map[string]struct{}, len(cfg.OnChainAssets))
	for _, a := range cfg.OnChainAssets {
		onChain[a] = struct{}{}
	}
	return &Monitor{
		cfg:        cfg,
		positions:  positions,
		provider:   provider,
		events:     events,
		logger:     logger.WithField("component", "exposure_monitor"),
		onChain:    onChain,
		lastValues: make(map[string]decimal.Decimal),
	}
}

// Compute produces the exposure report at t.
func (m *Monitor) Compute(t time.Time) (*core.ExposureReport, error) {
	snap, err := m.provider.Get(t)
	if err != nil {
		return nil, err
	}
	positions := m.positions.Current().Simulated

	report := &core.ExposureReport{
		At:      t,
		ByAsset: make(map[string]core.AssetExposure, len(m.cfg.TrackAssets)),
	}

	for _, asset := range m.cfg.TrackAssets {
		method := m.cfg.ConversionMethods[asset]
		exp, err := m.convert(t, asset, method, positions, snap)
		if err != nil {
			return nil, err
		}
		report.ByAsset[asset] = exp

		if exp.InShareClass.IsPositive() {
			report.TotalLong = report.TotalLong.Add(exp.InShareClass)
		} else {
			report.TotalShort = report.TotalShort.Add(exp.InShareClass.Abs())
		}
		report.TotalValue = report.TotalValue.Add(exp.InShareClass)
		if exp.OnChain {
			report.NetDeltaOnChain = report.NetDeltaOnChain.Add(exp.InShareClass)
		} else {
			report.NetDeltaCEX = report.NetDeltaCEX.Add(exp.InShareClass)
		}
	}

	// The share class itself carries no delta: cash in the accounting
	// currency nets out of the directional exposure.
	report.NetDelta = report.TotalLong.Sub(report.TotalShort)
	if sc, ok := report.ByAsset[m.cfg.ShareClass]; ok {
		report.NetDelta = report.NetDelta.Sub(sc.InShareClass)
		if sc.OnChain {
			report.NetDeltaOnChain = report.NetDeltaOnChain.Sub(sc.InShareClass)
		} else {
			report.NetDeltaCEX = report.NetDeltaCEX.Sub(sc.InShareClass)
		}
	}

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()
	return report, nil
}

// Last returns the most recent report, nil before the first Compute.
func (m *Monitor) Last() *core.ExposureReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Monitor) convert(t time.Time, asset string, method ConversionMethod, positions core.PositionMap, snap *core.MarketSnapshot) (core.AssetExposure, error) {
	_, onChain := m.onChain[asset]
	exp := core.AssetExposure{Asset: asset, OnChain: onChain}

	switch method {
	case ConvDirect:
		exp.WalletAmount = sumWallet(positions, asset)
		exp.UnderlyingNative = exp.WalletAmount
		exp.InShareClass = exp.WalletAmount

	case ConvUSDPrice:
		exp.WalletAmount = sumWallet(positions, asset)
		exp.UnderlyingNative = exp.WalletAmount
		price, err := m.datum(t, snap, data.KindUSDPrice(strings.ToLower(asset)))
		if err != nil {
			return exp, err
		}
		exp.InShareClass = m.usdToShareClass(t, snap, exp.WalletAmount.Mul(price))

	case ConvAaveLiquidity:
		exp.WalletAmount = sumByType(positions, asset, core.PosAToken)
		index, err := m.datum(t, snap, data.KindAaveSupplyIndex(strings.ToLower(asset)))
		if err != nil {
			return exp, err
		}
		exp.UnderlyingNative = exp.WalletAmount.Mul(index)
		usd, err := m.nativeToUSD(t, snap, asset, exp.UnderlyingNative)
		if err != nil {
			return exp, err
		}
		exp.InShareClass = m.usdToShareClass(t, snap, usd)

	case ConvAaveBorrow:
		exp.WalletAmount = sumByType(positions, asset, core.PosDebtToken)
		index, err := m.datum(t, snap, data.KindAaveBorrowIndex(strings.ToLower(asset)))
		if err != nil {
			return exp, err
		}
		exp.UnderlyingNative = exp.WalletAmount.Mul(index).Neg()
		usd, err := m.nativeToUSD(t, snap, asset, exp.UnderlyingNative)
		if err != nil {
			return exp, err
		}
		exp.InShareClass = m.usdToShareClass(t, snap, usd)

	case ConvLSTOracle:
		exp.WalletAmount = sumWallet(positions, asset)
		oracle, err := m.datum(t, snap, data.KindLSTOracle(strings.ToLower(asset)))
		if err != nil {
			return exp, err
		}
		exp.UnderlyingNative = exp.WalletAmount.Mul(oracle) // in ETH
		if m.cfg.ShareClass == "ETH" {
			exp.InShareClass = exp.UnderlyingNative
		} else {
			ethUSD, err := m.datum(t, snap, data.KindUSDPrice("eth"))
			if err != nil {
				return exp, err
			}
			exp.InShareClass = exp.UnderlyingNative.Mul(ethUSD)
		}

	default:
		return exp, fmt.Errorf("unknown conversion method %q for asset %s", method, asset)
	}

	switch {
	case exp.InShareClass.IsPositive():
		exp.Direction = core.DirLong
	case exp.InShareClass.IsNegative():
		exp.Direction = core.DirShort
	default:
		exp.Direction = core.DirFlat
	}
	return exp, nil
}

// nativeToUSD converts a native asset amount to USD via its oracle; the
// share class itself converts 1:1 when USD-denominated.
func (m *Monitor) nativeToUSD(t time.Time, snap *core.MarketSnapshot, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	if strings.EqualFold(asset, "usdt") || strings.EqualFold(asset, "usdc") {
		return amount, nil
	}
	price, err := m.datum(t, snap, data.KindUSDPrice(strings.ToLower(asset)))
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(price), nil
}

// usdToShareClass converts a USD value into the share class.
func (m *Monitor) usdToShareClass(t time.Time, snap *core.MarketSnapshot, usd decimal.Decimal) decimal.Decimal {
	if m.cfg.ShareClass != "ETH" {
		return usd
	}
	ethUSD, err := m.datum(t, snap, data.KindUSDPrice("eth"))
	if err != nil || ethUSD.IsZero() {
		return usd
	}
	return usd.Div(ethUSD)
}

// datum fetches a conversion datum. Missing data is fatal in backtest; in
// live the last known value is used and a StaleConversion event is emitted.
func (m *Monitor) datum(t time.Time, snap *core.MarketSnapshot, kind string) (decimal.Decimal, error) {
	if v, ok := snap.Value(kind); ok {
		m.mu.Lock()
		m.lastValues[kind] = v
		m.mu.Unlock()
		return v, nil
	}
	if m.cfg.Mode == core.ModeLive {
		m.mu.RLock()
		v, ok := m.lastValues[kind]
		m.mu.RUnlock()
		if ok {
			m.logger.Warn("Missing conversion datum, using last known value", "kind", kind)
			m.events.Log(core.Event{
				Timestamp: t,
				Type:      "STALE_CONVERSION",
				Token:     kind,
				Status:    "warning",
			})
			return v, nil
		}
	}
	return decimal.Zero, fmt.Errorf("missing conversion datum %q at %s", kind, t.Format(time.RFC3339))
}

// sumWallet totals spot, base-token and perp positions of one asset.
func sumWallet(positions core.PositionMap, asset string) decimal.Decimal {
	total := decimal.Zero
	for k, v := range positions {
		if !strings.EqualFold(k.Symbol, asset) {
			continue
		}
		switch k.Type {
		case core.PosSpot, core.PosBaseToken, core.PosPerp:
			total = total.Add(v)
		}
	}
	return total
}

// sumByType totals one position type of one asset.
func sumByType(positions core.PositionMap, asset string, pt core.PositionType) decimal.Decimal {
	total := decimal.Zero
	for k, v := range positions {
		if k.Type == pt && strings.EqualFold(k.Symbol, asset) {
			total = total.Add(v)
		}
	}
	return total
}

var _ core.IExposureMonitor = (*Monitor)(nil)
