// Package risk computes the configured risk metrics from exposure,
// positions and market data.
package risk

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"basis_engine/internal/core"
	"basis_engine/internal/data"

	"github.com/shopspring/decimal"
)

// Limit keys understood in component_config.risk_monitor.risk_limits.
const (
	LimitHFWarn               = "hf_warn"
	LimitHFCrit               = "hf_crit"
	LimitMarginWarn           = "margin_warn"
	LimitDeltaDriftWarn       = "delta_drift_warn"
	LimitFundingTrendWarn     = "funding_trend_warn"
	LimitReserveFloor         = "reserve_floor"
	LimitLiquidationThreshold = "liquidation_threshold"
)

// Config configures the risk monitor from the mode's component config.
type Config struct {
	EnabledRiskTypes []core.RiskType
	Limits           map[string]decimal.Decimal
	ShareClass       string
	HedgeVenues      []string
	// FundingWindow is the sample count of the rolling funding trend.
	FundingWindow int
}

// Monitor evaluates each enabled risk type per timestep and rolls up the
// overall status as the max severity.
type Monitor struct {
	cfg       Config
	positions core.IPositionMonitor
	provider  core.IDataProvider
	events    core.IEventLogger
	logger    core.ILogger

	hedge map[string]struct{}

	mu             sync.RWMutex
	last           *core.RiskAssessment
	fundingSamples []decimal.Decimal
	reserveBelow   bool
}

// NewMonitor builds the risk monitor.
func NewMonitor(cfg Config, positions core.IPositionMonitor, provider core.IDataProvider, events core.IEventLogger, logger core.ILogger) *Monitor {
	if cfg.FundingWindow <= 0 {
		cfg.FundingWindow = 21 // one week of 8-hour funding samples
	}
	hedge := make(map[string]struct{}, len(cfg.HedgeVenues))
	for _, v := range cfg.HedgeVenues {
		hedge[v] = struct{}{}
	}
	return &Monitor{
		cfg:       cfg,
		positions: positions,
		provider:  provider,
		events:    events,
		logger:    logger.WithField("component", "risk_monitor"),
		hedge:     hedge,
	}
}

// Assess computes every enabled risk type at t.
func (m *Monitor) Assess(t time.Time, exposure *core.ExposureReport) (*core.RiskAssessment, error) {
	snap, err := m.provider.Get(t)
	if err != nil {
		return nil, err
	}
	positions := m.positions.Current().Simulated

	assessment := &core.RiskAssessment{
		At:      t,
		ByType:  make(map[core.RiskType]core.RiskMetric, len(m.cfg.EnabledRiskTypes)),
		Overall: core.RiskSafe,
	}

	for _, rt := range m.cfg.EnabledRiskTypes {
		var metric core.RiskMetric
		switch rt {
		case core.RiskAaveHealthFactor:
			metric = m.healthFactor(exposure)
		case core.RiskCexMarginRatio:
			metric = m.cexMarginRatio(positions, snap)
		case core.RiskDeltaDrift:
			metric = m.deltaDrift(exposure)
		case core.RiskFundingCostTrend:
			metric = m.fundingTrend(snap)
		case core.RiskReserveRatio:
			metric = m.reserveRatio(t, positions, exposure)
		default:
			return nil, fmt.Errorf("unknown risk type %q", rt)
		}
		assessment.ByType[rt] = metric
		assessment.Overall = core.MaxStatus(assessment.Overall, metric.Status)
		if metric.Status != core.RiskSafe {
			assessment.Alerts = append(assessment.Alerts,
				fmt.Sprintf("%s=%s status=%s", rt, metric.Value.StringFixed(6), metric.Status))
		}
	}

	if assessment.Overall == core.RiskCritical {
		m.events.Log(core.Event{
			Timestamp: t,
			Type:      "RISK_CRITICAL",
			Status:    string(assessment.Overall),
			Fields:    map[string]string{"alerts": strings.Join(assessment.Alerts, "; ")},
		})
	}

	m.mu.Lock()
	m.last = assessment
	m.mu.Unlock()
	return assessment, nil
}

// Last returns the most recent assessment, nil before the first Assess.
func (m *Monitor) Last() *core.RiskAssessment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// healthFactor is collateral value times the liquidation threshold over
// debt value, from the on-chain exposures. Lower is worse.
func (m *Monitor) healthFactor(exposure *core.ExposureReport) core.RiskMetric {
	warn := m.limit(LimitHFWarn, decimal.NewFromFloat(1.3))
	crit := m.limit(LimitHFCrit, decimal.NewFromFloat(1.1))
	liqThreshold := m.limit(LimitLiquidationThreshold, decimal.NewFromFloat(0.83))

	collateral := decimal.Zero
	debt := decimal.Zero
	for _, exp := range exposure.ByAsset {
		if !exp.OnChain || exp.InShareClass.IsZero() {
			continue
		}
		if exp.InShareClass.IsNegative() {
			debt = debt.Add(exp.InShareClass.Abs())
		} else {
			collateral = collateral.Add(exp.InShareClass)
		}
	}

	metric := core.RiskMetric{
		Type:              core.RiskAaveHealthFactor,
		WarningThreshold:  warn,
		CriticalThreshold: crit,
		Status:            core.RiskSafe,
	}
	if debt.IsZero() {
		// No debt means no liquidation risk; report a large sentinel.
		metric.Value = decimal.NewFromInt(1000)
		return metric
	}
	metric.Value = collateral.Mul(liqThreshold).Div(debt)
	switch {
	case metric.Value.LessThan(crit):
		metric.Status = core.RiskCritical
	case metric.Value.LessThan(warn):
		metric.Status = core.RiskWarning
	}
	return metric
}

// cexMarginRatio is margin balance over perp notional across hedge venues.
func (m *Monitor) cexMarginRatio(positions core.PositionMap, snap *core.MarketSnapshot) core.RiskMetric {
	warn := m.limit(LimitMarginWarn, decimal.NewFromFloat(0.2))

	balance := decimal.Zero
	notional := decimal.Zero
	for k, v := range positions {
		if _, ok := m.hedge[k.Venue]; !ok {
			continue
		}
		switch k.Type {
		case core.PosSpot:
			balance = balance.Add(v)
		case core.PosPerp:
			if price, ok := snap.Value(data.KindSpotPrice(strings.ToLower(k.Symbol))); ok {
				notional = notional.Add(v.Abs().Mul(price))
			}
		}
	}

	metric := core.RiskMetric{
		Type:             core.RiskCexMarginRatio,
		WarningThreshold: warn,
		Status:           core.RiskSafe,
	}
	if notional.IsZero() {
		metric.Value = decimal.NewFromInt(1)
		return metric
	}
	metric.Value = balance.Div(notional)
	if metric.Value.LessThan(warn) {
		metric.Status = core.RiskWarning
	}
	return metric
}

// deltaDrift is |net_delta| relative to total portfolio value.
func (m *Monitor) deltaDrift(exposure *core.ExposureReport) core.RiskMetric {
	warn := m.limit(LimitDeltaDriftWarn, decimal.NewFromFloat(0.02))

	metric := core.RiskMetric{
		Type:             core.RiskDeltaDrift,
		WarningThreshold: warn,
		Status:           core.RiskSafe,
	}
	if exposure.TotalValue.IsZero() {
		return metric
	}
	metric.Value = exposure.NetDelta.Abs().Div(exposure.TotalValue.Abs())
	if metric.Value.GreaterThan(warn) {
		metric.Status = core.RiskWarning
	}
	return metric
}

// fundingTrend tracks the rolling mean funding cost for a short hedge.
// Positive funding pays shorts, so the cost is the negated mean rate.
func (m *Monitor) fundingTrend(snap *core.MarketSnapshot) core.RiskMetric {
	warn := m.limit(LimitFundingTrendWarn, decimal.NewFromFloat(0.0005))

	sample := decimal.Zero
	n := 0
	for _, venue := range m.cfg.HedgeVenues {
		if rate, ok := snap.Value(data.KindFundingRate(venue)); ok {
			sample = sample.Add(rate)
			n++
		}
	}

	m.mu.Lock()
	if n > 0 {
		sample = sample.Div(decimal.NewFromInt(int64(n)))
		m.fundingSamples = append(m.fundingSamples, sample)
		if len(m.fundingSamples) > m.cfg.FundingWindow {
			m.fundingSamples = m.fundingSamples[len(m.fundingSamples)-m.cfg.FundingWindow:]
		}
	}
	samples := m.fundingSamples
	m.mu.Unlock()

	metric := core.RiskMetric{
		Type:             core.RiskFundingCostTrend,
		WarningThreshold: warn,
		Status:           core.RiskSafe,
	}
	if len(samples) == 0 {
		return metric
	}
	sum := decimal.Zero
	for _, s := range samples {
		sum = sum.Add(s)
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(samples))))
	metric.Value = mean.Neg()
	if metric.Value.GreaterThan(warn) {
		metric.Status = core.RiskWarning
	}
	return metric
}

// reserveRatio is the free share-class balance over total portfolio value.
// The ReserveLow event fires exactly once per transition below the floor.
func (m *Monitor) reserveRatio(t time.Time, positions core.PositionMap, exposure *core.ExposureReport) core.RiskMetric {
	floor := m.limit(LimitReserveFloor, decimal.NewFromFloat(0.05))

	reserve := decimal.Zero
	for k, v := range positions {
		if k.Type == core.PosSpot && strings.EqualFold(k.Symbol, m.cfg.ShareClass) {
			reserve = reserve.Add(v)
		}
	}

	metric := core.RiskMetric{
		Type:             core.RiskReserveRatio,
		WarningThreshold: floor,
		Status:           core.RiskSafe,
	}
	if exposure.TotalValue.IsZero() {
		metric.Value = decimal.NewFromInt(1)
		return metric
	}
	metric.Value = reserve.Div(exposure.TotalValue.Abs())

	below := metric.Value.LessThan(floor)
	if below {
		metric.Status = core.RiskWarning
	}

	m.mu.Lock()
	fire := below && !m.reserveBelow
	m.reserveBelow = below
	m.mu.Unlock()

	if fire {
		m.logger.Warn("Reserve ratio below floor",
			"reserve_ratio", metric.Value,
			"floor", floor)
		m.events.Log(core.Event{
			Timestamp: t,
			Type:      "RESERVE_LOW",
			Token:     m.cfg.ShareClass,
			Amount:    metric.Value,
			Status:    "warning",
		})
	}
	return metric
}

func (m *Monitor) limit(key string, def decimal.Decimal) decimal.Decimal {
	if v, ok := m.cfg.Limits[key]; ok {
		return v
	}
	return def
}

var _ core.IRiskMonitor = (*Monitor)(nil)
