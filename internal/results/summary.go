package results

import (
	"math"
	"time"

	"basis_engine/internal/core"

	"github.com/shopspring/decimal"
)

// SummaryBuilder accumulates per-timestep observations into the final run
// summary.
type SummaryBuilder struct {
	initialEquity decimal.Decimal
	equities      []decimal.Decimal
	firstT        time.Time
	lastT         time.Time
	minRisk       map[string]decimal.Decimal
	maxRisk       map[string]decimal.Decimal
	started       time.Time
}

// NewSummaryBuilder starts the accumulation; started stamps wall-clock
// execution time.
func NewSummaryBuilder(initialEquity decimal.Decimal, started time.Time) *SummaryBuilder {
	return &SummaryBuilder{
		initialEquity: initialEquity,
		minRisk:       make(map[string]decimal.Decimal),
		maxRisk:       make(map[string]decimal.Decimal),
		started:       started,
	}
}

// Observe records one timestep's equity and risk values.
func (b *SummaryBuilder) Observe(t time.Time, equity decimal.Decimal, risk *core.RiskAssessment) {
	if b.firstT.IsZero() {
		b.firstT = t
	}
	b.lastT = t
	b.equities = append(b.equities, equity)

	if risk == nil {
		return
	}
	for rt, metric := range risk.ByType {
		key := string(rt)
		if cur, ok := b.minRisk[key]; !ok || metric.Value.LessThan(cur) {
			b.minRisk[key] = metric.Value
		}
		if cur, ok := b.maxRisk[key]; !ok || metric.Value.GreaterThan(cur) {
			b.maxRisk[key] = metric.Value
		}
	}
}

// Build computes the final metrics. Returns a zeroed summary when no
// timesteps were observed.
func (b *SummaryBuilder) Build(attribution map[core.AttributionType]decimal.Decimal, runErr error) core.Summary {
	s := core.Summary{
		Attribution:          make(map[string]decimal.Decimal, len(attribution)),
		MinRiskValues:        b.minRisk,
		MaxRiskValues:        b.maxRisk,
		ExecutionTimeSeconds: time.Since(b.started).Seconds(),
	}
	for at, v := range attribution {
		s.Attribution[string(at)] = v
	}
	if runErr != nil {
		s.Error = runErr.Error()
	}
	if len(b.equities) == 0 || b.initialEquity.IsZero() {
		return s
	}

	final := b.equities[len(b.equities)-1]
	s.TotalReturn = final.Sub(b.initialEquity).Div(b.initialEquity)

	if years := b.lastT.Sub(b.firstT).Hours() / (24 * 365); years > 0 {
		growth, _ := s.TotalReturn.Add(decimal.NewFromInt(1)).Float64()
		if growth > 0 {
			// Short runs blow the exponent up; leave annualization zero
			// rather than publishing a degenerate number.
			ann := math.Pow(growth, 1/years) - 1
			if !math.IsNaN(ann) && !math.IsInf(ann, 0) {
				s.AnnualizedReturn = decimal.NewFromFloat(ann)
			}
		}
	}

	s.MaxDrawdown = maxDrawdown(b.equities)
	s.SharpeRatio = sharpe(b.equities, b.firstT, b.lastT)
	return s
}

// maxDrawdown is the largest peak-to-trough equity decline as a fraction of
// the peak.
func maxDrawdown(equities []decimal.Decimal) decimal.Decimal {
	peak := equities[0]
	worst := decimal.Zero
	for _, e := range equities[1:] {
		if e.GreaterThan(peak) {
			peak = e
			continue
		}
		if peak.IsZero() {
			continue
		}
		dd := peak.Sub(e).Div(peak)
		if dd.GreaterThan(worst) {
			worst = dd
		}
	}
	return worst
}

// sharpe is the annualized mean/stddev of per-step returns with a zero risk
// free rate.
func sharpe(equities []decimal.Decimal, first, last time.Time) decimal.Decimal {
	if len(equities) < 3 || !last.After(first) {
		return decimal.Zero
	}
	returns := make([]float64, 0, len(equities)-1)
	for i := 1; i < len(equities); i++ {
		prev, _ := equities[i-1].Float64()
		cur, _ := equities[i].Float64()
		if prev == 0 {
			continue
		}
		returns = append(returns, cur/prev-1)
	}
	if len(returns) < 2 {
		return decimal.Zero
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	if variance <= 0 {
		return decimal.Zero
	}

	stepsPerYear := float64(len(returns)) / (last.Sub(first).Hours() / (24 * 365))
	ratio := mean / math.Sqrt(variance) * math.Sqrt(stepsPerYear)
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(ratio)
}
