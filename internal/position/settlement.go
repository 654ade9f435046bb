// Package position owns the authoritative simulated and real position state.
package position

import (
	"fmt"
	"strings"
	"time"

	"basis_engine/internal/core"
	"basis_engine/internal/data"

	"github.com/shopspring/decimal"
)

// fundingInterval is the venue funding period; payments settle on every
// boundary crossed.
const fundingInterval = 8 * time.Hour

// distributionSource exposes discrete observations of a kind; the CSV
// provider implements it.
type distributionSource interface {
	Distributions(kind string, after, until time.Time) []core.Observation
}

// SettlementEngine computes the scheduled position changes due between two
// timestamps in backtest: perp funding on 8-hour boundaries and discrete
// LST reward distributions on their exact dates. Lending interest and LST
// oracle drift accrue through indices and oracles at exposure time, not
// through position amounts.
type SettlementEngine struct {
	provider core.IDataProvider
	lstType  string
	cashSym  string
	logger   core.ILogger
}

// NewSettlementEngine builds the settlement engine. cashSymbol is the quote
// currency funding settles in.
func NewSettlementEngine(provider core.IDataProvider, lstType, cashSymbol string, logger core.ILogger) *SettlementEngine {
	return &SettlementEngine{
		provider: provider,
		lstType:  lstType,
		cashSym:  cashSymbol,
		logger:   logger.WithField("component", "settlement"),
	}
}

// Due returns the settlement deltas for (after, until] given the current
// simulated positions. Funding is computed per boundary with the rate and
// price observed at that boundary.
func (s *SettlementEngine) Due(after, until time.Time, positions core.PositionMap) ([]core.Delta, error) {
	var out []core.Delta

	for _, boundary := range fundingBoundaries(after, until) {
		deltas, err := s.fundingAt(boundary, positions)
		if err != nil {
			return nil, err
		}
		out = append(out, deltas...)
	}

	rewards, err := s.rewardsDue(after, until, positions)
	if err != nil {
		return nil, err
	}
	out = append(out, rewards...)

	return out, nil
}

// fundingBoundaries lists the funding boundaries crossed in (after, until].
func fundingBoundaries(after, until time.Time) []time.Time {
	var out []time.Time
	b := after.Truncate(fundingInterval)
	if !b.After(after) {
		b = b.Add(fundingInterval)
	}
	for !b.After(until) {
		out = append(out, b)
		b = b.Add(fundingInterval)
	}
	return out
}

// fundingAt computes funding payments at one boundary. A short perp position
// receives positive funding when the rate is positive; payment settles on
// the venue's cash key.
func (s *SettlementEngine) fundingAt(boundary time.Time, positions core.PositionMap) ([]core.Delta, error) {
	snap, err := s.provider.Get(boundary)
	if err != nil {
		return nil, fmt.Errorf("funding settlement at %s: %w", boundary.Format(time.RFC3339), err)
	}

	var out []core.Delta
	for key, amount := range positions {
		if key.Type != core.PosPerp || amount.IsZero() {
			continue
		}
		rate, ok := snap.Value(data.KindFundingRate(key.Venue))
		if !ok {
			continue
		}
		price, ok := snap.Value(data.KindSpotPrice(strings.ToLower(key.Symbol)))
		if !ok {
			return nil, fmt.Errorf("funding settlement: no price for %s", key.Symbol)
		}
		// payment = -position * price * rate: shorts receive when rate > 0.
		payment := amount.Neg().Mul(price).Mul(rate)
		if payment.IsZero() {
			continue
		}
		out = append(out, core.Delta{
			Key:    core.PositionKey{Venue: key.Venue, Type: core.PosSpot, Symbol: s.cashSym},
			Amount: payment,
			Source: core.SourceFunding,
			Metadata: map[string]string{
				"boundary": boundary.UTC().Format(time.RFC3339),
				"perp":     key.String(),
			},
		})
	}
	return out, nil
}

// rewardsDue applies discrete LST reward distributions: each observation is
// a per-token rate multiplied by the wallet LST balance on that date.
func (s *SettlementEngine) rewardsDue(after, until time.Time, positions core.PositionMap) ([]core.Delta, error) {
	if s.lstType == "" {
		return nil, nil
	}
	src, ok := s.provider.(distributionSource)
	if !ok {
		return nil, nil
	}

	var out []core.Delta
	for _, obs := range src.Distributions(data.KindLSTDistribution(strings.ToLower(s.lstType)), after, until) {
		for key, amount := range positions {
			if key.Type != core.PosBaseToken || !strings.EqualFold(key.Symbol, s.lstType) || amount.IsZero() {
				continue
			}
			reward := amount.Mul(obs.Value)
			if reward.IsZero() {
				continue
			}
			out = append(out, core.Delta{
				Key:    key,
				Amount: reward,
				Source: core.SourceReward,
				Metadata: map[string]string{
					"distribution_date": obs.At.UTC().Format(time.RFC3339),
					"rate":              obs.Value.String(),
				},
			})
		}
	}
	return out, nil
}

// SumByKey folds a delta list into per-key totals. Delta application is
// commutative and associative over addition, so totals may be applied in
// any order.
func SumByKey(deltas []core.Delta) map[core.PositionKey]decimal.Decimal {
	out := make(map[core.PositionKey]decimal.Decimal)
	for _, d := range deltas {
		out[d.Key] = out[d.Key].Add(d.Amount)
	}
	return out
}
