package strategy

import (
	"strings"
	"time"

	"basis_engine/internal/core"
	"basis_engine/internal/data"

	"github.com/shopspring/decimal"
)

// pureLending supplies full equity to the lending venue. Price moves do not
// trigger rebalancing; only flows and risk overrides do, since the target is
// denominated in the supplied asset itself.
type pureLending struct {
	*base
}

func (s *pureLending) Decide(t time.Time, exposure *core.ExposureReport, risk *core.RiskAssessment) ([]core.Order, error) {
	snap, err := s.provider.Get(t)
	if err != nil {
		return nil, err
	}
	positions := s.positions.Current().Simulated
	orders := s.dustOrders(positions)
	flow := s.consumeFlow()

	asset := strings.ToUpper(s.params.Asset)
	index, ok := snap.Value(data.KindAaveSupplyIndex(strings.ToLower(asset)))
	if !ok {
		index = decimal.NewFromInt(1)
	}
	currentSupplied := sumType(positions, asset, core.PosAToken).Mul(index)
	cash := sumType(positions, asset, core.PosSpot, core.PosBaseToken)

	target := currentSupplied.Add(cash)
	if risk != nil && risk.Overall == core.RiskCritical {
		target = decimal.Zero
	}
	equityNative := currentSupplied.Add(cash)

	if !s.shouldRebalance(deviation(currentSupplied, target, equityNative), risk, flow) {
		return s.allowed(orders), nil
	}

	diff := target.Sub(currentSupplied)
	switch {
	case diff.IsPositive():
		if cash.LessThan(diff) {
			diff = cash
		}
		if !diff.IsPositive() {
			return s.allowed(orders), nil
		}
		orders = append(orders, core.Order{
			Venue:     s.params.LendingVenue,
			Operation: core.OpSupply,
			Pair:      asset,
			Amount:    diff,
			Purpose:   classify(currentSupplied, target),
		})
	case diff.IsNegative():
		orders = append(orders, core.Order{
			Venue:     s.params.LendingVenue,
			Operation: core.OpWithdraw,
			Pair:      asset,
			Amount:    diff.Abs(),
			Purpose:   classify(currentSupplied, target),
			Required:  risk != nil && risk.Overall == core.RiskCritical,
		})
	}
	return s.allowed(orders), nil
}

// stakingOnly holds full equity as the LST with no hedge.
type stakingOnly struct {
	*base
}

func (s *stakingOnly) Decide(t time.Time, exposure *core.ExposureReport, risk *core.RiskAssessment) ([]core.Order, error) {
	snap, err := s.provider.Get(t)
	if err != nil {
		return nil, err
	}
	positions := s.positions.Current().Simulated
	orders := s.dustOrders(positions)
	flow := s.consumeFlow()

	lst := strings.ToUpper(s.params.LSTType)
	oracle, ok := snap.Value(data.KindLSTOracle(strings.ToLower(lst)))
	if !ok || oracle.IsZero() {
		return nil, s.missingDatum(t, data.KindLSTOracle(strings.ToLower(lst)))
	}

	ethCash := sumType(positions, "ETH", core.PosSpot, core.PosBaseToken)
	stakedETH := sumType(positions, lst, core.PosSpot, core.PosBaseToken).Mul(oracle)

	target := stakedETH.Add(ethCash)
	if risk != nil && risk.Overall == core.RiskCritical {
		target = decimal.Zero
	}
	equityETH := stakedETH.Add(ethCash)

	if !s.shouldRebalance(deviation(stakedETH, target, equityETH), risk, flow) {
		return s.allowed(orders), nil
	}

	diff := target.Sub(stakedETH)
	switch {
	case diff.IsPositive():
		if ethCash.LessThan(diff) {
			diff = ethCash
		}
		if !diff.IsPositive() {
			return s.allowed(orders), nil
		}
		orders = append(orders, core.Order{
			Venue:     s.params.StakingVenue,
			Operation: core.OpStake,
			Pair:      "ETH/" + lst,
			Amount:    diff,
			Purpose:   classify(stakedETH, target),
		})
	case diff.IsNegative():
		orders = append(orders, core.Order{
			Venue:     s.params.StakingVenue,
			Operation: core.OpUnstake,
			Pair:      lst + "/ETH",
			Amount:    diff.Abs().Div(oracle),
			Purpose:   classify(stakedETH, target),
			Required:  risk != nil && risk.Overall == core.RiskCritical,
		})
	}
	return s.allowed(orders), nil
}
