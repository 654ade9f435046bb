package strategy

import (
	"strings"
	"time"

	"basis_engine/internal/core"

	"github.com/shopspring/decimal"
)

// basis holds spot equal to equity and shorts the same notional on perps,
// split across hedge venues. The share class is the traded asset, so the
// spot leg is the equity itself and the hedge neutralizes its USD delta.
type basis struct {
	*base
}

func (s *basis) Decide(t time.Time, exposure *core.ExposureReport, risk *core.RiskAssessment) ([]core.Order, error) {
	snap, err := s.provider.Get(t)
	if err != nil {
		return nil, err
	}
	positions := s.positions.Current().Simulated
	orders := s.dustOrders(positions)
	flow := s.consumeFlow()

	asset := strings.ToUpper(s.params.Asset)
	price, err := s.price(snap, asset)
	if err != nil {
		return nil, err
	}

	spotAmount := sumType(positions, asset, core.PosSpot, core.PosBaseToken)
	equity := spotAmount // share class == asset
	if equity.IsZero() {
		return s.allowed(orders), nil
	}

	perpAmount := decimal.Zero
	for _, venue := range s.params.HedgeVenues {
		perpAmount = perpAmount.Add(positions.Get(core.PositionKey{Venue: venue, Type: core.PosPerp, Symbol: asset}))
	}

	targetShortNotional := equity.Mul(price)
	if risk != nil && risk.Overall == core.RiskCritical {
		targetShortNotional = decimal.Zero
	}
	currentShortNotional := perpAmount.Neg().Mul(price)

	dev := deviation(currentShortNotional, targetShortNotional, equity.Mul(price))
	if !s.shouldRebalance(dev, risk, flow) {
		return s.allowed(orders), nil
	}

	purpose := classify(currentShortNotional, targetShortNotional)
	if risk != nil && risk.Overall == core.RiskCritical {
		purpose = core.ActionExitFull
	}
	shorts, err := s.hedgeShorts(snap, asset, targetShortNotional, positions, purpose)
	if err != nil {
		return nil, err
	}
	if purpose == core.ActionExitFull {
		for i := range shorts {
			shorts[i].Required = true
		}
	}
	orders = append(orders, shorts...)
	return s.allowed(orders), nil
}
