package strategy

import (
	"strconv"
	"strings"
	"time"

	"basis_engine/internal/core"
	"basis_engine/internal/data"

	"github.com/shopspring/decimal"
)

// leverageFactor is target_ltv / (1 - target_ltv), the gross multiple of
// the leveraged staking loop.
func (b *base) leverageFactor() decimal.Decimal {
	one := decimal.NewFromInt(1)
	return b.params.TargetLTV.Div(one.Sub(b.params.TargetLTV))
}

// marketNeutral splits equity between a leveraged staking position and CEX
// margin, with perp shorts matching the staked ETH exposure so the book
// stays delta-neutral.
type marketNeutral struct {
	*base
}

func (s *marketNeutral) Decide(t time.Time, exposure *core.ExposureReport, risk *core.RiskAssessment) ([]core.Order, error) {
	snap, err := s.provider.Get(t)
	if err != nil {
		return nil, err
	}
	positions := s.positions.Current().Simulated
	orders := s.dustOrders(positions)
	flow := s.consumeFlow()

	lst := strings.ToUpper(s.params.LSTType)
	ethPrice, err := s.price(snap, "eth")
	if err != nil {
		return nil, err
	}

	equity := exposure.TotalValue
	if equity.IsZero() {
		return s.allowed(orders), nil
	}

	L := s.leverageFactor()
	stakedPortion := equity.Mul(s.params.StakeAllocationETH)
	marginPortion := equity.Sub(stakedPortion)
	if !marginPortion.IsPositive() && stakedPortion.IsPositive() {
		return s.infeasible(t, "stake allocation leaves no CEX margin"), nil
	}

	targetSupplyValue := stakedPortion.Mul(L)
	targetDebtValue := stakedPortion.Mul(L.Sub(decimal.NewFromInt(1)))
	targetShortNotional := targetSupplyValue
	if risk != nil && risk.Overall == core.RiskCritical {
		targetSupplyValue = decimal.Zero
		targetDebtValue = decimal.Zero
		targetShortNotional = decimal.Zero
	}

	currentSupplyValue := s.lstSupplyValueUSD(snap, positions, lst, ethPrice)
	currentDebtValue := s.ethDebtValueUSD(snap, positions, ethPrice)
	currentShortNotional := decimal.Zero
	for _, venue := range s.params.HedgeVenues {
		amt := positions.Get(core.PositionKey{Venue: venue, Type: core.PosPerp, Symbol: "ETH"})
		currentShortNotional = currentShortNotional.Add(amt.Neg().Mul(ethPrice))
	}

	dev := maxDecimal(
		deviation(currentSupplyValue, targetSupplyValue, equity),
		deviation(currentShortNotional, targetShortNotional, equity),
		deviation(currentDebtValue, targetDebtValue, equity),
	)
	if !s.shouldRebalance(dev, risk, flow) {
		return s.allowed(orders), nil
	}

	purpose := classify(currentSupplyValue, targetSupplyValue)
	required := risk != nil && risk.Overall == core.RiskCritical
	if required {
		purpose = core.ActionExitFull
	}

	// Perp shorts first, batched across hedge venues: the hedge is in place
	// before any ETH moves on-chain.
	shorts, err := s.hedgeShorts(snap, "ETH", targetShortNotional, positions, purpose)
	if err != nil {
		return nil, err
	}
	if required {
		for i := range shorts {
			shorts[i].Required = true
		}
	}
	orders = append(orders, shorts...)

	if purpose == core.ActionEntryFull {
		// Fund hedge-venue margin accounts from the wallet.
		for _, venue := range s.params.HedgeVenues {
			alloc := s.params.HedgeAllocation[venue]
			amount := marginPortion.Mul(alloc)
			if !amount.IsPositive() {
				continue
			}
			orders = append(orders, core.Order{
				Venue:     venue,
				Operation: core.OpTransfer,
				Pair:      s.params.ShareClass,
				Amount:    amount,
				Purpose:   purpose,
				Metadata:  map[string]string{"from": s.params.WalletVenue},
			})
		}
	}

	// On-chain leg: move the supply toward target via the leverage loop or
	// its unwind.
	supplyDiff := targetSupplyValue.Sub(currentSupplyValue)
	switch {
	case supplyDiff.IsPositive():
		baseETH := supplyDiff.Sub(targetDebtValue.Sub(currentDebtValue)).Div(ethPrice)
		if !baseETH.IsPositive() {
			return s.infeasible(t, "leverage targets imply non-positive base stake"), nil
		}
		if s.params.ShareClass != "ETH" {
			orders = append(orders, core.Order{
				Venue:     s.params.SpotVenue,
				Operation: core.OpSpotTrade,
				Pair:      "ETH/" + s.params.ShareClass,
				Side:      core.SideBuy,
				Amount:    baseETH,
				OrderType: core.TypeMarket,
				Purpose:   purpose,
			})
		}
		legs, err := s.leverageLegs(snap, baseETH, supplyDiff.Div(ethPrice), targetDebtValue.Sub(currentDebtValue).Div(ethPrice), currentSupplyValue.IsZero(), purpose)
		if err != nil {
			return nil, err
		}
		orders = append(orders, legs...)
	case supplyDiff.IsNegative():
		legs, err := s.unwindLegs(snap, supplyDiff.Abs().Div(ethPrice), currentDebtValue.Sub(targetDebtValue).Div(ethPrice), purpose, required)
		if err != nil {
			return nil, err
		}
		orders = append(orders, legs...)
	}

	return s.allowed(orders), nil
}

// leveragedStaking is the directional eth_leveraged mode: supply equity × L,
// borrow equity × (L−1), no hedge. The share class is ETH.
type leveragedStaking struct {
	*base
}

func (s *leveragedStaking) Decide(t time.Time, exposure *core.ExposureReport, risk *core.RiskAssessment) ([]core.Order, error) {
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

	supplyIndex, ok := snap.Value(data.KindAaveSupplyIndex(strings.ToLower(lst)))
	if !ok {
		supplyIndex = decimal.NewFromInt(1)
	}
	borrowIndex, ok := snap.Value(data.KindAaveBorrowIndex("eth"))
	if !ok {
		borrowIndex = decimal.NewFromInt(1)
	}

	// All accounting in ETH: the share class.
	suppliedETH := sumType(positions, lst, core.PosAToken).Mul(supplyIndex).Mul(oracle)
	debtETH := sumType(positions, "ETH", core.PosDebtToken).Mul(borrowIndex)
	cashETH := sumType(positions, "ETH", core.PosSpot, core.PosBaseToken)
	equity := suppliedETH.Sub(debtETH).Add(cashETH)
	if !equity.IsPositive() {
		return s.infeasible(t, "non-positive equity"), nil
	}

	L := s.leverageFactor()
	targetSupply := equity.Mul(L)
	targetDebt := equity.Mul(L.Sub(decimal.NewFromInt(1)))
	if risk != nil && risk.Overall == core.RiskCritical {
		targetSupply = decimal.Zero
		targetDebt = decimal.Zero
	}

	dev := maxDecimal(
		deviation(suppliedETH, targetSupply, equity),
		deviation(debtETH, targetDebt, equity),
	)
	if !s.shouldRebalance(dev, risk, flow) {
		return s.allowed(orders), nil
	}

	purpose := classify(suppliedETH, targetSupply)
	required := risk != nil && risk.Overall == core.RiskCritical
	if required {
		purpose = core.ActionExitFull
	}

	supplyDiff := targetSupply.Sub(suppliedETH)
	switch {
	case supplyDiff.IsPositive():
		baseETH := supplyDiff.Sub(targetDebt.Sub(debtETH))
		if baseETH.GreaterThan(cashETH) {
			return s.infeasible(t, "insufficient ETH cash for base stake"), nil
		}
		legs, err := s.leverageLegs(snap, baseETH, supplyDiff, targetDebt.Sub(debtETH), suppliedETH.IsZero(), purpose)
		if err != nil {
			return nil, err
		}
		orders = append(orders, legs...)
	case supplyDiff.IsNegative():
		legs, err := s.unwindLegs(snap, supplyDiff.Abs(), debtETH.Sub(targetDebt), purpose, required)
		if err != nil {
			return nil, err
		}
		orders = append(orders, legs...)
	}

	return s.allowed(orders), nil
}

// leverageLegs builds the on-chain sequence that raises the LST supply by
// supplyETH while raising debt by debtETH, starting from baseETH of free
// ETH. With a flash loan the whole sequence is one atomic bundle; otherwise
// it is a stake/supply/borrow loop bounded by max_leverage_iterations.
func (b *base) leverageLegs(snap *core.MarketSnapshot, baseETH, supplyETH, debtETH decimal.Decimal, fresh bool, purpose core.StrategyAction) ([]core.Order, error) {
	lst := strings.ToUpper(b.params.LSTType)
	oracle, ok := snap.Value(data.KindLSTOracle(strings.ToLower(lst)))
	if !ok || oracle.IsZero() {
		return nil, b.missingDatum(time.Time{}, data.KindLSTOracle(strings.ToLower(lst)))
	}
	supplyLST := supplyETH.Div(oracle)

	if b.params.UseFlashLoan && fresh {
		legs := []core.Order{
			{Venue: b.params.WalletVenue, Operation: core.OpTransfer, Pair: "ETH", Amount: baseETH, Purpose: purpose},
			{Venue: b.params.LendingVenue, Operation: core.OpBorrow, Pair: "ETH", Amount: debtETH, Purpose: purpose, Metadata: map[string]string{"flash": "true"}},
			{Venue: b.params.StakingVenue, Operation: core.OpStake, Pair: "ETH/" + lst, Amount: supplyETH, Purpose: purpose},
			{Venue: b.params.LendingVenue, Operation: core.OpSupply, Pair: lst, Amount: supplyLST, Purpose: purpose},
			{Venue: b.params.LendingVenue, Operation: core.OpBorrow, Pair: "ETH", Amount: debtETH, Purpose: purpose},
			{Venue: b.params.LendingVenue, Operation: core.OpRepay, Pair: "ETH", Amount: debtETH, Purpose: purpose, Metadata: map[string]string{"flash": "true"}},
		}
		return []core.Order{{
			Venue:     b.params.LendingVenue,
			Operation: core.OpFlashAtomic,
			Amount:    supplyETH,
			Purpose:   purpose,
			Required:  true,
			Legs:      legs,
		}}, nil
	}

	// Sequential loop: stake what is free, supply it, borrow against it,
	// repeat. Converges geometrically at ratio target_ltv.
	var out []core.Order
	available := baseETH
	remainingDebt := debtETH
	cutoff := baseETH.Mul(decimal.NewFromFloat(0.01))
	for i := 0; i < b.params.MaxLeverageIters && available.GreaterThan(cutoff); i++ {
		iter := map[string]string{"iteration": strconv.Itoa(i + 1)}
		out = append(out,
			core.Order{Venue: b.params.StakingVenue, Operation: core.OpStake, Pair: "ETH/" + lst, Amount: available, Purpose: purpose, Metadata: iter},
			core.Order{Venue: b.params.LendingVenue, Operation: core.OpSupply, Pair: lst, Amount: available.Div(oracle), Purpose: purpose, Metadata: iter},
		)
		borrow := available.Mul(b.params.TargetLTV)
		if borrow.GreaterThan(remainingDebt) {
			borrow = remainingDebt
		}
		if !borrow.IsPositive() {
			break
		}
		out = append(out, core.Order{Venue: b.params.LendingVenue, Operation: core.OpBorrow, Pair: "ETH", Amount: borrow, Purpose: purpose, Metadata: iter})
		remainingDebt = remainingDebt.Sub(borrow)
		available = borrow
	}
	return out, nil
}

// unwindLegs reverses the loop: withdraw collateral, unstake, repay debt.
func (b *base) unwindLegs(snap *core.MarketSnapshot, supplyETH, debtETH decimal.Decimal, purpose core.StrategyAction, required bool) ([]core.Order, error) {
	lst := strings.ToUpper(b.params.LSTType)
	oracle, ok := snap.Value(data.KindLSTOracle(strings.ToLower(lst)))
	if !ok || oracle.IsZero() {
		return nil, b.missingDatum(time.Time{}, data.KindLSTOracle(strings.ToLower(lst)))
	}
	supplyLST := supplyETH.Div(oracle)

	if b.params.UseFlashLoan {
		legs := []core.Order{
			{Venue: b.params.LendingVenue, Operation: core.OpBorrow, Pair: "ETH", Amount: debtETH, Purpose: purpose, Metadata: map[string]string{"flash": "true"}},
			{Venue: b.params.LendingVenue, Operation: core.OpRepay, Pair: "ETH", Amount: debtETH, Purpose: purpose},
			{Venue: b.params.LendingVenue, Operation: core.OpWithdraw, Pair: lst, Amount: supplyLST, Purpose: purpose},
			{Venue: b.params.StakingVenue, Operation: core.OpUnstake, Pair: lst + "/ETH", Amount: supplyLST, Purpose: purpose},
			{Venue: b.params.LendingVenue, Operation: core.OpRepay, Pair: "ETH", Amount: debtETH, Purpose: purpose, Metadata: map[string]string{"flash": "true"}},
			{Venue: b.params.WalletVenue, Operation: core.OpTransfer, Pair: "ETH", Amount: supplyETH.Sub(debtETH), Purpose: purpose},
		}
		return []core.Order{{
			Venue:     b.params.LendingVenue,
			Operation: core.OpFlashAtomic,
			Amount:    supplyETH,
			Purpose:   purpose,
			Required:  required,
			Legs:      legs,
		}}, nil
	}

	var out []core.Order
	remainingSupply := supplyETH
	remainingDebt := debtETH
	one := decimal.NewFromInt(1)
	cutoff := supplyETH.Mul(decimal.NewFromFloat(0.01))
	for i := 0; i < b.params.MaxLeverageIters && remainingSupply.GreaterThan(cutoff); i++ {
		iter := map[string]string{"iteration": strconv.Itoa(i + 1)}
		// Free collateral withdrawable this round keeps LTV at target.
		step := remainingSupply.Mul(one.Sub(b.params.TargetLTV))
		if remainingDebt.IsZero() || step.GreaterThan(remainingSupply) {
			step = remainingSupply
		}
		out = append(out,
			core.Order{Venue: b.params.LendingVenue, Operation: core.OpWithdraw, Pair: lst, Amount: step.Div(oracle), Purpose: purpose, Required: required, Metadata: iter},
			core.Order{Venue: b.params.StakingVenue, Operation: core.OpUnstake, Pair: lst + "/ETH", Amount: step.Div(oracle), Purpose: purpose, Required: required, Metadata: iter},
		)
		repay := step
		if repay.GreaterThan(remainingDebt) {
			repay = remainingDebt
		}
		if repay.IsPositive() {
			out = append(out, core.Order{Venue: b.params.LendingVenue, Operation: core.OpRepay, Pair: "ETH", Amount: repay, Purpose: purpose, Required: required, Metadata: iter})
		}
		remainingSupply = remainingSupply.Sub(step)
		remainingDebt = remainingDebt.Sub(repay)
	}
	return out, nil
}

// lstSupplyValueUSD values the aToken LST collateral in USD.
func (b *base) lstSupplyValueUSD(snap *core.MarketSnapshot, positions core.PositionMap, lst string, ethPrice decimal.Decimal) decimal.Decimal {
	index, ok := snap.Value(data.KindAaveSupplyIndex(strings.ToLower(lst)))
	if !ok {
		index = decimal.NewFromInt(1)
	}
	oracle, ok := snap.Value(data.KindLSTOracle(strings.ToLower(lst)))
	if !ok {
		oracle = decimal.NewFromInt(1)
	}
	return sumType(positions, lst, core.PosAToken).Mul(index).Mul(oracle).Mul(ethPrice)
}

// ethDebtValueUSD values the variable ETH debt in USD.
func (b *base) ethDebtValueUSD(snap *core.MarketSnapshot, positions core.PositionMap, ethPrice decimal.Decimal) decimal.Decimal {
	index, ok := snap.Value(data.KindAaveBorrowIndex("eth"))
	if !ok {
		index = decimal.NewFromInt(1)
	}
	return sumType(positions, "ETH", core.PosDebtToken).Mul(index).Mul(ethPrice)
}
