// Package venue implements the per-venue execution interfaces and the
// static router that dispatches orders to them.
package venue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"basis_engine/internal/core"
	"basis_engine/internal/data"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SimulatedConfig configures one backtest venue.
type SimulatedConfig struct {
	Name        string
	Kind        string // lending, perp, staking, wallet, spot
	FeeRate     decimal.Decimal
	WalletVenue string
	Operations  []string
}

// Simulated executes orders against the data provider's market state. Fills
// are at the observed price with the configured fee; the venue keeps its own
// position book so position queries work without a monitor.
type Simulated struct {
	cfg      SimulatedConfig
	provider core.IDataProvider
	logger   core.ILogger

	ops map[core.OrderOperation]struct{}

	mu    sync.Mutex
	book  core.PositionMap
	lastT time.Time
}

// NewSimulated builds a backtest venue.
func NewSimulated(cfg SimulatedConfig, provider core.IDataProvider, logger core.ILogger) *Simulated {
	ops := make(map[core.OrderOperation]struct{}, len(cfg.Operations))
	for _, op := range cfg.Operations {
		ops[core.OrderOperation(op)] = struct{}{}
	}
	return &Simulated{
		cfg:      cfg,
		provider: provider,
		logger:   logger.WithField("component", "venue").WithField("venue", cfg.Name),
		ops:      ops,
		book:     make(core.PositionMap),
	}
}

// Name returns the venue name.
func (v *Simulated) Name() string { return v.cfg.Name }

// Execute simulates the order at t and reports its effect as a handshake.
func (v *Simulated) Execute(ctx context.Context, t time.Time, order core.Order) (*core.ExecutionHandshake, error) {
	if _, ok := v.ops[order.Operation]; !ok && order.Operation != core.OpFlashAtomic {
		return v.failed(order, "unsupported_operation", fmt.Sprintf("venue %s does not serve %s", v.cfg.Name, order.Operation)), nil
	}
	snap, err := v.provider.Get(t)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastT = t

	deltas := make(map[core.PositionKey]decimal.Decimal)
	fee := decimal.Zero
	feeCurrency := ""
	var fillPrice *decimal.Decimal

	apply := func(o core.Order) error {
		p, f, fc, err := v.applyOp(snap, o, deltas)
		if err != nil {
			return err
		}
		if p != nil {
			fillPrice = p
		}
		fee = fee.Add(f)
		if fc != "" {
			feeCurrency = fc
		}
		return nil
	}

	if order.Operation == core.OpFlashAtomic {
		// All-or-nothing: any leg failure fails the whole bundle with no
		// position effect.
		for _, leg := range order.Legs {
			if v.skipInBundle(leg) {
				continue
			}
			if err := apply(leg); err != nil {
				return v.failed(order, "atomic_leg_failed", err.Error()), nil
			}
		}
	} else if err := apply(order); err != nil {
		return v.failed(order, "execution_rejected", err.Error()), nil
	}

	for k, d := range deltas {
		v.book[k] = v.book.Get(k).Add(d)
	}
	if fee.IsPositive() && feeCurrency != "" {
		// The monitor debits the reported fee from the venue's cash key;
		// mirror it here so position queries agree with the monitor.
		feeKey := core.PositionKey{Venue: v.cfg.Name, Type: core.PosSpot, Symbol: feeCurrency}
		v.book[feeKey] = v.book.Get(feeKey).Sub(fee)
	}

	return &core.ExecutionHandshake{
		Order:          order,
		Status:         core.ExecExecuted,
		ExecutedAmount: order.Amount,
		ExecutedPrice:  fillPrice,
		PositionDeltas: deltas,
		FeeAmount:      fee,
		FeeCurrency:    feeCurrency,
		TradeID:        uuid.NewString(),
	}, nil
}

// skipInBundle drops the legs that net to nothing inside an atomic bundle:
// flash-tagged borrows/repays and internal transfers.
func (v *Simulated) skipInBundle(leg core.Order) bool {
	if leg.Metadata["flash"] == "true" {
		return true
	}
	return leg.Operation == core.OpTransfer
}

// applyOp computes the position deltas of one operation into out.
func (v *Simulated) applyOp(snap *core.MarketSnapshot, order core.Order, out map[core.PositionKey]decimal.Decimal) (*decimal.Decimal, decimal.Decimal, string, error) {
	add := func(k core.PositionKey, amt decimal.Decimal) {
		out[k] = out[k].Add(amt)
	}
	wallet := v.cfg.WalletVenue

	switch order.Operation {
	case core.OpSpotTrade:
		baseSym, quoteSym, err := splitPair(order.Pair)
		if err != nil {
			return nil, decimal.Zero, "", err
		}
		price, ok := snap.Value(data.KindUSDPrice(strings.ToLower(baseSym)))
		if !ok {
			price, ok = snap.Value(data.KindSpotPrice(strings.ToLower(baseSym)))
		}
		if !ok || price.IsZero() {
			return nil, decimal.Zero, "", fmt.Errorf("no fill price for %s", order.Pair)
		}
		notional := order.Amount.Mul(price)
		fee := notional.Mul(v.cfg.FeeRate)
		if order.Side == core.SideBuy {
			add(core.PositionKey{Venue: v.cfg.Name, Type: core.PosSpot, Symbol: baseSym}, order.Amount)
			add(core.PositionKey{Venue: v.cfg.Name, Type: core.PosSpot, Symbol: quoteSym}, notional.Neg())
		} else {
			add(core.PositionKey{Venue: v.cfg.Name, Type: core.PosSpot, Symbol: baseSym}, order.Amount.Neg())
			add(core.PositionKey{Venue: v.cfg.Name, Type: core.PosSpot, Symbol: quoteSym}, notional)
		}
		return &price, fee, quoteSym, nil

	case core.OpPerpTrade:
		baseSym, quoteSym, err := splitPair(order.Pair)
		if err != nil {
			return nil, decimal.Zero, "", err
		}
		price, ok := snap.Value(data.KindSpotPrice(strings.ToLower(baseSym)))
		if !ok || price.IsZero() {
			return nil, decimal.Zero, "", fmt.Errorf("no fill price for %s", order.Pair)
		}
		amt := order.Amount
		if order.Side == core.SideSell {
			amt = amt.Neg()
		}
		add(core.PositionKey{Venue: v.cfg.Name, Type: core.PosPerp, Symbol: baseSym}, amt)
		fee := order.Amount.Mul(price).Mul(v.cfg.FeeRate)
		return &price, fee, quoteSym, nil

	case core.OpSupply:
		asset := strings.ToUpper(order.Pair)
		index := datumOrOne(snap, data.KindAaveSupplyIndex(strings.ToLower(asset)))
		add(core.PositionKey{Venue: wallet, Type: core.PosBaseToken, Symbol: asset}, order.Amount.Neg())
		add(core.PositionKey{Venue: v.cfg.Name, Type: core.PosAToken, Symbol: asset}, order.Amount.Div(index))
		return nil, decimal.Zero, "", nil

	case core.OpWithdraw:
		asset := strings.ToUpper(order.Pair)
		index := datumOrOne(snap, data.KindAaveSupplyIndex(strings.ToLower(asset)))
		add(core.PositionKey{Venue: v.cfg.Name, Type: core.PosAToken, Symbol: asset}, order.Amount.Div(index).Neg())
		add(core.PositionKey{Venue: wallet, Type: core.PosBaseToken, Symbol: asset}, order.Amount)
		return nil, decimal.Zero, "", nil

	case core.OpBorrow:
		asset := strings.ToUpper(order.Pair)
		index := datumOrOne(snap, data.KindAaveBorrowIndex(strings.ToLower(asset)))
		add(core.PositionKey{Venue: v.cfg.Name, Type: core.PosDebtToken, Symbol: asset}, order.Amount.Div(index))
		add(core.PositionKey{Venue: wallet, Type: core.PosBaseToken, Symbol: asset}, order.Amount)
		return nil, decimal.Zero, "", nil

	case core.OpRepay:
		asset := strings.ToUpper(order.Pair)
		index := datumOrOne(snap, data.KindAaveBorrowIndex(strings.ToLower(asset)))
		add(core.PositionKey{Venue: wallet, Type: core.PosBaseToken, Symbol: asset}, order.Amount.Neg())
		add(core.PositionKey{Venue: v.cfg.Name, Type: core.PosDebtToken, Symbol: asset}, order.Amount.Div(index).Neg())
		return nil, decimal.Zero, "", nil

	case core.OpStake:
		baseSym, lstSym, err := splitPair(order.Pair)
		if err != nil {
			return nil, decimal.Zero, "", err
		}
		oracle, ok := snap.Value(data.KindLSTOracle(strings.ToLower(lstSym)))
		if !ok || oracle.IsZero() {
			return nil, decimal.Zero, "", fmt.Errorf("no oracle rate for %s", lstSym)
		}
		add(core.PositionKey{Venue: wallet, Type: core.PosBaseToken, Symbol: baseSym}, order.Amount.Neg())
		add(core.PositionKey{Venue: wallet, Type: core.PosBaseToken, Symbol: lstSym}, order.Amount.Div(oracle))
		return nil, decimal.Zero, "", nil

	case core.OpUnstake:
		lstSym, baseSym, err := splitPair(order.Pair)
		if err != nil {
			return nil, decimal.Zero, "", err
		}
		oracle, ok := snap.Value(data.KindLSTOracle(strings.ToLower(lstSym)))
		if !ok || oracle.IsZero() {
			return nil, decimal.Zero, "", fmt.Errorf("no oracle rate for %s", lstSym)
		}
		add(core.PositionKey{Venue: wallet, Type: core.PosBaseToken, Symbol: lstSym}, order.Amount.Neg())
		add(core.PositionKey{Venue: wallet, Type: core.PosBaseToken, Symbol: baseSym}, order.Amount.Mul(oracle))
		return nil, decimal.Zero, "", nil

	case core.OpTransfer:
		sym := strings.ToUpper(order.Pair)
		from := order.Metadata["from"]
		if from == "" {
			from = wallet
		}
		fromType := core.PosBaseToken
		if from != wallet {
			fromType = core.PosSpot
		}
		toType := core.PosSpot
		if v.cfg.Name == wallet {
			toType = core.PosBaseToken
		}
		add(core.PositionKey{Venue: from, Type: fromType, Symbol: sym}, order.Amount.Neg())
		add(core.PositionKey{Venue: v.cfg.Name, Type: toType, Symbol: sym}, order.Amount)
		return nil, decimal.Zero, "", nil
	}
	return nil, decimal.Zero, "", fmt.Errorf("operation %s not simulated", order.Operation)
}

// QueryPositions serves the venue's own book for the requested keys.
func (v *Simulated) QueryPositions(ctx context.Context, keys []core.PositionKey) (core.PositionMap, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(core.PositionMap, len(keys))
	for _, k := range keys {
		out[k] = v.book.Get(k)
	}
	return out, nil
}

// QueryMarket reads the requested kinds from the provider at the last
// execution timestamp.
func (v *Simulated) QueryMarket(ctx context.Context, kinds []string) (map[string]decimal.Decimal, error) {
	v.mu.Lock()
	t := v.lastT
	v.mu.Unlock()
	if t.IsZero() {
		return nil, fmt.Errorf("venue %s has no market reference time yet", v.cfg.Name)
	}
	snap, err := v.provider.Get(t)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(kinds))
	for _, kind := range kinds {
		if val, ok := snap.Value(kind); ok {
			out[kind] = val
		}
	}
	return out, nil
}

// Seed loads initial balances into the venue book so live-style position
// queries return the funded state. Used by tests and initialization.
func (v *Simulated) Seed(positions core.PositionMap) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, val := range positions {
		v.book[k] = val
	}
}

func (v *Simulated) failed(order core.Order, code, msg string) *core.ExecutionHandshake {
	v.logger.Warn("Simulated execution failed", "operation", order.Operation, "error", msg)
	return &core.ExecutionHandshake{
		Order:        order,
		Status:       core.ExecFailed,
		ErrorCode:    code,
		ErrorMessage: msg,
	}
}

// splitPair parses "BASE/QUOTE".
func splitPair(pair string) (string, string, error) {
	parts := strings.SplitN(pair, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid pair %q", pair)
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
}

func datumOrOne(snap *core.MarketSnapshot, kind string) decimal.Decimal {
	if v, ok := snap.Value(kind); ok && !v.IsZero() {
		return v
	}
	return decimal.NewFromInt(1)
}

var _ core.IVenueInterface = (*Simulated)(nil)
