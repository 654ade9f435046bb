package venue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"basis_engine/internal/core"
	"basis_engine/internal/data"
	apperrors "basis_engine/pkg/errors"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// BinanceConfig configures the live Binance adapter.
type BinanceConfig struct {
	Name         string
	APIKey       string
	SecretKey    string
	TimeoutSecs  int
	RateLimitRPS float64
	Operations   []string
}

// Binance is the live venue adapter for Binance spot and USD-M futures.
// Only trade, transfer and query operations are served; on-chain operations
// are a configuration error on this venue.
type Binance struct {
	cfg     BinanceConfig
	spot    *binance.Client
	futures *futures.Client
	limiter *rate.Limiter
	logger  core.ILogger
	ops     map[core.OrderOperation]struct{}
}

// NewBinance builds the adapter from venue credentials.
func NewBinance(cfg BinanceConfig, logger core.ILogger) *Binance {
	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 5
	}
	ops := make(map[core.OrderOperation]struct{}, len(cfg.Operations))
	for _, op := range cfg.Operations {
		ops[core.OrderOperation(op)] = struct{}{}
	}
	return &Binance{
		cfg:     cfg,
		spot:    binance.NewClient(cfg.APIKey, cfg.SecretKey),
		futures: binance.NewFuturesClient(cfg.APIKey, cfg.SecretKey),
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		logger:  logger.WithField("component", "venue").WithField("venue", cfg.Name),
		ops:     ops,
	}
}

// Name returns the venue name.
func (v *Binance) Name() string { return v.cfg.Name }

func (v *Binance) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := time.Duration(v.cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// Execute places the order and reports the fill as a handshake.
func (v *Binance) Execute(ctx context.Context, t time.Time, order core.Order) (*core.ExecutionHandshake, error) {
	if _, ok := v.ops[order.Operation]; !ok {
		return nil, fmt.Errorf("%w: %s on venue %s", apperrors.ErrUnsupportedOperation, order.Operation, v.cfg.Name)
	}
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrRequestCancelled, err)
	}
	ctx, cancel := v.withTimeout(ctx)
	defer cancel()

	switch order.Operation {
	case core.OpSpotTrade:
		return v.executeSpot(ctx, order)
	case core.OpPerpTrade:
		return v.executePerp(ctx, order)
	}
	return nil, fmt.Errorf("%w: %s on venue %s", apperrors.ErrUnsupportedOperation, order.Operation, v.cfg.Name)
}

func (v *Binance) executeSpot(ctx context.Context, order core.Order) (*core.ExecutionHandshake, error) {
	baseSym, quoteSym, err := splitPair(order.Pair)
	if err != nil {
		return nil, err
	}
	side := binance.SideTypeBuy
	if order.Side == core.SideSell {
		side = binance.SideTypeSell
	}
	svc := v.spot.NewCreateOrderService().
		Symbol(baseSym + quoteSym).
		Side(side).
		Type(binance.OrderTypeMarket).
		Quantity(order.Amount.String())

	res, err := svc.Do(ctx)
	if err != nil {
		v.logger.Error("Spot order rejected", "pair", order.Pair, "error", err)
		return &core.ExecutionHandshake{
			Order:        order,
			Status:       core.ExecFailed,
			ErrorCode:    "spot_order_rejected",
			ErrorMessage: err.Error(),
		}, nil
	}

	executed, _ := decimal.NewFromString(res.ExecutedQuantity)
	quote, _ := decimal.NewFromString(res.CummulativeQuoteQuantity)
	var price *decimal.Decimal
	if !executed.IsZero() {
		p := quote.Div(executed)
		price = &p
	}
	fee := decimal.Zero
	feeCurrency := quoteSym
	for _, fill := range res.Fills {
		f, _ := decimal.NewFromString(fill.Commission)
		fee = fee.Add(f)
		feeCurrency = fill.CommissionAsset
	}

	deltas := map[core.PositionKey]decimal.Decimal{}
	baseKey := core.PositionKey{Venue: v.cfg.Name, Type: core.PosSpot, Symbol: baseSym}
	quoteKey := core.PositionKey{Venue: v.cfg.Name, Type: core.PosSpot, Symbol: quoteSym}
	if order.Side == core.SideBuy {
		deltas[baseKey] = executed
		deltas[quoteKey] = quote.Neg()
	} else {
		deltas[baseKey] = executed.Neg()
		deltas[quoteKey] = quote
	}

	return &core.ExecutionHandshake{
		Order:          order,
		Status:         core.ExecExecuted,
		ExecutedAmount: executed,
		ExecutedPrice:  price,
		PositionDeltas: deltas,
		FeeAmount:      fee,
		FeeCurrency:    feeCurrency,
		TradeID:        strconv.FormatInt(res.OrderID, 10),
	}, nil
}

func (v *Binance) executePerp(ctx context.Context, order core.Order) (*core.ExecutionHandshake, error) {
	baseSym, quoteSym, err := splitPair(order.Pair)
	if err != nil {
		return nil, err
	}
	side := futures.SideTypeBuy
	if order.Side == core.SideSell {
		side = futures.SideTypeSell
	}
	res, err := v.futures.NewCreateOrderService().
		Symbol(baseSym + quoteSym).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(order.Amount.String()).
		Do(ctx)
	if err != nil {
		v.logger.Error("Perp order rejected", "pair", order.Pair, "error", err)
		return &core.ExecutionHandshake{
			Order:        order,
			Status:       core.ExecFailed,
			ErrorCode:    "perp_order_rejected",
			ErrorMessage: err.Error(),
		}, nil
	}

	executed, _ := decimal.NewFromString(res.ExecutedQuantity)
	avgPrice, _ := decimal.NewFromString(res.AvgPrice)
	var price *decimal.Decimal
	if !avgPrice.IsZero() {
		price = &avgPrice
	}

	signed := executed
	if order.Side == core.SideSell {
		signed = signed.Neg()
	}
	deltas := map[core.PositionKey]decimal.Decimal{
		{Venue: v.cfg.Name, Type: core.PosPerp, Symbol: baseSym}: signed,
	}

	return &core.ExecutionHandshake{
		Order:          order,
		Status:         core.ExecExecuted,
		ExecutedAmount: executed,
		ExecutedPrice:  price,
		PositionDeltas: deltas,
		FeeCurrency:    quoteSym,
		TradeID:        strconv.FormatInt(res.OrderID, 10),
	}, nil
}

// QueryPositions reads spot balances and futures positions for the
// requested keys.
func (v *Binance) QueryPositions(ctx context.Context, keys []core.PositionKey) (core.PositionMap, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrRequestCancelled, err)
	}
	ctx, cancel := v.withTimeout(ctx)
	defer cancel()

	wantSpot := false
	wantPerp := false
	for _, k := range keys {
		switch k.Type {
		case core.PosSpot:
			wantSpot = true
		case core.PosPerp:
			wantPerp = true
		}
	}

	out := make(core.PositionMap, len(keys))
	spotBalances := map[string]decimal.Decimal{}
	perpPositions := map[string]decimal.Decimal{}

	if wantSpot {
		acct, err := v.spot.NewGetAccountService().Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: spot account: %v", apperrors.ErrVenueQueryFailed, err)
		}
		for _, b := range acct.Balances {
			free, _ := decimal.NewFromString(b.Free)
			locked, _ := decimal.NewFromString(b.Locked)
			spotBalances[strings.ToUpper(b.Asset)] = free.Add(locked)
		}
	}
	if wantPerp {
		positions, err := v.futures.NewGetPositionRiskService().Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: futures positions: %v", apperrors.ErrVenueQueryFailed, err)
		}
		for _, p := range positions {
			amt, _ := decimal.NewFromString(p.PositionAmt)
			sym := strings.TrimSuffix(strings.ToUpper(p.Symbol), "USDT")
			perpPositions[sym] = perpPositions[sym].Add(amt)
		}
	}

	for _, k := range keys {
		switch k.Type {
		case core.PosSpot:
			out[k] = spotBalances[strings.ToUpper(k.Symbol)]
		case core.PosPerp:
			out[k] = perpPositions[strings.ToUpper(k.Symbol)]
		default:
			return nil, fmt.Errorf("%w: position type %s on venue %s", apperrors.ErrUnsupportedOperation, k.Type, v.cfg.Name)
		}
	}
	return out, nil
}

// QueryMarket serves spot prices and the current funding rate.
func (v *Binance) QueryMarket(ctx context.Context, kinds []string) (map[string]decimal.Decimal, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrRequestCancelled, err)
	}
	ctx, cancel := v.withTimeout(ctx)
	defer cancel()

	out := make(map[string]decimal.Decimal, len(kinds))
	for _, kind := range kinds {
		switch {
		case strings.HasPrefix(kind, "spot_price_"), strings.HasPrefix(kind, "usd_price_"):
			asset := strings.ToUpper(kind[strings.LastIndex(kind, "_")+1:])
			prices, err := v.spot.NewListPricesService().Symbol(asset + "USDT").Do(ctx)
			if err != nil || len(prices) == 0 {
				return nil, fmt.Errorf("%w: price %s: %v", apperrors.ErrVenueQueryFailed, kind, err)
			}
			p, _ := decimal.NewFromString(prices[0].Price)
			out[kind] = p
		case kind == data.KindFundingRate(v.cfg.Name):
			premium, err := v.futures.NewPremiumIndexService().Symbol("ETHUSDT").Do(ctx)
			if err != nil || len(premium) == 0 {
				return nil, fmt.Errorf("%w: funding rate: %v", apperrors.ErrVenueQueryFailed, err)
			}
			r, _ := decimal.NewFromString(premium[0].LastFundingRate)
			out[kind] = r
		}
	}
	return out, nil
}

var _ core.IVenueInterface = (*Binance)(nil)
