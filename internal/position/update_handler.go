package position

import (
	"context"
	"fmt"
	"time"

	"basis_engine/internal/core"

	"github.com/shopspring/decimal"
)

// UpdateHandler performs the reconciliation operation inside the tight loop:
// apply execution deltas, obtain real positions, compare within tolerance,
// and on success trigger the downstream exposure → risk → pnl chain.
type UpdateHandler struct {
	mode       core.ExecutionMode
	monitor    *Monitor
	exposure   core.IExposureMonitor
	risk       core.IRiskMonitor
	pnl        core.IPnLCalculator
	events     core.IEventLogger
	tolerances map[core.PositionType]decimal.Decimal
	logger     core.ILogger
}

// NewUpdateHandler builds the reconciliation handler. Tolerances are per
// position type; backtest runs with zero tolerance on every type.
func NewUpdateHandler(
	mode core.ExecutionMode,
	monitor *Monitor,
	exposure core.IExposureMonitor,
	risk core.IRiskMonitor,
	pnl core.IPnLCalculator,
	events core.IEventLogger,
	tolerances map[core.PositionType]decimal.Decimal,
	logger core.ILogger,
) *UpdateHandler {
	return &UpdateHandler{
		mode:       mode,
		monitor:    monitor,
		exposure:   exposure,
		risk:       risk,
		pnl:        pnl,
		events:     events,
		tolerances: tolerances,
		logger:     logger.WithField("component", "position_update_handler"),
	}
}

// Reconcile converts the handshake into deltas, applies them, compares
// simulated against real per affected key, and runs the downstream chain on
// success. A downstream failure counts as a failed reconciliation so the
// tight loop retries the whole step.
func (h *UpdateHandler) Reconcile(ctx context.Context, t time.Time, handshake *core.ExecutionHandshake) (*core.ReconcileResult, error) {
	deltas := h.handshakeToDeltas(handshake)
	if err := h.monitor.ApplyExecutionDeltas(t, deltas); err != nil {
		return nil, fmt.Errorf("applying execution deltas: %w", err)
	}

	affected := make([]core.PositionKey, 0, len(deltas))
	seen := make(map[core.PositionKey]struct{}, len(deltas))
	for _, d := range deltas {
		if _, ok := seen[d.Key]; ok {
			continue
		}
		seen[d.Key] = struct{}{}
		affected = append(affected, d.Key)
	}

	if h.mode == core.ModeLive {
		if err := h.monitor.RefreshKeys(ctx, affected); err != nil {
			return nil, err
		}
	}

	snap := h.monitor.Current()
	var mismatches []core.PositionMismatch
	for _, key := range affected {
		sim := snap.Simulated.Get(key)
		real := snap.Real.Get(key)
		diff := sim.Sub(real).Abs()
		if diff.GreaterThan(h.tolerance(key.Type)) {
			mismatches = append(mismatches, core.PositionMismatch{
				Key:       key,
				Simulated: sim,
				Real:      real,
				Diff:      diff,
			})
		}
	}

	if len(mismatches) > 0 {
		for _, mm := range mismatches {
			h.logger.Warn("Position mismatch",
				"key", mm.Key.String(),
				"simulated", mm.Simulated,
				"real", mm.Real,
				"diff", mm.Diff)
		}
		h.events.Log(core.Event{
			Timestamp: t,
			Type:      "RECONCILE_MISMATCH",
			Venue:     handshake.Order.Venue,
			Status:    "failed",
			Fields:    map[string]string{"mismatches": fmt.Sprintf("%d", len(mismatches))},
		})
		return &core.ReconcileResult{Success: false, Mismatches: mismatches}, nil
	}

	// Downstream chain: exposure → risk → pnl, atomic with the reconcile.
	exp, err := h.exposure.Compute(t)
	if err != nil {
		return nil, fmt.Errorf("downstream exposure: %w", err)
	}
	if _, err := h.risk.Assess(t, exp); err != nil {
		return nil, fmt.Errorf("downstream risk: %w", err)
	}
	if _, err := h.pnl.Update(t); err != nil {
		return nil, fmt.Errorf("downstream pnl: %w", err)
	}

	h.events.Log(core.Event{
		Timestamp: t,
		Type:      "RECONCILE_OK",
		Venue:     handshake.Order.Venue,
		Status:    "success",
	})
	return &core.ReconcileResult{Success: true}, nil
}

// handshakeToDeltas converts the handshake's per-key amounts into trade
// deltas plus one fee delta. Venue position deltas cover asset and
// quote-side cash changes; fees are reported separately on the handshake
// and settle on the venue's cash key.
func (h *UpdateHandler) handshakeToDeltas(hs *core.ExecutionHandshake) []core.Delta {
	deltas := make([]core.Delta, 0, len(hs.PositionDeltas)+1)
	for key, amount := range hs.PositionDeltas {
		if amount.IsZero() {
			continue
		}
		d := core.Delta{
			Key:    key,
			Amount: amount,
			Source: core.SourceTrade,
			Metadata: map[string]string{
				"trade_id": hs.TradeID,
			},
		}
		if hs.ExecutedPrice != nil {
			p := *hs.ExecutedPrice
			d.Price = &p
		}
		deltas = append(deltas, d)
	}
	if hs.FeeAmount.IsPositive() && hs.FeeCurrency != "" {
		fee := hs.FeeAmount
		deltas = append(deltas, core.Delta{
			Key:    core.PositionKey{Venue: hs.Order.Venue, Type: core.PosSpot, Symbol: hs.FeeCurrency},
			Amount: fee.Neg(),
			Source: core.SourceTrade,
			Fee:    &fee,
			Metadata: map[string]string{
				"trade_id": hs.TradeID,
				"fee":      "true",
			},
		})
	}
	return deltas
}

func (h *UpdateHandler) tolerance(pt core.PositionType) decimal.Decimal {
	if h.mode == core.ModeBacktest {
		return decimal.Zero
	}
	if tol, ok := h.tolerances[pt]; ok {
		return tol
	}
	return decimal.Zero
}

var _ core.IPositionUpdateHandler = (*UpdateHandler)(nil)
