// Package engine owns the full loop: per-timestep orchestration of the
// component chain in a fixed sequence, in backtest and live alike.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"basis_engine/internal/core"
	"basis_engine/internal/results"
	apperrors "basis_engine/pkg/errors"
	"basis_engine/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// DefaultTickInterval is the live full-loop cadence.
const DefaultTickInterval = 60 * time.Second

// DefaultMaxTickSkips bounds consecutive drop-to-latest skips before the
// engine goes CRITICAL.
const DefaultMaxTickSkips = 5

// FlowNotifier is implemented by strategy managers that want to know about
// pending deposits or withdrawals.
type FlowNotifier interface {
	NotifyFlow()
}

// Components bundles everything one request's engine drives.
type Components struct {
	RequestID      string
	Mode           core.ExecutionMode
	ShareClass     string
	InitialCapital decimal.Decimal
	InitialDeltas  []core.Delta
	StartDate      time.Time
	EndDate        time.Time
	TickInterval   time.Duration
	MaxTickSkips   int

	Clock     core.Clock
	Provider  core.IDataProvider
	Positions core.IPositionMonitor
	Exposure  core.IExposureMonitor
	Risk      core.IRiskMonitor
	PnL       core.IPnLCalculator
	Strategy  core.IStrategyManager
	Execution core.IExecutionManager
	Events    core.IEventLogger
	Results   core.IResultsStore
	Health    core.IHealthMonitor
	Attribute func() map[core.AttributionType]decimal.Decimal
}

// Engine runs the full loop for one request. All components execute
// synchronously on the driver's goroutine; the event and results writers
// are the only asynchronous boundaries.
type Engine struct {
	c      Components
	logger core.ILogger

	mu       sync.Mutex
	status   core.RequestStatus
	cancel   bool
	lastErr  error
	currentT time.Time
}

// New builds an engine over assembled components.
func New(c Components, logger core.ILogger) *Engine {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.MaxTickSkips <= 0 {
		c.MaxTickSkips = DefaultMaxTickSkips
	}
	return &Engine{
		c:      c,
		logger: logger.WithField("component", "engine").WithField("request_id", c.RequestID),
		status: core.StatusQueued,
	}
}

// Status returns the request lifecycle state.
func (e *Engine) Status() core.RequestStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// CurrentT returns the timestep being processed.
func (e *Engine) CurrentT() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentT
}

// Stop sets the cooperative cancel flag; the driver returns at the next
// step boundary.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.cancel = true
	e.mu.Unlock()
	e.logger.Info("Cancel requested")
}

func (e *Engine) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel
}

func (e *Engine) setStatus(s core.RequestStatus) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// RunBacktest replays the data timestamp sequence and writes the final
// summary. Any component failure is fatal; partial outputs are finalized
// with the error recorded.
func (e *Engine) RunBacktest(ctx context.Context) error {
	started := time.Now()
	e.setStatus(core.StatusRunning)
	builder := results.NewSummaryBuilder(e.c.InitialCapital, started)

	runErr := e.runBacktestLoop(ctx, builder)

	attribution := map[core.AttributionType]decimal.Decimal{}
	if e.c.Attribute != nil {
		attribution = e.c.Attribute()
	}
	summary := builder.Build(attribution, runErr)
	if err := e.c.Results.Finalize(summary); err != nil {
		e.logger.Error("Finalizing results failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	e.closeOutputs()

	switch {
	case runErr == nil:
		e.setStatus(core.StatusCompleted)
		e.logger.Info("Backtest completed",
			"total_return", summary.TotalReturn,
			"max_drawdown", summary.MaxDrawdown)
	case errors.Is(runErr, apperrors.ErrRequestCancelled):
		e.setStatus(core.StatusCancelled)
	default:
		e.setStatus(core.StatusFailed)
		e.logger.Error("Backtest failed", "error", runErr)
	}
	return runErr
}

func (e *Engine) runBacktestLoop(ctx context.Context, builder *results.SummaryBuilder) error {
	timestamps, err := e.c.Provider.Timestamps(e.c.StartDate, e.c.EndDate)
	if err != nil {
		return fmt.Errorf("resolving timestamps: %w", err)
	}
	if len(timestamps) == 0 {
		return fmt.Errorf("%w: no covered timestamps in [%s, %s]",
			apperrors.ErrDataUnavailable,
			e.c.StartDate.Format(time.RFC3339), e.c.EndDate.Format(time.RFC3339))
	}

	if err := e.c.Positions.Initialize(timestamps[0], e.c.InitialDeltas); err != nil {
		return fmt.Errorf("initializing positions: %w", err)
	}
	if notifier, ok := e.c.Strategy.(FlowNotifier); ok {
		// Initial capital is a deposit: the first Decide enters regardless
		// of the deviation threshold.
		notifier.NotifyFlow()
	}

	e.logger.Info("Backtest starting",
		"timesteps", len(timestamps),
		"start", timestamps[0],
		"end", timestamps[len(timestamps)-1])

	for _, t := range timestamps {
		if e.cancelled(ctx) {
			return fmt.Errorf("%w: backtest interrupted", apperrors.ErrRequestCancelled)
		}
		if err := e.step(ctx, t, builder); err != nil {
			return err
		}
	}
	return nil
}

// RunLive drives the loop on wall-clock ticks until stopped or a system
// failure. Component failures outside the tight loop are logged and the
// loop continues on the next tick.
func (e *Engine) RunLive(ctx context.Context) error {
	e.setStatus(core.StatusRunning)
	started := time.Now()
	builder := results.NewSummaryBuilder(e.c.InitialCapital, started)

	now := e.c.Clock.Now()
	if err := e.c.Positions.Initialize(now, nil); err != nil {
		e.setStatus(core.StatusFailed)
		return fmt.Errorf("initializing positions from venues: %w", err)
	}

	runErr := e.runLiveLoop(ctx, builder)

	attribution := map[core.AttributionType]decimal.Decimal{}
	if e.c.Attribute != nil {
		attribution = e.c.Attribute()
	}
	if err := e.c.Results.Finalize(builder.Build(attribution, runErr)); err != nil {
		e.logger.Error("Finalizing results failed", "error", err)
	}
	e.closeOutputs()

	switch {
	case runErr == nil:
		e.setStatus(core.StatusCompleted)
		return nil
	case errors.Is(runErr, apperrors.ErrRequestCancelled):
		// An operator stop is the normal end of a live session.
		e.setStatus(core.StatusCancelled)
		return nil
	default:
		e.setStatus(core.StatusFailed)
		return runErr
	}
}

// closeOutputs drains and closes the writers so tail events are durable
// before the run returns.
func (e *Engine) closeOutputs() {
	if err := e.c.Events.Close(); err != nil {
		e.logger.Error("Closing event log failed", "error", err)
	}
	if err := e.c.Results.Close(); err != nil {
		e.logger.Error("Closing results store failed", "error", err)
	}
}

func (e *Engine) runLiveLoop(ctx context.Context, builder *results.SummaryBuilder) error {
	ticker := time.NewTicker(e.c.TickInterval)
	defer ticker.Stop()

	skips := 0
	for {
		if e.cancelled(ctx) {
			return fmt.Errorf("%w: live session stopped", apperrors.ErrRequestCancelled)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", apperrors.ErrRequestCancelled, ctx.Err())
		case <-ticker.C:
		}

		t := e.c.Clock.Now()
		err := e.step(ctx, t, builder)

		var sysErr *apperrors.SystemFailureError
		switch {
		case err == nil:
		case errors.As(err, &sysErr):
			return err
		case errors.Is(err, apperrors.ErrDataStale):
			e.logger.Warn("Stale data, skipping tick", "t", t)
		default:
			e.logger.Error("Full loop iteration failed, continuing", "t", t, "error", err)
			if !e.c.Health.IsHealthy() {
				return fmt.Errorf("engine unhealthy after loop failure: %w", err)
			}
		}

		// Drop-to-latest: missed ticks during a long iteration are
		// discarded rather than replayed.
		dropped := 0
		for {
			select {
			case <-ticker.C:
				dropped++
				continue
			default:
			}
			break
		}
		if dropped > 0 {
			skips += dropped
			if m := telemetry.GetGlobalMetrics(); m.TickSkipsTotal != nil {
				m.TickSkipsTotal.Add(ctx, int64(dropped))
			}
			e.logger.Warn("Loop overran tick interval", "dropped_ticks", dropped, "total_skips", skips)
			if skips > e.c.MaxTickSkips {
				e.c.Events.Log(core.Event{
					Timestamp: t,
					Type:      "TICK_SKIPS_EXCEEDED",
					Status:    "critical",
					Fields:    map[string]string{"skips": fmt.Sprintf("%d", skips)},
				})
				e.c.Health.SetCritical("engine", "tick skips exceeded threshold")
				skips = 0
			}
		} else {
			skips = 0
		}
	}
}

// step is one full loop iteration in the fixed sequence.
func (e *Engine) step(ctx context.Context, t time.Time, builder *results.SummaryBuilder) error {
	loopStart := time.Now()
	e.mu.Lock()
	e.currentT = t
	e.mu.Unlock()
	e.c.Events.AdvanceTimestep(t)

	if err := e.c.Positions.Refresh(ctx, t); err != nil {
		return fmt.Errorf("position refresh at %s: %w", t.Format(time.RFC3339), err)
	}
	if e.cancelled(ctx) {
		return fmt.Errorf("%w: interrupted", apperrors.ErrRequestCancelled)
	}

	exposure, err := e.c.Exposure.Compute(t)
	if err != nil {
		return fmt.Errorf("exposure at %s: %w", t.Format(time.RFC3339), err)
	}
	risk, err := e.c.Risk.Assess(t, exposure)
	if err != nil {
		return fmt.Errorf("risk at %s: %w", t.Format(time.RFC3339), err)
	}

	orders, err := e.c.Strategy.Decide(t, exposure, risk)
	if err != nil {
		return fmt.Errorf("strategy at %s: %w", t.Format(time.RFC3339), err)
	}
	if e.cancelled(ctx) {
		return fmt.Errorf("%w: interrupted", apperrors.ErrRequestCancelled)
	}

	if len(orders) > 0 {
		if _, err := e.c.Execution.Process(ctx, t, orders); err != nil {
			return err
		}
		// The tight loop's downstream chain refreshed these.
		if last := e.c.Exposure.Last(); last != nil {
			exposure = last
		}
		if last := e.c.Risk.Last(); last != nil {
			risk = last
		}
	}

	pnl, err := e.c.PnL.Update(t)
	if err != nil {
		return fmt.Errorf("pnl at %s: %w", t.Format(time.RFC3339), err)
	}

	row := core.ResultRow{
		Timestamp:         t,
		OverallRiskStatus: risk.Overall,
		NetDelta:          exposure.NetDelta,
		EquityShareClass:  exposure.TotalValue,
	}
	if pnl != nil {
		row.BalancePnLPeriod = pnl.BalancePnLPeriod
		row.BalancePnLCumulative = pnl.BalancePnLCumulative
		row.AttributionCumulative = pnl.AttributionCumulative
		row.ReconciliationDiff = pnl.ReconciliationDiff
	}
	e.c.Results.Append(row)
	builder.Observe(t, exposure.TotalValue, risk)

	// Instruments are nil until telemetry.Setup runs; tests drive the
	// engine without it.
	metrics := telemetry.GetGlobalMetrics()
	if metrics.TimestepsTotal != nil {
		metrics.TimestepsTotal.Add(ctx, 1)
		metrics.LoopDuration.Record(ctx, time.Since(loopStart).Seconds())
	}
	equity, _ := exposure.TotalValue.Float64()
	netDelta, _ := exposure.NetDelta.Float64()
	diff := 0.0
	if pnl != nil {
		diff, _ = pnl.ReconciliationDiff.Float64()
	}
	metrics.SetRequestState(e.c.RequestID, equity, netDelta, diff, int64(risk.Overall.Severity()))
	return nil
}
