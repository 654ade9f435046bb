// Package execution owns the tight loop: execute one order, reconcile its
// effect, and only then move to the next order.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"basis_engine/internal/config"
	"basis_engine/internal/core"
	apperrors "basis_engine/pkg/errors"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/failsafe-go/failsafe-go/timeout"
)

// Defaults for the live retry schedule.
var defaultBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

const defaultTotalTimeout = 120 * time.Second

// Manager processes orders sequentially. Mutations caused by order i are
// visible to order i+1 because reconciliation triggers the downstream chain
// before the next dispatch.
type Manager struct {
	mode    core.ExecutionMode
	venues  core.IVenueManager
	handler core.IPositionUpdateHandler
	events  core.IEventLogger
	health  core.IHealthMonitor
	logger  core.ILogger

	supported    map[core.OrderOperation]struct{}
	backoff      []time.Duration
	totalTimeout time.Duration
}

// NewManager builds the execution manager from the mode's component config.
func NewManager(mode core.ExecutionMode, cfg config.ExecutionManagerConfig, venues core.IVenueManager, handler core.IPositionUpdateHandler, events core.IEventLogger, health core.IHealthMonitor, logger core.ILogger) *Manager {
	supported := make(map[core.OrderOperation]struct{}, len(cfg.SupportedOperations))
	for _, op := range cfg.SupportedOperations {
		supported[core.OrderOperation(op)] = struct{}{}
	}
	backoff := defaultBackoff
	if len(cfg.RetryBackoffSeconds) > 0 {
		backoff = make([]time.Duration, len(cfg.RetryBackoffSeconds))
		for i, s := range cfg.RetryBackoffSeconds {
			backoff[i] = time.Duration(s) * time.Second
		}
	}
	total := defaultTotalTimeout
	if cfg.TotalTimeoutSeconds > 0 {
		total = time.Duration(cfg.TotalTimeoutSeconds) * time.Second
	}
	return &Manager{
		mode:         mode,
		venues:       venues,
		handler:      handler,
		events:       events,
		health:       health,
		logger:       logger.WithField("component", "execution_manager"),
		supported:    supported,
		backoff:      backoff,
		totalTimeout: total,
	}
}

// Process runs one tight loop per order, strictly in list order. A
// SystemFailureError return means the run must terminate with the
// distinguished exit code.
func (m *Manager) Process(ctx context.Context, t time.Time, orders []core.Order) ([]*core.ExecutionHandshake, error) {
	handshakes := make([]*core.ExecutionHandshake, 0, len(orders))

	for i, order := range orders {
		if err := ctx.Err(); err != nil {
			return handshakes, fmt.Errorf("%w: %v", apperrors.ErrRequestCancelled, err)
		}
		if _, ok := m.supported[order.Operation]; !ok {
			return handshakes, m.systemFailure(t,
				fmt.Sprintf("operation %s not in supported_operations", order.Operation), nil)
		}

		m.events.Log(core.Event{
			Timestamp: t,
			Type:      "ORDER_SUBMITTED",
			Venue:     order.Venue,
			Token:     order.Pair,
			Amount:    order.Amount,
			Purpose:   string(order.Purpose),
			Iteration: i + 1,
		})

		vi, err := m.venues.Route(order)
		if err != nil {
			// Routing misses are configuration bugs in both modes.
			return handshakes, m.systemFailure(t, "no venue configured for order", err)
		}

		handshake, err := vi.Execute(ctx, t, order)
		if err != nil {
			handshake = &core.ExecutionHandshake{
				Order:        order,
				Status:       core.ExecFailed,
				ErrorCode:    "execute_error",
				ErrorMessage: err.Error(),
			}
		}

		if handshake.Status == core.ExecFailed {
			m.logger.Warn("Execution failed",
				"venue", order.Venue,
				"operation", order.Operation,
				"error_code", handshake.ErrorCode,
				"error", handshake.ErrorMessage)
			m.events.Log(core.Event{
				Timestamp: t,
				Type:      "EXECUTION_FAILED",
				Venue:     order.Venue,
				Token:     order.Pair,
				Amount:    order.Amount,
				Status:    string(handshake.Status),
				Purpose:   string(order.Purpose),
				Iteration: i + 1,
				Fields:    map[string]string{"error_code": handshake.ErrorCode},
			})
			if order.Required {
				return handshakes, m.systemFailure(t,
					fmt.Sprintf("required order failed: %s %s", order.Venue, order.Operation),
					errors.New(handshake.ErrorMessage))
			}
			handshakes = append(handshakes, handshake)
			continue
		}

		result, err := m.reconcile(ctx, t, handshake)
		if err != nil {
			return handshakes, m.systemFailure(t, "reconciliation error", err)
		}
		if !result.Success {
			if m.mode == core.ModeBacktest {
				return handshakes, m.systemFailure(t, "reconciliation failure in backtest", nil)
			}
			return handshakes, m.systemFailure(t, "reconciliation retries exhausted", nil)
		}

		m.events.Log(core.Event{
			Timestamp: t,
			Type:      "ORDER_EXECUTED",
			Venue:     order.Venue,
			Token:     order.Pair,
			Amount:    handshake.ExecutedAmount,
			Status:    string(handshake.Status),
			Purpose:   string(order.Purpose),
			Iteration: i + 1,
			TxHash:    handshake.TradeID,
		})
		handshakes = append(handshakes, handshake)
	}

	return handshakes, nil
}

// reconcile runs the handler once in backtest and under the retry pipeline
// in live: immediate attempt, then retries on the configured backoff
// schedule, all bounded by the total wall-clock timeout.
func (m *Manager) reconcile(ctx context.Context, t time.Time, handshake *core.ExecutionHandshake) (*core.ReconcileResult, error) {
	if m.mode == core.ModeBacktest {
		return m.handler.Reconcile(ctx, t, handshake)
	}

	retry := retrypolicy.NewBuilder[*core.ReconcileResult]().
		HandleIf(func(r *core.ReconcileResult, err error) bool {
			return err != nil || (r != nil && !r.Success)
		}).
		WithMaxRetries(len(m.backoff)).
		WithDelayFunc(func(exec failsafe.ExecutionAttempt[*core.ReconcileResult]) time.Duration {
			i := exec.Attempts() - 1
			if i < 0 {
				i = 0
			}
			if i >= len(m.backoff) {
				i = len(m.backoff) - 1
			}
			return m.backoff[i]
		}).
		Build()
	total := timeout.New[*core.ReconcileResult](m.totalTimeout)

	result, err := failsafe.With[*core.ReconcileResult](total, retry).
		WithContext(ctx).
		Get(func() (*core.ReconcileResult, error) {
			return m.handler.Reconcile(ctx, t, handshake)
		})
	if errors.Is(err, timeout.ErrExceeded) {
		return nil, fmt.Errorf("reconciliation exceeded %s total timeout", m.totalTimeout)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// systemFailure marks the component CRITICAL, emits the CRITICAL event and
// returns the typed error that terminates the run.
func (m *Manager) systemFailure(t time.Time, reason string, cause error) error {
	if m.health != nil {
		m.health.SetCritical("execution_manager", reason)
	}
	m.events.Log(core.Event{
		Timestamp: t,
		Type:      "SYSTEM_FAILURE",
		Status:    "critical",
		Fields:    map[string]string{"reason": reason},
	})
	m.logger.Error("System failure", "reason", reason, "cause", cause)
	return apperrors.NewSystemFailure("execution_manager", reason, cause)
}

var _ core.IExecutionManager = (*Manager)(nil)
