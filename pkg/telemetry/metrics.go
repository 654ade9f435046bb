package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTimestepsTotal        = "basis_engine_timesteps_total"
	MetricOrdersExecutedTotal   = "basis_engine_orders_executed_total"
	MetricOrdersFailedTotal     = "basis_engine_orders_failed_total"
	MetricReconcileFailures     = "basis_engine_reconcile_failures_total"
	MetricTickSkipsTotal        = "basis_engine_tick_skips_total"
	MetricEventsDroppedTotal    = "basis_engine_events_dropped_total"
	MetricEquityShareClass      = "basis_engine_equity_share_class"
	MetricNetDelta              = "basis_engine_net_delta"
	MetricRiskStatus            = "basis_engine_risk_status"
	MetricLoopDurationSeconds   = "basis_engine_loop_duration_seconds"
	MetricVenueLatencySeconds   = "basis_engine_venue_latency_seconds"
	MetricPnLReconciliationDiff = "basis_engine_pnl_reconciliation_diff"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	TimestepsTotal      metric.Int64Counter
	OrdersExecutedTotal metric.Int64Counter
	OrdersFailedTotal   metric.Int64Counter
	ReconcileFailures   metric.Int64Counter
	TickSkipsTotal      metric.Int64Counter
	EventsDroppedTotal  metric.Int64Counter
	EquityShareClass    metric.Float64ObservableGauge
	NetDelta            metric.Float64ObservableGauge
	RiskStatus          metric.Int64ObservableGauge
	LoopDuration        metric.Float64Histogram
	VenueLatency        metric.Float64Histogram
	ReconciliationDiff  metric.Float64ObservableGauge

	// State for observable gauges, keyed by request ID.
	mu         sync.RWMutex
	equityMap  map[string]float64
	deltaMap   map[string]float64
	riskMap    map[string]int64
	pnlDiffMap map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			equityMap:  make(map[string]float64),
			deltaMap:   make(map[string]float64),
			riskMap:    make(map[string]int64),
			pnlDiffMap: make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.TimestepsTotal, err = meter.Int64Counter(MetricTimestepsTotal,
		metric.WithDescription("Full loop iterations completed")); err != nil {
		return err
	}
	if m.OrdersExecutedTotal, err = meter.Int64Counter(MetricOrdersExecutedTotal,
		metric.WithDescription("Orders executed and reconciled")); err != nil {
		return err
	}
	if m.OrdersFailedTotal, err = meter.Int64Counter(MetricOrdersFailedTotal,
		metric.WithDescription("Orders that failed at the venue")); err != nil {
		return err
	}
	if m.ReconcileFailures, err = meter.Int64Counter(MetricReconcileFailures,
		metric.WithDescription("Reconciliation attempts that found mismatches")); err != nil {
		return err
	}
	if m.TickSkipsTotal, err = meter.Int64Counter(MetricTickSkipsTotal,
		metric.WithDescription("Live ticks skipped because the loop overran")); err != nil {
		return err
	}
	if m.EventsDroppedTotal, err = meter.Int64Counter(MetricEventsDroppedTotal,
		metric.WithDescription("Events dropped over the queue high-water mark")); err != nil {
		return err
	}
	if m.LoopDuration, err = meter.Float64Histogram(MetricLoopDurationSeconds,
		metric.WithDescription("Full loop iteration duration in seconds")); err != nil {
		return err
	}
	if m.VenueLatency, err = meter.Float64Histogram(MetricVenueLatencySeconds,
		metric.WithDescription("Venue execute call latency in seconds")); err != nil {
		return err
	}

	m.EquityShareClass, err = meter.Float64ObservableGauge(MetricEquityShareClass,
		metric.WithDescription("Current equity in the share class"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for id, v := range m.equityMap {
				o.Observe(v, metric.WithAttributes(attribute.String("request_id", id)))
			}
			return nil
		}))
	if err != nil {
		return err
	}
	m.NetDelta, err = meter.Float64ObservableGauge(MetricNetDelta,
		metric.WithDescription("Current net delta in the share class"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for id, v := range m.deltaMap {
				o.Observe(v, metric.WithAttributes(attribute.String("request_id", id)))
			}
			return nil
		}))
	if err != nil {
		return err
	}
	m.RiskStatus, err = meter.Int64ObservableGauge(MetricRiskStatus,
		metric.WithDescription("Overall risk status severity (0 safe, 1 warning, 2 critical)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for id, v := range m.riskMap {
				o.Observe(v, metric.WithAttributes(attribute.String("request_id", id)))
			}
			return nil
		}))
	if err != nil {
		return err
	}
	m.ReconciliationDiff, err = meter.Float64ObservableGauge(MetricPnLReconciliationDiff,
		metric.WithDescription("Balance-vs-attribution P&L difference"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for id, v := range m.pnlDiffMap {
				o.Observe(v, metric.WithAttributes(attribute.String("request_id", id)))
			}
			return nil
		}))
	return err
}

// SetRequestState updates the observable gauge values for one request.
func (m *MetricsHolder) SetRequestState(requestID string, equity, netDelta, pnlDiff float64, riskSeverity int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equityMap[requestID] = equity
	m.deltaMap[requestID] = netDelta
	m.pnlDiffMap[requestID] = pnlDiff
	m.riskMap[requestID] = riskSeverity
}

// ClearRequest removes one request's gauges after the run ends.
func (m *MetricsHolder) ClearRequest(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.equityMap, requestID)
	delete(m.deltaMap, requestID)
	delete(m.pnlDiffMap, requestID)
	delete(m.riskMap, requestID)
}
