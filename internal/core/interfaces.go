package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// Clock abstracts wall-clock reads and sleeps so the live tick and the
// tight-loop backoff are testable with compressed time.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// IDataProvider returns market/protocol data valid at a given timestamp with
// no forward bias.
type IDataProvider interface {
	Get(t time.Time) (*MarketSnapshot, error)
	Timestamps(start, end time.Time) ([]time.Time, error)
	ValidateRequirements(kinds []string) error
}

// IPositionMonitor is the authoritative store of simulated and real
// positions. Deltas are the sole mutation path.
type IPositionMonitor interface {
	Initialize(t time.Time, initial []Delta) error
	Refresh(ctx context.Context, t time.Time) error
	ApplyExecutionDeltas(t time.Time, deltas []Delta) error
	Current() PositionSnapshot
	Subscriptions() []PositionKey
}

// IPositionUpdateHandler performs the reconciliation operation inside the
// tight loop.
type IPositionUpdateHandler interface {
	Reconcile(ctx context.Context, t time.Time, handshake *ExecutionHandshake) (*ReconcileResult, error)
}

// IExposureMonitor converts positions into share-class exposures.
type IExposureMonitor interface {
	Compute(t time.Time) (*ExposureReport, error)
	Last() *ExposureReport
}

// IRiskMonitor computes the enabled risk metrics.
type IRiskMonitor interface {
	Assess(t time.Time, exposure *ExposureReport) (*RiskAssessment, error)
	Last() *RiskAssessment
}

// IPnLCalculator computes balance-based and attribution P&L and reconciles
// them.
type IPnLCalculator interface {
	Update(t time.Time) (*PnLRecord, error)
	Last() *PnLRecord
	RecordFlow(t time.Time, amount decimal.Decimal)
}

// IStrategyManager emits orders from current exposure, risk and config.
type IStrategyManager interface {
	Decide(t time.Time, exposure *ExposureReport, risk *RiskAssessment) ([]Order, error)
}

// IVenueInterface performs executions and queries against one venue. In
// backtest all three interaction modes are simulated against the data
// provider; in live each is a real client.
type IVenueInterface interface {
	Name() string
	Execute(ctx context.Context, t time.Time, order Order) (*ExecutionHandshake, error)
	QueryPositions(ctx context.Context, keys []PositionKey) (PositionMap, error)
	QueryMarket(ctx context.Context, kinds []string) (map[string]decimal.Decimal, error)
}

// IVenueManager routes an order to the correct venue interface.
type IVenueManager interface {
	Route(order Order) (IVenueInterface, error)
	Venue(name string) (IVenueInterface, bool)
	Venues() []IVenueInterface
}

// IExecutionManager runs the tight loop over a list of orders.
type IExecutionManager interface {
	Process(ctx context.Context, t time.Time, orders []Order) ([]*ExecutionHandshake, error)
}

// IEventLogger appends structured events to durable storage in FIFO order.
// AdvanceTimestep resets the order_within_T counter.
type IEventLogger interface {
	Log(event Event)
	AdvanceTimestep(t time.Time)
	Close() error
}

// IResultsStore appends per-timestep result rows and the final summary.
type IResultsStore interface {
	Append(row ResultRow)
	Finalize(summary Summary) error
	Close() error
}

// IHealthMonitor tracks per-component health for the live loop.
type IHealthMonitor interface {
	Register(component string, check func() error)
	SetCritical(component string, reason string)
	IsHealthy() bool
	Status() map[string]string
}
