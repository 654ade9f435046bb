// Package core defines the domain types and component interfaces shared by
// the engine subsystem.
package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PositionKey identifies one position as venue:position_type:symbol.
// Keys are unique within a run.
type PositionKey struct {
	Venue  string
	Type   PositionType
	Symbol string
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Venue, k.Type, k.Symbol)
}

// ParsePositionKey parses a venue:position_type:symbol string.
func ParsePositionKey(s string) (PositionKey, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return PositionKey{}, fmt.Errorf("invalid position key %q: want venue:type:symbol", s)
	}
	pt, err := ParsePositionType(parts[1])
	if err != nil {
		return PositionKey{}, fmt.Errorf("invalid position key %q: %w", s, err)
	}
	return PositionKey{Venue: parts[0], Type: pt, Symbol: parts[2]}, nil
}

// PositionMap maps position keys to signed decimal amounts.
type PositionMap map[PositionKey]decimal.Decimal

// Copy returns a deep copy of the map.
func (m PositionMap) Copy() PositionMap {
	out := make(PositionMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Get returns the amount for a key, zero if absent.
func (m PositionMap) Get(k PositionKey) decimal.Decimal {
	if v, ok := m[k]; ok {
		return v
	}
	return decimal.Zero
}

// Equal reports whether two maps hold identical non-zero amounts.
func (m PositionMap) Equal(other PositionMap) bool {
	for k, v := range m {
		if !v.Equal(other.Get(k)) {
			return false
		}
	}
	for k, v := range other {
		if !v.Equal(m.Get(k)) {
			return false
		}
	}
	return true
}

// Delta is the sole mutation primitive for a PositionMap. Positive amounts
// increase the position, negative decrease it.
type Delta struct {
	Key      PositionKey
	Amount   decimal.Decimal
	Source   DeltaSource
	Price    *decimal.Decimal
	Fee      *decimal.Decimal
	Metadata map[string]string
}

// Order is produced by the StrategyManager and consumed by the
// ExecutionManager. For OpFlashAtomic the Legs carry the bundled
// sub-operations and the order is dispatched as a single execute.
type Order struct {
	Venue     string
	Operation OrderOperation
	Pair      string
	Side      OrderSide
	Amount    decimal.Decimal
	Price     *decimal.Decimal
	OrderType OrderType
	Purpose   StrategyAction
	Required  bool
	Legs      []Order
	Metadata  map[string]string
}

// ExecutionHandshake is the sole object by which an execution reports its
// effect. PositionDeltas carries one signed amount per affected key.
type ExecutionHandshake struct {
	Order          Order
	Status         ExecutionStatus
	ExecutedAmount decimal.Decimal
	ExecutedPrice  *decimal.Decimal
	PositionDeltas map[PositionKey]decimal.Decimal
	FeeAmount      decimal.Decimal
	FeeCurrency    string
	TradeID        string
	ErrorCode      string
	ErrorMessage   string
}

// MarketSnapshot holds every data kind observed at or before its timestamp.
// For a fixed timestamp repeated snapshots are content-equal.
type MarketSnapshot struct {
	At         time.Time
	Values     map[string]decimal.Decimal
	ObservedAt map[string]time.Time
}

// Value returns the datum for a kind and whether it was present.
func (s *MarketSnapshot) Value(kind string) (decimal.Decimal, bool) {
	v, ok := s.Values[kind]
	return v, ok
}

// Clone returns a deep copy so callers cannot alias provider state.
func (s *MarketSnapshot) Clone() *MarketSnapshot {
	out := &MarketSnapshot{
		At:         s.At,
		Values:     make(map[string]decimal.Decimal, len(s.Values)),
		ObservedAt: make(map[string]time.Time, len(s.ObservedAt)),
	}
	for k, v := range s.Values {
		out.Values[k] = v
	}
	for k, v := range s.ObservedAt {
		out.ObservedAt[k] = v
	}
	return out
}

// Observation is one timestamped datum of a kind, used for discrete
// distribution lookups.
type Observation struct {
	At    time.Time
	Value decimal.Decimal
}

// AssetExposure is the per-asset share-class-denominated exposure record.
type AssetExposure struct {
	Asset            string
	WalletAmount     decimal.Decimal
	UnderlyingNative decimal.Decimal
	InShareClass     decimal.Decimal
	Direction        Direction
	OnChain          bool
}

// ExposureReport aggregates per-asset exposures plus totals. On-chain and
// CEX net deltas are published separately; downstream rebalancing uses the
// split.
type ExposureReport struct {
	At              time.Time
	ByAsset         map[string]AssetExposure
	TotalLong       decimal.Decimal
	TotalShort      decimal.Decimal
	NetDelta        decimal.Decimal
	NetDeltaOnChain decimal.Decimal
	NetDeltaCEX     decimal.Decimal
	TotalValue      decimal.Decimal
}

// RiskMetric is the computed value and status of one enabled risk type.
type RiskMetric struct {
	Type              RiskType
	Value             decimal.Decimal
	WarningThreshold  decimal.Decimal
	CriticalThreshold decimal.Decimal
	Status            RiskStatus
}

// RiskAssessment rolls up the enabled risk metrics.
type RiskAssessment struct {
	At      time.Time
	ByType  map[RiskType]RiskMetric
	Overall RiskStatus
	Alerts  []string
}

// PnLRecord holds the dual-track P&L for one timestep.
type PnLRecord struct {
	At                       time.Time
	BalancePnLPeriod         decimal.Decimal
	BalancePnLCumulative     decimal.Decimal
	Attribution              map[AttributionType]decimal.Decimal
	AttributionPeriod        decimal.Decimal
	AttributionCumulative    decimal.Decimal
	ReconciliationDiff       decimal.Decimal
	ReconciliationTolerance  decimal.Decimal
	ReconciliationPassed     bool
	EquityShareClass         decimal.Decimal
}

// Event is the unit of the durable event log. Events are totally ordered by
// (Timestamp, OrderWithinT); OrderWithinT is assigned by the logger.
type Event struct {
	Timestamp    time.Time         `json:"timestamp"`
	OrderWithinT int               `json:"order_within_t"`
	Type         string            `json:"event_type"`
	Venue        string            `json:"venue,omitempty"`
	Token        string            `json:"token,omitempty"`
	Amount       decimal.Decimal   `json:"amount,omitempty"`
	Status       string            `json:"status,omitempty"`
	Purpose      string            `json:"purpose,omitempty"`
	ParentEvent  string            `json:"parent_event,omitempty"`
	Iteration    int               `json:"iteration,omitempty"`
	TxHash       string            `json:"tx_hash,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
}

// ResultRow is one per-timestep row appended to the results store.
type ResultRow struct {
	Timestamp             time.Time
	EquityShareClass      decimal.Decimal
	BalancePnLPeriod      decimal.Decimal
	BalancePnLCumulative  decimal.Decimal
	AttributionCumulative decimal.Decimal
	ReconciliationDiff    decimal.Decimal
	OverallRiskStatus     RiskStatus
	NetDelta              decimal.Decimal
}

// Summary is the final aggregated metrics of a completed run.
type Summary struct {
	TotalReturn          decimal.Decimal            `json:"total_return"`
	AnnualizedReturn     decimal.Decimal            `json:"annualized_return"`
	MaxDrawdown          decimal.Decimal            `json:"max_drawdown"`
	SharpeRatio          decimal.Decimal            `json:"sharpe_ratio"`
	Attribution          map[string]decimal.Decimal `json:"attribution_breakdown"`
	MinRiskValues        map[string]decimal.Decimal `json:"min_risk_values"`
	MaxRiskValues        map[string]decimal.Decimal `json:"max_risk_values"`
	ExecutionTimeSeconds float64                    `json:"execution_time_seconds"`
	Error                string                     `json:"error,omitempty"`
}

// ReconcileResult is returned by the position update handler.
type ReconcileResult struct {
	Success    bool
	Mismatches []PositionMismatch
}

// PositionMismatch is one simulated-vs-real divergence beyond tolerance.
type PositionMismatch struct {
	Key       PositionKey
	Simulated decimal.Decimal
	Real      decimal.Decimal
	Diff      decimal.Decimal
}

// PositionSnapshot is a read-only copy of both position maps.
type PositionSnapshot struct {
	Simulated PositionMap
	Real      PositionMap
}
