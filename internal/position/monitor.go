package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"basis_engine/internal/core"
	apperrors "basis_engine/pkg/errors"

	"github.com/shopspring/decimal"
)

// RefreshAllVenues fixes the live refresh policy: every tick re-queries all
// configured venues rather than only those touched since the last refresh.
const RefreshAllVenues = true

// MonitorConfig configures a position monitor.
type MonitorConfig struct {
	Mode          core.ExecutionMode
	Subscriptions []core.PositionKey
	// ProhibitNegative lists keys whose simulated balance may never go
	// below zero.
	ProhibitNegative []core.PositionKey
	// ShadowReplay recomputes backtest real positions by independently
	// replaying the delta journal instead of copying the simulated map.
	// Collapses into a copy when the applier is correct; used to catch
	// applier bugs in tests.
	ShadowReplay bool
}

// Monitor is the authoritative store of simulated and real positions. The
// unified delta applier is the sole mutation path for the simulated map.
type Monitor struct {
	mode     core.ExecutionMode
	settle   *SettlementEngine
	venueMgr core.IVenueManager
	events   core.IEventLogger
	logger   core.ILogger

	mu          sync.RWMutex
	simulated   core.PositionMap
	real        core.PositionMap
	subs        map[core.PositionKey]struct{}
	prohibitNeg map[core.PositionKey]struct{}
	journal     []core.Delta
	lastSettled time.Time
	shadow      bool
}

// NewMonitor builds a position monitor. settle may be nil in live mode;
// venueMgr may be nil in backtest.
func NewMonitor(cfg MonitorConfig, settle *SettlementEngine, venueMgr core.IVenueManager, events core.IEventLogger, logger core.ILogger) *Monitor {
	subs := make(map[core.PositionKey]struct{}, len(cfg.Subscriptions))
	for _, k := range cfg.Subscriptions {
		subs[k] = struct{}{}
	}
	neg := make(map[core.PositionKey]struct{}, len(cfg.ProhibitNegative))
	for _, k := range cfg.ProhibitNegative {
		neg[k] = struct{}{}
	}
	return &Monitor{
		mode:        cfg.Mode,
		settle:      settle,
		venueMgr:    venueMgr,
		events:      events,
		logger:      logger.WithField("component", "position_monitor"),
		simulated:   make(core.PositionMap),
		real:        make(core.PositionMap),
		subs:        subs,
		prohibitNeg: neg,
		shadow:      cfg.ShadowReplay,
	}
}

// Initialize seeds positions: from initial-capital deltas in backtest, or by
// querying venues in live.
func (m *Monitor) Initialize(t time.Time, initial []core.Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range initial {
		if d.Source != core.SourceInitial {
			return fmt.Errorf("initialize accepts only source=initial deltas, got %s", d.Source)
		}
		if err := m.applyLocked(d); err != nil {
			return err
		}
	}
	m.lastSettled = t

	if m.mode == core.ModeBacktest {
		m.real = m.backtestRealLocked()
		return nil
	}
	return m.queryVenuesLocked(context.Background())
}

// Refresh updates both position maps without reconciliation validation.
// Backtest: applies due scheduled settlements, then copies simulated into
// real. Live: re-queries every venue (RefreshAllVenues policy).
func (m *Monitor) Refresh(ctx context.Context, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode == core.ModeBacktest {
		if err := m.settleLocked(t); err != nil {
			return err
		}
		m.real = m.backtestRealLocked()
		return nil
	}
	return m.queryVenuesLocked(ctx)
}

// ApplyExecutionDeltas applies execution deltas to the simulated map.
// Backtest ordering is critical: pending execution deltas first, then any
// settlements due at t, and only then the copy into real. Violating this
// order yields spurious reconciliation failures.
func (m *Monitor) ApplyExecutionDeltas(t time.Time, deltas []core.Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range deltas {
		if err := m.applyLocked(d); err != nil {
			return err
		}
	}

	if m.mode == core.ModeBacktest {
		if err := m.settleLocked(t); err != nil {
			return err
		}
		m.real = m.backtestRealLocked()
	}
	return nil
}

// RefreshKeys re-queries the venues owning the given keys and merges the
// results into the real map. Used by live reconciliation for affected keys.
func (m *Monitor) RefreshKeys(ctx context.Context, keys []core.PositionKey) error {
	if m.mode != core.ModeLive {
		return nil
	}
	byVenue := make(map[string][]core.PositionKey)
	for _, k := range keys {
		byVenue[k.Venue] = append(byVenue[k.Venue], k)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for venue, vkeys := range byVenue {
		vi, ok := m.venueMgr.Venue(venue)
		if !ok {
			return &apperrors.NoVenueConfiguredError{Venue: venue, Operation: "query_positions"}
		}
		pm, err := vi.QueryPositions(ctx, vkeys)
		if err != nil {
			return fmt.Errorf("%w: venue %s: %v", apperrors.ErrVenueQueryFailed, venue, err)
		}
		for k, v := range pm {
			m.real[k] = v
		}
	}
	return nil
}

// Current returns a read-only snapshot; maps are copied so mutation stays
// confined to the delta applier.
func (m *Monitor) Current() core.PositionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return core.PositionSnapshot{
		Simulated: m.simulated.Copy(),
		Real:      m.real.Copy(),
	}
}

// Subscriptions returns the registered position keys.
func (m *Monitor) Subscriptions() []core.PositionKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.PositionKey, 0, len(m.subs))
	for k := range m.subs {
		out = append(out, k)
	}
	return out
}

// Journal returns a copy of the delta journal since initialization.
func (m *Monitor) Journal() []core.Delta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.Delta(nil), m.journal...)
}

// applyLocked is the unified delta applier.
func (m *Monitor) applyLocked(d core.Delta) error {
	if _, ok := m.subs[d.Key]; !ok {
		return &apperrors.UnknownPositionKeyError{Key: d.Key.String()}
	}
	next := m.simulated.Get(d.Key).Add(d.Amount)
	if _, prohibited := m.prohibitNeg[d.Key]; prohibited && next.IsNegative() {
		return fmt.Errorf("%w: %s would become %s", apperrors.ErrNegativeBalance, d.Key, next)
	}
	m.simulated[d.Key] = next
	m.journal = append(m.journal, d)
	return nil
}

// settleLocked applies settlements due since the last settlement point.
func (m *Monitor) settleLocked(t time.Time) error {
	if m.settle == nil || !t.After(m.lastSettled) {
		return nil
	}
	due, err := m.settle.Due(m.lastSettled, t, m.simulated)
	if err != nil {
		return err
	}
	for _, d := range due {
		if err := m.applyLocked(d); err != nil {
			return err
		}
		if m.events != nil {
			m.events.Log(core.Event{
				Timestamp: t,
				Type:      "SETTLEMENT",
				Venue:     d.Key.Venue,
				Token:     d.Key.Symbol,
				Amount:    d.Amount,
				Status:    "applied",
				Purpose:   string(d.Source),
			})
		}
	}
	m.lastSettled = t
	return nil
}

// backtestRealLocked produces the real map: a copy of simulated, or an
// independent journal replay when shadow replay is enabled.
func (m *Monitor) backtestRealLocked() core.PositionMap {
	if !m.shadow {
		return m.simulated.Copy()
	}
	replay := make(core.PositionMap, len(m.simulated))
	for _, d := range m.journal {
		replay[d.Key] = replay.Get(d.Key).Add(d.Amount)
	}
	for k, v := range replay {
		if v.IsZero() {
			delete(replay, k)
		}
	}
	return replay
}

// queryVenuesLocked replaces the real map with fresh venue state.
func (m *Monitor) queryVenuesLocked(ctx context.Context) error {
	byVenue := make(map[string][]core.PositionKey)
	for k := range m.subs {
		byVenue[k.Venue] = append(byVenue[k.Venue], k)
	}

	fresh := make(core.PositionMap, len(m.subs))
	for venue, keys := range byVenue {
		vi, ok := m.venueMgr.Venue(venue)
		if !ok {
			return &apperrors.NoVenueConfiguredError{Venue: venue, Operation: "query_positions"}
		}
		pm, err := vi.QueryPositions(ctx, keys)
		if err != nil {
			return fmt.Errorf("%w: venue %s: %v", apperrors.ErrVenueQueryFailed, venue, err)
		}
		for k, v := range pm {
			fresh[k] = v
		}
	}
	m.real = fresh
	return nil
}

// EquityIn sums the simulated cash-like balances of one symbol across
// venues. Helper for strategy sizing.
func (m *Monitor) EquityIn(symbol string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for k, v := range m.simulated {
		if k.Symbol == symbol && (k.Type == core.PosSpot || k.Type == core.PosBaseToken) {
			total = total.Add(v)
		}
	}
	return total
}

var _ core.IPositionMonitor = (*Monitor)(nil)
