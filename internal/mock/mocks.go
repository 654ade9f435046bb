// Package mock provides hand-rolled test doubles for the core interfaces.
package mock

import (
	"context"
	"sync"
	"time"

	"basis_engine/internal/core"
	apperrors "basis_engine/pkg/errors"

	"github.com/shopspring/decimal"
)

// MockLogger implements core.ILogger and discards everything.
type MockLogger struct{}

func NewMockLogger() *MockLogger { return &MockLogger{} }

func (l *MockLogger) Debug(msg string, fields ...interface{}) {}
func (l *MockLogger) Info(msg string, fields ...interface{})  {}
func (l *MockLogger) Warn(msg string, fields ...interface{})  {}
func (l *MockLogger) Error(msg string, fields ...interface{}) {}
func (l *MockLogger) Fatal(msg string, fields ...interface{}) {}
func (l *MockLogger) WithField(key string, value interface{}) core.ILogger {
	return l
}
func (l *MockLogger) WithFields(fields map[string]interface{}) core.ILogger {
	return l
}

// MockClock implements core.Clock with a settable current time and
// instant sleeps.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	Slept   []time.Duration
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{current: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

func (c *MockClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Slept = append(c.Slept, d)
	c.current = c.current.Add(d)
	return nil
}

// MockDataProvider implements core.IDataProvider over a fixed set of
// snapshots keyed by timestamp.
type MockDataProvider struct {
	mu        sync.Mutex
	Snapshots map[time.Time]*core.MarketSnapshot
	Steps     []time.Time
	GetErr    error

	distributions map[string][]core.Observation
}

func NewMockDataProvider() *MockDataProvider {
	return &MockDataProvider{Snapshots: make(map[time.Time]*core.MarketSnapshot)}
}

// Set stores a single datum at t, creating the snapshot if needed.
func (p *MockDataProvider) Set(t time.Time, kind string, value decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.Snapshots[t]
	if !ok {
		snap = &core.MarketSnapshot{
			At:         t,
			Values:     make(map[string]decimal.Decimal),
			ObservedAt: make(map[string]time.Time),
		}
		p.Snapshots[t] = snap
		p.Steps = append(p.Steps, t)
	}
	snap.Values[kind] = value
	snap.ObservedAt[kind] = t
}

func (p *MockDataProvider) Get(t time.Time) (*core.MarketSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.GetErr != nil {
		return nil, p.GetErr
	}
	if snap, ok := p.Snapshots[t]; ok {
		return snap.Clone(), nil
	}
	// LOCF over the known steps.
	var best *core.MarketSnapshot
	for ts, snap := range p.Snapshots {
		if !ts.After(t) && (best == nil || ts.After(best.At)) {
			best = snap
		}
	}
	if best == nil {
		return &core.MarketSnapshot{
			At:         t,
			Values:     map[string]decimal.Decimal{},
			ObservedAt: map[string]time.Time{},
		}, nil
	}
	out := best.Clone()
	out.At = t
	return out, nil
}

func (p *MockDataProvider) Timestamps(start, end time.Time) ([]time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []time.Time
	for _, ts := range p.Steps {
		if !ts.Before(start) && !ts.After(end) {
			out = append(out, ts)
		}
	}
	return out, nil
}

func (p *MockDataProvider) ValidateRequirements(kinds []string) error { return nil }

// Distribution registers a discrete observation served by Distributions.
func (p *MockDataProvider) Distribution(kind string, at time.Time, value decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.distributions == nil {
		p.distributions = make(map[string][]core.Observation)
	}
	p.distributions[kind] = append(p.distributions[kind], core.Observation{At: at, Value: value})
}

func (p *MockDataProvider) Distributions(kind string, after, until time.Time) []core.Observation {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []core.Observation
	for _, obs := range p.distributions[kind] {
		if obs.At.After(after) && !obs.At.After(until) {
			out = append(out, obs)
		}
	}
	return out
}

// MockExposureMonitor implements core.IExposureMonitor with a fixed report.
type MockExposureMonitor struct {
	mu       sync.Mutex
	Report   *core.ExposureReport
	Err      error
	Computes []time.Time
}

func NewMockExposureMonitor() *MockExposureMonitor { return &MockExposureMonitor{} }

func (m *MockExposureMonitor) Compute(t time.Time) (*core.ExposureReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Computes = append(m.Computes, t)
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Report == nil {
		m.Report = &core.ExposureReport{At: t, ByAsset: map[string]core.AssetExposure{}}
	}
	return m.Report, nil
}

func (m *MockExposureMonitor) Last() *core.ExposureReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Report
}

// MockRiskMonitor implements core.IRiskMonitor with a fixed assessment.
type MockRiskMonitor struct {
	mu         sync.Mutex
	Assessment *core.RiskAssessment
	Err        error
	Assesses   []time.Time
}

func NewMockRiskMonitor() *MockRiskMonitor { return &MockRiskMonitor{} }

func (m *MockRiskMonitor) Assess(t time.Time, exposure *core.ExposureReport) (*core.RiskAssessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Assesses = append(m.Assesses, t)
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Assessment == nil {
		m.Assessment = &core.RiskAssessment{At: t, Overall: core.RiskSafe, ByType: map[core.RiskType]core.RiskMetric{}}
	}
	return m.Assessment, nil
}

func (m *MockRiskMonitor) Last() *core.RiskAssessment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Assessment
}

// MockPnLCalculator implements core.IPnLCalculator.
type MockPnLCalculator struct {
	mu      sync.Mutex
	Record  *core.PnLRecord
	Err     error
	Updates []time.Time
	Flows   []decimal.Decimal
}

func NewMockPnLCalculator() *MockPnLCalculator { return &MockPnLCalculator{} }

func (m *MockPnLCalculator) Update(t time.Time) (*core.PnLRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Updates = append(m.Updates, t)
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Record == nil {
		m.Record = &core.PnLRecord{At: t}
	}
	return m.Record, nil
}

func (m *MockPnLCalculator) Last() *core.PnLRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Record
}

func (m *MockPnLCalculator) RecordFlow(t time.Time, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Flows = append(m.Flows, amount)
}

// MockPositionMonitor implements core.IPositionMonitor over settable maps.
type MockPositionMonitor struct {
	mu        sync.Mutex
	Simulated core.PositionMap
	Real      core.PositionMap
	Applied   []core.Delta
	Subs      []core.PositionKey
}

func NewMockPositionMonitor() *MockPositionMonitor {
	return &MockPositionMonitor{
		Simulated: make(core.PositionMap),
		Real:      make(core.PositionMap),
	}
}

// SetPosition writes one simulated position directly.
func (m *MockPositionMonitor) SetPosition(key core.PositionKey, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Simulated[key] = amount
}

func (m *MockPositionMonitor) Initialize(t time.Time, initial []core.Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range initial {
		m.Simulated[d.Key] = m.Simulated.Get(d.Key).Add(d.Amount)
		m.Real[d.Key] = m.Real.Get(d.Key).Add(d.Amount)
	}
	return nil
}

func (m *MockPositionMonitor) Refresh(ctx context.Context, t time.Time) error { return nil }

func (m *MockPositionMonitor) ApplyExecutionDeltas(t time.Time, deltas []core.Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range deltas {
		m.Applied = append(m.Applied, d)
		m.Simulated[d.Key] = m.Simulated.Get(d.Key).Add(d.Amount)
	}
	return nil
}

func (m *MockPositionMonitor) Current() core.PositionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return core.PositionSnapshot{
		Simulated: m.Simulated.Copy(),
		Real:      m.Real.Copy(),
	}
}

func (m *MockPositionMonitor) Subscriptions() []core.PositionKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Subs
}

// MockVenue implements core.IVenueInterface with scripted handshakes.
// If Script is empty, Execute fabricates a success handshake with no
// position deltas.
type MockVenue struct {
	VenueName string
	mu        sync.Mutex
	Script    []*core.ExecutionHandshake
	ExecErr   error
	Executed  []core.Order
	Positions core.PositionMap
	Market    map[string]decimal.Decimal
}

func NewMockVenue(name string) *MockVenue {
	return &MockVenue{
		VenueName: name,
		Positions: make(core.PositionMap),
		Market:    make(map[string]decimal.Decimal),
	}
}

func (v *MockVenue) Name() string { return v.VenueName }

func (v *MockVenue) Execute(ctx context.Context, t time.Time, order core.Order) (*core.ExecutionHandshake, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Executed = append(v.Executed, order)
	if v.ExecErr != nil {
		return nil, v.ExecErr
	}
	if len(v.Script) > 0 {
		hs := v.Script[0]
		v.Script = v.Script[1:]
		hs.Order = order
		return hs, nil
	}
	return &core.ExecutionHandshake{
		Order:          order,
		Status:         core.ExecExecuted,
		ExecutedAmount: order.Amount,
		PositionDeltas: map[core.PositionKey]decimal.Decimal{},
	}, nil
}

func (v *MockVenue) QueryPositions(ctx context.Context, keys []core.PositionKey) (core.PositionMap, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(core.PositionMap, len(keys))
	for _, k := range keys {
		if amt, ok := v.Positions[k]; ok {
			out[k] = amt
		}
	}
	return out, nil
}

func (v *MockVenue) QueryMarket(ctx context.Context, kinds []string) (map[string]decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(kinds))
	for _, k := range kinds {
		if val, ok := v.Market[k]; ok {
			out[k] = val
		}
	}
	return out, nil
}

// MockVenueManager implements core.IVenueManager over a fixed venue set.
type MockVenueManager struct {
	ByName map[string]core.IVenueInterface
}

func NewMockVenueManager(venues ...core.IVenueInterface) *MockVenueManager {
	m := &MockVenueManager{ByName: make(map[string]core.IVenueInterface)}
	for _, v := range venues {
		m.ByName[v.Name()] = v
	}
	return m
}

func (m *MockVenueManager) Route(order core.Order) (core.IVenueInterface, error) {
	if v, ok := m.ByName[order.Venue]; ok {
		return v, nil
	}
	return nil, &apperrors.NoVenueConfiguredError{Venue: order.Venue, Operation: string(order.Operation)}
}

func (m *MockVenueManager) Venue(name string) (core.IVenueInterface, bool) {
	v, ok := m.ByName[name]
	return v, ok
}

func (m *MockVenueManager) Venues() []core.IVenueInterface {
	out := make([]core.IVenueInterface, 0, len(m.ByName))
	for _, v := range m.ByName {
		out = append(out, v)
	}
	return out
}

// MockEventLogger implements core.IEventLogger and records events in order.
type MockEventLogger struct {
	mu       sync.Mutex
	Events   []core.Event
	Advances []time.Time
	Closed   bool
}

func NewMockEventLogger() *MockEventLogger { return &MockEventLogger{} }

func (l *MockEventLogger) Log(event core.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Events = append(l.Events, event)
}

func (l *MockEventLogger) AdvanceTimestep(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Advances = append(l.Advances, t)
}

func (l *MockEventLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Closed = true
	return nil
}

// OfType returns the recorded events matching an event type.
func (l *MockEventLogger) OfType(eventType string) []core.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []core.Event
	for _, e := range l.Events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// MockUpdateHandler implements core.IPositionUpdateHandler with scripted
// results.
type MockUpdateHandler struct {
	mu         sync.Mutex
	Results    []*core.ReconcileResult
	Err        error
	Handshakes []*core.ExecutionHandshake
}

func NewMockUpdateHandler() *MockUpdateHandler { return &MockUpdateHandler{} }

func (h *MockUpdateHandler) Reconcile(ctx context.Context, t time.Time, handshake *core.ExecutionHandshake) (*core.ReconcileResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Handshakes = append(h.Handshakes, handshake)
	if h.Err != nil {
		return nil, h.Err
	}
	if len(h.Results) > 0 {
		r := h.Results[0]
		h.Results = h.Results[1:]
		return r, nil
	}
	return &core.ReconcileResult{Success: true}, nil
}

// MockResultsStore implements core.IResultsStore in memory.
type MockResultsStore struct {
	mu      sync.Mutex
	Rows    []core.ResultRow
	Summary *core.Summary
	Closed  bool
}

func NewMockResultsStore() *MockResultsStore { return &MockResultsStore{} }

func (s *MockResultsStore) Append(row core.ResultRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Rows = append(s.Rows, row)
}

func (s *MockResultsStore) Finalize(summary core.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Summary = &summary
	return nil
}

func (s *MockResultsStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}
