package data

import (
	"sync"
	"time"

	"basis_engine/internal/core"
	apperrors "basis_engine/pkg/errors"

	"github.com/shopspring/decimal"
)

// LiveProvider serves the most recent cached sample per kind, refreshed
// out-of-band by feeds at a kind-specific cadence. A sample is rejected when
// its age exceeds the configured maximum.
type LiveProvider struct {
	mu      sync.RWMutex
	cache   map[string]sample
	kinds   []string
	maxAge  map[string]time.Duration
	defAge  time.Duration
	clock   core.Clock
	logger  core.ILogger
	feeds   []Feed
	stopped bool
}

// LiveProviderConfig bounds sample freshness.
type LiveProviderConfig struct {
	RequiredKinds     []string
	MaxDataAge        time.Duration
	MaxDataAgeByKind  map[string]time.Duration
}

// NewLiveProvider builds a live provider; feeds are attached with AddFeed
// and started with Start.
func NewLiveProvider(cfg LiveProviderConfig, clock core.Clock, logger core.ILogger) *LiveProvider {
	maxAge := make(map[string]time.Duration, len(cfg.MaxDataAgeByKind))
	for k, v := range cfg.MaxDataAgeByKind {
		maxAge[k] = v
	}
	defAge := cfg.MaxDataAge
	if defAge == 0 {
		defAge = 120 * time.Second
	}
	return &LiveProvider{
		cache:  make(map[string]sample),
		kinds:  append([]string(nil), cfg.RequiredKinds...),
		maxAge: maxAge,
		defAge: defAge,
		clock:  clock,
		logger: logger.WithField("component", "data_provider"),
	}
}

// Feed pushes samples into the provider out-of-band.
type Feed interface {
	Start() error
	Stop() error
}

// AddFeed registers a feed for lifecycle management.
func (p *LiveProvider) AddFeed(f Feed) {
	p.feeds = append(p.feeds, f)
}

// Start starts all registered feeds.
func (p *LiveProvider) Start() error {
	for _, f := range p.feeds {
		if err := f.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops all registered feeds.
func (p *LiveProvider) Stop() error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	for _, f := range p.feeds {
		if err := f.Stop(); err != nil {
			p.logger.Warn("Feed stop failed", "error", err)
		}
	}
	return nil
}

// SetSample records a fresh observation for a kind. Called by feeds.
func (p *LiveProvider) SetSample(kind string, value decimal.Decimal, observedAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if cur, ok := p.cache[kind]; ok && cur.at.After(observedAt) {
		// Never regress a sample; out-of-order feed deliveries are dropped.
		return
	}
	p.cache[kind] = sample{at: observedAt, value: value}
}

// Get returns the cached snapshot for every required kind. A missing kind is
// DataUnavailable; an over-age kind is DataStale and the caller decides to
// skip the tick.
func (p *LiveProvider) Get(t time.Time) (*core.MarketSnapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := &core.MarketSnapshot{
		At:         t,
		Values:     make(map[string]decimal.Decimal, len(p.kinds)),
		ObservedAt: make(map[string]time.Time, len(p.kinds)),
	}
	for _, kind := range p.kinds {
		s, ok := p.cache[kind]
		if !ok {
			return nil, &apperrors.DataUnavailableError{Kind: kind, At: t}
		}
		age := t.Sub(s.at)
		if age > p.ageLimit(kind) {
			return nil, &apperrors.DataStaleError{Kind: kind, Age: age}
		}
		// Clamp observation to t: a sample observed after t must not leak
		// forward data into a loop pinned at t.
		if s.at.After(t) {
			return nil, &apperrors.DataUnavailableError{Kind: kind, At: t}
		}
		snap.Values[kind] = s.value
		snap.ObservedAt[kind] = s.at
	}
	return snap, nil
}

func (p *LiveProvider) ageLimit(kind string) time.Duration {
	if d, ok := p.maxAge[kind]; ok {
		return d
	}
	return p.defAge
}

// Timestamps is a backtest-only operation.
func (p *LiveProvider) Timestamps(start, end time.Time) ([]time.Time, error) {
	return nil, apperrors.ErrUnsupportedOperation
}

// ValidateRequirements fails if a required kind has no registered feed
// coverage yet.
func (p *LiveProvider) ValidateRequirements(kinds []string) error {
	known := make(map[string]struct{}, len(p.kinds))
	for _, k := range p.kinds {
		known[k] = struct{}{}
	}
	for _, k := range kinds {
		if _, ok := known[k]; !ok {
			return &apperrors.DataUnavailableError{Kind: k}
		}
	}
	return nil
}
