package data

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"basis_engine/internal/core"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// kindUpdate is the wire format of one stream sample.
type kindUpdate struct {
	Kind      string          `json:"kind"`
	Value     decimal.Decimal `json:"value"`
	Timestamp int64           `json:"timestamp"`
}

// StreamFeed subscribes to a market-data websocket stream and pushes samples
// into a LiveProvider. Reconnects with jittered exponential backoff.
type StreamFeed struct {
	url      string
	kinds    []string
	provider *LiveProvider
	logger   core.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStreamFeed builds a feed for the listed kinds.
func NewStreamFeed(url string, kinds []string, provider *LiveProvider, logger core.ILogger) *StreamFeed {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamFeed{
		url:      url,
		kinds:    append([]string(nil), kinds...),
		provider: provider,
		logger:   logger.WithField("component", "stream_feed"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the connect/read loop.
func (f *StreamFeed) Start() error {
	f.wg.Add(1)
	go f.runLoop()
	return nil
}

// Stop terminates the loop and waits for it to exit.
func (f *StreamFeed) Stop() error {
	f.cancel()
	f.wg.Wait()
	return nil
}

func (f *StreamFeed) runLoop() {
	defer f.wg.Done()

	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(f.ctx, f.url, nil)
		if err != nil {
			wait := b.Duration()
			f.logger.Warn("Stream connect failed", "error", err, "retry_in", wait)
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()
		f.logger.Info("Stream connected", "url", f.url)

		if err := conn.WriteJSON(map[string]interface{}{"op": "subscribe", "kinds": f.kinds}); err != nil {
			f.logger.Warn("Subscribe failed", "error", err)
			conn.Close()
			continue
		}

		f.readUntilClosed(conn)
		conn.Close()
	}
}

func (f *StreamFeed) readUntilClosed(conn *websocket.Conn) {
	go func() {
		<-f.ctx.Done()
		conn.Close()
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if f.ctx.Err() == nil {
				f.logger.Warn("Stream read failed, reconnecting", "error", err)
			}
			return
		}
		var u kindUpdate
		if err := json.Unmarshal(msg, &u); err != nil {
			f.logger.Debug("Dropping unparseable stream message", "error", err)
			continue
		}
		if u.Kind == "" {
			continue
		}
		f.provider.SetSample(u.Kind, u.Value, time.Unix(u.Timestamp, 0).UTC())
	}
}

// MarketQuerier is the subset of a venue interface a polling feed needs.
type MarketQuerier interface {
	Name() string
	QueryMarket(ctx context.Context, kinds []string) (map[string]decimal.Decimal, error)
}

// PollFeed refreshes slow-cadence kinds (protocol indices, gas price) by
// querying a venue at a fixed interval, throttled by a rate limiter.
type PollFeed struct {
	venue    MarketQuerier
	kinds    []string
	interval time.Duration
	limiter  *rate.Limiter
	provider *LiveProvider
	clock    core.Clock
	logger   core.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPollFeed builds a polling feed.
func NewPollFeed(venue MarketQuerier, kinds []string, interval time.Duration, rps float64, provider *LiveProvider, clock core.Clock, logger core.ILogger) *PollFeed {
	ctx, cancel := context.WithCancel(context.Background())
	if rps <= 0 {
		rps = 1
	}
	return &PollFeed{
		venue:    venue,
		kinds:    append([]string(nil), kinds...),
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		provider: provider,
		clock:    clock,
		logger:   logger.WithField("component", "poll_feed").WithField("venue", venue.Name()),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the polling loop.
func (f *PollFeed) Start() error {
	f.wg.Add(1)
	go f.runLoop()
	return nil
}

// Stop terminates the loop and waits for it to exit.
func (f *PollFeed) Stop() error {
	f.cancel()
	f.wg.Wait()
	return nil
}

func (f *PollFeed) runLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.poll()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.poll()
		}
	}
}

func (f *PollFeed) poll() {
	if err := f.limiter.Wait(f.ctx); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(f.ctx, 15*time.Second)
	defer cancel()

	values, err := f.venue.QueryMarket(ctx, f.kinds)
	if err != nil {
		f.logger.Warn("Market poll failed", "error", err)
		return
	}
	now := f.clock.Now()
	for kind, v := range values {
		f.provider.SetSample(kind, v, now)
	}
}
