// Package alert fans critical engine events out to external notification
// channels. Delivery is asynchronous and never blocks the engine loop.
package alert

import (
	"context"
	"sync"
	"time"

	"basis_engine/internal/config"
	"basis_engine/internal/core"
)

type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Payload is one rendered notification.
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers a payload to one destination.
type Channel interface {
	Send(ctx context.Context, p Payload) error
	Name() string
}

// Notifier fans payloads out to every registered channel.
type Notifier struct {
	channels []Channel
	logger   core.ILogger
	wg       sync.WaitGroup
}

func NewNotifier(logger core.ILogger, channels ...Channel) *Notifier {
	return &Notifier{
		channels: channels,
		logger:   logger.WithField("component", "alerter"),
	}
}

// FromEnv builds a notifier from the configured channels, or nil when no
// channel is configured.
func FromEnv(env *config.Env, logger core.ILogger) *Notifier {
	var channels []Channel
	if env.AlertSlackWebhook != "" {
		channels = append(channels, NewSlackChannel(env.AlertSlackWebhook))
	}
	if env.AlertTelegramBotToken != "" && env.AlertTelegramChatID != "" {
		channels = append(channels, NewTelegramChannel(env.AlertTelegramBotToken, env.AlertTelegramChatID))
	}
	if len(channels) == 0 {
		return nil
	}
	return NewNotifier(logger, channels...)
}

// Notify sends the payload to every channel. Each channel gets its own
// timeout; failures are logged, never propagated.
func (n *Notifier) Notify(p Payload) {
	n.logger.Info("Triggering alert", "title", p.Title, "level", p.Level)
	for _, ch := range n.channels {
		n.wg.Add(1)
		go func(c Channel) {
			defer n.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.Send(ctx, p); err != nil {
				n.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// Wait blocks until all in-flight deliveries finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// levelFor maps event types to alert levels. Types not listed here are
// logged but never alerted.
var levelFor = map[string]Level{
	"SYSTEM_FAILURE":      LevelCritical,
	"RISK_CRITICAL":       LevelCritical,
	"EXECUTION_FAILED":    LevelError,
	"STRATEGY_INFEASIBLE": LevelError,
	"PNL_DRIFT":           LevelWarning,
	"RECONCILE_MISMATCH":  LevelWarning,
	"RESERVE_LOW":         LevelWarning,
	"TICK_SKIPS_EXCEEDED": LevelWarning,
}

// Watcher decorates an event logger: every event passes through to the
// inner logger, and alertable types also notify the channels.
type Watcher struct {
	inner    core.IEventLogger
	notifier *Notifier
}

func NewWatcher(inner core.IEventLogger, notifier *Notifier) *Watcher {
	return &Watcher{inner: inner, notifier: notifier}
}

func (w *Watcher) Log(event core.Event) {
	w.inner.Log(event)
	level, ok := levelFor[event.Type]
	if !ok {
		return
	}
	w.notifier.Notify(payloadFrom(level, event))
}

func (w *Watcher) AdvanceTimestep(t time.Time) {
	w.inner.AdvanceTimestep(t)
}

// Close waits for in-flight deliveries before closing the inner logger.
func (w *Watcher) Close() error {
	w.notifier.Wait()
	return w.inner.Close()
}

func payloadFrom(level Level, event core.Event) Payload {
	message := event.Status
	if event.Purpose != "" {
		message = event.Purpose
	}
	fields := make(map[string]string, len(event.Fields)+3)
	for k, v := range event.Fields {
		fields[k] = v
	}
	if event.Venue != "" {
		fields["venue"] = event.Venue
	}
	if event.Token != "" {
		fields["token"] = event.Token
	}
	if !event.Amount.IsZero() {
		fields["amount"] = event.Amount.String()
	}
	return Payload{
		Level:     level,
		Title:     event.Type,
		Message:   message,
		Timestamp: event.Timestamp,
		Fields:    fields,
	}
}

var _ core.IEventLogger = (*Watcher)(nil)
