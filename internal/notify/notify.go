// Package notify defines the notification_sink the orchestrator emits to
// on position-opened, position-closed, and emergency-stop events (spec.md
// §4.6, §7), plus a gopkg.in/telebot.v3-backed implementation grounded on
// the teacher's internal/externals/telegram.TelegramBot.
package notify

import (
	"context"
	"time"
)

// Kind classifies a notification event.
type Kind string

const (
	KindPositionOpened Kind = "position_opened"
	KindPositionClosed Kind = "position_closed"
	KindEmergencyStop  Kind = "emergency_stop"
)

// Event is the payload handed to a Sink. Fields beyond Kind/Message are
// optional context a sink may use to format a richer message: position
// opened carries Side/Entry/StopLoss/TakeProfit/Size/SignalStrength,
// position closed carries Side/Exit/PnL/Duration (spec.md §7).
type Event struct {
	Kind     Kind
	Symbol   string
	Strategy string
	Message  string

	Side           string
	EntryPrice     float64
	ExitPrice      float64
	StopLoss       *float64
	TakeProfit     *float64
	Size           float64
	SignalStrength *float64
	PnL            float64
	Duration       time.Duration
}

// Sink is the notification_sink contract spec.md §1/§9 keeps external:
// every failure to push a notification is logged and ignored by the
// caller, never surfaced as an order-management error.
type Sink interface {
	Notify(ctx context.Context, event Event) error
}

// NopSink discards every event. Used as the default sink so the
// orchestrator never needs a nil check.
type NopSink struct{}

// Notify implements Sink by doing nothing.
func (NopSink) Notify(ctx context.Context, event Event) error {
	return nil
}

// MultiSink fans one event out to every child sink, collecting but not
// stopping on individual failures.
type MultiSink struct {
	Sinks []Sink
}

// Notify pushes event to every child sink, returning the first error
// encountered (if any) after attempting all of them.
func (m MultiSink) Notify(ctx context.Context, event Event) error {
	var first error
	for _, sink := range m.Sinks {
		if err := sink.Notify(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
