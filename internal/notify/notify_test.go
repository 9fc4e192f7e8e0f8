package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	events []Event
	fail   error
}

func (r *recordingSink) Notify(ctx context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.fail
}

func TestNopSinkIgnoresEvents(t *testing.T) {
	var s NopSink
	assert.NoError(t, s.Notify(context.Background(), Event{Kind: KindPositionOpened}))
}

func TestMultiSinkFansOutToAllChildren(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	multi := MultiSink{Sinks: []Sink{a, b}}

	err := multi.Notify(context.Background(), Event{Kind: KindPositionOpened, Symbol: "BTCUSDT"})
	assert.NoError(t, err)
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestMultiSinkReturnsFirstErrorButStillCallsEveryChild(t *testing.T) {
	a := &recordingSink{fail: errors.New("boom")}
	b := &recordingSink{}
	multi := MultiSink{Sinks: []Sink{a, b}}

	err := multi.Notify(context.Background(), Event{Kind: KindEmergencyStop})
	assert.Error(t, err)
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestFormatEventRendersEachKind(t *testing.T) {
	opened := formatEvent(Event{Kind: KindPositionOpened, Symbol: "BTCUSDT", Strategy: "S1", Message: "long 0.01"})
	assert.Contains(t, opened, "OPENED")
	assert.Contains(t, opened, "BTCUSDT")

	closed := formatEvent(Event{Kind: KindPositionClosed, Symbol: "ETHUSDT", Strategy: "S2", Message: "pnl 12.3"})
	assert.Contains(t, closed, "CLOSED")

	stopped := formatEvent(Event{Kind: KindEmergencyStop, Message: "api key leak detected"})
	assert.Contains(t, stopped, "EMERGENCY STOP")
	assert.Contains(t, stopped, "api key leak detected")
}
