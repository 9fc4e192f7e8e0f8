package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tradecore/safetycore/internal/libs/queue"
)

func TestQueueSinkAndDispatcherDeliverEvent(t *testing.T) {
	bus := queue.New()
	t.Cleanup(bus.Close)

	underlying := &recordingSink{}
	sink := NewQueueSink(bus, time.Minute)
	dispatcher := NewDispatcher(zaptest.NewLogger(t), bus, "test-group", underlying)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go dispatcher.Run(ctx)
	t.Cleanup(dispatcher.Stop)

	require.NoError(t, sink.Notify(context.Background(), Event{Kind: KindPositionOpened, Symbol: "BTCUSDT"}))

	require.Eventually(t, func() bool {
		return len(underlying.events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, KindPositionOpened, underlying.events[0].Kind)
}
