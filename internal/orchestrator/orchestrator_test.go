package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tradecore/safetycore/internal/account"
	"github.com/tradecore/safetycore/internal/errorhandler"
	"github.com/tradecore/safetycore/internal/exchange"
	"github.com/tradecore/safetycore/internal/notify"
	"github.com/tradecore/safetycore/internal/ordermanager"
	"github.com/tradecore/safetycore/internal/ratelimiter"
)

type scriptedStrategy struct {
	name    string
	symbol  string
	signals []*Signal
	calls   int
}

func (s *scriptedStrategy) Name() string   { return s.name }
func (s *scriptedStrategy) Symbol() string { return s.symbol }
func (s *scriptedStrategy) Signal(ctx context.Context) (*Signal, error) {
	if s.calls >= len(s.signals) {
		return nil, nil
	}
	sig := s.signals[s.calls]
	s.calls++
	return sig, nil
}

func newTestOrchestrator(t *testing.T, strategies []Strategy, sink notify.Sink) (*Orchestrator, *exchange.MockClient, *account.State) {
	logger := zaptest.NewLogger(t)
	acct := account.New(logger, account.DefaultConfig())

	limiterCfg := ratelimiter.DefaultConfig()
	limiterCfg.GlobalPerMinute = 100000
	limiterCfg.GlobalPerSecond = 100000
	limiter := ratelimiter.New(logger, limiterCfg, acct)
	t.Cleanup(limiter.Close)

	errHandler := errorhandler.New(logger, errorhandler.DefaultConfig(), acct)
	client := exchange.NewMockClient()

	mgrCfg := ordermanager.DefaultConfig()
	mgrCfg.OrderTimeout = 2 * time.Second
	mgrCfg.MinSymbolInterval = 0
	manager, err := ordermanager.New(logger, mgrCfg, client, acct, limiter, errHandler)
	require.NoError(t, err)
	t.Cleanup(func() { manager.Shutdown(time.Second) })

	o := New(logger, DefaultConfig(), client, manager, acct, sink, strategies)
	return o, client, acct
}

func TestTickConvertsEntrySignalIntoOrderAndPosition(t *testing.T) {
	price := 100.0
	strategy := &scriptedStrategy{
		name: "S1", symbol: "BTCUSDT",
		signals: []*Signal{{Action: ActionEntry, Side: exchange.SideBuy, OrderType: exchange.OrderTypeLimit, Quantity: 0.01, Price: &price, Comment: "breakout"}},
	}
	sink := &capturingSink{}

	o, client, acct := newTestOrchestrator(t, []Strategy{strategy}, sink)

	o.tick(context.Background())

	assert.Len(t, client.Created, 1)
	pos, ok := acct.GetPosition("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.IsActive())
	assert.Len(t, sink.events, 1)
	assert.Equal(t, notify.KindPositionOpened, sink.events[0].Kind)
}

func TestTickSkipsWhenTradingGateClosed(t *testing.T) {
	strategy := &scriptedStrategy{name: "S1", symbol: "BTCUSDT", signals: []*Signal{{Action: ActionEntry, Side: exchange.SideBuy, Quantity: 0.01}}}
	o, client, acct := newTestOrchestrator(t, []Strategy{strategy}, nil)
	acct.SetEmergencyStop(true)

	o.tick(context.Background())

	assert.Empty(t, client.Created)
}

func TestTickConvertsExitSignalAndClosesPosition(t *testing.T) {
	entryPrice := 100.0
	exitPrice := 110.0
	strategy := &scriptedStrategy{name: "S1", symbol: "BTCUSDT"}
	o, client, acct := newTestOrchestrator(t, []Strategy{strategy}, nil)

	acct.SetPosition("BTCUSDT", account.SideLong, 0.01, entryPrice, entryPrice, 0, 1, "S1")
	client.Positions = []exchange.RawPosition{
		{Symbol: "BTCUSDT", Side: exchange.SideBuy, Size: 0.01, AvgPrice: entryPrice},
	}

	strategy.signals = []*Signal{{Action: ActionExit, Side: exchange.SideSell, OrderType: exchange.OrderTypeLimit, Quantity: 0.01, Price: &exitPrice, Comment: "tp hit"}}

	o.tick(context.Background())

	assert.Len(t, client.Created, 1)
	pos, ok := acct.GetPosition("BTCUSDT")
	require.True(t, ok)
	assert.False(t, pos.IsActive())
}

type capturingSink struct {
	events []notify.Event
}

func (c *capturingSink) Notify(ctx context.Context, event notify.Event) error {
	c.events = append(c.events, event)
	return nil
}
