package ordermanager

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
	"github.com/tradecore/safetycore/internal/ratelimiter"
)

type testRig struct {
	manager *Manager
	client  *exchange.MockClient
	account *account.State
}

func newTestRig(t *testing.T, mutate func(cfg *Config)) *testRig {
	logger := zaptest.NewLogger(t)
	acct := account.New(logger, account.DefaultConfig())
	limiterCfg := ratelimiter.DefaultConfig()
	limiterCfg.GlobalPerMinute = 100000
	limiterCfg.GlobalPerSecond = 100000
	limiter := ratelimiter.New(logger, limiterCfg, acct)
	errHandler := errorhandler.New(logger, errorhandler.DefaultConfig(), acct)
	client := exchange.NewMockClient()

	cfg := DefaultConfig()
	cfg.OrderTimeout = 2 * time.Second
	cfg.MinSymbolInterval = 0
	if mutate != nil {
		mutate(&cfg)
	}

	manager, err := New(logger, cfg, client, acct, limiter, errHandler)
	require.NoError(t, err)

	t.Cleanup(func() {
		manager.Shutdown(time.Second)
		limiter.Close()
	})

	return &testRig{manager: manager, client: client, account: acct}
}

func TestSubmitHappyPath(t *testing.T) {
	rig := newTestRig(t, nil)

	resp, err := rig.manager.Submit(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, OrderType: exchange.OrderTypeMarket,
		Quantity: 0.01, StrategyName: "S1",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success())

	stats := rig.manager.Stats()
	assert.Equal(t, int64(1), stats.TotalOrders)
}

func TestSubmitRejectsWhenEmergencyStopLatched(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.account.SetEmergencyStop(true)

	_, err := rig.manager.Submit(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, OrderType: exchange.OrderTypeMarket, Quantity: 0.01, StrategyName: "S1",
	})
	require.Error(t, err)
	orderErr, ok := err.(*OrderError)
	require.True(t, ok)
	assert.Equal(t, "EmergencyStop", orderErr.Kind)
}

func TestCheckDuplicateBlocksWithinWindowAndClearsAfter(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) {
		cfg.PendingDuplicateWindow = 50 * time.Millisecond
	})

	key := pendingKey("BTCUSDT", "fingerprint-1")
	rig.manager.pendingMu.Lock()
	rig.manager.pending[key] = &pendingEntry{createdAt: time.Now()}
	rig.manager.pendingMu.Unlock()

	err := rig.manager.checkDuplicate(key)
	require.Error(t, err)
	orderErr, ok := err.(*OrderError)
	require.True(t, ok)
	assert.Equal(t, "DuplicateOrder", orderErr.Kind)

	time.Sleep(60 * time.Millisecond)
	assert.NoError(t, rig.manager.checkDuplicate(key))
}

func TestSubmitRejectsPositionConflict(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.client.Positions = []exchange.RawPosition{
		{Symbol: "BTCUSDT", Side: exchange.SideBuy, Size: 1, AvgPrice: 100},
	}

	_, err := rig.manager.Submit(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideSell, OrderType: exchange.OrderTypeMarket, Quantity: 0.01, StrategyName: "S1",
	})
	require.Error(t, err)
	orderErr, ok := err.(*OrderError)
	require.True(t, ok)
	assert.Equal(t, "PositionConflict", orderErr.Kind)
}

func TestSubmitRejectsReduceOnlyWithNoPosition(t *testing.T) {
	rig := newTestRig(t, nil)

	_, err := rig.manager.Submit(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideSell, OrderType: exchange.OrderTypeMarket, Quantity: 0.01, ReduceOnly: true, StrategyName: "S1",
	})
	require.Error(t, err)
	orderErr, ok := err.(*OrderError)
	require.True(t, ok)
	assert.Equal(t, "PositionConflict", orderErr.Kind)
}

func TestSubmitRejectsAboveRateCeiling(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) {
		cfg.MaxOrdersPerMinute = 1
	})

	req := func(qty float64) exchange.OrderRequest {
		return exchange.OrderRequest{Symbol: "BTCUSDT", Side: exchange.SideBuy, OrderType: exchange.OrderTypeMarket, Quantity: qty, StrategyName: "S1"}
	}

	_, err := rig.manager.Submit(context.Background(), req(0.01))
	require.NoError(t, err)

	_, err = rig.manager.Submit(context.Background(), req(0.02))
	require.Error(t, err)
	orderErr, ok := err.(*OrderError)
	require.True(t, ok)
	assert.Equal(t, "RateLimitExceeded", orderErr.Kind)
}

func TestSubmitRetriesTransientFailureThenSucceeds(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) {
		cfg.RetryBaseDelay = 10 * time.Millisecond
	})
	rig.client.FailNext = &exchange.OrderResponse{RetCode: -1001, RetMsg: "transient"}

	resp, err := rig.manager.Submit(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, OrderType: exchange.OrderTypeMarket, Quantity: 0.01, StrategyName: "S1",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success())
	assert.Len(t, rig.client.Created, 2)
}

func TestSubmitFailsNonRetryableImmediately(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.client.FailNext = &exchange.OrderResponse{RetCode: -9999, RetMsg: "rejected"}

	_, err := rig.manager.Submit(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, OrderType: exchange.OrderTypeMarket, Quantity: 0.01, StrategyName: "S1",
	})
	require.Error(t, err)
	orderErr, ok := err.(*OrderError)
	require.True(t, ok)
	assert.Equal(t, "OrderRejection", orderErr.Kind)
	assert.Len(t, rig.client.Created, 1)
}

func TestCleanupExpiredPendingRemovesStaleEntries(t *testing.T) {
	rig := newTestRig(t, nil)

	rig.manager.pendingMu.Lock()
	rig.manager.pending["BTCUSDT|stale"] = &pendingEntry{createdAt: time.Now().Add(-time.Hour)}
	rig.manager.pendingMu.Unlock()

	removed := rig.manager.CleanupExpiredPending(time.Minute)
	assert.Equal(t, 1, removed)
}

func TestShutdownIsIdempotent(t *testing.T) {
	rig := newTestRig(t, nil)

	rig.manager.Shutdown(time.Second)
	rig.manager.Shutdown(time.Second)

	_, err := rig.manager.Submit(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, OrderType: exchange.OrderTypeMarket, Quantity: 0.01, StrategyName: "S1",
	})
	require.Error(t, err)
	orderErr, ok := err.(*OrderError)
	require.True(t, ok)
	assert.Equal(t, "ShuttingDown", orderErr.Kind)
}
