package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tradecore/safetycore/internal/exchange"
)

func newTestState(t *testing.T) *State {
	return New(zaptest.NewLogger(t), DefaultConfig())
}

func TestSetPositionCollapsesToFlatOnZeroSize(t *testing.T) {
	s := newTestState(t)

	s.SetPosition("BTCUSDT", SideLong, 0.01, 50000, 50000, 0, 10, "S1")
	p, ok := s.GetPosition("BTCUSDT")
	require.True(t, ok)
	assert.True(t, p.IsActive())
	assert.Equal(t, "S1", p.OwnerStrategy)

	s.SetPosition("BTCUSDT", SideFlat, 0, 0, 0, 0, 0, "")
	p, ok = s.GetPosition("BTCUSDT")
	require.True(t, ok)
	assert.False(t, p.IsActive())
	assert.Equal(t, SideFlat, p.Side)
	assert.Empty(t, p.OwnerStrategy)
}

func TestUpdatePositionPnLLongAndShort(t *testing.T) {
	s := newTestState(t)

	s.SetPosition("BTCUSDT", SideLong, 1, 100, 100, 0, 1, "S1")
	s.UpdatePositionPnL("BTCUSDT", 110)
	p, _ := s.GetPosition("BTCUSDT")
	assert.Equal(t, 10.0, p.UnrealizedPnL)

	s.SetPosition("ETHUSDT", SideShort, 1, 100, 100, 0, 1, "S1")
	s.UpdatePositionPnL("ETHUSDT", 90)
	p, _ = s.GetPosition("ETHUSDT")
	assert.Equal(t, 10.0, p.UnrealizedPnL)
}

func TestClosePositionComputesRealizedPnLAndUpdatesSession(t *testing.T) {
	s := newTestState(t)
	s.SetPosition("BTCUSDT", SideLong, 1, 100, 100, 0, 1, "S1")

	snapshot, err := s.ClosePosition("BTCUSDT", 120, nil, "S1")
	require.NoError(t, err)
	assert.Equal(t, 20.0, snapshot.RealizedPnL)

	stats := s.SessionStats()
	assert.Equal(t, int64(1), stats.Trades)
	assert.Equal(t, int64(1), stats.Wins)
	assert.Equal(t, 20.0, stats.TotalPnL)

	p, _ := s.GetPosition("BTCUSDT")
	assert.False(t, p.IsActive())
}

func TestClosePositionFailsWhenNoActivePosition(t *testing.T) {
	s := newTestState(t)
	_, err := s.ClosePosition("BTCUSDT", 100, nil, "S1")
	assert.Error(t, err)
}

func TestClosePositionByNonOwnerStrategyIsPermittedButLogged(t *testing.T) {
	s := newTestState(t)
	s.SetPosition("BTCUSDT", SideLong, 1, 100, 100, 0, 1, "S1")

	snapshot, err := s.ClosePosition("BTCUSDT", 120, nil, "S2")
	require.NoError(t, err)
	assert.Equal(t, 20.0, snapshot.RealizedPnL)

	p, _ := s.GetPosition("BTCUSDT")
	assert.False(t, p.IsActive())
}

func TestEmergencyStopAndTradingEnabledGate(t *testing.T) {
	s := newTestState(t)
	assert.True(t, s.EffectiveTradingGate())

	s.SetEmergencyStop(true)
	assert.False(t, s.EffectiveTradingGate())

	s.SetEmergencyStop(false)
	assert.True(t, s.EffectiveTradingGate())

	s.SetTradingEnabled(false)
	assert.False(t, s.EffectiveTradingGate())
}

func TestUpdateStrategyStatsTracksWinRateAndSignalStrengths(t *testing.T) {
	s := newTestState(t)
	strength := 0.8

	s.UpdateStrategyStats("S1", 10, &strength)
	s.UpdateStrategyStats("S1", -5, &strength)

	stats, ok := s.StrategyStatsFor("S1")
	require.True(t, ok)
	assert.Equal(t, int64(2), stats.Trades)
	assert.Equal(t, int64(1), stats.Wins)
	assert.Equal(t, int64(1), stats.Losses)
	assert.Equal(t, 5.0, stats.TotalPnL)
	assert.Equal(t, 2, stats.SignalStrengths.Len())
}

func TestSyncWithExchangeClearsFlatAndSetsActive(t *testing.T) {
	s := newTestState(t)

	s.SyncWithExchange("BTCUSDT", exchange.RawPosition{Symbol: "BTCUSDT", Side: exchange.SideBuy, Size: 1, AvgPrice: 100})
	p, ok := s.GetPosition("BTCUSDT")
	require.True(t, ok)
	assert.True(t, p.IsActive())
	assert.Equal(t, SideLong, p.Side)

	s.SyncWithExchange("BTCUSDT", exchange.RawPosition{Symbol: "BTCUSDT", Side: exchange.SideBuy, Size: 0})
	p, ok = s.GetPosition("BTCUSDT")
	require.True(t, ok)
	assert.False(t, p.IsActive())
}

func TestValidateStateConsistencyFlagsAnomalies(t *testing.T) {
	s := newTestState(t)
	s.SetPosition("BTCUSDT", SideLong, 1, 0, 0, 0, 1, "S1") // zero entry price while active

	anomalies := s.ValidateStateConsistency()
	assert.NotEmpty(t, anomalies)
}
