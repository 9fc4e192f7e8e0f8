package ratelimiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tradecore/safetycore/internal/account"
)

// newTestLimiter uses generous global ceilings so endpoint-level tests
// exercise the per-endpoint windows in isolation rather than tripping the
// global ceiling first.
func newTestLimiter(t *testing.T) (*RateLimiter, *account.State) {
	acct := account.New(zaptest.NewLogger(t), account.DefaultConfig())
	cfg := DefaultConfig()
	cfg.GlobalPerMinute = 100000
	cfg.GlobalPerSecond = 100000
	rl := New(zaptest.NewLogger(t), cfg, acct)
	t.Cleanup(rl.Close)
	return rl, acct
}

func TestAcquireAllowsWithinLimits(t *testing.T) {
	rl, _ := newTestLimiter(t)
	err := rl.Acquire(EndpointOrderCreate, "client1", "BTCUSDT")
	assert.NoError(t, err)
}

func TestAcquireRejectsWhenEmergencyStopLatched(t *testing.T) {
	rl, acct := newTestLimiter(t)
	acct.SetEmergencyStop(true)

	err := rl.Acquire(EndpointOrderCreate, "client1", "BTCUSDT")
	require.Error(t, err)
	_, ok := err.(*EmergencyStopError)
	assert.True(t, ok)
}

func TestAcquireRejectsAfterMinuteCeilingAndRecordsViolation(t *testing.T) {
	rl, _ := newTestLimiter(t)
	cfg := rl.config.endpointConfig(EndpointBalanceQuery)
	// Lift the per-second and burst ceilings so the loop reaches the
	// minute ceiling instead of tripping those first.
	cfg.PerSecond = cfg.PerMinute + 1
	cfg.BurstLimit = cfg.PerMinute + 1
	rl.config.Endpoints[EndpointBalanceQuery] = cfg

	for i := 0; i < cfg.PerMinute; i++ {
		err := rl.Acquire(EndpointBalanceQuery, "client2", "")
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	err := rl.Acquire(EndpointBalanceQuery, "client2", "")
	require.Error(t, err)

	status := rl.ClientStatus("client2")
	assert.Equal(t, 1, status.Violations)
}

func TestClientIsBannedAfterEscalationThreshold(t *testing.T) {
	rl, _ := newTestLimiter(t)
	cfg := rl.config.endpointConfig(EndpointBalanceQuery)
	// Lift the per-second and burst ceilings so the loop reaches the
	// minute ceiling instead of tripping those first.
	cfg.PerSecond = cfg.PerMinute + 1
	cfg.BurstLimit = cfg.PerMinute + 1
	rl.config.Endpoints[EndpointBalanceQuery] = cfg

	// Saturate the window once, then keep calling past it: every call past
	// the ceiling records a violation, so this comfortably crosses
	// BanEscalationThreshold.
	for i := 0; i < cfg.PerMinute+rl.config.BanEscalationThreshold+1; i++ {
		_ = rl.Acquire(EndpointBalanceQuery, "client3", "")
	}

	status := rl.ClientStatus("client3")
	assert.True(t, status.Banned)

	err := rl.Acquire(EndpointBalanceQuery, "client3", "")
	require.Error(t, err)
	_, ok := err.(*RateLimitError)
	assert.True(t, ok)
}

func TestDeactivateEmergencyStopRequiresAdminOverride(t *testing.T) {
	rl, acct := newTestLimiter(t)
	acct.SetEmergencyStop(true)

	err := rl.DeactivateEmergencyStop(false)
	assert.Error(t, err)
	assert.True(t, acct.EmergencyStop())

	err = rl.DeactivateEmergencyStop(true)
	assert.NoError(t, err)
	assert.False(t, acct.EmergencyStop())
}

func TestRecordAPISuccessAndFailureAdjustAdaptiveDelay(t *testing.T) {
	rl, _ := newTestLimiter(t)
	initial := rl.AdaptiveDelay()

	rl.RecordAPIFailure(EndpointOrderCreate)
	assert.Greater(t, rl.AdaptiveDelay(), initial)

	for i := 0; i < 10; i++ {
		rl.RecordAPISuccess(EndpointOrderCreate)
	}
	assert.Equal(t, 100*time.Millisecond, rl.AdaptiveDelay())
}

func TestCanMakeRequestIsSideEffectFree(t *testing.T) {
	rl, _ := newTestLimiter(t)

	before := rl.Stats()
	assert.True(t, rl.CanMakeRequest(EndpointOrderCreate, "client4", "BTCUSDT"))
	after := rl.Stats()

	assert.Equal(t, before.TrackedWindows, after.TrackedWindows)
}
