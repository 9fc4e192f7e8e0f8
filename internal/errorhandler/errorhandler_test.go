package errorhandler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tradecore/safetycore/internal/account"
)

func newTestHandler(t *testing.T) (*Handler, *account.State) {
	acct := account.New(zaptest.NewLogger(t), account.DefaultConfig())
	cfg := DefaultConfig()
	cfg.CircuitCooldown = 50 * time.Millisecond
	h := New(zaptest.NewLogger(t), cfg, acct)
	return h, acct
}

func TestHandleEmergencyStopLatchesAccount(t *testing.T) {
	h, acct := newTestHandler(t)

	_, err := h.Handle(KindAPIKeyLeak, Context{Strategy: "S1", Operation: "create_order"})
	require.Error(t, err)
	_, ok := err.(*EmergencyStopError)
	assert.True(t, ok)
	assert.True(t, acct.EmergencyStop())
}

func TestHandleRiskLimitExceededReturnsStrategyRestart(t *testing.T) {
	h, _ := newTestHandler(t)

	directive, err := h.Handle(KindRiskLimitExceeded, Context{Strategy: "S1", Operation: "check_risk"})
	require.NoError(t, err)
	assert.Equal(t, "restart_strategy", directive.Action)
	assert.Equal(t, "S1", directive.Strategy)
}

func TestHandleOrderRejectionRetriesThenEscalates(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := Context{Strategy: "S1", Operation: "create_order", Symbol: "BTCUSDT"}

	for attempt := 1; attempt <= 3; attempt++ {
		directive, err := h.Handle(KindOrderRejection, ctx)
		require.NoError(t, err)
		assert.Equal(t, "retry", directive.Action)
		assert.Equal(t, attempt, directive.Attempt)
	}

	// Fourth failure exceeds max_retries(3) and escalates to a restart.
	directive, err := h.Handle(KindOrderRejection, ctx)
	require.NoError(t, err)
	assert.Equal(t, "restart_strategy", directive.Action)
}

func TestHandleInvalidArgumentSkips(t *testing.T) {
	h, _ := newTestHandler(t)
	directive, err := h.Handle(KindInvalidArgument, Context{Strategy: "S1", Operation: "submit"})
	require.NoError(t, err)
	assert.Equal(t, "skip", directive.Action)
}

func TestUnknownKindFallsBackToStrategyRestart(t *testing.T) {
	h, _ := newTestHandler(t)
	directive, err := h.Handle(KindUnknown, Context{Strategy: "S1", Operation: "submit"})
	require.NoError(t, err)
	assert.Equal(t, "restart_strategy", directive.Action)
}

func TestCircuitBreakerOpensAfterFiveFailuresAndLatchesEmergencyStop(t *testing.T) {
	h, acct := newTestHandler(t)
	ctx := Context{Strategy: "S1", Operation: "create_order"}

	for i := 0; i < 5; i++ {
		_, _ = h.Handle(KindRiskLimitExceeded, ctx)
	}

	assert.Equal(t, "Open", h.CircuitPhaseFor("S1", "create_order"))

	_, err := h.Handle(KindRiskLimitExceeded, ctx)
	require.Error(t, err)
	_, ok := err.(*EmergencyStopError)
	assert.True(t, ok)
	assert.True(t, acct.EmergencyStop())
}

func TestResetCircuitBreakerClearsState(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := Context{Strategy: "S1", Operation: "create_order"}

	for i := 0; i < 5; i++ {
		_, _ = h.Handle(KindRiskLimitExceeded, ctx)
	}
	assert.Equal(t, "Open", h.CircuitPhaseFor("S1", "create_order"))

	h.ResetCircuitBreaker("S1", "create_order")
	assert.Equal(t, "Closed", h.CircuitPhaseFor("S1", "create_order"))
}

func TestErrorCountsAccumulatePerStrategy(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := Context{Strategy: "S1", Operation: "submit"}

	_, _ = h.Handle(KindInvalidArgument, ctx)
	_, _ = h.Handle(KindInvalidArgument, ctx)

	assert.Equal(t, 2, h.ErrorCount(KindInvalidArgument, "S1"))
}
