// ABOUTME: Tests for cost accounting, budget gating and daily rollover
// ABOUTME: Uses an injectable clock to cross UTC date boundaries deterministically

package cost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(cfg Config) (*Tracker, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(cfg, nil)
	tr.now = func() time.Time { return now }
	tr.dayDate = now.Format(dayFormat)
	return tr, &now
}

func TestCostFromUsage_ExplicitCostWins(t *testing.T) {
	tr, _ := newTestTracker(Config{PricePer1KTokens: 0.01})

	cost := tr.CostFromUsage(map[string]float64{
		"cost":              0.42,
		"prompt_tokens":     1000,
		"completion_tokens": 1000,
	})
	assert.Equal(t, 0.42, cost)
}

func TestCostFromUsage_DerivedFromTokens(t *testing.T) {
	tr, _ := newTestTracker(Config{PricePer1KTokens: 0.01})

	cost := tr.CostFromUsage(map[string]float64{
		"prompt_tokens":     1500,
		"completion_tokens": 500,
	})
	assert.InDelta(t, 0.02, cost, 1e-9)
}

func TestCostFromUsage_MissingPiecesDefaultToZero(t *testing.T) {
	tr, _ := newTestTracker(Config{PricePer1KTokens: 0.01})

	cost := tr.CostFromUsage(map[string]float64{"prompt_tokens": 1000})
	assert.InDelta(t, 0.01, cost, 1e-9)

	assert.Zero(t, tr.CostFromUsage(map[string]float64{}))
}

func TestCostFromUsage_NoPriceConfigured(t *testing.T) {
	tr, _ := newTestTracker(Config{})

	cost := tr.CostFromUsage(map[string]float64{
		"prompt_tokens":     5000,
		"completion_tokens": 5000,
	})
	assert.Zero(t, cost)
}

func TestTracker_CheckBudget_SessionLimit(t *testing.T) {
	tr, _ := newTestTracker(Config{SessionLimitUSD: 1.0})

	require.NoError(t, tr.CheckBudget("sess-1"))

	tr.Record("sess-1", map[string]float64{"cost": 0.5})
	require.NoError(t, tr.CheckBudget("sess-1"))

	tr.Record("sess-1", map[string]float64{"cost": 0.5})
	err := tr.CheckBudget("sess-1")
	require.Error(t, err)

	var budgetErr *BudgetError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, "session", budgetErr.Scope)
	assert.Equal(t, 1.0, budgetErr.Spent)

	// Other sessions are unaffected.
	assert.NoError(t, tr.CheckBudget("sess-2"))
}

func TestTracker_CheckBudget_DailyLimit(t *testing.T) {
	tr, _ := newTestTracker(Config{DailyLimitUSD: 1.0})

	tr.Record("sess-1", map[string]float64{"cost": 0.6})
	tr.Record("sess-2", map[string]float64{"cost": 0.6})

	// The daily dimension spans sessions.
	err := tr.CheckBudget("sess-3")
	var budgetErr *BudgetError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, "daily", budgetErr.Scope)
}

func TestTracker_DisabledLimitsNeverReject(t *testing.T) {
	tr, _ := newTestTracker(Config{})

	tr.Record("sess-1", map[string]float64{"cost": 10000})
	assert.NoError(t, tr.CheckBudget("sess-1"))
}

func TestTracker_DailyRollover(t *testing.T) {
	tr, now := newTestTracker(Config{DailyLimitUSD: 1.0})

	tr.Record("sess-1", map[string]float64{"cost": 2.0})
	require.Error(t, tr.CheckBudget("sess-1"))

	// Mid-day advance must not reset.
	*now = now.Add(6 * time.Hour)
	require.Error(t, tr.CheckBudget("sess-2"))

	// Crossing the UTC date boundary resets the daily total only; the
	// session total persists.
	*now = now.Add(7 * time.Hour)
	snap := tr.Snapshot("sess-1")
	assert.Zero(t, snap.Day.SpentUSD)
	assert.Equal(t, 2.0, snap.Session.SpentUSD)
}

func TestTracker_SessionWarningFiresOnce(t *testing.T) {
	tr, _ := newTestTracker(Config{SessionLimitUSD: 1.0})

	tr.Record("sess-1", map[string]float64{"cost": 0.85})
	snap := tr.Snapshot("sess-1")
	assert.True(t, snap.Session.Warned)

	// The flag is sticky, never re-fired.
	tr.Record("sess-1", map[string]float64{"cost": 0.1})
	assert.True(t, tr.Snapshot("sess-1").Session.Warned)
}

func TestTracker_WarningThresholdDefault(t *testing.T) {
	tr, _ := newTestTracker(Config{SessionLimitUSD: 1.0})

	tr.Record("sess-1", map[string]float64{"cost": 0.79})
	assert.False(t, tr.Snapshot("sess-1").Session.Warned)

	tr.Record("sess-1", map[string]float64{"cost": 0.01})
	assert.True(t, tr.Snapshot("sess-1").Session.Warned)
}

func TestTracker_DayWarningResetsOnRollover(t *testing.T) {
	tr, now := newTestTracker(Config{DailyLimitUSD: 1.0})

	tr.Record("sess-1", map[string]float64{"cost": 0.9})
	require.True(t, tr.Snapshot("sess-1").Day.Warned)

	*now = now.Add(24 * time.Hour)
	assert.False(t, tr.Snapshot("sess-1").Day.Warned)
}

func TestTracker_Snapshot(t *testing.T) {
	tr, _ := newTestTracker(Config{SessionLimitUSD: 2.0, DailyLimitUSD: 5.0})

	tr.Record("sess-1", map[string]float64{"cost": 0.5})

	snap := tr.Snapshot("sess-1")
	assert.Equal(t, "sess-1", snap.SessionID)
	assert.Equal(t, 0.5, snap.Session.SpentUSD)
	assert.Equal(t, 2.0, snap.Session.LimitUSD)
	assert.Equal(t, 1.5, snap.Session.RemainingUSD)
	assert.Equal(t, 0.5, snap.Day.SpentUSD)
	assert.Equal(t, 4.5, snap.Day.RemainingUSD)
}

func TestTracker_RecordReturnsIncrementalCost(t *testing.T) {
	tr, _ := newTestTracker(Config{PricePer1KTokens: 0.01})

	got := tr.Record("sess-1", map[string]float64{"prompt_tokens": 1000})
	assert.InDelta(t, 0.01, got, 1e-9)
}
