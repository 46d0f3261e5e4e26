package screenshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimitsFor_UnknownTierFallsBackToFree(t *testing.T) {
	t.Parallel()

	require.Equal(t, LimitsFor(PlanFree), LimitsFor(PlanTier("enterprise-trial")))
	require.False(t, PlanTier("enterprise-trial").Valid())
	require.True(t, PlanScale.Valid())
	require.Greater(t, LimitsFor(PlanScale).MonthlyQuota, LimitsFor(PlanFree).MonthlyQuota)
}

func TestQuotaPeriod_Remaining(t *testing.T) {
	t.Parallel()

	period := QuotaPeriod{RequestsMade: 30, RequestsLimit: 100}
	require.Equal(t, 70, period.Remaining())

	period.RequestsMade = 100
	require.Equal(t, 0, period.Remaining())

	// Over-count from racing increments still reads as zero, never
	// negative.
	period.RequestsMade = 104
	require.Equal(t, 0, period.Remaining())
}

func TestEventKind_Valid(t *testing.T) {
	t.Parallel()

	for _, kind := range []EventKind{
		EventScreenshotCompleted, EventScreenshotFailed,
		EventQuotaWarning, EventQuotaExceeded,
		EventAPIKeyCreated, EventAccountLocked,
	} {
		require.True(t, kind.Valid(), string(kind))
	}
	require.False(t, EventKind("screenshot.requested").Valid())
}

func TestQuotaPeriod_Covers(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	period := QuotaPeriod{PeriodStart: start, PeriodEnd: start.AddDate(0, 1, 0)}

	require.True(t, period.Covers(start))
	require.True(t, period.Covers(start.AddDate(0, 0, 15)))
	require.False(t, period.Covers(period.PeriodEnd))
	require.False(t, period.Covers(start.Add(-time.Second)))
}
