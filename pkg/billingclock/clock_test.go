package billingclock

import (
	"testing"
	"time"

	"github.com/clearpoint/billing/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNextBillingDate_MonthClamping(t *testing.T) {
	tests := []struct {
		name   string
		cycle  types.BillingCycle
		anchor time.Time
		want   time.Time
	}{
		{"mid-month monthly", types.BillingCycleMonthly, date(2025, time.March, 15), date(2025, time.April, 15)},
		{"jan 31 rolls to feb 28", types.BillingCycleMonthly, date(2025, time.January, 31), date(2025, time.February, 28)},
		{"jan 31 leap year", types.BillingCycleMonthly, date(2024, time.January, 31), date(2024, time.February, 29)},
		{"feb 28 stays on 28", types.BillingCycleMonthly, date(2025, time.February, 28), date(2025, time.March, 28)},
		{"dec wraps year", types.BillingCycleMonthly, date(2025, time.December, 10), date(2026, time.January, 10)},
		{"oct 31 to nov 30", types.BillingCycleMonthly, date(2025, time.October, 31), date(2025, time.November, 30)},
		{"yearly", types.BillingCycleYearly, date(2025, time.June, 1), date(2026, time.June, 1)},
		{"yearly from feb 29", types.BillingCycleYearly, date(2024, time.February, 29), date(2025, time.February, 28)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextBillingDate(tt.cycle, tt.anchor))
		})
	}
}

// Advancing twice in sequence never produces a date earlier than the first
// result, including across month-length boundaries.
func TestNextBillingDate_Monotonic(t *testing.T) {
	anchors := []time.Time{
		date(2025, time.January, 31),
		date(2025, time.January, 30),
		date(2025, time.January, 29),
		date(2024, time.December, 31),
		date(2025, time.March, 31),
	}
	for _, anchor := range anchors {
		cur := anchor
		for i := 0; i < 24; i++ {
			next := NextBillingDate(types.BillingCycleMonthly, cur)
			require.True(t, next.After(cur), "anchor %v step %d: %v not after %v", anchor, i, next, cur)
			cur = next
		}
	}
}

func TestNextBillingDate_NeverCatchesUp(t *testing.T) {
	// Jan 31 -> Feb 28 -> Mar 28, never Mar 31.
	feb := NextBillingDate(types.BillingCycleMonthly, date(2025, time.January, 31))
	require.Equal(t, date(2025, time.February, 28), feb)
	assert.Equal(t, date(2025, time.March, 28), NextBillingDate(types.BillingCycleMonthly, feb))
}

func TestTrialEnd(t *testing.T) {
	start := time.Date(2025, time.May, 1, 17, 45, 3, 0, time.FixedZone("IST", 3*3600))
	assert.Equal(t, date(2025, time.May, 31), TrialEnd(start, 30))
	assert.Equal(t, date(2025, time.May, 1), TrialEnd(start, 0))
}

func TestPeriodEnd(t *testing.T) {
	assert.Equal(t, date(2025, time.July, 31), PeriodEnd(types.BillingCycleMonthly, date(2025, time.June, 30).Add(9*time.Hour)))
	assert.Equal(t, date(2026, time.January, 15), PeriodEnd(types.BillingCycleYearly, date(2025, time.January, 15)))
}

func TestDateOf_TimezoneStable(t *testing.T) {
	// 23:30 in UTC+3 is 20:30 UTC on the same calendar date.
	local := time.Date(2025, time.August, 1, 23, 30, 0, 0, time.FixedZone("IST", 3*3600))
	assert.Equal(t, date(2025, time.August, 1), DateOf(local))
}
