// Package billingclock holds the pure date arithmetic behind subscription
// periods. All computations are calendar dates in UTC; callers persist the
// results as dates, not instants, so DST shifts never move a billing day.
package billingclock

import (
	"time"

	"github.com/clearpoint/billing/pkg/types"
)

// DateOf truncates t to midnight UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// TrialEnd returns the day the trial period ends, trialDays after start.
func TrialEnd(start time.Time, trialDays int) time.Time {
	return DateOf(start).AddDate(0, 0, trialDays)
}

// PeriodEnd returns the exclusive end of the billing period beginning at
// start: one cycle later, with month-length clamping.
func PeriodEnd(cycle types.BillingCycle, start time.Time) time.Time {
	return addCycle(cycle, DateOf(start))
}

// NextBillingDate returns the charge date following anchor. Anchoring on the
// 31st rolls to the last day of a shorter month and stays there; it never
// catches back up to the 31st. The anchor must be the previous next-billing
// date, not "now", so late webhook processing cannot drift the schedule.
func NextBillingDate(cycle types.BillingCycle, anchor time.Time) time.Time {
	return addCycle(cycle, DateOf(anchor))
}

func addCycle(cycle types.BillingCycle, d time.Time) time.Time {
	if cycle == types.BillingCycleYearly {
		return addMonthsClamped(d, 12)
	}
	return addMonthsClamped(d, 1)
}

// addMonthsClamped is AddDate without Go's month overflow: Jan 31 + 1 month
// is Feb 28 (or 29), not Mar 2.
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	firstOfTarget := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	if last := daysIn(firstOfTarget.Year(), firstOfTarget.Month()); d > last {
		d = last
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), d, 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
