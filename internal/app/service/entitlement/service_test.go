package entitlement

import (
	"testing"
	"time"

	"github.com/clearpoint/billing/internal/models"
	"github.com/clearpoint/billing/pkg/types"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestDecideTrial(t *testing.T) {
	trialEnd := date(2026, 3, 31)
	sub := &models.Subscription{
		Status:      types.SubscriptionStatusTrial,
		TrialEndsAt: &trialEnd,
	}

	// Day 29 of the trial.
	d := Decide(sub, date(2026, 3, 30))
	assert.True(t, d.Allowed)
	assert.Equal(t, types.AccessReasonTrial, d.Reason)
	assert.Equal(t, &trialEnd, d.ExpiresAt)

	// Trial end without a card on file: the cron has not suspended the row
	// yet, but access is already gone.
	d = Decide(sub, date(2026, 3, 31))
	assert.False(t, d.Allowed)
	assert.Equal(t, types.AccessReasonTrialExpired, d.Reason)
}

func TestDecideCancelAtPeriodEnd(t *testing.T) {
	periodEnd := date(2026, 3, 31)
	sub := &models.Subscription{
		Status:            types.SubscriptionStatusActive,
		CurrentPeriodEnd:  &periodEnd,
		CancelAtPeriodEnd: true,
		GracePeriodEnd:    &periodEnd,
	}

	// Cancelled on day 10: still paid through the period.
	d := Decide(sub, date(2026, 3, 10))
	assert.True(t, d.Allowed)
	assert.Equal(t, types.AccessReasonActive, d.Reason)

	// Paid window over.
	d = Decide(sub, date(2026, 3, 31))
	assert.False(t, d.Allowed)
	assert.Equal(t, types.AccessReasonCancelled, d.Reason)
}

func TestDecideByStatus(t *testing.T) {
	now := date(2026, 3, 15)
	graceEnd := date(2026, 3, 20)

	cases := []struct {
		name    string
		sub     *models.Subscription
		allowed bool
		reason  types.AccessReason
	}{
		{"active", &models.Subscription{Status: types.SubscriptionStatusActive}, true, types.AccessReasonActive},
		{"past_due keeps access during retries", &models.Subscription{Status: types.SubscriptionStatusPastDue}, true, types.AccessReasonPastDue},
		{"grace period before its end", &models.Subscription{Status: types.SubscriptionStatusGracePeriod, GracePeriodEnd: &graceEnd}, true, types.AccessReasonGracePeriod},
		{"grace period after its end", &models.Subscription{Status: types.SubscriptionStatusGracePeriod, GracePeriodEnd: lo.ToPtr(date(2026, 3, 10))}, false, types.AccessReasonCancelled},
		{"suspended", &models.Subscription{Status: types.SubscriptionStatusSuspended}, false, types.AccessReasonSuspended},
		{"cancelled", &models.Subscription{Status: types.SubscriptionStatusCancelled}, false, types.AccessReasonCancelled},
		{"expired", &models.Subscription{Status: types.SubscriptionStatusExpired}, false, types.AccessReasonExpired},
		{"unknown status fails closed", &models.Subscription{Status: "mystery"}, false, types.AccessReasonSystemError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decide(tc.sub, now)
			assert.Equal(t, tc.allowed, d.Allowed)
			assert.Equal(t, tc.reason, d.Reason)
		})
	}
}
