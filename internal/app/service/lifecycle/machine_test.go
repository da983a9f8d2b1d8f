package lifecycle

import (
	"testing"
	"time"

	"github.com/clearpoint/billing/internal/models"
	"github.com/clearpoint/billing/pkg/types"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func activeSub() *models.Subscription {
	return &models.Subscription{
		ID:                      "sub-1",
		CustomerID:              "cust-1",
		BillingCycle:            types.BillingCycleMonthly,
		Amount:                  2990,
		Currency:                "ILS",
		Status:                  types.SubscriptionStatusActive,
		CurrentPeriodStart:      lo.ToPtr(date(2026, 2, 15)),
		CurrentPeriodEnd:        lo.ToPtr(date(2026, 3, 15)),
		NextBillingDate:         lo.ToPtr(date(2026, 3, 15)),
		ProviderSubscriptionRef: lo.ToPtr("rec-1"),
	}
}

func TestDecideTotality(t *testing.T) {
	// Every event kind against every status must decide without panicking;
	// AdminForceActivate on a terminal row is the only allowed error.
	kinds := []EventKind{
		EventTrialExpired, EventChargeSucceeded, EventChargeFailed,
		EventCancelRequested, EventGracePeriodElapsed,
		EventProviderReportsCancelled, EventProviderReportsExpired,
		EventAdminForceActivate, EventAdminSimulateCharge,
	}
	statuses := []types.SubscriptionStatus{
		types.SubscriptionStatusTrial, types.SubscriptionStatusActive,
		types.SubscriptionStatusPastDue, types.SubscriptionStatusGracePeriod,
		types.SubscriptionStatusSuspended, types.SubscriptionStatusCancelled,
		types.SubscriptionStatusExpired,
	}

	for _, kind := range kinds {
		for _, status := range statuses {
			sub := activeSub()
			sub.Status = status
			out, err := Decide(sub, Event{Kind: kind, Amount: 100, Currency: "ILS", ProviderChargeRef: "txn-x"}, date(2026, 3, 15), DefaultPolicy())
			if kind == EventAdminForceActivate && status.Terminal() {
				assert.Error(t, err, "%s on %s", kind, status)
				continue
			}
			require.NoError(t, err, "%s on %s", kind, status)
			require.NotNil(t, out, "%s on %s", kind, status)
		}
	}

	_, err := Decide(activeSub(), Event{Kind: "bogus"}, time.Now(), DefaultPolicy())
	assert.Error(t, err)
}

func TestChargeSucceededAdvancesAnchoredPeriod(t *testing.T) {
	sub := activeSub()

	// Webhook arrives three days late; the next date still anchors to the
	// scheduled billing date, not the processing time.
	out, err := Decide(sub, Event{Kind: EventChargeSucceeded, Amount: 2990, Currency: "ILS", ProviderChargeRef: "txn-1"}, date(2026, 3, 18), DefaultPolicy())
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, types.SubscriptionStatusActive, out.Status)
	assert.Equal(t, date(2026, 3, 15), *out.CurrentPeriodStart)
	assert.Equal(t, date(2026, 4, 15), *out.NextBillingDate)
	assert.Equal(t, 0, *out.PaymentFailureCount)
	require.NotNil(t, out.RecordPayment)
	assert.Equal(t, types.PaymentStatusCompleted, out.RecordPayment.Status)
}

func TestTwoFailuresThenSuccessResets(t *testing.T) {
	sub := activeSub()
	pol := DefaultPolicy()

	for i := 1; i <= 2; i++ {
		out, err := Decide(sub, Event{Kind: EventChargeFailed, Amount: 2990, Currency: "ILS", ProviderChargeRef: "fail-" + string(rune('0'+i)), FailureCode: "053"}, date(2026, 3, 15), pol)
		require.NoError(t, err)
		assert.Equal(t, types.SubscriptionStatusPastDue, out.Status)
		assert.Equal(t, i, *out.PaymentFailureCount)
		sub.Status = out.Status
		sub.PaymentFailureCount = *out.PaymentFailureCount
	}

	out, err := Decide(sub, Event{Kind: EventChargeSucceeded, Amount: 2990, Currency: "ILS", ProviderChargeRef: "txn-ok"}, date(2026, 3, 17), pol)
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusActive, out.Status)
	assert.Equal(t, 0, *out.PaymentFailureCount)
	assert.Equal(t, date(2026, 4, 15), *out.NextBillingDate)
}

func TestThirdFailureSuspends(t *testing.T) {
	sub := activeSub()
	sub.Status = types.SubscriptionStatusPastDue
	sub.PaymentFailureCount = 2

	out, err := Decide(sub, Event{Kind: EventChargeFailed, FailureCode: "053", ProviderChargeRef: "fail-3"}, date(2026, 3, 20), DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusSuspended, out.Status)
	assert.Equal(t, 3, *out.PaymentFailureCount)
	require.Len(t, out.Effects, 1)
	assert.Equal(t, EffectNotifySuspended, out.Effects[0].Kind)
}

func TestTrialExpired(t *testing.T) {
	trialEnd := date(2026, 3, 31)

	t.Run("no card on file suspends", func(t *testing.T) {
		sub := activeSub()
		sub.Status = types.SubscriptionStatusTrial
		sub.TrialEndsAt = &trialEnd
		sub.ProviderSubscriptionRef = nil

		out, err := Decide(sub, Event{Kind: EventTrialExpired}, date(2026, 3, 31), DefaultPolicy())
		require.NoError(t, err)
		assert.Equal(t, types.SubscriptionStatusSuspended, out.Status)
		require.Len(t, out.Effects, 1)
		assert.Equal(t, EffectNotifyTrialEnded, out.Effects[0].Kind)
	})

	t.Run("card on file activates anchored at trial end", func(t *testing.T) {
		sub := activeSub()
		sub.Status = types.SubscriptionStatusTrial
		sub.TrialEndsAt = &trialEnd

		out, err := Decide(sub, Event{Kind: EventTrialExpired}, date(2026, 4, 2), DefaultPolicy())
		require.NoError(t, err)
		assert.Equal(t, types.SubscriptionStatusActive, out.Status)
		assert.Equal(t, date(2026, 3, 31), *out.CurrentPeriodStart)
		assert.Equal(t, date(2026, 4, 30), *out.NextBillingDate)
	})

	t.Run("before trial end is a noop", func(t *testing.T) {
		sub := activeSub()
		sub.Status = types.SubscriptionStatusTrial
		sub.TrialEndsAt = &trialEnd

		out, err := Decide(sub, Event{Kind: EventTrialExpired}, date(2026, 3, 20), DefaultPolicy())
		require.NoError(t, err)
		assert.False(t, out.Changed)
	})
}

func TestCancelRequested(t *testing.T) {
	t.Run("active keeps access until period end", func(t *testing.T) {
		sub := activeSub()
		out, err := Decide(sub, Event{Kind: EventCancelRequested, Reason: "moving house"}, date(2026, 2, 25), DefaultPolicy())
		require.NoError(t, err)
		assert.True(t, out.Changed)
		assert.Equal(t, types.SubscriptionStatusActive, out.Status)
		assert.True(t, *out.CancelAtPeriodEnd)
		assert.Equal(t, date(2026, 3, 15), *out.GracePeriodEnd)
		assert.Nil(t, out.CancelledAt)
		require.Len(t, out.Effects, 1)
		assert.Equal(t, EffectCancelGatewayRecurring, out.Effects[0].Kind)
	})

	t.Run("trial cancels immediately", func(t *testing.T) {
		sub := activeSub()
		sub.Status = types.SubscriptionStatusTrial
		sub.ProviderSubscriptionRef = nil

		out, err := Decide(sub, Event{Kind: EventCancelRequested}, date(2026, 2, 25), DefaultPolicy())
		require.NoError(t, err)
		assert.Equal(t, types.SubscriptionStatusCancelled, out.Status)
		require.NotNil(t, out.CancelledAt)
		// No card was ever attached, so no gateway call.
		require.Len(t, out.Effects, 1)
		assert.Equal(t, EffectNotifyCancelled, out.Effects[0].Kind)
	})

	t.Run("repeated cancel is a noop", func(t *testing.T) {
		sub := activeSub()
		sub.CancelAtPeriodEnd = true
		out, err := Decide(sub, Event{Kind: EventCancelRequested}, date(2026, 2, 26), DefaultPolicy())
		require.NoError(t, err)
		assert.False(t, out.Changed)
	})

	t.Run("suspended cancels immediately", func(t *testing.T) {
		sub := activeSub()
		sub.Status = types.SubscriptionStatusSuspended
		out, err := Decide(sub, Event{Kind: EventCancelRequested}, date(2026, 2, 26), DefaultPolicy())
		require.NoError(t, err)
		assert.Equal(t, types.SubscriptionStatusCancelled, out.Status)
	})
}

func TestGracePeriodElapsed(t *testing.T) {
	t.Run("past grace end cancels", func(t *testing.T) {
		sub := activeSub()
		sub.CancelAtPeriodEnd = true
		sub.GracePeriodEnd = lo.ToPtr(date(2026, 3, 15))

		out, err := Decide(sub, Event{Kind: EventGracePeriodElapsed}, date(2026, 3, 15), DefaultPolicy())
		require.NoError(t, err)
		assert.Equal(t, types.SubscriptionStatusCancelled, out.Status)
		require.NotNil(t, out.CancelledAt)
	})

	t.Run("between period end and grace end marks wind-down", func(t *testing.T) {
		sub := activeSub()
		sub.CancelAtPeriodEnd = true
		sub.GracePeriodEnd = lo.ToPtr(date(2026, 3, 22))

		out, err := Decide(sub, Event{Kind: EventGracePeriodElapsed}, date(2026, 3, 16), DefaultPolicy())
		require.NoError(t, err)
		assert.Equal(t, types.SubscriptionStatusGracePeriod, out.Status)
	})

	t.Run("without pending cancel is a noop", func(t *testing.T) {
		sub := activeSub()
		out, err := Decide(sub, Event{Kind: EventGracePeriodElapsed}, date(2026, 3, 16), DefaultPolicy())
		require.NoError(t, err)
		assert.False(t, out.Changed)
	})
}

func TestProviderReportsCancelled(t *testing.T) {
	t.Run("without local cancel suspends and flags", func(t *testing.T) {
		sub := activeSub()
		out, err := Decide(sub, Event{Kind: EventProviderReportsCancelled}, date(2026, 3, 1), DefaultPolicy())
		require.NoError(t, err)
		assert.Equal(t, types.SubscriptionStatusSuspended, out.Status)
		kinds := lo.Map(out.Effects, func(e Effect, _ int) EffectKind { return e.Kind })
		assert.Contains(t, kinds, EffectFlagOperatorReview)
	})

	t.Run("with local cancel pending is a noop", func(t *testing.T) {
		sub := activeSub()
		sub.CancelAtPeriodEnd = true
		out, err := Decide(sub, Event{Kind: EventProviderReportsCancelled}, date(2026, 3, 1), DefaultPolicy())
		require.NoError(t, err)
		assert.False(t, out.Changed)
	})
}

func TestChargeDuringGracePeriodDoesNotExtend(t *testing.T) {
	sub := activeSub()
	sub.Status = types.SubscriptionStatusGracePeriod
	sub.CancelAtPeriodEnd = true

	out, err := Decide(sub, Event{Kind: EventChargeSucceeded, Amount: 2990, Currency: "ILS", ProviderChargeRef: "txn-late"}, date(2026, 3, 16), DefaultPolicy())
	require.NoError(t, err)
	assert.False(t, out.Changed)
	require.NotNil(t, out.RecordPayment)
	kinds := lo.Map(out.Effects, func(e Effect, _ int) EffectKind { return e.Kind })
	assert.Contains(t, kinds, EffectFlagOperatorReview)
}

func TestAdminForceActivate(t *testing.T) {
	sub := activeSub()
	sub.Status = types.SubscriptionStatusSuspended
	sub.PaymentFailureCount = 3

	out, err := Decide(sub, Event{Kind: EventAdminForceActivate}, date(2026, 3, 20), DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusActive, out.Status)
	assert.Equal(t, 0, *out.PaymentFailureCount)
	assert.Equal(t, date(2026, 4, 20), *out.NextBillingDate)
	assert.False(t, *out.CancelAtPeriodEnd)
}
