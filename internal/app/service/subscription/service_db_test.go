package subscription

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/clearpoint/billing/internal/app/service/lifecycle"
	"github.com/clearpoint/billing/internal/models"
	"github.com/clearpoint/billing/pkg/config"
	"github.com/clearpoint/billing/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "billing.db")), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Subscription{}, &models.Payment{}, &models.SyncHistory{}, &models.WebhookEventLog{}))

	cfg := &config.Config{
		Billing: config.BillingConfig{TrialDays: 30, FailureThreshold: 3, AnomalyThreshold: 2},
		Plans: []*types.Plan{
			{ID: "plan-basic", Name: "Basic", MonthlyAmount: 2990, YearlyAmount: 29900, Currency: "ILS"},
		},
	}
	return NewService(cfg, db, zap.NewNop().Sugar())
}

func TestApplyEventDeduplicatesProviderEvent(t *testing.T) {
	svc := newTestStore(t)
	ctx := context.Background()

	sub, err := svc.Create(ctx, CreateParams{
		CustomerID:   "cust-1",
		PlanID:       "plan-basic",
		BillingCycle: types.BillingCycleMonthly,
	})
	require.NoError(t, err)

	ev := lifecycle.Event{
		Kind:              lifecycle.EventChargeSucceeded,
		Amount:            2990,
		Currency:          "ILS",
		ProviderChargeRef: "txn-1",
		ProviderEventID:   "txn-1",
	}

	first, err := svc.ApplyEvent(ctx, sub.ID, ev, types.SyncSourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, types.SyncOutcomeApplied, first.Outcome)
	assert.Equal(t, types.SubscriptionStatusActive, first.Subscription.Status)
	require.NotNil(t, first.Subscription.NextBillingDate)

	// Redelivery of the same provider event: no second transition.
	second, err := svc.ApplyEvent(ctx, sub.ID, ev, types.SyncSourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, types.SyncOutcomeDuplicate, second.Outcome)

	reloaded, err := svc.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.NextBillingDate)
	assert.True(t, first.Subscription.NextBillingDate.Equal(*reloaded.NextBillingDate),
		"next billing date must not advance on a replayed event")
	assert.Equal(t, 0, reloaded.PaymentFailureCount)

	rows, err := svc.ListHistory(ctx, sub.ID, 50)
	require.NoError(t, err)
	eventRows := 0
	for _, r := range rows {
		if r.ProviderEventID != nil && *r.ProviderEventID == "txn-1" {
			eventRows++
		}
	}
	assert.Equal(t, 1, eventRows, "one audit row per provider event")

	payments, err := svc.ListPayments(ctx, sub.ID, 50)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestSettleOneTimePayment(t *testing.T) {
	svc := newTestStore(t)
	ctx := context.Background()
	paidAt := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

	created, err := svc.RecordOneTimePayment(ctx, "cust-1", &lifecycle.PaymentIntent{
		Status:            types.PaymentStatusPending,
		Amount:            14900,
		Currency:          "ILS",
		ProviderChargeRef: "page-req-1",
	})
	require.NoError(t, err)
	require.NotNil(t, created)

	settled, err := svc.SettleOneTimePayment(ctx, []string{"page-req-1", "txn-9"}, true, "", paidAt)
	require.NoError(t, err)
	assert.Equal(t, created.ID, settled.ID)
	assert.Equal(t, types.PaymentStatusCompleted, settled.Status)
	require.NotNil(t, settled.PaidAt)

	// A replayed delivery cannot flip a settled payment.
	again, err := svc.SettleOneTimePayment(ctx, []string{"page-req-1"}, false, "002", paidAt)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStatusCompleted, again.Status)

	_, err = svc.SettleOneTimePayment(ctx, []string{"unknown-ref"}, true, "", paidAt)
	assert.ErrorIs(t, err, ErrPaymentNotFound)
	_, err = svc.SettleOneTimePayment(ctx, nil, true, "", paidAt)
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestSettleOneTimePaymentFailure(t *testing.T) {
	svc := newTestStore(t)
	ctx := context.Background()

	_, err := svc.RecordOneTimePayment(ctx, "cust-2", &lifecycle.PaymentIntent{
		Status:            types.PaymentStatusPending,
		Amount:            14900,
		Currency:          "ILS",
		ProviderChargeRef: "page-req-2",
	})
	require.NoError(t, err)

	failed, err := svc.SettleOneTimePayment(ctx, []string{"page-req-2"}, false, "002", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStatusFailed, failed.Status)
	require.NotNil(t, failed.FailureCode)
	assert.Equal(t, "002", *failed.FailureCode)
	assert.Nil(t, failed.PaidAt)
}
