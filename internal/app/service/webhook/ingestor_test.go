package webhook

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/clearpoint/billing/internal/app/service/lifecycle"
	"github.com/clearpoint/billing/internal/app/service/subscription"
	"github.com/clearpoint/billing/internal/app/service/webhooklog"
	"github.com/clearpoint/billing/internal/models"
	"github.com/clearpoint/billing/internal/platform/payplus"
	"github.com/clearpoint/billing/pkg/config"
	"github.com/clearpoint/billing/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testSecret = "whsec-test"

func newTestIngestor(t *testing.T) (*Ingestor, *subscription.Service) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "billing.db")), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Subscription{}, &models.Payment{}, &models.SyncHistory{}, &models.WebhookEventLog{}))

	log := zap.NewNop().Sugar()
	cfg := &config.Config{
		Gateway: config.GatewayConfig{SecretKey: testSecret},
		Billing: config.BillingConfig{TrialDays: 30, FailureThreshold: 3, AnomalyThreshold: 2},
		Plans: []*types.Plan{
			{ID: "plan-basic", Name: "Basic", MonthlyAmount: 2990, YearlyAmount: 29900, Currency: "ILS"},
		},
	}
	subSvc := subscription.NewService(cfg, db, log)
	return NewIngestor(cfg, subSvc, webhooklog.New(db, log), log), subSvc
}

// A hardware-purchase callback settles its pending Payment row and leaves
// the customer's subscription exactly as it was: no period advance, no
// failure-count reset, no recurring Payment.
func TestIngestOneTimeSettlesPaymentOnly(t *testing.T) {
	ing, subSvc := newTestIngestor(t)
	ctx := context.Background()

	sub, err := subSvc.Create(ctx, subscription.CreateParams{
		CustomerID:   "cust-1",
		PlanID:       "plan-basic",
		BillingCycle: types.BillingCycleMonthly,
	})
	require.NoError(t, err)
	before, err := subSvc.Get(ctx, sub.ID)
	require.NoError(t, err)

	_, err = subSvc.RecordOneTimePayment(ctx, "cust-1", &lifecycle.PaymentIntent{
		Status:            types.PaymentStatusPending,
		Amount:            14900,
		Currency:          "ILS",
		ProviderChargeRef: "page-hw-1",
	})
	require.NoError(t, err)

	body := []byte(`{"transaction_uid":"txn-hw-1","page_request_uid":"page-hw-1","status_code":"000","amount":149,"currency_code":"ILS","more_info":"cust-1|one_time|"}`)
	res, err := ing.Ingest(ctx, body, payplus.SignBody(testSecret, body), "PayPlus", "trace-1")
	require.NoError(t, err)
	assert.Equal(t, string(types.PaymentStatusCompleted), res.Outcome)
	assert.Empty(t, res.SubscriptionID)
	assert.Empty(t, res.Event)

	// The pending payment settled; a replayed settlement must see it
	// completed already, untouched by the failure arguments.
	p, err := subSvc.SettleOneTimePayment(ctx, []string{"page-hw-1"}, false, "002", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStatusCompleted, p.Status)

	after, err := subSvc.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.PaymentFailureCount, after.PaymentFailureCount)
	require.NotNil(t, after.NextBillingDate)
	assert.True(t, before.NextBillingDate.Equal(*after.NextBillingDate),
		"a one-time charge must not advance the billing schedule")

	recurring, err := subSvc.ListPayments(ctx, sub.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, recurring, "no recurring Payment row for hardware money")
}

func TestIngestOneTimeUnmatchedIsAcknowledged(t *testing.T) {
	ing, _ := newTestIngestor(t)

	body := []byte(`{"transaction_uid":"txn-hw-9","page_request_uid":"page-unknown","status_code":"000","amount":10,"currency_code":"ILS","more_info":"cust-9|one_time|"}`)
	_, err := ing.Ingest(context.Background(), body, payplus.SignBody(testSecret, body), "PayPlus", "trace-2")
	assert.ErrorIs(t, err, ErrUnmatched)
}
