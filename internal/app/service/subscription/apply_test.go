package subscription

import (
	"errors"
	"testing"
	"time"

	"github.com/clearpoint/billing/internal/app/service/lifecycle"
	"github.com/clearpoint/billing/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, isUniqueViolation(nil))
	assert.False(t, isUniqueViolation(errors.New("connection refused")))
	assert.True(t, isUniqueViolation(gorm.ErrDuplicatedKey))
	assert.True(t, isUniqueViolation(errors.New(`ERROR: duplicate key value violates unique constraint "idx_payment_provider_charge_ref" (SQLSTATE 23505)`)))
}

func TestPaymentFromIntent(t *testing.T) {
	subID := "sub-1"
	paidAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	intent := &lifecycle.PaymentIntent{
		Status:            types.PaymentStatusCompleted,
		Amount:            2990,
		Currency:          "ILS",
		ProviderChargeRef: "txn-1",
		PaidAt:            &paidAt,
	}

	p := paymentFromIntent(&subID, "cust-1", types.PaymentTypeRecurring, intent)
	require.NotNil(t, p)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, &subID, p.SubscriptionID)
	assert.Equal(t, "cust-1", p.CustomerID)
	assert.Equal(t, types.PaymentTypeRecurring, p.Type)
	assert.Equal(t, int64(2990), p.Amount)
	assert.Nil(t, p.FailureCode)

	failed := paymentFromIntent(nil, "cust-2", types.PaymentTypeOneTime, &lifecycle.PaymentIntent{
		Status:            types.PaymentStatusFailed,
		Amount:            100,
		Currency:          "ILS",
		ProviderChargeRef: "txn-2",
		FailureCode:       "card_declined",
	})
	assert.Nil(t, failed.SubscriptionID)
	require.NotNil(t, failed.FailureCode)
	assert.Equal(t, "card_declined", *failed.FailureCode)
}

func TestHistoryNote(t *testing.T) {
	ev := lifecycle.Event{Kind: lifecycle.EventChargeFailed}
	assert.Equal(t, "charge_failed", historyNote(ev, &lifecycle.Outcome{Changed: true}))
	assert.Equal(t, "charge_failed: no transition", historyNote(ev, &lifecycle.Outcome{Changed: false}))
}
