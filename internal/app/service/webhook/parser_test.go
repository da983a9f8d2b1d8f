package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlatPayload(t *testing.T) {
	body := []byte(`{
		"transaction_uid": "txn-100",
		"recurring_uid": "rec-1",
		"status_code": "000",
		"amount": 29.90,
		"currency_code": "ILS",
		"type": "recurring",
		"more_info": "cust-1|recurring|monthly",
		"transaction_date": "2026-03-15 08:30:00"
	}`)

	n, err := Parse(body)
	require.NoError(t, err)
	assert.Equal(t, "txn-100", n.TransactionUID)
	assert.Equal(t, "rec-1", n.RecurringUID)
	assert.True(t, n.Succeeded())
	assert.Equal(t, int64(2990), n.Amount)
	assert.Equal(t, "ILS", n.Currency)
	assert.True(t, n.Recurring)
	assert.Equal(t, "cust-1", n.CustomerID)
	assert.Equal(t, "monthly", n.BillingCycle)
	assert.Equal(t, time.Date(2026, 3, 15, 8, 30, 0, 0, time.UTC), n.ChargedAt)
}

func TestParseNestedPayload(t *testing.T) {
	body := []byte(`{
		"transaction": {
			"uid": "txn-200",
			"recurring_uid": "rec-2",
			"status_code": "053",
			"amount": 299.00,
			"currency_code": "ILS",
			"more_info": "cust-2|recurring|yearly",
			"date": "2026-03-15T09:00:00Z"
		},
		"data": {"card_information": {"four_digits": "1234"}}
	}`)

	n, err := Parse(body)
	require.NoError(t, err)
	assert.Equal(t, "txn-200", n.TransactionUID)
	assert.Equal(t, "rec-2", n.RecurringUID)
	assert.False(t, n.Succeeded())
	assert.Equal(t, int64(29900), n.Amount)
	assert.True(t, n.Recurring)
	assert.Equal(t, "cust-2", n.CustomerID)
	assert.Equal(t, "yearly", n.BillingCycle)
}

func TestParseMalformed(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", `status=000&uid=1`},
		{"missing transaction id", `{"status_code":"000"}`},
		{"missing status code", `{"transaction_uid":"txn-1"}`},
		{"empty object", `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.body))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestParseOneTimePayload(t *testing.T) {
	body := []byte(`{
		"transaction_uid": "txn-300",
		"status_code": "000",
		"amount": 499.00,
		"currency_code": "ILS",
		"more_info": "cust-3|one_time|"
	}`)

	n, err := Parse(body)
	require.NoError(t, err)
	assert.False(t, n.Recurring)
	assert.Equal(t, "cust-3", n.CustomerID)
	assert.False(t, n.ChargedAt.IsZero())
}

func TestEventFor(t *testing.T) {
	ok := eventFor(&Notification{TransactionUID: "t1", StatusCode: "000", Amount: 100, Currency: "ILS"})
	assert.Equal(t, "charge_succeeded", string(ok.Kind))
	assert.Equal(t, "t1", ok.ProviderEventID)
	assert.Empty(t, ok.FailureCode)

	failed := eventFor(&Notification{TransactionUID: "t2", StatusCode: "053"})
	assert.Equal(t, "charge_failed", string(failed.Kind))
	assert.Equal(t, "053", failed.FailureCode)
}
