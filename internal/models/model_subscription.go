package models

import (
	"time"

	"github.com/clearpoint/billing/pkg/types"

	"gorm.io/datatypes"
)

// Subscription is the local record of a customer's recurring billing
// entitlement. Entitlement decisions always read Status; provider-observed
// fields are reconciliation bookkeeping only.
//
// Rows are mutated exclusively through the lifecycle state machine (applied
// by the subscription service under a row lock). Direct field writes bypass
// date re-derivation and audit logging and are forbidden.
type Subscription struct {
	ID           string             `gorm:"column:id;type:uuid;primary_key" json:"id"`
	CustomerID   string             `gorm:"column:customer_id;type:varchar(64);not null;index" json:"customer_id"`
	PlanID       string             `gorm:"column:plan_id;type:varchar(64);not null" json:"plan_id"`
	BillingCycle types.BillingCycle `gorm:"column:billing_cycle;type:varchar(16);not null" json:"billing_cycle"`
	// Amount is in the currency's minor unit (agorot/cents).
	Amount   int64                    `gorm:"column:amount;type:bigint;not null" json:"amount"`
	Currency string                   `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	Status   types.SubscriptionStatus `gorm:"column:status;type:varchar(32);not null;index" json:"status"`

	TrialEndsAt        *time.Time `gorm:"column:trial_ends_at" json:"trial_ends_at"`
	CurrentPeriodStart *time.Time `gorm:"column:current_period_start" json:"current_period_start"`
	CurrentPeriodEnd   *time.Time `gorm:"column:current_period_end" json:"current_period_end"`
	NextBillingDate    *time.Time `gorm:"column:next_billing_date" json:"next_billing_date"`

	// ProviderSubscriptionRef is the gateway's recurring-charge id; nil until
	// the customer completes card setup.
	ProviderSubscriptionRef *string `gorm:"column:provider_subscription_ref;type:varchar(128);index" json:"provider_subscription_ref"`
	ProviderCustomerRef     *string `gorm:"column:provider_customer_ref;type:varchar(128)" json:"provider_customer_ref"`

	// PaymentFailureCount is reset only by a successful charge.
	PaymentFailureCount int `gorm:"column:payment_failure_count;not null;default:0" json:"payment_failure_count"`

	CancelAtPeriodEnd  bool       `gorm:"column:cancel_at_period_end;not null;default:false" json:"cancel_at_period_end"`
	GracePeriodEnd     *time.Time `gorm:"column:grace_period_end" json:"grace_period_end"`
	CancelledAt        *time.Time `gorm:"column:cancelled_at" json:"cancelled_at"`
	CancellationReason *string    `gorm:"column:cancellation_reason;type:varchar(255)" json:"cancellation_reason"`

	// Reconciliation bookkeeping.
	LastSyncedAt           *time.Time `gorm:"column:last_synced_at" json:"last_synced_at"`
	ProviderObservedStatus *string    `gorm:"column:provider_observed_status;type:varchar(32)" json:"provider_observed_status"`
	// AnomalyCount counts consecutive polls where the provider contradicted
	// the local record; reset by any agreeing poll.
	AnomalyCount int  `gorm:"column:anomaly_count;not null;default:0" json:"anomaly_count"`
	ForceSync    bool `gorm:"column:force_sync;not null;default:false" json:"force_sync"`

	Extra     datatypes.JSON `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscription"
}

func (s *Subscription) Terminal() bool {
	return s != nil && s.Status.Terminal()
}

// HasPaymentMethod reports whether the gateway holds a card for this
// subscription.
func (s *Subscription) HasPaymentMethod() bool {
	return s != nil && s.ProviderSubscriptionRef != nil && *s.ProviderSubscriptionRef != ""
}
