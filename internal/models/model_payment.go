package models

import (
	"time"

	"github.com/clearpoint/billing/pkg/types"

	"gorm.io/datatypes"
)

// Payment is the audit row for money movement. A recurring payment always
// references a subscription; one-time hardware payments have none. A
// subscription's next_billing_date never advances without a completed
// recurring Payment row.
type Payment struct {
	ID             string              `gorm:"column:id;type:uuid;primary_key" json:"id"`
	SubscriptionID *string             `gorm:"column:subscription_id;type:uuid;index" json:"subscription_id"`
	CustomerID     string              `gorm:"column:customer_id;type:varchar(64);not null;index" json:"customer_id"`
	Type           types.PaymentType   `gorm:"column:type;type:varchar(16);not null" json:"type"`
	Amount         int64               `gorm:"column:amount;type:bigint;not null" json:"amount"`
	Currency       string              `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	Status         types.PaymentStatus `gorm:"column:status;type:varchar(16);not null" json:"status"`
	// ProviderChargeRef is the gateway transaction id; unique so a replayed
	// webhook cannot double-record a charge.
	ProviderChargeRef string         `gorm:"column:provider_charge_ref;type:varchar(128);not null;uniqueIndex" json:"provider_charge_ref"`
	FailureCode       *string        `gorm:"column:failure_code;type:varchar(32)" json:"failure_code"`
	PaidAt            *time.Time     `gorm:"column:paid_at" json:"paid_at"`
	Extra             datatypes.JSON `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func (Payment) TableName() string {
	return "payment"
}
