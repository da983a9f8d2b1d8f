package models

import (
	"time"

	"github.com/clearpoint/billing/pkg/types"

	"gorm.io/datatypes"
)

// SyncHistory is the append-only audit log of billing state transitions and
// reconciliation runs. Rows are never mutated; every transition must be
// explainable from this table after the fact.
//
// ProviderEventID carries the gateway's event/transaction id for webhook
// rows; the unique index on it is what makes webhook ingestion idempotent.
type SyncHistory struct {
	ID             string  `gorm:"column:id;type:uuid;primary_key" json:"id"`
	SubscriptionID *string `gorm:"column:subscription_id;type:uuid;index:idx_sync_history_sub_completed,priority:1" json:"subscription_id"`

	Source          types.SyncSource          `gorm:"column:source;type:varchar(16);not null" json:"source"`
	ProviderEventID *string                   `gorm:"column:provider_event_id;type:varchar(128);uniqueIndex" json:"provider_event_id"`
	PreviousStatus  *types.SubscriptionStatus `gorm:"column:previous_status;type:varchar(32)" json:"previous_status"`
	NewStatus       *types.SubscriptionStatus `gorm:"column:new_status;type:varchar(32)" json:"new_status"`

	StartedAt   time.Time         `gorm:"column:started_at;not null" json:"started_at"`
	CompletedAt time.Time         `gorm:"column:completed_at;not null;index:idx_sync_history_sub_completed,priority:2,sort:desc" json:"completed_at"`
	Outcome     types.SyncOutcome `gorm:"column:outcome;type:varchar(16);not null" json:"outcome"`
	Note        string            `gorm:"column:note;type:varchar(512)" json:"note"`
	Details     datatypes.JSON    `gorm:"column:details;type:jsonb;default:'{}'" json:"details"`

	CreatedAt time.Time `json:"created_at"`
}

func (SyncHistory) TableName() string {
	return "sync_history"
}
