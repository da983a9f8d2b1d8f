package models

import (
	"time"

	"gorm.io/datatypes"
)

type WebhookEventLogStatus string

const (
	WebhookEventLogStatusReceived     WebhookEventLogStatus = "received"
	WebhookEventLogStatusHandled      WebhookEventLogStatus = "handled"
	WebhookEventLogStatusHandleFailed WebhookEventLogStatus = "handle_failed"
	WebhookEventLogStatusRejected     WebhookEventLogStatus = "rejected"
)

// WebhookEventLog archives every inbound gateway notification verbatim, for
// troubleshooting. SyncHistory holds the authoritative transition record;
// this table holds the raw payloads.
type WebhookEventLog struct {
	ID              string                `gorm:"column:id;type:uuid;primary_key" json:"id"`
	ProviderEventID string                `gorm:"column:provider_event_id;type:varchar(128);index" json:"provider_event_id"`
	SubscriptionID  *string               `gorm:"column:subscription_id;type:uuid" json:"subscription_id"`
	TraceID         string                `gorm:"column:trace_id;type:varchar(128)" json:"trace_id"`
	ReceivedAt      time.Time             `gorm:"column:received_at;not null" json:"received_at"`
	Payload         datatypes.JSON        `gorm:"column:payload;type:jsonb" json:"payload"`
	Result          *datatypes.JSON       `gorm:"column:result;type:jsonb" json:"result"`
	Status          WebhookEventLogStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

func (WebhookEventLog) TableName() string { return "webhook_event_log" }
