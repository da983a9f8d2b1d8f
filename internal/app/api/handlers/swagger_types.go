package handlers

import (
	croncmd "github.com/clearpoint/billing/internal/app/service/cron"
	"github.com/clearpoint/billing/internal/app/service/reconcile"
	"github.com/clearpoint/billing/internal/app/service/webhook"
	"github.com/clearpoint/billing/internal/models"
	"github.com/clearpoint/billing/pkg/response"
	"github.com/clearpoint/billing/pkg/types"
)

// RespOK is a generic OK envelope for endpoints returning no specific data.
type RespOK struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    interface{}              `json:"data"`
}

// RespWebhook wraps the webhook processing result in the standard envelope.
type RespWebhook struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    webhook.Result           `json:"data"`
}

// RespSyncResult wraps a single-subscription sync result.
type RespSyncResult struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    reconcile.SyncResult     `json:"data"`
}

// RespSyncSummary wraps a bulk sync run summary.
type RespSyncSummary struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    reconcile.Summary        `json:"data"`
}

// RespCronReport wraps a cron pass report.
type RespCronReport struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    croncmd.Report           `json:"data"`
}

// RespAccessDecision wraps an entitlement decision.
type RespAccessDecision struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    types.AccessDecision     `json:"data"`
}

// RespSubscription wraps a single subscription.
type RespSubscription struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.Subscription      `json:"data"`
}

// RespSubscriptions wraps a subscription listing.
type RespSubscriptions struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    []models.Subscription    `json:"data"`
}

// RespCreateSubscription wraps the creation result including the hosted
// payment page link.
type RespCreateSubscription struct {
	Code    response.APIResponseCode   `json:"code"`
	Message string                     `json:"message"`
	Data    CreateSubscriptionResponse `json:"data"`
}

// RespPayment wraps a single payment row.
type RespPayment struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.Payment           `json:"data"`
}

// RespPayments wraps a payment listing.
type RespPayments struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    []models.Payment         `json:"data"`
}

// RespSyncHistory wraps an audit trail listing.
type RespSyncHistory struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    []models.SyncHistory     `json:"data"`
}
