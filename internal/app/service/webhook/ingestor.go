// Package webhook turns raw gateway callbacks into lifecycle events:
// verify, parse, resolve, apply, archive.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/clearpoint/billing/internal/app/service/lifecycle"
	"github.com/clearpoint/billing/internal/app/service/subscription"
	"github.com/clearpoint/billing/internal/app/service/webhooklog"
	"github.com/clearpoint/billing/internal/models"
	"github.com/clearpoint/billing/internal/platform/payplus"
	"github.com/clearpoint/billing/pkg/config"
	"github.com/clearpoint/billing/pkg/logctx"
	"github.com/clearpoint/billing/pkg/metrics"
	"github.com/clearpoint/billing/pkg/types"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var (
	ErrBadSignature = errors.New("webhook signature verification failed")
	// ErrUnmatched means the payload was valid but no subscription claims
	// it. Acknowledged with 200 so the provider stops retrying; the archive
	// row keeps it findable.
	ErrUnmatched = errors.New("webhook matched no subscription")
)

type Ingestor struct {
	cfg    *config.Config
	subSvc *subscription.Service
	logSvc *webhooklog.Service
	log    *zap.SugaredLogger
}

func NewIngestor(cfg *config.Config, subSvc *subscription.Service, logSvc *webhooklog.Service, log *zap.SugaredLogger) *Ingestor {
	return &Ingestor{cfg: cfg, subSvc: subSvc, logSvc: logSvc, log: log}
}

var Module = fx.Options(
	fx.Provide(NewIngestor),
)

// Result summarizes one processed delivery for the HTTP layer.
type Result struct {
	SubscriptionID string
	Outcome        string
	Event          lifecycle.EventKind
}

// Ingest processes one webhook delivery. The error taxonomy maps straight
// to HTTP statuses: ErrBadSignature is the only 401, ErrMalformed the only
// 400, and everything retryable is a plain error (500, provider retries).
func (ing *Ingestor) Ingest(ctx context.Context, body []byte, receivedHash, userAgent, traceID string) (*Result, error) {
	if !payplus.VerifySignature(ing.cfg.Gateway.SecretKey, body, receivedHash, userAgent) {
		metrics.WebhookRejected.Inc()
		ing.archive(ctx, body, traceID, "", nil, models.WebhookEventLogStatusRejected, ErrBadSignature)
		return nil, ErrBadSignature
	}

	n, err := Parse(body)
	if err != nil {
		metrics.WebhookRejected.Inc()
		ing.archive(ctx, body, traceID, "", nil, models.WebhookEventLogStatusRejected, err)
		return nil, err
	}

	ing.archive(ctx, body, traceID, n.TransactionUID, nil, models.WebhookEventLogStatusReceived, nil)

	// One-time purchases settle their pending Payment row and stop there.
	// They must never reach the subscription state machine: hardware money
	// is not a billing cycle.
	if !n.Recurring {
		return ing.settleOneTime(ctx, body, traceID, n)
	}

	sub, err := ing.resolve(ctx, n)
	if err != nil {
		status := models.WebhookEventLogStatusHandleFailed
		if errors.Is(err, ErrUnmatched) {
			status = models.WebhookEventLogStatusHandled
		}
		ing.archive(ctx, body, traceID, n.TransactionUID, nil, status, err)
		return nil, err
	}

	ev := eventFor(n)
	res, err := ing.subSvc.ApplyEvent(ctx, sub.ID, ev, types.SyncSourceWebhook)
	if err != nil {
		ing.archive(ctx, body, traceID, n.TransactionUID, &sub.ID, models.WebhookEventLogStatusHandleFailed, err)
		return nil, err
	}

	ing.runEffects(ctx, res)
	ing.archive(ctx, body, traceID, n.TransactionUID, &sub.ID, models.WebhookEventLogStatusHandled, nil)
	metrics.WebhookHandled.WithLabelValues(string(ev.Kind), string(res.Outcome)).Inc()

	return &Result{SubscriptionID: sub.ID, Outcome: string(res.Outcome), Event: ev.Kind}, nil
}

// settleOneTime matches a one-time callback to its pending Payment by the
// page request ref recorded at charge creation (transaction uid as a
// fallback) and settles it. Unmatched deliveries are acknowledged like any
// other unclaimed event.
func (ing *Ingestor) settleOneTime(ctx context.Context, body []byte, traceID string, n *Notification) (*Result, error) {
	failureCode := ""
	if !n.Succeeded() {
		failureCode = n.StatusCode
	}
	p, err := ing.subSvc.SettleOneTimePayment(ctx,
		[]string{n.PageRequestUID, n.TransactionUID}, n.Succeeded(), failureCode, n.ChargedAt)
	if errors.Is(err, subscription.ErrPaymentNotFound) {
		ing.archive(ctx, body, traceID, n.TransactionUID, nil, models.WebhookEventLogStatusHandled, ErrUnmatched)
		return nil, ErrUnmatched
	}
	if err != nil {
		ing.archive(ctx, body, traceID, n.TransactionUID, nil, models.WebhookEventLogStatusHandleFailed, err)
		return nil, err
	}

	ing.archive(ctx, body, traceID, n.TransactionUID, nil, models.WebhookEventLogStatusHandled, nil)
	metrics.WebhookHandled.WithLabelValues("one_time", string(p.Status)).Inc()
	logctx.FromCtx(ctx, ing.log).Infow("settled one-time payment",
		"payment_id", p.ID, "status", p.Status, "charge_ref", p.ProviderChargeRef)
	return &Result{Outcome: string(p.Status)}, nil
}

// resolve finds the subscription a notification belongs to: provider
// recurring ref first, then the more_info customer correlation.
func (ing *Ingestor) resolve(ctx context.Context, n *Notification) (*models.Subscription, error) {
	if n.RecurringUID != "" {
		sub, err := ing.subSvc.GetByProviderRef(ctx, n.RecurringUID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, subscription.ErrNotFound) {
			return nil, err
		}
	}
	if n.CustomerID != "" {
		sub, err := ing.subSvc.GetActiveByCustomer(ctx, n.CustomerID)
		if err == nil {
			// First recurring charge after card setup carries the ref the
			// local record is still missing.
			if n.RecurringUID != "" && !sub.HasPaymentMethod() {
				if aerr := ing.subSvc.AttachProviderRef(ctx, sub.ID, n.RecurringUID); aerr != nil {
					logctx.FromCtx(ctx, ing.log).Warnf("failed to attach provider ref: %v", aerr)
				}
			}
			return sub, nil
		}
		if !errors.Is(err, subscription.ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrUnmatched
}

func eventFor(n *Notification) lifecycle.Event {
	ev := lifecycle.Event{
		Amount:            n.Amount,
		Currency:          n.Currency,
		ProviderChargeRef: n.TransactionUID,
		ProviderEventID:   n.TransactionUID,
	}
	if n.Succeeded() {
		ev.Kind = lifecycle.EventChargeSucceeded
	} else {
		ev.Kind = lifecycle.EventChargeFailed
		ev.FailureCode = n.StatusCode
	}
	return ev
}

// runEffects executes post-commit side effects. Failures log and continue;
// reconciliation catches anything dropped here.
func (ing *Ingestor) runEffects(ctx context.Context, res *subscription.ApplyResult) {
	l := logctx.FromCtx(ctx, ing.log)
	for _, eff := range res.Effects {
		switch eff.Kind {
		case lifecycle.EffectFlagOperatorReview:
			l.Warnw("operator review flagged", "subscription_id", res.Subscription.ID, "note", eff.Note)
		default:
			// Notification effects are fire-and-forget log lines until a
			// mailer is wired.
			l.Infow("billing notification", "kind", eff.Kind, "subscription_id", res.Subscription.ID)
		}
	}
}

func (ing *Ingestor) archive(ctx context.Context, body []byte, traceID, eventID string, subID *string, status models.WebhookEventLogStatus, resErr error) {
	row := &models.WebhookEventLog{
		ProviderEventID: eventID,
		SubscriptionID:  subID,
		TraceID:         traceID,
		ReceivedAt:      time.Now().UTC(),
		Payload:         datatypes.JSON(body),
		Status:          status,
	}
	if resErr != nil {
		resBytes, _ := json.Marshal(map[string]any{"error": resErr.Error()})
		row.Result = lo.ToPtr(datatypes.JSON(resBytes))
	}
	ing.logSvc.Save(ctx, row)
}
