// Package checkout owns the flows that talk to the payment gateway on
// behalf of a customer: starting a subscription, cancelling one, and
// one-time purchases. Mutating gateway calls always run after the local
// record is durably committed, keyed so retries are safe.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clearpoint/billing/internal/app/service/lifecycle"
	"github.com/clearpoint/billing/internal/app/service/subscription"
	"github.com/clearpoint/billing/internal/models"
	"github.com/clearpoint/billing/internal/platform/payplus"
	"github.com/clearpoint/billing/pkg/config"
	"github.com/clearpoint/billing/pkg/logctx"
	"github.com/clearpoint/billing/pkg/tool"
	"github.com/clearpoint/billing/pkg/types"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Gateway is the slice of the payment client checkout needs.
type Gateway interface {
	CreateRecurring(ctx context.Context, idemKey string, req payplus.CreateRecurringRequest) (*payplus.CreateRecurringResult, error)
	CancelRecurring(ctx context.Context, idemKey, recurringUID string) (bool, error)
	CreateOneTime(ctx context.Context, idemKey string, req payplus.OneTimeRequest) (string, error)
}

type Service struct {
	cfg     *config.Config
	gateway Gateway
	subSvc  *subscription.Service
	log     *zap.SugaredLogger
}

func NewService(cfg *config.Config, gateway *payplus.Client, subSvc *subscription.Service, log *zap.SugaredLogger) *Service {
	return &Service{cfg: cfg, gateway: gateway, subSvc: subSvc, log: log}
}

var Module = fx.Options(
	fx.Provide(NewService),
)

type StartParams struct {
	CustomerID    string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	PlanID        string
	BillingCycle  types.BillingCycle
}

// StartResult carries the new subscription and the hosted page the customer
// completes card setup on.
type StartResult struct {
	Subscription   *models.Subscription
	PaymentPageURL string
}

// StartSubscription creates a trial subscription and asks the gateway for a
// recurring-setup link. The local row commits first; a gateway failure
// leaves a valid trial subscription the customer can retry card setup for.
func (s *Service) StartSubscription(ctx context.Context, p StartParams) (*StartResult, error) {
	if !p.BillingCycle.Valid() {
		return nil, fmt.Errorf("invalid billing cycle: %s", p.BillingCycle)
	}

	sub, err := s.subSvc.Create(ctx, subscription.CreateParams{
		CustomerID:   p.CustomerID,
		PlanID:       p.PlanID,
		BillingCycle: p.BillingCycle,
	})
	if err != nil {
		return nil, err
	}

	res, err := s.gateway.CreateRecurring(ctx, sub.ID, payplus.CreateRecurringRequest{
		CustomerID:    p.CustomerID,
		CustomerName:  p.CustomerName,
		CustomerEmail: p.CustomerEmail,
		CustomerPhone: p.CustomerPhone,
		Amount:        sub.Amount,
		Currency:      sub.Currency,
		Cycle:         sub.BillingCycle,
		StartDate:     firstChargeDate(sub),
		Description:   fmt.Sprintf("plan %s (%s)", sub.PlanID, sub.BillingCycle),
		NotifyURL:     s.cfg.WebhookURL(),
	})
	if err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("recurring setup link failed, subscription stays in trial",
			"subscription_id", sub.ID, "err", err)
		return &StartResult{Subscription: sub}, nil
	}

	if res.RecurringUID != "" {
		if err := s.subSvc.AttachProviderRef(ctx, sub.ID, res.RecurringUID); err != nil {
			return nil, err
		}
		sub.ProviderSubscriptionRef = &res.RecurringUID
	}
	return &StartResult{Subscription: sub, PaymentPageURL: res.PaymentPageURL}, nil
}

// Cancel runs a customer cancellation: the local transition commits, then
// the gateway recurring charge is deleted. The gateway call is keyed on the
// subscription id, so a crashed attempt is re-runnable.
func (s *Service) Cancel(ctx context.Context, subscriptionID, reason string) (*models.Subscription, error) {
	res, err := s.subSvc.ApplyEvent(ctx, subscriptionID, lifecycle.Event{
		Kind:   lifecycle.EventCancelRequested,
		Reason: reason,
	}, types.SyncSourceAdmin)
	if err != nil {
		return nil, err
	}

	s.runEffects(ctx, res)
	return res.Subscription, nil
}

func (s *Service) runEffects(ctx context.Context, res *subscription.ApplyResult) {
	l := logctx.FromCtx(ctx, s.log)
	for _, eff := range res.Effects {
		switch eff.Kind {
		case lifecycle.EffectCancelGatewayRecurring:
			sub := res.Subscription
			if !sub.HasPaymentMethod() {
				continue
			}
			idemKey := "cancel-" + sub.ID
			if _, err := s.gateway.CancelRecurring(ctx, idemKey, *sub.ProviderSubscriptionRef); err != nil {
				// The local record already stops entitlement renewal; the
				// next reconciliation pass re-attempts the gateway delete.
				l.Errorw("gateway cancel failed, reconciliation will retry",
					"subscription_id", sub.ID, "err", err)
				if ferr := s.subSvc.RequestForceSync(ctx, sub.ID); ferr != nil && !errors.Is(ferr, subscription.ErrNotFound) {
					l.Errorf("failed to flag force sync: %v", ferr)
				}
			}
		case lifecycle.EffectFlagOperatorReview:
			l.Warnw("operator review flagged", "subscription_id", res.Subscription.ID, "note", eff.Note)
		default:
			l.Infow("billing notification", "kind", eff.Kind, "subscription_id", res.Subscription.ID)
		}
	}
}

type OneTimeParams struct {
	CustomerID    string
	CustomerName  string
	CustomerEmail string
	Amount        int64
	Currency      string
	Description   string
}

// OneTimeCharge starts a one-time payment (hardware purchases). The Payment
// row is written pending; the webhook flips it to completed or failed.
func (s *Service) OneTimeCharge(ctx context.Context, p OneTimeParams) (*models.Payment, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if p.Currency == "" {
		p.Currency = "ILS"
	}

	idemKey := tool.GenerateUUIDV7()
	chargeRef, err := s.gateway.CreateOneTime(ctx, idemKey, payplus.OneTimeRequest{
		CustomerID:    p.CustomerID,
		CustomerName:  p.CustomerName,
		CustomerEmail: p.CustomerEmail,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Description:   p.Description,
	})
	if err != nil {
		return nil, err
	}

	return s.subSvc.RecordOneTimePayment(ctx, p.CustomerID, &lifecycle.PaymentIntent{
		Status:            types.PaymentStatusPending,
		Amount:            p.Amount,
		Currency:          p.Currency,
		ProviderChargeRef: chargeRef,
	})
}

// firstChargeDate is when the gateway should run the first recurring charge:
// the trial end for fresh subscriptions, now for anything already running.
func firstChargeDate(sub *models.Subscription) time.Time {
	if sub.TrialEndsAt != nil && sub.TrialEndsAt.After(time.Now()) {
		return *sub.TrialEndsAt
	}
	return time.Now().UTC()
}
