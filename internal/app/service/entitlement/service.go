// Package entitlement answers the one question the rest of the product
// asks billing: may this customer see their camera footage right now.
package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/clearpoint/billing/internal/app/service/subscription"
	"github.com/clearpoint/billing/internal/models"
	"github.com/clearpoint/billing/pkg/logctx"
	"github.com/clearpoint/billing/pkg/metrics"
	"github.com/clearpoint/billing/pkg/types"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Service struct {
	subSvc *subscription.Service
	log    *zap.SugaredLogger
}

func NewService(subSvc *subscription.Service, log *zap.SugaredLogger) *Service {
	return &Service{subSvc: subSvc, log: log}
}

var Module = fx.Options(
	fx.Provide(NewService),
)

// HasAccess decides entitlement from the stored subscription status alone;
// it never calls the gateway. Store errors deny access with
// reason=system_error rather than failing open.
func (s *Service) HasAccess(ctx context.Context, customerID string) types.AccessDecision {
	sub, err := s.subSvc.GetActiveByCustomer(ctx, customerID)
	if errors.Is(err, subscription.ErrNotFound) {
		metrics.EntitlementDenied.WithLabelValues(string(types.AccessReasonNoSubscription)).Inc()
		return types.AccessDecision{Allowed: false, Reason: types.AccessReasonNoSubscription}
	}
	if err != nil {
		logctx.FromCtx(ctx, s.log).Errorf("entitlement lookup failed for %s: %v", customerID, err)
		metrics.EntitlementDenied.WithLabelValues(string(types.AccessReasonSystemError)).Inc()
		return types.AccessDecision{Allowed: false, Reason: types.AccessReasonSystemError}
	}

	d := Decide(sub, time.Now().UTC())
	if !d.Allowed {
		metrics.EntitlementDenied.WithLabelValues(string(d.Reason)).Inc()
	}
	return d
}

// Decide is the pure entitlement rule. Status drives the answer; the clock
// only refines trial and grace-period boundaries so a subscription the daily
// cron has not visited yet is still judged correctly.
func Decide(sub *models.Subscription, now time.Time) types.AccessDecision {
	switch sub.Status {
	case types.SubscriptionStatusActive:
		// A cancel-at-period-end subscription the daily cron has not yet
		// closed out stops granting access once its paid window lapses.
		if sub.CancelAtPeriodEnd && sub.GracePeriodEnd != nil && !now.Before(*sub.GracePeriodEnd) {
			return types.AccessDecision{Allowed: false, Reason: types.AccessReasonCancelled}
		}
		return types.AccessDecision{Allowed: true, Reason: types.AccessReasonActive, ExpiresAt: sub.CurrentPeriodEnd}

	case types.SubscriptionStatusTrial:
		if sub.TrialEndsAt != nil && !now.Before(*sub.TrialEndsAt) {
			return types.AccessDecision{Allowed: false, Reason: types.AccessReasonTrialExpired}
		}
		return types.AccessDecision{Allowed: true, Reason: types.AccessReasonTrial, ExpiresAt: sub.TrialEndsAt}

	case types.SubscriptionStatusPastDue:
		// Retries are still running; access continues until escalation
		// suspends the subscription.
		return types.AccessDecision{Allowed: true, Reason: types.AccessReasonPastDue, ExpiresAt: sub.CurrentPeriodEnd}

	case types.SubscriptionStatusGracePeriod:
		if sub.GracePeriodEnd != nil && !now.Before(*sub.GracePeriodEnd) {
			return types.AccessDecision{Allowed: false, Reason: types.AccessReasonCancelled}
		}
		return types.AccessDecision{Allowed: true, Reason: types.AccessReasonGracePeriod, ExpiresAt: sub.GracePeriodEnd}

	case types.SubscriptionStatusSuspended:
		return types.AccessDecision{Allowed: false, Reason: types.AccessReasonSuspended}

	case types.SubscriptionStatusCancelled:
		return types.AccessDecision{Allowed: false, Reason: types.AccessReasonCancelled}

	case types.SubscriptionStatusExpired:
		return types.AccessDecision{Allowed: false, Reason: types.AccessReasonExpired}

	default:
		return types.AccessDecision{Allowed: false, Reason: types.AccessReasonSystemError}
	}
}
