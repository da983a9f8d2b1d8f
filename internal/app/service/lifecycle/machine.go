// Package lifecycle is the pure decision core of billing: given the current
// subscription record and an incoming event, it computes the next status,
// the field deltas, and the side effects the caller must run after commit.
// Nothing in this package performs I/O.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/clearpoint/billing/internal/models"
	"github.com/clearpoint/billing/pkg/billingclock"
	"github.com/clearpoint/billing/pkg/types"

	"github.com/samber/lo"
)

type EventKind string

const (
	EventTrialExpired             EventKind = "trial_expired"
	EventChargeSucceeded          EventKind = "charge_succeeded"
	EventChargeFailed             EventKind = "charge_failed"
	EventCancelRequested          EventKind = "cancel_requested"
	EventGracePeriodElapsed       EventKind = "grace_period_elapsed"
	EventProviderReportsCancelled EventKind = "provider_reports_cancelled"
	EventProviderReportsExpired   EventKind = "provider_reports_expired"
	EventAdminForceActivate       EventKind = "admin_force_activate"
	EventAdminSimulateCharge      EventKind = "admin_simulate_charge"
)

// Event is one input to the state machine. Charge events carry the gateway
// transaction details so the caller can write the Payment audit row.
type Event struct {
	Kind EventKind

	// Charge details (charge events only).
	Amount            int64
	Currency          string
	ProviderChargeRef string
	FailureCode       string

	// ProviderEventID deduplicates webhook deliveries.
	ProviderEventID string

	// Reason for cancellation events.
	Reason string
}

// Policy carries the injected billing policy values. Callers build it from
// configuration; tests pin it directly.
type Policy struct {
	TrialDays        int
	FailureThreshold int
	AnomalyThreshold int
}

func DefaultPolicy() Policy {
	return Policy{TrialDays: 30, FailureThreshold: 3, AnomalyThreshold: 2}
}

type EffectKind string

const (
	// EffectCancelGatewayRecurring must run only after the local transition
	// is durably committed; it is retried with the same idempotency key.
	EffectCancelGatewayRecurring EffectKind = "cancel_gateway_recurring"
	EffectNotifyPaymentFailed    EffectKind = "notify_payment_failed"
	EffectNotifySuspended        EffectKind = "notify_suspended"
	EffectNotifyCancelled        EffectKind = "notify_cancelled"
	EffectNotifyTrialEnded       EffectKind = "notify_trial_ended"
	EffectFlagOperatorReview     EffectKind = "flag_operator_review"
)

type Effect struct {
	Kind EffectKind
	Note string
}

// Outcome is the full result of a transition: the next status plus explicit
// field deltas. Nil pointer fields are left untouched by the caller.
type Outcome struct {
	Status  types.SubscriptionStatus
	Changed bool

	PaymentFailureCount *int
	CurrentPeriodStart  *time.Time
	CurrentPeriodEnd    *time.Time
	NextBillingDate     *time.Time
	CancelAtPeriodEnd   *bool
	GracePeriodEnd      *time.Time
	CancelledAt         *time.Time
	CancellationReason  *string

	// RecordPayment, when set, tells the store to insert a Payment row in
	// the same transaction as the status change.
	RecordPayment *PaymentIntent

	Effects []Effect
}

type PaymentIntent struct {
	Status            types.PaymentStatus
	Amount            int64
	Currency          string
	ProviderChargeRef string
	FailureCode       string
	PaidAt            *time.Time
}

// Decide computes the transition for (sub, ev) at instant now. It is total
// over all defined event kinds: events that do not apply in the current
// status produce an unchanged Outcome (possibly with an operator-review
// effect), never a panic or a partial write.
func Decide(sub *models.Subscription, ev Event, now time.Time, pol Policy) (*Outcome, error) {
	if sub == nil {
		return nil, fmt.Errorf("nil subscription")
	}
	if pol.FailureThreshold <= 0 {
		pol.FailureThreshold = DefaultPolicy().FailureThreshold
	}

	switch ev.Kind {
	case EventTrialExpired:
		return decideTrialExpired(sub, now)
	case EventChargeSucceeded, EventAdminSimulateCharge:
		return decideChargeSucceeded(sub, ev, now)
	case EventChargeFailed:
		return decideChargeFailed(sub, ev, now, pol)
	case EventCancelRequested:
		return decideCancelRequested(sub, ev, now)
	case EventGracePeriodElapsed:
		return decideGracePeriodElapsed(sub, now)
	case EventProviderReportsCancelled:
		return decideProviderTerminal(sub, ev, now, types.SubscriptionStatusSuspended)
	case EventProviderReportsExpired:
		return decideProviderTerminal(sub, ev, now, types.SubscriptionStatusExpired)
	case EventAdminForceActivate:
		return decideAdminForceActivate(sub, now)
	default:
		return nil, fmt.Errorf("unknown event kind: %s", ev.Kind)
	}
}

func unchanged(sub *models.Subscription, effects ...Effect) *Outcome {
	return &Outcome{Status: sub.Status, Changed: false, Effects: effects}
}

func decideTrialExpired(sub *models.Subscription, now time.Time) (*Outcome, error) {
	if sub.Status != types.SubscriptionStatusTrial {
		return unchanged(sub), nil
	}
	if sub.TrialEndsAt == nil || now.Before(*sub.TrialEndsAt) {
		return unchanged(sub), nil
	}
	if !sub.HasPaymentMethod() {
		// No card on file: never auto-charge silently.
		return &Outcome{
			Status:  types.SubscriptionStatusSuspended,
			Changed: true,
			Effects: []Effect{{Kind: EffectNotifyTrialEnded, Note: "trial ended without payment method"}},
		}, nil
	}
	start := billingclock.DateOf(*sub.TrialEndsAt)
	end := billingclock.PeriodEnd(sub.BillingCycle, start)
	return &Outcome{
		Status:             types.SubscriptionStatusActive,
		Changed:            true,
		CurrentPeriodStart: lo.ToPtr(start),
		CurrentPeriodEnd:   lo.ToPtr(end),
		NextBillingDate:    lo.ToPtr(end),
	}, nil
}

func decideChargeSucceeded(sub *models.Subscription, ev Event, now time.Time) (*Outcome, error) {
	paid := &PaymentIntent{
		Status:            types.PaymentStatusCompleted,
		Amount:            ev.Amount,
		Currency:          ev.Currency,
		ProviderChargeRef: ev.ProviderChargeRef,
		PaidAt:            lo.ToPtr(now),
	}

	switch sub.Status {
	case types.SubscriptionStatusTrial, types.SubscriptionStatusActive, types.SubscriptionStatusPastDue:
		// Anchor the new period to the previous nextBillingDate, not to
		// "now", so late processing cannot drift the schedule.
		anchor := now
		if sub.NextBillingDate != nil {
			anchor = *sub.NextBillingDate
		}
		start := billingclock.DateOf(anchor)
		next := billingclock.NextBillingDate(sub.BillingCycle, anchor)
		return &Outcome{
			Status:              types.SubscriptionStatusActive,
			Changed:             true,
			PaymentFailureCount: lo.ToPtr(0),
			CurrentPeriodStart:  lo.ToPtr(start),
			CurrentPeriodEnd:    lo.ToPtr(next),
			NextBillingDate:     lo.ToPtr(next),
			RecordPayment:       paid,
		}, nil
	case types.SubscriptionStatusGracePeriod:
		// Customer already cancelled; record the money but do not extend.
		return &Outcome{
			Status:        sub.Status,
			Changed:       false,
			RecordPayment: paid,
			Effects:       []Effect{{Kind: EffectFlagOperatorReview, Note: "charge received during grace period"}},
		}, nil
	default:
		// Terminal-for-billing: record the charge, flag for review, no
		// entitlement change.
		return &Outcome{
			Status:        sub.Status,
			Changed:       false,
			RecordPayment: paid,
			Effects:       []Effect{{Kind: EffectFlagOperatorReview, Note: fmt.Sprintf("charge received while %s", sub.Status)}},
		}, nil
	}
}

func decideChargeFailed(sub *models.Subscription, ev Event, now time.Time, pol Policy) (*Outcome, error) {
	failed := &PaymentIntent{
		Status:            types.PaymentStatusFailed,
		Amount:            ev.Amount,
		Currency:          ev.Currency,
		ProviderChargeRef: ev.ProviderChargeRef,
		FailureCode:       ev.FailureCode,
	}

	if !sub.Status.Billable() {
		return &Outcome{
			Status:        sub.Status,
			Changed:       false,
			RecordPayment: failed,
			Effects:       []Effect{{Kind: EffectFlagOperatorReview, Note: fmt.Sprintf("charge failure reported while %s", sub.Status)}},
		}, nil
	}

	count := sub.PaymentFailureCount + 1
	dec := Escalate(count, pol)
	return &Outcome{
		Status:              dec.Status,
		Changed:             true,
		PaymentFailureCount: lo.ToPtr(count),
		RecordPayment:       failed,
		Effects:             dec.Effects,
	}, nil
}

func decideCancelRequested(sub *models.Subscription, ev Event, now time.Time) (*Outcome, error) {
	reason := ev.Reason
	if reason == "" {
		reason = "customer request"
	}

	switch sub.Status {
	case types.SubscriptionStatusTrial:
		// Nothing was ever collected: cancel immediately, no grace period.
		return &Outcome{
			Status:             types.SubscriptionStatusCancelled,
			Changed:            true,
			CancelledAt:        lo.ToPtr(now),
			CancellationReason: lo.ToPtr(reason),
			Effects:            cancelGatewayEffects(sub, EffectNotifyCancelled),
		}, nil
	case types.SubscriptionStatusActive, types.SubscriptionStatusPastDue:
		if sub.CancelAtPeriodEnd {
			return unchanged(sub), nil
		}
		// The current period is already paid for: stop future charges now,
		// keep access until the period runs out.
		grace := now
		if sub.CurrentPeriodEnd != nil {
			grace = *sub.CurrentPeriodEnd
		}
		return &Outcome{
			Status:             sub.Status,
			Changed:            true,
			CancelAtPeriodEnd:  lo.ToPtr(true),
			GracePeriodEnd:     lo.ToPtr(billingclock.DateOf(grace)),
			CancellationReason: lo.ToPtr(reason),
			Effects:            cancelGatewayEffects(sub),
		}, nil
	case types.SubscriptionStatusSuspended, types.SubscriptionStatusGracePeriod:
		if sub.CancelAtPeriodEnd || sub.Status == types.SubscriptionStatusGracePeriod {
			return unchanged(sub), nil
		}
		return &Outcome{
			Status:             types.SubscriptionStatusCancelled,
			Changed:            true,
			CancelledAt:        lo.ToPtr(now),
			CancellationReason: lo.ToPtr(reason),
			Effects:            cancelGatewayEffects(sub, EffectNotifyCancelled),
		}, nil
	default:
		return unchanged(sub), nil
	}
}

func cancelGatewayEffects(sub *models.Subscription, extra ...EffectKind) []Effect {
	var effects []Effect
	if sub.HasPaymentMethod() {
		effects = append(effects, Effect{Kind: EffectCancelGatewayRecurring})
	}
	for _, k := range extra {
		effects = append(effects, Effect{Kind: k})
	}
	return effects
}

func decideGracePeriodElapsed(sub *models.Subscription, now time.Time) (*Outcome, error) {
	if sub.Terminal() || !sub.CancelAtPeriodEnd {
		return unchanged(sub), nil
	}
	if sub.GracePeriodEnd != nil && !now.Before(*sub.GracePeriodEnd) {
		return &Outcome{
			Status:      types.SubscriptionStatusCancelled,
			Changed:     true,
			CancelledAt: lo.ToPtr(now),
			Effects:     []Effect{{Kind: EffectNotifyCancelled}},
		}, nil
	}
	// Paid period has ended but the grace window has not: mark the record
	// as winding down. Entitlement is unaffected until GracePeriodEnd.
	if sub.Status != types.SubscriptionStatusGracePeriod && sub.CurrentPeriodEnd != nil && !now.Before(*sub.CurrentPeriodEnd) {
		return &Outcome{Status: types.SubscriptionStatusGracePeriod, Changed: true}, nil
	}
	return unchanged(sub), nil
}

// decideProviderTerminal handles a positive provider report that the
// recurring charge no longer exists. With a local cancellation pending this
// is expected; without one it is an anomaly and access is withdrawn rather
// than silently kept.
func decideProviderTerminal(sub *models.Subscription, ev Event, now time.Time, to types.SubscriptionStatus) (*Outcome, error) {
	if sub.Terminal() || sub.Status == types.SubscriptionStatusSuspended {
		return unchanged(sub), nil
	}
	if sub.CancelAtPeriodEnd {
		// Local cancel already requested; the provider confirming it is not
		// an anomaly. The grace-period cron will finish the wind-down.
		return unchanged(sub), nil
	}
	reason := ev.Reason
	if reason == "" {
		reason = "provider reports " + string(to)
	}
	return &Outcome{
		Status:             to,
		Changed:            true,
		CancellationReason: lo.ToPtr(reason),
		Effects: []Effect{
			{Kind: EffectFlagOperatorReview, Note: reason},
			{Kind: EffectNotifySuspended},
		},
	}, nil
}

func decideAdminForceActivate(sub *models.Subscription, now time.Time) (*Outcome, error) {
	if sub.Terminal() {
		return nil, fmt.Errorf("subscription %s is %s: create a new subscription instead", sub.ID, sub.Status)
	}
	start := billingclock.DateOf(now)
	end := billingclock.PeriodEnd(sub.BillingCycle, start)
	return &Outcome{
		Status:              types.SubscriptionStatusActive,
		Changed:             true,
		PaymentFailureCount: lo.ToPtr(0),
		CurrentPeriodStart:  lo.ToPtr(start),
		CurrentPeriodEnd:    lo.ToPtr(end),
		NextBillingDate:     lo.ToPtr(end),
		CancelAtPeriodEnd:   lo.ToPtr(false),
	}, nil
}
