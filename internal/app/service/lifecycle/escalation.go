package lifecycle

import (
	"fmt"

	"github.com/clearpoint/billing/pkg/types"
)

// EscalationDecision is the outcome of consecutive charge failures: where
// the subscription lands and which notifications the caller should send.
// Notifications are intents only; this package sends nothing.
type EscalationDecision struct {
	Status  types.SubscriptionStatus
	Effects []Effect
}

// Escalate maps a consecutive failure count to past_due or suspended.
// The threshold comes from the injected policy and is evaluated only on
// charge-failure events. Customers are notified on the first failure and on
// suspension.
func Escalate(failureCount int, pol Policy) EscalationDecision {
	threshold := pol.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultPolicy().FailureThreshold
	}

	if failureCount >= threshold {
		return EscalationDecision{
			Status: types.SubscriptionStatusSuspended,
			Effects: []Effect{
				{Kind: EffectNotifySuspended, Note: fmt.Sprintf("suspended after %d consecutive payment failures", failureCount)},
			},
		}
	}

	var effects []Effect
	if failureCount == 1 {
		effects = append(effects, Effect{Kind: EffectNotifyPaymentFailed, Note: "first payment failure"})
	}
	return EscalationDecision{Status: types.SubscriptionStatusPastDue, Effects: effects}
}
