package types

import "time"

type SubscriptionStatus string

const (
	SubscriptionStatusTrial       SubscriptionStatus = "trial"
	SubscriptionStatusActive      SubscriptionStatus = "active"
	SubscriptionStatusPastDue     SubscriptionStatus = "past_due"
	SubscriptionStatusGracePeriod SubscriptionStatus = "grace_period"
	SubscriptionStatusSuspended   SubscriptionStatus = "suspended"
	SubscriptionStatusCancelled   SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired     SubscriptionStatus = "expired"
)

// Terminal reports whether no further billing transitions are possible.
// A customer resuming service gets a new subscription row.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionStatusCancelled || s == SubscriptionStatusExpired
}

// Billable reports whether the provider may still charge this subscription.
func (s SubscriptionStatus) Billable() bool {
	switch s {
	case SubscriptionStatusTrial, SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusGracePeriod:
		return true
	}
	return false
}

type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

func (c BillingCycle) Valid() bool {
	return c == BillingCycleMonthly || c == BillingCycleYearly
}

type PaymentType string

const (
	PaymentTypeOneTime   PaymentType = "one_time"
	PaymentTypeRecurring PaymentType = "recurring"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// SyncSource identifies what triggered a recorded state transition.
type SyncSource string

const (
	SyncSourceWebhook SyncSource = "webhook"
	SyncSourcePoll    SyncSource = "poll"
	SyncSourceAdmin   SyncSource = "admin"
	SyncSourceCron    SyncSource = "cron"
)

type SyncOutcome string

const (
	SyncOutcomeApplied   SyncOutcome = "applied"
	SyncOutcomeNoop      SyncOutcome = "noop"
	SyncOutcomeDuplicate SyncOutcome = "duplicate"
	SyncOutcomeAnomaly   SyncOutcome = "anomaly"
	SyncOutcomeFailed    SyncOutcome = "failed"
)

// AccessReason explains an entitlement decision.
type AccessReason string

const (
	AccessReasonActive         AccessReason = "active"
	AccessReasonTrial          AccessReason = "trial"
	AccessReasonPastDue        AccessReason = "past_due"
	AccessReasonGracePeriod    AccessReason = "grace_period"
	AccessReasonNoSubscription AccessReason = "no_subscription"
	AccessReasonTrialExpired   AccessReason = "trial_expired"
	AccessReasonSuspended      AccessReason = "suspended"
	AccessReasonCancelled      AccessReason = "cancelled"
	AccessReasonExpired        AccessReason = "expired"
	AccessReasonSystemError    AccessReason = "system_error"
)

// AccessDecision is the entitlement answer consumed by the rest of the
// product. Raw subscription fields must never be read instead of this.
type AccessDecision struct {
	Allowed   bool         `json:"allowed"`
	Reason    AccessReason `json:"reason"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
}
