package lifecycle

import (
	"testing"

	"github.com/clearpoint/billing/pkg/types"

	"github.com/stretchr/testify/assert"
)

func TestEscalate(t *testing.T) {
	pol := DefaultPolicy()

	first := Escalate(1, pol)
	assert.Equal(t, types.SubscriptionStatusPastDue, first.Status)
	assert.Len(t, first.Effects, 1)
	assert.Equal(t, EffectNotifyPaymentFailed, first.Effects[0].Kind)

	second := Escalate(2, pol)
	assert.Equal(t, types.SubscriptionStatusPastDue, second.Status)
	assert.Empty(t, second.Effects)

	third := Escalate(3, pol)
	assert.Equal(t, types.SubscriptionStatusSuspended, third.Status)
	assert.Len(t, third.Effects, 1)
	assert.Equal(t, EffectNotifySuspended, third.Effects[0].Kind)

	// Counts past the threshold stay suspended.
	assert.Equal(t, types.SubscriptionStatusSuspended, Escalate(7, pol).Status)
}

func TestEscalateCustomThreshold(t *testing.T) {
	pol := Policy{FailureThreshold: 1}
	assert.Equal(t, types.SubscriptionStatusSuspended, Escalate(1, pol).Status)

	// A zero threshold falls back to the default rather than suspending
	// on the first failure.
	assert.Equal(t, types.SubscriptionStatusPastDue, Escalate(1, Policy{}).Status)
}
