package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/clearpoint/billing/internal/app/service/lifecycle"
	"github.com/clearpoint/billing/internal/app/service/subscription"
	"github.com/clearpoint/billing/internal/models"
	"github.com/clearpoint/billing/internal/platform/payplus"
	"github.com/clearpoint/billing/pkg/config"
	"github.com/clearpoint/billing/pkg/types"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAgrees(t *testing.T) {
	e := &Engine{}

	cases := []struct {
		name           string
		local          types.SubscriptionStatus
		cancelPending  bool
		providerStatus string
		want           bool
	}{
		{"active agrees with active", types.SubscriptionStatusActive, false, payplus.ProviderStatusActive, true},
		{"trial agrees with active", types.SubscriptionStatusTrial, false, payplus.ProviderStatusActive, true},
		{"past_due agrees with active", types.SubscriptionStatusPastDue, false, payplus.ProviderStatusActive, true},
		{"suspended disagrees with active", types.SubscriptionStatusSuspended, false, payplus.ProviderStatusActive, false},
		{"past_due agrees with suspended", types.SubscriptionStatusPastDue, false, payplus.ProviderStatusSuspended, true},
		{"active disagrees with suspended", types.SubscriptionStatusActive, false, payplus.ProviderStatusSuspended, false},
		{"active disagrees with cancelled", types.SubscriptionStatusActive, false, payplus.ProviderStatusCancelled, false},
		{"pending cancel agrees with cancelled", types.SubscriptionStatusActive, true, payplus.ProviderStatusCancelled, true},
		{"cancelled agrees with cancelled", types.SubscriptionStatusCancelled, false, payplus.ProviderStatusCancelled, true},
		{"expired agrees with expired", types.SubscriptionStatusExpired, false, payplus.ProviderStatusExpired, true},
		{"unknown provider status never agrees", types.SubscriptionStatusActive, false, "weird", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := &models.Subscription{Status: tc.local, CancelAtPeriodEnd: tc.cancelPending}
			assert.Equal(t, tc.want, e.agrees(sub, tc.providerStatus))
		})
	}
}

type fakeQuerier struct {
	st  *payplus.RecurringStatus
	err error
}

func (f *fakeQuerier) QueryStatus(ctx context.Context, recurringUID string) (*payplus.RecurringStatus, error) {
	return f.st, f.err
}

// fakeStore mirrors the store's sync bookkeeping: MarkSyncObserved resets
// the anomaly counter, MarkSyncAnomaly bumps it.
type fakeStore struct {
	sub          *models.Subscription
	anomalyCount int
	observed     int
	applied      []lifecycle.Event
	notes        []string
}

func (f *fakeStore) Get(ctx context.Context, id string) (*models.Subscription, error) {
	return f.sub, nil
}

func (f *fakeStore) MarkSyncObserved(ctx context.Context, id, providerStatus string) error {
	f.observed++
	f.anomalyCount = 0
	return nil
}

func (f *fakeStore) MarkSyncAnomaly(ctx context.Context, id, providerStatus string) (int, error) {
	f.anomalyCount++
	return f.anomalyCount, nil
}

func (f *fakeStore) ApplyEvent(ctx context.Context, id string, ev lifecycle.Event, source types.SyncSource) (*subscription.ApplyResult, error) {
	f.applied = append(f.applied, ev)
	next := *f.sub
	next.Status = types.SubscriptionStatusCancelled
	return &subscription.ApplyResult{Subscription: &next, Outcome: types.SyncOutcomeApplied}, nil
}

func (f *fakeStore) AppendAnomalyHistory(ctx context.Context, subscriptionID string, note string) error {
	f.notes = append(f.notes, note)
	return nil
}

func newTestEngine(fs *fakeStore, fq *fakeQuerier, threshold int) *Engine {
	return &Engine{
		cfg:     &config.Config{Billing: config.BillingConfig{AnomalyThreshold: threshold}},
		gateway: fq,
		subSvc:  fs,
		log:     zap.NewNop().Sugar(),
	}
}

func activeSub() *models.Subscription {
	return &models.Subscription{
		ID:                      "sub-1",
		CustomerID:              "cust-1",
		Status:                  types.SubscriptionStatusActive,
		ProviderSubscriptionRef: lo.ToPtr("rec-1"),
	}
}

func TestSyncOneDowngradeNeedsConsecutiveAnomalies(t *testing.T) {
	fs := &fakeStore{sub: activeSub()}
	fq := &fakeQuerier{st: &payplus.RecurringStatus{Status: payplus.ProviderStatusCancelled}}
	e := newTestEngine(fs, fq, 2)
	ctx := context.Background()

	// First contradicting poll: counted, recorded, nothing applied.
	res, err := e.SyncOne(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncOutcomeAnomaly, res.Outcome)
	assert.Empty(t, fs.applied)
	assert.Equal(t, 1, fs.anomalyCount)
	assert.Len(t, fs.notes, 1)

	// Second consecutive poll reaches the threshold and downgrades.
	res, err = e.SyncOne(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncOutcomeApplied, res.Outcome)
	require.Len(t, fs.applied, 1)
	assert.Equal(t, lifecycle.EventProviderReportsCancelled, fs.applied[0].Kind)
	assert.Equal(t, types.SubscriptionStatusCancelled, res.LocalStatus)
}

func TestSyncOneAgreementResetsAnomalyStreak(t *testing.T) {
	fs := &fakeStore{sub: activeSub()}
	fq := &fakeQuerier{st: &payplus.RecurringStatus{Status: payplus.ProviderStatusCancelled}}
	e := newTestEngine(fs, fq, 2)
	ctx := context.Background()

	_, err := e.SyncOne(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, 1, fs.anomalyCount)

	// Provider agrees again: streak resets.
	fq.st = &payplus.RecurringStatus{Status: payplus.ProviderStatusActive}
	res, err := e.SyncOne(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncOutcomeNoop, res.Outcome)
	assert.Equal(t, 1, fs.observed)
	assert.Equal(t, 0, fs.anomalyCount)

	// A later single contradiction starts from one again; no downgrade.
	fq.st = &payplus.RecurringStatus{Status: payplus.ProviderStatusCancelled}
	res, err = e.SyncOne(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncOutcomeAnomaly, res.Outcome)
	assert.Empty(t, fs.applied)
}

func TestSyncOneExpiredMapsToExpiredEvent(t *testing.T) {
	fs := &fakeStore{sub: activeSub(), anomalyCount: 1}
	fq := &fakeQuerier{st: &payplus.RecurringStatus{Status: payplus.ProviderStatusExpired}}
	e := newTestEngine(fs, fq, 2)

	res, err := e.SyncOne(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncOutcomeApplied, res.Outcome)
	require.Len(t, fs.applied, 1)
	assert.Equal(t, lifecycle.EventProviderReportsExpired, fs.applied[0].Kind)
}

func TestSyncOneNeverUpgrades(t *testing.T) {
	sub := activeSub()
	sub.Status = types.SubscriptionStatusSuspended
	fs := &fakeStore{sub: sub}
	fq := &fakeQuerier{st: &payplus.RecurringStatus{Status: payplus.ProviderStatusActive}}
	e := newTestEngine(fs, fq, 1)
	ctx := context.Background()

	// Provider more permissive than local, well past any threshold: still
	// only flagged, never applied.
	for i := 0; i < 3; i++ {
		res, err := e.SyncOne(ctx, "sub-1")
		require.NoError(t, err)
		assert.Equal(t, types.SyncOutcomeAnomaly, res.Outcome)
		assert.Equal(t, types.SubscriptionStatusSuspended, res.LocalStatus)
	}
	assert.Empty(t, fs.applied)
	assert.Len(t, fs.notes, 3)
}

func TestSyncOneProviderErrorLeavesStateUntouched(t *testing.T) {
	fs := &fakeStore{sub: activeSub()}
	fq := &fakeQuerier{err: errors.New("gateway timeout")}
	e := newTestEngine(fs, fq, 2)

	res, err := e.SyncOne(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncOutcomeAnomaly, res.Outcome)
	assert.Empty(t, fs.applied)
	assert.Equal(t, 0, fs.anomalyCount, "an unreachable provider is not a contradiction")
	assert.Len(t, fs.notes, 1)
}
