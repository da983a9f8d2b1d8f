// Package reconcile polls the gateway for its view of each recurring charge
// and converges the local record toward it. Webhooks are the primary signal;
// reconciliation is the safety net for the ones that never arrive.
package reconcile

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
	"github.com/clearpoint/billing/pkg/metrics"
	"github.com/clearpoint/billing/pkg/types"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrNoProviderRef = errors.New("subscription has no provider ref to sync against")

// StatusQuerier is the slice of the gateway client reconciliation needs.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, recurringUID string) (*payplus.RecurringStatus, error)
}

// store is the slice of the subscription service the engine reads and
// writes through.
type store interface {
	Get(ctx context.Context, id string) (*models.Subscription, error)
	MarkSyncObserved(ctx context.Context, id, providerStatus string) error
	MarkSyncAnomaly(ctx context.Context, id, providerStatus string) (int, error)
	ApplyEvent(ctx context.Context, id string, ev lifecycle.Event, source types.SyncSource) (*subscription.ApplyResult, error)
	AppendAnomalyHistory(ctx context.Context, subscriptionID string, note string) error
}

type Engine struct {
	cfg     *config.Config
	gateway StatusQuerier
	subSvc  store
	log     *zap.SugaredLogger
}

func NewEngine(cfg *config.Config, gateway *payplus.Client, subSvc *subscription.Service, log *zap.SugaredLogger) *Engine {
	return &Engine{cfg: cfg, gateway: gateway, subSvc: subSvc, log: log}
}

var Module = fx.Options(
	fx.Provide(NewEngine),
	fx.Provide(NewOrchestrator),
)

// SyncResult reports what one reconciliation pass did for one subscription.
type SyncResult struct {
	SubscriptionID string
	Outcome        types.SyncOutcome
	ProviderStatus string
	LocalStatus    types.SubscriptionStatus
}

// SyncOne reconciles a single subscription against the provider.
//
// A poll may only make the local record stricter, never more permissive: an
// agreeing read is cheap bookkeeping, a contradicting terminal read counts
// toward the anomaly threshold, and only past the threshold does the state
// machine see a provider-terminal event. An unreachable or ambiguous
// provider leaves subscription state untouched and records an anomaly row.
func (e *Engine) SyncOne(ctx context.Context, id string) (*SyncResult, error) {
	sub, err := e.subSvc.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := e.syncLoaded(ctx, sub)
	if err == nil {
		metrics.SyncRuns.WithLabelValues(string(res.Outcome)).Inc()
	} else {
		metrics.SyncRuns.WithLabelValues(string(types.SyncOutcomeFailed)).Inc()
	}
	return res, err
}

func (e *Engine) syncLoaded(ctx context.Context, sub *models.Subscription) (*SyncResult, error) {
	l := logctx.FromCtx(ctx, e.log)

	if sub.Terminal() {
		return &SyncResult{SubscriptionID: sub.ID, Outcome: types.SyncOutcomeNoop, LocalStatus: sub.Status}, nil
	}
	if !sub.HasPaymentMethod() {
		return nil, fmt.Errorf("%w: %s", ErrNoProviderRef, sub.ID)
	}

	st, err := e.gateway.QueryStatus(ctx, *sub.ProviderSubscriptionRef)
	if err != nil {
		// Provider unreachable: record the anomaly, change nothing.
		note := fmt.Sprintf("provider query failed: %v", err)
		if herr := e.subSvc.AppendAnomalyHistory(ctx, sub.ID, note); herr != nil {
			l.Errorf("failed to record sync anomaly: %v", herr)
		}
		return &SyncResult{SubscriptionID: sub.ID, Outcome: types.SyncOutcomeAnomaly, LocalStatus: sub.Status}, nil
	}

	if e.agrees(sub, st.Status) {
		if err := e.subSvc.MarkSyncObserved(ctx, sub.ID, st.Status); err != nil {
			return nil, err
		}
		return &SyncResult{SubscriptionID: sub.ID, Outcome: types.SyncOutcomeNoop, ProviderStatus: st.Status, LocalStatus: sub.Status}, nil
	}

	return e.handleDisagreement(ctx, sub, st)
}

// agrees reports whether the provider status is consistent with the local
// record. Local terminal intent in flight (cancel requested) also counts as
// agreement with a provider-side cancelled read.
func (e *Engine) agrees(sub *models.Subscription, providerStatus string) bool {
	switch providerStatus {
	case payplus.ProviderStatusActive:
		return sub.Status.Billable()
	case payplus.ProviderStatusSuspended:
		return sub.Status == types.SubscriptionStatusSuspended || sub.Status == types.SubscriptionStatusPastDue
	case payplus.ProviderStatusCancelled, payplus.ProviderStatusExpired:
		return sub.Status.Terminal() || sub.CancelAtPeriodEnd
	default:
		return false
	}
}

func (e *Engine) handleDisagreement(ctx context.Context, sub *models.Subscription, st *payplus.RecurringStatus) (*SyncResult, error) {
	l := logctx.FromCtx(ctx, e.log)

	switch st.Status {
	case payplus.ProviderStatusCancelled, payplus.ProviderStatusExpired:
		count, err := e.subSvc.MarkSyncAnomaly(ctx, sub.ID, st.Status)
		if err != nil {
			return nil, err
		}
		threshold := e.cfg.Billing.AnomalyThreshold
		if threshold <= 0 {
			threshold = lifecycle.DefaultPolicy().AnomalyThreshold
		}
		if count < threshold {
			note := fmt.Sprintf("provider reports %s, local %s (anomaly %d/%d)", st.Status, sub.Status, count, threshold)
			if herr := e.subSvc.AppendAnomalyHistory(ctx, sub.ID, note); herr != nil {
				l.Errorf("failed to record sync anomaly: %v", herr)
			}
			return &SyncResult{SubscriptionID: sub.ID, Outcome: types.SyncOutcomeAnomaly, ProviderStatus: st.Status, LocalStatus: sub.Status}, nil
		}

		kind := lifecycle.EventProviderReportsCancelled
		if st.Status == payplus.ProviderStatusExpired {
			kind = lifecycle.EventProviderReportsExpired
		}
		applied, err := e.subSvc.ApplyEvent(ctx, sub.ID, lifecycle.Event{
			Kind:   kind,
			Reason: fmt.Sprintf("provider reported %s on %d consecutive polls", st.Status, count),
		}, types.SyncSourcePoll)
		if err != nil {
			return nil, err
		}
		e.runEffects(ctx, applied)
		return &SyncResult{SubscriptionID: sub.ID, Outcome: applied.Outcome, ProviderStatus: st.Status, LocalStatus: applied.Subscription.Status}, nil

	case payplus.ProviderStatusActive, payplus.ProviderStatusSuspended:
		// Provider more permissive than us (e.g. local suspended, provider
		// active). Never upgrade from a poll; flag for an operator instead.
		note := fmt.Sprintf("provider reports %s but local status is %s", st.Status, sub.Status)
		l.Warnw("reconciliation disagreement needs operator review", "subscription_id", sub.ID, "note", note)
		if err := e.subSvc.AppendAnomalyHistory(ctx, sub.ID, note); err != nil {
			return nil, err
		}
		if _, err := e.subSvc.MarkSyncAnomaly(ctx, sub.ID, st.Status); err != nil {
			return nil, err
		}
		return &SyncResult{SubscriptionID: sub.ID, Outcome: types.SyncOutcomeAnomaly, ProviderStatus: st.Status, LocalStatus: sub.Status}, nil

	default:
		note := fmt.Sprintf("provider returned unknown status %q", st.Status)
		if err := e.subSvc.AppendAnomalyHistory(ctx, sub.ID, note); err != nil {
			return nil, err
		}
		return &SyncResult{SubscriptionID: sub.ID, Outcome: types.SyncOutcomeAnomaly, ProviderStatus: st.Status, LocalStatus: sub.Status}, nil
	}
}

func (e *Engine) runEffects(ctx context.Context, res *subscription.ApplyResult) {
	l := logctx.FromCtx(ctx, e.log)
	for _, eff := range res.Effects {
		switch eff.Kind {
		case lifecycle.EffectFlagOperatorReview:
			l.Warnw("operator review flagged", "subscription_id", res.Subscription.ID, "note", eff.Note)
		default:
			l.Infow("billing notification", "kind", eff.Kind, "subscription_id", res.Subscription.ID)
		}
	}
}

// staleAfter is the freshness window the orchestrator selects candidates by.
func (e *Engine) staleAfter() time.Duration {
	if e.cfg.Billing.SyncStaleAfter > 0 {
		return e.cfg.Billing.SyncStaleAfter
	}
	return 24 * time.Hour
}
