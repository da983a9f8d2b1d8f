// Package cron implements the daily maintenance passes. Each pass is
// idempotent for a given day: it derives events from stored dates, and
// re-running it finds nothing left to transition.
package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/clearpoint/billing/internal/app/service/lifecycle"
	"github.com/clearpoint/billing/internal/app/service/reconcile"
	"github.com/clearpoint/billing/internal/app/service/subscription"
	"github.com/clearpoint/billing/internal/models"
	"github.com/clearpoint/billing/pkg/config"
	"github.com/clearpoint/billing/pkg/logctx"
	"github.com/clearpoint/billing/pkg/types"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Runner struct {
	cfg    *config.Config
	subSvc *subscription.Service
	engine *reconcile.Engine
	log    *zap.SugaredLogger
}

func NewRunner(cfg *config.Config, subSvc *subscription.Service, engine *reconcile.Engine, log *zap.SugaredLogger) *Runner {
	return &Runner{cfg: cfg, subSvc: subSvc, engine: engine, log: log}
}

var Module = fx.Options(
	fx.Provide(NewRunner),
)

// Report is the result of one cron pass.
type Report struct {
	Examined    int `json:"examined"`
	Transitions int `json:"transitions"`
	Failed      int `json:"failed"`
}

// ProcessTrials pushes TrialExpired through every trial subscription whose
// trial window has lapsed.
func (r *Runner) ProcessTrials(ctx context.Context) (*Report, error) {
	now := time.Now().UTC()
	subs, err := r.subSvc.FindDueForStatusCheck(ctx,
		[]types.SubscriptionStatus{types.SubscriptionStatusTrial},
		"trial_ends_at", now, r.cfg.Billing.SyncBatchLimit)
	if err != nil {
		return nil, err
	}
	return r.applyToAll(ctx, subs, lifecycle.Event{Kind: lifecycle.EventTrialExpired}, "process-trials", now)
}

// ProcessCancellations finishes cancel-at-period-end wind-downs: the
// lifecycle machine moves lapsed subscriptions to grace_period and, once the
// grace window closes, to cancelled.
func (r *Runner) ProcessCancellations(ctx context.Context) (*Report, error) {
	now := time.Now().UTC()
	subs, err := r.subSvc.FindPendingCancellations(ctx, now, r.cfg.Billing.SyncBatchLimit)
	if err != nil {
		return nil, err
	}
	return r.applyToAll(ctx, subs, lifecycle.Event{Kind: lifecycle.EventGracePeriodElapsed}, "process-cancellations", now)
}

// OverdueSweep reconciles subscriptions whose next billing date passed
// without any charge event arriving, which usually means a webhook was
// lost. Each is synced against the provider; the reconciliation rules
// decide what, if anything, changes.
func (r *Runner) OverdueSweep(ctx context.Context) (*Report, error) {
	now := time.Now().UTC()
	// A day of lag separates "webhook is merely late" from "overdue".
	subs, err := r.subSvc.FindOverdue(ctx, 24*time.Hour, r.cfg.Billing.SyncBatchLimit)
	if err != nil {
		return nil, err
	}

	l := logctx.FromCtx(ctx, r.log)
	rep := &Report{Examined: len(subs)}
	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		res, err := r.engine.SyncOne(ctx, sub.ID)
		if err != nil {
			rep.Failed++
			l.Warnw("overdue sweep sync failed", "subscription_id", sub.ID, "err", err)
			continue
		}
		if res.Outcome == types.SyncOutcomeApplied {
			rep.Transitions++
		}
	}

	r.subSvc.AppendRunSummary(ctx, types.SyncSourceCron, now, runOutcome(rep),
		fmt.Sprintf("overdue-sweep: %d examined, %d transitions, %d failed", rep.Examined, rep.Transitions, rep.Failed))
	return rep, nil
}

func (r *Runner) applyToAll(ctx context.Context, subs []*models.Subscription, ev lifecycle.Event, name string, startedAt time.Time) (*Report, error) {
	l := logctx.FromCtx(ctx, r.log)
	rep := &Report{Examined: len(subs)}
	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		res, err := r.subSvc.ApplyEvent(ctx, sub.ID, ev, types.SyncSourceCron)
		if err != nil {
			rep.Failed++
			l.Warnw("cron transition failed", "pass", name, "subscription_id", sub.ID, "err", err)
			continue
		}
		if res.Outcome == types.SyncOutcomeApplied {
			rep.Transitions++
		}
		r.runEffects(ctx, res)
	}

	r.subSvc.AppendRunSummary(ctx, types.SyncSourceCron, startedAt, runOutcome(rep),
		fmt.Sprintf("%s: %d examined, %d transitions, %d failed", name, rep.Examined, rep.Transitions, rep.Failed))
	return rep, nil
}

func (r *Runner) runEffects(ctx context.Context, res *subscription.ApplyResult) {
	l := logctx.FromCtx(ctx, r.log)
	for _, eff := range res.Effects {
		switch eff.Kind {
		case lifecycle.EffectFlagOperatorReview:
			l.Warnw("operator review flagged", "subscription_id", res.Subscription.ID, "note", eff.Note)
		default:
			l.Infow("billing notification", "kind", eff.Kind, "subscription_id", res.Subscription.ID)
		}
	}
}

func runOutcome(rep *Report) types.SyncOutcome {
	if rep.Failed > 0 {
		return types.SyncOutcomeFailed
	}
	if rep.Transitions == 0 {
		return types.SyncOutcomeNoop
	}
	return types.SyncOutcomeApplied
}
