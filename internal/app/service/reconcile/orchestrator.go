package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/clearpoint/billing/internal/app/service/subscription"
	"github.com/clearpoint/billing/pkg/config"
	"github.com/clearpoint/billing/pkg/logctx"
	"github.com/clearpoint/billing/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Orchestrator runs bulk reconciliation: bounded worker pool, provider rate
// limit, wall-clock budget, per-item failure isolation.
type Orchestrator struct {
	cfg    *config.Config
	engine *Engine
	subSvc *subscription.Service
	log    *zap.SugaredLogger

	running atomic.Bool
}

func NewOrchestrator(cfg *config.Config, engine *Engine, subSvc *subscription.Service, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{cfg: cfg, engine: engine, subSvc: subSvc, log: log}
}

var ErrAlreadyRunning = errors.New("bulk sync already in progress")

// Summary is the aggregate result of one sync-all run.
type Summary struct {
	Candidates int           `json:"candidates"`
	Applied    int           `json:"applied"`
	Noop       int           `json:"noop"`
	Anomalies  int           `json:"anomalies"`
	Failed     int           `json:"failed"`
	Elapsed    time.Duration `json:"elapsed"`
	Truncated  bool          `json:"truncated"`
}

// SyncAll reconciles every stale candidate (or, with force, every syncable
// subscription). At most one run at a time; a second call returns
// ErrAlreadyRunning rather than doubling the provider load.
//
// One slow or failing subscription never aborts the run: items run
// independently and failures only count in the summary.
func (o *Orchestrator) SyncAll(ctx context.Context, force bool) (*Summary, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer o.running.Store(false)

	startedAt := time.Now().UTC()
	l := logctx.FromCtx(ctx, o.log)

	subs, err := o.subSvc.FindSyncCandidates(ctx, o.engine.staleAfter(), force, o.cfg.Billing.SyncBatchLimit)
	if err != nil {
		return nil, err
	}

	budget := o.cfg.Billing.SyncBudget
	if budget <= 0 {
		budget = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	concurrency := o.cfg.Billing.SyncConcurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	ratePerSec := o.cfg.Billing.SyncRatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 2
	}
	limiter := rate.NewLimiter(rate.Limit(ratePerSec), concurrency)

	var applied, noop, anomalies, failed atomic.Int64

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(concurrency)
	for _, sub := range subs {
		sub := sub
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return nil
			}
			res, err := o.engine.syncLoaded(gctx, sub)
			if err != nil {
				failed.Add(1)
				l.Warnw("sync failed", "subscription_id", sub.ID, "err", err)
				return nil
			}
			switch res.Outcome {
			case types.SyncOutcomeApplied:
				applied.Add(1)
			case types.SyncOutcomeAnomaly:
				anomalies.Add(1)
			default:
				noop.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	sum := &Summary{
		Candidates: len(subs),
		Applied:    int(applied.Load()),
		Noop:       int(noop.Load()),
		Anomalies:  int(anomalies.Load()),
		Failed:     int(failed.Load()),
		Elapsed:    time.Since(startedAt),
		Truncated:  runCtx.Err() != nil,
	}

	outcome := types.SyncOutcomeApplied
	if sum.Failed > 0 || sum.Truncated {
		outcome = types.SyncOutcomeFailed
	}
	o.subSvc.AppendRunSummary(ctx, types.SyncSourcePoll, startedAt, outcome,
		fmt.Sprintf("sync-all: %d candidates, %d applied, %d noop, %d anomalies, %d failed, truncated=%t",
			sum.Candidates, sum.Applied, sum.Noop, sum.Anomalies, sum.Failed, sum.Truncated))

	l.Infow("bulk sync completed",
		"candidates", sum.Candidates, "applied", sum.Applied, "noop", sum.Noop,
		"anomalies", sum.Anomalies, "failed", sum.Failed, "elapsed", sum.Elapsed, "truncated", sum.Truncated)
	return sum, nil
}
