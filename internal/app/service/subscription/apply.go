package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clearpoint/billing/internal/app/service/lifecycle"
	"github.com/clearpoint/billing/internal/models"
	"github.com/clearpoint/billing/pkg/logctx"
	"github.com/clearpoint/billing/pkg/tool"
	"github.com/clearpoint/billing/pkg/types"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ApplyResult reports what one ApplyEvent call did. Effects are only set
// when the transition committed; the caller runs them after this returns.
type ApplyResult struct {
	Subscription *models.Subscription
	Outcome      types.SyncOutcome
	Effects      []lifecycle.Effect
}

// ApplyEvent is the single write path for subscription state. It locks the
// row, re-reads it under the lock, asks the lifecycle machine for the
// transition, and commits the deltas plus the Payment and SyncHistory rows
// in one transaction.
//
// Replayed events (same ProviderEventID) are detected inside the
// transaction and return a duplicate result without touching the row.
func (s *Service) ApplyEvent(ctx context.Context, id string, ev lifecycle.Event, source types.SyncSource) (*ApplyResult, error) {
	pol := lifecycle.Policy{
		TrialDays:        s.cfg.Billing.TrialDays,
		FailureThreshold: s.cfg.Billing.FailureThreshold,
		AnomalyThreshold: s.cfg.Billing.AnomalyThreshold,
	}
	now := time.Now().UTC()

	var res ApplyResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := lockSubscription(tx, id)
		if err != nil {
			return err
		}

		if ev.ProviderEventID != "" {
			seen, err := s.eventAlreadyApplied(tx, ev.ProviderEventID)
			if err != nil {
				return err
			}
			if seen {
				res = ApplyResult{Subscription: sub, Outcome: types.SyncOutcomeDuplicate}
				return nil
			}
		}

		outcome, err := lifecycle.Decide(sub, ev, now, pol)
		if err != nil {
			return err
		}

		prev := sub.Status
		if outcome.Changed {
			if err := s.applyDeltas(tx, sub, outcome, now); err != nil {
				return err
			}
		}
		if outcome.RecordPayment != nil {
			if err := s.recordPayment(tx, sub, outcome.RecordPayment); err != nil {
				return err
			}
		}

		histOutcome := types.SyncOutcomeApplied
		if !outcome.Changed {
			histOutcome = types.SyncOutcomeNoop
		}
		hist := &models.SyncHistory{
			SubscriptionID:  &sub.ID,
			Source:          source,
			PreviousStatus:  statusPtr(prev),
			NewStatus:       statusPtr(sub.Status),
			StartedAt:       now,
			CompletedAt:     time.Now().UTC(),
			Outcome:         histOutcome,
			Note:            historyNote(ev, outcome),
			ProviderEventID: nilIfEmpty(ev.ProviderEventID),
		}
		if err := s.appendHistory(tx, hist); err != nil {
			// A concurrent delivery of the same event can slip past the
			// read check; the unique index is the arbiter.
			if ev.ProviderEventID != "" && isUniqueViolation(err) {
				return errDuplicateEvent
			}
			return err
		}

		res = ApplyResult{Subscription: sub, Outcome: histOutcome, Effects: outcome.Effects}
		return nil
	})
	if errors.Is(err, errDuplicateEvent) {
		sub, gerr := s.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return &ApplyResult{Subscription: sub, Outcome: types.SyncOutcomeDuplicate}, nil
	}
	if err != nil {
		return nil, err
	}

	logctx.FromCtx(ctx, s.log).Infow("applied billing event",
		"subscription_id", id, "event", ev.Kind, "source", source,
		"outcome", res.Outcome, "status", res.Subscription.Status)
	return &res, nil
}

var errDuplicateEvent = errors.New("duplicate provider event")

func (s *Service) eventAlreadyApplied(tx *gorm.DB, providerEventID string) (bool, error) {
	var count int64
	err := tx.Model(&models.SyncHistory{}).
		Where("provider_event_id = ?", providerEventID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check event dedupe: %w", err)
	}
	return count > 0, nil
}

// applyDeltas writes the outcome's non-nil fields back to the locked row and
// mirrors them onto sub so the caller sees the committed state.
func (s *Service) applyDeltas(tx *gorm.DB, sub *models.Subscription, o *lifecycle.Outcome, now time.Time) error {
	updates := map[string]any{
		"status":     o.Status,
		"updated_at": now,
	}
	sub.Status = o.Status

	if o.PaymentFailureCount != nil {
		updates["payment_failure_count"] = *o.PaymentFailureCount
		sub.PaymentFailureCount = *o.PaymentFailureCount
	}
	if o.CurrentPeriodStart != nil {
		updates["current_period_start"] = *o.CurrentPeriodStart
		sub.CurrentPeriodStart = o.CurrentPeriodStart
	}
	if o.CurrentPeriodEnd != nil {
		updates["current_period_end"] = *o.CurrentPeriodEnd
		sub.CurrentPeriodEnd = o.CurrentPeriodEnd
	}
	if o.NextBillingDate != nil {
		updates["next_billing_date"] = *o.NextBillingDate
		sub.NextBillingDate = o.NextBillingDate
	}
	if o.CancelAtPeriodEnd != nil {
		updates["cancel_at_period_end"] = *o.CancelAtPeriodEnd
		sub.CancelAtPeriodEnd = *o.CancelAtPeriodEnd
	}
	if o.GracePeriodEnd != nil {
		updates["grace_period_end"] = *o.GracePeriodEnd
		sub.GracePeriodEnd = o.GracePeriodEnd
	}
	if o.CancelledAt != nil {
		updates["cancelled_at"] = *o.CancelledAt
		sub.CancelledAt = o.CancelledAt
	}
	if o.CancellationReason != nil {
		updates["cancellation_reason"] = *o.CancellationReason
		sub.CancellationReason = o.CancellationReason
	}

	if err := tx.Model(&models.Subscription{}).Where("id = ?", sub.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

func (s *Service) recordPayment(tx *gorm.DB, sub *models.Subscription, intent *lifecycle.PaymentIntent) error {
	p := paymentFromIntent(&sub.ID, sub.CustomerID, types.PaymentTypeRecurring, intent)
	err := tx.Create(p).Error
	if isUniqueViolation(err) {
		// Same charge seen through another path; the audit row exists.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record payment: %w", err)
	}
	return nil
}

func paymentFromIntent(subID *string, customerID string, typ types.PaymentType, intent *lifecycle.PaymentIntent) *models.Payment {
	return &models.Payment{
		ID:                tool.GenerateUUIDV7(),
		SubscriptionID:    subID,
		CustomerID:        customerID,
		Type:              typ,
		Amount:            intent.Amount,
		Currency:          intent.Currency,
		Status:            intent.Status,
		ProviderChargeRef: intent.ProviderChargeRef,
		FailureCode:       nilIfEmpty(intent.FailureCode),
		PaidAt:            intent.PaidAt,
	}
}

// MarkSyncObserved records a reconciliation poll that agreed with the local
// record: a cheap bookkeeping write that resets the anomaly counter without
// running the state machine.
func (s *Service) MarkSyncObserved(ctx context.Context, id, providerStatus string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_synced_at":           now,
			"provider_observed_status": providerStatus,
			"anomaly_count":            0,
			"force_sync":               false,
		}).Error
}

// MarkSyncAnomaly bumps the anomaly counter after a contradicting poll and
// returns the new count.
func (s *Service) MarkSyncAnomaly(ctx context.Context, id, providerStatus string) (int, error) {
	var count int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := lockSubscription(tx, id)
		if err != nil {
			return err
		}
		count = sub.AnomalyCount + 1
		now := time.Now().UTC()
		return tx.Model(&models.Subscription{}).Where("id = ?", id).
			Updates(map[string]any{
				"last_synced_at":           now,
				"provider_observed_status": providerStatus,
				"anomaly_count":            count,
			}).Error
	})
	return count, err
}

// RequestForceSync flags a subscription so the next sync-all pass includes
// it regardless of staleness.
func (s *Service) RequestForceSync(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", id).Update("force_sync", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindSyncCandidates returns non-terminal subscriptions with a provider ref
// whose last poll is older than staleAfter (or that carry the force flag).
// force widens the window to every syncable row.
func (s *Service) FindSyncCandidates(ctx context.Context, staleAfter time.Duration, force bool, limit int) ([]*models.Subscription, error) {
	if limit <= 0 {
		limit = 500
	}
	q := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("status NOT IN ?", terminalStatuses()).
		Where("provider_subscription_ref IS NOT NULL")
	if !force {
		cutoff := time.Now().UTC().Add(-staleAfter)
		q = q.Where("force_sync = ? OR last_synced_at IS NULL OR last_synced_at < ?", true, cutoff)
	}
	var subs []*models.Subscription
	if err := q.Order("last_synced_at ASC NULLS FIRST").Limit(limit).Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to find sync candidates: %w", err)
	}
	return subs, nil
}

// FindDueForStatusCheck returns subscriptions the daily crons should push
// time-based events for.
func (s *Service) FindDueForStatusCheck(ctx context.Context, statuses []types.SubscriptionStatus, dueField string, due time.Time, limit int) ([]*models.Subscription, error) {
	if limit <= 0 {
		limit = 500
	}
	var subs []*models.Subscription
	err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Where(fmt.Sprintf("%s <= ?", dueField), due).
		Order(dueField + " ASC").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find due subscriptions: %w", err)
	}
	return subs, nil
}

// FindPendingCancellations returns cancel-at-period-end subscriptions whose
// paid window has lapsed and that have not reached a terminal status yet.
func (s *Service) FindPendingCancellations(ctx context.Context, due time.Time, limit int) ([]*models.Subscription, error) {
	if limit <= 0 {
		limit = 500
	}
	var subs []*models.Subscription
	err := s.db.WithContext(ctx).
		Where("cancel_at_period_end = ?", true).
		Where("status NOT IN ?", terminalStatuses()).
		Where("current_period_end <= ?", due).
		Order("current_period_end ASC").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find pending cancellations: %w", err)
	}
	return subs, nil
}

// FindOverdue returns billable subscriptions whose next billing date passed
// more than lag ago without a charge event moving it forward.
func (s *Service) FindOverdue(ctx context.Context, lag time.Duration, limit int) ([]*models.Subscription, error) {
	if limit <= 0 {
		limit = 500
	}
	cutoff := time.Now().UTC().Add(-lag)
	var subs []*models.Subscription
	err := s.db.WithContext(ctx).
		Where("status IN ?", []types.SubscriptionStatus{types.SubscriptionStatusActive, types.SubscriptionStatusPastDue}).
		Where("cancel_at_period_end = ?", false).
		Where("next_billing_date < ?", cutoff).
		Order("next_billing_date ASC").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find overdue subscriptions: %w", err)
	}
	return subs, nil
}

// AppendRunSummary writes an audit row for a batch run (sync-all, crons)
// that is not tied to one subscription.
func (s *Service) AppendRunSummary(ctx context.Context, source types.SyncSource, startedAt time.Time, outcome types.SyncOutcome, note string) {
	row := &models.SyncHistory{
		ID:          tool.GenerateUUIDV7(),
		Source:      source,
		StartedAt:   startedAt,
		CompletedAt: time.Now().UTC(),
		Outcome:     outcome,
		Note:        note,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		logctx.FromCtx(ctx, s.log).Errorf("failed to append run summary: %v", err)
	}
}

// AppendAnomalyHistory writes a reconciliation anomaly audit row.
func (s *Service) AppendAnomalyHistory(ctx context.Context, subscriptionID string, note string) error {
	row := &models.SyncHistory{
		ID:             tool.GenerateUUIDV7(),
		SubscriptionID: &subscriptionID,
		Source:         types.SyncSourcePoll,
		StartedAt:      time.Now().UTC(),
		CompletedAt:    time.Now().UTC(),
		Outcome:        types.SyncOutcomeAnomaly,
		Note:           note,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to append anomaly history: %w", err)
	}
	return nil
}

// forUpdate row-locks under postgres. The sqlite backing the tests has no
// FOR UPDATE; its single-writer model serializes those paths there.
func forUpdate(tx *gorm.DB) []clause.Expression {
	if tx.Dialector.Name() == "sqlite" {
		return nil
	}
	return []clause.Expression{clause.Locking{Strength: "UPDATE"}}
}

func historyNote(ev lifecycle.Event, o *lifecycle.Outcome) string {
	if !o.Changed {
		return fmt.Sprintf("%s: no transition", ev.Kind)
	}
	return string(ev.Kind)
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isUniqueViolation matches both gorm's translated error and the raw
// postgres 23505 text, which gorm surfaces for batch inserts.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "duplicate key value")
}
