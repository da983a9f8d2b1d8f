// Package subscription is the store for billing records: the only code path
// allowed to mutate subscription rows. All mutation funnels through
// ApplyEvent, which serializes on a row lock and lets the lifecycle machine
// decide the transition.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clearpoint/billing/internal/app/service/lifecycle"
	"github.com/clearpoint/billing/internal/models"
	"github.com/clearpoint/billing/pkg/billingclock"
	"github.com/clearpoint/billing/pkg/config"
	"github.com/clearpoint/billing/pkg/tool"
	"github.com/clearpoint/billing/pkg/types"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("subscription not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrDuplicateActive = errors.New("customer already has a non-terminal subscription")
	ErrUnknownPlan     = errors.New("unknown plan")
	ErrTerminal        = errors.New("subscription is in a terminal status")
)

type Service struct {
	cfg *config.Config
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewService(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{cfg: cfg, db: db, log: log}
}

// CreateParams describes a new subscription. ProviderSubscriptionRef stays
// nil until the customer completes card setup on the hosted page.
type CreateParams struct {
	CustomerID   string
	PlanID       string
	BillingCycle types.BillingCycle
	TrialDays    *int
}

// Create inserts a new trial subscription. A customer may hold at most one
// non-terminal subscription; the check runs inside the insert transaction so
// concurrent creates cannot both pass it.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.Subscription, error) {
	plan := s.cfg.GetPlanByID(p.PlanID)
	if plan == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, p.PlanID)
	}
	trialDays := s.cfg.Billing.TrialDays
	if p.TrialDays != nil {
		trialDays = *p.TrialDays
	}

	now := time.Now().UTC()
	trialEnd := billingclock.TrialEnd(now, trialDays)
	sub := &models.Subscription{
		ID:                 tool.GenerateUUIDV7(),
		CustomerID:         p.CustomerID,
		PlanID:             plan.ID,
		BillingCycle:       p.BillingCycle,
		Amount:             plan.AmountFor(p.BillingCycle),
		Currency:           plan.Currency,
		Status:             types.SubscriptionStatusTrial,
		TrialEndsAt:        &trialEnd,
		CurrentPeriodStart: &now,
		CurrentPeriodEnd:   &trialEnd,
		NextBillingDate:    &trialEnd,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Subscription{}).
			Where("customer_id = ? AND status NOT IN ?", p.CustomerID, terminalStatuses()).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to count customer subscriptions: %w", err)
		}
		if count > 0 {
			return ErrDuplicateActive
		}
		if err := tx.Create(sub).Error; err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		return s.appendHistory(tx, &models.SyncHistory{
			SubscriptionID: &sub.ID,
			Source:         types.SyncSourceAdmin,
			NewStatus:      statusPtr(sub.Status),
			StartedAt:      now,
			CompletedAt:    now,
			Outcome:        types.SyncOutcomeApplied,
			Note:           "subscription created",
		})
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return &sub, nil
}

// GetByProviderRef resolves a subscription from the gateway's recurring id.
func (s *Service) GetByProviderRef(ctx context.Context, ref string) (*models.Subscription, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	var sub models.Subscription
	err := s.db.WithContext(ctx).Where("provider_subscription_ref = ?", ref).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription by provider ref: %w", err)
	}
	return &sub, nil
}

// GetActiveByCustomer returns the customer's single non-terminal
// subscription, or ErrNotFound.
func (s *Service) GetActiveByCustomer(ctx context.Context, customerID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).
		Where("customer_id = ? AND status NOT IN ?", customerID, terminalStatuses()).
		Order("created_at DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load customer subscription: %w", err)
	}
	return &sub, nil
}

// AttachProviderRef records the gateway recurring id after card setup
// completes. It never overwrites an existing ref with a different one.
func (s *Service) AttachProviderRef(ctx context.Context, id, ref string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := lockSubscription(tx, id)
		if err != nil {
			return err
		}
		if sub.ProviderSubscriptionRef != nil && *sub.ProviderSubscriptionRef != ref {
			return fmt.Errorf("subscription %s already bound to provider ref %s", id, *sub.ProviderSubscriptionRef)
		}
		return tx.Model(&models.Subscription{}).Where("id = ?", id).
			Update("provider_subscription_ref", ref).Error
	})
}

// Scan lists subscriptions for admin tooling with optional common filters,
// keyset-paged by id.
func (s *Service) Scan(ctx context.Context, filters []*types.CommonFilter, afterID string, limit int) ([]*models.Subscription, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Model(&models.Subscription{})
	for _, f := range filters {
		if f != nil {
			q = q.Where(f)
		}
	}
	if afterID != "" {
		q = q.Where("id > ?", afterID)
	}
	var subs []*models.Subscription
	if err := q.Order("id ASC").Limit(limit).Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to scan subscriptions: %w", err)
	}
	return subs, nil
}

// ListPayments returns the payment audit rows for one subscription, newest
// first.
func (s *Service) ListPayments(ctx context.Context, subscriptionID string, limit int) ([]*models.Payment, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var payments []*models.Payment
	err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}

// ListHistory returns the audit trail for one subscription, newest first.
func (s *Service) ListHistory(ctx context.Context, subscriptionID string, limit int) ([]*models.SyncHistory, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []*models.SyncHistory
	err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("completed_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sync history: %w", err)
	}
	return rows, nil
}

// RecordOneTimePayment writes the audit row for a hardware purchase. Safe to
// replay: the unique charge ref turns duplicates into no-ops.
func (s *Service) RecordOneTimePayment(ctx context.Context, customerID string, intent *lifecycle.PaymentIntent) (*models.Payment, error) {
	p := paymentFromIntent(nil, customerID, types.PaymentTypeOneTime, intent)
	err := s.db.WithContext(ctx).Create(p).Error
	if isUniqueViolation(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record one-time payment: %w", err)
	}
	return p, nil
}

// SettleOneTimePayment flips the pending one-time Payment matching one of
// the provider refs to completed or failed. One-time charges never touch
// subscription state; this is their whole settlement. Already-settled rows
// are returned untouched so replayed deliveries are no-ops.
func (s *Service) SettleOneTimePayment(ctx context.Context, providerRefs []string, succeeded bool, failureCode string, paidAt time.Time) (*models.Payment, error) {
	refs := make([]string, 0, len(providerRefs))
	for _, r := range providerRefs {
		if r != "" {
			refs = append(refs, r)
		}
	}
	if len(refs) == 0 {
		return nil, ErrPaymentNotFound
	}

	var p models.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(forUpdate(tx)...).
			Where("type = ? AND provider_charge_ref IN ?", types.PaymentTypeOneTime, refs).
			First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPaymentNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load one-time payment: %w", err)
		}
		if p.Status != types.PaymentStatusPending {
			return nil
		}

		updates := map[string]any{"status": types.PaymentStatusCompleted, "paid_at": paidAt}
		p.Status = types.PaymentStatusCompleted
		p.PaidAt = &paidAt
		if !succeeded {
			updates["status"] = types.PaymentStatusFailed
			updates["paid_at"] = nil
			updates["failure_code"] = failureCode
			p.Status = types.PaymentStatusFailed
			p.PaidAt = nil
			p.FailureCode = nilIfEmpty(failureCode)
		}
		if err := tx.Model(&models.Payment{}).Where("id = ?", p.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to settle one-time payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func lockSubscription(tx *gorm.DB, id string) (*models.Subscription, error) {
	var sub models.Subscription
	err := tx.Clauses(forUpdate(tx)...).Where("id = ?", id).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}
	return &sub, nil
}

func (s *Service) appendHistory(tx *gorm.DB, row *models.SyncHistory) error {
	if row.ID == "" {
		row.ID = tool.GenerateUUIDV7()
	}
	if err := tx.Create(row).Error; err != nil {
		return fmt.Errorf("failed to append sync history: %w", err)
	}
	return nil
}

func terminalStatuses() []types.SubscriptionStatus {
	return []types.SubscriptionStatus{
		types.SubscriptionStatusCancelled,
		types.SubscriptionStatusExpired,
	}
}

func statusPtr(s types.SubscriptionStatus) *types.SubscriptionStatus { return &s }
