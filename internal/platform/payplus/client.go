// Package payplus wraps the PayPlus recurring-payment REST API behind a
// typed client. All provider-specific request/response shapes live here;
// the rest of the codebase deals only with the types this package exports.
package payplus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cfgpkg "github.com/clearpoint/billing/pkg/config"
	"github.com/clearpoint/billing/pkg/types"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Provider-side recurring statuses as returned by ViewRecurring.
const (
	ProviderStatusActive    = "active"
	ProviderStatusCancelled = "cancelled"
	ProviderStatusSuspended = "suspended"
	ProviderStatusExpired   = "expired"
)

type Client struct {
	http *http.Client
	cfg  cfgpkg.GatewayConfig
	log  *zap.SugaredLogger
}

func NewClient(cfg *cfgpkg.Config, log *zap.SugaredLogger) *Client {
	timeout := cfg.Gateway.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
		cfg:  cfg.Gateway,
		log:  log,
	}
}

var Module = fx.Options(
	fx.Provide(NewClient),
)

type CreateRecurringRequest struct {
	CustomerID    string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	Amount        int64
	Currency      string
	Cycle         types.BillingCycle
	StartDate     time.Time
	Description   string
	NotifyURL     string
}

type CreateRecurringResult struct {
	RecurringUID   string
	PaymentPageURL string
}

// RecurringStatus is the provider's authoritative view of one recurring
// charge, as consumed by reconciliation.
type RecurringStatus struct {
	Status         string
	NextChargeDate *time.Time
	FailureCount   int
	CancelledAt    *time.Time
}

type OneTimeRequest struct {
	CustomerID    string
	CustomerName  string
	CustomerEmail string
	Amount        int64
	Currency      string
	Description   string
}

// apiEnvelope is the outer result wrapper PayPlus puts on every response.
type apiEnvelope struct {
	Results struct {
		Status      string `json:"status"`
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"results"`
	Data json.RawMessage `json:"data"`
}

// CreateRecurring sets up a recurring charge and returns the provider ref
// plus the hosted page the customer completes card setup on. Retried at most
// once, with the caller's idempotency key, then surfaced as a failure for
// reconciliation to resolve.
func (c *Client) CreateRecurring(ctx context.Context, idemKey string, req CreateRecurringRequest) (*CreateRecurringResult, error) {
	const op = "createRecurring"
	payload := map[string]any{
		"payment_page_uid": c.cfg.PaymentPageUID,
		"terminal_uid":     c.cfg.TerminalUID,
		"charge_method":    3, // recurring
		"amount":           minorToMajor(req.Amount),
		"currency_code":    req.Currency,
		"customer": map[string]any{
			"customer_name": req.CustomerName,
			"email":         req.CustomerEmail,
			"phone":         req.CustomerPhone,
		},
		"items": []map[string]any{{
			"name":     req.Description,
			"quantity": 1,
			"price":    minorToMajor(req.Amount),
		}},
		"recurring_settings": map[string]any{
			"recurring_type":        2, // fixed rate
			"recurring_range":       1, // open-ended
			"number_of_charges":     9999,
			"instant_first_payment": false,
			"charge_frequency":      chargeFrequency(req.Cycle),
			"start_date":            req.StartDate.UTC().Format("20060102"),
		},
		"refURL_callback":       req.NotifyURL,
		"send_failure_callback": true,
		// Correlation echoed back on every webhook delivery.
		"more_info": fmt.Sprintf("%s|recurring|%s", req.CustomerID, req.Cycle),
	}

	var out CreateRecurringResult
	err := withRetry(ctx, mutateAttempts, func() error {
		env, err := c.do(ctx, op, http.MethodPost, "/PaymentPages/GenerateLink", idemKey, payload)
		if err != nil {
			return err
		}
		var data struct {
			RecurringUID    string `json:"recurring_uid"`
			PaymentPageLink string `json:"payment_page_link"`
			PageRequestUID  string `json:"page_request_uid"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return transientErr(op, 0, fmt.Sprintf("malformed response: %v", err))
		}
		ref := data.RecurringUID
		if ref == "" {
			ref = data.PageRequestUID
		}
		out = CreateRecurringResult{RecurringUID: ref, PaymentPageURL: data.PaymentPageLink}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelRecurring deletes the recurring charge at the provider. Safe to
// re-attempt with the same idempotency key; deleting an already-deleted
// recurring charge reports success.
func (c *Client) CancelRecurring(ctx context.Context, idemKey, recurringUID string) (bool, error) {
	const op = "cancelRecurring"
	if recurringUID == "" {
		return false, rejectedErr(op, "", "empty recurring uid")
	}
	err := withRetry(ctx, mutateAttempts, func() error {
		_, err := c.do(ctx, op, http.MethodPost, "/RecurringPayments/DeleteRecurring/"+recurringUID, idemKey, nil)
		return err
	})
	if err != nil {
		var ge *Error
		// Already gone counts as cancelled.
		if errors.As(err, &ge) && ge.StatusCode == http.StatusNotFound {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// QueryStatus fetches the provider's authoritative recurring status. Reads
// are idempotent, so transient failures are retried with exponential
// backoff.
func (c *Client) QueryStatus(ctx context.Context, recurringUID string) (*RecurringStatus, error) {
	const op = "queryStatus"
	if recurringUID == "" {
		return nil, rejectedErr(op, "", "empty recurring uid")
	}
	var out RecurringStatus
	err := withRetry(ctx, readAttempts, func() error {
		env, err := c.do(ctx, op, http.MethodGet, "/RecurringPayments/"+recurringUID+"/ViewRecurring", "", nil)
		if err != nil {
			return err
		}
		var data struct {
			RecurringStatus string `json:"recurring_status"`
			NextPaymentDate string `json:"next_payment_date"`
			CancelledDate   string `json:"cancelled_date"`
			PaymentFailures int    `json:"payment_failures"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return transientErr(op, 0, fmt.Sprintf("malformed response: %v", err))
		}
		if data.RecurringStatus == "" {
			return transientErr(op, 0, "response missing recurring_status")
		}
		out = RecurringStatus{
			Status:         strings.ToLower(data.RecurringStatus),
			FailureCount:   data.PaymentFailures,
			NextChargeDate: parseProviderDate(data.NextPaymentDate),
			CancelledAt:    parseProviderDate(data.CancelledDate),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateOneTime charges a single payment (hardware purchases) and returns
// the provider charge ref.
func (c *Client) CreateOneTime(ctx context.Context, idemKey string, req OneTimeRequest) (string, error) {
	const op = "createOneTime"
	payload := map[string]any{
		"payment_page_uid": c.cfg.PaymentPageUID,
		"amount":           minorToMajor(req.Amount),
		"currency_code":    req.Currency,
		"customer": map[string]any{
			"customer_name": req.CustomerName,
			"email":         req.CustomerEmail,
		},
		"items": []map[string]any{{
			"name":     req.Description,
			"quantity": 1,
			"price":    minorToMajor(req.Amount),
		}},
		"more_info": req.CustomerID + "|one_time|",
	}
	var chargeRef string
	err := withRetry(ctx, mutateAttempts, func() error {
		env, err := c.do(ctx, op, http.MethodPost, "/PaymentPages/GenerateLink", idemKey, payload)
		if err != nil {
			return err
		}
		var data struct {
			PageRequestUID string `json:"page_request_uid"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return transientErr(op, 0, fmt.Sprintf("malformed response: %v", err))
		}
		chargeRef = data.PageRequestUID
		return nil
	})
	if err != nil {
		return "", err
	}
	return chargeRef, nil
}

// do executes one HTTP round trip and maps the response into the adapter's
// error taxonomy. The idempotency key rides a request header so a retried
// mutating call has effect at most once.
func (c *Client) do(ctx context.Context, op, method, path, idemKey string, payload any) (*apiEnvelope, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.cfg.APIKey)
	req.Header.Set("secret-key", c.cfg.SecretKey)
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transientErr(op, 0, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, transientErr(op, resp.StatusCode, fmt.Sprintf("read body: %v", err))
	}

	if resp.StatusCode >= 500 {
		return nil, transientErr(op, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode >= 400 {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw)), Rejected: true}
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, transientErr(op, resp.StatusCode, fmt.Sprintf("malformed envelope: %v", err))
	}
	if env.Results.Status != "success" {
		return nil, rejectedErr(op, env.Results.Code, env.Results.Description)
	}
	return &env, nil
}

func chargeFrequency(cycle types.BillingCycle) string {
	if cycle == types.BillingCycleYearly {
		return "Yearly"
	}
	return "Monthly"
}

// minorToMajor converts agorot/cents to the major-unit float the API wants.
func minorToMajor(amount int64) float64 {
	return float64(amount) / 100
}

// parseProviderDate accepts the date shapes PayPlus is known to emit:
// RFC 3339, plain dates, and dd/mm/yyyy.
func parseProviderDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02", "02/01/2006 15:04:05", "02/01/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
