package webhook

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrMalformed = errors.New("malformed webhook payload")

// successStatusCode is the provider's code for an approved charge.
const successStatusCode = "000"

// Notification is the normalized form of one gateway callback. The provider
// delivers two payload shapes (flat and nested under "transaction"); both
// normalize to this.
type Notification struct {
	// TransactionUID is the gateway charge id; it deduplicates deliveries.
	TransactionUID string
	// PageRequestUID identifies the hosted payment page the charge came
	// from; one-time payments are matched on it.
	PageRequestUID string
	RecurringUID   string
	StatusCode     string
	// Amount in the currency's minor unit.
	Amount    int64
	Currency  string
	Recurring bool
	ChargedAt time.Time

	// Correlation decoded from more_info.
	CustomerID   string
	BillingCycle string
}

func (n *Notification) Succeeded() bool { return n.StatusCode == successStatusCode }

// rawPayload covers both delivery shapes with one struct; pointer fields
// distinguish absent from empty.
type rawPayload struct {
	Transaction *rawTransaction `json:"transaction"`
	Data        json.RawMessage `json:"data"`

	TransactionUID  string      `json:"transaction_uid"`
	PageRequestUID  string      `json:"page_request_uid"`
	RecurringUID    string      `json:"recurring_uid"`
	StatusCode      string      `json:"status_code"`
	Amount          json.Number `json:"amount"`
	Currency        string      `json:"currency_code"`
	Type            string      `json:"type"`
	MoreInfo        string      `json:"more_info"`
	TransactionDate string      `json:"transaction_date"`
}

type rawTransaction struct {
	UID            string      `json:"uid"`
	PageRequestUID string      `json:"page_request_uid"`
	RecurringUID   string      `json:"recurring_uid"`
	StatusCode     string      `json:"status_code"`
	Amount         json.Number `json:"amount"`
	Currency       string      `json:"currency_code"`
	MoreInfo       string      `json:"more_info"`
	Date           string      `json:"date"`
}

// Parse normalizes a raw webhook body. It returns ErrMalformed for bodies
// that are not JSON or that lack both a transaction id and a status code;
// those get a 400 so the provider stops retrying them.
func Parse(body []byte) (*Notification, error) {
	var raw rawPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, ErrMalformed
	}

	n := &Notification{
		TransactionUID: raw.TransactionUID,
		PageRequestUID: raw.PageRequestUID,
		RecurringUID:   raw.RecurringUID,
		StatusCode:     raw.StatusCode,
		Currency:       raw.Currency,
		Amount:         minorAmount(raw.Amount),
		Recurring:      raw.Type == "recurring",
		ChargedAt:      parseEventTime(raw.TransactionDate),
	}
	moreInfo := raw.MoreInfo

	if t := raw.Transaction; t != nil {
		if t.UID != "" {
			n.TransactionUID = t.UID
		}
		if t.PageRequestUID != "" {
			n.PageRequestUID = t.PageRequestUID
		}
		if t.RecurringUID != "" {
			n.RecurringUID = t.RecurringUID
		}
		if t.StatusCode != "" {
			n.StatusCode = t.StatusCode
		}
		if t.Currency != "" {
			n.Currency = t.Currency
		}
		if a := minorAmount(t.Amount); a != 0 {
			n.Amount = a
		}
		if t.MoreInfo != "" {
			moreInfo = t.MoreInfo
		}
		if ts := parseEventTime(t.Date); !ts.IsZero() {
			n.ChargedAt = ts
		}
	}

	if parts := strings.Split(moreInfo, "|"); moreInfo != "" {
		n.CustomerID = parts[0]
		if len(parts) > 1 && parts[1] == "recurring" {
			n.Recurring = true
		}
		if len(parts) > 2 {
			n.BillingCycle = parts[2]
		}
	}

	if n.TransactionUID == "" || n.StatusCode == "" {
		return nil, ErrMalformed
	}
	if n.ChargedAt.IsZero() {
		n.ChargedAt = time.Now().UTC()
	}
	return n, nil
}

// minorAmount converts the provider's major-unit decimal to minor units.
func minorAmount(num json.Number) int64 {
	if num == "" {
		return 0
	}
	f, err := strconv.ParseFloat(string(num), 64)
	if err != nil {
		return 0
	}
	return int64(f*100 + 0.5)
}

func parseEventTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02", "02/01/2006 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
