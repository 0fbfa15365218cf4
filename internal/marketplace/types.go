package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// PriceUpdate is one accepted change in marketplace-neutral form.
type PriceUpdate struct {
	OfferID      string
	ProductID    string
	Price        decimal.Decimal
	OldPrice     decimal.NullDecimal
	MinPrice     decimal.NullDecimal
	Discount     decimal.NullDecimal
	DiscountBase decimal.NullDecimal
	IsDeleted    bool
}

// Key identifies the update in logs and failure reports.
func (u PriceUpdate) Key() string {
	if u.OfferID != "" {
		return u.OfferID
	}
	return u.ProductID
}

// Credentials carries the authentication material of one seller account.
// Each marketplace reads only the fields it needs.
type Credentials struct {
	ClientID   string `toml:"client_id"`
	APIKey     string `toml:"api_key"`
	Token      string `toml:"token"`
	BusinessID string `toml:"business_id"`
}

// Payload is a request as it would be sent. Debug runs return these instead
// of sending them.
type Payload struct {
	Method string          `json:"method"`
	URL    string          `json:"url"`
	Body   json.RawMessage `json:"body"`
}

// Failure describes one update the marketplace did not accept.
type Failure struct {
	Key    string
	Reason string
}

// Result reports the outcome of one publish call.
type Result struct {
	Sent    int
	Failed  []Failure
	Preview []Payload
}

func (r *Result) fail(key, format string, args ...any) {
	r.Failed = append(r.Failed, Failure{Key: key, Reason: fmt.Sprintf(format, args...)})
}

// Publisher submits a batch of price updates to one marketplace.
type Publisher interface {
	Name() string
	// Publish sends updates. With debug set it only builds, logs and returns
	// the payloads. A non-nil error means some or all updates were not applied.
	Publish(ctx context.Context, updates []PriceUpdate, creds Credentials, debug bool) (*Result, error)
}

// PublishError is returned when a marketplace rejects part of a batch.
type PublishError struct {
	Marketplace string
	Failed      int
	Total       int
	First       string
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s: %d of %d updates failed: %s", e.Marketplace, e.Failed, e.Total, e.First)
}

// Options configures a publisher instance.
type Options struct {
	BaseURL           string
	HTTPClient        *http.Client
	RequestsPerSecond float64
	Timeout           time.Duration
}

func resultError(name string, res *Result, total int) error {
	if len(res.Failed) == 0 {
		return nil
	}
	return &PublishError{
		Marketplace: name,
		Failed:      len(res.Failed),
		Total:       total,
		First:       res.Failed[0].Key + ": " + res.Failed[0].Reason,
	}
}
