package marketplace

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

const (
	KindOzon       = "ozon"
	ozonBaseURL    = "https://api-seller.ozon.ru"
	ozonPricesPath = "/v1/product/import/prices"
)

func init() {
	Register(KindOzon, func(opts Options) (Publisher, error) {
		return NewOzon(opts), nil
	})
}

// Ozon sends one price import request per update.
type Ozon struct {
	http *httpClient
}

var _ Publisher = (*Ozon)(nil)

func NewOzon(opts Options) *Ozon {
	return &Ozon{http: newHTTPClient(KindOzon, ozonBaseURL, opts)}
}

func (o *Ozon) Name() string { return KindOzon }

type ozonPrice struct {
	AutoActionEnabled    string `json:"auto_action_enabled"`
	CurrencyCode         string `json:"currency_code"`
	MinPrice             string `json:"min_price"`
	OfferID              string `json:"offer_id"`
	OldPrice             string `json:"old_price"`
	Price                string `json:"price"`
	PriceStrategyEnabled string `json:"price_strategy_enabled"`
	ProductID            int64  `json:"product_id,omitempty"`
}

type ozonRequest struct {
	Prices []ozonPrice `json:"prices"`
}

func (o *Ozon) buildRequest(u PriceUpdate) ozonRequest {
	p := ozonPrice{
		AutoActionEnabled:    "UNKNOWN",
		CurrencyCode:         "RUB",
		MinPrice:             "0",
		OfferID:              u.OfferID,
		OldPrice:             "0",
		Price:                u.Price.String(),
		PriceStrategyEnabled: "UNKNOWN",
	}
	if u.MinPrice.Valid {
		p.MinPrice = u.MinPrice.Decimal.String()
	}
	if u.OldPrice.Valid {
		p.OldPrice = u.OldPrice.Decimal.String()
	}
	if id, err := strconv.ParseInt(u.ProductID, 10, 64); err == nil {
		p.ProductID = id
	}
	return ozonRequest{Prices: []ozonPrice{p}}
}

func (o *Ozon) Publish(ctx context.Context, updates []PriceUpdate, creds Credentials, debug bool) (*Result, error) {
	res := &Result{}
	if !debug && (creds.ClientID == "" || creds.APIKey == "") {
		return res, errors.New("ozon: client_id and api_key are required")
	}
	headers := map[string]string{
		"Client-Id": creds.ClientID,
		"Api-Key":   creds.APIKey,
	}

	for _, u := range updates {
		if u.OfferID == "" && u.ProductID == "" {
			res.fail(u.Key(), "offer_id or product_id required")
			continue
		}
		payload, err := o.http.payload(ozonPricesPath, o.buildRequest(u))
		if err != nil {
			return res, err
		}
		if debug {
			o.http.preview(payload)
			res.Preview = append(res.Preview, payload)
			continue
		}

		status, body, err := o.http.send(ctx, payload, headers)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.fail(u.Key(), "%v", err)
			continue
		}
		if reason, ok := ozonFailure(status, body); !ok {
			log.Error().
				Str("marketplace", KindOzon).
				Str("offer_id", u.OfferID).
				Str("product_id", u.ProductID).
				Str("reason", reason).
				Msg("Price update rejected")
			res.fail(u.Key(), "%s", reason)
			continue
		}
		log.Info().
			Str("marketplace", KindOzon).
			Str("offer_id", u.OfferID).
			Str("price", u.Price.String()).
			Msg("Price updated")
		res.Sent++
	}
	return res, resultError(KindOzon, res, len(updates))
}

// ozonFailure returns a reason and false when the response does not
// confirm the update.
func ozonFailure(status int, body []byte) (string, bool) {
	parsed := gjson.ParseBytes(body)
	if status != http.StatusOK {
		if msg := parsed.Get("message"); msg.Exists() {
			return "HTTP " + strconv.Itoa(status) + ": " + msg.String(), false
		}
		return "HTTP " + strconv.Itoa(status) + ": " + truncate(string(body), 200), false
	}
	result := parsed.Get("result")
	if !result.Exists() || (result.IsArray() && len(result.Array()) == 0) {
		if msg := parsed.Get("error.message"); msg.Exists() {
			return msg.String(), false
		}
		return "unknown error", false
	}
	if first := result.Get("0"); first.Exists() && first.Get("updated").Exists() && !first.Get("updated").Bool() {
		if msg := first.Get("errors.0.message"); msg.Exists() {
			return msg.String(), false
		}
		return "not updated", false
	}
	return "", true
}
