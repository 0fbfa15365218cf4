package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

const (
	KindYandexMarket = "yandex_market"
	yandexMarketURL  = "https://api.partner.market.yandex.ru"
)

func init() {
	Register(KindYandexMarket, func(opts Options) (Publisher, error) {
		return NewYandexMarket(opts), nil
	})
}

// YandexMarket sends one offer price update per request to the business
// account.
type YandexMarket struct {
	http *httpClient
}

var _ Publisher = (*YandexMarket)(nil)

func NewYandexMarket(opts Options) *YandexMarket {
	return &YandexMarket{http: newHTTPClient(KindYandexMarket, yandexMarketURL, opts)}
}

func (y *YandexMarket) Name() string { return KindYandexMarket }

type ymPrice struct {
	Value        json.Number  `json:"value"`
	CurrencyID   string       `json:"currencyId"`
	DiscountBase *json.Number `json:"discountBase,omitempty"`
}

type ymOffer struct {
	OfferID string  `json:"offerId"`
	Price   ymPrice `json:"price"`
}

type ymRequest struct {
	Offers []ymOffer `json:"offers"`
}

func (y *YandexMarket) buildRequest(u PriceUpdate) ymRequest {
	p := ymPrice{
		Value:      json.Number(u.Price.String()),
		CurrencyID: "RUR",
	}
	if u.DiscountBase.Valid {
		base := json.Number(u.DiscountBase.Decimal.String())
		p.DiscountBase = &base
	}
	return ymRequest{Offers: []ymOffer{{OfferID: u.OfferID, Price: p}}}
}

func (y *YandexMarket) Publish(ctx context.Context, updates []PriceUpdate, creds Credentials, debug bool) (*Result, error) {
	res := &Result{}
	if creds.BusinessID == "" {
		return res, errors.New("yandex_market: business_id is required")
	}
	if !debug && creds.APIKey == "" {
		return res, errors.New("yandex_market: api_key is required")
	}
	path := fmt.Sprintf("/businesses/%s/offer-prices/updates", url.PathEscape(creds.BusinessID))

	for _, u := range updates {
		if u.OfferID == "" {
			res.fail(u.Key(), "offer_id required")
			continue
		}
		payload, err := y.http.payload(path, y.buildRequest(u))
		if err != nil {
			return res, err
		}
		if debug {
			y.http.preview(payload)
			res.Preview = append(res.Preview, payload)
			continue
		}

		status, body, err := y.http.send(ctx, payload, map[string]string{"Api-Key": creds.APIKey})
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.fail(u.Key(), "%v", err)
			continue
		}

		parsed := gjson.ParseBytes(body)
		reason := ""
		switch {
		case status != http.StatusOK:
			reason = "HTTP " + strconv.Itoa(status)
			if msg := parsed.Get("errors.0.message"); msg.Exists() {
				reason += ": " + msg.String()
			}
		case parsed.Get("status").String() == "ERROR":
			reason = parsed.Get("errors.0.message").String()
			if reason == "" {
				reason = "unknown error"
			}
		}
		if reason != "" {
			log.Error().
				Str("marketplace", KindYandexMarket).
				Str("offer_id", u.OfferID).
				Str("reason", reason).
				Msg("Price update rejected")
			res.fail(u.Key(), "%s", reason)
			continue
		}

		log.Info().
			Str("marketplace", KindYandexMarket).
			Str("offer_id", u.OfferID).
			Str("price", u.Price.String()).
			Msg("Price updated")
		res.Sent++
	}
	return res, resultError(KindYandexMarket, res, len(updates))
}
