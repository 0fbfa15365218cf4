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
	KindMegaMarket  = "megamarket"
	megaMarketURL   = "https://api.megamarket.tech"
	megaMarketPrice = "/api/merchantIntegration/v1/offerService/manualPrice/save"
)

func init() {
	Register(KindMegaMarket, func(opts Options) (Publisher, error) {
		return NewMegaMarket(opts), nil
	})
}

// MegaMarket saves all manual prices in one request. The token travels in
// the body, so logged and previewed copies are redacted.
type MegaMarket struct {
	http *httpClient
}

var _ Publisher = (*MegaMarket)(nil)

func NewMegaMarket(opts Options) *MegaMarket {
	return &MegaMarket{http: newHTTPClient(KindMegaMarket, megaMarketURL, opts)}
}

func (m *MegaMarket) Name() string { return KindMegaMarket }

type mmPrice struct {
	OfferID   string `json:"offerId"`
	Price     int64  `json:"price"`
	IsDeleted bool   `json:"isDeleted"`
}

type mmRequest struct {
	Meta struct{} `json:"meta"`
	Data struct {
		Token  string    `json:"token"`
		Prices []mmPrice `json:"prices"`
	} `json:"data"`
}

func (m *MegaMarket) Publish(ctx context.Context, updates []PriceUpdate, creds Credentials, debug bool) (*Result, error) {
	res := &Result{}
	if !debug && creds.Token == "" {
		return res, errors.New("megamarket: token is required")
	}

	var req mmRequest
	req.Data.Token = creds.Token
	var keys []string
	for _, u := range updates {
		if u.OfferID == "" {
			res.fail(u.Key(), "offerId required")
			continue
		}
		req.Data.Prices = append(req.Data.Prices, mmPrice{
			OfferID:   u.OfferID,
			Price:     u.Price.IntPart(),
			IsDeleted: u.IsDeleted,
		})
		keys = append(keys, u.Key())
	}
	if len(req.Data.Prices) == 0 {
		return res, resultError(KindMegaMarket, res, len(updates))
	}

	payload, err := m.http.payload(megaMarketPrice, req)
	if err != nil {
		return res, err
	}
	if debug {
		shown := redact(payload, creds.Token)
		m.http.preview(shown)
		res.Preview = append(res.Preview, shown)
		return res, resultError(KindMegaMarket, res, len(updates))
	}

	status, body, err := m.http.send(ctx, payload, nil, creds.Token)
	if err != nil {
		return res, err
	}
	parsed := gjson.ParseBytes(body)
	reason := ""
	switch {
	case status != http.StatusOK:
		reason = "HTTP " + strconv.Itoa(status) + ": " + truncate(string(body), 200)
	case parsed.Get("success").Exists() && parsed.Get("success").Int() == 0:
		reason = parsed.Get("error.message").String()
		if reason == "" {
			reason = "unknown error"
		}
	}
	if reason != "" {
		log.Error().
			Str("marketplace", KindMegaMarket).
			Int("offers", len(req.Data.Prices)).
			Str("reason", reason).
			Msg("Manual price save rejected")
		for _, k := range keys {
			res.fail(k, "%s", reason)
		}
		return res, resultError(KindMegaMarket, res, len(updates))
	}

	log.Info().
		Str("marketplace", KindMegaMarket).
		Int("offers", len(req.Data.Prices)).
		Msg("Prices updated")
	res.Sent = len(req.Data.Prices)
	return res, resultError(KindMegaMarket, res, len(updates))
}
