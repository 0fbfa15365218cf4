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
	KindWildberries   = "wildberries"
	wildberriesURL    = "https://discounts-prices-api.wildberries.ru"
	wildberriesUpload = "/api/v2/upload/task"
)

func init() {
	Register(KindWildberries, func(opts Options) (Publisher, error) {
		return NewWildberries(opts), nil
	})
}

// Wildberries uploads all updates as one price and discount task.
type Wildberries struct {
	http *httpClient
}

var _ Publisher = (*Wildberries)(nil)

func NewWildberries(opts Options) *Wildberries {
	return &Wildberries{http: newHTTPClient(KindWildberries, wildberriesURL, opts)}
}

func (w *Wildberries) Name() string { return KindWildberries }

type wbGood struct {
	NmID     int64 `json:"nmID"`
	Price    int64 `json:"price"`
	Discount int64 `json:"discount"`
}

type wbRequest struct {
	Data []wbGood `json:"data"`
}

func (w *Wildberries) Publish(ctx context.Context, updates []PriceUpdate, creds Credentials, debug bool) (*Result, error) {
	res := &Result{}
	if !debug && creds.APIKey == "" {
		return res, errors.New("wildberries: api_key is required")
	}

	req := wbRequest{}
	var keys []string
	for _, u := range updates {
		nmID, err := strconv.ParseInt(u.ProductID, 10, 64)
		if err != nil {
			res.fail(u.Key(), "nmID %q is not an integer", u.ProductID)
			continue
		}
		g := wbGood{NmID: nmID, Price: u.Price.IntPart()}
		if u.Discount.Valid {
			g.Discount = u.Discount.Decimal.IntPart()
		}
		req.Data = append(req.Data, g)
		keys = append(keys, u.Key())
	}
	if len(req.Data) == 0 {
		return res, resultError(KindWildberries, res, len(updates))
	}

	payload, err := w.http.payload(wildberriesUpload, req)
	if err != nil {
		return res, err
	}
	if debug {
		w.http.preview(payload)
		res.Preview = append(res.Preview, payload)
		return res, resultError(KindWildberries, res, len(updates))
	}

	status, body, err := w.http.send(ctx, payload, map[string]string{"Authorization": creds.APIKey})
	if err != nil {
		return res, err
	}
	parsed := gjson.ParseBytes(body)
	reason := ""
	switch {
	case status != http.StatusOK:
		reason = "HTTP " + strconv.Itoa(status) + ": " + truncate(string(body), 200)
	case parsed.Get("error").Bool():
		reason = parsed.Get("errorText").String()
		if reason == "" {
			reason = "unknown error"
		}
	}
	if reason != "" {
		log.Error().
			Str("marketplace", KindWildberries).
			Int("goods", len(req.Data)).
			Str("reason", reason).
			Msg("Price upload rejected")
		for _, k := range keys {
			res.fail(k, "%s", reason)
		}
		return res, resultError(KindWildberries, res, len(updates))
	}

	log.Info().
		Str("marketplace", KindWildberries).
		Int("goods", len(req.Data)).
		Int64("task_id", parsed.Get("data.id").Int()).
		Msg("Prices and discounts uploaded")
	res.Sent = len(req.Data)
	return res, resultError(KindWildberries, res, len(updates))
}
