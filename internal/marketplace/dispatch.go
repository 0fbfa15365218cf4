package marketplace

import (
	"context"
	"strings"

	"price_sync/internal/pricing"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// FieldMap names the sheet column behind each marketplace field. Empty
// fields fall back to the usual column names.
type FieldMap struct {
	OfferID      string `toml:"offer_id"`
	ProductID    string `toml:"product_id"`
	Price        string `toml:"price"`
	OldPrice     string `toml:"old_price"`
	MinPrice     string `toml:"min_price"`
	Discount     string `toml:"discount"`
	DiscountBase string `toml:"discount_base"`
	IsDeleted    string `toml:"is_deleted"`
}

var fieldAliases = struct {
	offerID, productID, price, oldPrice, minPrice, discount, discountBase, isDeleted []string
}{
	offerID:      []string{"offer_id", "offerId"},
	productID:    []string{"product_id", "nmID"},
	price:        []string{"t_price", "price", "new_price"},
	oldPrice:     []string{"old_price", "price_old"},
	minPrice:     []string{"min_price"},
	discount:     []string{"discount"},
	discountBase: []string{"discount_base"},
	isDeleted:    []string{"is_deleted", "isDeleted"},
}

func lookup(row pricing.Row, explicit string, aliases []string) string {
	if explicit != "" {
		return strings.TrimSpace(row[explicit])
	}
	for _, a := range aliases {
		if v, ok := row[a]; ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func optionalDecimal(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := pricing.ParseDecimal(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "да":
		return true
	}
	return false
}

// MapRows converts accepted rows into price updates. Rows without a usable
// price or identifier are reported as failures.
func MapRows(rows []pricing.Row, fields FieldMap) ([]PriceUpdate, []Failure) {
	var updates []PriceUpdate
	var failed []Failure
	for _, row := range rows {
		u := PriceUpdate{
			OfferID:   lookup(row, fields.OfferID, fieldAliases.offerID),
			ProductID: lookup(row, fields.ProductID, fieldAliases.productID),
			IsDeleted: parseBool(lookup(row, fields.IsDeleted, fieldAliases.isDeleted)),
		}
		if u.Key() == "" {
			failed = append(failed, Failure{Reason: "row has no offer or product identifier"})
			continue
		}

		price, err := pricing.ParseDecimal(lookup(row, fields.Price, fieldAliases.price))
		if err != nil {
			failed = append(failed, Failure{Key: u.Key(), Reason: "price: " + err.Error()})
			continue
		}
		u.Price = price

		var bad error
		for _, f := range []struct {
			dst     *decimal.NullDecimal
			col     string
			aliases []string
		}{
			{&u.OldPrice, fields.OldPrice, fieldAliases.oldPrice},
			{&u.MinPrice, fields.MinPrice, fieldAliases.minPrice},
			{&u.Discount, fields.Discount, fieldAliases.discount},
			{&u.DiscountBase, fields.DiscountBase, fieldAliases.discountBase},
		} {
			v, err := optionalDecimal(lookup(row, f.col, f.aliases))
			if err != nil && bad == nil {
				bad = err
			}
			*f.dst = v
		}
		if bad != nil {
			failed = append(failed, Failure{Key: u.Key(), Reason: bad.Error()})
			continue
		}
		updates = append(updates, u)
	}
	return updates, failed
}

// Dispatch maps the accepted rows and hands them to the publisher. It does
// nothing for an empty set and never retries.
func Dispatch(ctx context.Context, p Publisher, rows []pricing.Row, fields FieldMap, creds Credentials, debug bool) (*Result, error) {
	if len(rows) == 0 {
		return &Result{}, nil
	}

	updates, skipped := MapRows(rows, fields)
	for _, f := range skipped {
		log.Warn().
			Str("marketplace", p.Name()).
			Str("key", f.Key).
			Str("reason", f.Reason).
			Msg("Accepted row cannot be published")
	}
	if len(updates) == 0 {
		res := &Result{Failed: skipped}
		return res, resultError(p.Name(), res, len(rows))
	}

	res, err := p.Publish(ctx, updates, creds, debug)
	if res == nil {
		res = &Result{}
	}
	if len(skipped) > 0 {
		res.Failed = append(skipped, res.Failed...)
		if err == nil {
			err = resultError(p.Name(), res, len(rows))
		}
	}
	return res, err
}
