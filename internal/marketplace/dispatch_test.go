package marketplace

import (
	"context"
	"testing"

	"price_sync/internal/pricing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	calls   int
	updates []PriceUpdate
	debug   bool
}

func (r *recordingPublisher) Name() string { return "recording" }

func (r *recordingPublisher) Publish(ctx context.Context, updates []PriceUpdate, creds Credentials, debug bool) (*Result, error) {
	r.calls++
	r.updates = append(r.updates, updates...)
	r.debug = debug
	return &Result{Sent: len(updates)}, nil
}

func TestDispatchSkipsEmptySet(t *testing.T) {
	p := &recordingPublisher{}

	res, err := Dispatch(context.Background(), p, nil, FieldMap{}, Credentials{}, false)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	assert.Zero(t, p.calls)
}

func TestDispatchMapsAliases(t *testing.T) {
	p := &recordingPublisher{}
	rows := []pricing.Row{
		{"id": "1", "nmID": "111", "old_price": "160", "t_price": "160", "discount": "15", "prim": "price changed from 100 to 160"},
		{"id": "2", "offerId": "MM-2", "t_price": "99,5", "isDeleted": "TRUE"},
	}

	res, err := Dispatch(context.Background(), p, rows, FieldMap{}, Credentials{}, true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.True(t, p.debug)

	require.Len(t, p.updates, 2)
	wb := p.updates[0]
	assert.Equal(t, "111", wb.ProductID)
	assert.Equal(t, "160", wb.Price.String())
	assert.Equal(t, "160", wb.OldPrice.Decimal.String())
	assert.Equal(t, "15", wb.Discount.Decimal.String())
	assert.False(t, wb.MinPrice.Valid)

	mm := p.updates[1]
	assert.Equal(t, "MM-2", mm.OfferID)
	assert.Equal(t, "99.5", mm.Price.String())
	assert.True(t, mm.IsDeleted)
}

func TestDispatchExplicitFields(t *testing.T) {
	p := &recordingPublisher{}
	rows := []pricing.Row{
		{"sku": "A-1", "ozon_id": "777", "target": "250", "crossed": "300", "floor": "200", "t_price": "1"},
	}
	fields := FieldMap{OfferID: "sku", ProductID: "ozon_id", Price: "target", OldPrice: "crossed", MinPrice: "floor"}

	_, err := Dispatch(context.Background(), p, rows, fields, Credentials{}, false)
	require.NoError(t, err)

	require.Len(t, p.updates, 1)
	u := p.updates[0]
	assert.Equal(t, "A-1", u.OfferID)
	assert.Equal(t, "777", u.ProductID)
	assert.Equal(t, "250", u.Price.String())
	assert.Equal(t, "300", u.OldPrice.Decimal.String())
	assert.Equal(t, "200", u.MinPrice.Decimal.String())
}

func TestDispatchOldPriceFromStrikeThroughColumn(t *testing.T) {
	p := &recordingPublisher{}
	// accepted rows carry the new price in old_price after reconciliation
	rows := []pricing.Row{
		{"offer_id": "A-1", "old_price": "140", "t_price": "140", "price_old": "199"},
		{"offer_id": "A-2", "old_price": "90", "t_price": "90"},
	}

	_, err := Dispatch(context.Background(), p, rows, FieldMap{OldPrice: "price_old"}, Credentials{}, false)
	require.NoError(t, err)

	require.Len(t, p.updates, 2)
	assert.Equal(t, "199", p.updates[0].OldPrice.Decimal.String())
	assert.False(t, p.updates[1].OldPrice.Valid)
}

func TestDispatchReportsUnmappableRows(t *testing.T) {
	p := &recordingPublisher{}
	rows := []pricing.Row{
		{"offer_id": "A", "t_price": "100"},
		{"offer_id": "B", "t_price": "n/a"},
		{"t_price": "5"},
	}

	res, err := Dispatch(context.Background(), p, rows, FieldMap{}, Credentials{}, false)

	var perr *PublishError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 2, perr.Failed)
	assert.Equal(t, 3, perr.Total)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, "B", res.Failed[0].Key)
}

func TestDispatchNothingPublishable(t *testing.T) {
	p := &recordingPublisher{}

	_, err := Dispatch(context.Background(), p, []pricing.Row{{"offer_id": "A"}}, FieldMap{}, Credentials{}, false)
	assert.Error(t, err)
	assert.Zero(t, p.calls)
}
