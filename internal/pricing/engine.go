package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MaxRelativeChange is the largest accepted move of the reference price,
// as a fraction of it. Moves strictly above it are rejected.
var MaxRelativeChange = decimal.RequireFromString("0.5")

const (
	remarkMissing        = "missing old or new price"
	remarkMalformed      = "data format error"
	remarkSuspiciousZero = "new price is zero, needs review"
	remarkNoChange       = "no change"
)

// Reconcile classifies every row of the table, returning the corrected copy,
// the accepted subset and the change-log entries. The input is not modified.
func Reconcile(table *Table, b Bindings, now time.Time) (*Result, error) {
	if err := b.Validate(table.Columns); err != nil {
		return nil, err
	}

	res := &Result{Corrected: table.Clone()}
	for i, row := range table.Rows {
		corrected, decision, entries := reconcileRow(row, b, now)
		decision.Index = i
		res.Corrected.Rows[i] = corrected
		res.Entries = append(res.Entries, entries...)
		res.Decisions = append(res.Decisions, decision)
		if decision.Accepted() {
			res.Accepted = append(res.Accepted, corrected.Clone())
		}
	}
	return res, nil
}

func reconcileRow(row Row, b Bindings, now time.Time) (Row, Decision, []Entry) {
	corrected := row.Clone()
	pr, err := ParseRow(row, b)
	d := Decision{ID: pr.ID, ProductID: pr.ProductID}

	newEntry := func(oldP, newP, oldD, newD decimal.NullDecimal, remark string, applied bool) Entry {
		return Entry{
			Timestamp:     now,
			ID:            pr.ID,
			ProductID:     pr.ProductID,
			OldPrice:      oldP,
			NewPrice:      newP,
			OldDiscount:   oldD,
			NewDiscount:   newD,
			Remark:        remark,
			ChangeApplied: applied,
		}
	}
	null := decimal.NullDecimal{}

	if err != nil && !errors.Is(err, ErrMissingPrice) {
		d.Outcome = OutcomeMalformed
		d.Remark = remarkMalformed
		corrected[b.Remark] = remarkMalformed
		return corrected, d, []Entry{newEntry(null, null, null, null, remarkMalformed, false)}
	}

	var entries []Entry
	var oldDisc, newDisc decimal.NullDecimal
	discountRemark := ""
	if pr.Discount != nil && !pr.Discount.Stored.Equal(pr.Discount.Manual) {
		oldDisc = decimal.NewNullDecimal(pr.Discount.Stored)
		newDisc = decimal.NewNullDecimal(pr.Discount.Manual)
		corrected[b.DiscountStored] = pr.Discount.Manual.String()
		discountRemark = fmt.Sprintf("discount changed from %s to %s", pr.Discount.Stored, pr.Discount.Manual)
		d.DiscountChanged = true
		entries = append(entries, newEntry(pr.Reference, pr.Reference, oldDisc, newDisc, discountRemark, true))
	}

	oldP, newP := pr.Reference.Decimal, pr.New.Decimal
	switch {
	case errors.Is(err, ErrMissingPrice):
		d.Outcome = OutcomeMissingPrice
		d.Remark = remarkMissing
	case oldP.IsZero() && !newP.IsZero():
		d.Outcome = OutcomeZeroBootstrap
		d.Remark = fmt.Sprintf("old price was 0, updated to %s", newP)
	case oldP.IsZero():
		d.Outcome = OutcomeNoChange
	case newP.IsZero():
		d.Outcome = OutcomeSuspiciousZero
		d.Remark = remarkSuspiciousZero
	case relativeChange(oldP, newP).Abs().GreaterThan(MaxRelativeChange):
		d.Outcome = OutcomeOutlierRejected
		d.Remark = fmt.Sprintf("price change from %s to %s (%s%%) is >50%%, price not changed",
			oldP, newP, signedPercent(relativeChange(oldP, newP)))
	case !newP.Equal(oldP):
		d.Outcome = OutcomePriceUpdated
		d.Remark = fmt.Sprintf("price changed from %s to %s", oldP, newP)
	default:
		d.Outcome = OutcomeNoChange
	}

	if d.Outcome.PriceChanged() {
		corrected[b.ReferencePrice] = newP.String()
	}

	switch {
	case d.Outcome != OutcomeNoChange:
		entries = append(entries, newEntry(pr.Reference, pr.New, null, null, d.Remark, d.Outcome.PriceChanged()))
		corrected[b.Remark] = d.Remark
	case d.DiscountChanged:
		d.Remark = discountRemark
		corrected[b.Remark] = discountRemark
	default:
		entries = append(entries, newEntry(pr.Reference, pr.New, null, null, remarkNoChange, false))
	}

	if d.Outcome.PriceChanged() && d.DiscountChanged {
		combined := fmt.Sprintf("price changed from %s to %s and discount from %s to %s",
			oldP, newP, oldDisc.Decimal, newDisc.Decimal)
		d.Remark = combined
		corrected[b.Remark] = combined
		entries = append(entries, newEntry(pr.Reference, pr.New, oldDisc, newDisc, combined, true))
	}

	return corrected, d, entries
}

// relativeChange returns (new-old)/|old|; old must be non-zero.
func relativeChange(oldP, newP decimal.Decimal) decimal.Decimal {
	return newP.Sub(oldP).Div(oldP.Abs())
}

func signedPercent(ratio decimal.Decimal) string {
	pct := ratio.Mul(decimal.NewFromInt(100)).Round(1)
	if pct.IsPositive() {
		return "+" + pct.String()
	}
	return pct.String()
}
