package pricing

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Row is one spreadsheet data row keyed by header name. An empty string means
// the cell is absent.
type Row map[string]string

// Clone returns an independent copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Table is an ordered header plus the data rows below it.
type Table struct {
	Columns []string
	Rows    []Row
}

// Clone deep-copies the table.
func (t *Table) Clone() *Table {
	out := &Table{
		Columns: slices.Clone(t.Columns),
		Rows:    make([]Row, len(t.Rows)),
	}
	for i, r := range t.Rows {
		out.Rows[i] = r.Clone()
	}
	return out
}

// Bindings names the columns the engine reads and writes.
type Bindings struct {
	ID             string `toml:"id" validate:"required"`
	ProductID      string `toml:"product_id" validate:"required"`
	NewPrice       string `toml:"new_price" validate:"required"`
	ReferencePrice string `toml:"reference_price" validate:"required"`
	Remark         string `toml:"remark" validate:"required"`
	DiscountStored string `toml:"discount_stored" validate:"required_with=DiscountManual"`
	DiscountManual string `toml:"discount_manual" validate:"required_with=DiscountStored"`
}

// HasDiscount reports whether the discount pair is bound.
func (b Bindings) HasDiscount() bool {
	return b.DiscountStored != "" && b.DiscountManual != ""
}

// Validate checks every bound column against the header.
func (b Bindings) Validate(columns []string) error {
	required := map[string]string{
		"id":              b.ID,
		"product_id":      b.ProductID,
		"new_price":       b.NewPrice,
		"reference_price": b.ReferencePrice,
		"remark":          b.Remark,
	}
	if b.HasDiscount() {
		required["discount_stored"] = b.DiscountStored
		required["discount_manual"] = b.DiscountManual
	} else if b.DiscountStored != "" || b.DiscountManual != "" {
		return fmt.Errorf("%w: discount columns must be bound together", ErrUnboundColumn)
	}

	for role, col := range required {
		if col == "" {
			return fmt.Errorf("%w: %s not configured", ErrUnboundColumn, role)
		}
		if !slices.Contains(columns, col) {
			return fmt.Errorf("%w: %s column %q not in header", ErrUnboundColumn, role, col)
		}
	}
	return nil
}

// Outcome classifies the price part of a row decision.
type Outcome int

const (
	OutcomeNoChange Outcome = iota
	OutcomeMissingPrice
	OutcomeMalformed
	OutcomeZeroBootstrap
	OutcomeSuspiciousZero
	OutcomeOutlierRejected
	OutcomePriceUpdated
)

var outcomeNames = map[Outcome]string{
	OutcomeNoChange:        "no_change",
	OutcomeMissingPrice:    "missing_price",
	OutcomeMalformed:       "malformed",
	OutcomeZeroBootstrap:   "zero_bootstrap",
	OutcomeSuspiciousZero:  "suspicious_zero",
	OutcomeOutlierRejected: "outlier_rejected",
	OutcomePriceUpdated:    "price_updated",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// PriceChanged reports whether the outcome overwrote the reference price.
func (o Outcome) PriceChanged() bool {
	return o == OutcomeZeroBootstrap || o == OutcomePriceUpdated
}

// NeedsReview reports whether a human should look at the row.
func (o Outcome) NeedsReview() bool {
	switch o {
	case OutcomeMissingPrice, OutcomeMalformed, OutcomeSuspiciousZero, OutcomeOutlierRejected:
		return true
	}
	return false
}

// Entry is one change-log record.
type Entry struct {
	Timestamp     time.Time
	ID            string
	ProductID     string
	OldPrice      decimal.NullDecimal
	NewPrice      decimal.NullDecimal
	OldDiscount   decimal.NullDecimal
	NewDiscount   decimal.NullDecimal
	Remark        string
	ChangeApplied bool
}

// Decision summarises what the engine did with one row.
type Decision struct {
	Index           int
	ID              string
	ProductID       string
	Outcome         Outcome
	DiscountChanged bool
	Remark          string
}

// Accepted reports whether the row belongs in the accepted-change set.
func (d Decision) Accepted() bool {
	return d.Outcome.PriceChanged() || d.DiscountChanged
}

// Result is the output of one reconciliation pass.
type Result struct {
	Corrected *Table
	Accepted  []Row
	Entries   []Entry
	Decisions []Decision
}

// Counts tallies decisions by outcome.
func (r *Result) Counts() map[Outcome]int {
	out := make(map[Outcome]int)
	for _, d := range r.Decisions {
		out[d.Outcome]++
	}
	return out
}

// Review returns the decisions that need a human to look at them.
func (r *Result) Review() []Decision {
	var out []Decision
	for _, d := range r.Decisions {
		if d.Outcome.NeedsReview() {
			out = append(out, d)
		}
	}
	return out
}
