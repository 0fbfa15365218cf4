package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrMissingPrice  = errors.New("missing old or new price")
	ErrMalformed     = errors.New("data format error")
	ErrUnboundColumn = errors.New("column binding")
)

var numberCleaner = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "", ",", ".")

// ParseDecimal parses a spreadsheet number. Thousand-separating spaces and a
// comma decimal separator are accepted.
func ParseDecimal(s string) (decimal.Decimal, error) {
	cleaned := numberCleaner.Replace(strings.TrimSpace(s))
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("%w: empty number", ErrMalformed)
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a number", ErrMalformed, s)
	}
	return d, nil
}

func parseNullable(s string) (decimal.NullDecimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := ParseDecimal(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

// DiscountPair holds the stored and manually entered discount of a row.
type DiscountPair struct {
	Stored decimal.Decimal
	Manual decimal.Decimal
}

// PriceRow is the typed view of a Row under a set of bindings.
type PriceRow struct {
	ID        string
	ProductID string
	Reference decimal.NullDecimal
	New       decimal.NullDecimal
	// Discount is nil when the pair is unbound or the manual value is unparsable.
	Discount *DiscountPair
}

// ParseRow converts a text row into typed values. ErrMissingPrice takes
// precedence over ErrMalformed; the returned PriceRow carries whatever parsed
// in either case.
func ParseRow(row Row, b Bindings) (PriceRow, error) {
	pr := PriceRow{
		ID:        row[b.ID],
		ProductID: row[b.ProductID],
	}

	var malformed error
	ref, err := parseNullable(row[b.ReferencePrice])
	if err != nil {
		malformed = err
	}
	pr.Reference = ref

	newPrice, err := parseNullable(row[b.NewPrice])
	if err != nil && malformed == nil {
		malformed = err
	}
	pr.New = newPrice

	if b.HasDiscount() {
		manual, err := parseNullable(row[b.DiscountManual])
		if err != nil {
			if malformed == nil {
				malformed = err
			}
		} else {
			// an unreadable stored discount counts as zero
			stored, serr := parseNullable(row[b.DiscountStored])
			if serr != nil {
				stored = decimal.NullDecimal{}
			}
			pr.Discount = &DiscountPair{
				Stored: stored.Decimal,
				Manual: manual.Decimal,
			}
		}
	}

	if strings.TrimSpace(row[b.ReferencePrice]) == "" || strings.TrimSpace(row[b.NewPrice]) == "" {
		return pr, ErrMissingPrice
	}
	if malformed != nil {
		return pr, malformed
	}
	return pr, nil
}
