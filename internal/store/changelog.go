package store

import (
	"context"
	"database/sql"
	"fmt"

	"price_sync/internal/pricing"

	"github.com/shopspring/decimal"
)

// TimestampLayout is how change-log timestamps are stored.
const TimestampLayout = "2006-01-02 15:04:05"

// AppendChangeLog inserts the entries, in order, into the change-log table,
// creating it when missing. Entries of one call are written atomically.
func (s *Store) AppendChangeLog(ctx context.Context, logTable string, entries []pricing.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	qTable, err := quoteIdent(logTable)
	if err != nil {
		return err
	}

	createSQL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		timestamp TEXT,
		id TEXT,
		product_id TEXT,
		old_price REAL,
		new_price REAL,
		old_discount REAL,
		new_discount REAL,
		remark TEXT,
		change_applied INTEGER
	)`, qTable)
	insertSQL := fmt.Sprintf(`INSERT INTO %s
		(timestamp, id, product_id, old_price, new_price, old_discount, new_discount, remark, change_applied)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, qTable)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, createSQL); err != nil {
			return fmt.Errorf("change log %s: create table: %w", logTable, err)
		}
		for _, e := range entries {
			applied := 0
			if e.ChangeApplied {
				applied = 1
			}
			_, err := tx.ExecContext(ctx, insertSQL,
				e.Timestamp.Format(TimestampLayout),
				e.ID,
				e.ProductID,
				nullFloat(e.OldPrice),
				nullFloat(e.NewPrice),
				nullFloat(e.OldDiscount),
				nullFloat(e.NewDiscount),
				e.Remark,
				applied,
			)
			if err != nil {
				return fmt.Errorf("change log %s: insert: %w", logTable, err)
			}
		}
		return nil
	})
}

func nullFloat(d decimal.NullDecimal) sql.NullFloat64 {
	if !d.Valid {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: d.Decimal.InexactFloat64(), Valid: true}
}
