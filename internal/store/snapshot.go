package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sort"
	"strings"

	"price_sync/internal/pricing"

	"github.com/rs/zerolog/log"
)

const keySep = "\x1f"

// SyncStats counts what a snapshot sync did.
type SyncStats struct {
	Inserted  int
	Updated   int
	Unchanged int
	Deleted   int
}

// ChangePercent is the share of touched rows, in percent.
func (s SyncStats) ChangePercent() float64 {
	total := max(s.Inserted+s.Updated+s.Unchanged+s.Deleted, 1)
	return float64(s.Inserted+s.Updated+s.Deleted) / float64(total) * 100
}

// SyncSnapshot makes the stored table match table by primary key: new keys
// are inserted, changed rows rewritten, missing keys deleted. The table is
// created from the header on first use. When primaryKey is empty the first
// column is the key. Everything happens in one transaction.
func (s *Store) SyncSnapshot(ctx context.Context, name string, table *pricing.Table, primaryKey []string) (SyncStats, error) {
	var stats SyncStats
	if len(table.Columns) == 0 {
		return stats, fmt.Errorf("snapshot %s: table has no columns", name)
	}
	if len(primaryKey) == 0 {
		primaryKey = table.Columns[:1]
	}
	for _, k := range primaryKey {
		if !slices.Contains(table.Columns, k) {
			return stats, fmt.Errorf("snapshot %s: primary key column %q not in header", name, k)
		}
	}

	qTable, err := quoteIdent(name)
	if err != nil {
		return stats, err
	}
	qCols, err := quoteIdents(table.Columns)
	if err != nil {
		return stats, err
	}
	qKeys, err := quoteIdents(primaryKey)
	if err != nil {
		return stats, err
	}

	defs := make([]string, len(qCols))
	for i, c := range qCols {
		defs[i] = c + " TEXT"
	}
	createSQL := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", qTable, strings.Join(defs, ", "))
	selectSQL := fmt.Sprintf("SELECT %s FROM %s", strings.Join(qCols, ", "), qTable)
	where := make([]string, len(qKeys))
	for i, k := range qKeys {
		where[i] = k + " = ?"
	}
	whereSQL := strings.Join(where, " AND ")
	sets := make([]string, len(qCols))
	for i, c := range qCols {
		sets[i] = c + " = ?"
	}
	updateSQL := fmt.Sprintf("UPDATE %s SET %s WHERE %s", qTable, strings.Join(sets, ", "), whereSQL)
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", qTable, strings.Join(qCols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(qCols)), ", "))
	deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE %s", qTable, whereSQL)

	keyOf := func(r pricing.Row) (string, []any) {
		parts := make([]string, len(primaryKey))
		args := make([]any, len(primaryKey))
		for i, k := range primaryKey {
			parts[i] = r[k]
			args[i] = r[k]
		}
		return strings.Join(parts, keySep), args
	}

	// last occurrence of a key wins
	incoming := make(map[string]pricing.Row, len(table.Rows))
	var order []string
	for _, r := range table.Rows {
		k, _ := keyOf(r)
		if _, ok := incoming[k]; !ok {
			order = append(order, k)
		}
		incoming[k] = r
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, createSQL); err != nil {
			return fmt.Errorf("snapshot %s: create table: %w", name, err)
		}

		existing, err := loadSnapshot(ctx, tx, selectSQL, table.Columns, keyOf)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", name, err)
		}

		for _, k := range order {
			row := incoming[k]
			_, keyArgs := keyOf(row)
			values := rowArgs(row, table.Columns)

			stored, ok := existing[k]
			delete(existing, k)
			switch {
			case !ok:
				if _, err := tx.ExecContext(ctx, insertSQL, values...); err != nil {
					return fmt.Errorf("snapshot %s: insert: %w", name, err)
				}
				stats.Inserted++
			case sameRow(stored, row, table.Columns):
				stats.Unchanged++
			default:
				if _, err := tx.ExecContext(ctx, updateSQL, append(values, keyArgs...)...); err != nil {
					return fmt.Errorf("snapshot %s: update: %w", name, err)
				}
				stats.Updated++
			}
		}

		stale := make([]string, 0, len(existing))
		for k := range existing {
			stale = append(stale, k)
		}
		sort.Strings(stale)
		for _, k := range stale {
			_, keyArgs := keyOf(existing[k])
			if _, err := tx.ExecContext(ctx, deleteSQL, keyArgs...); err != nil {
				return fmt.Errorf("snapshot %s: delete: %w", name, err)
			}
			stats.Deleted++
		}
		return nil
	})
	if err != nil {
		return SyncStats{}, err
	}

	log.Info().
		Str("table", name).
		Int("inserted", stats.Inserted).
		Int("updated", stats.Updated).
		Int("unchanged", stats.Unchanged).
		Int("deleted", stats.Deleted).
		Str("change_percentage", fmt.Sprintf("%.2f%%", stats.ChangePercent())).
		Msg("Snapshot synced")
	return stats, nil
}

func loadSnapshot(ctx context.Context, tx *sql.Tx, query string, columns []string, keyOf func(pricing.Row) (string, []any)) (map[string]pricing.Row, error) {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	defer rows.Close()

	out := make(map[string]pricing.Row)
	for rows.Next() {
		cells := make([]sql.NullString, len(columns))
		dest := make([]any, len(columns))
		for i := range cells {
			dest[i] = &cells[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		r := make(pricing.Row, len(columns))
		for i, c := range columns {
			r[c] = cells[i].String
		}
		k, _ := keyOf(r)
		out[k] = r
	}
	return out, rows.Err()
}

func rowArgs(r pricing.Row, columns []string) []any {
	out := make([]any, len(columns))
	for i, c := range columns {
		out[i] = r[c]
	}
	return out
}

func sameRow(a, b pricing.Row, columns []string) bool {
	for _, c := range columns {
		if a[c] != b[c] {
			return false
		}
	}
	return true
}
