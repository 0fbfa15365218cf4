package sheets

import (
	"fmt"
	"strconv"
	"strings"

	"price_sync/internal/pricing"
)

// ToTable converts a raw cell grid into a table. Blank header cells are
// named column_<n> and repeated names get a _<k> suffix so every column is
// addressable. Short rows are padded with empty strings.
func ToTable(values [][]interface{}) *pricing.Table {
	if len(values) == 0 {
		return &pricing.Table{}
	}

	header := values[0]
	width := len(header)
	for _, r := range values[1:] {
		width = max(width, len(r))
	}

	columns := make([]string, width)
	used := make(map[string]bool, width)
	for i := range columns {
		name := ""
		if i < len(header) {
			name = strings.TrimSpace(cellString(header[i]))
		}
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		// the suffixed name may itself be a header further left
		for k, base := 2, name; used[name]; k++ {
			name = fmt.Sprintf("%s_%d", base, k)
		}
		used[name] = true
		columns[i] = name
	}

	table := &pricing.Table{Columns: columns}
	for _, r := range values[1:] {
		row := make(pricing.Row, width)
		for i, c := range columns {
			if i < len(r) {
				row[c] = cellString(r[i])
			} else {
				row[c] = ""
			}
		}
		table.Rows = append(table.Rows, row)
	}
	return table
}

// ToValues renders the data rows of a table as a cell grid. Plain numbers are
// sent as numbers so the sheet locale does not reinterpret them.
func ToValues(table *pricing.Table) [][]interface{} {
	out := make([][]interface{}, 0, len(table.Rows))
	for _, r := range table.Rows {
		line := make([]interface{}, len(table.Columns))
		for i, c := range table.Columns {
			line[i] = cellValue(r[c])
		}
		out = append(out, line)
	}
	return out
}

func cellString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "TRUE"
		}
		return "FALSE"
	default:
		return fmt.Sprintf("%v", t)
	}
}

func cellValue(s string) interface{} {
	if s == "" {
		return ""
	}
	if strings.Trim(s, "0123456789.-") != "" {
		return s
	}
	// keep leading zeros of identifiers such as article codes
	if len(s) > 1 && s[0] == '0' && s[1] != '.' {
		return s
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
