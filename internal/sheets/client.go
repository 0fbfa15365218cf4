package sheets

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"price_sync/internal/config"
	"price_sync/internal/pricing"
	"price_sync/internal/retry"

	"github.com/rs/zerolog/log"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// ErrNoData is returned by Fetch when the range holds no header row.
var ErrNoData = errors.New("no data in range")

type Client struct {
	service       *sheets.Service
	spreadsheetID string
	resilience    config.ResilienceConfig
}

// NewClient builds a Sheets client bound to one spreadsheet. When
// credentialsFile is empty the caller must supply authentication through opts.
func NewClient(ctx context.Context, credentialsFile, spreadsheetID string, resilience config.ResilienceConfig, opts ...option.ClientOption) (*Client, error) {
	if credentialsFile != "" {
		opts = append([]option.ClientOption{option.WithCredentialsFile(credentialsFile)}, opts...)
	}
	service, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	return &Client{
		service:       service,
		spreadsheetID: spreadsheetID,
		resilience:    resilience,
	}, nil
}

// ReadSheet returns the raw cell grid of a range.
func (c *Client) ReadSheet(ctx context.Context, readRange string) ([][]interface{}, error) {
	return retry.WithRetry(ctx, c.resilience.SheetRead, func(ctx context.Context) ([][]interface{}, error) {
		resp, err := c.service.Spreadsheets.Values.Get(c.spreadsheetID, readRange).
			ValueRenderOption("UNFORMATTED_VALUE").
			Context(ctx).
			Do()
		if err != nil {
			return nil, classify(fmt.Errorf("failed to read sheet: %w", err))
		}
		return resp.Values, nil
	})
}

// Fetch reads a range and converts it into a table using the first row as
// the header.
func (c *Client) Fetch(ctx context.Context, readRange string) (*pricing.Table, error) {
	values, err := c.ReadSheet(ctx, readRange)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, ErrNoData
	}

	table := ToTable(values)
	log.Debug().
		Str("range", readRange).
		Int("columns", len(table.Columns)).
		Int("rows", len(table.Rows)).
		Msg("Fetched sheet range")
	return table, nil
}

// UpdateRange overwrites a range with the given values.
func (c *Client) UpdateRange(ctx context.Context, writeRange string, values [][]interface{}) error {
	return retry.Do(ctx, c.resilience.SheetWrite, func(ctx context.Context) error {
		resp, err := c.service.Spreadsheets.Values.Update(c.spreadsheetID, writeRange, &sheets.ValueRange{Values: values}).
			ValueInputOption("USER_ENTERED").
			Context(ctx).
			Do()
		if err != nil {
			return classify(fmt.Errorf("failed to update range: %w", err))
		}
		log.Debug().
			Str("range", writeRange).
			Int64("updated_cells", resp.UpdatedCells).
			Int64("updated_rows", resp.UpdatedRows).
			Msg("Updated sheet range")
		return nil
	})
}

// WriteRows writes the table's data rows, without the header, starting at
// the top-left cell of writeRange.
func (c *Client) WriteRows(ctx context.Context, writeRange string, table *pricing.Table) error {
	return c.UpdateRange(ctx, writeRange, ToValues(table))
}

// classify marks client errors other than rate limiting as permanent.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code >= 400 && gerr.Code < 500 && gerr.Code != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
	}
	return err
}
