package processing

import (
	"context"

	"price_sync/internal/marketplace"
	"price_sync/internal/notifications"
	"price_sync/internal/pricing"
	"price_sync/internal/store"
)

// Range is one seller account of a marketplace: the sheet ranges it is read
// from and written back to, and the snapshot table that mirrors it.
type Range struct {
	Name        string                  `toml:"name" validate:"required"`
	Read        string                  `toml:"read" validate:"required"`
	Write       string                  `toml:"write" validate:"required"`
	Table       string                  `toml:"table" validate:"required"`
	PrimaryKey  []string                `toml:"primary_key"`
	Credentials marketplace.Credentials `toml:"credentials"`
}

// Marketplace groups the ranges that share a publisher and column layout.
type Marketplace struct {
	Name    string               `toml:"name" validate:"required"`
	Kind    string               `toml:"kind" validate:"required"`
	Enabled bool                 `toml:"enabled"`
	Columns pricing.Bindings     `toml:"columns"`
	Fields  marketplace.FieldMap `toml:"fields"`
	Ranges  []Range              `toml:"ranges" validate:"required,min=1,unique=Name,dive"`

	// BaseURL and RequestsPerSecond override the publisher defaults.
	BaseURL           string  `toml:"base_url" validate:"omitempty,url"`
	RequestsPerSecond float64 `toml:"requests_per_second" validate:"gte=0"`
}

// Target is an enabled marketplace paired with its publisher.
type Target struct {
	Marketplace
	Publisher marketplace.Publisher
}

type Source interface {
	Fetch(ctx context.Context, readRange string) (*pricing.Table, error)
	WriteRows(ctx context.Context, writeRange string, table *pricing.Table) error
}

type Store interface {
	SyncSnapshot(ctx context.Context, name string, table *pricing.Table, primaryKey []string) (store.SyncStats, error)
	AppendChangeLog(ctx context.Context, logTable string, entries []pricing.Entry) error
}

type Notifier interface {
	NotifyReview(ctx context.Context, marketplace, rangeName string, items []notifications.ReviewItem)
	NotifyPublishFailure(ctx context.Context, marketplace, rangeName string, err error)
}

// Pipeline stages, used in reports and failure metrics.
const (
	StageFetch     = "fetch"
	StageSnapshot  = "snapshot"
	StageBindings  = "bindings"
	StageChangeLog = "changelog"
	StageWrite     = "write"
	StagePublish   = "publish"
	StagePanic     = "panic"
)

// RangeReport describes one pass over a range.
type RangeReport struct {
	Marketplace string
	Range       string
	// FailedStage is the stage that stopped or degraded the pass, if any.
	FailedStage string
	Err         error
	Snapshot    store.SyncStats
	Outcomes    map[pricing.Outcome]int
	Accepted    int
	Review      int
	Published   *marketplace.Result
}

func (r *RangeReport) fail(stage string, err error) {
	if r.FailedStage == "" {
		r.FailedStage = stage
		r.Err = err
	}
}
